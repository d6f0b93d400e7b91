package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newVersionsCmd(root *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "versions <id>",
		Short: "List the rowsets of a tablet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			e, err := root.load()
			if err != nil {
				return err
			}
			t, err := e.open(id)
			if err != nil {
				return err
			}
			defer t.Close()

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(t.Info())
			}

			snap := t.Snapshot()
			fmt.Fprintf(out, "tablet %d: %d rowsets, cumulative point %d\n", id, len(snap.Rowsets), snap.CumulativePoint)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "VERSION\tROWS\tBYTES\tDELETE")
			for _, d := range snap.Rowsets {
				pred := "-"
				if d.IsDeleteRowset() {
					pred = d.DeletePredicate.String()
				}
				fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", d.Version, d.RowCount, d.SizeBytes, pred)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the tablet summary as JSON")
	return cmd
}
