package main

import (
	"encoding/csv"

	"github.com/spf13/cobra"

	"github.com/aalhour/tabletkv/internal/rowset"
)

func newScanCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "scan <id>",
		Short: "Print the merged rows of a tablet as CSV",
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

			w := csv.NewWriter(cmd.OutOrStdout())
			schema := t.Schema()
			if err := t.Scan(func(row rowset.Row) error {
				return w.Write(schema.FormatRow(row))
			}); err != nil {
				return err
			}
			w.Flush()
			return w.Error()
		},
	}
}
