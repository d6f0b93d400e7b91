package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aalhour/tabletkv/internal/rowset"
	"github.com/aalhour/tabletkv/internal/tablet"
)

func newCreateCmd(root *rootOptions) *cobra.Command {
	var (
		keysType string
		columns  []string
	)
	cmd := &cobra.Command{
		Use:   "create <id>",
		Short: "Create an empty tablet",
		Long: `Creates tablet <id> under the root directory. Columns are given in order as
name:type[:key|:agg]; key columns come first.

  tabletd create 1 --keys agg --column k1:int:key --column v1:int:sum`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			kt, err := rowset.ParseKeysType(keysType)
			if err != nil {
				return err
			}
			schema := &rowset.Schema{KeysType: kt}
			for _, c := range columns {
				col, err := rowset.ParseColumn(c)
				if err != nil {
					return err
				}
				schema.Columns = append(schema.Columns, col)
			}

			e, err := root.load()
			if err != nil {
				return err
			}
			opts := e.tabletOptions(id)
			opts.Schema = schema
			t, err := tablet.Create(opts)
			if err != nil {
				return err
			}
			defer t.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "created tablet %d (%s) at %s\n", id, kt, t.Path())
			return nil
		},
	}
	cmd.Flags().StringVar(&keysType, "keys", "dup", "keys type: dup, unique or agg")
	cmd.Flags().StringArrayVar(&columns, "column", nil, "column as name:type[:key|:agg] (repeatable)")
	_ = cmd.MarkFlagRequired("column")
	return cmd
}
