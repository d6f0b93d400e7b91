package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/aalhour/tabletkv/internal/rowset"
)

func newIngestCmd(root *rootOptions) *cobra.Command {
	var deletePred string
	cmd := &cobra.Command{
		Use:   "ingest <id> <version> [file.csv]",
		Short: "Load a rowset at one version",
		Long: `Loads one CSV row per line (one field per column, in schema order) as a
singleton rowset at <version>. Rows are read from file.csv or stdin.

With --delete, writes a delete rowset instead:

  tabletd ingest 1 7 --delete "k1 IN (3,4) AND v1>10"`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			v, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid version %q", args[1])
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

			if deletePred != "" {
				if len(args) == 3 {
					return errors.New("--delete takes no input file")
				}
				pred, err := rowset.ParsePredicate(deletePred)
				if err != nil {
					return err
				}
				d, err := t.IngestDelete(v, pred)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "tablet %d: delete rowset %s: %s\n", id, d.Version, pred)
				return nil
			}

			in := cmd.InOrStdin()
			if len(args) == 3 {
				f, err := os.Open(args[2])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			rows, err := readRows(in, t.Schema())
			if err != nil {
				return err
			}
			d, err := t.Ingest(v, rows)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "tablet %d: rowset %s: %d rows, %d bytes\n", id, d.Version, d.RowCount, d.SizeBytes)
			return nil
		},
	}
	cmd.Flags().StringVar(&deletePred, "delete", "", "delete predicate, e.g. \"k1=3 AND v1>10\"")
	return cmd
}

func readRows(r io.Reader, schema *rowset.Schema) ([]rowset.Row, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(schema.Columns)
	cr.TrimLeadingSpace = true
	cr.Comment = '#'

	var rows []rowset.Row
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
		row, err := schema.ParseRow(rec)
		if err != nil {
			line, _ := cr.FieldPos(0)
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		rows = append(rows, row)
	}
}
