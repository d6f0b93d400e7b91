package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCompactCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "compact <id>...",
		Short: "Compact tablets offline",
		Long: `Runs compaction tasks on each tablet, one at a time, until the policy finds
nothing left to merge. The tablets must not be open in a running server.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := root.load()
			if err != nil {
				return err
			}
			for _, arg := range args {
				id, err := parseID(arg)
				if err != nil {
					return err
				}
				t, err := e.open(id)
				if err != nil {
					return err
				}
				before := t.VersionCount()
				tasks := 0
				for t.NeedCompaction() {
					task := t.CreateCompactionTask()
					if task == nil {
						break
					}
					if err := task.Run(); err != nil {
						_ = t.Close()
						return fmt.Errorf("tablet %d: %w", id, err)
					}
					tasks++
				}
				fmt.Fprintf(cmd.OutOrStdout(), "tablet %d: %d tasks, %d -> %d rowsets\n", id, tasks, before, t.VersionCount())
				if err := t.Close(); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
