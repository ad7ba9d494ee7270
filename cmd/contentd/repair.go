package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/groblegark/contentd/internal/config"
	"github.com/groblegark/contentd/internal/eventlog"
	"github.com/groblegark/contentd/internal/store/postgres"
)

// repairCmd assigns global positions to commits that lost theirs, e.g.
// after restoring the events table from an archive. The running daemon does
// the same sweep on its maintenance cron; this is the manual kick.
var repairCmd = &cobra.Command{
	Use:   "repair-positions",
	Short: "Assign global positions to unpositioned commits",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		st, err := postgres.New(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer st.Close()

		total := 0
		for {
			n, err := eventlog.New(st).RepairPositions(cmd.Context(), 100)
			if err != nil {
				return err
			}
			total += n
			if n < 100 {
				break
			}
		}

		fmt.Printf("repaired %d commits\n", total)
		return nil
	},
}
