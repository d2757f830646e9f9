package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/apk-analysis/apk-patchkit/internal/repository"
)

func newHistoryCmd(opts *globalOptions) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent runs from the run database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.load()
			if err != nil {
				return err
			}
			if !e.cfg.Database.Enabled {
				return errors.New("database is disabled (set database.enabled)")
			}

			db, err := repository.InitDB(&e.cfg.Database, e.logger)
			if err != nil {
				return err
			}
			if sqlDB, err := db.DB(); err == nil {
				defer sqlDB.Close()
			}

			records, err := repository.NewRunRepository(db, e.logger).ListRecent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), records)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "RUN ID\tSTATE\tTIER\tSCORE\tRECORDS\tFAILURES\tWARNINGS\tSTARTED\tINPUT")
			for _, r := range records {
				started := "-"
				if r.StartedAt != nil {
					started = r.StartedAt.Local().Format(time.DateTime)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
					r.ID, r.State, r.SelectedTier, r.AggregateScore,
					r.RecordCount, r.FailureCount, r.WarningCount,
					started, r.InputPath)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of runs to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print records as JSON")
	return cmd
}
