package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/sunflower-analytics/ziplisten/internal/database"
	"github.com/sunflower-analytics/ziplisten/internal/enrich"
	"github.com/sunflower-analytics/ziplisten/internal/ingest"
	"github.com/sunflower-analytics/ziplisten/internal/storage"
	"go.uber.org/zap"
)

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the raw event and summary tables if they do not exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pg, err := a.postgres(cmd.Context())
			if err != nil {
				return err
			}
			return database.Migrate(cmd.Context(), pg, a.cfg.Engagement)
		},
	}
}

func newLoadCmd(a *app) *cobra.Command {
	var batchSize int

	cmd := &cobra.Command{
		Use:   "load <dir>",
		Short: "Load the raw event CSV files from a directory",
		Long: `Load listen_events.csv, auth_events.csv, status_change_events.csv and
page_view_events.csv from dir into the raw event tables, then fill in the
region of any rows that still lack one. Missing files are skipped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pg, err := a.postgres(ctx)
			if err != nil {
				return err
			}
			store := storage.NewPostgresEventStore(pg)

			results, err := ingest.NewLoader(store, batchSize, a.logger).LoadDir(ctx, args[0])
			if err != nil {
				return err
			}

			backfilled, err := store.BackfillRegions(ctx)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "FILE\tREAD\tINSERTED\tREJECTED\tDURATION")
			for _, r := range results {
				if r.Missing {
					fmt.Fprintf(tw, "%s\t-\t-\t-\tnot found\n", r.Path)
					continue
				}
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\n", r.Path, r.Read, r.Inserted, r.Rejected, r.Duration.Round(time.Millisecond))
			}
			fmt.Fprintf(tw, "\nregions backfilled: %d\n", backfilled)
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&batchSize, "batch-size", ingest.DefaultBatchSize, "rows per bulk insert")
	return cmd
}

func newQualityCmd(a *app) *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "quality <dir>",
		Short: "Check the raw event CSV files for data quality problems",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reports, err := ingest.CheckDir(args[0])
			if err != nil {
				return err
			}
			if err := ingest.WriteText(cmd.OutOrStdout(), reports); err != nil {
				return err
			}

			if strict {
				for _, q := range reports {
					if !q.Missing && !q.Clean() {
						return errors.New("data quality problems found")
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "exit non-zero when any file has problems")
	return cmd
}

func newEnrichCmd(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "enrich",
		Short: "Fill in missing listen genres from MusicBrainz",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pg, err := a.postgres(ctx)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("limit") {
				limit = a.cfg.Enrich.BatchSize
			}

			ecfg := a.cfg.Enrich
			client := enrich.NewClient(ecfg, a.logger, a.metrics)
			enricher := enrich.NewEnricher(
				storage.NewPostgresEventStore(pg),
				client,
				a.retryPolicy("enrich", ecfg.RetryAttempts, ecfg.RetryDelay),
				limit,
				a.logger,
			)

			sum, err := enricher.Run(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "artists %d, updated %d (%d rows), not found %d, failed %d in %s\n",
				sum.Artists, sum.Updated, sum.Rows, sum.NotFound, sum.Failed, sum.Duration.Round(time.Second))
			if sum.Failed > 0 {
				a.logger.Warn("some artists could not be enriched", zap.Int("failed", sum.Failed))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum artists to look up (default enrich.batch_size, 0 for all)")
	return cmd
}
