package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/sunflower-analytics/ziplisten/internal/refresh"
	"go.uber.org/zap"
)

func newRefreshCmd(a *app) *cobra.Command {
	var reset bool

	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Rebuild every summary table from the raw events",
		Long: `Run each summary builder once and upsert its rows.

With --reset the seven summary tables are truncated first. Raw event tables
are never modified. The command exits non-zero if any builder failed or was
skipped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, err := a.orchestrator(cmd.Context())
			if err != nil {
				return err
			}

			report, err := orch.Run(cmd.Context(), refresh.Options{Reset: reset})
			if errors.Is(err, refresh.ErrLocked) {
				return fmt.Errorf("another refresh is running: %w", err)
			}
			if err != nil {
				return err
			}

			if err := printReport(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if report.Failed() {
				return fmt.Errorf("refresh finished with failures: %w", report.Err())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "truncate the summary tables before rebuilding")
	return cmd
}

func newScheduleCmd(a *app) *cobra.Command {
	var spec string

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run the refresh on a cron schedule until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if spec == "" {
				spec = a.cfg.Refresh.Schedule
			}
			if spec == "" {
				return errors.New("no schedule: set refresh.schedule or pass --cron")
			}

			orch, err := a.orchestrator(cmd.Context())
			if err != nil {
				return err
			}
			orch.OnComplete(logReport(a.logger))
			sched, err := refresh.NewScheduler(spec, orch, a.logger)
			if err != nil {
				return err
			}

			sched.Start(cmd.Context())
			<-cmd.Context().Done()

			a.logger.Info("stopping scheduler, waiting for the running refresh")
			<-sched.Stop().Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&spec, "cron", "", "cron spec, overrides refresh.schedule")
	return cmd
}

func printReport(w io.Writer, r *refresh.Report) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "run %s\treset=%t\t%s\n\n", r.RunID, r.Reset, r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	fmt.Fprintln(tw, "BUILDER\tSTATUS\tROWS\tSKIPPED\tPRUNED\tATTEMPTS\tDURATION\tERROR")
	for _, b := range r.Builders {
		errText := ""
		if b.Err != nil {
			errText = b.Err.Error()
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			b.Builder, b.Status, b.Rows, b.Skipped, b.Pruned, b.Attempts,
			b.Duration.Round(time.Millisecond), errText)
	}
	return tw.Flush()
}

// logReport logs per-builder results of scheduled runs.
func logReport(logger *zap.Logger) refresh.Hook {
	return func(ctx context.Context, r *refresh.Report) {
		for _, b := range r.Builders {
			logger.Info("builder result",
				zap.String("run_id", r.RunID),
				zap.String("builder", b.Builder),
				zap.String("status", b.Status),
				zap.Int("rows", b.Rows),
				zap.Int64("skipped", b.Skipped),
				zap.Duration("duration", b.Duration),
			)
		}
	}
}
