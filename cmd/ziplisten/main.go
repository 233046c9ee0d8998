// Command ziplisten loads music streaming events, refreshes the summary
// tables and serves them over HTTP.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/sunflower-analytics/ziplisten/internal/config"
	"github.com/sunflower-analytics/ziplisten/internal/metrics"
	"github.com/sunflower-analytics/ziplisten/internal/middleware"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root, a := newRootCmd()
	err := root.ExecuteContext(ctx)
	a.close()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() (*cobra.Command, *app) {
	a := &app{}
	var configPath string

	root := &cobra.Command{
		Use:           "ziplisten",
		Short:         "Music streaming analytics: ingestion, summary refresh and read API",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if configPath != "" {
				a.cfg, err = config.LoadFrom(configPath)
			} else {
				a.cfg, err = config.Load()
			}
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			a.logger, err = middleware.NewLogger(a.cfg.Log.Level, a.cfg.Log.Format)
			if err != nil {
				return fmt.Errorf("failed to create logger: %w", err)
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			a.metrics = metrics.New("ziplisten", reg)
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $"+config.PathEnvVar+" or ./ziplisten.yaml)")

	root.AddCommand(
		newServeCmd(a),
		newRefreshCmd(a),
		newScheduleCmd(a),
		newMigrateCmd(a),
		newLoadCmd(a),
		newQualityCmd(a),
		newEnrichCmd(a),
		newReportCmd(a),
	)
	return root, a
}
