package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/sunflower-analytics/ziplisten/internal/cache"
	"github.com/sunflower-analytics/ziplisten/internal/httpserver"
	"github.com/sunflower-analytics/ziplisten/internal/middleware"
	"github.com/sunflower-analytics/ziplisten/internal/refresh"
	"github.com/sunflower-analytics/ziplisten/internal/storage"
	"go.uber.org/zap"
)

const (
	statsInterval      = 15 * time.Second
	limiterIdleTimeout = 10 * time.Minute
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the summary tables over HTTP",
		Long: `Serve the read API. When refresh.schedule is set, the refresh also
runs in-process on that cron schedule.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), a)
		},
	}
}

func runServe(ctx context.Context, a *app) error {
	cfg := a.cfg
	logger := a.logger

	logger.Info("starting ziplisten API",
		zap.String("env", cfg.Server.Env),
		zap.String("addr", cfg.Server.Addr),
	)

	pg, err := a.postgres(ctx)
	if err != nil {
		return err
	}
	eng, err := a.engagementColumns()
	if err != nil {
		return err
	}

	var reader storage.SummaryReader = storage.NewPostgresSummaryReader(pg, eng)
	summaryCache, err := a.dashboardCache(ctx)
	if err != nil {
		return err
	}
	if summaryCache != nil {
		reader = cache.NewCachedReader(reader, summaryCache, logger, a.metrics)
	}

	if cfg.Refresh.Schedule != "" {
		orch, err := a.orchestrator(ctx)
		if err != nil {
			return err
		}
		orch.OnComplete(logReport(logger))
		sched, err := refresh.NewScheduler(cfg.Refresh.Schedule, orch, logger)
		if err != nil {
			return err
		}
		sched.Start(ctx)
		defer func() {
			<-sched.Stop().Done()
		}()
	}

	events, err := a.eventSource(ctx)
	if err != nil {
		return err
	}

	limiter := middleware.NewRateLimitMiddleware(cfg.RateLimit, logger, a.metrics)
	handler := httpserver.NewServer(&httpserver.Dependencies{
		Reader:      reader,
		Events:      events,
		DB:          pg,
		Config:      cfg,
		Logger:      logger,
		Metrics:     a.metrics,
		RateLimiter: limiter,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go housekeeping(ctx, a, limiter)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
		return err
	}

	logger.Info("server stopped")
	return nil
}

// housekeeping publishes pool gauges and drops idle rate limiters until ctx
// ends.
func housekeeping(ctx context.Context, a *app, limiter *middleware.RateLimitMiddleware) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if a.pg != nil {
				st := a.pg.Stats()
				a.metrics.UpdateDBStats(int(st.IdleConns()), int(st.AcquiredConns()), int(st.TotalConns()))
			}
			limiter.Cleanup(limiterIdleTimeout)
		}
	}
}
