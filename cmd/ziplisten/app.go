package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sunflower-analytics/ziplisten/internal/cache"
	"github.com/sunflower-analytics/ziplisten/internal/config"
	"github.com/sunflower-analytics/ziplisten/internal/database"
	"github.com/sunflower-analytics/ziplisten/internal/metrics"
	"github.com/sunflower-analytics/ziplisten/internal/refresh"
	"github.com/sunflower-analytics/ziplisten/internal/rollup"
	"github.com/sunflower-analytics/ziplisten/internal/storage"
	"go.uber.org/zap"
)

// app holds what every command shares: configuration, logging, metrics and
// the connections opened so far.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	pg      *database.PostgresDB
	rdb     *database.RedisDB
	ch      *database.ClickHouseDB
	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

// postgres connects once and reuses the pool.
func (a *app) postgres(ctx context.Context) (*database.PostgresDB, error) {
	if a.pg != nil {
		return a.pg, nil
	}
	db, err := database.NewPostgresDB(ctx, a.cfg.Database, a.logger)
	if err != nil {
		return nil, err
	}
	a.pg = db
	a.closers = append(a.closers, db.Close)
	return db, nil
}

// redis returns nil when Redis is disabled.
func (a *app) redis(ctx context.Context) (*database.RedisDB, error) {
	if !a.cfg.Redis.Enabled {
		return nil, nil
	}
	if a.rdb != nil {
		return a.rdb, nil
	}
	rdb, err := database.NewRedisDB(ctx, a.cfg.Redis, a.logger)
	if err != nil {
		return nil, err
	}
	a.rdb = rdb
	a.closers = append(a.closers, func() { _ = rdb.Close() })
	return rdb, nil
}

// eventSource returns the configured raw event reader.
func (a *app) eventSource(ctx context.Context) (rollup.EventSource, error) {
	switch a.cfg.Source.Kind {
	case config.SourceClickHouse:
		if a.ch == nil {
			ch, err := database.NewClickHouseDB(ctx, a.cfg.ClickHouse, a.logger)
			if err != nil {
				return nil, err
			}
			a.ch = ch
			a.closers = append(a.closers, func() { _ = ch.Close() })
		}
		return storage.NewClickHouseEventStore(a.ch.Conn), nil
	default:
		pg, err := a.postgres(ctx)
		if err != nil {
			return nil, err
		}
		return storage.NewPostgresEventStore(pg), nil
	}
}

func (a *app) engagementColumns() (rollup.EngagementColumns, error) {
	eng, err := rollup.EngagementColumnsFromConfig(a.cfg.Engagement)
	if err != nil {
		return rollup.EngagementColumns{}, fmt.Errorf("invalid engagement columns: %w", err)
	}
	return eng, nil
}

// dashboardCache returns nil when Redis is off or caching is disabled.
func (a *app) dashboardCache(ctx context.Context) (*cache.SummaryCache, error) {
	rdb, err := a.redis(ctx)
	if err != nil || rdb == nil || a.cfg.Cache.DashboardTTL <= 0 {
		return nil, err
	}
	return cache.NewSummaryCache(rdb.Client, a.cfg.Cache.DashboardTTL), nil
}

// orchestrator wires the refresh engine against Postgres, using a Redis lock
// when Redis is enabled so concurrent processes never overlap.
func (a *app) orchestrator(ctx context.Context) (*refresh.Orchestrator, error) {
	eng, err := a.engagementColumns()
	if err != nil {
		return nil, err
	}
	pg, err := a.postgres(ctx)
	if err != nil {
		return nil, err
	}
	source, err := a.eventSource(ctx)
	if err != nil {
		return nil, err
	}
	rdb, err := a.redis(ctx)
	if err != nil {
		return nil, err
	}

	var lock refresh.Lock = refresh.NewMemoryLock()
	if rdb != nil {
		lock = refresh.NewRedisLock(rdb.Client, refresh.DefaultLockKey)
	}

	orch := refresh.New(
		a.cfg.Refresh,
		rollup.Builders(eng),
		source,
		storage.NewPostgresSummaryStore(pg),
		lock,
		a.logger,
		a.metrics,
	).WithPoolReset(pg.Reset)

	summaryCache, err := a.dashboardCache(ctx)
	if err != nil {
		return nil, err
	}
	if summaryCache != nil {
		orch.OnComplete(func(ctx context.Context, _ *refresh.Report) {
			if err := summaryCache.Invalidate(ctx); err != nil {
				a.logger.Warn("failed to invalidate dashboard cache", zap.Error(err))
			}
		})
	}
	return orch, nil
}

func (a *app) retryPolicy(op string, attempts int, delay time.Duration) database.RetryPolicy {
	return database.RetryPolicy{
		Attempts: attempts,
		Delay:    delay,
		MaxDelay: a.cfg.Refresh.MaxRetryDelay,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			a.logger.Warn("retrying after transient error",
				zap.String("operation", op),
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(err),
			)
			a.metrics.RecordRetry(op)
			if a.pg != nil {
				a.pg.Reset()
			}
		},
	}
}
