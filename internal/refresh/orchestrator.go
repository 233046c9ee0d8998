// Package refresh runs the summary builders against the raw event store and
// writes their output to the summary store.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sunflower-analytics/ziplisten/internal/config"
	"github.com/sunflower-analytics/ziplisten/internal/database"
	"github.com/sunflower-analytics/ziplisten/internal/metrics"
	"github.com/sunflower-analytics/ziplisten/internal/rollup"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Options tune a single run.
type Options struct {
	// Reset truncates every summary table before the builders run.
	Reset bool
}

// BuilderError wraps the failure of one builder.
type BuilderError struct {
	Builder string
	Err     error
}

func (e *BuilderError) Error() string {
	return fmt.Sprintf("builder %s failed: %v", e.Builder, e.Err)
}

func (e *BuilderError) Unwrap() error { return e.Err }

// BuilderReport is the outcome of one builder in a run.
type BuilderReport struct {
	Builder  string        `json:"builder"`
	Table    string        `json:"table"`
	Status   string        `json:"status"`
	Rows     int           `json:"rows"`
	Scanned  int64         `json:"scanned"`
	Skipped  int64         `json:"skipped"`
	Upserted int64         `json:"upserted"`
	Pruned   int64         `json:"pruned"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
}

// Report is the outcome of a run.
type Report struct {
	RunID      string          `json:"run_id"`
	Reset      bool            `json:"reset"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Builders   []BuilderReport `json:"builders"`
}

// Failed reports whether any builder failed or was skipped.
func (r *Report) Failed() bool {
	for _, b := range r.Builders {
		if b.Status != metrics.StatusSuccess {
			return true
		}
	}
	return false
}

// Err joins the errors of the failed builders, or returns nil.
func (r *Report) Err() error {
	var errs []error
	for _, b := range r.Builders {
		if b.Err != nil {
			errs = append(errs, &BuilderError{Builder: b.Builder, Err: b.Err})
		}
	}
	return errors.Join(errs...)
}

// Hook runs after every completed run.
type Hook func(ctx context.Context, report *Report)

// Orchestrator runs the builders. Only one run proceeds at a time, across
// processes when the lock is Redis-backed.
type Orchestrator struct {
	cfg      config.RefreshConfig
	builders []rollup.Builder
	source   rollup.EventSource
	store    rollup.Store
	lock     Lock
	logger   *zap.Logger
	metrics  *metrics.Metrics

	resetPool func()
	hooks     []Hook
	now       func() time.Time
}

// New creates an orchestrator. m may be nil.
func New(
	cfg config.RefreshConfig,
	builders []rollup.Builder,
	source rollup.EventSource,
	store rollup.Store,
	lock Lock,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		builders: builders,
		source:   source,
		store:    store,
		lock:     lock,
		logger:   logger.With(zap.String("component", "refresh")),
		metrics:  m,
		now:      time.Now,
	}
}

// WithPoolReset sets the function called between retry attempts so the next
// attempt gets fresh connections.
func (o *Orchestrator) WithPoolReset(fn func()) *Orchestrator {
	o.resetPool = fn
	return o
}

// OnComplete registers a hook run after every run that got past preflight.
func (o *Orchestrator) OnComplete(h Hook) {
	o.hooks = append(o.hooks, h)
}

// Run executes one refresh. A nil report comes with ErrLocked, a
// *rollup.SchemaError or a truncate failure; builder failures are recorded
// in the report instead.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (*Report, error) {
	report := &Report{
		RunID:     uuid.NewString(),
		Reset:     opts.Reset,
		StartedAt: o.now().UTC(),
	}
	logger := o.logger.With(zap.String("run_id", report.RunID))

	lease, err := o.lock.Acquire(ctx, o.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, ErrLocked) {
			logger.Warn("refresh already running, skipping")
			o.recordRefresh(metrics.StatusLocked, 0)
		}
		return nil, err
	}

	// The lease is renewed for as long as the run lasts. Losing it cancels
	// the run.
	runCtx, cancel := context.WithCancelCause(ctx)
	var renewal sync.WaitGroup
	renewal.Add(1)
	go func() {
		defer renewal.Done()
		keepAlive(runCtx, lease, o.cfg.LockTTL,
			func(err error) {
				logger.Error("refresh lock lost, cancelling run", zap.Error(err))
				cancel(err)
			},
			func(err error) {
				logger.Warn("failed to extend refresh lock", zap.Error(err))
			},
		)
	}()
	defer func() {
		cancel(nil)
		renewal.Wait()
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("failed to release refresh lock", zap.Error(err))
		}
	}()
	ctx = runCtx

	tables := rollup.Tables(o.builders)
	if err := rollup.Preflight(ctx, o.store, tables); err != nil {
		logger.Error("schema preflight failed", zap.Error(err))
		o.recordRefresh(metrics.StatusFailed, o.now().Sub(report.StartedAt))
		return nil, err
	}

	if opts.Reset {
		if err := o.store.Truncate(ctx, tables); err != nil {
			logger.Error("failed to reset summary tables", zap.Error(err))
			o.recordRefresh(metrics.StatusFailed, o.now().Sub(report.StartedAt))
			return nil, fmt.Errorf("failed to reset summary tables: %w", err)
		}
		logger.Info("summary tables truncated", zap.Int("tables", len(tables)))
	}

	logger.Info("refresh started",
		zap.Int("builders", len(o.builders)),
		zap.String("policy", o.cfg.Policy),
		zap.Bool("parallel", o.cfg.Parallel),
		zap.Bool("reset", opts.Reset),
	)

	if o.cfg.Parallel {
		report.Builders = o.runParallel(ctx, logger)
	} else {
		report.Builders = o.runSequential(ctx, logger)
	}
	report.FinishedAt = o.now().UTC()

	status := metrics.StatusSuccess
	if report.Failed() {
		status = metrics.StatusFailed
	}
	o.recordRefresh(status, report.FinishedAt.Sub(report.StartedAt))

	logger.Info("refresh finished",
		zap.String("status", status),
		zap.Duration("duration", report.FinishedAt.Sub(report.StartedAt)),
	)

	hookCtx := context.WithoutCancel(ctx)
	for _, h := range o.hooks {
		h(hookCtx, report)
	}
	return report, nil
}

func (o *Orchestrator) runSequential(ctx context.Context, logger *zap.Logger) []BuilderReport {
	reports := make([]BuilderReport, len(o.builders))
	stopped := false

	for i, b := range o.builders {
		if stopped {
			reports[i] = o.skip(b, logger)
			continue
		}
		reports[i] = o.runBuilder(ctx, b, logger)
		if reports[i].Status == metrics.StatusFailed && o.cfg.Policy == config.PolicyStop {
			stopped = true
		}
	}
	return reports
}

// runParallel runs every builder concurrently. Under the stop policy the
// first failure cancels the rest, which are then reported as skipped.
func (o *Orchestrator) runParallel(ctx context.Context, logger *zap.Logger) []BuilderReport {
	reports := make([]BuilderReport, len(o.builders))

	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	for i, b := range o.builders {
		g.Go(func() error {
			if gctx.Err() != nil && ctx.Err() == nil {
				mu.Lock()
				reports[i] = o.skip(b, logger)
				mu.Unlock()
				return nil
			}

			r := o.runBuilder(gctx, b, logger)
			if r.Status == metrics.StatusFailed && gctx.Err() != nil && ctx.Err() == nil &&
				errors.Is(r.Err, context.Canceled) {
				r = o.skip(b, logger)
			}

			mu.Lock()
			reports[i] = r
			mu.Unlock()

			if r.Status == metrics.StatusFailed && o.cfg.Policy == config.PolicyStop {
				return r.Err
			}
			return nil
		})
	}
	_ = g.Wait()
	return reports
}

func (o *Orchestrator) skip(b rollup.Builder, logger *zap.Logger) BuilderReport {
	logger.Warn("builder skipped after earlier failure", zap.String("builder", b.Name()))
	if o.metrics != nil {
		o.metrics.RecordBuilderSkipped(b.Name())
	}
	return BuilderReport{
		Builder: b.Name(),
		Table:   b.Table().Name,
		Status:  metrics.StatusSkipped,
	}
}

// runBuilder builds and upserts one table, retrying transient failures.
func (o *Orchestrator) runBuilder(ctx context.Context, b rollup.Builder, logger *zap.Logger) BuilderReport {
	logger = logger.With(zap.String("builder", b.Name()))
	table := b.Table()
	start := o.now()

	if o.cfg.BuilderTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.BuilderTimeout)
		defer cancel()
	}

	policy := database.RetryPolicy{
		Attempts: o.cfg.RetryAttempts,
		Delay:    o.cfg.RetryDelay,
		MaxDelay: o.cfg.MaxRetryDelay,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			logger.Warn("transient failure, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(err),
			)
			if o.resetPool != nil {
				o.resetPool()
			}
			if o.metrics != nil {
				o.metrics.RecordRetry(b.Name())
			}
		},
	}

	var (
		built    rollup.Result
		upserted rollup.UpsertResult
	)
	attempts, err := database.Retry(ctx, policy, func(ctx context.Context) error {
		res, err := b.Build(ctx, o.source)
		if err != nil {
			return fmt.Errorf("failed to build %s: %w", table.Name, err)
		}
		up, err := o.store.Upsert(ctx, table, res.Rows, o.now().UTC())
		if err != nil {
			return fmt.Errorf("failed to upsert %s: %w", table.Name, err)
		}
		built, upserted = res, up
		return nil
	})
	elapsed := o.now().Sub(start)

	report := BuilderReport{
		Builder:  b.Name(),
		Table:    table.Name,
		Attempts: attempts,
		Duration: elapsed,
	}

	if err != nil {
		report.Status = metrics.StatusFailed
		report.Err = err
		kind := failureKind(err)
		logger.Error("builder failed",
			zap.String("kind", kind),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		if o.metrics != nil {
			o.metrics.RecordBuilderFailure(b.Name(), kind, elapsed)
		}
		return report
	}

	report.Status = metrics.StatusSuccess
	report.Rows = len(built.Rows)
	report.Scanned = built.Stats.Scanned
	report.Skipped = built.Stats.Skipped
	report.Upserted = upserted.Upserted
	report.Pruned = upserted.Pruned

	if built.Stats.Skipped > 0 {
		logger.Debug("events skipped for missing key fields",
			zap.Int64("skipped", built.Stats.Skipped),
			zap.Int64("scanned", built.Stats.Scanned),
		)
	}
	logger.Info("builder finished",
		zap.Int("rows", report.Rows),
		zap.Int64("pruned", report.Pruned),
		zap.Int("attempts", attempts),
		zap.Duration("duration", elapsed),
	)
	if o.metrics != nil {
		o.metrics.RecordBuilderSuccess(b.Name(), elapsed, int64(report.Rows), report.Skipped, report.Pruned)
	}
	return report
}

func failureKind(err error) string {
	var schemaErr *rollup.SchemaError
	switch {
	case errors.As(err, &schemaErr):
		return "schema"
	case database.IsTransient(err):
		return "transient"
	default:
		return "error"
	}
}

func (o *Orchestrator) recordRefresh(status string, d time.Duration) {
	if o.metrics != nil {
		o.metrics.RecordRefresh(status, d)
	}
}
