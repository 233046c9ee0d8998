package refresh

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Runner is what the scheduler triggers.
type Runner interface {
	Run(ctx context.Context, opts Options) (*Report, error)
}

// Scheduler triggers refresh runs on a cron schedule. A tick that fires
// while the previous run is still going is skipped.
type Scheduler struct {
	cron   *cron.Cron
	runner Runner
	logger *zap.Logger
	ctx    context.Context
}

// NewScheduler parses spec (standard five fields or a descriptor such as
// "@hourly") and prepares the schedule without starting it.
func NewScheduler(spec string, runner Runner, logger *zap.Logger) (*Scheduler, error) {
	logger = logger.With(zap.String("component", "scheduler"))
	cl := cronLogger{logger.Sugar()}

	s := &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		runner: runner,
		logger: logger,
		ctx:    context.Background(),
	}
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return nil, fmt.Errorf("invalid refresh schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start begins firing. Runs use ctx, so cancelling it cancels an in-flight
// run.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx = ctx
	s.cron.Start()
	for _, e := range s.cron.Entries() {
		s.logger.Info("refresh scheduled", zap.Time("next", e.Next))
	}
}

// Stop stops firing and returns a context done when the running tick, if
// any, has finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) tick() {
	report, err := s.runner.Run(s.ctx, Options{})
	switch {
	case errors.Is(err, ErrLocked):
		s.logger.Info("scheduled refresh skipped, lock held elsewhere")
	case err != nil:
		s.logger.Error("scheduled refresh failed", zap.Error(err))
	case report.Failed():
		s.logger.Warn("scheduled refresh finished with failures", zap.Error(report.Err()))
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
