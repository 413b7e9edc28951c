package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/lalithlochan/medremind/internal/observ"
)

// CycleRunner runs one due-check cycle.
type CycleRunner interface {
	RunCycle(ctx context.Context) (*CycleResult, error)
}

// Scheduler triggers cycles on a cron schedule. Overlapping ticks are
// skipped, never queued.
type Scheduler struct {
	cron    *cron.Cron
	runner  CycleRunner
	timeout time.Duration
	logger  *zap.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewScheduler parses spec (standard five-field cron) in loc.
func NewScheduler(runner CycleRunner, spec string, loc *time.Location, timeout time.Duration, logger *zap.Logger) (*Scheduler, error) {
	if loc == nil {
		loc = time.UTC
	}
	cronLogger := observ.NewCronLogger(logger)

	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		runner:  runner,
		timeout: timeout,
		logger:  logger,
	}

	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return nil, fmt.Errorf("invalid cycle schedule %q: %w", spec, err)
	}

	return s, nil
}

// Start begins triggering cycles. Cycles in flight are cancelled when ctx is.
func (s *Scheduler) Start(ctx context.Context) {
	s.baseCtx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.logger.Info("cycle scheduler started")
}

// Stop stops triggering and waits for a running cycle until ctx expires,
// after which the running cycle is cancelled.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("cycle still running at shutdown, cancelling")
		s.cancel()
		<-done.Done()
	}
	s.cancel()
	s.logger.Info("cycle scheduler stopped")
}

func (s *Scheduler) tick() {
	ctx := s.baseCtx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	_, err := s.runner.RunCycle(ctx)
	switch {
	case errors.Is(err, ErrCycleInProgress):
		s.logger.Debug("cycle skipped, another run holds the lock")
	case err != nil:
		s.logger.Error("due-check cycle failed", zap.Error(err))
	}
}
