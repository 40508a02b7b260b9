// Package scheduler drives the claim-and-process loop and the periodic queue maintenance.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/metrics"
	"github.com/JakeFAU/pagewatch/internal/monitor"
)

// Defaults applied when Config leaves a field empty.
const (
	DefaultBatchSize    = 5
	DefaultPollInterval = 5 * time.Second
)

// Claimer leases due jobs.
type Claimer interface {
	ClaimJobs(ctx context.Context, limit int) ([]monitor.Job, error)
}

// Processor runs a claimed batch to completion.
type Processor interface {
	ProcessBatch(ctx context.Context, jobs []monitor.Job) []monitor.JobOutcome
}

// Config controls the loop.
type Config struct {
	BatchSize    int
	PollInterval time.Duration
}

// Scheduler claims batches and hands them to the worker.
type Scheduler struct {
	claimer   Claimer
	processor Processor
	cfg       Config
	logger    *zap.Logger

	stopOnce sync.Once
	stop     chan struct{}
}

// New constructs a Scheduler.
func New(claimer Claimer, processor Processor, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Scheduler{
		claimer:   claimer,
		processor: processor,
		cfg:       cfg,
		logger:    logger,
		stop:      make(chan struct{}),
	}
}

// RunOnce claims one batch and processes it. A claimed batch always runs to completion,
// even when ctx is canceled while it is in flight.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	jobs, err := s.claimer.ClaimJobs(ctx, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim jobs: %w", err)
	}
	metrics.ObserveClaim(len(jobs))
	if len(jobs) == 0 {
		return 0, nil
	}

	s.logger.Debug("claimed batch", zap.Int("jobs", len(jobs)))
	outcomes := s.processor.ProcessBatch(context.WithoutCancel(ctx), jobs)
	counts := make(map[monitor.JobOutcome]int, len(outcomes))
	for _, o := range outcomes {
		counts[o]++
	}
	s.logger.Info("batch processed",
		zap.Int("jobs", len(jobs)),
		zap.Int("changed", counts[monitor.OutcomeChanged]),
		zap.Int("unchanged", counts[monitor.OutcomeUnchanged]),
		zap.Int("baseline", counts[monitor.OutcomeBaseline]),
		zap.Int("failed", counts[monitor.OutcomeRetry]+counts[monitor.OutcomeAbandoned]),
	)
	return len(jobs), nil
}

// Run claims batches until ctx is canceled or Stop is called. It sleeps the poll interval
// whenever a batch comes back empty or the claim fails.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started",
		zap.Int("batch_size", s.cfg.BatchSize),
		zap.Duration("poll_interval", s.cfg.PollInterval),
	)
	defer s.logger.Info("scheduler stopped")

	for {
		if s.stopped(ctx) {
			return nil
		}
		n, err := s.RunOnce(ctx)
		if err != nil {
			if s.stopped(ctx) {
				return nil
			}
			s.logger.Error("claim batch", zap.Error(err))
		}
		if n > 0 {
			continue
		}
		if !s.sleep(ctx, s.cfg.PollInterval) {
			return nil
		}
	}
}

// Stop asks Run to return after the in-flight batch.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Scheduler) stopped(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-s.stop:
		return true
	default:
		return false
	}
}

// sleep waits for d and reports false when the loop should exit instead.
func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-s.stop:
		return false
	}
}
