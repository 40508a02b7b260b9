package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/metrics"
)

// Maintenance task names, also used as metric labels.
const (
	TaskReclaim = "reclaim_leases"
	TaskEnqueue = "enqueue_due"
	TaskPurge   = "purge_text"
)

// Maintainer is the queue housekeeping surface of the store.
type Maintainer interface {
	ReclaimExpiredLeases(ctx context.Context) (int64, error)
	EnqueueDue(ctx context.Context) (int64, error)
	PurgeExpiredText(ctx context.Context) (int64, error)
}

// MaintenanceConfig holds one cron spec per task. An empty spec disables the task.
type MaintenanceConfig struct {
	ReclaimSchedule string
	EnqueueSchedule string
	PurgeSchedule   string
}

// Maintenance runs the housekeeping tasks on cron schedules.
type Maintenance struct {
	store  Maintainer
	cron   *cron.Cron
	tasks  []task
	logger *zap.Logger
}

type task struct {
	name string
	run  func(ctx context.Context) (int64, error)
}

// NewMaintenance validates the schedules and registers the enabled tasks.
func NewMaintenance(store Maintainer, cfg MaintenanceConfig, logger *zap.Logger) (*Maintenance, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	cronLog := cronLogger{logger.Sugar()}
	m := &Maintenance{
		store: store,
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
		logger: logger,
	}

	specs := []struct {
		spec string
		task task
	}{
		{cfg.ReclaimSchedule, task{TaskReclaim, store.ReclaimExpiredLeases}},
		{cfg.EnqueueSchedule, task{TaskEnqueue, store.EnqueueDue}},
		{cfg.PurgeSchedule, task{TaskPurge, store.PurgeExpiredText}},
	}
	for _, s := range specs {
		if s.spec == "" {
			continue
		}
		t := s.task
		if _, err := m.cron.AddFunc(s.spec, func() { m.runTask(context.Background(), t) }); err != nil {
			return nil, fmt.Errorf("schedule %s %q: %w", t.name, s.spec, err)
		}
		m.tasks = append(m.tasks, t)
	}
	return m, nil
}

// Start runs the cron scheduler in its own goroutine.
func (m *Maintenance) Start() {
	m.cron.Start()
}

// Stop halts the schedule and waits for running tasks or ctx, whichever ends first.
func (m *Maintenance) Stop(ctx context.Context) {
	done := m.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// RunAll runs every enabled task once, in registration order.
func (m *Maintenance) RunAll(ctx context.Context) error {
	for _, t := range m.tasks {
		if _, err := m.runTask(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// Tasks lists the enabled task names.
func (m *Maintenance) Tasks() []string {
	names := make([]string, 0, len(m.tasks))
	for _, t := range m.tasks {
		names = append(names, t.name)
	}
	return names
}

func (m *Maintenance) runTask(ctx context.Context, t task) (int64, error) {
	rows, err := t.run(ctx)
	if err != nil {
		m.logger.Error("maintenance task failed", zap.String("task", t.name), zap.Error(err))
		return 0, fmt.Errorf("%s: %w", t.name, err)
	}
	metrics.ObserveMaintenance(t.name, rows)
	if rows > 0 {
		m.logger.Info("maintenance task finished", zap.String("task", t.name), zap.Int64("rows", rows))
	}
	return rows, nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
