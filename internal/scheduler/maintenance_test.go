package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeMaintainer struct {
	mu       sync.Mutex
	calls    []string
	purgeErr error
}

func (f *fakeMaintainer) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeMaintainer) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeMaintainer) ReclaimExpiredLeases(context.Context) (int64, error) {
	f.record(TaskReclaim)
	return 2, nil
}

func (f *fakeMaintainer) EnqueueDue(context.Context) (int64, error) {
	f.record(TaskEnqueue)
	return 0, nil
}

func (f *fakeMaintainer) PurgeExpiredText(context.Context) (int64, error) {
	f.record(TaskPurge)
	return 0, f.purgeErr
}

func TestNewMaintenanceRegistersEnabledTasks(t *testing.T) {
	t.Parallel()

	m, err := NewMaintenance(&fakeMaintainer{}, MaintenanceConfig{
		ReclaimSchedule: "@every 1m",
		PurgeSchedule:   "@hourly",
	}, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, []string{TaskReclaim, TaskPurge}, m.Tasks())
}

func TestNewMaintenanceRejectsBadSchedule(t *testing.T) {
	t.Parallel()

	_, err := NewMaintenance(&fakeMaintainer{}, MaintenanceConfig{EnqueueSchedule: "every minute"}, nil)
	require.ErrorContains(t, err, TaskEnqueue)
}

func TestRunAllRunsInOrderAndStopsOnError(t *testing.T) {
	t.Parallel()

	store := &fakeMaintainer{}
	m, err := NewMaintenance(store, MaintenanceConfig{
		ReclaimSchedule: "@every 1m",
		EnqueueSchedule: "@every 1m",
		PurgeSchedule:   "0 * * * *",
	}, nil)
	require.NoError(t, err)

	require.NoError(t, m.RunAll(context.Background()))
	require.Equal(t, []string{TaskReclaim, TaskEnqueue, TaskPurge}, store.snapshot())

	store.purgeErr = errors.New("lock timeout")
	require.ErrorContains(t, m.RunAll(context.Background()), "purge_text: lock timeout")
}

func TestMaintenanceRunsOnSchedule(t *testing.T) {
	t.Parallel()

	store := &fakeMaintainer{}
	m, err := NewMaintenance(store, MaintenanceConfig{ReclaimSchedule: "@every 1s"}, zap.NewNop())
	require.NoError(t, err)

	m.Start()
	require.Eventually(t, func() bool { return len(store.snapshot()) > 0 }, 3*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m.Stop(ctx)
	require.Equal(t, TaskReclaim, store.snapshot()[0])
}
