package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type fakeChecker struct {
	mu        sync.Mutex
	baselines map[string]monitor.Baseline
	errs      map[string]error
	calls     int
}

func (f *fakeChecker) Check(_ context.Context, _ string, target monitor.Target) (monitor.Baseline, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.errs[target.URL]; err != nil {
		return monitor.Baseline{}, err
	}
	b, ok := f.baselines[target.URL]
	if !ok {
		return monitor.Baseline{}, fmt.Errorf("no baseline for %s", target.URL)
	}
	return b, nil
}

type failCall struct {
	job   monitor.Job
	cause error
}

// fakeStore keeps committed rows in memory. A CompleteJob body writes to a staging tx that
// is merged only when the body and the lease check succeed.
type fakeStore struct {
	mu          sync.Mutex
	maxAttempts int
	leaseLost   bool
	failErr     error
	eventErr    bool
	snapshots   map[string][]monitor.Snapshot
	checks      []monitor.CheckRecord
	successes   []monitor.CheckSuccess
	events      []monitor.ChangeEvent
	histories   []monitor.ChangeHistory
	blocks      []monitor.ChangeBlock
	changedAt   map[string]time.Time
	completed   []string
	dropped     []string
	failures    []failCall
	attempts    map[string]int
	ids         int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		maxAttempts: 5,
		snapshots:   make(map[string][]monitor.Snapshot),
		changedAt:   make(map[string]time.Time),
		attempts:    make(map[string]int),
	}
}

func (s *fakeStore) nextID(prefix string) string {
	s.ids++
	return fmt.Sprintf("%s-%d", prefix, s.ids)
}

func (s *fakeStore) ClaimJobs(context.Context, int) ([]monitor.Job, error) {
	return nil, nil
}

func (s *fakeStore) CompleteJob(ctx context.Context, job monitor.Job, fn func(context.Context, monitor.JobTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &fakeTx{store: s, changedAt: make(map[string]time.Time)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if s.leaseLost {
		return monitor.ErrLeaseLost
	}
	for _, snap := range tx.snapshots {
		s.snapshots[snap.MonitorID] = append(s.snapshots[snap.MonitorID], snap)
	}
	s.checks = append(s.checks, tx.checks...)
	s.successes = append(s.successes, tx.successes...)
	s.events = append(s.events, tx.events...)
	s.histories = append(s.histories, tx.histories...)
	s.blocks = append(s.blocks, tx.blocks...)
	for k, v := range tx.changedAt {
		s.changedAt[k] = v
	}
	s.completed = append(s.completed, job.ID)
	return nil
}

func (s *fakeStore) FailJob(_ context.Context, job monitor.Job, cause error) (monitor.FailureResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, failCall{job: job, cause: cause})
	if s.failErr != nil {
		return monitor.FailureResult{}, s.failErr
	}
	attempts := job.Attempts + 1
	s.attempts[job.ID] = attempts
	res := monitor.FailureResult{Attempts: attempts, StoredError: cause.Error()}
	if attempts >= s.maxAttempts {
		res.Abandoned = true
	} else {
		res.RetryAfter = time.Duration(min(60, attempts*5)) * time.Minute
	}
	return res, nil
}

func (s *fakeStore) DropJob(_ context.Context, job monitor.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropped = append(s.dropped, job.ID)
	return nil
}

type fakeTx struct {
	store     *fakeStore
	snapshots []monitor.Snapshot
	checks    []monitor.CheckRecord
	successes []monitor.CheckSuccess
	events    []monitor.ChangeEvent
	histories []monitor.ChangeHistory
	blocks    []monitor.ChangeBlock
	changedAt map[string]time.Time
}

func (t *fakeTx) LockMonitor(context.Context, string) error { return nil }

func (t *fakeTx) LatestSnapshot(_ context.Context, monitorID string) (*monitor.Snapshot, error) {
	snaps := t.store.snapshots[monitorID]
	if len(snaps) == 0 {
		return nil, nil
	}
	latest := snaps[len(snaps)-1]
	return &latest, nil
}

func (t *fakeTx) InsertCheck(_ context.Context, c monitor.CheckRecord) (string, error) {
	t.checks = append(t.checks, c)
	return t.store.nextID("check"), nil
}

func (t *fakeTx) InsertSnapshot(_ context.Context, s monitor.Snapshot) (string, error) {
	s.ID = t.store.nextID("snap")
	t.snapshots = append(t.snapshots, s)
	return s.ID, nil
}

func (t *fakeTx) MarkCheckSuccess(_ context.Context, s monitor.CheckSuccess) error {
	t.successes = append(t.successes, s)
	return nil
}

func (t *fakeTx) InsertChangeEvent(_ context.Context, e monitor.ChangeEvent) (string, error) {
	if t.store.eventErr {
		return "", fmt.Errorf("insert change event: conflict")
	}
	e.ID = t.store.nextID("evt")
	t.events = append(t.events, e)
	return e.ID, nil
}

func (t *fakeTx) InsertChangeHistory(_ context.Context, h monitor.ChangeHistory) error {
	t.histories = append(t.histories, h)
	return nil
}

func (t *fakeTx) MarkChanged(_ context.Context, monitorID string, at time.Time) error {
	t.changedAt[monitorID] = at
	return nil
}

func (t *fakeTx) InsertChangeBlock(_ context.Context, b monitor.ChangeBlock) error {
	t.blocks = append(t.blocks, b)
	return nil
}
