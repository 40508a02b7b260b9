package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestLimiter(cfg Config) (*Limiter, *delayRecorder) {
	rec := &delayRecorder{}
	l := New(cfg)
	l.observe = rec.record
	return l, rec
}

func TestLimiter_WaitSpacesSameHost(t *testing.T) {
	t.Parallel()

	l, rec := newTestLimiter(Config{RPS: 10, Burst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://test.com/a"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://TEST.com/b"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	require.Equal(t, []string{"test.com"}, rec.hosts())
}

func TestLimiter_DifferentHosts(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter(Config{RPS: 1, Burst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://a.com/1"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://b.com/1"))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiter_DisabledByDefault(t *testing.T) {
	t.Parallel()

	l, rec := newTestLimiter(Config{})
	require.False(t, l.Enabled())
	for range 5 {
		require.NoError(t, l.Wait(context.Background(), "https://a.com"))
	}
	require.Empty(t, rec.hosts())

	var nilLimiter *Limiter
	require.NoError(t, nilLimiter.Wait(context.Background(), "https://a.com"))
}

func TestLimiter_WaitHonorsContext(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter(Config{RPS: 0.1, Burst: 1})
	require.NoError(t, l.Wait(context.Background(), "https://slow.com"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, "https://slow.com"))
}

type delayRecorder struct {
	mu   sync.Mutex
	seen []string
}

func (d *delayRecorder) record(host string, _ time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = append(d.seen, host)
}

func (d *delayRecorder) hosts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.seen...)
}
