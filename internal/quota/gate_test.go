package quota

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aman-churiwal/revive/internal/circuitbreaker"
	"github.com/aman-churiwal/revive/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu     sync.Mutex
	counts map[string]int64
	ttls   map[string]time.Duration
}

func newMemStore() *memStore {
	return &memStore{counts: make(map[string]int64), ttls: make(map[string]time.Duration)}
}

func (m *memStore) Incr(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[key]++
	return m.counts[key], nil
}

func (m *memStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ttls[key] = ttl
	return nil
}

func (m *memStore) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.counts[key]
	if !ok {
		return "", redis.Nil
	}
	return strconv.FormatInt(v, 10), nil
}

type downStore struct{ calls atomic.Int32 }

var errUnavailable = errors.New("dial tcp: connection refused")

func (d *downStore) Incr(context.Context, string) (int64, error) {
	d.calls.Add(1)
	return 0, errUnavailable
}
func (d *downStore) Expire(context.Context, string, time.Duration) error { return errUnavailable }
func (d *downStore) Get(context.Context, string) (string, error) {
	d.calls.Add(1)
	return "", errUnavailable
}

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

func newTestGate(store Store, c *clock, opts ...Option) *Gate {
	opts = append([]Option{WithClock(c.Now)}, opts...)
	return NewGate(store, Config{
		Limit:     5,
		Window:    24 * time.Hour,
		ResetHour: 19,
		Location:  time.UTC,
	}, opts...)
}

func TestGate_SixthAttemptRejectedAndNextBucketAllowed(t *testing.T) {
	store := newMemStore()
	c := &clock{t: time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)}
	g := newTestGate(store, c)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		d := g.CheckAndConsume(ctx, "ann@example.com")
		require.True(t, d.Allowed, "attempt %d", i)
		assert.Equal(t, 5-i, d.Remaining)
	}

	d := g.CheckAndConsume(ctx, "ann@example.com")
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.False(t, d.Degraded)

	// next day-bucket
	c.t = c.t.Add(24 * time.Hour)
	d = g.CheckAndConsume(ctx, "ann@example.com")
	assert.True(t, d.Allowed)
	assert.Equal(t, 4, d.Remaining)
}

func TestGate_CountersArePerUser(t *testing.T) {
	g := newTestGate(newMemStore(), &clock{t: time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		g.CheckAndConsume(ctx, "ann@example.com")
	}

	assert.False(t, g.CheckAndConsume(ctx, "ann@example.com").Allowed)
	assert.True(t, g.CheckAndConsume(ctx, "bob@example.com").Allowed)
}

func TestGate_FirstIncrementSetsWindowTTL(t *testing.T) {
	store := newMemStore()
	g := newTestGate(store, &clock{t: time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)})

	g.CheckAndConsume(context.Background(), "ann@example.com")

	require.Len(t, store.ttls, 1)
	for key, ttl := range store.ttls {
		assert.Contains(t, key, "quota:ann@example.com:")
		assert.Equal(t, 24*time.Hour, ttl)
	}
}

func TestGate_StatusDoesNotConsume(t *testing.T) {
	g := newTestGate(newMemStore(), &clock{t: time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)})
	ctx := context.Background()

	s := g.Status(ctx, "ann@example.com")
	assert.Equal(t, 5, s.Remaining)
	assert.Equal(t, 0, s.Used)

	g.CheckAndConsume(ctx, "ann@example.com")
	g.Status(ctx, "ann@example.com")

	s = g.Status(ctx, "ann@example.com")
	assert.Equal(t, 1, s.Used)
	assert.Equal(t, 4, s.Remaining)
}

func TestGate_StatusRemainingNeverNegative(t *testing.T) {
	g := newTestGate(newMemStore(), &clock{t: time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)})
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		g.CheckAndConsume(ctx, "ann@example.com")
	}

	s := g.Status(ctx, "ann@example.com")
	assert.Equal(t, 8, s.Used)
	assert.Equal(t, 0, s.Remaining)
}

func TestGate_ConcurrentConsumeNeverOverAdmits(t *testing.T) {
	g := newTestGate(newMemStore(), &clock{t: time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)})
	ctx := context.Background()

	// leave exactly one slot
	for i := 0; i < 4; i++ {
		g.CheckAndConsume(ctx, "ann@example.com")
	}

	var allowed atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if g.CheckAndConsume(ctx, "ann@example.com").Allowed {
				allowed.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), allowed.Load())
}

func TestGate_FailsOpenWhenStoreDown(t *testing.T) {
	m := metrics.Discard()
	g := newTestGate(&downStore{}, &clock{t: time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)}, WithMetrics(m))
	ctx := context.Background()

	d := g.CheckAndConsume(ctx, "ann@example.com")
	assert.True(t, d.Allowed)
	assert.True(t, d.Degraded)
	assert.Equal(t, 5, d.Remaining)

	s := g.Status(ctx, "ann@example.com")
	assert.Equal(t, 5, s.Remaining)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.QuotaDecisions.WithLabelValues(metrics.QuotaFailOpen)))
}

func TestGate_OpenBreakerSkipsStore(t *testing.T) {
	store := &downStore{}
	cb := circuitbreaker.New(circuitbreaker.Config{MaxFailures: 2, Timeout: time.Minute})
	g := newTestGate(store, &clock{t: time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)}, WithBreaker(cb))
	ctx := context.Background()

	g.CheckAndConsume(ctx, "ann@example.com")
	g.CheckAndConsume(ctx, "ann@example.com")
	require.Equal(t, circuitbreaker.StateOpen, cb.State())

	d := g.CheckAndConsume(ctx, "ann@example.com")
	assert.True(t, d.Allowed)
	assert.True(t, d.Degraded)
	assert.Equal(t, int32(2), store.calls.Load())
}

func TestGate_CanceledContextDoesNotTripBreaker(t *testing.T) {
	cb := circuitbreaker.New(circuitbreaker.Config{MaxFailures: 1})
	store := &cancelStore{}
	g := newTestGate(store, &clock{t: time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)}, WithBreaker(cb))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := g.CheckAndConsume(ctx, "ann@example.com")
	assert.True(t, d.Degraded)
	assert.Equal(t, circuitbreaker.StateClosed, cb.State())
}

type cancelStore struct{}

func (cancelStore) Incr(ctx context.Context, _ string) (int64, error)    { return 0, ctx.Err() }
func (cancelStore) Expire(context.Context, string, time.Duration) error { return nil }
func (cancelStore) Get(ctx context.Context, _ string) (string, error)    { return "", ctx.Err() }

func TestGate_NilStoreDisablesLimiting(t *testing.T) {
	g := newTestGate(nil, &clock{t: time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)})
	ctx := context.Background()

	assert.False(t, g.Enabled())
	for i := 0; i < 10; i++ {
		d := g.CheckAndConsume(ctx, "ann@example.com")
		assert.True(t, d.Allowed)
		assert.False(t, d.Degraded)
	}
	assert.Equal(t, 5, g.Status(ctx, "ann@example.com").Remaining)
}

func TestGate_ResetAfterUsesNextResetHour(t *testing.T) {
	tests := []struct {
		name      string
		now       time.Time
		wantHours int
		wantMins  int
	}{
		{"morning", time.Date(2024, 3, 10, 9, 30, 0, 0, time.UTC), 9, 30},
		{"just before", time.Date(2024, 3, 10, 18, 59, 0, 0, time.UTC), 0, 1},
		{"at reset hour rolls to tomorrow", time.Date(2024, 3, 10, 19, 0, 0, 0, time.UTC), 24, 0},
		{"evening", time.Date(2024, 3, 10, 21, 15, 0, 0, time.UTC), 21, 45},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			g := newTestGate(newMemStore(), &clock{t: tc.now})
			s := g.Status(context.Background(), "ann@example.com")
			assert.Equal(t, tc.wantHours, s.Hours())
			assert.Equal(t, tc.wantMins, s.Minutes())
		})
	}
}

func TestGate_ResetAtIsWindowBoundary(t *testing.T) {
	now := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	g := newTestGate(newMemStore(), &clock{t: now})

	d := g.CheckAndConsume(context.Background(), "ann@example.com")
	assert.Equal(t, time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC).Unix(), d.ResetAt.Unix())
}

func TestFixedWindow_UsedRejectsCorruptCounter(t *testing.T) {
	store := newMemStore()
	fw := NewFixedWindow(&corruptStore{store}, "quota", time.Hour)

	_, err := fw.Used(context.Background(), "ann", time.Now())
	assert.Error(t, err)
}

type corruptStore struct{ *memStore }

func (c *corruptStore) Get(context.Context, string) (string, error) { return "abc", nil }

// flakyStore fails every call while down is set
type flakyStore struct {
	*memStore
	down atomic.Bool
}

func (f *flakyStore) Incr(ctx context.Context, key string) (int64, error) {
	if f.down.Load() {
		return 0, errUnavailable
	}
	return f.memStore.Incr(ctx, key)
}

func (f *flakyStore) Get(ctx context.Context, key string) (string, error) {
	if f.down.Load() {
		return "", errUnavailable
	}
	return f.memStore.Get(ctx, key)
}

func TestGate_LimitingResumesAfterStoreRecovers(t *testing.T) {
	store := &flakyStore{memStore: newMemStore()}
	store.down.Store(true)

	c := &clock{t: time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)}
	cb := circuitbreaker.New(circuitbreaker.Config{MaxFailures: 2, Timeout: 30 * time.Second, Now: c.Now})
	g := newTestGate(store, c, WithBreaker(cb))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d := g.CheckAndConsume(ctx, "ann@example.com")
		assert.True(t, d.Allowed)
		assert.True(t, d.Degraded)
	}
	require.Equal(t, circuitbreaker.StateOpen, cb.State())
	assert.True(t, g.Enabled())

	store.down.Store(false)
	c.t = c.t.Add(31 * time.Second)

	for i := 1; i <= 5; i++ {
		d := g.CheckAndConsume(ctx, "ann@example.com")
		require.True(t, d.Allowed, "attempt %d", i)
		assert.False(t, d.Degraded)
	}
	assert.Equal(t, circuitbreaker.StateClosed, cb.State())

	d := g.CheckAndConsume(ctx, "ann@example.com")
	assert.False(t, d.Allowed)
	assert.False(t, d.Degraded)
	assert.Equal(t, 0, g.Status(ctx, "ann@example.com").Remaining)
}
