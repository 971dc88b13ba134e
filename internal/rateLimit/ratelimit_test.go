package rateLimit_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/robertarktes/ticket-issuance-engine/internal/config"
	"github.com/robertarktes/ticket-issuance-engine/internal/domain"
	"github.com/robertarktes/ticket-issuance-engine/internal/observability"
	"github.com/robertarktes/ticket-issuance-engine/internal/rateLimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type sinkFunc func(ctx context.Context, v rateLimit.Violation) error

func (f sinkFunc) RecordViolation(ctx context.Context, v rateLimit.Violation) error { return f(ctx, v) }

func newLimiter(t *testing.T, max int, window time.Duration, clock *fakeClock, opts ...rateLimit.Option) *rateLimit.Limiter {
	t.Helper()
	opts = append(opts, rateLimit.WithClock(clock.Now))
	l := rateLimit.NewRateLimiter(rateLimit.Config{Name: "test", Max: max, Window: window}, rateLimit.NewMemoryStore(), opts...)
	t.Cleanup(l.Close)
	return l
}

func TestLimiter_DeniesAfterMaxAndResetsAfterWindow(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l := newLimiter(t, 3, time.Minute, clock)

	for i := 1; i <= 3; i++ {
		res, err := l.Increment(ctx, "user-1", rateLimit.Metadata{})
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 3-i, res.Remaining)
		assert.Equal(t, 3, res.Total)
	}

	res, err := l.Increment(ctx, "user-1", rateLimit.Metadata{IP: "10.0.0.1"})
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, time.Minute, res.RetryAfter)

	clock.Advance(20 * time.Second)
	res, err = l.Check(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 40*time.Second, res.RetryAfter)

	clock.Advance(40 * time.Second)
	res, err = l.Check(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 3, res.Remaining)

	res, err = l.Increment(ctx, "user-1", rateLimit.Metadata{})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 2, res.Remaining)
}

func TestLimiter_CheckDoesNotCount(t *testing.T) {
	ctx := context.Background()
	l := newLimiter(t, 1, time.Minute, newFakeClock())

	for i := 0; i < 5; i++ {
		res, err := l.Check(ctx, "k")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 1, res.Remaining)
	}
	res, err := l.Increment(ctx, "k", rateLimit.Metadata{})
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = l.Check(ctx, "k")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	l := newLimiter(t, 1, time.Minute, newFakeClock())

	_, err := l.Increment(ctx, "a", rateLimit.Metadata{})
	require.NoError(t, err)
	res, err := l.Increment(ctx, "b", rateLimit.Metadata{})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestLimiter_ConcurrentIncrementsAreNotLost(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l := newLimiter(t, 1000, time.Hour, clock)

	const workers, perWorker = 16, 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_, err := l.Increment(ctx, "hot", rateLimit.Metadata{})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	res, err := l.Check(ctx, "hot")
	require.NoError(t, err)
	assert.Equal(t, 1000-workers*perWorker, res.Remaining)
}

func TestLimiter_ViolationsAndStats(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	metrics := observability.NewMetrics()

	var sunk []rateLimit.Violation
	sink := sinkFunc(func(_ context.Context, v rateLimit.Violation) error {
		sunk = append(sunk, v)
		return errors.New("audit store down")
	})
	l := newLimiter(t, 1, time.Minute, clock, rateLimit.WithRecorder(metrics), rateLimit.WithViolationSink(sink))

	_, _ = l.Increment(ctx, "a", rateLimit.Metadata{})
	_, _ = l.Increment(ctx, "a", rateLimit.Metadata{IP: "1.1.1.1", Endpoint: "/v1/orders"})
	clock.Advance(10 * time.Minute)
	_, _ = l.Increment(ctx, "b", rateLimit.Metadata{})
	_, _ = l.Increment(ctx, "b", rateLimit.Metadata{UserID: "u-2"})

	recent := l.Violations(10)
	require.Len(t, recent, 2)
	assert.Equal(t, "b", recent[0].Key)
	assert.Equal(t, "u-2", recent[0].Metadata.UserID)
	assert.Equal(t, "a", recent[1].Key)
	assert.Equal(t, "/v1/orders", recent[1].Metadata.Endpoint)
	assert.Len(t, sunk, 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.RateLimitExceeded.WithLabelValues("test")))

	stats, err := l.Stats(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TrackedKeys)
	assert.Equal(t, 1, stats.Violations)
	assert.Equal(t, 2, stats.TotalViolations)
}

func TestLimiter_StatsLeavesExpiredWindows(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := rateLimit.NewMemoryStore()
	l := rateLimit.NewRateLimiter(rateLimit.Config{Name: "stats", Max: 5, Window: time.Minute}, store, rateLimit.WithClock(clock.Now))
	t.Cleanup(l.Close)

	_, err := l.Increment(ctx, "old", rateLimit.Metadata{})
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)
	_, err = l.Increment(ctx, "new", rateLimit.Metadata{})
	require.NoError(t, err)

	stats, err := l.Stats(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TrackedKeys)
	assert.Equal(t, 2, store.Len())

	tracked, err := store.Sweep(ctx, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, tracked)
	assert.Equal(t, 1, store.Len())
}

func TestLimiter_ResetAndClear(t *testing.T) {
	ctx := context.Background()
	l := newLimiter(t, 1, time.Minute, newFakeClock())

	_, _ = l.Increment(ctx, "a", rateLimit.Metadata{})
	_, _ = l.Increment(ctx, "a", rateLimit.Metadata{})
	_, _ = l.Increment(ctx, "b", rateLimit.Metadata{})

	require.NoError(t, l.Reset(ctx, "a"))
	res, err := l.Check(ctx, "a")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	res, err = l.Check(ctx, "b")
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	require.NoError(t, l.Clear(ctx))
	res, err = l.Check(ctx, "b")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Empty(t, l.Violations(0))
}

func TestLimiter_Skip(t *testing.T) {
	ctx := context.Background()
	store := rateLimit.NewMemoryStore()
	l := rateLimit.NewRateLimiter(rateLimit.Config{Name: "off", Max: 1, Window: time.Minute, Skip: true, SweepInterval: time.Millisecond}, store)
	defer l.Close()

	for i := 0; i < 10; i++ {
		res, err := l.Increment(ctx, "k", rateLimit.Metadata{})
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
	assert.Equal(t, 0, store.Len())
}

func TestLimiter_AllowReturnsRateLimitedError(t *testing.T) {
	ctx := context.Background()
	l := newLimiter(t, 1, time.Minute, newFakeClock())

	_, err := l.Allow(ctx, "k", rateLimit.Metadata{})
	require.NoError(t, err)

	_, err = l.Allow(ctx, "k", rateLimit.Metadata{})
	require.True(t, errors.Is(err, domain.ErrRateLimited))
	var rle *domain.RateLimitedError
	require.True(t, errors.As(err, &rle))
	assert.Equal(t, "test", rle.Policy)
	assert.Equal(t, time.Minute, rle.RetryAfter)
}

func TestLimiter_SweepEvictsAndCloseStops(t *testing.T) {
	store := rateLimit.NewMemoryStore()
	clock := newFakeClock()
	l := rateLimit.NewRateLimiter(
		rateLimit.Config{Name: "sweep", Max: 5, Window: time.Second, SweepInterval: 5 * time.Millisecond},
		store, rateLimit.WithClock(clock.Now),
	)

	_, err := l.Increment(context.Background(), "k", rateLimit.Metadata{})
	require.NoError(t, err)
	require.Equal(t, 1, store.Len())

	clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return store.Len() == 0 }, time.Second, 5*time.Millisecond)

	l.Close()
	l.Close()
}

func TestPolicies_AreIndependent(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Config{RateLimits: map[string]config.RateLimit{"orders": {Max: 1, Window: time.Minute}}}

	policies, err := rateLimit.NewPolicies(rateLimit.PoliciesFromConfig(cfg), func(rateLimit.Config) rateLimit.Store {
		return rateLimit.NewMemoryStore()
	})
	require.NoError(t, err)
	defer policies.Close()

	require.Len(t, policies.All(), 7)
	prefixes := map[string]bool{}
	for _, l := range policies.All() {
		require.NotNil(t, l)
		prefixes[l.Config().KeyPrefix] = true
	}
	assert.Len(t, prefixes, 7)

	_, err = policies.Orders.Allow(ctx, "ip:1", rateLimit.Metadata{})
	require.NoError(t, err)
	_, err = policies.Orders.Allow(ctx, "ip:1", rateLimit.Metadata{})
	assert.True(t, errors.Is(err, domain.ErrRateLimited))

	res, err := policies.API.Check(ctx, "ip:1")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	scan, ok := policies.Get(rateLimit.PolicyTicketScan)
	require.True(t, ok)
	assert.Equal(t, 60, scan.Config().Max)
}

func TestNewPolicies_RejectsMissingPolicy(t *testing.T) {
	configs := rateLimit.DefaultPolicies()
	delete(configs, rateLimit.PolicyWebhook)

	_, err := rateLimit.NewPolicies(configs, func(rateLimit.Config) rateLimit.Store { return rateLimit.NewMemoryStore() })
	assert.ErrorContains(t, err, "webhook")
}
