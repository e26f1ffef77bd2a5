package msgcache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/migadu/mailgate/db"
	"github.com/migadu/mailgate/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func newTestCache(t *testing.T, ttl time.Duration) (*Cache, *fakeClock) {
	t.Helper()
	// Long cleanup interval keeps the sweep goroutine out of the way.
	c := New(ttl, time.Hour)
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c.now = clock.Now
	t.Cleanup(func() { c.Stop(context.Background()) })
	return c, clock
}

func snapshot(subjects ...string) []db.Message {
	msgs := make([]db.Message, len(subjects))
	for i, s := range subjects {
		msgs[i] = db.Message{ID: int64(i + 1), UserID: 7, Subject: s, Folder: db.FolderInbox}
	}
	return msgs
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestSetThenGetWithinTTL(t *testing.T) {
	c, clock := newTestCache(t, 5*time.Minute)

	want := snapshot("a", "b", "c")
	c.Set(7, want)
	clock.Advance(4 * time.Minute)

	got, ok := c.Get(7)
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestGetAfterTTLIsEmptyAndRemovesEntry(t *testing.T) {
	c, clock := newTestCache(t, 5*time.Minute)

	c.Set(7, snapshot("a"))
	clock.Advance(5*time.Minute + time.Second)

	_, ok := c.Get(7)
	assert.False(t, ok)
	_, _, size := c.GetStats()
	assert.Equal(t, 0, size)
}

func TestInvalidate(t *testing.T) {
	c, _ := newTestCache(t, 5*time.Minute)

	c.Set(7, snapshot("a"))
	c.Set(8, snapshot("b"))
	c.Invalidate(7)
	c.Invalidate(99)

	_, ok := c.Get(7)
	assert.False(t, ok)
	_, ok = c.Get(8)
	assert.True(t, ok)
}

func TestSnapshotsAreCopies(t *testing.T) {
	c, _ := newTestCache(t, 5*time.Minute)

	orig := snapshot("a")
	c.Set(7, orig)
	orig[0].Subject = "mutated by caller"

	got, ok := c.Get(7)
	require.True(t, ok)
	assert.Equal(t, "a", got[0].Subject)

	got[0].IsRead = true
	again, _ := c.Get(7)
	assert.False(t, again[0].IsRead)
}

type countingLister struct {
	calls int
	msgs  []db.Message
	err   error
}

func (l *countingLister) ListMessages(ctx context.Context, userID int64) ([]db.Message, error) {
	l.calls++
	return l.msgs, l.err
}

func TestLoadFallsThroughOnMiss(t *testing.T) {
	c, clock := newTestCache(t, 5*time.Minute)
	store := &countingLister{msgs: snapshot("x", "y")}
	ctx := context.Background()

	msgs, err := c.Load(ctx, store, 7)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
	assert.Equal(t, 1, store.calls)

	_, err = c.Load(ctx, store, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, store.calls, "second load should be served from cache")

	c.Invalidate(7)
	_, err = c.Load(ctx, store, 7)
	require.NoError(t, err)
	assert.Equal(t, 2, store.calls)

	clock.Advance(6 * time.Minute)
	_, err = c.Load(ctx, store, 7)
	require.NoError(t, err)
	assert.Equal(t, 3, store.calls)
}

func TestLoadDoesNotCacheErrors(t *testing.T) {
	c, _ := newTestCache(t, 5*time.Minute)
	store := &countingLister{err: errors.New("db down")}

	_, err := c.Load(context.Background(), store, 7)
	assert.Error(t, err)
	_, _, size := c.GetStats()
	assert.Equal(t, 0, size)
}

func TestCleanup(t *testing.T) {
	c, clock := newTestCache(t, time.Minute)

	c.Set(1, snapshot("old"))
	clock.Advance(45 * time.Second)
	c.Set(2, snapshot("new"))
	clock.Advance(30 * time.Second)

	assert.Equal(t, 1, c.Cleanup())
	_, _, size := c.GetStats()
	assert.Equal(t, 1, size)
	_, ok := c.Get(2)
	assert.True(t, ok)
}

func TestHitAndMissMetrics(t *testing.T) {
	c, _ := newTestCache(t, time.Minute)

	hitsBefore := counterValue(t, metrics.MessageCacheHitsTotal)
	missesBefore := counterValue(t, metrics.MessageCacheMissesTotal)

	c.Get(42)
	c.Set(42, snapshot("a"))
	c.Get(42)
	c.Get(42)

	assert.Equal(t, float64(2), counterValue(t, metrics.MessageCacheHitsTotal)-hitsBefore)
	assert.Equal(t, float64(1), counterValue(t, metrics.MessageCacheMissesTotal)-missesBefore)

	hits, misses, _ := c.GetStats()
	assert.Equal(t, uint64(2), hits)
	assert.Equal(t, uint64(1), misses)
}

func TestConcurrentAccess(t *testing.T) {
	c, _ := newTestCache(t, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Set(id%5, snapshot("m"))
				c.Get(id % 5)
				if j%10 == 0 {
					c.Invalidate(id % 5)
				}
			}
		}(int64(i))
	}
	wg.Wait()
	c.Cleanup()
}

func TestStopIsIdempotent(t *testing.T) {
	c := New(time.Minute, 10*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, c.Stop(ctx))
	require.NoError(t, c.Stop(ctx))
}

func TestSweepEvictsExpiredEntriesOnItsOwn(t *testing.T) {
	c := New(10*time.Millisecond, 10*time.Millisecond)

	c.Set(7, snapshot("a"))
	c.Set(8, snapshot("b"))

	assert.Eventually(t, func() bool {
		_, _, size := c.GetStats()
		return size == 0
	}, 2*time.Second, 5*time.Millisecond, "expired entries should be swept without Get or Cleanup")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Stop(ctx))

	select {
	case <-c.cleanupStopped:
	default:
		t.Fatal("sweep goroutine still running after Stop")
	}

	// Nothing sweeps once stopped.
	c.Set(9, snapshot("c"))
	time.Sleep(50 * time.Millisecond)
	_, _, size := c.GetStats()
	assert.Equal(t, 1, size)
}
