// Package msgcache holds per-user message list snapshots in front of the
// mailbox store. Entries expire after a fixed TTL or on explicit
// invalidation; a background sweep removes stale entries.
package msgcache

import (
	"context"
	"sync"
	"time"

	"github.com/migadu/mailgate/db"
	"github.com/migadu/mailgate/logger"
	"github.com/migadu/mailgate/pkg/metrics"
)

// Lister is the part of db.Store the cache falls through to.
type Lister interface {
	ListMessages(ctx context.Context, userID int64) ([]db.Message, error)
}

type cacheEntry struct {
	messages  []db.Message
	createdAt time.Time
}

// Cache is safe for concurrent use by any number of sessions.
type Cache struct {
	mu              sync.RWMutex
	entries         map[int64]*cacheEntry
	ttl             time.Duration
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupStopped  chan struct{}
	stopOnce        sync.Once

	now func() time.Time

	hits   uint64
	misses uint64
}

// New creates a cache and starts its sweep goroutine. Stop must be called
// to release it.
func New(ttl, cleanupInterval time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if cleanupInterval <= 0 {
		cleanupInterval = 60 * time.Second
	}

	c := &Cache{
		entries:         make(map[int64]*cacheEntry),
		ttl:             ttl,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupStopped:  make(chan struct{}),
		now:             time.Now,
	}

	go c.cleanupLoop()

	logger.Info("MessageCache: Initialized", "ttl", ttl, "cleanup_interval", cleanupInterval)
	return c
}

func cloneMessages(msgs []db.Message) []db.Message {
	out := make([]db.Message, len(msgs))
	copy(out, msgs)
	return out
}

// Get returns the cached snapshot for userID. An expired entry is removed
// and reported as a miss.
func (c *Cache) Get(userID int64) ([]db.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[userID]
	if !ok {
		c.misses++
		metrics.MessageCacheMissesTotal.Inc()
		return nil, false
	}
	if c.now().Sub(entry.createdAt) > c.ttl {
		delete(c.entries, userID)
		c.misses++
		metrics.MessageCacheMissesTotal.Inc()
		metrics.MessageCacheEvictionsTotal.WithLabelValues("expired").Inc()
		metrics.MessageCacheEntries.Set(float64(len(c.entries)))
		return nil, false
	}

	c.hits++
	metrics.MessageCacheHitsTotal.Inc()
	return cloneMessages(entry.messages), true
}

// Set stores a copy of msgs as the snapshot for userID.
func (c *Cache) Set(userID int64, msgs []db.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[userID] = &cacheEntry{
		messages:  cloneMessages(msgs),
		createdAt: c.now(),
	}
	metrics.MessageCacheEntries.Set(float64(len(c.entries)))
}

// Invalidate drops the snapshot for userID, if any.
func (c *Cache) Invalidate(userID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[userID]; ok {
		delete(c.entries, userID)
		metrics.MessageCacheEvictionsTotal.WithLabelValues("invalidated").Inc()
		metrics.MessageCacheEntries.Set(float64(len(c.entries)))
	}
}

// Load returns the snapshot for userID, reading through to store on a miss
// and caching the result.
func (c *Cache) Load(ctx context.Context, store Lister, userID int64) ([]db.Message, error) {
	if msgs, ok := c.Get(userID); ok {
		return msgs, nil
	}
	msgs, err := store.ListMessages(ctx, userID)
	if err != nil {
		return nil, err
	}
	c.Set(userID, msgs)
	return cloneMessages(msgs), nil
}

func (c *Cache) cleanupLoop() {
	defer close(c.cleanupStopped)

	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Cleanup()
		case <-c.stopCleanup:
			return
		}
	}
}

// Cleanup removes every expired entry and returns how many were removed.
func (c *Cache) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for userID, entry := range c.entries {
		if now.Sub(entry.createdAt) > c.ttl {
			delete(c.entries, userID)
			removed++
		}
	}

	if removed > 0 {
		logger.Info("MessageCache: Cleanup removed expired entries", "removed", removed, "remaining", len(c.entries))
		metrics.MessageCacheEvictionsTotal.WithLabelValues("expired").Add(float64(removed))
		metrics.MessageCacheEntries.Set(float64(len(c.entries)))
	}
	return removed
}

// Stop ends the sweep goroutine. It is safe to call more than once.
func (c *Cache) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stopCleanup) })

	select {
	case <-c.cleanupStopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetStats returns hit and miss counters and the current entry count.
func (c *Cache) GetStats() (hits, misses uint64, size int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.misses, len(c.entries)
}
