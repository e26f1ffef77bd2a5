package metrics

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/migadu/mailgate/logger"
)

// ConnectionStatsProvider is implemented by every protocol server.
type ConnectionStatsProvider interface {
	GetTotalConnections() int64
	GetAuthenticatedConnections() int64
}

// CacheStatsProvider is an interface for message cache statistics
type CacheStatsProvider interface {
	GetStats() (hits, misses uint64, size int)
}

// Collector periodically samples the servers and the message cache, keeps
// the derived gauges current and logs a one-line summary.
type Collector struct {
	cacheProvider CacheStatsProvider
	interval      time.Duration
	stopCh        chan struct{}
	stopOnce      sync.Once

	mu      sync.Mutex
	servers map[string]ConnectionStatsProvider
}

// NewCollector creates a new metrics collector
func NewCollector(cacheProvider CacheStatsProvider, interval time.Duration) *Collector {
	if interval == 0 {
		interval = 60 * time.Second // Default to 60 seconds
	}

	return &Collector{
		cacheProvider: cacheProvider,
		interval:      interval,
		stopCh:        make(chan struct{}),
		servers:       make(map[string]ConnectionStatsProvider),
	}
}

// AddServer registers a server under its configured name.
func (c *Collector) AddServer(name string, provider ConnectionStatsProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.servers[name] = provider
}

// Start begins the metrics collection loop
func (c *Collector) Start(ctx context.Context) {
	c.collect()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	logger.Info("MetricsCollector started", "interval", c.interval)

	for {
		select {
		case <-ctx.Done():
			logger.Info("MetricsCollector stopping due to context cancellation")
			return
		case <-c.stopCh:
			logger.Info("MetricsCollector stopping due to stop signal")
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

// Stop signals the collector to stop
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *Collector) collect() {
	if c.cacheProvider != nil {
		hits, misses, size := c.cacheProvider.GetStats()
		MessageCacheEntries.Set(float64(size))
		if total := hits + misses; total > 0 {
			MessageCacheHitRatio.Set(float64(hits) / float64(total))
		}
		logger.Debug("MetricsCollector: message cache", "entries", size, "hits", hits, "misses", misses)
	}

	c.mu.Lock()
	names := make([]string, 0, len(c.servers))
	for name := range c.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		provider := c.servers[name]
		logger.Info("MetricsCollector: connections", "server", name,
			"total", provider.GetTotalConnections(), "authenticated", provider.GetAuthenticatedConnections())
	}
	c.mu.Unlock()
}
