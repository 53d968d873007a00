// Package cache memoizes the last successful acquisition for a short window.
package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Frunin/diario-oficial/internal/gazette"
	"github.com/Frunin/diario-oficial/internal/logging"
	"github.com/Frunin/diario-oficial/internal/metrics"
)

// DefaultTTL is used when New receives a non-positive TTL.
const DefaultTTL = 10 * time.Minute

// Entry is the single cached acquisition.
type Entry struct {
	Key      string
	Payload  gazette.AcquisitionResult
	StoredAt time.Time
}

// Validator rejects cached payloads whose shape no longer matches expectations.
type Validator func(gazette.AcquisitionResult) error

// Cache is a single-slot, time-boxed result cache.
type Cache struct {
	mu     sync.Mutex
	entry  *Entry
	ttl    time.Duration
	clock  gazette.Clock
	logger *zap.Logger
	hits   atomic.Int64
	misses atomic.Int64
}

// New builds a Cache.
func New(ttl time.Duration, clock gazette.Clock, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		ttl:    ttl,
		clock:  clock,
		logger: logging.OrNop(logger).Named("cache"),
	}
}

// Get returns the payload stored for key when it is younger than the TTL and
// accepted by validate. Stale or rejected entries are evicted.
func (c *Cache) Get(key string, validate Validator) (gazette.AcquisitionResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.entry == nil || c.entry.Key != key {
		c.miss("miss")
		return gazette.AcquisitionResult{}, false
	}
	age := c.clock.Now().Sub(c.entry.StoredAt)
	if age >= c.ttl {
		c.logger.Debug("cache entry expired", zap.String("key", key), zap.Duration("age", age))
		c.entry = nil
		c.miss("expired")
		return gazette.AcquisitionResult{}, false
	}
	if validate != nil {
		if err := validate(c.entry.Payload); err != nil {
			c.logger.Info("cached payload rejected, evicting", zap.String("key", key), zap.Error(err))
			c.entry = nil
			c.miss("invalid")
			return gazette.AcquisitionResult{}, false
		}
	}
	c.hits.Add(1)
	metrics.ObserveCacheLookup("hit")
	return c.entry.Payload, true
}

// Put replaces the slot.
func (c *Cache) Put(key string, payload gazette.AcquisitionResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry = &Entry{Key: key, Payload: payload, StoredAt: c.clock.Now()}
}

// Invalidate clears the slot.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry = nil
}

// Stats reports lookup counters since start.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *Cache) miss(reason string) {
	c.misses.Add(1)
	metrics.ObserveCacheLookup(reason)
}
