// Package opident provides the operation identity cache: a short-TTL
// mapping from a logical action key to a stable operation identifier.
// A UI action repeated inside the TTL window (double tap, retry after a
// transient failure) resolves to the same identifier, and the ledger's
// idempotent append turns the retry into a no-op.
package opident

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config holds cache configuration
type Config struct {
	// DefaultTTL applies when OperationID is called with a zero ttl
	DefaultTTL time.Duration
	// SettleGrace is how long a settled key keeps resolving to its
	// identifier, so a late resend still deduplicates
	SettleGrace time.Duration
	// SweepInterval is how often expired entries are evicted
	SweepInterval time.Duration
}

// DefaultConfig returns defaults tuned for interactive retries
func DefaultConfig() Config {
	return Config{
		DefaultTTL:    30 * time.Second,
		SettleGrace:   5 * time.Second,
		SweepInterval: time.Minute,
	}
}

type entry struct {
	id        string
	expiresAt time.Time
}

// Cache maps logical action keys to operation identifiers
type Cache struct {
	config Config
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]entry
	started bool

	// Control for the sweep goroutine
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an operation identity cache
func New(cfg Config, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultConfig().DefaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Cache{
		config:  cfg,
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]entry),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// OperationID returns the identifier previously issued for key if it
// was issued within its ttl window, otherwise mints and stores a new
// one. A zero ttl uses the configured default.
func (c *Cache) OperationID(key string, ttl time.Duration) string {
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.entries[key]; ok && e.expiresAt.After(now) {
		return e.id
	}

	id := uuid.New().String()
	c.entries[key] = entry{id: id, expiresAt: now.Add(ttl)}
	return id
}

// Clear removes the mapping for key. Called once the corresponding
// ledger append has definitively failed, so the next attempt mints a
// fresh operation.
func (c *Cache) Clear(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Settle shortens the mapping's lifetime to the configured grace
// period. Called after a successful append: a resend inside the grace
// window still reuses the committed operation instead of duplicating it.
func (c *Cache) Settle(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return
	}
	grace := c.now().Add(c.config.SettleGrace)
	if grace.Before(e.expiresAt) {
		e.expiresAt = grace
		c.entries[key] = e
	}
}

// Len returns the number of live mappings
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// StartSweep starts the background eviction goroutine
func (c *Cache) StartSweep() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	go c.sweepLoop()
	c.logger.Info("operation cache sweep started",
		zap.Duration("interval", c.config.SweepInterval))
}

// Stop stops the sweep goroutine. Safe to call when StartSweep never
// ran.
func (c *Cache) Stop() {
	c.cancel()

	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if started {
		<-c.done
	}
}

func (c *Cache) sweepLoop() {
	defer close(c.done)

	ticker := time.NewTicker(c.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	evicted := 0
	for key, e := range c.entries {
		if !e.expiresAt.After(now) {
			delete(c.entries, key)
			evicted++
		}
	}
	if evicted > 0 {
		c.logger.Debug("operation cache sweep", zap.Int("evicted", evicted))
	}
}
