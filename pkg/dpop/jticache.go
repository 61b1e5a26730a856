package dpop

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultJTITTL is how long a seen jti is remembered. It must be at least
	// the validator's MaxProofAge plus ClockSkew.
	DefaultJTITTL = 5 * time.Minute

	// DefaultMaxEntries is the default maximum number of entries in the cache.
	DefaultMaxEntries = 100_000

	// DefaultCleanupInterval is the default interval for expired entry cleanup.
	DefaultCleanupInterval = 30 * time.Second

	// MaxJTILength is the maximum allowed JTI length in bytes.
	MaxJTILength = 1024
)

// JTICache records proof identifiers so a proof is accepted at most once.
// Implementations must be safe for concurrent use.
type JTICache interface {
	// Record returns true if jti was already recorded and has not expired.
	Record(jti string) (isReplay bool, err error)

	// Close stops any background goroutines and releases resources.
	Close() error
}

// MemoryJTICache is an in-memory JTI cache built on sync.Map so that
// check-and-insert is a single atomic step.
type MemoryJTICache struct {
	entries    sync.Map // jti -> time.Time (expiry)
	entryCount atomic.Int64
	maxEntries int64
	ttl        time.Duration
	now        func() time.Time

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
}

// MemoryJTICacheOption configures a MemoryJTICache.
type MemoryJTICacheOption func(*MemoryJTICache)

// WithJTITTL sets how long a jti is remembered.
func WithJTITTL(ttl time.Duration) MemoryJTICacheOption {
	return func(c *MemoryJTICache) {
		c.ttl = ttl
	}
}

// WithMaxEntries sets the maximum number of entries in the cache.
func WithMaxEntries(max int) MemoryJTICacheOption {
	return func(c *MemoryJTICache) {
		c.maxEntries = int64(max)
	}
}

// WithCleanupInterval sets the interval for expired entry cleanup.
// Pass 0 to disable automatic cleanup.
func WithCleanupInterval(interval time.Duration) MemoryJTICacheOption {
	return func(c *MemoryJTICache) {
		c.cleanupInterval = interval
	}
}

// WithJTIClock sets the time source. Intended for tests.
func WithJTIClock(now func() time.Time) MemoryJTICacheOption {
	return func(c *MemoryJTICache) {
		c.now = now
	}
}

// NewMemoryJTICache creates a new in-memory JTI cache.
// By default, entries expire after 5 minutes, max 100,000 entries,
// with cleanup every 30 seconds.
func NewMemoryJTICache(opts ...MemoryJTICacheOption) *MemoryJTICache {
	c := &MemoryJTICache{
		ttl:             DefaultJTITTL,
		maxEntries:      DefaultMaxEntries,
		now:             time.Now,
		cleanupInterval: DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.cleanupInterval > 0 {
		go c.cleanupLoop(c.cleanupInterval)
	} else {
		close(c.cleanupDone)
	}
	return c
}

// Record records jti and reports whether it is a replay.
func (c *MemoryJTICache) Record(jti string) (bool, error) {
	if jti == "" {
		return false, ErrInvalidJTI
	}
	if len(jti) > MaxJTILength {
		return false, ErrJTITooLong
	}

	now := c.now()
	expiry := now.Add(c.ttl)

	existing, loaded := c.entries.LoadOrStore(jti, expiry)
	if loaded {
		if now.Before(existing.(time.Time)) {
			return true, nil
		}
		// Expired: reuse is allowed, but only one concurrent caller wins.
		if c.entries.CompareAndSwap(jti, existing, expiry) {
			return false, nil
		}
		return true, nil
	}

	if c.entryCount.Add(1) > c.maxEntries {
		c.entries.Delete(jti)
		c.entryCount.Add(-1)
		return false, ErrCacheFull
	}
	return false, nil
}

// Close stops the cleanup goroutine.
func (c *MemoryJTICache) Close() error {
	select {
	case <-c.stopCleanup:
	default:
		close(c.stopCleanup)
	}
	<-c.cleanupDone
	return nil
}

// Len returns the current number of entries.
func (c *MemoryJTICache) Len() int {
	return int(c.entryCount.Load())
}

func (c *MemoryJTICache) cleanupLoop(interval time.Duration) {
	defer close(c.cleanupDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCleanup:
			return
		case <-ticker.C:
			c.cleanup()
		}
	}
}

// cleanup removes all expired entries.
func (c *MemoryJTICache) cleanup() {
	now := c.now()
	c.entries.Range(func(key, value any) bool {
		if !now.Before(value.(time.Time)) {
			if c.entries.CompareAndDelete(key, value) {
				c.entryCount.Add(-1)
			}
		}
		return true
	})
}
