package sharedctx

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Aqilrmm/Synapta/pkg/observability"
)

// DefaultSweepInterval is the default period of the background expiry
// sweep. The sweep is a liveness optimization: Get checks expiry on its
// own, so correctness never depends on sweep timing.
const DefaultSweepInterval = time.Hour

// Context is the shared key/value store agents coordinate through.
// All methods are safe for concurrent use. Update calls for the same key
// are serialized; updates to different keys proceed independently.
type Context struct {
	store Store

	lockMu sync.Mutex
	locks  map[string]*keyLock

	sweepInterval time.Duration
	logger        *slog.Logger

	stopOnce sync.Once
	done     chan struct{}
	swept    sync.WaitGroup
}

// ContextOption configures a Context.
type ContextOption func(*Context)

// WithStore sets the storage backend. Defaults to an in-memory store.
func WithStore(s Store) ContextOption {
	return func(c *Context) { c.store = s }
}

// WithSweepInterval sets the background expiry sweep period.
func WithSweepInterval(d time.Duration) ContextOption {
	return func(c *Context) {
		if d > 0 {
			c.sweepInterval = d
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) ContextOption {
	return func(c *Context) { c.logger = logger }
}

// New creates a shared context. Call Start to launch the expiry sweeper and
// Close to release the backend.
func New(opts ...ContextOption) *Context {
	c := &Context{
		locks:         make(map[string]*keyLock),
		sweepInterval: DefaultSweepInterval,
		logger:        slog.Default(),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.store == nil {
		c.store = NewMemoryStore()
	}
	return c
}

// Set inserts or overwrites key. A positive ttl bounds the entry's
// lifetime; zero means no expiry.
func (c *Context) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	return c.store.Set(ctx, key, value, ttl)
}

// Get returns the live value for key, or def when the key is absent or
// expired.
func (c *Context) Get(ctx context.Context, key string, def any) (any, error) {
	value, ok, err := c.store.Get(ctx, key)
	if err != nil {
		return def, err
	}
	if !ok {
		return def, nil
	}
	return value, nil
}

// Delete removes key. It is idempotent.
func (c *Context) Delete(ctx context.Context, key string) error {
	return c.store.Delete(ctx, key)
}

// Update atomically applies fn to the current value of key (or def when
// absent or expired), stores the result preserving any existing TTL, and
// returns the new value. Concurrent Updates of the same key never lose
// writes.
func (c *Context) Update(ctx context.Context, key string, fn func(any) any, def any) (any, error) {
	lock := c.acquireKey(key)
	defer c.releaseKey(key, lock)

	current, ok, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		current = def
	}

	next := fn(current)
	if err := c.store.Set(ctx, key, next, KeepTTL); err != nil {
		return nil, err
	}
	return next, nil
}

// Keys returns all live keys.
func (c *Context) Keys(ctx context.Context) ([]string, error) {
	return c.store.Keys(ctx)
}

// Start launches the background expiry sweeper.
func (c *Context) Start(ctx context.Context) {
	c.swept.Add(1)
	go func() {
		defer c.swept.Done()

		ticker := time.NewTicker(c.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				removed, err := c.store.Sweep(ctx)
				if err != nil {
					c.logger.Warn("context sweep failed", "error", err)
					continue
				}
				if removed > 0 {
					observability.RecordContextSweep(removed)
					c.logger.Debug("context sweep", "removed", removed)
				}
			case <-ctx.Done():
				return
			case <-c.done:
				return
			}
		}
	}()
}

// Close stops the sweeper and releases the storage backend.
func (c *Context) Close() error {
	c.stopOnce.Do(func() { close(c.done) })
	c.swept.Wait()
	return c.store.Close()
}

// keyLock is a refcounted per-key mutex. Refcounting lets the lock table
// shrink again: the entry is removed when the last in-flight Update for
// its key releases, so the table is bounded by concurrent Updates, not by
// the number of distinct keys ever touched.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (c *Context) acquireKey(key string) *keyLock {
	c.lockMu.Lock()
	lock, ok := c.locks[key]
	if !ok {
		lock = &keyLock{}
		c.locks[key] = lock
	}
	lock.refs++
	c.lockMu.Unlock()

	lock.mu.Lock()
	return lock
}

func (c *Context) releaseKey(key string, lock *keyLock) {
	lock.mu.Unlock()

	c.lockMu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(c.locks, key)
	}
	c.lockMu.Unlock()
}
