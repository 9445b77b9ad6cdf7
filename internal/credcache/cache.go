// Package credcache provides a TTL-bounded, sharded cache in front of the
// credential store.
package credcache

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	gwerrors "broker-gateway/internal/errors"
	"broker-gateway/internal/metrics"
	"broker-gateway/internal/models"
	"broker-gateway/internal/store"
)

const numShards = 16

// Config holds cache configuration.
type Config struct {
	TTL           time.Duration
	SweepInterval time.Duration
	// FillTimeout bounds a store read shared by concurrent misses. The read
	// outlives any single caller's context.
	FillTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TTL:           10 * time.Minute,
		SweepInterval: time.Minute,
		FillTimeout:   5 * time.Second,
	}
}

// Cache serves credential reads from memory for at most TTL. It is not the
// authority on token validity.
type Cache struct {
	store   store.CredentialStore
	cfg     Config
	now     func() time.Time
	logger  zerolog.Logger
	metrics *metrics.Metrics

	shards [numShards]*shard
	group  singleflight.Group

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

type shard struct {
	mu    sync.RWMutex
	items map[string]entry
	// seq advances on every invalidation in the shard and gens records the
	// seq of each key's latest one. A fill that started at an older seq is
	// discarded. gens is cleared by Sweep when no lookup is pending.
	seq     uint64
	gens    map[string]uint64
	pending atomic.Int64
}

type entry struct {
	cred      *models.Credential // nil for a negative marker
	cachedAt  time.Time
	expiresAt time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithMetrics records lookups to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// New creates a cache over s.
func New(s store.CredentialStore, cfg Config, opts ...Option) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	if cfg.FillTimeout <= 0 {
		cfg.FillTimeout = DefaultConfig().FillTimeout
	}
	c := &Cache{
		store:  s,
		cfg:    cfg,
		now:    time.Now,
		logger: zerolog.Nop(),
		stopCh: make(chan struct{}),
	}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &shard{
			items: make(map[string]entry),
			gens:  make(map[string]uint64),
		}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func cacheKey(userID string, broker models.BrokerID) string {
	return userID + "\x00" + string(broker)
}

func (c *Cache) getShard(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Get returns the credential for (userID, broker). A missing record, or a
// store failure, is reported as NotConfigured.
func (c *Cache) Get(ctx context.Context, userID string, broker models.BrokerID) (*models.Credential, error) {
	key := cacheKey(userID, broker)
	sh := c.getShard(key)

	sh.mu.RLock()
	e, ok := sh.items[key]
	hit := ok && c.now().Before(e.expiresAt)
	start, flight := sh.seq, sh.gens[key]
	if !hit {
		// Counted under the read lock so Sweep cannot prune gens between
		// here and the fill.
		sh.pending.Add(1)
	}
	sh.mu.RUnlock()

	if hit {
		if e.cred == nil {
			c.metrics.CacheNegativeHit()
			return nil, gwerrors.NotConfigured(string(broker), "no credentials saved")
		}
		c.metrics.CacheHit()
		return cloneCredential(e.cred), nil
	}
	c.metrics.CacheMiss()
	defer sh.pending.Add(-1)

	v, err, _ := c.group.Do(fmt.Sprintf("%s#%d", key, flight), func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.FillTimeout)
		defer cancel()
		cred, err := c.store.Get(fctx, userID, broker)
		if errors.Is(err, store.ErrNotFound) {
			c.fill(sh, key, start, nil)
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		c.fill(sh, key, start, cred)
		return cred, nil
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("user", userID).Str("broker", string(broker)).Msg("Credential store read failed")
		return nil, &gwerrors.GatewayError{
			Kind:    gwerrors.KindNotConfigured,
			Broker:  string(broker),
			Message: "credential store unavailable",
			Err:     err,
		}
	}
	if v == nil {
		return nil, gwerrors.NotConfigured(string(broker), "no credentials saved")
	}
	return cloneCredential(v.(*models.Credential)), nil
}

func (c *Cache) fill(sh *shard, key string, start uint64, cred *models.Credential) {
	now := c.now()
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.gens[key] > start {
		return
	}
	sh.items[key] = entry{
		cred:      cloneCredential(cred),
		cachedAt:  now,
		expiresAt: now.Add(c.cfg.TTL),
	}
}

// Invalidate drops the entry for (userID, broker). Fills already in flight
// for the old value are discarded.
func (c *Cache) Invalidate(userID string, broker models.BrokerID) {
	key := cacheKey(userID, broker)
	sh := c.getShard(key)
	sh.mu.Lock()
	delete(sh.items, key)
	sh.seq++
	sh.gens[key] = sh.seq
	sh.mu.Unlock()
}

// Save writes cred to the store and invalidates its entry.
func (c *Cache) Save(ctx context.Context, cred *models.Credential) error {
	cred.UpdatedAt = c.now().UTC()
	err := c.store.Put(ctx, cred)
	c.Invalidate(cred.UserID, cred.BrokerID)
	if err != nil {
		return fmt.Errorf("saving credential: %w", err)
	}
	return nil
}

// Delete removes the stored credential and invalidates its entry.
func (c *Cache) Delete(ctx context.Context, userID string, broker models.BrokerID) error {
	err := c.store.Delete(ctx, userID, broker)
	c.Invalidate(userID, broker)
	if err != nil {
		return fmt.Errorf("deleting credential: %w", err)
	}
	return nil
}

// List reads every credential for a user directly from the store.
func (c *Cache) List(ctx context.Context, userID string) ([]models.Credential, error) {
	return c.store.List(ctx, userID)
}

// Sweep evicts expired entries and returns how many were removed. It also
// drops invalidation records in shards with no lookup in flight.
func (c *Cache) Sweep() int {
	now := c.now()
	removed := 0
	for _, sh := range c.shards {
		sh.mu.Lock()
		for k, e := range sh.items {
			if !now.Before(e.expiresAt) {
				delete(sh.items, k)
				removed++
			}
		}
		if sh.pending.Load() == 0 {
			clear(sh.gens)
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len returns the number of entries, including expired ones not yet swept.
func (c *Cache) Len() int {
	total := 0
	for _, sh := range c.shards {
		sh.mu.RLock()
		total += len(sh.items)
		sh.mu.RUnlock()
	}
	return total
}

// Start runs the background sweep until Stop or ctx is done.
func (c *Cache) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				if n := c.Sweep(); n > 0 {
					c.logger.Debug().Int("evicted", n).Msg("Credential cache swept")
				}
			}
		}
	}()
}

// Stop ends the background sweep.
func (c *Cache) Stop() {
	c.once.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func cloneCredential(c *models.Credential) *models.Credential {
	if c == nil {
		return nil
	}
	out := *c
	if c.AccessTokenExpiresAt != nil {
		t := *c.AccessTokenExpiresAt
		out.AccessTokenExpiresAt = &t
	}
	return &out
}
