package jwk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/keksclan/drinkgate/internal/cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultTTL                = 15 * time.Minute
	defaultFetchTimeout       = 5 * time.Second
	defaultMinRefreshInterval = 30 * time.Second

	flightKey        = "jwks"
	refreshFlightKey = "jwks:refresh"
)

// Config controls how long a fetched KeySet is trusted and how fetches are bounded.
type Config struct {
	// StoreKey names the KeySet entry in the Store. Defaults to "jwks".
	StoreKey string
	// TTL is the maximum age of a served KeySet.
	TTL time.Duration
	// FetchTimeout bounds a single remote fetch.
	FetchTimeout time.Duration
	// RotationRetry forces one refresh when a kid is not found in a KeySet
	// that is at least MinRefreshInterval old.
	RotationRetry      bool
	MinRefreshInterval time.Duration
}

// Cache serves the provider's KeySet, fetching it on first use and whenever
// the cached snapshot is older than its TTL. Concurrent callers that find the
// cache cold or expired share one in-flight fetch. A failed fetch is returned
// to every waiting caller; an expired snapshot is never served in its place.
//
// Concurrency: safe for concurrent use.
type Cache struct {
	fetcher  Fetcher
	store    cache.Store
	storeKey string
	cfg      Config
	now      func() time.Time
	logger   *zap.Logger
	sfGroup  singleflight.Group
}

func NewCache(f Fetcher, s cache.Store, cfg Config) *Cache {
	if cfg.StoreKey == "" {
		cfg.StoreKey = flightKey
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if cfg.MinRefreshInterval <= 0 {
		cfg.MinRefreshInterval = defaultMinRefreshInterval
	}
	return &Cache{
		fetcher:  f,
		store:    s,
		storeKey: cfg.StoreKey,
		cfg:      cfg,
		now:      time.Now,
		logger:   zap.NewNop(),
	}
}

// SetClock replaces the clock used for fetch timestamps and TTL checks.
func (c *Cache) SetClock(now func() time.Time) {
	if now != nil {
		c.now = now
	}
}

func (c *Cache) SetLogger(l *zap.Logger) {
	if l != nil {
		c.logger = l
	}
}

// Get returns a KeySet no older than the TTL, fetching one if necessary.
func (c *Cache) Get(ctx context.Context) (*KeySet, error) {
	if set := c.current(); set != nil && c.fresh(set) {
		return set, nil
	}
	return c.do(ctx, flightKey, func(cur *KeySet) bool {
		return cur != nil && c.fresh(cur)
	})
}

// Refresh replaces seen with a newly fetched KeySet. If the cache already
// holds a different snapshot than seen, or seen is younger than
// MinRefreshInterval, the current snapshot is returned without a fetch.
// Refreshes share a flight only with other refreshes, never with Get.
func (c *Cache) Refresh(ctx context.Context, seen *KeySet) (*KeySet, error) {
	return c.do(ctx, refreshFlightKey, func(cur *KeySet) bool {
		if cur == nil || !c.fresh(cur) {
			return false
		}
		if cur != seen {
			return true
		}
		return c.now().Sub(cur.fetchedAt) < c.cfg.MinRefreshInterval
	})
}

// Lookup resolves kid against the current KeySet. With RotationRetry enabled
// a miss triggers one Refresh and one more lookup before ErrKeyNotFound.
func (c *Cache) Lookup(ctx context.Context, kid string) (SigningKey, error) {
	set, err := c.Get(ctx)
	if err != nil {
		return SigningKey{}, err
	}
	if k, ok := set.Lookup(kid); ok {
		return k, nil
	}
	if !c.cfg.RotationRetry {
		return SigningKey{}, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
	}

	c.logger.Debug("unknown kid, refreshing key set", zap.String("kid", kid))
	set, err = c.Refresh(ctx, set)
	if err != nil {
		return SigningKey{}, err
	}
	if k, ok := set.Lookup(kid); ok {
		return k, nil
	}
	return SigningKey{}, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
}

func (c *Cache) do(ctx context.Context, key string, satisfied func(cur *KeySet) bool) (*KeySet, error) {
	ch := c.sfGroup.DoChan(key, func() (any, error) {
		// Double-check inside the flight: a previous flight may have just
		// stored a snapshot good enough for this caller.
		if cur := c.current(); satisfied(cur) {
			return cur, nil
		}
		return c.fetch(ctx)
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrKeySourceUnavailable, ctx.Err())
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		set, ok := r.Val.(*KeySet)
		if !ok {
			return nil, fmt.Errorf("%w: unexpected singleflight result type %T", ErrKeySourceUnavailable, r.Val)
		}
		return set, nil
	}
}

// fetch runs on a context detached from the initiating caller's cancellation
// so that the other callers sharing the flight are not failed by it.
func (c *Cache) fetch(ctx context.Context) (*KeySet, error) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.FetchTimeout)
	defer cancel()

	start := c.now()
	keys, err := c.fetcher.Fetch(fctx)
	if err == nil {
		var set *KeySet
		set, err = NewKeySet(keys, c.now())
		if err == nil {
			if !c.store.Set(c.storeKey, set) {
				c.logger.Warn("key set store rejected snapshot")
			}
			c.logger.Debug("key set fetched",
				zap.Int("keys", set.Len()),
				zap.Duration("took", c.now().Sub(start)))
			return set, nil
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("fetch timed out after %s: %w", c.cfg.FetchTimeout, err)
	}
	c.logger.Warn("key set fetch failed", zap.Error(err))
	return nil, fmt.Errorf("%w: %w", ErrKeySourceUnavailable, err)
}

func (c *Cache) current() *KeySet {
	v, ok := c.store.Get(c.storeKey)
	if !ok {
		return nil
	}
	set, _ := v.(*KeySet)
	return set
}

func (c *Cache) fresh(set *KeySet) bool {
	return c.now().Sub(set.fetchedAt) <= c.cfg.TTL
}
