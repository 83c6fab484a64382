package cache

import (
	"fmt"

	"github.com/dgraph-io/ristretto"
)

// RistrettoStore is a Store backed by ristretto. Entries carry no ristretto
// TTL; freshness is decided by the caller, which owns its own clock.
type RistrettoStore struct {
	cache *ristretto.Cache
}

func NewRistrettoStore(numCounters, maxCost, bufferItems int64) (*RistrettoStore, error) {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: numCounters,
		MaxCost:     maxCost,
		BufferItems: bufferItems,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ristretto cache: %w", err)
	}
	return &RistrettoStore{cache: c}, nil
}

func (r *RistrettoStore) Get(key string) (any, bool) {
	return r.cache.Get(key)
}

// Set is synchronous: ristretto buffers writes, so Wait is called before
// returning to make the value visible to the next Get.
func (r *RistrettoStore) Set(key string, v any) bool {
	ok := r.cache.Set(key, v, 1)
	r.cache.Wait()
	return ok
}

func (r *RistrettoStore) Del(key string) { r.cache.Del(key) }

// Close stops ristretto's background goroutines.
func (r *RistrettoStore) Close() { r.cache.Close() }
