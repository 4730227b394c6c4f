// Package kvcache provides the cache handle shared by every query invocation.
package kvcache

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/pkg/errors"
)

// Cache is a byte-oriented key/value store. A zero ttl means no expiry.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string)
}

// InMemory is a Cache backed by a ristretto admission-controlled cache.
// Values are costed by their length in bytes.
type InMemory struct {
	c *ristretto.Cache[string, []byte]
}

// NewInMemory creates a cache holding at most maxBytes of values.
func NewInMemory(maxBytes int64) (*InMemory, error) {
	if maxBytes <= 0 {
		return nil, errors.Errorf("kvcache: max bytes must be positive, got %d", maxBytes)
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		// roughly ten counters per expected item of ~1KiB
		NumCounters: max(maxBytes/100, 1000),
		MaxCost:     maxBytes,
		BufferItems: 64,

		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "kvcache: create ristretto cache")
	}
	return &InMemory{c: c}, nil
}

func (m *InMemory) Get(_ context.Context, key string) ([]byte, bool) {
	return m.c.Get(key)
}

// Set stores value and waits for the write buffer to drain so a following
// Get observes it, unless admission rejected the item.
func (m *InMemory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if !m.c.SetWithTTL(key, value, int64(len(value)), ttl) {
		return errors.Errorf("kvcache: item %q dropped", key)
	}
	m.c.Wait()
	return nil
}

func (m *InMemory) Delete(_ context.Context, key string) {
	m.c.Del(key)
}

// Close stops the cache's background goroutines.
func (m *InMemory) Close() { m.c.Close() }
