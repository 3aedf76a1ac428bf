package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"
)

// snapshotCache holds encoded views keyed by view name and snapshot
// version, so each version is marshalled at most once per view.
type snapshotCache struct {
	cache *bigcache.BigCache
	once  sync.Once
}

func newSnapshotCache(ctx context.Context) (*snapshotCache, error) {
	cfg := bigcache.DefaultConfig(time.Minute)
	cfg.Shards = 16
	cfg.MaxEntriesInWindow = 600
	cfg.MaxEntrySize = 16 * 1024
	cfg.HardMaxCacheSize = 32
	cfg.Verbose = false

	c, err := bigcache.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot cache: %w", err)
	}
	return &snapshotCache{cache: c}, nil
}

// encode returns the cached JSON for (view, version) or builds it.
func (c *snapshotCache) encode(view string, version uint64, build func() any) ([]byte, error) {
	key := fmt.Sprintf("%s:%d", view, version)
	if data, err := c.cache.Get(key); err == nil {
		return data, nil
	} else if !errors.Is(err, bigcache.ErrEntryNotFound) {
		return nil, err
	}

	data, err := json.Marshal(build())
	if err != nil {
		return nil, err
	}
	// A failed Set only costs a re-encode next time.
	_ = c.cache.Set(key, data)
	return data, nil
}

func (c *snapshotCache) stats() bigcache.Stats {
	return c.cache.Stats()
}

func (c *snapshotCache) Close() error {
	var err error
	c.once.Do(func() { err = c.cache.Close() })
	return err
}
