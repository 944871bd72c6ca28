package permission

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const backgroundRefreshTimeout = 5 * time.Second

type snapshot struct {
	table    *Table
	loadedAt time.Time
}

// Cache holds the current permission table and refreshes it from its Source
// when the TTL lapses. Readers never block on a refresh in progress: a stale
// table is served while one goroutine reloads behind the scenes. Only the
// first load, when no table exists yet, is synchronous.
type Cache struct {
	source Source
	prefix string
	ttl    time.Duration

	current    atomic.Pointer[snapshot]
	refreshing sync.Mutex
}

// NewCache builds a cache over source. prefix is the API prefix applied when
// normalizing rule paths.
func NewCache(source Source, prefix string, ttl time.Duration) *Cache {
	return &Cache{source: source, prefix: prefix, ttl: ttl}
}

// Table returns the current table, loading it first if none exists. Past the
// TTL the stale table is returned immediately and refreshed asynchronously.
func (c *Cache) Table(ctx context.Context) (*Table, error) {
	snap := c.current.Load()
	if snap == nil {
		return c.load(ctx)
	}

	if time.Since(snap.loadedAt) > c.ttl && c.refreshing.TryLock() {
		go func() {
			defer c.refreshing.Unlock()
			ctx, cancel := context.WithTimeout(context.Background(), backgroundRefreshTimeout)
			defer cancel()
			c.reload(ctx)
		}()
	}
	return snap.table, nil
}

// Invalidate marks the current table stale so the next read triggers a
// refresh. The stale table keeps serving until the refresh lands.
func (c *Cache) Invalidate() {
	if snap := c.current.Load(); snap != nil {
		c.current.CompareAndSwap(snap, &snapshot{table: snap.table})
	}
}

func (c *Cache) load(ctx context.Context) (*Table, error) {
	c.refreshing.Lock()
	defer c.refreshing.Unlock()

	if snap := c.current.Load(); snap != nil {
		return snap.table, nil
	}
	table, err := c.reload(ctx)
	if err != nil {
		return nil, err
	}
	return table, nil
}

// reload fetches rules and swaps the snapshot. On failure the previous
// snapshot, if any, is left in place.
func (c *Cache) reload(ctx context.Context) (*Table, error) {
	rules, err := c.source.LoadRules(ctx)
	if err != nil {
		return nil, err
	}
	table := NewTable(c.prefix, rules)
	c.current.Store(&snapshot{table: table, loadedAt: time.Now()})
	return table, nil
}
