// Package mem_cache is the in-process cache.Backend: a sharded,
// segmented LRU store. Each shard keeps two segments, probation and
// protected, after the classic SLRU scheme: new entries land in
// probation; a hit on a probation entry promotes it into protected,
// demoting protected's current tail back down if it's full. Keys that
// are asked for again and again end up parked in protected, immune to
// a burst of one-shot lookups cycling through probation.
package mem_cache

import (
	"hash/maphash"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IrineSistiana/smartfwd/pkg/lru"
)

const shardNum = 64

// protectedFrac is the share of each shard's capacity reserved for the
// protected segment.
const protectedFrac = 0.8

type elem struct {
	v  []byte // slice header (24B)
	st int64  // storedTime.Unix() (8B)
	ex int64  // expirationTime.Unix() (8B)
}

type shard struct {
	mu        sync.Mutex
	probation *lru.LRU[string, *elem]
	protected *lru.LRU[string, *elem]
}

func newShard(probationSize, protectedSize int) *shard {
	s := &shard{}
	s.probation = lru.NewLRU[string, *elem](probationSize, nil)
	s.protected = lru.NewLRU[string, *elem](protectedSize, func(key string, v *elem) {
		// protected is full: its coldest entry demotes back to probation
		// instead of falling out of the cache entirely.
		s.probation.Add(key, v)
	})
	return s
}

func (s *shard) get(key string) (*elem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.protected.Get(key); ok {
		return e, true
	}
	if e, ok := s.probation.Get(key); ok {
		s.probation.Del(key)
		s.protected.Add(key, e)
		return e, true
	}
	return nil, false
}

func (s *shard) store(key string, e *elem) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.protected.Get(key); ok {
		s.protected.Add(key, e)
		return
	}
	s.probation.Add(key, e)
}

func (s *shard) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.probation.Len() + s.protected.Len()
}

func (s *shard) rangeAll(f func(key string, e *elem) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cont := true
	s.protected.Range(func(key string, e *elem) bool {
		cont = f(key, e)
		return cont
	})
	if !cont {
		return false
	}
	s.probation.Range(func(key string, e *elem) bool {
		cont = f(key, e)
		return cont
	})
	return cont
}

// Range visits every live entry. It is used only by pkg/cache/snapshot to
// dump the backend to disk; it is not on the hot query path.
func (c *MemCache) Range(f func(key string, v []byte, storedTime, expireAt time.Time) bool) {
	for _, s := range c.shards {
		if !s.rangeAll(func(key string, e *elem) bool {
			return f(key, e.v, time.Unix(e.st, 0), time.Unix(e.ex, 0))
		}) {
			return
		}
	}
}

// MemCache is a size-bounded, segmented-LRU passive store.
//
// LIFECYCLE MANAGEMENT:
// 1. Physical Eviction (RAM): managed strictly by LRU capacity (Size).
//    Memory usage grows until it reaches the configured limit and stays
//    there. This is intentional, not a leak.
// 2. Logical Expiration (TTL): enforced by the cache plugin using the
//    storedTime/expireAt pair returned by Get; MemCache itself never
//    looks at them.
//
// No background timers or cleaners run here: eviction is entirely
// capacity-driven, which keeps this passive and avoids GC pressure from
// periodic sweeps.
type MemCache struct {
	closed uint32
	seed   maphash.Seed
	mask   uint64
	shards []*shard
}

// NewMemCache creates a passive storage backend. The cleanerInterval
// argument is accepted for API compatibility but ignored: eviction is
// strictly size-based.
func NewMemCache(size int, _ time.Duration) *MemCache {
	sizePerShard := size / shardNum
	if sizePerShard < 16 {
		sizePerShard = 16
	}

	protectedSize := int(float64(sizePerShard) * protectedFrac)
	if protectedSize < 8 {
		protectedSize = 8
	}
	probationSize := sizePerShard - protectedSize
	if probationSize < 8 {
		probationSize = 8
	}

	shards := make([]*shard, shardNum)
	for i := range shards {
		shards[i] = newShard(probationSize, protectedSize)
	}

	return &MemCache{
		seed:   maphash.MakeSeed(),
		mask:   uint64(shardNum - 1),
		shards: shards,
	}
}

func (c *MemCache) isClosed() bool {
	return atomic.LoadUint32(&c.closed) != 0
}

func (c *MemCache) getShard(key string) *shard {
	h := maphash.String(c.seed, key)
	return c.shards[h&c.mask]
}

// Get retrieves an entry. The caller MUST validate TTL/expiration.
func (c *MemCache) Get(key string) ([]byte, time.Time, time.Time) {
	if c.isClosed() {
		return nil, time.Time{}, time.Time{}
	}

	if e, ok := c.getShard(key).get(key); ok {
		return e.v, time.Unix(e.st, 0), time.Unix(e.ex, 0)
	}
	return nil, time.Time{}, time.Time{}
}

func (c *MemCache) Store(key string, v []byte, st, ex time.Time) {
	if c.isClosed() {
		return
	}

	// Data is copied to ensure immutability within the cache.
	buf := make([]byte, len(v))
	copy(buf, v)

	c.getShard(key).store(key, &elem{
		v:  buf,
		st: st.Unix(),
		ex: ex.Unix(),
	})
}

func (c *MemCache) Close() error {
	atomic.StoreUint32(&c.closed, 1)
	return nil
}

func (c *MemCache) Len() int {
	n := 0
	for _, s := range c.shards {
		n += s.len()
	}
	return n
}
