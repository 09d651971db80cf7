package oracle

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/coachpo/relay/errs"
	"github.com/coachpo/relay/internal/domain/bundle"
)

// Entry is the cached state for one symbol. Entries are replaced whole.
type Entry struct {
	Quote       bundle.PriceQuote `json:"quote"`
	RefreshedAt time.Time         `json:"refreshed_at"`
	LastAttempt time.Time         `json:"last_attempt"`
}

// Cache is a bounded LRU of price entries keyed by symbol. Lookups share the
// read lock and recency promotion is best effort; writes are exclusive.
type Cache struct {
	mu        sync.RWMutex
	lru       *simplelru.LRU[string, Entry]
	capacity  int
	evictions atomic.Uint64
}

// NewCache creates a cache holding at most capacity symbols.
func NewCache(capacity int) (*Cache, error) {
	if capacity <= 0 {
		return nil, errs.New("oracle/cache", errs.CodeInvalidConfig, errs.WithMessage("capacity must be >0"))
	}
	c := &Cache{capacity: capacity}
	lru, err := simplelru.NewLRU[string, Entry](capacity, func(string, Entry) {
		c.evictions.Add(1)
	})
	if err != nil {
		return nil, errs.New("oracle/cache", errs.CodeAllocationFailed, errs.WithCause(err))
	}
	c.lru = lru
	return c, nil
}

// Peek returns the entry without updating recency.
func (c *Cache) Peek(symbol string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lru.Peek(symbol)
}

// Get returns the entry and marks it most recently used.
func (c *Cache) Get(symbol string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Get(symbol)
}

// Promote marks symbol most recently used when the write lock is free. Under
// contention the promotion is skipped so lookups never wait on each other.
func (c *Cache) Promote(symbol string) bool {
	if !c.mu.TryLock() {
		return false
	}
	defer c.mu.Unlock()
	_, ok := c.lru.Get(symbol)
	return ok
}

// Put installs or replaces the entry for symbol.
func (c *Cache) Put(symbol string, entry Entry) {
	c.mu.Lock()
	c.lru.Add(symbol, entry)
	c.mu.Unlock()
}

// Install replaces the entry unless the cached quote was published later than
// the candidate. It reports whether the candidate was installed.
func (c *Cache) Install(symbol string, entry Entry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if current, ok := c.lru.Peek(symbol); ok && current.Quote.PublishedAt.After(entry.Quote.PublishedAt) {
		current.LastAttempt = laterOf(current.LastAttempt, entry.LastAttempt)
		c.lru.Add(symbol, current)
		return false
	}
	c.lru.Add(symbol, entry)
	return true
}

// TouchAttempt records a refresh attempt on an existing entry.
func (c *Cache) TouchAttempt(symbol string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if current, ok := c.lru.Peek(symbol); ok {
		current.LastAttempt = at
		c.lru.Add(symbol, current)
	}
}

// Len reports the number of cached symbols.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lru.Len()
}

// Capacity reports the configured bound.
func (c *Cache) Capacity() int { return c.capacity }

// Evictions reports how many entries were dropped by capacity pressure or purges.
func (c *Cache) Evictions() uint64 { return c.evictions.Load() }

// Entries lists entries from least to most recently used.
func (c *Cache) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := c.lru.Keys()
	out := make([]Entry, 0, len(keys))
	for _, key := range keys {
		if entry, ok := c.lru.Peek(key); ok {
			out = append(out, entry)
		}
	}
	return out
}

// Restore replaces the contents with entries given least to most recently used.
func (c *Cache) Restore(entries []Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
	for _, entry := range entries {
		if entry.Quote.Symbol == "" {
			continue
		}
		c.lru.Add(entry.Quote.Symbol, entry)
	}
}

// Purge drops every entry.
func (c *Cache) Purge() {
	c.mu.Lock()
	c.lru.Purge()
	c.mu.Unlock()
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
