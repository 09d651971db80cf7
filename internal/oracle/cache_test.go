package oracle

import (
	"testing"
	"time"

	"github.com/coachpo/relay/errs"
	"github.com/coachpo/relay/internal/domain/bundle"
)

func entryFor(symbol string, at time.Time) Entry {
	return Entry{
		Quote:       bundle.PriceQuote{Symbol: symbol, Price: 100, Conf: 1, Expo: -2, PublishedAt: at, Source: "static"},
		RefreshedAt: at,
		LastAttempt: at,
	}
}

func symbolsOf(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Quote.Symbol
	}
	return out
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	cache, err := NewCache(2)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	now := time.Unix(1_700_000_000, 0)
	cache.Put("A", entryFor("A", now))
	cache.Put("B", entryFor("B", now))
	if _, ok := cache.Get("A"); !ok {
		t.Fatal("expected A cached")
	}
	cache.Put("C", entryFor("C", now))

	if _, ok := cache.Peek("B"); ok {
		t.Fatal("expected B evicted")
	}
	if cache.Len() != 2 || cache.Capacity() != 2 {
		t.Fatalf("unexpected size %d/%d", cache.Len(), cache.Capacity())
	}
	if cache.Evictions() != 1 {
		t.Fatalf("expected 1 eviction, got %d", cache.Evictions())
	}
	got := symbolsOf(cache.Entries())
	if len(got) != 2 || got[0] != "A" || got[1] != "C" {
		t.Fatalf("unexpected recency order %v", got)
	}
}

func TestCachePeekDoesNotPromote(t *testing.T) {
	cache, _ := NewCache(2)
	now := time.Unix(1_700_000_000, 0)
	cache.Put("A", entryFor("A", now))
	cache.Put("B", entryFor("B", now))
	cache.Peek("A")
	cache.Put("C", entryFor("C", now))

	if _, ok := cache.Peek("A"); ok {
		t.Fatal("peek must not protect A from eviction")
	}
}

func TestCachePromoteSkipsWhenContended(t *testing.T) {
	cache, _ := NewCache(2)
	now := time.Unix(1_700_000_000, 0)
	cache.Put("A", entryFor("A", now))
	cache.Put("B", entryFor("B", now))

	cache.mu.RLock()
	done := make(chan bool, 1)
	go func() { done <- cache.Promote("A") }()
	select {
	case promoted := <-done:
		if promoted {
			t.Fatal("promotion must be skipped while a lookup holds the read lock")
		}
	case <-time.After(time.Second):
		t.Fatal("promote blocked behind a concurrent lookup")
	}
	if _, ok := cache.lru.Peek("A"); !ok {
		t.Fatal("concurrent lookups must still see A")
	}
	cache.mu.RUnlock()

	if !cache.Promote("A") {
		t.Fatal("expected A promoted once uncontended")
	}
	cache.Put("C", entryFor("C", now))
	if _, ok := cache.Peek("A"); !ok {
		t.Fatal("promoted A must survive eviction")
	}
	if cache.Promote("missing") {
		t.Fatal("promoting an absent symbol reports false")
	}
}

func TestCacheInstallKeepsNewerQuote(t *testing.T) {
	cache, _ := NewCache(4)
	newer := time.Unix(1_700_000_100, 0)
	older := time.Unix(1_700_000_000, 0)

	if !cache.Install("SOL/USD", entryFor("SOL/USD", newer)) {
		t.Fatal("first install must succeed")
	}
	stale := entryFor("SOL/USD", older)
	stale.LastAttempt = newer.Add(time.Second)
	if cache.Install("SOL/USD", stale) {
		t.Fatal("older quote must not replace newer one")
	}
	got, _ := cache.Peek("SOL/USD")
	if !got.Quote.PublishedAt.Equal(newer) {
		t.Fatalf("expected newer quote retained, got %s", got.Quote.PublishedAt)
	}
	if !got.LastAttempt.Equal(newer.Add(time.Second)) {
		t.Fatalf("expected last attempt to advance, got %s", got.LastAttempt)
	}
}

func TestCacheRestorePreservesOrder(t *testing.T) {
	src, _ := NewCache(3)
	now := time.Unix(1_700_000_000, 0)
	for _, symbol := range []string{"A", "B", "C"} {
		src.Put(symbol, entryFor(symbol, now))
	}
	src.Get("A")

	dst, _ := NewCache(3)
	dst.Put("Z", entryFor("Z", now))
	dst.Restore(src.Entries())

	got := symbolsOf(dst.Entries())
	want := []string{"B", "C", "A"}
	if len(got) != len(want) {
		t.Fatalf("unexpected entries %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order mismatch: got %v want %v", got, want)
		}
	}
}

func TestCacheTouchAttemptOnlyUpdatesExisting(t *testing.T) {
	cache, _ := NewCache(2)
	now := time.Unix(1_700_000_000, 0)
	cache.TouchAttempt("A", now)
	if cache.Len() != 0 {
		t.Fatal("touch must not create entries")
	}
	cache.Put("A", entryFor("A", now))
	cache.TouchAttempt("A", now.Add(time.Minute))
	got, _ := cache.Peek("A")
	if !got.LastAttempt.Equal(now.Add(time.Minute)) {
		t.Fatalf("expected attempt recorded, got %s", got.LastAttempt)
	}
}

func TestNewCacheRejectsZeroCapacity(t *testing.T) {
	if _, err := NewCache(0); errs.CodeOf(err) != errs.CodeInvalidConfig {
		t.Fatalf("expected invalid config, got %v", err)
	}
}
