// Package oracle caches external market prices and refreshes them on demand
// without letting a slow upstream stall bundle processing.
package oracle

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/coachpo/relay/errs"
	"github.com/coachpo/relay/internal/config"
	"github.com/coachpo/relay/internal/domain/bundle"
	"github.com/coachpo/relay/internal/telemetry"
	"github.com/coachpo/relay/lib/async"
)

const op = "oracle"

// Settings are the runtime knobs of a Client.
type Settings struct {
	MaxAge         time.Duration
	UpdateInterval time.Duration
	RefreshTimeout time.Duration
	Level          bundle.VerificationLevel
	CacheCapacity  int
	Workers        int
	QueueDepth     int
}

// SettingsFrom derives client settings from validated configuration.
func SettingsFrom(cfg config.OracleConfig) Settings {
	return Settings{
		MaxAge:         cfg.MaxPriceAge(),
		UpdateInterval: cfg.UpdateInterval(),
		RefreshTimeout: cfg.RefreshTimeout(),
		Level:          bundle.VerificationLevel(cfg.VerificationLevel),
		CacheCapacity:  cfg.CacheCapacity,
		Workers:        cfg.Workers,
		QueueDepth:     cfg.QueueDepth,
	}
}

// Stats is a point-in-time view of client counters.
type Stats struct {
	Hits            uint64 `json:"hits"`
	Misses          uint64 `json:"misses"`
	Refreshes       uint64 `json:"refreshes"`
	RefreshFailures uint64 `json:"refresh_failures"`
	Degraded        uint64 `json:"degraded"`
	Coalesced       uint64 `json:"coalesced"`
	Observations    uint64 `json:"observations"`
	Evictions       uint64 `json:"evictions"`
	Size            int    `json:"size"`
}

// Lookup is the outcome of one symbol in a batch lookup. Quote may hold the
// last known value even when Err is set.
type Lookup struct {
	Symbol string
	Quote  bundle.PriceQuote
	Err    error
}

// Usable reports whether the quote may be injected.
func (l Lookup) Usable() bool { return l.Err == nil && !l.Quote.IsZero() }

// Option configures a Client.
type Option func(*Client)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(c *Client) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithLogger sets the logger used for refresh diagnostics.
func WithLogger(logger *log.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMeter sets the meter used for oracle instruments.
func WithMeter(meter metric.Meter) Option {
	return func(c *Client) {
		if meter != nil {
			c.meter = meter
		}
	}
}

// Client serves quotes from the cache and refreshes them through a Source on
// a bounded worker pool. Concurrent refreshes of one symbol coalesce.
type Client struct {
	settings Settings
	source   Source
	cache    *Cache
	pool     *async.Pool
	group    singleflight.Group
	clock    func() time.Time
	logger   *log.Logger
	meter    metric.Meter
	inst     instruments

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	attemptsMu sync.Mutex
	attempts   map[string]time.Time
	inflight   map[string]struct{}

	obsMu        sync.RWMutex
	observations map[string]map[string]bundle.PriceQuote

	hits, misses, refreshes, failures atomic.Uint64
	degraded, coalesced, observed     atomic.Uint64
}

// NewClient constructs a client with its own cache and refresh pool.
func NewClient(settings Settings, source Source, opts ...Option) (*Client, error) {
	if source == nil {
		return nil, errs.New(op, errs.CodeNullInput, errs.WithMessage("price source required"))
	}
	cache, err := NewCache(settings.CacheCapacity)
	if err != nil {
		return nil, err
	}
	c := &Client{
		settings:     settings,
		source:       source,
		cache:        cache,
		clock:        time.Now,
		logger:       log.New(io.Discard, "", 0),
		meter:        otel.Meter("relay.oracle"),
		attempts:     make(map[string]time.Time),
		inflight:     make(map[string]struct{}),
		observations: make(map[string]map[string]bundle.PriceQuote),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.inst = newInstruments(c.meter)
	c.pool, err = async.NewPool(settings.Workers, settings.QueueDepth, async.WithPanicHandler(func(r any) {
		c.logger.Printf("oracle refresh panic: %v", r)
	}))
	if err != nil {
		return nil, fmt.Errorf("oracle pool: %w", err)
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

// Cache exposes the underlying cache for snapshots.
func (c *Client) Cache() *Cache { return c.cache }

// Settings returns the client settings.
func (c *Client) Settings() Settings { return c.settings }

// SourceName reports the upstream source name.
func (c *Client) SourceName() string { return c.source.Name() }

// GetPrice returns a usable quote for symbol, refreshing it when the cached
// value is stale or not confident enough. The caller waits at most the
// refresh timeout. On error the returned quote, when non-zero, is the last
// known value.
func (c *Client) GetPrice(ctx context.Context, symbol string) (bundle.PriceQuote, error) {
	if symbol == "" {
		return bundle.PriceQuote{}, errs.New(op, errs.CodeNullInput, errs.WithMessage("symbol required"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	now := c.clock()
	entry, cached := c.cache.Peek(symbol)
	if cached && c.check(entry.Quote, now) == nil {
		c.cache.Promote(symbol)
		c.hits.Add(1)
		c.inst.lookup(c.source.Name(), telemetry.ResultOK)
		return entry.Quote, nil
	}
	c.misses.Add(1)

	if c.closed.Load() || !c.claimRefresh(symbol, now) {
		return c.degrade(symbol)
	}

	ch := c.group.DoChan(symbol, func() (any, error) {
		return c.refresh(symbol)
	})
	timer := time.NewTimer(c.settings.RefreshTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.Shared {
			c.coalesced.Add(1)
		}
		if res.Err != nil {
			last, _ := c.cache.Peek(symbol)
			c.degraded.Add(1)
			c.inst.lookup(c.source.Name(), telemetry.ResultError)
			return last.Quote, res.Err
		}
		q, _ := res.Val.(bundle.PriceQuote)
		if err := c.check(q, c.clock()); err != nil {
			c.degraded.Add(1)
			c.inst.lookup(c.source.Name(), telemetry.ResultStale)
			return q, err
		}
		c.inst.lookup(c.source.Name(), telemetry.ResultOK)
		return q, nil
	case <-timer.C:
	case <-ctx.Done():
	}
	return c.degrade(symbol)
}

// Peek makes the same freshness and confidence decision as GetPrice without
// I/O or recency promotion.
func (c *Client) Peek(symbol string) (bundle.PriceQuote, error) {
	entry, ok := c.cache.Peek(symbol)
	if !ok {
		return bundle.PriceQuote{}, errs.New(op, errs.CodeOracleCacheMiss, errs.WithSymbol(symbol))
	}
	return entry.Quote, c.check(entry.Quote, c.clock())
}

// Lookup resolves several symbols concurrently.
func (c *Client) Lookup(ctx context.Context, symbols []string) map[string]Lookup {
	out := make(map[string]Lookup, len(symbols))
	if len(symbols) == 0 {
		return out
	}
	workers := c.settings.Workers
	if workers <= 0 {
		workers = 1
	}
	p := pool.NewWithResults[Lookup]().WithMaxGoroutines(workers)
	for _, symbol := range symbols {
		p.Go(func() Lookup {
			q, err := c.GetPrice(ctx, symbol)
			return Lookup{Symbol: symbol, Quote: q, Err: err}
		})
	}
	for _, res := range p.Wait() {
		out[res.Symbol] = res
	}
	return out
}

// PeekAll resolves several symbols from the cache only.
func (c *Client) PeekAll(symbols []string) map[string]Lookup {
	out := make(map[string]Lookup, len(symbols))
	for _, symbol := range symbols {
		q, err := c.Peek(symbol)
		out[symbol] = Lookup{Symbol: symbol, Quote: q, Err: err}
	}
	return out
}

// Observe records a pushed quote from a streaming source. The quote is kept
// per source for cross-source comparison and installed into the cache when
// it is newer than the cached one.
func (c *Client) Observe(q bundle.PriceQuote) {
	if q.Symbol == "" || c.closed.Load() {
		return
	}
	source := q.Source
	if source == "" {
		source = "unknown"
		q.Source = source
	}
	c.obsMu.Lock()
	bySource, ok := c.observations[q.Symbol]
	if !ok {
		bySource = make(map[string]bundle.PriceQuote)
		c.observations[q.Symbol] = bySource
	}
	bySource[source] = q
	c.obsMu.Unlock()

	now := c.clock()
	c.cache.Install(q.Symbol, Entry{Quote: q, RefreshedAt: now, LastAttempt: now})
	c.observed.Add(1)
	c.inst.observed(source)
}

// Observations returns the latest quote from every source for symbol,
// ordered by source name.
func (c *Client) Observations(symbol string) []bundle.PriceQuote {
	c.obsMu.RLock()
	bySource := c.observations[symbol]
	out := make([]bundle.PriceQuote, 0, len(bySource)+1)
	for _, q := range bySource {
		out = append(out, q)
	}
	c.obsMu.RUnlock()

	if entry, ok := c.cache.Peek(symbol); ok && entry.Quote.Source != "" {
		dup := false
		for _, q := range out {
			if q.Source == entry.Quote.Source {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, entry.Quote)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

// Stats returns a snapshot of the client counters.
func (c *Client) Stats() Stats {
	return Stats{
		Hits:            c.hits.Load(),
		Misses:          c.misses.Load(),
		Refreshes:       c.refreshes.Load(),
		RefreshFailures: c.failures.Load(),
		Degraded:        c.degraded.Load(),
		Coalesced:       c.coalesced.Load(),
		Observations:    c.observed.Load(),
		Evictions:       c.cache.Evictions(),
		Size:            c.cache.Len(),
	}
}

// Restore replaces the cache with entries, given least to most recently
// used, and seeds the refresh throttle from their last attempts.
func (c *Client) Restore(entries []Entry) {
	c.cache.Restore(entries)
	c.attemptsMu.Lock()
	defer c.attemptsMu.Unlock()
	c.attempts = make(map[string]time.Time, len(entries))
	for _, entry := range entries {
		if entry.Quote.Symbol != "" && !entry.LastAttempt.IsZero() {
			c.attempts[entry.Quote.Symbol] = entry.LastAttempt
		}
	}
}

// Close cancels in-flight refreshes and joins the refresh workers.
func (c *Client) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()
	if err := c.pool.Shutdown(ctx); err != nil {
		return fmt.Errorf("oracle shutdown: %w", err)
	}
	return nil
}

func (c *Client) check(q bundle.PriceQuote, now time.Time) error {
	if !q.Fresh(now, c.settings.MaxAge) {
		return errs.New(op, errs.CodeOracleStalePrice, errs.WithSymbol(q.Symbol),
			errs.WithMessage(fmt.Sprintf("quote age %s exceeds %s", q.Age(now).Truncate(time.Millisecond), c.settings.MaxAge)))
	}
	if !q.Confident(c.settings.Level) {
		return errs.New(op, errs.CodeOracleLowConfidence, errs.WithSymbol(q.Symbol),
			errs.WithMessage(fmt.Sprintf("confidence ratio %s fails %s tier", q.ConfidenceRatio().String(), c.settings.Level)))
	}
	return nil
}

// degrade answers from the cache alone, after a refresh could not be awaited.
func (c *Client) degrade(symbol string) (bundle.PriceQuote, error) {
	entry, ok := c.cache.Peek(symbol)
	if !ok {
		c.degraded.Add(1)
		c.inst.lookup(c.source.Name(), telemetry.ResultError)
		return bundle.PriceQuote{}, errs.New(op, errs.CodeOracleCacheMiss, errs.WithSymbol(symbol))
	}
	if err := c.check(entry.Quote, c.clock()); err != nil {
		c.degraded.Add(1)
		c.inst.lookup(c.source.Name(), telemetry.ResultStale)
		return entry.Quote, err
	}
	c.inst.lookup(c.source.Name(), telemetry.ResultOK)
	return entry.Quote, nil
}

// claimRefresh decides whether the caller may start or join a refresh. A
// refresh already in flight is always joinable; a new one needs the update
// interval to have elapsed since the last attempt.
func (c *Client) claimRefresh(symbol string, now time.Time) bool {
	c.attemptsMu.Lock()
	defer c.attemptsMu.Unlock()
	if _, busy := c.inflight[symbol]; busy {
		return true
	}
	if last, ok := c.attempts[symbol]; ok && now.Sub(last) < c.settings.UpdateInterval {
		return false
	}
	c.attempts[symbol] = now
	c.inflight[symbol] = struct{}{}
	return true
}

func (c *Client) release(symbol string) {
	c.attemptsMu.Lock()
	delete(c.inflight, symbol)
	c.attemptsMu.Unlock()
}

type fetchResult struct {
	quote bundle.PriceQuote
	err   error
}

// refresh performs one outbound fetch on the pool and installs the result.
func (c *Client) refresh(symbol string) (bundle.PriceQuote, error) {
	defer c.release(symbol)
	start := c.clock()
	c.cache.TouchAttempt(symbol, start)

	results := make(chan fetchResult, 1)
	err := c.pool.Submit(c.ctx, func(ctx context.Context) error {
		res := fetchResult{err: errs.New(op, errs.CodeProcessingFailed, errs.WithSymbol(symbol),
			errs.WithMessage("source panicked"))}
		defer func() { results <- res }()
		q, fetchErr := c.source.Fetch(ctx, symbol)
		res = fetchResult{quote: q, err: fetchErr}
		return fetchErr
	})
	if err != nil {
		c.failures.Add(1)
		return bundle.PriceQuote{}, errs.New(op, errs.CodeOracleNetworkFailure, errs.WithSymbol(symbol),
			errs.WithMessage("refresh not scheduled"), errs.WithCause(err))
	}
	res := <-results
	elapsed := c.clock().Sub(start)

	if res.err != nil {
		c.failures.Add(1)
		c.inst.refresh(c.source.Name(), telemetry.ResultError, elapsed)
		c.logger.Printf("oracle refresh failed: symbol=%s source=%s err=%v", symbol, c.source.Name(), res.err)
		return bundle.PriceQuote{}, classifyFetchError(symbol, res.err)
	}

	q := res.quote
	if q.Symbol == "" {
		q.Symbol = symbol
	}
	if q.Symbol != symbol {
		c.failures.Add(1)
		c.inst.refresh(c.source.Name(), telemetry.ResultError, elapsed)
		return bundle.PriceQuote{}, errs.New(op, errs.CodeOracleParseFailure, errs.WithSymbol(symbol),
			errs.WithMessage(fmt.Sprintf("source answered for %q", q.Symbol)))
	}
	if q.Source == "" {
		q.Source = c.source.Name()
	}

	c.refreshes.Add(1)
	c.inst.refresh(c.source.Name(), telemetry.ResultOK, elapsed)
	if !c.cache.Install(symbol, Entry{Quote: q, RefreshedAt: c.clock(), LastAttempt: start}) {
		if current, ok := c.cache.Peek(symbol); ok {
			return current.Quote, nil
		}
	}
	return q, nil
}
