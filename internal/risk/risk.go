// Package risk tracks institutional notional exposure over a rolling window
// and throttles how often an institution may submit bundles.
package risk

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/coachpo/relay/errs"
	"github.com/coachpo/relay/internal/config"
)

const op = "risk"

// LimitsFunc resolves the effective limits for an institution.
type LimitsFunc func(institution string) config.Limits

// Entry is one committed exposure increment.
type Entry struct {
	At     time.Time       `json:"at"`
	Amount decimal.Decimal `json:"amount"`
}

// Exposure is the committed window of one institution.
type Exposure struct {
	Institution string  `json:"institution"`
	Entries     []Entry `json:"entries"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// Manager enforces per-institution exposure caps and bundle throttles.
// Exposure is first reserved, so concurrent calls see each other's pending
// amounts, and only counted once committed.
type Manager struct {
	limits LimitsFunc
	clock  func() time.Time

	mu       sync.Mutex
	windows  map[string][]Entry
	reserved map[string]decimal.Decimal
	limiters map[string]*rate.Limiter
}

// NewManager creates a manager using limits to resolve caps.
func NewManager(limits LimitsFunc, opts ...Option) *Manager {
	m := &Manager{
		limits:   limits,
		clock:    time.Now,
		windows:  make(map[string][]Entry),
		reserved: make(map[string]decimal.Decimal),
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Allow consumes one bundle token for the institution. A zero rate disables
// throttling.
func (m *Manager) Allow(institution string) error {
	limits := m.limits(institution)
	if limits.MaxBundlesPerSecond <= 0 {
		return nil
	}
	m.mu.Lock()
	limiter, ok := m.limiters[institution]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(limits.MaxBundlesPerSecond), limits.Burst)
		m.limiters[institution] = limiter
	}
	m.mu.Unlock()

	if !limiter.AllowN(m.clock(), 1) {
		return errs.New(op, errs.CodeThrottled,
			errs.WithMessage("bundle rate exceeded"),
			errs.WithField("institution", institution))
	}
	return nil
}

// Exposure returns the committed exposure inside the current window.
func (m *Manager) Exposure(institution string) decimal.Decimal {
	now := m.clock()
	window := m.limits(institution).Window
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.committedLocked(institution, now, window)
}

// Reserved returns the amount held by open reservations.
func (m *Manager) Reserved(institution string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reserved[institution]
}

func (m *Manager) committedLocked(institution string, now time.Time, window time.Duration) decimal.Decimal {
	entries := m.windows[institution]
	cutoff := now.Add(-window)
	kept := entries[:0]
	total := decimal.Zero
	for _, e := range entries {
		if !e.At.After(cutoff) {
			continue
		}
		kept = append(kept, e)
		total = total.Add(e.Amount)
	}
	if len(kept) == 0 {
		delete(m.windows, institution)
	} else {
		m.windows[institution] = kept
	}
	return total
}

// Begin opens a reservation for one call.
func (m *Manager) Begin() *Reservation {
	return &Reservation{m: m, amounts: make(map[string]decimal.Decimal)}
}

// Snapshot returns committed exposure per institution, sorted by id.
func (m *Manager) Snapshot() []Exposure {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Exposure, 0, len(m.windows))
	for id, entries := range m.windows {
		out = append(out, Exposure{Institution: id, Entries: append([]Entry(nil), entries...)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Institution < out[j].Institution })
	return out
}

// Restore replaces committed exposure. Open reservations and throttle state
// are cleared.
func (m *Manager) Restore(exposures []Exposure) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windows = make(map[string][]Entry, len(exposures))
	m.reserved = make(map[string]decimal.Decimal)
	m.limiters = make(map[string]*rate.Limiter)
	for _, e := range exposures {
		if e.Institution == "" || len(e.Entries) == 0 {
			continue
		}
		m.windows[e.Institution] = append([]Entry(nil), e.Entries...)
	}
}

// Reservation holds pending exposure until it is committed or released.
// A reservation is used by a single call and is not safe for concurrent use.
type Reservation struct {
	m       *Manager
	amounts map[string]decimal.Decimal
	done    bool
}

// Add reserves amount for the institution, failing with
// errs.CodeRiskLimitExceeded when the single position or the window cap
// would be exceeded.
func (r *Reservation) Add(institution string, amount decimal.Decimal) error {
	if r == nil || r.done {
		return errs.New(op, errs.CodeInvalidState, errs.WithMessage("reservation closed"))
	}
	if amount.IsNegative() {
		amount = amount.Abs()
	}
	limits := r.m.limits(institution)
	if amount.GreaterThan(limits.MaxPositionSize) {
		return errs.New(op, errs.CodeRiskLimitExceeded,
			errs.WithMessage("position exceeds max position size"),
			errs.WithField("institution", institution),
			errs.WithField("amount", amount.String()),
			errs.WithField("limit", limits.MaxPositionSize.String()))
	}

	now := r.m.clock()
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	committed := r.m.committedLocked(institution, now, limits.Window)
	projected := committed.Add(r.m.reserved[institution]).Add(amount)
	if projected.GreaterThan(limits.MaxNotional) {
		return errs.New(op, errs.CodeRiskLimitExceeded,
			errs.WithMessage("notional exposure exceeds limit"),
			errs.WithField("institution", institution),
			errs.WithField("projected", projected.String()),
			errs.WithField("limit", limits.MaxNotional.String()))
	}
	r.m.reserved[institution] = r.m.reserved[institution].Add(amount)
	r.amounts[institution] = r.amounts[institution].Add(amount)
	return nil
}

// Pending returns the amounts held by this reservation.
func (r *Reservation) Pending() map[string]decimal.Decimal {
	if r == nil {
		return nil
	}
	out := make(map[string]decimal.Decimal, len(r.amounts))
	for id, v := range r.amounts {
		out[id] = v
	}
	return out
}

// Commit moves the reserved amounts into the committed window.
func (r *Reservation) Commit() {
	r.finish(true)
}

// Release drops the reserved amounts.
func (r *Reservation) Release() {
	r.finish(false)
}

func (r *Reservation) finish(commit bool) {
	if r == nil || r.done {
		return
	}
	r.done = true
	now := r.m.clock()
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for id, amount := range r.amounts {
		left := r.m.reserved[id].Sub(amount)
		if left.Sign() <= 0 {
			delete(r.m.reserved, id)
		} else {
			r.m.reserved[id] = left
		}
		if commit && amount.Sign() > 0 {
			r.m.windows[id] = append(r.m.windows[id], Entry{At: now, Amount: amount})
		}
	}
}
