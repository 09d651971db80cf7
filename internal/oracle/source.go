package oracle

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coachpo/relay/errs"
	"github.com/coachpo/relay/internal/domain/bundle"
)

// Source fetches the current quote for a symbol. Implementations must honour
// ctx cancellation and report failures with oracle error codes.
type Source interface {
	Name() string
	Fetch(ctx context.Context, symbol string) (bundle.PriceQuote, error)
}

// StaticSource serves quotes from memory. It is used for dry runs and tests.
type StaticSource struct {
	mu     sync.RWMutex
	quotes map[string]bundle.PriceQuote
	fails  map[string]error
	delay  time.Duration
	calls  atomic.Int64
}

// NewStaticSource creates a source pre-loaded with quotes.
func NewStaticSource(quotes ...bundle.PriceQuote) *StaticSource {
	s := &StaticSource{
		quotes: make(map[string]bundle.PriceQuote, len(quotes)),
		fails:  make(map[string]error),
	}
	for _, q := range quotes {
		s.quotes[q.Symbol] = q
	}
	return s
}

// Name implements Source.
func (s *StaticSource) Name() string { return "static" }

// Set replaces the quote for its symbol and clears any injected failure.
func (s *StaticSource) Set(q bundle.PriceQuote) {
	s.mu.Lock()
	s.quotes[q.Symbol] = q
	delete(s.fails, q.Symbol)
	s.mu.Unlock()
}

// Fail makes subsequent fetches for symbol return err.
func (s *StaticSource) Fail(symbol string, err error) {
	s.mu.Lock()
	s.fails[symbol] = err
	s.mu.Unlock()
}

// SetDelay makes every fetch wait d before answering.
func (s *StaticSource) SetDelay(d time.Duration) {
	s.mu.Lock()
	s.delay = d
	s.mu.Unlock()
}

// Calls reports how many fetches were made.
func (s *StaticSource) Calls() int64 { return s.calls.Load() }

// Fetch implements Source.
func (s *StaticSource) Fetch(ctx context.Context, symbol string) (bundle.PriceQuote, error) {
	s.calls.Add(1)
	s.mu.RLock()
	delay := s.delay
	q, ok := s.quotes[symbol]
	failure := s.fails[symbol]
	s.mu.RUnlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return bundle.PriceQuote{}, errs.New("oracle/static", errs.CodeOracleNetworkFailure,
				errs.WithSymbol(symbol), errs.WithCause(ctx.Err()))
		case <-timer.C:
		}
	}
	if failure != nil {
		return bundle.PriceQuote{}, failure
	}
	if !ok {
		return bundle.PriceQuote{}, errs.New("oracle/static", errs.CodeOracleInvalidAccount,
			errs.WithSymbol(symbol), errs.WithMessage("no quote configured"))
	}
	if q.Source == "" {
		q.Source = s.Name()
	}
	return q, nil
}

// classifyFetchError keeps oracle codes from the source and maps anything
// else to a network failure.
func classifyFetchError(symbol string, err error) error {
	switch errs.CodeOf(err) {
	case errs.CodeOracleNetworkFailure, errs.CodeOracleParseFailure, errs.CodeOracleInvalidAccount,
		errs.CodeOracleStalePrice, errs.CodeOracleLowConfidence:
		return err
	}
	return errs.New("oracle/refresh", errs.CodeOracleNetworkFailure,
		errs.WithSymbol(symbol), errs.WithMessage(fmt.Sprintf("fetch failed: %v", err)), errs.WithCause(err))
}
