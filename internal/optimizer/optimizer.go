// Package optimizer reorders bundles by priority fee and writes oracle prices
// into the injection markers that request them.
package optimizer

import (
	"cmp"
	"fmt"
	"io"
	"log"
	"slices"
	"sort"

	"github.com/coachpo/relay/errs"
	"github.com/coachpo/relay/internal/domain/bundle"
	"github.com/coachpo/relay/internal/oracle"
)

// Skipped describes a marker left untouched in lenient mode.
type Skipped struct {
	TxIndex int       `json:"tx_index"`
	Symbol  string    `json:"symbol"`
	Code    errs.Code `json:"code"`
}

// SharedFeed is a symbol referenced by more than one transaction.
type SharedFeed struct {
	Symbol       string `json:"symbol"`
	Transactions int    `json:"transactions"`
}

// Report summarises one optimisation pass. Indexes refer to the reordered
// bundle.
type Report struct {
	Injected    []bundle.PriceQuote `json:"injected"`
	Skipped     []Skipped           `json:"skipped,omitempty"`
	Dependent   []int               `json:"dependent"`
	Independent []int               `json:"independent"`
	SharedFeeds []SharedFeed        `json:"shared_feeds,omitempty"`
}

// Option configures an Optimizer.
type Option func(*Optimizer)

// WithLogger sets the logger used for skipped markers.
func WithLogger(logger *log.Logger) Option {
	return func(o *Optimizer) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Optimizer is stateless apart from its policy and safe for concurrent use.
type Optimizer struct {
	strict bool
	logger *log.Logger
}

// New creates an optimizer. In strict mode a marker without a usable quote
// fails the bundle with OracleMissing; otherwise the marker is skipped.
func New(strict bool, opts ...Option) *Optimizer {
	o := &Optimizer{strict: strict, logger: log.New(io.Discard, "", 0)}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Strict reports the missing-price policy.
func (o *Optimizer) Strict() bool { return o.strict }

// Optimize reorders b and injects prices. It is idempotent for an unchanged
// price set and never touches transaction payloads.
func (o *Optimizer) Optimize(b *bundle.Bundle, prices map[string]oracle.Lookup) (Report, error) {
	if b == nil {
		return Report{}, errs.New("optimizer", errs.CodeNullInput, errs.WithMessage("bundle required"))
	}
	Reorder(b)
	return o.Inject(b, prices)
}

// Reorder stable-sorts transactions by descending priority fee.
func Reorder(b *bundle.Bundle) {
	if b == nil {
		return
	}
	slices.SortStableFunc(b.Transactions, func(a, c bundle.Transaction) int {
		return cmp.Compare(c.PriorityFee, a.PriorityFee)
	})
}

// Inject writes a price slot into every marker whose symbol has a usable
// quote. In strict mode every marker is checked before anything is written.
func (o *Optimizer) Inject(b *bundle.Bundle, prices map[string]oracle.Lookup) (Report, error) {
	if b == nil {
		return Report{}, errs.New("optimizer", errs.CodeNullInput, errs.WithMessage("bundle required"))
	}
	if o.strict {
		if err := o.requireAll(b, prices); err != nil {
			return Report{}, err
		}
	}

	report := Report{}
	for i := range b.Transactions {
		tx := &b.Transactions[i]
		for j := range tx.Markers {
			marker := &tx.Markers[j]
			res, ok := prices[marker.Symbol]
			if !ok || !res.Usable() {
				code := errs.CodeOracleMissing
				if ok && res.Err != nil {
					code = errs.CodeOf(res.Err)
				}
				report.Skipped = append(report.Skipped, Skipped{TxIndex: i, Symbol: marker.Symbol, Code: code})
				o.logger.Printf("optimizer marker skipped: tx=%d symbol=%s code=%s", i, marker.Symbol, code)
				continue
			}
			marker.Slot = bundle.EncodePriceSlot(res.Quote)
			report.Injected = append(report.Injected, res.Quote)
		}
	}
	report.Dependent, report.Independent, report.SharedFeeds = Analyze(b)
	return report, nil
}

func (o *Optimizer) requireAll(b *bundle.Bundle, prices map[string]oracle.Lookup) error {
	for i := range b.Transactions {
		for _, marker := range b.Transactions[i].Markers {
			res, ok := prices[marker.Symbol]
			if ok && res.Usable() {
				continue
			}
			opts := []errs.Option{
				errs.WithTxIndex(i),
				errs.WithSymbol(marker.Symbol),
				errs.WithMessage("no usable price for marker"),
				errs.WithRemediation("disable oracle.strict or retry once the feed recovers"),
			}
			if ok && res.Err != nil {
				opts = append(opts, errs.WithCause(res.Err), errs.WithField("reason", string(errs.CodeOf(res.Err))))
			}
			return errs.New("optimizer", errs.CodeOracleMissing, opts...)
		}
	}
	return nil
}

// Analyze splits transactions into oracle-dependent and independent sets and
// lists symbols shared between transactions.
func Analyze(b *bundle.Bundle) (dependent, independent []int, shared []SharedFeed) {
	if b == nil {
		return nil, nil, nil
	}
	users := make(map[string]int)
	for i := range b.Transactions {
		markers := b.Transactions[i].Markers
		if len(markers) == 0 {
			independent = append(independent, i)
			continue
		}
		dependent = append(dependent, i)
		seen := make(map[string]struct{}, len(markers))
		for _, m := range markers {
			if _, dup := seen[m.Symbol]; dup || m.Symbol == "" {
				continue
			}
			seen[m.Symbol] = struct{}{}
			users[m.Symbol]++
		}
	}
	for symbol, n := range users {
		if n > 1 {
			shared = append(shared, SharedFeed{Symbol: symbol, Transactions: n})
		}
	}
	sort.Slice(shared, func(i, j int) bool { return shared[i].Symbol < shared[j].Symbol })
	return dependent, independent, shared
}

// String renders a one-line summary for logs.
func (r Report) String() string {
	return fmt.Sprintf("injected=%d skipped=%d dependent=%d independent=%d shared=%d",
		len(r.Injected), len(r.Skipped), len(r.Dependent), len(r.Independent), len(r.SharedFeeds))
}
