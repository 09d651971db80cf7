// Package institutional applies institution-aware policy to bundles:
// compliance gating, exposure limits, market-maker prioritisation and
// cross-source arbitrage detection.
package institutional

import (
	"cmp"
	"fmt"
	"io"
	"log"
	"math/bits"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/relay/errs"
	"github.com/coachpo/relay/internal/config"
	"github.com/coachpo/relay/internal/domain/bundle"
	"github.com/coachpo/relay/internal/opportunity"
	"github.com/coachpo/relay/internal/risk"
)

const op = "institutional"

// Emitter receives detected arbitrage opportunities. Emit must not block.
type Emitter interface {
	Emit(opportunity.Opportunity) bool
}

// Observer exposes the latest quote per source for a symbol.
type Observer interface {
	Observations(symbol string) []bundle.PriceQuote
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used for policy decisions.
func WithLogger(logger *log.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock overrides the time source shared with the risk manager.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithMeter sets the meter used for policy instruments.
func WithMeter(meter metric.Meter) Option {
	return func(e *Engine) {
		if meter != nil {
			e.meter = meter
		}
	}
}

// WithEmitter routes arbitrage opportunities to emitter.
func WithEmitter(emitter Emitter) Option {
	return func(e *Engine) {
		e.emitter = emitter
	}
}

// WithRuleTimeout bounds a single compliance script evaluation.
func WithRuleTimeout(timeout time.Duration) Option {
	return func(e *Engine) {
		if timeout > 0 {
			e.ruleTimeout = timeout
		}
	}
}

// WithQuoteMaxAge sets how old an observed quote may be and still take part
// in arbitrage detection.
func WithQuoteMaxAge(maxAge time.Duration) Option {
	return func(e *Engine) {
		if maxAge > 0 {
			e.quoteMaxAge = maxAge
		}
	}
}

// Engine evaluates institutional policy. It is safe for concurrent use.
type Engine struct {
	cfg          config.InstitutionalConfig
	institutions map[string]config.Institution
	restricted   map[string]struct{}
	risk         *risk.Manager
	rule         *rule
	ruleTimeout  time.Duration
	quoteMaxAge  time.Duration
	emitter      Emitter

	clock  func() time.Time
	logger *log.Logger
	meter  metric.Meter
	inst   instruments

	scanMu   sync.Mutex
	lastSeen map[string]string
}

// New builds an engine from validated configuration. A rule script that
// fails to compile is reported as errs.CodeInvalidConfig.
func New(cfg config.InstitutionalConfig, opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:          cfg,
		institutions: make(map[string]config.Institution, len(cfg.Institutions)),
		restricted:   make(map[string]struct{}, len(cfg.ComplianceRequirements.RestrictedJurisdictions)),
		ruleTimeout:  defaultRuleTimeout,
		quoteMaxAge:  time.Duration(config.DefaultMaxPriceAge) * time.Second,
		clock:        time.Now,
		logger:       log.New(io.Discard, "", 0),
		meter:        otel.Meter("relay.institutional"),
		lastSeen:     make(map[string]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	for _, inst := range cfg.Institutions {
		e.institutions[inst.ID] = inst
	}
	for _, j := range cfg.ComplianceRequirements.RestrictedJurisdictions {
		if j != "" {
			e.restricted[j] = struct{}{}
		}
	}
	e.risk = risk.NewManager(cfg.RiskLimits.For, risk.WithClock(e.clock))
	e.inst = newInstruments(e.meter)

	if script := cfg.ComplianceRequirements.RuleScript; script != "" {
		r, err := compileRule(script, e.ruleTimeout)
		if err != nil {
			return nil, errs.New(op, errs.CodeInvalidConfig,
				errs.WithMessage("rule_script rejected"),
				errs.WithCause(err))
		}
		e.rule = r
	}
	return e, nil
}

// Strict reports whether a single policy failure fails the whole bundle.
func (e *Engine) Strict() bool { return e.cfg.Strict }

// Risk exposes the exposure manager for snapshots.
func (e *Engine) Risk() *risk.Manager { return e.risk }

// Close stops the compliance script runtime.
func (e *Engine) Close() {
	if e.rule != nil {
		e.rule.Close()
	}
}

// PriorityScore is the priority fee plus, for registered market makers, a
// boost of boost_bps of the fee capped at max_boost.
func (e *Engine) PriorityScore(tx *bundle.Transaction) uint64 {
	if tx == nil {
		return 0
	}
	inst, ok := e.institutions[tx.InstitutionID]
	if !ok || !inst.MarketMaker || e.cfg.MarketMakerBoostBps <= 0 {
		return tx.PriorityFee
	}
	maxBoost := uint64(max(e.cfg.MaxBoost, 0))
	boost := maxBoost
	hi, lo := bits.Mul64(tx.PriorityFee, uint64(e.cfg.MarketMakerBoostBps))
	if hi < 10_000 {
		q, _ := bits.Div64(hi, lo, 10_000)
		boost = min(q, maxBoost)
	}
	sum, carry := bits.Add64(tx.PriorityFee, boost, 0)
	if carry != 0 {
		return ^uint64(0)
	}
	return sum
}

// Prioritize stable-sorts transactions by descending priority score.
func (e *Engine) Prioritize(b *bundle.Bundle) {
	if b == nil {
		return
	}
	slices.SortStableFunc(b.Transactions, func(a, c bundle.Transaction) int {
		return cmp.Compare(e.PriorityScore(&c), e.PriorityScore(&a))
	})
}

// ComplianceCheck verifies the institution tagged on tx. Untagged
// transactions always pass.
func (e *Engine) ComplianceCheck(idx int, tx *bundle.Transaction) error {
	if tx == nil {
		return errs.New(op, errs.CodeNullInput, errs.WithTxIndex(idx))
	}
	id := tx.InstitutionID
	if id == "" {
		return nil
	}
	inst, ok := e.institutions[id]
	if !ok {
		return violation(idx, id, errs.CodeComplianceViolation, "institution not registered", nil)
	}
	req := e.cfg.ComplianceRequirements
	if req.KYCRequired && !inst.KYC {
		return violation(idx, id, errs.CodeComplianceViolation, "kyc verification missing", nil)
	}
	if req.AMLScreening && !inst.AML {
		return violation(idx, id, errs.CodeComplianceViolation, "aml screening missing", nil)
	}
	if _, blocked := e.restricted[inst.Jurisdiction]; blocked && inst.Jurisdiction != "" {
		return violation(idx, id, errs.CodeJurisdictionViolation, "restricted jurisdiction "+inst.Jurisdiction, nil)
	}
	if e.rule != nil {
		reason, err := e.rule.Evaluate(ruleInput(idx, tx), RuleInstitution{
			ID:           inst.ID,
			MarketMaker:  inst.MarketMaker,
			KYC:          inst.KYC,
			AML:          inst.AML,
			Jurisdiction: inst.Jurisdiction,
		})
		if err != nil {
			return violation(idx, id, errs.CodeComplianceViolation, "rule script failed", err)
		}
		if reason != "" {
			return violation(idx, id, errs.CodeComplianceViolation, reason, nil)
		}
	}
	return nil
}

func ruleInput(idx int, tx *bundle.Transaction) RuleInput {
	symbols := make([]string, 0, len(tx.Markers))
	for _, m := range tx.Markers {
		symbols = append(symbols, m.Symbol)
	}
	return RuleInput{
		Index:         idx,
		InstitutionID: tx.InstitutionID,
		PriorityFee:   tx.PriorityFee,
		ComputeLimit:  tx.ComputeLimit,
		Notional:      tx.Notional.String(),
		Symbols:       symbols,
	}
}

func violation(idx int, institution string, code errs.Code, reason string, cause error) error {
	opts := []errs.Option{
		errs.WithMessage(reason),
		errs.WithTxIndex(idx),
		errs.WithField("institution", institution),
	}
	if cause != nil {
		opts = append(opts, errs.WithCause(cause))
	}
	return errs.New(op, code, opts...)
}

// Rejection records a transaction removed by policy.
type Rejection struct {
	TxIndex       int
	InstitutionID string
	Code          errs.Code
	Err           error
}

// Decision is the outcome of Apply. The reservation must be committed once
// the whole call succeeds, or released otherwise.
type Decision struct {
	Rejected    []Rejection
	reservation *risk.Reservation
}

// Commit records the reserved exposure.
func (d *Decision) Commit() {
	if d != nil {
		d.reservation.Commit()
	}
}

// Release drops the reserved exposure.
func (d *Decision) Release() {
	if d != nil {
		d.reservation.Release()
	}
}

// Apply runs compliance, throttle and exposure checks, removes rejected
// transactions and orders the rest by priority score. Rejection indexes
// refer to positions before removal. In strict mode the first failure is
// returned and nothing is removed. When every transaction is rejected the
// first rejection is returned as the error.
func (e *Engine) Apply(b *bundle.Bundle) (*Decision, error) {
	if b == nil {
		return nil, errs.New(op, errs.CodeNullInput, errs.WithMessage("bundle required"))
	}
	decision := &Decision{reservation: e.risk.Begin()}
	rejected := make(map[int]struct{})

	reject := func(idx int, institution string, err error) error {
		code := errs.CodeOf(err)
		e.inst.rejected(institution, string(code))
		if e.cfg.Strict {
			return err
		}
		e.logger.Printf("institutional policy dropped transaction: tx=%d institution=%s code=%s", idx, institution, code)
		rejected[idx] = struct{}{}
		decision.Rejected = append(decision.Rejected, Rejection{
			TxIndex:       idx,
			InstitutionID: institution,
			Code:          code,
			Err:           err,
		})
		return nil
	}

	fail := func(err error) (*Decision, error) {
		decision.Release()
		return nil, err
	}

	for i := range b.Transactions {
		tx := &b.Transactions[i]
		if err := e.ComplianceCheck(i, tx); err != nil {
			if ferr := reject(i, tx.InstitutionID, err); ferr != nil {
				return fail(ferr)
			}
		}
	}

	throttled := make(map[string]error)
	for i := range b.Transactions {
		id := b.Transactions[i].InstitutionID
		if id == "" {
			continue
		}
		if _, gone := rejected[i]; gone {
			continue
		}
		terr, seen := throttled[id]
		if !seen {
			terr = e.risk.Allow(id)
			throttled[id] = terr
		}
		if terr != nil {
			if ferr := reject(i, id, withTx(i, terr)); ferr != nil {
				return fail(ferr)
			}
		}
	}

	for i := range b.Transactions {
		tx := &b.Transactions[i]
		if tx.InstitutionID == "" {
			continue
		}
		if _, gone := rejected[i]; gone {
			continue
		}
		if err := decision.reservation.Add(tx.InstitutionID, tx.Notional); err != nil {
			if ferr := reject(i, tx.InstitutionID, withTx(i, err)); ferr != nil {
				return fail(ferr)
			}
		}
	}

	if len(rejected) > 0 && len(rejected) == b.Len() {
		first := decision.Rejected[0].Err
		return fail(fmt.Errorf("all transactions rejected: %w", first))
	}
	if len(rejected) > 0 {
		indexes := make([]int, 0, len(rejected))
		for idx := range rejected {
			indexes = append(indexes, idx)
		}
		b.Remove(indexes...)
	}
	e.Prioritize(b)
	return decision, nil
}

func withTx(idx int, err error) error {
	return errs.New(op, errs.CodeOf(err), errs.WithTxIndex(idx), errs.WithCause(err))
}
