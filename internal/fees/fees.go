// Package fees computes the minimum fee a bundle must declare.
package fees

import (
	"fmt"
	"math/bits"

	"github.com/shopspring/decimal"

	"github.com/coachpo/relay/errs"
	"github.com/coachpo/relay/internal/config"
	"github.com/coachpo/relay/internal/domain/bundle"
)

const bpsDenominator = 10_000

// Schedule holds the fee parameters. All methods are pure.
type Schedule struct {
	MinFee               uint64
	FeePercentageBps     uint64
	PerTransactionFee    uint64
	InjectionFee         uint64
	ComplexityFee        uint64
	ComplexityThreshold  int
	LowConfidencePenalty decimal.Decimal

	// Institutional surcharge, charged only when institutional policy is on.
	Institutional          bool
	InstitutionalFee       uint64
	ArbitrageFee           uint64
	InstitutionalStepFee   uint64
	InstitutionalThreshold int
}

// NewSchedule derives a schedule from validated configuration.
func NewSchedule(cfg config.PluginConfig) Schedule {
	return Schedule{
		MinFee:               nonNegative(cfg.MinFee),
		FeePercentageBps:     nonNegative(cfg.FeePercentageBps),
		PerTransactionFee:    nonNegative(cfg.PerTransactionFee),
		InjectionFee:         nonNegative(cfg.Oracle.InjectionFee),
		ComplexityFee:        nonNegative(cfg.Oracle.ComplexityFee),
		ComplexityThreshold:  cfg.Oracle.ComplexityThreshold,
		LowConfidencePenalty: cfg.Oracle.Penalty(),

		Institutional:          cfg.Institutional.Enabled,
		InstitutionalFee:       nonNegative(cfg.Institutional.BaseFee),
		ArbitrageFee:           nonNegative(cfg.Institutional.ArbitrageFee),
		InstitutionalStepFee:   nonNegative(cfg.Institutional.ComplexityFee),
		InstitutionalThreshold: cfg.Institutional.ComplexityThreshold,
	}
}

// RequiredFee returns max(min_fee, size component) where the size component
// is Σpriority × bps / 10000 + Σcompute / 1000 + n × per_tx_fee.
func (s Schedule) RequiredFee(b *bundle.Bundle) uint64 {
	size := s.sizeComponent(b)
	if size < s.MinFee {
		return s.MinFee
	}
	return size
}

func (s Schedule) sizeComponent(b *bundle.Bundle) uint64 {
	if b == nil {
		return 0
	}
	percentage := mulDiv(b.TotalPriorityFee(), s.FeePercentageBps, bpsDenominator)
	compute := b.TotalComputeLimit() / 1000
	perTx := mulSat(uint64(b.Len()), s.PerTransactionFee)
	return addSat(addSat(percentage, compute), perTx)
}

// OracleFee is the surcharge for n injected prices: a flat fee per injection
// plus the complexity fee for every injection beyond the threshold.
func (s Schedule) OracleFee(n int) uint64 {
	if n <= 0 {
		return 0
	}
	fee := mulSat(uint64(n), s.InjectionFee)
	if extra := n - s.ComplexityThreshold; extra > 0 {
		fee = addSat(fee, mulSat(uint64(extra), s.ComplexityFee))
	}
	return fee
}

// OracleAdjusted adds the oracle surcharge for the injected quotes to base and
// applies the low-confidence penalty when any of them fails the strict tier.
// The result is rounded up.
func (s Schedule) OracleAdjusted(base uint64, injected []bundle.PriceQuote) uint64 {
	total := addSat(base, s.OracleFee(len(injected)))
	if !anyLowConfidence(injected) || s.LowConfidencePenalty.LessThanOrEqual(decimal.NewFromInt(1)) {
		return total
	}
	scaled := decimal.NewFromUint64(total).Mul(s.LowConfidencePenalty).Ceil()
	if scaled.GreaterThan(decimal.NewFromUint64(^uint64(0))) {
		return ^uint64(0)
	}
	return scaled.BigInt().Uint64()
}

func anyLowConfidence(quotes []bundle.PriceQuote) bool {
	for _, q := range quotes {
		if !q.Confident(bundle.VerificationStrict) {
			return true
		}
	}
	return false
}

// Estimate is RequiredFee followed by OracleAdjusted.
func (s Schedule) Estimate(b *bundle.Bundle, injected []bundle.PriceQuote) uint64 {
	return s.OracleAdjusted(s.RequiredFee(b), injected)
}

// InstitutionalSurcharge is the flat institutional fee plus the arbitrage fee
// for every detected opportunity plus the step fee for every transaction
// beyond the threshold. It is zero when institutional policy is off.
func (s Schedule) InstitutionalSurcharge(txCount, opportunities int) uint64 {
	if !s.Institutional {
		return 0
	}
	fee := s.InstitutionalFee
	if opportunities > 0 {
		fee = addSat(fee, mulSat(uint64(opportunities), s.ArbitrageFee))
	}
	if extra := txCount - s.InstitutionalThreshold; extra > 0 {
		fee = addSat(fee, mulSat(uint64(extra), s.InstitutionalStepFee))
	}
	return fee
}

// ValidateFee fails with CodeInsufficientFee when declared is below required.
func ValidateFee(declared, required uint64) error {
	if declared >= required {
		return nil
	}
	return errs.New("fees", errs.CodeInsufficientFee,
		errs.WithMessage(fmt.Sprintf("declared fee %d below required %d", declared, required)),
		errs.WithField("declared", fmt.Sprintf("%d", declared)),
		errs.WithField("required", fmt.Sprintf("%d", required)),
	)
}

// Value summarises what a bundle pays to the block producer. PluginFee is
// the fee required by the relay and is not part of Total.
type Value struct {
	PriorityFees uint64 `json:"priority_fees"`
	Tips         uint64 `json:"tips"`
	MEVEstimate  uint64 `json:"mev_estimate"`
	PluginFee    uint64 `json:"plugin_fee"`
	Total        uint64 `json:"total"`
}

// BundleValue reports priority fees, tips and a MEV heuristic of one tenth of
// the priority fees, together with the required plugin fee.
func BundleValue(b *bundle.Bundle, pluginFee uint64) Value {
	if b == nil {
		return Value{}
	}
	v := Value{
		PriorityFees: b.TotalPriorityFee(),
		Tips:         b.Metadata.Tip,
		PluginFee:    pluginFee,
	}
	v.MEVEstimate = v.PriorityFees / 10
	v.Total = addSat(addSat(v.PriorityFees, v.Tips), v.MEVEstimate)
	return v
}

func nonNegative(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}

// AddSaturating returns a+b, clamped at the largest uint64.
func AddSaturating(a, b uint64) uint64 { return addSat(a, b) }

func addSat(a, b uint64) uint64 {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return ^uint64(0)
	}
	return sum
}

func mulSat(a, b uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return ^uint64(0)
	}
	return lo
}

// mulDiv returns a*b/d using 128-bit intermediates, saturating on overflow.
func mulDiv(a, b, d uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	if hi >= d {
		return ^uint64(0)
	}
	q, _ := bits.Div64(hi, lo, d)
	return q
}
