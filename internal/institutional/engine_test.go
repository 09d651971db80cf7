package institutional

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/relay/errs"
	"github.com/coachpo/relay/internal/config"
	"github.com/coachpo/relay/internal/domain/bundle"
	"github.com/coachpo/relay/internal/opportunity"
)

func testConfig() config.InstitutionalConfig {
	cfg := config.Default().Institutional
	cfg.Enabled = true
	cfg.Institutions = []config.Institution{
		{ID: "mm-1", MarketMaker: true, KYC: true, AML: true, Jurisdiction: "US"},
		{ID: "fund-1", KYC: true, AML: true, Jurisdiction: "GB"},
		{ID: "no-kyc", AML: true, Jurisdiction: "US"},
		{ID: "no-aml", KYC: true, Jurisdiction: "US"},
		{ID: "offshore", KYC: true, AML: true, Jurisdiction: "KP"},
	}
	cfg.ComplianceRequirements = config.ComplianceRequirements{
		KYCRequired:             true,
		AMLScreening:            true,
		RestrictedJurisdictions: []string{"KP"},
	}
	return cfg
}

func newEngine(t *testing.T, cfg config.InstitutionalConfig, opts ...Option) *Engine {
	t.Helper()
	engine, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(engine.Close)
	return engine
}

func tx(institution string, fee uint64, notional int64) bundle.Transaction {
	return bundle.Transaction{
		Signatures:    [][]byte{{1}},
		Payload:       []byte{0xAA},
		PriorityFee:   fee,
		InstitutionID: institution,
		Notional:      decimal.NewFromInt(notional),
	}
}

func TestPriorityScore(t *testing.T) {
	engine := newEngine(t, testConfig())

	mm := tx("mm-1", 1000, 0)
	require.Equal(t, uint64(1050), engine.PriorityScore(&mm))

	fund := tx("fund-1", 1000, 0)
	require.Equal(t, uint64(1000), engine.PriorityScore(&fund))

	anon := tx("", 1000, 0)
	require.Equal(t, uint64(1000), engine.PriorityScore(&anon))
	require.Zero(t, engine.PriorityScore(nil))
}

func TestPriorityScoreBoostIsCapped(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBoost = 10
	engine := newEngine(t, cfg)

	mm := tx("mm-1", 1000, 0)
	require.Equal(t, uint64(1010), engine.PriorityScore(&mm))

	huge := tx("mm-1", ^uint64(0), 0)
	require.Equal(t, ^uint64(0), engine.PriorityScore(&huge))
}

func TestPrioritizeIsStable(t *testing.T) {
	engine := newEngine(t, testConfig())
	b := &bundle.Bundle{Transactions: []bundle.Transaction{
		tx("fund-1", 1000, 1),
		tx("", 1000, 2),
		tx("mm-1", 980, 3),
		tx("fund-1", 2000, 4),
	}}
	engine.Prioritize(b)

	var order []int64
	for _, item := range b.Transactions {
		order = append(order, item.Notional.IntPart())
	}
	// mm-1 scores 980+49=1029 and overtakes the two equal 1000 fees, which keep their order.
	require.Equal(t, []int64{4, 3, 1, 2}, order)
}

func TestComplianceCheck(t *testing.T) {
	engine := newEngine(t, testConfig())
	cases := []struct {
		name        string
		institution string
		code        errs.Code
	}{
		{name: "untagged", institution: ""},
		{name: "compliant", institution: "fund-1"},
		{name: "unregistered", institution: "ghost", code: errs.CodeComplianceViolation},
		{name: "kyc missing", institution: "no-kyc", code: errs.CodeComplianceViolation},
		{name: "aml missing", institution: "no-aml", code: errs.CodeComplianceViolation},
		{name: "restricted jurisdiction", institution: "offshore", code: errs.CodeJurisdictionViolation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			item := tx(tc.institution, 100, 1)
			err := engine.ComplianceCheck(3, &item)
			if tc.code == "" {
				require.NoError(t, err)
				return
			}
			require.Equal(t, tc.code, errs.CodeOf(err))
			var envelope *errs.E
			require.ErrorAs(t, err, &envelope)
			require.Equal(t, 3, envelope.TxIndex)
		})
	}
}

func TestComplianceRequirementsAreOptional(t *testing.T) {
	cfg := testConfig()
	cfg.ComplianceRequirements = config.ComplianceRequirements{}
	engine := newEngine(t, cfg)

	item := tx("no-kyc", 100, 1)
	require.NoError(t, engine.ComplianceCheck(0, &item))
}

func TestRuleScript(t *testing.T) {
	cfg := testConfig()
	cfg.ComplianceRequirements.RuleScript = `
exports.check = function (tx, institution) {
  if (Number(tx.notional) > 500) {
    return "notional above desk limit";
  }
  if (tx.symbols.length > 1 && !institution.market_maker) {
    return false;
  }
  return true;
};`
	engine := newEngine(t, cfg)

	ok := tx("fund-1", 100, 100)
	require.NoError(t, engine.ComplianceCheck(0, &ok))

	large := tx("fund-1", 100, 600)
	err := engine.ComplianceCheck(1, &large)
	require.Equal(t, errs.CodeComplianceViolation, errs.CodeOf(err))
	require.Contains(t, err.Error(), "notional above desk limit")

	multi := tx("fund-1", 100, 1)
	multi.Markers = []bundle.InjectionMarker{{Symbol: "SOL/USD"}, {Symbol: "ETH/USD"}}
	require.Equal(t, errs.CodeComplianceViolation, errs.CodeOf(engine.ComplianceCheck(2, &multi)))

	mm := tx("mm-1", 100, 1)
	mm.Markers = multi.Markers
	require.NoError(t, engine.ComplianceCheck(3, &mm))
}

func TestRuleScriptTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.ComplianceRequirements.RuleScript = `exports.check = function () { while (true) {} };`
	engine := newEngine(t, cfg, WithRuleTimeout(20*time.Millisecond))

	item := tx("fund-1", 100, 1)
	err := engine.ComplianceCheck(0, &item)
	require.Equal(t, errs.CodeComplianceViolation, errs.CodeOf(err))
	require.ErrorIs(t, err, errRuleTimeout)

	// The runtime keeps serving calls after an interrupt.
	require.ErrorIs(t, engine.ComplianceCheck(1, &item), errRuleTimeout)
}

func TestRuleScriptInterruptDoesNotLeak(t *testing.T) {
	cfg := testConfig()
	cfg.ComplianceRequirements.RuleScript = `
exports.check = function (tx) {
  if (tx.priority_fee === 1) { while (true) {} }
  return true;
};`
	engine := newEngine(t, cfg, WithRuleTimeout(20*time.Millisecond))

	slow := tx("fund-1", 1, 1)
	require.ErrorIs(t, engine.ComplianceCheck(0, &slow), errRuleTimeout)

	fast := tx("fund-1", 2, 1)
	require.NoError(t, engine.ComplianceCheck(1, &fast))
}

func TestRuleScriptRejectedAtConstruction(t *testing.T) {
	for name, script := range map[string]string{
		"syntax":        `exports.check = function (`,
		"missing check": `exports.other = function () { return true; };`,
	} {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig()
			cfg.ComplianceRequirements.RuleScript = script
			_, err := New(cfg)
			require.Equal(t, errs.CodeInvalidConfig, errs.CodeOf(err))
		})
	}
}

func TestApplyLenientDropsOffenders(t *testing.T) {
	engine := newEngine(t, testConfig())
	b := &bundle.Bundle{Transactions: []bundle.Transaction{
		tx("fund-1", 100, 10),
		tx("no-kyc", 500, 10),
		tx("mm-1", 200, 10),
		tx("offshore", 50, 10),
	}}

	decision, err := engine.Apply(b)
	require.NoError(t, err)
	defer decision.Release()

	require.Len(t, decision.Rejected, 2)
	require.Equal(t, 1, decision.Rejected[0].TxIndex)
	require.Equal(t, errs.CodeComplianceViolation, decision.Rejected[0].Code)
	require.Equal(t, 3, decision.Rejected[1].TxIndex)
	require.Equal(t, errs.CodeJurisdictionViolation, decision.Rejected[1].Code)

	require.Equal(t, 2, b.Len())
	require.Equal(t, "mm-1", b.Transactions[0].InstitutionID)
	require.Equal(t, "fund-1", b.Transactions[1].InstitutionID)
}

func TestApplyStrictFailsWholeBundle(t *testing.T) {
	cfg := testConfig()
	cfg.Strict = true
	engine := newEngine(t, cfg)
	b := &bundle.Bundle{Transactions: []bundle.Transaction{
		tx("fund-1", 100, 10),
		tx("no-aml", 500, 10),
	}}

	_, err := engine.Apply(b)
	require.Equal(t, errs.CodeComplianceViolation, errs.CodeOf(err))
	require.Equal(t, 2, b.Len())
	require.True(t, engine.Risk().Reserved("fund-1").IsZero(), "strict failure must release reservations")
}

func TestApplyExposureOverCap(t *testing.T) {
	cfg := testConfig()
	cfg.RiskLimits.MaxNotional = "1000"
	engine := newEngine(t, cfg)

	first := &bundle.Bundle{Transactions: []bundle.Transaction{tx("fund-1", 100, 800)}}
	decision, err := engine.Apply(first)
	require.NoError(t, err)
	decision.Commit()
	require.True(t, engine.Risk().Exposure("fund-1").Equal(decimal.NewFromInt(800)))

	second := &bundle.Bundle{Transactions: []bundle.Transaction{tx("fund-1", 100, 300)}}
	_, err = engine.Apply(second)
	require.Equal(t, errs.CodeRiskLimitExceeded, errs.CodeOf(err))
	require.Equal(t, errs.StatusRiskLimitExceeded, errs.StatusOf(err))
	require.True(t, engine.Risk().Exposure("fund-1").Equal(decimal.NewFromInt(800)))
	require.True(t, engine.Risk().Reserved("fund-1").IsZero())
}

func TestApplyReleasedDecisionDoesNotCommit(t *testing.T) {
	cfg := testConfig()
	cfg.RiskLimits.MaxNotional = "1000"
	engine := newEngine(t, cfg)

	b := &bundle.Bundle{Transactions: []bundle.Transaction{tx("fund-1", 100, 900)}}
	decision, err := engine.Apply(b)
	require.NoError(t, err)
	decision.Release()

	again := &bundle.Bundle{Transactions: []bundle.Transaction{tx("fund-1", 100, 900)}}
	decision, err = engine.Apply(again)
	require.NoError(t, err)
	decision.Release()
}

func TestApplyThrottle(t *testing.T) {
	cfg := testConfig()
	cfg.RiskLimits.MaxBundlesPerSecond = 1
	cfg.RiskLimits.Burst = 1
	now := time.Unix(1_700_000_000, 0)
	engine := newEngine(t, cfg, WithClock(func() time.Time { return now }))

	first := &bundle.Bundle{Transactions: []bundle.Transaction{tx("fund-1", 100, 1), tx("fund-1", 100, 1)}}
	decision, err := engine.Apply(first)
	require.NoError(t, err, "one bundle consumes one token regardless of size")
	decision.Commit()

	second := &bundle.Bundle{Transactions: []bundle.Transaction{tx("fund-1", 100, 1), tx("", 50, 0)}}
	decision, err = engine.Apply(second)
	require.NoError(t, err)
	defer decision.Release()
	require.Len(t, decision.Rejected, 1)
	require.Equal(t, errs.CodeThrottled, decision.Rejected[0].Code)
	require.Equal(t, 1, second.Len())
}

func TestApplyNilBundle(t *testing.T) {
	engine := newEngine(t, testConfig())
	_, err := engine.Apply(nil)
	require.Equal(t, errs.CodeNullInput, errs.CodeOf(err))
}

func quote(symbol, source string, price int64, at time.Time) bundle.PriceQuote {
	return bundle.PriceQuote{Symbol: symbol, Price: price, Conf: 1, Expo: -2, PublishedAt: at, Source: source}
}

func TestArbitrageScan(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)
	opp, ok := ArbitrageScan([]bundle.PriceQuote{
		quote("SOL/USD", "hermes", 15150, at),
		quote("SOL/USD", "pyth", 15000, at),
	}, 50, 30*time.Second, at)
	require.True(t, ok)
	require.Equal(t, "pyth", opp.BuySource)
	require.Equal(t, "hermes", opp.SellSource)
	require.True(t, opp.SpreadBps.Equal(decimal.NewFromInt(100)), "spread %s", opp.SpreadBps)
	require.True(t, opp.BuyPrice.Equal(decimal.RequireFromString("150")))

	_, ok = ArbitrageScan([]bundle.PriceQuote{
		quote("SOL/USD", "hermes", 15050, at),
		quote("SOL/USD", "pyth", 15000, at),
	}, 50, 30*time.Second, at)
	require.False(t, ok, "spread must be strictly above threshold")

	_, ok = ArbitrageScan([]bundle.PriceQuote{quote("SOL/USD", "pyth", 15000, at)}, 50, 30*time.Second, at)
	require.False(t, ok)

	_, ok = ArbitrageScan([]bundle.PriceQuote{
		quote("SOL/USD", "pyth", 0, at),
		quote("SOL/USD", "hermes", 15000, at),
	}, 50, 30*time.Second, at)
	require.False(t, ok)
}

func TestArbitrageScanIgnoresStaleQuotes(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	quotes := []bundle.PriceQuote{
		quote("SOL/USD", "hermes", 15000, now.Add(-6*time.Hour)),
		quote("SOL/USD", "pyth-rpc", 16000, now),
	}
	_, ok := ArbitrageScan(quotes, 50, 30*time.Second, now)
	require.False(t, ok, "a source that stopped publishing must not be compared")

	quotes = append(quotes, quote("SOL/USD", "jupiter", 15000, now.Add(-10*time.Second)))
	opp, ok := ArbitrageScan(quotes, 50, 30*time.Second, now)
	require.True(t, ok)
	require.Equal(t, "jupiter", opp.BuySource)
	require.Equal(t, "pyth-rpc", opp.SellSource)
}

func TestScanArbitrageSkipsStaleObservations(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	observer := &fakeObserver{quotes: map[string][]bundle.PriceQuote{
		"SOL/USD": {quote("SOL/USD", "hermes", 15000, now.Add(-time.Minute)), quote("SOL/USD", "pyth", 16000, now)},
	}}
	emitter := &recordingEmitter{}
	engine := newEngine(t, testConfig(), WithEmitter(emitter), WithClock(func() time.Time { return now }),
		WithQuoteMaxAge(2*time.Minute))
	require.Len(t, engine.ScanArbitrage(observer, []string{"SOL/USD"}), 1)

	strict := newEngine(t, testConfig(), WithEmitter(emitter), WithClock(func() time.Time { return now }),
		WithQuoteMaxAge(30*time.Second))
	require.Empty(t, strict.ScanArbitrage(observer, []string{"SOL/USD"}))
	require.Len(t, emitter.seen, 1)
}

type fakeObserver struct {
	mu     sync.Mutex
	quotes map[string][]bundle.PriceQuote
}

func (f *fakeObserver) Observations(symbol string) []bundle.PriceQuote {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bundle.PriceQuote(nil), f.quotes[symbol]...)
}

type recordingEmitter struct {
	mu   sync.Mutex
	seen []opportunity.Opportunity
}

func (r *recordingEmitter) Emit(opp opportunity.Opportunity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, opp)
	return true
}

func TestScanArbitrageEmitsOncePerQuotePair(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)
	observer := &fakeObserver{quotes: map[string][]bundle.PriceQuote{
		"SOL/USD": {quote("SOL/USD", "hermes", 15200, at), quote("SOL/USD", "pyth", 15000, at)},
		"ETH/USD": {quote("ETH/USD", "pyth", 300000, at)},
	}}
	emitter := &recordingEmitter{}
	engine := newEngine(t, testConfig(), WithEmitter(emitter), WithClock(func() time.Time { return at }))

	found := engine.ScanArbitrage(observer, []string{"SOL/USD", "ETH/USD"})
	require.Len(t, found, 1)
	require.Len(t, emitter.seen, 1)
	require.Equal(t, found[0].ID, emitter.seen[0].ID)

	require.Empty(t, engine.ScanArbitrage(observer, []string{"SOL/USD"}))

	observer.mu.Lock()
	observer.quotes["SOL/USD"][0] = quote("SOL/USD", "hermes", 15300, at.Add(time.Second))
	observer.mu.Unlock()
	require.Len(t, engine.ScanArbitrage(observer, []string{"SOL/USD"}), 1)
	require.Len(t, emitter.seen, 2)

	require.Nil(t, engine.ScanArbitrage(nil, []string{"SOL/USD"}))
}
