package institutional

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/relay/internal/domain/bundle"
	"github.com/coachpo/relay/internal/opportunity"
)

var bpsScale = decimal.NewFromInt(10_000)

// ArbitrageScan compares same-symbol quotes from different sources and
// returns an opportunity when the spread between the cheapest and the most
// expensive source is strictly above thresholdBps. Quotes with a
// non-positive price, and quotes older than maxAge when maxAge is positive,
// are ignored.
func ArbitrageScan(quotes []bundle.PriceQuote, thresholdBps int64, maxAge time.Duration, now time.Time) (opportunity.Opportunity, bool) {
	var (
		buy, sell   bundle.PriceQuote
		low, high   decimal.Decimal
		initialised bool
	)
	for _, q := range quotes {
		if maxAge > 0 && !q.Fresh(now, maxAge) {
			continue
		}
		value := q.Value()
		if !value.IsPositive() {
			continue
		}
		if !initialised {
			buy, sell, low, high = q, q, value, value
			initialised = true
			continue
		}
		if q.Symbol != buy.Symbol {
			continue
		}
		if value.LessThan(low) {
			buy, low = q, value
		}
		if value.GreaterThan(high) {
			sell, high = q, value
		}
	}
	if !initialised || buy.Source == sell.Source {
		return opportunity.Opportunity{}, false
	}
	spread := high.Sub(low).Div(low).Mul(bpsScale).Round(4)
	if !spread.GreaterThan(decimal.NewFromInt(thresholdBps)) {
		return opportunity.Opportunity{}, false
	}
	return opportunity.Opportunity{
		ID:         uuid.New(),
		Symbol:     buy.Symbol,
		BuySource:  buy.Source,
		SellSource: sell.Source,
		BuyPrice:   low,
		SellPrice:  high,
		SpreadBps:  spread,
		DetectedAt: now.UTC(),
	}, true
}

// ScanArbitrage checks every symbol against the observer and emits new
// opportunities. The same pair of quotes is reported once. Scanning never
// fails; a full emitter simply drops the record.
func (e *Engine) ScanArbitrage(observer Observer, symbols []string) []opportunity.Opportunity {
	if observer == nil || len(symbols) == 0 {
		return nil
	}
	now := e.clock()
	var found []opportunity.Opportunity
	for _, symbol := range symbols {
		quotes := observer.Observations(symbol)
		if len(quotes) < 2 {
			continue
		}
		opp, ok := ArbitrageScan(quotes, e.cfg.ArbitrageThresholdBps, e.quoteMaxAge, now)
		if !ok {
			continue
		}
		if !e.firstSighting(symbol, quotes, opp) {
			continue
		}
		found = append(found, opp)
		e.inst.opportunity(symbol)
		if e.emitter != nil && !e.emitter.Emit(opp) {
			e.logger.Printf("arbitrage opportunity dropped: symbol=%s id=%s", symbol, opp.ID)
		}
	}
	return found
}

func (e *Engine) firstSighting(symbol string, quotes []bundle.PriceQuote, opp opportunity.Opportunity) bool {
	var buyAt, sellAt int64
	for _, q := range quotes {
		switch q.Source {
		case opp.BuySource:
			buyAt = q.PublishedAt.UnixNano()
		case opp.SellSource:
			sellAt = q.PublishedAt.UnixNano()
		}
	}
	key := fmt.Sprintf("%s|%s|%d|%d", opp.BuySource, opp.SellSource, buyAt, sellAt)
	e.scanMu.Lock()
	defer e.scanMu.Unlock()
	if e.lastSeen[symbol] == key {
		return false
	}
	e.lastSeen[symbol] = key
	return true
}
