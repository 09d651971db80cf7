// Package opportunity carries arbitrage opportunities detected during bundle
// processing to side-channel sinks without blocking the caller.
package opportunity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Opportunity is a cross-source price divergence for one symbol.
type Opportunity struct {
	ID         uuid.UUID       `json:"id"`
	Symbol     string          `json:"symbol"`
	BuySource  string          `json:"buy_source"`
	SellSource string          `json:"sell_source"`
	BuyPrice   decimal.Decimal `json:"buy_price"`
	SellPrice  decimal.Decimal `json:"sell_price"`
	SpreadBps  decimal.Decimal `json:"spread_bps"`
	DetectedAt time.Time       `json:"detected_at"`
}

// String renders a compact log form.
func (o Opportunity) String() string {
	return fmt.Sprintf("%s %s buy=%s@%s sell=%s@%s spread=%sbps",
		o.ID, o.Symbol, o.BuyPrice, o.BuySource, o.SellPrice, o.SellSource, o.SpreadBps.StringFixed(2))
}

// Sink persists or forwards opportunities.
type Sink interface {
	Publish(ctx context.Context, opp Opportunity) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, opp Opportunity) error

// Publish implements Sink.
func (f SinkFunc) Publish(ctx context.Context, opp Opportunity) error { return f(ctx, opp) }

// MemorySink keeps the most recent opportunities in memory.
type MemorySink struct {
	mu    sync.RWMutex
	limit int
	items []Opportunity
}

// NewMemorySink retains at most limit opportunities; limit <= 0 keeps all.
func NewMemorySink(limit int) *MemorySink {
	return &MemorySink{limit: limit}
}

// Publish implements Sink.
func (m *MemorySink) Publish(_ context.Context, opp Opportunity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, opp)
	if m.limit > 0 && len(m.items) > m.limit {
		m.items = append(m.items[:0:0], m.items[len(m.items)-m.limit:]...)
	}
	return nil
}

// List returns a copy of the retained opportunities, oldest first.
func (m *MemorySink) List() []Opportunity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Opportunity, len(m.items))
	copy(out, m.items)
	return out
}

// Len reports how many opportunities are retained.
func (m *MemorySink) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}
