package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/coachpo/relay/internal/opportunity"
)

// OpportunityStore persists arbitrage opportunities.
type OpportunityStore struct {
	pool *pgxpool.Pool
}

// NewOpportunityStore constructs an OpportunityStore backed by the provided pool.
func NewOpportunityStore(pool *pgxpool.Pool) *OpportunityStore {
	return &OpportunityStore{pool: pool}
}

const (
	defaultOpportunityLimit = 100
	maxOpportunityLimit     = 1000
)

const (
	opportunityInsertSQL = `
INSERT INTO arbitrage_opportunities (
    id,
    symbol,
    buy_source,
    sell_source,
    buy_price,
    sell_price,
    spread_bps,
    detected_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO NOTHING;
`

	opportunityListSQL = `
SELECT
    id,
    symbol,
    buy_source,
    sell_source,
    buy_price,
    sell_price,
    spread_bps,
    detected_at
FROM arbitrage_opportunities
WHERE ($1::text = '' OR symbol = $1::text)
ORDER BY detected_at DESC
LIMIT $2;
`
)

// Publish implements opportunity.Sink. Re-publishing an id is a no-op.
func (s *OpportunityStore) Publish(ctx context.Context, opp opportunity.Opportunity) error {
	if s.pool == nil {
		return fmt.Errorf("opportunity store: nil pool")
	}
	if opp.ID == uuid.Nil {
		return fmt.Errorf("opportunity store: id required")
	}
	symbol := strings.TrimSpace(opp.Symbol)
	if symbol == "" {
		return fmt.Errorf("opportunity store: symbol required")
	}
	buy, err := numericFromString(opp.BuyPrice.String())
	if err != nil {
		return fmt.Errorf("opportunity store: buy price: %w", err)
	}
	sell, err := numericFromString(opp.SellPrice.String())
	if err != nil {
		return fmt.Errorf("opportunity store: sell price: %w", err)
	}
	spread, err := numericFromString(opp.SpreadBps.String())
	if err != nil {
		return fmt.Errorf("opportunity store: spread: %w", err)
	}
	detected := opp.DetectedAt
	if detected.IsZero() {
		detected = time.Now().UTC()
	}
	if _, err := s.pool.Exec(ctx, opportunityInsertSQL,
		opp.ID, symbol, opp.BuySource, opp.SellSource, buy, sell, spread, detected,
	); err != nil {
		return fmt.Errorf("opportunity store: insert: %w", err)
	}
	return nil
}

// List returns the most recent opportunities, optionally filtered by symbol.
func (s *OpportunityStore) List(ctx context.Context, symbol string, limit int) ([]opportunity.Opportunity, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("opportunity store: nil pool")
	}
	if limit <= 0 {
		limit = defaultOpportunityLimit
	}
	if limit > maxOpportunityLimit {
		limit = maxOpportunityLimit
	}
	rows, err := s.pool.Query(ctx, opportunityListSQL, strings.TrimSpace(symbol), limit)
	if err != nil {
		return nil, fmt.Errorf("opportunity store: list: %w", err)
	}
	defer rows.Close()

	var out []opportunity.Opportunity
	for rows.Next() {
		var (
			opp               opportunity.Opportunity
			buy, sell, spread pgtype.Numeric
			detected          time.Time
		)
		if err := rows.Scan(&opp.ID, &opp.Symbol, &opp.BuySource, &opp.SellSource, &buy, &sell, &spread, &detected); err != nil {
			return nil, fmt.Errorf("opportunity store: scan: %w", err)
		}
		if opp.BuyPrice, err = decimalFromNumeric(buy); err != nil {
			return nil, fmt.Errorf("opportunity store: buy price: %w", err)
		}
		if opp.SellPrice, err = decimalFromNumeric(sell); err != nil {
			return nil, fmt.Errorf("opportunity store: sell price: %w", err)
		}
		if opp.SpreadBps, err = decimalFromNumeric(spread); err != nil {
			return nil, fmt.Errorf("opportunity store: spread: %w", err)
		}
		opp.DetectedAt = detected.UTC()
		out = append(out, opp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("opportunity store: rows: %w", err)
	}
	return out, nil
}

var _ opportunity.Sink = (*OpportunityStore)(nil)

func decimalFromNumeric(n pgtype.Numeric) (decimal.Decimal, error) {
	if !n.Valid {
		return decimal.Zero, nil
	}
	if n.Int == nil {
		return decimal.Zero, nil
	}
	return decimal.NewFromBigInt(n.Int, n.Exp), nil
}
