package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/relay/internal/infra/persistence"
)

// Store exposes PostgreSQL-backed repositories.
type Store struct {
	*persistence.Store
	opportunities *OpportunityStore
}

// New constructs a PostgreSQL persistence store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		Store:         persistence.NewStore(pool),
		opportunities: NewOpportunityStore(pool),
	}
}

// Opportunities returns the arbitrage opportunity repository.
func (s *Store) Opportunities() *OpportunityStore {
	if s == nil {
		return nil
	}
	return s.opportunities
}
