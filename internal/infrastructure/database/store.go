package database

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/davidleathers/dnc-compliance-engine/internal/domain/dnc"
)

// NewStore wires the PostgreSQL repositories onto one pool
func NewStore(pool *pgxpool.Pool) *dnc.Store {
	return &dnc.Store{
		Suppressions: NewSuppressionRepository(pool),
		OptOuts:      NewOptOutRepository(pool),
		Batches:      NewUploadBatchRepository(pool),
	}
}
