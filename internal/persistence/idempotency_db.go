package persistence

import (
	"context"
	"database/sql"
	"time"
)

// PostgresIdempotencyChecker answers dedup queries against the chain
// log. It backs the second tier of the engine's idempotency check, for
// transaction ids that have aged out of the in-memory LRU.
type PostgresIdempotencyChecker struct {
	db *sql.DB
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{db: db}
}

// IsDuplicate reports whether the transaction id already exists in
// chain_log.transactions. The query is bounded so a slow database
// cannot stall the engine's hot path.
func (pic *PostgresIdempotencyChecker) IsDuplicate(txID string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	var exists int
	err := pic.db.QueryRowContext(ctx, `
		SELECT 1 FROM chain_log.transactions WHERE tx_id = $1 LIMIT 1
	`, txID).Scan(&exists)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
