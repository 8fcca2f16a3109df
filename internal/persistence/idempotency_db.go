package persistence

import (
	"context"
	"database/sql"
	"time"

	"MetaLayer/internal/chain"
)

// PostgresTxidChecker is the durable tier behind the in-memory txid cache.
// It answers from the outcomes table, which holds every transaction the
// engine has ever processed.
type PostgresTxidChecker struct {
	db *sql.DB
}

func NewPostgresTxidChecker(db *sql.DB) *PostgresTxidChecker {
	return &PostgresTxidChecker{db: db}
}

// Seen reports whether txid already has a recorded outcome.
func (c *PostgresTxidChecker) Seen(txid chain.Hash256) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	query := `
        SELECT 1
        FROM metalayer.outcomes
        WHERE txid = $1
        LIMIT 1
    `

	var exists int
	err := c.db.QueryRowContext(ctx, query, txid.String()).Scan(&exists)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecentTxids returns the txids of the newest limit outcomes, used to warm
// the in-memory cache on startup.
func (c *PostgresTxidChecker) RecentTxids(ctx context.Context, limit int) ([]chain.Hash256, error) {
	rows, err := c.db.QueryContext(ctx, `
        SELECT txid
        FROM metalayer.outcomes
        ORDER BY height DESC, idx DESC
        LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txids []chain.Hash256
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		txid, err := chain.HashFromString(s)
		if err != nil {
			return nil, err
		}
		txids = append(txids, txid)
	}
	return txids, rows.Err()
}
