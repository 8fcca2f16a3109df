package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"MetaLayer/internal/core"
)

// BlockWriter commits one replayed block to Postgres atomically: the block
// header with its state hash, every transaction outcome, and the balance
// mutations folded into the mirror. A block is either fully durable or not
// present at all.
type BlockWriter struct {
	db *sql.DB
}

func NewBlockWriter(db *sql.DB) *BlockWriter {
	return &BlockWriter{db: db}
}

// WriteBlock persists one block result in a single transaction. Re-writing
// an already-persisted height is a no-op, which makes replay after a crash
// idempotent.
func (w *BlockWriter) WriteBlock(ctx context.Context, r core.BlockResult) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin block tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO metalayer.blocks (height, block_hash, state_hash, prev_hash)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (height) DO NOTHING`,
		r.Height, r.Hash.String(), r.StateHash[:], r.PrevHash[:],
	)
	if err != nil {
		return fmt.Errorf("insert block %d: %w", r.Height, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already durable from a previous run.
		return tx.Commit()
	}

	if err := w.writeOutcomes(ctx, tx, r); err != nil {
		return err
	}
	if err := w.writeMutations(ctx, tx, r); err != nil {
		return err
	}
	return tx.Commit()
}

func (w *BlockWriter) writeOutcomes(ctx context.Context, tx *sql.Tx, r core.BlockResult) error {
	if len(r.Outcomes) == 0 {
		return nil
	}

	query := `INSERT INTO metalayer.outcomes
		(txid, height, idx, tx_type, code, reason)
		VALUES `

	values := make([]string, 0, len(r.Outcomes))
	args := make([]interface{}, 0, len(r.Outcomes)*6)

	for i, o := range r.Outcomes {
		base := i * 6
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6,
		))
		args = append(args, o.Txid.String(), o.BlockHeight, o.Idx, o.Type, int(o.Code), o.Reason)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (txid) DO NOTHING"

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert outcomes for block %d: %w", r.Height, err)
	}
	return nil
}

// writeMutations records the block's pocket deltas and folds them into the
// balance mirror.
func (w *BlockWriter) writeMutations(ctx context.Context, tx *sql.Tx, r core.BlockResult) error {
	if len(r.Mutations) == 0 {
		return nil
	}

	query := `INSERT INTO metalayer.mutations
		(height, seq, address, property, pocket, delta)
		VALUES `

	values := make([]string, 0, len(r.Mutations))
	args := make([]interface{}, 0, len(r.Mutations)*6)

	for i, m := range r.Mutations {
		base := i * 6
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6,
		))
		args = append(args, r.Height, i, m.Key.Address, m.Key.Property, int(m.Key.Pocket), m.Delta)
	}

	query += strings.Join(values, ", ")

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert mutations for block %d: %w", r.Height, err)
	}

	for _, m := range r.Mutations {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO metalayer.balances (address, property, pocket, balance)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (address, property, pocket)
			DO UPDATE SET balance = metalayer.balances.balance + EXCLUDED.balance`,
			m.Key.Address, m.Key.Property, int(m.Key.Pocket), m.Delta,
		); err != nil {
			return fmt.Errorf("mirror balance for %s: %w", m.Key.Address, err)
		}
	}
	return nil
}

// RollbackBlock reverses one persisted block: the mirror gets every
// mutation negated, then the block's rows are deleted. Callers unwind
// tip-first, mirroring the in-memory rollback order.
func (w *BlockWriter) RollbackBlock(ctx context.Context, height int) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rollback tx: %w", err)
	}
	defer tx.Rollback()

	type mut struct {
		address  string
		property uint32
		pocket   int
		delta    int64
	}
	rows, err := tx.QueryContext(ctx, `
		SELECT address, property, pocket, delta
		FROM metalayer.mutations WHERE height = $1 ORDER BY seq`, height)
	if err != nil {
		return fmt.Errorf("load mutations for block %d: %w", height, err)
	}
	var muts []mut
	for rows.Next() {
		var m mut
		if err := rows.Scan(&m.address, &m.property, &m.pocket, &m.delta); err != nil {
			rows.Close()
			return err
		}
		muts = append(muts, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, m := range muts {
		if _, err := tx.ExecContext(ctx, `
			UPDATE metalayer.balances SET balance = balance - $4
			WHERE address = $1 AND property = $2 AND pocket = $3`,
			m.address, m.property, m.pocket, m.delta,
		); err != nil {
			return fmt.Errorf("unwind balance for %s: %w", m.address, err)
		}
	}

	for _, stmt := range []string{
		`DELETE FROM metalayer.mutations WHERE height = $1`,
		`DELETE FROM metalayer.outcomes WHERE height = $1`,
		`DELETE FROM metalayer.blocks WHERE height = $1`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, height); err != nil {
			return fmt.Errorf("delete block %d rows: %w", height, err)
		}
	}
	return tx.Commit()
}

// LastHeight returns the highest durably committed height, or -1 when the
// store is empty.
func (w *BlockWriter) LastHeight(ctx context.Context) (int, error) {
	var height sql.NullInt64
	err := w.db.QueryRowContext(ctx,
		`SELECT MAX(height) FROM metalayer.blocks`).Scan(&height)
	if err != nil {
		return 0, err
	}
	if !height.Valid {
		return -1, nil
	}
	return int(height.Int64), nil
}
