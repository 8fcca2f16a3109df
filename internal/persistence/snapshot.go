package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CheckpointManager stores periodic full-state checkpoints so a restart
// does not have to replay the chain from genesis. A checkpoint carries
// everything needed to re-seed the ledger and resume: the watermark, the
// hash chain position, and a dump of every non-zero pocket balance.
type CheckpointManager struct {
	db *sql.DB
}

// Checkpoint is the serialized engine state at one block boundary.
type Checkpoint struct {
	Height    int              `json:"height"`
	BlockHash string           `json:"block_hash"`
	StateHash []byte           `json:"state_hash"`
	Balances  []BalanceEntry   `json:"balances"`
	Txids     []string         `json:"txids"` // recent txids for cache warming
	CreatedAt time.Time        `json:"created_at"`
}

// BalanceEntry is one non-zero pocket balance.
type BalanceEntry struct {
	Address  string `json:"address"`
	Property uint32 `json:"property"`
	Pocket   uint8  `json:"pocket"`
	Balance  int64  `json:"balance"`
}

func NewCheckpointManager(db *sql.DB) *CheckpointManager {
	return &CheckpointManager{db: db}
}

// Save persists a checkpoint. Re-checkpointing the same height replaces
// the stored state, which happens when a reorg rewrites that height.
func (cm *CheckpointManager) Save(ctx context.Context, cp *Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	checkpointID := uuid.New()
	formatVersion := int32(1) // v1: JSON-encoded Checkpoint

	_, err = cm.db.ExecContext(ctx, `
		INSERT INTO metalayer.checkpoints
			(checkpoint_id, height, block_hash, state_hash, data, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8)
		ON CONFLICT (height) DO UPDATE
			SET block_hash = $3, state_hash = $4, data = $5, size_bytes = $7, verified = FALSE
	`, checkpointID, cp.Height, cp.BlockHash, cp.StateHash, data, formatVersion, len(data), cp.CreatedAt)

	return err
}

// LoadLatest returns the newest verified checkpoint, or nil on a cold
// start with no checkpoint available.
func (cm *CheckpointManager) LoadLatest(ctx context.Context) (*Checkpoint, error) {
	row := cm.db.QueryRowContext(ctx, `
		SELECT data FROM metalayer.checkpoints
		WHERE verified = TRUE
		ORDER BY height DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

// MarkVerified flags a checkpoint after its state hash has been matched
// against a fresh replay.
func (cm *CheckpointManager) MarkVerified(ctx context.Context, height int) error {
	_, err := cm.db.ExecContext(ctx, `
		UPDATE metalayer.checkpoints SET verified = TRUE WHERE height = $1
	`, height)
	return err
}

// Prune drops checkpoints below height, keeping the store bounded.
// Checkpoints inside the reorg window are never passed here.
func (cm *CheckpointManager) Prune(ctx context.Context, height int) error {
	_, err := cm.db.ExecContext(ctx, `
		DELETE FROM metalayer.checkpoints WHERE height < $1
	`, height)
	return err
}
