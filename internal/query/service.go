package query

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"

	"MetaLayer/internal/codec"
	"MetaLayer/internal/ledger"
)

// Service provides read-only access to the Postgres mirror. Queries are
// served via gRPC and HTTP/JSON (gRPC-Gateway) and never touch the
// single-threaded replay core; every response carries as_of_height for
// freshness semantics.
type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// GetBalance returns one address/property balance with the pocket
// breakdown.
func (s *Service) GetBalance(ctx context.Context, address string, property uint32) (*BalanceResponse, error) {
	asOf, err := s.watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT pocket, balance FROM metalayer.balances
		WHERE address = $1 AND property = $2
	`, address, property)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp := &BalanceResponse{
		Address:    address,
		Property:   property,
		AsOfHeight: asOf,
	}
	for rows.Next() {
		var pocket int
		var balance int64
		if err := rows.Scan(&pocket, &balance); err != nil {
			return nil, err
		}
		switch ledger.Pocket(pocket) {
		case ledger.Available:
			resp.Available = balance
		case ledger.SellOfferReserve:
			resp.SellOfferReserve = balance
		case ledger.AcceptReserve:
			resp.AcceptReserve = balance
		case ledger.MetaDExReserve:
			resp.MetaDExReserve = balance
		case ledger.ContractDExReserve:
			resp.ContractDExReserve = balance
		case ledger.RealizedProfit:
			resp.RealizedProfit = balance
		case ledger.RealizedLoss:
			resp.RealizedLoss = balance
		case ledger.Remaining:
			resp.Remaining = balance
		case ledger.Unvested:
			resp.Unvested = balance
		}
		if ledger.Pocket(pocket) == ledger.Available || ledger.Pocket(pocket).Reserved() {
			resp.Total += balance
		}
	}
	return resp, rows.Err()
}

// GetAllBalances returns every property an address holds, in property id
// order.
func (s *Service) GetAllBalances(ctx context.Context, address string) ([]BalanceResponse, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT property FROM metalayer.balances
		WHERE address = $1 ORDER BY property
	`, address)
	if err != nil {
		return nil, err
	}
	var props []uint32
	for rows.Next() {
		var p uint32
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return nil, err
		}
		props = append(props, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []BalanceResponse
	for _, p := range props {
		b, err := s.GetBalance(ctx, address, p)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, nil
}

// GetHolders returns a property's top available-balance holders.
func (s *Service) GetHolders(ctx context.Context, property uint32, limit int) ([]HolderResponse, error) {
	asOf, err := s.watermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT address, balance FROM metalayer.balances
		WHERE property = $1 AND pocket = 0 AND balance > 0
		ORDER BY balance DESC, address
		LIMIT $2
	`, property, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var holders []HolderResponse
	for rows.Next() {
		h := HolderResponse{AsOfHeight: asOf}
		if err := rows.Scan(&h.Address, &h.Balance); err != nil {
			return nil, err
		}
		holders = append(holders, h)
	}
	return holders, rows.Err()
}

// GetOutcome returns the recorded outcome for a transaction, or nil if
// the txid was never processed.
func (s *Service) GetOutcome(ctx context.Context, txid string) (*OutcomeResponse, error) {
	asOf, err := s.watermark(ctx)
	if err != nil {
		return nil, err
	}

	o := &OutcomeResponse{AsOfHeight: asOf}
	err = s.db.QueryRowContext(ctx, `
		SELECT txid, height, idx, tx_type, code, reason
		FROM metalayer.outcomes WHERE txid = $1
	`, txid).Scan(&o.Txid, &o.Height, &o.Idx, &o.Type, &o.Code, &o.Reason)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	o.TypeName = codec.MessageType(o.Type).String()
	return o, nil
}

// GetBlockOutcomes returns a block's outcomes with cursor pagination on
// the in-block index.
func (s *Service) GetBlockOutcomes(ctx context.Context, height int64, limit int, afterIdx *int) ([]OutcomeResponse, error) {
	asOf, err := s.watermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT txid, height, idx, tx_type, code, reason
		FROM metalayer.outcomes
		WHERE height = $1
	`
	args := []interface{}{height}
	argIdx := 2

	if afterIdx != nil {
		query += fmt.Sprintf(" AND idx > $%d", argIdx)
		args = append(args, *afterIdx)
		argIdx++
	}

	query += " ORDER BY idx"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outcomes []OutcomeResponse
	for rows.Next() {
		o := OutcomeResponse{AsOfHeight: asOf}
		if err := rows.Scan(&o.Txid, &o.Height, &o.Idx, &o.Type, &o.Code, &o.Reason); err != nil {
			return nil, err
		}
		o.TypeName = codec.MessageType(o.Type).String()
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

// GetBlock returns one committed block header.
func (s *Service) GetBlock(ctx context.Context, height int64) (*BlockResponse, error) {
	b := &BlockResponse{}
	var stateHash, prevHash []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT b.height, b.block_hash, b.state_hash, b.prev_hash,
		       (SELECT COUNT(*) FROM metalayer.outcomes o WHERE o.height = b.height)
		FROM metalayer.blocks b WHERE b.height = $1
	`, height).Scan(&b.Height, &b.BlockHash, &stateHash, &prevHash, &b.TxCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	b.StateHash = hex.EncodeToString(stateHash)
	b.PrevHash = hex.EncodeToString(prevHash)
	return b, nil
}

// VerifyIntegrity checks the hash chain and the mirror's balance
// invariants. Operator API; a break here means the mirror needs a
// rebuild from a fresh replay.
func (s *Service) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	// Each block's prev_hash must equal the previous block's state_hash.
	rows, err := s.db.QueryContext(ctx, `
		SELECT b1.height
		FROM metalayer.blocks b1
		JOIN metalayer.blocks b2 ON b2.height = b1.height - 1
		WHERE b1.prev_hash != b2.state_hash
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var h int64
		if err := rows.Scan(&h); err != nil {
			rows.Close()
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, h)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// The replay core never lets a pocket go negative.
	balanceRows, err := s.db.QueryContext(ctx, `
		SELECT address, property, pocket, balance
		FROM metalayer.balances
		WHERE balance < 0
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var nb NegativeBalance
		if err := balanceRows.Scan(&nb.Address, &nb.Property, &nb.Pocket, &nb.Balance); err != nil {
			return nil, err
		}
		report.NegativeBalances = append(report.NegativeBalances, nb)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.NegativeBalances) == 0
	return report, nil
}

// --- helpers ---

func (s *Service) watermark(ctx context.Context) (int64, error) {
	var height sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(height) FROM metalayer.blocks
	`).Scan(&height)
	if err != nil {
		return 0, err
	}
	if !height.Valid {
		return -1, nil
	}
	return height.Int64, nil
}
