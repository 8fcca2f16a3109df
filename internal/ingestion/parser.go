package ingestion

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"MetaLayer/internal/chain"
	"MetaLayer/internal/core"
)

// ParseBlockEnvelope decodes a block envelope into a core.Block ready for
// the engine. Transactions are ordered by their in-block index; the
// envelope may carry them in any order but duplicate indices are a
// producer bug and rejected.
func ParseBlockEnvelope(data []byte) (core.Block, error) {
	var j blockJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return core.Block{}, fmt.Errorf("parse block envelope: %w", err)
	}

	if j.Height < 0 {
		return core.Block{}, fmt.Errorf("negative block height %d", j.Height)
	}
	blockHash, err := chain.HashFromString(j.BlockHash)
	if err != nil {
		return core.Block{}, fmt.Errorf("parse block_hash: %w", err)
	}

	txs := make([]chain.Tx, 0, len(j.Txs))
	seen := make(map[int]bool, len(j.Txs))
	for i, tj := range j.Txs {
		tx, err := parseTx(tj)
		if err != nil {
			return core.Block{}, fmt.Errorf("tx %d: %w", i, err)
		}
		if seen[tx.Idx] {
			return core.Block{}, fmt.Errorf("duplicate tx index %d in block %d", tx.Idx, j.Height)
		}
		seen[tx.Idx] = true
		tx.BlockHeight = j.Height
		tx.BlockHash = blockHash
		txs = append(txs, tx)
	}
	sort.Slice(txs, func(a, b int) bool { return txs[a].Idx < txs[b].Idx })

	return core.Block{
		Height: j.Height,
		Hash:   blockHash,
		Txs:    txs,
	}, nil
}

// ParseReorgEnvelope decodes a reorg notice. The hash identifies the
// first disconnected block; the engine rolls back to just before it.
func ParseReorgEnvelope(data []byte) (chain.Hash256, error) {
	var j reorgJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return chain.Hash256{}, fmt.Errorf("parse reorg envelope: %w", err)
	}
	blockHash, err := chain.HashFromString(j.BlockHash)
	if err != nil {
		return chain.Hash256{}, fmt.Errorf("parse block_hash: %w", err)
	}
	return blockHash, nil
}

// --- JSON wire formats ---
// Field names use snake_case to match the host-chain scanner.

type blockJSON struct {
	Height    int      `json:"height"`
	BlockHash string   `json:"block_hash"`
	Txs       []txJSON `json:"txs"`
}

type txJSON struct {
	Txid       string `json:"txid"`
	Idx        int    `json:"idx"`
	Sender     string `json:"sender"`
	Receiver   string `json:"receiver"`
	FeePaid    int64  `json:"fee_paid"`
	PaidAmount int64  `json:"paid_amount"`
	PayloadHex string `json:"payload_hex"`
}

type reorgJSON struct {
	BlockHash string `json:"block_hash"`
}

func parseTx(j txJSON) (chain.Tx, error) {
	var tx chain.Tx

	txid, err := chain.HashFromString(j.Txid)
	if err != nil {
		return tx, fmt.Errorf("parse txid: %w", err)
	}
	if j.Idx < 0 {
		return tx, fmt.Errorf("negative tx index %d", j.Idx)
	}
	if j.Sender == "" {
		return tx, fmt.Errorf("empty sender")
	}
	payload, err := hex.DecodeString(j.PayloadHex)
	if err != nil {
		return tx, fmt.Errorf("parse payload_hex: %w", err)
	}
	if j.FeePaid < 0 || j.PaidAmount < 0 {
		return tx, fmt.Errorf("negative fee or paid amount")
	}

	tx.Txid = txid
	tx.Idx = j.Idx
	tx.Sender = j.Sender
	tx.Receiver = j.Receiver
	tx.FeePaid = j.FeePaid
	tx.PaidAmount = j.PaidAmount
	tx.Payload = payload
	return tx, nil
}
