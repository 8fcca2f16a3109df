package chain

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Hash256 is a block or transaction hash from the host chain.
type Hash256 [32]byte

func (h Hash256) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash256) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

func (h *Hash256) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(b) != 32 {
		return fmt.Errorf("hash length %d, want 32", len(b))
	}
	copy(h[:], b)
	return nil
}

// HashFromString parses a hex hash, for test fixtures and cancel-by-txid
// payload lookups.
func HashFromString(s string) (Hash256, error) {
	var h Hash256
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, err
	}
	if len(b) != 32 {
		return h, fmt.Errorf("hash length %d, want 32", len(b))
	}
	copy(h[:], b)
	return h, nil
}

// Tx is one parsed metaprotocol transaction tuple, delivered by the host in
// strict block-then-in-block-index order.
type Tx struct {
	BlockHeight int
	BlockHash   Hash256
	Txid        Hash256
	Idx         int // position within the block

	Sender   string
	Receiver string

	// FeePaid is the base-coin fee attached to the transaction; the
	// bilateral exchange uses it for minimum-fee checks.
	FeePaid int64

	// PaidAmount is the base-coin amount carried by the outputs; only
	// meaningful for payment-style transactions.
	PaidAmount int64

	Payload []byte
}

// BlockRef identifies a block for rollback and watermark bookkeeping.
type BlockRef struct {
	Height int
	Hash   Hash256
}
