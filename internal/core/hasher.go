package core

import (
	"crypto/sha256"
	"encoding/binary"
)

// GenesisHashSeed anchors the state hash chain. Changing it forks every
// node off the network.
const GenesisHashSeed = "MetaLayer:genesis:v1"

// StateHasher computes the per-block deterministic state hash chain:
// hash[N] = SHA-256(hash[N-1] || height || state_digest). Two nodes that
// replay the same blocks over the same rules end on the same hash.
type StateHasher struct {
	prevHash [32]byte
}

func NewStateHasher() *StateHasher {
	return &StateHasher{prevHash: sha256.Sum256([]byte(GenesisHashSeed))}
}

// ComputeHash folds one block's state digest into the chain and advances
// the tip.
func (h *StateHasher) ComputeHash(height int64, stateDigest []byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(h.prevHash[:])

	var heightBuf [8]byte
	binary.LittleEndian.PutUint64(heightBuf[:], uint64(height))
	hasher.Write(heightBuf[:])

	hasher.Write(stateDigest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	h.prevHash = hash
	return hash
}

// PrevHash returns the current chain tip.
func (h *StateHasher) PrevHash() [32]byte {
	return h.prevHash
}

// Reset rewinds the chain tip after a block rollback.
func (h *StateHasher) Reset(prev [32]byte) {
	h.prevHash = prev
}
