package registry

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"MetaLayer/internal/chain"
	"MetaLayer/internal/storage"
)

// Key prefixes. Current entries sort ascending by id under 's'; previous
// versions are parked under 'b' keyed by the block hash that replaced them.
const (
	prefixEntry       = 's'
	prefixTxIndex     = 't'
	prefixPrevVersion = 'b'
	prefixWatermark   = 'B'
)

func entryKey(id uint32) []byte {
	k := make([]byte, 5)
	k[0] = prefixEntry
	binary.BigEndian.PutUint32(k[1:], id)
	return k
}

func txIndexKey(txid chain.Hash256) []byte {
	return append([]byte{prefixTxIndex}, txid[:]...)
}

func prevVersionKey(block chain.Hash256, id uint32) []byte {
	k := make([]byte, 0, 37)
	k = append(k, prefixPrevVersion)
	k = append(k, block[:]...)
	return binary.BigEndian.AppendUint32(k, id)
}

// versionMeta is the slice of an entry's JSON needed by rollback.
type versionMeta struct {
	CreationBlock chain.Hash256 `json:"creation_block"`
	UpdateBlock   chain.Hash256 `json:"update_block"`
}

// Registry is the shared versioned-entry machinery beneath the property and
// contract registries. Ids are dense and monotonic from firstID.
type Registry struct {
	name   string
	store  storage.Store
	nextID uint32
	log    zerolog.Logger
}

func newRegistry(name string, store storage.Store, firstID uint32, log zerolog.Logger) (*Registry, error) {
	r := &Registry{name: name, store: store, nextID: firstID, log: log}
	// Recover the id counter from the highest persisted entry.
	err := store.Iterate([]byte{prefixEntry}, func(key, _ []byte) error {
		if len(key) == 5 {
			if id := binary.BigEndian.Uint32(key[1:]); id >= r.nextID {
				r.nextID = id + 1
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// NextID returns the id the next Create will assign.
func (r *Registry) NextID() uint32 { return r.nextID }

func (r *Registry) create(txid chain.Hash256, raw []byte) (uint32, error) {
	id := r.nextID
	batch := &storage.Batch{}
	batch.Put(entryKey(id), raw)
	idVal := make([]byte, 4)
	binary.BigEndian.PutUint32(idVal, id)
	batch.Put(txIndexKey(txid), idVal)
	if err := r.store.Write(batch); err != nil {
		return 0, &chain.ConsensusFault{Component: r.name, Detail: "create write failed", Err: err}
	}
	r.nextID = id + 1
	return id, nil
}

func (r *Registry) update(id uint32, raw []byte) error {
	prev, found, err := r.store.Get(entryKey(id))
	if err != nil {
		return &chain.ConsensusFault{Component: r.name, Detail: "update read failed", Err: err}
	}
	if !found {
		return fmt.Errorf("%s: entry %d does not exist", r.name, id)
	}
	// The prior version parks under the block performing the update, which
	// is where Rollback of that block will look for it.
	var next versionMeta
	if err := json.Unmarshal(raw, &next); err != nil {
		return &chain.ConsensusFault{Component: r.name, Detail: "corrupt entry update", Err: err}
	}
	batch := &storage.Batch{}
	batch.Put(prevVersionKey(next.UpdateBlock, id), prev)
	batch.Put(entryKey(id), raw)
	if err := r.store.Write(batch); err != nil {
		return &chain.ConsensusFault{Component: r.name, Detail: "update write failed", Err: err}
	}
	return nil
}

func (r *Registry) get(id uint32) ([]byte, bool, error) {
	return r.store.Get(entryKey(id))
}

// FindByTxid resolves the entry created by txid.
func (r *Registry) FindByTxid(txid chain.Hash256) (uint32, bool, error) {
	v, found, err := r.store.Get(txIndexKey(txid))
	if err != nil || !found {
		return 0, false, err
	}
	if len(v) != 4 {
		return 0, false, &chain.ConsensusFault{Component: r.name, Detail: "corrupt txid index"}
	}
	return binary.BigEndian.Uint32(v), true, nil
}

// Rollback undoes every entry whose last update happened in the given
// block: entries created there are deleted outright, the rest are restored
// from their parked previous version. A missing previous version is a gap
// left by an interrupted write and forces a resynchronization. The whole
// rollback commits as one batch and returns the number of surviving
// entries.
func (r *Registry) Rollback(blockHash chain.Hash256) (int, error) {
	batch := &storage.Batch{}
	remaining := 0

	type affected struct {
		id       uint32
		creation bool
		creator  chain.Hash256
	}
	var hits []affected

	err := r.store.Iterate([]byte{prefixEntry}, func(key, value []byte) error {
		if len(key) != 5 {
			return nil
		}
		id := binary.BigEndian.Uint32(key[1:])
		var meta versionMeta
		if err := json.Unmarshal(value, &meta); err != nil {
			return &chain.ConsensusFault{Component: r.name, Detail: fmt.Sprintf("corrupt entry %d", id), Err: err}
		}
		if meta.UpdateBlock != blockHash {
			remaining++
			return nil
		}
		hits = append(hits, affected{id: id, creation: meta.CreationBlock == blockHash})
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, h := range hits {
		if h.creation {
			batch.Delete(entryKey(h.id))
			// Drop the txid index entry pointing at the deleted id.
			if err := r.deleteTxIndexFor(h.id, batch); err != nil {
				return 0, err
			}
			if h.id == r.nextID-1 {
				r.nextID = h.id
			}
			continue
		}
		prevKey := prevVersionKey(blockHash, h.id)
		prev, found, err := r.store.Get(prevKey)
		if err != nil {
			return 0, &chain.ConsensusFault{Component: r.name, Detail: "rollback read failed", Err: err}
		}
		if !found {
			return 0, &chain.ConsensusFault{Component: r.name,
				Detail: fmt.Sprintf("no previous version of entry %d for rolled-back block; resync required", h.id)}
		}
		batch.Put(entryKey(h.id), prev)
		batch.Delete(prevKey)
		remaining++
	}

	if batch.Len() == 0 {
		return remaining, nil
	}
	if err := r.store.Write(batch); err != nil {
		return 0, &chain.ConsensusFault{Component: r.name, Detail: "rollback write failed", Err: err}
	}
	r.log.Info().Str("block", fmt.Sprintf("%x", blockHash[:8])).
		Int("affected", len(hits)).Int("remaining", remaining).
		Msg("registry rollback")
	return remaining, nil
}

func (r *Registry) deleteTxIndexFor(id uint32, batch *storage.Batch) error {
	want := make([]byte, 4)
	binary.BigEndian.PutUint32(want, id)
	return r.store.Iterate([]byte{prefixTxIndex}, func(key, value []byte) error {
		if len(value) == 4 && binary.BigEndian.Uint32(value) == id {
			batch.Delete(key)
		}
		return nil
	})
}

// SetWatermark records the hash of the last fully persisted block.
func (r *Registry) SetWatermark(block chain.Hash256) error {
	batch := &storage.Batch{}
	batch.Put([]byte{prefixWatermark}, block[:])
	if err := r.store.Write(batch); err != nil {
		return &chain.ConsensusFault{Component: r.name, Detail: "watermark write failed", Err: err}
	}
	return nil
}

// Watermark returns the recorded watermark block hash.
func (r *Registry) Watermark() (chain.Hash256, bool, error) {
	var h chain.Hash256
	v, found, err := r.store.Get([]byte{prefixWatermark})
	if err != nil || !found {
		return h, false, err
	}
	copy(h[:], v)
	return h, true, nil
}

// ForEach visits every current entry in ascending id order.
func (r *Registry) ForEach(fn func(id uint32, raw []byte) error) error {
	return r.store.Iterate([]byte{prefixEntry}, func(key, value []byte) error {
		if len(key) != 5 {
			return nil
		}
		return fn(binary.BigEndian.Uint32(key[1:]), value)
	})
}
