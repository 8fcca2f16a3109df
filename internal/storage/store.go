package storage

// Store is an ordered key-value store with atomic batch writes. Replay
// state lives in the in-memory implementation; tests and tools can inject
// their own. Iteration order is ascending bytewise key order, which every
// implementation must honor — registry rollbacks and state digests depend
// on it being deterministic.
type Store interface {
	// Get returns the value for key, with found=false when absent.
	Get(key []byte) (value []byte, found bool, err error)

	// Iterate calls fn for every key with the given prefix in ascending
	// key order. Returning an error from fn stops the walk.
	Iterate(prefix []byte, fn func(key, value []byte) error) error

	// Write applies the batch atomically: either every operation is
	// visible afterwards or none is.
	Write(batch *Batch) error
}

type opKind int

const (
	opPut opKind = iota
	opDelete
)

type op struct {
	kind  opKind
	key   []byte
	value []byte
}

// Batch accumulates puts and deletes for one atomic commit.
type Batch struct {
	ops []op
}

func (b *Batch) Put(key, value []byte) {
	b.ops = append(b.ops, op{kind: opPut, key: append([]byte(nil), key...), value: append([]byte(nil), value...)})
}

func (b *Batch) Delete(key []byte) {
	b.ops = append(b.ops, op{kind: opDelete, key: append([]byte(nil), key...)})
}

// Len returns the number of queued operations.
func (b *Batch) Len() int { return len(b.ops) }
