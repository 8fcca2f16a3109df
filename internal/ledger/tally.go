package ledger

import (
	"fmt"
	"sort"
	"sync"
)

// ErrInsufficient is returned when an update would drive a pocket negative.
// It is an ordinary rejection, applied before any mutation, so callers
// never need to roll back a partial transfer.
var ErrInsufficient = fmt.Errorf("insufficient balance")

// Tally is the multi-pocket balance ledger, keyed by (address, property,
// pocket). It is mutated only by the replay goroutine; the read lock exists
// for concurrent reporting queries.
type Tally struct {
	mu       sync.RWMutex
	balances map[TallyKey]int64

	// journal receives every applied mutation when attached; block
	// rollback replays it in reverse.
	journal *BlockJournal
}

func NewTally() *Tally {
	return &Tally{balances: make(map[TallyKey]int64)}
}

// AttachJournal directs subsequent mutations into j. Passing nil detaches.
func (t *Tally) AttachJournal(j *BlockJournal) {
	t.journal = j
}

// Balance returns the current pocket balance.
func (t *Tally) Balance(address string, property uint32, pocket Pocket) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.balances[TallyKey{Address: address, Property: property, Pocket: pocket}]
}

// Update adds delta to one pocket. A negative result is refused with
// ErrInsufficient and no mutation.
func (t *Tally) Update(address string, property uint32, pocket Pocket, delta int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.update(address, property, pocket, delta)
}

func (t *Tally) update(address string, property uint32, pocket Pocket, delta int64) error {
	key := TallyKey{Address: address, Property: property, Pocket: pocket}
	next := t.balances[key] + delta
	if next < 0 {
		return fmt.Errorf("%w: %s property %d %s: have %d, delta %d",
			ErrInsufficient, address, property, pocket, t.balances[key], delta)
	}
	if next == 0 {
		delete(t.balances, key)
	} else {
		t.balances[key] = next
	}
	if t.journal != nil && delta != 0 {
		t.journal.record(key, delta)
	}
	return nil
}

// Move transfers amount from one pocket to another, possibly across
// addresses. Both legs apply together or not at all.
func (t *Tally) Move(fromAddr string, fromPocket Pocket, toAddr string, toPocket Pocket, property uint32, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("negative move amount %d", amount)
	}
	if amount == 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.update(fromAddr, property, fromPocket, -amount); err != nil {
		return err
	}
	if err := t.update(toAddr, property, toPocket, amount); err != nil {
		// The debit leg already checked; a failing credit leg means a
		// signed-arithmetic overflow, which no valid chain reaches.
		t.update(fromAddr, property, fromPocket, amount)
		return err
	}
	return nil
}

// CirculatingTotal sums Available plus all reserve pockets for a property
// across every address. Trade and settlement operations must leave it
// unchanged; only issuance, grant, revoke and vesting may move it.
func (t *Tally) CirculatingTotal(property uint32) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var total int64
	for key, v := range t.balances {
		if key.Property != property {
			continue
		}
		if key.Pocket == Available || key.Pocket.Reserved() {
			total += v
		}
	}
	return total
}

// AddressesWithProperty returns every address holding any nonzero pocket of
// the property, sorted for deterministic iteration.
func (t *Tally) AddressesWithProperty(property uint32) []string {
	t.mu.RLock()
	seen := make(map[string]struct{})
	for key := range t.balances {
		if key.Property == property {
			seen[key.Address] = struct{}{}
		}
	}
	t.mu.RUnlock()

	out := make([]string, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// PropertiesOf returns the sorted property ids with any nonzero pocket for
// the address.
func (t *Tally) PropertiesOf(address string) []uint32 {
	t.mu.RLock()
	seen := make(map[uint32]struct{})
	for key := range t.balances {
		if key.Address == address {
			seen[key.Property] = struct{}{}
		}
	}
	t.mu.RUnlock()

	out := make([]uint32, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SortedKeys returns every nonzero tally key in canonical order for state
// digests and snapshots.
func (t *Tally) SortedKeys() []TallyKey {
	t.mu.RLock()
	keys := make([]TallyKey, 0, len(t.balances))
	for k := range t.balances {
		keys = append(keys, k)
	}
	t.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.Address != b.Address {
			return a.Address < b.Address
		}
		if a.Property != b.Property {
			return a.Property < b.Property
		}
		return a.Pocket < b.Pocket
	})
	return keys
}

// Snapshot returns a deep copy of all balances.
func (t *Tally) Snapshot() map[TallyKey]int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[TallyKey]int64, len(t.balances))
	for k, v := range t.balances {
		out[k] = v
	}
	return out
}

// Restore replaces all balances with the snapshot contents.
func (t *Tally) Restore(snapshot map[TallyKey]int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.balances = make(map[TallyKey]int64, len(snapshot))
	for k, v := range snapshot {
		if v != 0 {
			t.balances[k] = v
		}
	}
}
