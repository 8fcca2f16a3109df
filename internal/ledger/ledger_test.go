package ledger_test

import (
	"errors"
	"testing"

	"MetaLayer/internal/ledger"
)

// === Basic pocket arithmetic ===

func TestUpdateAndBalance(t *testing.T) {
	tally := ledger.NewTally()

	if err := tally.Update("alice", 3, ledger.Available, 100); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if got := tally.Balance("alice", 3, ledger.Available); got != 100 {
		t.Errorf("balance: got %d, want 100", got)
	}

	if err := tally.Update("alice", 3, ledger.Available, -40); err != nil {
		t.Fatalf("debit: %v", err)
	}
	if got := tally.Balance("alice", 3, ledger.Available); got != 60 {
		t.Errorf("balance after debit: got %d, want 60", got)
	}
}

func TestUpdateRejectsNegative(t *testing.T) {
	tally := ledger.NewTally()
	if err := tally.Update("alice", 3, ledger.Available, 10); err != nil {
		t.Fatalf("credit: %v", err)
	}

	err := tally.Update("alice", 3, ledger.Available, -11)
	if !errors.Is(err, ledger.ErrInsufficient) {
		t.Fatalf("expected ErrInsufficient, got %v", err)
	}

	// No partial mutation.
	if got := tally.Balance("alice", 3, ledger.Available); got != 10 {
		t.Errorf("balance after rejected debit: got %d, want 10", got)
	}
}

// === Atomic transfers ===

func TestMoveIsAtomic(t *testing.T) {
	tally := ledger.NewTally()
	if err := tally.Update("alice", 3, ledger.Available, 100); err != nil {
		t.Fatalf("credit: %v", err)
	}

	if err := tally.Move("alice", ledger.Available, "alice", ledger.SellOfferReserve, 3, 70); err != nil {
		t.Fatalf("move: %v", err)
	}
	if got := tally.Balance("alice", 3, ledger.Available); got != 30 {
		t.Errorf("available: got %d, want 30", got)
	}
	if got := tally.Balance("alice", 3, ledger.SellOfferReserve); got != 70 {
		t.Errorf("reserve: got %d, want 70", got)
	}

	// Underfunded move leaves both pockets untouched.
	if err := tally.Move("alice", ledger.Available, "bob", ledger.Available, 3, 31); !errors.Is(err, ledger.ErrInsufficient) {
		t.Fatalf("expected ErrInsufficient, got %v", err)
	}
	if got := tally.Balance("alice", 3, ledger.Available); got != 30 {
		t.Errorf("available after failed move: got %d, want 30", got)
	}
	if got := tally.Balance("bob", 3, ledger.Available); got != 0 {
		t.Errorf("bob after failed move: got %d, want 0", got)
	}
}

// === Conservation ===

func TestCirculatingTotalUnchangedByTransfers(t *testing.T) {
	tally := ledger.NewTally()
	tally.Update("alice", 3, ledger.Available, 1000)
	tally.Update("bob", 3, ledger.Available, 500)

	before := tally.CirculatingTotal(3)

	tally.Move("alice", ledger.Available, "alice", ledger.SellOfferReserve, 3, 400)
	tally.Move("alice", ledger.SellOfferReserve, "alice", ledger.AcceptReserve, 3, 100)
	tally.Move("alice", ledger.AcceptReserve, "bob", ledger.Available, 3, 100)
	tally.Move("bob", ledger.Available, "bob", ledger.MetaDExReserve, 3, 250)

	if got := tally.CirculatingTotal(3); got != before {
		t.Errorf("circulating total: got %d, want %d", got, before)
	}
}

// === Journal reversal ===

func TestJournalRevertRestoresState(t *testing.T) {
	tally := ledger.NewTally()
	tally.Update("alice", 3, ledger.Available, 1000)
	snapshot := tally.Snapshot()

	journal := ledger.NewBlockJournal(500)
	tally.AttachJournal(journal)
	tally.Move("alice", ledger.Available, "alice", ledger.SellOfferReserve, 3, 400)
	tally.Move("alice", ledger.SellOfferReserve, "bob", ledger.Available, 3, 150)
	tally.Update("bob", 3, ledger.Available, 9)
	tally.AttachJournal(nil)

	if err := journal.Revert(tally); err != nil {
		t.Fatalf("revert: %v", err)
	}

	restored := tally.Snapshot()
	if len(restored) != len(snapshot) {
		t.Fatalf("snapshot size: got %d, want %d", len(restored), len(snapshot))
	}
	for k, v := range snapshot {
		if restored[k] != v {
			t.Errorf("key %+v: got %d, want %d", k, restored[k], v)
		}
	}
}

// === Deterministic iteration ===

func TestSortedKeysStable(t *testing.T) {
	tally := ledger.NewTally()
	tally.Update("carol", 4, ledger.Available, 1)
	tally.Update("alice", 3, ledger.Unvested, 2)
	tally.Update("alice", 3, ledger.Available, 3)
	tally.Update("bob", 3, ledger.Available, 4)

	keys := tally.SortedKeys()
	if len(keys) != 4 {
		t.Fatalf("key count: got %d, want 4", len(keys))
	}
	want := []ledger.TallyKey{
		{Address: "alice", Property: 3, Pocket: ledger.Available},
		{Address: "alice", Property: 3, Pocket: ledger.Unvested},
		{Address: "bob", Property: 3, Pocket: ledger.Available},
		{Address: "carol", Property: 4, Pocket: ledger.Available},
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("key[%d]: got %+v, want %+v", i, keys[i], want[i])
		}
	}
}
