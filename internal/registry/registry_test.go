package registry_test

import (
	"testing"

	"github.com/rs/zerolog"

	"MetaLayer/internal/chain"
	"MetaLayer/internal/registry"
	"MetaLayer/internal/storage"
)

func hashOf(b byte) chain.Hash256 {
	var h chain.Hash256
	h[0] = b
	return h
}

func newPropRegistry(t *testing.T) *registry.PropertyRegistry {
	t.Helper()
	pr, err := registry.NewPropertyRegistry(storage.NewMemStore(), zerolog.Nop())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return pr
}

// === Creation and lookup ===

func TestCreateAssignsDenseIDs(t *testing.T) {
	pr := newPropRegistry(t)

	id1, err := pr.Create(hashOf(1), &registry.Property{Name: "alpha", Issuer: "alice",
		CreationBlock: hashOf(10), UpdateBlock: hashOf(10)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id2, err := pr.Create(hashOf(2), &registry.Property{Name: "beta", Issuer: "bob",
		CreationBlock: hashOf(10), UpdateBlock: hashOf(10)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if id1 != registry.FirstAssignedID {
		t.Errorf("first id: got %d, want %d", id1, registry.FirstAssignedID)
	}
	if id2 != id1+1 {
		t.Errorf("second id: got %d, want %d", id2, id1+1)
	}

	got, found, err := pr.Get(id1)
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if got.Name != "alpha" {
		t.Errorf("name: got %s, want alpha", got.Name)
	}

	byTx, found, err := pr.FindByTxid(hashOf(2))
	if err != nil || !found {
		t.Fatalf("find by txid: found=%v err=%v", found, err)
	}
	if byTx != id2 {
		t.Errorf("txid index: got %d, want %d", byTx, id2)
	}
}

func TestNextIDRecoveredFromStore(t *testing.T) {
	store := storage.NewMemStore()
	pr, err := registry.NewPropertyRegistry(store, zerolog.Nop())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	pr.Create(hashOf(1), &registry.Property{Name: "alpha"})
	pr.Create(hashOf(2), &registry.Property{Name: "beta"})

	reopened, err := registry.NewPropertyRegistry(store, zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := reopened.NextID(); got != registry.FirstAssignedID+2 {
		t.Errorf("next id after reopen: got %d, want %d", got, registry.FirstAssignedID+2)
	}
}

// === Version chain and rollback ===

func TestRollbackDeletesEntriesCreatedInBlock(t *testing.T) {
	pr := newPropRegistry(t)
	blockA, blockB := hashOf(10), hashOf(11)

	idA, _ := pr.Create(hashOf(1), &registry.Property{Name: "alpha",
		CreationBlock: blockA, UpdateBlock: blockA})
	idB, _ := pr.Create(hashOf(2), &registry.Property{Name: "beta",
		CreationBlock: blockB, UpdateBlock: blockB})

	remaining, err := pr.Rollback(blockB)
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if remaining != 1 {
		t.Errorf("remaining: got %d, want 1", remaining)
	}
	if _, found, _ := pr.Get(idB); found {
		t.Errorf("entry %d should be deleted", idB)
	}
	if _, found, _ := pr.Get(idA); !found {
		t.Errorf("entry %d should survive", idA)
	}
	if _, found, _ := pr.FindByTxid(hashOf(2)); found {
		t.Errorf("txid index for deleted entry should be gone")
	}
	// The id is reusable after the creation was undone.
	if got := pr.NextID(); got != idB {
		t.Errorf("next id: got %d, want %d", got, idB)
	}
}

func TestRollbackRestoresPreviousVersion(t *testing.T) {
	pr := newPropRegistry(t)
	blockA, blockB := hashOf(10), hashOf(11)

	id, _ := pr.Create(hashOf(1), &registry.Property{Name: "alpha", Issuer: "alice",
		CreationBlock: blockA, UpdateBlock: blockA})

	updated := &registry.Property{Name: "alpha", Issuer: "bob",
		CreationBlock: blockA, UpdateBlock: blockB}
	if err := pr.Update(id, updated); err != nil {
		t.Fatalf("update: %v", err)
	}

	if _, err := pr.Rollback(blockB); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	got, found, err := pr.Get(id)
	if err != nil || !found {
		t.Fatalf("get after rollback: found=%v err=%v", found, err)
	}
	if got.Issuer != "alice" {
		t.Errorf("issuer after rollback: got %s, want alice", got.Issuer)
	}

	// Applying the same rollback again is a no-op.
	remaining, err := pr.Rollback(blockB)
	if err != nil {
		t.Fatalf("second rollback: %v", err)
	}
	if remaining != 1 {
		t.Errorf("remaining after idempotent rollback: got %d, want 1", remaining)
	}
}

func TestRollbackMissingPriorVersionIsFatal(t *testing.T) {
	pr := newPropRegistry(t)
	blockA, blockB := hashOf(10), hashOf(11)

	// Simulate an interrupted write: entry claims an update in blockB but
	// no previous version was parked. Creating directly with a mismatched
	// chain reproduces the gap.
	pr.Create(hashOf(1), &registry.Property{Name: "alpha",
		CreationBlock: blockA, UpdateBlock: blockB})

	_, err := pr.Rollback(blockB)
	if err == nil {
		t.Fatal("expected consensus fault, got nil")
	}
	if !chain.IsFault(err) {
		t.Errorf("expected ConsensusFault, got %v", err)
	}
}

// === Watermark ===

func TestWatermarkRoundTrip(t *testing.T) {
	pr := newPropRegistry(t)
	if _, found, _ := pr.Watermark(); found {
		t.Fatal("watermark should start unset")
	}
	if err := pr.SetWatermark(hashOf(42)); err != nil {
		t.Fatalf("set watermark: %v", err)
	}
	got, found, err := pr.Watermark()
	if err != nil || !found {
		t.Fatalf("watermark: found=%v err=%v", found, err)
	}
	if want := hashOf(42); got != want {
		t.Errorf("watermark: got %x, want %x", got[:4], want[:4])
	}
}

// === Contract registry ===

func TestContractFindByName(t *testing.T) {
	cr, err := registry.NewContractRegistry(storage.NewMemStore(), zerolog.Nop())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	id, err := cr.Create(hashOf(1), &registry.Contract{Name: "ALL/dUSD", Issuer: "alice",
		NotionalSize: 10, CollateralID: 3, MarginRequirement: 100})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	gotID, c, found, err := cr.FindByName("ALL/dUSD")
	if err != nil || !found {
		t.Fatalf("find by name: found=%v err=%v", found, err)
	}
	if gotID != id || c.CollateralID != 3 {
		t.Errorf("find by name: got id=%d collateral=%d, want id=%d collateral=3", gotID, c.CollateralID, id)
	}

	if _, _, found, _ := cr.FindByName("missing"); found {
		t.Error("unexpected match for missing name")
	}
}
