package core_test

import (
	"testing"

	"github.com/rs/zerolog"

	"MetaLayer/internal/activation"
	"MetaLayer/internal/chain"
	"MetaLayer/internal/codec"
	"MetaLayer/internal/core"
	"MetaLayer/internal/ledger"
	"MetaLayer/internal/registry"
	"MetaLayer/internal/storage"
)

// ============================================================
// Helpers
// ============================================================

func newTestEngine(t *testing.T) *core.Engine {
	t.Helper()
	log := zerolog.Nop()
	props, err := registry.NewPropertyRegistry(storage.NewMemStore(), log)
	if err != nil {
		t.Fatalf("property registry: %v", err)
	}
	contracts, err := registry.NewContractRegistry(storage.NewMemStore(), log)
	if err != nil {
		t.Fatalf("contract registry: %v", err)
	}
	acts := activation.NewManager(activation.Config{
		ClientVersion: 1,
		AllowSenders:  []string{"any"},
	}, log)
	interp := core.NewInterpreter(ledger.NewTally(), props, contracts, acts, log)
	return core.NewEngine(interp, core.Options{}, log)
}

func hashOf(b byte) chain.Hash256 {
	var h chain.Hash256
	for i := range h {
		h[i] = b
	}
	return h
}

func txidOf(height, idx int) chain.Hash256 {
	var h chain.Hash256
	h[0] = byte(height)
	h[1] = byte(height >> 8)
	h[2] = byte(idx)
	h[3] = 0x7d
	return h
}

func tx(height, idx int, sender, receiver string, payload codec.Payload) chain.Tx {
	return chain.Tx{
		BlockHeight: height,
		BlockHash:   hashOf(byte(height)),
		Txid:        txidOf(height, idx),
		Idx:         idx,
		Sender:      sender,
		Receiver:    receiver,
		Payload:     codec.Encode(payload),
	}
}

func block(height int, txs ...chain.Tx) core.Block {
	return core.Block{Height: height, Hash: hashOf(byte(height)), Txs: txs}
}

func mustApply(t *testing.T, e *core.Engine, b core.Block) *core.BlockResult {
	t.Helper()
	res, err := e.ApplyBlock(b)
	if err != nil {
		t.Fatalf("apply block %d: %v", b.Height, err)
	}
	return res
}

func wantCode(t *testing.T, res *core.BlockResult, idx int, code chain.RejectCode) {
	t.Helper()
	if idx >= len(res.Outcomes) {
		t.Fatalf("outcome %d missing, have %d", idx, len(res.Outcomes))
	}
	if got := res.Outcomes[idx].Code; got != code {
		t.Errorf("outcome %d code = %v, want %v", idx, got, code)
	}
}

// issueFixed creates a fixed-supply property in its own block and returns
// the assigned id.
func issueFixed(t *testing.T, e *core.Engine, height int, issuer, name string, amount int64) uint32 {
	t.Helper()
	res := mustApply(t, e, block(height, tx(height, 0, issuer, "", &codec.CreatePropertyFixed{
		PropertyType: registry.PropertyTypeDivisible,
		Name:         name,
		Amount:       amount,
	})))
	wantCode(t, res, 0, chain.Accepted)
	id := registry.FirstAssignedID
	for e.Interpreter().Properties().Exists(id + 1) {
		id++
	}
	return id
}

// ============================================================
// Sends
// ============================================================

func TestSimpleSendTransfersBalance(t *testing.T) {
	e := newTestEngine(t)
	prop := issueFixed(t, e, 100, "alice", "Quantum", 1_000_000)

	res := mustApply(t, e, block(101,
		tx(101, 0, "alice", "bob", &codec.SimpleSend{Property: prop, Amount: 300_000}),
	))
	wantCode(t, res, 0, chain.Accepted)

	tally := e.Interpreter().Tally()
	if got := tally.Balance("alice", prop, ledger.Available); got != 700_000 {
		t.Errorf("alice balance = %d, want 700000", got)
	}
	if got := tally.Balance("bob", prop, ledger.Available); got != 300_000 {
		t.Errorf("bob balance = %d, want 300000", got)
	}
	if got := tally.CirculatingTotal(prop); got != 1_000_000 {
		t.Errorf("circulating total = %d, want 1000000", got)
	}
}

func TestSendRejections(t *testing.T) {
	e := newTestEngine(t)
	prop := issueFixed(t, e, 100, "alice", "Quantum", 1000)

	res := mustApply(t, e, block(101,
		tx(101, 0, "alice", "alice", &codec.SimpleSend{Property: prop, Amount: 10}),
		tx(101, 1, "alice", "bob", &codec.SimpleSend{Property: prop, Amount: 0}),
		tx(101, 2, "alice", "bob", &codec.SimpleSend{Property: prop, Amount: 5000}),
		tx(101, 3, "alice", "bob", &codec.SimpleSend{Property: 99, Amount: 10}),
		tx(101, 4, "bob", "carol", &codec.SimpleSend{Property: prop, Amount: 10}),
	))
	wantCode(t, res, 0, chain.RejectSelfSend)
	wantCode(t, res, 1, chain.RejectZeroAmount)
	wantCode(t, res, 2, chain.RejectInsufficientFunds)
	wantCode(t, res, 3, chain.RejectPropertyNotFound)
	wantCode(t, res, 4, chain.RejectInsufficientFunds)

	if got := e.Interpreter().Tally().Balance("alice", prop, ledger.Available); got != 1000 {
		t.Errorf("alice balance after rejections = %d, want 1000", got)
	}
}

func TestSendManySumsToReceiver(t *testing.T) {
	e := newTestEngine(t)
	prop := issueFixed(t, e, 100, "alice", "Quantum", 1000)

	// SendMany is gated behind its feature.
	res := mustApply(t, e, block(101,
		tx(101, 0, "alice", "bob", &codec.SendMany{Property: prop, Amounts: []int64{10, 20, 30}}),
	))
	wantCode(t, res, 0, chain.RejectNotActivated)

	mustApply(t, e, block(102,
		tx(102, 0, "alice", "", &codec.Activation{FeatureID: activation.FeatureSendMany, ActivationBlock: 103, MinClientVersion: 1}),
	))
	mustApply(t, e, block(103))

	res = mustApply(t, e, block(104,
		tx(104, 0, "alice", "bob", &codec.SendMany{Property: prop, Amounts: []int64{10, 20, 30}}),
	))
	wantCode(t, res, 0, chain.Accepted)
	if got := e.Interpreter().Tally().Balance("bob", prop, ledger.Available); got != 60 {
		t.Errorf("bob balance = %d, want 60", got)
	}
}

func TestMalformedPayloadRejected(t *testing.T) {
	e := newTestEngine(t)
	bad := chain.Tx{
		BlockHeight: 100,
		BlockHash:   hashOf(100),
		Txid:        txidOf(100, 0),
		Sender:      "alice",
		Payload:     []byte{0xff},
	}
	res := mustApply(t, e, core.Block{Height: 100, Hash: hashOf(100), Txs: []chain.Tx{bad}})
	wantCode(t, res, 0, chain.RejectMalformedPayload)
}

// ============================================================
// Duplicates and sequencing
// ============================================================

func TestDuplicateTxidSkipped(t *testing.T) {
	e := newTestEngine(t)
	prop := issueFixed(t, e, 100, "alice", "Quantum", 1000)

	send := tx(101, 0, "alice", "bob", &codec.SimpleSend{Property: prop, Amount: 100})
	res := mustApply(t, e, block(101, send))
	wantCode(t, res, 0, chain.Accepted)

	// Same txid replayed in a later block must not transfer again and
	// produces no outcome.
	replay := send
	replay.BlockHeight = 102
	res = mustApply(t, e, block(102, replay))
	if len(res.Outcomes) != 0 {
		t.Errorf("duplicate produced %d outcomes, want 0", len(res.Outcomes))
	}
	if got := e.Interpreter().Tally().Balance("bob", prop, ledger.Available); got != 100 {
		t.Errorf("bob balance = %d, want 100", got)
	}
}

func TestBlockSequenceGapIsFault(t *testing.T) {
	e := newTestEngine(t)
	mustApply(t, e, block(100))
	if _, err := e.ApplyBlock(block(102)); !chain.IsFault(err) {
		t.Fatalf("gap error = %v, want consensus fault", err)
	}
}

// ============================================================
// State hash chain
// ============================================================

func TestStateHashDeterministicAcrossEngines(t *testing.T) {
	blocks := func(e *core.Engine) [32]byte {
		prop := issueFixed(t, e, 100, "alice", "Quantum", 1000)
		mustApply(t, e, block(101,
			tx(101, 0, "alice", "bob", &codec.SimpleSend{Property: prop, Amount: 250}),
			tx(101, 1, "bob", "carol", &codec.SimpleSend{Property: prop, Amount: 100}),
		))
		return e.StateHash()
	}
	h1 := blocks(newTestEngine(t))
	h2 := blocks(newTestEngine(t))
	if h1 != h2 {
		t.Errorf("state hashes diverge: %x vs %x", h1, h2)
	}
}

func TestStateHashChainsAcrossBlocks(t *testing.T) {
	e := newTestEngine(t)
	res1 := mustApply(t, e, block(100))
	res2 := mustApply(t, e, block(101))
	if res2.PrevHash != res1.StateHash {
		t.Errorf("block 101 prev hash does not chain from block 100")
	}
	if res1.StateHash == res2.StateHash {
		t.Errorf("consecutive blocks produced identical state hashes")
	}
}

// ============================================================
// Rollback
// ============================================================

func TestRollbackRestoresStateAndIsIdempotent(t *testing.T) {
	e := newTestEngine(t)
	prop := issueFixed(t, e, 100, "alice", "Quantum", 1000)
	hashAfter100 := e.StateHash()

	mustApply(t, e, block(101,
		tx(101, 0, "alice", "bob", &codec.SimpleSend{Property: prop, Amount: 400}),
	))

	if err := e.Rollback(hashOf(101)); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	tally := e.Interpreter().Tally()
	if got := tally.Balance("alice", prop, ledger.Available); got != 1000 {
		t.Errorf("alice balance after rollback = %d, want 1000", got)
	}
	if got := tally.Balance("bob", prop, ledger.Available); got != 0 {
		t.Errorf("bob balance after rollback = %d, want 0", got)
	}
	if e.StateHash() != hashAfter100 {
		t.Errorf("state hash not rewound to block 100 tip")
	}

	// Second rollback of the same hash is a no-op.
	if err := e.Rollback(hashOf(101)); err != nil {
		t.Fatalf("repeat rollback: %v", err)
	}
	if got := tally.Balance("alice", prop, ledger.Available); got != 1000 {
		t.Errorf("alice balance after repeat rollback = %d, want 1000", got)
	}

	// The replacing block at the same height replays cleanly, including
	// the original txid.
	res := mustApply(t, e, block(101,
		tx(101, 0, "alice", "bob", &codec.SimpleSend{Property: prop, Amount: 150}),
	))
	wantCode(t, res, 0, chain.Accepted)
	if got := tally.Balance("bob", prop, ledger.Available); got != 150 {
		t.Errorf("bob balance after replay = %d, want 150", got)
	}
}

func TestRollbackMultipleBlocksFromTip(t *testing.T) {
	e := newTestEngine(t)
	prop := issueFixed(t, e, 100, "alice", "Quantum", 1000)

	mustApply(t, e, block(101, tx(101, 0, "alice", "bob", &codec.SimpleSend{Property: prop, Amount: 100})))
	mustApply(t, e, block(102, tx(102, 0, "alice", "bob", &codec.SimpleSend{Property: prop, Amount: 100})))

	// Rolling back 101 also unwinds 102.
	if err := e.Rollback(hashOf(101)); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if got := e.Interpreter().Tally().Balance("bob", prop, ledger.Available); got != 0 {
		t.Errorf("bob balance = %d, want 0", got)
	}
	res := mustApply(t, e, block(101))
	if res.Height != 101 {
		t.Errorf("replay height = %d, want 101", res.Height)
	}
}

// ============================================================
// Bilateral exchange end to end
// ============================================================

func TestDExOfferAcceptPaymentLifecycle(t *testing.T) {
	e := newTestEngine(t)
	prop := issueFixed(t, e, 100, "alice", "Quantum", 100_000_000)

	mustApply(t, e, block(101,
		tx(101, 0, "alice", "", &codec.Activation{FeatureID: activation.FeatureDExSell, ActivationBlock: 102, MinClientVersion: 1}),
	))
	mustApply(t, e, block(102))

	// Offer 1.0 for 0.2 base coin.
	res := mustApply(t, e, block(103,
		tx(103, 0, "alice", "", &codec.DExSellOffer{
			Version:       1,
			Property:      prop,
			AmountForSale: 100_000_000,
			AmountDesired: 20_000_000,
			PaymentWindow: 10,
			SubAction:     1,
		}),
	))
	wantCode(t, res, 0, chain.Accepted)

	tally := e.Interpreter().Tally()
	if got := tally.Balance("alice", prop, ledger.SellOfferReserve); got != 100_000_000 {
		t.Errorf("sell offer reserve = %d, want 100000000", got)
	}

	res = mustApply(t, e, block(104,
		tx(104, 0, "bob", "alice", &codec.DExAccept{Property: prop, Amount: 100_000_000}),
	))
	wantCode(t, res, 0, chain.Accepted)

	pay := tx(105, 0, "bob", "alice", &codec.DExPayment{})
	pay.PaidAmount = 20_000_000
	res = mustApply(t, e, block(105, pay))
	wantCode(t, res, 0, chain.Accepted)

	if got := tally.Balance("bob", prop, ledger.Available); got != 100_000_000 {
		t.Errorf("bob purchased = %d, want 100000000", got)
	}
	if _, live := e.Interpreter().Dex().Offer("alice", prop); live {
		t.Errorf("offer should be retired after full payment")
	}
}

// ============================================================
// Vesting
// ============================================================

func TestVestingReleasesPerBlock(t *testing.T) {
	e := newTestEngine(t)
	err := e.Bootstrap([]core.GenesisAlloc{
		{Address: "alice", Property: registry.PropertyVesting, Pocket: ledger.Available, Amount: 1000},
		{Address: "alice", Property: registry.PropertyBaseToken, Pocket: ledger.Unvested, Amount: 1_000_000},
	})
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	mustApply(t, e, block(100))
	tally := e.Interpreter().Tally()
	if got := tally.Balance("alice", registry.PropertyBaseToken, ledger.Available); got != 1000 {
		t.Errorf("released after one block = %d, want 1000", got)
	}
	if got := tally.Balance("alice", registry.PropertyBaseToken, ledger.Unvested); got != 999_000 {
		t.Errorf("unvested after one block = %d, want 999000", got)
	}
}

func TestSendVestingMovesEntitlement(t *testing.T) {
	e := newTestEngine(t)
	err := e.Bootstrap([]core.GenesisAlloc{
		{Address: "alice", Property: registry.PropertyVesting, Pocket: ledger.Available, Amount: 1000},
		{Address: "alice", Property: registry.PropertyBaseToken, Pocket: ledger.Unvested, Amount: 1_000_000},
	})
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	mustApply(t, e, block(100,
		tx(100, 0, "alice", "", &codec.Activation{FeatureID: activation.FeatureVesting, ActivationBlock: 101, MinClientVersion: 1}),
	))
	mustApply(t, e, block(101))

	res := mustApply(t, e, block(102,
		tx(102, 0, "alice", "bob", &codec.SendVesting{Amount: 250}),
	))
	wantCode(t, res, 0, chain.Accepted)

	tally := e.Interpreter().Tally()
	if got := tally.Balance("bob", registry.PropertyVesting, ledger.Available); got != 250 {
		t.Errorf("bob vesting tokens = %d, want 250", got)
	}
	if got := tally.Balance("bob", registry.PropertyBaseToken, ledger.Unvested); got == 0 {
		t.Errorf("bob received no unvested entitlement")
	}
}

// ============================================================
// Issuance management
// ============================================================

func TestManagedGrantRevoke(t *testing.T) {
	e := newTestEngine(t)

	res := mustApply(t, e, block(100,
		tx(100, 0, "issuer", "", &codec.CreatePropertyManaged{
			PropertyType: registry.PropertyTypeDivisible,
			Name:         "Managed",
		}),
	))
	wantCode(t, res, 0, chain.Accepted)
	prop := registry.FirstAssignedID

	res = mustApply(t, e, block(101,
		tx(101, 0, "issuer", "holder", &codec.Grant{Property: prop, Amount: 500}),
		tx(101, 1, "mallory", "holder", &codec.Grant{Property: prop, Amount: 500}),
		tx(101, 2, "issuer", "", &codec.Revoke{Property: prop, Amount: 100}),
	))
	wantCode(t, res, 0, chain.Accepted)
	wantCode(t, res, 1, chain.RejectNotIssuer)
	wantCode(t, res, 2, chain.RejectInsufficientFunds) // issuer holds nothing

	if got := e.Interpreter().Tally().Balance("holder", prop, ledger.Available); got != 500 {
		t.Errorf("holder balance = %d, want 500", got)
	}
	p, _, err := e.Interpreter().Properties().Get(prop)
	if err != nil {
		t.Fatalf("get property: %v", err)
	}
	if p.NumTokens != 500 {
		t.Errorf("supply = %d, want 500", p.NumTokens)
	}
}

func TestRollbackOfGrantRestoresRegistryVersion(t *testing.T) {
	e := newTestEngine(t)

	res := mustApply(t, e, block(100,
		tx(100, 0, "issuer", "", &codec.CreatePropertyManaged{
			PropertyType: registry.PropertyTypeDivisible,
			Name:         "Managed",
		}),
	))
	wantCode(t, res, 0, chain.Accepted)
	prop := registry.FirstAssignedID
	hashAfter100 := e.StateHash()

	res = mustApply(t, e, block(101,
		tx(101, 0, "issuer", "holder", &codec.Grant{Property: prop, Amount: 500}),
	))
	wantCode(t, res, 0, chain.Accepted)

	// Reorging the grant block must restore the registry entry the grant
	// updated, not fault.
	if err := e.Rollback(hashOf(101)); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if got := e.Interpreter().Tally().Balance("holder", prop, ledger.Available); got != 0 {
		t.Errorf("holder balance after rollback = %d, want 0", got)
	}
	p, found, err := e.Interpreter().Properties().Get(prop)
	if err != nil || !found {
		t.Fatalf("get property after rollback: found=%v err=%v", found, err)
	}
	if p.NumTokens != 0 {
		t.Errorf("supply after rollback = %d, want 0", p.NumTokens)
	}
	if e.StateHash() != hashAfter100 {
		t.Errorf("state hash not rewound to block 100 tip")
	}
}
