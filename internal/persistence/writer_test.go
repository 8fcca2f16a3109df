package persistence_test

import (
	"context"
	"testing"
	"time"

	"MetaLayer/internal/chain"
	"MetaLayer/internal/core"
	"MetaLayer/internal/ledger"
	"MetaLayer/internal/observability"
	"MetaLayer/internal/persistence"
	"MetaLayer/internal/testutil"
)

func testHash(b byte) chain.Hash256 {
	var h chain.Hash256
	h[31] = b
	return h
}

func blockResult(height int, txByte byte) core.BlockResult {
	var state, prev [32]byte
	state[0] = byte(height)
	prev[0] = byte(height - 1)
	return core.BlockResult{
		Height:    height,
		Hash:      testHash(byte(height)),
		StateHash: state,
		PrevHash:  prev,
		Outcomes: []chain.Outcome{
			{Txid: testHash(txByte), BlockHeight: height, Idx: 0, Type: 0, Code: chain.Accepted},
		},
		Mutations: []ledger.Mutation{
			{Key: ledger.TallyKey{Address: "alice", Property: 3, Pocket: ledger.Available}, Delta: -500},
			{Key: ledger.TallyKey{Address: "bob", Property: 3, Pocket: ledger.Available}, Delta: 500},
		},
	}
}

func TestBlockWriterRoundTrip(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	migrator := persistence.NewMigrator(db, "../../migrations", observability.NewLogger("test"))
	if err := migrator.Up(ctx); err != nil {
		t.Fatalf("migrate up: %v", err)
	}

	w := persistence.NewBlockWriter(db)

	if h, err := w.LastHeight(ctx); err != nil || h != -1 {
		t.Fatalf("LastHeight on empty mirror = %d, %v, want -1, nil", h, err)
	}

	if err := w.WriteBlock(ctx, blockResult(100, 0xaa)); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}
	if err := w.WriteBlock(ctx, blockResult(101, 0xbb)); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}

	// Rewrites of an already-durable height are no-ops.
	if err := w.WriteBlock(ctx, blockResult(101, 0xbb)); err != nil {
		t.Fatalf("duplicate WriteBlock: %v", err)
	}

	if h, err := w.LastHeight(ctx); err != nil || h != 101 {
		t.Fatalf("LastHeight = %d, %v, want 101, nil", h, err)
	}

	var balance int64
	row := db.QueryRowContext(ctx,
		`SELECT balance FROM metalayer.balances WHERE address = 'bob' AND property = 3 AND pocket = 0`)
	if err := row.Scan(&balance); err != nil {
		t.Fatalf("read bob balance: %v", err)
	}
	if balance != 1000 {
		t.Errorf("bob balance = %d, want 1000", balance)
	}

	checker := persistence.NewPostgresTxidChecker(db)
	seen, err := checker.Seen(testHash(0xaa))
	if err != nil || !seen {
		t.Errorf("Seen(written txid) = %v, %v, want true, nil", seen, err)
	}
	seen, err = checker.Seen(testHash(0xcc))
	if err != nil || seen {
		t.Errorf("Seen(unknown txid) = %v, %v, want false, nil", seen, err)
	}

	if err := w.RollbackBlock(ctx, 101); err != nil {
		t.Fatalf("RollbackBlock: %v", err)
	}
	if h, err := w.LastHeight(ctx); err != nil || h != 100 {
		t.Fatalf("LastHeight after rollback = %d, %v, want 100, nil", h, err)
	}
	row = db.QueryRowContext(ctx,
		`SELECT balance FROM metalayer.balances WHERE address = 'bob' AND property = 3 AND pocket = 0`)
	if err := row.Scan(&balance); err != nil {
		t.Fatalf("read bob balance after rollback: %v", err)
	}
	if balance != 500 {
		t.Errorf("bob balance after rollback = %d, want 500", balance)
	}
}

func TestCheckpointManagerRoundTrip(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	migrator := persistence.NewMigrator(db, "../../migrations", observability.NewLogger("test"))
	if err := migrator.Up(ctx); err != nil {
		t.Fatalf("migrate up: %v", err)
	}

	cm := persistence.NewCheckpointManager(db)

	if cp, err := cm.LoadLatest(ctx); err != nil || cp != nil {
		t.Fatalf("LoadLatest on empty table = %v, %v, want nil, nil", cp, err)
	}

	saved := &persistence.Checkpoint{
		Height:    500,
		BlockHash: testHash(5).String(),
		StateHash: []byte{1, 2, 3},
		Balances: []persistence.BalanceEntry{
			{Address: "alice", Property: 3, Pocket: 0, Balance: 1_000},
		},
		Txids:     []string{testHash(0xaa).String()},
		CreatedAt: time.Now(),
	}
	if err := cm.Save(ctx, saved); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Unverified checkpoints never serve restarts.
	if cp, err := cm.LoadLatest(ctx); err != nil || cp != nil {
		t.Fatalf("LoadLatest before verify = %v, %v, want nil, nil", cp, err)
	}

	if err := cm.MarkVerified(ctx, 500); err != nil {
		t.Fatalf("MarkVerified: %v", err)
	}

	cp, err := cm.LoadLatest(ctx)
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if cp == nil || cp.Height != 500 {
		t.Fatalf("LoadLatest = %+v, want height 500", cp)
	}
	if len(cp.Balances) != 1 || cp.Balances[0].Balance != 1_000 {
		t.Errorf("balances = %+v, want alice with 1000", cp.Balances)
	}
}
