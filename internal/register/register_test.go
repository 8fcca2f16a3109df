package register_test

import (
	"testing"

	"MetaLayer/internal/register"
)

// ============================================================================
// FIFO lots and position transitions
// ============================================================================

func TestOpenIncreaseNet(t *testing.T) {
	r := register.New()

	status, closed, err := r.ApplyFill("alice", 7, 10, 50000000, register.SideLong)
	if err != nil {
		t.Fatalf("ApplyFill: %v", err)
	}
	if status != register.StatusOpened {
		t.Errorf("status = %v, want opened", status)
	}
	if len(closed) != 0 {
		t.Errorf("closed lots = %d, want 0", len(closed))
	}

	status, _, _ = r.ApplyFill("alice", 7, 5, 60000000, register.SideLong)
	if status != register.StatusIncreased {
		t.Errorf("status = %v, want increased", status)
	}
	if got := r.Position("alice", 7); got != 15 {
		t.Errorf("position = %d, want 15", got)
	}

	// Net 12 short against the 15 long: oldest lot consumed first.
	status, closed, _ = r.ApplyFill("alice", 7, 12, 55000000, register.SideShort)
	if status != register.StatusNettedPartly {
		t.Errorf("status = %v, want netted_partly", status)
	}
	if len(closed) != 2 {
		t.Fatalf("closed lots = %d, want 2", len(closed))
	}
	if closed[0].Amount != 10 || closed[0].EntryPrice != 50000000 {
		t.Errorf("first closed lot = %+v, want amount 10 entry 50000000", closed[0])
	}
	if closed[1].Amount != 2 || closed[1].EntryPrice != 60000000 {
		t.Errorf("second closed lot = %+v, want amount 2 entry 60000000", closed[1])
	}
	if got := r.Position("alice", 7); got != 3 {
		t.Errorf("position after partial net = %d, want 3", got)
	}
}

func TestPositionFlip(t *testing.T) {
	r := register.New()

	r.ApplyFill("bob", 3, 4, 20000000, register.SideShort)
	status, closed, _ := r.ApplyFill("bob", 3, 10, 25000000, register.SideLong)

	if status != register.StatusFlipped {
		t.Errorf("status = %v, want flipped", status)
	}
	if len(closed) != 1 || closed[0].Amount != 4 {
		t.Errorf("closed = %+v, want one lot of 4", closed)
	}
	if got := r.Position("bob", 3); got != 6 {
		t.Errorf("position after flip = %d, want +6", got)
	}
	if got := r.EntryPrice("bob", 3); got != 25000000 {
		t.Errorf("entry price after flip = %d, want 25000000", got)
	}
}

func TestExactNetClearsRecords(t *testing.T) {
	r := register.New()

	r.ApplyFill("carol", 9, 8, 40000000, register.SideLong)
	status, _, _ := r.ApplyFill("carol", 9, 8, 42000000, register.SideShort)

	if status != register.StatusNetted {
		t.Errorf("status = %v, want netted", status)
	}
	if got := r.Position("carol", 9); got != 0 {
		t.Errorf("position = %d, want 0", got)
	}
	if got := r.Record("carol", 9, register.RecordUPNL); got != 0 {
		t.Errorf("upnl after net = %d, want 0", got)
	}
}

// ============================================================================
// Entry price
// ============================================================================

func TestEntryPriceWeightedRoundUp(t *testing.T) {
	r := register.New()

	// 3 @ 100 and 1 @ 101: weighted average 100.75, rounds up to 101.
	r.ApplyFill("dave", 2, 3, 100, register.SideLong)
	r.ApplyFill("dave", 2, 1, 101, register.SideLong)

	if got := r.EntryPrice("dave", 2); got != 101 {
		t.Errorf("entry price = %d, want 101", got)
	}
}

// ============================================================================
// Margin, PnL, liquidation
// ============================================================================

func TestMarginNonNegative(t *testing.T) {
	r := register.New()

	if err := r.AddMargin("erin", 5, 1000); err != nil {
		t.Fatalf("AddMargin: %v", err)
	}
	if err := r.AddMargin("erin", 5, -2000); err == nil {
		t.Error("expected error taking margin below zero")
	}
	if got := r.Record("erin", 5, register.RecordMargin); got != 1000 {
		t.Errorf("margin = %d, want 1000", got)
	}
}

func TestUnrealizedPnLSigns(t *testing.T) {
	// Long 10 contracts, notional 1.0, entry 50.0, mark 100.0:
	// 10 * 1.0 * (1/50 - 1/100) = 0.1 in token units.
	got := register.UnrealizedPnL(10, 100000000, 5000000000, 10000000000)
	if got != 10000000 {
		t.Errorf("long pnl = %d, want 10000000", got)
	}

	// Same move against a short loses the same amount.
	got = register.UnrealizedPnL(-10, 100000000, 5000000000, 10000000000)
	if got != -10000000 {
		t.Errorf("short pnl = %d, want -10000000", got)
	}

	if got := register.UnrealizedPnL(0, 100000000, 5000000000, 10000000000); got != 0 {
		t.Errorf("flat pnl = %d, want 0", got)
	}
}

func TestLiquidationPrice(t *testing.T) {
	// Long 10, notional 1.0, entry 50.0, margin 0.1 token:
	// loss of 0.1 occurs at 1/liq = 1/50 + 0.1/(10*1.0) -> liq = 33.333...
	got := register.LiquidationPrice(10, 100000000, 5000000000, 10000000)
	want := int64(3333333333)
	if got != want {
		t.Errorf("long liquidation price = %d, want %d", got, want)
	}

	// Short 10, notional 1.0, entry 50.0, margin 0.1 token:
	// loss of 0.1 occurs at 1/liq = 1/50 - 0.1/(10*1.0) -> liq = 100.0.
	got = register.LiquidationPrice(-10, 100000000, 5000000000, 10000000)
	if got != 10000000000 {
		t.Errorf("short liquidation price = %d, want 10000000000", got)
	}

	// A short whose margin covers the worst-case move has no liquidation
	// price: max loss as price grows without bound is pos*notional/entry.
	if got := register.LiquidationPrice(-10, 100000000, 5000000000, 5000000000); got != 0 {
		t.Errorf("over-margined short liquidation price = %d, want 0", got)
	}
}

// ============================================================================
// Snapshot / restore
// ============================================================================

func TestSnapshotRestore(t *testing.T) {
	r := register.New()
	r.ApplyFill("frank", 4, 6, 30000000, register.SideLong)
	r.AddMargin("frank", 4, 500)

	snap := r.Snapshot()

	r.ApplyFill("frank", 4, 6, 35000000, register.SideShort)
	r.AddMargin("frank", 4, -500)
	if got := r.Position("frank", 4); got != 0 {
		t.Fatalf("position before restore = %d, want 0", got)
	}

	r.Restore(snap)
	if got := r.Position("frank", 4); got != 6 {
		t.Errorf("position after restore = %d, want 6", got)
	}
	if got := r.Record("frank", 4, register.RecordMargin); got != 500 {
		t.Errorf("margin after restore = %d, want 500", got)
	}
}
