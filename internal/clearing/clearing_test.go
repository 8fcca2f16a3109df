package clearing_test

import (
	"testing"

	"github.com/rs/zerolog"

	"MetaLayer/internal/chain"
	"MetaLayer/internal/clearing"
	"MetaLayer/internal/ledger"
	"MetaLayer/internal/orderbook"
	"MetaLayer/internal/register"
)

func mint(t *testing.T, tally *ledger.Tally, address string, property uint32, amount int64) {
	t.Helper()
	if err := tally.Update(address, property, ledger.Available, amount); err != nil {
		t.Fatalf("minting: %v", err)
	}
}

func txAt(sender string, block, idx int) chain.Tx {
	var txid chain.Hash256
	txid[0] = byte(block)
	txid[1] = byte(idx)
	copy(txid[2:], sender)
	return chain.Tx{BlockHeight: block, Idx: idx, Txid: txid, Sender: sender}
}

func spec() orderbook.ContractSpec {
	return orderbook.ContractSpec{
		ContractID:         7,
		CollateralProperty: 4,
		MarginRequirement:  100000, // 0.001 collateral per contract
		NotionalSize:       100000000,
	}
}

// ============================================================================
// Settlement of a round-trip window
// ============================================================================

func TestSettleRealizedRoundTrip(t *testing.T) {
	tally := ledger.NewTally()
	reg := register.New()
	book := orderbook.NewContractBook(tally, reg, nil, zerolog.Nop())
	sp := spec()

	for _, addr := range []string{"alice", "bob"} {
		mint(t, tally, addr, 4, 100000000)
	}

	var fills []orderbook.ContractFill

	// Alice long 10 @ 50, Bob short. Then they cross back @ 100:
	// alice realizes 10*1.0*(1/50-1/100) = 0.1, bob the mirror loss.
	book.Trade(txAt("bob", 100, 0), sp, 10, 5000000000, orderbook.ActionSell)
	part, _, err := book.Trade(txAt("alice", 100, 1), sp, 10, 5000000000, orderbook.ActionBuy)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	fills = append(fills, part...)

	book.Trade(txAt("bob", 101, 0), sp, 10, 10000000000, orderbook.ActionBuy)
	part, _, err = book.Trade(txAt("alice", 101, 1), sp, 10, 10000000000, orderbook.ActionSell)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	fills = append(fills, part...)

	clearer := clearing.NewClearer(tally, reg, zerolog.Nop())
	settlement, err := clearer.Settle(7, sp, fills)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}

	if got := settlement.NetPnL["alice"]; got != 10000000 {
		t.Errorf("alice pnl = %d, want 10000000", got)
	}
	if got := settlement.NetPnL["bob"]; got != -10000000 {
		t.Errorf("bob pnl = %d, want -10000000", got)
	}
	if len(settlement.Ghosts) != 0 {
		t.Errorf("ghosts = %d, want 0 for a fully closed window", len(settlement.Ghosts))
	}
	if settlement.Shortfall != 0 {
		t.Errorf("shortfall = %d, want 0", settlement.Shortfall)
	}

	// Zero-sum: alice's gain came out of bob, via the fund.
	if got := tally.Balance("alice", 4, ledger.Available); got != 110000000 {
		t.Errorf("alice available = %d, want 110000000", got)
	}
	if got := tally.Balance("bob", 4, ledger.Available); got != 90000000 {
		t.Errorf("bob available = %d, want 90000000", got)
	}
	if got := tally.Balance(clearing.FundAddress, 4, ledger.Available); got != 0 {
		t.Errorf("fund residue = %d, want 0", got)
	}

	if got := tally.Balance("alice", 4, ledger.RealizedProfit); got != 10000000 {
		t.Errorf("alice realized profit record = %d, want 10000000", got)
	}
	if got := tally.Balance("bob", 4, ledger.RealizedLoss); got != 10000000 {
		t.Errorf("bob realized loss record = %d, want 10000000", got)
	}
}

// ============================================================================
// Ghost edges for exposure still live at expiry
// ============================================================================

func TestSettleGhostsNetLiveExposure(t *testing.T) {
	tally := ledger.NewTally()
	reg := register.New()
	book := orderbook.NewContractBook(tally, reg, nil, zerolog.Nop())
	sp := spec()

	for _, addr := range []string{"alice", "bob"} {
		mint(t, tally, addr, 4, 100000000)
	}

	// One open trade, never closed: both sides live at expiry.
	book.Trade(txAt("bob", 100, 0), sp, 10, 5000000000, orderbook.ActionSell)
	fills, _, err := book.Trade(txAt("alice", 100, 1), sp, 10, 5000000000, orderbook.ActionBuy)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	clearer := clearing.NewClearer(tally, reg, zerolog.Nop())
	settlement, err := clearer.Settle(7, sp, fills)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}

	if len(settlement.Ghosts) != 1 {
		t.Fatalf("ghosts = %d, want 1", len(settlement.Ghosts))
	}
	g := settlement.Ghosts[0]
	if g.LongAddress != "alice" || g.ShortAddress != "bob" || g.Amount != 10 {
		t.Errorf("ghost = %+v, want alice/bob amount 10", g)
	}
	// Both entries equal the clearing price, so the ghost nets to zero PnL.
	if settlement.ClearingPrice != 5000000000 {
		t.Errorf("clearing price = %d, want 5000000000", settlement.ClearingPrice)
	}
	if got := settlement.NetPnL["alice"]; got != 0 {
		t.Errorf("alice pnl = %d, want 0", got)
	}

	// Register flattened, margin returned.
	if got := reg.Position("alice", 7); got != 0 {
		t.Errorf("alice position after settle = %d, want 0", got)
	}
	if got := tally.Balance("alice", 4, ledger.Available); got != 100000000 {
		t.Errorf("alice available = %d, want all margin back", got)
	}
	if got := tally.CirculatingTotal(4); got != 200000000 {
		t.Errorf("collateral circulating total = %d, want 200000000", got)
	}
}

// ============================================================================
// Clearing price from mixed live entries
// ============================================================================

func TestSettleClearingPriceWeighsLiveEntries(t *testing.T) {
	tally := ledger.NewTally()
	reg := register.New()
	book := orderbook.NewContractBook(tally, reg, nil, zerolog.Nop())
	sp := spec()

	for _, addr := range []string{"alice", "bob", "carol", "dave"} {
		mint(t, tally, addr, 4, 100000000)
	}

	// Two open pairs at different entries, none closed before expiry.
	var fills []orderbook.ContractFill
	book.Trade(txAt("bob", 100, 0), sp, 10, 4000000000, orderbook.ActionSell)
	part, _, err := book.Trade(txAt("alice", 100, 1), sp, 10, 4000000000, orderbook.ActionBuy)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	fills = append(fills, part...)

	book.Trade(txAt("dave", 101, 0), sp, 5, 6000000000, orderbook.ActionSell)
	part, _, err = book.Trade(txAt("carol", 101, 1), sp, 5, 6000000000, orderbook.ActionBuy)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	fills = append(fills, part...)

	clearer := clearing.NewClearer(tally, reg, zerolog.Nop())
	settlement, err := clearer.Settle(7, sp, fills)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}

	// Live longs and shorts pair off exactly, so the gamma quantity nets
	// to zero and the exit price falls to the entry-weighted average of
	// the live lots: ceil((2*10*40 + 2*5*60) / 30) in willets.
	if settlement.ClearingPrice != 4666666667 {
		t.Errorf("clearing price = %d, want 4666666667", settlement.ClearingPrice)
	}
	if len(settlement.Ghosts) != 2 {
		t.Errorf("ghosts = %d, want 2", len(settlement.Ghosts))
	}

	// Ghost PnL is zero-sum across the four traders and collateral is
	// conserved.
	var sum int64
	for _, pnl := range settlement.NetPnL {
		sum += pnl
	}
	if sum != 0 {
		t.Errorf("settlement pnl sum = %d, want 0", sum)
	}
	if got := tally.CirculatingTotal(4); got != 400000000 {
		t.Errorf("collateral circulating total = %d, want 400000000", got)
	}
}

// ============================================================================
// Reconciliation faults
// ============================================================================

func TestSettleFaultsOnBrokenPath(t *testing.T) {
	tally := ledger.NewTally()
	reg := register.New()
	sp := spec()

	// A register position with no fill backing it cannot reconcile.
	reg.ApplyFill("alice", 7, 5, 5000000000, register.SideLong)

	fills := []orderbook.ContractFill{{
		Block:         100,
		ContractID:    7,
		BuyerAddress:  "alice",
		SellerAddress: "bob",
		Amount:        2,
		Price:         5000000000,
		BuyerStatus:   register.StatusOpened,
		SellerStatus:  register.StatusOpened,
	}}

	clearer := clearing.NewClearer(tally, reg, zerolog.Nop())
	if _, err := clearer.Settle(7, sp, fills); !chain.IsFault(err) {
		t.Errorf("Settle with broken path = %v, want consensus fault", err)
	}
}
