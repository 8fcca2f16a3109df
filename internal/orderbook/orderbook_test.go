package orderbook_test

import (
	"testing"

	"github.com/rs/zerolog"

	"MetaLayer/internal/chain"
	"MetaLayer/internal/ledger"
	"MetaLayer/internal/orderbook"
	"MetaLayer/internal/register"
)

func mint(t *testing.T, tally *ledger.Tally, address string, property uint32, amount int64) {
	t.Helper()
	if err := tally.Update(address, property, ledger.Available, amount); err != nil {
		t.Fatalf("minting %d of property %d to %s: %v", amount, property, address, err)
	}
}

func txAt(sender string, block, idx int) chain.Tx {
	var txid chain.Hash256
	txid[0] = byte(block)
	txid[1] = byte(idx)
	copy(txid[2:], sender)
	return chain.Tx{
		BlockHeight: block,
		Idx:         idx,
		Txid:        txid,
		Sender:      sender,
	}
}

// ============================================================================
// Token book: matching and rounding
// ============================================================================

func TestTokenTradeExecutesAtMakerPrice(t *testing.T) {
	tally := ledger.NewTally()
	book := orderbook.NewTokenBook(tally, nil, zerolog.Nop())

	mint(t, tally, "maker", 1, 100000000)
	mint(t, tally, "taker", 2, 500000000)

	// Maker offers 1.0 of property 1 for 2.0 of property 2.
	fills, code, err := book.Trade(txAt("maker", 100, 0), 1, 100000000, 2, 200000000)
	if err != nil || code != chain.Accepted {
		t.Fatalf("maker trade: code %v err %v", code, err)
	}
	if len(fills) != 0 {
		t.Fatalf("maker fills = %d, want 0", len(fills))
	}
	if got := tally.Balance("maker", 1, ledger.MetaDExReserve); got != 100000000 {
		t.Errorf("maker reserve = %d, want 100000000", got)
	}

	// Taker offers 4.0 of property 2 for 1.0 of property 1: crosses, but
	// executes at the maker's 2.0 ask, not the taker's limit.
	fills, code, err = book.Trade(txAt("taker", 101, 0), 2, 400000000, 1, 100000000)
	if err != nil || code != chain.Accepted {
		t.Fatalf("taker trade: code %v err %v", code, err)
	}
	if len(fills) != 1 {
		t.Fatalf("taker fills = %d, want 1", len(fills))
	}
	if fills[0].AmountTraded != 100000000 || fills[0].AmountPaid != 200000000 {
		t.Errorf("fill = traded %d paid %d, want 100000000 / 200000000", fills[0].AmountTraded, fills[0].AmountPaid)
	}

	if got := tally.Balance("taker", 1, ledger.Available); got != 100000000 {
		t.Errorf("taker bought = %d, want 100000000", got)
	}
	if got := tally.Balance("maker", 2, ledger.Available); got != 200000000 {
		t.Errorf("maker received = %d, want 200000000", got)
	}
	// Taker's unspent 2.0 of property 2 rests on the book, reserved.
	if got := tally.Balance("taker", 2, ledger.MetaDExReserve); got != 200000000 {
		t.Errorf("taker remainder reserved = %d, want 200000000", got)
	}
	if got := tally.Balance("maker", 1, ledger.MetaDExReserve); got != 0 {
		t.Errorf("maker reserve after fill = %d, want 0", got)
	}
}

func TestTokenPriceTimePriority(t *testing.T) {
	tally := ledger.NewTally()
	book := orderbook.NewTokenBook(tally, nil, zerolog.Nop())

	mint(t, tally, "pricey", 1, 100000000)
	mint(t, tally, "cheap", 1, 100000000)
	mint(t, tally, "early", 1, 100000000)
	mint(t, tally, "late", 1, 100000000)
	mint(t, tally, "taker", 2, 1000000000)

	// Worse price submitted first; better price must still fill first.
	book.Trade(txAt("pricey", 100, 0), 1, 100000000, 2, 300000000)
	book.Trade(txAt("cheap", 100, 1), 1, 100000000, 2, 100000000)

	fills, code, err := book.Trade(txAt("taker", 101, 0), 2, 100000000, 1, 25000000)
	if err != nil || code != chain.Accepted {
		t.Fatalf("taker trade: code %v err %v", code, err)
	}
	if len(fills) != 1 || fills[0].MakerAddress != "cheap" {
		t.Fatalf("fills = %+v, want single fill from cheap", fills)
	}

	// Equal prices fill in (block, idx) arrival order.
	book.Trade(txAt("early", 102, 3), 1, 100000000, 2, 100000000)
	book.Trade(txAt("late", 102, 7), 1, 100000000, 2, 100000000)

	fills, _, err = book.Trade(txAt("taker", 103, 0), 2, 100000000, 1, 100000000)
	if err != nil {
		t.Fatalf("taker trade: %v", err)
	}
	if len(fills) != 1 || fills[0].MakerAddress != "early" {
		t.Fatalf("fills = %+v, want single fill from early", fills)
	}
}

func TestTokenTradeConservation(t *testing.T) {
	tally := ledger.NewTally()
	book := orderbook.NewTokenBook(tally, nil, zerolog.Nop())

	mint(t, tally, "alice", 1, 300000000)
	mint(t, tally, "bob", 2, 700000000)

	book.Trade(txAt("alice", 100, 0), 1, 300000000, 2, 600000000)
	book.Trade(txAt("bob", 100, 1), 2, 700000000, 1, 300000000)

	if got := tally.CirculatingTotal(1); got != 300000000 {
		t.Errorf("property 1 total = %d, want 300000000", got)
	}
	if got := tally.CirculatingTotal(2); got != 700000000 {
		t.Errorf("property 2 total = %d, want 700000000", got)
	}
}

func TestTokenTradeRejections(t *testing.T) {
	tally := ledger.NewTally()
	book := orderbook.NewTokenBook(tally, nil, zerolog.Nop())
	mint(t, tally, "alice", 1, 50)

	cases := []struct {
		name     string
		forSale  uint32
		amount   int64
		desired  uint32
		amountD  int64
		wantCode chain.RejectCode
	}{
		{"same property", 1, 10, 1, 10, chain.RejectBadParameter},
		{"zero amount", 1, 0, 2, 10, chain.RejectZeroAmount},
		{"zero desired", 1, 10, 2, 0, chain.RejectZeroDesired},
		{"insufficient", 1, 100, 2, 10, chain.RejectInsufficientFunds},
	}
	for _, tc := range cases {
		_, code, err := book.Trade(txAt("alice", 100, 0), tc.forSale, tc.amount, tc.desired, tc.amountD)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if code != tc.wantCode {
			t.Errorf("%s: code = %v, want %v", tc.name, code, tc.wantCode)
		}
	}
}

// ============================================================================
// Token book: cancels
// ============================================================================

func TestTokenCancelVariantsRefundReserve(t *testing.T) {
	tally := ledger.NewTally()
	book := orderbook.NewTokenBook(tally, nil, zerolog.Nop())
	mint(t, tally, "alice", 1, 400)

	tx1 := txAt("alice", 100, 0)
	book.Trade(tx1, 1, 100, 2, 200)
	book.Trade(txAt("alice", 100, 1), 1, 100, 2, 300)
	book.Trade(txAt("alice", 100, 2), 1, 100, 3, 100)
	book.Trade(txAt("alice", 100, 3), 1, 100, 3, 500)

	if code, _ := book.CancelByTxid("alice", tx1.Txid); code != chain.Accepted {
		t.Fatalf("cancel by txid: %v", code)
	}
	if got := tally.Balance("alice", 1, ledger.Available); got != 100 {
		t.Errorf("available after txid cancel = %d, want 100", got)
	}

	if code, _ := book.CancelAtPrice("alice", 1, 100, 2, 300); code != chain.Accepted {
		t.Fatalf("cancel at price: %v", code)
	}
	if code, _ := book.CancelPair("alice", 1, 3); code != chain.Accepted {
		t.Fatalf("cancel pair: %v", code)
	}
	if got := tally.Balance("alice", 1, ledger.Available); got != 400 {
		t.Errorf("available after all cancels = %d, want 400", got)
	}
	if book.Depth() != 0 {
		t.Errorf("book depth = %d, want 0", book.Depth())
	}

	if code, _ := book.CancelAll("alice"); code != chain.RejectNoSuchOrder {
		t.Errorf("cancel with empty book = %v, want no-such-order", code)
	}
}

// ============================================================================
// Contract book
// ============================================================================

func contractSpec() orderbook.ContractSpec {
	return orderbook.ContractSpec{
		ContractID:         7,
		CollateralProperty: 4,
		MarginRequirement:  1000,
		NotionalSize:       100000000,
	}
}

func TestContractMatchOpensBothSides(t *testing.T) {
	tally := ledger.NewTally()
	reg := register.New()
	book := orderbook.NewContractBook(tally, reg, nil, zerolog.Nop())
	spec := contractSpec()

	mint(t, tally, "long", 4, 100000)
	mint(t, tally, "short", 4, 100000)

	fills, code, err := book.Trade(txAt("short", 100, 0), spec, 10, 50000000, orderbook.ActionSell)
	if err != nil || code != chain.Accepted {
		t.Fatalf("sell: code %v err %v", code, err)
	}
	if len(fills) != 0 {
		t.Fatalf("sell fills = %d, want 0", len(fills))
	}
	if got := tally.Balance("short", 4, ledger.ContractDExReserve); got != 10000 {
		t.Errorf("short reserve = %d, want 10000", got)
	}

	fills, code, err = book.Trade(txAt("long", 101, 0), spec, 10, 50000000, orderbook.ActionBuy)
	if err != nil || code != chain.Accepted {
		t.Fatalf("buy: code %v err %v", code, err)
	}
	if len(fills) != 1 {
		t.Fatalf("buy fills = %d, want 1", len(fills))
	}
	f := fills[0]
	if f.BuyerAddress != "long" || f.SellerAddress != "short" || f.Amount != 10 || f.Price != 50000000 {
		t.Errorf("fill = %+v, want long/short 10 @ 50000000", f)
	}
	if f.BuyerStatus != register.StatusOpened || f.SellerStatus != register.StatusOpened {
		t.Errorf("statuses = %v/%v, want opened/opened", f.BuyerStatus, f.SellerStatus)
	}

	if got := reg.Position("long", 7); got != 10 {
		t.Errorf("long position = %d, want 10", got)
	}
	if got := reg.Position("short", 7); got != -10 {
		t.Errorf("short position = %d, want -10", got)
	}
	if got := reg.Record("long", 7, register.RecordMargin); got != 10000 {
		t.Errorf("long margin = %d, want 10000", got)
	}
}

func TestContractLeverageScalesMargin(t *testing.T) {
	tally := ledger.NewTally()
	reg := register.New()
	book := orderbook.NewContractBook(tally, reg, nil, zerolog.Nop())
	spec := contractSpec()

	mint(t, tally, "long", 4, 100000)
	mint(t, tally, "short", 4, 100000)
	reg.SetLeverage("long", 7, 4)

	// 10 contracts at 1000 collateral each, 4x leverage: 2500 reserved.
	_, code, err := book.Trade(txAt("long", 100, 0), spec, 10, 50000000, orderbook.ActionBuy)
	if err != nil || code != chain.Accepted {
		t.Fatalf("buy: code %v err %v", code, err)
	}
	if got := tally.Balance("long", 4, ledger.ContractDExReserve); got != 2500 {
		t.Errorf("leveraged reserve = %d, want 2500", got)
	}

	// The unleveraged counterparty posts the full requirement.
	fills, code, err := book.Trade(txAt("short", 100, 1), spec, 10, 50000000, orderbook.ActionSell)
	if err != nil || code != chain.Accepted {
		t.Fatalf("sell: code %v err %v", code, err)
	}
	if len(fills) != 1 {
		t.Fatalf("fills = %d, want 1", len(fills))
	}
	if got := reg.Record("long", 7, register.RecordMargin); got != 2500 {
		t.Errorf("long margin = %d, want 2500", got)
	}
	if got := reg.Record("short", 7, register.RecordMargin); got != 10000 {
		t.Errorf("short margin = %d, want 10000", got)
	}
}

func TestContractBuyFillsBestAskFirst(t *testing.T) {
	tally := ledger.NewTally()
	reg := register.New()
	book := orderbook.NewContractBook(tally, reg, nil, zerolog.Nop())
	spec := contractSpec()

	for _, addr := range []string{"ask-high", "ask-low", "taker"} {
		mint(t, tally, addr, 4, 1000000)
	}

	book.Trade(txAt("ask-high", 100, 0), spec, 5, 60000000, orderbook.ActionSell)
	book.Trade(txAt("ask-low", 100, 1), spec, 5, 40000000, orderbook.ActionSell)

	fills, _, err := book.Trade(txAt("taker", 101, 0), spec, 5, 70000000, orderbook.ActionBuy)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if len(fills) != 1 || fills[0].SellerAddress != "ask-low" || fills[0].Price != 40000000 {
		t.Fatalf("fills = %+v, want one fill from ask-low at 40000000", fills)
	}
}

func TestContractNettingReleasesMargin(t *testing.T) {
	tally := ledger.NewTally()
	reg := register.New()
	book := orderbook.NewContractBook(tally, reg, nil, zerolog.Nop())
	spec := contractSpec()

	for _, addr := range []string{"alice", "bob", "carol"} {
		mint(t, tally, addr, 4, 1000000)
	}

	// Alice goes long 10 against Bob.
	book.Trade(txAt("bob", 100, 0), spec, 10, 50000000, orderbook.ActionSell)
	book.Trade(txAt("alice", 100, 1), spec, 10, 50000000, orderbook.ActionBuy)

	// Alice sells her 10 to Carol: position netted, margin released.
	book.Trade(txAt("carol", 101, 0), spec, 10, 55000000, orderbook.ActionBuy)
	fills, _, err := book.Trade(txAt("alice", 101, 1), spec, 10, 55000000, orderbook.ActionSell)
	if err != nil {
		t.Fatalf("netting sell: %v", err)
	}
	if len(fills) != 1 || fills[0].SellerStatus != register.StatusNetted {
		t.Fatalf("fills = %+v, want one netted fill", fills)
	}

	if got := reg.Position("alice", 7); got != 0 {
		t.Errorf("alice position = %d, want 0", got)
	}
	if got := reg.Record("alice", 7, register.RecordMargin); got != 0 {
		t.Errorf("alice margin = %d, want 0", got)
	}
	if got := tally.Balance("alice", 4, ledger.Available); got != 1000000 {
		t.Errorf("alice available = %d, want full 1000000 back", got)
	}
}

func TestContractClosePosition(t *testing.T) {
	tally := ledger.NewTally()
	reg := register.New()
	book := orderbook.NewContractBook(tally, reg, nil, zerolog.Nop())
	spec := contractSpec()

	for _, addr := range []string{"alice", "bob", "carol"} {
		mint(t, tally, addr, 4, 1000000)
	}

	book.Trade(txAt("bob", 100, 0), spec, 8, 50000000, orderbook.ActionSell)
	book.Trade(txAt("alice", 100, 1), spec, 8, 50000000, orderbook.ActionBuy)

	// No liquidity to close into yet beyond Carol's bid.
	book.Trade(txAt("carol", 101, 0), spec, 8, 48000000, orderbook.ActionBuy)

	fills, code, err := book.ClosePosition(txAt("alice", 102, 0), spec)
	if err != nil || code != chain.Accepted {
		t.Fatalf("close: code %v err %v", code, err)
	}
	if len(fills) != 1 || fills[0].Amount != 8 || fills[0].Price != 48000000 {
		t.Fatalf("fills = %+v, want 8 @ 48000000", fills)
	}
	if got := reg.Position("alice", 7); got != 0 {
		t.Errorf("alice position after close = %d, want 0", got)
	}

	if _, code, _ := book.ClosePosition(txAt("alice", 103, 0), spec); code != chain.RejectNoPosition {
		t.Errorf("close with flat position = %v, want no-position", code)
	}
}

func TestContractCancelByBlockRefunds(t *testing.T) {
	tally := ledger.NewTally()
	reg := register.New()
	book := orderbook.NewContractBook(tally, reg, nil, zerolog.Nop())
	spec := contractSpec()
	mint(t, tally, "alice", 4, 1000000)

	book.Trade(txAt("alice", 100, 3), spec, 10, 50000000, orderbook.ActionSell)
	if got := tally.Balance("alice", 4, ledger.ContractDExReserve); got != 10000 {
		t.Fatalf("reserve = %d, want 10000", got)
	}

	if code, _ := book.CancelByBlock("alice", 100, 3); code != chain.Accepted {
		t.Fatalf("cancel by block: %v", code)
	}
	if got := tally.Balance("alice", 4, ledger.Available); got != 1000000 {
		t.Errorf("available after cancel = %d, want 1000000", got)
	}
	if code, _ := book.CancelByBlock("alice", 100, 3); code != chain.RejectNoSuchOrder {
		t.Errorf("second cancel = %v, want no-such-order", code)
	}
}

// ============================================================================
// Volume and VWAP accumulators
// ============================================================================

func TestVolumeBookAccumulates(t *testing.T) {
	tally := ledger.NewTally()
	stats := orderbook.NewVolumeBook()
	book := orderbook.NewTokenBook(tally, stats, zerolog.Nop())

	mint(t, tally, "maker", 1, 100000000)
	mint(t, tally, "taker", 2, 200000000)

	book.Trade(txAt("maker", 100, 0), 1, 100000000, 2, 200000000)
	book.Trade(txAt("taker", 100, 1), 2, 200000000, 1, 100000000)

	pair := orderbook.Pair{Base: 1, Quote: 2}
	if got := stats.LastPrice(pair); got != 200000000 {
		t.Errorf("last price = %d, want 200000000", got)
	}
	if got := stats.TokenVWAP(pair); got != 200000000 {
		t.Errorf("vwap = %d, want 200000000", got)
	}
	if got := stats.TokenBlockVolume(100, pair); got != 100000000 {
		t.Errorf("block volume = %d, want 100000000", got)
	}
}
