package orderbook

import (
	"sort"

	"github.com/rs/zerolog"

	"MetaLayer/internal/chain"
	"MetaLayer/internal/ledger"
	xmath "MetaLayer/internal/math"
	"MetaLayer/internal/register"
)

// Trading actions on the contract book.
const (
	ActionBuy  uint8 = 1
	ActionSell uint8 = 2
)

// ContractSpec carries the contract terms matching needs: collateral
// property, per-contract margin and notional size. The caller resolves it
// from the contract registry.
type ContractSpec struct {
	ContractID         uint32
	CollateralProperty uint32
	MarginRequirement  int64
	NotionalSize       int64
	Inverse            bool
}

// ContractOrder is a resting futures order. ReservedMargin is the
// collateral still held against the unfilled remainder; it shrinks as
// fills consume it and is refunded on cancel.
type ContractOrder struct {
	Address string
	Block   int
	Idx     int
	Txid    chain.Hash256

	ContractID         uint32
	Amount             int64
	Price              int64
	TradingAction      uint8
	CollateralProperty uint32
	ReservedMargin     int64
}

// ContractFill is one matched futures trade plus the position transitions
// it caused. Clearing consumes the statuses and closed lots to build its
// settlement paths.
type ContractFill struct {
	Block      int
	ContractID uint32

	BuyerAddress  string
	SellerAddress string
	BuyerTxid     chain.Hash256
	SellerTxid    chain.Hash256

	Amount int64
	Price  int64 // maker price; fills always execute there

	BuyerStatus  register.Status
	SellerStatus register.Status
	BuyerClosed  []register.ClosedLot
	SellerClosed []register.ClosedLot
}

type contractLevel struct {
	price  int64
	orders []*ContractOrder // FIFO by (block, idx)
}

// ContractBook is the futures order book: per contract a price ladder
// holding both sides, distinguished by trading action. A buy crosses
// resting sells at or below its limit walking up; a sell crosses resting
// buys at or above its limit walking down.
type ContractBook struct {
	tally *ledger.Tally
	reg   *register.Register
	books map[uint32][]*contractLevel
	stats *VolumeBook
	log   zerolog.Logger
}

func NewContractBook(tally *ledger.Tally, reg *register.Register, stats *VolumeBook, log zerolog.Logger) *ContractBook {
	return &ContractBook{
		tally: tally,
		reg:   reg,
		books: make(map[uint32][]*contractLevel),
		stats: stats,
		log:   log,
	}
}

// marginFor sizes the collateral for an exposure: per-contract margin
// scaled down by the trader's leverage. Leverage below 1x means none was
// set and the full requirement applies.
func marginFor(amount, marginRequirement, leverage int64) int64 {
	if amount <= 0 {
		return 0
	}
	if leverage < 1 {
		leverage = 1
	}
	return xmath.MulDiv(amount, marginRequirement, leverage, xmath.RoundUp)
}

func (b *ContractBook) leverageOf(address string, contractID uint32) int64 {
	return b.reg.Record(address, contractID, register.RecordLeverage)
}

// Trade reserves margin for the incoming order, matches it against the
// opposite side of the book and rests any remainder.
func (b *ContractBook) Trade(tx chain.Tx, spec ContractSpec, amount, price int64, action uint8) ([]ContractFill, chain.RejectCode, error) {
	if action != ActionBuy && action != ActionSell {
		return nil, chain.RejectUnsupportedAction, nil
	}
	if amount <= 0 {
		return nil, chain.RejectZeroAmount, nil
	}
	if price <= 0 {
		return nil, chain.RejectBadParameter, nil
	}

	required := marginFor(amount, spec.MarginRequirement, b.leverageOf(tx.Sender, spec.ContractID))
	if err := b.tally.Move(tx.Sender, ledger.Available, tx.Sender, ledger.ContractDExReserve, spec.CollateralProperty, required); err != nil {
		return nil, chain.RejectInsufficientFunds, nil
	}

	incoming := &ContractOrder{
		Address:            tx.Sender,
		Block:              tx.BlockHeight,
		Idx:                tx.Idx,
		Txid:               tx.Txid,
		ContractID:         spec.ContractID,
		Amount:             amount,
		Price:              price,
		TradingAction:      action,
		CollateralProperty: spec.CollateralProperty,
		ReservedMargin:     required,
	}

	fills, err := b.submit(incoming, spec, true)
	if err != nil {
		return fills, chain.Accepted, err
	}

	b.log.Debug().
		Int("height", tx.BlockHeight).
		Str("txid", tx.Txid.String()).
		Uint32("contract", spec.ContractID).
		Int("fills", len(fills)).
		Int64("resting", incoming.Amount).
		Msg("contract trade")

	return fills, chain.Accepted, nil
}

// submit runs the bidirectional walk for one order. When rest is false
// the unfilled remainder is dropped instead of being inserted (market
// order close).
func (b *ContractBook) submit(incoming *ContractOrder, spec ContractSpec, rest bool) ([]ContractFill, error) {
	var fills []ContractFill

	levels := b.books[incoming.ContractID]
	if incoming.TradingAction == ActionBuy {
		for li := 0; li < len(levels) && incoming.Amount > 0; li++ {
			if levels[li].price > incoming.Price {
				break
			}
			if err := b.matchLevel(incoming, spec, levels[li], &fills); err != nil {
				return fills, err
			}
		}
	} else {
		for li := len(levels) - 1; li >= 0 && incoming.Amount > 0; li-- {
			if levels[li].price < incoming.Price {
				break
			}
			if err := b.matchLevel(incoming, spec, levels[li], &fills); err != nil {
				return fills, err
			}
		}
	}
	b.pruneContract(incoming.ContractID)

	switch {
	case incoming.Amount > 0 && rest:
		b.insert(incoming)
	default:
		if err := b.refundReserve(incoming); err != nil {
			return fills, err
		}
	}
	return fills, nil
}

// matchLevel fills the incoming order against one price level at the
// resting price, FIFO. Resting orders on the same side or from the same
// address never match.
func (b *ContractBook) matchLevel(incoming *ContractOrder, spec ContractSpec, level *contractLevel, fills *[]ContractFill) error {
	for oi := 0; oi < len(level.orders) && incoming.Amount > 0; {
		resting := level.orders[oi]
		if resting.TradingAction == incoming.TradingAction || resting.Address == incoming.Address {
			oi++
			continue
		}

		quantity := incoming.Amount
		if resting.Amount < quantity {
			quantity = resting.Amount
		}
		if quantity == 0 {
			oi++
			continue
		}

		fill, err := b.executeFill(incoming, resting, spec, quantity, level.price)
		if err != nil {
			return err
		}
		*fills = append(*fills, fill)

		incoming.Amount -= quantity
		resting.Amount -= quantity
		if resting.Amount == 0 {
			if err := b.refundReserve(resting); err != nil {
				return err
			}
			level.orders = append(level.orders[:oi], level.orders[oi+1:]...)
		} else {
			oi++
		}
	}
	return nil
}

// executeFill applies one match to both registers and settles the margin
// movements: margin for newly opened exposure comes out of the order's
// reserve, margin freed by netted exposure returns to Available.
func (b *ContractBook) executeFill(incoming, resting *ContractOrder, spec ContractSpec, quantity, price int64) (ContractFill, error) {
	var buyer, seller *ContractOrder
	if incoming.TradingAction == ActionBuy {
		buyer, seller = incoming, resting
	} else {
		buyer, seller = resting, incoming
	}

	buyerStatus, buyerClosed, err := b.applySide(buyer, spec, quantity, price, register.SideLong)
	if err != nil {
		return ContractFill{}, err
	}
	sellerStatus, sellerClosed, err := b.applySide(seller, spec, quantity, price, register.SideShort)
	if err != nil {
		return ContractFill{}, err
	}

	if b.stats != nil {
		b.stats.RecordContractFill(spec.ContractID, incoming.Block, price, quantity, spec.NotionalSize)
	}

	return ContractFill{
		Block:         incoming.Block,
		ContractID:    spec.ContractID,
		BuyerAddress:  buyer.Address,
		SellerAddress: seller.Address,
		BuyerTxid:     buyer.Txid,
		SellerTxid:    seller.Txid,
		Amount:        quantity,
		Price:         price,
		BuyerStatus:   buyerStatus,
		SellerStatus:  sellerStatus,
		BuyerClosed:   buyerClosed,
		SellerClosed:  sellerClosed,
	}, nil
}

func (b *ContractBook) applySide(order *ContractOrder, spec ContractSpec, quantity, price int64, side int8) (register.Status, []register.ClosedLot, error) {
	positionBefore := b.reg.Position(order.Address, spec.ContractID)
	marginBefore := b.reg.Record(order.Address, spec.ContractID, register.RecordMargin)

	status, closed, err := b.reg.ApplyFill(order.Address, spec.ContractID, quantity, price, side)
	if err != nil {
		return status, closed, chain.Faultf("contractdex", "apply fill for %s on contract %d: %v", order.Address, spec.ContractID, err)
	}

	var closedAmount int64
	for _, lot := range closed {
		closedAmount += lot.Amount
	}
	openedAmount := quantity - closedAmount

	// Margin for the opened part moves from the order's reserve onto the
	// position.
	if openedAmount > 0 {
		post := marginFor(openedAmount, spec.MarginRequirement, b.leverageOf(order.Address, spec.ContractID))
		if post > order.ReservedMargin {
			post = order.ReservedMargin
		}
		order.ReservedMargin -= post
		if err := b.reg.AddMargin(order.Address, spec.ContractID, post); err != nil {
			return status, closed, chain.Faultf("contractdex", "posting margin for %s: %v", order.Address, err)
		}
	}

	// Margin backing the netted part is released back to Available.
	if closedAmount > 0 && positionBefore != 0 {
		abs := positionBefore
		if abs < 0 {
			abs = -abs
		}
		release := xmath.MulDiv(marginBefore, closedAmount, abs, xmath.RoundDown)
		held := b.reg.Record(order.Address, spec.ContractID, register.RecordMargin)
		if release > held {
			release = held
		}
		if release > 0 {
			if err := b.reg.AddMargin(order.Address, spec.ContractID, -release); err != nil {
				return status, closed, chain.Faultf("contractdex", "releasing margin for %s: %v", order.Address, err)
			}
			if err := b.tally.Move(order.Address, ledger.ContractDExReserve, order.Address, ledger.Available, spec.CollateralProperty, release); err != nil {
				return status, closed, chain.Faultf("contractdex", "returning %d collateral to %s: %v", release, order.Address, err)
			}
		}
	}

	return status, closed, nil
}

// refundReserve returns an order's remaining reserved margin to the
// owner's Available pocket.
func (b *ContractBook) refundReserve(order *ContractOrder) error {
	if order.ReservedMargin <= 0 {
		return nil
	}
	if err := b.tally.Move(order.Address, ledger.ContractDExReserve, order.Address, ledger.Available, order.CollateralProperty, order.ReservedMargin); err != nil {
		return chain.Faultf("contractdex", "refunding %d collateral to %s: %v", order.ReservedMargin, order.Address, err)
	}
	order.ReservedMargin = 0
	return nil
}

// ClosePosition submits a market order against the opposite side of the
// book until the sender's position is flat or liquidity runs out. Freed
// margin returns through the usual netting release.
func (b *ContractBook) ClosePosition(tx chain.Tx, spec ContractSpec) ([]ContractFill, chain.RejectCode, error) {
	position := b.reg.Position(tx.Sender, spec.ContractID)
	if position == 0 {
		return nil, chain.RejectNoPosition, nil
	}

	action := ActionSell
	amount := position
	if position < 0 {
		action = ActionBuy
		amount = -position
	}

	var fills []ContractFill
	for amount > 0 {
		price, ok := b.edgePrice(spec.ContractID, action)
		if !ok {
			break
		}
		order := &ContractOrder{
			Address:            tx.Sender,
			Block:              tx.BlockHeight,
			Idx:                tx.Idx,
			Txid:               tx.Txid,
			ContractID:         spec.ContractID,
			Amount:             amount,
			Price:              price,
			TradingAction:      action,
			CollateralProperty: spec.CollateralProperty,
		}
		part, err := b.submit(order, spec, false)
		fills = append(fills, part...)
		if err != nil {
			return fills, chain.Accepted, err
		}
		if order.Amount == amount {
			break
		}
		amount = order.Amount
	}

	if len(fills) == 0 {
		return nil, chain.RejectNoOffer, nil
	}
	return fills, chain.Accepted, nil
}

// edgePrice returns the best opposing price for a would-be order with the
// given action: the lowest resting sell for a buy, the highest resting
// buy for a sell.
func (b *ContractBook) edgePrice(contractID uint32, action uint8) (int64, bool) {
	levels := b.books[contractID]
	if action == ActionBuy {
		for _, level := range levels {
			for _, order := range level.orders {
				if order.TradingAction == ActionSell && order.Amount > 0 {
					return level.price, true
				}
			}
		}
	} else {
		for li := len(levels) - 1; li >= 0; li-- {
			for _, order := range levels[li].orders {
				if order.TradingAction == ActionBuy && order.Amount > 0 {
					return levels[li].price, true
				}
			}
		}
	}
	return 0, false
}

func (b *ContractBook) insert(order *ContractOrder) {
	levels := b.books[order.ContractID]
	pos := sort.Search(len(levels), func(i int) bool {
		return levels[i].price >= order.Price
	})
	if pos < len(levels) && levels[pos].price == order.Price {
		level := levels[pos]
		at := sort.Search(len(level.orders), func(i int) bool {
			o := level.orders[i]
			if o.Block != order.Block {
				return o.Block > order.Block
			}
			return o.Idx > order.Idx
		})
		level.orders = append(level.orders, nil)
		copy(level.orders[at+1:], level.orders[at:])
		level.orders[at] = order
		return
	}

	level := &contractLevel{price: order.Price, orders: []*ContractOrder{order}}
	levels = append(levels, nil)
	copy(levels[pos+1:], levels[pos:])
	levels[pos] = level
	b.books[order.ContractID] = levels
}

func (b *ContractBook) pruneContract(contractID uint32) {
	levels := b.books[contractID]
	kept := levels[:0]
	for _, level := range levels {
		if len(level.orders) > 0 {
			kept = append(kept, level)
		}
	}
	if len(kept) == 0 {
		delete(b.books, contractID)
	} else {
		b.books[contractID] = kept
	}
}

// cancel removes every resting contract order the filter selects,
// refunding reserves. Returns how many orders were cancelled.
func (b *ContractBook) cancel(keep func(*ContractOrder) bool) (int, error) {
	cancelled := 0
	for contractID := range b.books {
		for _, level := range b.books[contractID] {
			kept := level.orders[:0]
			for _, order := range level.orders {
				if keep(order) {
					kept = append(kept, order)
					continue
				}
				if err := b.refundReserve(order); err != nil {
					return cancelled, err
				}
				cancelled++
			}
			level.orders = kept
		}
		b.pruneContract(contractID)
	}
	return cancelled, nil
}

// CancelByTxid removes the sender's order created by the given
// transaction.
func (b *ContractBook) CancelByTxid(sender string, txid chain.Hash256) (chain.RejectCode, error) {
	n, err := b.cancel(func(o *ContractOrder) bool {
		return o.Address != sender || o.Txid != txid
	})
	if err != nil {
		return chain.Accepted, err
	}
	if n == 0 {
		return chain.RejectNoSuchOrder, nil
	}
	return chain.Accepted, nil
}

// CancelAtPrice removes the sender's orders on a contract resting at the
// given price with the given trading action.
func (b *ContractBook) CancelAtPrice(sender string, contractID uint32, price int64, action uint8) (chain.RejectCode, error) {
	n, err := b.cancel(func(o *ContractOrder) bool {
		return o.Address != sender ||
			o.ContractID != contractID ||
			o.Price != price ||
			o.TradingAction != action
	})
	if err != nil {
		return chain.Accepted, err
	}
	if n == 0 {
		return chain.RejectNoSuchOrder, nil
	}
	return chain.Accepted, nil
}

// CancelAll removes every order the sender has on one contract.
func (b *ContractBook) CancelAll(sender string, contractID uint32) (chain.RejectCode, error) {
	n, err := b.cancel(func(o *ContractOrder) bool {
		return o.Address != sender || o.ContractID != contractID
	})
	if err != nil {
		return chain.Accepted, err
	}
	if n == 0 {
		return chain.RejectNoSuchOrder, nil
	}
	return chain.Accepted, nil
}

// CancelContract clears every resting order on one contract regardless of
// owner, refunding all reserves. Runs when a contract expires or closes.
func (b *ContractBook) CancelContract(contractID uint32) (int, error) {
	return b.cancel(func(o *ContractOrder) bool {
		return o.ContractID != contractID
	})
}

// CancelByBlock removes the sender's order placed at an exact block and
// in-block index.
func (b *ContractBook) CancelByBlock(sender string, blockHeight, idx int) (chain.RejectCode, error) {
	n, err := b.cancel(func(o *ContractOrder) bool {
		return o.Address != sender || o.Block != blockHeight || o.Idx != idx
	})
	if err != nil {
		return chain.Accepted, err
	}
	if n == 0 {
		return chain.RejectNoSuchOrder, nil
	}
	return chain.Accepted, nil
}

// Orders returns the resting orders on a contract, price-ascending and
// FIFO within a level.
func (b *ContractBook) Orders(contractID uint32) []ContractOrder {
	var out []ContractOrder
	for _, level := range b.books[contractID] {
		for _, order := range level.orders {
			out = append(out, *order)
		}
	}
	return out
}

// Depth reports how many orders rest across all contracts.
func (b *ContractBook) Depth() int {
	n := 0
	for _, levels := range b.books {
		for _, level := range levels {
			n += len(level.orders)
		}
	}
	return n
}

// Snapshot deep-copies the book state for later Restore.
func (b *ContractBook) Snapshot() map[uint32][]ContractOrder {
	snap := make(map[uint32][]ContractOrder, len(b.books))
	for contractID := range b.books {
		snap[contractID] = b.Orders(contractID)
	}
	return snap
}

// Restore replaces the book contents with a snapshot.
func (b *ContractBook) Restore(snap map[uint32][]ContractOrder) {
	b.books = make(map[uint32][]*contractLevel, len(snap))
	for _, orders := range snap {
		for i := range orders {
			order := orders[i]
			b.insert(&order)
		}
	}
}
