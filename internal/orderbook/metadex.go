package orderbook

import (
	"sort"

	"github.com/rs/zerolog"

	"MetaLayer/internal/chain"
	"MetaLayer/internal/ledger"
	xmath "MetaLayer/internal/math"
)

// TokenOrder is a resting token-for-token order. The original for-sale and
// desired amounts fix the price for the order's whole life; only
// AmountRemaining shrinks as fills land.
type TokenOrder struct {
	Address string
	Block   int
	Idx     int
	Txid    chain.Hash256

	Property        uint32
	PropertyDesired uint32
	AmountForSale   int64
	AmountDesired   int64
	AmountRemaining int64
}

// UnitPrice is the ask: desired units per for-sale unit.
func (o *TokenOrder) UnitPrice() Ratio {
	return NewRatio(o.AmountDesired, o.AmountForSale)
}

// InversePrice is the bid read of the same order: for-sale units per
// desired unit.
func (o *TokenOrder) InversePrice() Ratio {
	return NewRatio(o.AmountForSale, o.AmountDesired)
}

// TokenFill is one matched trade on the token book. Amounts are quoted
// from the taker's point of view: the taker received AmountTraded of the
// maker's property and paid AmountPaid of its own.
type TokenFill struct {
	Block        int
	MakerAddress string
	TakerAddress string
	MakerTxid    chain.Hash256
	TakerTxid    chain.Hash256

	PropertyTraded  uint32 // maker's for-sale property
	PropertyPayment uint32 // taker's for-sale property
	AmountTraded    int64
	AmountPaid      int64
	Price           Ratio // maker's unit price; fills always execute there
}

type tokenLevel struct {
	price  Ratio
	orders []*TokenOrder // FIFO by (block, idx)
}

// TokenBook is the token-for-token order book: per for-sale property a
// price ladder, each level holding time-ordered resting orders. Matching
// walks the desired property's ladder from the best price outward and
// executes at the resting order's price.
type TokenBook struct {
	tally *ledger.Tally
	books map[uint32][]*tokenLevel
	stats *VolumeBook
	log   zerolog.Logger
}

func NewTokenBook(tally *ledger.Tally, stats *VolumeBook, log zerolog.Logger) *TokenBook {
	return &TokenBook{
		tally: tally,
		books: make(map[uint32][]*tokenLevel),
		stats: stats,
		log:   log,
	}
}

// Trade matches an incoming order against the book and rests any
// remainder, reserving its for-sale amount. Fills execute at the resting
// order's price; the payable amount rounds up in the maker's favor while
// the purchasable amount rounds down, so no fill can beat either side's
// accepted price.
func (b *TokenBook) Trade(tx chain.Tx, propertyForSale uint32, amountForSale int64, propertyDesired uint32, amountDesired int64) ([]TokenFill, chain.RejectCode, error) {
	if propertyForSale == propertyDesired {
		return nil, chain.RejectBadParameter, nil
	}
	if amountForSale <= 0 {
		return nil, chain.RejectZeroAmount, nil
	}
	if amountDesired <= 0 {
		return nil, chain.RejectZeroDesired, nil
	}
	if b.tally.Balance(tx.Sender, propertyForSale, ledger.Available) < amountForSale {
		return nil, chain.RejectInsufficientFunds, nil
	}

	incoming := &TokenOrder{
		Address:         tx.Sender,
		Block:           tx.BlockHeight,
		Idx:             tx.Idx,
		Txid:            tx.Txid,
		Property:        propertyForSale,
		PropertyDesired: propertyDesired,
		AmountForSale:   amountForSale,
		AmountDesired:   amountDesired,
		AmountRemaining: amountForSale,
	}

	fills, err := b.match(incoming)
	if err != nil {
		return nil, chain.Accepted, err
	}

	if incoming.AmountRemaining > 0 {
		if err := b.tally.Move(tx.Sender, ledger.Available, tx.Sender, ledger.MetaDExReserve, propertyForSale, incoming.AmountRemaining); err != nil {
			return fills, chain.Accepted, chain.Faultf("metadex", "reserving %d of property %d for %s: %v", incoming.AmountRemaining, propertyForSale, tx.Sender, err)
		}
		b.insert(incoming)
	}

	b.log.Debug().
		Int("height", tx.BlockHeight).
		Str("txid", tx.Txid.String()).
		Int("fills", len(fills)).
		Int64("resting", incoming.AmountRemaining).
		Msg("token trade")

	return fills, chain.Accepted, nil
}

// match walks the ladder of the desired property. A level is crossable
// when the taker's inverse price is at or above the resting price; within
// a level only counter-orders desiring the taker's property qualify.
func (b *TokenBook) match(incoming *TokenOrder) ([]TokenFill, error) {
	var fills []TokenFill

	levels := b.books[incoming.PropertyDesired]
	for li := 0; li < len(levels) && incoming.AmountRemaining > 0; li++ {
		level := levels[li]
		if incoming.InversePrice().Cmp(level.price) < 0 {
			continue
		}

		for oi := 0; oi < len(level.orders) && incoming.AmountRemaining > 0; {
			resting := level.orders[oi]
			if resting.PropertyDesired != incoming.Property {
				oi++
				continue
			}

			// How much of the resting order the taker can afford at the
			// resting price, rounded down to a representable amount.
			couldBuy := xmath.MulDiv(incoming.AmountRemaining, resting.AmountForSale, resting.AmountDesired, xmath.RoundDown)
			if couldBuy > resting.AmountRemaining {
				couldBuy = resting.AmountRemaining
			}
			if couldBuy == 0 {
				oi++
				continue
			}

			wouldPay := xmath.DivideAndRoundUp(couldBuy, resting.AmountDesired, resting.AmountForSale)

			// The rounded price must not exceed what the taker accepted.
			effective := NewRatio(wouldPay, couldBuy)
			if effective.Cmp(incoming.InversePrice()) > 0 {
				oi++
				continue
			}

			// Payment property from taker to maker, traded property out of
			// the maker's book reserve to the taker.
			if err := b.tally.Move(incoming.Address, ledger.Available, resting.Address, ledger.Available, incoming.Property, wouldPay); err != nil {
				return fills, chain.Faultf("metadex", "paying %d of property %d from %s to %s: %v", wouldPay, incoming.Property, incoming.Address, resting.Address, err)
			}
			if err := b.tally.Move(resting.Address, ledger.MetaDExReserve, incoming.Address, ledger.Available, resting.Property, couldBuy); err != nil {
				return fills, chain.Faultf("metadex", "delivering %d of property %d from %s to %s: %v", couldBuy, resting.Property, resting.Address, incoming.Address, err)
			}

			incoming.AmountRemaining -= wouldPay
			resting.AmountRemaining -= couldBuy

			fill := TokenFill{
				Block:           incoming.Block,
				MakerAddress:    resting.Address,
				TakerAddress:    incoming.Address,
				MakerTxid:       resting.Txid,
				TakerTxid:       incoming.Txid,
				PropertyTraded:  resting.Property,
				PropertyPayment: incoming.Property,
				AmountTraded:    couldBuy,
				AmountPaid:      wouldPay,
				Price:           resting.UnitPrice(),
			}
			fills = append(fills, fill)
			if b.stats != nil {
				b.stats.RecordTokenFill(fill)
			}

			if resting.AmountRemaining == 0 {
				level.orders = append(level.orders[:oi], level.orders[oi+1:]...)
			} else {
				oi++
			}
		}
	}

	b.prune(incoming.PropertyDesired)
	return fills, nil
}

// insert places an order into its property's ladder, keeping levels
// price-ascending and orders within a level in (block, idx) arrival
// order.
func (b *TokenBook) insert(order *TokenOrder) {
	price := order.UnitPrice()
	levels := b.books[order.Property]

	pos := sort.Search(len(levels), func(i int) bool {
		return levels[i].price.Cmp(price) >= 0
	})
	if pos < len(levels) && levels[pos].price.Cmp(price) == 0 {
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

	level := &tokenLevel{price: price, orders: []*TokenOrder{order}}
	levels = append(levels, nil)
	copy(levels[pos+1:], levels[pos:])
	levels[pos] = level
	b.books[order.Property] = levels
}

// prune drops emptied levels for a property.
func (b *TokenBook) prune(property uint32) {
	levels := b.books[property]
	kept := levels[:0]
	for _, level := range levels {
		if len(level.orders) > 0 {
			kept = append(kept, level)
		}
	}
	if len(kept) == 0 {
		delete(b.books, property)
	} else {
		b.books[property] = kept
	}
}

// cancel removes every resting order the filter selects, returning each
// order's remaining reserve to its owner. Returns how many orders were
// cancelled.
func (b *TokenBook) cancel(keep func(*TokenOrder) bool) (int, error) {
	cancelled := 0
	for property := range b.books {
		for _, level := range b.books[property] {
			kept := level.orders[:0]
			for _, order := range level.orders {
				if keep(order) {
					kept = append(kept, order)
					continue
				}
				if order.AmountRemaining > 0 {
					if err := b.tally.Move(order.Address, ledger.MetaDExReserve, order.Address, ledger.Available, order.Property, order.AmountRemaining); err != nil {
						return cancelled, chain.Faultf("metadex", "releasing %d of property %d for %s: %v", order.AmountRemaining, order.Property, order.Address, err)
					}
				}
				cancelled++
			}
			level.orders = kept
		}
		b.prune(property)
	}
	return cancelled, nil
}

// CancelByTxid removes the sender's order created by the given
// transaction.
func (b *TokenBook) CancelByTxid(sender string, txid chain.Hash256) (chain.RejectCode, error) {
	n, err := b.cancel(func(o *TokenOrder) bool {
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

// CancelAtPrice removes the sender's orders in a pair resting at exactly
// the given price.
func (b *TokenBook) CancelAtPrice(sender string, propertyForSale uint32, amountForSale int64, propertyDesired uint32, amountDesired int64) (chain.RejectCode, error) {
	price := NewRatio(amountDesired, amountForSale)
	if !price.Positive() {
		return chain.RejectZeroDesired, nil
	}
	n, err := b.cancel(func(o *TokenOrder) bool {
		return o.Address != sender ||
			o.Property != propertyForSale ||
			o.PropertyDesired != propertyDesired ||
			o.UnitPrice().Cmp(price) != 0
	})
	if err != nil {
		return chain.Accepted, err
	}
	if n == 0 {
		return chain.RejectNoSuchOrder, nil
	}
	return chain.Accepted, nil
}

// CancelPair removes all of the sender's orders offering propertyForSale
// for propertyDesired.
func (b *TokenBook) CancelPair(sender string, propertyForSale, propertyDesired uint32) (chain.RejectCode, error) {
	n, err := b.cancel(func(o *TokenOrder) bool {
		return o.Address != sender ||
			o.Property != propertyForSale ||
			o.PropertyDesired != propertyDesired
	})
	if err != nil {
		return chain.Accepted, err
	}
	if n == 0 {
		return chain.RejectNoSuchOrder, nil
	}
	return chain.Accepted, nil
}

// CancelAll removes every resting order the sender has on the token book.
func (b *TokenBook) CancelAll(sender string) (chain.RejectCode, error) {
	n, err := b.cancel(func(o *TokenOrder) bool {
		return o.Address != sender
	})
	if err != nil {
		return chain.Accepted, err
	}
	if n == 0 {
		return chain.RejectNoSuchOrder, nil
	}
	return chain.Accepted, nil
}

// Orders returns the resting orders for a property, best price first and
// FIFO within a level. The slice shares no memory with the book.
func (b *TokenBook) Orders(property uint32) []TokenOrder {
	var out []TokenOrder
	for _, level := range b.books[property] {
		for _, order := range level.orders {
			out = append(out, *order)
		}
	}
	return out
}

// Depth reports how many orders rest across all ladders.
func (b *TokenBook) Depth() int {
	n := 0
	for _, levels := range b.books {
		for _, level := range levels {
			n += len(level.orders)
		}
	}
	return n
}

// Snapshot deep-copies the book state for later Restore.
func (b *TokenBook) Snapshot() map[uint32][]TokenOrder {
	snap := make(map[uint32][]TokenOrder, len(b.books))
	for property := range b.books {
		snap[property] = b.Orders(property)
	}
	return snap
}

// Restore replaces the book contents with a snapshot.
func (b *TokenBook) Restore(snap map[uint32][]TokenOrder) {
	b.books = make(map[uint32][]*tokenLevel, len(snap))
	for _, orders := range snap {
		for i := range orders {
			order := orders[i]
			b.insert(&order)
		}
	}
}
