package register

import (
	"fmt"
	"math/big"

	xmath "MetaLayer/internal/math"
)

// Side of an open position.
const (
	SideFlat  int8 = 0
	SideLong  int8 = 1
	SideShort int8 = -1
)

// Status classifies how a fill changed the holder's position. Clearing
// consumes these to build its settlement paths.
type Status uint8

const (
	StatusNone Status = iota
	StatusOpened
	StatusIncreased
	StatusNetted
	StatusNettedPartly
	StatusFlipped
)

func (s Status) String() string {
	switch s {
	case StatusOpened:
		return "opened"
	case StatusIncreased:
		return "increased"
	case StatusNetted:
		return "netted"
	case StatusNettedPartly:
		return "netted_partly"
	case StatusFlipped:
		return "flipped"
	default:
		return "none"
	}
}

// RecordKind selects one of the per-position records.
type RecordKind uint8

const (
	RecordPosition RecordKind = iota
	RecordEntryPrice
	RecordMargin
	RecordUPNL
	RecordLiquidationPrice
	RecordLeverage
)

// Lot is one FIFO entry of an open position: contracts acquired at a price.
type Lot struct {
	Amount int64
	Price  int64
}

// ClosedLot records a lot (or part of one) consumed by an opposing fill.
// Realized profit and loss is computed from the entry/exit pair.
type ClosedLot struct {
	Amount     int64
	EntryPrice int64
	ExitPrice  int64
}

// Key addresses one position in the register.
type Key struct {
	Address    string
	ContractID uint32
}

type entry struct {
	side     int8
	lots     []Lot
	margin   int64
	leverage int64
	upnl     int64
	liqPrice int64
}

func (e *entry) position() int64 {
	var total int64
	for _, lot := range e.lots {
		total += lot.Amount
	}
	return total * int64(e.side)
}

// Register tracks every address's open contract position as a FIFO chain
// of lots, plus the margin, leverage and derived records attached to it.
type Register struct {
	entries map[Key]*entry
}

func New() *Register {
	return &Register{entries: make(map[Key]*entry)}
}

func (r *Register) get(address string, contractID uint32) *entry {
	return r.entries[Key{Address: address, ContractID: contractID}]
}

func (r *Register) getOrCreate(address string, contractID uint32) *entry {
	key := Key{Address: address, ContractID: contractID}
	e := r.entries[key]
	if e == nil {
		e = &entry{side: SideFlat}
		r.entries[key] = e
	}
	return e
}

// ApplyFill records a matched trade against the holder's position. A fill
// on the same side appends a lot; a fill on the opposite side consumes
// lots oldest-first, and any excess beyond the open lots flips the
// position to the other side at the fill price. The returned closed lots
// carry the entry/exit pairs settled by the fill.
func (r *Register) ApplyFill(address string, contractID uint32, amount, price int64, side int8) (Status, []ClosedLot, error) {
	if amount <= 0 {
		return StatusNone, nil, fmt.Errorf("register: non-positive fill amount %d", amount)
	}
	if side != SideLong && side != SideShort {
		return StatusNone, nil, fmt.Errorf("register: invalid side %d", side)
	}

	e := r.getOrCreate(address, contractID)

	if e.side == SideFlat || len(e.lots) == 0 {
		e.side = side
		e.lots = append(e.lots[:0], Lot{Amount: amount, Price: price})
		return StatusOpened, nil, nil
	}

	if e.side == side {
		e.lots = append(e.lots, Lot{Amount: amount, Price: price})
		return StatusIncreased, nil, nil
	}

	// Opposing fill: net against open lots, oldest first.
	var closed []ClosedLot
	remaining := amount
	for remaining > 0 && len(e.lots) > 0 {
		lot := &e.lots[0]
		consumed := lot.Amount
		if remaining < consumed {
			consumed = remaining
		}
		closed = append(closed, ClosedLot{
			Amount:     consumed,
			EntryPrice: lot.Price,
			ExitPrice:  price,
		})
		lot.Amount -= consumed
		remaining -= consumed
		if lot.Amount == 0 {
			e.lots = e.lots[1:]
		}
	}

	switch {
	case remaining > 0:
		e.side = side
		e.lots = append(e.lots, Lot{Amount: remaining, Price: price})
		return StatusFlipped, closed, nil
	case len(e.lots) == 0:
		e.side = SideFlat
		e.upnl = 0
		e.liqPrice = 0
		return StatusNetted, closed, nil
	default:
		return StatusNettedPartly, closed, nil
	}
}

// Position returns the signed open contract count: positive long,
// negative short.
func (r *Register) Position(address string, contractID uint32) int64 {
	e := r.get(address, contractID)
	if e == nil {
		return 0
	}
	return e.position()
}

// EntryPrice is the quantity-weighted average price of the open lots,
// rounded up.
func (r *Register) EntryPrice(address string, contractID uint32) int64 {
	e := r.get(address, contractID)
	if e == nil || len(e.lots) == 0 {
		return 0
	}
	amounts := make([]int64, len(e.lots))
	prices := make([]int64, len(e.lots))
	for i, lot := range e.lots {
		amounts[i] = lot.Amount
		prices[i] = lot.Price
	}
	return xmath.WeightedAverageCeil(amounts, prices)
}

// Lots returns a copy of the open FIFO chain, oldest first.
func (r *Register) Lots(address string, contractID uint32) []Lot {
	e := r.get(address, contractID)
	if e == nil {
		return nil
	}
	out := make([]Lot, len(e.lots))
	copy(out, e.lots)
	return out
}

// Record reads one of the per-position records. Position and EntryPrice
// are derived from the lot chain; the rest are stored values.
func (r *Register) Record(address string, contractID uint32, kind RecordKind) int64 {
	e := r.get(address, contractID)
	if e == nil {
		return 0
	}
	switch kind {
	case RecordPosition:
		return e.position()
	case RecordEntryPrice:
		return r.EntryPrice(address, contractID)
	case RecordMargin:
		return e.margin
	case RecordUPNL:
		return e.upnl
	case RecordLiquidationPrice:
		return e.liqPrice
	case RecordLeverage:
		return e.leverage
	default:
		return 0
	}
}

// AddMargin adjusts posted margin. Margin may not go negative; position
// and UPNL records are the only signed ones.
func (r *Register) AddMargin(address string, contractID uint32, delta int64) error {
	e := r.getOrCreate(address, contractID)
	if e.margin+delta < 0 {
		return fmt.Errorf("register: margin for %s on contract %d would go negative", address, contractID)
	}
	e.margin += delta
	return nil
}

func (r *Register) SetLeverage(address string, contractID uint32, leverage int64) {
	r.getOrCreate(address, contractID).leverage = leverage
}

// MarkToMarket recomputes the unrealized profit and loss record against
// the given mark price, and refreshes the liquidation price. Returns the
// new UPNL.
func (r *Register) MarkToMarket(address string, contractID uint32, notionalSize, markPrice int64) int64 {
	e := r.get(address, contractID)
	if e == nil || len(e.lots) == 0 {
		return 0
	}
	entry := r.EntryPrice(address, contractID)
	pos := e.position()
	e.upnl = UnrealizedPnL(pos, notionalSize, entry, markPrice)
	e.liqPrice = LiquidationPrice(pos, notionalSize, entry, e.margin)
	return e.upnl
}

// UnrealizedPnL is position * notional * (1/entry - 1/exit), sign-adjusted
// so a long profits when the mark rises and a short when it falls.
func UnrealizedPnL(position, notionalSize, entryPrice, markPrice int64) int64 {
	if position == 0 || entryPrice == 0 || markPrice == 0 {
		return 0
	}
	amount := position
	if amount < 0 {
		amount = -amount
	}
	pnl := xmath.ReciprocalDiff(amount, notionalSize, entryPrice, markPrice, xmath.RoundDown)
	if position < 0 {
		pnl = -pnl
	}
	return pnl
}

// LiquidationPrice solves for the mark price at which the posted margin is
// fully consumed by the position's loss. Zero means the position cannot be
// liquidated at any positive price (margin covers the full move).
func LiquidationPrice(position, notionalSize, entryPrice, margin int64) int64 {
	if position == 0 || entryPrice == 0 || notionalSize == 0 {
		return 0
	}
	abs := position
	if abs < 0 {
		abs = -abs
	}

	// Inverse-quoted loss at price liq is |pos|*notional*willets*
	// |1/entry - 1/liq|. A long is liquidated by a falling price, a short
	// by a rising one. Setting the loss equal to the posted margin:
	//   long:  liq = entry*exposure / (exposure + margin*entry)
	//   short: liq = entry*exposure / (exposure - margin*entry)
	// where exposure = |pos|*notional*willets. A short whose margin covers
	// the full loss to an unbounded price has no liquidation point.
	exposure := new(big.Int).Mul(big.NewInt(abs), big.NewInt(notionalSize))
	exposure.Mul(exposure, big.NewInt(xmath.Willets))
	marginEntry := new(big.Int).Mul(big.NewInt(margin), big.NewInt(entryPrice))

	denom := new(big.Int)
	if position > 0 {
		denom.Add(exposure, marginEntry)
	} else {
		denom.Sub(exposure, marginEntry)
		if denom.Sign() <= 0 {
			return 0
		}
	}

	num := new(big.Int).Mul(exposure, big.NewInt(entryPrice))
	num.Quo(num, denom)
	if !num.IsInt64() {
		return 0
	}
	return num.Int64()
}

// Close removes the entry entirely. Used once a position has been settled
// and its margin returned.
func (r *Register) Close(address string, contractID uint32) {
	delete(r.entries, Key{Address: address, ContractID: contractID})
}

// Keys returns every address/contract pair with a live entry, in no fixed
// order.
func (r *Register) Keys() []Key {
	keys := make([]Key, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	return keys
}

// Snapshot deep-copies the register for later Restore.
func (r *Register) Snapshot() map[Key]EntrySnapshot {
	snap := make(map[Key]EntrySnapshot, len(r.entries))
	for k, e := range r.entries {
		lots := make([]Lot, len(e.lots))
		copy(lots, e.lots)
		snap[k] = EntrySnapshot{
			Side:     e.side,
			Lots:     lots,
			Margin:   e.margin,
			Leverage: e.leverage,
			UPNL:     e.upnl,
			LiqPrice: e.liqPrice,
		}
	}
	return snap
}

// Restore replaces the register contents with a snapshot.
func (r *Register) Restore(snap map[Key]EntrySnapshot) {
	r.entries = make(map[Key]*entry, len(snap))
	for k, s := range snap {
		lots := make([]Lot, len(s.Lots))
		copy(lots, s.Lots)
		r.entries[k] = &entry{
			side:     s.Side,
			lots:     lots,
			margin:   s.Margin,
			leverage: s.Leverage,
			upnl:     s.UPNL,
			liqPrice: s.LiqPrice,
		}
	}
}

// EntrySnapshot is the externalized form of one register entry.
type EntrySnapshot struct {
	Side     int8
	Lots     []Lot
	Margin   int64
	Leverage int64
	UPNL     int64
	LiqPrice int64
}
