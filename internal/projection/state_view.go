package projection

import (
	"sync"

	"MetaLayer/internal/activation"
	xmath "MetaLayer/internal/math"
	"MetaLayer/internal/orderbook"
	"MetaLayer/internal/register"
)

// PositionView is one open contract position shaped for the query surface.
type PositionView struct {
	Address    string `json:"address"`
	ContractID uint32 `json:"contract_id"`
	Position   int64  `json:"position"`
	EntryPrice int64  `json:"entry_price"`
	Margin     int64  `json:"margin"`
	Leverage   int64  `json:"leverage"`
	UPNL       int64  `json:"upnl"`
	LiqPrice   int64  `json:"liquidation_price"`
}

// StateView is the in-memory read model the replay loop refreshes after
// each block: open positions, resting orders and activation status. The
// whole view swaps atomically so readers never see a half-applied block.
type StateView struct {
	mu sync.RWMutex

	height      int
	positions   map[string][]PositionView
	tokenBooks  map[uint32][]orderbook.TokenOrder
	futureBooks map[uint32][]orderbook.ContractOrder
	activations activation.Snapshot
}

func NewStateView() *StateView {
	return &StateView{
		positions:   make(map[string][]PositionView),
		tokenBooks:  make(map[uint32][]orderbook.TokenOrder),
		futureBooks: make(map[uint32][]orderbook.ContractOrder),
	}
}

// ViewUpdate is the per-block copy of replay state feeding the view. The
// replay loop builds it from engine snapshots on its own goroutine.
type ViewUpdate struct {
	Height      int
	Positions   map[register.Key]register.EntrySnapshot
	TokenBooks  map[uint32][]orderbook.TokenOrder
	FutureBooks map[uint32][]orderbook.ContractOrder
	Activations activation.Snapshot
}

// Apply replaces the view with the block's snapshots.
func (v *StateView) Apply(u ViewUpdate) {
	positions := make(map[string][]PositionView, len(u.Positions))
	for key, e := range u.Positions {
		var pos int64
		for _, lot := range e.Lots {
			pos += lot.Amount
		}
		pos *= int64(e.Side)
		if pos == 0 && e.Margin == 0 {
			continue
		}
		positions[key.Address] = append(positions[key.Address], PositionView{
			Address:    key.Address,
			ContractID: key.ContractID,
			Position:   pos,
			EntryPrice: entryPrice(e.Lots),
			Margin:     e.Margin,
			Leverage:   e.Leverage,
			UPNL:       e.UPNL,
			LiqPrice:   e.LiqPrice,
		})
	}

	v.mu.Lock()
	v.height = u.Height
	v.positions = positions
	v.tokenBooks = u.TokenBooks
	v.futureBooks = u.FutureBooks
	v.activations = u.Activations
	v.mu.Unlock()
}

// Height returns the block the view reflects.
func (v *StateView) Height() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.height
}

// Positions returns the open positions for one address.
func (v *StateView) Positions(address string) []PositionView {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]PositionView(nil), v.positions[address]...)
}

// TokenBook returns the resting orders offering one property for sale.
func (v *StateView) TokenBook(property uint32) []orderbook.TokenOrder {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]orderbook.TokenOrder(nil), v.tokenBooks[property]...)
}

// ContractBook returns the resting orders for one contract.
func (v *StateView) ContractBook(contractID uint32) []orderbook.ContractOrder {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]orderbook.ContractOrder(nil), v.futureBooks[contractID]...)
}

// Activations returns the pending and completed feature activations.
func (v *StateView) Activations() activation.Snapshot {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return activation.Snapshot{
		Pending:   append([]activation.FeatureActivation(nil), v.activations.Pending...),
		Completed: append([]activation.FeatureActivation(nil), v.activations.Completed...),
	}
}

func entryPrice(lots []register.Lot) int64 {
	amounts := make([]int64, 0, len(lots))
	prices := make([]int64, 0, len(lots))
	for _, lot := range lots {
		amounts = append(amounts, lot.Amount)
		prices = append(prices, lot.Price)
	}
	return xmath.WeightedAverageCeil(amounts, prices)
}
