package clearing

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/rs/zerolog"

	"MetaLayer/internal/chain"
	"MetaLayer/internal/ledger"
	xmath "MetaLayer/internal/math"
	"MetaLayer/internal/orderbook"
	"MetaLayer/internal/register"
)

// FundAddress is the system account that acts as the settlement
// counterparty: losers pay into it, winners are paid out of it, and any
// rounding residue stays there.
const FundAddress = "system:clearing_fund"

// SourceEdge is a position-opening event attributed to one address.
type SourceEdge struct {
	Address      string
	Counterparty string
	Block        int
	Amount       int64
	Price        int64
	Side         int8
	Status       register.Status
}

// LivesEdge is exposure still open when the window closes: one surviving
// lot of the address's FIFO chain.
type LivesEdge struct {
	Address string
	Amount  int64
	Price   int64
	Side    int8
}

// GhostEdge pairs residual long lives against short lives at the clearing
// price, netting exposure that never met a real counter-fill.
type GhostEdge struct {
	LongAddress  string
	ShortAddress string
	Amount       int64
	LongEntry    int64
	ShortEntry   int64
	ExitPrice    int64
}

// Path is one address's journey through the window: its opening edges,
// the lots realized against them, and whatever remained live.
type Path struct {
	Address  string
	Opened   []SourceEdge
	Closed   []register.ClosedLot
	Lives    []LivesEdge
	Realized int64 // from closed lots only; ghost PnL is added at apply time
}

// Settlement is the computed outcome of clearing one contract.
type Settlement struct {
	ContractID    uint32
	ClearingPrice int64
	Paths         []Path
	Ghosts        []GhostEdge

	// PnL per address, closed lots plus ghost edges, in collateral
	// willets.
	NetPnL map[string]int64

	// Shortfall is loss that could not be collected because the loser's
	// margin and available balance were both exhausted. The fund absorbs
	// it.
	Shortfall int64
}

// Clearer settles expired contracts: it reconstructs the per-address
// paths from the window's fills, nets residual exposure through ghost
// edges at the clearing price, and moves realized profit and loss through
// the fund account.
type Clearer struct {
	tally *ledger.Tally
	reg   *register.Register
	log   zerolog.Logger
}

func NewClearer(tally *ledger.Tally, reg *register.Register, log zerolog.Logger) *Clearer {
	return &Clearer{tally: tally, reg: reg, log: log}
}

// lotPnL is the realized result of one closed lot. side is the side the
// lot was held on before it closed.
func lotPnL(lot register.ClosedLot, notionalSize int64, side int8) int64 {
	pnl := xmath.ReciprocalDiff(lot.Amount, notionalSize, lot.EntryPrice, lot.ExitPrice, xmath.RoundDown)
	if side == register.SideShort {
		pnl = -pnl
	}
	return pnl
}

// Settle clears one contract. The fills must be the contract's complete
// matched-trade sequence for the window, in execution order; every
// address's opened-minus-closed amounts must net to its live register
// position, and the paired ghost lives must net to zero — either failing
// is a consensus fault, not a recoverable rejection.
func (c *Clearer) Settle(contractID uint32, spec orderbook.ContractSpec, fills []orderbook.ContractFill) (*Settlement, error) {
	paths := c.buildPaths(spec.NotionalSize, fills)

	if err := c.checkLives(contractID, paths); err != nil {
		return nil, err
	}

	settlement := &Settlement{
		ContractID: contractID,
		NetPnL:     make(map[string]int64),
	}
	for _, p := range paths {
		settlement.Paths = append(settlement.Paths, *p)
		settlement.NetPnL[p.Address] += p.Realized
	}

	longs, shorts := c.collectLives(contractID, paths)
	settlement.ClearingPrice = clearingPrice(paths, longs, shorts)

	ghosts, err := pairGhosts(longs, shorts, settlement.ClearingPrice)
	if err != nil {
		return nil, err
	}
	settlement.Ghosts = ghosts
	for _, g := range ghosts {
		settlement.NetPnL[g.LongAddress] += xmath.ReciprocalDiff(g.Amount, spec.NotionalSize, g.LongEntry, g.ExitPrice, xmath.RoundDown)
		settlement.NetPnL[g.ShortAddress] -= xmath.ReciprocalDiff(g.Amount, spec.NotionalSize, g.ShortEntry, g.ExitPrice, xmath.RoundDown)
	}

	if err := c.apply(contractID, spec, settlement); err != nil {
		return nil, err
	}

	c.log.Info().
		Uint32("contract", contractID).
		Int64("clearing_price", settlement.ClearingPrice).
		Int("paths", len(settlement.Paths)).
		Int("ghosts", len(settlement.Ghosts)).
		Int64("shortfall", settlement.Shortfall).
		Msg("contract settled")

	return settlement, nil
}

// buildPaths replays the fill sequence in FIFO order, attributing opening
// edges and realized lots to each address. A buyer's closed lots were
// held short before the fill, a seller's long, which fixes each lot's
// PnL sign.
func (c *Clearer) buildPaths(notionalSize int64, fills []orderbook.ContractFill) map[string]*Path {
	paths := make(map[string]*Path)
	path := func(address string) *Path {
		p := paths[address]
		if p == nil {
			p = &Path{Address: address}
			paths[address] = p
		}
		return p
	}

	for _, f := range fills {
		buyer, seller := path(f.BuyerAddress), path(f.SellerAddress)

		var buyerClosed int64
		for _, lot := range f.BuyerClosed {
			buyerClosed += lot.Amount
		}
		if opened := f.Amount - buyerClosed; opened > 0 {
			buyer.Opened = append(buyer.Opened, SourceEdge{
				Address:      f.BuyerAddress,
				Counterparty: f.SellerAddress,
				Block:        f.Block,
				Amount:       opened,
				Price:        f.Price,
				Side:         register.SideLong,
				Status:       f.BuyerStatus,
			})
		}
		buyer.Closed = append(buyer.Closed, f.BuyerClosed...)
		for _, lot := range f.BuyerClosed {
			buyer.Realized += lotPnL(lot, notionalSize, register.SideShort)
		}

		var sellerClosed int64
		for _, lot := range f.SellerClosed {
			sellerClosed += lot.Amount
		}
		if opened := f.Amount - sellerClosed; opened > 0 {
			seller.Opened = append(seller.Opened, SourceEdge{
				Address:      f.SellerAddress,
				Counterparty: f.BuyerAddress,
				Block:        f.Block,
				Amount:       opened,
				Price:        f.Price,
				Side:         register.SideShort,
				Status:       f.SellerStatus,
			})
		}
		seller.Closed = append(seller.Closed, f.SellerClosed...)
		for _, lot := range f.SellerClosed {
			seller.Realized += lotPnL(lot, notionalSize, register.SideLong)
		}
	}
	return paths
}

// checkLives verifies every path's bookkeeping identity and attaches the
// live edges: units opened minus units closed must equal the register's
// live position.
func (c *Clearer) checkLives(contractID uint32, paths map[string]*Path) error {
	for address, p := range paths {
		var opened, closed int64
		for _, e := range p.Opened {
			opened += e.Amount
		}
		for _, lot := range p.Closed {
			closed += lot.Amount
		}
		live := c.reg.Position(address, contractID)
		abs := live
		if abs < 0 {
			abs = -abs
		}
		if opened-closed != abs {
			return chain.Faultf("clearing", "path for %s on contract %d does not net: opened %d, closed %d, live %d", address, contractID, opened, closed, live)
		}
	}
	return nil
}

// collectLives reads each path's surviving lots from the register,
// updating the paths in place and splitting the edges by side. Addresses
// are visited in sorted order so the ghost pairing below is the same on
// every node.
func (c *Clearer) collectLives(contractID uint32, paths map[string]*Path) (longs, shorts []LivesEdge) {
	addrs := make([]string, 0, len(paths))
	for address := range paths {
		addrs = append(addrs, address)
	}
	sort.Strings(addrs)
	for _, address := range addrs {
		p := paths[address]
		position := c.reg.Position(address, contractID)
		if position == 0 {
			continue
		}
		side := register.SideLong
		if position < 0 {
			side = register.SideShort
		}
		for _, lot := range c.reg.Lots(address, contractID) {
			edge := LivesEdge{Address: address, Amount: lot.Amount, Price: lot.Price, Side: side}
			p.Lives = append(p.Lives, edge)
			if side == register.SideLong {
				longs = append(longs, edge)
			} else {
				shorts = append(shorts, edge)
			}
		}
	}
	return longs, shorts
}

// clearingPrice derives the settlement exit price from the per-path gamma
// aggregates: gamma-p is realized PnL minus the long live notional plus
// the short live notional, gamma-q the signed live quantity (shorts minus
// longs). The exit price is sum(gamma-p) / sum(gamma-q). A flat book nets
// gamma-q to zero and carries no price signal, so the quantity-weighted
// average entry price of the live lots serves instead, as it does when
// the gamma ratio goes non-positive.
func clearingPrice(paths map[string]*Path, longs, shorts []LivesEdge) int64 {
	gammaP := new(big.Int)
	term := new(big.Int)
	var gammaQ int64
	for _, p := range paths {
		// Fully closed paths carry no live exposure and contribute nothing.
		if len(p.Lives) == 0 {
			continue
		}
		gammaP.Add(gammaP, big.NewInt(p.Realized))
		for _, e := range p.Lives {
			term.Mul(big.NewInt(e.Amount), big.NewInt(e.Price))
			if e.Side == register.SideLong {
				gammaP.Sub(gammaP, term)
				gammaQ -= e.Amount
			} else {
				gammaP.Add(gammaP, term)
				gammaQ += e.Amount
			}
		}
	}
	if gammaQ != 0 {
		price := gammaP.Quo(gammaP, big.NewInt(gammaQ))
		if price.IsInt64() {
			if v := price.Int64(); v > 0 {
				return v
			}
		}
	}
	var amounts, prices []int64
	for _, e := range longs {
		amounts = append(amounts, e.Amount)
		prices = append(prices, e.Price)
	}
	for _, e := range shorts {
		amounts = append(amounts, e.Amount)
		prices = append(prices, e.Price)
	}
	return xmath.WeightedAverageCeil(amounts, prices)
}

// pairGhosts nets long lives against short lives FIFO at the clearing
// price. A matched book always carries equal live units on both sides; a
// residue means the fill stream and the register disagree.
func pairGhosts(longs, shorts []LivesEdge, exitPrice int64) ([]GhostEdge, error) {
	var ghosts []GhostEdge
	li, si := 0, 0
	for li < len(longs) && si < len(shorts) {
		long, short := &longs[li], &shorts[si]
		amount := long.Amount
		if short.Amount < amount {
			amount = short.Amount
		}
		ghosts = append(ghosts, GhostEdge{
			LongAddress:  long.Address,
			ShortAddress: short.Address,
			Amount:       amount,
			LongEntry:    long.Price,
			ShortEntry:   short.Price,
			ExitPrice:    exitPrice,
		})
		long.Amount -= amount
		short.Amount -= amount
		if long.Amount == 0 {
			li++
		}
		if short.Amount == 0 {
			si++
		}
	}
	var residue int64
	for ; li < len(longs); li++ {
		residue += longs[li].Amount
	}
	for ; si < len(shorts); si++ {
		residue += shorts[si].Amount
	}
	if residue != 0 {
		return nil, chain.Faultf("clearing", "live exposure does not pair: %d units unmatched", residue)
	}
	return ghosts, nil
}

// apply moves every address's net result through the fund, collecting
// losses before paying profits so the fund never fronts money it has not
// received, and then flattens the register.
func (c *Clearer) apply(contractID uint32, spec orderbook.ContractSpec, s *Settlement) error {
	addresses := make([]string, 0, len(s.NetPnL))
	for address := range s.NetPnL {
		addresses = append(addresses, address)
	}
	sort.Strings(addresses)

	// Return all remaining position margin first; losses are then
	// collected from Available.
	for _, address := range addresses {
		held := c.reg.Record(address, contractID, register.RecordMargin)
		if held > 0 {
			if err := c.reg.AddMargin(address, contractID, -held); err != nil {
				return chain.Faultf("clearing", "zeroing margin for %s: %v", address, err)
			}
			if err := c.tally.Move(address, ledger.ContractDExReserve, address, ledger.Available, spec.CollateralProperty, held); err != nil {
				return chain.Faultf("clearing", "returning %d margin to %s: %v", held, address, err)
			}
		}
	}

	for _, address := range addresses {
		pnl := s.NetPnL[address]
		if pnl >= 0 {
			continue
		}
		loss := -pnl
		available := c.tally.Balance(address, spec.CollateralProperty, ledger.Available)
		pay := loss
		if pay > available {
			pay = available
			s.Shortfall += loss - available
		}
		if pay > 0 {
			if err := c.tally.Move(address, ledger.Available, FundAddress, ledger.Available, spec.CollateralProperty, pay); err != nil {
				return chain.Faultf("clearing", "collecting %d loss from %s: %v", pay, address, err)
			}
		}
		c.tally.Update(address, spec.CollateralProperty, ledger.RealizedLoss, loss)
	}

	for _, address := range addresses {
		pnl := s.NetPnL[address]
		if pnl <= 0 {
			continue
		}
		pay := pnl
		fund := c.tally.Balance(FundAddress, spec.CollateralProperty, ledger.Available)
		if pay > fund {
			s.Shortfall += pay - fund
			pay = fund
		}
		if pay > 0 {
			if err := c.tally.Move(FundAddress, ledger.Available, address, ledger.Available, spec.CollateralProperty, pay); err != nil {
				return chain.Faultf("clearing", "paying %d profit to %s: %v", pay, address, err)
			}
		}
		c.tally.Update(address, spec.CollateralProperty, ledger.RealizedProfit, pnl)
	}

	for _, address := range addresses {
		c.reg.Close(address, contractID)
	}
	return nil
}

// WindowPnL computes the realized component of a path from its closed
// lots. Exposed for reporting.
func WindowPnL(p Path, notionalSize int64, side int8) int64 {
	var total int64
	for _, lot := range p.Closed {
		total += lotPnL(lot, notionalSize, side)
	}
	return total
}

func (s *Settlement) String() string {
	return fmt.Sprintf("settlement{contract=%d price=%d paths=%d ghosts=%d}", s.ContractID, s.ClearingPrice, len(s.Paths), len(s.Ghosts))
}
