package projection

import (
	"sync"

	"github.com/shopspring/decimal"

	"MetaLayer/internal/orderbook"
)

// fixedExp converts willets fixed-point (1e8) into a decimal scale.
const fixedExp = -8

// FromFixed converts a willets fixed-point value to a display decimal.
func FromFixed(v int64) decimal.Decimal {
	return decimal.New(v, fixedExp)
}

// TokenPricePoint is one observed token-market price at a block boundary.
type TokenPricePoint struct {
	Height int
	Pair   orderbook.Pair
	Price  decimal.Decimal
	VWAP   decimal.Decimal
	Volume decimal.Decimal
}

// ContractPricePoint is one observed contract price at a block boundary.
type ContractPricePoint struct {
	Height     int
	ContractID uint32
	Price      decimal.Decimal
	VWAP       decimal.Decimal
	Volume     decimal.Decimal
}

// PriceHistory is the queryable price read model. It records a point per
// market per block whenever that market's last price moved, so a series
// query skips the empty blocks.
type PriceHistory struct {
	mu sync.RWMutex

	tokenPoints    map[orderbook.Pair][]TokenPricePoint
	contractPoints map[uint32][]ContractPricePoint

	lastToken    map[orderbook.Pair]int64
	lastContract map[uint32]int64
}

func NewPriceHistory() *PriceHistory {
	return &PriceHistory{
		tokenPoints:    make(map[orderbook.Pair][]TokenPricePoint),
		contractPoints: make(map[uint32][]ContractPricePoint),
		lastToken:      make(map[orderbook.Pair]int64),
		lastContract:   make(map[uint32]int64),
	}
}

// Observe folds one block's volume snapshot into the history. Only
// markets whose last price changed since the previous observation get a
// new point.
func (p *PriceHistory) Observe(height int, snap orderbook.VolumeSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for pair, price := range snap.LastPrice {
		if p.lastToken[pair] == price {
			continue
		}
		p.lastToken[pair] = price
		p.tokenPoints[pair] = append(p.tokenPoints[pair], TokenPricePoint{
			Height: height,
			Pair:   pair,
			Price:  FromFixed(price),
			VWAP:   vwapDecimal(snap.TokenNum[pair], snap.TokenDen[pair]),
			Volume: FromFixed(blockVolume(snap.TokenVolume[height], canonical(pair))),
		})
	}

	for id, price := range snap.ContractLast {
		if p.lastContract[id] == price {
			continue
		}
		p.lastContract[id] = price
		p.contractPoints[id] = append(p.contractPoints[id], ContractPricePoint{
			Height:     height,
			ContractID: id,
			Price:      FromFixed(price),
			VWAP:       vwapDecimal(snap.ContractPriceVolume[id], snap.ContractVolume[id]),
			Volume:     FromFixed(snap.ContractBlockVol[height][id]),
		})
	}
}

// TokenSeries returns up to limit most recent points for a pair, newest
// first.
func (p *PriceHistory) TokenSeries(pair orderbook.Pair, limit int) []TokenPricePoint {
	p.mu.RLock()
	defer p.mu.RUnlock()

	points := p.tokenPoints[pair]
	out := make([]TokenPricePoint, 0, limit)
	for i := len(points) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, points[i])
	}
	return out
}

// ContractSeries returns up to limit most recent points for a contract,
// newest first.
func (p *PriceHistory) ContractSeries(contractID uint32, limit int) []ContractPricePoint {
	p.mu.RLock()
	defer p.mu.RUnlock()

	points := p.contractPoints[contractID]
	out := make([]ContractPricePoint, 0, limit)
	for i := len(points) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, points[i])
	}
	return out
}

// LastTokenPrice returns the latest observed price for a pair, or zero
// if the pair never traded.
func (p *PriceHistory) LastTokenPrice(pair orderbook.Pair) decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return FromFixed(p.lastToken[pair])
}

// LastContractPrice returns the latest observed price for a contract.
func (p *PriceHistory) LastContractPrice(contractID uint32) decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return FromFixed(p.lastContract[contractID])
}

// Truncate drops points above height after a reorg.
func (p *PriceHistory) Truncate(height int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for pair, points := range p.tokenPoints {
		points = truncateTokenPoints(points, height)
		p.tokenPoints[pair] = points
		if n := len(points); n > 0 {
			p.lastToken[pair] = points[n-1].Price.Shift(-fixedExp).IntPart()
		} else {
			delete(p.lastToken, pair)
		}
	}
	for id, points := range p.contractPoints {
		points = truncateContractPoints(points, height)
		p.contractPoints[id] = points
		if n := len(points); n > 0 {
			p.lastContract[id] = points[n-1].Price.Shift(-fixedExp).IntPart()
		} else {
			delete(p.lastContract, id)
		}
	}
}

func truncateTokenPoints(points []TokenPricePoint, height int) []TokenPricePoint {
	n := len(points)
	for n > 0 && points[n-1].Height > height {
		n--
	}
	return points[:n]
}

func truncateContractPoints(points []ContractPricePoint, height int) []ContractPricePoint {
	n := len(points)
	for n > 0 && points[n-1].Height > height {
		n--
	}
	return points[:n]
}

func vwapDecimal(nums, dens []int64) decimal.Decimal {
	var num, den int64
	for i := range nums {
		num += nums[i]
		den += dens[i]
	}
	if den == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(num).DivRound(decimal.NewFromInt(den), 8)
}

func canonical(pair orderbook.Pair) orderbook.Pair {
	if pair.Base > pair.Quote {
		return orderbook.Pair{Base: pair.Quote, Quote: pair.Base}
	}
	return pair
}

func blockVolume(m map[orderbook.Pair]int64, pair orderbook.Pair) int64 {
	if m == nil {
		return 0
	}
	return m[pair]
}
