package orderbook

import (
	xmath "MetaLayer/internal/math"
)

// vwapWindow is how many recent fills feed the rolling volume-weighted
// average price.
const vwapWindow = 10

// Pair identifies a directed token market: prices quote Quote units per
// Base unit.
type Pair struct {
	Base  uint32
	Quote uint32
}

// VolumeBook accumulates last-trade prices, rolling VWAP inputs and
// per-block traded volume for both books. Downstream read models (oracle
// TWAP seeds, fee schedules) consume these; nothing here feeds back into
// matching.
type VolumeBook struct {
	lastPrice map[Pair]int64

	tokenNum    map[Pair][]int64
	tokenDen    map[Pair][]int64
	tokenVolume map[int]map[Pair]int64

	contractPriceVolume map[uint32][]int64
	contractVolume      map[uint32][]int64
	contractBlockVol    map[int]map[uint32]int64
	contractLast        map[uint32]int64
}

func NewVolumeBook() *VolumeBook {
	return &VolumeBook{
		lastPrice:           make(map[Pair]int64),
		tokenNum:            make(map[Pair][]int64),
		tokenDen:            make(map[Pair][]int64),
		tokenVolume:         make(map[int]map[Pair]int64),
		contractPriceVolume: make(map[uint32][]int64),
		contractVolume:      make(map[uint32][]int64),
		contractBlockVol:    make(map[int]map[uint32]int64),
		contractLast:        make(map[uint32]int64),
	}
}

func appendRolling(window []int64, v int64) []int64 {
	window = append(window, v)
	if len(window) > vwapWindow {
		window = window[len(window)-vwapWindow:]
	}
	return window
}

// RecordTokenFill folds one token-book fill into the accumulators, in
// both quote directions.
func (v *VolumeBook) RecordTokenFill(f TokenFill) {
	traded := Pair{Base: f.PropertyTraded, Quote: f.PropertyPayment}
	inverse := Pair{Base: f.PropertyPayment, Quote: f.PropertyTraded}

	v.lastPrice[traded] = f.Price.Fixed()
	v.lastPrice[inverse] = f.Price.Inverse().Fixed()

	v.tokenNum[traded] = appendRolling(v.tokenNum[traded], f.AmountPaid)
	v.tokenDen[traded] = appendRolling(v.tokenDen[traded], f.AmountTraded)
	v.tokenNum[inverse] = appendRolling(v.tokenNum[inverse], f.AmountTraded)
	v.tokenDen[inverse] = appendRolling(v.tokenDen[inverse], f.AmountPaid)

	block := v.tokenVolume[f.Block]
	if block == nil {
		block = make(map[Pair]int64)
		v.tokenVolume[f.Block] = block
	}
	canonical := traded
	if canonical.Base > canonical.Quote {
		canonical = inverse
		block[canonical] += f.AmountPaid
	} else {
		block[canonical] += f.AmountTraded
	}
}

// LastPrice returns the most recent execution price for a pair as a
// willets fixed-point value, or zero if the pair never traded.
func (v *VolumeBook) LastPrice(pair Pair) int64 {
	return v.lastPrice[pair]
}

// TokenVWAP averages the last fills of a pair, volume-weighted.
func (v *VolumeBook) TokenVWAP(pair Pair) int64 {
	nums, dens := v.tokenNum[pair], v.tokenDen[pair]
	var num, den int64
	for i := range nums {
		num += nums[i]
		den += dens[i]
	}
	if den == 0 {
		return 0
	}
	return xmath.MulDiv(num, xmath.Willets, den, xmath.RoundHalfEven)
}

// TokenBlockVolume returns the traded amount for a pair in one block,
// quoted in the pair's lower-numbered property.
func (v *VolumeBook) TokenBlockVolume(block int, pair Pair) int64 {
	if pair.Base > pair.Quote {
		pair = Pair{Base: pair.Quote, Quote: pair.Base}
	}
	return v.tokenVolume[block][pair]
}

// RecordContractFill folds one contract fill into the accumulators. The
// weighting volume is the fill's notional value in collateral units.
func (v *VolumeBook) RecordContractFill(contractID uint32, block int, price, amount, notionalSize int64) {
	volume := xmath.MulDiv(notionalSize, amount, xmath.Willets, xmath.RoundDown)
	priceVolume := xmath.MulDiv(price, volume, xmath.Willets, xmath.RoundDown)

	v.contractLast[contractID] = price
	v.contractPriceVolume[contractID] = appendRolling(v.contractPriceVolume[contractID], priceVolume)
	v.contractVolume[contractID] = appendRolling(v.contractVolume[contractID], volume)

	blockVol := v.contractBlockVol[block]
	if blockVol == nil {
		blockVol = make(map[uint32]int64)
		v.contractBlockVol[block] = blockVol
	}
	blockVol[contractID] += volume
}

// ContractLastPrice returns the most recent trade price for a contract.
func (v *VolumeBook) ContractLastPrice(contractID uint32) int64 {
	return v.contractLast[contractID]
}

// ContractVWAP averages the last contract fills, notional-weighted.
func (v *VolumeBook) ContractVWAP(contractID uint32) int64 {
	nums, dens := v.contractPriceVolume[contractID], v.contractVolume[contractID]
	var num, den int64
	for i := range nums {
		num += nums[i]
		den += dens[i]
	}
	if den == 0 {
		return 0
	}
	return xmath.MulDiv(num, xmath.Willets, den, xmath.RoundHalfEven)
}

// ContractBlockVolume returns a contract's notional volume in one block.
func (v *VolumeBook) ContractBlockVolume(block int, contractID uint32) int64 {
	return v.contractBlockVol[block][contractID]
}

// VolumeSnapshot is a deep copy of the volume accumulators for block
// rollback.
type VolumeSnapshot struct {
	LastPrice map[Pair]int64

	TokenNum    map[Pair][]int64
	TokenDen    map[Pair][]int64
	TokenVolume map[int]map[Pair]int64

	ContractPriceVolume map[uint32][]int64
	ContractVolume      map[uint32][]int64
	ContractBlockVol    map[int]map[uint32]int64
	ContractLast        map[uint32]int64
}

func cloneSlices[K comparable](src map[K][]int64) map[K][]int64 {
	dst := make(map[K][]int64, len(src))
	for k, v := range src {
		dst[k] = append([]int64(nil), v...)
	}
	return dst
}

func cloneNested[K comparable](src map[int]map[K]int64) map[int]map[K]int64 {
	dst := make(map[int]map[K]int64, len(src))
	for block, inner := range src {
		m := make(map[K]int64, len(inner))
		for k, v := range inner {
			m[k] = v
		}
		dst[block] = m
	}
	return dst
}

func cloneFlat[K comparable](src map[K]int64) map[K]int64 {
	dst := make(map[K]int64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func (v *VolumeBook) Snapshot() VolumeSnapshot {
	return VolumeSnapshot{
		LastPrice:           cloneFlat(v.lastPrice),
		TokenNum:            cloneSlices(v.tokenNum),
		TokenDen:            cloneSlices(v.tokenDen),
		TokenVolume:         cloneNested(v.tokenVolume),
		ContractPriceVolume: cloneSlices(v.contractPriceVolume),
		ContractVolume:      cloneSlices(v.contractVolume),
		ContractBlockVol:    cloneNested(v.contractBlockVol),
		ContractLast:        cloneFlat(v.contractLast),
	}
}

func (v *VolumeBook) Restore(s VolumeSnapshot) {
	v.lastPrice = cloneFlat(s.LastPrice)
	v.tokenNum = cloneSlices(s.TokenNum)
	v.tokenDen = cloneSlices(s.TokenDen)
	v.tokenVolume = cloneNested(s.TokenVolume)
	v.contractPriceVolume = cloneSlices(s.ContractPriceVolume)
	v.contractVolume = cloneSlices(s.ContractVolume)
	v.contractBlockVol = cloneNested(s.ContractBlockVol)
	v.contractLast = cloneFlat(s.ContractLast)
}
