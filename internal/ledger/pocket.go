package ledger

// Pocket is a named sub-balance within an address's holdings of a property.
type Pocket uint8

const (
	Available Pocket = iota
	SellOfferReserve
	AcceptReserve
	MetaDExReserve
	ContractDExReserve
	RealizedProfit
	RealizedLoss
	Remaining
	Unvested

	numPockets
)

func (p Pocket) String() string {
	switch p {
	case Available:
		return "available"
	case SellOfferReserve:
		return "sell_offer_reserve"
	case AcceptReserve:
		return "accept_reserve"
	case MetaDExReserve:
		return "metadex_reserve"
	case ContractDExReserve:
		return "contractdex_reserve"
	case RealizedProfit:
		return "realized_profit"
	case RealizedLoss:
		return "realized_loss"
	case Remaining:
		return "remaining"
	case Unvested:
		return "unvested"
	default:
		return "unknown"
	}
}

// Reserved reports whether the pocket counts toward a property's conserved
// circulating total alongside Available.
func (p Pocket) Reserved() bool {
	switch p {
	case SellOfferReserve, AcceptReserve, MetaDExReserve, ContractDExReserve:
		return true
	}
	return false
}

// TallyKey addresses one pocket balance.
type TallyKey struct {
	Address  string
	Property uint32
	Pocket   Pocket
}
