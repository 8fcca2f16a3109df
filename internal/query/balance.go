package query

// BalanceResponse is one address/property balance with the full pocket
// breakdown the tally tracks.
type BalanceResponse struct {
	Address  string `json:"address"`
	Property uint32 `json:"property"`

	Available          int64 `json:"available"`
	SellOfferReserve   int64 `json:"sell_offer_reserve"`
	AcceptReserve      int64 `json:"accept_reserve"`
	MetaDExReserve     int64 `json:"metadex_reserve"`
	ContractDExReserve int64 `json:"contractdex_reserve"`
	RealizedProfit     int64 `json:"realized_profit"`
	RealizedLoss       int64 `json:"realized_loss"`
	Remaining          int64 `json:"remaining"`
	Unvested           int64 `json:"unvested"`

	// Total is Available plus the trade reserves, the amount that counts
	// toward the property's conserved circulating supply.
	Total int64 `json:"total"`

	// AsOfHeight is the last durably committed block when the query ran.
	AsOfHeight int64 `json:"as_of_height"`
}

// HolderResponse is one row of a property's holder ranking.
type HolderResponse struct {
	Address    string `json:"address"`
	Balance    int64  `json:"balance"`
	AsOfHeight int64  `json:"as_of_height"`
}
