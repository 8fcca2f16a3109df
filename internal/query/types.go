package query

// OutcomeResponse is one recorded transaction outcome.
type OutcomeResponse struct {
	Txid       string `json:"txid"`
	Height     int64  `json:"height"`
	Idx        int    `json:"idx"`
	Type       uint16 `json:"type"`
	TypeName   string `json:"type_name"`
	Code       int    `json:"code"`
	Reason     string `json:"reason,omitempty"`
	AsOfHeight int64  `json:"as_of_height"`
}

// BlockResponse is one committed block header.
type BlockResponse struct {
	Height    int64  `json:"height"`
	BlockHash string `json:"block_hash"`
	StateHash string `json:"state_hash"`
	PrevHash  string `json:"prev_hash"`
	TxCount   int    `json:"tx_count"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	NegativeBalances []NegativeBalance `json:"negative_balances,omitempty"`
}

// NegativeBalance is a pocket that went below zero in the mirror, which
// the replay core never allows.
type NegativeBalance struct {
	Address  string `json:"address"`
	Property uint32 `json:"property"`
	Pocket   uint8  `json:"pocket"`
	Balance  int64  `json:"balance"`
}
