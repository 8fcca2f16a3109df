package registry

import "MetaLayer/internal/chain"

// Property type codes carried on the wire.
const (
	PropertyTypeIndivisible uint16 = 1
	PropertyTypeDivisible   uint16 = 2
)

// Reserved property ids. Assigned ids start after the vesting property.
const (
	PropertyBaseToken uint32 = 1
	PropertyVesting   uint32 = 2
	FirstAssignedID   uint32 = 3
)

// Property is one fungible token definition. CreationBlock and UpdateBlock
// form the version chain used by rollback: the stored previous version of
// an entry is keyed by the block hash that replaced it.
type Property struct {
	Issuer       string  `json:"issuer"`
	PropertyType uint16  `json:"property_type"`
	PrevPropID   uint32  `json:"prev_prop_id"`
	Name         string  `json:"name"`
	URL          string  `json:"url"`
	Data         string  `json:"data"`
	NumTokens    int64   `json:"num_tokens"`
	Fixed        bool    `json:"fixed"`
	Managed      bool    `json:"managed"`
	Pegged       bool    `json:"pegged"`
	ContractID   uint32  `json:"contract_id,omitempty"` // pegged currencies only
	KYC          []int64 `json:"kyc,omitempty"`

	CreationTxid  chain.Hash256 `json:"creation_txid"`
	CreationBlock chain.Hash256 `json:"creation_block"`
	UpdateBlock   chain.Hash256 `json:"update_block"`
}

// Divisible reports whether amounts of this property are denominated in
// willets.
func (p *Property) Divisible() bool {
	return p.PropertyType == PropertyTypeDivisible
}

// Contract is one derivative instrument definition, sharing the property
// registry's version-chain mechanics.
type Contract struct {
	Issuer            string  `json:"issuer"`
	Name              string  `json:"name"`
	Numerator         uint32  `json:"numerator"`
	Denominator       uint32  `json:"denominator"`
	BlocksToExpire    uint32  `json:"blocks_to_expire"`
	NotionalSize      uint32  `json:"notional_size"`
	CollateralID      uint32  `json:"collateral_id"`
	MarginRequirement int64   `json:"margin_requirement"` // collateral willets per contract
	Inverse           bool    `json:"inverse"`
	Oracle            bool    `json:"oracle"`
	BackupAddress     string  `json:"backup_address,omitempty"`
	KYC               []int64 `json:"kyc,omitempty"`

	// Last published settlement prices for oracle contracts.
	OracleHigh  int64 `json:"oracle_high,omitempty"`
	OracleLow   int64 `json:"oracle_low,omitempty"`
	OracleClose int64 `json:"oracle_close,omitempty"`

	Closed bool `json:"closed,omitempty"`

	CreationTxid  chain.Hash256 `json:"creation_txid"`
	CreationBlock chain.Hash256 `json:"creation_block"`
	UpdateBlock   chain.Hash256 `json:"update_block"`
}

// Expired reports whether the contract has passed its expiration height,
// measured from its creation height.
func (c *Contract) Expired(creationHeight, nowHeight int) bool {
	if c.BlocksToExpire == 0 {
		return false // perpetual
	}
	return nowHeight >= creationHeight+int(c.BlocksToExpire)
}
