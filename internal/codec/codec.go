package codec

import (
	"fmt"
)

// MessageType identifies one metaprotocol transaction type. The numeric
// values are part of the wire format and must never be renumbered.
type MessageType uint16

const (
	MsgSimpleSend       MessageType = 0
	MsgSendMany         MessageType = 1
	MsgSendAll          MessageType = 4
	MsgSendVesting      MessageType = 5
	MsgDExSellOffer     MessageType = 20
	MsgDExBuyOffer      MessageType = 21
	MsgDExAccept        MessageType = 22
	MsgMetaDExTrade     MessageType = 25
	MsgMetaDExCancelAll MessageType = 26

	MsgContractDexTrade         MessageType = 29
	MsgContractDexCancelPrice   MessageType = 30
	MsgContractDexCancel        MessageType = 31
	MsgContractDexCancelEco     MessageType = 32
	MsgContractDexClosePosition MessageType = 33
	MsgContractDexCancelBlock   MessageType = 34

	MsgMetaDExCancel        MessageType = 35
	MsgMetaDExCancelByPair  MessageType = 36
	MsgMetaDExCancelByPrice MessageType = 37

	MsgCreateContract        MessageType = 40
	MsgCreatePropertyFixed   MessageType = 50
	MsgCreatePropertyManaged MessageType = 54
	MsgGrant                 MessageType = 55
	MsgRevoke                MessageType = 56
	MsgChangeIssuer          MessageType = 70

	MsgCreatePegged MessageType = 100
	MsgRedeemPegged MessageType = 101
	MsgSendPegged   MessageType = 102

	MsgCreateOracleContract MessageType = 103
	MsgChangeOracleAdmin    MessageType = 104
	MsgOracleSetPrices      MessageType = 105
	MsgOracleBackup         MessageType = 106
	MsgOracleClose          MessageType = 107

	MsgDExPayment MessageType = 117

	MsgDeactivation MessageType = 65533
	MsgActivation   MessageType = 65534
	MsgAlert        MessageType = 65535
)

// managementVersion is the protocol version carried by the activation and
// alert message family.
const managementVersion = 65535

func (t MessageType) String() string {
	switch t {
	case MsgSimpleSend:
		return "simple_send"
	case MsgSendMany:
		return "send_many"
	case MsgSendAll:
		return "send_all"
	case MsgSendVesting:
		return "send_vesting"
	case MsgDExSellOffer:
		return "dex_sell_offer"
	case MsgDExBuyOffer:
		return "dex_buy_offer"
	case MsgDExAccept:
		return "dex_accept"
	case MsgMetaDExTrade:
		return "token_trade"
	case MsgMetaDExCancelAll:
		return "token_cancel_all"
	case MsgMetaDExCancel:
		return "token_cancel"
	case MsgMetaDExCancelByPair:
		return "token_cancel_pair"
	case MsgMetaDExCancelByPrice:
		return "token_cancel_price"
	case MsgContractDexTrade:
		return "contract_trade"
	case MsgContractDexCancelPrice:
		return "contract_cancel_price"
	case MsgContractDexCancel:
		return "contract_cancel"
	case MsgContractDexCancelEco:
		return "contract_cancel_eco"
	case MsgContractDexClosePosition:
		return "contract_close_position"
	case MsgContractDexCancelBlock:
		return "contract_cancel_block"
	case MsgCreateContract:
		return "create_contract"
	case MsgCreatePropertyFixed:
		return "create_property_fixed"
	case MsgCreatePropertyManaged:
		return "create_property_managed"
	case MsgGrant:
		return "grant"
	case MsgRevoke:
		return "revoke"
	case MsgChangeIssuer:
		return "change_issuer"
	case MsgCreatePegged:
		return "create_pegged"
	case MsgRedeemPegged:
		return "redeem_pegged"
	case MsgSendPegged:
		return "send_pegged"
	case MsgCreateOracleContract:
		return "create_oracle_contract"
	case MsgChangeOracleAdmin:
		return "change_oracle_admin"
	case MsgOracleSetPrices:
		return "oracle_set_prices"
	case MsgOracleBackup:
		return "oracle_backup"
	case MsgOracleClose:
		return "oracle_close"
	case MsgDExPayment:
		return "dex_payment"
	case MsgDeactivation:
		return "deactivation"
	case MsgActivation:
		return "activation"
	case MsgAlert:
		return "alert"
	default:
		return "unknown"
	}
}

// Payload is one decoded metaprotocol message.
type Payload interface {
	Type() MessageType

	// version is the protocol version written into the header on encode.
	version() uint64
	encodeFields(dst []byte) []byte
	decodeFields(r *reader) error
}

// Encode serializes p as varint(version) || varint(type) || fields.
func Encode(p Payload) []byte {
	dst := AppendVarint(nil, p.version())
	dst = AppendVarint(dst, uint64(p.Type()))
	return p.encodeFields(dst)
}

// Decode parses a raw payload into a typed message. Unknown message types
// and any structural defect return an error wrapping ErrMalformed; Decode
// never panics on untrusted bytes.
func Decode(raw []byte) (Payload, error) {
	r := &reader{data: raw}
	version, err := r.varint()
	if err != nil {
		return nil, err
	}
	typeNum, err := r.varint()
	if err != nil {
		return nil, err
	}
	p := newPayload(MessageType(typeNum))
	if p == nil {
		return nil, fmt.Errorf("%w: unknown message type %d", ErrMalformed, typeNum)
	}
	if v, ok := p.(versioned); ok {
		v.setVersion(version)
	}
	if err := p.decodeFields(r); err != nil {
		return nil, err
	}
	return p, nil
}

// versioned is implemented by payloads whose decoded header version is
// semantically meaningful (the bilateral sell offer changed shape in v1).
type versioned interface {
	setVersion(v uint64)
}

func newPayload(t MessageType) Payload {
	switch t {
	case MsgSimpleSend:
		return &SimpleSend{}
	case MsgSendMany:
		return &SendMany{}
	case MsgSendAll:
		return &SendAll{}
	case MsgSendVesting:
		return &SendVesting{}
	case MsgDExSellOffer:
		return &DExSellOffer{Version: 1}
	case MsgDExBuyOffer:
		return &DExBuyOffer{}
	case MsgDExAccept:
		return &DExAccept{}
	case MsgMetaDExTrade:
		return &MetaDExTrade{}
	case MsgMetaDExCancelAll:
		return &MetaDExCancelAll{}
	case MsgContractDexTrade:
		return &ContractDexTrade{}
	case MsgContractDexCancelPrice:
		return &ContractDexCancelPrice{}
	case MsgContractDexCancel:
		return &ContractDexCancel{}
	case MsgContractDexCancelEco:
		return &ContractDexCancelEcosystem{}
	case MsgContractDexClosePosition:
		return &ContractDexClosePosition{}
	case MsgContractDexCancelBlock:
		return &ContractDexCancelBlock{}
	case MsgMetaDExCancel:
		return &MetaDExCancel{}
	case MsgMetaDExCancelByPair:
		return &MetaDExCancelByPair{}
	case MsgMetaDExCancelByPrice:
		return &MetaDExCancelByPrice{}
	case MsgCreateContract:
		return &CreateContract{}
	case MsgCreatePropertyFixed:
		return &CreatePropertyFixed{}
	case MsgCreatePropertyManaged:
		return &CreatePropertyManaged{}
	case MsgGrant:
		return &Grant{}
	case MsgRevoke:
		return &Revoke{}
	case MsgChangeIssuer:
		return &ChangeIssuer{}
	case MsgCreatePegged:
		return &CreatePegged{}
	case MsgRedeemPegged:
		return &RedeemPegged{}
	case MsgSendPegged:
		return &SendPegged{}
	case MsgCreateOracleContract:
		return &CreateOracleContract{}
	case MsgChangeOracleAdmin:
		return &ChangeOracleAdmin{}
	case MsgOracleSetPrices:
		return &OracleSetPrices{}
	case MsgOracleBackup:
		return &OracleBackup{}
	case MsgOracleClose:
		return &OracleClose{}
	case MsgDExPayment:
		return &DExPayment{}
	case MsgDeactivation:
		return &Deactivation{}
	case MsgActivation:
		return &Activation{}
	case MsgAlert:
		return &Alert{}
	}
	return nil
}
