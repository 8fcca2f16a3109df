package codec

import "fmt"

// Field decode helpers. Every integer field is a required LEB128 varint;
// a missing field surfaces the field name in the malformed error.

func readU32(r *reader, field string) (uint32, error) {
	v, err := r.varint()
	if err != nil {
		return 0, fmt.Errorf("%w: missing %s", ErrMalformed, field)
	}
	return uint32(v), nil
}

func readI64(r *reader, field string) (int64, error) {
	v, err := r.varint()
	if err != nil {
		return 0, fmt.Errorf("%w: missing %s", ErrMalformed, field)
	}
	return int64(v), nil
}

func readU8(r *reader, field string) (uint8, error) {
	v, err := r.varint()
	if err != nil {
		return 0, fmt.Errorf("%w: missing %s", ErrMalformed, field)
	}
	return uint8(v), nil
}

func readStr(r *reader, field string) (string, error) {
	s, err := r.str()
	if err != nil {
		return "", fmt.Errorf("%w: missing %s", ErrMalformed, field)
	}
	return s, nil
}

// SimpleSend moves Amount of Property from sender to receiver.
type SimpleSend struct {
	Property uint32
	Amount   int64
}

func (*SimpleSend) Type() MessageType { return MsgSimpleSend }
func (*SimpleSend) version() uint64   { return 0 }

func (p *SimpleSend) encodeFields(dst []byte) []byte {
	dst = AppendVarint(dst, uint64(p.Property))
	return AppendVarint(dst, uint64(p.Amount))
}

func (p *SimpleSend) decodeFields(r *reader) (err error) {
	if p.Property, err = readU32(r, "property"); err != nil {
		return err
	}
	p.Amount, err = readI64(r, "amount")
	return err
}

// SendMany carries one property and an amount per transaction output. The
// amount list is terminated by a zero varint or the end of the payload.
type SendMany struct {
	Property uint32
	Amounts  []int64
}

func (*SendMany) Type() MessageType { return MsgSendMany }
func (*SendMany) version() uint64   { return 0 }

func (p *SendMany) encodeFields(dst []byte) []byte {
	dst = AppendVarint(dst, uint64(p.Property))
	for _, a := range p.Amounts {
		dst = AppendVarint(dst, uint64(a))
	}
	return dst
}

func (p *SendMany) decodeFields(r *reader) (err error) {
	if p.Property, err = readU32(r, "property"); err != nil {
		return err
	}
	for r.remaining() {
		v, err := r.varint()
		if err != nil {
			return err
		}
		if v == 0 {
			break
		}
		p.Amounts = append(p.Amounts, int64(v))
	}
	return nil
}

// SendAll moves every nonzero Available balance from sender to receiver.
type SendAll struct{}

func (*SendAll) Type() MessageType              { return MsgSendAll }
func (*SendAll) version() uint64                { return 0 }
func (*SendAll) encodeFields(dst []byte) []byte { return dst }
func (*SendAll) decodeFields(r *reader) error   { return nil }

// SendVesting transfers vesting tokens; the property id is implied by the
// protocol and not carried on the wire.
type SendVesting struct {
	Amount int64
}

func (*SendVesting) Type() MessageType { return MsgSendVesting }
func (*SendVesting) version() uint64   { return 0 }

func (p *SendVesting) encodeFields(dst []byte) []byte {
	return AppendVarint(dst, uint64(p.Amount))
}

func (p *SendVesting) decodeFields(r *reader) (err error) {
	p.Amount, err = readI64(r, "amount")
	return err
}

// DExSellOffer places, updates or destroys a bilateral sell offer trading
// Property against the base coin. Version 1 is the current shape.
type DExSellOffer struct {
	Version       uint64
	Property      uint32
	AmountForSale int64
	AmountDesired int64
	PaymentWindow uint8
	MinFee        int64
	SubAction     uint8
}

func (*DExSellOffer) Type() MessageType  { return MsgDExSellOffer }
func (p *DExSellOffer) version() uint64  { return p.Version }
func (p *DExSellOffer) setVersion(v uint64) { p.Version = v }

func (p *DExSellOffer) encodeFields(dst []byte) []byte {
	dst = AppendVarint(dst, uint64(p.Property))
	dst = AppendVarint(dst, uint64(p.AmountForSale))
	dst = AppendVarint(dst, uint64(p.AmountDesired))
	dst = AppendVarint(dst, uint64(p.PaymentWindow))
	dst = AppendVarint(dst, uint64(p.MinFee))
	return AppendVarint(dst, uint64(p.SubAction))
}

func (p *DExSellOffer) decodeFields(r *reader) (err error) {
	if p.Property, err = readU32(r, "property"); err != nil {
		return err
	}
	if p.AmountForSale, err = readI64(r, "amount for sale"); err != nil {
		return err
	}
	if p.AmountDesired, err = readI64(r, "amount desired"); err != nil {
		return err
	}
	if p.PaymentWindow, err = readU8(r, "payment window"); err != nil {
		return err
	}
	if p.MinFee, err = readI64(r, "minimum fee"); err != nil {
		return err
	}
	p.SubAction, err = readU8(r, "subaction")
	return err
}

// DExBuyOffer is the buy-side maker variant: the maker offers base coin at
// Price per unit for Amount of Property.
type DExBuyOffer struct {
	Property      uint32
	Amount        int64
	Price         int64
	PaymentWindow uint8
	MinFee        int64
	SubAction     uint8
}

func (*DExBuyOffer) Type() MessageType { return MsgDExBuyOffer }
func (*DExBuyOffer) version() uint64   { return 0 }

func (p *DExBuyOffer) encodeFields(dst []byte) []byte {
	dst = AppendVarint(dst, uint64(p.Property))
	dst = AppendVarint(dst, uint64(p.Amount))
	dst = AppendVarint(dst, uint64(p.Price))
	dst = AppendVarint(dst, uint64(p.PaymentWindow))
	dst = AppendVarint(dst, uint64(p.MinFee))
	return AppendVarint(dst, uint64(p.SubAction))
}

func (p *DExBuyOffer) decodeFields(r *reader) (err error) {
	if p.Property, err = readU32(r, "property"); err != nil {
		return err
	}
	if p.Amount, err = readI64(r, "amount"); err != nil {
		return err
	}
	if p.Price, err = readI64(r, "price"); err != nil {
		return err
	}
	if p.PaymentWindow, err = readU8(r, "payment window"); err != nil {
		return err
	}
	if p.MinFee, err = readI64(r, "minimum fee"); err != nil {
		return err
	}
	p.SubAction, err = readU8(r, "subaction")
	return err
}

// DExAccept reserves part of a live sell offer for the sender.
type DExAccept struct {
	Property uint32
	Amount   int64
}

func (*DExAccept) Type() MessageType { return MsgDExAccept }
func (*DExAccept) version() uint64   { return 0 }

func (p *DExAccept) encodeFields(dst []byte) []byte {
	dst = AppendVarint(dst, uint64(p.Property))
	return AppendVarint(dst, uint64(p.Amount))
}

func (p *DExAccept) decodeFields(r *reader) (err error) {
	if p.Property, err = readU32(r, "property"); err != nil {
		return err
	}
	p.Amount, err = readI64(r, "amount")
	return err
}

// DExPayment marks a base-coin payment transaction; the paid amount comes
// from the transaction outputs, so the payload carries no fields.
type DExPayment struct{}

func (*DExPayment) Type() MessageType              { return MsgDExPayment }
func (*DExPayment) version() uint64                { return 0 }
func (*DExPayment) encodeFields(dst []byte) []byte { return dst }
func (*DExPayment) decodeFields(r *reader) error   { return nil }

// MetaDExTrade places a property-for-property order.
type MetaDExTrade struct {
	PropertyForSale uint32
	AmountForSale   int64
	PropertyDesired uint32
	AmountDesired   int64
}

func (*MetaDExTrade) Type() MessageType { return MsgMetaDExTrade }
func (*MetaDExTrade) version() uint64   { return 0 }

func (p *MetaDExTrade) encodeFields(dst []byte) []byte {
	dst = AppendVarint(dst, uint64(p.PropertyForSale))
	dst = AppendVarint(dst, uint64(p.AmountForSale))
	dst = AppendVarint(dst, uint64(p.PropertyDesired))
	return AppendVarint(dst, uint64(p.AmountDesired))
}

func (p *MetaDExTrade) decodeFields(r *reader) (err error) {
	if p.PropertyForSale, err = readU32(r, "property for sale"); err != nil {
		return err
	}
	if p.AmountForSale, err = readI64(r, "amount for sale"); err != nil {
		return err
	}
	if p.PropertyDesired, err = readU32(r, "property desired"); err != nil {
		return err
	}
	p.AmountDesired, err = readI64(r, "amount desired")
	return err
}

// MetaDExCancelAll cancels every resting order of the sender.
type MetaDExCancelAll struct{}

func (*MetaDExCancelAll) Type() MessageType              { return MsgMetaDExCancelAll }
func (*MetaDExCancelAll) version() uint64                { return 0 }
func (*MetaDExCancelAll) encodeFields(dst []byte) []byte { return dst }
func (*MetaDExCancelAll) decodeFields(r *reader) error   { return nil }

// MetaDExCancel cancels one order by the hex txid that created it.
type MetaDExCancel struct {
	Hash string
}

func (*MetaDExCancel) Type() MessageType { return MsgMetaDExCancel }
func (*MetaDExCancel) version() uint64   { return 0 }

func (p *MetaDExCancel) encodeFields(dst []byte) []byte {
	return appendString(dst, p.Hash)
}

func (p *MetaDExCancel) decodeFields(r *reader) (err error) {
	p.Hash, err = readStr(r, "order hash")
	return err
}

// MetaDExCancelByPair cancels the sender's orders on one trading pair.
type MetaDExCancelByPair struct {
	PropertyForSale uint32
	PropertyDesired uint32
}

func (*MetaDExCancelByPair) Type() MessageType { return MsgMetaDExCancelByPair }
func (*MetaDExCancelByPair) version() uint64   { return 0 }

func (p *MetaDExCancelByPair) encodeFields(dst []byte) []byte {
	dst = AppendVarint(dst, uint64(p.PropertyForSale))
	return AppendVarint(dst, uint64(p.PropertyDesired))
}

func (p *MetaDExCancelByPair) decodeFields(r *reader) (err error) {
	if p.PropertyForSale, err = readU32(r, "property for sale"); err != nil {
		return err
	}
	p.PropertyDesired, err = readU32(r, "property desired")
	return err
}

// MetaDExCancelByPrice cancels the sender's orders on a pair at the exact
// price implied by the amount ratio.
type MetaDExCancelByPrice struct {
	PropertyForSale uint32
	AmountForSale   int64
	PropertyDesired uint32
	AmountDesired   int64
}

func (*MetaDExCancelByPrice) Type() MessageType { return MsgMetaDExCancelByPrice }
func (*MetaDExCancelByPrice) version() uint64   { return 0 }

func (p *MetaDExCancelByPrice) encodeFields(dst []byte) []byte {
	dst = AppendVarint(dst, uint64(p.PropertyForSale))
	dst = AppendVarint(dst, uint64(p.AmountForSale))
	dst = AppendVarint(dst, uint64(p.PropertyDesired))
	return AppendVarint(dst, uint64(p.AmountDesired))
}

func (p *MetaDExCancelByPrice) decodeFields(r *reader) (err error) {
	if p.PropertyForSale, err = readU32(r, "property for sale"); err != nil {
		return err
	}
	if p.AmountForSale, err = readI64(r, "amount for sale"); err != nil {
		return err
	}
	if p.PropertyDesired, err = readU32(r, "property desired"); err != nil {
		return err
	}
	p.AmountDesired, err = readI64(r, "amount desired")
	return err
}

// ContractDexTrade opens or extends a contract position. Contracts are
// addressed by name on the wire.
type ContractDexTrade struct {
	ContractName   string
	AmountForSale  int64
	EffectivePrice int64
	TradingAction  uint8
	Leverage       int64
}

func (*ContractDexTrade) Type() MessageType { return MsgContractDexTrade }
func (*ContractDexTrade) version() uint64   { return 0 }

func (p *ContractDexTrade) encodeFields(dst []byte) []byte {
	dst = appendString(dst, p.ContractName)
	dst = AppendVarint(dst, uint64(p.AmountForSale))
	dst = AppendVarint(dst, uint64(p.EffectivePrice))
	dst = AppendVarint(dst, uint64(p.TradingAction))
	return AppendVarint(dst, uint64(p.Leverage))
}

func (p *ContractDexTrade) decodeFields(r *reader) (err error) {
	if p.ContractName, err = readStr(r, "contract name"); err != nil {
		return err
	}
	if p.AmountForSale, err = readI64(r, "amount for sale"); err != nil {
		return err
	}
	if p.EffectivePrice, err = readI64(r, "effective price"); err != nil {
		return err
	}
	if p.TradingAction, err = readU8(r, "trading action"); err != nil {
		return err
	}
	p.Leverage, err = readI64(r, "leverage")
	return err
}

// ContractDexCancelPrice cancels resting contract orders at one price.
type ContractDexCancelPrice struct {
	PropertyForSale uint32
	AmountForSale   int64
	PropertyDesired uint32
	AmountDesired   int64
	EffectivePrice  int64
	TradingAction   uint8
}

func (*ContractDexCancelPrice) Type() MessageType { return MsgContractDexCancelPrice }
func (*ContractDexCancelPrice) version() uint64   { return 0 }

func (p *ContractDexCancelPrice) encodeFields(dst []byte) []byte {
	dst = AppendVarint(dst, uint64(p.PropertyForSale))
	dst = AppendVarint(dst, uint64(p.AmountForSale))
	dst = AppendVarint(dst, uint64(p.PropertyDesired))
	dst = AppendVarint(dst, uint64(p.AmountDesired))
	dst = AppendVarint(dst, uint64(p.EffectivePrice))
	return AppendVarint(dst, uint64(p.TradingAction))
}

func (p *ContractDexCancelPrice) decodeFields(r *reader) (err error) {
	if p.PropertyForSale, err = readU32(r, "property for sale"); err != nil {
		return err
	}
	if p.AmountForSale, err = readI64(r, "amount for sale"); err != nil {
		return err
	}
	if p.PropertyDesired, err = readU32(r, "property desired"); err != nil {
		return err
	}
	if p.AmountDesired, err = readI64(r, "amount desired"); err != nil {
		return err
	}
	if p.EffectivePrice, err = readI64(r, "effective price"); err != nil {
		return err
	}
	p.TradingAction, err = readU8(r, "trading action")
	return err
}

// ContractDexCancel cancels one contract order by creating txid.
type ContractDexCancel struct {
	Hash string
}

func (*ContractDexCancel) Type() MessageType { return MsgContractDexCancel }
func (*ContractDexCancel) version() uint64   { return 0 }

func (p *ContractDexCancel) encodeFields(dst []byte) []byte {
	return appendString(dst, p.Hash)
}

func (p *ContractDexCancel) decodeFields(r *reader) (err error) {
	p.Hash, err = readStr(r, "order hash")
	return err
}

// ContractDexCancelEcosystem cancels every order of the sender on one
// contract.
type ContractDexCancelEcosystem struct {
	ContractID uint32
}

func (*ContractDexCancelEcosystem) Type() MessageType { return MsgContractDexCancelEco }
func (*ContractDexCancelEcosystem) version() uint64   { return 0 }

func (p *ContractDexCancelEcosystem) encodeFields(dst []byte) []byte {
	return AppendVarint(dst, uint64(p.ContractID))
}

func (p *ContractDexCancelEcosystem) decodeFields(r *reader) (err error) {
	p.ContractID, err = readU32(r, "contract id")
	return err
}

// ContractDexClosePosition flattens the sender's position on a contract by
// submitting an offsetting market order.
type ContractDexClosePosition struct {
	ContractID uint32
}

func (*ContractDexClosePosition) Type() MessageType { return MsgContractDexClosePosition }
func (*ContractDexClosePosition) version() uint64   { return 0 }

func (p *ContractDexClosePosition) encodeFields(dst []byte) []byte {
	return AppendVarint(dst, uint64(p.ContractID))
}

func (p *ContractDexClosePosition) decodeFields(r *reader) (err error) {
	p.ContractID, err = readU32(r, "contract id")
	return err
}

// ContractDexCancelBlock cancels the order identified by its (block,
// in-block index) book key.
type ContractDexCancelBlock struct {
	Block uint32
	Idx   uint32
}

func (*ContractDexCancelBlock) Type() MessageType { return MsgContractDexCancelBlock }
func (*ContractDexCancelBlock) version() uint64   { return 0 }

func (p *ContractDexCancelBlock) encodeFields(dst []byte) []byte {
	dst = AppendVarint(dst, uint64(p.Block))
	return AppendVarint(dst, uint64(p.Idx))
}

func (p *ContractDexCancelBlock) decodeFields(r *reader) (err error) {
	if p.Block, err = readU32(r, "block"); err != nil {
		return err
	}
	p.Idx, err = readU32(r, "index")
	return err
}

// CreateContract registers a native derivative contract.
type CreateContract struct {
	Numerator         uint32
	Denominator       uint32
	Name              string
	BlocksToExpire    uint32
	NotionalSize      uint32
	CollateralID      uint32
	MarginRequirement int64
	Inverse           bool
	KYC               []int64
}

func (*CreateContract) Type() MessageType { return MsgCreateContract }
func (*CreateContract) version() uint64   { return 0 }

func boolByte(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func (p *CreateContract) encodeFields(dst []byte) []byte {
	dst = AppendVarint(dst, uint64(p.Numerator))
	dst = AppendVarint(dst, uint64(p.Denominator))
	dst = appendString(dst, p.Name)
	dst = AppendVarint(dst, uint64(p.BlocksToExpire))
	dst = AppendVarint(dst, uint64(p.NotionalSize))
	dst = AppendVarint(dst, uint64(p.CollateralID))
	dst = AppendVarint(dst, uint64(p.MarginRequirement))
	dst = AppendVarint(dst, boolByte(p.Inverse))
	for _, k := range p.KYC {
		dst = AppendVarint(dst, uint64(k))
	}
	return dst
}

func (p *CreateContract) decodeFields(r *reader) (err error) {
	if p.Numerator, err = readU32(r, "numerator"); err != nil {
		return err
	}
	if p.Denominator, err = readU32(r, "denominator"); err != nil {
		return err
	}
	if p.Name, err = readStr(r, "name"); err != nil {
		return err
	}
	if p.BlocksToExpire, err = readU32(r, "blocks until expiration"); err != nil {
		return err
	}
	if p.NotionalSize, err = readU32(r, "notional size"); err != nil {
		return err
	}
	if p.CollateralID, err = readU32(r, "collateral currency"); err != nil {
		return err
	}
	if p.MarginRequirement, err = readI64(r, "margin requirement"); err != nil {
		return err
	}
	inv, err := readU8(r, "inverse flag")
	if err != nil {
		return err
	}
	p.Inverse = inv != 0
	p.KYC, err = r.varintList()
	return err
}

// CreatePropertyFixed issues a fixed-supply property; the full supply is
// credited to the issuer.
type CreatePropertyFixed struct {
	PropertyType uint16
	PrevPropID   uint32
	Name         string
	URL          string
	Data         string
	Amount       int64
	KYC          []int64
}

func (*CreatePropertyFixed) Type() MessageType { return MsgCreatePropertyFixed }
func (*CreatePropertyFixed) version() uint64   { return 0 }

func (p *CreatePropertyFixed) encodeFields(dst []byte) []byte {
	dst = AppendVarint(dst, uint64(p.PropertyType))
	dst = AppendVarint(dst, uint64(p.PrevPropID))
	dst = appendString(dst, p.Name)
	dst = appendString(dst, p.URL)
	dst = appendString(dst, p.Data)
	dst = AppendVarint(dst, uint64(p.Amount))
	for _, k := range p.KYC {
		dst = AppendVarint(dst, uint64(k))
	}
	return dst
}

func (p *CreatePropertyFixed) decodeFields(r *reader) (err error) {
	pt, err := readU32(r, "property type")
	if err != nil {
		return err
	}
	p.PropertyType = uint16(pt)
	if p.PrevPropID, err = readU32(r, "previous property id"); err != nil {
		return err
	}
	if p.Name, err = readStr(r, "name"); err != nil {
		return err
	}
	if p.URL, err = readStr(r, "url"); err != nil {
		return err
	}
	if p.Data, err = readStr(r, "data"); err != nil {
		return err
	}
	if p.Amount, err = readI64(r, "amount"); err != nil {
		return err
	}
	p.KYC, err = r.varintList()
	return err
}

// CreatePropertyManaged issues a managed property with zero initial supply;
// tokens enter circulation only through Grant.
type CreatePropertyManaged struct {
	PropertyType uint16
	PrevPropID   uint32
	Name         string
	URL          string
	Data         string
	KYC          []int64
}

func (*CreatePropertyManaged) Type() MessageType { return MsgCreatePropertyManaged }
func (*CreatePropertyManaged) version() uint64   { return 0 }

func (p *CreatePropertyManaged) encodeFields(dst []byte) []byte {
	dst = AppendVarint(dst, uint64(p.PropertyType))
	dst = AppendVarint(dst, uint64(p.PrevPropID))
	dst = appendString(dst, p.Name)
	dst = appendString(dst, p.URL)
	dst = appendString(dst, p.Data)
	for _, k := range p.KYC {
		dst = AppendVarint(dst, uint64(k))
	}
	return dst
}

func (p *CreatePropertyManaged) decodeFields(r *reader) (err error) {
	pt, err := readU32(r, "property type")
	if err != nil {
		return err
	}
	p.PropertyType = uint16(pt)
	if p.PrevPropID, err = readU32(r, "previous property id"); err != nil {
		return err
	}
	if p.Name, err = readStr(r, "name"); err != nil {
		return err
	}
	if p.URL, err = readStr(r, "url"); err != nil {
		return err
	}
	if p.Data, err = readStr(r, "data"); err != nil {
		return err
	}
	p.KYC, err = r.varintList()
	return err
}

// Grant mints tokens of a managed property to the receiver.
type Grant struct {
	Property uint32
	Amount   int64
}

func (*Grant) Type() MessageType { return MsgGrant }
func (*Grant) version() uint64   { return 0 }

func (p *Grant) encodeFields(dst []byte) []byte {
	dst = AppendVarint(dst, uint64(p.Property))
	return AppendVarint(dst, uint64(p.Amount))
}

func (p *Grant) decodeFields(r *reader) (err error) {
	if p.Property, err = readU32(r, "property"); err != nil {
		return err
	}
	p.Amount, err = readI64(r, "amount")
	return err
}

// Revoke burns tokens of a managed property from the sender.
type Revoke struct {
	Property uint32
	Amount   int64
}

func (*Revoke) Type() MessageType { return MsgRevoke }
func (*Revoke) version() uint64   { return 0 }

func (p *Revoke) encodeFields(dst []byte) []byte {
	dst = AppendVarint(dst, uint64(p.Property))
	return AppendVarint(dst, uint64(p.Amount))
}

func (p *Revoke) decodeFields(r *reader) (err error) {
	if p.Property, err = readU32(r, "property"); err != nil {
		return err
	}
	p.Amount, err = readI64(r, "amount")
	return err
}

// ChangeIssuer transfers control of a property to the receiver.
type ChangeIssuer struct {
	Property uint32
}

func (*ChangeIssuer) Type() MessageType { return MsgChangeIssuer }
func (*ChangeIssuer) version() uint64   { return 0 }

func (p *ChangeIssuer) encodeFields(dst []byte) []byte {
	return AppendVarint(dst, uint64(p.Property))
}

func (p *ChangeIssuer) decodeFields(r *reader) (err error) {
	p.Property, err = readU32(r, "property")
	return err
}

// CreatePegged issues a pegged currency backed by a short contract position
// and collateral.
type CreatePegged struct {
	PropertyType uint16
	PrevPropID   uint32
	Name         string
	Property     uint32
	ContractID   uint32
	Amount       int64
}

func (*CreatePegged) Type() MessageType { return MsgCreatePegged }
func (*CreatePegged) version() uint64   { return 0 }

func (p *CreatePegged) encodeFields(dst []byte) []byte {
	dst = AppendVarint(dst, uint64(p.PropertyType))
	dst = AppendVarint(dst, uint64(p.PrevPropID))
	dst = appendString(dst, p.Name)
	dst = AppendVarint(dst, uint64(p.Property))
	dst = AppendVarint(dst, uint64(p.ContractID))
	return AppendVarint(dst, uint64(p.Amount))
}

func (p *CreatePegged) decodeFields(r *reader) (err error) {
	pt, err := readU32(r, "property type")
	if err != nil {
		return err
	}
	p.PropertyType = uint16(pt)
	if p.PrevPropID, err = readU32(r, "previous property id"); err != nil {
		return err
	}
	if p.Name, err = readStr(r, "name"); err != nil {
		return err
	}
	if p.Property, err = readU32(r, "property"); err != nil {
		return err
	}
	if p.ContractID, err = readU32(r, "contract id"); err != nil {
		return err
	}
	p.Amount, err = readI64(r, "amount")
	return err
}

// RedeemPegged unwinds pegged currency back into collateral.
type RedeemPegged struct {
	Property   uint32
	ContractID uint32
	Amount     int64
}

func (*RedeemPegged) Type() MessageType { return MsgRedeemPegged }
func (*RedeemPegged) version() uint64   { return 0 }

func (p *RedeemPegged) encodeFields(dst []byte) []byte {
	dst = AppendVarint(dst, uint64(p.Property))
	dst = AppendVarint(dst, uint64(p.ContractID))
	return AppendVarint(dst, uint64(p.Amount))
}

func (p *RedeemPegged) decodeFields(r *reader) (err error) {
	if p.Property, err = readU32(r, "property"); err != nil {
		return err
	}
	if p.ContractID, err = readU32(r, "contract id"); err != nil {
		return err
	}
	p.Amount, err = readI64(r, "amount")
	return err
}

// SendPegged moves pegged currency between addresses.
type SendPegged struct {
	Property uint32
	Amount   int64
}

func (*SendPegged) Type() MessageType { return MsgSendPegged }
func (*SendPegged) version() uint64   { return 0 }

func (p *SendPegged) encodeFields(dst []byte) []byte {
	dst = AppendVarint(dst, uint64(p.Property))
	return AppendVarint(dst, uint64(p.Amount))
}

func (p *SendPegged) decodeFields(r *reader) (err error) {
	if p.Property, err = readU32(r, "property"); err != nil {
		return err
	}
	p.Amount, err = readI64(r, "amount")
	return err
}

// CreateOracleContract registers an oracle-fed contract administered by the
// sender.
type CreateOracleContract struct {
	Name              string
	BlocksToExpire    uint32
	NotionalSize      uint32
	CollateralID      uint32
	MarginRequirement int64
	Inverse           bool
	KYC               []int64
}

func (*CreateOracleContract) Type() MessageType { return MsgCreateOracleContract }
func (*CreateOracleContract) version() uint64   { return 0 }

func (p *CreateOracleContract) encodeFields(dst []byte) []byte {
	dst = appendString(dst, p.Name)
	dst = AppendVarint(dst, uint64(p.BlocksToExpire))
	dst = AppendVarint(dst, uint64(p.NotionalSize))
	dst = AppendVarint(dst, uint64(p.CollateralID))
	dst = AppendVarint(dst, uint64(p.MarginRequirement))
	dst = AppendVarint(dst, boolByte(p.Inverse))
	for _, k := range p.KYC {
		dst = AppendVarint(dst, uint64(k))
	}
	return dst
}

func (p *CreateOracleContract) decodeFields(r *reader) (err error) {
	if p.Name, err = readStr(r, "name"); err != nil {
		return err
	}
	if p.BlocksToExpire, err = readU32(r, "blocks until expiration"); err != nil {
		return err
	}
	if p.NotionalSize, err = readU32(r, "notional size"); err != nil {
		return err
	}
	if p.CollateralID, err = readU32(r, "collateral currency"); err != nil {
		return err
	}
	if p.MarginRequirement, err = readI64(r, "margin requirement"); err != nil {
		return err
	}
	inv, err := readU8(r, "inverse flag")
	if err != nil {
		return err
	}
	p.Inverse = inv != 0
	p.KYC, err = r.varintList()
	return err
}

// ChangeOracleAdmin hands oracle administration to the receiver.
type ChangeOracleAdmin struct {
	ContractID uint32
}

func (*ChangeOracleAdmin) Type() MessageType { return MsgChangeOracleAdmin }
func (*ChangeOracleAdmin) version() uint64   { return 0 }

func (p *ChangeOracleAdmin) encodeFields(dst []byte) []byte {
	return AppendVarint(dst, uint64(p.ContractID))
}

func (p *ChangeOracleAdmin) decodeFields(r *reader) (err error) {
	p.ContractID, err = readU32(r, "contract id")
	return err
}

// OracleSetPrices publishes the high/low/close prices for an oracle
// contract.
type OracleSetPrices struct {
	ContractID uint32
	High       int64
	Low        int64
	Close      int64
}

func (*OracleSetPrices) Type() MessageType { return MsgOracleSetPrices }
func (*OracleSetPrices) version() uint64   { return 0 }

func (p *OracleSetPrices) encodeFields(dst []byte) []byte {
	dst = AppendVarint(dst, uint64(p.ContractID))
	dst = AppendVarint(dst, uint64(p.High))
	dst = AppendVarint(dst, uint64(p.Low))
	return AppendVarint(dst, uint64(p.Close))
}

func (p *OracleSetPrices) decodeFields(r *reader) (err error) {
	if p.ContractID, err = readU32(r, "contract id"); err != nil {
		return err
	}
	if p.High, err = readI64(r, "high"); err != nil {
		return err
	}
	if p.Low, err = readI64(r, "low"); err != nil {
		return err
	}
	p.Close, err = readI64(r, "close")
	return err
}

// OracleBackup switches administration to the contract's backup address.
type OracleBackup struct {
	ContractID uint32
}

func (*OracleBackup) Type() MessageType { return MsgOracleBackup }
func (*OracleBackup) version() uint64   { return 0 }

func (p *OracleBackup) encodeFields(dst []byte) []byte {
	return AppendVarint(dst, uint64(p.ContractID))
}

func (p *OracleBackup) decodeFields(r *reader) (err error) {
	p.ContractID, err = readU32(r, "contract id")
	return err
}

// OracleClose retires an oracle contract.
type OracleClose struct {
	ContractID uint32
}

func (*OracleClose) Type() MessageType { return MsgOracleClose }
func (*OracleClose) version() uint64   { return 0 }

func (p *OracleClose) encodeFields(dst []byte) []byte {
	return AppendVarint(dst, uint64(p.ContractID))
}

func (p *OracleClose) decodeFields(r *reader) (err error) {
	p.ContractID, err = readU32(r, "contract id")
	return err
}

// Activation schedules a protocol feature to go live at a block height.
type Activation struct {
	FeatureID        uint16
	ActivationBlock  uint32
	MinClientVersion uint32
}

func (*Activation) Type() MessageType { return MsgActivation }
func (*Activation) version() uint64   { return managementVersion }

func (p *Activation) encodeFields(dst []byte) []byte {
	dst = AppendVarint(dst, uint64(p.FeatureID))
	dst = AppendVarint(dst, uint64(p.ActivationBlock))
	return AppendVarint(dst, uint64(p.MinClientVersion))
}

func (p *Activation) decodeFields(r *reader) (err error) {
	f, err := readU32(r, "feature id")
	if err != nil {
		return err
	}
	p.FeatureID = uint16(f)
	if p.ActivationBlock, err = readU32(r, "activation block"); err != nil {
		return err
	}
	p.MinClientVersion, err = readU32(r, "minimum client version")
	return err
}

// Deactivation cancels a pending or completed feature activation.
type Deactivation struct {
	FeatureID uint16
}

func (*Deactivation) Type() MessageType { return MsgDeactivation }
func (*Deactivation) version() uint64   { return managementVersion }

func (p *Deactivation) encodeFields(dst []byte) []byte {
	return AppendVarint(dst, uint64(p.FeatureID))
}

func (p *Deactivation) decodeFields(r *reader) (err error) {
	f, err := readU32(r, "feature id")
	if err != nil {
		return err
	}
	p.FeatureID = uint16(f)
	return nil
}

// Alert broadcasts an operator notice; it is recorded but has no ledger
// effect.
type Alert struct {
	AlertType uint16
	Expiry    uint32
	Message   string
}

func (*Alert) Type() MessageType { return MsgAlert }
func (*Alert) version() uint64   { return managementVersion }

func (p *Alert) encodeFields(dst []byte) []byte {
	dst = AppendVarint(dst, uint64(p.AlertType))
	dst = AppendVarint(dst, uint64(p.Expiry))
	return appendString(dst, p.Message)
}

func (p *Alert) decodeFields(r *reader) (err error) {
	at, err := readU32(r, "alert type")
	if err != nil {
		return err
	}
	p.AlertType = uint16(at)
	if p.Expiry, err = readU32(r, "expiry"); err != nil {
		return err
	}
	p.Message, err = readStr(r, "message")
	return err
}
