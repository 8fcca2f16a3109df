package core

import (
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"MetaLayer/internal/activation"
	"MetaLayer/internal/chain"
	"MetaLayer/internal/clearing"
	"MetaLayer/internal/codec"
	"MetaLayer/internal/dex"
	"MetaLayer/internal/ledger"
	xmath "MetaLayer/internal/math"
	"MetaLayer/internal/orderbook"
	"MetaLayer/internal/register"
	"MetaLayer/internal/registry"
)

// vestingDivisor sets the per-block vesting release: each block one
// thousandth of an address's remaining unvested balance, rounded up,
// becomes available. The round-up guarantees termination.
const vestingDivisor = 1000

// AlertRecord is a stored protocol alert. Alerts carry no state effect;
// they are surfaced to operators until their expiry height passes.
type AlertRecord struct {
	AlertType uint16
	Expiry    uint32
	Message   string
	Height    int
}

// Interpreter turns one parsed transaction into ledger effects. It owns
// every consensus sub-engine; the block engine drives it strictly
// single-threaded in block-then-index order.
type Interpreter struct {
	tally       *ledger.Tally
	properties  *registry.PropertyRegistry
	contracts   *registry.ContractRegistry
	activations *activation.Manager

	dex      *dex.Engine
	tokens   *orderbook.TokenBook
	futures  *orderbook.ContractBook
	register *register.Register
	stats    *orderbook.VolumeBook
	clearer  *clearing.Clearer

	// fills accumulates contract fills since the last settlement, per
	// contract; clearing consumes and resets them.
	fills map[uint32][]orderbook.ContractFill

	// contractHeights pins each contract's creation height for expiry
	// checks; the registry stores only block hashes.
	contractHeights map[uint32]int

	alerts []AlertRecord

	log zerolog.Logger
}

func NewInterpreter(
	tally *ledger.Tally,
	properties *registry.PropertyRegistry,
	contracts *registry.ContractRegistry,
	activations *activation.Manager,
	log zerolog.Logger,
) *Interpreter {
	reg := register.New()
	stats := orderbook.NewVolumeBook()
	return &Interpreter{
		tally:           tally,
		properties:      properties,
		contracts:       contracts,
		activations:     activations,
		dex:             dex.NewEngine(tally, log),
		tokens:          orderbook.NewTokenBook(tally, stats, log),
		futures:         orderbook.NewContractBook(tally, reg, stats, log),
		register:        reg,
		stats:           stats,
		clearer:         clearing.NewClearer(tally, reg, log),
		fills:           make(map[uint32][]orderbook.ContractFill),
		contractHeights: make(map[uint32]int),
		log:             log,
	}
}

// Accessors for the query surface. All reads happen on the replay
// goroutine or against copies.
func (in *Interpreter) Tally() *ledger.Tally               { return in.tally }
func (in *Interpreter) Dex() *dex.Engine                   { return in.dex }
func (in *Interpreter) Tokens() *orderbook.TokenBook       { return in.tokens }
func (in *Interpreter) Futures() *orderbook.ContractBook   { return in.futures }
func (in *Interpreter) Register() *register.Register       { return in.register }
func (in *Interpreter) Stats() *orderbook.VolumeBook       { return in.stats }
func (in *Interpreter) Activations() *activation.Manager   { return in.activations }
func (in *Interpreter) Properties() *registry.PropertyRegistry { return in.properties }
func (in *Interpreter) Contracts() *registry.ContractRegistry  { return in.contracts }

// Alerts returns the protocol alerts still live at the given height.
func (in *Interpreter) Alerts(height int) []AlertRecord {
	var live []AlertRecord
	for _, a := range in.alerts {
		if int(a.Expiry) > height {
			live = append(live, a)
		}
	}
	return live
}

// Interpret runs the per-transaction pipeline: decode, activation gate,
// structural checks, one handler. Invalid transactions are a normal
// outcome; the returned error is reserved for consensus faults.
func (in *Interpreter) Interpret(tx chain.Tx) (chain.Outcome, error) {
	out := chain.Outcome{
		Txid:        tx.Txid,
		BlockHeight: tx.BlockHeight,
		Idx:         tx.Idx,
	}

	payload, err := codec.Decode(tx.Payload)
	if err != nil {
		out.Code = chain.RejectMalformedPayload
		out.Reason = err.Error()
		return out, nil
	}
	out.Type = uint16(payload.Type())

	if !in.activations.Allows(payload.Type()) {
		out.Code = chain.RejectNotActivated
		out.Reason = chain.RejectNotActivated.String()
		return out, nil
	}

	code, err := in.dispatch(tx, payload)
	if err != nil {
		return out, err
	}
	out.Code = code
	if code != chain.Accepted {
		out.Reason = code.String()
	}
	return out, nil
}

func (in *Interpreter) dispatch(tx chain.Tx, payload codec.Payload) (chain.RejectCode, error) {
	switch p := payload.(type) {
	case *codec.SimpleSend:
		return in.handleSimpleSend(tx, p)
	case *codec.SendMany:
		return in.handleSendMany(tx, p)
	case *codec.SendAll:
		return in.handleSendAll(tx)
	case *codec.SendVesting:
		return in.handleSendVesting(tx, p)

	case *codec.DExSellOffer:
		return in.handleDExSellOffer(tx, p)
	case *codec.DExBuyOffer:
		return in.handleDExBuyOffer(tx, p)
	case *codec.DExAccept:
		return in.handleDExAccept(tx, p)
	case *codec.DExPayment:
		return in.handleDExPayment(tx)

	case *codec.MetaDExTrade:
		return in.handleTokenTrade(tx, p)
	case *codec.MetaDExCancel:
		return in.handleTokenCancel(tx, p)
	case *codec.MetaDExCancelByPrice:
		code, err := in.tokens.CancelAtPrice(tx.Sender, p.PropertyForSale, p.AmountForSale, p.PropertyDesired, p.AmountDesired)
		return code, err
	case *codec.MetaDExCancelByPair:
		code, err := in.tokens.CancelPair(tx.Sender, p.PropertyForSale, p.PropertyDesired)
		return code, err
	case *codec.MetaDExCancelAll:
		code, err := in.tokens.CancelAll(tx.Sender)
		return code, err

	case *codec.CreateContract:
		return in.handleCreateContract(tx, p)
	case *codec.ContractDexTrade:
		return in.handleContractTrade(tx, p)
	case *codec.ContractDexCancel:
		return in.handleContractCancel(tx, p)
	case *codec.ContractDexCancelPrice:
		code, err := in.futures.CancelAtPrice(tx.Sender, p.PropertyForSale, p.EffectivePrice, p.TradingAction)
		return code, err
	case *codec.ContractDexCancelEcosystem:
		code, err := in.futures.CancelAll(tx.Sender, p.ContractID)
		return code, err
	case *codec.ContractDexCancelBlock:
		code, err := in.futures.CancelByBlock(tx.Sender, int(p.Block), int(p.Idx))
		return code, err
	case *codec.ContractDexClosePosition:
		return in.handleClosePosition(tx, p)

	case *codec.CreatePropertyFixed:
		return in.handleCreateFixed(tx, p)
	case *codec.CreatePropertyManaged:
		return in.handleCreateManaged(tx, p)
	case *codec.Grant:
		return in.handleGrant(tx, p)
	case *codec.Revoke:
		return in.handleRevoke(tx, p)
	case *codec.ChangeIssuer:
		return in.handleChangeIssuer(tx, p)

	case *codec.CreatePegged:
		return in.handleCreatePegged(tx, p)
	case *codec.RedeemPegged:
		return in.handleRedeemPegged(tx, p)
	case *codec.SendPegged:
		return in.handleSendPegged(tx, p)

	case *codec.CreateOracleContract:
		return in.handleCreateOracle(tx, p)
	case *codec.ChangeOracleAdmin:
		return in.handleOracleAdmin(tx, p)
	case *codec.OracleSetPrices:
		return in.handleOraclePrices(tx, p)
	case *codec.OracleBackup:
		return in.handleOracleBackup(tx, p)
	case *codec.OracleClose:
		return in.handleOracleClose(tx, p)

	case *codec.Activation:
		return in.handleActivation(tx, p)
	case *codec.Deactivation:
		return in.handleDeactivation(tx, p)
	case *codec.Alert:
		return in.handleAlert(tx, p)
	}
	return chain.RejectUnknownType, nil
}

// ============================================================
// Sends
// ============================================================

// moveAvailable is the common transfer path: insufficient balance is a
// rejection, anything else from the tally is fatal.
func (in *Interpreter) moveAvailable(from, to string, property uint32, amount int64) (chain.RejectCode, error) {
	if err := in.tally.Move(from, ledger.Available, to, ledger.Available, property, amount); err != nil {
		if errors.Is(err, ledger.ErrInsufficient) {
			return chain.RejectInsufficientFunds, nil
		}
		return 0, err
	}
	return chain.Accepted, nil
}

func (in *Interpreter) checkTransfer(tx chain.Tx, amount int64) chain.RejectCode {
	if amount <= 0 {
		return chain.RejectZeroAmount
	}
	if tx.Receiver == "" {
		return chain.RejectBadParameter
	}
	if tx.Receiver == tx.Sender {
		return chain.RejectSelfSend
	}
	return chain.Accepted
}

func (in *Interpreter) handleSimpleSend(tx chain.Tx, p *codec.SimpleSend) (chain.RejectCode, error) {
	if code := in.checkTransfer(tx, p.Amount); code != chain.Accepted {
		return code, nil
	}
	if p.Property == registry.PropertyVesting {
		return chain.RejectVestingProperty, nil
	}
	if !in.properties.Exists(p.Property) {
		return chain.RejectPropertyNotFound, nil
	}
	return in.moveAvailable(tx.Sender, tx.Receiver, p.Property, p.Amount)
}

// handleSendMany sums the payload's amounts into a single transfer to the
// transaction's receiver; the amounts stay itemized on the wire for fee
// and audit purposes only.
func (in *Interpreter) handleSendMany(tx chain.Tx, p *codec.SendMany) (chain.RejectCode, error) {
	var total int64
	for _, a := range p.Amounts {
		if a <= 0 {
			return chain.RejectZeroAmount, nil
		}
		total += a
		if total < 0 {
			return chain.RejectBadParameter, nil
		}
	}
	if code := in.checkTransfer(tx, total); code != chain.Accepted {
		return code, nil
	}
	if p.Property == registry.PropertyVesting {
		return chain.RejectVestingProperty, nil
	}
	if !in.properties.Exists(p.Property) {
		return chain.RejectPropertyNotFound, nil
	}
	return in.moveAvailable(tx.Sender, tx.Receiver, p.Property, total)
}

func (in *Interpreter) handleSendAll(tx chain.Tx) (chain.RejectCode, error) {
	if tx.Receiver == "" {
		return chain.RejectBadParameter, nil
	}
	if tx.Receiver == tx.Sender {
		return chain.RejectSelfSend, nil
	}
	moved := 0
	for _, prop := range in.tally.PropertiesOf(tx.Sender) {
		if prop == registry.PropertyVesting {
			continue
		}
		amount := in.tally.Balance(tx.Sender, prop, ledger.Available)
		if amount <= 0 {
			continue
		}
		if err := in.tally.Move(tx.Sender, ledger.Available, tx.Receiver, ledger.Available, prop, amount); err != nil {
			return 0, err
		}
		moved++
	}
	if moved == 0 {
		return chain.RejectInsufficientFunds, nil
	}
	return chain.Accepted, nil
}

// handleSendVesting moves vesting tokens and, with them, the proportional
// share of the sender's still-unvested base tokens. The entitlement
// travels with the vesting token; the per-block schedule releases it.
func (in *Interpreter) handleSendVesting(tx chain.Tx, p *codec.SendVesting) (chain.RejectCode, error) {
	if code := in.checkTransfer(tx, p.Amount); code != chain.Accepted {
		return code, nil
	}
	held := in.tally.Balance(tx.Sender, registry.PropertyVesting, ledger.Available)
	if held < p.Amount {
		return chain.RejectInsufficientFunds, nil
	}
	entitlement := xmath.MulDiv(p.Amount,
		in.tally.Balance(tx.Sender, registry.PropertyBaseToken, ledger.Unvested),
		held, xmath.RoundDown)

	if err := in.tally.Move(tx.Sender, ledger.Available, tx.Receiver, ledger.Available, registry.PropertyVesting, p.Amount); err != nil {
		return 0, err
	}
	if entitlement > 0 {
		if err := in.tally.Move(tx.Sender, ledger.Unvested, tx.Receiver, ledger.Unvested, registry.PropertyBaseToken, entitlement); err != nil {
			return 0, err
		}
	}
	return chain.Accepted, nil
}

// ReleaseVested runs at every block boundary: each vesting-token holder's
// unvested base tokens release at one part in vestingDivisor per block,
// rounded up so small remainders drain to zero.
func (in *Interpreter) ReleaseVested() error {
	for _, addr := range in.tally.AddressesWithProperty(registry.PropertyVesting) {
		unvested := in.tally.Balance(addr, registry.PropertyBaseToken, ledger.Unvested)
		if unvested <= 0 {
			continue
		}
		release := xmath.MulDiv(unvested, 1, vestingDivisor, xmath.RoundUp)
		if err := in.tally.Move(addr, ledger.Unvested, addr, ledger.Available, registry.PropertyBaseToken, release); err != nil {
			return chain.Faultf("core", "vesting release for %s: %v", addr, err)
		}
	}
	return nil
}

// ============================================================
// Bilateral exchange
// ============================================================

func (in *Interpreter) handleDExSellOffer(tx chain.Tx, p *codec.DExSellOffer) (chain.RejectCode, error) {
	if p.Property == registry.PropertyVesting {
		return chain.RejectVestingProperty, nil
	}
	if !in.properties.Exists(p.Property) {
		return chain.RejectPropertyNotFound, nil
	}
	switch p.SubAction {
	case dex.ActionNew:
		return in.dex.OfferCreate(tx, p.Property, p.AmountForSale, p.AmountDesired, p.PaymentWindow, p.MinFee), nil
	case dex.ActionUpdate:
		return in.dex.OfferUpdate(tx, p.Property, p.AmountForSale, p.AmountDesired, p.PaymentWindow, p.MinFee), nil
	case dex.ActionDestroy:
		return in.dex.OfferDestroy(tx.Sender, p.Property), nil
	}
	return chain.RejectUnsupportedAction, nil
}

func (in *Interpreter) handleDExBuyOffer(tx chain.Tx, p *codec.DExBuyOffer) (chain.RejectCode, error) {
	if p.Property == registry.PropertyVesting {
		return chain.RejectVestingProperty, nil
	}
	if !in.properties.Exists(p.Property) {
		return chain.RejectPropertyNotFound, nil
	}
	switch p.SubAction {
	case dex.ActionNew:
		return in.dex.BuyOfferCreate(tx, p.Property, p.Amount, p.Price, p.PaymentWindow, p.MinFee), nil
	case dex.ActionDestroy:
		return in.dex.OfferDestroy(tx.Sender, p.Property), nil
	}
	return chain.RejectUnsupportedAction, nil
}

func (in *Interpreter) handleDExAccept(tx chain.Tx, p *codec.DExAccept) (chain.RejectCode, error) {
	if tx.Receiver == "" || tx.Receiver == tx.Sender {
		return chain.RejectBadParameter, nil
	}
	if !in.properties.Exists(p.Property) {
		return chain.RejectPropertyNotFound, nil
	}
	return in.dex.AcceptCreate(tx, tx.Receiver, p.Property, p.Amount), nil
}

func (in *Interpreter) handleDExPayment(tx chain.Tx) (chain.RejectCode, error) {
	if tx.Receiver == "" || tx.Receiver == tx.Sender {
		return chain.RejectBadParameter, nil
	}
	return in.dex.PaymentSweep(tx.BlockHeight, tx.Sender, tx.Receiver, tx.PaidAmount)
}

// ============================================================
// Token exchange
// ============================================================

func (in *Interpreter) handleTokenTrade(tx chain.Tx, p *codec.MetaDExTrade) (chain.RejectCode, error) {
	if p.PropertyForSale == registry.PropertyVesting || p.PropertyDesired == registry.PropertyVesting {
		return chain.RejectVestingProperty, nil
	}
	if !in.properties.Exists(p.PropertyForSale) || !in.properties.Exists(p.PropertyDesired) {
		return chain.RejectPropertyNotFound, nil
	}
	_, code, err := in.tokens.Trade(tx, p.PropertyForSale, p.AmountForSale, p.PropertyDesired, p.AmountDesired)
	return code, err
}

func (in *Interpreter) handleTokenCancel(tx chain.Tx, p *codec.MetaDExCancel) (chain.RejectCode, error) {
	txid, err := chain.HashFromString(p.Hash)
	if err != nil {
		return chain.RejectBadParameter, nil
	}
	return in.tokens.CancelByTxid(tx.Sender, txid)
}

// ============================================================
// Contract exchange
// ============================================================

func (in *Interpreter) specFor(id uint32, c *registry.Contract) orderbook.ContractSpec {
	return orderbook.ContractSpec{
		ContractID:         id,
		CollateralProperty: c.CollateralID,
		MarginRequirement:  c.MarginRequirement,
		NotionalSize:       int64(c.NotionalSize),
		Inverse:            c.Inverse,
	}
}

// tradableContract resolves a contract and rejects trading on closed or
// expired instruments.
func (in *Interpreter) tradableContract(id uint32, c *registry.Contract, height int) chain.RejectCode {
	if c.Closed {
		return chain.RejectContractClosed
	}
	if c.Expired(in.contractHeights[id], height) {
		return chain.RejectContractClosed
	}
	return chain.Accepted
}

func (in *Interpreter) handleCreateContract(tx chain.Tx, p *codec.CreateContract) (chain.RejectCode, error) {
	if p.Name == "" || p.Numerator == 0 || p.Denominator == 0 {
		return chain.RejectBadParameter, nil
	}
	if p.NotionalSize == 0 || p.MarginRequirement <= 0 {
		return chain.RejectBadParameter, nil
	}
	if !in.properties.Exists(p.CollateralID) {
		return chain.RejectPropertyNotFound, nil
	}
	_, _, exists, err := in.contracts.FindByName(p.Name)
	if err != nil {
		return 0, err
	}
	if exists {
		return chain.RejectBadParameter, nil
	}
	id, err := in.contracts.Create(tx.Txid, &registry.Contract{
		Issuer:            tx.Sender,
		Name:              p.Name,
		Numerator:         p.Numerator,
		Denominator:       p.Denominator,
		BlocksToExpire:    p.BlocksToExpire,
		NotionalSize:      p.NotionalSize,
		CollateralID:      p.CollateralID,
		MarginRequirement: p.MarginRequirement,
		Inverse:           p.Inverse,
		KYC:               p.KYC,
		CreationTxid:      tx.Txid,
		CreationBlock:     tx.BlockHash,
		UpdateBlock:       tx.BlockHash,
	})
	if err != nil {
		return 0, err
	}
	in.contractHeights[id] = tx.BlockHeight
	in.log.Info().Uint32("contract", id).Str("name", p.Name).Msg("contract created")
	return chain.Accepted, nil
}

func (in *Interpreter) handleContractTrade(tx chain.Tx, p *codec.ContractDexTrade) (chain.RejectCode, error) {
	id, c, found, err := in.contracts.FindByName(p.ContractName)
	if err != nil {
		return 0, err
	}
	if !found {
		return chain.RejectContractNotFound, nil
	}
	if code := in.tradableContract(id, c, tx.BlockHeight); code != chain.Accepted {
		return code, nil
	}
	if p.TradingAction != orderbook.ActionBuy && p.TradingAction != orderbook.ActionSell {
		return chain.RejectUnsupportedAction, nil
	}
	if p.Leverage > 0 {
		current := in.register.Record(tx.Sender, id, register.RecordLeverage)
		if current != p.Leverage && in.register.Position(tx.Sender, id) != 0 && current != 0 {
			return chain.RejectBadParameter, nil
		}
		in.register.SetLeverage(tx.Sender, id, p.Leverage)
	}
	fills, code, err := in.futures.Trade(tx, in.specFor(id, c), p.AmountForSale, p.EffectivePrice, p.TradingAction)
	if err != nil {
		return 0, err
	}
	if len(fills) > 0 {
		in.fills[id] = append(in.fills[id], fills...)
	}
	return code, nil
}

func (in *Interpreter) handleContractCancel(tx chain.Tx, p *codec.ContractDexCancel) (chain.RejectCode, error) {
	txid, err := chain.HashFromString(p.Hash)
	if err != nil {
		return chain.RejectBadParameter, nil
	}
	return in.futures.CancelByTxid(tx.Sender, txid)
}

func (in *Interpreter) handleClosePosition(tx chain.Tx, p *codec.ContractDexClosePosition) (chain.RejectCode, error) {
	c, found, err := in.contracts.Get(p.ContractID)
	if err != nil {
		return 0, err
	}
	if !found {
		return chain.RejectContractNotFound, nil
	}
	if code := in.tradableContract(p.ContractID, c, tx.BlockHeight); code != chain.Accepted {
		return code, nil
	}
	fills, code, err := in.futures.ClosePosition(tx, in.specFor(p.ContractID, c))
	if err != nil {
		return 0, err
	}
	if len(fills) > 0 {
		in.fills[p.ContractID] = append(in.fills[p.ContractID], fills...)
	}
	return code, nil
}

// settleContract cancels the contract's resting orders and clears every
// open position through the clearing engine. Runs on oracle close and on
// expiry.
func (in *Interpreter) settleContract(id uint32, c *registry.Contract) error {
	if _, err := in.futures.CancelContract(id); err != nil {
		return err
	}
	fills := in.fills[id]
	delete(in.fills, id)
	settlement, err := in.clearer.Settle(id, in.specFor(id, c), fills)
	if err != nil {
		return err
	}
	in.log.Info().Uint32("contract", id).Int64("clearing_price", settlement.ClearingPrice).
		Int64("shortfall", settlement.Shortfall).Int("paths", len(settlement.Paths)).
		Msg("contract settled")
	return nil
}

// ExpireContracts settles every contract whose expiry height has been
// reached, in contract id order.
func (in *Interpreter) ExpireContracts(height int) error {
	type expired struct {
		id uint32
		c  *registry.Contract
	}
	var due []expired
	err := in.contracts.ForEach(func(id uint32, raw []byte) error {
		c, found, err := in.contracts.Get(id)
		if err != nil || !found {
			return err
		}
		if !c.Closed && c.Expired(in.contractHeights[id], height) {
			due = append(due, expired{id: id, c: c})
		}
		return nil
	})
	if err != nil {
		return err
	}
	sort.Slice(due, func(i, j int) bool { return due[i].id < due[j].id })
	for _, d := range due {
		if err := in.settleContract(d.id, d.c); err != nil {
			return err
		}
		d.c.Closed = true
		if err := in.contracts.Update(d.id, d.c); err != nil {
			return err
		}
		in.log.Info().Uint32("contract", d.id).Int("height", height).Msg("contract expired")
	}
	return nil
}

// ============================================================
// Issuance
// ============================================================

func (in *Interpreter) handleCreateFixed(tx chain.Tx, p *codec.CreatePropertyFixed) (chain.RejectCode, error) {
	if p.Name == "" || p.Amount <= 0 {
		return chain.RejectBadParameter, nil
	}
	if p.PropertyType != registry.PropertyTypeIndivisible && p.PropertyType != registry.PropertyTypeDivisible {
		return chain.RejectBadParameter, nil
	}
	id, err := in.properties.Create(tx.Txid, &registry.Property{
		Issuer:        tx.Sender,
		PropertyType:  p.PropertyType,
		PrevPropID:    p.PrevPropID,
		Name:          p.Name,
		URL:           p.URL,
		Data:          p.Data,
		NumTokens:     p.Amount,
		Fixed:         true,
		KYC:           p.KYC,
		CreationTxid:  tx.Txid,
		CreationBlock: tx.BlockHash,
		UpdateBlock:   tx.BlockHash,
	})
	if err != nil {
		return 0, err
	}
	if err := in.tally.Update(tx.Sender, id, ledger.Available, p.Amount); err != nil {
		return 0, err
	}
	in.log.Info().Uint32("property", id).Str("name", p.Name).Int64("supply", p.Amount).Msg("fixed property issued")
	return chain.Accepted, nil
}

func (in *Interpreter) handleCreateManaged(tx chain.Tx, p *codec.CreatePropertyManaged) (chain.RejectCode, error) {
	if p.Name == "" {
		return chain.RejectBadParameter, nil
	}
	if p.PropertyType != registry.PropertyTypeIndivisible && p.PropertyType != registry.PropertyTypeDivisible {
		return chain.RejectBadParameter, nil
	}
	id, err := in.properties.Create(tx.Txid, &registry.Property{
		Issuer:        tx.Sender,
		PropertyType:  p.PropertyType,
		PrevPropID:    p.PrevPropID,
		Name:          p.Name,
		URL:           p.URL,
		Data:          p.Data,
		Managed:       true,
		KYC:           p.KYC,
		CreationTxid:  tx.Txid,
		CreationBlock: tx.BlockHash,
		UpdateBlock:   tx.BlockHash,
	})
	if err != nil {
		return 0, err
	}
	in.log.Info().Uint32("property", id).Str("name", p.Name).Msg("managed property created")
	return chain.Accepted, nil
}

// managedBy resolves a property and checks the sender controls it.
func (in *Interpreter) managedBy(id uint32, sender string) (*registry.Property, chain.RejectCode, error) {
	prop, found, err := in.properties.Get(id)
	if err != nil {
		return nil, 0, err
	}
	if !found {
		return nil, chain.RejectPropertyNotFound, nil
	}
	if !prop.Managed {
		return nil, chain.RejectBadParameter, nil
	}
	if prop.Issuer != sender {
		return nil, chain.RejectNotIssuer, nil
	}
	return prop, chain.Accepted, nil
}

func (in *Interpreter) handleGrant(tx chain.Tx, p *codec.Grant) (chain.RejectCode, error) {
	if p.Amount <= 0 {
		return chain.RejectZeroAmount, nil
	}
	prop, code, err := in.managedBy(p.Property, tx.Sender)
	if err != nil || code != chain.Accepted {
		return code, err
	}
	if prop.NumTokens+p.Amount < 0 {
		return chain.RejectBadParameter, nil
	}
	to := tx.Receiver
	if to == "" {
		to = tx.Sender
	}
	if err := in.tally.Update(to, p.Property, ledger.Available, p.Amount); err != nil {
		return 0, err
	}
	prop.NumTokens += p.Amount
	prop.UpdateBlock = tx.BlockHash
	if err := in.properties.Update(p.Property, prop); err != nil {
		return 0, err
	}
	return chain.Accepted, nil
}

func (in *Interpreter) handleRevoke(tx chain.Tx, p *codec.Revoke) (chain.RejectCode, error) {
	if p.Amount <= 0 {
		return chain.RejectZeroAmount, nil
	}
	prop, code, err := in.managedBy(p.Property, tx.Sender)
	if err != nil || code != chain.Accepted {
		return code, err
	}
	if err := in.tally.Update(tx.Sender, p.Property, ledger.Available, -p.Amount); err != nil {
		if errors.Is(err, ledger.ErrInsufficient) {
			return chain.RejectInsufficientFunds, nil
		}
		return 0, err
	}
	prop.NumTokens -= p.Amount
	prop.UpdateBlock = tx.BlockHash
	if err := in.properties.Update(p.Property, prop); err != nil {
		return 0, err
	}
	return chain.Accepted, nil
}

func (in *Interpreter) handleChangeIssuer(tx chain.Tx, p *codec.ChangeIssuer) (chain.RejectCode, error) {
	if tx.Receiver == "" {
		return chain.RejectBadParameter, nil
	}
	prop, found, err := in.properties.Get(p.Property)
	if err != nil {
		return 0, err
	}
	if !found {
		return chain.RejectPropertyNotFound, nil
	}
	if prop.Issuer != tx.Sender {
		return chain.RejectNotIssuer, nil
	}
	prop.Issuer = tx.Receiver
	prop.UpdateBlock = tx.BlockHash
	if err := in.properties.Update(p.Property, prop); err != nil {
		return 0, err
	}
	return chain.Accepted, nil
}

// ============================================================
// Pegged currency
// ============================================================

// handleCreatePegged issues a currency pegged to a contract's price. The
// issuer must carry a short futures position large enough to cover the
// issued amount, so the peg is hedged from the first block.
func (in *Interpreter) handleCreatePegged(tx chain.Tx, p *codec.CreatePegged) (chain.RejectCode, error) {
	if p.Name == "" || p.Amount <= 0 {
		return chain.RejectBadParameter, nil
	}
	c, found, err := in.contracts.Get(p.ContractID)
	if err != nil {
		return 0, err
	}
	if !found {
		return chain.RejectContractNotFound, nil
	}
	if c.Closed {
		return chain.RejectContractClosed, nil
	}
	if p.Property != c.CollateralID {
		return chain.RejectBadParameter, nil
	}
	position := in.register.Position(tx.Sender, p.ContractID)
	cover := xmath.MulDiv(-position, int64(c.NotionalSize), 1, xmath.RoundDown)
	if position >= 0 || cover < p.Amount {
		return chain.RejectNoPosition, nil
	}
	id, err := in.properties.Create(tx.Txid, &registry.Property{
		Issuer:        tx.Sender,
		PropertyType:  registry.PropertyTypeDivisible,
		PrevPropID:    p.PrevPropID,
		Name:          p.Name,
		NumTokens:     p.Amount,
		Pegged:        true,
		ContractID:    p.ContractID,
		CreationTxid:  tx.Txid,
		CreationBlock: tx.BlockHash,
		UpdateBlock:   tx.BlockHash,
	})
	if err != nil {
		return 0, err
	}
	if err := in.tally.Update(tx.Sender, id, ledger.Available, p.Amount); err != nil {
		return 0, err
	}
	in.log.Info().Uint32("property", id).Uint32("contract", p.ContractID).
		Int64("amount", p.Amount).Msg("pegged currency issued")
	return chain.Accepted, nil
}

func (in *Interpreter) handleRedeemPegged(tx chain.Tx, p *codec.RedeemPegged) (chain.RejectCode, error) {
	if p.Amount <= 0 {
		return chain.RejectZeroAmount, nil
	}
	prop, found, err := in.properties.Get(p.Property)
	if err != nil {
		return 0, err
	}
	if !found {
		return chain.RejectPropertyNotFound, nil
	}
	if !prop.Pegged || prop.ContractID != p.ContractID {
		return chain.RejectBadParameter, nil
	}
	if err := in.tally.Update(tx.Sender, p.Property, ledger.Available, -p.Amount); err != nil {
		if errors.Is(err, ledger.ErrInsufficient) {
			return chain.RejectInsufficientFunds, nil
		}
		return 0, err
	}
	prop.NumTokens -= p.Amount
	prop.UpdateBlock = tx.BlockHash
	if err := in.properties.Update(p.Property, prop); err != nil {
		return 0, err
	}
	return chain.Accepted, nil
}

func (in *Interpreter) handleSendPegged(tx chain.Tx, p *codec.SendPegged) (chain.RejectCode, error) {
	if code := in.checkTransfer(tx, p.Amount); code != chain.Accepted {
		return code, nil
	}
	prop, found, err := in.properties.Get(p.Property)
	if err != nil {
		return 0, err
	}
	if !found {
		return chain.RejectPropertyNotFound, nil
	}
	if !prop.Pegged {
		return chain.RejectBadParameter, nil
	}
	return in.moveAvailable(tx.Sender, tx.Receiver, p.Property, p.Amount)
}

// ============================================================
// Oracles
// ============================================================

func (in *Interpreter) handleCreateOracle(tx chain.Tx, p *codec.CreateOracleContract) (chain.RejectCode, error) {
	if p.Name == "" || p.NotionalSize == 0 || p.MarginRequirement <= 0 {
		return chain.RejectBadParameter, nil
	}
	if !in.properties.Exists(p.CollateralID) {
		return chain.RejectPropertyNotFound, nil
	}
	_, _, exists, err := in.contracts.FindByName(p.Name)
	if err != nil {
		return 0, err
	}
	if exists {
		return chain.RejectBadParameter, nil
	}
	id, err := in.contracts.Create(tx.Txid, &registry.Contract{
		Issuer:            tx.Sender,
		Name:              p.Name,
		BlocksToExpire:    p.BlocksToExpire,
		NotionalSize:      p.NotionalSize,
		CollateralID:      p.CollateralID,
		MarginRequirement: p.MarginRequirement,
		Inverse:           p.Inverse,
		Oracle:            true,
		KYC:               p.KYC,
		CreationTxid:      tx.Txid,
		CreationBlock:     tx.BlockHash,
		UpdateBlock:       tx.BlockHash,
	})
	if err != nil {
		return 0, err
	}
	in.contractHeights[id] = tx.BlockHeight
	in.log.Info().Uint32("contract", id).Str("name", p.Name).Msg("oracle contract created")
	return chain.Accepted, nil
}

// oracleBy resolves an oracle contract administered by sender, optionally
// accepting the registered backup address.
func (in *Interpreter) oracleBy(id uint32, sender string, allowBackup bool) (*registry.Contract, chain.RejectCode, error) {
	c, found, err := in.contracts.Get(id)
	if err != nil {
		return nil, 0, err
	}
	if !found {
		return nil, chain.RejectContractNotFound, nil
	}
	if !c.Oracle {
		return nil, chain.RejectBadParameter, nil
	}
	if c.Issuer != sender && !(allowBackup && c.BackupAddress != "" && c.BackupAddress == sender) {
		return nil, chain.RejectNotIssuer, nil
	}
	return c, chain.Accepted, nil
}

func (in *Interpreter) handleOracleAdmin(tx chain.Tx, p *codec.ChangeOracleAdmin) (chain.RejectCode, error) {
	if tx.Receiver == "" {
		return chain.RejectBadParameter, nil
	}
	c, code, err := in.oracleBy(p.ContractID, tx.Sender, false)
	if err != nil || code != chain.Accepted {
		return code, err
	}
	c.Issuer = tx.Receiver
	c.UpdateBlock = tx.BlockHash
	if err := in.contracts.Update(p.ContractID, c); err != nil {
		return 0, err
	}
	return chain.Accepted, nil
}

func (in *Interpreter) handleOraclePrices(tx chain.Tx, p *codec.OracleSetPrices) (chain.RejectCode, error) {
	if p.High <= 0 || p.Low <= 0 || p.Close <= 0 || p.High < p.Low {
		return chain.RejectBadParameter, nil
	}
	c, code, err := in.oracleBy(p.ContractID, tx.Sender, true)
	if err != nil || code != chain.Accepted {
		return code, err
	}
	if c.Closed {
		return chain.RejectContractClosed, nil
	}
	c.OracleHigh, c.OracleLow, c.OracleClose = p.High, p.Low, p.Close
	c.UpdateBlock = tx.BlockHash
	if err := in.contracts.Update(p.ContractID, c); err != nil {
		return 0, err
	}
	return chain.Accepted, nil
}

func (in *Interpreter) handleOracleBackup(tx chain.Tx, p *codec.OracleBackup) (chain.RejectCode, error) {
	if tx.Receiver == "" {
		return chain.RejectBadParameter, nil
	}
	c, code, err := in.oracleBy(p.ContractID, tx.Sender, false)
	if err != nil || code != chain.Accepted {
		return code, err
	}
	c.BackupAddress = tx.Receiver
	c.UpdateBlock = tx.BlockHash
	if err := in.contracts.Update(p.ContractID, c); err != nil {
		return 0, err
	}
	return chain.Accepted, nil
}

func (in *Interpreter) handleOracleClose(tx chain.Tx, p *codec.OracleClose) (chain.RejectCode, error) {
	c, code, err := in.oracleBy(p.ContractID, tx.Sender, true)
	if err != nil || code != chain.Accepted {
		return code, err
	}
	if c.Closed {
		return chain.RejectContractClosed, nil
	}
	if err := in.settleContract(p.ContractID, c); err != nil {
		return 0, err
	}
	c.Closed = true
	c.UpdateBlock = tx.BlockHash
	if err := in.contracts.Update(p.ContractID, c); err != nil {
		return 0, err
	}
	return chain.Accepted, nil
}

// ============================================================
// Protocol management
// ============================================================

func (in *Interpreter) handleActivation(tx chain.Tx, p *codec.Activation) (chain.RejectCode, error) {
	if !in.activations.Authorized(tx.Sender) {
		return chain.RejectNotAuthorized, nil
	}
	if int(p.ActivationBlock) <= tx.BlockHeight {
		return chain.RejectBadParameter, nil
	}
	in.activations.Propose(activation.FeatureActivation{
		FeatureID:        p.FeatureID,
		ActivationBlock:  p.ActivationBlock,
		MinClientVersion: p.MinClientVersion,
		Name:             activation.FeatureName(p.FeatureID),
	})
	return chain.Accepted, nil
}

func (in *Interpreter) handleDeactivation(tx chain.Tx, p *codec.Deactivation) (chain.RejectCode, error) {
	if !in.activations.Authorized(tx.Sender) {
		return chain.RejectNotAuthorized, nil
	}
	in.activations.Deactivate(p.FeatureID)
	return chain.Accepted, nil
}

func (in *Interpreter) handleAlert(tx chain.Tx, p *codec.Alert) (chain.RejectCode, error) {
	if !in.activations.Authorized(tx.Sender) {
		return chain.RejectNotAuthorized, nil
	}
	in.alerts = append(in.alerts, AlertRecord{
		AlertType: p.AlertType,
		Expiry:    p.Expiry,
		Message:   p.Message,
		Height:    tx.BlockHeight,
	})
	in.log.Warn().Uint16("alert_type", p.AlertType).Uint32("expiry", p.Expiry).
		Str("message", p.Message).Msg("protocol alert")
	return chain.Accepted, nil
}

// auxSnapshot captures the interpreter-owned bookkeeping that lives
// outside the sub-engines' own snapshots.
type auxSnapshot struct {
	fills           map[uint32][]orderbook.ContractFill
	contractHeights map[uint32]int
	alerts          []AlertRecord
}

func (in *Interpreter) snapshotAux() auxSnapshot {
	fills := make(map[uint32][]orderbook.ContractFill, len(in.fills))
	for id, fs := range in.fills {
		fills[id] = append([]orderbook.ContractFill(nil), fs...)
	}
	heights := make(map[uint32]int, len(in.contractHeights))
	for id, h := range in.contractHeights {
		heights[id] = h
	}
	return auxSnapshot{
		fills:           fills,
		contractHeights: heights,
		alerts:          append([]AlertRecord(nil), in.alerts...),
	}
}

func (in *Interpreter) restoreAux(s auxSnapshot) {
	in.fills = make(map[uint32][]orderbook.ContractFill, len(s.fills))
	for id, fs := range s.fills {
		in.fills[id] = append([]orderbook.ContractFill(nil), fs...)
	}
	in.contractHeights = make(map[uint32]int, len(s.contractHeights))
	for id, h := range s.contractHeights {
		in.contractHeights[id] = h
	}
	in.alerts = append([]AlertRecord(nil), s.alerts...)
}

// String renders a short debug form, used by log lines in the engine.
func (in *Interpreter) String() string {
	return fmt.Sprintf("interpreter(contracts=%d fills_pending=%d)", len(in.contractHeights), len(in.fills))
}
