package dex

import (
	"errors"
	"sort"

	"github.com/rs/zerolog"

	"MetaLayer/internal/chain"
	"MetaLayer/internal/ledger"
	xmath "MetaLayer/internal/math"
	"MetaLayer/internal/registry"
)

// Offer sub-actions on the wire.
const (
	ActionNew     uint8 = 1
	ActionUpdate  uint8 = 2
	ActionDestroy uint8 = 3
)

// OfferKey identifies the single live offer an address may have per
// property.
type OfferKey struct {
	Address  string
	Property uint32
}

// Offer is one bilateral offer trading Property against the base coin.
// BuySide offers commit no token reserve; the tokens are reserved by the
// accepting party instead.
type Offer struct {
	Seller         string
	Property       uint32
	AmountOriginal int64 // tokens offered over the offer's lifetime
	AmountDesired  int64 // base-coin units wanted for AmountOriginal
	MinFee         int64
	PaymentWindow  uint8
	BuySide        bool
	CreationTxid   chain.Hash256
	CreationBlock  int
}

// AcceptKey identifies a live accept: one per (token holder, payer,
// property).
type AcceptKey struct {
	Seller   string // token-holding side
	Buyer    string // base-coin paying side
	Property uint32
}

// Accept is a slice of an offer reserved for one buyer until the payment
// window closes.
type Accept struct {
	AcceptKey
	AmountAccepted  int64
	AmountRemaining int64
	Block           int
	PaymentWindow   uint8
	OfferOwner      string // offer maker; differs from Seller on buy-side offers
	OfferTxid       chain.Hash256
}

// CalculatePurchase computes how many offered tokens a base-coin payment
// buys: ceil(paid * offered / desired). Rounding up favors the buyer; the
// minimum accept fee makes grinding the remainder uneconomical.
func CalculatePurchase(offered, desired, paid int64) int64 {
	return xmath.DivideAndRoundUp(paid, offered, desired)
}

// Engine is the bilateral exchange state machine. All balance effects go
// through the injected tally.
type Engine struct {
	tally   *ledger.Tally
	offers  map[OfferKey]*Offer
	accepts map[AcceptKey]*Accept
	log     zerolog.Logger
}

func NewEngine(tally *ledger.Tally, log zerolog.Logger) *Engine {
	return &Engine{
		tally:   tally,
		offers:  make(map[OfferKey]*Offer),
		accepts: make(map[AcceptKey]*Accept),
		log:     log,
	}
}

// Offer returns the live offer for (address, property).
func (e *Engine) Offer(address string, property uint32) (*Offer, bool) {
	o, ok := e.offers[OfferKey{Address: address, Property: property}]
	return o, ok
}

// AcceptFor returns the live accept for the exact key.
func (e *Engine) AcceptFor(key AcceptKey) (*Accept, bool) {
	a, ok := e.accepts[key]
	return a, ok
}

// OfferCreate places a new sell-side offer, reserving the offered tokens.
func (e *Engine) OfferCreate(tx chain.Tx, property uint32, amountForSale, amountDesired int64, window uint8, minFee int64) chain.RejectCode {
	if window == 0 {
		return chain.RejectZeroWindow
	}
	if amountDesired <= 0 {
		return chain.RejectZeroDesired
	}
	if amountForSale <= 0 {
		return chain.RejectZeroAmount
	}
	if property == registry.PropertyVesting {
		return chain.RejectVestingProperty
	}
	key := OfferKey{Address: tx.Sender, Property: property}
	if _, exists := e.offers[key]; exists {
		return chain.RejectOfferExists
	}
	if err := e.tally.Move(tx.Sender, ledger.Available, tx.Sender, ledger.SellOfferReserve, property, amountForSale); err != nil {
		return chain.RejectInsufficientFunds
	}
	e.offers[key] = &Offer{
		Seller:         tx.Sender,
		Property:       property,
		AmountOriginal: amountForSale,
		AmountDesired:  amountDesired,
		MinFee:         minFee,
		PaymentWindow:  window,
		CreationTxid:   tx.Txid,
		CreationBlock:  tx.BlockHeight,
	}
	return chain.Accepted
}

// BuyOfferCreate places a buy-side offer. No reserve moves until a seller
// accepts.
func (e *Engine) BuyOfferCreate(tx chain.Tx, property uint32, amount, price int64, window uint8, minFee int64) chain.RejectCode {
	if window == 0 {
		return chain.RejectZeroWindow
	}
	if amount <= 0 || price <= 0 {
		return chain.RejectZeroAmount
	}
	if property == registry.PropertyVesting {
		return chain.RejectVestingProperty
	}
	key := OfferKey{Address: tx.Sender, Property: property}
	if _, exists := e.offers[key]; exists {
		return chain.RejectOfferExists
	}
	e.offers[key] = &Offer{
		Seller:         tx.Sender,
		Property:       property,
		AmountOriginal: amount,
		AmountDesired:  price,
		MinFee:         minFee,
		PaymentWindow:  window,
		BuySide:        true,
		CreationTxid:   tx.Txid,
		CreationBlock:  tx.BlockHeight,
	}
	return chain.Accepted
}

// OfferDestroy cancels the sender's offer, returning any unaccepted
// reserve.
func (e *Engine) OfferDestroy(sender string, property uint32) chain.RejectCode {
	key := OfferKey{Address: sender, Property: property}
	offer, exists := e.offers[key]
	if !exists {
		return chain.RejectNoOffer
	}
	if !offer.BuySide {
		reserved := e.tally.Balance(sender, property, ledger.SellOfferReserve)
		if reserved > 0 {
			if err := e.tally.Move(sender, ledger.SellOfferReserve, sender, ledger.Available, property, reserved); err != nil {
				return chain.RejectInsufficientFunds
			}
		}
	}
	delete(e.offers, key)
	return chain.Accepted
}

// OfferUpdate is destroy followed by create, as in the reference protocol.
func (e *Engine) OfferUpdate(tx chain.Tx, property uint32, amountForSale, amountDesired int64, window uint8, minFee int64) chain.RejectCode {
	if _, exists := e.offers[OfferKey{Address: tx.Sender, Property: property}]; !exists {
		return chain.RejectNoOffer
	}
	if code := e.OfferDestroy(tx.Sender, property); code != chain.Accepted {
		return code
	}
	return e.OfferCreate(tx, property, amountForSale, amountDesired, window, minFee)
}

// AcceptCreate reserves part of a live offer for the sender. The accepted
// amount is clamped to what the offer still has in reserve.
func (e *Engine) AcceptCreate(tx chain.Tx, seller string, property uint32, amount int64) chain.RejectCode {
	offer, exists := e.offers[OfferKey{Address: seller, Property: property}]
	if !exists {
		return chain.RejectNoOffer
	}
	if tx.FeePaid < offer.MinFee {
		return chain.RejectFeeTooLow
	}
	if amount <= 0 {
		return chain.RejectZeroAmount
	}

	// On a buy-side offer the accepting sender delivers the tokens.
	tokenHolder, payer := seller, tx.Sender
	if offer.BuySide {
		tokenHolder, payer = tx.Sender, seller
	}

	key := AcceptKey{Seller: tokenHolder, Buyer: payer, Property: property}
	if _, dup := e.accepts[key]; dup {
		return chain.RejectDuplicateAccept
	}

	if offer.BuySide {
		// Clamp to the acceptor's spendable tokens.
		if avail := e.tally.Balance(tokenHolder, property, ledger.Available); avail < amount {
			amount = avail
		}
		if amount <= 0 {
			return chain.RejectInsufficientFunds
		}
		if err := e.tally.Move(tokenHolder, ledger.Available, tokenHolder, ledger.AcceptReserve, property, amount); err != nil {
			return chain.RejectInsufficientFunds
		}
	} else {
		// Clamp to what is still sitting in the offer reserve.
		if reserved := e.tally.Balance(tokenHolder, property, ledger.SellOfferReserve); reserved < amount {
			amount = reserved
		}
		if amount <= 0 {
			return chain.RejectInsufficientFunds
		}
		if err := e.tally.Move(tokenHolder, ledger.SellOfferReserve, tokenHolder, ledger.AcceptReserve, property, amount); err != nil {
			return chain.RejectInsufficientFunds
		}
	}

	e.accepts[key] = &Accept{
		AcceptKey:       key,
		AmountAccepted:  amount,
		AmountRemaining: amount,
		Block:           tx.BlockHeight,
		PaymentWindow:   offer.PaymentWindow,
		OfferOwner:      seller,
		OfferTxid:       offer.CreationTxid,
	}
	return chain.Accepted
}

// Payment settles a base-coin payment from payer to payee against their
// live accept. Purchased tokens move from the accept reserve to the
// payer's available balance; a fully consumed accept is destroyed, and the
// offer itself is destroyed once nothing remains reserved anywhere.
func (e *Engine) Payment(blockNow int, payer, payee string, property uint32, amountPaid int64) (chain.RejectCode, error) {
	key := AcceptKey{Seller: payee, Buyer: payer, Property: property}
	accept, exists := e.accepts[key]
	if !exists {
		return chain.RejectNoOffer, nil
	}
	if amountPaid <= 0 {
		return chain.RejectZeroAmount, nil
	}

	offerKey := OfferKey{Address: accept.OfferOwner, Property: property}
	offer, offerLive := e.offers[offerKey]
	if !offerLive {
		return chain.RejectNoOffer, nil
	}

	purchased := CalculatePurchase(offer.AmountOriginal, offer.AmountDesired, amountPaid)
	if purchased > accept.AmountRemaining {
		purchased = accept.AmountRemaining
	}
	if purchased <= 0 {
		return chain.RejectZeroAmount, nil
	}

	if err := e.tally.Move(accept.Seller, ledger.AcceptReserve, accept.Buyer, ledger.Available, property, purchased); err != nil {
		if errors.Is(err, ledger.ErrInsufficient) {
			return 0, chain.Faultf("dex", "accept reserve below recorded remaining for %s property %d", accept.Seller, property)
		}
		return 0, err
	}
	accept.AmountRemaining -= purchased

	e.log.Debug().Str("buyer", accept.Buyer).Str("seller", accept.Seller).
		Uint32("property", property).Int64("paid", amountPaid).
		Int64("purchased", purchased).Msg("dex payment")

	if accept.AmountRemaining == 0 {
		delete(e.accepts, key)
	}
	e.maybeRetireOffer(offerKey)
	return chain.Accepted, nil
}

// PaymentSweep settles a base-coin payment against every live accept
// between payer and payee, lowest property id first. The payment payload
// carries no property; the accepts themselves determine what was bought.
func (e *Engine) PaymentSweep(blockNow int, payer, payee string, amountPaid int64) (chain.RejectCode, error) {
	if amountPaid <= 0 {
		return chain.RejectZeroAmount, nil
	}
	var props []uint32
	for key := range e.accepts {
		if key.Seller == payee && key.Buyer == payer {
			props = append(props, key.Property)
		}
	}
	if len(props) == 0 {
		return chain.RejectNoOffer, nil
	}
	sort.Slice(props, func(i, j int) bool { return props[i] < props[j] })

	remaining := amountPaid
	paidAny := false
	for _, prop := range props {
		if remaining <= 0 {
			break
		}
		accept := e.accepts[AcceptKey{Seller: payee, Buyer: payer, Property: prop}]
		offer, ok := e.offers[OfferKey{Address: accept.OfferOwner, Property: prop}]
		if !ok {
			continue
		}
		purchased := CalculatePurchase(offer.AmountOriginal, offer.AmountDesired, remaining)
		if purchased > accept.AmountRemaining {
			purchased = accept.AmountRemaining
		}
		if purchased <= 0 {
			continue
		}
		code, err := e.Payment(blockNow, payer, payee, prop, remaining)
		if err != nil {
			return 0, err
		}
		if code != chain.Accepted {
			continue
		}
		paidAny = true
		consumed := xmath.MulDiv(purchased, offer.AmountDesired, offer.AmountOriginal, xmath.RoundUp)
		if consumed > remaining {
			consumed = remaining
		}
		remaining -= consumed
	}
	if !paidAny {
		return chain.RejectNoOffer, nil
	}
	return chain.Accepted, nil
}

// maybeRetireOffer removes a sell offer once both its reserves are empty.
func (e *Engine) maybeRetireOffer(key OfferKey) {
	offer, exists := e.offers[key]
	if !exists || offer.BuySide {
		return
	}
	if e.tally.Balance(key.Address, key.Property, ledger.SellOfferReserve) == 0 &&
		e.tally.Balance(key.Address, key.Property, ledger.AcceptReserve) == 0 {
		delete(e.offers, key)
	}
}

// EraseExpired destroys every accept whose payment window has closed,
// returning the unsold remainder to the offer reserve, or to the token
// holder's available balance when the offer is already gone or has been
// replaced.
func (e *Engine) EraseExpired(blockNow int) error {
	keys := make([]AcceptKey, 0, len(e.accepts))
	for k := range e.accepts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.Seller != b.Seller {
			return a.Seller < b.Seller
		}
		if a.Buyer != b.Buyer {
			return a.Buyer < b.Buyer
		}
		return a.Property < b.Property
	})

	for _, k := range keys {
		accept := e.accepts[k]
		if blockNow-accept.Block < int(accept.PaymentWindow) {
			continue
		}
		if err := e.destroyAccept(k, accept); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) destroyAccept(key AcceptKey, accept *Accept) error {
	remainder := accept.AmountRemaining
	delete(e.accepts, key)
	if remainder == 0 {
		return nil
	}

	offerKey := OfferKey{Address: accept.OfferOwner, Property: key.Property}
	offer, offerLive := e.offers[offerKey]
	target := ledger.Available
	if offerLive && !offer.BuySide && offer.CreationTxid == accept.OfferTxid {
		target = ledger.SellOfferReserve
	}
	if err := e.tally.Move(accept.Seller, ledger.AcceptReserve, accept.Seller, target, key.Property, remainder); err != nil {
		return chain.Faultf("dex", "expired accept reserve missing for %s property %d", accept.Seller, key.Property)
	}
	e.maybeRetireOffer(offerKey)
	return nil
}

// Snapshot deep-copies all live offers and accepts for block rollback.
type Snapshot struct {
	Offers  map[OfferKey]Offer
	Accepts map[AcceptKey]Accept
}

func (e *Engine) Snapshot() Snapshot {
	s := Snapshot{
		Offers:  make(map[OfferKey]Offer, len(e.offers)),
		Accepts: make(map[AcceptKey]Accept, len(e.accepts)),
	}
	for k, v := range e.offers {
		s.Offers[k] = *v
	}
	for k, v := range e.accepts {
		s.Accepts[k] = *v
	}
	return s
}

func (e *Engine) Restore(s Snapshot) {
	e.offers = make(map[OfferKey]*Offer, len(s.Offers))
	e.accepts = make(map[AcceptKey]*Accept, len(s.Accepts))
	for k, v := range s.Offers {
		offer := v
		e.offers[k] = &offer
	}
	for k, v := range s.Accepts {
		accept := v
		e.accepts[k] = &accept
	}
}
