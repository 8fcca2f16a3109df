package chain

import "fmt"

// RejectCode classifies why a structurally valid transaction produced no
// ledger effect. The numeric values are stable and appear in the outcome
// journal; zero means accepted.
type RejectCode int

const (
	Accepted RejectCode = 0

	// Interpreter-level rejections.
	RejectMalformedPayload  RejectCode = -1
	RejectUnknownType       RejectCode = -2
	RejectNotActivated      RejectCode = -3
	RejectZeroAmount        RejectCode = -4
	RejectSelfSend          RejectCode = -5
	RejectPropertyNotFound  RejectCode = -6
	RejectContractNotFound  RejectCode = -7
	RejectNotIssuer         RejectCode = -8
	RejectNotAuthorized     RejectCode = -9
	RejectBadParameter      RejectCode = -11
	RejectUnsupportedAction RejectCode = -12

	// Bilateral exchange rejections, numbered as in the reference
	// protocol.
	RejectOfferExists       RejectCode = -10
	RejectNoOffer           RejectCode = -15
	RejectInsufficientFunds RejectCode = -25
	RejectZeroWindow        RejectCode = -101
	RejectZeroDesired       RejectCode = -102
	RejectVestingProperty   RejectCode = -103
	RejectFeeTooLow         RejectCode = -105
	RejectDuplicateAccept   RejectCode = -205

	// Order book / register rejections.
	RejectNoSuchOrder    RejectCode = -301
	RejectNoPosition     RejectCode = -302
	RejectPositionLimit  RejectCode = -303
	RejectContractClosed RejectCode = -304
)

func (c RejectCode) String() string {
	switch c {
	case Accepted:
		return "accepted"
	case RejectMalformedPayload:
		return "malformed payload"
	case RejectUnknownType:
		return "unknown transaction type"
	case RejectNotActivated:
		return "feature not activated"
	case RejectZeroAmount:
		return "zero or negative amount"
	case RejectSelfSend:
		return "sender equals receiver"
	case RejectPropertyNotFound:
		return "property does not exist"
	case RejectContractNotFound:
		return "contract does not exist"
	case RejectNotIssuer:
		return "sender is not the issuer"
	case RejectNotAuthorized:
		return "sender not authorized"
	case RejectBadParameter:
		return "invalid parameter"
	case RejectUnsupportedAction:
		return "unsupported subaction"
	case RejectOfferExists:
		return "offer already exists"
	case RejectNoOffer:
		return "no matching offer"
	case RejectInsufficientFunds:
		return "insufficient balance"
	case RejectZeroWindow:
		return "payment window is zero"
	case RejectZeroDesired:
		return "desired amount is zero"
	case RejectVestingProperty:
		return "property not tradable"
	case RejectFeeTooLow:
		return "fee below offer minimum"
	case RejectDuplicateAccept:
		return "duplicate accept"
	case RejectNoSuchOrder:
		return "no such order"
	case RejectNoPosition:
		return "no open position"
	case RejectPositionLimit:
		return "position limit exceeded"
	case RejectContractClosed:
		return "contract closed or expired"
	default:
		return fmt.Sprintf("rejected (%d)", int(c))
	}
}

// Outcome is the per-transaction replay result handed to the host and the
// outcome journal. Invalid transactions are a normal result, never an error.
type Outcome struct {
	Txid        Hash256
	BlockHeight int
	Idx         int
	Type        uint16
	Code        RejectCode
	Reason      string
}

// Valid reports whether the transaction mutated state.
func (o Outcome) Valid() bool { return o.Code == Accepted }

// Reject builds a rejection outcome carrying the code's canonical reason.
func Reject(code RejectCode) Outcome {
	return Outcome{Code: code, Reason: code.String()}
}
