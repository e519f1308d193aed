// Package nut04 contains structs as defined in [NUT-04]
//
// [NUT-04]: https://github.com/cashubtc/nuts/blob/main/04.md
package nut04

import "github.com/cashumint/nutcore/cashu"

// State is the lifecycle state of a mint quote.
//
// Unpaid -> Paid -> Issued for a single-shot (bolt11) payment method.
// Unpaid -> Paid -> Issued -> Paid -> Issued ... for a streaming
// (bolt12) method, where Paid is reachable again whenever a new
// payment arrives with amount_paid > amount_issued.
type State int

const (
	Unpaid State = iota
	Paid
	Pending
	Issued
	Unknown
)

func (state State) String() string {
	switch state {
	case Unpaid:
		return "UNPAID"
	case Paid:
		return "PAID"
	case Pending:
		return "PENDING"
	case Issued:
		return "ISSUED"
	default:
		return "unknown"
	}
}

func StringToState(state string) State {
	switch state {
	case "UNPAID":
		return Unpaid
	case "PAID":
		return Paid
	case "PENDING":
		return Pending
	case "ISSUED":
		return Issued
	}
	return Unknown
}

// Payment is one observed incoming payment event credited to a mint
// quote. A streaming (bolt12) quote can accumulate several of these;
// a single-shot (bolt11) quote has at most one.
type Payment struct {
	Id     string `json:"id"`
	Amount uint64 `json:"amount"`
	Time   int64  `json:"time"`
}

// Issuance is one `mint` call that consumed some of a quote's paid
// amount. A streaming quote can be issued against across several
// calls as long as the running amount_issued never exceeds amount_paid.
type Issuance struct {
	Amount uint64 `json:"amount"`
	Time   int64  `json:"time"`
}

type PostMintQuoteBolt11Request struct {
	Amount uint64 `json:"amount"`
	Unit   string `json:"unit"`
	// Description is an optional, human-readable memo for the invoice.
	Description string `json:"description,omitempty"`
	// Pubkey locks issuance to a NUT-20 signature over this quote's id
	// and the outputs' blinded secrets.
	Pubkey string `json:"pubkey,omitempty"`
}

type PostMintQuoteBolt11Response struct {
	Quote   string `json:"quote"`
	Request string `json:"request"`
	State   State  `json:"state"`
	Expiry  int64  `json:"expiry"`
	Pubkey  string `json:"pubkey,omitempty"`
	// Paid is kept for backwards compatibility with pre-streaming clients.
	Paid bool `json:"paid"`
}

type PostMintBolt11Request struct {
	Quote   string                `json:"quote"`
	Outputs cashu.BlindedMessages `json:"outputs"`
	// Signature is the NUT-20 BIP-340 signature over the quote id and
	// the outputs' blinded secrets, required when the quote was created
	// with a locking Pubkey.
	Signature string `json:"signature,omitempty"`
}

type PostMintBolt11Response struct {
	Signatures cashu.BlindedSignatures `json:"signatures"`
}
