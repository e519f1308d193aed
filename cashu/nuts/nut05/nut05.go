// Package nut05 contains structs as defined in [NUT-05]
//
// [NUT-05]: https://github.com/cashubtc/nuts/blob/main/05.md
package nut05

import "github.com/cashumint/nutcore/cashu"

// State is the lifecycle state of a melt quote.
//
// Unpaid -> Pending -> {Paid | Unpaid-after-rollback}. Terminal only
// at Paid, or back at Unpaid once a failed/ambiguous payment has been
// definitively resolved as not paid.
type State int

const (
	Unpaid State = iota
	Pending
	Paid
	Unknown
)

func (state State) String() string {
	switch state {
	case Unpaid:
		return "UNPAID"
	case Pending:
		return "PENDING"
	case Paid:
		return "PAID"
	default:
		return "unknown"
	}
}

func StringToState(state string) State {
	switch state {
	case "UNPAID":
		return Unpaid
	case "PENDING":
		return Pending
	case "PAID":
		return Paid
	}
	return Unknown
}

type PostMeltQuoteBolt11Request struct {
	Request string `json:"request"`
	Unit    string `json:"unit"`
	// Options carries NUT-15 per-method payment options, keyed by
	// method name ("mpp" is the only one defined so far).
	Options map[string]MppOption `json:"options,omitempty"`
}

// MppOption is the NUT-15 multi-part-payment option: pay only
// AmountMsat of the invoice's total, leaving the rest for other
// quotes paying the same invoice.
type MppOption struct {
	AmountMsat uint64 `json:"amount"`
}

type PostMeltQuoteBolt11Response struct {
	Quote      string        `json:"quote"`
	Amount     uint64        `json:"amount"`
	FeeReserve uint64        `json:"fee_reserve"`
	State      State         `json:"state"`
	Expiry     int64         `json:"expiry"`
	Preimage   string        `json:"payment_preimage,omitempty"`
	Change     []ChangeEntry `json:"change,omitempty"`
	// Paid is kept for backwards compatibility with pre-NUT-05-rev1 clients.
	Paid bool `json:"paid"`
}

// ChangeEntry mirrors cashu.BlindedSignature in the melt-quote response's
// change field without importing cashu into the wire layer's JSON tags
// (kept distinct so callers that only care about the melt lifecycle don't
// need the full BlindedSignature type).
type ChangeEntry struct {
	Amount uint64 `json:"amount"`
	Id     string `json:"id"`
	C_     string `json:"C_"`
}

type PostMeltBolt11Request struct {
	Quote   string                `json:"quote"`
	Inputs  cashu.Proofs          `json:"inputs"`
	Outputs cashu.BlindedMessages `json:"outputs,omitempty"`
}

type PostMeltBolt11Response struct {
	Paid     bool          `json:"paid"`
	Preimage string        `json:"payment_preimage"`
	Change   []ChangeEntry `json:"change,omitempty"`
}
