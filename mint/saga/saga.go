// Package saga holds the durable record the mint writes before
// executing any state-changing operation (mint, swap, melt). A record
// found in the database on startup identifies an operation that was
// cut off mid-flight: recovery inspects the blinded-message ledger and
// quote state to decide whether the operation committed (and finishes
// its bookkeeping) or never did (and releases whatever was reserved),
// instead of letting a retried request double-execute.
package saga

import "github.com/cashumint/nutcore/cashu"

// Kind is the operation a saga record belongs to.
type Kind int

const (
	Mint Kind = iota + 1
	Swap
	Melt
)

func (kind Kind) String() string {
	switch kind {
	case Mint:
		return "mint"
	case Swap:
		return "swap"
	case Melt:
		return "melt"
	default:
		return "unknown"
	}
}

func KindFromString(kind string) Kind {
	switch kind {
	case "mint":
		return Mint
	case "swap":
		return Swap
	case "melt":
		return Melt
	}
	return 0
}

// State is how far the operation got before its record was written or
// last updated.
type State int

const (
	// the request is executing; nothing externally visible has been
	// committed yet beyond reserved (pending) inputs
	InFlight State = iota + 1
	// a melt's Lightning payment is in flight at the backend; the
	// record stays until the payment's fate is known
	PaymentPending
)

func (state State) String() string {
	switch state {
	case InFlight:
		return "in_flight"
	case PaymentPending:
		return "payment_pending"
	default:
		return "unknown"
	}
}

func StateFromString(state string) State {
	switch state {
	case "in_flight":
		return InFlight
	case "payment_pending":
		return PaymentPending
	}
	return 0
}

// Saga is one in-flight operation record.
type Saga struct {
	OperationId string
	Kind        Kind
	State       State
	// mint or melt quote id for quote-backed operations
	QuoteId string
	// blinded secrets of the outputs the operation signs; recovery
	// checks the blinded-message ledger for these to learn whether the
	// signing commit happened
	BlindedSecrets []string
	// nullifiers of the inputs reserved (pending) for the operation
	InputYs []string
	// output total, for re-recording a mint quote issuance on recovery
	Amount    uint64
	CreatedAt int64
	UpdatedAt int64
}

// New returns a saga record with a fresh operation id.
func New(kind Kind, quoteId string) (Saga, error) {
	id, err := cashu.GenerateRandomQuoteId()
	if err != nil {
		return Saga{}, err
	}
	return Saga{
		OperationId: id,
		Kind:        kind,
		State:       InFlight,
		QuoteId:     quoteId,
	}, nil
}
