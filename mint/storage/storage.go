package storage

import (
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/cashumint/nutcore/cashu"
	"github.com/cashumint/nutcore/cashu/nuts/nut04"
	"github.com/cashumint/nutcore/cashu/nuts/nut05"
	"github.com/cashumint/nutcore/mint/saga"
)

type MintDB interface {
	SaveSeed([]byte) error
	GetSeed() ([]byte, error)

	SaveKeyset(DBKeyset) error
	GetKeysets() ([]DBKeyset, error)
	UpdateKeysetActive(keysetId string, active bool) error

	SaveProofs(cashu.Proofs) error
	GetProofsUsed(Ys []string) ([]DBProof, error)
	AddPendingProofs(proofs cashu.Proofs, quoteId string) error
	GetPendingProofs(Ys []string) ([]DBProof, error)
	GetPendingProofsByQuote(quoteId string) ([]DBProof, error)
	RemovePendingProofs(Ys []string) error
	// GetPendingProofsOlderThan returns proofs that have sat in the
	// pending table longer than the given number of seconds, for the
	// background sweep that reconciles stuck melts with the Lightning
	// backend.
	GetPendingProofsOlderThan(seconds int64) ([]DBProof, error)

	SaveMintQuote(MintQuote) error
	GetMintQuote(string) (MintQuote, error)
	GetMintQuoteByPaymentHash(string) (MintQuote, error)
	UpdateMintQuoteState(quoteId string, state nut04.State) error
	// AddMintQuotePayment records one incoming-payment event against a
	// mint quote and bumps amount_paid by its amount, transactionally.
	// Crediting is idempotent per (quote, payment id). Returns the
	// quote's new amount_paid.
	AddMintQuotePayment(quoteId string, paymentId string, amount uint64, unixTime int64) (uint64, error)
	// AddMintQuoteIssuance records one mint call's consumed amount
	// against a quote and bumps amount_issued by it, transactionally.
	// Recording is idempotent per (quote, operation id), so recovery
	// can replay it without double-counting. Returns the quote's new
	// amount_issued.
	AddMintQuoteIssuance(quoteId, operationId string, amount uint64, unixTime int64) (uint64, error)

	SaveMeltQuote(MeltQuote) error
	GetMeltQuote(string) (MeltQuote, error)
	// used to check if a melt quote already exists for the passed invoice
	GetMeltQuoteByPaymentRequest(string) (*MeltQuote, error)
	UpdateMeltQuote(quoteId string, preimage string, state nut05.State) error

	SaveBlindSignatures(B_s []string, blindSignatures cashu.BlindedSignatures) error
	GetBlindSignature(B_ string) (cashu.BlindedSignature, error)
	GetBlindSignatures(B_s []string) (cashu.BlindedSignatures, error)

	// CommitSwap finalizes a swap in a single transaction: the pending
	// reservations for Ys are dropped, the input proofs land in the
	// used table, and the output signatures land in the blinded-message
	// ledger - all or nothing, so a crash can never leave signatures
	// issued against inputs still spendable. Ys and proofs may be empty
	// for a mint operation, which has no inputs.
	CommitSwap(Ys []string, proofs cashu.Proofs, B_s []string, blindSignatures cashu.BlindedSignatures) error

	// in-flight operation records, written before a state-changing
	// request executes and removed once it commits; whatever is left
	// on startup gets recovered
	SaveSaga(saga.Saga) error
	GetSagas() ([]saga.Saga, error)
	DeleteSaga(operationId string) error

	// these return a map of keyset id and amount
	GetIssuedEcash() (map[string]uint64, error)
	GetRedeemedEcash() (map[string]uint64, error)
	// GetBalance returns total issued minus total redeemed, across all
	// keysets and units; used to enforce MintLimits.MaxBalance.
	GetBalance() (uint64, error)

	Close() error
}

type DBKeyset struct {
	Id                string
	Unit              string
	Active            bool
	Seed              string
	DerivationPathIdx uint32
	InputFeePpk       uint
	// MaxOrder is the highest power-of-two exponent this keyset signs,
	// i.e. it mints amounts up to 2^MaxOrder. Zero reads back as the
	// package default (crypto.MAX_ORDER) for rows written before this
	// column existed.
	MaxOrder uint
	// FinalExpiry is the optional unix time after which the keyset may
	// no longer sign new outputs, even if still active.
	FinalExpiry uint64
}

type DBProof struct {
	Amount  uint64
	Id      string
	Secret  string
	Y       string
	C       string
	Witness string
	// for proofs in pending table
	MeltQuoteId string
	// PendingSince is the unix time the proof entered Pending, used by
	// the reaper to find proofs stuck past a staleness threshold.
	PendingSince int64
}

type MintQuote struct {
	Id             string
	Amount         uint64
	PaymentMethod  string
	PaymentRequest string
	PaymentHash    string
	State          nut04.State
	Expiry         uint64
	Pubkey         *secp256k1.PublicKey
	// AmountPaid is the running total credited by payment events,
	// accumulated across one or more Payments for streaming methods.
	AmountPaid uint64
	// AmountIssued is the running total consumed by mint calls.
	// AmountIssued never exceeds AmountPaid.
	AmountIssued uint64
	Payments     []nut04.Payment
	Issuance     []nut04.Issuance
}

type MeltQuote struct {
	Id             string
	PaymentMethod  string
	InvoiceRequest string
	PaymentHash    string
	Amount         uint64
	FeeReserve     uint64
	State          nut05.State
	Expiry         uint64
	Preimage       string
	IsMpp          bool
	// used when the melt quote is MPP
	AmountMsat uint64
	// RequestLookupId is the backend-assigned handle used to poll an
	// ambiguous in-flight payment's status after a timeout.
	RequestLookupId string
	// TransactionId is set once a melt has been settled, either by the
	// Lightning backend (actual payment) or internally; for an internal
	// settlement it is the credited mint quote's id.
	TransactionId string
	// Change holds NUT-08 blank-output signatures for overpaid Lightning
	// fees, populated only in the response to a successful melt.
	Change cashu.BlindedSignatures
}
