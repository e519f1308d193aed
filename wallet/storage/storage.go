package storage

import (
	"encoding/json"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/cashumint/nutcore/cashu"
	"github.com/cashumint/nutcore/cashu/nuts/nut04"
	"github.com/cashumint/nutcore/cashu/nuts/nut05"
	"github.com/cashumint/nutcore/crypto"
)

type QuoteType int

const (
	Mint QuoteType = iota + 1
	Melt
)

func (quote QuoteType) String() string {
	switch quote {
	case Mint:
		return "Mint"
	case Melt:
		return "Melt"
	default:
		return "unknown"
	}
}

type WalletDB interface {
	SaveMnemonicSeed(string, []byte)
	GetSeed() []byte
	GetMnemonic() string

	SaveProofs(cashu.Proofs) error
	GetProofs() cashu.Proofs
	GetProofsByKeysetId(string) cashu.Proofs
	DeleteProof(string) error

	AddPendingProofs(cashu.Proofs) error
	AddPendingProofsByQuoteId(cashu.Proofs, string) error
	GetPendingProofs() []DBProof
	GetPendingProofsByQuoteId(string) []DBProof
	DeletePendingProofs([]string) error
	DeletePendingProofsByQuoteId(string) error

	SaveKeyset(*crypto.WalletKeyset) error
	GetKeysets() crypto.KeysetsMap
	GetKeyset(string) *crypto.WalletKeyset
	IncrementKeysetCounter(string, uint32) error
	GetKeysetCounter(string) uint32
	// ReserveKeysetCounter atomically advances the keyset's counter by
	// num and returns the value it had before, reserving the range
	// [start, start+num) for the caller. Written to a saga before any
	// derivation so crash recovery re-derives the same secrets.
	ReserveKeysetCounter(keysetId string, num uint32) (uint32, error)
	UpdateKeysetMintURL(oldURL, newURL string) error

	SaveSaga(Saga) error
	GetSagas() []Saga
	GetSagaById(string) *Saga
	DeleteSaga(id string) error

	SaveMintQuote(MintQuote) error
	GetMintQuotes() []MintQuote
	GetMintQuoteById(string) *MintQuote

	SaveMeltQuote(MeltQuote) error
	GetMeltQuotes() []MeltQuote
	GetMeltQuoteById(string) *MeltQuote

	Close() error
}

type DBProof struct {
	Y      string           `json:"y"`
	Amount uint64           `json:"amount"`
	Id     string           `json:"id"`
	Secret string           `json:"secret"`
	C      string           `json:"C"`
	DLEQ   *cashu.DLEQProof `json:"dleq,omitempty"`
	// set if pending proofs are tied to a melt quote
	MeltQuoteId string `json:"quote_id"`
}

type MintQuote struct {
	QuoteId        string
	Mint           string
	Method         string
	State          nut04.State
	Unit           string
	PaymentRequest string
	Amount         uint64
	CreatedAt      int64
	SettledAt      int64
	QuoteExpiry    uint64
	PrivateKey     *secp256k1.PrivateKey
}

type mintQuoteTemp struct {
	QuoteId        string
	Mint           string
	Method         string
	State          nut04.State
	Unit           string
	PaymentRequest string
	Amount         uint64
	CreatedAt      int64
	SettledAt      int64
	QuoteExpiry    uint64
	PrivateKey     []byte
}

// custom Marshaller to serialize and deserialize private key to and from []byte

func (mq *MintQuote) MarshalJSON() ([]byte, error) {
	tempQuote := mintQuoteTemp{
		QuoteId:        mq.QuoteId,
		Mint:           mq.Mint,
		Method:         mq.Method,
		State:          mq.State,
		Unit:           mq.Unit,
		PaymentRequest: mq.PaymentRequest,
		Amount:         mq.Amount,
		CreatedAt:      mq.CreatedAt,
		SettledAt:      mq.SettledAt,
		QuoteExpiry:    mq.QuoteExpiry,
	}

	if mq.PrivateKey != nil {
		tempQuote.PrivateKey = mq.PrivateKey.Serialize()
	}

	return json.Marshal(tempQuote)
}

func (mq *MintQuote) UnmarshalJSON(data []byte) error {
	tempQuote := &mintQuoteTemp{}

	if err := json.Unmarshal(data, tempQuote); err != nil {
		return err
	}

	mq.QuoteId = tempQuote.QuoteId
	mq.Mint = tempQuote.Mint
	mq.Method = tempQuote.Method
	mq.State = tempQuote.State
	mq.Unit = tempQuote.Unit
	mq.PaymentRequest = tempQuote.PaymentRequest
	mq.Amount = tempQuote.Amount
	mq.CreatedAt = tempQuote.CreatedAt
	mq.SettledAt = tempQuote.SettledAt
	mq.QuoteExpiry = tempQuote.QuoteExpiry
	if len(tempQuote.PrivateKey) > 0 {
		mq.PrivateKey = secp256k1.PrivKeyFromBytes(tempQuote.PrivateKey)
	}

	return nil
}

type MeltQuote struct {
	QuoteId        string
	Mint           string
	Method         string
	State          nut05.State
	Unit           string
	PaymentRequest string
	Amount         uint64
	FeeReserve     uint64
	Preimage       string
	CreatedAt      int64
	SettledAt      int64
	QuoteExpiry    uint64
}

// SagaKind is the operation a saga record belongs to.
type SagaKind int

const (
	SagaMint SagaKind = iota + 1
	SagaSwap
	SagaSend
	SagaReceive
	SagaMelt
)

func (kind SagaKind) String() string {
	switch kind {
	case SagaMint:
		return "mint"
	case SagaSwap:
		return "swap"
	case SagaSend:
		return "send"
	case SagaReceive:
		return "receive"
	case SagaMelt:
		return "melt"
	default:
		return "unknown"
	}
}

// SagaState is a durable step within a saga. Each kind walks a subset
// of these in order; a record found at a given state on startup tells
// recovery exactly how far the operation got before the crash.
type SagaState int

const (
	// proofs have been moved to the pending bucket for this operation
	SagaProofsReserved SagaState = iota + 1
	// a counter range has been reserved and outputs derived from it
	SagaOutputsReserved
	// the request carrying those outputs (mint/swap/melt) has been sent
	SagaRequested
	// a send token has been serialized and handed to the caller
	SagaTokenIssued
)

func (state SagaState) String() string {
	switch state {
	case SagaProofsReserved:
		return "proofs_reserved"
	case SagaOutputsReserved:
		return "outputs_reserved"
	case SagaRequested:
		return "requested"
	case SagaTokenIssued:
		return "token_issued"
	default:
		return "unknown"
	}
}

// Saga is a durable record of an in-flight multi-step operation. It is
// persisted before any externally visible effect, updated as each step
// commits, and deleted once the operation completes; whatever is found
// on startup is resumed or compensated.
type Saga struct {
	Id     string
	Kind   SagaKind
	State  SagaState
	Mint   string
	Unit   string
	Amount uint64
	// mint or melt quote id, for quote-backed operations
	QuoteId string
	// deterministic output reconstruction: the keyset, the reserved
	// counter range [CounterStart, CounterEnd), and the amount split
	// used, are enough to re-derive the exact outputs sent to the mint
	KeysetId      string
	CounterStart  uint32
	CounterEnd    uint32
	OutputAmounts []uint64
	// Ys of proofs reserved (moved to pending) for this operation
	InputYs []string
	// serialized token, for receive sagas
	Token     string
	CreatedAt int64
	UpdatedAt int64
}

type Invoice struct {
	TransactionType QuoteType
	// mint or melt quote id
	Id string
	// mint that issued quote
	Mint           string
	QuoteAmount    uint64
	InvoiceAmount  uint64
	PaymentRequest string
	PaymentHash    string
	Preimage       string
	CreatedAt      int64
	Paid           bool
	SettledAt      int64
	QuoteExpiry    uint64
}
