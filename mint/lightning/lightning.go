// Package lightning defines the payment-backend boundary the mint talks
// to. Everything past this interface - a real LND node, Core Lightning,
// or the in-memory FakeBackend used in tests - is an external collaborator;
// the mint only ever depends on Client.
package lightning

import (
	"context"
	"errors"
)

// PaymentMethod identifies which quote/payment flow a request is using.
// bolt11 quotes get one invoice per request; bolt12 quotes are handled
// by the offer-based backend in offer.go.
type PaymentMethod string

const (
	MethodBolt11 PaymentMethod = "bolt11"
	MethodBolt12 PaymentMethod = "bolt12"

	InvoiceExpiryTime = 900 // seconds, used by backends that don't take an explicit expiry
)

// Client is implemented by every concrete Lightning backend
// (FakeBackend, CLNClient, LndClient, the bolt12 OfferBackend). The mint
// package only ever talks to this interface, never to a concrete backend.
type Client interface {
	ConnectionStatus() error

	// CreateInvoice issues a new incoming invoice for amount sats.
	CreateInvoice(amount uint64) (Invoice, error)
	// InvoiceStatus looks up a previously issued incoming invoice by
	// payment hash.
	InvoiceStatus(hash string) (Invoice, error)
	// SubscribeInvoice returns a client that blocks on Recv until the
	// invoice identified by paymentHash settles or expires.
	SubscribeInvoice(paymentHash string) (InvoiceSubscriptionClient, error)

	// FeeReserve estimates the routing fee reserve, in sats, a melt of
	// amount sats should hold back.
	FeeReserve(amount uint64) uint64

	// SendPayment pays a BOLT11/BOLT12 payment request, holding back at
	// most maxFee sats in routing fees.
	SendPayment(ctx context.Context, request string, maxFee uint64) (PaymentStatus, error)
	// PayPartialAmount pays amountMsat of a payment request that
	// supports MPP (NUT-15).
	PayPartialAmount(ctx context.Context, request string, amountMsat uint64, maxFee uint64) (PaymentStatus, error)
	// OutgoingPaymentStatus looks up a previously attempted outgoing
	// payment by its payment hash / request lookup id.
	OutgoingPaymentStatus(ctx context.Context, paymentHash string) (PaymentStatus, error)
}

// Invoice is an incoming Lightning invoice, settled or not.
type Invoice struct {
	PaymentRequest string
	PaymentHash    string
	Settled        bool
	Preimage       string
	Amount         uint64
	Expiry         uint64
}

// State is the lifecycle state of an outgoing (or fake) payment.
type State int

const (
	Pending State = iota
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Succeeded:
		return "SUCCEEDED"
	case Failed:
		return "FAILED"
	default:
		return "PENDING"
	}
}

// PaymentStatus is the result of an outgoing payment attempt or lookup.
type PaymentStatus struct {
	Preimage      string
	PaymentStatus State
}

// InvoiceSubscriptionClient is a long-lived subscription to a single
// incoming invoice's settlement.
type InvoiceSubscriptionClient interface {
	Recv() (Invoice, error)
}

var OutgoingPaymentNotFound = errors.New("outgoing payment not found")
