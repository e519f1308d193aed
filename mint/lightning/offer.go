package lightning

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"slices"
)

// OfferBackend is a minimal bolt12-shaped Client: instead of one
// invoice per request, a mint quote is backed by a reusable offer string,
// and each pull against that offer mints a single-use invoice under it.
// This mirrors the method-keyed dispatch the mint already threads through
// RequestMintQuote/RequestMeltQuote via their method parameter; it does
// not implement the BOLT12 wire format itself (onion messages, blinded
// paths), which is out of scope for a reference adapter.
type OfferBackend struct {
	offers       map[string]*offerState
	defaultOffer string
	Invoices     []FakeBackendInvoice
}

type offerState struct {
	offer       string
	description string
	pulls       int
}

func NewOfferBackend() *OfferBackend {
	ob := &OfferBackend{offers: make(map[string]*offerState)}
	// the backend's standing offer, which CreateInvoice pulls
	// single-use invoices from
	offer, err := ob.CreateOffer("mint offer")
	if err == nil {
		ob.defaultOffer = offer
	}
	return ob
}

// CreateOffer registers a new reusable bolt12 offer string for a
// description (matching the role CreateInvoice plays for bolt11).
func (ob *OfferBackend) CreateOffer(description string) (string, error) {
	var random [16]byte
	if _, err := rand.Read(random[:]); err != nil {
		return "", err
	}
	offer := "lno1" + hex.EncodeToString(random[:])
	ob.offers[offer] = &offerState{offer: offer, description: description}
	return offer, nil
}

// CreateInvoice pulls a single-use invoice for amount sats from the
// backend's standing offer, so a bolt12 mint quote gets one invoice
// per payment the way a bolt11 quote gets one per request.
func (ob *OfferBackend) CreateInvoice(amount uint64) (Invoice, error) {
	if ob.defaultOffer == "" {
		return Invoice{}, errors.New("offer backend has no standing offer")
	}
	return ob.PullInvoice(ob.defaultOffer, amount)
}

// PullInvoice requests a new single-use invoice under an existing offer,
// the bolt12 equivalent of CreateInvoice.
func (ob *OfferBackend) PullInvoice(offer string, amount uint64) (Invoice, error) {
	state, ok := ob.offers[offer]
	if !ok {
		return Invoice{}, errors.New("unknown offer")
	}

	req, preimage, paymentHash, err := CreateFakeInvoice(amount, state.description == FailPaymentDescription)
	if err != nil {
		return Invoice{}, err
	}
	state.pulls++

	invoice := FakeBackendInvoice{
		PaymentRequest: req,
		PaymentHash:    paymentHash,
		Preimage:       preimage,
		Status:         Succeeded,
		Amount:         amount,
	}
	ob.Invoices = append(ob.Invoices, invoice)
	return invoice.ToInvoice(), nil
}

func (ob *OfferBackend) ConnectionStatus() error { return nil }

func (ob *OfferBackend) InvoiceStatus(hash string) (Invoice, error) {
	idx := slices.IndexFunc(ob.Invoices, func(i FakeBackendInvoice) bool { return i.PaymentHash == hash })
	if idx == -1 {
		return Invoice{}, errors.New("invoice does not exist")
	}
	return ob.Invoices[idx].ToInvoice(), nil
}

func (ob *OfferBackend) SubscribeInvoice(paymentHash string) (InvoiceSubscriptionClient, error) {
	return &offerInvoiceSub{ob: ob, paymentHash: paymentHash}, nil
}

type offerInvoiceSub struct {
	ob          *OfferBackend
	paymentHash string
}

func (s *offerInvoiceSub) Recv() (Invoice, error) {
	return s.ob.InvoiceStatus(s.paymentHash)
}

func (ob *OfferBackend) FeeReserve(amount uint64) uint64 { return 0 }

func (ob *OfferBackend) SendPayment(ctx context.Context, request string, maxFee uint64) (PaymentStatus, error) {
	return PaymentStatus{}, errors.New("bolt12 outgoing payments are not implemented by this reference adapter")
}

func (ob *OfferBackend) PayPartialAmount(ctx context.Context, request string, amountMsat, maxFee uint64) (PaymentStatus, error) {
	return PaymentStatus{}, errors.New("bolt12 outgoing payments are not implemented by this reference adapter")
}

func (ob *OfferBackend) OutgoingPaymentStatus(ctx context.Context, paymentHash string) (PaymentStatus, error) {
	return PaymentStatus{}, OutgoingPaymentNotFound
}
