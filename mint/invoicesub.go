package mint

import (
	"context"
	"errors"
	"time"

	"github.com/cashumint/nutcore/mint/lightning"
)

// checkInvoicePaid should be called in a different goroutine to check in the background
// if the invoice for the quoteId gets paid and update it in the db.
func (m *Mint) checkInvoicePaid(ctx context.Context, quoteId string) {
	mintQuote, err := m.db.GetMintQuote(quoteId)
	if err != nil {
		m.logErrorf("could not get mint quote '%v' from db: %v", quoteId, err)
		return
	}

	client := m.clientForMethod(mintQuote.PaymentMethod)
	if client == nil {
		m.logErrorf("mint quote '%v' has unknown payment method '%v'", quoteId, mintQuote.PaymentMethod)
		return
	}

	invoiceSub, err := client.SubscribeInvoice(mintQuote.PaymentHash)
	if err != nil {
		m.logErrorf("could not subscribe to invoice changes for mint quote '%v': %v", quoteId, err)
		return
	}

	updateChan := make(chan lightning.Invoice)
	errChan := make(chan error)

	go func() {
		for {
			invoice, err := invoiceSub.Recv()
			if err != nil {
				errChan <- err
				return
			}

			// only send on channel if invoice gets settled
			if invoice.Settled {
				updateChan <- invoice
				return
			}
		}
	}()

	timeUntilExpiry := int64(mintQuote.Expiry) - time.Now().Unix()

	select {
	case invoice := <-updateChan:
		if invoice.Settled {
			m.logInfof("received update from invoice sub. Invoice for mint quote '%v' is PAID", mintQuote.Id)
			amount := invoice.Amount
			if amount == 0 {
				// backends that don't echo the amount on settlement
				// settle the full quote
				amount = mintQuote.Amount
			}
			if _, err := m.creditMintQuotePayment(mintQuote, invoice.PaymentHash, amount); err != nil {
				m.logErrorf("could not mark mint quote '%v' as PAID: %v", mintQuote.Id, err)
			}
		}
	case err := <-errChan:
		if errors.Is(ctx.Err(), context.Canceled) {
			m.logDebugf("canceling invoice subscription for quote '%v'. Context canceled", mintQuote.Id)
		} else {
			m.logErrorf("error reading from invoice subscription: %v", err)
		}
	case <-ctx.Done():
		m.logDebugf("canceling invoice subscription for quote '%v'. Mint shutting down", mintQuote.Id)
	case <-time.After(time.Second * time.Duration(timeUntilExpiry)):
		// cancel when quote reaches expiry time
		m.logDebugf("canceling invoice subscription for quote '%v'. Reached deadline", mintQuote.Id)
	}
}
