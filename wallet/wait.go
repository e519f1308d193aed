package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cashumint/nutcore/cashu/nuts/nut04"
	"github.com/cashumint/nutcore/cashu/nuts/nut17"
	"github.com/cashumint/nutcore/wallet/submanager"
)

const quotePollInterval = time.Second * 2

// WaitForMintQuotePaid blocks until the quote's invoice is paid,
// preferring a NUT-17 websocket subscription and falling back to
// polling the quote state when the mint does not support
// subscriptions. Cancel ctx to stop waiting.
func (w *Wallet) WaitForMintQuotePaid(ctx context.Context, quoteId string) error {
	quote := w.db.GetMintQuoteById(quoteId)
	if quote == nil {
		return ErrQuoteNotExist
	}
	if quote.State == nut04.Paid || quote.State == nut04.Issued {
		return nil
	}

	err := w.waitForPaidViaSubscription(ctx, quote.Mint, quoteId)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	// mint does not support subscriptions (or the connection dropped);
	// poll instead
	ticker := time.NewTicker(quotePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			quoteResponse, err := w.MintQuoteState(quoteId)
			if err != nil {
				return err
			}
			if quoteResponse.State == nut04.Paid || quoteResponse.State == nut04.Issued {
				return nil
			}
		}
	}
}

func (w *Wallet) waitForPaidViaSubscription(ctx context.Context, mintURL, quoteId string) error {
	sm, err := submanager.NewSubscriptionManager(mintURL)
	if err != nil {
		return err
	}
	defer sm.Close()

	errChan := make(chan error, 1)
	go sm.Run(errChan)

	sub, err := sm.Subscribe(nut17.Bolt11MintQuote, []string{quoteId})
	if err != nil {
		return err
	}
	defer sm.CloseSubscripton(sub.SubId())

	notifications := make(chan nut17.WsNotification)
	readErr := make(chan error, 1)
	go func() {
		for {
			notification, err := sub.Read()
			if err != nil {
				readErr <- err
				return
			}
			notifications <- notification
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errChan:
			return err
		case err := <-readErr:
			return err
		case notification := <-notifications:
			var quoteResponse nut04.PostMintQuoteBolt11Response
			if err := json.Unmarshal(notification.Params.Payload, &quoteResponse); err != nil {
				continue
			}
			if quoteResponse.State == nut04.Paid || quoteResponse.State == nut04.Issued {
				if quote := w.db.GetMintQuoteById(quoteId); quote != nil && quote.State != quoteResponse.State {
					quote.State = quoteResponse.State
					if err := w.db.SaveMintQuote(*quote); err != nil {
						return err
					}
				}
				return nil
			}
		}
	}
}
