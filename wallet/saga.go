package wallet

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/cashumint/nutcore/cashu"
	"github.com/cashumint/nutcore/cashu/nuts/nut03"
	"github.com/cashumint/nutcore/cashu/nuts/nut04"
	"github.com/cashumint/nutcore/cashu/nuts/nut05"
	"github.com/cashumint/nutcore/cashu/nuts/nut07"
	"github.com/cashumint/nutcore/cashu/nuts/nut09"
	"github.com/cashumint/nutcore/crypto"
	"github.com/cashumint/nutcore/wallet/client"
	"github.com/cashumint/nutcore/wallet/storage"
)

// Every multi-step wallet operation is backed by a saga record in the
// wallet db, written before the operation's first externally visible
// effect and deleted once it completes. If the wallet crashes anywhere
// in between, RecoverSagas picks the record up on the next load and
// either drives the operation forward (when the mint already holds the
// truth - its idempotency cache and /restore return the signatures a
// lost response carried) or compensates by releasing whatever was
// reserved.

// newSaga returns a fresh saga record for the operation. It is not
// written to the wallet db here; the first stepSaga persists it.
func (w *Wallet) newSaga(kind storage.SagaKind, mintURL string, amount uint64) (storage.Saga, error) {
	id, err := cashu.GenerateRandomQuoteId()
	if err != nil {
		return storage.Saga{}, err
	}

	now := time.Now().Unix()
	saga := storage.Saga{
		Id:        id,
		Kind:      kind,
		Mint:      mintURL,
		Unit:      w.unit.String(),
		Amount:    amount,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return saga, nil
}

// stepSaga persists a saga's transition to state.
func (w *Wallet) stepSaga(saga *storage.Saga, state storage.SagaState) error {
	saga.State = state
	saga.UpdatedAt = time.Now().Unix()
	return w.db.SaveSaga(*saga)
}

// reserveOutputs reserves a counter range on the keyset for the given
// amount split and records it in the saga, so the exact same outputs
// can be re-derived after a crash.
func (w *Wallet) reserveOutputs(saga *storage.Saga, keysetId string, split []uint64) error {
	counterStart, err := w.db.ReserveKeysetCounter(keysetId, uint32(len(split)))
	if err != nil {
		return err
	}

	saga.KeysetId = keysetId
	saga.CounterStart = counterStart
	saga.CounterEnd = counterStart + uint32(len(split))
	saga.OutputAmounts = split
	return w.stepSaga(saga, storage.SagaOutputsReserved)
}

// deriveSagaOutputs re-derives the blinded messages a saga's reserved
// counter range produces. The derivation is deterministic, so this
// returns byte-identical outputs on every call.
func (w *Wallet) deriveSagaOutputs(saga *storage.Saga) (
	cashu.BlindedMessages, []string, []*secp256k1.PrivateKey, error) {
	counter := saga.CounterStart
	return w.createBlindedMessages(saga.OutputAmounts, saga.KeysetId, &counter)
}

// reserveProofs moves proofs out of the spendable bucket into pending,
// tied to the saga, and records their nullifiers on the saga record.
func (w *Wallet) reserveProofs(saga *storage.Saga, proofs cashu.Proofs) error {
	Ys := make([]string, len(proofs))
	for i, proof := range proofs {
		Y, err := proofY(proof.Secret)
		if err != nil {
			return err
		}
		Ys[i] = Y
	}
	saga.InputYs = Ys

	if err := w.db.AddPendingProofsByQuoteId(proofs, saga.Id); err != nil {
		return err
	}
	for _, proof := range proofs {
		if err := w.db.DeleteProof(proof.Secret); err != nil && !errors.Is(err, storage.ProofNotFound) {
			return err
		}
	}
	return w.stepSaga(saga, storage.SagaProofsReserved)
}

// releaseProofs is the compensation for reserveProofs: pending proofs
// tied to the saga go back to the spendable bucket.
func (w *Wallet) releaseProofs(saga *storage.Saga) error {
	pending := w.db.GetPendingProofsByQuoteId(saga.Id)
	proofs := make(cashu.Proofs, len(pending))
	for i, dbproof := range pending {
		proofs[i] = cashu.Proof{
			Amount: dbproof.Amount,
			Id:     dbproof.Id,
			Secret: dbproof.Secret,
			C:      dbproof.C,
			DLEQ:   dbproof.DLEQ,
		}
	}

	if len(proofs) > 0 {
		if err := w.db.SaveProofs(proofs); err != nil {
			return err
		}
	}
	return w.db.DeletePendingProofsByQuoteId(saga.Id)
}

// discardReservedProofs is the terminal counterpart of releaseProofs
// for proofs the mint has spent: they are dropped from pending and
// never return to the spendable balance.
func (w *Wallet) discardReservedProofs(saga *storage.Saga) error {
	return w.db.DeletePendingProofsByQuoteId(saga.Id)
}

// finishSaga marks the operation complete by deleting its record.
func (w *Wallet) finishSaga(saga *storage.Saga) error {
	return w.db.DeleteSaga(saga.Id)
}

// restoreSagaSignatures asks the mint, via /restore, for any blind
// signatures it previously issued for the saga's deterministic outputs.
// It returns the recovered proofs, or nil if the mint never signed them.
func (w *Wallet) restoreSagaSignatures(saga *storage.Saga) (cashu.Proofs, error) {
	outputs, secrets, rs, err := w.deriveSagaOutputs(saga)
	if err != nil {
		return nil, err
	}

	restoreResponse, err := client.PostRestore(saga.Mint, nut09.PostRestoreRequest{Outputs: outputs})
	if err != nil {
		return nil, err
	}
	if len(restoreResponse.Signatures) == 0 {
		return nil, nil
	}

	keyset := w.db.GetKeyset(saga.KeysetId)
	if keyset == nil {
		return nil, fmt.Errorf("unknown keyset '%v' in saga '%v'", saga.KeysetId, saga.Id)
	}

	// /restore returns the subset of outputs it has signatures for;
	// match each returned output back to its secret and blinding
	// factor by B_
	indexByB_ := make(map[string]int, len(outputs))
	for i, output := range outputs {
		indexByB_[output.B_] = i
	}

	matchedSecrets := make([]string, len(restoreResponse.Signatures))
	matchedRs := make([]*secp256k1.PrivateKey, len(restoreResponse.Signatures))
	for i, output := range restoreResponse.Outputs {
		idx, ok := indexByB_[output.B_]
		if !ok {
			return nil, fmt.Errorf("restore returned unknown output for saga '%v'", saga.Id)
		}
		matchedSecrets[i] = secrets[idx]
		matchedRs[i] = rs[idx]
	}

	return constructProofs(restoreResponse.Signatures, restoreResponse.Outputs, matchedSecrets, matchedRs, keyset)
}

// RecoverSagas resumes every saga left over from a previous run,
// completing forward where the mint already holds the result and
// compensating otherwise. A saga that cannot be resolved yet (mint
// unreachable, payment still pending) is left in place for the next
// attempt; its error is joined into the returned error.
func (w *Wallet) RecoverSagas() error {
	var errs error
	for _, saga := range w.db.GetSagas() {
		saga := saga
		if err := w.recoverSaga(&saga); err != nil {
			errs = errors.Join(errs, fmt.Errorf("saga '%v' (%v): %w", saga.Id, saga.Kind, err))
		}
	}
	return errs
}

func (w *Wallet) recoverSaga(saga *storage.Saga) error {
	switch saga.Kind {
	case storage.SagaMint:
		return w.recoverMintSaga(saga)
	case storage.SagaSwap, storage.SagaReceive:
		return w.recoverSwapSaga(saga)
	case storage.SagaSend:
		return w.recoverSendSaga(saga)
	case storage.SagaMelt:
		return w.recoverMeltSaga(saga)
	}
	return fmt.Errorf("unknown saga kind %d", saga.Kind)
}

// recoverMintSaga resolves a mint operation that crashed after its
// outputs were reserved. If the mint signed them (the request landed
// but the response was lost), /restore recovers the signatures; if it
// never did, the only thing lost is a burned counter range.
func (w *Wallet) recoverMintSaga(saga *storage.Saga) error {
	proofs, err := w.restoreSagaSignatures(saga)
	if err != nil {
		return err
	}

	if proofs != nil {
		if err := w.db.SaveProofs(proofs); err != nil {
			return err
		}
		if quote := w.db.GetMintQuoteById(saga.QuoteId); quote != nil {
			quote.State = nut04.Issued
			quote.SettledAt = time.Now().Unix()
			if err := w.db.SaveMintQuote(*quote); err != nil {
				return err
			}
		}
		return w.finishSaga(saga)
	}

	// mint never signed the outputs. If the request was never sent
	// either (crash between reservation and request), there is nothing
	// to undo; the quote stays around to be minted again.
	if saga.State == storage.SagaOutputsReserved || saga.State == storage.SagaRequested {
		return w.finishSaga(saga)
	}
	return fmt.Errorf("unexpected state %v", saga.State)
}

// recoverSwapSaga resolves a swap (or receive) that crashed mid-flight.
// The original request is replayed first: an exact replay either hits
// the mint's idempotency cache (returning the original signatures) or
// executes the swap that never landed. Only if the replay reports the
// inputs already spent does /restore recover the lost signatures.
func (w *Wallet) recoverSwapSaga(saga *storage.Saga) error {
	if saga.State == storage.SagaRequested {
		inputs := make(cashu.Proofs, 0, len(saga.InputYs))
		for _, dbproof := range w.db.GetPendingProofsByQuoteId(saga.Id) {
			inputs = append(inputs, cashu.Proof{
				Amount: dbproof.Amount,
				Id:     dbproof.Id,
				Secret: dbproof.Secret,
				C:      dbproof.C,
				DLEQ:   dbproof.DLEQ,
			})
		}

		if len(inputs) > 0 {
			proofs, err := w.replaySwapRequest(saga, inputs)
			if err == nil {
				if err := w.db.SaveProofs(proofs); err != nil {
					return err
				}
				if err := w.discardReservedProofs(saga); err != nil {
					return err
				}
				return w.finishSaga(saga)
			}

			var cashuErr cashu.Error
			if !errors.As(err, &cashuErr) {
				return err
			}
			// "already spent" means the original request executed and
			// its response was lost; fall through to /restore
			if cashuErr.Code != cashu.ProofAlreadyUsedErrCode {
				return err
			}
		}
	}

	proofs, err := w.restoreSagaSignatures(saga)
	if err != nil {
		return err
	}

	if proofs != nil {
		if err := w.db.SaveProofs(proofs); err != nil {
			return err
		}
		if err := w.discardReservedProofs(saga); err != nil {
			return err
		}
		return w.finishSaga(saga)
	}

	// the mint has no signatures for our outputs, so the swap never
	// executed. Confirm the inputs are still unspent before releasing
	// them.
	if len(saga.InputYs) > 0 {
		stateResponse, err := client.PostCheckProofState(saga.Mint, nut07.PostCheckStateRequest{Ys: saga.InputYs})
		if err != nil {
			return err
		}
		for _, proofState := range stateResponse.States {
			if proofState.State != nut07.Unspent {
				return fmt.Errorf("input %v is %v but no signatures were restored", proofState.Y, proofState.State)
			}
		}
	}

	if err := w.releaseProofs(saga); err != nil {
		return err
	}
	return w.finishSaga(saga)
}

// recoverSendSaga releases proofs reserved for a send whose token was
// never handed to the caller. A send that reached SagaTokenIssued has
// left the wallet; its reserved proofs stay pending until the
// recipient redeems them (see CheckPendingProofs).
func (w *Wallet) recoverSendSaga(saga *storage.Saga) error {
	if saga.State == storage.SagaTokenIssued {
		return w.finishSaga(saga)
	}
	if err := w.releaseProofs(saga); err != nil {
		return err
	}
	return w.finishSaga(saga)
}

// recoverMeltSaga resolves a melt that crashed while its Lightning
// payment was (possibly) in flight, by asking the mint for the melt
// quote's definitive state.
func (w *Wallet) recoverMeltSaga(saga *storage.Saga) error {
	if saga.State == storage.SagaProofsReserved || saga.State == storage.SagaOutputsReserved {
		// crash before the melt request went out
		if err := w.releaseProofs(saga); err != nil {
			return err
		}
		return w.finishSaga(saga)
	}

	quoteResponse, err := client.GetMeltQuoteState(saga.Mint, saga.QuoteId)
	if err != nil {
		return err
	}

	switch quoteResponse.State {
	case nut05.Paid:
		if err := w.discardReservedProofs(saga); err != nil {
			return err
		}
		if len(quoteResponse.Change) > 0 {
			if err := w.saveMeltChange(saga, quoteResponse.Change); err != nil {
				return err
			}
		}
		if quote := w.db.GetMeltQuoteById(saga.QuoteId); quote != nil {
			quote.State = nut05.Paid
			quote.Preimage = quoteResponse.Preimage
			quote.SettledAt = time.Now().Unix()
			if err := w.db.SaveMeltQuote(*quote); err != nil {
				return err
			}
		}
		return w.finishSaga(saga)

	case nut05.Unpaid:
		if err := w.releaseProofs(saga); err != nil {
			return err
		}
		return w.finishSaga(saga)

	default:
		// still pending at the mint; try again on the next recovery run
		return fmt.Errorf("melt quote '%v' still pending", saga.QuoteId)
	}
}

// saveMeltChange unblinds and stores NUT-08 change returned for the
// blank outputs a melt saga reserved.
func (w *Wallet) saveMeltChange(saga *storage.Saga, change []nut05.ChangeEntry) error {
	outputs, secrets, rs, err := w.deriveSagaOutputs(saga)
	if err != nil {
		return err
	}
	keyset := w.db.GetKeyset(saga.KeysetId)
	if keyset == nil {
		return fmt.Errorf("unknown keyset '%v' in saga '%v'", saga.KeysetId, saga.Id)
	}

	changeProofs, err := constructProofsFromChange(change, outputs, secrets, rs, keyset)
	if err != nil {
		return err
	}
	return w.db.SaveProofs(changeProofs)
}

// CheckPendingProofs asks the mint for the state of every pending
// proof (reserved sends awaiting redemption) and drops the ones that
// have been spent. It returns the amount cleared.
func (w *Wallet) CheckPendingProofs(mintURL string) (uint64, error) {
	pending := w.db.GetPendingProofs()
	if len(pending) == 0 {
		return 0, nil
	}

	Ys := make([]string, len(pending))
	amounts := make(map[string]uint64, len(pending))
	for i, proof := range pending {
		Ys[i] = proof.Y
		amounts[proof.Y] = proof.Amount
	}

	stateResponse, err := client.PostCheckProofState(mintURL, nut07.PostCheckStateRequest{Ys: Ys})
	if err != nil {
		return 0, err
	}

	var cleared uint64
	var spentYs []string
	for _, proofState := range stateResponse.States {
		if proofState.State == nut07.Spent {
			spentYs = append(spentYs, proofState.Y)
			cleared += amounts[proofState.Y]
		}
	}
	if len(spentYs) > 0 {
		if err := w.db.DeletePendingProofs(spentYs); err != nil {
			return 0, err
		}
	}

	return cleared, nil
}

// replaySwapRequest re-sends a swap request with the saga's
// deterministic outputs; the mint's idempotency cache makes an exact
// replay return the original signatures.
func (w *Wallet) replaySwapRequest(saga *storage.Saga, inputs cashu.Proofs) (cashu.Proofs, error) {
	outputs, secrets, rs, err := w.deriveSagaOutputs(saga)
	if err != nil {
		return nil, err
	}
	keyset := w.db.GetKeyset(saga.KeysetId)
	if keyset == nil {
		return nil, fmt.Errorf("unknown keyset '%v' in saga '%v'", saga.KeysetId, saga.Id)
	}

	swapResponse, err := client.PostSwap(saga.Mint, nut03.PostSwapRequest{Inputs: inputs, Outputs: outputs})
	if err != nil {
		return nil, err
	}

	return constructProofs(swapResponse.Signatures, outputs, secrets, rs, keyset)
}

// proofY returns the hex-encoded nullifier for a proof secret.
func proofY(secret string) (string, error) {
	Y, err := crypto.HashToCurve([]byte(secret))
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(Y.SerializeCompressed()), nil
}
