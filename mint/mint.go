package mint

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/cashumint/nutcore/cashu"
	"github.com/cashumint/nutcore/cashu/nuts/nut01"
	"github.com/cashumint/nutcore/cashu/nuts/nut02"
	"github.com/cashumint/nutcore/cashu/nuts/nut04"
	"github.com/cashumint/nutcore/cashu/nuts/nut05"
	"github.com/cashumint/nutcore/cashu/nuts/nut06"
	"github.com/cashumint/nutcore/cashu/nuts/nut07"
	"github.com/cashumint/nutcore/cashu/nuts/nut10"
	"github.com/cashumint/nutcore/cashu/nuts/nut11"
	"github.com/cashumint/nutcore/cashu/nuts/nut14"
	"github.com/cashumint/nutcore/cashu/nuts/nut20"
	"github.com/cashumint/nutcore/crypto"
	"github.com/cashumint/nutcore/mint/lightning"
	"github.com/cashumint/nutcore/mint/pubsub"
	"github.com/cashumint/nutcore/mint/saga"
	"github.com/cashumint/nutcore/mint/storage"
	"github.com/cashumint/nutcore/mint/storage/sqlite"
	decodepay "github.com/nbd-wtf/ln-decodepay"
)

const (
	QuoteExpiryMins = 10
	BOLT11_METHOD   = "bolt11"
	BOLT12_METHOD   = "bolt12"
	SAT_UNIT        = "sat"

	// pendingProofReapThreshold is how long a proof may sit in the
	// pending table before the reaper asks the Lightning backend
	// whether its melt actually settled.
	pendingProofReapThreshold = int64(15 * 60)
	pendingProofReapInterval  = time.Minute * 5
)

type Mint struct {
	db storage.MintDB

	// activeKeyset is the keyset currently used to sign new outputs.
	activeKeyset *crypto.MintKeyset

	// map of all keysets (both active and inactive)
	keysets map[string]crypto.MintKeyset

	lightningClient lightning.Client
	// bolt12Client, when set, backs quotes created with the bolt12
	// method. Quotes carry their method so state checks and melts go
	// back to the backend that created them.
	bolt12Client lightning.Client

	publisher *pubsub.PubSub

	mintInfo  nut06.MintInfo
	limits    MintLimits
	enableMPP bool
	logger    *slog.Logger

	// ctx is canceled on Shutdown so invoice subscriptions and the
	// pending-proof reaper exit instead of leaking.
	ctx    context.Context
	cancel context.CancelFunc
}

// clientForMethod returns the Lightning backend that serves quotes of
// the given payment method, or nil if the method is not enabled.
func (m *Mint) clientForMethod(method string) lightning.Client {
	switch method {
	case BOLT11_METHOD:
		return m.lightningClient
	case BOLT12_METHOD:
		return m.bolt12Client
	}
	return nil
}

func LoadMint(config Config) (*Mint, error) {
	path := config.MintPath
	if len(path) == 0 {
		path = mintPath()
	}

	logger, err := setupLogger(path, config.LogLevel)
	if err != nil {
		return nil, err
	}

	db, err := sqlite.InitSQLite(path, config.DBMigrationPath)
	if err != nil {
		return nil, fmt.Errorf("error setting up sqlite: %v", err)
	}

	seed, err := db.GetSeed()
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// generate new seed
			for {
				seed, err = hdkeychain.GenerateSeed(32)
				if err == nil {
					err = db.SaveSeed(seed)
					if err != nil {
						return nil, err
					}
					break
				}
			}
		} else {
			return nil, err
		}
	}

	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, err
	}

	activeKeyset, err := crypto.GenerateKeyset(master, config.DerivationPathIdx, config.InputFeePpk, true)
	if err != nil {
		return nil, err
	}
	logger.Info(fmt.Sprintf("setting active keyset '%v' with fee %v", activeKeyset.Id, activeKeyset.InputFeePpk))

	ctx, cancel := context.WithCancel(context.Background())
	mint := &Mint{
		db:           db,
		activeKeyset: activeKeyset,
		limits:       config.Limits,
		enableMPP:    config.EnableMPP,
		logger:       logger,
		publisher:    pubsub.NewPubSub(),
		ctx:          ctx,
		cancel:       cancel,
	}

	dbKeysets, err := mint.db.GetKeysets()
	if err != nil {
		return nil, fmt.Errorf("error reading keysets from db: %v", err)
	}

	activeKeysetNew := true
	mintKeysets := make(map[string]crypto.MintKeyset)
	for _, dbkeyset := range dbKeysets {
		seed, err := hex.DecodeString(dbkeyset.Seed)
		if err != nil {
			return nil, err
		}

		master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
		if err != nil {
			return nil, err
		}

		if dbkeyset.Id == activeKeyset.Id {
			activeKeysetNew = false
		}
		keyset, err := crypto.GenerateKeyset(master, dbkeyset.DerivationPathIdx, dbkeyset.InputFeePpk, dbkeyset.Active)
		if err != nil {
			return nil, err
		}
		keyset.FinalExpiry = dbkeyset.FinalExpiry
		mintKeysets[keyset.Id] = *keyset
	}

	// save active keyset if new
	if activeKeysetNew {
		hexseed := hex.EncodeToString(seed)
		activeDbKeyset := storage.DBKeyset{
			Id:                activeKeyset.Id,
			Unit:              activeKeyset.Unit,
			Active:            true,
			Seed:              hexseed,
			DerivationPathIdx: activeKeyset.DerivationPathIdx,
			InputFeePpk:       activeKeyset.InputFeePpk,
		}
		err := mint.db.SaveKeyset(activeDbKeyset)
		if err != nil {
			return nil, fmt.Errorf("error saving new active keyset: %v", err)
		}
	}
	mint.keysets = mintKeysets
	mint.keysets[activeKeyset.Id] = *activeKeyset
	if config.LightningClient == nil {
		return nil, errors.New("invalid lightning client")
	}
	mint.lightningClient = config.LightningClient
	mint.bolt12Client = config.Bolt12Client
	mint.SetMintInfo(config.MintInfo)

	for _, keyset := range mint.keysets {
		if keyset.Id != activeKeyset.Id && keyset.Active {
			mint.logger.Info(fmt.Sprintf("setting keyset '%v' to inactive", keyset.Id))
			keyset.Active = false
			mint.db.UpdateKeysetActive(keyset.Id, false)
			mint.keysets[keyset.Id] = keyset
		}
	}
	mint.activeKeyset.Active = true

	if config.RotateKeyset {
		if _, err := mint.RotateKeyset(config.InputFeePpk); err != nil {
			return nil, fmt.Errorf("error rotating keyset on startup: %v", err)
		}
	}

	// finish or roll back whatever a previous run left mid-flight
	// before serving new requests
	mint.recoverInFlightSagas(ctx, 0)

	go mint.reapPendingProofs(ctx)

	return mint, nil
}

// Shutdown cancels the mint's background work (invoice subscriptions,
// the pending-proof reaper) and closes the database.
func (m *Mint) Shutdown() error {
	m.cancel()
	return m.db.Close()
}

// recoverInFlightSagas resolves operation records left behind by a
// previous run (or, from the reaper, records whose request died
// mid-flight). A swap or mint whose signatures made it into the
// blinded-message ledger committed, so only its bookkeeping is
// finished here; one whose signatures are absent never executed, so
// its reservations are released. Melt records defer to the melt
// quote's state. olderThan guards against touching a record whose
// request is still executing: the reaper passes the staleness
// threshold, startup passes zero since no request can be in flight.
func (m *Mint) recoverInFlightSagas(ctx context.Context, olderThan int64) {
	sagas, err := m.db.GetSagas()
	if err != nil {
		m.logErrorf("could not read operation records: %v", err)
		return
	}

	cutoff := time.Now().Unix() - olderThan
	for _, sagaRecord := range sagas {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if sagaRecord.UpdatedAt > cutoff {
			continue
		}

		var err error
		switch sagaRecord.Kind {
		case saga.Swap:
			err = m.recoverSwapSaga(sagaRecord)
		case saga.Mint:
			err = m.recoverMintSaga(sagaRecord)
		case saga.Melt:
			err = m.recoverMeltSaga(ctx, sagaRecord)
		default:
			err = fmt.Errorf("unknown operation kind %d", sagaRecord.Kind)
		}
		if err != nil {
			m.logErrorf("could not recover %v operation '%v': %v",
				sagaRecord.Kind, sagaRecord.OperationId, err)
		}
	}
}

func (m *Mint) recoverSwapSaga(sagaRecord saga.Saga) error {
	var sigs cashu.BlindedSignatures
	if len(sagaRecord.BlindedSecrets) > 0 {
		var err error
		sigs, err = m.db.GetBlindSignatures(sagaRecord.BlindedSecrets)
		if err != nil {
			return err
		}
	}
	if len(sigs) > 0 {
		// the atomic commit ran: inputs are spent and signatures
		// recorded; only the record cleanup was lost
		m.logInfof("swap operation '%v' had committed before shutdown", sagaRecord.OperationId)
		return m.db.DeleteSaga(sagaRecord.OperationId)
	}

	// signing never committed; reserved inputs go back to unspent
	m.logInfof("swap operation '%v' never committed. Releasing its reserved inputs", sagaRecord.OperationId)
	if len(sagaRecord.InputYs) > 0 {
		if err := m.db.RemovePendingProofs(sagaRecord.InputYs); err != nil {
			return err
		}
		m.publishProofStates(sagaRecord.InputYs, nut07.Unspent)
	}
	return m.db.DeleteSaga(sagaRecord.OperationId)
}

func (m *Mint) recoverMintSaga(sagaRecord saga.Saga) error {
	var sigs cashu.BlindedSignatures
	if len(sagaRecord.BlindedSecrets) > 0 {
		var err error
		sigs, err = m.db.GetBlindSignatures(sagaRecord.BlindedSecrets)
		if err != nil {
			return err
		}
	}
	if len(sigs) == 0 {
		// signing never committed; nothing was issued
		return m.db.DeleteSaga(sagaRecord.OperationId)
	}

	// the signatures are out; make sure the quote's issuance ledger
	// caught up (idempotent per operation id) and its state matches
	m.logInfof("mint operation '%v' had signed before shutdown. Completing its issuance bookkeeping", sagaRecord.OperationId)
	amountIssued, err := m.db.AddMintQuoteIssuance(
		sagaRecord.QuoteId, sagaRecord.OperationId, sagaRecord.Amount, time.Now().Unix())
	if err != nil {
		return err
	}

	mintQuote, err := m.db.GetMintQuote(sagaRecord.QuoteId)
	if err != nil {
		return err
	}
	newState := nut04.Paid
	if amountIssued >= mintQuote.AmountPaid {
		newState = nut04.Issued
	}
	if mintQuote.State != newState {
		if err := m.db.UpdateMintQuoteState(mintQuote.Id, newState); err != nil {
			return err
		}
		mintQuote.State = newState
		m.publishMintQuote(mintQuote)
	}
	return m.db.DeleteSaga(sagaRecord.OperationId)
}

func (m *Mint) recoverMeltSaga(ctx context.Context, sagaRecord saga.Saga) error {
	meltQuote, err := m.db.GetMeltQuote(sagaRecord.QuoteId)
	if err != nil {
		return err
	}

	if meltQuote.State != nut05.Pending {
		// the melt resolved, or died before any payment attempt; in
		// the latter case the reserved inputs are still sitting in the
		// pending table and were provably never spent
		if meltQuote.State == nut05.Unpaid && len(sagaRecord.InputYs) > 0 {
			if err := m.db.RemovePendingProofs(sagaRecord.InputYs); err != nil {
				return err
			}
			m.publishProofStates(sagaRecord.InputYs, nut07.Unspent)
		}
		return m.db.DeleteSaga(sagaRecord.OperationId)
	}

	// the payment may still be in flight; reconcile with the backend
	// the same way a status poll does
	quote, err := m.GetMeltQuoteState(ctx, sagaRecord.QuoteId)
	if err != nil {
		return err
	}
	if quote.State != nut05.Pending {
		return m.db.DeleteSaga(sagaRecord.OperationId)
	}
	// still pending at the backend; keep the record for the next sweep
	return nil
}

// reapPendingProofs periodically sweeps proofs that have sat in the
// pending table past the staleness threshold. For each affected melt
// quote it asks the backend for the payment's definitive status: a
// settled payment flips the proofs to spent and the quote to paid, a
// definitively failed one reverts both. Ambiguous states stay pending
// for the next sweep.
func (m *Mint) reapPendingProofs(ctx context.Context) {
	ticker := time.NewTicker(pendingProofReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		m.recoverInFlightSagas(ctx, pendingProofReapThreshold)

		stale, err := m.db.GetPendingProofsOlderThan(pendingProofReapThreshold)
		if err != nil {
			m.logErrorf("reaper could not read pending proofs: %v", err)
			continue
		}
		if len(stale) == 0 {
			continue
		}

		quoteIds := make(map[string]bool)
		for _, proof := range stale {
			quoteIds[proof.MeltQuoteId] = true
		}

		for quoteId := range quoteIds {
			meltQuote, err := m.db.GetMeltQuote(quoteId)
			if err != nil {
				m.logErrorf("reaper could not get melt quote '%v': %v", quoteId, err)
				continue
			}
			if meltQuote.State != nut05.Pending {
				continue
			}

			m.logInfof("reaper checking status of stale pending melt quote '%v'", quoteId)
			if _, err := m.GetMeltQuoteState(ctx, quoteId); err != nil {
				m.logErrorf("reaper could not resolve melt quote '%v': %v", quoteId, err)
			}
		}
	}
}

// mintPath returns the mint's path
// at $HOME/.gonuts/mint
func mintPath() string {
	homedir, err := os.UserHomeDir()
	if err != nil {
		log.Fatal(err)
	}

	path := filepath.Join(homedir, ".gonuts", "mint")
	err = os.MkdirAll(path, 0700)
	if err != nil {
		log.Fatal(err)
	}
	return path
}

func setupLogger(mintPath string, logLevel LogLevel) (*slog.Logger, error) {
	replacer := func(groups []string, a slog.Attr) slog.Attr {
		if a.Key == slog.SourceKey {
			source := a.Value.Any().(*slog.Source)
			source.File = filepath.Base(source.File)
		}
		if a.Key == slog.TimeKey {
			a.Value = slog.StringValue(time.Now().Truncate(time.Second * 2).Format(time.DateTime))
		}
		return a
	}

	logFile, err := os.OpenFile(filepath.Join(mintPath, "mint.log"), os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("error opening log file: %v", err)
	}

	logWriter := io.MultiWriter(os.Stdout, logFile)
	level := slog.LevelInfo
	switch logLevel {
	case Debug:
		level = slog.LevelDebug
	case Disable:
		logWriter = io.Discard
	}

	return slog.New(slog.NewTextHandler(logWriter, &slog.HandlerOptions{
		AddSource:   true,
		Level:       level,
		ReplaceAttr: replacer,
	})), nil
}

// logInfof formats the strings with args and preserves the source position
// from where this method is called for the log msg. Otherwise all messages would be logged with
// source line of this log method and not the original caller
func (m *Mint) logInfof(format string, args ...any) {
	var pcs [1]uintptr
	runtime.Callers(2, pcs[:])
	r := slog.NewRecord(time.Now(), slog.LevelInfo, fmt.Sprintf(format, args...), pcs[0])
	_ = m.logger.Handler().Handle(context.Background(), r)
}

func (m *Mint) logErrorf(format string, args ...any) {
	var pcs [1]uintptr
	runtime.Callers(2, pcs[:])
	r := slog.NewRecord(time.Now(), slog.LevelError, fmt.Sprintf(format, args...), pcs[0])
	_ = m.logger.Handler().Handle(context.Background(), r)
}

func (m *Mint) logDebugf(format string, args ...any) {
	if !m.logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}

	var pcs [1]uintptr
	runtime.Callers(2, pcs[:])
	r := slog.NewRecord(time.Now(), slog.LevelDebug, fmt.Sprintf(format, args...), pcs[0])
	_ = m.logger.Handler().Handle(context.Background(), r)
}

// RequestMintQuote will process a request to mint tokens
// and returns a mint quote or an error.
// The request to mint a token is explained in
// NUT-04 here: https://github.com/cashubtc/nuts/blob/main/04.md.
func (m *Mint) RequestMintQuote(method string, mintQuoteRequest nut04.PostMintQuoteBolt11Request) (storage.MintQuote, error) {
	client := m.clientForMethod(method)
	if client == nil {
		return storage.MintQuote{}, cashu.PaymentMethodNotSupportedErr
	}

	amount := mintQuoteRequest.Amount
	unit := mintQuoteRequest.Unit
	// only support sat unit
	if unit != SAT_UNIT {
		errmsg := fmt.Sprintf("unit '%v' not supported", unit)
		return storage.MintQuote{}, cashu.BuildCashuError(errmsg, cashu.UnitErrCode)
	}

	// check limits
	if m.limits.MintingSettings.MaxAmount > 0 {
		if amount > m.limits.MintingSettings.MaxAmount {
			return storage.MintQuote{}, cashu.MintAmountExceededErr
		}
	}
	if m.limits.MaxBalance > 0 {
		balance, err := m.db.GetBalance()
		if err != nil {
			errmsg := fmt.Sprintf("could not get mint balance from db: %v", err)
			return storage.MintQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
		}
		newBalance, overflow := overflowAddUint64(balance, amount)
		if overflow || newBalance > m.limits.MaxBalance {
			return storage.MintQuote{}, cashu.MintingDisabled
		}
	}

	// get an invoice from the lightning backend
	m.logInfof("requesting invoice from lightning backend for %v sats", amount)
	invoice, err := client.CreateInvoice(amount)
	if err != nil {
		errmsg := fmt.Sprintf("could not generate invoice: %v", err)
		return storage.MintQuote{}, cashu.BuildCashuError(errmsg, cashu.LightningBackendErrCode)
	}

	quoteId, err := cashu.GenerateRandomQuoteId()
	if err != nil {
		m.logErrorf("error generating random quote id: %v", err)
		return storage.MintQuote{}, cashu.StandardErr
	}
	mintQuote := storage.MintQuote{
		Id:             quoteId,
		Amount:         amount,
		PaymentMethod:  method,
		PaymentRequest: invoice.PaymentRequest,
		PaymentHash:    invoice.PaymentHash,
		State:          nut04.Unpaid,
		Expiry:         invoice.Expiry,
	}

	if mintQuoteRequest.Pubkey != "" {
		pubkeyBytes, err := hex.DecodeString(mintQuoteRequest.Pubkey)
		if err != nil {
			return storage.MintQuote{}, cashu.BuildCashuError("invalid pubkey", cashu.StandardErrCode)
		}
		pubkey, err := secp256k1.ParsePubKey(pubkeyBytes)
		if err != nil {
			return storage.MintQuote{}, cashu.BuildCashuError("invalid pubkey", cashu.StandardErrCode)
		}
		mintQuote.Pubkey = pubkey
	}

	err = m.db.SaveMintQuote(mintQuote)
	if err != nil {
		errmsg := fmt.Sprintf("error saving mint quote to db: %v", err)
		return storage.MintQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}

	// watch the invoice in the background so the quote flips to Paid
	// (and subscribers get notified) without the wallet having to poll
	go m.checkInvoicePaid(m.ctx, mintQuote.Id)

	return mintQuote, nil
}

// GetMintQuoteState returns the state of a mint quote.
// Used to check whether a mint quote has been paid.
func (m *Mint) GetMintQuoteState(quoteId string) (storage.MintQuote, error) {
	mintQuote, err := m.db.GetMintQuote(quoteId)
	if err != nil {
		return storage.MintQuote{}, cashu.QuoteNotExistErr
	}

	// if previously unpaid, check if invoice has been paid
	if mintQuote.State == nut04.Unpaid {
		client := m.clientForMethod(mintQuote.PaymentMethod)
		if client == nil {
			return storage.MintQuote{}, cashu.PaymentMethodNotSupportedErr
		}

		m.logDebugf("checking status of invoice with hash '%v'", mintQuote.PaymentHash)
		status, err := client.InvoiceStatus(mintQuote.PaymentHash)
		if err != nil {
			errmsg := fmt.Sprintf("error getting invoice status: %v", err)
			return storage.MintQuote{}, cashu.BuildCashuError(errmsg, cashu.LightningBackendErrCode)
		}

		if status.Settled {
			m.logInfof("mint quote '%v' with invoice payment hash '%v' was paid", mintQuote.Id, mintQuote.PaymentHash)
			mintQuote, err = m.creditMintQuotePayment(mintQuote, mintQuote.PaymentHash, mintQuote.Amount)
			if err != nil {
				return storage.MintQuote{}, err
			}
		}
	}

	return mintQuote, nil
}

// creditMintQuotePayment records one incoming payment against a mint
// quote, flips its state to Paid and notifies subscribers. It is the
// single place amount_paid gets bumped, whether the payment was seen
// by polling, by the invoice subscription or by internal settlement.
func (m *Mint) creditMintQuotePayment(
	mintQuote storage.MintQuote,
	paymentId string,
	amount uint64,
) (storage.MintQuote, error) {
	amountPaid, err := m.db.AddMintQuotePayment(mintQuote.Id, paymentId, amount, time.Now().Unix())
	if err != nil {
		errmsg := fmt.Sprintf("error recording mint quote payment: %v", err)
		return storage.MintQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}
	mintQuote.AmountPaid = amountPaid

	mintQuote.State = nut04.Paid
	if err := m.db.UpdateMintQuoteState(mintQuote.Id, mintQuote.State); err != nil {
		errmsg := fmt.Sprintf("error updating mint quote in db: %v", err)
		return storage.MintQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}

	m.publishMintQuote(mintQuote)
	return mintQuote, nil
}

// publishMintQuote broadcasts a mint quote's current state on the
// quote topic for NUT-17 subscribers.
func (m *Mint) publishMintQuote(mintQuote storage.MintQuote) {
	jsonQuote, err := json.Marshal(mintQuote)
	if err != nil {
		m.logErrorf("could not marshal mint quote for notification: %v", err)
		return
	}
	m.publisher.Publish(BOLT11_MINT_QUOTE_TOPIC, jsonQuote)
}

// publishMeltQuote broadcasts a melt quote's current state on the
// quote topic for NUT-17 subscribers.
func (m *Mint) publishMeltQuote(meltQuote storage.MeltQuote) {
	jsonQuote, err := json.Marshal(meltQuote)
	if err != nil {
		m.logErrorf("could not marshal melt quote for notification: %v", err)
		return
	}
	m.publisher.Publish(BOLT11_MELT_QUOTE_TOPIC, jsonQuote)
}

// publishProofStates broadcasts the new state of the given Ys on the
// proof-state topic for NUT-17 subscribers.
func (m *Mint) publishProofStates(Ys []string, state nut07.State) {
	states := make([]nut07.ProofState, len(Ys))
	for i, y := range Ys {
		states[i] = nut07.ProofState{Y: y, State: state}
	}
	jsonStates, err := json.Marshal(nut07.PostCheckStateResponse{States: states})
	if err != nil {
		m.logErrorf("could not marshal proof states for notification: %v", err)
		return
	}
	m.publisher.Publish(PROOF_STATE_TOPIC, jsonStates)
}

// MintTokens verifies whether the mint quote with id has been paid and proceeds to
// sign the blindedMessages and return the BlindedSignatures if it was paid.
// signature is the optional NUT-20 BIP-340 signature over the quote id and
// outputs, required whenever the quote was created with a locking pubkey.
func (m *Mint) MintTokens(mintTokensRequest nut04.PostMintBolt11Request) (cashu.BlindedSignatures, error) {
	id := mintTokensRequest.Quote
	blindedMessages := mintTokensRequest.Outputs
	signature := mintTokensRequest.Signature

	if len(blindedMessages) == 0 {
		return nil, cashu.InvalidBlindedMessageAmount
	}

	mintQuote, err := m.db.GetMintQuote(id)
	if err != nil {
		return nil, cashu.QuoteNotExistErr
	}

	if mintQuote.Pubkey != nil {
		if signature == "" {
			return nil, cashu.BuildCashuError("quote requires a signature", cashu.StandardErrCode)
		}
		sigBytes, err := hex.DecodeString(signature)
		if err != nil {
			return nil, cashu.BuildCashuError("invalid signature", cashu.StandardErrCode)
		}
		sig, err := schnorr.ParseSignature(sigBytes)
		if err != nil {
			return nil, cashu.BuildCashuError("invalid signature", cashu.StandardErrCode)
		}
		if !nut20.VerifyMintQuoteSignature(sig, mintQuote.Id, blindedMessages, mintQuote.Pubkey) {
			return nil, cashu.BuildCashuError("invalid signature", cashu.StandardErrCode)
		}
	}

	var blindedMessagesAmount uint64
	B_s := make([]string, len(blindedMessages))
	for i, bm := range blindedMessages {
		newAmount, overflow := overflowAddUint64(blindedMessagesAmount, bm.Amount)
		if overflow {
			return nil, cashu.InvalidBlindedMessageAmount
		}
		blindedMessagesAmount = newAmount
		B_s[i] = bm.B_
	}
	if cashu.CheckDuplicateBlindedMessages(blindedMessages) {
		return nil, cashu.DuplicateOutputs
	}

	// an exact replay of an already-issued output set returns the
	// stored signatures before any state check, so a client re-sending
	// a mint whose response was lost gets the same answer even after
	// the quote flipped to Issued
	sigs, err := m.db.GetBlindSignatures(B_s)
	if err != nil {
		errmsg := fmt.Sprintf("error getting blind signatures from db: %v", err)
		return nil, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}
	if len(sigs) == len(B_s) {
		m.logDebugf("mint request is a replay of an already-signed output set. Returning stored signatures")
		return sigs, nil
	}
	if len(sigs) > 0 {
		return nil, cashu.BlindedMessageAlreadySigned
	}

	if mintQuote.State == nut04.Unpaid {
		if mintQuote.Expiry > 0 && time.Now().Unix() > int64(mintQuote.Expiry) {
			return nil, cashu.QuoteExpiredErr
		}

		client := m.clientForMethod(mintQuote.PaymentMethod)
		if client == nil {
			return nil, cashu.PaymentMethodNotSupportedErr
		}

		m.logDebugf("checking status of invoice with hash '%v'", mintQuote.PaymentHash)
		invoiceStatus, err := client.InvoiceStatus(mintQuote.PaymentHash)
		if err != nil {
			errmsg := fmt.Sprintf("error getting invoice status: %v", err)
			return nil, cashu.BuildCashuError(errmsg, cashu.LightningBackendErrCode)
		}
		if invoiceStatus.Settled {
			m.logInfof("mint quote '%v' with invoice payment hash '%v' was paid", mintQuote.Id, mintQuote.PaymentHash)
			mintQuote, err = m.creditMintQuotePayment(mintQuote, mintQuote.PaymentHash, mintQuote.Amount)
			if err != nil {
				return nil, err
			}
		} else {
			return nil, cashu.MintQuoteRequestNotPaid
		}
	}

	// a quote is mintable from Paid, and again from Issued for
	// streaming (bolt12) methods whenever later payments left
	// unconsumed credit behind
	remaining, underflow := underflowSubUint64(mintQuote.AmountPaid, mintQuote.AmountIssued)
	if underflow {
		return nil, cashu.StandardErr
	}
	if remaining == 0 {
		return nil, cashu.MintQuoteAlreadyIssued
	}

	// verify that amount in blinded messages does not exceed
	// the credit the quote still holds
	if blindedMessagesAmount > remaining {
		return nil, cashu.OutputsOverQuoteAmountErr
	}

	// record the operation before signing; a crash between the
	// signature commit and the issuance bump is replayed from this
	// record on recovery
	mintSaga, err := saga.New(saga.Mint, mintQuote.Id)
	if err != nil {
		m.logErrorf("error creating operation record: %v", err)
		return nil, cashu.StandardErr
	}
	mintSaga.BlindedSecrets = B_s
	mintSaga.Amount = blindedMessagesAmount
	mintSaga.CreatedAt = time.Now().Unix()
	mintSaga.UpdatedAt = mintSaga.CreatedAt
	if err := m.db.SaveSaga(mintSaga); err != nil {
		errmsg := fmt.Sprintf("error saving operation record: %v", err)
		return nil, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}

	blindedSignatures, err := m.signBlindedMessages(blindedMessages)
	if err != nil {
		m.db.DeleteSaga(mintSaga.OperationId)
		return nil, err
	}

	if err := m.db.CommitSwap(nil, nil, B_s, blindedSignatures); err != nil {
		m.db.DeleteSaga(mintSaga.OperationId)
		errmsg := fmt.Sprintf("error saving blind signatures: %v", err)
		return nil, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}

	amountIssued, err := m.db.AddMintQuoteIssuance(mintQuote.Id, mintSaga.OperationId, blindedMessagesAmount, time.Now().Unix())
	if err != nil {
		errmsg := fmt.Sprintf("error recording mint quote issuance: %v", err)
		return nil, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}
	mintQuote.AmountIssued = amountIssued

	// fully consumed quotes become Issued; a streaming quote with
	// credit left stays Paid so the wallet can keep minting against it
	newState := nut04.Paid
	if mintQuote.AmountIssued >= mintQuote.AmountPaid {
		newState = nut04.Issued
	}
	mintQuote.State = newState
	if err := m.db.UpdateMintQuoteState(mintQuote.Id, newState); err != nil {
		errmsg := fmt.Sprintf("error mint quote state: %v", err)
		return nil, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}

	if err := m.db.DeleteSaga(mintSaga.OperationId); err != nil {
		m.logErrorf("error deleting operation record: %v", err)
	}
	m.publishMintQuote(mintQuote)

	return blindedSignatures, nil
}

// Swap will process a request to swap tokens.
// A swap requires a set of valid proofs and blinded messages.
// If valid, the mint will sign the blindedMessages and invalidate
// the proofs that were used as input.
// It returns the BlindedSignatures.
func (m *Mint) Swap(proofs cashu.Proofs, blindedMessages cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	if len(proofs) == 0 {
		return nil, cashu.NoProofsProvided
	}
	if len(blindedMessages) == 0 {
		return nil, cashu.InvalidBlindedMessageAmount
	}

	var proofsAmount uint64
	Ys := make([]string, len(proofs))
	for i, proof := range proofs {
		proofsAmount += proof.Amount

		Y, err := crypto.HashToCurve([]byte(proof.Secret))
		if err != nil {
			return nil, cashu.InvalidProofErr
		}
		Yhex := hex.EncodeToString(Y.SerializeCompressed())
		Ys[i] = Yhex
	}

	var blindedMessagesAmount uint64
	B_s := make([]string, len(blindedMessages))
	for i, bm := range blindedMessages {
		blindedMessagesAmount += bm.Amount
		B_s[i] = bm.B_
	}

	if cashu.CheckDuplicateBlindedMessages(blindedMessages) {
		return nil, cashu.DuplicateOutputs
	}

	// check overflow
	if len(blindedMessages) > 0 {
		for _, msg := range blindedMessages {
			if blindedMessagesAmount < msg.Amount {
				return nil, cashu.InvalidBlindedMessageAmount
			}
		}
	}
	fees := m.TransactionFees(proofs)
	proofsAfterFees, underflow := underflowSubUint64(proofsAmount, uint64(fees))
	if underflow || proofsAfterFees < blindedMessagesAmount {
		return nil, cashu.InsufficientProofsAmount
	}

	// an exact replay of an already-executed swap returns the stored
	// signatures instead of re-signing or erroring
	sigs, err := m.db.GetBlindSignatures(B_s)
	if err != nil {
		errmsg := fmt.Sprintf("error getting blind signatures from db: %v", err)
		return nil, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}
	if len(sigs) == len(B_s) {
		m.logDebugf("swap request is a replay of an already-signed output set. Returning stored signatures")
		return sigs, nil
	}
	if len(sigs) > 0 {
		return nil, cashu.BlindedMessageAlreadySigned
	}

	if err := m.verifyProofs(proofs, Ys); err != nil {
		return nil, err
	}

	// if sig all, verify the single combined signature over inputs and outputs
	if nut11.ProofsSigAll(proofs) {
		m.logDebugf("locked proofs have SIG_ALL flag. Verifying combined signature")
		if err := verifySigAll(proofs, blindedMessages); err != nil {
			return nil, err
		}
	}

	// write-ahead: record the operation and reserve the inputs as
	// pending before signing, so a crash between here and the commit
	// can be resolved instead of double-executed
	swapSaga, err := saga.New(saga.Swap, "")
	if err != nil {
		m.logErrorf("error creating operation record: %v", err)
		return nil, cashu.StandardErr
	}
	swapSaga.BlindedSecrets = B_s
	swapSaga.InputYs = Ys
	swapSaga.CreatedAt = time.Now().Unix()
	swapSaga.UpdatedAt = swapSaga.CreatedAt
	if err := m.db.SaveSaga(swapSaga); err != nil {
		errmsg := fmt.Sprintf("error saving operation record: %v", err)
		return nil, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}

	if err := m.db.AddPendingProofs(proofs, swapSaga.OperationId); err != nil {
		m.db.DeleteSaga(swapSaga.OperationId)
		errmsg := fmt.Sprintf("error setting proofs as pending in db: %v", err)
		return nil, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}

	blindedSignatures, err := m.signBlindedMessages(blindedMessages)
	if err != nil {
		m.db.RemovePendingProofs(Ys)
		m.db.DeleteSaga(swapSaga.OperationId)
		return nil, err
	}

	// single transaction: pending reservations dropped, inputs spent,
	// signatures recorded. If it fails the inputs go back to unspent
	// and no signature was ever observable.
	if err := m.db.CommitSwap(Ys, proofs, B_s, blindedSignatures); err != nil {
		m.logErrorf("error committing swap: %v", err)
		if err := m.db.RemovePendingProofs(Ys); err != nil {
			m.logErrorf("error reverting pending proofs: %v", err)
		}
		m.db.DeleteSaga(swapSaga.OperationId)
		return nil, cashu.BuildCashuError("error committing swap", cashu.DBErrCode)
	}

	if err := m.db.DeleteSaga(swapSaga.OperationId); err != nil {
		m.logErrorf("error deleting operation record: %v", err)
	}
	m.publishProofStates(Ys, nut07.Spent)

	return blindedSignatures, nil
}

// RequestMeltQuote will process a request to melt tokens and return a MeltQuote.
// A melt is requested by a wallet to request the mint to pay an invoice.
func (m *Mint) RequestMeltQuote(method string, meltQuoteRequest nut05.PostMeltQuoteBolt11Request) (storage.MeltQuote, error) {
	// outgoing payments only go over bolt11: the offer-based bolt12
	// client can receive but not pay (see lightning.OfferBackend), and
	// offers carry no decodable amount to quote against.
	if method != BOLT11_METHOD {
		return storage.MeltQuote{}, cashu.PaymentMethodNotSupportedErr
	}

	request := meltQuoteRequest.Request
	unit := meltQuoteRequest.Unit
	if unit != SAT_UNIT {
		errmsg := fmt.Sprintf("unit '%v' not supported", unit)
		return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.UnitErrCode)
	}

	// check invoice passed is valid
	bolt11, err := decodepay.Decodepay(request)
	if err != nil {
		errmsg := fmt.Sprintf("invalid invoice: %v", err)
		return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.MeltQuoteErrCode)
	}
	if bolt11.MSatoshi == 0 {
		return storage.MeltQuote{}, cashu.BuildCashuError("invoice has no amount", cashu.MeltQuoteErrCode)
	}
	satAmount := uint64(bolt11.MSatoshi) / 1000

	var isMpp bool
	var amountMsat uint64
	if mpp, ok := meltQuoteRequest.Options["mpp"]; ok {
		if !m.enableMPP {
			return storage.MeltQuote{}, cashu.BuildCashuError("MPP is not supported", cashu.MeltQuoteErrCode)
		}
		if mpp.AmountMsat == 0 || mpp.AmountMsat > uint64(bolt11.MSatoshi) {
			return storage.MeltQuote{}, cashu.BuildCashuError("invalid mpp amount", cashu.MeltQuoteErrCode)
		}
		isMpp = true
		amountMsat = mpp.AmountMsat
		// a melt quote only ever settles the partial amount it covers
		satAmount = (amountMsat + 999) / 1000
	}

	// check melt limit
	if m.limits.MeltingSettings.MaxAmount > 0 {
		if satAmount > m.limits.MeltingSettings.MaxAmount {
			return storage.MeltQuote{}, cashu.MeltAmountExceededErr
		}
	}

	// reject if there is already a melt quote for this invoice
	if existing, _ := m.db.GetMeltQuoteByPaymentRequest(request); existing != nil {
		return storage.MeltQuote{}, cashu.MeltQuoteForRequestExists
	}

	quoteId, err := cashu.GenerateRandomQuoteId()
	if err != nil {
		m.logErrorf("error generating random quote id: %v", err)
		return storage.MeltQuote{}, cashu.StandardErr
	}
	// Fee reserve that is required by the mint
	fee := m.lightningClient.FeeReserve(satAmount)
	m.logInfof("got melt quote request for invoice of amount '%v'. Setting fee reserve to %v", satAmount, fee)

	meltQuote := storage.MeltQuote{
		Id:             quoteId,
		PaymentMethod:  BOLT11_METHOD,
		InvoiceRequest: request,
		PaymentHash:    bolt11.PaymentHash,
		Amount:         satAmount,
		FeeReserve:     fee,
		State:          nut05.Unpaid,
		Expiry:         uint64(time.Now().Add(time.Minute * QuoteExpiryMins).Unix()),
		IsMpp:          isMpp,
		AmountMsat:     amountMsat,
	}

	// check if a mint quote exists with the same invoice.
	// if mint quote exists with same invoice, it can be
	// settled internally so set the fee to 0
	mintQuote, err := m.db.GetMintQuoteByPaymentHash(bolt11.PaymentHash)
	if err == nil {
		if isMpp {
			return storage.MeltQuote{}, cashu.BuildCashuError("mpp for internal invoice is not allowed", cashu.MeltQuoteErrCode)
		}
		m.logDebugf(`in melt quote request found mint quote with same invoice.
		Setting fee reserve to 0 because quotes can be settled internally.`)

		meltQuote.InvoiceRequest = mintQuote.PaymentRequest
		meltQuote.PaymentHash = mintQuote.PaymentHash
		meltQuote.FeeReserve = 0
	}

	if err := m.db.SaveMeltQuote(meltQuote); err != nil {
		errmsg := fmt.Sprintf("error saving melt quote to db: %v", err)
		return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}

	return meltQuote, nil
}

// GetMeltQuoteState returns the state of a melt quote.
// Used to check whether a melt quote has been paid.
func (m *Mint) GetMeltQuoteState(ctx context.Context, quoteId string) (storage.MeltQuote, error) {
	meltQuote, err := m.db.GetMeltQuote(quoteId)
	if err != nil {
		return storage.MeltQuote{}, cashu.QuoteNotExistErr
	}

	// if quote is pending, check with backend if status of payment has changed
	if meltQuote.State == nut05.Pending {
		m.logDebugf("checking status of payment with hash '%v' for melt quote '%v'",
			meltQuote.PaymentHash, meltQuote.Id)

		paymentStatus, err := m.lightningClient.OutgoingPaymentStatus(ctx, meltQuote.PaymentHash)
		if paymentStatus.PaymentStatus == lightning.Pending {
			m.logInfof("payment '%v' melt for quote '%v' is pending", meltQuote.PaymentHash, meltQuote.Id)
			return meltQuote, nil
		}
		if err != nil {
			// if it gets to here, payment failed.
			// mark quote as unpaid and remove pending proofs
			if paymentStatus.PaymentStatus == lightning.Failed && strings.Contains(err.Error(), "payment failed") {
				m.logInfof("payment %v failed. setting melt quote '%v' to '%s' and removing proofs from pending",
					meltQuote.PaymentHash, meltQuote.Id, nut05.Unpaid)

				meltQuote.State = nut05.Unpaid
				err = m.db.UpdateMeltQuote(meltQuote.Id, "", meltQuote.State)
				if err != nil {
					errmsg := fmt.Sprintf("error updating melt quote state: %v", err)
					return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
				}

				_, Ys, err := m.removePendingProofsForQuote(meltQuote.Id)
				if err != nil {
					errmsg := fmt.Sprintf("error removing pending proofs for quote: %v", err)
					return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
				}
				m.publishMeltQuote(meltQuote)
				m.publishProofStates(Ys, nut07.Unspent)
			}
		}

		// settle proofs (remove pending, and add to used)
		// mark quote as paid and set preimage
		if paymentStatus.PaymentStatus == lightning.Succeeded {
			m.logInfof("payment %v succeded. setting melt quote '%v' to '%v' and invalidating proofs",
				meltQuote.PaymentHash, meltQuote.Id, nut05.Paid)

			proofs, Ys, err := m.removePendingProofsForQuote(meltQuote.Id)
			if err != nil {
				errmsg := fmt.Sprintf("error removing pending proofs for quote: %v", err)
				return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
			}
			err = m.db.SaveProofs(proofs)
			if err != nil {
				errmsg := fmt.Sprintf("error invalidating proofs. Could not save proofs to db: %v", err)
				return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
			}

			meltQuote.State = nut05.Paid
			meltQuote.Preimage = paymentStatus.Preimage
			err = m.db.UpdateMeltQuote(meltQuote.Id, paymentStatus.Preimage, nut05.Paid)
			if err != nil {
				errmsg := fmt.Sprintf("error updating melt quote state: %v", err)
				return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
			}
			m.publishMeltQuote(meltQuote)
			m.publishProofStates(Ys, nut07.Spent)
		}
	}

	return meltQuote, nil
}

// signChange signs as many of the caller-provided blank outputs as fit
// within overpaid, consuming them in order, for NUT-08 fee-reserve
// change. It never errors on the caller's behalf: a failure to sign
// change is logged and simply yields no change, since the melt itself
// already succeeded.
func (m *Mint) signChange(outputs cashu.BlindedMessages, overpaid uint64) cashu.BlindedSignatures {
	if overpaid == 0 || len(outputs) == 0 {
		return nil
	}

	var toSign cashu.BlindedMessages
	var used uint64
	for _, bm := range outputs {
		if used+bm.Amount > overpaid {
			break
		}
		used += bm.Amount
		toSign = append(toSign, bm)
	}
	if len(toSign) == 0 {
		return nil
	}

	change, err := m.signBlindedMessages(toSign)
	if err != nil {
		m.logErrorf("error signing change outputs: %v", err)
		return nil
	}

	B_s := make([]string, len(toSign))
	for i, bm := range toSign {
		B_s[i] = bm.B_
	}
	if err := m.db.SaveBlindSignatures(B_s, change); err != nil {
		m.logErrorf("error saving change signatures: %v", err)
		return nil
	}
	return change
}

func (m *Mint) removePendingProofsForQuote(quoteId string) (cashu.Proofs, []string, error) {
	dbproofs, err := m.db.GetPendingProofsByQuote(quoteId)
	if err != nil {
		return nil, nil, err
	}

	proofs := make(cashu.Proofs, len(dbproofs))
	Ys := make([]string, len(dbproofs))
	for i, dbproof := range dbproofs {
		Ys[i] = dbproof.Y

		proof := cashu.Proof{
			Amount: dbproof.Amount,
			Id:     dbproof.Id,
			Secret: dbproof.Secret,
			C:      dbproof.C,
		}
		proofs[i] = proof
	}

	err = m.db.RemovePendingProofs(Ys)
	if err != nil {
		return nil, nil, err
	}

	return proofs, Ys, nil
}

// MeltTokens verifies whether proofs provided are valid
// and proceeds to attempt payment.
// outputs are optional NUT-08 blank blinded messages the mint may sign
// for change when the proofs provided cover more than amount+fee_reserve.
func (m *Mint) MeltTokens(ctx context.Context, meltTokensRequest nut05.PostMeltBolt11Request) (storage.MeltQuote, error) {
	quoteId := meltTokensRequest.Quote
	proofs := meltTokensRequest.Inputs
	outputs := meltTokensRequest.Outputs

	var proofsAmount uint64
	Ys := make([]string, len(proofs))
	for i, proof := range proofs {
		proofsAmount += proof.Amount

		Y, err := crypto.HashToCurve([]byte(proof.Secret))
		if err != nil {
			return storage.MeltQuote{}, cashu.InvalidProofErr
		}
		Yhex := hex.EncodeToString(Y.SerializeCompressed())
		Ys[i] = Yhex
	}

	meltQuote, err := m.db.GetMeltQuote(quoteId)
	if err != nil {
		return storage.MeltQuote{}, cashu.QuoteNotExistErr
	}
	if meltQuote.State == nut05.Paid {
		return storage.MeltQuote{}, cashu.MeltQuoteAlreadyPaid
	}
	if meltQuote.State == nut05.Pending {
		return storage.MeltQuote{}, cashu.MeltQuotePending
	}

	// SIG_ALL covers outputs, which a melt does not have; reject
	// before verifyProofs, which skips individual witness checks for
	// SIG_ALL-flagged proofs
	if nut11.ProofsSigAll(proofs) {
		return storage.MeltQuote{}, nut11.SigAllOnlySwap
	}

	err = m.verifyProofs(proofs, Ys)
	if err != nil {
		return storage.MeltQuote{}, err
	}

	fees := m.TransactionFees(proofs)
	// checks if amount in proofs is enough
	if proofsAmount < meltQuote.Amount+meltQuote.FeeReserve+uint64(fees) {
		return storage.MeltQuote{}, cashu.InsufficientProofsAmount
	}
	overpaid := proofsAmount - meltQuote.Amount - meltQuote.FeeReserve - uint64(fees)

	// record the in-flight melt before any state change; the record is
	// dropped once the payment's fate is known and otherwise resolved
	// on startup/by the reaper
	meltSaga, err := saga.New(saga.Melt, meltQuote.Id)
	if err != nil {
		m.logErrorf("error creating operation record: %v", err)
		return storage.MeltQuote{}, cashu.StandardErr
	}
	meltSaga.InputYs = Ys
	meltSaga.CreatedAt = time.Now().Unix()
	meltSaga.UpdatedAt = meltSaga.CreatedAt
	if err := m.db.SaveSaga(meltSaga); err != nil {
		errmsg := fmt.Sprintf("error saving operation record: %v", err)
		return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}

	m.logInfof("verified proofs in melt tokens request. Setting proofs as pending before attempting payment.")
	// set proofs as pending before trying to make payment
	err = m.db.AddPendingProofs(proofs, meltQuote.Id)
	if err != nil {
		m.db.DeleteSaga(meltSaga.OperationId)
		errmsg := fmt.Sprintf("error setting proofs as pending in db: %v", err)
		return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}
	meltQuote.State = nut05.Pending
	err = m.db.UpdateMeltQuote(meltQuote.Id, "", nut05.Pending)
	if err != nil {
		errmsg := fmt.Sprintf("error updating melt quote state: %v", err)
		return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}
	m.publishMeltQuote(meltQuote)
	m.publishProofStates(Ys, nut07.Pending)
	defer m.resolveMeltSaga(&meltSaga, &meltQuote)

	// before asking backend to send payment, check if quotes can be settled
	// internally (i.e mint and melt quotes exist with the same invoice)
	mintQuote, err := m.db.GetMintQuoteByPaymentHash(meltQuote.PaymentHash)
	if err == nil && mintQuote.Amount <= meltQuote.Amount {
		m.logDebugf("quotes '%v' and '%v' have same invoice so settling them internally", meltQuote.Id, mintQuote.Id)
		meltQuote, err = m.settleQuotesInternally(mintQuote, meltQuote)
		if err != nil {
			return storage.MeltQuote{}, err
		}
		if err := m.settleProofs(Ys, proofs); err != nil {
			return storage.MeltQuote{}, err
		}
		meltQuote.Change = m.signChange(outputs, overpaid)
		m.publishMeltQuote(meltQuote)
	} else {
		m.logInfof("attempting to pay invoice: %v", meltQuote.InvoiceRequest)
		// if quote can't be settled internally, ask backend to make payment
		var sendPaymentResponse lightning.PaymentStatus
		if meltQuote.IsMpp {
			sendPaymentResponse, err = m.lightningClient.PayPartialAmount(
				ctx, meltQuote.InvoiceRequest, meltQuote.AmountMsat, meltQuote.FeeReserve,
			)
		} else {
			sendPaymentResponse, err = m.lightningClient.SendPayment(ctx, meltQuote.InvoiceRequest, meltQuote.FeeReserve)
		}
		if err != nil {
			// if the payment error field was present in the response from SendPayment
			// the payment most likely failed so we can already return unpaid state here
			if strings.Contains(err.Error(), "payment error") {
				m.logInfof("payment failed with error: %v. Removing pending proofs and marking quote '%v' as '%v'",
					err, meltQuote.Id, nut05.Unpaid)

				meltQuote.State = nut05.Unpaid
				err = m.db.UpdateMeltQuote(meltQuote.Id, "", meltQuote.State)
				if err != nil {
					errmsg := fmt.Sprintf("error updating melt quote state: %v", err)
					return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
				}
				err = m.db.RemovePendingProofs(Ys)
				if err != nil {
					errmsg := fmt.Sprintf("error removing proofs from pending: %v", err)
					return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
				}
				m.publishMeltQuote(meltQuote)
				m.publishProofStates(Ys, nut07.Unspent)
				return meltQuote, nil
			}

			// if SendPayment failed for something other than payment error
			// do not return yet, an extra check will be done
			sendPaymentResponse.PaymentStatus = lightning.Failed
			m.logDebugf("SendPayment failed with error: %v. Will do extra check", err)
		}

		switch sendPaymentResponse.PaymentStatus {
		case lightning.Succeeded:
			m.logInfof("succesfully paid invoice with hash '%v' for melt quote '%v'", meltQuote.PaymentHash, meltQuote.Id)
			// if payment succeeded:
			// - unset pending proofs and mark them as spent by adding them to the db
			// - mark melt quote as paid
			meltQuote.State = nut05.Paid
			meltQuote.Preimage = sendPaymentResponse.Preimage
			err = m.settleProofs(Ys, proofs)
			if err != nil {
				return storage.MeltQuote{}, err
			}
			err = m.db.UpdateMeltQuote(meltQuote.Id, sendPaymentResponse.Preimage, nut05.Paid)
			if err != nil {
				errmsg := fmt.Sprintf("error updating melt quote state: %v", err)
				return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
			}
			meltQuote.Change = m.signChange(outputs, overpaid)
			m.publishMeltQuote(meltQuote)

		case lightning.Pending:
			// if payment is pending, leave quote and proofs as pending and return
			m.logInfof("outgoing payment for quote '%v' is pending.", meltQuote.Id)
			return meltQuote, nil

		case lightning.Failed:
			// if got failed from SendPayment
			// do additional check by calling to get outgoing payment status
			paymentStatus, err := m.lightningClient.OutgoingPaymentStatus(ctx, meltQuote.PaymentHash)
			if paymentStatus.PaymentStatus == lightning.Pending {
				return meltQuote, nil
			}
			if err != nil {
				m.logInfof("payment failed with error: %v. Removing pending proofs and marking quote '%v' as '%v'",
					err, meltQuote.Id, nut05.Unpaid)
				// if it gets to here, most likely the payment failed
				// so mark quote as unpaid and remove proofs from pending
				meltQuote.State = nut05.Unpaid
				err = m.db.UpdateMeltQuote(meltQuote.Id, "", meltQuote.State)
				if err != nil {
					errmsg := fmt.Sprintf("error updating melt quote state: %v", err)
					return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
				}
				err = m.db.RemovePendingProofs(Ys)
				if err != nil {
					errmsg := fmt.Sprintf("error removing proofs from pending: %v", err)
					return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
				}
				m.publishMeltQuote(meltQuote)
				m.publishProofStates(Ys, nut07.Unspent)
			}

			if paymentStatus.PaymentStatus == lightning.Succeeded {
				m.logInfof("succesfully paid invoice with hash '%v' for melt quote '%v'", meltQuote.PaymentHash, meltQuote.Id)
				err = m.settleProofs(Ys, proofs)
				if err != nil {
					return storage.MeltQuote{}, err
				}
				meltQuote.State = nut05.Paid
				meltQuote.Preimage = paymentStatus.Preimage
				err = m.db.UpdateMeltQuote(meltQuote.Id, paymentStatus.Preimage, nut05.Paid)
				if err != nil {
					errmsg := fmt.Sprintf("error updating melt quote state: %v", err)
					return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
				}
				meltQuote.Change = m.signChange(outputs, overpaid)
				m.publishMeltQuote(meltQuote)
			}
		}
	}

	return meltQuote, nil
}

// if a pair of mint and melt quotes have the same invoice,
// settle them internally and update in db. The mint quote gets the
// melt's amount credited as a payment, with no Lightning payment ever
// leaving the mint.
func (m *Mint) settleQuotesInternally(
	mintQuote storage.MintQuote,
	meltQuote storage.MeltQuote,
) (storage.MeltQuote, error) {
	// need to get the invoice from the backend first to get the preimage
	invoice, err := m.lightningClient.InvoiceStatus(mintQuote.PaymentHash)
	if err != nil {
		errmsg := fmt.Sprintf("error getting invoice status from lightning backend: %v", err)
		return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.LightningBackendErrCode)
	}

	meltQuote.State = nut05.Paid
	meltQuote.Preimage = invoice.Preimage
	err = m.db.UpdateMeltQuote(meltQuote.Id, meltQuote.Preimage, meltQuote.State)
	if err != nil {
		errmsg := fmt.Sprintf("error updating melt quote state: %v", err)
		return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}

	// credit the mint quote as if its invoice had been paid over
	// Lightning, and notify its subscribers
	if _, err := m.creditMintQuotePayment(mintQuote, meltQuote.Id, mintQuote.Amount); err != nil {
		return storage.MeltQuote{}, err
	}

	return meltQuote, nil
}

// resolveMeltSaga runs when MeltTokens returns: a melt that reached a
// terminal state drops its operation record; one whose payment is
// still in flight at the backend keeps it, marked payment_pending, for
// startup recovery and the reaper to resolve.
func (m *Mint) resolveMeltSaga(meltSaga *saga.Saga, meltQuote *storage.MeltQuote) {
	if meltQuote.State == nut05.Pending {
		meltSaga.State = saga.PaymentPending
		meltSaga.UpdatedAt = time.Now().Unix()
		if err := m.db.SaveSaga(*meltSaga); err != nil {
			m.logErrorf("error updating operation record: %v", err)
		}
		return
	}
	if err := m.db.DeleteSaga(meltSaga.OperationId); err != nil {
		m.logErrorf("error deleting operation record: %v", err)
	}
}

// settleProofs will remove the proofs from the pending table
// and mark them as spent by adding them to the used proofs table
func (m *Mint) settleProofs(Ys []string, proofs cashu.Proofs) error {
	err := m.db.RemovePendingProofs(Ys)
	if err != nil {
		errmsg := fmt.Sprintf("error removing pending proofs: %v", err)
		return cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}
	err = m.db.SaveProofs(proofs)
	if err != nil {
		errmsg := fmt.Sprintf("error invalidating proofs. Could not save proofs to db: %v", err)
		return cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}
	m.publishProofStates(Ys, nut07.Spent)

	return nil
}

func (m *Mint) ProofsStateCheck(Ys []string) ([]nut07.ProofState, error) {
	usedProofs, err := m.db.GetProofsUsed(Ys)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			errmsg := fmt.Sprintf("could not get used proofs from db: %v", err)
			return nil, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
		}
	}
	pendingProofs, err := m.db.GetPendingProofs(Ys)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			errmsg := fmt.Sprintf("could not get pending proofs from db: %v", err)
			return nil, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
		}
	}

	proofStates := make([]nut07.ProofState, len(Ys))
	for i, y := range Ys {
		state := nut07.Unspent

		YSpent := slices.ContainsFunc(usedProofs, func(proof storage.DBProof) bool {
			return proof.Y == y
		})
		YPending := slices.ContainsFunc(pendingProofs, func(proof storage.DBProof) bool {
			return proof.Y == y
		})
		if YSpent {
			state = nut07.Spent
		} else if YPending {
			state = nut07.Pending
		}

		proofStates[i] = nut07.ProofState{Y: y, State: state}
	}

	return proofStates, nil
}

func (m *Mint) RestoreSignatures(blindedMessages cashu.BlindedMessages) (cashu.BlindedMessages, cashu.BlindedSignatures, error) {
	outputs := make(cashu.BlindedMessages, 0, len(blindedMessages))
	signatures := make(cashu.BlindedSignatures, 0, len(blindedMessages))

	for _, bm := range blindedMessages {
		sig, err := m.db.GetBlindSignature(bm.B_)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		} else if err != nil {
			errmsg := fmt.Sprintf("could not get signature from db: %v", err)
			return nil, nil, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
		}

		outputs = append(outputs, bm)
		signatures = append(signatures, sig)
	}

	return outputs, signatures, nil
}

func (m *Mint) verifyProofs(proofs cashu.Proofs, Ys []string) error {
	if len(proofs) == 0 {
		return cashu.NoProofsProvided
	}

	// check if proofs are either pending or already spent
	pendingProofs, err := m.db.GetPendingProofs(Ys)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			errmsg := fmt.Sprintf("could not get pending proofs from db: %v", err)
			return cashu.BuildCashuError(errmsg, cashu.DBErrCode)
		}
	}
	if len(pendingProofs) != 0 {
		return cashu.ProofPendingErr
	}

	usedProofs, err := m.db.GetProofsUsed(Ys)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			errmsg := fmt.Sprintf("could not get used proofs from db: %v", err)
			return cashu.BuildCashuError(errmsg, cashu.DBErrCode)
		}
	}
	if len(usedProofs) != 0 {
		return cashu.ProofAlreadyUsedErr
	}

	// check duplicte proofs
	if cashu.CheckDuplicateProofs(proofs) {
		return cashu.DuplicateProofs
	}

	for _, proof := range proofs {
		// check that id in the proof matches id of any
		// of the mint's keyset
		var k *secp256k1.PrivateKey
		if keyset, ok := m.keysets[proof.Id]; !ok {
			return cashu.UnknownKeysetErr
		} else {
			if key, ok := keyset.Keys[proof.Amount]; ok {
				k = key.PrivateKey
			} else {
				return cashu.InvalidProofErr
			}
		}

		// enforce any spending condition carried in the secret. Proofs
		// flagged SIG_ALL carry no per-input witness: their single
		// combined signature is verified by the swap path instead.
		switch nut10.SecretType(proof) {
		case nut10.P2PK:
			secret, err := nut10.DeserializeSecret(proof.Secret)
			if err != nil {
				return cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
			}
			if !nut11.IsSigAll(secret) {
				m.logDebugf("verifying P2PK locked proof")
				if err := verifyP2PKLockedProof(proof); err != nil {
					return err
				}
			}
		case nut10.HTLC:
			secret, err := nut10.DeserializeSecret(proof.Secret)
			if err != nil {
				return cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
			}
			if !nut11.IsSigAll(secret) {
				m.logDebugf("verifying HTLC locked proof")
				if err := nut14.VerifyHTLCProof(proof, secret); err != nil {
					return err
				}
			}
		}

		Cbytes, err := hex.DecodeString(proof.C)
		if err != nil {
			errmsg := fmt.Sprintf("invalid C: %v", err)
			return cashu.BuildCashuError(errmsg, cashu.StandardErrCode)
		}

		C, err := secp256k1.ParsePubKey(Cbytes)
		if err != nil {
			return cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
		}

		if !crypto.Verify([]byte(proof.Secret), k, C) {
			return cashu.InvalidProofErr
		}
	}
	return nil
}

func verifyP2PKLockedProof(proof cashu.Proof) error {
	p2pkWellKnownSecret, err := nut10.DeserializeSecret(proof.Secret)
	if err != nil {
		return cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
	}

	var p2pkWitness nut11.P2PKWitness
	err = json.Unmarshal([]byte(proof.Witness), &p2pkWitness)
	if err != nil {
		p2pkWitness.Signatures = []string{}
	}

	p2pkTags, err := nut11.ParseP2PKTags(p2pkWellKnownSecret.Tags)
	if err != nil {
		return err
	}

	signaturesRequired := 1
	// if locktime is expired and there is no refund pubkey, treat as anyone can spend
	// if refund pubkey present, check signature
	if p2pkTags.Locktime > 0 && time.Now().Local().Unix() > p2pkTags.Locktime {
		if len(p2pkTags.Refund) == 0 {
			return nil
		} else {
			if p2pkTags.NSigsRefund > 0 {
				signaturesRequired = p2pkTags.NSigsRefund
			}
			hash := sha256.Sum256([]byte(proof.Secret))
			if len(p2pkWitness.Signatures) < 1 {
				return nut11.InvalidWitness
			}
			if !nut11.HasValidSignatures(hash[:], p2pkWitness.Signatures, signaturesRequired, p2pkTags.Refund) {
				return nut11.NotEnoughSignaturesErr
			}
		}
	} else {
		pubkey, err := nut11.ParsePublicKey(p2pkWellKnownSecret.Data)
		if err != nil {
			return err
		}
		keys := []*btcec.PublicKey{pubkey}
		// message to sign
		hash := sha256.Sum256([]byte(proof.Secret))

		if p2pkTags.NSigs > 0 {
			signaturesRequired = p2pkTags.NSigs
			if len(p2pkTags.Pubkeys) == 0 {
				return nut11.EmptyPubkeysErr
			}
			keys = append(keys, p2pkTags.Pubkeys...)
		}

		if len(p2pkWitness.Signatures) < 1 {
			return nut11.InvalidWitness
		}
		if !nut11.HasValidSignatures(hash[:], p2pkWitness.Signatures, signaturesRequired, keys) {
			return nut11.NotEnoughSignaturesErr
		}
	}
	return nil
}

// sigAllSigningKeys returns the key set a SIG_ALL signature may come
// from: for P2PK the data pubkey plus any pubkeys tag, for HTLC the
// pubkeys tag alone (the data field holds the payment hash).
func sigAllSigningKeys(proof cashu.Proof, secret nut10.WellKnownSecret) ([]*btcec.PublicKey, error) {
	if nut10.SecretType(proof) == nut10.HTLC {
		tags, err := nut11.ParseP2PKTags(secret.Tags)
		if err != nil {
			return nil, err
		}
		if len(tags.Pubkeys) == 0 {
			return nil, nut11.EmptyPubkeysErr
		}
		return tags.Pubkeys, nil
	}
	return nut11.PublicKeys(secret)
}

// verifySigAll enforces the SIG_ALL flow for a swap: every input must
// carry the flag with the same signing keys and n_sigs, and a single signature set
// on the first input's witness must sign the concatenation of every
// input secret and every output blinded secret. Inputs other than the
// first carry no witness, and neither do outputs - they are covered by
// the combined message.
func verifySigAll(proofs cashu.Proofs, blindedMessages cashu.BlindedMessages) error {
	firstProof := proofs[0]
	secret, err := nut10.DeserializeSecret(firstProof.Secret)
	if err != nil {
		return cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
	}
	if !nut11.IsSigAll(secret) {
		return nut11.AllSigAllFlagsErr
	}

	pubkeys, err := sigAllSigningKeys(firstProof, secret)
	if err != nil {
		return err
	}
	p2pkTags, err := nut11.ParseP2PKTags(secret.Tags)
	if err != nil {
		return err
	}
	signaturesRequired := 1
	if p2pkTags.NSigs > 0 {
		signaturesRequired = p2pkTags.NSigs
	}

	// signing keys and n_sigs must be identical across all inputs
	for _, proof := range proofs[1:] {
		currentSecret, err := nut10.DeserializeSecret(proof.Secret)
		if err != nil {
			return cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
		}
		// all flags need to be SIG_ALL
		if !nut11.IsSigAll(currentSecret) {
			return nut11.AllSigAllFlagsErr
		}

		currentSignaturesRequired := 1
		currentTags, err := nut11.ParseP2PKTags(currentSecret.Tags)
		if err != nil {
			return err
		}
		if currentTags.NSigs > 0 {
			currentSignaturesRequired = currentTags.NSigs
		}

		currentKeys, err := sigAllSigningKeys(proof, currentSecret)
		if err != nil {
			return err
		}

		// list of valid keys should be the same
		// across all proofs
		if !reflect.DeepEqual(pubkeys, currentKeys) {
			return nut11.SigAllKeysMustBeEqualErr
		}

		// all n_sigs must be same
		if signaturesRequired != currentSignaturesRequired {
			return nut11.NSigsMustBeEqualErr
		}
	}

	// if locktime passed, the refund keys take over; with no refund
	// keys the proofs are anyone-can-spend
	refundPath := p2pkTags.Locktime > 0 && time.Now().Local().Unix() > p2pkTags.Locktime
	if refundPath {
		if len(p2pkTags.Refund) == 0 {
			return nil
		}
		pubkeys = p2pkTags.Refund
		signaturesRequired = 1
		if p2pkTags.NSigsRefund > 0 {
			signaturesRequired = p2pkTags.NSigsRefund
		}
	}

	// the signature set sits on the first input's witness only
	var signatures []string
	if nut10.SecretType(firstProof) == nut10.HTLC {
		var htlcWitness nut14.HTLCWitness
		if err := json.Unmarshal([]byte(firstProof.Witness), &htlcWitness); err != nil {
			return nut11.InvalidWitness
		}

		if !refundPath {
			preimageBytes, err := hex.DecodeString(htlcWitness.Preimage)
			if err != nil {
				return nut14.InvalidPreimageErr
			}
			hashBytes := sha256.Sum256(preimageBytes)
			preimageHash := hex.EncodeToString(hashBytes[:])

			for _, proof := range proofs {
				proofSecret, err := nut10.DeserializeSecret(proof.Secret)
				if err != nil {
					return cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
				}
				if len(proofSecret.Data) != 64 {
					return nut14.InvalidHashErr
				}
				if preimageHash != proofSecret.Data {
					return nut14.InvalidPreimageErr
				}
			}
		}
		signatures = htlcWitness.Signatures
	} else {
		var p2pkWitness nut11.P2PKWitness
		if err := json.Unmarshal([]byte(firstProof.Witness), &p2pkWitness); err != nil {
			return nut11.InvalidWitness
		}
		signatures = p2pkWitness.Signatures
	}

	if len(signatures) < 1 {
		return nut11.InvalidWitness
	}
	if nut11.DuplicateSignatures(signatures) {
		return nut11.DuplicateSignaturesErr
	}

	// canonical message: every input secret followed by every output
	// blinded secret, in request order
	var msg string
	for _, proof := range proofs {
		msg += proof.Secret
	}
	for _, bm := range blindedMessages {
		msg += bm.B_
	}
	hash := sha256.Sum256([]byte(msg))

	if !nut11.HasValidSignatures(hash[:], signatures, signaturesRequired, pubkeys) {
		return nut11.NotEnoughSignaturesErr
	}

	return nil
}

// signBlindedMessages signs the blindedMessages and returns the
// blindedSignatures. Signing is pure computation: nothing is persisted
// here, so callers decide the transaction the signatures commit in
// (CommitSwap for swap/mint, SaveBlindSignatures for melt change).
func (m *Mint) signBlindedMessages(blindedMessages cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	blindedSignatures := make(cashu.BlindedSignatures, len(blindedMessages))

	for i, msg := range blindedMessages {
		if _, ok := m.keysets[msg.Id]; !ok {
			return nil, cashu.UnknownKeysetErr
		}
		var k *secp256k1.PrivateKey
		if m.activeKeyset == nil || msg.Id != m.activeKeyset.Id {
			return nil, cashu.InactiveKeysetSignatureRequest
		}
		keyset := *m.activeKeyset
		if key, ok := keyset.Keys[msg.Amount]; ok {
			k = key.PrivateKey
		} else {
			return nil, cashu.InvalidBlindedMessageAmount
		}

		B_bytes, err := hex.DecodeString(msg.B_)
		if err != nil {
			errmsg := fmt.Sprintf("invalid B_: %v", err)
			return nil, cashu.BuildCashuError(errmsg, cashu.StandardErrCode)
		}
		B_, err := btcec.ParsePubKey(B_bytes)
		if err != nil {
			return nil, cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
		}

		C_ := crypto.SignBlindedMessage(B_, k)
		C_hex := hex.EncodeToString(C_.SerializeCompressed())

		// DLEQ proof
		e, s := crypto.GenerateDLEQ(k, B_, C_)

		blindedSignature := cashu.BlindedSignature{
			Amount: msg.Amount,
			C_:     C_hex,
			Id:     keyset.Id,
			DLEQ: &cashu.DLEQProof{
				E: hex.EncodeToString(e.Serialize()),
				S: hex.EncodeToString(s.Serialize()),
			},
		}

		blindedSignatures[i] = blindedSignature
	}

	return blindedSignatures, nil
}

func (m *Mint) TransactionFees(inputs cashu.Proofs) uint {
	var fees uint = 0
	for _, proof := range inputs {
		// note: not checking that proof id is from valid keyset
		// because already doing that in call to verifyProofs
		fees += m.keysets[proof.Id].InputFeePpk
	}
	return (fees + 999) / 1000
}

func (m *Mint) GetActiveKeyset() crypto.MintKeyset {
	return *m.activeKeyset
}

// GetKeysetById returns the keyset, active or not, with the given id.
func (m *Mint) GetKeysetById(id string) (nut01.Keyset, error) {
	keyset, ok := m.keysets[id]
	if !ok {
		return nut01.Keyset{}, cashu.UnknownKeysetErr
	}
	return nut01.Keyset{Id: keyset.Id, Unit: keyset.Unit, Keys: keyset.PublicKeys()}, nil
}

// ListKeysets returns every keyset the mint knows about, active and
// inactive, for NUT-02's GET /v1/keysets.
func (m *Mint) ListKeysets() nut02.GetKeysetsResponse {
	keysets := make([]nut02.Keyset, 0, len(m.keysets))
	for _, keyset := range m.keysets {
		keysets = append(keysets, nut02.Keyset{
			Id:          keyset.Id,
			Unit:        keyset.Unit,
			Active:      keyset.Active,
			InputFeePpk: keyset.InputFeePpk,
		})
	}
	return nut02.GetKeysetsResponse{Keysets: keysets}
}

// RotateKeyset derives a new active keyset with the given input fee,
// demoting the current active keyset to inactive. It returns the new
// active keyset.
func (m *Mint) RotateKeyset(inputFeePpk uint) (crypto.MintKeyset, error) {
	seed, err := m.db.GetSeed()
	if err != nil {
		return crypto.MintKeyset{}, err
	}
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return crypto.MintKeyset{}, err
	}

	newIdx := m.activeKeyset.DerivationPathIdx + 1
	newKeyset, err := crypto.GenerateKeyset(master, newIdx, inputFeePpk, true)
	if err != nil {
		return crypto.MintKeyset{}, err
	}

	m.logInfof("rotating active keyset '%v' to new keyset '%v'", m.activeKeyset.Id, newKeyset.Id)

	m.activeKeyset.Active = false
	m.keysets[m.activeKeyset.Id] = *m.activeKeyset
	if err := m.db.UpdateKeysetActive(m.activeKeyset.Id, false); err != nil {
		return crypto.MintKeyset{}, fmt.Errorf("error deactivating keyset: %v", err)
	}

	hexseed := hex.EncodeToString(seed)
	if err := m.db.SaveKeyset(storage.DBKeyset{
		Id:                newKeyset.Id,
		Unit:              newKeyset.Unit,
		Active:            true,
		Seed:              hexseed,
		DerivationPathIdx: newKeyset.DerivationPathIdx,
		InputFeePpk:       newKeyset.InputFeePpk,
	}); err != nil {
		return crypto.MintKeyset{}, fmt.Errorf("error saving new keyset: %v", err)
	}

	m.activeKeyset = newKeyset
	m.keysets[newKeyset.Id] = *newKeyset

	return *newKeyset, nil
}

// IssuedEcash returns, per keyset id, the total amount signed out by
// the mint (blind signatures issued).
func (m *Mint) IssuedEcash() (map[string]uint64, error) {
	return m.db.GetIssuedEcash()
}

// RedeemedEcash returns, per keyset id, the total amount of proofs
// redeemed (swapped/melted) by the mint.
func (m *Mint) RedeemedEcash() (map[string]uint64, error) {
	return m.db.GetRedeemedEcash()
}

const maxUint64 = ^uint64(0)

// overflowAddUint64 adds a and b, saturating at math.MaxUint64 and
// reporting the overflow instead of silently wrapping.
func overflowAddUint64(a, b uint64) (uint64, bool) {
	if a > maxUint64-b {
		return maxUint64, true
	}
	return a + b, false
}

// underflowSubUint64 subtracts b from a, saturating at 0 and
// reporting the underflow instead of silently wrapping.
func underflowSubUint64(a, b uint64) (uint64, bool) {
	if b > a {
		return 0, true
	}
	return a - b, false
}

func (m *Mint) SetMintInfo(mintInfo MintInfo) {
	mintMethods := []nut06.MethodSetting{
		{
			Method:    BOLT11_METHOD,
			Unit:      SAT_UNIT,
			MinAmount: m.limits.MintingSettings.MinAmount,
			MaxAmount: m.limits.MintingSettings.MaxAmount,
		},
	}
	if m.bolt12Client != nil {
		mintMethods = append(mintMethods, nut06.MethodSetting{
			Method:    BOLT12_METHOD,
			Unit:      SAT_UNIT,
			MinAmount: m.limits.MintingSettings.MinAmount,
			MaxAmount: m.limits.MintingSettings.MaxAmount,
		})
	}

	nuts := nut06.NutsMap{
		4: nut06.NutSetting{
			Methods:  mintMethods,
			Disabled: false,
		},
		5: nut06.NutSetting{
			Methods: []nut06.MethodSetting{
				{
					Method:    BOLT11_METHOD,
					Unit:      SAT_UNIT,
					MinAmount: m.limits.MeltingSettings.MinAmount,
					MaxAmount: m.limits.MeltingSettings.MaxAmount,
				},
			},
			Disabled: false,
		},
		7:  map[string]bool{"supported": true},
		8:  map[string]bool{"supported": true},
		9:  map[string]bool{"supported": true},
		10: map[string]bool{"supported": true},
		11: map[string]bool{"supported": true},
		12: map[string]bool{"supported": true},
		15: nut06.NutSetting{
			Methods: []nut06.MethodSetting{
				{Method: BOLT11_METHOD, Unit: SAT_UNIT},
			},
			Disabled: !m.enableMPP,
		},
		17: map[string][]map[string]any{
			"supported": {
				{
					"method": BOLT11_METHOD,
					"unit":   SAT_UNIT,
					"commands": []string{
						"bolt11_mint_quote",
						"bolt11_melt_quote",
						"proof_state",
					},
				},
			},
		},
		19: map[string]any{"ttl": cacheItemTTL, "cached_endpoints": []map[string]any{
			{"method": "POST", "path": "/v1/mint/bolt11"},
			{"method": "POST", "path": "/v1/swap"},
			{"method": "POST", "path": "/v1/melt/bolt11"},
		}},
		20: map[string]bool{"supported": true},
	}

	info := nut06.MintInfo{
		Name:            mintInfo.Name,
		Version:         "gonuts/0.2.0",
		Description:     mintInfo.Description,
		LongDescription: mintInfo.LongDescription,
		Contact:         mintInfo.Contact,
		Motd:            mintInfo.Motd,
		IconURL:         mintInfo.IconURL,
		URLs:            mintInfo.URLs,
		Nuts:            nuts,
	}
	m.mintInfo = info
}

func (m *Mint) RetrieveMintInfo() (nut06.MintInfo, error) {
	seed, err := m.db.GetSeed()
	if err != nil {
		return nut06.MintInfo{}, err
	}
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nut06.MintInfo{}, err
	}
	publicKey, err := master.ECPubKey()
	if err != nil {
		return nut06.MintInfo{}, err
	}

	mintingDisabled := false
	mintBalance, err := m.db.GetBalance()
	if err != nil {
		errmsg := fmt.Sprintf("error getting mint balance: %v", err)
		return nut06.MintInfo{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}

	if m.limits.MaxBalance > 0 {
		if mintBalance >= m.limits.MaxBalance {
			mintingDisabled = true
		}
	}
	nut04 := m.mintInfo.Nuts[4].(nut06.NutSetting)
	nut04.Disabled = mintingDisabled
	m.mintInfo.Nuts[4] = nut04
	m.mintInfo.Pubkey = hex.EncodeToString(publicKey.SerializeCompressed())

	return m.mintInfo, nil
}
