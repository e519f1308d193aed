package wallet

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/cashumint/nutcore/cashu"
	"github.com/cashumint/nutcore/cashu/nuts/nut03"
	"github.com/cashumint/nutcore/cashu/nuts/nut04"
	"github.com/cashumint/nutcore/cashu/nuts/nut05"
	"github.com/cashumint/nutcore/cashu/nuts/nut11"
	"github.com/cashumint/nutcore/cashu/nuts/nut13"
	"github.com/cashumint/nutcore/cashu/nuts/nut20"
	"github.com/cashumint/nutcore/crypto"
	"github.com/cashumint/nutcore/wallet/client"
	"github.com/cashumint/nutcore/wallet/storage"
	"github.com/tyler-smith/go-bip39"
)

var (
	ErrMintNotExist            = errors.New("wallet does not trust this mint")
	ErrInsufficientMintBalance = errors.New("insufficient balance at mint")
	ErrQuoteNotExist           = errors.New("quote does not exist")
)

// Config is what LoadWallet needs to bring up a wallet: where its
// state lives on disk and which mint it talks to by default.
type Config struct {
	WalletPath     string
	CurrentMintURL string
}

// walletMint is the wallet's view of a single mint it holds proofs
// from: the keyset it currently mints/melts with, plus whichever of
// that mint's keysets have since been rotated out but can still be
// swapped against.
type walletMint struct {
	mintURL         string
	activeKeyset    crypto.WalletKeyset
	inactiveKeysets map[string]crypto.WalletKeyset
}

// Wallet holds proofs across one or more trusted mints, deriving
// every secret and blinding factor deterministically from a single
// BIP-32 master key (NUT-13) so that funds can be restored from the
// mnemonic alone.
type Wallet struct {
	masterKey *hdkeychain.ExtendedKey
	db        storage.WalletDB
	mints     map[string]walletMint
	unit      cashu.Unit
	// defaultMint is used by operations that are not given an
	// explicit mint url
	defaultMint string
}

// InitStorage opens (or creates) the wallet's local database.
func InitStorage(path string) (storage.WalletDB, error) {
	return storage.InitBolt(path)
}

// LoadWallet opens the wallet database at config.WalletPath, creating
// a new mnemonic-backed wallet if one does not already exist, and
// ensures config.CurrentMintURL is a known, trusted mint.
func LoadWallet(config Config) (*Wallet, error) {
	db, err := InitStorage(config.WalletPath)
	if err != nil {
		return nil, fmt.Errorf("InitStorage: %v", err)
	}

	seed := db.GetSeed()
	if len(seed) == 0 {
		entropy, err := bip39.NewEntropy(128)
		if err != nil {
			return nil, err
		}
		mnemonic, err := bip39.NewMnemonic(entropy)
		if err != nil {
			return nil, err
		}
		seed = bip39.NewSeed(mnemonic, "")
		db.SaveMnemonicSeed(mnemonic, seed)
	}

	masterKey, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("error deriving master key: %v", err)
	}

	w := &Wallet{
		masterKey: masterKey,
		db:        db,
		mints:     make(map[string]walletMint),
		unit:      cashu.Sat,
	}

	for mintURL, keysets := range db.GetKeysets() {
		mint := walletMint{mintURL: mintURL, inactiveKeysets: make(map[string]crypto.WalletKeyset)}
		for _, keyset := range keysets {
			if keyset.Active && keyset.Unit == w.unit.String() {
				mint.activeKeyset = keyset
			} else {
				mint.inactiveKeysets[keyset.Id] = keyset
			}
		}
		w.mints[mintURL] = mint
	}

	mintURL, err := url.Parse(config.CurrentMintURL)
	if err != nil {
		return nil, fmt.Errorf("invalid mint url: %v", err)
	}
	w.defaultMint = mintURL.String()

	if _, ok := w.mints[w.defaultMint]; !ok {
		if err := w.addMint(w.defaultMint); err != nil {
			return nil, fmt.Errorf("error trusting mint '%v': %v", w.defaultMint, err)
		}
	}

	// resume whatever a previous run left unfinished. A saga that
	// cannot be resolved yet (unreachable mint, payment in flight)
	// stays recorded and is retried on the next load.
	_ = w.RecoverSagas()

	return w, nil
}

// addMint fetches and persists a new mint's current keysets and adds
// it to the set of mints the wallet trusts.
func (w *Wallet) addMint(mintURL string) error {
	activeKeyset, err := GetMintActiveKeyset(mintURL, w.unit)
	if err != nil {
		return err
	}
	if err := w.db.SaveKeyset(activeKeyset); err != nil {
		return err
	}

	inactiveKeysets, err := GetMintInactiveKeysets(mintURL, w.unit)
	if err != nil {
		return err
	}
	for id, keyset := range inactiveKeysets {
		if err := w.db.SaveKeyset(&keyset); err != nil {
			return err
		}
		inactiveKeysets[id] = keyset
	}

	w.mints[mintURL] = walletMint{
		mintURL:         mintURL,
		activeKeyset:    *activeKeyset,
		inactiveKeysets: inactiveKeysets,
	}
	return nil
}

// TrustedMints returns the urls of every mint the wallet currently
// holds (or has held) keysets from.
func (w *Wallet) TrustedMints() []string {
	mints := make([]string, 0, len(w.mints))
	for mintURL := range w.mints {
		mints = append(mints, mintURL)
	}
	return mints
}

// UpdateMintURL rewrites every keyset, proof and quote that currently
// points at oldURL to point at newURL instead, for when a mint
// operator migrates domains.
func (w *Wallet) UpdateMintURL(oldURL, newURL string) error {
	mint, ok := w.mints[oldURL]
	if !ok {
		return ErrMintNotExist
	}

	mint.mintURL = newURL
	mint.activeKeyset.MintURL = newURL
	if err := w.db.SaveKeyset(&mint.activeKeyset); err != nil {
		return err
	}

	for id, keyset := range mint.inactiveKeysets {
		keyset.MintURL = newURL
		if err := w.db.SaveKeyset(&keyset); err != nil {
			return err
		}
		mint.inactiveKeysets[id] = keyset
	}

	if err := w.db.UpdateKeysetMintURL(oldURL, newURL); err != nil {
		return err
	}

	w.mints[newURL] = mint
	delete(w.mints, oldURL)

	if w.defaultMint == oldURL {
		w.defaultMint = newURL
	}

	return nil
}

// GetBalance returns the sum of every unspent proof the wallet holds,
// across all trusted mints.
func (w *Wallet) GetBalance() uint64 {
	return w.db.GetProofs().Amount()
}

// CurrentMint returns the mint url operations default to.
func (w *Wallet) CurrentMint() string {
	return w.defaultMint
}

// Mnemonic returns the wallet's BIP-39 mnemonic, from which every
// deterministic secret is derived.
func (w *Wallet) Mnemonic() string {
	return w.db.GetMnemonic()
}

// BalanceByMint returns the wallet's balance broken down by mint url.
func (w *Wallet) BalanceByMint() map[string]uint64 {
	balances := make(map[string]uint64, len(w.mints))
	for mintURL, mint := range w.mints {
		var balance uint64
		balance += w.db.GetProofsByKeysetId(mint.activeKeyset.Id).Amount()
		for id := range mint.inactiveKeysets {
			balance += w.db.GetProofsByKeysetId(id).Amount()
		}
		balances[mintURL] = balance
	}
	return balances
}

// RequestMint asks the default mint for a bolt11 invoice to mint
// amount worth of ecash against, and stores the pending quote.
func (w *Wallet) RequestMint(amount uint64) (*nut04.PostMintQuoteBolt11Response, error) {
	return w.RequestMintAt(amount, w.defaultMint)
}

// RequestMintAt is RequestMint against a specific, already-trusted mint.
func (w *Wallet) RequestMintAt(amount uint64, mintURL string) (*nut04.PostMintQuoteBolt11Response, error) {
	if _, ok := w.mints[mintURL]; !ok {
		return nil, ErrMintNotExist
	}

	mintRequest := nut04.PostMintQuoteBolt11Request{Amount: amount, Unit: w.unit.String()}
	mintResponse, err := client.PostMintQuoteBolt11(mintURL, mintRequest)
	if err != nil {
		return nil, err
	}

	quote := storage.MintQuote{
		QuoteId:        mintResponse.Quote,
		Mint:           mintURL,
		Method:         cashu.BOLT11_METHOD,
		State:          mintResponse.State,
		Unit:           w.unit.String(),
		PaymentRequest: mintResponse.Request,
		Amount:         amount,
		CreatedAt:      time.Now().Unix(),
		QuoteExpiry:    uint64(mintResponse.Expiry),
	}
	if err := w.db.SaveMintQuote(quote); err != nil {
		return nil, err
	}

	return mintResponse, nil
}

// GetInvoiceByPaymentRequest looks up a previously requested mint
// quote by the bolt11 invoice it was issued for.
func (w *Wallet) GetInvoiceByPaymentRequest(paymentRequest string) (*storage.MintQuote, error) {
	for _, quote := range w.db.GetMintQuotes() {
		if quote.PaymentRequest == paymentRequest {
			return &quote, nil
		}
	}
	return nil, nil
}

// MintQuoteState polls the mint for the current state of a quote
// and persists it if it has moved on since it was last checked.
func (w *Wallet) MintQuoteState(quoteId string) (*nut04.PostMintQuoteBolt11Response, error) {
	quote := w.db.GetMintQuoteById(quoteId)
	if quote == nil {
		return nil, ErrQuoteNotExist
	}

	quoteResponse, err := client.GetMintQuoteState(quote.Mint, quoteId)
	if err != nil {
		return nil, err
	}

	if quoteResponse.State != quote.State {
		quote.State = quoteResponse.State
		if err := w.db.SaveMintQuote(*quote); err != nil {
			return nil, err
		}
	}

	return quoteResponse, nil
}

// MintTokens redeems a paid mint quote for proofs, deriving new
// outputs deterministically from the mint's active keyset counter. The
// whole exchange runs under a mint saga: the reserved counter range is
// persisted before the request goes out, so a crash after the mint
// signed but before the proofs were stored is recovered by re-deriving
// the same outputs and replaying or calling /restore.
func (w *Wallet) MintTokens(quoteId string) (cashu.Proofs, error) {
	quote := w.db.GetMintQuoteById(quoteId)
	if quote == nil {
		return nil, fmt.Errorf("%w: '%v'", ErrQuoteNotExist, quoteId)
	}

	if _, ok := w.mints[quote.Mint]; !ok {
		return nil, ErrMintNotExist
	}

	activeKeyset, err := w.getActiveKeyset(quote.Mint)
	if err != nil {
		return nil, err
	}

	saga, err := w.newSaga(storage.SagaMint, quote.Mint, quote.Amount)
	if err != nil {
		return nil, err
	}
	saga.QuoteId = quoteId

	split := cashu.AmountSplit(quote.Amount)
	if err := w.reserveOutputs(&saga, activeKeyset.Id, split); err != nil {
		return nil, err
	}

	blindedMessages, secrets, rs, err := w.deriveSagaOutputs(&saga)
	if err != nil {
		return nil, fmt.Errorf("error creating blinded messages: %v", err)
	}

	mintRequest := nut04.PostMintBolt11Request{Quote: quoteId, Outputs: blindedMessages}
	if quote.PrivateKey != nil {
		signature, err := nut20.SignMintQuote(quote.PrivateKey, quoteId, blindedMessages)
		if err != nil {
			return nil, fmt.Errorf("error signing mint quote: %v", err)
		}
		mintRequest.Signature = hex.EncodeToString(signature.Serialize())
	}

	if err := w.stepSaga(&saga, storage.SagaRequested); err != nil {
		return nil, err
	}

	mintResponse, err := client.PostMintBolt11(quote.Mint, mintRequest)
	if err != nil {
		// a rejection from the mint means nothing was signed; anything
		// else (lost response) is left to saga recovery
		var cashuErr cashu.Error
		if errors.As(err, &cashuErr) {
			w.finishSaga(&saga)
		}
		return nil, err
	}

	proofs, err := constructProofs(mintResponse.Signatures, blindedMessages, secrets, rs, activeKeyset)
	if err != nil {
		return nil, fmt.Errorf("error constructing proofs: %v", err)
	}

	if err := w.db.SaveProofs(proofs); err != nil {
		return nil, err
	}

	quote.State = nut04.Issued
	quote.SettledAt = time.Now().Unix()
	if err := w.db.SaveMintQuote(*quote); err != nil {
		return nil, err
	}

	if err := w.finishSaga(&saga); err != nil {
		return nil, err
	}

	return proofs, nil
}

// Send selects amount worth of proofs from mintURL, swapping for an
// exact-amount set if the proofs on hand don't add up precisely, and
// returns a token ready to be handed to a recipient. The selected
// proofs are reserved (moved to pending) under a send saga: if the
// wallet crashes before the token is handed back, recovery releases
// them; once the token is out, they stay pending until the recipient
// redeems them (see CheckPendingProofs).
func (w *Wallet) Send(amount uint64, mintURL string) (cashu.Token, error) {
	if _, ok := w.mints[mintURL]; !ok {
		return nil, ErrMintNotExist
	}

	saga, err := w.newSaga(storage.SagaSend, mintURL, amount)
	if err != nil {
		return nil, err
	}

	proofsToSend, err := w.getProofsForAmount(mintURL, amount)
	if err != nil {
		return nil, err
	}

	if err := w.reserveProofs(&saga, proofsToSend); err != nil {
		return nil, err
	}

	token, err := cashu.NewTokenV4(proofsToSend, mintURL, w.unit, false)
	if err != nil {
		// reserved proofs go back to spendable; the token never left
		w.releaseProofs(&saga)
		w.finishSaga(&saga)
		return nil, fmt.Errorf("error creating token: %v", err)
	}

	if err := w.stepSaga(&saga, storage.SagaTokenIssued); err != nil {
		return nil, err
	}
	if err := w.finishSaga(&saga); err != nil {
		return nil, err
	}

	return token, nil
}

// Receive swaps the proofs in token into the wallet's own set of
// secrets. If swap is true, or the token's mint is not already
// trusted, the proofs are always swapped through the token's own
// mint before being credited (the safer, default path); if swap is
// false and the mint is already trusted, the proofs are validated
// and stored as-is without contacting the mint again.
func (w *Wallet) Receive(token cashu.Token, swap bool) (uint64, error) {
	tokenMint := token.Mint()
	proofs := token.Proofs()

	// P2PK-locked proofs need the witness signature from the wallet's
	// receive key, and can only be credited through a swap
	locked := false
	for _, proof := range proofs {
		if nut11.IsSecretP2PK(proof) {
			locked = true
			break
		}
	}
	if locked {
		var err error
		proofs, err = w.signP2PKProofs(proofs)
		if err != nil {
			return 0, fmt.Errorf("error signing locked proofs: %v", err)
		}
		swap = true
	}

	_, trusted := w.mints[tokenMint]
	if !trusted {
		if err := w.addMint(tokenMint); err != nil {
			return 0, fmt.Errorf("error trusting mint '%v': %v", tokenMint, err)
		}
	}

	if swap || !trusted {
		swapped, err := w.swapProofs(tokenMint, proofs)
		if err != nil {
			return 0, fmt.Errorf("error swapping received proofs: %v", err)
		}
		proofs = swapped
	}

	if err := w.db.SaveProofs(proofs); err != nil {
		return 0, err
	}

	return proofs.Amount(), nil
}

// MeltResult is the outcome of paying a Lightning invoice from a
// mint's ecash balance.
type MeltResult struct {
	Paid     bool
	Preimage string
}

// Melt pays a bolt11 invoice out of mintURL's balance, using proofs
// from that mint to cover the invoice amount plus the mint's
// estimated routing fee reserve. The exchange runs under a melt saga:
// the inputs stay reserved while the Lightning payment is in flight,
// and a crash is resolved on the next load by polling the melt quote's
// state at the mint.
func (w *Wallet) Melt(invoice string, mintURL string) (*MeltResult, error) {
	if _, ok := w.mints[mintURL]; !ok {
		return nil, ErrMintNotExist
	}

	meltQuoteResponse, err := client.PostMeltQuoteBolt11(mintURL,
		nut05.PostMeltQuoteBolt11Request{Request: invoice, Unit: w.unit.String()})
	if err != nil {
		return nil, err
	}

	meltQuote := storage.MeltQuote{
		QuoteId:        meltQuoteResponse.Quote,
		Mint:           mintURL,
		Method:         cashu.BOLT11_METHOD,
		State:          meltQuoteResponse.State,
		Unit:           w.unit.String(),
		PaymentRequest: invoice,
		Amount:         meltQuoteResponse.Amount,
		FeeReserve:     meltQuoteResponse.FeeReserve,
		CreatedAt:      time.Now().Unix(),
		QuoteExpiry:    uint64(meltQuoteResponse.Expiry),
	}
	if err := w.db.SaveMeltQuote(meltQuote); err != nil {
		return nil, err
	}

	amountNeeded := meltQuoteResponse.Amount + meltQuoteResponse.FeeReserve
	proofs, err := w.getProofsForAmount(mintURL, amountNeeded)
	if err != nil {
		return nil, err
	}

	saga, err := w.newSaga(storage.SagaMelt, mintURL, amountNeeded)
	if err != nil {
		return nil, err
	}
	saga.QuoteId = meltQuoteResponse.Quote

	// blank outputs for the mint to return unused fee reserve as change
	activeKeyset, err := w.getActiveKeyset(mintURL)
	if err != nil {
		return nil, err
	}
	if err := w.reserveOutputs(&saga, activeKeyset.Id, cashu.AmountSplit(meltQuoteResponse.FeeReserve)); err != nil {
		return nil, err
	}
	if err := w.reserveProofs(&saga, proofs); err != nil {
		return nil, err
	}

	changeOutputs, changeSecrets, changeRs, err := w.deriveSagaOutputs(&saga)
	if err != nil {
		return nil, err
	}

	if err := w.stepSaga(&saga, storage.SagaRequested); err != nil {
		return nil, err
	}

	meltResponse, err := client.PostMeltBolt11(mintURL, nut05.PostMeltBolt11Request{
		Quote:   meltQuoteResponse.Quote,
		Inputs:  proofs,
		Outputs: changeOutputs,
	})
	if err != nil {
		var cashuErr cashu.Error
		if errors.As(err, &cashuErr) && cashuErr.Code != cashu.MeltQuotePendingErrCode {
			// the mint rejected the melt before attempting payment
			w.releaseProofs(&saga)
			w.finishSaga(&saga)
		}
		// anything else (timeout, pending quote) resolves via saga
		// recovery once the payment's fate is known
		return nil, err
	}

	if !meltResponse.Paid {
		// payment failed; proofs were not spent
		if err := w.releaseProofs(&saga); err != nil {
			return nil, err
		}
		if err := w.finishSaga(&saga); err != nil {
			return nil, err
		}
		return &MeltResult{Paid: false}, nil
	}

	if err := w.discardReservedProofs(&saga); err != nil {
		return nil, err
	}

	if len(meltResponse.Change) > 0 {
		change, err := constructProofsFromChange(meltResponse.Change, changeOutputs, changeSecrets, changeRs, activeKeyset)
		if err != nil {
			return nil, fmt.Errorf("error constructing change proofs: %v", err)
		}
		if err := w.db.SaveProofs(change); err != nil {
			return nil, err
		}
	}

	meltQuote.State = nut05.Paid
	meltQuote.Preimage = meltResponse.Preimage
	meltQuote.SettledAt = time.Now().Unix()
	if err := w.db.SaveMeltQuote(meltQuote); err != nil {
		return nil, err
	}

	if err := w.finishSaga(&saga); err != nil {
		return nil, err
	}

	return &MeltResult{Paid: true, Preimage: meltResponse.Preimage}, nil
}

// getActiveKeyset returns the active keyset for mintURL, refreshing
// the wallet's cached copy (and inactivating the previous one, if
// the mint has since rotated) from the mint first.
func (w *Wallet) getActiveKeyset(mintURL string) (*crypto.WalletKeyset, error) {
	mint, ok := w.mints[mintURL]
	if !ok {
		activeKeyset, err := GetMintActiveKeyset(mintURL, w.unit)
		if err != nil {
			return nil, err
		}
		return activeKeyset, nil
	}

	allKeysets, err := client.GetAllKeysets(mintURL)
	if err != nil {
		return nil, err
	}

	activeChanged := true
	for _, keyset := range allKeysets.Keysets {
		if keyset.Active && keyset.Id == mint.activeKeyset.Id {
			activeChanged = false
			if keyset.InputFeePpk != mint.activeKeyset.InputFeePpk {
				mint.activeKeyset.InputFeePpk = keyset.InputFeePpk
				if err := w.db.SaveKeyset(&mint.activeKeyset); err != nil {
					return nil, err
				}
				w.mints[mintURL] = mint
			}
			break
		}
	}

	if activeChanged {
		previous := mint.activeKeyset
		previous.Active = false
		mint.inactiveKeysets[previous.Id] = previous
		if err := w.db.SaveKeyset(&previous); err != nil {
			return nil, err
		}

		newActive, err := GetMintActiveKeyset(mintURL, w.unit)
		if err != nil {
			return nil, err
		}
		if err := w.db.SaveKeyset(newActive); err != nil {
			return nil, err
		}
		mint.activeKeyset = *newActive
		delete(mint.inactiveKeysets, newActive.Id)
		w.mints[mintURL] = mint
	}

	activeKeyset := mint.activeKeyset
	return &activeKeyset, nil
}

// fees returns the input fee, in whole sats, the mint will charge for
// spending proofs, from the fee-ppk of each proof's keyset.
func (w *Wallet) fees(proofs cashu.Proofs, mint walletMint) uint64 {
	var feePpk uint
	for _, proof := range proofs {
		if proof.Id == mint.activeKeyset.Id {
			feePpk += mint.activeKeyset.InputFeePpk
		} else if keyset, ok := mint.inactiveKeysets[proof.Id]; ok {
			feePpk += keyset.InputFeePpk
		}
	}
	return uint64((feePpk + 999) / 1000)
}

// getProofsForAmount picks proofs from mintURL that cover amount plus
// the input fees spending them will incur (spending from inactive
// keysets first so they stop needing to be swapped), swapping for
// exact change through the mint when the proofs on hand don't add up
// precisely. An exact match is returned still spendable; a swapped
// result is already detached from the wallet's balance.
func (w *Wallet) getProofsForAmount(mintURL string, amount uint64) (cashu.Proofs, error) {
	mint, ok := w.mints[mintURL]
	if !ok {
		return nil, ErrMintNotExist
	}

	var ordered cashu.Proofs
	for id := range mint.inactiveKeysets {
		ordered = append(ordered, w.db.GetProofsByKeysetId(id)...)
	}
	ordered = append(ordered, w.db.GetProofsByKeysetId(mint.activeKeyset.Id)...)

	if ordered.Amount() < amount {
		return nil, ErrInsufficientMintBalance
	}

	var selected cashu.Proofs
	var selectedAmount uint64
	for _, proof := range ordered {
		if selectedAmount >= amount {
			break
		}
		selected = append(selected, proof)
		selectedAmount += proof.Amount
	}

	if selectedAmount == amount && w.fees(selected, mint) == 0 {
		return selected, nil
	}

	// the selection overshoots; swap it for an exact amount, growing
	// the selection if input fees push the total needed past what was
	// picked
	for selectedAmount < amount+w.fees(selected, mint) {
		if len(selected) == len(ordered) {
			return nil, ErrInsufficientMintBalance
		}
		selected = append(selected, ordered[len(selected)])
		selectedAmount += ordered[len(selected)-1].Amount
	}

	return w.swapToAmount(mintURL, selected, amount)
}

// swapToAmount swaps inputs (whose total must cover amount plus input
// fees) for a set of proofs that splits exactly into an amount portion
// and a change portion, returning only the amount portion; the change
// portion is saved to the wallet. The exchange runs under a swap saga:
// inputs are reserved and the counter range persisted before the
// request goes out.
func (w *Wallet) swapToAmount(mintURL string, inputs cashu.Proofs, amount uint64) (cashu.Proofs, error) {
	mint, ok := w.mints[mintURL]
	if !ok {
		return nil, ErrMintNotExist
	}
	activeKeyset, err := w.getActiveKeyset(mintURL)
	if err != nil {
		return nil, err
	}

	fees := w.fees(inputs, mint)
	if inputs.Amount() < amount+fees {
		return nil, ErrInsufficientMintBalance
	}
	changeAmount := inputs.Amount() - amount - fees

	sendSplit := cashu.AmountSplit(amount)
	split := append(append([]uint64{}, sendSplit...), cashu.AmountSplit(changeAmount)...)

	saga, err := w.newSaga(storage.SagaSwap, mintURL, amount)
	if err != nil {
		return nil, err
	}
	if err := w.reserveOutputs(&saga, activeKeyset.Id, split); err != nil {
		return nil, err
	}
	if err := w.reserveProofs(&saga, inputs); err != nil {
		return nil, err
	}

	// the send portion is a strict prefix of outputs/secrets/rs so the
	// mint's signatures can be split back up by position alone
	outputs, secrets, rs, err := w.deriveSagaOutputs(&saga)
	if err != nil {
		return nil, err
	}

	if err := w.stepSaga(&saga, storage.SagaRequested); err != nil {
		return nil, err
	}

	swapResponse, err := client.PostSwap(mintURL, nut03.PostSwapRequest{Inputs: inputs, Outputs: outputs})
	if err != nil {
		var cashuErr cashu.Error
		if errors.As(err, &cashuErr) && cashuErr.Code != cashu.ProofAlreadyUsedErrCode {
			// the mint rejected the swap outright; put the inputs back
			w.releaseProofs(&saga)
			w.finishSaga(&saga)
		}
		return nil, err
	}

	allProofs, err := constructProofs(swapResponse.Signatures, outputs, secrets, rs, activeKeyset)
	if err != nil {
		return nil, err
	}

	sendProofs := allProofs[:len(sendSplit)]
	changeProofs := allProofs[len(sendSplit):]

	if len(changeProofs) > 0 {
		if err := w.db.SaveProofs(changeProofs); err != nil {
			return nil, err
		}
	}
	if err := w.discardReservedProofs(&saga); err != nil {
		return nil, err
	}
	if err := w.finishSaga(&saga); err != nil {
		return nil, err
	}

	return sendProofs, nil
}

// swapProofs swaps proofs (from any mint) for a fresh set of the
// wallet's own proofs from that same mint, validating that they are
// genuine in the process. Used by Receive; the received proofs are
// held in the saga (as reserved inputs) until the swap lands, so a
// crash can neither lose nor double-credit them.
func (w *Wallet) swapProofs(mintURL string, proofs cashu.Proofs) (cashu.Proofs, error) {
	activeKeyset, err := w.getActiveKeyset(mintURL)
	if err != nil {
		return nil, err
	}

	saga, err := w.newSaga(storage.SagaReceive, mintURL, proofs.Amount())
	if err != nil {
		return nil, err
	}
	if err := w.reserveOutputs(&saga, activeKeyset.Id, cashu.AmountSplit(proofs.Amount())); err != nil {
		return nil, err
	}
	if err := w.reserveProofs(&saga, proofs); err != nil {
		return nil, err
	}

	outputs, secrets, rs, err := w.deriveSagaOutputs(&saga)
	if err != nil {
		return nil, err
	}

	if err := w.stepSaga(&saga, storage.SagaRequested); err != nil {
		return nil, err
	}

	swapResponse, err := client.PostSwap(mintURL, nut03.PostSwapRequest{Inputs: proofs, Outputs: outputs})
	if err != nil {
		var cashuErr cashu.Error
		if errors.As(err, &cashuErr) && cashuErr.Code != cashu.ProofAlreadyUsedErrCode {
			w.db.DeletePendingProofsByQuoteId(saga.Id)
			w.finishSaga(&saga)
		}
		return nil, err
	}

	newProofs, err := constructProofs(swapResponse.Signatures, outputs, secrets, rs, activeKeyset)
	if err != nil {
		return nil, err
	}

	if err := w.discardReservedProofs(&saga); err != nil {
		return nil, err
	}
	if err := w.finishSaga(&saga); err != nil {
		return nil, err
	}

	return newProofs, nil
}

// createBlindedMessages derives len(amounts) blinded messages for
// keysetId, deterministically from the wallet's master key and the
// given starting counter, which is advanced by one per message.
func (w *Wallet) createBlindedMessages(amounts []uint64, keysetId string, counter *uint32) (
	cashu.BlindedMessages, []string, []*secp256k1.PrivateKey, error) {

	keysetPath, err := nut13.DeriveKeysetPath(w.masterKey, keysetId)
	if err != nil {
		return nil, nil, nil, err
	}

	blindedMessages := make(cashu.BlindedMessages, len(amounts))
	secrets := make([]string, len(amounts))
	rs := make([]*secp256k1.PrivateKey, len(amounts))

	for i, amount := range amounts {
		secret, r, err := generateDeterministicSecret(keysetPath, *counter)
		if err != nil {
			return nil, nil, nil, err
		}

		B_, r, err := crypto.BlindMessage(secret, r)
		if err != nil {
			return nil, nil, nil, err
		}

		blindedMessages[i] = cashu.NewBlindedMessage(keysetId, amount, B_)
		secrets[i] = secret
		rs[i] = r
		*counter++
	}

	return blindedMessages, secrets, rs, nil
}

// generateDeterministicSecret derives the NUT-13 secret and blinding
// factor for the given keyset path and counter.
func generateDeterministicSecret(keysetPath *hdkeychain.ExtendedKey, counter uint32) (string, *secp256k1.PrivateKey, error) {
	secret, err := nut13.DeriveSecret(keysetPath, counter)
	if err != nil {
		return "", nil, err
	}

	r, err := nut13.DeriveBlindingFactor(keysetPath, counter)
	if err != nil {
		return "", nil, err
	}

	return secret, r, nil
}

// unblindSignature unblinds a blinded signature C_ with the blinding
// factor r originally used to blind it, returning the hex-encoded
// unblinded signature C.
func unblindSignature(signatureC_Hex string, r *secp256k1.PrivateKey, pubkey *secp256k1.PublicKey) (string, error) {
	C_bytes, err := hex.DecodeString(signatureC_Hex)
	if err != nil {
		return "", err
	}
	C_, err := secp256k1.ParsePubKey(C_bytes)
	if err != nil {
		return "", err
	}

	C := crypto.UnblindSignature(C_, r, pubkey)
	return hex.EncodeToString(C.SerializeCompressed()), nil
}

// constructProofs unblinds a set of blinded signatures into proofs,
// attaching the DLEQ proof (with the now-revealed blinding factor) if
// the mint included one for its corresponding signature.
func constructProofs(
	signatures cashu.BlindedSignatures,
	outputs cashu.BlindedMessages,
	secrets []string,
	rs []*secp256k1.PrivateKey,
	keyset *crypto.WalletKeyset,
) (cashu.Proofs, error) {
	if len(signatures) != len(secrets) || len(signatures) != len(rs) {
		return nil, errors.New("lengths of signatures, secrets and rs do not match")
	}

	proofs := make(cashu.Proofs, len(signatures))
	for i, signature := range signatures {
		pubkey, ok := keyset.PublicKeys[signature.Amount]
		if !ok {
			return nil, fmt.Errorf("no key for amount '%v' in keyset '%v'", signature.Amount, keyset.Id)
		}

		Cstr, err := unblindSignature(signature.C_, rs[i], pubkey)
		if err != nil {
			return nil, err
		}

		proof := cashu.Proof{
			Amount: signature.Amount,
			Id:     signature.Id,
			Secret: secrets[i],
			C:      Cstr,
		}

		if signature.DLEQ != nil {
			proof.DLEQ = &cashu.DLEQProof{
				E: signature.DLEQ.E,
				S: signature.DLEQ.S,
				R: hex.EncodeToString(rs[i].Serialize()),
			}
		}

		proofs[i] = proof
	}

	return proofs, nil
}

// constructProofsFromChange is constructProofs for a melt response's
// change field, whose entries carry amount/id/C_ but never a DLEQ.
func constructProofsFromChange(
	change []nut05.ChangeEntry,
	outputs cashu.BlindedMessages,
	secrets []string,
	rs []*secp256k1.PrivateKey,
	keyset *crypto.WalletKeyset,
) (cashu.Proofs, error) {
	signatures := make(cashu.BlindedSignatures, len(change))
	for i, entry := range change {
		signatures[i] = cashu.BlindedSignature{Amount: entry.Amount, Id: entry.Id, C_: entry.C_}
	}

	// change outputs are a strict prefix of what was requested; only
	// the secrets/rs for the outputs the mint actually signed are used.
	return constructProofs(signatures, outputs, secrets[:len(change)], rs[:len(change)], keyset)
}

