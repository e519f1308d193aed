//go:build !integration

package wallet

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/cashumint/nutcore/cashu"
	"github.com/cashumint/nutcore/crypto"
	"github.com/cashumint/nutcore/wallet/storage"
)

func sagaTestWallet(t *testing.T) (*Wallet, *crypto.WalletKeyset) {
	t.Helper()

	walletPath := filepath.Join(".", "testsagawallet")
	if err := os.MkdirAll(walletPath, 0750); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(walletPath) })

	db, err := InitStorage(walletPath)
	if err != nil {
		t.Fatalf("error setting up wallet db: %v", err)
	}

	seed, _ := hdkeychain.GenerateSeed(32)
	master, _ := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)

	keyset := &crypto.WalletKeyset{
		Id:      "009a1f293253e41e",
		MintURL: "http://localhost:3338",
		Unit:    cashu.Sat.String(),
		Active:  true,
	}
	if err := db.SaveKeyset(keyset); err != nil {
		t.Fatalf("error saving keyset: %v", err)
	}

	w := &Wallet{
		masterKey: master,
		db:        db,
		unit:      cashu.Sat,
		mints:     make(map[string]walletMint),
	}
	w.mints[keyset.MintURL] = walletMint{
		mintURL:         keyset.MintURL,
		activeKeyset:    *keyset,
		inactiveKeysets: make(map[string]crypto.WalletKeyset),
	}

	return w, keyset
}

func TestSagaOutputDerivation(t *testing.T) {
	w, keyset := sagaTestWallet(t)

	saga, err := w.newSaga(storage.SagaMint, keyset.MintURL, 48)
	if err != nil {
		t.Fatalf("error creating saga: %v", err)
	}

	split := []uint64{32, 16}
	if err := w.reserveOutputs(&saga, keyset.Id, split); err != nil {
		t.Fatalf("error reserving outputs: %v", err)
	}

	if saga.CounterStart != 0 || saga.CounterEnd != 2 {
		t.Fatalf("expected counter range [0, 2) but got [%v, %v)", saga.CounterStart, saga.CounterEnd)
	}
	if counter := w.db.GetKeysetCounter(keyset.Id); counter != 2 {
		t.Fatalf("expected keyset counter of 2 but got %v", counter)
	}

	stored := w.db.GetSagaById(saga.Id)
	if stored == nil {
		t.Fatal("expected saga persisted before any external effect")
	}
	if stored.State != storage.SagaOutputsReserved {
		t.Fatalf("expected saga state '%v' but got '%v'", storage.SagaOutputsReserved, stored.State)
	}

	// the outputs must be byte-identical on every derivation, from the
	// saga record alone, or crash recovery cannot replay the request
	outputs1, secrets1, _, err := w.deriveSagaOutputs(&saga)
	if err != nil {
		t.Fatalf("error deriving outputs: %v", err)
	}
	outputs2, secrets2, _, err := w.deriveSagaOutputs(stored)
	if err != nil {
		t.Fatalf("error deriving outputs: %v", err)
	}

	for i := range outputs1 {
		if outputs1[i].B_ != outputs2[i].B_ {
			t.Fatalf("derivation not deterministic: B_ '%v' != '%v'", outputs1[i].B_, outputs2[i].B_)
		}
		if secrets1[i] != secrets2[i] {
			t.Fatalf("derivation not deterministic: secret '%v' != '%v'", secrets1[i], secrets2[i])
		}
	}

	// a later saga must get a disjoint range
	saga2, err := w.newSaga(storage.SagaMint, keyset.MintURL, 8)
	if err != nil {
		t.Fatalf("error creating saga: %v", err)
	}
	if err := w.reserveOutputs(&saga2, keyset.Id, []uint64{8}); err != nil {
		t.Fatalf("error reserving outputs: %v", err)
	}
	if saga2.CounterStart != 2 {
		t.Fatalf("expected second range to start at 2 but got %v", saga2.CounterStart)
	}
}

func TestSagaProofReservation(t *testing.T) {
	w, keyset := sagaTestWallet(t)

	proofs := cashu.Proofs{
		{Amount: 32, Id: keyset.Id, Secret: "secret1", C: "C1"},
		{Amount: 16, Id: keyset.Id, Secret: "secret2", C: "C2"},
	}
	if err := w.db.SaveProofs(proofs); err != nil {
		t.Fatalf("error saving proofs: %v", err)
	}

	saga, err := w.newSaga(storage.SagaSend, keyset.MintURL, 48)
	if err != nil {
		t.Fatalf("error creating saga: %v", err)
	}

	if err := w.reserveProofs(&saga, proofs); err != nil {
		t.Fatalf("error reserving proofs: %v", err)
	}

	// reserved proofs leave the spendable balance
	if balance := w.GetBalance(); balance != 0 {
		t.Fatalf("expected balance of 0 after reservation but got %v", balance)
	}
	if pending := w.db.GetPendingProofsByQuoteId(saga.Id); len(pending) != 2 {
		t.Fatalf("expected 2 pending proofs but got %v", len(pending))
	}
	if len(saga.InputYs) != 2 {
		t.Fatalf("expected 2 input Ys on saga but got %v", len(saga.InputYs))
	}

	if err := w.releaseProofs(&saga); err != nil {
		t.Fatalf("error releasing proofs: %v", err)
	}
	if balance := w.GetBalance(); balance != 48 {
		t.Fatalf("expected balance of 48 after release but got %v", balance)
	}
	if pending := w.db.GetPendingProofsByQuoteId(saga.Id); len(pending) != 0 {
		t.Fatalf("expected no pending proofs after release but got %v", len(pending))
	}
}

func TestRecoverSendSaga(t *testing.T) {
	w, keyset := sagaTestWallet(t)

	proofs := cashu.Proofs{
		{Amount: 8, Id: keyset.Id, Secret: "sendsecret1", C: "C1"},
	}
	if err := w.db.SaveProofs(proofs); err != nil {
		t.Fatalf("error saving proofs: %v", err)
	}

	// crash after reservation, before the token was handed out:
	// recovery must put the proofs back
	saga, err := w.newSaga(storage.SagaSend, keyset.MintURL, 8)
	if err != nil {
		t.Fatalf("error creating saga: %v", err)
	}
	if err := w.reserveProofs(&saga, proofs); err != nil {
		t.Fatalf("error reserving proofs: %v", err)
	}

	if err := w.RecoverSagas(); err != nil {
		t.Fatalf("error recovering sagas: %v", err)
	}

	if balance := w.GetBalance(); balance != 8 {
		t.Fatalf("expected balance of 8 after recovery but got %v", balance)
	}
	if stored := w.db.GetSagaById(saga.Id); stored != nil {
		t.Fatal("expected saga deleted after recovery")
	}

	// crash after the token was issued: the proofs belong to the
	// recipient and must stay reserved
	if err := w.reserveProofs(&saga, proofs); err != nil {
		t.Fatalf("error reserving proofs: %v", err)
	}
	if err := w.stepSaga(&saga, storage.SagaTokenIssued); err != nil {
		t.Fatalf("error stepping saga: %v", err)
	}

	if err := w.RecoverSagas(); err != nil {
		t.Fatalf("error recovering sagas: %v", err)
	}

	if balance := w.GetBalance(); balance != 0 {
		t.Fatalf("expected balance of 0 after recovery but got %v", balance)
	}
	if pending := w.db.GetPendingProofsByQuoteId(saga.Id); len(pending) != 1 {
		t.Fatalf("expected proofs to stay pending but got %v", len(pending))
	}
}
