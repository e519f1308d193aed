//go:build !integration

package mint

import (
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/cashumint/nutcore/cashu"
	"github.com/cashumint/nutcore/cashu/nuts/nut04"
	"github.com/cashumint/nutcore/crypto"
	"github.com/cashumint/nutcore/mint/lightning"
	"github.com/cashumint/nutcore/mint/saga"
)

func recoveryTestMint(t *testing.T) *Mint {
	t.Helper()

	dbpath := filepath.Join(".", "testrecovery-"+t.Name())
	if err := os.MkdirAll(dbpath, 0750); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dbpath) })

	config := Config{
		MintPath:        dbpath,
		LightningClient: &lightning.FakeBackend{},
		LogLevel:        Disable,
	}
	testMint, err := LoadMint(config)
	if err != nil {
		t.Fatalf("error loading mint: %v", err)
	}
	t.Cleanup(func() { testMint.Shutdown() })

	return testMint
}

func recoveryTestProofs(num int) (cashu.Proofs, []string) {
	proofs := make(cashu.Proofs, num)
	Ys := make([]string, num)
	for i := 0; i < num; i++ {
		proofs[i] = cashu.Proof{
			Amount: 8,
			Id:     "testkeyset",
			Secret: "recoverysecret" + strconv.Itoa(i),
			C:      "C" + strconv.Itoa(i),
		}
		Y, _ := crypto.HashToCurve([]byte(proofs[i].Secret))
		Ys[i] = hex.EncodeToString(Y.SerializeCompressed())
	}
	return proofs, Ys
}

func recoveryTestSignatures(num int) ([]string, cashu.BlindedSignatures) {
	B_s := make([]string, num)
	sigs := make(cashu.BlindedSignatures, num)
	for i := 0; i < num; i++ {
		B_s[i] = "recoveryB_" + strconv.Itoa(i)
		sigs[i] = cashu.BlindedSignature{
			Amount: 8,
			Id:     "testkeyset",
			C_:     "C_" + strconv.Itoa(i),
			DLEQ:   &cashu.DLEQProof{E: "e", S: "s"},
		}
	}
	return B_s, sigs
}

// a swap record whose signatures never reached the ledger is rolled
// back: its reserved inputs return to unspent
func TestRecoverUncommittedSwap(t *testing.T) {
	testMint := recoveryTestMint(t)

	proofs, Ys := recoveryTestProofs(2)
	B_s, _ := recoveryTestSignatures(2)

	swapSaga, err := saga.New(saga.Swap, "")
	if err != nil {
		t.Fatal(err)
	}
	swapSaga.BlindedSecrets = B_s
	swapSaga.InputYs = Ys
	swapSaga.CreatedAt = time.Now().Unix() - 100
	swapSaga.UpdatedAt = swapSaga.CreatedAt
	if err := testMint.db.SaveSaga(swapSaga); err != nil {
		t.Fatal(err)
	}
	if err := testMint.db.AddPendingProofs(proofs, swapSaga.OperationId); err != nil {
		t.Fatal(err)
	}

	testMint.recoverInFlightSagas(context.Background(), 0)

	pending, err := testMint.db.GetPendingProofs(Ys)
	if err != nil {
		t.Fatalf("error getting pending proofs: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected reserved inputs released but %v still pending", len(pending))
	}
	sagas, err := testMint.db.GetSagas()
	if err != nil {
		t.Fatal(err)
	}
	if len(sagas) != 0 {
		t.Fatalf("expected no operation records after recovery but got %v", len(sagas))
	}
}

// a swap record whose signatures did reach the ledger committed
// atomically: recovery only cleans up the record
func TestRecoverCommittedSwap(t *testing.T) {
	testMint := recoveryTestMint(t)

	proofs, Ys := recoveryTestProofs(2)
	B_s, sigs := recoveryTestSignatures(2)

	swapSaga, err := saga.New(saga.Swap, "")
	if err != nil {
		t.Fatal(err)
	}
	swapSaga.BlindedSecrets = B_s
	swapSaga.InputYs = Ys
	swapSaga.CreatedAt = time.Now().Unix() - 100
	swapSaga.UpdatedAt = swapSaga.CreatedAt
	if err := testMint.db.SaveSaga(swapSaga); err != nil {
		t.Fatal(err)
	}
	if err := testMint.db.AddPendingProofs(proofs, swapSaga.OperationId); err != nil {
		t.Fatal(err)
	}
	// the atomic commit ran before the crash
	if err := testMint.db.CommitSwap(Ys, proofs, B_s, sigs); err != nil {
		t.Fatal(err)
	}

	testMint.recoverInFlightSagas(context.Background(), 0)

	used, err := testMint.db.GetProofsUsed(Ys)
	if err != nil {
		t.Fatal(err)
	}
	if len(used) != 2 {
		t.Fatalf("expected committed inputs to stay spent but got %v", len(used))
	}
	sagas, err := testMint.db.GetSagas()
	if err != nil {
		t.Fatal(err)
	}
	if len(sagas) != 0 {
		t.Fatalf("expected no operation records after recovery but got %v", len(sagas))
	}
}

// a mint record whose signatures reached the ledger but whose issuance
// bump was lost is replayed: the quote's accounting catches up exactly
// once
func TestRecoverMintIssuance(t *testing.T) {
	testMint := recoveryTestMint(t)

	quoteRequest := nut04.PostMintQuoteBolt11Request{Amount: 16, Unit: cashu.Sat.String()}
	quote, err := testMint.RequestMintQuote(BOLT11_METHOD, quoteRequest)
	if err != nil {
		t.Fatalf("error requesting mint quote: %v", err)
	}
	// the fake invoice settles immediately; credit it
	if _, err := testMint.GetMintQuoteState(quote.Id); err != nil {
		t.Fatal(err)
	}

	B_s, sigs := recoveryTestSignatures(2)
	mintSaga, err := saga.New(saga.Mint, quote.Id)
	if err != nil {
		t.Fatal(err)
	}
	mintSaga.BlindedSecrets = B_s
	mintSaga.Amount = 16
	mintSaga.CreatedAt = time.Now().Unix() - 100
	mintSaga.UpdatedAt = mintSaga.CreatedAt
	if err := testMint.db.SaveSaga(mintSaga); err != nil {
		t.Fatal(err)
	}
	// signatures committed, crash before the issuance bump
	if err := testMint.db.CommitSwap(nil, nil, B_s, sigs); err != nil {
		t.Fatal(err)
	}

	testMint.recoverInFlightSagas(context.Background(), 0)

	storedQuote, err := testMint.db.GetMintQuote(quote.Id)
	if err != nil {
		t.Fatal(err)
	}
	if storedQuote.AmountIssued != 16 {
		t.Fatalf("expected amount issued of %v but got %v", 16, storedQuote.AmountIssued)
	}
	if storedQuote.State != nut04.Issued {
		t.Fatalf("expected quote state '%v' but got '%v'", nut04.Issued, storedQuote.State)
	}

	// replaying recovery does not double-count
	if err := testMint.db.SaveSaga(mintSaga); err != nil {
		t.Fatal(err)
	}
	testMint.recoverInFlightSagas(context.Background(), 0)
	storedQuote, err = testMint.db.GetMintQuote(quote.Id)
	if err != nil {
		t.Fatal(err)
	}
	if storedQuote.AmountIssued != 16 {
		t.Fatalf("expected amount issued of %v but got %v", 16, storedQuote.AmountIssued)
	}
}
