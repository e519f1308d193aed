//go:build !integration

package mint_test

import (
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/cashumint/nutcore/cashu"
	"github.com/cashumint/nutcore/cashu/nuts/nut04"
	"github.com/cashumint/nutcore/cashu/nuts/nut05"
	"github.com/cashumint/nutcore/cashu/nuts/nut10"
	"github.com/cashumint/nutcore/cashu/nuts/nut11"
	"github.com/cashumint/nutcore/mint"
	"github.com/cashumint/nutcore/mint/lightning"
	"github.com/cashumint/nutcore/testutils"
)

// fakeMint brings up a mint against the in-memory FakeBackend, whose
// invoices settle the moment they are created - so quote lifecycles can
// be driven without a Lightning node.
func fakeMint(t *testing.T) *mint.Mint {
	t.Helper()

	dbpath := filepath.Join(".", "testmint-"+t.Name())
	if err := os.MkdirAll(dbpath, 0750); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dbpath) })

	config := mint.Config{
		MintPath:        dbpath,
		LightningClient: &lightning.FakeBackend{},
		Bolt12Client:    lightning.NewOfferBackend(),
		LogLevel:        mint.Disable,
	}
	testMint, err := mint.LoadMint(config)
	if err != nil {
		t.Fatalf("error loading mint: %v", err)
	}
	t.Cleanup(func() { testMint.Shutdown() })

	return testMint
}

// waitForPaid polls the quote until the settled fake invoice has been
// credited.
func waitForPaid(t *testing.T, m *mint.Mint, quoteId string) {
	t.Helper()
	for i := 0; i < 50; i++ {
		quote, err := m.GetMintQuoteState(quoteId)
		if err != nil {
			t.Fatalf("error getting mint quote state: %v", err)
		}
		if quote.State == nut04.Paid {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("mint quote '%v' never became paid", quoteId)
}

func mintProofs(t *testing.T, m *mint.Mint, method string, amount uint64) cashu.Proofs {
	t.Helper()

	quoteRequest := nut04.PostMintQuoteBolt11Request{Amount: amount, Unit: cashu.Sat.String()}
	quote, err := m.RequestMintQuote(method, quoteRequest)
	if err != nil {
		t.Fatalf("error requesting mint quote: %v", err)
	}
	waitForPaid(t, m, quote.Id)

	keyset := m.GetActiveKeyset()
	blindedMessages, secrets, rs, err := testutils.CreateBlindedMessages(amount, keyset.Id)
	if err != nil {
		t.Fatalf("error creating blinded messages: %v", err)
	}

	signatures, err := m.MintTokens(nut04.PostMintBolt11Request{Quote: quote.Id, Outputs: blindedMessages})
	if err != nil {
		t.Fatalf("error minting tokens: %v", err)
	}

	nut01Keyset, err := m.GetKeysetById(keyset.Id)
	if err != nil {
		t.Fatalf("error getting keyset: %v", err)
	}
	proofs, err := testutils.ConstructProofs(signatures, secrets, rs, nut01Keyset)
	if err != nil {
		t.Fatalf("error constructing proofs: %v", err)
	}
	return proofs
}

func TestMintQuotePartialIssuance(t *testing.T) {
	testMint := fakeMint(t)

	quoteRequest := nut04.PostMintQuoteBolt11Request{Amount: 64, Unit: cashu.Sat.String()}
	quote, err := testMint.RequestMintQuote(mint.BOLT11_METHOD, quoteRequest)
	if err != nil {
		t.Fatalf("error requesting mint quote: %v", err)
	}
	waitForPaid(t, testMint, quote.Id)

	keyset := testMint.GetActiveKeyset()

	// consume half the quote's credit; the quote must stay mintable
	firstOutputs, _, _, err := testutils.CreateBlindedMessages(32, keyset.Id)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := testMint.MintTokens(nut04.PostMintBolt11Request{Quote: quote.Id, Outputs: firstOutputs}); err != nil {
		t.Fatalf("error minting first half: %v", err)
	}

	storedQuote, err := testMint.GetMintQuoteState(quote.Id)
	if err != nil {
		t.Fatal(err)
	}
	if storedQuote.State != nut04.Paid {
		t.Fatalf("expected quote state '%v' but got '%v'", nut04.Paid, storedQuote.State)
	}
	if storedQuote.AmountIssued != 32 {
		t.Fatalf("expected amount issued of %v but got %v", 32, storedQuote.AmountIssued)
	}
	if storedQuote.AmountIssued > storedQuote.AmountPaid {
		t.Fatalf("amount issued %v exceeds amount paid %v", storedQuote.AmountIssued, storedQuote.AmountPaid)
	}

	// minting beyond the remaining credit is rejected
	overOutputs, _, _, err := testutils.CreateBlindedMessages(64, keyset.Id)
	if err != nil {
		t.Fatal(err)
	}
	_, err = testMint.MintTokens(nut04.PostMintBolt11Request{Quote: quote.Id, Outputs: overOutputs})
	cashuErr, ok := err.(cashu.Error)
	if !ok || cashuErr.Code != cashu.OutputsOverQuoteAmountErr.Code {
		t.Fatalf("expected outputs over quote amount error but got: %v", err)
	}

	// the second half consumes the quote completely
	secondOutputs, _, _, err := testutils.CreateBlindedMessages(32, keyset.Id)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := testMint.MintTokens(nut04.PostMintBolt11Request{Quote: quote.Id, Outputs: secondOutputs}); err != nil {
		t.Fatalf("error minting second half: %v", err)
	}

	storedQuote, err = testMint.GetMintQuoteState(quote.Id)
	if err != nil {
		t.Fatal(err)
	}
	if storedQuote.State != nut04.Issued {
		t.Fatalf("expected quote state '%v' but got '%v'", nut04.Issued, storedQuote.State)
	}
	if storedQuote.AmountIssued != 64 {
		t.Fatalf("expected amount issued of %v but got %v", 64, storedQuote.AmountIssued)
	}

	// a fully consumed quote cannot be minted against again
	thirdOutputs, _, _, err := testutils.CreateBlindedMessages(1, keyset.Id)
	if err != nil {
		t.Fatal(err)
	}
	_, err = testMint.MintTokens(nut04.PostMintBolt11Request{Quote: quote.Id, Outputs: thirdOutputs})
	cashuErr, ok = err.(cashu.Error)
	if !ok || cashuErr.Code != cashu.MintQuoteAlreadyIssued.Code {
		t.Fatalf("expected quote already issued error but got: %v", err)
	}
}

func TestBolt12MintQuote(t *testing.T) {
	testMint := fakeMint(t)

	quoteRequest := nut04.PostMintQuoteBolt11Request{Amount: 32, Unit: cashu.Sat.String()}
	quote, err := testMint.RequestMintQuote(mint.BOLT12_METHOD, quoteRequest)
	if err != nil {
		t.Fatalf("error requesting bolt12 mint quote: %v", err)
	}
	if quote.PaymentMethod != mint.BOLT12_METHOD {
		t.Fatalf("expected payment method '%v' but got '%v'", mint.BOLT12_METHOD, quote.PaymentMethod)
	}

	proofs := mintProofs(t, testMint, mint.BOLT12_METHOD, 32)
	if proofs.Amount() != 32 {
		t.Fatalf("expected proofs amount of %v but got %v", 32, proofs.Amount())
	}

	// unknown methods are rejected
	_, err = testMint.RequestMintQuote("bolt21", quoteRequest)
	cashuErr, ok := err.(cashu.Error)
	if !ok || cashuErr.Code != cashu.PaymentMethodNotSupportedErr.Code {
		t.Fatalf("expected payment method not supported error but got: %v", err)
	}

	// outgoing bolt12 payments are not supported by the offer backend
	_, err = testMint.RequestMeltQuote(mint.BOLT12_METHOD, nut05.PostMeltQuoteBolt11Request{
		Request: "lno1fake", Unit: cashu.Sat.String(),
	})
	cashuErr, ok = err.(cashu.Error)
	if !ok || cashuErr.Code != cashu.PaymentMethodNotSupportedErr.Code {
		t.Fatalf("expected payment method not supported error but got: %v", err)
	}
}

func TestInternalSettlement(t *testing.T) {
	testMint := fakeMint(t)

	// wallet A requests a mint quote; wallet B melts against A's invoice
	quoteRequest := nut04.PostMintQuoteBolt11Request{Amount: 21, Unit: cashu.Sat.String()}
	mintQuote, err := testMint.RequestMintQuote(mint.BOLT11_METHOD, quoteRequest)
	if err != nil {
		t.Fatalf("error requesting mint quote: %v", err)
	}
	waitForPaid(t, testMint, mintQuote.Id)

	paidQuote, err := testMint.GetMintQuoteState(mintQuote.Id)
	if err != nil {
		t.Fatal(err)
	}
	amountPaidBefore := paidQuote.AmountPaid

	proofs := mintProofs(t, testMint, mint.BOLT11_METHOD, 21)

	meltQuote, err := testMint.RequestMeltQuote(mint.BOLT11_METHOD, nut05.PostMeltQuoteBolt11Request{
		Request: mintQuote.PaymentRequest,
		Unit:    cashu.Sat.String(),
	})
	if err != nil {
		t.Fatalf("error requesting melt quote: %v", err)
	}
	// matching quotes settle internally, so no routing fee is reserved
	if meltQuote.FeeReserve != 0 {
		t.Fatalf("expected zero fee reserve for internal settlement but got %v", meltQuote.FeeReserve)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	melted, err := testMint.MeltTokens(ctx, nut05.PostMeltBolt11Request{
		Quote:  meltQuote.Id,
		Inputs: proofs,
	})
	if err != nil {
		t.Fatalf("error melting tokens: %v", err)
	}
	if melted.State != nut05.Paid {
		t.Fatalf("expected melt state '%v' but got '%v'", nut05.Paid, melted.State)
	}
	if melted.Preimage == "" {
		t.Fatal("expected preimage on internally settled melt")
	}

	settledQuote, err := testMint.GetMintQuoteState(mintQuote.Id)
	if err != nil {
		t.Fatal(err)
	}
	if settledQuote.AmountPaid != amountPaidBefore+mintQuote.Amount {
		t.Fatalf("expected amount paid of %v but got %v",
			amountPaidBefore+mintQuote.Amount, settledQuote.AmountPaid)
	}
}

func TestSwapDoubleSpend(t *testing.T) {
	testMint := fakeMint(t)

	proofs := mintProofs(t, testMint, mint.BOLT11_METHOD, 10)
	keyset := testMint.GetActiveKeyset()

	outputs, _, _, err := testutils.CreateBlindedMessages(10, keyset.Id)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := testMint.Swap(proofs, outputs); err != nil {
		t.Fatalf("error on first swap: %v", err)
	}

	// the same inputs with fresh outputs must be rejected as spent
	outputs2, _, _, err := testutils.CreateBlindedMessages(10, keyset.Id)
	if err != nil {
		t.Fatal(err)
	}
	_, err = testMint.Swap(proofs, outputs2)
	cashuErr, ok := err.(cashu.Error)
	if !ok || cashuErr.Code != cashu.ProofAlreadyUsedErr.Code {
		t.Fatalf("expected proof already used error but got: %v", err)
	}
}

// mintProofsWithCondition mints proofs whose secrets carry the given
// spending condition.
func mintProofsWithCondition(
	t *testing.T,
	m *mint.Mint,
	amount uint64,
	spendingCondition nut10.SpendingCondition,
) cashu.Proofs {
	t.Helper()

	quoteRequest := nut04.PostMintQuoteBolt11Request{Amount: amount, Unit: cashu.Sat.String()}
	quote, err := m.RequestMintQuote(mint.BOLT11_METHOD, quoteRequest)
	if err != nil {
		t.Fatalf("error requesting mint quote: %v", err)
	}
	waitForPaid(t, m, quote.Id)

	keyset := m.GetActiveKeyset()
	split := cashu.AmountSplit(amount)
	blindedMessages, secrets, rs, err := testutils.BlindedMessagesFromSpendingCondition(split, keyset.Id, spendingCondition)
	if err != nil {
		t.Fatalf("error creating blinded messages: %v", err)
	}

	signatures, err := m.MintTokens(nut04.PostMintBolt11Request{Quote: quote.Id, Outputs: blindedMessages})
	if err != nil {
		t.Fatalf("error minting tokens: %v", err)
	}

	nut01Keyset, err := m.GetKeysetById(keyset.Id)
	if err != nil {
		t.Fatalf("error getting keyset: %v", err)
	}
	proofs, err := testutils.ConstructProofs(signatures, secrets, rs, nut01Keyset)
	if err != nil {
		t.Fatalf("error constructing proofs: %v", err)
	}
	return proofs
}

func TestSwapReplayIdempotency(t *testing.T) {
	testMint := fakeMint(t)

	proofs := mintProofs(t, testMint, mint.BOLT11_METHOD, 10)
	keyset := testMint.GetActiveKeyset()

	outputs, _, _, err := testutils.CreateBlindedMessages(10, keyset.Id)
	if err != nil {
		t.Fatal(err)
	}

	signatures, err := testMint.Swap(proofs, outputs)
	if err != nil {
		t.Fatalf("error on swap: %v", err)
	}

	// an exact replay returns the same signatures instead of a
	// double-spend or already-signed error
	replayed, err := testMint.Swap(proofs, outputs)
	if err != nil {
		t.Fatalf("error on replayed swap: %v", err)
	}
	if !reflect.DeepEqual(signatures, replayed) {
		t.Fatal("replayed swap did not return the original signatures")
	}
}

func TestSwapSigAll(t *testing.T) {
	testMint := fakeMint(t)
	keyset := testMint.GetActiveKeyset()

	signingKey, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	spendingCondition := nut10.SpendingCondition{
		Kind: nut10.P2PK,
		Data: hex.EncodeToString(signingKey.PubKey().SerializeCompressed()),
		Tags: nut11.SerializeP2PKTags(nut11.P2PKTags{Sigflag: nut11.SIGALL}),
	}

	proofs := mintProofsWithCondition(t, testMint, 24, spendingCondition)
	if len(proofs) < 2 {
		t.Fatalf("expected at least 2 proofs but got %v", len(proofs))
	}
	outputs, _, _, err := testutils.CreateBlindedMessages(24, keyset.Id)
	if err != nil {
		t.Fatal(err)
	}

	// no signature at all
	_, err = testMint.Swap(proofs, outputs)
	cashuErr, ok := err.(cashu.Error)
	if !ok || cashuErr.Code != nut11.InvalidWitness.Code {
		t.Fatalf("expected invalid witness error but got: %v", err)
	}

	signed, err := testutils.AddSigAllWitness(proofs, outputs, []*btcec.PrivateKey{signingKey})
	if err != nil {
		t.Fatal(err)
	}
	firstWitness := signed[0].Witness

	// the combined signature placed on the second input instead of the
	// first is rejected
	misplaced := make(cashu.Proofs, len(signed))
	copy(misplaced, signed)
	misplaced[0].Witness = ""
	misplaced[1].Witness = firstWitness
	_, err = testMint.Swap(misplaced, outputs)
	cashuErr, ok = err.(cashu.Error)
	if !ok || cashuErr.Code != nut11.InvalidWitness.Code {
		t.Fatalf("expected invalid witness error but got: %v", err)
	}

	// a signature over a different output set does not cover this one
	otherOutputs, _, _, err := testutils.CreateBlindedMessages(24, keyset.Id)
	if err != nil {
		t.Fatal(err)
	}
	_, err = testMint.Swap(signed, otherOutputs)
	cashuErr, ok = err.(cashu.Error)
	if !ok || cashuErr.Code != nut11.NotEnoughSignaturesErr.Code {
		t.Fatalf("expected not enough signatures error but got: %v", err)
	}

	// single combined signature on the first input succeeds
	if _, err := testMint.Swap(signed, outputs); err != nil {
		t.Fatalf("unexpected error in sig-all swap: %v", err)
	}
}
