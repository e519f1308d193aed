//go:build integration

package wallet_test

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"path/filepath"
	"slices"
	"testing"

	btcdocker "github.com/elnosh/btc-docker-test"
	"github.com/elnosh/btc-docker-test/lnd"
	"github.com/cashumint/nutcore/testutils"
	"github.com/cashumint/nutcore/wallet"
)

var (
	ctx      context.Context
	bitcoind *btcdocker.Bitcoind
	node1    testutils.LightningBackend
	node2    testutils.LightningBackend

	testWallet *wallet.Wallet

	defaultMintURL = "http://127.0.0.1:3338"
	secondMintURL  = "http://127.0.0.1:3339"
)

func TestMain(m *testing.M) {
	flag.Parse()
	code, err := testMain(m)
	if err != nil {
		log.Println(err)
	}
	os.Exit(code)
}

func testMain(m *testing.M) (int, error) {
	ctx = context.Background()
	var err error
	bitcoind, err = btcdocker.NewBitcoind(ctx)
	if err != nil {
		return 1, err
	}
	defer bitcoind.Terminate(ctx)

	if _, err = bitcoind.Client.CreateWallet(""); err != nil {
		return 1, err
	}

	lnd1, err := lnd.NewLnd(ctx, bitcoind)
	if err != nil {
		return 1, err
	}
	lnd2, err := lnd.NewLnd(ctx, bitcoind)
	if err != nil {
		return 1, err
	}
	defer func() {
		lnd1.Terminate(ctx)
		lnd2.Terminate(ctx)
	}()

	lightningClient1, err := testutils.LndClient(lnd1)
	if err != nil {
		return 1, err
	}
	lightningClient2, err := testutils.LndClient(lnd2)
	if err != nil {
		return 1, err
	}

	node1 = &testutils.LndBackend{Lnd: lnd1}
	node2 = &testutils.LndBackend{Lnd: lnd2}

	if err := testutils.FundNode(ctx, bitcoind, node1); err != nil {
		return 1, err
	}
	if err := testutils.OpenChannel(ctx, bitcoind, node1, node2, 15000000); err != nil {
		return 1, err
	}

	testMintPath := filepath.Join(".", "testmint1")
	mintServer, err := testutils.CreateTestMintServer(lightningClient1, 3338, 0, testMintPath, 0)
	if err != nil {
		return 1, err
	}
	defer os.RemoveAll(testMintPath)
	go mintServer.Start()

	testMint2Path := filepath.Join(".", "testmint2")
	mintServer2, err := testutils.CreateTestMintServer(lightningClient2, 3339, 0, testMint2Path, 0)
	if err != nil {
		return 1, err
	}
	defer os.RemoveAll(testMint2Path)
	go mintServer2.Start()

	testWalletPath := filepath.Join(".", "testwallet1")
	testWallet, err = testutils.CreateTestWallet(testWalletPath, defaultMintURL)
	if err != nil {
		return 1, err
	}
	defer os.RemoveAll(testWalletPath)

	return m.Run(), nil
}

func TestMintTokens(t *testing.T) {
	var mintAmount uint64 = 300000
	mintRes, err := testWallet.RequestMint(mintAmount)
	if err != nil {
		t.Fatalf("error requesting mint: %v", err)
	}

	// pay invoice
	if err := node2.PayInvoice(mintRes.Request); err != nil {
		t.Fatalf("error paying invoice: %v", err)
	}

	mintQuote, _ := testWallet.GetInvoiceByPaymentRequest(mintRes.Request)
	if mintQuote == nil {
		t.Fatal("got unexpected nil quote")
	}

	proofs, err := testWallet.MintTokens(mintRes.Quote)
	if err != nil {
		t.Fatalf("got unexpected error: %v", err)
	}

	if proofs.Amount() != mintAmount {
		t.Fatalf("expected proofs amount of '%v' but got '%v' instead", mintAmount, proofs.Amount())
	}

	// non-existent quote
	if _, err = testWallet.MintTokens("id198274"); err == nil {
		t.Fatalf("expected error but got nil")
	}
}

func TestSend(t *testing.T) {
	var sendAmount uint64 = 4200
	token, err := testWallet.Send(sendAmount, defaultMintURL)
	if err != nil {
		t.Fatalf("got unexpected error: %v", err)
	}
	if token.Amount() != sendAmount {
		t.Fatalf("expected token amount of '%v' but got '%v' instead", sendAmount, token.Amount())
	}

	// test with invalid mint
	_, err = testWallet.Send(sendAmount, "http://nonexistent.mint")
	if !errors.Is(err, wallet.ErrMintNotExist) {
		t.Fatalf("expected error '%v' but got error '%v'", wallet.ErrMintNotExist, err)
	}

	// insufficient balance in wallet
	_, err = testWallet.Send(2000000, defaultMintURL)
	if !errors.Is(err, wallet.ErrInsufficientMintBalance) {
		t.Fatalf("expected error '%v' but got error '%v'", wallet.ErrInsufficientMintBalance, err)
	}
}

func TestReceive(t *testing.T) {
	testWalletPath := filepath.Join(".", "testwallet2")
	testWallet2, err := testutils.CreateTestWallet(testWalletPath, secondMintURL)
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(testWalletPath)

	if err := testutils.FundCashuWallet(ctx, testWallet2, node1, 15000); err != nil {
		t.Fatalf("error funding wallet: %v", err)
	}

	token, err := testWallet2.Send(1500, secondMintURL)
	if err != nil {
		t.Fatalf("got unexpected error in send: %v", err)
	}

	// test receive swap == true
	if _, err = testWallet.Receive(token, true); err != nil {
		t.Fatalf("got unexpected error in receive: %v", err)
	}
	trustedMints := testWallet.TrustedMints()
	// there should only be 1 trusted mint since it was swapped to the default mint
	if len(trustedMints) != 1 {
		t.Fatalf("expected len of trusted mints '%v' but got '%v' instead", 1, len(trustedMints))
	}
	if !slices.Contains(trustedMints, defaultMintURL) {
		t.Fatalf("expected '%v' in list of trusted mints", defaultMintURL)
	}

	token2, err := testWallet2.Send(1500, secondMintURL)
	if err != nil {
		t.Fatalf("got unexpected error in send: %v", err)
	}

	// test receive swap == false
	if _, err = testWallet.Receive(token2, false); err != nil {
		t.Fatalf("got unexpected error in receive: %v", err)
	}

	trustedMints = testWallet.TrustedMints()
	// mint from received token should be added to trusted mints if swap is false
	if len(trustedMints) != 2 {
		t.Fatalf("expected len of trusted mints '%v' but got '%v' instead", 2, len(trustedMints))
	}
	if !slices.Contains(trustedMints, secondMintURL) {
		t.Fatalf("expected '%v' in list of trusted mints", secondMintURL)
	}
}

func TestMelt(t *testing.T) {
	// create invoice for melt request
	invoice, err := node2.CreateInvoice(10000)
	if err != nil {
		t.Fatalf("error creating invoice: %v", err)
	}

	meltResponse, err := testWallet.Melt(invoice.PaymentRequest, defaultMintURL)
	if err != nil {
		t.Fatalf("got unexpected melt error: %v", err)
	}
	if !meltResponse.Paid {
		t.Fatalf("expected paid melt")
	}

	// try melt for invoice over balance
	invoice, err = node2.CreateInvoice(6000000)
	if err != nil {
		t.Fatalf("error creating invoice: %v", err)
	}
	_, err = testWallet.Melt(invoice.PaymentRequest, defaultMintURL)
	if !errors.Is(err, wallet.ErrInsufficientMintBalance) {
		t.Fatalf("expected error '%v' but got error '%v'", wallet.ErrInsufficientMintBalance, err)
	}

	_, err = testWallet.Melt(invoice.PaymentRequest, "http://nonexistent.mint")
	if !errors.Is(err, wallet.ErrMintNotExist) {
		t.Fatalf("expected error '%v' but got error '%v'", wallet.ErrMintNotExist, err)
	}
}
