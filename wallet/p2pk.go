package wallet

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/cashumint/nutcore/cashu"
	"github.com/cashumint/nutcore/cashu/nuts/nut03"
	"github.com/cashumint/nutcore/cashu/nuts/nut11"
	"github.com/cashumint/nutcore/crypto"
	"github.com/cashumint/nutcore/wallet/client"
	"github.com/cashumint/nutcore/wallet/storage"
)

// Derive key that wallet will use to receive locked ecash
func DeriveP2PK(key *hdkeychain.ExtendedKey) (*btcec.PrivateKey, error) {
	// m/129372'
	purpose, err := key.Derive(hdkeychain.HardenedKeyStart + 129372)
	if err != nil {
		return nil, err
	}

	// m/129372'/0'
	coinType, err := purpose.Derive(hdkeychain.HardenedKeyStart + 0)
	if err != nil {
		return nil, err
	}

	// m/129372'/0'/1'
	first, err := coinType.Derive(hdkeychain.HardenedKeyStart + 1)
	if err != nil {
		return nil, err
	}

	// m/129372'/0'/1'/0
	extKey, err := first.Derive(0)
	if err != nil {
		return nil, err
	}

	pk, err := extKey.ECPrivKey()
	if err != nil {
		return nil, err
	}

	return pk, nil
}

// GetReceivePubkey returns the public key to which ecash can be locked
// for this wallet to redeem (NUT-11).
func (w *Wallet) GetReceivePubkey() *btcec.PublicKey {
	key, err := DeriveP2PK(w.masterKey)
	if err != nil {
		return nil
	}
	return key.PubKey()
}

// SendToPubkey sends amount as ecash locked to pubkey (NUT-11 P2PK):
// the selected input proofs are swapped for outputs whose secrets carry
// the spending condition, so only the holder of the matching private
// key can redeem the returned token. Locked secrets are random, not
// derived from the seed; change goes back to the wallet's own chain.
func (w *Wallet) SendToPubkey(amount uint64, mintURL string, pubkey *btcec.PublicKey) (cashu.Token, error) {
	if pubkey == nil {
		return nil, errors.New("invalid pubkey")
	}
	mint, ok := w.mints[mintURL]
	if !ok {
		return nil, ErrMintNotExist
	}

	activeKeyset, err := w.getActiveKeyset(mintURL)
	if err != nil {
		return nil, err
	}

	inputs, err := w.getProofsForAmount(mintURL, amount)
	if err != nil {
		return nil, err
	}
	fees := w.fees(inputs, mint)
	if inputs.Amount() < amount+fees {
		return nil, ErrInsufficientMintBalance
	}
	changeAmount := inputs.Amount() - amount - fees

	saga, err := w.newSaga(storage.SagaSend, mintURL, amount)
	if err != nil {
		return nil, err
	}
	// change outputs come from the deterministic chain so they survive
	// a crash; the locked outputs cannot (their secrets are random and
	// belong to the recipient once the token is out)
	if err := w.reserveOutputs(&saga, activeKeyset.Id, cashu.AmountSplit(changeAmount)); err != nil {
		return nil, err
	}
	if err := w.reserveProofs(&saga, inputs); err != nil {
		return nil, err
	}

	hexPubkey := hex.EncodeToString(pubkey.SerializeCompressed())
	lockedSplit := cashu.AmountSplit(amount)
	lockedOutputs := make(cashu.BlindedMessages, len(lockedSplit))
	lockedSecrets := make([]string, len(lockedSplit))
	lockedRs := make([]*secp256k1.PrivateKey, len(lockedSplit))
	for i, amt := range lockedSplit {
		secret, err := nut11.P2PKSecret(hexPubkey)
		if err != nil {
			return nil, err
		}
		r, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			return nil, err
		}
		B_, r, err := crypto.BlindMessage(secret, r)
		if err != nil {
			return nil, err
		}
		lockedOutputs[i] = cashu.NewBlindedMessage(activeKeyset.Id, amt, B_)
		lockedSecrets[i] = secret
		lockedRs[i] = r
	}

	changeOutputs, changeSecrets, changeRs, err := w.deriveSagaOutputs(&saga)
	if err != nil {
		return nil, err
	}

	outputs := append(append(cashu.BlindedMessages{}, lockedOutputs...), changeOutputs...)
	secrets := append(append([]string{}, lockedSecrets...), changeSecrets...)
	rs := append(append([]*secp256k1.PrivateKey{}, lockedRs...), changeRs...)

	if err := w.stepSaga(&saga, storage.SagaRequested); err != nil {
		return nil, err
	}

	swapResponse, err := client.PostSwap(mintURL, nut03.PostSwapRequest{Inputs: inputs, Outputs: outputs})
	if err != nil {
		var cashuErr cashu.Error
		if errors.As(err, &cashuErr) && cashuErr.Code != cashu.ProofAlreadyUsedErrCode {
			w.releaseProofs(&saga)
			w.finishSaga(&saga)
		}
		return nil, err
	}

	allProofs, err := constructProofs(swapResponse.Signatures, outputs, secrets, rs, activeKeyset)
	if err != nil {
		return nil, err
	}

	lockedProofs := allProofs[:len(lockedSplit)]
	changeProofs := allProofs[len(lockedSplit):]
	if len(changeProofs) > 0 {
		if err := w.db.SaveProofs(changeProofs); err != nil {
			return nil, err
		}
	}

	token, err := cashu.NewTokenV4(lockedProofs, mintURL, w.unit, false)
	if err != nil {
		return nil, fmt.Errorf("error creating token: %v", err)
	}

	if err := w.discardReservedProofs(&saga); err != nil {
		return nil, err
	}
	if err := w.finishSaga(&saga); err != nil {
		return nil, err
	}

	return token, nil
}

// signP2PKProofs signs any P2PK-locked proofs in the set with the
// wallet's receive key, so they can be redeemed through a swap.
func (w *Wallet) signP2PKProofs(proofs cashu.Proofs) (cashu.Proofs, error) {
	key, err := DeriveP2PK(w.masterKey)
	if err != nil {
		return nil, err
	}
	return nut11.AddSignatureToInputs(proofs, key)
}
