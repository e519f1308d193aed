package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// maxHashToCurveIterations bounds the hash-chain retry loop below. A
// candidate x-coordinate fails to be a valid curve point roughly half
// the time, so this is astronomically more than ever needed in practice.
const maxHashToCurveIterations = 100

// HashToCurve maps a secret onto a point on the curve with an
// unknown discrete logarithm, by repeatedly hashing until the
// resulting x-coordinate is a valid compressed point.
func HashToCurve(secret []byte) (*secp256k1.PublicKey, error) {
	msg := secret
	for i := 0; i < maxHashToCurveIterations; i++ {
		hash := sha256.Sum256(msg)
		pkhash := append([]byte{0x02}, hash[:]...)
		if point, err := secp256k1.ParsePubKey(pkhash); err == nil && point.IsOnCurve() {
			return point, nil
		}
		msg = hash[:]
	}
	return nil, errors.New("crypto: could not hash secret to a curve point")
}

// BlindMessage blinds secret with blindingFactor, returning B_ = Y + rG.
// If blindingFactor is nil, a random one is generated.
func BlindMessage(secret string, blindingFactor *secp256k1.PrivateKey) (
	*secp256k1.PublicKey, *secp256k1.PrivateKey, error) {

	Y, err := HashToCurve([]byte(secret))
	if err != nil {
		return nil, nil, err
	}

	r := blindingFactor
	if r == nil {
		r, err = secp256k1.GeneratePrivateKey()
		if err != nil {
			return nil, nil, err
		}
	}

	var ypoint, rpoint, blindedMessage secp256k1.JacobianPoint
	Y.AsJacobian(&ypoint)
	r.PubKey().AsJacobian(&rpoint)

	secp256k1.AddNonConst(&ypoint, &rpoint, &blindedMessage)
	blindedMessage.ToAffine()
	B_ := secp256k1.NewPublicKey(&blindedMessage.X, &blindedMessage.Y)

	return B_, r, nil
}

// C_ = kB_
func SignBlindedMessage(B_ *secp256k1.PublicKey, k *secp256k1.PrivateKey) *secp256k1.PublicKey {
	var bpoint, result secp256k1.JacobianPoint
	B_.AsJacobian(&bpoint)

	// result = k * B_
	secp256k1.ScalarMultNonConst(&k.Key, &bpoint, &result)
	result.ToAffine()
	C_ := secp256k1.NewPublicKey(&result.X, &result.Y)

	return C_
}

// C = C_ - rK
func UnblindSignature(C_ *secp256k1.PublicKey, r *secp256k1.PrivateKey,
	K *secp256k1.PublicKey) *secp256k1.PublicKey {

	var Kpoint, rKPoint, CPoint secp256k1.JacobianPoint
	K.AsJacobian(&Kpoint)

	var rNeg secp256k1.ModNScalar
	rNeg.NegateVal(&r.Key)

	secp256k1.ScalarMultNonConst(&rNeg, &Kpoint, &rKPoint)

	var C_Point secp256k1.JacobianPoint
	C_.AsJacobian(&C_Point)
	secp256k1.AddNonConst(&C_Point, &rKPoint, &CPoint)
	CPoint.ToAffine()

	C := secp256k1.NewPublicKey(&CPoint.X, &CPoint.Y)
	return C
}

// k * HashToCurve(secret) == C
func Verify(secret []byte, k *secp256k1.PrivateKey, C *secp256k1.PublicKey) bool {
	var Ypoint, result secp256k1.JacobianPoint
	Y, err := HashToCurve(secret)
	if err != nil {
		return false
	}
	Y.AsJacobian(&Ypoint)

	secp256k1.ScalarMultNonConst(&k.Key, &Ypoint, &result)
	result.ToAffine()
	pk := secp256k1.NewPublicKey(&result.X, &result.Y)

	return C.IsEqual(pk)
}

// negatePoint returns -P as an affine Jacobian point.
func negatePoint(p *secp256k1.JacobianPoint) secp256k1.JacobianPoint {
	neg := *p
	neg.Y.Negate(1)
	neg.Y.Normalize()
	return neg
}

// dleqChallenge is the Fiat-Shamir challenge e = H(R1 || R2 || A || C_)
// binding the two nonce commitments to the keypair and blinded
// signature a DLEQ proof attests to. As in NUT-12, each point enters
// the hash as the hex string of its uncompressed serialization.
func dleqChallenge(R1, R2, A, C_ *secp256k1.PublicKey) secp256k1.ModNScalar {
	h := sha256.New()
	for _, P := range []*secp256k1.PublicKey{R1, R2, A, C_} {
		h.Write([]byte(hex.EncodeToString(P.SerializeUncompressed())))
	}
	sum := h.Sum(nil)

	var e secp256k1.ModNScalar
	e.SetByteSlice(sum)
	return e
}

// GenerateDLEQ produces a non-interactive proof that C_ = kB_ for the
// same private key k whose public key A = kG was used to sign, without
// revealing k. It picks a random nonce p, commits to R1 = pG and
// R2 = pB_, derives the challenge e from those commitments, and
// computes the response s = p + ek (mod n).
func GenerateDLEQ(k *secp256k1.PrivateKey, B_, C_ *secp256k1.PublicKey) (e, s *secp256k1.PrivateKey) {
	p, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, nil
	}

	R1 := p.PubKey()

	var bpoint, r2jac secp256k1.JacobianPoint
	B_.AsJacobian(&bpoint)
	secp256k1.ScalarMultNonConst(&p.Key, &bpoint, &r2jac)
	r2jac.ToAffine()
	R2 := secp256k1.NewPublicKey(&r2jac.X, &r2jac.Y)

	K := k.PubKey()
	eScalar := dleqChallenge(R1, R2, K, C_)

	var es secp256k1.ModNScalar
	es.Mul2(&eScalar, &k.Key)

	sScalar := new(secp256k1.ModNScalar).Set(&p.Key)
	sScalar.Add(&es)

	eBytes := eScalar.Bytes()
	sBytes := sScalar.Bytes()

	return secp256k1.PrivKeyFromBytes(eBytes[:]), secp256k1.PrivKeyFromBytes(sBytes[:])
}

// VerifyDLEQ checks a proof produced by GenerateDLEQ by recomputing
// the nonce commitments from the response and the public points
// A = kG and C_ = kB_, then checking the challenge matches.
//
// R1' = sG - eA, R2' = sB_ - eC_, accept iff e == H(R1' || R2' || A || C_)
func VerifyDLEQ(e, s *secp256k1.PrivateKey, A, B_, C_ *secp256k1.PublicKey) bool {
	var sGjac secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&s.Key, &sGjac)

	var apoint, eAjac secp256k1.JacobianPoint
	A.AsJacobian(&apoint)
	secp256k1.ScalarMultNonConst(&e.Key, &apoint, &eAjac)
	eANeg := negatePoint(&eAjac)

	var R1jac secp256k1.JacobianPoint
	secp256k1.AddNonConst(&sGjac, &eANeg, &R1jac)
	R1jac.ToAffine()
	R1 := secp256k1.NewPublicKey(&R1jac.X, &R1jac.Y)

	var bpoint, sBjac secp256k1.JacobianPoint
	B_.AsJacobian(&bpoint)
	secp256k1.ScalarMultNonConst(&s.Key, &bpoint, &sBjac)

	var cpoint, eCjac secp256k1.JacobianPoint
	C_.AsJacobian(&cpoint)
	secp256k1.ScalarMultNonConst(&e.Key, &cpoint, &eCjac)
	eCNeg := negatePoint(&eCjac)

	var R2jac secp256k1.JacobianPoint
	secp256k1.AddNonConst(&sBjac, &eCNeg, &R2jac)
	R2jac.ToAffine()
	R2 := secp256k1.NewPublicKey(&R2jac.X, &R2jac.Y)

	eComputed := dleqChallenge(R1, R2, A, C_)
	wantBytes := e.Key.Bytes()
	gotBytes := eComputed.Bytes()
	return wantBytes == gotBytes
}
