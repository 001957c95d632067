// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package cashu

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// hashToCurveDomain is the domain separator for mapping secrets onto the
// curve.
const hashToCurveDomain = "Secp256k1_HashToCurve_Cashu_"

// HashToCurve maps a message to a secp256k1 point. The mapping hashes the
// domain-separated message, then appends an incrementing 32-bit counter
// until the digest is the x coordinate of a valid curve point with even y.
func HashToCurve(message []byte) (*secp256k1.PublicKey, error) {
	prefixed := sha256.Sum256(append([]byte(hashToCurveDomain), message...))
	counter := make([]byte, 4)
	candidate := make([]byte, 33)
	candidate[0] = secp256k1.PubKeyFormatCompressedEven
	for i := uint32(0); i < 1<<16; i++ {
		binary.LittleEndian.PutUint32(counter, i)
		h := sha256.Sum256(append(prefixed[:], counter...))
		copy(candidate[1:], h[:])
		if pk, err := secp256k1.ParsePubKey(candidate); err == nil {
			return pk, nil
		}
	}
	return nil, fmt.Errorf("no curve point found for message")
}

// Y computes the hex-encoded public-key fingerprint of a proof secret:
// the compressed hash-to-curve point. Y is the canonical idempotent handle
// for cross-referencing a proof's state with the mint.
func Y(secret string) (string, error) {
	pt, err := HashToCurve([]byte(secret))
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(pt.SerializeCompressed()), nil
}

// BlindMessage computes B_ = Y + rG for the secret and blinding factor r.
func BlindMessage(secret string, r *secp256k1.PrivateKey) (string, error) {
	yPt, err := HashToCurve([]byte(secret))
	if err != nil {
		return "", err
	}
	var y, rg, b secp256k1.JacobianPoint
	yPt.AsJacobian(&y)
	secp256k1.ScalarBaseMultNonConst(&r.Key, &rg)
	secp256k1.AddNonConst(&y, &rg, &b)
	b.ToAffine()
	return hex.EncodeToString(secp256k1.NewPublicKey(&b.X, &b.Y).SerializeCompressed()), nil
}

// UnblindSignature computes C = C_ - rK, converting a blind signature into a
// spendable proof signature. K is the mint's public key for the output's
// denomination.
func UnblindSignature(cBlinded string, r *secp256k1.PrivateKey, mintKey string) (string, error) {
	cPt, err := parsePoint(cBlinded)
	if err != nil {
		return "", fmt.Errorf("C_: %w", err)
	}
	kPt, err := parsePoint(mintKey)
	if err != nil {
		return "", fmt.Errorf("mint key: %w", err)
	}

	var cj, kj, rk, c secp256k1.JacobianPoint
	cPt.AsJacobian(&cj)
	kPt.AsJacobian(&kj)
	secp256k1.ScalarMultNonConst(&r.Key, &kj, &rk)
	rk.ToAffine()
	rk.Y.Negate(1)
	rk.Y.Normalize()
	secp256k1.AddNonConst(&cj, &rk, &c)
	c.ToAffine()
	return hex.EncodeToString(secp256k1.NewPublicKey(&c.X, &c.Y).SerializeCompressed()), nil
}

func parsePoint(hexPt string) (*secp256k1.PublicKey, error) {
	b, err := hex.DecodeString(hexPt)
	if err != nil {
		return nil, err
	}
	return secp256k1.ParsePubKey(b)
}
