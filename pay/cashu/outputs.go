// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package cashu

import (
	"encoding/hex"
	"fmt"
	"math/big"

	"cashport.org/cashport/pay/keygen"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// OutputData is one deterministic blinded output: the secret and blinding
// factor derived from (seed, keyset, counter) and the resulting blinded
// message. The same inputs always produce byte-identical OutputData, which
// is what makes interrupted swaps and melts recoverable: the client
// recomputes the outputs and asks the mint to restore the signatures it
// already issued.
type OutputData struct {
	Amount         uint64         `json:"amount"`
	Secret         string         `json:"secret"`
	R              string         `json:"r"`
	BlindedMessage BlindedMessage `json:"blindedMessage"`
}

// derivationPurpose is the hardened purpose index of the output derivation
// path, m/purpose'/0'/keyset'/counter'/{0,1}.
const derivationPurpose = 129372

// keysetDerivationIndex maps a keyset ID to a hardened-safe child index:
// the keyset's big-endian integer value mod 2^31-1.
func keysetDerivationIndex(keysetID string) (uint32, error) {
	b, err := hex.DecodeString(keysetID)
	if err != nil {
		return 0, fmt.Errorf("keyset id %q: %w", keysetID, err)
	}
	n := new(big.Int).SetBytes(b)
	n.Mod(n, big.NewInt(1<<31-1))
	return uint32(n.Uint64()), nil
}

// DeriveOutputs derives one OutputData per amount, consuming one counter
// value per output starting at counter. The caller must persist
// counter + len(amounts) atomically with whatever entity consumed the
// counter range; reusing a counter produces colliding outputs the mint will
// refuse to sign twice.
func DeriveOutputs(seed []byte, keysetID string, counter uint32, amounts []uint64) ([]OutputData, error) {
	keysetIdx, err := keysetDerivationIndex(keysetID)
	if err != nil {
		return nil, err
	}

	outputs := make([]OutputData, 0, len(amounts))
	for i, amount := range amounts {
		c := counter + uint32(i)
		secret, err := deriveScalar(seed, keysetIdx, c, 0)
		if err != nil {
			return nil, fmt.Errorf("secret derivation at counter %d: %w", c, err)
		}
		rB, err := deriveScalar(seed, keysetIdx, c, 1)
		if err != nil {
			return nil, fmt.Errorf("r derivation at counter %d: %w", c, err)
		}
		secretHex := hex.EncodeToString(secret)
		r := secp256k1.PrivKeyFromBytes(rB)
		bBlinded, err := BlindMessage(secretHex, r)
		if err != nil {
			return nil, fmt.Errorf("blinding at counter %d: %w", c, err)
		}
		outputs = append(outputs, OutputData{
			Amount: amount,
			Secret: secretHex,
			R:      hex.EncodeToString(rB),
			BlindedMessage: BlindedMessage{
				Amount: amount,
				ID:     keysetID,
				B:      bBlinded,
			},
		})
	}
	return outputs, nil
}

func deriveScalar(seed []byte, keysetIdx, counter, leaf uint32) ([]byte, error) {
	key, err := keygen.GenDeepChild(seed, []uint32{
		keygen.HardenedKeyStart + derivationPurpose,
		keygen.HardenedKeyStart + 0,
		keygen.HardenedKeyStart + keysetIdx,
		keygen.HardenedKeyStart + counter,
		leaf,
	})
	if err != nil {
		return nil, err
	}
	defer key.Zero()
	serialized, err := key.SerializedPrivKey()
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(serialized))
	copy(out, serialized)
	return out, nil
}

// BlindedMessages extracts the blinded messages of the outputs, in order.
func OutputBlindedMessages(outputs []OutputData) BlindedMessages {
	msgs := make(BlindedMessages, len(outputs))
	for i := range outputs {
		msgs[i] = outputs[i].BlindedMessage
	}
	return msgs
}

// ConstructChangeProofs unblinds melt change signatures. Change outputs
// are submitted blank, so the signature amounts are authoritative and
// outputs beyond len(sigs) were simply unused by the mint.
func ConstructChangeProofs(outputs []OutputData, sigs BlindedSignatures, keyset *Keyset) (Proofs, error) {
	if len(sigs) > len(outputs) {
		return nil, fmt.Errorf("%d change signatures for %d outputs", len(sigs), len(outputs))
	}
	proofs := make(Proofs, 0, len(sigs))
	for i, sig := range sigs {
		out := outputs[i]
		mintKey, ok := keyset.Keys[sig.Amount]
		if !ok {
			return nil, fmt.Errorf("keyset %s has no key for amount %d", keyset.ID, sig.Amount)
		}
		rB, err := hex.DecodeString(out.R)
		if err != nil {
			return nil, fmt.Errorf("output %d r: %w", i, err)
		}
		c, err := UnblindSignature(sig.C, secp256k1.PrivKeyFromBytes(rB), mintKey)
		if err != nil {
			return nil, fmt.Errorf("output %d unblind: %w", i, err)
		}
		proofs = append(proofs, Proof{
			Amount: sig.Amount,
			ID:     sig.ID,
			Secret: out.Secret,
			C:      c,
		})
	}
	return proofs, nil
}

// ConstructProofs unblinds the mint's signatures using the output data that
// produced the corresponding blinded messages. The signatures must be in
// output order. Signatures for denominations the keyset has no key for are
// an error.
func ConstructProofs(outputs []OutputData, sigs BlindedSignatures, keyset *Keyset) (Proofs, error) {
	if len(sigs) > len(outputs) {
		return nil, fmt.Errorf("%d signatures for %d outputs", len(sigs), len(outputs))
	}
	proofs := make(Proofs, 0, len(sigs))
	for i, sig := range sigs {
		out := outputs[i]
		if sig.Amount != out.Amount {
			return nil, fmt.Errorf("signature %d amount %d != output amount %d", i, sig.Amount, out.Amount)
		}
		mintKey, ok := keyset.Keys[sig.Amount]
		if !ok {
			return nil, fmt.Errorf("keyset %s has no key for amount %d", keyset.ID, sig.Amount)
		}
		rB, err := hex.DecodeString(out.R)
		if err != nil {
			return nil, fmt.Errorf("output %d r: %w", i, err)
		}
		c, err := UnblindSignature(sig.C, secp256k1.PrivKeyFromBytes(rB), mintKey)
		if err != nil {
			return nil, fmt.Errorf("output %d unblind: %w", i, err)
		}
		proofs = append(proofs, Proof{
			Amount: sig.Amount,
			ID:     sig.ID,
			Secret: out.Secret,
			C:      c,
		})
	}
	return proofs, nil
}
