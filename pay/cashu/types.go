// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package cashu implements the ecash primitives the engine's state machines
// operate on: proofs, keysets, blinded messages, deterministic output
// derivation, and shareable tokens.
package cashu

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Proof is a bearer token: a mint's blind signature over a secret,
// representing a discrete value at that mint.
type Proof struct {
	// Amount is the proof denomination in the keyset's unit.
	Amount uint64 `json:"amount"`
	// ID is the keyset ID the proof was signed under.
	ID string `json:"id"`
	// Secret is the message that was blind-signed.
	Secret string `json:"secret"`
	// C is the unblinded signature, hex-encoded compressed point.
	C string `json:"C"`
	// Witness holds a serialized spending-condition witness, if the secret
	// carries one (P2PK et al).
	Witness string `json:"witness,omitempty"`
	// DLEQ is the mint's proof of same-key signing, when provided.
	DLEQ *DLEQProof `json:"dleq,omitempty"`
}

// DLEQProof lets a receiver verify a proof offline against the mint's
// public key.
type DLEQProof struct {
	E string `json:"e"`
	S string `json:"s"`
	R string `json:"r,omitempty"`
}

// Proofs is a set of proofs.
type Proofs []Proof

// Amount is the sum of the proof denominations.
func (ps Proofs) Amount() uint64 {
	var total uint64
	for i := range ps {
		total += ps[i].Amount
	}
	return total
}

// Ys returns the public-key fingerprint of every proof, in proof order.
// The fingerprint is the hash-to-curve point of the secret and is the
// idempotent handle the mint tracks spent state by.
func (ps Proofs) Ys() ([]string, error) {
	ys := make([]string, len(ps))
	for i := range ps {
		y, err := Y(ps[i].Secret)
		if err != nil {
			return nil, fmt.Errorf("proof %d: %w", i, err)
		}
		ys[i] = y
	}
	return ys, nil
}

// BlindedMessage is an output to be signed by the mint.
type BlindedMessage struct {
	Amount uint64 `json:"amount"`
	ID     string `json:"id"`
	B      string `json:"B_"`
}

// BlindedMessages is an ordered set of blinded messages.
type BlindedMessages []BlindedMessage

// BlindedSignature is the mint's signature over a blinded message.
type BlindedSignature struct {
	Amount uint64 `json:"amount"`
	ID     string `json:"id"`
	C      string `json:"C_"`
}

// BlindedSignatures is an ordered set of blind signatures.
type BlindedSignatures []BlindedSignature

// Keyset describes a mint key epoch.
type Keyset struct {
	// ID is the keyset identifier, derived by the mint from its public
	// keys.
	ID string `json:"id"`
	// Unit is the keyset's unit, e.g. "sat".
	Unit string `json:"unit"`
	// Active indicates whether the mint still signs under this keyset.
	Active bool `json:"active"`
	// InputFeePpk is the fee per input proof, in thousandths of the unit.
	InputFeePpk uint64 `json:"input_fee_ppk"`
	// Keys maps denomination to the mint's hex-encoded public key for that
	// amount.
	Keys map[uint64]string `json:"keys,omitempty"`
}

// ProofState is the mint-reported lifecycle state of a proof.
type ProofState string

const (
	ProofStateUnspent ProofState = "UNSPENT"
	ProofStatePending ProofState = "PENDING"
	ProofStateSpent   ProofState = "SPENT"
)

// ProofStateUpdate is a mint notification about one proof, keyed by its Y
// fingerprint.
type ProofStateUpdate struct {
	Y       string     `json:"Y"`
	State   ProofState `json:"state"`
	Witness string     `json:"witness,omitempty"`
}

// SplitAmount decomposes a value into power-of-two denominations, ascending.
// This is the denomination plan used for swap outputs, matching what mints
// sign by default.
func SplitAmount(v uint64) []uint64 {
	amounts := make([]uint64, 0, 8)
	for bit := 0; bit < 64; bit++ {
		if v&(1<<bit) != 0 {
			amounts = append(amounts, 1<<bit)
		}
	}
	return amounts
}

// CeilLog2 returns the smallest n such that 2^n >= v, with CeilLog2(0) == 0.
// The number of change outputs reserved for a melt is CeilLog2 of the
// maximum possible change, so change denominations stay predictable for
// idempotent restore.
func CeilLog2(v uint64) int {
	if v <= 1 {
		return 0
	}
	n := 0
	for (uint64(1) << n) < v {
		n++
	}
	return n
}

// canonicalProofs returns the proofs sorted by secret so hashes over a proof
// set are order-independent.
func canonicalProofs(ps Proofs) Proofs {
	sorted := make(Proofs, len(ps))
	copy(sorted, ps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Secret < sorted[j].Secret })
	return sorted
}

func marshalCanonical(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// Only used with engine-owned types that always marshal.
		panic("marshalCanonical: " + err.Error())
	}
	return b
}
