// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package keygen derives deterministic child keys from an account seed.
// The cashu package uses it to derive blinded-output secrets and blinding
// factors from (seed, keyset, counter) so that a crashed or retried
// operation can recompute identical outputs.
package keygen

import (
	"fmt"

	"github.com/decred/dcrd/hdkeychain/v3"
)

// RootKeyParams implements hdkeychain.NetworkParams for master
// hdkeychain.ExtendedKey creation. The magic bytes only namespace the
// serialized keys; they never appear on any wire.
type RootKeyParams struct{}

func (*RootKeyParams) HDPrivKeyVersion() [4]byte {
	return [4]byte{0x63, 0x70, 0x72, 0x76} // ASCII "cprv"
}
func (*RootKeyParams) HDPubKeyVersion() [4]byte {
	return [4]byte{0x63, 0x70, 0x75, 0x62} // ASCII "cpub"
}

// GenDeepChild derives the leaf of a path of children from a root seed.
func GenDeepChild(seed []byte, kids []uint32) (*hdkeychain.ExtendedKey, error) {
	root, err := hdkeychain.NewMaster(seed, &RootKeyParams{})
	if err != nil {
		return nil, err
	}
	defer root.Zero()

	return GenDeepChildFromXPriv(root, kids)
}

// GenDeepChildFromXPriv derives the leaf of a path of children from a parent
// extended key. Derivation is strict BIP32: an invalid child index is an
// error rather than being skipped, since skipping would break the
// reproducibility the cashu output derivation depends on.
func GenDeepChildFromXPriv(root *hdkeychain.ExtendedKey, kids []uint32) (*hdkeychain.ExtendedKey, error) {
	extKey := root
	for i, childIdx := range kids {
		childExtKey, err := extKey.ChildBIP32Std(childIdx)
		if i > 0 { // don't zero the input arg
			extKey.Zero()
		}
		if err != nil {
			return nil, fmt.Errorf("child %d derive error: %w", childIdx, err)
		}
		extKey = childExtKey
	}
	return extKey, nil
}

// HardenedKeyStart offsets a child index into the hardened range.
const HardenedKeyStart = hdkeychain.HardenedKeyStart
