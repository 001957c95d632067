// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package calc implements proof selection and mint fee estimation. All
// functions are pure: selection is deterministic for a given proof set so
// concurrent sessions that start from the same state propose the same
// spend.
package calc

import (
	"fmt"
	"sort"

	"cashport.org/cashport/pay"
	"cashport.org/cashport/pay/cashu"
)

// FeesForProofs returns the mint fee for spending the proofs as swap or
// melt inputs. Fees are proof-count-dependent: each input contributes the
// keyset's per-proof fee in thousandths, and the total is rounded up to a
// whole unit.
func FeesForProofs(proofs cashu.Proofs, keyset *cashu.Keyset) uint64 {
	return (uint64(len(proofs))*keyset.InputFeePpk + 999) / 1000
}

// feeForCount is FeesForProofs for a hypothetical input count.
func feeForCount(count int, keyset *cashu.Keyset) uint64 {
	return (uint64(count)*keyset.InputFeePpk + 999) / 1000
}

// FeeToReceiveAtLeast estimates, conservatively, the swap fee a receiver
// pays to claim outputs summing to at least amount. The fee depends on the
// number of input proofs, which depends on the amount sent, which includes
// the fee; the estimate iterates to a fixed point.
func FeeToReceiveAtLeast(amount uint64, keyset *cashu.Keyset) uint64 {
	fee := uint64(0)
	for i := 0; i < 8; i++ {
		count := len(cashu.SplitAmount(amount + fee))
		next := feeForCount(count, keyset)
		if next == fee {
			break
		}
		fee = next
	}
	return fee
}

// Selection is the result of proof selection: the proofs to spend and the
// proofs to keep.
type Selection struct {
	Send cashu.Proofs
	Keep cashu.Proofs
	// Fee is the mint fee for spending Send, zero when includeFees was
	// false.
	Fee uint64
	// ExactMatch is true when sum(Send) == amount + Fee with zero slack, so
	// no swap is needed to make change.
	ExactMatch bool
}

// SelectProofsToSend chooses a subset of proofs covering amount, plus the
// input fee for that subset when includeFees is set. The keyset supplies
// the fee schedule. Policy: an exact subset (zero slack) is preferred;
// otherwise the selection minimizes overage by taking the smallest single
// proof that covers the target, or accumulating largest-first. Returns a
// DomainError when the proofs cannot cover the target.
func SelectProofsToSend(proofs cashu.Proofs, amount uint64, includeFees bool, keyset *cashu.Keyset) (*Selection, error) {
	desc := make(cashu.Proofs, len(proofs))
	copy(desc, proofs)
	sort.SliceStable(desc, func(i, j int) bool {
		if desc[i].Amount != desc[j].Amount {
			return desc[i].Amount > desc[j].Amount
		}
		return desc[i].Secret < desc[j].Secret
	})
	return selectWithKeyset(desc, amount, includeFees, keyset)
}

func selectWithKeyset(desc cashu.Proofs, amount uint64, includeFees bool, keyset *cashu.Keyset) (*Selection, error) {
	total := desc.Amount()
	if total < amount {
		return nil, pay.DomainError(fmt.Sprintf(
			"Insufficient balance: need %d, have %d", amount, total))
	}

	// Exact-subset fast path. Proof denominations are powers of two, so a
	// largest-first greedy scan finds an exact subset whenever one exists.
	// With fees included the subset size feeds back into the target, so a
	// few candidate sizes are tried.
	for extraFeeProofs := 0; extraFeeProofs <= 2; extraFeeProofs++ {
		fee := uint64(0)
		if includeFees {
			// Seed the fee from a guessed proof count, then verify below.
			fee = feeForCount(len(cashu.SplitAmount(amount))+extraFeeProofs, keyset)
		}
		if send, keep, ok := exactSubset(desc, amount+fee); ok {
			actualFee := uint64(0)
			if includeFees {
				actualFee = FeesForProofs(send, keyset)
			}
			if send.Amount() == amount+actualFee {
				return &Selection{Send: send, Keep: keep, Fee: actualFee, ExactMatch: true}, nil
			}
		}
		if !includeFees {
			break
		}
	}

	// No exact subset. Minimize overage: smallest single proof covering the
	// target, else accumulate largest-first. The fee target converges in at
	// most a few rounds since adding a proof adds at most one fee unit.
	fee := uint64(0)
	for round := 0; round < 8; round++ {
		target := amount + fee
		send, keep, err := covering(desc, target)
		if err != nil {
			return nil, err
		}
		if !includeFees {
			return &Selection{Send: send, Keep: keep}, nil
		}
		actualFee := FeesForProofs(send, keyset)
		if actualFee == fee {
			return &Selection{Send: send, Keep: keep, Fee: actualFee}, nil
		}
		fee = actualFee
	}
	return nil, pay.DomainError(fmt.Sprintf(
		"Insufficient balance: need %d plus fees, have %d", amount, total))
}

// exactSubset looks for a subset summing exactly to target using a
// largest-first greedy scan over the descending-sorted proofs.
func exactSubset(desc cashu.Proofs, target uint64) (send, keep cashu.Proofs, ok bool) {
	if target == 0 {
		return nil, desc, false
	}
	remaining := target
	used := make([]bool, len(desc))
	for i := range desc {
		if desc[i].Amount <= remaining {
			used[i] = true
			remaining -= desc[i].Amount
			if remaining == 0 {
				break
			}
		}
	}
	if remaining != 0 {
		return nil, nil, false
	}
	for i := range desc {
		if used[i] {
			send = append(send, desc[i])
		} else {
			keep = append(keep, desc[i])
		}
	}
	return send, keep, true
}

// covering selects proofs summing to at least target with minimal overage:
// the smallest single proof >= target if any, else largest-first
// accumulation.
func covering(desc cashu.Proofs, target uint64) (send, keep cashu.Proofs, err error) {
	if desc.Amount() < target {
		return nil, nil, pay.DomainError(fmt.Sprintf(
			"Insufficient balance: need %d, have %d", target, desc.Amount()))
	}

	// desc is sorted descending, so the last proof >= target is the
	// smallest single cover.
	single := -1
	for i := range desc {
		if desc[i].Amount >= target {
			single = i
		} else {
			break
		}
	}
	if single >= 0 {
		send = cashu.Proofs{desc[single]}
		keep = append(append(cashu.Proofs{}, desc[:single]...), desc[single+1:]...)
		return send, keep, nil
	}

	var sum uint64
	for i := range desc {
		send = append(send, desc[i])
		sum += desc[i].Amount
		if sum >= target {
			keep = append(cashu.Proofs{}, desc[i+1:]...)
			return send, keep, nil
		}
	}
	return nil, nil, pay.DomainError(fmt.Sprintf(
		"Insufficient balance: need %d, have %d", target, sum))
}
