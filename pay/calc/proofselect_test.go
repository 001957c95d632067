// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package calc

import (
	"fmt"
	"testing"

	"cashport.org/cashport/pay"
	"cashport.org/cashport/pay/cashu"
)

func makeProofs(amounts ...uint64) cashu.Proofs {
	proofs := make(cashu.Proofs, len(amounts))
	for i, amt := range amounts {
		proofs[i] = cashu.Proof{
			Amount: amt,
			ID:     "00ad268c4d1f5826",
			Secret: fmt.Sprintf("secret-%d-%d", i, amt),
		}
	}
	return proofs
}

func feeKeyset(ppk uint64) *cashu.Keyset {
	return &cashu.Keyset{ID: "00ad268c4d1f5826", Unit: "sat", Active: true, InputFeePpk: ppk}
}

func TestFeesForProofs(t *testing.T) {
	tests := []struct {
		count int
		ppk   uint64
		want  uint64
	}{
		{0, 100, 0},
		{1, 100, 1},
		{10, 100, 1},
		{11, 100, 2},
		{3, 0, 0},
		{5, 1000, 5},
	}
	for _, test := range tests {
		proofs := make(cashu.Proofs, test.count)
		if fee := FeesForProofs(proofs, feeKeyset(test.ppk)); fee != test.want {
			t.Errorf("%d proofs at %d ppk: wanted fee %d, got %d",
				test.count, test.ppk, test.want, fee)
		}
	}
}

func TestFeeToReceiveAtLeast(t *testing.T) {
	ks := feeKeyset(100)
	// 100 = 64+32+4 is three outputs, so the receiver's swap fee is 1. The
	// sender adds the fee, 101 = 64+32+4+1, four proofs, still fee 1.
	if fee := FeeToReceiveAtLeast(100, ks); fee != 1 {
		t.Fatalf("wanted fee 1, got %d", fee)
	}
	if fee := FeeToReceiveAtLeast(100, feeKeyset(0)); fee != 0 {
		t.Fatalf("wanted fee 0 with no fee schedule, got %d", fee)
	}
}

func TestSelectProofsToSendExact(t *testing.T) {
	proofs := makeProofs(1, 2, 4, 8, 16)

	sel, err := SelectProofsToSend(proofs, 10, false, feeKeyset(0))
	if err != nil {
		t.Fatalf("selection error: %v", err)
	}
	if !sel.ExactMatch {
		t.Fatalf("no exact match for 10 from powers of two")
	}
	if sel.Send.Amount() != 10 {
		t.Fatalf("wrong send total. wanted 10, got %d", sel.Send.Amount())
	}
	if sel.Keep.Amount() != 21 {
		t.Fatalf("wrong keep total. wanted 21, got %d", sel.Keep.Amount())
	}
	if sel.Fee != 0 {
		t.Fatalf("unexpected fee %d", sel.Fee)
	}
	if len(sel.Send)+len(sel.Keep) != len(proofs) {
		t.Fatalf("proofs lost in selection: %d + %d != %d",
			len(sel.Send), len(sel.Keep), len(proofs))
	}
}

func TestSelectProofsToSendCovering(t *testing.T) {
	// 7 can't be made exactly from {8, 16}; the smallest single cover is 8.
	sel, err := SelectProofsToSend(makeProofs(8, 16), 7, false, feeKeyset(0))
	if err != nil {
		t.Fatalf("selection error: %v", err)
	}
	if sel.ExactMatch {
		t.Fatalf("impossible exact match reported")
	}
	if len(sel.Send) != 1 || sel.Send[0].Amount != 8 {
		t.Fatalf("wanted the single 8 proof, got %v", sel.Send)
	}

	// No single proof covers 11 from {8, 4, 2}; accumulation largest-first
	// takes 8 then 4.
	sel, err = SelectProofsToSend(makeProofs(8, 4, 2), 11, false, feeKeyset(0))
	if err != nil {
		t.Fatalf("selection error: %v", err)
	}
	if sel.Send.Amount() != 12 {
		t.Fatalf("wrong send total. wanted 12, got %d", sel.Send.Amount())
	}
}

func TestSelectProofsToSendWithFees(t *testing.T) {
	// At 1000 ppk every input proof costs 1. Target 10 from {8, 4, 2, 1}:
	// {8, 4} sums to 12 = 10 + fee for two inputs.
	sel, err := SelectProofsToSend(makeProofs(8, 4, 2, 1), 10, true, feeKeyset(1000))
	if err != nil {
		t.Fatalf("selection error: %v", err)
	}
	if sel.Fee != 2 {
		t.Fatalf("wrong fee. wanted 2, got %d", sel.Fee)
	}
	if sel.Send.Amount() != 10+sel.Fee {
		t.Fatalf("send total %d does not cover amount plus fee %d",
			sel.Send.Amount(), sel.Fee)
	}
	if sel.Fee != FeesForProofs(sel.Send, feeKeyset(1000)) {
		t.Fatalf("reported fee %d does not match schedule", sel.Fee)
	}

	// With fees the same proofs cannot cover 11: any covering subset's fee
	// pushes the target past the total.
	if _, err = SelectProofsToSend(makeProofs(8, 2, 1), 11, true, feeKeyset(1000)); err == nil {
		t.Fatalf("no error when fees push the target past the proof total")
	}
}

func TestSelectProofsInsufficient(t *testing.T) {
	_, err := SelectProofsToSend(makeProofs(1, 2), 10, false, feeKeyset(0))
	if err == nil {
		t.Fatalf("no error selecting 10 from 3")
	}
	if !pay.IsDomainError(err) {
		t.Fatalf("insufficient balance is not a domain error: %v", err)
	}
}

func TestSelectProofsDeterministic(t *testing.T) {
	a := makeProofs(1, 2, 4, 8, 16, 32)
	b := makeProofs(1, 2, 4, 8, 16, 32)
	// Shuffle b's order.
	b[0], b[5] = b[5], b[0]
	b[1], b[3] = b[3], b[1]

	selA, err := SelectProofsToSend(a, 21, false, feeKeyset(0))
	if err != nil {
		t.Fatalf("selection error: %v", err)
	}
	selB, err := SelectProofsToSend(b, 21, false, feeKeyset(0))
	if err != nil {
		t.Fatalf("selection error: %v", err)
	}
	if len(selA.Send) != len(selB.Send) {
		t.Fatalf("selection depends on input order: %d != %d proofs",
			len(selA.Send), len(selB.Send))
	}
	for i := range selA.Send {
		if selA.Send[i].Secret != selB.Send[i].Secret {
			t.Fatalf("selection depends on input order at proof %d", i)
		}
	}
}
