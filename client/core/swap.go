// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package core

import (
	"context"
	"fmt"
	"time"

	"cashport.org/cashport/client/db"
	"cashport.org/cashport/client/mint"
	"cashport.org/cashport/pay/calc"
	"cashport.org/cashport/pay/cashu"
)

// newProofRows wraps wire proofs as stored UNSPENT rows for the account.
func newProofRows(acct *db.Account, proofs cashu.Proofs) ([]*db.Proof, error) {
	rows := make([]*db.Proof, len(proofs))
	now := time.Now().UTC()
	for i, p := range proofs {
		y, err := cashu.Y(p.Secret)
		if err != nil {
			return nil, fmt.Errorf("error computing proof fingerprint: %w", err)
		}
		rows[i] = &db.Proof{
			Proof:     p,
			Y:         y,
			AccountID: acct.ID,
			UserID:    acct.UserID,
			State:     db.ProofUnspent,
			CreatedAt: now,
		}
	}
	return rows, nil
}

// GetSendSwapQuote estimates the cost of sending amount as a bearer token,
// with no side effects. includeFees adds the receiver's claim fee so the
// receiver nets the full amount.
func (c *Core) GetSendSwapQuote(ctx context.Context, accountID string, amount uint64, includeFees bool) (*SendSwapEstimate, error) {
	if amount == 0 {
		return nil, newError(amountErr, "amount must be positive")
	}
	acct, err := c.account(accountID)
	if err != nil {
		return nil, err
	}
	keyset, err := c.activeKeyset(ctx, acct)
	if err != nil {
		return nil, err
	}
	proofs, err := c.spendableProofs(accountID)
	if err != nil {
		return nil, err
	}
	est, _, _, err := planSendSwap(db.WireProofs(proofs), amount, includeFees, false, keyset)
	return est, err
}

// planSendSwap computes the send plan: an exact subset sidesteps the swap
// entirely, otherwise inputs cover the send amount plus the swap input
// fee and the overage returns as change. A conditioned send always swaps,
// since the outputs must be minted under the condition secret.
func planSendSwap(proofs cashu.Proofs, amount uint64, includeFees, conditioned bool, keyset *cashu.Keyset) (*SendSwapEstimate, cashu.Proofs, *db.SendSwapDraft, error) {
	var receiveFee uint64
	if includeFees {
		receiveFee = calc.FeeToReceiveAtLeast(amount, keyset)
	}
	amountToSend := amount + receiveFee

	exact, err := calc.SelectProofsToSend(proofs, amountToSend, false, keyset)
	if err != nil {
		return nil, nil, nil, err
	}
	if exact.ExactMatch && !conditioned {
		return &SendSwapEstimate{
			AmountRequested: amount,
			AmountToSend:    amountToSend,
			CashuReceiveFee: receiveFee,
			TotalAmount:     amountToSend,
		}, exact.Send, nil, nil
	}

	sel, err := calc.SelectProofsToSend(proofs, amountToSend, true, keyset)
	if err != nil {
		return nil, nil, nil, err
	}
	inputAmount := sel.Send.Amount()
	change := inputAmount - amountToSend - sel.Fee
	draft := &db.SendSwapDraft{
		KeysetID:    keyset.ID,
		SendAmounts: cashu.SplitAmount(amountToSend),
		KeepAmounts: cashu.SplitAmount(change),
	}
	est := &SendSwapEstimate{
		AmountRequested: amount,
		AmountToSend:    amountToSend,
		CashuReceiveFee: receiveFee,
		CashuSendFee:    sel.Fee,
		TotalAmount:     amountToSend + sel.Fee,
		RequiresSwap:    true,
	}
	return est, sel.Send, draft, nil
}

// CreateSendSwap creates and starts a send. With an exact proof subset the
// swap is born PENDING and the token is immediately shareable; otherwise
// it is created DRAFT and the proof swap is driven in the background.
// A non-empty spendingCondition encumbers the proofs to send with the
// serialized NUT-10 condition; unlockingData is stored alongside it as the
// sender's witness for a later reversal.
func (c *Core) CreateSendSwap(ctx context.Context, userID, accountID string, amount uint64, includeFees bool, spendingCondition, unlockingData string) (*db.CashuSendSwap, error) {
	if amount == 0 {
		return nil, newError(amountErr, "amount must be positive")
	}
	if spendingCondition != "" {
		if _, err := cashu.ParseSpendingCondition(spendingCondition); err != nil {
			return nil, newError(decodeErr, "bad spending condition: %w", err)
		}
	} else if unlockingData != "" {
		return nil, newError(decodeErr, "unlocking data without a spending condition")
	}
	acct, err := c.account(accountID)
	if err != nil {
		return nil, err
	}
	if acct.UserID != userID {
		return nil, newError(accountErr, "account %s does not belong to user", accountID)
	}
	if acct.Type != db.AccountTypeCashu {
		return nil, newError(accountErr, "send swaps require a cashu account")
	}
	keyset, err := c.activeKeyset(ctx, acct)
	if err != nil {
		return nil, err
	}
	unit, err := unitForCurrency(acct.Currency)
	if err != nil {
		return nil, codedError(accountErr, err)
	}
	proofs, err := c.spendableProofs(accountID)
	if err != nil {
		return nil, err
	}

	est, inputs, draft, err := planSendSwap(db.WireProofs(proofs), amount, includeFees, spendingCondition != "", keyset)
	if err != nil {
		return nil, err
	}
	inputYs, err := inputs.Ys()
	if err != nil {
		return nil, codedError(decodeErr, err)
	}

	swap := &db.CashuSendSwap{
		ID:                db.NewEntityID(),
		UserID:            userID,
		AccountID:         accountID,
		TransactionID:     db.NewEntityID(),
		Currency:          acct.Currency,
		InputProofYs:      inputYs,
		InputAmount:       inputs.Amount(),
		AmountRequested:   est.AmountRequested,
		AmountToSend:      est.AmountToSend,
		CashuReceiveFee:   est.CashuReceiveFee,
		CashuSendFee:      est.CashuSendFee,
		TotalAmount:       est.TotalAmount,
		SpendingCondition: spendingCondition,
		UnlockingData:     unlockingData,
	}

	nextAcct := acct
	if draft == nil {
		// Exact subset: the inputs are the proofs to send, untouched.
		swap.State = db.SendSwapPending
		swap.Proofs = &db.SendSwapProofs{
			TokenHash:    cashu.TokenHash(acct.MintURL, unit, inputs),
			ProofsToSend: inputs,
		}
	} else {
		// Condition secrets carry random nonces, so the send leg cannot
		// be rederived and is persisted with the draft. Only derived
		// outputs consume counter values.
		numOutputs := uint32(len(draft.SendAmounts) + len(draft.KeepAmounts))
		if spendingCondition != "" {
			draft.SendOutputs, err = cashu.ConditionOutputs(spendingCondition, keyset.ID, draft.SendAmounts)
			if err != nil {
				return nil, codedError(encryptionErr, err)
			}
			numOutputs = uint32(len(draft.KeepAmounts))
		}
		draft.KeysetCounter, nextAcct = acct.NextCounter(keyset.ID, numOutputs)
		swap.State = db.SendSwapDraftState
		swap.Draft = draft
	}

	created, updatedAcct, err := c.db.CreateSendSwap(swap, nextAcct)
	if err != nil {
		return nil, codedError(dbErr, err)
	}
	c.cacheAccount(updatedAcct)

	if created.RequiresSwap() {
		go c.runSendSwap(created)
	} else {
		c.subs.watchSendSwap(created)
	}
	return created, nil
}

// runSendSwap drives a DRAFT swap to PENDING off the request path.
func (c *Core) runSendSwap(swap *db.CashuSendSwap) {
	if _, err := c.SwapForProofsToSend(c.ctx, swap); err != nil {
		log.Errorf("send swap %s did not reach PENDING: %v", swap.ID, err)
	}
}

// SwapForProofsToSend executes the proof swap for a DRAFT send. The
// operation is idempotent: outputs are deterministic, so a retry after a
// partially-observed swap restores the signatures from the mint instead
// of re-spending.
func (c *Core) SwapForProofsToSend(ctx context.Context, swap *db.CashuSendSwap) (*db.CashuSendSwap, error) {
	stored, err := c.db.SendSwap(swap.ID)
	if err != nil {
		return nil, codedError(dbErr, err)
	}
	if stored.State == db.SendSwapPending {
		c.subs.watchSendSwap(stored)
		return stored, nil
	}
	if stored.State != db.SendSwapDraftState {
		return nil, newError(stateErr, "swap %s is %s, nothing to do", stored.ID, stored.State)
	}
	draft := stored.Draft

	acct, err := c.account(stored.AccountID)
	if err != nil {
		return nil, err
	}
	unit, err := unitForCurrency(acct.Currency)
	if err != nil {
		return nil, codedError(accountErr, err)
	}
	keyset, err := c.keyset(ctx, acct.MintURL, draft.KeysetID)
	if err != nil {
		return nil, err
	}

	sendOutputs := draft.SendOutputs
	keepCounter := draft.KeysetCounter
	if len(sendOutputs) == 0 {
		sendOutputs, err = cashu.DeriveOutputs(c.seed, draft.KeysetID, draft.KeysetCounter, draft.SendAmounts)
		if err != nil {
			return nil, codedError(encryptionErr, err)
		}
		keepCounter += uint32(len(draft.SendAmounts))
	}
	keepOutputs, err := cashu.DeriveOutputs(c.seed, draft.KeysetID, keepCounter, draft.KeepAmounts)
	if err != nil {
		return nil, codedError(encryptionErr, err)
	}
	outputs := append(append([]cashu.OutputData{}, sendOutputs...), keepOutputs...)
	blinded := cashu.OutputBlindedMessages(outputs)

	inputRows, err := c.db.ProofsByYs(stored.InputProofYs)
	if err != nil {
		return nil, codedError(dbErr, err)
	}
	inputs := db.WireProofs(inputRows)

	m := c.mint(acct.MintURL)
	sigs, err := m.Swap(ctx, inputs, blinded)
	if err != nil {
		if !mint.IsOutputAlreadySigned(err) && !mint.IsTokenAlreadySpent(err) {
			return nil, codedError(mintErr, err)
		}
		// A previous attempt reached the mint. Restore the signatures.
		log.Infof("swap %s inputs already processed, restoring signatures: %v", stored.ID, err)
		sigs, err = c.restoreSignatures(ctx, m, outputs)
		if err != nil {
			failed, ferr := c.db.FailSendSwap(stored, "Could not restore proofs to send")
			if ferr != nil {
				return nil, codedError(dbErr, ferr)
			}
			c.notifySwapState(failed)
			return nil, newError(swapErr, "restore failed for swap %s: %w", stored.ID, err)
		}
	}

	proofs, err := cashu.ConstructProofs(outputs, sigs, keyset)
	if err != nil {
		return nil, codedError(decodeErr, err)
	}
	sendProofs := proofs[:len(draft.SendAmounts)]
	keepProofs := proofs[len(draft.SendAmounts):]

	keepRows, err := newProofRows(acct, keepProofs)
	if err != nil {
		return nil, codedError(decodeErr, err)
	}

	committed, updatedAcct, err := c.db.CommitSendSwapProofs(stored, &db.SendSwapProofs{
		TokenHash:    cashu.TokenHash(acct.MintURL, unit, sendProofs),
		ProofsToSend: sendProofs,
	}, acct, keepRows)
	if err != nil {
		return nil, codedError(dbErr, err)
	}
	c.cacheAccount(updatedAcct)
	c.subs.watchSendSwap(committed)
	c.notifySwapState(committed)
	return committed, nil
}

// restoreSignatures re-fetches signatures for deterministic outputs a
// prior attempt submitted. All outputs must be recovered: a partial
// result means the plan was never fully signed and the send cannot
// produce the committed denominations.
func (c *Core) restoreSignatures(ctx context.Context, m Mint, outputs []cashu.OutputData) (cashu.BlindedSignatures, error) {
	blinded := cashu.OutputBlindedMessages(outputs)
	res, err := m.Restore(ctx, blinded)
	if err != nil {
		return nil, err
	}
	if len(res.Signatures) == 0 {
		return nil, fmt.Errorf("mint restored no signatures")
	}
	byB := make(map[string]cashu.BlindedSignature, len(res.Signatures))
	for i, out := range res.Outputs {
		byB[out.B] = res.Signatures[i]
	}
	sigs := make(cashu.BlindedSignatures, len(blinded))
	for i, bm := range blinded {
		sig, found := byB[bm.B]
		if !found {
			return nil, fmt.Errorf("mint restored %d of %d outputs", len(res.Signatures), len(blinded))
		}
		sigs[i] = sig
	}
	return sigs, nil
}

// SendSwapToken encodes a PENDING or COMPLETED swap's bearer token for
// sharing.
func (c *Core) SendSwapToken(swapID string) (string, error) {
	swap, err := c.db.SendSwap(swapID)
	if err != nil {
		return "", codedError(dbErr, err)
	}
	if swap.Proofs == nil {
		return "", newError(stateErr, "swap %s has no shareable proofs in state %s", swapID, swap.State)
	}
	acct, err := c.account(swap.AccountID)
	if err != nil {
		return "", err
	}
	unit, err := unitForCurrency(acct.Currency)
	if err != nil {
		return "", codedError(accountErr, err)
	}
	token := &cashu.Token{Mint: acct.MintURL, Unit: unit, Proofs: swap.Proofs.ProofsToSend}
	return token.Encode(), nil
}

// SendSwap fetches a swap by ID.
func (c *Core) SendSwap(id string) (*db.CashuSendSwap, error) {
	swap, err := c.db.SendSwap(id)
	if err != nil {
		return nil, codedError(dbErr, err)
	}
	return swap, nil
}

// completeSendSwap finalizes a PENDING swap after every proof to send was
// observed SPENT at the mint.
func (c *Core) completeSendSwap(swap *db.CashuSendSwap) {
	completed, err := c.db.CompleteSendSwap(swap)
	if err != nil {
		log.Errorf("error completing send swap %s: %v", swap.ID, err)
		return
	}
	c.invalidateAccount(swap.AccountID)
	c.notifySwapState(completed)
}

// ReverseSendSwap claws back an unclaimed PENDING send: the proofs to
// send are swapped back into fresh account proofs. Fails if the receiver
// already claimed any of them.
func (c *Core) ReverseSendSwap(ctx context.Context, swapID string) (*db.CashuSendSwap, error) {
	swap, err := c.db.SendSwap(swapID)
	if err != nil {
		return nil, codedError(dbErr, err)
	}
	if swap.State != db.SendSwapPending {
		return nil, newError(stateErr, "cannot reverse swap in state %s", swap.State)
	}
	acct, err := c.account(swap.AccountID)
	if err != nil {
		return nil, err
	}
	keyset, err := c.activeKeyset(ctx, acct)
	if err != nil {
		return nil, err
	}
	m := c.mint(acct.MintURL)

	toSend := swap.Proofs.ProofsToSend
	if swap.SpendingCondition != "" {
		// Reclaiming encumbered proofs means spending them, so each
		// input carries the stored witness.
		if _, err := cashu.ParseSpendingCondition(swap.SpendingCondition); err != nil {
			return nil, newError(decodeErr, "swap %s has a bad spending condition: %w", swapID, err)
		}
		if swap.UnlockingData == "" {
			return nil, newError(stateErr, "swap %s is encumbered and has no unlocking data", swapID)
		}
		witnessed := make(cashu.Proofs, len(toSend))
		for i, p := range toSend {
			p.Witness = swap.UnlockingData
			witnessed[i] = p
		}
		toSend = witnessed
	}
	ys, err := toSend.Ys()
	if err != nil {
		return nil, codedError(decodeErr, err)
	}
	states, err := m.CheckProofStates(ctx, ys)
	if err != nil {
		return nil, codedError(mintErr, err)
	}
	for _, st := range states {
		if st.State == cashu.ProofStateSpent {
			return nil, newError(stateErr, "token already claimed, cannot reverse swap %s", swapID)
		}
	}

	fee := calc.FeesForProofs(toSend, keyset)
	if toSend.Amount() <= fee {
		return nil, newError(amountErr, "swap %s value %d does not cover the reversal fee %d",
			swapID, toSend.Amount(), fee)
	}
	amounts := cashu.SplitAmount(toSend.Amount() - fee)
	counter, nextAcct := acct.NextCounter(keyset.ID, uint32(len(amounts)))
	outputs, err := cashu.DeriveOutputs(c.seed, keyset.ID, counter, amounts)
	if err != nil {
		return nil, codedError(encryptionErr, err)
	}

	sigs, err := m.Swap(ctx, toSend, cashu.OutputBlindedMessages(outputs))
	if err != nil {
		if mint.IsTokenAlreadySpent(err) {
			return nil, newError(stateErr, "token already claimed, cannot reverse swap %s", swapID)
		}
		return nil, codedError(mintErr, err)
	}
	proofs, err := cashu.ConstructProofs(outputs, sigs, keyset)
	if err != nil {
		return nil, codedError(decodeErr, err)
	}
	rows, err := newProofRows(acct, proofs)
	if err != nil {
		return nil, codedError(decodeErr, err)
	}

	reversed, updatedAcct, err := c.db.ReverseSendSwap(swap, nextAcct, rows)
	if err != nil {
		return nil, codedError(dbErr, err)
	}
	c.cacheAccount(updatedAcct)
	c.subs.unwatchSendSwap(swap.ID)
	c.notifySwapState(reversed)
	return reversed, nil
}

func (c *Core) notifySwapState(swap *db.CashuSendSwap) {
	sev := Poke
	subject := "Send updated"
	switch swap.State {
	case db.SendSwapCompleted:
		sev, subject = Success, "Send complete"
	case db.SendSwapReversed:
		sev, subject = Success, "Send reversed"
	case db.SendSwapFailed:
		sev, subject = ErrorLevel, "Send failed"
	}
	details := fmt.Sprintf("swap %s is %s", swap.ID, swap.State)
	if swap.Failure != nil {
		details = swap.Failure.Reason
	}
	c.notify(Notification{
		Type:     NoteTypeSendSwap,
		Subject:  subject,
		Details:  details,
		Severity: sev,
		EntityID: swap.ID,
	})
}
