// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package core

import (
	"context"
	"time"

	"cashport.org/cashport/client/db"
	"cashport.org/cashport/client/mint"
	"cashport.org/cashport/pay"
	"cashport.org/cashport/pay/bolt11"
	"cashport.org/cashport/pay/calc"
	"cashport.org/cashport/pay/cashu"
	"cashport.org/cashport/pay/wait"
)

// receiveGrace extends polling slightly past quote expiry, since a
// payment can land right at the boundary.
const receiveGrace = time.Minute

// CreateReceiveQuote requests an invoice from the account's mint for
// amount. The deterministic output plan and the counter range it consumes
// are fixed at creation, so minting after a crash replays exactly.
func (c *Core) CreateReceiveQuote(ctx context.Context, userID, accountID string, amount uint64) (*db.CashuReceiveQuote, error) {
	if amount == 0 {
		return nil, newError(amountErr, "amount must be positive")
	}
	acct, err := c.account(accountID)
	if err != nil {
		return nil, err
	}
	if acct.UserID != userID {
		return nil, newError(accountErr, "account %s does not belong to user", accountID)
	}
	if acct.Type != db.AccountTypeCashu {
		return nil, newError(accountErr, "receive quotes require a cashu account")
	}
	keyset, err := c.activeKeyset(ctx, acct)
	if err != nil {
		return nil, err
	}
	unit, err := unitForCurrency(acct.Currency)
	if err != nil {
		return nil, codedError(accountErr, err)
	}

	mq, err := c.mint(acct.MintURL).CreateMintQuote(ctx, amount, unit)
	if err != nil {
		return nil, codedError(mintErr, err)
	}
	var paymentHash string
	if inv, err := bolt11.Decode(mq.Request); err == nil {
		paymentHash = inv.PaymentHash
	}

	outputAmounts := cashu.SplitAmount(amount)
	counter, nextAcct := acct.NextCounter(keyset.ID, uint32(len(outputAmounts)))

	quote := &db.CashuReceiveQuote{
		ID:             db.NewEntityID(),
		UserID:         userID,
		AccountID:      accountID,
		TransactionID:  db.NewEntityID(),
		Currency:       acct.Currency,
		QuoteID:        mq.Quote,
		PaymentRequest: mq.Request,
		PaymentHash:    paymentHash,
		Amount:         amount,
		KeysetID:       keyset.ID,
		KeysetCounter:  counter,
		OutputAmounts:  outputAmounts,
		State:          db.ReceiveQuoteUnpaid,
		ExpiresAt:      time.Unix(mq.Expiry, 0).UTC(),
	}
	created, updatedAcct, err := c.db.CreateReceiveQuote(quote, nextAcct)
	if err != nil {
		return nil, codedError(dbErr, err)
	}
	c.cacheAccount(updatedAcct)
	c.pollReceiveQuote(created)
	return created, nil
}

// pollReceiveQuote polls the mint quote until it is paid or the quote
// expires.
func (c *Core) pollReceiveQuote(quote *db.CashuReceiveQuote) {
	id := quote.ID
	c.pollQueue.Wait(&wait.Waiter{
		Expiration: quote.ExpiresAt.Add(receiveGrace),
		TryFunc: func() wait.TryDirective {
			stored, err := c.db.ReceiveQuote(id)
			if err != nil || stored.State.IsTerminal() {
				return wait.DontTryAgain
			}
			mq, err := c.receiveQuoteState(stored)
			if err != nil {
				log.Debugf("mint quote %s state poll: %v", stored.QuoteID, err)
				return wait.TryAgain
			}
			switch mq.State {
			case mint.QuotePaid, mint.QuoteIssued:
				if _, err := c.claimReceiveQuote(c.ctx, stored); err != nil {
					log.Errorf("error claiming receive quote %s: %v", id, err)
					return wait.TryAgain
				}
				return wait.DontTryAgain
			}
			return wait.TryAgain
		},
		ExpireFunc: func() {
			stored, err := c.db.ReceiveQuote(id)
			if err != nil || stored.State != db.ReceiveQuoteUnpaid {
				return
			}
			if _, err := c.db.ExpireReceiveQuote(stored); err != nil {
				log.Errorf("error expiring receive quote %s: %v", id, err)
				return
			}
			c.notify(Notification{
				Type:     NoteTypeReceive,
				Subject:  "Receive quote expired",
				Details:  "invoice was not paid before expiry",
				Severity: WarningLevel,
				EntityID: id,
			})
		},
	})
}

func (c *Core) receiveQuoteState(quote *db.CashuReceiveQuote) (*mint.MintQuote, error) {
	acct, err := c.account(quote.AccountID)
	if err != nil {
		return nil, err
	}
	return c.mint(acct.MintURL).MintQuoteState(c.ctx, quote.QuoteID)
}

// claimReceiveQuote mints the deterministic outputs for a paid quote and
// merges the proofs into the account. Idempotent: a replay after a crash
// restores the signatures the mint already issued.
func (c *Core) claimReceiveQuote(ctx context.Context, quote *db.CashuReceiveQuote) (*db.CashuReceiveQuote, error) {
	stored, err := c.db.ReceiveQuote(quote.ID)
	if err != nil {
		return nil, codedError(dbErr, err)
	}
	if stored.State == db.ReceiveQuoteCompleted {
		return stored, nil
	}
	if stored.State.IsTerminal() {
		return nil, newError(stateErr, "cannot claim receive quote in state %s", stored.State)
	}
	if stored.State == db.ReceiveQuoteUnpaid {
		pending, err := c.db.MarkReceiveQuotePending(stored)
		if err != nil {
			return nil, codedError(dbErr, err)
		}
		stored = pending
	}

	acct, err := c.account(stored.AccountID)
	if err != nil {
		return nil, err
	}
	keyset, err := c.keyset(ctx, acct.MintURL, stored.KeysetID)
	if err != nil {
		return nil, err
	}
	outputs, err := cashu.DeriveOutputs(c.seed, stored.KeysetID, stored.KeysetCounter, stored.OutputAmounts)
	if err != nil {
		return nil, codedError(encryptionErr, err)
	}

	m := c.mint(acct.MintURL)
	sigs, err := m.Mint(ctx, stored.QuoteID, cashu.OutputBlindedMessages(outputs))
	if err != nil {
		if !mint.IsOutputAlreadySigned(err) {
			return nil, codedError(mintErr, err)
		}
		log.Infof("receive quote %s already minted, restoring signatures", stored.ID)
		sigs, err = c.restoreSignatures(ctx, m, outputs)
		if err != nil {
			return nil, newError(mintErr, "restore failed for receive quote %s: %w", stored.ID, err)
		}
	}
	proofs, err := cashu.ConstructProofs(outputs, sigs, keyset)
	if err != nil {
		return nil, codedError(decodeErr, err)
	}
	rows, err := newProofRows(acct, proofs)
	if err != nil {
		return nil, codedError(decodeErr, err)
	}

	completed, updatedAcct, err := c.db.CompleteReceiveQuote(stored, acct, rows)
	if err != nil {
		return nil, codedError(dbErr, err)
	}
	c.cacheAccount(updatedAcct)
	c.notify(Notification{
		Type:     NoteTypeReceive,
		Subject:  "Payment received",
		Details:  "lightning receive settled",
		Severity: Success,
		EntityID: completed.ID,
	})
	return completed, nil
}

// ReceiveQuote fetches a receive quote by ID.
func (c *Core) ReceiveQuote(id string) (*db.CashuReceiveQuote, error) {
	quote, err := c.db.ReceiveQuote(id)
	if err != nil {
		return nil, codedError(dbErr, err)
	}
	return quote, nil
}

// ReceiveToken claims a shared bearer token into the account by swapping
// its proofs for fresh ones. Only tokens from the account's own mint are
// claimable directly.
func (c *Core) ReceiveToken(ctx context.Context, userID, accountID, encoded string) (*TokenReceipt, error) {
	token, err := cashu.DecodeToken(encoded)
	if err != nil {
		return nil, newError(decodeErr, "bad token: %w", err)
	}
	acct, err := c.account(accountID)
	if err != nil {
		return nil, err
	}
	if acct.UserID != userID {
		return nil, newError(accountErr, "account %s does not belong to user", accountID)
	}
	if acct.Type != db.AccountTypeCashu {
		return nil, newError(accountErr, "token receive requires a cashu account")
	}
	if token.Mint != acct.MintURL {
		return nil, pay.DomainError("Token is from a different mint")
	}

	keyset, err := c.activeKeyset(ctx, acct)
	if err != nil {
		return nil, err
	}
	fee := calc.FeesForProofs(token.Proofs, keyset)
	gross := token.Proofs.Amount()
	if gross <= fee {
		return nil, pay.DomainError("Token value does not cover the claim fee")
	}
	net := gross - fee

	amounts := cashu.SplitAmount(net)
	counter, nextAcct := acct.NextCounter(keyset.ID, uint32(len(amounts)))
	outputs, err := cashu.DeriveOutputs(c.seed, keyset.ID, counter, amounts)
	if err != nil {
		return nil, codedError(encryptionErr, err)
	}

	sigs, err := c.mint(acct.MintURL).Swap(ctx, token.Proofs, cashu.OutputBlindedMessages(outputs))
	if err != nil {
		if mint.IsTokenAlreadySpent(err) {
			return nil, pay.DomainError("Token was already claimed")
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

	txID := db.NewEntityID()
	updatedAcct, err := c.db.ClaimProofs(nextAcct, rows, &db.Transaction{
		ID:        txID,
		UserID:    userID,
		AccountID: accountID,
		Direction: db.TxReceive,
		Type:      db.TxCashuToken,
		Amount:    net,
		Currency:  acct.Currency,
		EntityID:  txID,
	})
	if err != nil {
		return nil, codedError(dbErr, err)
	}
	c.cacheAccount(updatedAcct)
	c.notify(Notification{
		Type:     NoteTypeReceive,
		Subject:  "Token received",
		Details:  "bearer token claimed",
		Severity: Success,
		EntityID: txID,
	})
	return &TokenReceipt{AccountID: accountID, AmountReceived: net, TransactionID: txID}, nil
}
