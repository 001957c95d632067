// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package core

import (
	"context"
	"fmt"
	"time"

	"cashport.org/cashport/client/db"
	"cashport.org/cashport/client/mint"
	"cashport.org/cashport/pay"
	"cashport.org/cashport/pay/bolt11"
	"cashport.org/cashport/pay/calc"
	"cashport.org/cashport/pay/cashu"
	"cashport.org/cashport/pay/money"
)

// LightningSendRequest asks to pay a BOLT11 invoice from a cashu account.
type LightningSendRequest struct {
	AccountID      string `json:"accountId"`
	PaymentRequest string `json:"paymentRequest"`
	// Amount, in the account's minor units, is required for zero-amount
	// invoices and must be omitted otherwise.
	Amount uint64 `json:"amount,omitempty"`
	// ExchangeRate is the decimal account-currency-to-BTC rate, required
	// on non-BTC accounts.
	ExchangeRate string `json:"exchangeRate,omitempty"`
}

// resolveInvoiceAmount determines the payment amount in msat. A non-BTC
// account always needs a rate to account the payment in its own currency,
// whether the amount comes from the invoice or the request.
func resolveInvoiceAmount(inv *bolt11.Invoice, req *LightningSendRequest, cur money.Currency) (uint64, error) {
	if cur != money.BTC && req.ExchangeRate == "" {
		return 0, pay.DomainError("Exchange rate is required for non-BTC amounts")
	}
	if inv.MilliSats > 0 {
		if req.Amount != 0 {
			return 0, newError(amountErr, "invoice already specifies an amount")
		}
		return inv.MilliSats, nil
	}
	if req.Amount == 0 {
		return 0, newError(amountErr, "amountless invoice requires an amount")
	}
	if cur == money.BTC {
		return req.Amount * money.MsatPerSat, nil
	}
	conv, err := money.NewConverter(cur, money.BTC, req.ExchangeRate)
	if err != nil {
		return 0, newError(rateErr, "bad exchange rate: %w", err)
	}
	amt, err := money.NewAmount(req.Amount, cur)
	if err != nil {
		return 0, codedError(amountErr, err)
	}
	btc, err := conv.Convert(amt)
	if err != nil {
		return 0, codedError(rateErr, err)
	}
	msat, err := btc.MilliSats()
	if err != nil {
		return 0, codedError(amountErr, err)
	}
	return msat, nil
}

// sendQuotePlan is the shared computation behind the estimate and the
// created quote.
type sendQuotePlan struct {
	invoice   *bolt11.Invoice
	melt      *mint.MeltQuote
	selection *calc.Selection
	msat      uint64
	keyset    *cashu.Keyset
}

func (c *Core) planSendQuote(ctx context.Context, acct *db.Account, req *LightningSendRequest) (*sendQuotePlan, error) {
	if acct.Type != db.AccountTypeCashu {
		return nil, newError(accountErr, "lightning send quotes require a cashu account")
	}
	inv, err := bolt11.Decode(req.PaymentRequest)
	if err != nil {
		return nil, newError(invoiceErr, "bad payment request: %w", err)
	}
	if inv.IsExpired(time.Now()) {
		return nil, newError(expiredErr, "invoice is expired")
	}
	msat, err := resolveInvoiceAmount(inv, req, acct.Currency)
	if err != nil {
		return nil, err
	}
	keyset, err := c.activeKeyset(ctx, acct)
	if err != nil {
		return nil, err
	}
	unit, err := unitForCurrency(acct.Currency)
	if err != nil {
		return nil, codedError(accountErr, err)
	}
	melt, err := c.mint(acct.MintURL).CreateMeltQuote(ctx, req.PaymentRequest, unit)
	if err != nil {
		return nil, codedError(mintErr, err)
	}
	proofs, err := c.spendableProofs(acct.ID)
	if err != nil {
		return nil, err
	}
	sel, err := calc.SelectProofsToSend(db.WireProofs(proofs),
		melt.Amount+melt.FeeReserve, true, keyset)
	if err != nil {
		return nil, err
	}
	return &sendQuotePlan{invoice: inv, melt: melt, selection: sel, msat: msat, keyset: keyset}, nil
}

// GetLightningSendQuote estimates paying the invoice, with no side
// effects.
func (c *Core) GetLightningSendQuote(ctx context.Context, req *LightningSendRequest) (*LightningSendEstimate, error) {
	acct, err := c.account(req.AccountID)
	if err != nil {
		return nil, err
	}
	plan, err := c.planSendQuote(ctx, acct, req)
	if err != nil {
		return nil, err
	}
	return &LightningSendEstimate{
		PaymentRequest:      req.PaymentRequest,
		PaymentHash:         plan.invoice.PaymentHash,
		QuoteID:             plan.melt.Quote,
		AmountRequested:     plan.melt.Amount,
		AmountRequestedMsat: plan.msat,
		AmountReserved:      plan.selection.Send.Amount(),
		LightningFeeReserve: plan.melt.FeeReserve,
		CashuFee:            plan.selection.Fee,
		ExpiresAt:           plan.melt.Expiry,
	}, nil
}

// CreateSendQuote creates a send quote in UNPAID, atomically reserving
// the selected proofs and the change-output counter range. The quote and
// everything needed to complete or recover it is durable before any value
// moves.
func (c *Core) CreateSendQuote(ctx context.Context, userID string, req *LightningSendRequest) (*db.CashuSendQuote, error) {
	acct, err := c.account(req.AccountID)
	if err != nil {
		return nil, err
	}
	if acct.UserID != userID {
		return nil, newError(accountErr, "account %s does not belong to user", req.AccountID)
	}
	plan, err := c.planSendQuote(ctx, acct, req)
	if err != nil {
		return nil, err
	}

	reserved := plan.selection.Send.Amount()
	// Change is maximized when the lightning fee comes in at zero; that
	// bound fixes the blank output count, and with it the counter range,
	// so completion can re-derive the same outputs from storage alone.
	maxChange := reserved - plan.melt.Amount - plan.selection.Fee
	numChange := 0
	if maxChange > 0 {
		numChange = cashu.CeilLog2(maxChange)
		if numChange < 1 {
			numChange = 1
		}
	}

	counter, nextAcct := acct.NextCounter(plan.keyset.ID, uint32(numChange))

	ys, err := plan.selection.Send.Ys()
	if err != nil {
		return nil, codedError(decodeErr, err)
	}
	quote := &db.CashuSendQuote{
		ID:                    db.NewEntityID(),
		UserID:                userID,
		AccountID:             acct.ID,
		TransactionID:         db.NewEntityID(),
		Currency:              acct.Currency,
		PaymentRequest:        req.PaymentRequest,
		PaymentHash:           plan.invoice.PaymentHash,
		QuoteID:               plan.melt.Quote,
		ProofYs:               ys,
		KeysetID:              plan.keyset.ID,
		KeysetCounter:         counter,
		NumberOfChangeOutputs: numChange,
		AmountRequested:       plan.melt.Amount,
		AmountRequestedMsat:   plan.msat,
		AmountReserved:        reserved,
		AmountToReceive:       plan.melt.Amount,
		LightningFeeReserve:   plan.melt.FeeReserve,
		CashuFee:              plan.selection.Fee,
		State:                 db.SendQuoteUnpaid,
		ExpiresAt:             time.Unix(plan.melt.Expiry, 0).UTC(),
	}

	created, updatedAcct, err := c.db.CreateSendQuote(quote, nextAcct)
	if err != nil {
		return nil, codedError(dbErr, err)
	}
	c.cacheAccount(updatedAcct)
	return created, nil
}

// changeOutputs re-derives the quote's blank change outputs.
func (c *Core) changeOutputs(quote *db.CashuSendQuote) ([]cashu.OutputData, error) {
	if quote.NumberOfChangeOutputs == 0 {
		return nil, nil
	}
	// Blank outputs carry a placeholder denomination; the mint assigns the
	// real amounts in its change signatures.
	amounts := make([]uint64, quote.NumberOfChangeOutputs)
	for i := range amounts {
		amounts[i] = 1
	}
	return cashu.DeriveOutputs(c.seed, quote.KeysetID, quote.KeysetCounter, amounts)
}

// InitiateSend submits the melt for an UNPAID quote. The quote is marked
// PENDING first so no concurrent session double-initiates; from PENDING
// the outcome is decided solely by the mint's melt quote state.
func (c *Core) InitiateSend(ctx context.Context, accountID, quoteID string) (*db.CashuSendQuote, error) {
	quote, err := c.db.SendQuote(quoteID)
	if err != nil {
		return nil, codedError(dbErr, err)
	}
	if quote.AccountID != accountID {
		return nil, fmt.Errorf("quote %s belongs to account %s, not %s",
			quoteID, quote.AccountID, accountID)
	}
	if quote.State != db.SendQuoteUnpaid {
		return nil, newError(stateErr, "cannot initiate send for quote in state %s", quote.State)
	}
	if time.Now().After(quote.ExpiresAt) {
		return nil, newError(expiredErr, "quote %s is expired", quoteID)
	}

	pending, err := c.db.MarkSendQuotePending(quote)
	if err != nil {
		return nil, codedError(dbErr, err)
	}
	return c.executeMelt(ctx, pending)
}

// executeMelt drives a PENDING quote through the mint melt. Idempotent:
// if the melt was already submitted, the mint reports the quote PENDING
// or PAID and the flow converges on the same terminal state.
func (c *Core) executeMelt(ctx context.Context, quote *db.CashuSendQuote) (*db.CashuSendQuote, error) {
	acct, err := c.account(quote.AccountID)
	if err != nil {
		return nil, err
	}
	outputs, err := c.changeOutputs(quote)
	if err != nil {
		return nil, codedError(encryptionErr, err)
	}
	inputRows, err := c.db.ProofsByYs(quote.ProofYs)
	if err != nil {
		return nil, codedError(dbErr, err)
	}

	m := c.mint(acct.MintURL)
	melt, err := m.Melt(ctx, quote.QuoteID, db.WireProofs(inputRows), cashu.OutputBlindedMessages(outputs))
	if err != nil {
		if mint.IsTokenAlreadySpent(err) || mint.IsOutputAlreadySigned(err) {
			// A previous submission reached the mint; read the outcome.
			melt, err = m.MeltQuoteState(ctx, quote.QuoteID)
		}
		if err != nil {
			// Unknown outcome. Leave the quote PENDING for the
			// reconciler.
			return nil, codedError(mintErr, err)
		}
	}

	switch melt.State {
	case mint.QuotePaid:
		return c.completeSendQuote(ctx, quote, melt)
	case mint.QuoteUnpaid:
		return c.failSendQuote(ctx, quote, "Lightning payment failed")
	default:
		// Payment in flight; the reconciler polls until it settles.
		log.Debugf("melt for quote %s still %s", quote.ID, melt.State)
		c.reconcileSoon()
		return quote, nil
	}
}

// completeSendQuote finalizes a PENDING quote whose melt was paid,
// restoring change proofs from the deterministic blank outputs.
func (c *Core) completeSendQuote(ctx context.Context, quote *db.CashuSendQuote, melt *mint.MeltQuote) (*db.CashuSendQuote, error) {
	acct, err := c.account(quote.AccountID)
	if err != nil {
		return nil, err
	}
	keyset, err := c.keyset(ctx, acct.MintURL, quote.KeysetID)
	if err != nil {
		return nil, err
	}

	var changeRows []*db.Proof
	var changeAmount uint64
	if len(melt.Change) > 0 {
		outputs, err := c.changeOutputs(quote)
		if err != nil {
			return nil, codedError(encryptionErr, err)
		}
		change, err := cashu.ConstructChangeProofs(outputs, melt.Change, keyset)
		if err != nil {
			return nil, codedError(decodeErr, err)
		}
		changeAmount = change.Amount()
		changeRows, err = newProofRows(acct, change)
		if err != nil {
			return nil, codedError(decodeErr, err)
		}
	}

	// The reserve covers the payment, the cashu fee, and the fee reserve,
	// so change can never legitimately exceed the reserve minus those.
	maxChange := quote.AmountReserved - quote.AmountToReceive - quote.CashuFee
	if changeAmount > maxChange {
		return nil, newError(mintErr, "melt for quote %s returned change %d exceeding the fee reserve %d",
			quote.ID, changeAmount, maxChange)
	}
	amountSpent := quote.AmountReserved - changeAmount
	lightningFee := amountSpent - quote.AmountToReceive - quote.CashuFee
	paid := &db.SendQuotePaidData{
		PaymentPreimage: melt.PaymentPreimage,
		AmountSpent:     amountSpent,
		LightningFee:    lightningFee,
		TotalFees:       lightningFee + quote.CashuFee,
	}

	completed, updatedAcct, err := c.db.CompleteSendQuote(quote, paid, acct, changeRows)
	if err != nil {
		return nil, codedError(dbErr, err)
	}
	c.cacheAccount(updatedAcct)
	c.notifySendQuoteState(completed)
	return completed, nil
}

// failSendQuote fails a quote and releases its proofs, but only after
// confirming the mint-side melt quote is UNPAID; anything else means the
// payment may still settle.
func (c *Core) failSendQuote(ctx context.Context, quote *db.CashuSendQuote, reason string) (*db.CashuSendQuote, error) {
	acct, err := c.account(quote.AccountID)
	if err != nil {
		return nil, err
	}
	melt, err := c.mint(acct.MintURL).MeltQuoteState(ctx, quote.QuoteID)
	if err != nil {
		return nil, codedError(mintErr, err)
	}
	switch melt.State {
	case mint.QuotePaid:
		return c.completeSendQuote(ctx, quote, melt)
	case mint.QuoteUnpaid:
	default:
		return nil, newError(stateErr, "melt for quote %s is %s, cannot fail", quote.ID, melt.State)
	}

	failed, updatedAcct, err := c.db.FailSendQuote(quote, reason, acct)
	if err != nil {
		return nil, codedError(dbErr, err)
	}
	c.cacheAccount(updatedAcct)
	c.notifySendQuoteState(failed)
	return failed, nil
}

// expireSendQuote expires an UNPAID quote past its expiry, releasing the
// reserved proofs.
func (c *Core) expireSendQuote(quote *db.CashuSendQuote) (*db.CashuSendQuote, error) {
	acct, err := c.account(quote.AccountID)
	if err != nil {
		return nil, err
	}
	expired, updatedAcct, err := c.db.ExpireSendQuote(quote, acct)
	if err != nil {
		return nil, codedError(dbErr, err)
	}
	c.cacheAccount(updatedAcct)
	c.notifySendQuoteState(expired)
	return expired, nil
}

// SendQuote fetches a quote by ID.
func (c *Core) SendQuote(id string) (*db.CashuSendQuote, error) {
	quote, err := c.db.SendQuote(id)
	if err != nil {
		return nil, codedError(dbErr, err)
	}
	return quote, nil
}

func (c *Core) notifySendQuoteState(quote *db.CashuSendQuote) {
	sev := Poke
	subject := "Lightning send updated"
	switch quote.State {
	case db.SendQuotePaid:
		sev, subject = Success, "Lightning payment sent"
	case db.SendQuoteFailed:
		sev, subject = ErrorLevel, "Lightning payment failed"
	case db.SendQuoteExpired:
		sev, subject = WarningLevel, "Lightning send quote expired"
	}
	details := fmt.Sprintf("quote %s is %s", quote.ID, quote.State)
	if quote.Failure != nil {
		details = quote.Failure.Reason
	}
	c.notify(Notification{
		Type:     NoteTypeSendQuote,
		Subject:  subject,
		Details:  details,
		Severity: sev,
		EntityID: quote.ID,
	})
}
