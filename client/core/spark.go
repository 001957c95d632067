// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cashport.org/cashport/client/db"
	"cashport.org/cashport/client/spark"
	"cashport.org/cashport/pay"
	"cashport.org/cashport/pay/bolt11"
	"cashport.org/cashport/pay/wait"
)

const (
	// sparkSendGrace bounds how long a PENDING spark payment is polled
	// past its invoice expiry before the reconciler takes over.
	sparkSendGrace = time.Minute * 5
	// sendRequestSearchDepth is how many recent send requests are scanned
	// when matching an in-flight payment after a transient error.
	sendRequestSearchDepth = 20
)

// CreateSparkSend creates a quote to pay a BOLT11 invoice from a spark
// account, with the routing fee estimated upfront.
func (c *Core) CreateSparkSend(ctx context.Context, userID, accountID, paymentRequest string) (*db.SparkSendQuote, error) {
	acct, err := c.account(accountID)
	if err != nil {
		return nil, err
	}
	if acct.UserID != userID {
		return nil, newError(accountErr, "account %s does not belong to user", accountID)
	}
	if acct.Type != db.AccountTypeSpark {
		return nil, newError(accountErr, "spark sends require a spark account")
	}
	inv, err := bolt11.Decode(paymentRequest)
	if err != nil {
		return nil, newError(invoiceErr, "bad payment request: %w", err)
	}
	if inv.IsExpired(time.Now()) {
		return nil, newError(expiredErr, "invoice is expired")
	}
	if inv.MilliSats == 0 {
		return nil, newError(amountErr, "amountless invoices are not supported for spark sends")
	}
	amountSats := (inv.MilliSats + 999) / 1000

	feeSats, err := c.spark.LightningSendFeeEstimate(ctx, paymentRequest)
	if err != nil {
		return nil, codedError(sparkErr, err)
	}
	balance, err := c.spark.BalanceSats(ctx)
	if err != nil {
		return nil, codedError(sparkErr, err)
	}
	if balance < amountSats+feeSats {
		return nil, pay.DomainError(fmt.Sprintf(
			"Insufficient balance: need %d, have %d", amountSats+feeSats, balance))
	}

	quote := &db.SparkSendQuote{
		ID:             db.NewEntityID(),
		UserID:         userID,
		AccountID:      accountID,
		TransactionID:  db.NewEntityID(),
		PaymentRequest: paymentRequest,
		PaymentHash:    inv.PaymentHash,
		AmountSats:     amountSats,
		MaxFeeSats:     feeSats,
		State:          db.SparkQuoteUnpaid,
		ExpiresAt:      inv.ExpiresAt(),
	}
	created, err := c.db.CreateSparkSend(quote)
	if err != nil {
		return nil, codedError(dbErr, err)
	}
	return created, nil
}

// InitiateSparkSend submits the payment for an UNPAID spark send quote.
// On a transient backend error the recent send requests are searched by
// invoice before giving up, since the payment may have been accepted.
func (c *Core) InitiateSparkSend(ctx context.Context, quoteID string) (*db.SparkSendQuote, error) {
	quote, err := c.db.SparkSend(quoteID)
	if err != nil {
		return nil, codedError(dbErr, err)
	}
	if quote.State != db.SparkQuoteUnpaid {
		return nil, newError(stateErr, "cannot initiate spark send in state %s", quote.State)
	}
	if time.Now().After(quote.ExpiresAt) {
		return nil, newError(expiredErr, "quote %s is expired", quoteID)
	}

	req, err := c.spark.PayLightningInvoice(ctx, &spark.PayInvoiceParams{
		PaymentRequest: quote.PaymentRequest,
		MaxFeeSats:     quote.MaxFeeSats,
	})
	if err != nil {
		if !spark.IsTransient(err) {
			failed, ferr := c.db.FailSparkSend(quote, fmt.Sprintf("payment submission failed: %v", err))
			if ferr != nil {
				return nil, codedError(dbErr, ferr)
			}
			c.notifySparkSendState(failed)
			return nil, codedError(sparkErr, err)
		}
		log.Warnf("transient error submitting spark send %s, searching for the payment: %v", quoteID, err)
		req, err = c.findSendRequest(ctx, quote.PaymentRequest)
		if err != nil {
			// Submission outcome unknown and no matching request found:
			// the quote stays UNPAID and may be re-initiated.
			return nil, newError(sparkErr, "payment submission outcome unknown: %w", err)
		}
	}

	pending, err := c.db.MarkSparkSendPending(quote, req.ID)
	if err != nil {
		return nil, codedError(dbErr, err)
	}
	c.pollSparkSend(pending)
	return pending, nil
}

// findSendRequest scans recent send requests for one matching the
// invoice.
func (c *Core) findSendRequest(ctx context.Context, paymentRequest string) (*spark.LightningSendRequest, error) {
	reqs, err := c.spark.RecentSendRequests(ctx, sendRequestSearchDepth)
	if err != nil {
		return nil, err
	}
	for _, r := range reqs {
		if strings.EqualFold(r.PaymentRequest, paymentRequest) {
			return r, nil
		}
	}
	return nil, fmt.Errorf("no send request found for invoice")
}

// pollSparkSend polls a PENDING send every second until the backend
// reports a terminal status.
func (c *Core) pollSparkSend(quote *db.SparkSendQuote) {
	id := quote.ID
	c.pollQueue.Wait(&wait.Waiter{
		Expiration: quote.ExpiresAt.Add(sparkSendGrace),
		TryFunc: func() wait.TryDirective {
			stored, err := c.db.SparkSend(id)
			if err != nil || stored.State.IsTerminal() {
				return wait.DontTryAgain
			}
			if stored.SparkID == "" {
				return wait.DontTryAgain
			}
			req, err := c.spark.LightningSendRequest(c.ctx, stored.SparkID)
			if err != nil {
				log.Debugf("spark send %s status poll: %v", id, err)
				return wait.TryAgain
			}
			switch req.Status {
			case spark.StatusPaid, spark.StatusComplete:
				if _, err := c.completeSparkSend(stored, req); err != nil {
					log.Errorf("error completing spark send %s: %v", id, err)
					return wait.TryAgain
				}
				return wait.DontTryAgain
			case spark.StatusFailed:
				failed, err := c.db.FailSparkSend(stored, "Lightning payment failed")
				if err != nil {
					log.Errorf("error failing spark send %s: %v", id, err)
					return wait.TryAgain
				}
				c.notifySparkSendState(failed)
				return wait.DontTryAgain
			}
			return wait.TryAgain
		},
		ExpireFunc: func() {
			// Still unsettled; the reconciler keeps after it.
			log.Warnf("spark send %s still unsettled at poll expiry", id)
			c.reconcileSoon()
		},
	})
}

func (c *Core) completeSparkSend(quote *db.SparkSendQuote, req *spark.LightningSendRequest) (*db.SparkSendQuote, error) {
	completed, err := c.db.CompleteSparkSend(quote, &db.SparkSendCompleted{
		PaymentPreimage: req.PaymentPreimage,
		TransferID:      req.TransferID,
		FeeSats:         req.FeeSats,
	})
	if err != nil {
		return nil, codedError(dbErr, err)
	}
	c.notifySparkSendState(completed)
	return completed, nil
}

// SparkSend fetches a spark send quote by ID.
func (c *Core) SparkSend(id string) (*db.SparkSendQuote, error) {
	quote, err := c.db.SparkSend(id)
	if err != nil {
		return nil, codedError(dbErr, err)
	}
	return quote, nil
}

// CreateSparkReceive issues an invoice on the spark backend and tracks
// its settlement through both transfer:claimed events and 1 s polling.
func (c *Core) CreateSparkReceive(ctx context.Context, userID, accountID string, amountSats uint64, memo string) (*db.SparkLightningReceive, error) {
	if amountSats == 0 {
		return nil, newError(amountErr, "amount must be positive")
	}
	acct, err := c.account(accountID)
	if err != nil {
		return nil, err
	}
	if acct.UserID != userID {
		return nil, newError(accountErr, "account %s does not belong to user", accountID)
	}
	if acct.Type != db.AccountTypeSpark {
		return nil, newError(accountErr, "spark receives require a spark account")
	}

	req, err := c.spark.CreateLightningInvoice(ctx, amountSats, memo)
	if err != nil {
		return nil, codedError(sparkErr, err)
	}
	expiresAt := time.Now().Add(time.Hour).UTC()
	if inv, err := bolt11.Decode(req.PaymentRequest); err == nil {
		expiresAt = inv.ExpiresAt()
	}

	rcv := &db.SparkLightningReceive{
		ID:             db.NewEntityID(),
		UserID:         userID,
		AccountID:      accountID,
		TransactionID:  db.NewEntityID(),
		PaymentRequest: req.PaymentRequest,
		PaymentHash:    req.PaymentHash,
		AmountSats:     amountSats,
		SparkID:        req.ID,
		State:          db.SparkQuoteUnpaid,
		ExpiresAt:      expiresAt,
	}
	created, err := c.db.CreateSparkReceive(rcv)
	if err != nil {
		return nil, codedError(dbErr, err)
	}
	c.pollSparkReceive(created)
	return created, nil
}

// pollSparkReceive polls a receive every second until it settles or its
// invoice expires. The transfer:claimed subscription usually wins the
// race; polling covers missed events.
func (c *Core) pollSparkReceive(rcv *db.SparkLightningReceive) {
	id := rcv.ID
	c.pollQueue.Wait(&wait.Waiter{
		Expiration: rcv.ExpiresAt.Add(receiveGrace),
		TryFunc: func() wait.TryDirective {
			stored, err := c.db.SparkReceive(id)
			if err != nil || stored.State.IsTerminal() {
				return wait.DontTryAgain
			}
			req, err := c.spark.LightningReceiveRequest(c.ctx, stored.SparkID)
			if err != nil {
				log.Debugf("spark receive %s status poll: %v", id, err)
				return wait.TryAgain
			}
			switch req.Status {
			case spark.StatusPaid, spark.StatusComplete:
				if _, err := c.completeSparkReceive(stored, req.TransferID); err != nil {
					log.Errorf("error completing spark receive %s: %v", id, err)
					return wait.TryAgain
				}
				return wait.DontTryAgain
			case spark.StatusFailed:
				failed, err := c.db.FailSparkReceive(stored, "invoice failed on the backend")
				if err != nil {
					log.Errorf("error failing spark receive %s: %v", id, err)
					return wait.TryAgain
				}
				c.notifySparkReceiveState(failed)
				return wait.DontTryAgain
			}
			return wait.TryAgain
		},
		ExpireFunc: func() {
			stored, err := c.db.SparkReceive(id)
			if err != nil || stored.State != db.SparkQuoteUnpaid {
				return
			}
			failed, err := c.db.FailSparkReceive(stored, "invoice expired unpaid")
			if err != nil {
				log.Errorf("error expiring spark receive %s: %v", id, err)
				return
			}
			c.notifySparkReceiveState(failed)
		},
	})
}

func (c *Core) completeSparkReceive(rcv *db.SparkLightningReceive, transferID string) (*db.SparkLightningReceive, error) {
	completed, err := c.db.CompleteSparkReceive(rcv, &db.SparkReceiveCompleted{TransferID: transferID})
	if err != nil {
		return nil, codedError(dbErr, err)
	}
	c.notifySparkReceiveState(completed)
	return completed, nil
}

// SparkReceive fetches a spark receive by ID.
func (c *Core) SparkReceive(id string) (*db.SparkLightningReceive, error) {
	rcv, err := c.db.SparkReceive(id)
	if err != nil {
		return nil, codedError(dbErr, err)
	}
	return rcv, nil
}

// handleTransferClaimed matches a settled incoming transfer to an active
// receive by payment hash.
func (c *Core) handleTransferClaimed(ev spark.TransferClaimedEvent) {
	actives, err := c.db.ActiveSparkReceives()
	if err != nil {
		log.Errorf("error listing active spark receives: %v", err)
		return
	}
	for _, rcv := range actives {
		if rcv.PaymentHash != ev.PaymentHash {
			continue
		}
		if _, err := c.completeSparkReceive(rcv, ev.TransferID); err != nil {
			log.Errorf("error completing spark receive %s from event: %v", rcv.ID, err)
		}
		return
	}
}

func (c *Core) notifySparkSendState(quote *db.SparkSendQuote) {
	sev := Poke
	subject := "Spark send updated"
	switch quote.State {
	case db.SparkQuoteCompleted:
		sev, subject = Success, "Spark payment sent"
	case db.SparkQuoteFailed:
		sev, subject = ErrorLevel, "Spark payment failed"
	}
	details := fmt.Sprintf("spark send %s is %s", quote.ID, quote.State)
	if quote.Failure != nil {
		details = quote.Failure.Reason
	}
	c.notify(Notification{
		Type:     NoteTypeSpark,
		Subject:  subject,
		Details:  details,
		Severity: sev,
		EntityID: quote.ID,
	})
}

func (c *Core) notifySparkReceiveState(rcv *db.SparkLightningReceive) {
	sev := Poke
	subject := "Spark receive updated"
	switch rcv.State {
	case db.SparkQuoteCompleted:
		sev, subject = Success, "Spark payment received"
	case db.SparkQuoteFailed:
		sev, subject = WarningLevel, "Spark receive failed"
	}
	details := fmt.Sprintf("spark receive %s is %s", rcv.ID, rcv.State)
	if rcv.Failure != nil {
		details = rcv.Failure.Reason
	}
	c.notify(Notification{
		Type:     NoteTypeSpark,
		Subject:  subject,
		Details:  details,
		Severity: sev,
		EntityID: rcv.ID,
	})
}
