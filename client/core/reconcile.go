// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package core

import (
	"fmt"
	"time"

	"cashport.org/cashport/client/db"
	"cashport.org/cashport/client/mint"
	"cashport.org/cashport/client/spark"
	"cashport.org/cashport/pay/cashu"
	"cashport.org/cashport/pay/wait"
)

// reconcileSoon requests a sweep ahead of the ticker. Safe to call from
// any goroutine; coalesces with a pending request.
func (c *Core) reconcileSoon() {
	select {
	case c.reconcileNow <- struct{}{}:
	default:
	}
}

// reconcile sweeps every active entity and schedules a drive attempt for
// each one not already in flight. Only the leader sweeps, so concurrent
// engine instances don't race each other on the same entities; the
// repository's version checks are the backstop if leadership flaps
// mid-drive.
func (c *Core) reconcile() {
	if !c.leader.IsLeader() {
		log.Tracef("not the leader, skipping reconciliation sweep")
		return
	}

	swaps, err := c.db.ActiveSendSwaps()
	if err != nil {
		log.Errorf("reconcile: listing active send swaps: %v", err)
	}
	for _, swap := range swaps {
		swap := swap
		c.schedule("swap:"+swap.ID, func() error { return c.driveSendSwap(swap.ID) })
	}

	quotes, err := c.db.ActiveSendQuotes()
	if err != nil {
		log.Errorf("reconcile: listing active send quotes: %v", err)
	}
	for _, quote := range quotes {
		quote := quote
		c.schedule("sendquote:"+quote.ID, func() error { return c.driveSendQuote(quote.ID) })
	}

	receives, err := c.db.ActiveReceiveQuotes()
	if err != nil {
		log.Errorf("reconcile: listing active receive quotes: %v", err)
	}
	for _, rq := range receives {
		rq := rq
		c.schedule("receive:"+rq.ID, func() error { return c.driveReceiveQuote(rq.ID) })
	}

	if c.spark != nil {
		sparkSends, err := c.db.ActiveSparkSends()
		if err != nil {
			log.Errorf("reconcile: listing active spark sends: %v", err)
		}
		for _, q := range sparkSends {
			q := q
			c.schedule("sparksend:"+q.ID, func() error { return c.driveSparkSend(q.ID) })
		}

		sparkReceives, err := c.db.ActiveSparkReceives()
		if err != nil {
			log.Errorf("reconcile: listing active spark receives: %v", err)
		}
		for _, r := range sparkReceives {
			r := r
			c.schedule("sparkreceive:"+r.ID, func() error { return c.driveSparkReceive(r.ID) })
		}
	}
}

// schedule submits a drive attempt for the keyed entity unless one is
// already in flight. Failed attempts are retried with a tapering delay up
// to maxRetries, then abandoned until the next sweep picks the entity up
// again.
func (c *Core) schedule(key string, drive func() error) {
	c.inFlightMtx.Lock()
	if _, busy := c.inFlight[key]; busy {
		c.inFlightMtx.Unlock()
		return
	}
	c.inFlight[key] = struct{}{}
	c.retries[key] = 0
	c.inFlightMtx.Unlock()

	clear := func() {
		c.inFlightMtx.Lock()
		delete(c.inFlight, key)
		delete(c.retries, key)
		c.inFlightMtx.Unlock()
	}

	c.retryQueue.Wait(&wait.Waiter{
		Expiration: time.Now().Add(reconcileInterval * 2),
		TryFunc: func() wait.TryDirective {
			err := drive()
			if err == nil {
				clear()
				return wait.DontTryAgain
			}
			c.inFlightMtx.Lock()
			c.retries[key]++
			n := c.retries[key]
			c.inFlightMtx.Unlock()
			if n >= maxRetries {
				log.Warnf("reconcile: giving up on %s after %d attempts: %v", key, n, err)
				clear()
				return wait.DontTryAgain
			}
			log.Debugf("reconcile: attempt %d for %s: %v", n, key, err)
			return wait.TryAgain
		},
		ExpireFunc: clear,
	})
}

// driveSendSwap pushes a non-terminal send swap forward. DRAFT swaps
// re-run the proof swap from the persisted plan; PENDING swaps are
// checked against the mint and completed if the recipient already claimed
// them, otherwise (re)watched.
func (c *Core) driveSendSwap(id string) error {
	swap, err := c.db.SendSwap(id)
	if err != nil {
		return err
	}
	switch swap.State {
	case db.SendSwapDraftState:
		_, err := c.SwapForProofsToSend(c.ctx, swap)
		return err
	case db.SendSwapPending:
		acct, err := c.account(swap.AccountID)
		if err != nil {
			return err
		}
		ys, err := swap.Proofs.ProofsToSend.Ys()
		if err != nil {
			return err
		}
		states, err := c.mint(acct.MintURL).CheckProofStates(c.ctx, ys)
		if err != nil {
			return err
		}
		allSpent := true
		for _, st := range states {
			if st.State != cashu.ProofStateSpent {
				allSpent = false
				break
			}
		}
		if allSpent {
			c.completeSendSwap(swap)
			return nil
		}
		c.subs.watchSendSwap(swap)
		return nil
	}
	return nil
}

// driveSendQuote settles an in-flight Lightning send. UNPAID quotes past
// expiry are expired; PENDING ones poll the melt until the mint reports a
// terminal state.
func (c *Core) driveSendQuote(id string) error {
	quote, err := c.db.SendQuote(id)
	if err != nil {
		return err
	}
	switch quote.State {
	case db.SendQuoteUnpaid:
		if time.Now().After(quote.ExpiresAt) {
			_, err := c.expireSendQuote(quote)
			return err
		}
		return nil
	case db.SendQuotePending:
		acct, err := c.account(quote.AccountID)
		if err != nil {
			return err
		}
		melt, err := c.mint(acct.MintURL).MeltQuoteState(c.ctx, quote.QuoteID)
		if err != nil {
			return err
		}
		switch melt.State {
		case mint.QuotePaid:
			_, err = c.completeSendQuote(c.ctx, quote, melt)
			return err
		case mint.QuoteUnpaid:
			_, err = c.failSendQuote(c.ctx, quote, "Lightning payment failed")
			return err
		}
		// Still PENDING at the mint; nothing to do here, the next sweep
		// polls again.
		return nil
	}
	return nil
}

// driveReceiveQuote claims a receive whose invoice was paid, or expires
// it once past the grace window.
func (c *Core) driveReceiveQuote(id string) error {
	quote, err := c.db.ReceiveQuote(id)
	if err != nil {
		return err
	}
	if quote.State.IsTerminal() {
		return nil
	}
	mq, err := c.receiveQuoteState(quote)
	if err != nil {
		return err
	}
	switch mq.State {
	case mint.QuotePaid, mint.QuoteIssued:
		_, err = c.claimReceiveQuote(c.ctx, quote)
		return err
	}
	if quote.State == db.ReceiveQuoteUnpaid && time.Now().After(quote.ExpiresAt.Add(receiveGrace)) {
		_, err := c.db.ExpireReceiveQuote(quote)
		return err
	}
	return nil
}

// driveSparkSend settles a spark send. An UNPAID quote past expiry was
// never submitted and is failed; a PENDING one is resolved from the
// backend's send request status.
func (c *Core) driveSparkSend(id string) error {
	quote, err := c.db.SparkSend(id)
	if err != nil {
		return err
	}
	switch quote.State {
	case db.SparkQuoteUnpaid:
		if time.Now().After(quote.ExpiresAt) {
			failed, err := c.db.FailSparkSend(quote, "quote expired before payment")
			if err != nil {
				return err
			}
			c.notifySparkSendState(failed)
		}
		return nil
	case db.SparkQuotePending:
		if quote.SparkID == "" {
			return fmt.Errorf("pending spark send %s has no backend request ID", id)
		}
		req, err := c.spark.LightningSendRequest(c.ctx, quote.SparkID)
		if err != nil {
			return err
		}
		switch req.Status {
		case spark.StatusPaid, spark.StatusComplete:
			_, err = c.completeSparkSend(quote, req)
			return err
		case spark.StatusFailed:
			failed, err := c.db.FailSparkSend(quote, "Lightning payment failed")
			if err != nil {
				return err
			}
			c.notifySparkSendState(failed)
			return nil
		}
		return nil
	}
	return nil
}

// driveSparkReceive settles a spark receive from the backend's receive
// request status, failing it once the invoice expired unpaid.
func (c *Core) driveSparkReceive(id string) error {
	rcv, err := c.db.SparkReceive(id)
	if err != nil {
		return err
	}
	if rcv.State.IsTerminal() {
		return nil
	}
	req, err := c.spark.LightningReceiveRequest(c.ctx, rcv.SparkID)
	if err != nil {
		return err
	}
	switch req.Status {
	case spark.StatusPaid, spark.StatusComplete:
		_, err = c.completeSparkReceive(rcv, req.TransferID)
		return err
	case spark.StatusFailed:
		failed, err := c.db.FailSparkReceive(rcv, "invoice failed on the backend")
		if err != nil {
			return err
		}
		c.notifySparkReceiveState(failed)
		return nil
	}
	if rcv.State == db.SparkQuoteUnpaid && time.Now().After(rcv.ExpiresAt.Add(receiveGrace)) {
		failed, err := c.db.FailSparkReceive(rcv, "invoice expired unpaid")
		if err != nil {
			return err
		}
		c.notifySparkReceiveState(failed)
	}
	return nil
}
