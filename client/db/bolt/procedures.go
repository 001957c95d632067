// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package bolt

import (
	"encoding/json"
	"fmt"
	"time"

	"cashport.org/cashport/client/db"
	"go.etcd.io/bbolt"
)

// ledgerTransition updates the ledger row backing an entity. Timestamps are
// set the first time a state is reached.
func (d *BoltDB) ledgerTransition(tx *bbolt.Tx, txID string, state db.TxState, details interface{}) error {
	t, err := d.getTransaction(tx, txID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	t.State = state
	switch state {
	case db.TxPending:
		if t.PendingAt == nil {
			t.PendingAt = &now
		}
	case db.TxCompleted:
		if t.CompletedAt == nil {
			t.CompletedAt = &now
		}
		if t.AckStatus == db.AckNone {
			t.AckStatus = db.AckPending
		}
	case db.TxFailed, db.TxReversed:
		if t.FailedAt == nil {
			t.FailedAt = &now
		}
	}
	if details != nil {
		b, err := json.Marshal(details)
		if err != nil {
			return err
		}
		t.Details = b
	}
	return d.putTransaction(tx, t, false)
}

// newLedgerRow writes the ledger row for a newly created entity.
func (d *BoltDB) newLedgerRow(tx *bbolt.Tx, t *db.Transaction, details interface{}) error {
	if details != nil {
		b, err := json.Marshal(details)
		if err != nil {
			return err
		}
		t.Details = b
	}
	t.CreatedAt = time.Now().UTC()
	return d.putTransaction(tx, t, true)
}

// releaseReserved returns still-reserved proofs to the spendable set.
// Proofs already consumed by the mint stay SPENT.
func (d *BoltDB) releaseReserved(tx *bbolt.Tx, ys []string) error {
	bkt := tx.Bucket(proofsBucket)
	for _, y := range ys {
		p := new(db.Proof)
		if err := d.getSealed(bkt, []byte(y), p); err != nil {
			return err
		}
		if p.State != db.ProofReserved {
			continue
		}
		p.State = db.ProofUnspent
		p.ReservedAt = nil
		p.Version++
		if err := d.putSealed(bkt, []byte(y), p); err != nil {
			return err
		}
	}
	return nil
}

// ClaimProofs merges claimed proofs into the account and writes the
// completed ledger row in the same transaction.
func (d *BoltDB) ClaimProofs(acct *db.Account, proofs []*db.Proof, t *db.Transaction) (*db.Account, error) {
	var updatedAcct *db.Account
	err := d.Update(func(tx *bbolt.Tx) error {
		var err error
		updatedAcct, err = bumpAccount(tx, acct)
		if err != nil {
			return err
		}
		if err := d.addProofRows(tx, proofs); err != nil {
			return err
		}
		now := time.Now().UTC()
		t.State = db.TxCompleted
		t.CompletedAt = &now
		if t.AckStatus == db.AckNone {
			t.AckStatus = db.AckPending
		}
		return d.newLedgerRow(tx, t, nil)
	})
	if err != nil {
		return nil, err
	}
	return updatedAcct, nil
}

// Cashu send swaps.

func (d *BoltDB) getSendSwap(tx *bbolt.Tx, id string) (*db.CashuSendSwap, error) {
	s := new(db.CashuSendSwap)
	if err := d.getSealed(tx.Bucket(sendSwapsBucket), []byte(id), s); err != nil {
		return nil, err
	}
	return s, nil
}

func (d *BoltDB) putSendSwap(tx *bbolt.Tx, s *db.CashuSendSwap) error {
	if err := d.putSealed(tx.Bucket(sendSwapsBucket), []byte(s.ID), s); err != nil {
		return err
	}
	active := tx.Bucket(activeSwapsBucket)
	if s.State.IsTerminal() {
		return active.Delete([]byte(s.ID))
	}
	return active.Put([]byte(s.ID), byteTrue)
}

// CreateSendSwap creates the swap, reserves the input proofs, advances the
// account's keyset counter when a draft consumed one, and writes the ledger
// row, all atomically against acct.Version.
func (d *BoltDB) CreateSendSwap(swap *db.CashuSendSwap, acct *db.Account) (*db.CashuSendSwap, *db.Account, error) {
	if swap.State != db.SendSwapDraftState && swap.State != db.SendSwapPending {
		return nil, nil, fmt.Errorf("cannot create swap in state %s", swap.State)
	}
	created := *swap
	created.Version = 1
	created.CreatedAt = time.Now().UTC()
	var updatedAcct *db.Account
	err := d.Update(func(tx *bbolt.Tx) error {
		var err error
		updatedAcct, err = bumpAccount(tx, acct)
		if err != nil {
			return err
		}
		if err := d.setProofStates(tx, swap.InputProofYs,
			[]db.ProofRowState{db.ProofUnspent}, db.ProofReserved); err != nil {
			return err
		}
		if err := d.putSendSwap(tx, &created); err != nil {
			return err
		}
		txState := db.TxDraft
		if created.State == db.SendSwapPending {
			txState = db.TxPending
		}
		return d.newLedgerRow(tx, &db.Transaction{
			ID:        created.TransactionID,
			UserID:    created.UserID,
			AccountID: created.AccountID,
			Direction: db.TxSend,
			Type:      db.TxCashuToken,
			State:     txState,
			Amount:    created.AmountRequested,
			Currency:  created.Currency,
			EntityID:  created.ID,
		}, &created)
	})
	if err != nil {
		return nil, nil, err
	}
	return &created, updatedAcct, nil
}

// CommitSendSwapProofs transitions DRAFT -> PENDING after the mint swap:
// the proofs-to-send and token hash are persisted, input proofs become
// SPENT, and the kept change proofs are merged into the account.
func (d *BoltDB) CommitSendSwapProofs(swap *db.CashuSendSwap, proofs *db.SendSwapProofs,
	acct *db.Account, keep []*db.Proof) (*db.CashuSendSwap, *db.Account, error) {

	var updated *db.CashuSendSwap
	var updatedAcct *db.Account
	err := d.Update(func(tx *bbolt.Tx) error {
		stored, err := d.getSendSwap(tx, swap.ID)
		if err != nil {
			return err
		}
		if err := checkVersion("swap "+swap.ID, stored.Version, swap.Version); err != nil {
			return err
		}
		if stored.State != db.SendSwapDraftState {
			return fmt.Errorf("cannot commit proofs for swap in state %s", stored.State)
		}
		updatedAcct, err = bumpAccount(tx, acct)
		if err != nil {
			return err
		}
		if err := d.setProofStates(tx, stored.InputProofYs,
			[]db.ProofRowState{db.ProofReserved}, db.ProofSpent); err != nil {
			return err
		}
		if err := d.addProofRows(tx, keep); err != nil {
			return err
		}
		stored.State = db.SendSwapPending
		stored.Draft = nil
		stored.Proofs = proofs
		stored.Version++
		updated = stored
		if err := d.putSendSwap(tx, stored); err != nil {
			return err
		}
		return d.ledgerTransition(tx, stored.TransactionID, db.TxPending, stored)
	})
	if err != nil {
		return nil, nil, err
	}
	return updated, updatedAcct, nil
}

// CompleteSendSwap transitions PENDING -> COMPLETED once every proof to
// send has been observed SPENT at the mint. Idempotent on COMPLETED.
func (d *BoltDB) CompleteSendSwap(swap *db.CashuSendSwap) (*db.CashuSendSwap, error) {
	var updated *db.CashuSendSwap
	return updated, d.Update(func(tx *bbolt.Tx) error {
		stored, err := d.getSendSwap(tx, swap.ID)
		if err != nil {
			return err
		}
		if stored.State == db.SendSwapCompleted {
			updated = stored
			return nil
		}
		if err := checkVersion("swap "+swap.ID, stored.Version, swap.Version); err != nil {
			return err
		}
		if stored.State != db.SendSwapPending {
			return fmt.Errorf("cannot complete swap in state %s", stored.State)
		}
		// On the exact-proofs fast path the inputs are the proofs to send
		// and are still reserved locally.
		if err := d.setProofStates(tx, stored.InputProofYs,
			[]db.ProofRowState{db.ProofReserved, db.ProofSpent}, db.ProofSpent); err != nil {
			return err
		}
		if _, err := bumpStoredAccount(tx, stored.AccountID); err != nil {
			return err
		}
		stored.State = db.SendSwapCompleted
		stored.Version++
		updated = stored
		if err := d.putSendSwap(tx, stored); err != nil {
			return err
		}
		return d.ledgerTransition(tx, stored.TransactionID, db.TxCompleted, stored)
	})
}

// ReverseSendSwap transitions PENDING -> REVERSED, merging the restored
// proofs into the account. Reversal is blocked once COMPLETED.
func (d *BoltDB) ReverseSendSwap(swap *db.CashuSendSwap, acct *db.Account, restored []*db.Proof) (*db.CashuSendSwap, *db.Account, error) {
	var updated *db.CashuSendSwap
	var updatedAcct *db.Account
	err := d.Update(func(tx *bbolt.Tx) error {
		stored, err := d.getSendSwap(tx, swap.ID)
		if err != nil {
			return err
		}
		if err := checkVersion("swap "+swap.ID, stored.Version, swap.Version); err != nil {
			return err
		}
		if stored.State != db.SendSwapPending {
			return fmt.Errorf("cannot reverse swap in state %s", stored.State)
		}
		updatedAcct, err = bumpAccount(tx, acct)
		if err != nil {
			return err
		}
		if err := d.setProofStates(tx, stored.InputProofYs,
			[]db.ProofRowState{db.ProofReserved, db.ProofSpent}, db.ProofSpent); err != nil {
			return err
		}
		if err := d.addProofRows(tx, restored); err != nil {
			return err
		}
		stored.State = db.SendSwapReversed
		stored.Version++
		updated = stored
		if err := d.putSendSwap(tx, stored); err != nil {
			return err
		}
		return d.ledgerTransition(tx, stored.TransactionID, db.TxReversed, stored)
	})
	if err != nil {
		return nil, nil, err
	}
	return updated, updatedAcct, nil
}

// FailSendSwap transitions any non-terminal state to FAILED with the
// reason recorded, releasing still-reserved input proofs. Idempotent on
// FAILED.
func (d *BoltDB) FailSendSwap(swap *db.CashuSendSwap, reason string) (*db.CashuSendSwap, error) {
	var updated *db.CashuSendSwap
	return updated, d.Update(func(tx *bbolt.Tx) error {
		stored, err := d.getSendSwap(tx, swap.ID)
		if err != nil {
			return err
		}
		if stored.State == db.SendSwapFailed {
			updated = stored
			return nil
		}
		if err := checkVersion("swap "+swap.ID, stored.Version, swap.Version); err != nil {
			return err
		}
		if stored.State.IsTerminal() {
			return fmt.Errorf("cannot fail swap in state %s", stored.State)
		}
		if err := d.releaseReserved(tx, stored.InputProofYs); err != nil {
			return err
		}
		if _, err := bumpStoredAccount(tx, stored.AccountID); err != nil {
			return err
		}
		stored.State = db.SendSwapFailed
		stored.Failure = &db.SendSwapFailure{Reason: reason}
		stored.Version++
		updated = stored
		if err := d.putSendSwap(tx, stored); err != nil {
			return err
		}
		return d.ledgerTransition(tx, stored.TransactionID, db.TxFailed, stored)
	})
}

// SendSwap fetches a swap by ID.
func (d *BoltDB) SendSwap(id string) (*db.CashuSendSwap, error) {
	var s *db.CashuSendSwap
	return s, d.View(func(tx *bbolt.Tx) error {
		var err error
		s, err = d.getSendSwap(tx, id)
		return err
	})
}

// ActiveSendSwaps lists swaps in DRAFT or PENDING.
func (d *BoltDB) ActiveSendSwaps() ([]*db.CashuSendSwap, error) {
	var swaps []*db.CashuSendSwap
	return swaps, d.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(activeSwapsBucket).ForEach(func(k, _ []byte) error {
			s, err := d.getSendSwap(tx, string(k))
			if err != nil {
				return err
			}
			swaps = append(swaps, s)
			return nil
		})
	})
}

// Cashu Lightning send quotes.

func (d *BoltDB) getSendQuote(tx *bbolt.Tx, id string) (*db.CashuSendQuote, error) {
	q := new(db.CashuSendQuote)
	if err := d.getSealed(tx.Bucket(sendQuotesBucket), []byte(id), q); err != nil {
		return nil, err
	}
	return q, nil
}

func (d *BoltDB) putSendQuote(tx *bbolt.Tx, q *db.CashuSendQuote) error {
	if err := d.putSealed(tx.Bucket(sendQuotesBucket), []byte(q.ID), q); err != nil {
		return err
	}
	active := tx.Bucket(activeQuotesBucket)
	if q.State.IsTerminal() {
		return active.Delete([]byte(q.ID))
	}
	return active.Put([]byte(q.ID), byteTrue)
}

// CreateSendQuote creates the quote in UNPAID, reserving the selected
// proofs and advancing the keyset counter by the number of change outputs,
// atomically against acct.Version.
func (d *BoltDB) CreateSendQuote(quote *db.CashuSendQuote, acct *db.Account) (*db.CashuSendQuote, *db.Account, error) {
	if quote.State != db.SendQuoteUnpaid {
		return nil, nil, fmt.Errorf("cannot create send quote in state %s", quote.State)
	}
	created := *quote
	created.Version = 1
	created.CreatedAt = time.Now().UTC()
	var updatedAcct *db.Account
	err := d.Update(func(tx *bbolt.Tx) error {
		var err error
		updatedAcct, err = bumpAccount(tx, acct)
		if err != nil {
			return err
		}
		if err := d.setProofStates(tx, quote.ProofYs,
			[]db.ProofRowState{db.ProofUnspent}, db.ProofReserved); err != nil {
			return err
		}
		if err := d.putSendQuote(tx, &created); err != nil {
			return err
		}
		return d.newLedgerRow(tx, &db.Transaction{
			ID:        created.TransactionID,
			UserID:    created.UserID,
			AccountID: created.AccountID,
			Direction: db.TxSend,
			Type:      db.TxCashuLightning,
			State:     db.TxPending,
			Amount:    created.AmountRequested,
			Currency:  created.Currency,
			EntityID:  created.ID,
		}, &created)
	})
	if err != nil {
		return nil, nil, err
	}
	return &created, updatedAcct, nil
}

// MarkSendQuotePending transitions UNPAID -> PENDING, marking that the melt
// has been initiated so a concurrent session does not re-initiate.
// Idempotent on PENDING.
func (d *BoltDB) MarkSendQuotePending(quote *db.CashuSendQuote) (*db.CashuSendQuote, error) {
	var updated *db.CashuSendQuote
	return updated, d.Update(func(tx *bbolt.Tx) error {
		stored, err := d.getSendQuote(tx, quote.ID)
		if err != nil {
			return err
		}
		if stored.State == db.SendQuotePending {
			updated = stored
			return nil
		}
		if err := checkVersion("send quote "+quote.ID, stored.Version, quote.Version); err != nil {
			return err
		}
		if stored.State != db.SendQuoteUnpaid {
			return fmt.Errorf("cannot mark send quote pending in state %s", stored.State)
		}
		stored.State = db.SendQuotePending
		stored.Version++
		updated = stored
		return d.putSendQuote(tx, stored)
	})
}

// CompleteSendQuote transitions PENDING -> PAID, marking reserved proofs
// spent and merging change proofs into the account. Idempotent on PAID.
func (d *BoltDB) CompleteSendQuote(quote *db.CashuSendQuote, paid *db.SendQuotePaidData,
	acct *db.Account, change []*db.Proof) (*db.CashuSendQuote, *db.Account, error) {

	var updated *db.CashuSendQuote
	var updatedAcct *db.Account
	err := d.Update(func(tx *bbolt.Tx) error {
		stored, err := d.getSendQuote(tx, quote.ID)
		if err != nil {
			return err
		}
		if stored.State == db.SendQuotePaid {
			updated = stored
			return nil
		}
		if err := checkVersion("send quote "+quote.ID, stored.Version, quote.Version); err != nil {
			return err
		}
		if stored.State != db.SendQuotePending {
			return fmt.Errorf("cannot complete send quote in state %s", stored.State)
		}
		updatedAcct, err = bumpAccount(tx, acct)
		if err != nil {
			return err
		}
		if err := d.setProofStates(tx, stored.ProofYs,
			[]db.ProofRowState{db.ProofReserved}, db.ProofSpent); err != nil {
			return err
		}
		if err := d.addProofRows(tx, change); err != nil {
			return err
		}
		stored.State = db.SendQuotePaid
		stored.Paid = paid
		stored.Version++
		updated = stored
		if err := d.putSendQuote(tx, stored); err != nil {
			return err
		}
		return d.ledgerTransition(tx, stored.TransactionID, db.TxCompleted, stored)
	})
	if err != nil {
		return nil, nil, err
	}
	return updated, updatedAcct, nil
}

// FailSendQuote transitions UNPAID or PENDING to FAILED, releasing the
// reserved proofs. Idempotent on FAILED.
func (d *BoltDB) FailSendQuote(quote *db.CashuSendQuote, reason string, acct *db.Account) (*db.CashuSendQuote, *db.Account, error) {
	var updated *db.CashuSendQuote
	var updatedAcct *db.Account
	err := d.Update(func(tx *bbolt.Tx) error {
		stored, err := d.getSendQuote(tx, quote.ID)
		if err != nil {
			return err
		}
		if stored.State == db.SendQuoteFailed {
			updated = stored
			return nil
		}
		if err := checkVersion("send quote "+quote.ID, stored.Version, quote.Version); err != nil {
			return err
		}
		if stored.State != db.SendQuoteUnpaid && stored.State != db.SendQuotePending {
			return fmt.Errorf("cannot fail send quote in state %s", stored.State)
		}
		updatedAcct, err = bumpAccount(tx, acct)
		if err != nil {
			return err
		}
		if err := d.releaseReserved(tx, stored.ProofYs); err != nil {
			return err
		}
		stored.State = db.SendQuoteFailed
		stored.Failure = &db.SendQuoteFailure{Reason: reason}
		stored.Version++
		updated = stored
		if err := d.putSendQuote(tx, stored); err != nil {
			return err
		}
		return d.ledgerTransition(tx, stored.TransactionID, db.TxFailed, stored)
	})
	if err != nil {
		return nil, nil, err
	}
	return updated, updatedAcct, nil
}

// ExpireSendQuote transitions UNPAID -> EXPIRED once the quote's expiry has
// actually passed, releasing the reserved proofs. Idempotent on EXPIRED.
func (d *BoltDB) ExpireSendQuote(quote *db.CashuSendQuote, acct *db.Account) (*db.CashuSendQuote, *db.Account, error) {
	var updated *db.CashuSendQuote
	var updatedAcct *db.Account
	err := d.Update(func(tx *bbolt.Tx) error {
		stored, err := d.getSendQuote(tx, quote.ID)
		if err != nil {
			return err
		}
		if stored.State == db.SendQuoteExpired {
			updated = stored
			return nil
		}
		if err := checkVersion("send quote "+quote.ID, stored.Version, quote.Version); err != nil {
			return err
		}
		if stored.State != db.SendQuoteUnpaid {
			return fmt.Errorf("cannot expire send quote in state %s", stored.State)
		}
		if time.Now().Before(stored.ExpiresAt) {
			return fmt.Errorf("send quote %s does not expire until %s", stored.ID, stored.ExpiresAt)
		}
		updatedAcct, err = bumpAccount(tx, acct)
		if err != nil {
			return err
		}
		if err := d.releaseReserved(tx, stored.ProofYs); err != nil {
			return err
		}
		stored.State = db.SendQuoteExpired
		stored.Version++
		updated = stored
		if err := d.putSendQuote(tx, stored); err != nil {
			return err
		}
		return d.ledgerTransition(tx, stored.TransactionID, db.TxFailed, stored)
	})
	if err != nil {
		return nil, nil, err
	}
	return updated, updatedAcct, nil
}

// SendQuote fetches a quote by ID.
func (d *BoltDB) SendQuote(id string) (*db.CashuSendQuote, error) {
	var q *db.CashuSendQuote
	return q, d.View(func(tx *bbolt.Tx) error {
		var err error
		q, err = d.getSendQuote(tx, id)
		return err
	})
}

// ActiveSendQuotes lists quotes in UNPAID or PENDING.
func (d *BoltDB) ActiveSendQuotes() ([]*db.CashuSendQuote, error) {
	var quotes []*db.CashuSendQuote
	return quotes, d.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(activeQuotesBucket).ForEach(func(k, _ []byte) error {
			q, err := d.getSendQuote(tx, string(k))
			if err != nil {
				return err
			}
			quotes = append(quotes, q)
			return nil
		})
	})
}

// Cashu Lightning receive quotes.

func (d *BoltDB) getReceiveQuote(tx *bbolt.Tx, id string) (*db.CashuReceiveQuote, error) {
	q := new(db.CashuReceiveQuote)
	if err := d.getSealed(tx.Bucket(receiveQuotesBucket), []byte(id), q); err != nil {
		return nil, err
	}
	return q, nil
}

func (d *BoltDB) putReceiveQuote(tx *bbolt.Tx, q *db.CashuReceiveQuote) error {
	if err := d.putSealed(tx.Bucket(receiveQuotesBucket), []byte(q.ID), q); err != nil {
		return err
	}
	active := tx.Bucket(activeReceiveBucket)
	if q.State.IsTerminal() {
		return active.Delete([]byte(q.ID))
	}
	return active.Put([]byte(q.ID), byteTrue)
}

// CreateReceiveQuote creates the quote in UNPAID, advancing the keyset
// counter consumed by the deterministic output plan.
func (d *BoltDB) CreateReceiveQuote(quote *db.CashuReceiveQuote, acct *db.Account) (*db.CashuReceiveQuote, *db.Account, error) {
	if quote.State != db.ReceiveQuoteUnpaid {
		return nil, nil, fmt.Errorf("cannot create receive quote in state %s", quote.State)
	}
	created := *quote
	created.Version = 1
	created.CreatedAt = time.Now().UTC()
	var updatedAcct *db.Account
	err := d.Update(func(tx *bbolt.Tx) error {
		var err error
		updatedAcct, err = bumpAccount(tx, acct)
		if err != nil {
			return err
		}
		if err := d.putReceiveQuote(tx, &created); err != nil {
			return err
		}
		return d.newLedgerRow(tx, &db.Transaction{
			ID:        created.TransactionID,
			UserID:    created.UserID,
			AccountID: created.AccountID,
			Direction: db.TxReceive,
			Type:      db.TxCashuLightning,
			State:     db.TxPending,
			Amount:    created.Amount,
			Currency:  created.Currency,
			EntityID:  created.ID,
		}, &created)
	})
	if err != nil {
		return nil, nil, err
	}
	return &created, updatedAcct, nil
}

// MarkReceiveQuotePending transitions UNPAID -> PENDING (invoice paid,
// proofs not yet minted). Idempotent on PENDING.
func (d *BoltDB) MarkReceiveQuotePending(quote *db.CashuReceiveQuote) (*db.CashuReceiveQuote, error) {
	var updated *db.CashuReceiveQuote
	return updated, d.Update(func(tx *bbolt.Tx) error {
		stored, err := d.getReceiveQuote(tx, quote.ID)
		if err != nil {
			return err
		}
		if stored.State == db.ReceiveQuotePending {
			updated = stored
			return nil
		}
		if err := checkVersion("receive quote "+quote.ID, stored.Version, quote.Version); err != nil {
			return err
		}
		if stored.State != db.ReceiveQuoteUnpaid {
			return fmt.Errorf("cannot mark receive quote pending in state %s", stored.State)
		}
		stored.State = db.ReceiveQuotePending
		stored.Version++
		updated = stored
		return d.putReceiveQuote(tx, stored)
	})
}

// CompleteReceiveQuote transitions PENDING -> COMPLETED, merging the minted
// proofs into the account. Idempotent on COMPLETED.
func (d *BoltDB) CompleteReceiveQuote(quote *db.CashuReceiveQuote, acct *db.Account, minted []*db.Proof) (*db.CashuReceiveQuote, *db.Account, error) {
	var updated *db.CashuReceiveQuote
	var updatedAcct *db.Account
	err := d.Update(func(tx *bbolt.Tx) error {
		stored, err := d.getReceiveQuote(tx, quote.ID)
		if err != nil {
			return err
		}
		if stored.State == db.ReceiveQuoteCompleted {
			updated = stored
			return nil
		}
		if err := checkVersion("receive quote "+quote.ID, stored.Version, quote.Version); err != nil {
			return err
		}
		if stored.State != db.ReceiveQuotePending && stored.State != db.ReceiveQuoteUnpaid {
			return fmt.Errorf("cannot complete receive quote in state %s", stored.State)
		}
		updatedAcct, err = bumpAccount(tx, acct)
		if err != nil {
			return err
		}
		if err := d.addProofRows(tx, minted); err != nil {
			return err
		}
		stored.State = db.ReceiveQuoteCompleted
		stored.Completed = &db.ReceiveQuoteCompletedData{AmountReceived: db.ProofsAmount(minted)}
		stored.Version++
		updated = stored
		if err := d.putReceiveQuote(tx, stored); err != nil {
			return err
		}
		return d.ledgerTransition(tx, stored.TransactionID, db.TxCompleted, stored)
	})
	if err != nil {
		return nil, nil, err
	}
	return updated, updatedAcct, nil
}

// FailReceiveQuote transitions any non-terminal state to FAILED.
// Idempotent on FAILED.
func (d *BoltDB) FailReceiveQuote(quote *db.CashuReceiveQuote, reason string) (*db.CashuReceiveQuote, error) {
	var updated *db.CashuReceiveQuote
	return updated, d.Update(func(tx *bbolt.Tx) error {
		stored, err := d.getReceiveQuote(tx, quote.ID)
		if err != nil {
			return err
		}
		if stored.State == db.ReceiveQuoteFailed {
			updated = stored
			return nil
		}
		if err := checkVersion("receive quote "+quote.ID, stored.Version, quote.Version); err != nil {
			return err
		}
		if stored.State.IsTerminal() {
			return fmt.Errorf("cannot fail receive quote in state %s", stored.State)
		}
		stored.State = db.ReceiveQuoteFailed
		stored.Failure = &db.ReceiveQuoteFailure{Reason: reason}
		stored.Version++
		updated = stored
		if err := d.putReceiveQuote(tx, stored); err != nil {
			return err
		}
		return d.ledgerTransition(tx, stored.TransactionID, db.TxFailed, stored)
	})
}

// ExpireReceiveQuote transitions UNPAID -> EXPIRED once expiry has passed.
// Idempotent on EXPIRED.
func (d *BoltDB) ExpireReceiveQuote(quote *db.CashuReceiveQuote) (*db.CashuReceiveQuote, error) {
	var updated *db.CashuReceiveQuote
	return updated, d.Update(func(tx *bbolt.Tx) error {
		stored, err := d.getReceiveQuote(tx, quote.ID)
		if err != nil {
			return err
		}
		if stored.State == db.ReceiveQuoteExpired {
			updated = stored
			return nil
		}
		if err := checkVersion("receive quote "+quote.ID, stored.Version, quote.Version); err != nil {
			return err
		}
		if stored.State != db.ReceiveQuoteUnpaid {
			return fmt.Errorf("cannot expire receive quote in state %s", stored.State)
		}
		if time.Now().Before(stored.ExpiresAt) {
			return fmt.Errorf("receive quote %s does not expire until %s", stored.ID, stored.ExpiresAt)
		}
		stored.State = db.ReceiveQuoteExpired
		stored.Version++
		updated = stored
		if err := d.putReceiveQuote(tx, stored); err != nil {
			return err
		}
		return d.ledgerTransition(tx, stored.TransactionID, db.TxFailed, stored)
	})
}

// ReceiveQuote fetches a receive quote by ID.
func (d *BoltDB) ReceiveQuote(id string) (*db.CashuReceiveQuote, error) {
	var q *db.CashuReceiveQuote
	return q, d.View(func(tx *bbolt.Tx) error {
		var err error
		q, err = d.getReceiveQuote(tx, id)
		return err
	})
}

// ActiveReceiveQuotes lists receive quotes in UNPAID or PENDING.
func (d *BoltDB) ActiveReceiveQuotes() ([]*db.CashuReceiveQuote, error) {
	var quotes []*db.CashuReceiveQuote
	return quotes, d.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(activeReceiveBucket).ForEach(func(k, _ []byte) error {
			q, err := d.getReceiveQuote(tx, string(k))
			if err != nil {
				return err
			}
			quotes = append(quotes, q)
			return nil
		})
	})
}
