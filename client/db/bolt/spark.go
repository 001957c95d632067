// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package bolt

import (
	"fmt"
	"time"

	"cashport.org/cashport/client/db"
	"cashport.org/cashport/pay/money"
	"go.etcd.io/bbolt"
)

// Spark entities hold no proofs, so their procedures are plain CAS
// transitions plus the ledger row. Spark accounts are BTC-only.

func (d *BoltDB) getSparkSend(tx *bbolt.Tx, id string) (*db.SparkSendQuote, error) {
	q := new(db.SparkSendQuote)
	if err := d.getSealed(tx.Bucket(sparkSendsBucket), []byte(id), q); err != nil {
		return nil, err
	}
	return q, nil
}

func (d *BoltDB) putSparkSend(tx *bbolt.Tx, q *db.SparkSendQuote) error {
	if err := d.putSealed(tx.Bucket(sparkSendsBucket), []byte(q.ID), q); err != nil {
		return err
	}
	active := tx.Bucket(activeSparkSBucket)
	if q.State.IsTerminal() {
		return active.Delete([]byte(q.ID))
	}
	return active.Put([]byte(q.ID), byteTrue)
}

// CreateSparkSend creates the quote in UNPAID along with its ledger row.
func (d *BoltDB) CreateSparkSend(q *db.SparkSendQuote) (*db.SparkSendQuote, error) {
	if q.State != db.SparkQuoteUnpaid {
		return nil, fmt.Errorf("cannot create spark send in state %s", q.State)
	}
	created := *q
	created.Version = 1
	created.CreatedAt = time.Now().UTC()
	return &created, d.Update(func(tx *bbolt.Tx) error {
		if err := d.putSparkSend(tx, &created); err != nil {
			return err
		}
		return d.newLedgerRow(tx, &db.Transaction{
			ID:        created.TransactionID,
			UserID:    created.UserID,
			AccountID: created.AccountID,
			Direction: db.TxSend,
			Type:      db.TxSparkLightning,
			State:     db.TxPending,
			Amount:    created.AmountSats,
			Currency:  money.BTC,
			EntityID:  created.ID,
		}, &created)
	})
}

// MarkSparkSendPending transitions UNPAID -> PENDING, recording the
// backend's send request ID so recovery can find the in-flight payment.
// Idempotent on PENDING.
func (d *BoltDB) MarkSparkSendPending(q *db.SparkSendQuote, sparkID string) (*db.SparkSendQuote, error) {
	var updated *db.SparkSendQuote
	return updated, d.Update(func(tx *bbolt.Tx) error {
		stored, err := d.getSparkSend(tx, q.ID)
		if err != nil {
			return err
		}
		if stored.State == db.SparkQuotePending {
			updated = stored
			return nil
		}
		if err := checkVersion("spark send "+q.ID, stored.Version, q.Version); err != nil {
			return err
		}
		if stored.State != db.SparkQuoteUnpaid {
			return fmt.Errorf("cannot mark spark send pending in state %s", stored.State)
		}
		stored.State = db.SparkQuotePending
		stored.SparkID = sparkID
		stored.Version++
		updated = stored
		return d.putSparkSend(tx, stored)
	})
}

// CompleteSparkSend transitions PENDING -> COMPLETED with the payment
// result. Idempotent on COMPLETED.
func (d *BoltDB) CompleteSparkSend(q *db.SparkSendQuote, completed *db.SparkSendCompleted) (*db.SparkSendQuote, error) {
	var updated *db.SparkSendQuote
	return updated, d.Update(func(tx *bbolt.Tx) error {
		stored, err := d.getSparkSend(tx, q.ID)
		if err != nil {
			return err
		}
		if stored.State == db.SparkQuoteCompleted {
			updated = stored
			return nil
		}
		if err := checkVersion("spark send "+q.ID, stored.Version, q.Version); err != nil {
			return err
		}
		if stored.State != db.SparkQuotePending {
			return fmt.Errorf("cannot complete spark send in state %s", stored.State)
		}
		stored.State = db.SparkQuoteCompleted
		stored.Completed = completed
		stored.Version++
		updated = stored
		if err := d.putSparkSend(tx, stored); err != nil {
			return err
		}
		return d.ledgerTransition(tx, stored.TransactionID, db.TxCompleted, stored)
	})
}

// FailSparkSend transitions any non-terminal state to FAILED. Idempotent
// on FAILED.
func (d *BoltDB) FailSparkSend(q *db.SparkSendQuote, reason string) (*db.SparkSendQuote, error) {
	var updated *db.SparkSendQuote
	return updated, d.Update(func(tx *bbolt.Tx) error {
		stored, err := d.getSparkSend(tx, q.ID)
		if err != nil {
			return err
		}
		if stored.State == db.SparkQuoteFailed {
			updated = stored
			return nil
		}
		if err := checkVersion("spark send "+q.ID, stored.Version, q.Version); err != nil {
			return err
		}
		if stored.State.IsTerminal() {
			return fmt.Errorf("cannot fail spark send in state %s", stored.State)
		}
		stored.State = db.SparkQuoteFailed
		stored.Failure = &db.SparkFailure{Reason: reason}
		stored.Version++
		updated = stored
		if err := d.putSparkSend(tx, stored); err != nil {
			return err
		}
		return d.ledgerTransition(tx, stored.TransactionID, db.TxFailed, stored)
	})
}

// SparkSend fetches a spark send quote by ID.
func (d *BoltDB) SparkSend(id string) (*db.SparkSendQuote, error) {
	var q *db.SparkSendQuote
	return q, d.View(func(tx *bbolt.Tx) error {
		var err error
		q, err = d.getSparkSend(tx, id)
		return err
	})
}

// ActiveSparkSends lists spark sends in UNPAID or PENDING.
func (d *BoltDB) ActiveSparkSends() ([]*db.SparkSendQuote, error) {
	var quotes []*db.SparkSendQuote
	return quotes, d.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(activeSparkSBucket).ForEach(func(k, _ []byte) error {
			q, err := d.getSparkSend(tx, string(k))
			if err != nil {
				return err
			}
			quotes = append(quotes, q)
			return nil
		})
	})
}

func (d *BoltDB) getSparkReceive(tx *bbolt.Tx, id string) (*db.SparkLightningReceive, error) {
	r := new(db.SparkLightningReceive)
	if err := d.getSealed(tx.Bucket(sparkReceivesBucket), []byte(id), r); err != nil {
		return nil, err
	}
	return r, nil
}

func (d *BoltDB) putSparkReceive(tx *bbolt.Tx, r *db.SparkLightningReceive) error {
	if err := d.putSealed(tx.Bucket(sparkReceivesBucket), []byte(r.ID), r); err != nil {
		return err
	}
	active := tx.Bucket(activeSparkRBucket)
	if r.State.IsTerminal() {
		return active.Delete([]byte(r.ID))
	}
	return active.Put([]byte(r.ID), byteTrue)
}

// CreateSparkReceive creates the receive in UNPAID along with its ledger
// row.
func (d *BoltDB) CreateSparkReceive(r *db.SparkLightningReceive) (*db.SparkLightningReceive, error) {
	if r.State != db.SparkQuoteUnpaid {
		return nil, fmt.Errorf("cannot create spark receive in state %s", r.State)
	}
	created := *r
	created.Version = 1
	created.CreatedAt = time.Now().UTC()
	return &created, d.Update(func(tx *bbolt.Tx) error {
		if err := d.putSparkReceive(tx, &created); err != nil {
			return err
		}
		return d.newLedgerRow(tx, &db.Transaction{
			ID:        created.TransactionID,
			UserID:    created.UserID,
			AccountID: created.AccountID,
			Direction: db.TxReceive,
			Type:      db.TxSparkLightning,
			State:     db.TxPending,
			Amount:    created.AmountSats,
			Currency:  money.BTC,
			EntityID:  created.ID,
		}, &created)
	})
}

// MarkSparkReceivePending transitions UNPAID -> PENDING (payment observed,
// transfer not yet claimed). Idempotent on PENDING.
func (d *BoltDB) MarkSparkReceivePending(r *db.SparkLightningReceive) (*db.SparkLightningReceive, error) {
	var updated *db.SparkLightningReceive
	return updated, d.Update(func(tx *bbolt.Tx) error {
		stored, err := d.getSparkReceive(tx, r.ID)
		if err != nil {
			return err
		}
		if stored.State == db.SparkQuotePending {
			updated = stored
			return nil
		}
		if err := checkVersion("spark receive "+r.ID, stored.Version, r.Version); err != nil {
			return err
		}
		if stored.State != db.SparkQuoteUnpaid {
			return fmt.Errorf("cannot mark spark receive pending in state %s", stored.State)
		}
		stored.State = db.SparkQuotePending
		stored.Version++
		updated = stored
		return d.putSparkReceive(tx, stored)
	})
}

// CompleteSparkReceive transitions UNPAID or PENDING to COMPLETED with
// the claimed transfer. Idempotent on COMPLETED.
func (d *BoltDB) CompleteSparkReceive(r *db.SparkLightningReceive, completed *db.SparkReceiveCompleted) (*db.SparkLightningReceive, error) {
	var updated *db.SparkLightningReceive
	return updated, d.Update(func(tx *bbolt.Tx) error {
		stored, err := d.getSparkReceive(tx, r.ID)
		if err != nil {
			return err
		}
		if stored.State == db.SparkQuoteCompleted {
			updated = stored
			return nil
		}
		if err := checkVersion("spark receive "+r.ID, stored.Version, r.Version); err != nil {
			return err
		}
		if stored.State.IsTerminal() {
			return fmt.Errorf("cannot complete spark receive in state %s", stored.State)
		}
		stored.State = db.SparkQuoteCompleted
		stored.Completed = completed
		stored.Version++
		updated = stored
		if err := d.putSparkReceive(tx, stored); err != nil {
			return err
		}
		return d.ledgerTransition(tx, stored.TransactionID, db.TxCompleted, stored)
	})
}

// FailSparkReceive transitions any non-terminal state to FAILED.
// Idempotent on FAILED.
func (d *BoltDB) FailSparkReceive(r *db.SparkLightningReceive, reason string) (*db.SparkLightningReceive, error) {
	var updated *db.SparkLightningReceive
	return updated, d.Update(func(tx *bbolt.Tx) error {
		stored, err := d.getSparkReceive(tx, r.ID)
		if err != nil {
			return err
		}
		if stored.State == db.SparkQuoteFailed {
			updated = stored
			return nil
		}
		if err := checkVersion("spark receive "+r.ID, stored.Version, r.Version); err != nil {
			return err
		}
		if stored.State.IsTerminal() {
			return fmt.Errorf("cannot fail spark receive in state %s", stored.State)
		}
		stored.State = db.SparkQuoteFailed
		stored.Failure = &db.SparkFailure{Reason: reason}
		stored.Version++
		updated = stored
		if err := d.putSparkReceive(tx, stored); err != nil {
			return err
		}
		return d.ledgerTransition(tx, stored.TransactionID, db.TxFailed, stored)
	})
}

// SparkReceive fetches a spark lightning receive by ID.
func (d *BoltDB) SparkReceive(id string) (*db.SparkLightningReceive, error) {
	var r *db.SparkLightningReceive
	return r, d.View(func(tx *bbolt.Tx) error {
		var err error
		r, err = d.getSparkReceive(tx, id)
		return err
	})
}

// ActiveSparkReceives lists spark receives in UNPAID or PENDING.
func (d *BoltDB) ActiveSparkReceives() ([]*db.SparkLightningReceive, error) {
	var rs []*db.SparkLightningReceive
	return rs, d.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(activeSparkRBucket).ForEach(func(k, _ []byte) error {
			r, err := d.getSparkReceive(tx, string(k))
			if err != nil {
				return err
			}
			rs = append(rs, r)
			return nil
		})
	})
}
