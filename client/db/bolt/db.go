// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package bolt is a bbolt-based implementation of the db.DB repository
// contract. Every mutating procedure runs in a single bbolt read-write
// transaction, which is what makes the version-checked writes atomic: the
// state change, proof reservation or release, counter increment, and
// ledger row update all commit together or not at all.
package bolt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cashport.org/cashport/client/db"
	"cashport.org/cashport/pay"
	"cashport.org/cashport/pay/encode"
	"cashport.org/cashport/pay/encrypt"
	"go.etcd.io/bbolt"
)

var (
	accountsBucket      = []byte("accounts")
	proofsBucket        = []byte("proofs")
	sendSwapsBucket     = []byte("sendSwaps")
	sendQuotesBucket    = []byte("sendQuotes")
	receiveQuotesBucket = []byte("receiveQuotes")
	sparkSendsBucket    = []byte("sparkSends")
	sparkReceivesBucket = []byte("sparkReceives")
	transactionsBucket  = []byte("transactions")
	txTimeIndexBucket   = []byte("txTimeIdx")
	activeSwapsBucket   = []byte("activeSwaps")
	activeQuotesBucket  = []byte("activeQuotes")
	activeReceiveBucket = []byte("activeReceives")
	activeSparkSBucket  = []byte("activeSparkSends")
	activeSparkRBucket  = []byte("activeSparkReceives")
	appBucket           = []byte("app")

	byteTrue = encode.ByteTrue
)

// BoltDB satisfies the db.DB interface defined at
// cashport.org/cashport/client/db. Proof secrets and all quote/swap and
// ledger rows are encrypted at rest with the provided Crypter; accounts
// are stored in the clear since they carry no secrets.
type BoltDB struct {
	*bbolt.DB
	crypter encrypt.Crypter
	log     pay.Logger
}

var _ db.DB = (*BoltDB)(nil)

// NewDB is a constructor for a *BoltDB.
func NewDB(dbPath string, crypter encrypt.Crypter, logger pay.Logger) (*BoltDB, error) {
	bdb, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	d := &BoltDB{DB: bdb, crypter: crypter, log: logger}
	return d, d.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{accountsBucket, proofsBucket,
			sendSwapsBucket, sendQuotesBucket, receiveQuotesBucket,
			sparkSendsBucket, sparkReceivesBucket, transactionsBucket,
			txTimeIndexBucket, activeSwapsBucket, activeQuotesBucket,
			activeReceiveBucket, activeSparkSBucket, activeSparkRBucket,
			appBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
}

// Run waits for context cancellation and closes the database.
func (d *BoltDB) Run(ctx context.Context) {
	<-ctx.Done()
	if err := d.Close(); err != nil {
		d.log.Errorf("error closing database: %v", err)
	}
}

// putSealed marshals v to JSON, encrypts it, and stores it at key.
func (d *BoltDB) putSealed(bkt *bbolt.Bucket, key []byte, v interface{}) error {
	plain, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	sealed, err := d.crypter.Encrypt(plain)
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}
	return bkt.Put(key, sealed)
}

// getSealed fetches, decrypts, and unmarshals the value at key. Returns
// pay.ErrNotFound if the key is absent.
func (d *BoltDB) getSealed(bkt *bbolt.Bucket, key []byte, v interface{}) error {
	sealed := bkt.Get(key)
	if sealed == nil {
		return pay.NewError(pay.ErrNotFound, string(key))
	}
	plain, err := d.crypter.Decrypt(sealed)
	if err != nil {
		return fmt.Errorf("decrypt: %w", err)
	}
	return json.Unmarshal(plain, v)
}

// checkVersion compares a stored entity version against the caller's.
func checkVersion(what string, stored, expected uint64) error {
	if stored != expected {
		return pay.NewError(pay.ErrConcurrentUpdate,
			fmt.Sprintf("%s: expected version %d, found %d", what, expected, stored))
	}
	return nil
}

// Store stores a value at the specified key in the general-use bucket.
func (d *BoltDB) Store(k string, v []byte) error {
	if len(k) == 0 {
		return fmt.Errorf("cannot store with empty key")
	}
	return d.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(appBucket).Put([]byte(k), v)
	})
}

// Get retrieves a value previously stored with Store.
func (d *BoltDB) Get(k string) ([]byte, error) {
	var v []byte
	return v, d.View(func(tx *bbolt.Tx) error {
		stored := tx.Bucket(appBucket).Get([]byte(k))
		if stored == nil {
			return pay.NewError(pay.ErrNotFound, k)
		}
		v = encode.CopySlice(stored)
		return nil
	})
}

// ValueExists checks if a value was previously stored in the general-use
// bucket at the specified key.
func (d *BoltDB) ValueExists(k string) (bool, error) {
	var exists bool
	return exists, d.View(func(tx *bbolt.Tx) error {
		exists = tx.Bucket(appBucket).Get([]byte(k)) != nil
		return nil
	})
}

// Accounts are stored as plain JSON.

// CreateAccount stores a new account at version 1.
func (d *BoltDB) CreateAccount(a *db.Account) (*db.Account, error) {
	if a.ID == "" {
		return nil, fmt.Errorf("empty account ID")
	}
	acct := *a
	acct.Version = 1
	updated := &acct
	return updated, d.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(accountsBucket)
		if bkt.Get([]byte(a.ID)) != nil {
			return fmt.Errorf("account %s already exists", a.ID)
		}
		b, err := json.Marshal(updated)
		if err != nil {
			return err
		}
		return bkt.Put([]byte(a.ID), b)
	})
}

// Account fetches an account by ID.
func (d *BoltDB) Account(id string) (*db.Account, error) {
	var acct *db.Account
	return acct, d.View(func(tx *bbolt.Tx) error {
		var err error
		acct, err = getAccount(tx, id)
		return err
	})
}

func getAccount(tx *bbolt.Tx, id string) (*db.Account, error) {
	b := tx.Bucket(accountsBucket).Get([]byte(id))
	if b == nil {
		return nil, pay.NewError(pay.ErrNotFound, "account "+id)
	}
	acct := new(db.Account)
	if err := json.Unmarshal(b, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

func putAccount(tx *bbolt.Tx, acct *db.Account) error {
	b, err := json.Marshal(acct)
	if err != nil {
		return err
	}
	return tx.Bucket(accountsBucket).Put([]byte(acct.ID), b)
}

// bumpAccount loads the stored account, verifies the caller's version,
// applies the caller's copy with Version+1, and stores it.
func bumpAccount(tx *bbolt.Tx, acct *db.Account) (*db.Account, error) {
	stored, err := getAccount(tx, acct.ID)
	if err != nil {
		return nil, err
	}
	if err := checkVersion("account "+acct.ID, stored.Version, acct.Version); err != nil {
		return nil, err
	}
	updated := *acct
	updated.Version++
	return &updated, putAccount(tx, &updated)
}

// bumpStoredAccount bumps the stored account version without a caller
// check, for procedures whose proof release is an unconditional consequence
// of the primary entity's transition.
func bumpStoredAccount(tx *bbolt.Tx, id string) (*db.Account, error) {
	stored, err := getAccount(tx, id)
	if err != nil {
		return nil, err
	}
	stored.Version++
	return stored, putAccount(tx, stored)
}

// Accounts lists the user's accounts.
func (d *BoltDB) Accounts(userID string) ([]*db.Account, error) {
	var accts []*db.Account
	return accts, d.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(accountsBucket).ForEach(func(_, v []byte) error {
			acct := new(db.Account)
			if err := json.Unmarshal(v, acct); err != nil {
				return err
			}
			if acct.UserID == userID {
				accts = append(accts, acct)
			}
			return nil
		})
	})
}

// UpdateAccount commits a version-checked account mutation.
func (d *BoltDB) UpdateAccount(a *db.Account) (*db.Account, error) {
	var updated *db.Account
	return updated, d.Update(func(tx *bbolt.Tx) error {
		var err error
		updated, err = bumpAccount(tx, a)
		return err
	})
}

// Proofs.

// AddProofs stores proofs for an account under a version-checked account
// update.
func (d *BoltDB) AddProofs(acct *db.Account, proofs []*db.Proof) (*db.Account, error) {
	var updated *db.Account
	return updated, d.Update(func(tx *bbolt.Tx) error {
		var err error
		updated, err = bumpAccount(tx, acct)
		if err != nil {
			return err
		}
		return d.addProofRows(tx, proofs)
	})
}

func (d *BoltDB) addProofRows(tx *bbolt.Tx, proofs []*db.Proof) error {
	bkt := tx.Bucket(proofsBucket)
	for _, p := range proofs {
		if p.Y == "" {
			return fmt.Errorf("proof without fingerprint")
		}
		if bkt.Get([]byte(p.Y)) != nil {
			return fmt.Errorf("proof %s already stored", p.Y)
		}
		row := *p
		row.Version = 1
		if row.CreatedAt.IsZero() {
			row.CreatedAt = time.Now().UTC()
		}
		if err := d.putSealed(bkt, []byte(p.Y), &row); err != nil {
			return err
		}
	}
	return nil
}

// Proofs lists an account's proofs, optionally filtered by state.
func (d *BoltDB) Proofs(accountID string, states ...db.ProofRowState) ([]*db.Proof, error) {
	var proofs []*db.Proof
	return proofs, d.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(proofsBucket).ForEach(func(_, v []byte) error {
			plain, err := d.crypter.Decrypt(v)
			if err != nil {
				return err
			}
			p := new(db.Proof)
			if err := json.Unmarshal(plain, p); err != nil {
				return err
			}
			if p.AccountID != accountID {
				return nil
			}
			if len(states) > 0 {
				match := false
				for _, s := range states {
					if p.State == s {
						match = true
						break
					}
				}
				if !match {
					return nil
				}
			}
			proofs = append(proofs, p)
			return nil
		})
	})
}

// ProofsByYs fetches proofs by fingerprint.
func (d *BoltDB) ProofsByYs(ys []string) ([]*db.Proof, error) {
	proofs := make([]*db.Proof, 0, len(ys))
	return proofs, d.View(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(proofsBucket)
		for _, y := range ys {
			p := new(db.Proof)
			if err := d.getSealed(bkt, []byte(y), p); err != nil {
				return err
			}
			proofs = append(proofs, p)
		}
		return nil
	})
}

// setProofStates transitions each proof row from one of the allowed states
// to the target state. A proof in any other state means the caller lost a
// race.
func (d *BoltDB) setProofStates(tx *bbolt.Tx, ys []string, allowed []db.ProofRowState, to db.ProofRowState) error {
	bkt := tx.Bucket(proofsBucket)
	now := time.Now().UTC()
	for _, y := range ys {
		p := new(db.Proof)
		if err := d.getSealed(bkt, []byte(y), p); err != nil {
			return err
		}
		ok := false
		for _, s := range allowed {
			if p.State == s {
				ok = true
				break
			}
		}
		if !ok {
			return pay.NewError(pay.ErrConcurrentUpdate,
				fmt.Sprintf("proof %s is %s, not in %v", y, p.State, allowed))
		}
		p.State = to
		p.Version++
		if to == db.ProofReserved {
			p.ReservedAt = &now
		} else {
			p.ReservedAt = nil
		}
		if err := d.putSealed(bkt, []byte(y), p); err != nil {
			return err
		}
	}
	return nil
}

// Transactions.

// txTimeKey orders the ledger newest-first: the index key is the inverted
// creation stamp followed by the ID.
func txTimeKey(t *db.Transaction) []byte {
	stamp := encode.Uint64Bytes(^uint64(t.CreatedAt.UnixMilli()))
	return append(stamp, []byte(t.ID)...)
}

func (d *BoltDB) putTransaction(tx *bbolt.Tx, t *db.Transaction, isNew bool) error {
	if isNew {
		t.Version = 1
		if err := tx.Bucket(txTimeIndexBucket).Put(txTimeKey(t), []byte(t.ID)); err != nil {
			return err
		}
	} else {
		t.Version++
	}
	return d.putSealed(tx.Bucket(transactionsBucket), []byte(t.ID), t)
}

func (d *BoltDB) getTransaction(tx *bbolt.Tx, id string) (*db.Transaction, error) {
	t := new(db.Transaction)
	if err := d.getSealed(tx.Bucket(transactionsBucket), []byte(id), t); err != nil {
		return nil, err
	}
	return t, nil
}

// Transaction fetches a ledger row by ID.
func (d *BoltDB) Transaction(id string) (*db.Transaction, error) {
	var t *db.Transaction
	return t, d.View(func(tx *bbolt.Tx) error {
		var err error
		t, err = d.getTransaction(tx, id)
		return err
	})
}

// Transactions lists the user's ledger newest-first with cursor
// pagination.
func (d *BoltDB) Transactions(userID string, n int, cursor string) ([]*db.Transaction, string, error) {
	var out []*db.Transaction
	var nextCursor string
	err := d.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(txTimeIndexBucket).Cursor()
		var k, v []byte
		if cursor == "" {
			k, v = c.First()
		} else {
			k, v = c.Seek([]byte(cursor))
			if bytes.Equal(k, []byte(cursor)) {
				k, v = c.Next()
			}
		}
		for ; k != nil; k, v = c.Next() {
			t, err := d.getTransaction(tx, string(v))
			if err != nil {
				return err
			}
			if t.UserID != userID {
				continue
			}
			out = append(out, t)
			if n > 0 && len(out) == n {
				if nk, _ := c.Next(); nk != nil {
					nextCursor = string(k)
				}
				return nil
			}
		}
		return nil
	})
	return out, nextCursor, err
}

// AckTransaction sets the acknowledgment status.
func (d *BoltDB) AckTransaction(id string, status db.AckStatus) (*db.Transaction, error) {
	var t *db.Transaction
	return t, d.Update(func(tx *bbolt.Tx) error {
		var err error
		t, err = d.getTransaction(tx, id)
		if err != nil {
			return err
		}
		if t.AckStatus == status {
			return nil // no-op, no version bump
		}
		t.AckStatus = status
		return d.putTransaction(tx, t, false)
	})
}
