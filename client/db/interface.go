// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package db

import (
	"context"
)

// DB is the repository contract the state machines depend on. Every
// mutating procedure is atomic: it (a) checks that the caller's entity
// Version matches the last persisted version, (b) applies all side effects
// together (state change, proof reservation or release, counter increment,
// ledger row update), and (c) returns the updated entity with Version+1, or
// fails with pay.ErrConcurrentUpdate, which the caller must retry with
// fresh state. Procedures never partially apply.
type DB interface {
	Run(ctx context.Context)

	// Store allows the storage of arbitrary data, e.g. the serialized
	// crypter and the wallet seed ciphertext.
	Store(k string, v []byte) error
	// Get retrieves values stored with Store.
	Get(k string) ([]byte, error)
	// ValueExists checks if a value was previously stored.
	ValueExists(k string) (bool, error)

	// Accounts.

	// CreateAccount stores a new account at version 1.
	CreateAccount(a *Account) (*Account, error)
	// Account fetches an account by ID.
	Account(id string) (*Account, error)
	// Accounts lists the user's accounts.
	Accounts(userID string) ([]*Account, error)
	// UpdateAccount commits a version-checked account mutation (online
	// status, balance refresh bookkeeping).
	UpdateAccount(a *Account) (*Account, error)

	// Proofs.

	// AddProofs stores proofs for an account under a version-checked
	// account update.
	AddProofs(acct *Account, proofs []*Proof) (*Account, error)
	// ClaimProofs is AddProofs plus a completed ledger row, for token
	// receives that have no owning quote entity.
	ClaimProofs(acct *Account, proofs []*Proof, t *Transaction) (*Account, error)
	// Proofs lists an account's proofs, optionally filtered by state.
	Proofs(accountID string, states ...ProofRowState) ([]*Proof, error)
	// ProofsByYs fetches proofs by fingerprint.
	ProofsByYs(ys []string) ([]*Proof, error)

	// Cashu send swaps.

	// CreateSendSwap creates the swap (DRAFT, or PENDING on the
	// exact-proofs fast path), reserves the input proofs, advances the
	// account's keyset counter when a draft consumed one, and writes the
	// ledger row, all atomically against acct.Version.
	CreateSendSwap(swap *CashuSendSwap, acct *Account) (*CashuSendSwap, *Account, error)
	// CommitSendSwapProofs transitions DRAFT -> PENDING: persists the
	// proofs-to-send and token hash, marks input proofs spent, and merges
	// the kept change proofs back into the account.
	CommitSendSwapProofs(swap *CashuSendSwap, proofs *SendSwapProofs, acct *Account, keep []*Proof) (*CashuSendSwap, *Account, error)
	// CompleteSendSwap transitions PENDING -> COMPLETED. Idempotent: a
	// COMPLETED swap is returned unchanged.
	CompleteSendSwap(swap *CashuSendSwap) (*CashuSendSwap, error)
	// ReverseSendSwap transitions PENDING -> REVERSED, merging the restored
	// proofs into the account.
	ReverseSendSwap(swap *CashuSendSwap, acct *Account, restored []*Proof) (*CashuSendSwap, *Account, error)
	// FailSendSwap transitions any non-terminal state to FAILED, releasing
	// still-reserved input proofs. Idempotent on FAILED.
	FailSendSwap(swap *CashuSendSwap, reason string) (*CashuSendSwap, error)
	// SendSwap fetches a swap by ID.
	SendSwap(id string) (*CashuSendSwap, error)
	// ActiveSendSwaps lists swaps in DRAFT or PENDING.
	ActiveSendSwaps() ([]*CashuSendSwap, error)

	// Cashu Lightning send quotes.

	// CreateSendQuote creates the quote in UNPAID, reserving the selected
	// proofs and advancing the keyset counter by the number of change
	// outputs, atomically against acct.Version.
	CreateSendQuote(quote *CashuSendQuote, acct *Account) (*CashuSendQuote, *Account, error)
	// MarkSendQuotePending transitions UNPAID -> PENDING. Idempotent: a
	// PENDING quote is returned unchanged.
	MarkSendQuotePending(quote *CashuSendQuote) (*CashuSendQuote, error)
	// CompleteSendQuote transitions PENDING -> PAID, marking reserved
	// proofs spent and merging change proofs into the account. Idempotent
	// on PAID.
	CompleteSendQuote(quote *CashuSendQuote, paid *SendQuotePaidData, acct *Account, change []*Proof) (*CashuSendQuote, *Account, error)
	// FailSendQuote transitions UNPAID or PENDING to FAILED, releasing
	// reserved proofs. Idempotent on FAILED.
	FailSendQuote(quote *CashuSendQuote, reason string, acct *Account) (*CashuSendQuote, *Account, error)
	// ExpireSendQuote transitions UNPAID -> EXPIRED, releasing reserved
	// proofs. Idempotent on EXPIRED.
	ExpireSendQuote(quote *CashuSendQuote, acct *Account) (*CashuSendQuote, *Account, error)
	// SendQuote fetches a quote by ID.
	SendQuote(id string) (*CashuSendQuote, error)
	// ActiveSendQuotes lists quotes in UNPAID or PENDING.
	ActiveSendQuotes() ([]*CashuSendQuote, error)

	// Cashu Lightning receive quotes.

	CreateReceiveQuote(quote *CashuReceiveQuote, acct *Account) (*CashuReceiveQuote, *Account, error)
	MarkReceiveQuotePending(quote *CashuReceiveQuote) (*CashuReceiveQuote, error)
	// CompleteReceiveQuote transitions PENDING -> COMPLETED, merging the
	// minted proofs into the account. Idempotent on COMPLETED.
	CompleteReceiveQuote(quote *CashuReceiveQuote, acct *Account, minted []*Proof) (*CashuReceiveQuote, *Account, error)
	FailReceiveQuote(quote *CashuReceiveQuote, reason string) (*CashuReceiveQuote, error)
	ExpireReceiveQuote(quote *CashuReceiveQuote) (*CashuReceiveQuote, error)
	ReceiveQuote(id string) (*CashuReceiveQuote, error)
	ActiveReceiveQuotes() ([]*CashuReceiveQuote, error)

	// Spark.

	CreateSparkSend(q *SparkSendQuote) (*SparkSendQuote, error)
	// MarkSparkSendPending records the backend's send request ID along with
	// the UNPAID -> PENDING transition. Idempotent on PENDING.
	MarkSparkSendPending(q *SparkSendQuote, sparkID string) (*SparkSendQuote, error)
	CompleteSparkSend(q *SparkSendQuote, completed *SparkSendCompleted) (*SparkSendQuote, error)
	FailSparkSend(q *SparkSendQuote, reason string) (*SparkSendQuote, error)
	SparkSend(id string) (*SparkSendQuote, error)
	ActiveSparkSends() ([]*SparkSendQuote, error)

	CreateSparkReceive(r *SparkLightningReceive) (*SparkLightningReceive, error)
	MarkSparkReceivePending(r *SparkLightningReceive) (*SparkLightningReceive, error)
	CompleteSparkReceive(r *SparkLightningReceive, completed *SparkReceiveCompleted) (*SparkLightningReceive, error)
	FailSparkReceive(r *SparkLightningReceive, reason string) (*SparkLightningReceive, error)
	SparkReceive(id string) (*SparkLightningReceive, error)
	ActiveSparkReceives() ([]*SparkLightningReceive, error)

	// Transactions.

	// Transaction fetches a ledger row by ID.
	Transaction(id string) (*Transaction, error)
	// Transactions lists the user's ledger newest-first. A non-empty
	// cursor resumes a previous listing; the returned cursor is empty when
	// the listing is exhausted.
	Transactions(userID string, n int, cursor string) ([]*Transaction, string, error)
	// AckTransaction sets the acknowledgment status.
	AckTransaction(id string, status AckStatus) (*Transaction, error)
}
