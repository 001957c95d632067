// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package db defines the persisted entities of the transfer engine and the
// repository contract their state machines depend on. Every entity carries
// a Version that increments by exactly 1 per committed mutation; it is the
// optimistic-concurrency token checked by every mutating procedure.
package db

import (
	"encoding/hex"
	"time"

	"cashport.org/cashport/pay/cashu"
	"cashport.org/cashport/pay/encode"
	"cashport.org/cashport/pay/money"
)

// NewEntityID generates a random 16-byte hex entity ID.
func NewEntityID() string {
	return hex.EncodeToString(encode.RandomBytes(16))
}

// AccountType discriminates balance-holder backends.
type AccountType string

const (
	AccountTypeCashu AccountType = "cashu"
	AccountTypeSpark AccountType = "spark"
)

// Account is a polymorphic balance holder. Accounts are created by explicit
// user action and never deleted; IsOnline tracks backend reachability.
type Account struct {
	ID       string         `json:"id"`
	UserID   string         `json:"userId"`
	Type     AccountType    `json:"type"`
	Currency money.Currency `json:"currency"`
	// MintURL is set for cashu accounts.
	MintURL string `json:"mintUrl,omitempty"`
	// KeysetCounters tracks the per-keyset deterministic output counter.
	// A counter only advances inside the same atomic procedure that commits
	// the entity which consumed it.
	KeysetCounters map[string]uint32 `json:"keysetCounters,omitempty"`
	IsOnline       bool              `json:"isOnline"`
	Version        uint64            `json:"version"`
	CreatedAt      time.Time         `json:"createdAt"`
}

// NextCounter returns the account's counter for the keyset and a copy of
// the account with the counter advanced by n, version untouched. The copy
// is what a create procedure commits.
func (a *Account) NextCounter(keysetID string, n uint32) (uint32, *Account) {
	next := *a
	next.KeysetCounters = make(map[string]uint32, len(a.KeysetCounters)+1)
	for k, v := range a.KeysetCounters {
		next.KeysetCounters[k] = v
	}
	current := next.KeysetCounters[keysetID]
	next.KeysetCounters[keysetID] = current + n
	return current, &next
}

// ProofRowState is the local lifecycle state of a stored proof.
type ProofRowState string

const (
	ProofUnspent  ProofRowState = "UNSPENT"
	ProofReserved ProofRowState = "RESERVED"
	ProofSpent    ProofRowState = "SPENT"
	ProofPending  ProofRowState = "PENDING"
)

// Proof is a stored bearer proof. A proof belongs to exactly one account;
// the sum of an account's UNSPENT and RESERVED proofs is its spendable
// balance. Y is the proof's public-key fingerprint and the row key.
type Proof struct {
	cashu.Proof
	Y          string        `json:"y"`
	AccountID  string        `json:"accountId"`
	UserID     string        `json:"userId"`
	State      ProofRowState `json:"state"`
	Version    uint64        `json:"version"`
	CreatedAt  time.Time     `json:"createdAt"`
	ReservedAt *time.Time    `json:"reservedAt,omitempty"`
}

// ProofsAmount sums the denominations of stored proofs.
func ProofsAmount(proofs []*Proof) uint64 {
	var sum uint64
	for _, p := range proofs {
		sum += p.Amount
	}
	return sum
}

// WireProofs extracts the cashu wire proofs.
func WireProofs(proofs []*Proof) cashu.Proofs {
	out := make(cashu.Proofs, len(proofs))
	for i, p := range proofs {
		out[i] = p.Proof
	}
	return out
}

// SendSwapState is the lifecycle state of a CashuSendSwap.
type SendSwapState string

const (
	SendSwapDraftState SendSwapState = "DRAFT"
	SendSwapPending    SendSwapState = "PENDING"
	SendSwapCompleted  SendSwapState = "COMPLETED"
	SendSwapFailed     SendSwapState = "FAILED"
	SendSwapReversed   SendSwapState = "REVERSED"
)

// IsTerminal reports whether no further transitions are possible.
func (s SendSwapState) IsTerminal() bool {
	return s == SendSwapCompleted || s == SendSwapFailed || s == SendSwapReversed
}

// SendSwapDraft is the DRAFT-only payload: the output plan. The committed
// input proofs exist; the output proofs do not yet. Unconditioned sends
// derive all outputs from KeysetCounter; a spending-condition send carries
// its non-derivable send outputs in SendOutputs and the counter covers only
// the keep leg.
type SendSwapDraft struct {
	KeysetID      string             `json:"keysetId"`
	KeysetCounter uint32             `json:"keysetCounter"`
	SendAmounts   []uint64           `json:"sendAmounts"`
	KeepAmounts   []uint64           `json:"keepAmounts"`
	SendOutputs   []cashu.OutputData `json:"sendOutputs,omitempty"`
}

// SendSwapProofs is the PENDING/COMPLETED payload: the output proofs exist
// and are encoded. TokenHash is the deterministic hash over (mint, proofs,
// unit) used to detect whether the shared token was claimed.
type SendSwapProofs struct {
	TokenHash    string       `json:"tokenHash"`
	ProofsToSend cashu.Proofs `json:"proofsToSend"`
}

// SendSwapFailure is the FAILED payload.
type SendSwapFailure struct {
	Reason string `json:"reason"`
}

// CashuSendSwap orchestrates turning account proofs into a shareable bearer
// token. Exactly the payload matching State is non-nil.
//
// Invariants: AmountToSend == AmountRequested + CashuReceiveFee, and when a
// swap is required, InputAmount == AmountToSend + CashuSendFee.
type CashuSendSwap struct {
	ID            string         `json:"id"`
	UserID        string         `json:"userId"`
	AccountID     string         `json:"accountId"`
	TransactionID string         `json:"transactionId"`
	Currency      money.Currency `json:"currency"`

	// InputProofYs are the fingerprints of the reserved input proofs.
	InputProofYs    []string `json:"inputProofYs"`
	InputAmount     uint64   `json:"inputAmount"`
	AmountRequested uint64   `json:"amountRequested"`
	AmountToSend    uint64   `json:"amountToSend"`
	CashuReceiveFee uint64   `json:"cashuReceiveFee"`
	CashuSendFee    uint64   `json:"cashuSendFee"`
	TotalAmount     uint64   `json:"totalAmount"`

	// SpendingCondition is the serialized NUT-10 condition the proofs to
	// send were minted under, when the token is encumbered (e.g. P2PK).
	// UnlockingData is the sender's witness for reclaiming them on
	// reversal.
	SpendingCondition string `json:"spendingCondition,omitempty"`
	UnlockingData     string `json:"unlockingData,omitempty"`

	State   SendSwapState    `json:"state"`
	Draft   *SendSwapDraft   `json:"draft,omitempty"`
	Proofs  *SendSwapProofs  `json:"proofs,omitempty"`
	Failure *SendSwapFailure `json:"failure,omitempty"`

	Version   uint64    `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
}

// RequiresSwap reports whether the swap was created in DRAFT, i.e. the
// selected inputs did not sum exactly to the needed amount.
func (s *CashuSendSwap) RequiresSwap() bool {
	return s.Draft != nil
}

// SendQuoteState is the lifecycle state of a CashuSendQuote.
type SendQuoteState string

const (
	SendQuoteUnpaid  SendQuoteState = "UNPAID"
	SendQuotePending SendQuoteState = "PENDING"
	SendQuotePaid    SendQuoteState = "PAID"
	SendQuoteExpired SendQuoteState = "EXPIRED"
	SendQuoteFailed  SendQuoteState = "FAILED"
)

// IsTerminal reports whether no further transitions are possible.
func (s SendQuoteState) IsTerminal() bool {
	return s == SendQuotePaid || s == SendQuoteExpired || s == SendQuoteFailed
}

// SendQuotePaidData is the PAID-only payload.
//
// Invariants: TotalFees == LightningFee + CashuFee and
// AmountSpent == AmountToReceive + TotalFees.
type SendQuotePaidData struct {
	PaymentPreimage string `json:"paymentPreimage"`
	AmountSpent     uint64 `json:"amountSpent"`
	LightningFee    uint64 `json:"lightningFee"`
	TotalFees       uint64 `json:"totalFees"`
}

// SendQuoteFailure is the FAILED payload.
type SendQuoteFailure struct {
	Reason string `json:"reason"`
}

// CashuSendQuote pays a BOLT11 invoice by melting mint-custodied proofs.
type CashuSendQuote struct {
	ID            string         `json:"id"`
	UserID        string         `json:"userId"`
	AccountID     string         `json:"accountId"`
	TransactionID string         `json:"transactionId"`
	Currency      money.Currency `json:"currency"`

	PaymentRequest string `json:"paymentRequest"`
	PaymentHash    string `json:"paymentHash"`
	// QuoteID is the mint's melt quote ID.
	QuoteID string `json:"quoteId"`

	// ProofYs are the fingerprints of the reserved proofs.
	ProofYs       []string `json:"proofYs"`
	KeysetID      string   `json:"keysetId"`
	KeysetCounter uint32   `json:"keysetCounter"`
	// NumberOfChangeOutputs is ceil(log2(maxChange)), minimum 1 when any
	// change is possible, fixing the change denomination plan so completion
	// can restore change proofs deterministically.
	NumberOfChangeOutputs int `json:"numberOfChangeOutputs"`

	AmountRequested     uint64 `json:"amountRequested"`
	AmountRequestedMsat uint64 `json:"amountRequestedInMsat"`
	AmountReserved      uint64 `json:"amountReserved"`
	AmountToReceive     uint64 `json:"amountToReceive"`
	LightningFeeReserve uint64 `json:"lightningFeeReserve"`
	CashuFee            uint64 `json:"cashuFee"`

	State   SendQuoteState     `json:"state"`
	Paid    *SendQuotePaidData `json:"paid,omitempty"`
	Failure *SendQuoteFailure  `json:"failure,omitempty"`

	Version   uint64    `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ReceiveQuoteState is the lifecycle state of a CashuReceiveQuote.
type ReceiveQuoteState string

const (
	ReceiveQuoteUnpaid    ReceiveQuoteState = "UNPAID"
	ReceiveQuotePending   ReceiveQuoteState = "PENDING"
	ReceiveQuoteCompleted ReceiveQuoteState = "COMPLETED"
	ReceiveQuoteExpired   ReceiveQuoteState = "EXPIRED"
	ReceiveQuoteFailed    ReceiveQuoteState = "FAILED"
)

// IsTerminal reports whether no further transitions are possible.
func (s ReceiveQuoteState) IsTerminal() bool {
	return s == ReceiveQuoteCompleted || s == ReceiveQuoteExpired || s == ReceiveQuoteFailed
}

// ReceiveQuoteCompletedData is the COMPLETED-only payload.
type ReceiveQuoteCompletedData struct {
	AmountReceived uint64 `json:"amountReceived"`
}

// ReceiveQuoteFailure is the FAILED payload.
type ReceiveQuoteFailure struct {
	Reason string `json:"reason"`
}

// CashuReceiveQuote receives over Lightning by having the mint issue
// proofs once its invoice is paid.
type CashuReceiveQuote struct {
	ID            string         `json:"id"`
	UserID        string         `json:"userId"`
	AccountID     string         `json:"accountId"`
	TransactionID string         `json:"transactionId"`
	Currency      money.Currency `json:"currency"`

	// QuoteID is the mint's mint quote ID.
	QuoteID        string `json:"quoteId"`
	PaymentRequest string `json:"paymentRequest"`
	PaymentHash    string `json:"paymentHash"`
	Amount         uint64 `json:"amount"`

	KeysetID      string   `json:"keysetId"`
	KeysetCounter uint32   `json:"keysetCounter"`
	OutputAmounts []uint64 `json:"outputAmounts"`

	State     ReceiveQuoteState          `json:"state"`
	Completed *ReceiveQuoteCompletedData `json:"completed,omitempty"`
	Failure   *ReceiveQuoteFailure       `json:"failure,omitempty"`

	Version   uint64    `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SparkQuoteState is the lifecycle state of Spark send quotes and
// Lightning receives.
type SparkQuoteState string

const (
	SparkQuoteUnpaid    SparkQuoteState = "UNPAID"
	SparkQuotePending   SparkQuoteState = "PENDING"
	SparkQuoteCompleted SparkQuoteState = "COMPLETED"
	SparkQuoteFailed    SparkQuoteState = "FAILED"
)

// IsTerminal reports whether no further transitions are possible.
func (s SparkQuoteState) IsTerminal() bool {
	return s == SparkQuoteCompleted || s == SparkQuoteFailed
}

// SparkSendCompleted is the COMPLETED-only payload of a SparkSendQuote.
type SparkSendCompleted struct {
	PaymentPreimage string `json:"paymentPreimage"`
	TransferID      string `json:"transferId"`
	FeeSats         uint64 `json:"feeSats"`
}

// SparkFailure is the FAILED payload of the spark entities.
type SparkFailure struct {
	Reason string `json:"reason"`
}

// SparkSendQuote pays a BOLT11 invoice through the Spark backend.
type SparkSendQuote struct {
	ID            string `json:"id"`
	UserID        string `json:"userId"`
	AccountID     string `json:"accountId"`
	TransactionID string `json:"transactionId"`

	PaymentRequest string `json:"paymentRequest"`
	PaymentHash    string `json:"paymentHash"`
	AmountSats     uint64 `json:"amountSats"`
	MaxFeeSats     uint64 `json:"maxFeeSats"`

	// SparkID is the backend's send request ID, assigned when payment is
	// initiated (PENDING and beyond).
	SparkID string `json:"sparkId,omitempty"`

	State     SparkQuoteState     `json:"state"`
	Completed *SparkSendCompleted `json:"completed,omitempty"`
	Failure   *SparkFailure       `json:"failure,omitempty"`

	Version   uint64    `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SparkReceiveCompleted is the COMPLETED-only payload of a
// SparkLightningReceive.
type SparkReceiveCompleted struct {
	TransferID string `json:"transferId"`
}

// SparkLightningReceive receives a Lightning payment through the Spark
// backend.
type SparkLightningReceive struct {
	ID            string `json:"id"`
	UserID        string `json:"userId"`
	AccountID     string `json:"accountId"`
	TransactionID string `json:"transactionId"`

	PaymentRequest string `json:"paymentRequest"`
	PaymentHash    string `json:"paymentHash"`
	AmountSats     uint64 `json:"amountSats"`

	// SparkID is the backend's receive request ID.
	SparkID string `json:"sparkId,omitempty"`

	State     SparkQuoteState        `json:"state"`
	Completed *SparkReceiveCompleted `json:"completed,omitempty"`
	Failure   *SparkFailure          `json:"failure,omitempty"`

	Version   uint64    `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// TxDirection is the user-visible direction of a transaction.
type TxDirection string

const (
	TxSend    TxDirection = "SEND"
	TxReceive TxDirection = "RECEIVE"
)

// TxType identifies the engine entity backing a transaction.
type TxType string

const (
	TxCashuToken     TxType = "CASHU_TOKEN"
	TxCashuLightning TxType = "CASHU_LIGHTNING"
	TxSparkLightning TxType = "SPARK_LIGHTNING"
)

// TxState mirrors the backing entity's state in user-visible terms.
type TxState string

const (
	TxDraft     TxState = "DRAFT"
	TxPending   TxState = "PENDING"
	TxCompleted TxState = "COMPLETED"
	TxFailed    TxState = "FAILED"
	TxReversed  TxState = "REVERSED"
)

// AckStatus tracks whether the user has seen a finished transaction.
type AckStatus string

const (
	AckNone         AckStatus = ""
	AckPending      AckStatus = "pending"
	AckAcknowledged AckStatus = "acknowledged"
)

// Transaction is the durable ledger entry users see in history. One
// Transaction corresponds to exactly one quote/swap entity; Details always
// matches that entity's current state shape and is encrypted at rest.
type Transaction struct {
	ID        string         `json:"id"`
	UserID    string         `json:"userId"`
	AccountID string         `json:"accountId"`
	Direction TxDirection    `json:"direction"`
	Type      TxType         `json:"type"`
	State     TxState        `json:"state"`
	Amount    uint64         `json:"amount"`
	Currency  money.Currency `json:"currency"`
	// EntityID references the backing quote/swap.
	EntityID string `json:"entityId"`
	// Details is the serialized state payload of the backing entity.
	Details []byte `json:"details,omitempty"`

	AckStatus AckStatus `json:"ackStatus,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	PendingAt   *time.Time `json:"pendingAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	FailedAt    *time.Time `json:"failedAt,omitempty"`

	Version uint64 `json:"version"`
}
