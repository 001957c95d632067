// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package core

import (
	"context"

	"cashport.org/cashport/client/mint"
	"cashport.org/cashport/pay/cashu"
)

// Mint is the subset of the mint client's surface the engine drives.
// Satisfied by *mint.Client.
type Mint interface {
	URL() string
	ActiveKeyset(ctx context.Context, unit string) (*cashu.Keyset, error)
	Keys(ctx context.Context, keysetID string) (*cashu.Keyset, error)
	CreateMintQuote(ctx context.Context, amount uint64, unit string) (*mint.MintQuote, error)
	MintQuoteState(ctx context.Context, quoteID string) (*mint.MintQuote, error)
	Mint(ctx context.Context, quoteID string, outputs cashu.BlindedMessages) (cashu.BlindedSignatures, error)
	CreateMeltQuote(ctx context.Context, invoice, unit string) (*mint.MeltQuote, error)
	MeltQuoteState(ctx context.Context, quoteID string) (*mint.MeltQuote, error)
	Melt(ctx context.Context, quoteID string, inputs cashu.Proofs, outputs cashu.BlindedMessages) (*mint.MeltQuote, error)
	Swap(ctx context.Context, inputs cashu.Proofs, outputs cashu.BlindedMessages) (cashu.BlindedSignatures, error)
	Restore(ctx context.Context, outputs cashu.BlindedMessages) (*mint.RestoreResult, error)
	CheckProofStates(ctx context.Context, ys []string) ([]cashu.ProofStateUpdate, error)
}

// ProofStateSubscriber is the websocket subscription surface of a mint.
// Satisfied by *mint.WSClient.
type ProofStateSubscriber interface {
	Subscribe(subID string, ys []string, f func(cashu.ProofStateUpdate)) error
	Unsubscribe(subID string) error
}

// LeaderElector gates the reconciliation loop so exactly one engine
// instance drives recovery at a time.
type LeaderElector interface {
	IsLeader() bool
}

// SingleNode is a LeaderElector for single-instance deployments.
type SingleNode struct{}

// IsLeader is always true.
func (SingleNode) IsLeader() bool { return true }

// Balance is the spendable balance of an account.
type Balance struct {
	AccountID string `json:"accountId"`
	// Available is the sum of proofs spendable right now.
	Available uint64 `json:"available"`
	// Reserved is committed to in-flight sends.
	Reserved uint64 `json:"reserved"`
	Unit     string `json:"unit"`
}

// SendSwapEstimate is the no-side-effect answer to "what would sending
// amount cost".
type SendSwapEstimate struct {
	AmountRequested uint64 `json:"amountRequested"`
	// AmountToSend includes the receiver-side claim fee when requested.
	AmountToSend    uint64 `json:"amountToSend"`
	CashuReceiveFee uint64 `json:"cashuReceiveFee"`
	CashuSendFee    uint64 `json:"cashuSendFee"`
	TotalAmount     uint64 `json:"totalAmount"`
	// RequiresSwap is false when an exact proof subset exists.
	RequiresSwap bool `json:"requiresSwap"`
}

// LightningSendEstimate is the no-side-effect answer for paying a BOLT11
// invoice from a cashu account.
type LightningSendEstimate struct {
	PaymentRequest      string `json:"paymentRequest"`
	PaymentHash         string `json:"paymentHash"`
	QuoteID             string `json:"quoteId"`
	AmountRequested     uint64 `json:"amountRequested"`
	AmountRequestedMsat uint64 `json:"amountRequestedInMsat"`
	AmountReserved      uint64 `json:"amountReserved"`
	LightningFeeReserve uint64 `json:"lightningFeeReserve"`
	CashuFee            uint64 `json:"cashuFee"`
	ExpiresAt           int64  `json:"expiresAt"`
}

// Severity of a notification.
type Severity uint8

const (
	Data Severity = iota
	Poke
	Success
	WarningLevel
	ErrorLevel
)

// Notification is a user-facing event emitted by the engine.
type Notification struct {
	Type     string   `json:"type"`
	Subject  string   `json:"subject"`
	Details  string   `json:"details"`
	Severity Severity `json:"severity"`
	// EntityID references the quote/swap the note concerns, when any.
	EntityID string `json:"entityId,omitempty"`
}

// Notification types.
const (
	NoteTypeSendSwap   = "sendswap"
	NoteTypeSendQuote  = "sendquote"
	NoteTypeReceive    = "receive"
	NoteTypeSpark      = "spark"
	NoteTypeAccount    = "account"
	NoteTypeReconciler = "reconciler"
	NoteTypeConnection = "connection"
)

// TokenReceipt is the result of receiving a shared token.
type TokenReceipt struct {
	AccountID      string `json:"accountId"`
	AmountReceived uint64 `json:"amountReceived"`
	TransactionID  string `json:"transactionId"`
}

var _ Mint = (*mint.Client)(nil)
var _ ProofStateSubscriber = (*mint.WSClient)(nil)
