// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package spark defines the capability surface the engine needs from a
// Spark wallet backend. The concrete implementation wraps the operator's
// Spark SDK binding and is injected into core; everything here is
// transport-agnostic.
package spark

import (
	"context"
	"errors"
	"time"
)

// Request statuses reported by the backend.
const (
	StatusCreated  = "CREATED"
	StatusPending  = "PENDING"
	StatusPaid     = "PAID"
	StatusComplete = "COMPLETED"
	StatusFailed   = "FAILED"
)

// ErrTransient marks backend failures where the outcome of the submitted
// operation is unknown. Callers must not treat these as payment failure;
// the transfer may have gone through.
var ErrTransient = errors.New("transient spark backend error")

// IsTransient reports whether err wraps ErrTransient.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// LightningSendRequest is an outgoing Lightning payment tracked by the
// backend.
type LightningSendRequest struct {
	ID              string
	PaymentRequest  string
	PaymentHash     string
	Status          string
	FeeSats         uint64
	PaymentPreimage string
	TransferID      string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// LightningReceiveRequest is an invoice issued by the backend.
type LightningReceiveRequest struct {
	ID             string
	PaymentRequest string
	PaymentHash    string
	Status         string
	TransferID     string
	CreatedAt      time.Time
}

// Transfer is a settled movement of funds on the Spark backend.
type Transfer struct {
	ID         string
	AmountSats uint64
	Status     string
	CreatedAt  time.Time
}

// TransferClaimedEvent is emitted when an incoming transfer settles.
type TransferClaimedEvent struct {
	TransferID  string
	PaymentHash string
	AmountSats  uint64
}

// PayInvoiceParams are the inputs to PayLightningInvoice. AmountSats is
// only set for zero-amount invoices.
type PayInvoiceParams struct {
	PaymentRequest string
	MaxFeeSats     uint64
	AmountSats     uint64
}

// Wallet is the Spark backend capability surface used by the engine.
type Wallet interface {
	// BalanceSats is the spendable balance.
	BalanceSats(ctx context.Context) (uint64, error)

	// CreateLightningInvoice issues an invoice for amountSats with the
	// given memo, returning the tracked receive request.
	CreateLightningInvoice(ctx context.Context, amountSats uint64, memo string) (*LightningReceiveRequest, error)

	// LightningReceiveRequest fetches a receive request by ID.
	LightningReceiveRequest(ctx context.Context, id string) (*LightningReceiveRequest, error)

	// PayLightningInvoice initiates payment of a BOLT11 invoice. A wrapped
	// ErrTransient means the outcome is unknown and the caller must search
	// recent send requests before declaring failure.
	PayLightningInvoice(ctx context.Context, params *PayInvoiceParams) (*LightningSendRequest, error)

	// LightningSendRequest fetches a send request by ID.
	LightningSendRequest(ctx context.Context, id string) (*LightningSendRequest, error)

	// LightningSendFeeEstimate estimates the routing fee for paying the
	// invoice, in sats.
	LightningSendFeeEstimate(ctx context.Context, paymentRequest string) (uint64, error)

	// RecentSendRequests lists the most recent outgoing send requests,
	// newest first, for matching an in-flight payment by invoice after a
	// transient submission failure.
	RecentSendRequests(ctx context.Context, n int) ([]*LightningSendRequest, error)

	// Transfer fetches a transfer by ID.
	Transfer(ctx context.Context, id string) (*Transfer, error)

	// SubscribeTransferClaimed registers f for transfer:claimed events
	// until ctx is canceled.
	SubscribeTransferClaimed(ctx context.Context, f func(TransferClaimedEvent)) error
}
