// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package mint implements an HTTP client for the Cashu mint REST API. It
// covers the subset of the protocol the engine uses: keyset discovery,
// mint and melt quotes, swaps, proof state checks, and signature
// restoration.
package mint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"cashport.org/cashport/pay"
	"cashport.org/cashport/pay/cashu"
	"golang.org/x/time/rate"
)

// Error codes returned by mints that the engine branches on.
const (
	CodeTokenAlreadySpent   = 11001
	CodeOutputAlreadySigned = 10002
)

// Error is a structured error response from a mint.
type Error struct {
	Code   int    `json:"code"`
	Detail string `json:"detail"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("mint error %d: %s", e.Code, e.Detail)
}

// IsTokenAlreadySpent reports whether err is a mint rejection because one
// or more input proofs were already spent.
func IsTokenAlreadySpent(err error) bool {
	var me *Error
	return errors.As(err, &me) && me.Code == CodeTokenAlreadySpent
}

// IsOutputAlreadySigned reports whether err is a mint rejection because a
// blinded output was already signed, which happens when deterministic
// outputs are resubmitted after a partially-observed operation.
func IsOutputAlreadySigned(err error) bool {
	var me *Error
	return errors.As(err, &me) && me.Code == CodeOutputAlreadySigned
}

// Quote states reported by mints.
const (
	QuoteUnpaid  = "UNPAID"
	QuotePaid    = "PAID"
	QuotePending = "PENDING"
	QuoteIssued  = "ISSUED"
)

// MintQuote is the mint's response for a bolt11 mint quote.
type MintQuote struct {
	Quote   string `json:"quote"`
	Request string `json:"request"`
	State   string `json:"state"`
	Expiry  int64  `json:"expiry"`
}

// MeltQuote is the mint's response for a bolt11 melt quote. Change is only
// populated on the melt response itself.
type MeltQuote struct {
	Quote           string                  `json:"quote"`
	Amount          uint64                  `json:"amount"`
	FeeReserve      uint64                  `json:"fee_reserve"`
	State           string                  `json:"state"`
	Expiry          int64                   `json:"expiry"`
	PaymentPreimage string                  `json:"payment_preimage,omitempty"`
	Change          cashu.BlindedSignatures `json:"change,omitempty"`
}

// requestsPerSec caps the request rate against a single mint so the
// reconciliation loop cannot hammer it.
const requestsPerSec = 10

// Client talks to a single mint.
type Client struct {
	url     string
	http    *http.Client
	limiter *rate.Limiter
	log     pay.Logger
}

// New creates a Client for the mint at url.
func New(url string, logger pay.Logger) *Client {
	return &Client{
		url:     strings.TrimRight(url, "/"),
		http:    &http.Client{Timeout: time.Second * 30},
		limiter: rate.NewLimiter(rate.Limit(requestsPerSec), requestsPerSec),
		log:     logger,
	}
}

// URL is the mint's base URL.
func (c *Client) URL() string { return c.url }

// SetRateLimit overrides the default request rate cap. Call before first
// use; the limiter is not synchronized for replacement mid-flight.
func (c *Client) SetRateLimit(rps float64) {
	if rps <= 0 {
		return
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
}

func (c *Client) do(ctx context.Context, method, path string, body, resp interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("error marshaling request body: %w", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("error requesting %s: %w", path, err)
	}
	defer res.Body.Close()
	b, err := io.ReadAll(io.LimitReader(res.Body, 1<<22))
	if err != nil {
		return fmt.Errorf("error reading %s response: %w", path, err)
	}
	if res.StatusCode != http.StatusOK {
		mintErr := new(Error)
		if err := json.Unmarshal(b, mintErr); err == nil && mintErr.Detail != "" {
			return mintErr
		}
		return fmt.Errorf("%s returned status %d: %s", path, res.StatusCode, string(b))
	}
	if resp == nil {
		return nil
	}
	if err := json.Unmarshal(b, resp); err != nil {
		return fmt.Errorf("error decoding %s response: %w", path, err)
	}
	return nil
}

type keysetsResponse struct {
	Keysets []*cashu.Keyset `json:"keysets"`
}

// Keysets fetches the mint's keyset list, without keys.
func (c *Client) Keysets(ctx context.Context) ([]*cashu.Keyset, error) {
	var resp keysetsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/keysets", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Keysets, nil
}

// Keys fetches the public keys of a single keyset.
func (c *Client) Keys(ctx context.Context, keysetID string) (*cashu.Keyset, error) {
	var resp keysetsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/keys/"+keysetID, nil, &resp); err != nil {
		return nil, err
	}
	for _, ks := range resp.Keysets {
		if ks.ID == keysetID {
			return ks, nil
		}
	}
	return nil, fmt.Errorf("mint did not return keys for keyset %s", keysetID)
}

// ActiveKeyset resolves the active keyset for unit, with keys and the
// input fee from the keyset listing.
func (c *Client) ActiveKeyset(ctx context.Context, unit string) (*cashu.Keyset, error) {
	keysets, err := c.Keysets(ctx)
	if err != nil {
		return nil, err
	}
	for _, ks := range keysets {
		if !ks.Active || ks.Unit != unit {
			continue
		}
		withKeys, err := c.Keys(ctx, ks.ID)
		if err != nil {
			return nil, err
		}
		withKeys.Active = true
		withKeys.Unit = ks.Unit
		withKeys.InputFeePpk = ks.InputFeePpk
		return withKeys, nil
	}
	return nil, fmt.Errorf("mint has no active keyset for unit %q", unit)
}

// CreateMintQuote requests a bolt11 mint quote for amount.
func (c *Client) CreateMintQuote(ctx context.Context, amount uint64, unit string) (*MintQuote, error) {
	req := struct {
		Amount uint64 `json:"amount"`
		Unit   string `json:"unit"`
	}{amount, unit}
	q := new(MintQuote)
	if err := c.do(ctx, http.MethodPost, "/v1/mint/quote/bolt11", req, q); err != nil {
		return nil, err
	}
	return q, nil
}

// MintQuoteState fetches the current state of a mint quote.
func (c *Client) MintQuoteState(ctx context.Context, quoteID string) (*MintQuote, error) {
	q := new(MintQuote)
	if err := c.do(ctx, http.MethodGet, "/v1/mint/quote/bolt11/"+quoteID, nil, q); err != nil {
		return nil, err
	}
	return q, nil
}

type signaturesResponse struct {
	Signatures cashu.BlindedSignatures `json:"signatures"`
}

// Mint requests signatures on outputs against a PAID mint quote.
func (c *Client) Mint(ctx context.Context, quoteID string, outputs cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	req := struct {
		Quote   string                `json:"quote"`
		Outputs cashu.BlindedMessages `json:"outputs"`
	}{quoteID, outputs}
	var resp signaturesResponse
	if err := c.do(ctx, http.MethodPost, "/v1/mint/bolt11", req, &resp); err != nil {
		return nil, err
	}
	return resp.Signatures, nil
}

// CreateMeltQuote requests a bolt11 melt quote for the invoice.
func (c *Client) CreateMeltQuote(ctx context.Context, invoice, unit string) (*MeltQuote, error) {
	req := struct {
		Request string `json:"request"`
		Unit    string `json:"unit"`
	}{invoice, unit}
	q := new(MeltQuote)
	if err := c.do(ctx, http.MethodPost, "/v1/melt/quote/bolt11", req, q); err != nil {
		return nil, err
	}
	return q, nil
}

// MeltQuoteState fetches the current state of a melt quote.
func (c *Client) MeltQuoteState(ctx context.Context, quoteID string) (*MeltQuote, error) {
	q := new(MeltQuote)
	if err := c.do(ctx, http.MethodGet, "/v1/melt/quote/bolt11/"+quoteID, nil, q); err != nil {
		return nil, err
	}
	return q, nil
}

// Melt submits inputs against a melt quote, asking the mint to pay the
// invoice. outputs are the deterministic blank change outputs.
func (c *Client) Melt(ctx context.Context, quoteID string, inputs cashu.Proofs, outputs cashu.BlindedMessages) (*MeltQuote, error) {
	req := struct {
		Quote   string                `json:"quote"`
		Inputs  cashu.Proofs          `json:"inputs"`
		Outputs cashu.BlindedMessages `json:"outputs,omitempty"`
	}{quoteID, inputs, outputs}
	q := new(MeltQuote)
	if err := c.do(ctx, http.MethodPost, "/v1/melt/bolt11", req, q); err != nil {
		return nil, err
	}
	return q, nil
}

// Swap exchanges inputs for signatures on outputs.
func (c *Client) Swap(ctx context.Context, inputs cashu.Proofs, outputs cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	req := struct {
		Inputs  cashu.Proofs          `json:"inputs"`
		Outputs cashu.BlindedMessages `json:"outputs"`
	}{inputs, outputs}
	var resp signaturesResponse
	if err := c.do(ctx, http.MethodPost, "/v1/swap", req, &resp); err != nil {
		return nil, err
	}
	return resp.Signatures, nil
}

// RestoreResult pairs the subset of submitted outputs the mint had signed
// with their signatures, in matching order.
type RestoreResult struct {
	Outputs    cashu.BlindedMessages   `json:"outputs"`
	Signatures cashu.BlindedSignatures `json:"signatures"`
}

// Restore asks the mint to re-issue signatures for previously signed
// outputs. Outputs the mint never signed are absent from the result.
func (c *Client) Restore(ctx context.Context, outputs cashu.BlindedMessages) (*RestoreResult, error) {
	req := struct {
		Outputs cashu.BlindedMessages `json:"outputs"`
	}{outputs}
	res := new(RestoreResult)
	if err := c.do(ctx, http.MethodPost, "/v1/restore", req, res); err != nil {
		return nil, err
	}
	if len(res.Signatures) != len(res.Outputs) {
		return nil, fmt.Errorf("restore returned %d signatures for %d outputs",
			len(res.Signatures), len(res.Outputs))
	}
	return res, nil
}

// CheckProofStates fetches the spend state of the proofs identified by ys.
// Results are returned in the order requested.
func (c *Client) CheckProofStates(ctx context.Context, ys []string) ([]cashu.ProofStateUpdate, error) {
	req := struct {
		Ys []string `json:"Ys"`
	}{ys}
	var resp struct {
		States []cashu.ProofStateUpdate `json:"states"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/checkstate", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.States) != len(ys) {
		return nil, fmt.Errorf("checkstate returned %d states for %d proofs", len(resp.States), len(ys))
	}
	return resp.States, nil
}
