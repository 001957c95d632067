// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package mint

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"cashport.org/cashport/pay"
	"cashport.org/cashport/pay/cashu"
)

func testServer(t *testing.T, handlers map[string]http.HandlerFunc) *Client {
	t.Helper()
	mux := http.NewServeMux()
	for path, h := range handlers {
		mux.HandleFunc(path, h)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return New(srv.URL, pay.Disabled)
}

func writeJSON(t *testing.T, w http.ResponseWriter, thing interface{}) {
	t.Helper()
	if err := json.NewEncoder(w).Encode(thing); err != nil {
		t.Errorf("error encoding response: %v", err)
	}
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	t.Cleanup(cancel)
	return ctx
}

func TestActiveKeyset(t *testing.T) {
	const keysetID = "00ad268c4d1f5826"
	c := testServer(t, map[string]http.HandlerFunc{
		"/v1/keysets": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(t, w, &keysetsResponse{Keysets: []*cashu.Keyset{
				{ID: "00deadbeef000000", Unit: "sat", Active: false},
				{ID: "00ffffffffffffff", Unit: "usd", Active: true},
				{ID: keysetID, Unit: "sat", Active: true, InputFeePpk: 100},
			}})
		},
		"/v1/keys/" + keysetID: func(w http.ResponseWriter, r *http.Request) {
			writeJSON(t, w, &keysetsResponse{Keysets: []*cashu.Keyset{
				{ID: keysetID, Keys: map[uint64]string{1: "02aa", 2: "02bb"}},
			}})
		},
	})

	ks, err := c.ActiveKeyset(testCtx(t), "sat")
	if err != nil {
		t.Fatalf("ActiveKeyset error: %v", err)
	}
	if ks.ID != keysetID {
		t.Fatalf("resolved keyset %s, expected %s", ks.ID, keysetID)
	}
	if !ks.Active || ks.Unit != "sat" || ks.InputFeePpk != 100 {
		t.Fatalf("listing fields not carried onto keys response: %+v", ks)
	}
	if len(ks.Keys) != 2 {
		t.Fatalf("got %d keys, expected 2", len(ks.Keys))
	}

	if _, err := c.ActiveKeyset(testCtx(t), "eur"); err == nil {
		t.Fatalf("no error for unit with no active keyset")
	}
}

func TestMintErrors(t *testing.T) {
	c := testServer(t, map[string]http.HandlerFunc{
		"/v1/swap": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			writeJSON(t, w, &Error{Code: CodeTokenAlreadySpent, Detail: "Token is already spent."})
		},
		"/v1/mint/bolt11": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			writeJSON(t, w, &Error{Code: CodeOutputAlreadySigned, Detail: "Outputs have already been signed before."})
		},
		"/v1/restore": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("it's all on fire"))
		},
	})

	_, err := c.Swap(testCtx(t), nil, nil)
	if !IsTokenAlreadySpent(err) {
		t.Fatalf("expected token-already-spent error, got %v", err)
	}
	if IsOutputAlreadySigned(err) {
		t.Fatalf("spent-token error classified as output-already-signed")
	}

	_, err = c.Mint(testCtx(t), "quote-1", nil)
	if !IsOutputAlreadySigned(err) {
		t.Fatalf("expected output-already-signed error, got %v", err)
	}

	// A non-JSON error body still surfaces as an error, just not a mint
	// Error.
	_, err = c.Restore(testCtx(t), nil)
	if err == nil {
		t.Fatalf("no error for 500 response")
	}
	if IsTokenAlreadySpent(err) || IsOutputAlreadySigned(err) {
		t.Fatalf("unstructured error classified as a mint code: %v", err)
	}
}

func TestQuotes(t *testing.T) {
	c := testServer(t, map[string]http.HandlerFunc{
		"/v1/mint/quote/bolt11": func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Amount uint64 `json:"amount"`
				Unit   string `json:"unit"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("error decoding mint quote request: %v", err)
			}
			if req.Amount != 21 || req.Unit != "sat" {
				t.Errorf("unexpected mint quote request: %+v", req)
			}
			writeJSON(t, w, &MintQuote{Quote: "mq-1", Request: "lnbc...", State: QuoteUnpaid})
		},
		"/v1/mint/quote/bolt11/mq-1": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(t, w, &MintQuote{Quote: "mq-1", State: QuotePaid})
		},
		"/v1/melt/quote/bolt11": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(t, w, &MeltQuote{Quote: "melt-1", Amount: 10, FeeReserve: 2, State: QuoteUnpaid})
		},
	})

	ctx := testCtx(t)
	mq, err := c.CreateMintQuote(ctx, 21, "sat")
	if err != nil {
		t.Fatalf("CreateMintQuote error: %v", err)
	}
	if mq.Quote != "mq-1" || mq.State != QuoteUnpaid {
		t.Fatalf("unexpected mint quote: %+v", mq)
	}

	mq, err = c.MintQuoteState(ctx, "mq-1")
	if err != nil {
		t.Fatalf("MintQuoteState error: %v", err)
	}
	if mq.State != QuotePaid {
		t.Fatalf("quote state %s, expected PAID", mq.State)
	}

	melt, err := c.CreateMeltQuote(ctx, "lnbc...", "sat")
	if err != nil {
		t.Fatalf("CreateMeltQuote error: %v", err)
	}
	if melt.Amount != 10 || melt.FeeReserve != 2 {
		t.Fatalf("unexpected melt quote: %+v", melt)
	}
}

func TestRestore(t *testing.T) {
	outputs := cashu.BlindedMessages{
		{Amount: 1, ID: "00aa", B: "02b1"},
		{Amount: 2, ID: "00aa", B: "02b2"},
	}
	var short bool
	c := testServer(t, map[string]http.HandlerFunc{
		"/v1/restore": func(w http.ResponseWriter, r *http.Request) {
			res := &RestoreResult{
				Outputs:    outputs,
				Signatures: cashu.BlindedSignatures{{Amount: 1, ID: "00aa", C: "02c1"}, {Amount: 2, ID: "00aa", C: "02c2"}},
			}
			if short {
				res.Signatures = res.Signatures[:1]
			}
			writeJSON(t, w, res)
		},
	})

	res, err := c.Restore(testCtx(t), outputs)
	if err != nil {
		t.Fatalf("Restore error: %v", err)
	}
	if len(res.Signatures) != 2 || res.Signatures[1].C != "02c2" {
		t.Fatalf("unexpected restore result: %+v", res)
	}

	// A signature count that doesn't match the returned outputs is rejected.
	short = true
	if _, err := c.Restore(testCtx(t), outputs); err == nil {
		t.Fatalf("no error for mismatched restore response")
	}
}

func TestCheckProofStates(t *testing.T) {
	ys := []string{"02y1", "02y2", "02y3"}
	var drop bool
	c := testServer(t, map[string]http.HandlerFunc{
		"/v1/checkstate": func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Ys []string `json:"Ys"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("error decoding checkstate request: %v", err)
			}
			states := make([]cashu.ProofStateUpdate, 0, len(req.Ys))
			for i, y := range req.Ys {
				if drop && i == len(req.Ys)-1 {
					break
				}
				state := cashu.ProofStateUnspent
				if i == 1 {
					state = cashu.ProofStateSpent
				}
				states = append(states, cashu.ProofStateUpdate{Y: y, State: state})
			}
			writeJSON(t, w, &struct {
				States []cashu.ProofStateUpdate `json:"states"`
			}{states})
		},
	})

	states, err := c.CheckProofStates(testCtx(t), ys)
	if err != nil {
		t.Fatalf("CheckProofStates error: %v", err)
	}
	if len(states) != 3 {
		t.Fatalf("got %d states, expected 3", len(states))
	}
	if states[1].Y != "02y2" || states[1].State != cashu.ProofStateSpent {
		t.Fatalf("unexpected state for second proof: %+v", states[1])
	}

	// A mint that answers for fewer proofs than asked is rejected.
	drop = true
	if _, err := c.CheckProofStates(testCtx(t), ys); err == nil {
		t.Fatalf("no error for short checkstate response")
	}
}
