// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package core

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cashport.org/cashport/client/db"
	"cashport.org/cashport/client/db/bolt"
	"cashport.org/cashport/client/mint"
	"cashport.org/cashport/client/spark"
	"cashport.org/cashport/pay"
	"cashport.org/cashport/pay/bolt11"
	"cashport.org/cashport/pay/cashu"
	"cashport.org/cashport/pay/encrypt"
	"cashport.org/cashport/pay/money"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const (
	tUser     = "user-1"
	tMintURL  = "https://mint.example.com"
	tKeysetID = "00ad268c4d1f5826"
)

var tSeed = []byte("0123456789abcdef01")

// tMint is a Mint backed by a real signing key, so blinded outputs
// submitted by the engine round-trip through genuine unblinding.
type tMint struct {
	mtx    sync.Mutex
	key    *secp256k1.PrivateKey
	keyset *cashu.Keyset

	swapCalls    int
	restoreCalls int
	mintCalls    int
	meltCalls    int
	swapInputs   cashu.Proofs

	swapErr      error
	mintErr      error
	meltErr      error
	restoreEmpty bool

	mintQuoteState string
	meltQuote      *mint.MeltQuote
	meltResult     *mint.MeltQuote
	meltState      *mint.MeltQuote
	changeAmounts  []uint64

	proofStates map[string]cashu.ProofState
	invoice     string
}

func newTMint() *tMint {
	kb := make([]byte, 32)
	kb[31] = 5
	key := secp256k1.PrivKeyFromBytes(kb)
	pub := hex.EncodeToString(key.PubKey().SerializeCompressed())
	keys := make(map[uint64]string)
	for i := 0; i < 32; i++ {
		keys[1<<i] = pub
	}
	return &tMint{
		key: key,
		keyset: &cashu.Keyset{
			ID:     tKeysetID,
			Unit:   "sat",
			Active: true,
			Keys:   keys,
		},
		mintQuoteState: mint.QuoteUnpaid,
		proofStates:    make(map[string]cashu.ProofState),
	}
}

// blindSign computes C_ = k*B_, what a real mint does with its amount key.
func blindSign(key *secp256k1.PrivateKey, bHex string) (string, error) {
	raw, err := hex.DecodeString(bHex)
	if err != nil {
		return "", err
	}
	pt, err := secp256k1.ParsePubKey(raw)
	if err != nil {
		return "", err
	}
	var bj, cj secp256k1.JacobianPoint
	pt.AsJacobian(&bj)
	secp256k1.ScalarMultNonConst(&key.Key, &bj, &cj)
	cj.ToAffine()
	return hex.EncodeToString(secp256k1.NewPublicKey(&cj.X, &cj.Y).SerializeCompressed()), nil
}

func (m *tMint) sign(outputs cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	sigs := make(cashu.BlindedSignatures, len(outputs))
	for i, bm := range outputs {
		c, err := blindSign(m.key, bm.B)
		if err != nil {
			return nil, err
		}
		sigs[i] = cashu.BlindedSignature{Amount: bm.Amount, ID: bm.ID, C: c}
	}
	return sigs, nil
}

func (m *tMint) URL() string { return tMintURL }

func (m *tMint) ActiveKeyset(_ context.Context, unit string) (*cashu.Keyset, error) {
	if unit != m.keyset.Unit {
		return nil, fmt.Errorf("no keyset for unit %s", unit)
	}
	return m.keyset, nil
}

func (m *tMint) Keys(_ context.Context, keysetID string) (*cashu.Keyset, error) {
	if keysetID != m.keyset.ID {
		return nil, fmt.Errorf("unknown keyset %s", keysetID)
	}
	return m.keyset, nil
}

func (m *tMint) CreateMintQuote(_ context.Context, amount uint64, unit string) (*mint.MintQuote, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return &mint.MintQuote{
		Quote:   "mq-1",
		Request: m.invoice,
		State:   mint.QuoteUnpaid,
		Expiry:  time.Now().Add(time.Hour).Unix(),
	}, nil
}

func (m *tMint) MintQuoteState(_ context.Context, quoteID string) (*mint.MintQuote, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return &mint.MintQuote{Quote: quoteID, State: m.mintQuoteState}, nil
}

func (m *tMint) Mint(_ context.Context, quoteID string, outputs cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	m.mtx.Lock()
	m.mintCalls++
	err := m.mintErr
	m.mtx.Unlock()
	if err != nil {
		return nil, err
	}
	return m.sign(outputs)
}

func (m *tMint) CreateMeltQuote(_ context.Context, invoice, unit string) (*mint.MeltQuote, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.meltQuote == nil {
		return nil, fmt.Errorf("no melt quote configured")
	}
	mq := *m.meltQuote
	return &mq, nil
}

func (m *tMint) MeltQuoteState(_ context.Context, quoteID string) (*mint.MeltQuote, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.meltState == nil {
		return nil, fmt.Errorf("no melt state configured")
	}
	mq := *m.meltState
	mq.Quote = quoteID
	return &mq, nil
}

func (m *tMint) Melt(_ context.Context, quoteID string, inputs cashu.Proofs, outputs cashu.BlindedMessages) (*mint.MeltQuote, error) {
	m.mtx.Lock()
	m.meltCalls++
	err := m.meltErr
	var res *mint.MeltQuote
	if m.meltResult != nil {
		mq := *m.meltResult
		res = &mq
	}
	change := m.changeAmounts
	m.mtx.Unlock()
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, fmt.Errorf("no melt result configured")
	}
	res.Quote = quoteID
	if len(change) > 0 {
		if len(change) > len(outputs) {
			return nil, fmt.Errorf("%d change amounts for %d outputs", len(change), len(outputs))
		}
		sigs := make(cashu.BlindedSignatures, len(change))
		for i, amt := range change {
			c, err := blindSign(m.key, outputs[i].B)
			if err != nil {
				return nil, err
			}
			sigs[i] = cashu.BlindedSignature{Amount: amt, ID: outputs[i].ID, C: c}
		}
		res.Change = sigs
	}
	return res, nil
}

func (m *tMint) Swap(_ context.Context, inputs cashu.Proofs, outputs cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	m.mtx.Lock()
	m.swapCalls++
	m.swapInputs = inputs
	err := m.swapErr
	m.mtx.Unlock()
	if err != nil {
		return nil, err
	}
	return m.sign(outputs)
}

func (m *tMint) Restore(_ context.Context, outputs cashu.BlindedMessages) (*mint.RestoreResult, error) {
	m.mtx.Lock()
	m.restoreCalls++
	empty := m.restoreEmpty
	m.mtx.Unlock()
	if empty {
		return &mint.RestoreResult{}, nil
	}
	sigs, err := m.sign(outputs)
	if err != nil {
		return nil, err
	}
	return &mint.RestoreResult{Outputs: outputs, Signatures: sigs}, nil
}

func (m *tMint) CheckProofStates(_ context.Context, ys []string) ([]cashu.ProofStateUpdate, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	updates := make([]cashu.ProofStateUpdate, len(ys))
	for i, y := range ys {
		state, found := m.proofStates[y]
		if !found {
			state = cashu.ProofStateUnspent
		}
		updates[i] = cashu.ProofStateUpdate{Y: y, State: state}
	}
	return updates, nil
}

func (m *tMint) setSwapErr(err error) {
	m.mtx.Lock()
	m.swapErr = err
	m.mtx.Unlock()
}

func (m *tMint) counts() (swaps, restores, mints, melts int) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.swapCalls, m.restoreCalls, m.mintCalls, m.meltCalls
}

func (m *tMint) lastSwapInputs() cashu.Proofs {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.swapInputs
}

// tSpark is a canned spark.Wallet.
type tSpark struct {
	mtx      sync.Mutex
	balance  uint64
	feeEst   uint64
	payErr   error
	payReq   *spark.LightningSendRequest
	recent   []*spark.LightningSendRequest
	invoice  *spark.LightningReceiveRequest
	sendReqs map[string]*spark.LightningSendRequest
	recvReqs map[string]*spark.LightningReceiveRequest
}

func newTSpark() *tSpark {
	return &tSpark{
		balance:  1_000_000,
		feeEst:   10,
		sendReqs: make(map[string]*spark.LightningSendRequest),
		recvReqs: make(map[string]*spark.LightningReceiveRequest),
	}
}

func (s *tSpark) BalanceSats(context.Context) (uint64, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.balance, nil
}

func (s *tSpark) CreateLightningInvoice(_ context.Context, amountSats uint64, memo string) (*spark.LightningReceiveRequest, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.invoice == nil {
		return nil, fmt.Errorf("no invoice configured")
	}
	req := *s.invoice
	return &req, nil
}

func (s *tSpark) LightningReceiveRequest(_ context.Context, id string) (*spark.LightningReceiveRequest, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	req, found := s.recvReqs[id]
	if !found {
		return nil, fmt.Errorf("no receive request %s", id)
	}
	r := *req
	return &r, nil
}

func (s *tSpark) PayLightningInvoice(_ context.Context, params *spark.PayInvoiceParams) (*spark.LightningSendRequest, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.payErr != nil {
		return nil, s.payErr
	}
	if s.payReq == nil {
		return nil, fmt.Errorf("no payment configured")
	}
	req := *s.payReq
	return &req, nil
}

func (s *tSpark) LightningSendRequest(_ context.Context, id string) (*spark.LightningSendRequest, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	req, found := s.sendReqs[id]
	if !found {
		return nil, fmt.Errorf("no send request %s", id)
	}
	r := *req
	return &r, nil
}

func (s *tSpark) LightningSendFeeEstimate(context.Context, string) (uint64, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.feeEst, nil
}

func (s *tSpark) RecentSendRequests(_ context.Context, n int) ([]*spark.LightningSendRequest, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.recent, nil
}

func (s *tSpark) Transfer(_ context.Context, id string) (*spark.Transfer, error) {
	return &spark.Transfer{ID: id, Status: spark.StatusComplete}, nil
}

func (s *tSpark) SubscribeTransferClaimed(ctx context.Context, f func(spark.TransferClaimedEvent)) error {
	<-ctx.Done()
	return ctx.Err()
}

func (s *tSpark) setSendReq(req *spark.LightningSendRequest) {
	s.mtx.Lock()
	s.sendReqs[req.ID] = req
	s.mtx.Unlock()
}

func (s *tSpark) setRecvReq(req *spark.LightningReceiveRequest) {
	s.mtx.Lock()
	s.recvReqs[req.ID] = req
	s.mtx.Unlock()
}

// tSubscriber records proof-state subscriptions and lets the test fire
// updates through the registered callback.
type tSubscriber struct {
	mtx       sync.Mutex
	subs      int
	unsubs    int
	lastSubID string
	lastYs    []string
	cb        func(cashu.ProofStateUpdate)
}

func (s *tSubscriber) Subscribe(subID string, ys []string, f func(cashu.ProofStateUpdate)) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.subs++
	s.lastSubID = subID
	s.lastYs = ys
	s.cb = f
	return nil
}

func (s *tSubscriber) Unsubscribe(subID string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.unsubs++
	return nil
}

func (s *tSubscriber) fire(update cashu.ProofStateUpdate) {
	s.mtx.Lock()
	cb := s.cb
	s.mtx.Unlock()
	if cb != nil {
		cb(update)
	}
}

func (s *tSubscriber) counts() (subs, unsubs int) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.subs, s.unsubs
}

type tLeader struct {
	mtx    sync.Mutex
	leader bool
}

func (l *tLeader) IsLeader() bool {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.leader
}

func (l *tLeader) set(leader bool) {
	l.mtx.Lock()
	l.leader = leader
	l.mtx.Unlock()
}

type testRig struct {
	c      *Core
	db     db.DB
	mint   *tMint
	spark  *tSpark
	sub    *tSubscriber
	leader *tLeader
	ctx    context.Context
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	bdb, err := bolt.NewDB(filepath.Join(t.TempDir(), "core.db"), encrypt.NewCrypter("testpass"), pay.Disabled)
	if err != nil {
		t.Fatalf("NewDB error: %v", err)
	}
	t.Cleanup(func() { bdb.Close() })

	tm := newTMint()
	ts := newTSpark()
	sub := &tSubscriber{}
	leader := &tLeader{leader: true}

	c, err := New(&Config{
		DB:     bdb,
		Seed:   tSeed,
		Spark:  ts,
		Leader: leader,
		NewMint: func(url string) Mint {
			return tm
		},
		NewSubscriber: func(ctx context.Context, url string) (ProofStateSubscriber, error) {
			return sub, nil
		},
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	c.ctx = ctx
	go c.retryQueue.Run(ctx)
	go c.pollQueue.Run(ctx)

	return &testRig{c: c, db: bdb, mint: tm, spark: ts, sub: sub, leader: leader, ctx: ctx}
}

func (r *testRig) newCashuAccount(t *testing.T) *db.Account {
	t.Helper()
	acct, err := r.c.CreateAccount(r.ctx, tUser, db.AccountTypeCashu, money.BTC, tMintURL)
	if err != nil {
		t.Fatalf("CreateAccount error: %v", err)
	}
	return acct
}

func (r *testRig) newSparkAccount(t *testing.T) *db.Account {
	t.Helper()
	acct, err := r.c.CreateAccount(r.ctx, tUser, db.AccountTypeSpark, money.BTC, "")
	if err != nil {
		t.Fatalf("CreateAccount error: %v", err)
	}
	return acct
}

var tFundCounter int

// fund stores UNSPENT proofs of the given denominations directly in the
// repository, one row per amount.
func (r *testRig) fund(t *testing.T, acct *db.Account, amounts ...uint64) *db.Account {
	t.Helper()
	now := time.Now().UTC()
	rows := make([]*db.Proof, len(amounts))
	for i, amt := range amounts {
		tFundCounter++
		secret := fmt.Sprintf("fund-secret-%06d", tFundCounter)
		y, err := cashu.Y(secret)
		if err != nil {
			t.Fatalf("Y error: %v", err)
		}
		rows[i] = &db.Proof{
			Proof: cashu.Proof{
				Amount: amt,
				ID:     tKeysetID,
				Secret: secret,
				C:      r.mint.keyset.Keys[amt],
			},
			Y:         y,
			AccountID: acct.ID,
			UserID:    acct.UserID,
			State:     db.ProofUnspent,
			CreatedAt: now,
		}
	}
	updated, err := r.c.db.AddProofs(acct, rows)
	if err != nil {
		t.Fatalf("AddProofs error: %v", err)
	}
	r.c.cacheAccount(updated)
	return updated
}

func (r *testRig) balance(t *testing.T, accountID string) *Balance {
	t.Helper()
	bal, err := r.c.Balance(r.ctx, accountID)
	if err != nil {
		t.Fatalf("Balance error: %v", err)
	}
	return bal
}

func waitFor(t *testing.T, desc string, f func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second * 10)
	for time.Now().Before(deadline) {
		if f() {
			return
		}
		time.Sleep(time.Millisecond * 10)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

// Invoice construction mirrors the BOLT11 wire layout: 35-bit timestamp,
// tagged fields in 5-bit groups, zeroed 520-bit signature.

func tagged5(typ byte, payload []byte) []byte {
	out := []byte{typ, byte(len(payload) >> 5), byte(len(payload) & 31)}
	return append(out, payload...)
}

func to5Bit(t *testing.T, b []byte) []byte {
	t.Helper()
	groups, err := bech32.ConvertBits(b, 8, 5, true)
	if err != nil {
		t.Fatalf("ConvertBits error: %v", err)
	}
	return groups
}

// testInvoice builds a decodable invoice with the given hrp and payment
// hash, timestamped now with the default 1 hour expiry.
func testInvoice(t *testing.T, hrp string, paymentHash []byte) string {
	t.Helper()
	timestamp := uint64(time.Now().Unix())
	data := make([]byte, 0, 128)
	for i := 6; i >= 0; i-- {
		data = append(data, byte((timestamp>>(uint(i)*5))&31))
	}
	data = append(data, tagged5(1, to5Bit(t, paymentHash))...) // p: payment hash
	data = append(data, make([]byte, 104)...)
	s, err := bech32.Encode(hrp, data)
	if err != nil {
		t.Fatalf("bech32 encode error: %v", err)
	}
	return s
}

var tPaymentHash = []byte{
	1, 2, 3, 4, 1, 2, 3, 4, 1, 2, 3, 4, 1, 2, 3, 4,
	1, 2, 3, 4, 1, 2, 3, 4, 1, 2, 3, 4, 1, 2, 3, 4,
}

func TestSendSwapExactToken(t *testing.T) {
	rig := newTestRig(t)
	acct := rig.newCashuAccount(t)
	rig.fund(t, acct, 8, 2)

	est, err := rig.c.GetSendSwapQuote(rig.ctx, acct.ID, 10, false)
	if err != nil {
		t.Fatalf("GetSendSwapQuote error: %v", err)
	}
	if est.RequiresSwap {
		t.Fatalf("exact subset estimate requires a swap")
	}
	if est.TotalAmount != 10 {
		t.Fatalf("wrong total amount %d", est.TotalAmount)
	}

	swap, err := rig.c.CreateSendSwap(rig.ctx, tUser, acct.ID, 10, false, "", "")
	if err != nil {
		t.Fatalf("CreateSendSwap error: %v", err)
	}
	if swap.State != db.SendSwapPending {
		t.Fatalf("exact-subset swap created in state %s", swap.State)
	}
	if swap.Proofs == nil || swap.Proofs.TokenHash == "" {
		t.Fatalf("PENDING swap has no token hash")
	}
	if n := rig.c.subs.numWatched(); n != 1 {
		t.Fatalf("watching %d swaps, wanted 1", n)
	}

	encoded, err := rig.c.SendSwapToken(swap.ID)
	if err != nil {
		t.Fatalf("SendSwapToken error: %v", err)
	}
	token, err := cashu.DecodeToken(encoded)
	if err != nil {
		t.Fatalf("DecodeToken error: %v", err)
	}
	if token.Mint != tMintURL || token.Proofs.Amount() != 10 {
		t.Fatalf("bad token: mint %s, amount %d", token.Mint, token.Proofs.Amount())
	}

	bal := rig.balance(t, acct.ID)
	if bal.Available != 0 || bal.Reserved != 10 {
		t.Fatalf("balance after create: available %d, reserved %d", bal.Available, bal.Reserved)
	}

	// The spend events complete the swap once every proof is SPENT.
	ys, err := swap.Proofs.ProofsToSend.Ys()
	if err != nil {
		t.Fatalf("Ys error: %v", err)
	}
	rig.sub.fire(cashu.ProofStateUpdate{Y: ys[0], State: cashu.ProofStateSpent})
	stored, err := rig.c.SendSwap(swap.ID)
	if err != nil {
		t.Fatalf("SendSwap error: %v", err)
	}
	if stored.State != db.SendSwapPending {
		t.Fatalf("swap left PENDING after a partial spend: %s", stored.State)
	}
	rig.sub.fire(cashu.ProofStateUpdate{Y: ys[1], State: cashu.ProofStateSpent})

	stored, err = rig.c.SendSwap(swap.ID)
	if err != nil {
		t.Fatalf("SendSwap error: %v", err)
	}
	if stored.State != db.SendSwapCompleted {
		t.Fatalf("swap not completed after all proofs spent: %s", stored.State)
	}
	if n := rig.c.subs.numWatched(); n != 0 {
		t.Fatalf("still watching %d swaps after completion", n)
	}
	// The now-unneeded filter is a superset of nothing, so the wire
	// subscription is left alone.
	if _, unsubs := rig.sub.counts(); unsubs != 0 {
		t.Fatalf("expected no unsubscribes, got %d", unsubs)
	}

	bal = rig.balance(t, acct.ID)
	if bal.Available != 0 || bal.Reserved != 0 {
		t.Fatalf("balance after completion: available %d, reserved %d", bal.Available, bal.Reserved)
	}
}

func TestSendSwapWithChange(t *testing.T) {
	rig := newTestRig(t)
	acct := rig.newCashuAccount(t)
	rig.fund(t, acct, 8, 4)

	swap, err := rig.c.CreateSendSwap(rig.ctx, tUser, acct.ID, 10, false, "", "")
	if err != nil {
		t.Fatalf("CreateSendSwap error: %v", err)
	}
	if swap.State != db.SendSwapDraftState {
		t.Fatalf("swap needing change created in state %s", swap.State)
	}
	if swap.Draft == nil || swap.Draft.KeysetID != tKeysetID {
		t.Fatalf("draft plan missing")
	}

	// The proof swap runs in the background; the watch is the last thing
	// it registers.
	waitFor(t, "swap to reach PENDING", func() bool {
		return rig.c.subs.numWatched() == 1
	})

	stored, err := rig.c.SendSwap(swap.ID)
	if err != nil {
		t.Fatalf("SendSwap error: %v", err)
	}
	if stored.State != db.SendSwapPending {
		t.Fatalf("swap state %s after commit", stored.State)
	}
	if stored.Proofs == nil || stored.Proofs.ProofsToSend.Amount() != 10 {
		t.Fatalf("wrong proofs to send")
	}
	if stored.Draft != nil {
		t.Fatalf("draft plan not cleared after commit")
	}
	if n := rig.c.subs.numWatched(); n != 1 {
		t.Fatalf("watching %d swaps, wanted 1", n)
	}
	swaps, _, _, _ := rig.mint.counts()
	if swaps != 1 {
		t.Fatalf("mint swap called %d times", swaps)
	}

	// Inputs 12 for a 10 send: the 2 keep proof is back in the account.
	bal := rig.balance(t, acct.ID)
	if bal.Available != 2 || bal.Reserved != 0 {
		t.Fatalf("balance after commit: available %d, reserved %d", bal.Available, bal.Reserved)
	}

	// Counter consumed one value per output: send [2 8] + keep [2].
	updated, err := rig.c.Account(acct.ID)
	if err != nil {
		t.Fatalf("Account error: %v", err)
	}
	if n := updated.KeysetCounters[tKeysetID]; n != 3 {
		t.Fatalf("keyset counter %d, wanted 3", n)
	}

	// No receiver claimed anything, so the send can be clawed back.
	reversed, err := rig.c.ReverseSendSwap(rig.ctx, swap.ID)
	if err != nil {
		t.Fatalf("ReverseSendSwap error: %v", err)
	}
	if reversed.State != db.SendSwapReversed {
		t.Fatalf("swap state %s after reversal", reversed.State)
	}
	if n := rig.c.subs.numWatched(); n != 0 {
		t.Fatalf("still watching %d swaps after reversal", n)
	}
	bal = rig.balance(t, acct.ID)
	if bal.Available != 12 || bal.Reserved != 0 {
		t.Fatalf("balance after reversal: available %d, reserved %d", bal.Available, bal.Reserved)
	}
}

func TestSendSwapRestore(t *testing.T) {
	rig := newTestRig(t)
	acct := rig.newCashuAccount(t)
	rig.fund(t, acct, 8, 4)

	// The mint claims the outputs were already signed; the engine must
	// restore the signatures rather than fail the send.
	rig.mint.setSwapErr(&mint.Error{Code: mint.CodeOutputAlreadySigned, Detail: "outputs already signed"})

	swap, err := rig.c.CreateSendSwap(rig.ctx, tUser, acct.ID, 10, false, "", "")
	if err != nil {
		t.Fatalf("CreateSendSwap error: %v", err)
	}
	waitFor(t, "swap to reach PENDING via restore", func() bool {
		stored, err := rig.c.SendSwap(swap.ID)
		return err == nil && stored.State == db.SendSwapPending
	})
	_, restores, _, _ := rig.mint.counts()
	if restores != 1 {
		t.Fatalf("restore called %d times, wanted 1", restores)
	}
	stored, _ := rig.c.SendSwap(swap.ID)
	if stored.Proofs.ProofsToSend.Amount() != 10 {
		t.Fatalf("restored proofs to send sum to %d", stored.Proofs.ProofsToSend.Amount())
	}
}

func TestSendSwapRestoreFailure(t *testing.T) {
	rig := newTestRig(t)
	acct := rig.newCashuAccount(t)
	rig.fund(t, acct, 8, 4)

	rig.mint.setSwapErr(&mint.Error{Code: mint.CodeTokenAlreadySpent, Detail: "already spent"})
	rig.mint.mtx.Lock()
	rig.mint.restoreEmpty = true
	rig.mint.mtx.Unlock()

	swap, err := rig.c.CreateSendSwap(rig.ctx, tUser, acct.ID, 10, false, "", "")
	if err != nil {
		t.Fatalf("CreateSendSwap error: %v", err)
	}
	waitFor(t, "swap to fail", func() bool {
		stored, err := rig.c.SendSwap(swap.ID)
		return err == nil && stored.State == db.SendSwapFailed
	})
	stored, _ := rig.c.SendSwap(swap.ID)
	if stored.Failure == nil || stored.Failure.Reason != "Could not restore proofs to send" {
		t.Fatalf("wrong failure payload: %+v", stored.Failure)
	}
	// Inputs released.
	bal := rig.balance(t, acct.ID)
	if bal.Available != 12 || bal.Reserved != 0 {
		t.Fatalf("balance after failure: available %d, reserved %d", bal.Available, bal.Reserved)
	}
}

func TestSendSwapSpendingCondition(t *testing.T) {
	rig := newTestRig(t)
	acct := rig.newCashuAccount(t)
	rig.fund(t, acct, 8, 2)

	const condition = `["P2PK",{"data":"02abcdef"}]`
	const unlocking = `{"signatures":["deadbeef"]}`

	if _, err := rig.c.CreateSendSwap(rig.ctx, tUser, acct.ID, 10, false, `["P2PK"]`, ""); err == nil {
		t.Fatalf("no error for malformed spending condition")
	}
	if _, err := rig.c.CreateSendSwap(rig.ctx, tUser, acct.ID, 10, false, "", unlocking); err == nil {
		t.Fatalf("no error for unlocking data without a condition")
	}

	// {8, 2} sums exactly to 10, but an encumbered send still swaps: the
	// proofs to send must be minted under the condition secret.
	swap, err := rig.c.CreateSendSwap(rig.ctx, tUser, acct.ID, 10, false, condition, unlocking)
	if err != nil {
		t.Fatalf("CreateSendSwap error: %v", err)
	}
	if swap.State != db.SendSwapDraftState {
		t.Fatalf("encumbered swap created in state %s", swap.State)
	}
	if swap.SpendingCondition != condition || swap.UnlockingData != unlocking {
		t.Fatalf("condition terms not stored")
	}
	if len(swap.Draft.SendOutputs) == 0 {
		t.Fatalf("no persisted send outputs for encumbered draft")
	}

	waitFor(t, "swap to reach PENDING", func() bool {
		return rig.c.subs.numWatched() == 1
	})
	stored, err := rig.c.SendSwap(swap.ID)
	if err != nil {
		t.Fatalf("SendSwap error: %v", err)
	}
	if stored.State != db.SendSwapPending {
		t.Fatalf("swap state %s after commit", stored.State)
	}
	if stored.Proofs.ProofsToSend.Amount() != 10 {
		t.Fatalf("wrong proofs to send")
	}

	// Every proof to send carries the condition with its own nonce.
	nonces := make(map[string]bool)
	for _, p := range stored.Proofs.ProofsToSend {
		var parts []json.RawMessage
		if err := json.Unmarshal([]byte(p.Secret), &parts); err != nil || len(parts) != 2 {
			t.Fatalf("secret %q is not a condition secret", p.Secret)
		}
		var payload struct {
			Nonce string `json:"nonce"`
			Data  string `json:"data"`
		}
		if err := json.Unmarshal(parts[1], &payload); err != nil {
			t.Fatalf("bad condition payload in %q: %v", p.Secret, err)
		}
		if payload.Data != "02abcdef" {
			t.Fatalf("condition data %q not carried onto the secret", payload.Data)
		}
		if payload.Nonce == "" || nonces[payload.Nonce] {
			t.Fatalf("nonce %q missing or reused", payload.Nonce)
		}
		nonces[payload.Nonce] = true
	}

	// The send leg is not counter-derived; with no change, nothing is.
	updated, err := rig.c.Account(acct.ID)
	if err != nil {
		t.Fatalf("Account error: %v", err)
	}
	if n := updated.KeysetCounters[tKeysetID]; n != 0 {
		t.Fatalf("keyset counter %d after encumbered send, wanted 0", n)
	}

	// Reversal spends the encumbered proofs, so the inputs carry the
	// stored witness.
	reversed, err := rig.c.ReverseSendSwap(rig.ctx, swap.ID)
	if err != nil {
		t.Fatalf("ReverseSendSwap error: %v", err)
	}
	if reversed.State != db.SendSwapReversed {
		t.Fatalf("swap state %s after reversal", reversed.State)
	}
	for _, p := range rig.mint.lastSwapInputs() {
		if p.Witness != unlocking {
			t.Fatalf("reversal input witness %q", p.Witness)
		}
	}
	bal := rig.balance(t, acct.ID)
	if bal.Available != 10 || bal.Reserved != 0 {
		t.Fatalf("balance after reversal: available %d, reserved %d", bal.Available, bal.Reserved)
	}

	// An encumbered swap with no stored witness cannot be reversed.
	locked, err := rig.c.CreateSendSwap(rig.ctx, tUser, acct.ID, 10, false, condition, "")
	if err != nil {
		t.Fatalf("CreateSendSwap error: %v", err)
	}
	waitFor(t, "second swap to reach PENDING", func() bool {
		return rig.c.subs.numWatched() == 1
	})
	if _, err := rig.c.ReverseSendSwap(rig.ctx, locked.ID); err == nil {
		t.Fatalf("reversed an encumbered swap with no unlocking data")
	}
}

func TestReceiveQuoteClaim(t *testing.T) {
	rig := newTestRig(t)
	acct := rig.newCashuAccount(t)
	rig.mint.mtx.Lock()
	rig.mint.invoice = testInvoice(t, "lnbc50n", tPaymentHash)
	rig.mint.mtx.Unlock()

	quote, err := rig.c.CreateReceiveQuote(rig.ctx, tUser, acct.ID, 5)
	if err != nil {
		t.Fatalf("CreateReceiveQuote error: %v", err)
	}
	if quote.State != db.ReceiveQuoteUnpaid {
		t.Fatalf("created quote in state %s", quote.State)
	}
	if quote.PaymentHash == "" {
		t.Fatalf("payment hash not extracted from invoice")
	}
	if len(quote.OutputAmounts) != 2 { // 5 = 1 + 4
		t.Fatalf("wrong output plan %v", quote.OutputAmounts)
	}

	completed, err := rig.c.claimReceiveQuote(rig.ctx, quote)
	if err != nil {
		t.Fatalf("claimReceiveQuote error: %v", err)
	}
	if completed.State != db.ReceiveQuoteCompleted {
		t.Fatalf("claimed quote in state %s", completed.State)
	}
	if completed.Completed == nil || completed.Completed.AmountReceived != 5 {
		t.Fatalf("wrong completed payload: %+v", completed.Completed)
	}

	bal := rig.balance(t, acct.ID)
	if bal.Available != 5 {
		t.Fatalf("balance after claim: %d", bal.Available)
	}

	// Claiming again is a no-op returning the completed quote.
	again, err := rig.c.claimReceiveQuote(rig.ctx, quote)
	if err != nil {
		t.Fatalf("repeat claim error: %v", err)
	}
	if again.Version != completed.Version {
		t.Fatalf("repeat claim bumped version %d -> %d", completed.Version, again.Version)
	}
	if bal := rig.balance(t, acct.ID); bal.Available != 5 {
		t.Fatalf("balance changed on repeat claim: %d", bal.Available)
	}
}

func TestReceiveQuoteClaimRestore(t *testing.T) {
	rig := newTestRig(t)
	acct := rig.newCashuAccount(t)

	quote, err := rig.c.CreateReceiveQuote(rig.ctx, tUser, acct.ID, 5)
	if err != nil {
		t.Fatalf("CreateReceiveQuote error: %v", err)
	}

	// A crashed claim already minted; the retry restores signatures.
	rig.mint.mtx.Lock()
	rig.mint.mintErr = &mint.Error{Code: mint.CodeOutputAlreadySigned, Detail: "already signed"}
	rig.mint.mtx.Unlock()

	completed, err := rig.c.claimReceiveQuote(rig.ctx, quote)
	if err != nil {
		t.Fatalf("claimReceiveQuote error: %v", err)
	}
	if completed.State != db.ReceiveQuoteCompleted {
		t.Fatalf("claimed quote in state %s", completed.State)
	}
	_, restores, _, _ := rig.mint.counts()
	if restores != 1 {
		t.Fatalf("restore called %d times, wanted 1", restores)
	}
	if bal := rig.balance(t, acct.ID); bal.Available != 5 {
		t.Fatalf("balance after restored claim: %d", bal.Available)
	}
}

func TestReceiveToken(t *testing.T) {
	rig := newTestRig(t)
	acct := rig.newCashuAccount(t)

	tokenProofs := cashu.Proofs{
		{Amount: 1, ID: tKeysetID, Secret: "shared-1", C: rig.mint.keyset.Keys[1]},
		{Amount: 2, ID: tKeysetID, Secret: "shared-2", C: rig.mint.keyset.Keys[2]},
		{Amount: 4, ID: tKeysetID, Secret: "shared-4", C: rig.mint.keyset.Keys[4]},
	}
	token := &cashu.Token{Mint: tMintURL, Unit: "sat", Proofs: tokenProofs}

	// Tokens from a different mint are not directly claimable.
	foreign := &cashu.Token{Mint: "https://other.mint.example.com", Unit: "sat", Proofs: tokenProofs}
	if _, err := rig.c.ReceiveToken(rig.ctx, tUser, acct.ID, foreign.Encode()); !pay.IsDomainError(err) {
		t.Fatalf("foreign mint token: wanted a domain error, got %v", err)
	}

	receipt, err := rig.c.ReceiveToken(rig.ctx, tUser, acct.ID, token.Encode())
	if err != nil {
		t.Fatalf("ReceiveToken error: %v", err)
	}
	if receipt.AmountReceived != 7 {
		t.Fatalf("received %d, wanted 7", receipt.AmountReceived)
	}
	if bal := rig.balance(t, acct.ID); bal.Available != 7 {
		t.Fatalf("balance after receive: %d", bal.Available)
	}

	// The receive is on the ledger.
	txs, _, err := rig.c.Transactions(tUser, 10, "")
	if err != nil {
		t.Fatalf("Transactions error: %v", err)
	}
	var found bool
	for _, tx := range txs {
		if tx.ID == receipt.TransactionID {
			found = true
			if tx.Amount != 7 || tx.Direction != db.TxReceive {
				t.Fatalf("bad ledger row: %+v", tx)
			}
		}
	}
	if !found {
		t.Fatalf("receive transaction not on the ledger")
	}

	// A double-spent token is a user-facing error.
	rig.mint.setSwapErr(&mint.Error{Code: mint.CodeTokenAlreadySpent, Detail: "already spent"})
	spent := &cashu.Token{Mint: tMintURL, Unit: "sat", Proofs: cashu.Proofs{
		{Amount: 2, ID: tKeysetID, Secret: "shared-9", C: rig.mint.keyset.Keys[2]},
	}}
	if _, err := rig.c.ReceiveToken(rig.ctx, tUser, acct.ID, spent.Encode()); !pay.IsDomainError(err) {
		t.Fatalf("spent token: wanted a domain error, got %v", err)
	}
}

func TestReceiveTokenFee(t *testing.T) {
	rig := newTestRig(t)
	rig.mint.keyset.InputFeePpk = 1000 // 1 unit per input proof
	acct := rig.newCashuAccount(t)

	token := &cashu.Token{Mint: tMintURL, Unit: "sat", Proofs: cashu.Proofs{
		{Amount: 1, ID: tKeysetID, Secret: "fee-1", C: rig.mint.keyset.Keys[1]},
		{Amount: 2, ID: tKeysetID, Secret: "fee-2", C: rig.mint.keyset.Keys[2]},
		{Amount: 4, ID: tKeysetID, Secret: "fee-4", C: rig.mint.keyset.Keys[4]},
	}}
	receipt, err := rig.c.ReceiveToken(rig.ctx, tUser, acct.ID, token.Encode())
	if err != nil {
		t.Fatalf("ReceiveToken error: %v", err)
	}
	// 3 input proofs at 1000 ppk: 3 units of fee on a gross of 7.
	if receipt.AmountReceived != 4 {
		t.Fatalf("received %d after fees, wanted 4", receipt.AmountReceived)
	}

	// A token worth no more than its claim fee is rejected outright.
	dust := &cashu.Token{Mint: tMintURL, Unit: "sat", Proofs: cashu.Proofs{
		{Amount: 1, ID: tKeysetID, Secret: "fee-9", C: rig.mint.keyset.Keys[1]},
	}}
	if _, err := rig.c.ReceiveToken(rig.ctx, tUser, acct.ID, dust.Encode()); !pay.IsDomainError(err) {
		t.Fatalf("dust token: wanted a domain error, got %v", err)
	}
}

func TestLightningSend(t *testing.T) {
	rig := newTestRig(t)
	acct := rig.newCashuAccount(t)
	rig.fund(t, acct, 16, 4)

	invoice := testInvoice(t, "lnbc100n", tPaymentHash)
	rig.mint.mtx.Lock()
	rig.mint.meltQuote = &mint.MeltQuote{
		Quote:      "mlt-1",
		Amount:     10,
		FeeReserve: 2,
		State:      mint.QuoteUnpaid,
		Expiry:     time.Now().Add(time.Minute * 10).Unix(),
	}
	rig.mint.mtx.Unlock()

	req := &LightningSendRequest{AccountID: acct.ID, PaymentRequest: invoice}
	est, err := rig.c.GetLightningSendQuote(rig.ctx, req)
	if err != nil {
		t.Fatalf("GetLightningSendQuote error: %v", err)
	}
	// Target 12 has no exact subset of {16, 4}; the single 16 covers it.
	if est.AmountReserved != 16 || est.LightningFeeReserve != 2 || est.CashuFee != 0 {
		t.Fatalf("bad estimate: %+v", est)
	}

	quote, err := rig.c.CreateSendQuote(rig.ctx, tUser, req)
	if err != nil {
		t.Fatalf("CreateSendQuote error: %v", err)
	}
	if quote.State != db.SendQuoteUnpaid {
		t.Fatalf("created quote in state %s", quote.State)
	}
	// Max change 16-10 = 6 fixes 3 blank outputs and the counter range.
	if quote.NumberOfChangeOutputs != 3 {
		t.Fatalf("%d change outputs, wanted 3", quote.NumberOfChangeOutputs)
	}
	bal := rig.balance(t, acct.ID)
	if bal.Available != 4 || bal.Reserved != 16 {
		t.Fatalf("balance after quote: available %d, reserved %d", bal.Available, bal.Reserved)
	}

	// The melt pays with 4 units of change, so the lightning fee came in
	// at 2 under the reserve.
	rig.mint.mtx.Lock()
	rig.mint.meltResult = &mint.MeltQuote{
		Quote:           "mlt-1",
		Amount:          10,
		State:           mint.QuotePaid,
		PaymentPreimage: "preimage-1",
	}
	rig.mint.changeAmounts = []uint64{4}
	rig.mint.mtx.Unlock()

	paid, err := rig.c.InitiateSend(rig.ctx, acct.ID, quote.ID)
	if err != nil {
		t.Fatalf("InitiateSend error: %v", err)
	}
	if paid.State != db.SendQuotePaid {
		t.Fatalf("quote state %s after paid melt", paid.State)
	}
	if paid.Paid == nil {
		t.Fatalf("no paid payload")
	}
	if paid.Paid.AmountSpent != 12 || paid.Paid.LightningFee != 2 || paid.Paid.TotalFees != 2 {
		t.Fatalf("bad paid payload: %+v", paid.Paid)
	}
	if paid.Paid.PaymentPreimage != "preimage-1" {
		t.Fatalf("wrong preimage %q", paid.Paid.PaymentPreimage)
	}

	bal = rig.balance(t, acct.ID)
	if bal.Available != 8 || bal.Reserved != 0 {
		t.Fatalf("balance after payment: available %d, reserved %d", bal.Available, bal.Reserved)
	}

	// Re-initiating a settled quote is rejected.
	if _, err := rig.c.InitiateSend(rig.ctx, acct.ID, quote.ID); err == nil {
		t.Fatalf("re-initiated a PAID quote")
	}
}

func TestLightningSendFailure(t *testing.T) {
	rig := newTestRig(t)
	acct := rig.newCashuAccount(t)
	rig.fund(t, acct, 16, 4)

	rig.mint.mtx.Lock()
	rig.mint.meltQuote = &mint.MeltQuote{
		Quote:      "mlt-2",
		Amount:     10,
		FeeReserve: 2,
		State:      mint.QuoteUnpaid,
		Expiry:     time.Now().Add(time.Minute * 10).Unix(),
	}
	rig.mint.meltResult = &mint.MeltQuote{Quote: "mlt-2", State: mint.QuoteUnpaid}
	rig.mint.meltState = &mint.MeltQuote{State: mint.QuoteUnpaid}
	rig.mint.mtx.Unlock()

	quote, err := rig.c.CreateSendQuote(rig.ctx, tUser, &LightningSendRequest{
		AccountID:      acct.ID,
		PaymentRequest: testInvoice(t, "lnbc100n", tPaymentHash),
	})
	if err != nil {
		t.Fatalf("CreateSendQuote error: %v", err)
	}

	failed, err := rig.c.InitiateSend(rig.ctx, acct.ID, quote.ID)
	if err != nil {
		t.Fatalf("InitiateSend error: %v", err)
	}
	if failed.State != db.SendQuoteFailed {
		t.Fatalf("quote state %s after unpaid melt", failed.State)
	}
	if failed.Failure == nil || failed.Failure.Reason != "Lightning payment failed" {
		t.Fatalf("wrong failure payload: %+v", failed.Failure)
	}
	// Everything released.
	bal := rig.balance(t, acct.ID)
	if bal.Available != 20 || bal.Reserved != 0 {
		t.Fatalf("balance after failure: available %d, reserved %d", bal.Available, bal.Reserved)
	}
}

func TestLightningSendAlreadySubmitted(t *testing.T) {
	rig := newTestRig(t)
	acct := rig.newCashuAccount(t)
	rig.fund(t, acct, 16, 4)

	rig.mint.mtx.Lock()
	rig.mint.meltQuote = &mint.MeltQuote{
		Quote:      "mlt-3",
		Amount:     10,
		FeeReserve: 2,
		State:      mint.QuoteUnpaid,
		Expiry:     time.Now().Add(time.Minute * 10).Unix(),
	}
	// The melt submission bounces because a prior attempt reached the
	// mint; the quote state read resolves the outcome.
	rig.mint.meltErr = &mint.Error{Code: mint.CodeTokenAlreadySpent, Detail: "already spent"}
	rig.mint.meltState = &mint.MeltQuote{
		State:           mint.QuotePaid,
		PaymentPreimage: "preimage-3",
	}
	rig.mint.mtx.Unlock()

	quote, err := rig.c.CreateSendQuote(rig.ctx, tUser, &LightningSendRequest{
		AccountID:      acct.ID,
		PaymentRequest: testInvoice(t, "lnbc100n", tPaymentHash),
	})
	if err != nil {
		t.Fatalf("CreateSendQuote error: %v", err)
	}
	paid, err := rig.c.InitiateSend(rig.ctx, acct.ID, quote.ID)
	if err != nil {
		t.Fatalf("InitiateSend error: %v", err)
	}
	if paid.State != db.SendQuotePaid {
		t.Fatalf("quote state %s", paid.State)
	}
	// No change was returned, so the full reservation was spent.
	if paid.Paid.AmountSpent != 16 || paid.Paid.LightningFee != 6 {
		t.Fatalf("bad paid payload: %+v", paid.Paid)
	}
}

func TestResolveInvoiceAmountCurrency(t *testing.T) {
	inv, err := bolt11.Decode(testInvoice(t, "lnbc50n", tPaymentHash)) // 5,000 msat
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}

	// A non-BTC account needs a rate even when the invoice fixes the
	// amount.
	if _, err := resolveInvoiceAmount(inv, &LightningSendRequest{}, money.USD); !pay.IsDomainError(err) {
		t.Fatalf("no domain error for rateless non-BTC send, got %v", err)
	}
	msat, err := resolveInvoiceAmount(inv, &LightningSendRequest{ExchangeRate: "100000"}, money.USD)
	if err != nil {
		t.Fatalf("resolveInvoiceAmount error with rate: %v", err)
	}
	if msat != 5000 {
		t.Fatalf("resolved %d msat, wanted 5000", msat)
	}

	// BTC accounts resolve with no rate, from the invoice or the request.
	if msat, err = resolveInvoiceAmount(inv, &LightningSendRequest{}, money.BTC); err != nil || msat != 5000 {
		t.Fatalf("BTC invoice amount: %d msat, err %v", msat, err)
	}
	amountless, err := bolt11.Decode(testInvoice(t, "lnbc", tPaymentHash))
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if msat, err = resolveInvoiceAmount(amountless, &LightningSendRequest{Amount: 7}, money.BTC); err != nil || msat != 7000 {
		t.Fatalf("BTC request amount: %d msat, err %v", msat, err)
	}
	if _, err = resolveInvoiceAmount(amountless, &LightningSendRequest{Amount: 7}, money.USD); !pay.IsDomainError(err) {
		t.Fatalf("no domain error for rateless non-BTC request amount, got %v", err)
	}
}

func TestLightningSendExcessChange(t *testing.T) {
	rig := newTestRig(t)
	acct := rig.newCashuAccount(t)
	rig.fund(t, acct, 16, 4)

	rig.mint.mtx.Lock()
	rig.mint.meltQuote = &mint.MeltQuote{
		Quote:      "mlt-4",
		Amount:     10,
		FeeReserve: 2,
		State:      mint.QuoteUnpaid,
		Expiry:     time.Now().Add(time.Minute * 10).Unix(),
	}
	// Change exceeding reserve minus amount means the mint's accounting
	// is inconsistent with the quote.
	rig.mint.meltResult = &mint.MeltQuote{
		Quote:           "mlt-4",
		Amount:          10,
		State:           mint.QuotePaid,
		PaymentPreimage: "preimage-4",
	}
	rig.mint.changeAmounts = []uint64{8}
	rig.mint.mtx.Unlock()

	quote, err := rig.c.CreateSendQuote(rig.ctx, tUser, &LightningSendRequest{
		AccountID:      acct.ID,
		PaymentRequest: testInvoice(t, "lnbc100n", tPaymentHash),
	})
	if err != nil {
		t.Fatalf("CreateSendQuote error: %v", err)
	}

	if _, err := rig.c.InitiateSend(rig.ctx, acct.ID, quote.ID); err == nil {
		t.Fatalf("no error completing with change exceeding the reserve")
	}
	// The quote holds at PENDING with its reservation intact rather than
	// settling with a bogus fee breakdown.
	stored, err := rig.c.SendQuote(quote.ID)
	if err != nil {
		t.Fatalf("SendQuote error: %v", err)
	}
	if stored.State != db.SendQuotePending {
		t.Fatalf("quote state %s, wanted PENDING", stored.State)
	}
	bal := rig.balance(t, acct.ID)
	if bal.Available != 4 || bal.Reserved != 16 {
		t.Fatalf("balance: available %d, reserved %d", bal.Available, bal.Reserved)
	}
}

func TestSparkSendRecovery(t *testing.T) {
	rig := newTestRig(t)
	acct := rig.newSparkAccount(t)

	invoice := testInvoice(t, "lnbc2500u", tPaymentHash) // 250k sats
	rig.spark.mtx.Lock()
	rig.spark.balance = 300_000
	rig.spark.mtx.Unlock()

	quote, err := rig.c.CreateSparkSend(rig.ctx, tUser, acct.ID, invoice)
	if err != nil {
		t.Fatalf("CreateSparkSend error: %v", err)
	}
	if quote.State != db.SparkQuoteUnpaid || quote.AmountSats != 250_000 {
		t.Fatalf("bad quote: state %s, amount %d", quote.State, quote.AmountSats)
	}

	// Submission times out, and no matching request is found: the quote
	// stays UNPAID for a retry.
	rig.spark.mtx.Lock()
	rig.spark.payErr = fmt.Errorf("gateway timeout: %w", spark.ErrTransient)
	rig.spark.mtx.Unlock()
	if _, err := rig.c.InitiateSparkSend(rig.ctx, quote.ID); err == nil {
		t.Fatalf("no error with unknown submission outcome")
	}
	stored, _ := rig.c.SparkSend(quote.ID)
	if stored.State != db.SparkQuoteUnpaid {
		t.Fatalf("quote state %s after unknown outcome", stored.State)
	}

	// Same transient failure, but the payment shows up in the recent send
	// requests: it is adopted and tracked to completion.
	sent := &spark.LightningSendRequest{
		ID:              "sr-9",
		PaymentRequest:  invoice,
		Status:          spark.StatusPaid,
		FeeSats:         21,
		PaymentPreimage: "preimage-9",
		TransferID:      "transfer-9",
	}
	rig.spark.mtx.Lock()
	rig.spark.recent = []*spark.LightningSendRequest{sent}
	rig.spark.mtx.Unlock()
	rig.spark.setSendReq(sent)

	pending, err := rig.c.InitiateSparkSend(rig.ctx, quote.ID)
	if err != nil {
		t.Fatalf("InitiateSparkSend error: %v", err)
	}
	if pending.SparkID != "sr-9" {
		t.Fatalf("adopted request ID %q", pending.SparkID)
	}
	waitFor(t, "spark send to complete", func() bool {
		stored, err := rig.c.SparkSend(quote.ID)
		return err == nil && stored.State == db.SparkQuoteCompleted
	})
	stored, _ = rig.c.SparkSend(quote.ID)
	if stored.Completed == nil || stored.Completed.TransferID != "transfer-9" || stored.Completed.FeeSats != 21 {
		t.Fatalf("bad completed payload: %+v", stored.Completed)
	}
}

func TestSparkSendInsufficientBalance(t *testing.T) {
	rig := newTestRig(t)
	acct := rig.newSparkAccount(t)
	rig.spark.mtx.Lock()
	rig.spark.balance = 100 // well under the 250k invoice
	rig.spark.mtx.Unlock()

	_, err := rig.c.CreateSparkSend(rig.ctx, tUser, acct.ID, testInvoice(t, "lnbc2500u", tPaymentHash))
	if !pay.IsDomainError(err) {
		t.Fatalf("wanted a domain error, got %v", err)
	}
}

func TestSparkReceiveEvent(t *testing.T) {
	rig := newTestRig(t)
	acct := rig.newSparkAccount(t)

	invoice := testInvoice(t, "lnbc50n", tPaymentHash)
	created := &spark.LightningReceiveRequest{
		ID:             "rr-1",
		PaymentRequest: invoice,
		PaymentHash:    "0102030401020304010203040102030401020304010203040102030401020304",
		Status:         spark.StatusCreated,
	}
	rig.spark.mtx.Lock()
	rig.spark.invoice = created
	rig.spark.mtx.Unlock()
	rig.spark.setRecvReq(created)

	rcv, err := rig.c.CreateSparkReceive(rig.ctx, tUser, acct.ID, 5, "coffee")
	if err != nil {
		t.Fatalf("CreateSparkReceive error: %v", err)
	}
	if rcv.State != db.SparkQuoteUnpaid || rcv.SparkID != "rr-1" {
		t.Fatalf("bad receive: state %s, spark ID %q", rcv.State, rcv.SparkID)
	}

	// An event for some other payment is ignored.
	rig.c.handleTransferClaimed(spark.TransferClaimedEvent{
		TransferID:  "transfer-x",
		PaymentHash: "ffff",
	})
	stored, _ := rig.c.SparkReceive(rcv.ID)
	if stored.State != db.SparkQuoteUnpaid {
		t.Fatalf("unrelated event changed state to %s", stored.State)
	}

	rig.c.handleTransferClaimed(spark.TransferClaimedEvent{
		TransferID:  "transfer-1",
		PaymentHash: rcv.PaymentHash,
		AmountSats:  5,
	})
	stored, err = rig.c.SparkReceive(rcv.ID)
	if err != nil {
		t.Fatalf("SparkReceive error: %v", err)
	}
	if stored.State != db.SparkQuoteCompleted {
		t.Fatalf("receive state %s after claim event", stored.State)
	}
	if stored.Completed == nil || stored.Completed.TransferID != "transfer-1" {
		t.Fatalf("bad completed payload: %+v", stored.Completed)
	}
}

func TestProofSubscriptionFilter(t *testing.T) {
	rig := newTestRig(t)
	acct := rig.newCashuAccount(t)

	mkSwap := func(id string, secrets ...string) *db.CashuSendSwap {
		proofs := make(cashu.Proofs, len(secrets))
		for i, s := range secrets {
			proofs[i] = cashu.Proof{Amount: 1, ID: tKeysetID, Secret: s, C: rig.mint.keyset.Keys[1]}
		}
		return &db.CashuSendSwap{
			ID:        id,
			UserID:    tUser,
			AccountID: acct.ID,
			State:     db.SendSwapPending,
			Proofs:    &db.SendSwapProofs{ProofsToSend: proofs},
		}
	}

	// First watch opens the subscription.
	rig.c.subs.watchSendSwap(mkSwap("swap-a", "a-1", "a-2"))
	if subs, unsubs := rig.sub.counts(); subs != 1 || unsubs != 0 {
		t.Fatalf("after first watch: %d subscribes, %d unsubscribes", subs, unsubs)
	}

	// A second swap grows the filter: teardown and resubscribe.
	rig.c.subs.watchSendSwap(mkSwap("swap-b", "b-1"))
	if subs, unsubs := rig.sub.counts(); subs != 2 || unsubs != 1 {
		t.Fatalf("after filter growth: %d subscribes, %d unsubscribes", subs, unsubs)
	}
	if n := rig.c.subs.numWatched(); n != 2 {
		t.Fatalf("watching %d swaps", n)
	}

	// Re-watching a known swap is covered by the existing filter.
	rig.c.subs.watchSendSwap(mkSwap("swap-a", "a-1", "a-2"))
	if subs, _ := rig.sub.counts(); subs != 2 {
		t.Fatalf("superset refresh resubscribed: %d subscribes", subs)
	}

	// Shrinking leaves the (superset) subscription in place.
	rig.c.subs.unwatchSendSwap("swap-b")
	if subs, unsubs := rig.sub.counts(); subs != 2 || unsubs != 1 {
		t.Fatalf("after shrink: %d subscribes, %d unsubscribes", subs, unsubs)
	}
	if n := rig.c.subs.numWatched(); n != 1 {
		t.Fatalf("watching %d swaps after unwatch", n)
	}

	// Dropping the last watch: the filter still covers the (empty) watch
	// set, so the wire subscription stays until it actually has to change.
	rig.c.subs.unwatchSendSwap("swap-a")
	if subs, unsubs := rig.sub.counts(); subs != 2 || unsubs != 1 {
		t.Fatalf("after last unwatch: %d subscribes, %d unsubscribes", subs, unsubs)
	}
	if n := rig.c.subs.numWatched(); n != 0 {
		t.Fatalf("still watching %d swaps", n)
	}
}

func TestScheduleRetries(t *testing.T) {
	rig := newTestRig(t)

	var mtx sync.Mutex
	var calls int
	drive := func() error {
		mtx.Lock()
		calls++
		mtx.Unlock()
		return fmt.Errorf("backend down")
	}

	rig.c.schedule("test:retry", drive)
	// A duplicate while in flight is a no-op.
	rig.c.schedule("test:retry", drive)

	// Attempts are bounded; then the key clears so the next sweep can try
	// again.
	waitFor(t, "retries to be exhausted", func() bool {
		rig.c.inFlightMtx.Lock()
		_, busy := rig.c.inFlight["test:retry"]
		rig.c.inFlightMtx.Unlock()
		mtx.Lock()
		n := calls
		mtx.Unlock()
		return !busy && n >= maxRetries
	})
	mtx.Lock()
	n := calls
	mtx.Unlock()
	if n != maxRetries {
		t.Fatalf("drive called %d times, wanted %d", n, maxRetries)
	}

	// The key is reusable after the give-up.
	done := make(chan struct{})
	rig.c.schedule("test:retry", func() error {
		close(done)
		return nil
	})
	select {
	case <-done:
	case <-time.After(time.Second * 5):
		t.Fatalf("rescheduled drive never ran")
	}
}

func TestReconcileLeaderGate(t *testing.T) {
	rig := newTestRig(t)
	rig.newSparkAccount(t)

	// An active receive whose backend status is already PAID: one
	// reconcile sweep should settle it, but only on the leader.
	paid := &spark.LightningReceiveRequest{
		ID:         "rr-7",
		Status:     spark.StatusPaid,
		TransferID: "transfer-7",
	}
	rig.spark.setRecvReq(paid)
	rcv, err := rig.c.db.CreateSparkReceive(&db.SparkLightningReceive{
		ID:            "recv-7",
		UserID:        tUser,
		AccountID:     "acct-7",
		TransactionID: "tx-7",
		PaymentHash:   "ph-7",
		AmountSats:    5,
		SparkID:       "rr-7",
		State:         db.SparkQuoteUnpaid,
		ExpiresAt:     time.Now().Add(time.Hour).UTC(),
	})
	if err != nil {
		t.Fatalf("CreateSparkReceive error: %v", err)
	}

	rig.leader.set(false)
	rig.c.reconcile()
	time.Sleep(time.Millisecond * 100)
	stored, _ := rig.c.SparkReceive(rcv.ID)
	if stored.State != db.SparkQuoteUnpaid {
		t.Fatalf("non-leader sweep drove the receive to %s", stored.State)
	}
	rig.c.inFlightMtx.Lock()
	busy := len(rig.c.inFlight)
	rig.c.inFlightMtx.Unlock()
	if busy != 0 {
		t.Fatalf("non-leader sweep scheduled %d drives", busy)
	}

	rig.leader.set(true)
	rig.c.reconcile()
	waitFor(t, "receive to complete", func() bool {
		stored, err := rig.c.SparkReceive(rcv.ID)
		return err == nil && stored.State == db.SparkQuoteCompleted
	})
	stored, _ = rig.c.SparkReceive(rcv.ID)
	if stored.Completed == nil || stored.Completed.TransferID != "transfer-7" {
		t.Fatalf("bad completed payload: %+v", stored.Completed)
	}
}
