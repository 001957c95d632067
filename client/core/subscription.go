// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package core

import (
	"fmt"
	"sync"

	"cashport.org/cashport/client/db"
	"cashport.org/cashport/pay/cashu"
)

// swapWatch tracks the spend state of one PENDING send's proofs.
type swapWatch struct {
	swap  *db.CashuSendSwap
	spent map[string]bool // y -> observed SPENT
}

func (w *swapWatch) allSpent() bool {
	for _, s := range w.spent {
		if !s {
			return false
		}
	}
	return true
}

// mintSub is the single live subscription against one mint.
type mintSub struct {
	conn    ProofStateSubscriber
	subID   string
	nextID  int
	filter  map[string]struct{}   // ys currently subscribed
	watches map[string]*swapWatch // swap ID -> watch
}

// subscriptionManager maintains at most one proof-state subscription per
// mint URL, covering the union of all watched sends. Growing the watch
// set tears the subscription down and resubscribes with the larger
// filter; when the existing filter is already a superset, the
// subscription is left in place and only the bookkeeping changes.
type subscriptionManager struct {
	c    *Core
	mtx  sync.Mutex
	subs map[string]*mintSub // mint URL
}

func newSubscriptionManager(c *Core) *subscriptionManager {
	return &subscriptionManager{c: c, subs: make(map[string]*mintSub)}
}

// watchSendSwap begins (or refreshes) completion tracking for a PENDING
// send: once every proof to send is observed SPENT, the swap completes.
func (m *subscriptionManager) watchSendSwap(swap *db.CashuSendSwap) {
	if swap.State != db.SendSwapPending || swap.Proofs == nil {
		return
	}
	acct, err := m.c.account(swap.AccountID)
	if err != nil {
		log.Errorf("cannot watch swap %s: %v", swap.ID, err)
		return
	}
	ys, err := swap.Proofs.ProofsToSend.Ys()
	if err != nil {
		log.Errorf("cannot watch swap %s: %v", swap.ID, err)
		return
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()

	sub := m.subs[acct.MintURL]
	if sub == nil {
		conn, err := m.c.cfg.NewSubscriber(m.c.ctx, acct.MintURL)
		if err != nil {
			log.Errorf("cannot connect to mint %s for proof states: %v", acct.MintURL, err)
			return
		}
		sub = &mintSub{
			conn:    conn,
			filter:  make(map[string]struct{}),
			watches: make(map[string]*swapWatch),
		}
		m.subs[acct.MintURL] = sub
	}

	watch := &swapWatch{swap: swap, spent: make(map[string]bool, len(ys))}
	for _, y := range ys {
		watch.spent[y] = false
	}
	sub.watches[swap.ID] = watch

	if err := m.syncSub(acct.MintURL, sub); err != nil {
		log.Errorf("proof state subscription for %s failed: %v", acct.MintURL, err)
	}
}

// syncSub reconciles the wire subscription with the watch set. Callers
// hold the mutex.
func (m *subscriptionManager) syncSub(mintURL string, sub *mintSub) error {
	needed := make(map[string]struct{})
	for _, w := range sub.watches {
		for y := range w.spent {
			needed[y] = struct{}{}
		}
	}

	if sub.subID != "" && isSuperset(sub.filter, needed) {
		// Existing filter covers everything; keep it.
		return nil
	}

	if sub.subID != "" {
		if err := sub.conn.Unsubscribe(sub.subID); err != nil {
			log.Debugf("unsubscribe %s from %s: %v", sub.subID, mintURL, err)
		}
	}
	if len(needed) == 0 {
		sub.subID = ""
		sub.filter = make(map[string]struct{})
		return nil
	}

	sub.nextID++
	sub.subID = fmt.Sprintf("proofs-%d", sub.nextID)
	sub.filter = needed
	ys := make([]string, 0, len(needed))
	for y := range needed {
		ys = append(ys, y)
	}
	return sub.conn.Subscribe(sub.subID, ys, func(update cashu.ProofStateUpdate) {
		m.handleUpdate(mintURL, update)
	})
}

func isSuperset(have, want map[string]struct{}) bool {
	for y := range want {
		if _, found := have[y]; !found {
			return false
		}
	}
	return true
}

// handleUpdate applies one proof state notification. SPENT observations
// tick down the per-swap tracking; the swap completes once all of its
// proofs are spent.
func (m *subscriptionManager) handleUpdate(mintURL string, update cashu.ProofStateUpdate) {
	if update.State != cashu.ProofStateSpent {
		return
	}

	var done []*db.CashuSendSwap
	m.mtx.Lock()
	sub := m.subs[mintURL]
	if sub == nil {
		m.mtx.Unlock()
		return
	}
	for id, w := range sub.watches {
		if _, tracked := w.spent[update.Y]; !tracked {
			continue
		}
		w.spent[update.Y] = true
		if w.allSpent() {
			done = append(done, w.swap)
			delete(sub.watches, id)
		}
	}
	if len(done) > 0 {
		if err := m.syncSub(mintURL, sub); err != nil {
			log.Errorf("proof state resubscription for %s failed: %v", mintURL, err)
		}
	}
	m.mtx.Unlock()

	for _, swap := range done {
		m.c.completeSendSwap(swap)
	}
}

// unwatchSendSwap drops tracking for a swap, shrinking or removing the
// wire subscription as needed.
func (m *subscriptionManager) unwatchSendSwap(swapID string) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	for mintURL, sub := range m.subs {
		if _, found := sub.watches[swapID]; !found {
			continue
		}
		delete(sub.watches, swapID)
		if err := m.syncSub(mintURL, sub); err != nil {
			log.Errorf("proof state resubscription for %s failed: %v", mintURL, err)
		}
		return
	}
}

// numWatched reports the number of tracked swaps, for tests.
func (m *subscriptionManager) numWatched() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	var n int
	for _, sub := range m.subs {
		n += len(sub.watches)
	}
	return n
}
