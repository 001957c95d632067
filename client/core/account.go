// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cashport.org/cashport/client/db"
	"cashport.org/cashport/client/feed"
	"cashport.org/cashport/pay"
	"cashport.org/cashport/pay/money"
)

// CreateAccount registers a new balance holder. Cashu accounts require a
// reachable mint; its active keyset is fetched as a connectivity check.
func (c *Core) CreateAccount(ctx context.Context, userID string, typ db.AccountType, cur money.Currency, mintURL string) (*db.Account, error) {
	acct := &db.Account{
		ID:             db.NewEntityID(),
		UserID:         userID,
		Type:           typ,
		Currency:       cur,
		KeysetCounters: make(map[string]uint32),
		IsOnline:       true,
		CreatedAt:      time.Now().UTC(),
	}
	switch typ {
	case db.AccountTypeCashu:
		if mintURL == "" {
			return nil, newError(accountErr, "cashu account requires a mint URL")
		}
		acct.MintURL = mintURL
		if _, err := c.activeKeyset(ctx, acct); err != nil {
			return nil, newError(accountErr, "mint %s unreachable: %w", mintURL, err)
		}
	case db.AccountTypeSpark:
		if c.spark == nil {
			return nil, newError(accountErr, "no spark backend configured")
		}
		if cur != money.BTC {
			return nil, newError(accountErr, "spark accounts are BTC only")
		}
	default:
		return nil, newError(accountErr, "unknown account type %q", typ)
	}

	created, err := c.db.CreateAccount(acct)
	if err != nil {
		return nil, codedError(dbErr, err)
	}
	c.cacheAccount(created)
	c.notify(Notification{
		Type:     NoteTypeAccount,
		Subject:  "Account created",
		Details:  fmt.Sprintf("%s account %s", typ, created.ID),
		Severity: Success,
		EntityID: created.ID,
	})
	return created, nil
}

// account resolves an account through the cache.
func (c *Core) account(id string) (*db.Account, error) {
	c.acctsMtx.RLock()
	acct := c.accts[id]
	c.acctsMtx.RUnlock()
	if acct != nil {
		return acct, nil
	}
	acct, err := c.db.Account(id)
	if err != nil {
		if pay.IsNotFound(err) {
			return nil, newError(accountErr, "no account found with ID %s", id)
		}
		return nil, codedError(dbErr, err)
	}
	c.cacheAccount(acct)
	return acct, nil
}

func (c *Core) cacheAccount(acct *db.Account) {
	c.acctsMtx.Lock()
	cached := c.accts[acct.ID]
	// Never replace a newer version with a stale read.
	if cached == nil || cached.Version < acct.Version {
		c.accts[acct.ID] = acct
	}
	c.acctsMtx.Unlock()
}

func (c *Core) invalidateAccount(id string) {
	c.acctsMtx.Lock()
	delete(c.accts, id)
	c.acctsMtx.Unlock()
}

func (c *Core) invalidateAllAccounts() {
	c.acctsMtx.Lock()
	c.accts = make(map[string]*db.Account)
	c.acctsMtx.Unlock()
}

// Account fetches a single account.
func (c *Core) Account(id string) (*db.Account, error) {
	return c.account(id)
}

// Accounts lists the user's accounts.
func (c *Core) Accounts(userID string) ([]*db.Account, error) {
	accts, err := c.db.Accounts(userID)
	if err != nil {
		return nil, codedError(dbErr, err)
	}
	for _, a := range accts {
		c.cacheAccount(a)
	}
	return accts, nil
}

// Balance computes the account's spendable balance: the UNSPENT and
// RESERVED proof sums for cashu, a backend query for spark.
func (c *Core) Balance(ctx context.Context, accountID string) (*Balance, error) {
	acct, err := c.account(accountID)
	if err != nil {
		return nil, err
	}
	switch acct.Type {
	case db.AccountTypeSpark:
		sats, err := c.spark.BalanceSats(ctx)
		if err != nil {
			return nil, codedError(sparkErr, err)
		}
		return &Balance{AccountID: accountID, Available: sats, Unit: "sat"}, nil
	case db.AccountTypeCashu:
		unit, err := unitForCurrency(acct.Currency)
		if err != nil {
			return nil, codedError(accountErr, err)
		}
		proofs, err := c.db.Proofs(accountID, db.ProofUnspent, db.ProofReserved)
		if err != nil {
			return nil, codedError(dbErr, err)
		}
		bal := &Balance{AccountID: accountID, Unit: unit}
		for _, p := range proofs {
			if p.State == db.ProofReserved {
				bal.Reserved += p.Amount
			} else {
				bal.Available += p.Amount
			}
		}
		return bal, nil
	}
	return nil, newError(accountErr, "unknown account type %q", acct.Type)
}

// spendableProofs lists the account's UNSPENT proofs.
func (c *Core) spendableProofs(accountID string) ([]*db.Proof, error) {
	proofs, err := c.db.Proofs(accountID, db.ProofUnspent)
	if err != nil {
		return nil, codedError(dbErr, err)
	}
	return proofs, nil
}

// HandleFeedEvent applies a change-feed event to the engine's caches. The
// feed is advisory only; storage remains the source of truth.
func (c *Core) HandleFeedEvent(ev *feed.Event) {
	switch ev.Table {
	case "accounts":
		var row struct {
			ID string `json:"id"`
		}
		src := ev.New
		if len(src) == 0 {
			src = ev.Old
		}
		if err := json.Unmarshal(src, &row); err != nil || row.ID == "" {
			log.Errorf("unusable accounts feed event: %v", err)
			c.invalidateAllAccounts()
			return
		}
		c.invalidateAccount(row.ID)
	case "cashu_send_swaps", "cashu_send_quotes", "cashu_receive_quotes",
		"spark_sends", "spark_receives":
		// Entity rows are re-read per operation. Nudge the reconciler so
		// changes made by another instance are picked up promptly.
		if ev.Action == "UPDATE" {
			c.reconcileSoon()
		}
	}
}

// HandleFeedReconnect is the feed client's ReconnectSync: events may have
// been missed, so all caches are invalidated.
func (c *Core) HandleFeedReconnect() {
	log.Infof("change feed reconnected, invalidating caches")
	c.invalidateAllAccounts()
	c.reconcileSoon()
}
