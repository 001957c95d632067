// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package core is the transfer engine. It owns the send/receive state
// machines for cashu and spark accounts, the proof-state subscription
// manager, and the reconciliation loop that drives interrupted operations
// to terminal states. All durable effects go through the repository in
// client/db; core never mutates storage outside a repository procedure.
package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cashport.org/cashport/client/db"
	"cashport.org/cashport/client/mint"
	"cashport.org/cashport/client/spark"
	"cashport.org/cashport/pay"
	"cashport.org/cashport/pay/cashu"
	"cashport.org/cashport/pay/money"
	"cashport.org/cashport/pay/wait"
)

const (
	// reconcileInterval is the period of the reconciliation sweep.
	reconcileInterval = time.Second * 30
	// retryFastest and retrySlowest bound the per-entity retry taper.
	retryFastest = time.Second * 2
	retrySlowest = time.Second * 20
	// maxRetries bounds attempts per entity per sweep cycle.
	maxRetries = 3
	// sparkPollInterval is the fixed polling period for in-flight spark
	// entities.
	sparkPollInterval = time.Second
)

// Config is the engine configuration.
type Config struct {
	// DB is the repository.
	DB db.DB
	// Seed is the wallet master seed for deterministic blinded outputs.
	Seed []byte
	// Spark is the spark backend, nil when no spark accounts are used.
	Spark spark.Wallet
	// Leader gates the reconciliation loop. Defaults to SingleNode.
	Leader LeaderElector
	// NewMint constructs a REST client for a mint URL. Defaults to
	// mint.New.
	NewMint func(url string) Mint
	// NewSubscriber constructs a proof-state subscription connection for a
	// mint URL. Defaults to mint.NewWSClient.
	NewSubscriber func(ctx context.Context, url string) (ProofStateSubscriber, error)
	// Logger is the core logger.
	Logger pay.Logger
}

// Core is the engine.
type Core struct {
	ctx    context.Context
	cfg    *Config
	db     db.DB
	seed   []byte
	spark  spark.Wallet
	leader LeaderElector

	mintsMtx sync.Mutex
	mints    map[string]Mint

	keysetsMtx sync.Mutex
	keysets    map[string]*cashu.Keyset

	acctsMtx sync.RWMutex
	accts    map[string]*db.Account

	subs *subscriptionManager

	// retryQueue schedules reconciler retries with a tapering delay.
	// pollQueue drives the fixed-interval spark pollers.
	retryQueue *wait.Queue
	pollQueue  *wait.Queue

	inFlightMtx sync.Mutex
	inFlight    map[string]struct{}
	retries     map[string]int

	// reconcileNow triggers an immediate sweep ahead of the ticker.
	reconcileNow chan struct{}

	noteMtx   sync.Mutex
	noteChans map[uint64]chan Notification
	noteID    uint64

	wg sync.WaitGroup
}

// New constructs the engine. Run must be called before any operation.
func New(cfg *Config) (*Core, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("no repository configured")
	}
	if len(cfg.Seed) == 0 {
		return nil, fmt.Errorf("no wallet seed configured")
	}
	if cfg.Logger != nil {
		log = cfg.Logger
	}
	if cfg.Leader == nil {
		cfg.Leader = SingleNode{}
	}
	if cfg.NewMint == nil {
		cfg.NewMint = func(url string) Mint {
			return mint.New(url, log.SubLogger("MINT"))
		}
	}
	c := &Core{
		cfg:          cfg,
		db:           cfg.DB,
		seed:         cfg.Seed,
		spark:        cfg.Spark,
		leader:       cfg.Leader,
		mints:        make(map[string]Mint),
		keysets:      make(map[string]*cashu.Keyset),
		accts:        make(map[string]*db.Account),
		retryQueue:   wait.NewTaperingQueue(retryFastest, retrySlowest),
		pollQueue:    wait.NewTickerQueue(sparkPollInterval),
		inFlight:     make(map[string]struct{}),
		retries:      make(map[string]int),
		noteChans:    make(map[uint64]chan Notification),
		reconcileNow: make(chan struct{}, 1),
	}
	c.subs = newSubscriptionManager(c)
	return c, nil
}

// Run starts the engine and blocks until ctx is canceled.
func (c *Core) Run(ctx context.Context) {
	c.ctx = ctx

	if c.cfg.NewSubscriber == nil {
		c.cfg.NewSubscriber = func(ctx context.Context, url string) (ProofStateSubscriber, error) {
			return mint.NewWSClient(ctx, url, log.SubLogger("MINTWS"))
		}
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.retryQueue.Run(ctx)
	}()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.pollQueue.Run(ctx)
	}()

	if c.spark != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := c.spark.SubscribeTransferClaimed(ctx, c.handleTransferClaimed); err != nil && ctx.Err() == nil {
				log.Errorf("spark transfer subscription failed: %v", err)
			}
		}()
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(reconcileInterval)
		defer ticker.Stop()
		c.reconcile()
		for {
			select {
			case <-ticker.C:
				c.reconcile()
			case <-c.reconcileNow:
				c.reconcile()
			case <-ctx.Done():
				return
			}
		}
	}()

	c.wg.Wait()
	log.Infof("core shut down")
}

// mint returns the REST client for the mint at url, constructing and
// caching it on first use.
func (c *Core) mint(url string) Mint {
	c.mintsMtx.Lock()
	defer c.mintsMtx.Unlock()
	m, found := c.mints[url]
	if !found {
		m = c.cfg.NewMint(url)
		c.mints[url] = m
	}
	return m
}

// unitForCurrency maps an account currency to its cashu keyset unit.
func unitForCurrency(cur money.Currency) (string, error) {
	switch cur {
	case money.BTC:
		return "sat", nil
	case money.USD:
		return "usd", nil
	}
	return "", fmt.Errorf("no cashu unit for currency %s", cur)
}

// activeKeyset resolves the active keyset for the account's mint and
// unit, cached per mint. The counter namespace is keyed by keyset ID, so
// a keyset rotation simply starts a fresh counter.
func (c *Core) activeKeyset(ctx context.Context, acct *db.Account) (*cashu.Keyset, error) {
	unit, err := unitForCurrency(acct.Currency)
	if err != nil {
		return nil, err
	}
	cacheKey := acct.MintURL + "#" + unit

	c.keysetsMtx.Lock()
	ks := c.keysets[cacheKey]
	c.keysetsMtx.Unlock()
	if ks != nil {
		return ks, nil
	}

	ks, err = c.mint(acct.MintURL).ActiveKeyset(ctx, unit)
	if err != nil {
		return nil, codedError(mintErr, err)
	}
	c.keysetsMtx.Lock()
	c.keysets[cacheKey] = ks
	c.keysetsMtx.Unlock()
	return ks, nil
}

// keyset fetches keys for a specific keyset ID, consulting the active
// cache first.
func (c *Core) keyset(ctx context.Context, mintURL, keysetID string) (*cashu.Keyset, error) {
	c.keysetsMtx.Lock()
	for _, ks := range c.keysets {
		if ks.ID == keysetID {
			c.keysetsMtx.Unlock()
			return ks, nil
		}
	}
	c.keysetsMtx.Unlock()
	ks, err := c.mint(mintURL).Keys(ctx, keysetID)
	if err != nil {
		return nil, codedError(mintErr, err)
	}
	return ks, nil
}

// notify broadcasts a notification to all feed subscribers. Slow
// consumers miss notifications rather than blocking the engine.
func (c *Core) notify(n Notification) {
	if n.Severity >= WarningLevel {
		log.Warnf("notify: %s: %s: %s", n.Type, n.Subject, n.Details)
	} else {
		log.Debugf("notify: %s: %s", n.Type, n.Subject)
	}
	c.noteMtx.Lock()
	defer c.noteMtx.Unlock()
	for _, ch := range c.noteChans {
		select {
		case ch <- n:
		default:
		}
	}
}

// NotificationFeed returns a new notification channel and a function to
// unregister it.
func (c *Core) NotificationFeed() (<-chan Notification, func()) {
	ch := make(chan Notification, 64)
	c.noteMtx.Lock()
	id := c.noteID
	c.noteID++
	c.noteChans[id] = ch
	c.noteMtx.Unlock()
	return ch, func() {
		c.noteMtx.Lock()
		delete(c.noteChans, id)
		c.noteMtx.Unlock()
	}
}

// Transactions lists the user's ledger newest-first with cursor
// pagination.
func (c *Core) Transactions(userID string, n int, cursor string) ([]*db.Transaction, string, error) {
	txs, next, err := c.db.Transactions(userID, n, cursor)
	if err != nil {
		return nil, "", codedError(dbErr, err)
	}
	return txs, next, nil
}

// AckTransaction marks a finished transaction as acknowledged by the
// user.
func (c *Core) AckTransaction(id string) (*db.Transaction, error) {
	t, err := c.db.AckTransaction(id, db.AckAcknowledged)
	if err != nil {
		return nil, codedError(dbErr, err)
	}
	return t, nil
}
