// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cashport.org/cashport/client/core"
	"cashport.org/cashport/client/db/bolt"
	"cashport.org/cashport/client/feed"
	"cashport.org/cashport/client/mint"
	"cashport.org/cashport/client/mnemonic"
	"cashport.org/cashport/pay"
	"cashport.org/cashport/pay/encrypt"
	"golang.org/x/sync/errgroup"
)

const (
	appName    = "cashport"
	appVersion = "0.1.0"

	// App-level keys in the database's key-value bucket.
	crypterKey = "crypter"
	seedKey    = "seed"

	feedPingWait = time.Second * 20
)

func main() {
	// Wrap the actual main so defers run in it.
	if err := mainCore(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}

func mainCore() error {
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel() // don't leak on the earliest returns

	cfg, err := configure()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	lm, closeLogger, err := initLogging(cfg.LogPath, cfg.DebugLevel, !cfg.NoStdout)
	if err != nil {
		return err
	}
	defer closeLogger()
	log := lm.Logger("APP")
	core.UseLoggerMaker(lm)

	pass, err := readPassword(cfg.PassFile)
	if err != nil {
		return err
	}

	// The database needs the crypter, but the crypter's parameters live in
	// the database. Open with a throwaway first to bootstrap, since the
	// key-value bucket is stored in the clear.
	bootDB, err := bolt.NewDB(cfg.DBPath, encrypt.NewCrypter(pass), lm.Logger("DB"))
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}
	crypter, err := loadCrypter(bootDB, pass)
	if err != nil {
		bootDB.Close()
		return err
	}
	bootDB.Close()

	appDB, err := bolt.NewDB(cfg.DBPath, crypter, lm.Logger("DB"))
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}

	seed, err := loadSeed(appDB, crypter, cfg.Mnemonic, log)
	if err != nil {
		appDB.Close()
		return err
	}

	c, err := core.New(&core.Config{
		DB:      appDB,
		Seed:    seed,
		Logger:  lm.Logger("CORE"),
		NewMint: newMintFactory(cfg, lm),
	})
	if err != nil {
		appDB.Close()
		return fmt.Errorf("error creating core: %w", err)
	}

	killChan := make(chan os.Signal, 1)
	signal.Notify(killChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-killChan
		log.Infof("shutdown signal received")
		cancel()
	}()

	g, gCtx := errgroup.WithContext(appCtx)
	g.Go(func() error {
		c.Run(gCtx)
		return nil
	})
	g.Go(func() error {
		appDB.Run(gCtx)
		return nil
	})

	if cfg.FeedURL != "" {
		feedClient, err := feed.NewClient(&feed.Config{
			URL:           cfg.FeedURL,
			PingWait:      feedPingWait,
			ReconnectSync: c.HandleFeedReconnect,
			Ctx:           gCtx,
		})
		if err != nil {
			cancel()
			g.Wait()
			return fmt.Errorf("error starting feed client: %w", err)
		}
		g.Go(func() error {
			for ev := range feedClient.Events() {
				c.HandleFeedEvent(ev)
			}
			feedClient.WaitForShutdown()
			return nil
		})
	}

	log.Infof("%s v%s running", appName, appVersion)
	return g.Wait()
}

// newMintFactory builds the core's mint constructor, applying any per-mint
// settings from the config file.
func newMintFactory(cfg *Config, lm *pay.LoggerMaker) func(url string) core.Mint {
	return func(url string) core.Mint {
		m := mint.New(url, lm.Logger("MINT"))
		if opts, found := cfg.MintOptions[strings.TrimRight(url, "/")]; found {
			m.SetRateLimit(opts.RateLimit)
		}
		return m
	}
}

// readPassword reads the wallet password from the first line of the
// password file.
func readPassword(passFile string) (string, error) {
	if passFile == "" {
		return "", fmt.Errorf("no password file configured, set --passfile")
	}
	b, err := os.ReadFile(passFile)
	if err != nil {
		return "", fmt.Errorf("error reading password file: %w", err)
	}
	pass := strings.TrimRight(strings.SplitN(string(b), "\n", 2)[0], "\r")
	if pass == "" {
		return "", fmt.Errorf("password file %s is empty", passFile)
	}
	return pass, nil
}

// loadCrypter recreates the stored crypter, or creates and stores a new
// one on first run.
func loadCrypter(kv *bolt.BoltDB, pass string) (encrypt.Crypter, error) {
	exists, err := kv.ValueExists(crypterKey)
	if err != nil {
		return nil, err
	}
	if exists {
		serialized, err := kv.Get(crypterKey)
		if err != nil {
			return nil, err
		}
		crypter, err := encrypt.Deserialize(pass, serialized)
		if err != nil {
			return nil, fmt.Errorf("incorrect password: %w", err)
		}
		return crypter, nil
	}
	crypter := encrypt.NewCrypter(pass)
	if err := kv.Store(crypterKey, crypter.Serialize()); err != nil {
		return nil, err
	}
	return crypter, nil
}

// loadSeed loads the encrypted wallet seed, restoring it from restoreMnemonic
// or generating a fresh one on first run. A freshly generated mnemonic is
// printed to stdout exactly once; it is not stored anywhere.
func loadSeed(kv *bolt.BoltDB, crypter encrypt.Crypter, restoreMnemonic string, log pay.Logger) ([]byte, error) {
	exists, err := kv.ValueExists(seedKey)
	if err != nil {
		return nil, err
	}
	if exists {
		if restoreMnemonic != "" {
			return nil, fmt.Errorf("--mnemonic specified but a seed is already stored")
		}
		sealed, err := kv.Get(seedKey)
		if err != nil {
			return nil, err
		}
		return crypter.Decrypt(sealed)
	}

	var seed []byte
	if restoreMnemonic != "" {
		seed, _, err = mnemonic.DecodeMnemonic(restoreMnemonic)
		if err != nil {
			return nil, fmt.Errorf("invalid mnemonic: %w", err)
		}
		log.Infof("wallet seed restored from mnemonic")
	} else {
		var words string
		seed, words = mnemonic.New()
		fmt.Printf("New wallet created. Write down the seed phrase and keep it safe:\n\n  %s\n\n", words)
	}
	sealed, err := crypter.Encrypt(seed)
	if err != nil {
		return nil, err
	}
	if err := kv.Store(seedKey, sealed); err != nil {
		return nil, err
	}
	return seed, nil
}
