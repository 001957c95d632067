// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"cashport.org/cashport/pay/config"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/jessevdk/go-flags"
)

const (
	defaultLogLevel = "debug"
	configFilename  = "cashport.conf"
)

var (
	defaultApplicationDirectory = btcutil.AppDataDir("cashport", false)
	defaultConfigPath           = filepath.Join(defaultApplicationDirectory, configFilename)
)

// Config is the daemon configuration, populated from the command line and
// the INI config file, with CLI flags taking precedence.
type Config struct {
	AppData    string `long:"appdata" description:"Path to application directory."`
	ConfigPath string `long:"config" description:"Path to an INI configuration file."`

	DBPath   string `long:"db" description:"Database filepath. The database is created if it does not exist."`
	PassFile string `long:"passfile" description:"Path to a file whose first line is the wallet password."`
	Mnemonic string `long:"mnemonic" description:"Restore the wallet seed from a 15-word mnemonic. Only used when no seed is stored yet."`

	FeedURL string `long:"feedurl" description:"Change-feed websocket endpoint (ws:// or wss://). Optional."`

	LogPath    string `long:"logpath" description:"A file to save app logs"`
	DebugLevel string `long:"log" description:"Logging level {trace, debug, info, warn, error, critical}"`
	NoStdout   bool   `long:"nostdout" description:"Do not mirror logs to stdout."`

	ShowVer bool `short:"V" long:"version" description:"Display version information and exit"`

	// MintOptions holds per-mint settings from [mint "url"] sections of
	// the config file, keyed by mint URL. Populated by resolveConfig, not
	// by flags.
	MintOptions map[string]MintOptions
}

// MintOptions are the recognized per-mint settings.
type MintOptions struct {
	// RateLimit overrides the default request rate cap for the mint, in
	// requests per second.
	RateLimit float64
}

var defaultConfig = Config{
	AppData:    defaultApplicationDirectory,
	ConfigPath: defaultConfigPath,
	DebugLevel: defaultLogLevel,
}

// configure parses the CLI and the config file into a resolved Config.
func configure() (*Config, error) {
	iniCfg := defaultConfig
	preCfg := iniCfg
	preParser := flags.NewParser(&preCfg, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := preParser.Parse(); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			preParser.WriteHelp(os.Stdout)
			os.Exit(0)
		}
		preParser.WriteHelp(os.Stderr)
		return nil, err
	}

	if preCfg.ShowVer {
		fmt.Printf("%s version %s\n", appName, appVersion)
		os.Exit(0)
	}

	// If the app directory was changed but the config path wasn't, look
	// for the config file in the new directory.
	if preCfg.AppData != defaultApplicationDirectory && preCfg.ConfigPath == defaultConfigPath {
		preCfg.ConfigPath = filepath.Join(preCfg.AppData, configFilename)
	}

	// Load additional config from file, then re-parse the CLI so flags
	// take precedence.
	parser := flags.NewParser(&iniCfg, flags.Default)
	if err := flags.NewIniParser(parser).ParseFile(preCfg.ConfigPath); err != nil {
		if _, ok := err.(*os.PathError); !ok {
			return nil, err
		}
		// Missing file is not an error.
	}
	if _, err := parser.Parse(); err != nil {
		return nil, err
	}

	cfg := &iniCfg
	return cfg, resolveConfig(cfg)
}

// resolveConfig fills in defaults derived from the app data directory and
// reads the per-mint sections of the config file.
func resolveConfig(cfg *Config) error {
	if err := os.MkdirAll(cfg.AppData, 0700); err != nil {
		return fmt.Errorf("failed to create app directory: %w", err)
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.AppData, "cashport.db")
	}
	if cfg.LogPath == "" {
		cfg.LogPath = filepath.Join(cfg.AppData, "logs", "cashport.log")
	}

	cfg.MintOptions = make(map[string]MintOptions)
	if _, err := os.Stat(cfg.ConfigPath); err != nil {
		return nil
	}
	sections, err := config.SectionOptions(cfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("error reading config sections: %w", err)
	}
	for name, opts := range sections {
		mintURL, ok := mintSectionURL(name)
		if !ok {
			continue
		}
		var mo MintOptions
		for key, value := range opts {
			switch key {
			case "ratelimit":
				mo.RateLimit, err = strconv.ParseFloat(value, 64)
				if err != nil {
					return fmt.Errorf("bad ratelimit for mint %s: %w", mintURL, err)
				}
			default:
				return fmt.Errorf("unknown option %q for mint %s", key, mintURL)
			}
		}
		cfg.MintOptions[mintURL] = mo
	}
	return nil
}

// mintSectionURL extracts the mint URL from a section name of the form
// `mint "https://mint.example.com"`.
func mintSectionURL(section string) (string, bool) {
	rest, found := strings.CutPrefix(section, "mint ")
	if !found {
		return "", false
	}
	url := strings.Trim(strings.TrimSpace(rest), `"`)
	if url == "" {
		return "", false
	}
	return url, true
}
