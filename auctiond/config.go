package main

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/cloudx-io/dutchauction/core"
)

const (
	TransportTCP   = "tcp"
	TransportVsock = "vsock"
)

// Config is the host process configuration, read from the environment.
type Config struct {
	Transport  string `env:"AUCTIOND_TRANSPORT" envDefault:"tcp"`
	ListenAddr string `env:"AUCTIOND_LISTEN_ADDR" envDefault:"127.0.0.1:5000"`
	VsockPort  uint32 `env:"AUCTIOND_VSOCK_PORT" envDefault:"5000"`

	MaxWorkers  int           `env:"AUCTIOND_MAX_WORKERS,required"`
	ReadTimeout time.Duration `env:"AUCTIOND_READ_TIMEOUT" envDefault:"30s"`

	// Per-bidder token bucket applied to bid requests.
	BidRate  float64 `env:"AUCTIOND_BID_RATE" envDefault:"5"`
	BidBurst int     `env:"AUCTIOND_BID_BURST" envDefault:"10"`

	AuctionFile    string `env:"AUCTIOND_AUCTION_FILE,required"`
	DatabasePath   string `env:"AUCTIOND_DATABASE_PATH"`
	MetricsAddr    string `env:"AUCTIOND_METRICS_ADDR"`
	SigningKeyPath string `env:"AUCTIOND_SIGNING_KEY"`
	Attest         bool   `env:"AUCTIOND_ATTEST" envDefault:"false"`
	AllowMint      bool   `env:"AUCTIOND_ALLOW_MINT" envDefault:"false"`
}

// LoadConfig parses the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	log.Printf("INFO: Using transport=%s workers=%d bid_rate=%.2f/s burst=%d", cfg.Transport, cfg.MaxWorkers, cfg.BidRate, cfg.BidBurst)
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Transport {
	case TransportTCP:
		if c.ListenAddr == "" {
			return fmt.Errorf("AUCTIOND_LISTEN_ADDR is required for tcp transport")
		}
	case TransportVsock:
	default:
		return fmt.Errorf("invalid value for AUCTIOND_TRANSPORT: %s (must be tcp or vsock)", c.Transport)
	}
	if c.MaxWorkers <= 0 {
		return fmt.Errorf("invalid value for AUCTIOND_MAX_WORKERS: %d (must be positive)", c.MaxWorkers)
	}
	if c.ReadTimeout <= 0 {
		return fmt.Errorf("invalid value for AUCTIOND_READ_TIMEOUT: %s (must be positive)", c.ReadTimeout)
	}
	return nil
}

// AuctionFile is the YAML definition of the auction the host runs, plus
// the genesis state of its in-memory ledger and registry.
type AuctionFile struct {
	AuctionID     string             `yaml:"auction_id"`
	EscrowAccount core.Identity      `yaml:"escrow_account"`
	StartStep     int64              `yaml:"start_step"`
	Token         TokenSettings      `yaml:"token"`
	Auction       core.AuctionConfig `yaml:"auction"`
	Genesis       Genesis            `yaml:"genesis"`
}

type TokenSettings struct {
	Symbol   string `yaml:"symbol"`
	Decimals int32  `yaml:"decimals"`
}

// Genesis seeds the ledger and registry before the auction opens. When no
// assets are listed, the auctioned asset is minted to the owner and
// approved for the escrow account.
type Genesis struct {
	Balances   map[core.Identity]core.Amount `yaml:"balances"`
	Allowances []GenesisAllowance            `yaml:"allowances"`
	Assets     []GenesisAsset                `yaml:"assets"`
}

type GenesisAllowance struct {
	Owner   core.Identity `yaml:"owner"`
	Spender core.Identity `yaml:"spender"` // defaults to the escrow account
	Amount  core.Amount   `yaml:"amount"`
}

type GenesisAsset struct {
	Ref      core.AssetRef `yaml:"ref"`
	Owner    core.Identity `yaml:"owner"`
	Approved core.Identity `yaml:"approved,omitempty"`
}

// LoadAuctionFile reads and validates the auction definition at path.
func LoadAuctionFile(path string) (*AuctionFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read auction file: %w", err)
	}
	return ParseAuctionFile(data)
}

// ParseAuctionFile decodes an auction definition. Unknown keys are
// rejected.
func ParseAuctionFile(data []byte) (*AuctionFile, error) {
	var f AuctionFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to parse auction file: %w", err)
	}

	if f.EscrowAccount == core.NoIdentity {
		f.EscrowAccount = "auction-escrow"
	}
	if f.Token.Symbol == "" {
		f.Token.Symbol = "BID"
	}
	if f.Token.Decimals < 0 || f.Token.Decimals > 18 {
		return nil, fmt.Errorf("invalid token decimals %d", f.Token.Decimals)
	}
	if f.StartStep < 0 {
		return nil, fmt.Errorf("invalid start step %d", f.StartStep)
	}
	if err := f.Auction.Validate(); err != nil {
		return nil, err
	}
	if len(f.Genesis.Assets) == 0 {
		f.Genesis.Assets = []GenesisAsset{{Ref: f.Auction.AssetRef, Owner: f.Auction.Owner, Approved: f.EscrowAccount}}
	}
	for i := range f.Genesis.Allowances {
		if f.Genesis.Allowances[i].Spender == core.NoIdentity {
			f.Genesis.Allowances[i].Spender = f.EscrowAccount
		}
	}
	return &f, nil
}
