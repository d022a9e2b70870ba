package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	DataDir     string `toml:"DataDir"`
	Environment string `toml:"Environment"`
	LogLevel    string `toml:"LogLevel"`
	// DeliveryIntervalMs paces the in-process message pump.
	DeliveryIntervalMs int `toml:"DeliveryIntervalMs"`

	Chain     Chain           `toml:"chain"`
	Canonical Canonical       `toml:"canonical"`
	Layers    []Layer         `toml:"layers"`
	Ledger    Ledger          `toml:"ledger"`
	Costs     map[string]Cost `toml:"costs"`
	Fees      Fees            `toml:"fees"`
	RPC       RPC             `toml:"rpc"`
	Telemetry Telemetry       `toml:"telemetry"`
	Indexer   Indexer         `toml:"indexer"`
	Webhook   Webhook         `toml:"webhook"`
}

// Load loads the configuration from the given path, writing the defaults
// there first when the file does not exist.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := Default()
	cfg.Layers = nil
	cfg.Costs = nil
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, key := range undecoded {
			keys[i] = key.String()
		}
		return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}
	if len(cfg.Layers) == 0 {
		cfg.Layers = Default().Layers
	}
	if cfg.Costs == nil {
		cfg.Costs = make(map[string]Cost)
	}
	for name, cost := range Default().Costs {
		if _, ok := cfg.Costs[name]; !ok {
			cfg.Costs[name] = cost
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a single-process devnet: the canonical layer plus a
// colocated execution layer and one remote execution layer.
func Default() *Config {
	return &Config{
		DataDir:            "./caw-data",
		Environment:        "dev",
		LogLevel:           "info",
		DeliveryIntervalMs: 200,
		Chain: Chain{
			DomainName:    "Caw Protocol",
			DomainVersion: "1",
		},
		Canonical: Canonical{
			Layer:        30101,
			DefaultLayer: 30184,
			Escrow:       "0x000000000000000000000000000000000000ca50",
			InboxLimit:   1024,
		},
		Layers: []Layer{
			{ID: 30101, Name: "mainnet", ChainID: 1, VerifyingContract: "0x0000000000000000000000000000000000000c01", MaxBatchSize: 256},
			{ID: 30184, Name: "base", ChainID: 8453, VerifyingContract: "0x0000000000000000000000000000000000000c02", MaxBatchSize: 256},
		},
		Ledger: Ledger{EmptyPool: "credit-receiver"},
		Costs: map[string]Cost{
			"caw":      {Tokens: "5000", StakerShareBps: 10_000},
			"like":     {Tokens: "2000", StakerShareBps: 2_000},
			"unlike":   {Tokens: "0"},
			"recaw":    {Tokens: "4000", StakerShareBps: 5_000},
			"follow":   {Tokens: "30000", StakerShareBps: 2_000},
			"unfollow": {Tokens: "0"},
			"withdraw": {Tokens: "0"},
			"noop":     {Tokens: "0"},
		},
		Fees: Fees{
			BaseNative:    "10000000000000",
			PerByteNative: "1000000000",
			MessageToken:  "0",
		},
		RPC: RPC{
			ListenAddress:         ":8080",
			JWTSecretEnv:          "CAW_JWT_SECRET",
			JWTIssuer:             "cawnet",
			JWTAudience:           "cawnet-validators",
			RequestsPerSecond:     20,
			Burst:                 40,
			ReadHeaderTimeout:     5,
			EnableCanonicalWrites: true,
		},
		Telemetry: Telemetry{
			Endpoint:    "localhost:4318",
			Insecure:    true,
			SampleRatio: 1,
		},
		Indexer: Indexer{
			Enabled: true,
			DSN:     "file:caw-index.db?cache=shared",
		},
		Webhook: Webhook{
			SecretEnv: "CAW_WEBHOOK_SECRET",
		},
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
