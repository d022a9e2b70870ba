package config

import (
	"fmt"
	"strings"

	"cawnet/core/ledger"
	"cawnet/crypto"
)

// Validate checks the configuration for values the nodes cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Chain.DomainName) == "" || strings.TrimSpace(c.Chain.DomainVersion) == "" {
		return fmt.Errorf("chain: domain name and version required")
	}
	if c.Canonical.Layer == 0 {
		return fmt.Errorf("canonical: layer must be non-zero")
	}
	if _, err := crypto.ParseAddress(c.Canonical.Escrow); err != nil {
		return fmt.Errorf("canonical: escrow: %w", err)
	}
	if len(c.Layers) == 0 {
		return fmt.Errorf("layers: at least one execution layer required")
	}
	seen := make(map[uint32]bool, len(c.Layers))
	for _, layer := range c.Layers {
		if layer.ID == 0 {
			return fmt.Errorf("layers: id must be non-zero")
		}
		if seen[layer.ID] {
			return fmt.Errorf("layers: duplicate layer %d", layer.ID)
		}
		seen[layer.ID] = true
		if layer.ChainID == 0 {
			return fmt.Errorf("layers: %d: chain id must be non-zero", layer.ID)
		}
		if _, err := crypto.ParseAddress(layer.VerifyingContract); err != nil {
			return fmt.Errorf("layers: %d: verifying contract: %w", layer.ID, err)
		}
		if layer.MaxBatchSize < 0 {
			return fmt.Errorf("layers: %d: max batch size must not be negative", layer.ID)
		}
	}
	if !seen[c.Canonical.DefaultLayer] {
		return fmt.Errorf("canonical: default layer %d is not configured", c.Canonical.DefaultLayer)
	}
	if _, err := ledger.ParseEmptyPoolPolicy(c.Ledger.EmptyPool); err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	if _, err := c.CostTable(); err != nil {
		return fmt.Errorf("costs: %w", err)
	}
	if _, err := c.FeeSchedule(); err != nil {
		return fmt.Errorf("fees: %w", err)
	}
	if c.RPC.RequestsPerSecond < 0 || c.RPC.Burst < 0 {
		return fmt.Errorf("rpc: rate limit must not be negative")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: sample ratio must be within [0, 1]")
	}
	if endpoint := strings.TrimSpace(c.Webhook.Endpoint); endpoint != "" {
		if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
			return fmt.Errorf("webhook: endpoint must be an http(s) URL")
		}
		if strings.TrimSpace(c.Webhook.SecretEnv) == "" {
			return fmt.Errorf("webhook: secret env required")
		}
	}
	return nil
}
