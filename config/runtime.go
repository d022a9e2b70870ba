package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/holiman/uint256"

	"cawnet/core"
	"cawnet/core/actions"
	"cawnet/core/ledger"
	csync "cawnet/core/sync"
	"cawnet/core/types"
	"cawnet/crypto"
)

// CostTable parses the configured action prices.
func (c *Config) CostTable() (actions.CostTable, error) {
	table := make(actions.CostTable, len(c.Costs))
	for name, cost := range c.Costs {
		actionType, err := types.ParseActionType(name)
		if err != nil {
			return nil, err
		}
		amount, err := types.ParseTokens(cost.Tokens)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		table[actionType] = actions.Cost{Amount: amount, StakerShareBps: cost.StakerShareBps}
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return table, nil
}

// FeeSchedule parses the configured message prices.
func (c *Config) FeeSchedule() (csync.FeeSchedule, error) {
	base, err := parseUintAmount(c.Fees.BaseNative)
	if err != nil {
		return csync.FeeSchedule{}, fmt.Errorf("invalid fees.BaseNative: %w", err)
	}
	perByte, err := parseUintAmount(c.Fees.PerByteNative)
	if err != nil {
		return csync.FeeSchedule{}, fmt.Errorf("invalid fees.PerByteNative: %w", err)
	}
	token, err := parseUintAmount(c.Fees.MessageToken)
	if err != nil {
		return csync.FeeSchedule{}, fmt.Errorf("invalid fees.MessageToken: %w", err)
	}
	return csync.FeeSchedule{BaseNative: base, PerByteNative: perByte, MessageToken: token}, nil
}

// CanonicalConfig builds the canonical node configuration. Every configured
// layer receives ownership updates.
func (c *Config) CanonicalConfig() (core.CanonicalConfig, error) {
	escrow, err := crypto.ParseAddress(c.Canonical.Escrow)
	if err != nil {
		return core.CanonicalConfig{}, err
	}
	layers := make([]types.Layer, len(c.Layers))
	for i, layer := range c.Layers {
		layers[i] = types.Layer(layer.ID)
	}
	return core.CanonicalConfig{
		Layer:           types.Layer(c.Canonical.Layer),
		DefaultLayer:    types.Layer(c.Canonical.DefaultLayer),
		ExecutionLayers: layers,
		Escrow:          escrow,
		InboxLimit:      c.Canonical.InboxLimit,
	}, nil
}

// NodeConfig builds the execution node configuration of one layer.
func (c *Config) NodeConfig(layer Layer) (core.NodeConfig, error) {
	contract, err := crypto.ParseAddress(layer.VerifyingContract)
	if err != nil {
		return core.NodeConfig{}, err
	}
	costs, err := c.CostTable()
	if err != nil {
		return core.NodeConfig{}, err
	}
	policy, err := ledger.ParseEmptyPoolPolicy(c.Ledger.EmptyPool)
	if err != nil {
		return core.NodeConfig{}, err
	}
	return core.NodeConfig{
		Layer:     types.Layer(layer.ID),
		Canonical: types.Layer(c.Canonical.Layer),
		Domain: actions.Domain{
			Name:              c.Chain.DomainName,
			Version:           c.Chain.DomainVersion,
			ChainID:           layer.ChainID,
			VerifyingContract: contract,
		},
		Costs:        costs,
		EmptyPool:    policy,
		MaxBatchSize: layer.MaxBatchSize,
		InboxLimit:   layer.InboxLimit,
	}, nil
}

// DeliveryInterval is the pause between message pump rounds.
func (c *Config) DeliveryInterval() time.Duration {
	if c.DeliveryIntervalMs <= 0 {
		return 200 * time.Millisecond
	}
	return time.Duration(c.DeliveryIntervalMs) * time.Millisecond
}

func parseUintAmount(raw string) (*uint256.Int, error) {
	if strings.TrimSpace(raw) == "" {
		return new(uint256.Int), nil
	}
	return types.ParseAmount(raw)
}
