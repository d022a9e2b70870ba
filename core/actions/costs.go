package actions

import (
	"fmt"

	"github.com/holiman/uint256"

	"cawnet/core/ledger"
	"cawnet/core/types"
)

// Cost is the price of one action type and the share of it paid to stakers.
// The rest goes to the action's receiver.
type Cost struct {
	Amount         *uint256.Int
	StakerShareBps uint32
}

// CostTable maps every action type to its cost.
type CostTable map[types.ActionType]Cost

// DefaultCosts returns the network's standard pricing.
func DefaultCosts() CostTable {
	return CostTable{
		types.ActionPost:     {Amount: types.Tokens(5_000), StakerShareBps: ledger.BasisPoints},
		types.ActionLike:     {Amount: types.Tokens(2_000), StakerShareBps: 2_000},
		types.ActionUnlike:   {Amount: new(uint256.Int), StakerShareBps: 0},
		types.ActionShare:    {Amount: types.Tokens(4_000), StakerShareBps: 5_000},
		types.ActionFollow:   {Amount: types.Tokens(30_000), StakerShareBps: 2_000},
		types.ActionUnfollow: {Amount: new(uint256.Int), StakerShareBps: 0},
		types.ActionWithdraw: {Amount: new(uint256.Int), StakerShareBps: 0},
		types.ActionNoop:     {Amount: new(uint256.Int), StakerShareBps: 0},
	}
}

// Lookup returns the cost of an action type. Unlisted types are free.
func (t CostTable) Lookup(actionType types.ActionType) Cost {
	cost, ok := t[actionType]
	if !ok || cost.Amount == nil {
		return Cost{Amount: new(uint256.Int), StakerShareBps: cost.StakerShareBps}
	}
	return cost
}

// Validate checks that every share is expressed in basis points.
func (t CostTable) Validate() error {
	for actionType, cost := range t {
		if !actionType.Valid() {
			return fmt.Errorf("cost for unknown action type %d", uint8(actionType))
		}
		if cost.StakerShareBps > ledger.BasisPoints {
			return fmt.Errorf("%s: staker share %d exceeds %d bps", actionType, cost.StakerShareBps, ledger.BasisPoints)
		}
	}
	return nil
}
