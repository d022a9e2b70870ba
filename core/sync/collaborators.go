package sync

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"cawnet/core/types"
)

// TokenRegistry is the canonical username token contract.
type TokenRegistry interface {
	OwnerOf(id types.IdentityID) (common.Address, error)
	Transfer(from, to common.Address, id types.IdentityID) error
	Mint(to common.Address, handle string) (types.IdentityID, error)
}

// AssetLedger is the fungible asset escrowed by deposits.
type AssetLedger interface {
	BalanceOf(owner common.Address) *uint256.Int
	Allowance(owner, spender common.Address) *uint256.Int
	TransferFrom(spender, from, to common.Address, amount *uint256.Int) error
	Transfer(from, to common.Address, amount *uint256.Int) error
}

// ClientDirectory answers whether a client application is registered.
type ClientDirectory interface {
	Exists(client types.ClientID) bool
}

// Sink is the execution-side state mutated by inbound canonical messages.
type Sink interface {
	Deposit(id types.IdentityID, amount *uint256.Int) error
	Authorize(id types.IdentityID, client types.ClientID) bool
}
