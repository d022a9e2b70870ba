// Package bank keeps balances and allowances of the fungible token escrowed
// by cross-layer deposits on the canonical layer.
package bank

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrInsufficientFunds     = errors.New("bank: insufficient funds")
	ErrInsufficientAllowance = errors.New("bank: insufficient allowance")
	ErrSupplyOverflow        = errors.New("bank: supply overflow")
)

type allowanceKey struct {
	owner   common.Address
	spender common.Address
}

// Bank is an in-memory token ledger. It is not safe for concurrent use.
type Bank struct {
	balances   map[common.Address]*uint256.Int
	allowances map[allowanceKey]*uint256.Int
	supply     *uint256.Int
}

// New returns an empty bank.
func New() *Bank {
	return &Bank{
		balances:   make(map[common.Address]*uint256.Int),
		allowances: make(map[allowanceKey]*uint256.Int),
		supply:     new(uint256.Int),
	}
}

// BalanceOf returns the balance held by owner.
func (b *Bank) BalanceOf(owner common.Address) *uint256.Int {
	if balance, ok := b.balances[owner]; ok {
		return new(uint256.Int).Set(balance)
	}
	return new(uint256.Int)
}

// Allowance returns how much spender may move on behalf of owner.
func (b *Bank) Allowance(owner, spender common.Address) *uint256.Int {
	if allowance, ok := b.allowances[allowanceKey{owner, spender}]; ok {
		return new(uint256.Int).Set(allowance)
	}
	return new(uint256.Int)
}

// TotalSupply returns the amount minted so far.
func (b *Bank) TotalSupply() *uint256.Int { return new(uint256.Int).Set(b.supply) }

// Mint creates amount new tokens for to.
func (b *Bank) Mint(to common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	supply, overflow := new(uint256.Int).AddOverflow(b.supply, amount)
	if overflow {
		return ErrSupplyOverflow
	}
	b.supply = supply
	b.balances[to] = new(uint256.Int).Add(b.BalanceOf(to), amount)
	return nil
}

// Approve sets the allowance of spender over owner's tokens.
func (b *Bank) Approve(owner, spender common.Address, amount *uint256.Int) {
	key := allowanceKey{owner, spender}
	if amount == nil || amount.IsZero() {
		delete(b.allowances, key)
		return
	}
	b.allowances[key] = new(uint256.Int).Set(amount)
}

// Transfer moves amount from one holder to another.
func (b *Bank) Transfer(from, to common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	balance := b.BalanceOf(from)
	if balance.Lt(amount) {
		return fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientFunds, from.Hex(), balance.Dec(), amount.Dec())
	}
	b.balances[from] = balance.Sub(balance, amount)
	b.balances[to] = new(uint256.Int).Add(b.BalanceOf(to), amount)
	return nil
}

// TransferFrom moves amount from `from` to `to` using spender's allowance.
func (b *Bank) TransferFrom(spender, from, to common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	allowance := b.Allowance(from, spender)
	if allowance.Lt(amount) {
		return fmt.Errorf("%w: %s may spend %s, needs %s", ErrInsufficientAllowance, spender.Hex(), allowance.Dec(), amount.Dec())
	}
	if err := b.Transfer(from, to, amount); err != nil {
		return err
	}
	b.Approve(from, spender, allowance.Sub(allowance, amount))
	return nil
}

// Holding is one persisted balance.
type Holding struct {
	Owner  common.Address
	Amount *big.Int
}

// Grant is one persisted allowance.
type Grant struct {
	Owner   common.Address
	Spender common.Address
	Amount  *big.Int
}

// Snapshot is the persisted form of a Bank.
type Snapshot struct {
	Supply     *big.Int
	Balances   []Holding
	Allowances []Grant
}

// Snapshot captures every balance and allowance in a deterministic order.
func (b *Bank) Snapshot() Snapshot {
	snap := Snapshot{Supply: b.supply.ToBig()}
	for owner, amount := range b.balances {
		snap.Balances = append(snap.Balances, Holding{Owner: owner, Amount: amount.ToBig()})
	}
	sort.Slice(snap.Balances, func(i, j int) bool {
		return snap.Balances[i].Owner.Cmp(snap.Balances[j].Owner) < 0
	})
	for key, amount := range b.allowances {
		snap.Allowances = append(snap.Allowances, Grant{Owner: key.owner, Spender: key.spender, Amount: amount.ToBig()})
	}
	sort.Slice(snap.Allowances, func(i, j int) bool {
		if c := snap.Allowances[i].Owner.Cmp(snap.Allowances[j].Owner); c != 0 {
			return c < 0
		}
		return snap.Allowances[i].Spender.Cmp(snap.Allowances[j].Spender) < 0
	})
	return snap
}

// Restore replaces the bank state with snap.
func (b *Bank) Restore(snap Snapshot) error {
	supply, err := toAmount(snap.Supply)
	if err != nil {
		return fmt.Errorf("bank: restore supply: %w", err)
	}
	balances := make(map[common.Address]*uint256.Int, len(snap.Balances))
	for _, holding := range snap.Balances {
		amount, err := toAmount(holding.Amount)
		if err != nil {
			return fmt.Errorf("bank: restore balance of %s: %w", holding.Owner.Hex(), err)
		}
		balances[holding.Owner] = amount
	}
	allowances := make(map[allowanceKey]*uint256.Int, len(snap.Allowances))
	for _, grant := range snap.Allowances {
		amount, err := toAmount(grant.Amount)
		if err != nil {
			return fmt.Errorf("bank: restore allowance: %w", err)
		}
		allowances[allowanceKey{grant.Owner, grant.Spender}] = amount
	}
	b.supply = supply
	b.balances = balances
	b.allowances = allowances
	return nil
}

func toAmount(v *big.Int) (*uint256.Int, error) {
	if v == nil {
		return new(uint256.Int), nil
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("negative amount %s", v)
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		return nil, fmt.Errorf("amount %s overflows 256 bits", v)
	}
	return out, nil
}
