// Package ledger implements the stake-weighted reward ledger. Every identity
// holds raw units; its visible balance is units*accumulator/Precision, so
// growing the single global accumulator pays every staker at once without
// touching individual accounts.
package ledger

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/holiman/uint256"

	cerrors "cawnet/core/errors"
	"cawnet/core/types"
)

// BasisPoints is the denominator of staker share ratios.
const BasisPoints uint32 = 10_000

var precision = uint256.NewInt(1_000_000_000_000_000_000)

// Precision returns the fixed-point scale of the accumulator.
func Precision() *uint256.Int { return new(uint256.Int).Set(precision) }

// EmptyPoolPolicy decides where a staker portion goes when nobody but the
// acting sender holds stake.
type EmptyPoolPolicy string

const (
	// CreditReceiver pays the staker portion to the named receiver and burns it
	// when the action has no receiver.
	CreditReceiver EmptyPoolPolicy = "credit-receiver"
	// Burn always burns the staker portion.
	Burn EmptyPoolPolicy = "burn"
)

// ParseEmptyPoolPolicy validates a configured policy name. An empty name
// selects CreditReceiver.
func ParseEmptyPoolPolicy(name string) (EmptyPoolPolicy, error) {
	switch EmptyPoolPolicy(name) {
	case "", CreditReceiver:
		return CreditReceiver, nil
	case Burn:
		return Burn, nil
	default:
		return "", fmt.Errorf("ledger: unknown empty pool policy %q", name)
	}
}

// Split reports how Distribute allocated an amount.
type Split struct {
	Amount          *uint256.Int
	ReceiverPortion *uint256.Int
	StakerPortion   *uint256.Int
	// Redirected is the part of the staker portion paid to the receiver
	// because the staker pool was empty.
	Redirected *uint256.Int
	// Burned is the part of the staker portion destroyed because the staker
	// pool was empty.
	Burned *uint256.Int
	// DustPool is set when other stakers existed but held less value than the
	// staker portion, so the pool was treated as empty.
	DustPool bool
}

// Ledger is not safe for concurrent use; the owning node serialises access.
type Ledger struct {
	units       map[types.IdentityID]*uint256.Int
	totalUnits  *uint256.Int
	accumulator *uint256.Int
	burned      *uint256.Int
	policy      EmptyPoolPolicy

	journal *journal
}

// journal holds the state an open change set started from.
type journal struct {
	totalUnits  *uint256.Int
	accumulator *uint256.Int
	burned      *uint256.Int
	// previous units per touched account; nil marks an account that did not
	// exist.
	accounts map[types.IdentityID]*uint256.Int
}

// New returns an empty ledger with the accumulator at one.
func New(policy EmptyPoolPolicy) *Ledger {
	if policy == "" {
		policy = CreditReceiver
	}
	return &Ledger{
		units:       make(map[types.IdentityID]*uint256.Int),
		totalUnits:  new(uint256.Int),
		accumulator: Precision(),
		burned:      new(uint256.Int),
		policy:      policy,
	}
}

// Policy returns the configured empty pool policy.
func (l *Ledger) Policy() EmptyPoolPolicy { return l.policy }

// Accumulator returns a copy of the global reward accumulator.
func (l *Ledger) Accumulator() *uint256.Int { return new(uint256.Int).Set(l.accumulator) }

// TotalUnits returns a copy of the sum of all raw units.
func (l *Ledger) TotalUnits() *uint256.Int { return new(uint256.Int).Set(l.totalUnits) }

// Burned returns the total value destroyed by the empty pool policy.
func (l *Ledger) Burned() *uint256.Int { return new(uint256.Int).Set(l.burned) }

// Units returns a copy of the raw units held by id.
func (l *Ledger) Units(id types.IdentityID) *uint256.Int {
	if u, ok := l.units[id]; ok {
		return new(uint256.Int).Set(u)
	}
	return new(uint256.Int)
}

// BalanceOf returns the visible balance of id.
func (l *Ledger) BalanceOf(id types.IdentityID) *uint256.Int {
	u, ok := l.units[id]
	if !ok {
		return new(uint256.Int)
	}
	value, _ := l.toValue(u)
	return value
}

// TotalValue returns the visible value of all stake.
func (l *Ledger) TotalValue() *uint256.Int {
	value, _ := l.toValue(l.totalUnits)
	return value
}

// Deposit credits amount to id. It is the only way value enters the ledger.
func (l *Ledger) Deposit(id types.IdentityID, amount *uint256.Int) error {
	return l.credit(id, amount)
}

// Withdraw removes amount from id. It is the only way value leaves the ledger
// apart from burns.
func (l *Ledger) Withdraw(id types.IdentityID, amount *uint256.Int) error {
	return l.debit(id, amount)
}

// ApplyCost debits the cost of an action from id. The caller is expected to
// hand the same amount to Distribute.
func (l *Ledger) ApplyCost(id types.IdentityID, amount *uint256.Int) error {
	return l.debit(id, amount)
}

// Transfer moves amount from one identity to another.
func (l *Ledger) Transfer(from, to types.IdentityID, amount *uint256.Int) error {
	if err := l.debit(from, amount); err != nil {
		return err
	}
	return l.credit(to, amount)
}

// Distribute spreads amount between receiver and every staker other than
// sender. stakerShareBps is the staker share in basis points; the receiver gets
// the floor of the remainder and any rounding remainder goes to stakers.
//
// The staker portion follows the empty pool policy when the other stakers hold
// nothing or hold less value than the portion itself, so one distribution at
// most doubles the accumulator.
func (l *Ledger) Distribute(sender types.IdentityID, amount *uint256.Int, receiver types.IdentityID, stakerShareBps uint32) (Split, error) {
	if stakerShareBps > BasisPoints {
		return Split{}, fmt.Errorf("ledger: staker share %d exceeds %d bps", stakerShareBps, BasisPoints)
	}
	split := Split{
		Amount:          new(uint256.Int),
		ReceiverPortion: new(uint256.Int),
		StakerPortion:   new(uint256.Int),
		Redirected:      new(uint256.Int),
		Burned:          new(uint256.Int),
	}
	if amount == nil || amount.IsZero() {
		return split, nil
	}
	split.Amount.Set(amount)
	if !receiver.IsZero() {
		receiverBps := uint256.NewInt(uint64(BasisPoints - stakerShareBps))
		portion, overflow := new(uint256.Int).MulDivOverflow(amount, receiverBps, uint256.NewInt(uint64(BasisPoints)))
		if overflow {
			return Split{}, cerrors.ErrAmountOverflow
		}
		split.ReceiverPortion.Set(portion)
	}
	split.StakerPortion.Sub(amount, split.ReceiverPortion)

	payReceiver := new(uint256.Int).Set(split.ReceiverPortion)
	if !split.StakerPortion.IsZero() {
		senderUnits := l.Units(sender)
		others := new(uint256.Int).Sub(l.totalUnits, senderUnits)
		empty := others.IsZero()
		if !empty {
			// A pool worth less than the portion would more than double the
			// accumulator and coarsen every raw unit. Dust pools count as empty.
			value, overflow := l.toValue(others)
			if overflow {
				return Split{}, cerrors.ErrAmountOverflow
			}
			empty = value.Lt(split.StakerPortion)
			split.DustPool = empty
		}
		if empty {
			if l.policy == CreditReceiver && !receiver.IsZero() {
				split.Redirected.Set(split.StakerPortion)
				payReceiver.Add(payReceiver, split.StakerPortion)
			} else {
				split.Burned.Set(split.StakerPortion)
				l.burned = new(uint256.Int).Add(l.burned, split.StakerPortion)
			}
		} else if err := l.reward(sender, senderUnits, others, split.StakerPortion); err != nil {
			return Split{}, err
		}
	}
	if !payReceiver.IsZero() {
		if err := l.credit(receiver, payReceiver); err != nil {
			return Split{}, err
		}
	}
	return split, nil
}

// reward grows the accumulator so that the holders of others units gain
// stakerPortion in aggregate, then re-bases the sender so its balance is not
// affected by the bump.
func (l *Ledger) reward(sender types.IdentityID, senderUnits, others, stakerPortion *uint256.Int) error {
	senderBalance, overflow := l.toValue(senderUnits)
	if overflow {
		return cerrors.ErrAmountOverflow
	}
	delta, overflow := new(uint256.Int).MulDivOverflow(stakerPortion, precision, others)
	if overflow {
		return cerrors.ErrAmountOverflow
	}
	next, overflow := new(uint256.Int).AddOverflow(l.accumulator, delta)
	if overflow {
		return cerrors.ErrAmountOverflow
	}
	l.accumulator = next
	if senderUnits.IsZero() {
		return nil
	}
	rebased, overflow := l.toUnits(senderBalance)
	if overflow {
		return cerrors.ErrAmountOverflow
	}
	l.setUnits(sender, senderUnits, rebased)
	return nil
}

func (l *Ledger) credit(id types.IdentityID, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	added, overflow := l.toUnits(amount)
	if overflow {
		return cerrors.ErrAmountOverflow
	}
	current := l.Units(id)
	next, overflow := new(uint256.Int).AddOverflow(current, added)
	if overflow {
		return cerrors.ErrAmountOverflow
	}
	l.setUnits(id, current, next)
	return nil
}

func (l *Ledger) debit(id types.IdentityID, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	balance := l.BalanceOf(id)
	if balance.Lt(amount) {
		return fmt.Errorf("%w: identity %d has %s, needs %s", cerrors.ErrInsufficientBalance, id, balance.Dec(), amount.Dec())
	}
	remaining := new(uint256.Int).Sub(balance, amount)
	next, overflow := l.toUnits(remaining)
	if overflow {
		return cerrors.ErrAmountOverflow
	}
	l.setUnits(id, l.Units(id), next)
	return nil
}

func (l *Ledger) setUnits(id types.IdentityID, previous, next *uint256.Int) {
	if l.journal != nil {
		if _, seen := l.journal.accounts[id]; !seen {
			var before *uint256.Int
			if current, ok := l.units[id]; ok {
				before = new(uint256.Int).Set(current)
			}
			l.journal.accounts[id] = before
		}
	}
	l.totalUnits.Sub(l.totalUnits, previous)
	l.totalUnits.Add(l.totalUnits, next)
	l.units[id] = next
}

// Begin opens a change set. Every mutation until Commit or Rollback can be
// undone as a whole. Change sets do not nest.
func (l *Ledger) Begin() {
	l.journal = &journal{
		totalUnits:  new(uint256.Int).Set(l.totalUnits),
		accumulator: l.accumulator,
		burned:      l.burned,
		accounts:    make(map[types.IdentityID]*uint256.Int),
	}
}

// Commit keeps the changes of the open change set.
func (l *Ledger) Commit() { l.journal = nil }

// Rollback restores the state from before Begin.
func (l *Ledger) Rollback() {
	j := l.journal
	if j == nil {
		return
	}
	for id, before := range j.accounts {
		if before == nil {
			delete(l.units, id)
			continue
		}
		l.units[id] = before
	}
	l.totalUnits = j.totalUnits
	l.accumulator = j.accumulator
	l.burned = j.burned
	l.journal = nil
}

func (l *Ledger) toUnits(amount *uint256.Int) (*uint256.Int, bool) {
	return new(uint256.Int).MulDivOverflow(amount, precision, l.accumulator)
}

func (l *Ledger) toValue(units *uint256.Int) (*uint256.Int, bool) {
	return new(uint256.Int).MulDivOverflow(units, l.accumulator, precision)
}

// AccountUnits is the persisted form of one stake account.
type AccountUnits struct {
	ID    uint32
	Units *big.Int
}

// Snapshot is the rlp-encodable state of a ledger.
type Snapshot struct {
	Accumulator *big.Int
	Burned      *big.Int
	Accounts    []AccountUnits
}

// Snapshot captures the ledger state with accounts ordered by identity.
func (l *Ledger) Snapshot() Snapshot {
	snap := Snapshot{
		Accumulator: l.accumulator.ToBig(),
		Burned:      l.burned.ToBig(),
		Accounts:    make([]AccountUnits, 0, len(l.units)),
	}
	for id, units := range l.units {
		snap.Accounts = append(snap.Accounts, AccountUnits{ID: uint32(id), Units: units.ToBig()})
	}
	sort.Slice(snap.Accounts, func(i, j int) bool { return snap.Accounts[i].ID < snap.Accounts[j].ID })
	return snap
}

// Restore replaces the ledger state with snap.
func (l *Ledger) Restore(snap Snapshot) error {
	acc, overflow := fromBig(snap.Accumulator)
	if overflow || acc.Lt(precision) {
		return fmt.Errorf("ledger: invalid accumulator in snapshot")
	}
	burned, overflow := fromBig(snap.Burned)
	if overflow {
		return fmt.Errorf("ledger: invalid burned total in snapshot")
	}
	units := make(map[types.IdentityID]*uint256.Int, len(snap.Accounts))
	total := new(uint256.Int)
	for _, entry := range snap.Accounts {
		u, overflow := fromBig(entry.Units)
		if overflow {
			return fmt.Errorf("ledger: invalid units for identity %d", entry.ID)
		}
		units[types.IdentityID(entry.ID)] = u
		total.Add(total, u)
	}
	l.units = units
	l.totalUnits = total
	l.accumulator = acc
	l.burned = burned
	return nil
}

func fromBig(value *big.Int) (*uint256.Int, bool) {
	if value == nil {
		return new(uint256.Int), false
	}
	if value.Sign() < 0 {
		return nil, true
	}
	return uint256.FromBig(value)
}
