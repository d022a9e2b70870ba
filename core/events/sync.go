package events

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"cawnet/core/types"
)

const (
	// TypeOwnershipQueued is emitted when a canonical ownership change is
	// queued for an execution layer.
	TypeOwnershipQueued = "sync.ownershipQueued"
	// TypeMessageSent is emitted for every outbound cross-layer message.
	TypeMessageSent = "sync.messageSent"
	// TypeOwnerSynced is emitted when the execution mirror settles an owner.
	TypeOwnerSynced = "sync.ownerSynced"
	// TypeDepositApplied is emitted when a deposit reaches the execution ledger.
	TypeDepositApplied = "sync.depositApplied"
	// TypeClientAuthorized is emitted when a client flag is newly set.
	TypeClientAuthorized = "sync.clientAuthorized"
	// TypeWithdrawalCredited is emitted on the canonical layer when an
	// execution layer reports a withdrawal.
	TypeWithdrawalCredited = "sync.withdrawalCredited"
	// TypeWithdrawalReleased is emitted when escrowed funds leave the canonical
	// layer for the identity owner.
	TypeWithdrawalReleased = "sync.withdrawalReleased"
)

// OwnershipQueued captures a pending mirror update.
type OwnershipQueued struct {
	Layer types.Layer
	ID    types.IdentityID
	Owner common.Address
	Index uint64
}

// EventType satisfies the Event interface.
func (OwnershipQueued) EventType() string { return TypeOwnershipQueued }

// Event converts the structured payload into a broadcastable event.
func (e OwnershipQueued) Event() *types.Event {
	return &types.Event{Type: TypeOwnershipQueued, Layer: e.Layer, Attributes: map[string]string{
		"id":    e.ID.String(),
		"owner": formatAddress(e.Owner),
		"index": formatUint(e.Index),
	}}
}

// MessageSent captures an outbound cross-layer message.
type MessageSent struct {
	Source  types.Layer
	Dest    types.Layer
	Kind    string
	Seq     uint64
	Updates int
	Fee     *uint256.Int
}

// EventType satisfies the Event interface.
func (MessageSent) EventType() string { return TypeMessageSent }

// Event converts the structured payload into a broadcastable event.
func (e MessageSent) Event() *types.Event {
	return &types.Event{Type: TypeMessageSent, Layer: e.Source, Attributes: map[string]string{
		"dest":    e.Dest.String(),
		"kind":    e.Kind,
		"seq":     formatUint(e.Seq),
		"updates": formatUint(uint64(e.Updates)),
		"fee":     formatAmount(e.Fee),
	}}
}

// OwnerSynced captures the settled owner of an identity on an execution layer.
type OwnerSynced struct {
	Layer types.Layer
	ID    types.IdentityID
	Owner common.Address
	Index uint64
}

// EventType satisfies the Event interface.
func (OwnerSynced) EventType() string { return TypeOwnerSynced }

// Event converts the structured payload into a broadcastable event.
func (e OwnerSynced) Event() *types.Event {
	return &types.Event{Type: TypeOwnerSynced, Layer: e.Layer, Attributes: map[string]string{
		"id":    e.ID.String(),
		"owner": formatAddress(e.Owner),
		"index": formatUint(e.Index),
	}}
}

// DepositApplied captures a deposit credited to the execution ledger.
type DepositApplied struct {
	Layer  types.Layer
	ID     types.IdentityID
	Client types.ClientID
	Amount *uint256.Int
}

// EventType satisfies the Event interface.
func (DepositApplied) EventType() string { return TypeDepositApplied }

// Event converts the structured payload into a broadcastable event.
func (e DepositApplied) Event() *types.Event {
	return &types.Event{Type: TypeDepositApplied, Layer: e.Layer, Attributes: map[string]string{
		"id":     e.ID.String(),
		"client": formatUint(uint64(e.Client)),
		"amount": formatAmount(e.Amount),
	}}
}

// ClientAuthorized captures a newly granted client flag.
type ClientAuthorized struct {
	Layer  types.Layer
	ID     types.IdentityID
	Client types.ClientID
}

// EventType satisfies the Event interface.
func (ClientAuthorized) EventType() string { return TypeClientAuthorized }

// Event converts the structured payload into a broadcastable event.
func (e ClientAuthorized) Event() *types.Event {
	return &types.Event{Type: TypeClientAuthorized, Layer: e.Layer, Attributes: map[string]string{
		"id":     e.ID.String(),
		"client": formatUint(uint64(e.Client)),
	}}
}

// WithdrawalCredited captures a withdrawal reported by an execution layer.
type WithdrawalCredited struct {
	Layer  types.Layer
	Source types.Layer
	ID     types.IdentityID
	Amount *uint256.Int
}

// EventType satisfies the Event interface.
func (WithdrawalCredited) EventType() string { return TypeWithdrawalCredited }

// Event converts the structured payload into a broadcastable event.
func (e WithdrawalCredited) Event() *types.Event {
	return &types.Event{Type: TypeWithdrawalCredited, Layer: e.Layer, Attributes: map[string]string{
		"source": e.Source.String(),
		"id":     e.ID.String(),
		"amount": formatAmount(e.Amount),
	}}
}

// WithdrawalReleased captures escrowed funds paid out to an owner.
type WithdrawalReleased struct {
	Layer  types.Layer
	ID     types.IdentityID
	To     common.Address
	Amount *uint256.Int
}

// EventType satisfies the Event interface.
func (WithdrawalReleased) EventType() string { return TypeWithdrawalReleased }

// Event converts the structured payload into a broadcastable event.
func (e WithdrawalReleased) Event() *types.Event {
	return &types.Event{Type: TypeWithdrawalReleased, Layer: e.Layer, Attributes: map[string]string{
		"id":     e.ID.String(),
		"to":     formatAddress(e.To),
		"amount": formatAmount(e.Amount),
	}}
}
