package events

import (
	"strconv"

	"cawnet/core/types"
)

const (
	// TypeActionsProcessed is emitted once per batch with every accepted action.
	TypeActionsProcessed = "actions.processed"
	// TypeActionRejected is emitted for every action a batch rejected.
	TypeActionRejected = "actions.rejected"
)

// ActionsProcessed aggregates the accepted actions of one batch grouped by
// result bucket.
type ActionsProcessed struct {
	BatchID          string
	Layer            types.Layer
	ValidatorID      types.IdentityID
	Posts            []types.Action
	Interactions     []types.Action
	UserInteractions []types.Action
	Withdrawals      []types.Action
}

// EventType satisfies the Event interface.
func (ActionsProcessed) EventType() string { return TypeActionsProcessed }

// Accepted returns the number of accepted actions across all buckets.
func (e ActionsProcessed) Accepted() int {
	return len(e.Posts) + len(e.Interactions) + len(e.UserInteractions) + len(e.Withdrawals)
}

// Event converts the structured payload into a broadcastable event.
func (e ActionsProcessed) Event() *types.Event {
	return &types.Event{
		Type:  TypeActionsProcessed,
		Layer: e.Layer,
		Attributes: map[string]string{
			"batchId":          e.BatchID,
			"validatorId":      e.ValidatorID.String(),
			"posts":            strconv.Itoa(len(e.Posts)),
			"interactions":     strconv.Itoa(len(e.Interactions)),
			"userInteractions": strconv.Itoa(len(e.UserInteractions)),
			"withdrawals":      strconv.Itoa(len(e.Withdrawals)),
		},
	}
}

// ActionRejected records why a single action was not applied. Reason is the
// machine-readable code, Message the text shown to clients.
type ActionRejected struct {
	BatchID  string
	Layer    types.Layer
	Index    int
	Type     types.ActionType
	SenderID types.IdentityID
	Cawonce  uint32
	Reason   string
	Message  string
}

// EventType satisfies the Event interface.
func (ActionRejected) EventType() string { return TypeActionRejected }

// Event converts the structured payload into a broadcastable event.
func (e ActionRejected) Event() *types.Event {
	return &types.Event{
		Type:  TypeActionRejected,
		Layer: e.Layer,
		Attributes: map[string]string{
			"batchId":  e.BatchID,
			"index":    strconv.Itoa(e.Index),
			"action":   e.Type.String(),
			"senderId": e.SenderID.String(),
			"cawonce":  formatUint(uint64(e.Cawonce)),
			"reason":   e.Reason,
			"message":  e.Message,
		},
	}
}
