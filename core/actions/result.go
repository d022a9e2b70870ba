package actions

import (
	"errors"
	"sort"

	cerrors "cawnet/core/errors"
	"cawnet/core/sync"
	"cawnet/core/types"
)

// Reason is the machine-readable cause of a rejected action.
type Reason string

const (
	ReasonMalformedAction     Reason = "MalformedAction"
	ReasonInvalidSigner       Reason = "InvalidSigner"
	ReasonNonceAlreadyUsed    Reason = "NonceAlreadyUsed"
	ReasonInvalidNonce        Reason = "InvalidNonce"
	ReasonNotAuthenticated    Reason = "NotAuthenticated"
	ReasonInsufficientBalance Reason = "InsufficientBalance"
	ReasonInternal            Reason = "Internal"
)

var reasonMessages = map[Reason]string{
	ReasonMalformedAction:     "Malformed action",
	ReasonInvalidSigner:       "Invalid signer",
	ReasonNonceAlreadyUsed:    "Cawonce already used",
	ReasonInvalidNonce:        "Invalid cawonce",
	ReasonNotAuthenticated:    "User not authenticated",
	ReasonInsufficientBalance: "Insufficient CAW balance",
	ReasonInternal:            "Internal error",
}

// Message returns the text clients display for the reason.
func (r Reason) Message() string {
	if msg, ok := reasonMessages[r]; ok {
		return msg
	}
	return string(r)
}

// ReasonFor classifies a per-action error.
func ReasonFor(err error) Reason {
	switch {
	case errors.Is(err, cerrors.ErrMalformedAction):
		return ReasonMalformedAction
	case errors.Is(err, cerrors.ErrInvalidSigner):
		return ReasonInvalidSigner
	case errors.Is(err, cerrors.ErrCawonceAlreadyUsed):
		return ReasonNonceAlreadyUsed
	case errors.Is(err, cerrors.ErrInvalidCawonce):
		return ReasonInvalidNonce
	case errors.Is(err, cerrors.ErrNotAuthenticated):
		return ReasonNotAuthenticated
	case errors.Is(err, cerrors.ErrInsufficientBalance), errors.Is(err, cerrors.ErrAmountOverflow):
		return ReasonInsufficientBalance
	default:
		return ReasonInternal
	}
}

// Rejection describes an action a batch did not apply.
type Rejection struct {
	Index  int
	Action types.Action
	Reason Reason
	Err    error
}

// Message returns the client-facing rejection text.
func (r Rejection) Message() string { return r.Reason.Message() }

// BatchResult lists the accepted actions per bucket and every rejection.
type BatchResult struct {
	BatchID          string
	ValidatorID      types.IdentityID
	Posts            []types.Action
	Interactions     []types.Action
	UserInteractions []types.Action
	Withdrawals      []types.Action
	Rejections       []Rejection
	// WithdrawalFee is what the outbound withdrawal notice cost, zero when
	// no withdrawal was accepted.
	WithdrawalFee sync.Fee
}

// Accepted returns the number of applied actions.
func (r *BatchResult) Accepted() int {
	return len(r.Posts) + len(r.Interactions) + len(r.UserInteractions) + len(r.Withdrawals)
}

func (r *BatchResult) add(action types.Action) {
	switch action.Type.Bucket() {
	case types.BucketPosts:
		r.Posts = append(r.Posts, action)
	case types.BucketInteractions:
		r.Interactions = append(r.Interactions, action)
	case types.BucketUserInteractions:
		r.UserInteractions = append(r.UserInteractions, action)
	default:
		r.Withdrawals = append(r.Withdrawals, action)
	}
}

func sortCawonces(entries []CawonceEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
}
