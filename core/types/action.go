package types

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
)

// ActionType enumerates the user intents accepted by the action processor. The
// numeric values are part of the signed payload and must not change.
type ActionType uint8

const (
	ActionPost ActionType = iota
	ActionLike
	ActionUnlike
	ActionShare
	ActionFollow
	ActionUnfollow
	ActionWithdraw
	ActionNoop
)

var actionTypeNames = [...]string{
	ActionPost:     "caw",
	ActionLike:     "like",
	ActionUnlike:   "unlike",
	ActionShare:    "recaw",
	ActionFollow:   "follow",
	ActionUnfollow: "unfollow",
	ActionWithdraw: "withdraw",
	ActionNoop:     "noop",
}

// Valid reports whether the action type is known.
func (t ActionType) Valid() bool { return int(t) < len(actionTypeNames) }

func (t ActionType) String() string {
	if !t.Valid() {
		return fmt.Sprintf("action(%d)", uint8(t))
	}
	return actionTypeNames[t]
}

// ActionTypes returns every known action type in wire order.
func ActionTypes() []ActionType {
	out := make([]ActionType, len(actionTypeNames))
	for i := range actionTypeNames {
		out[i] = ActionType(i)
	}
	return out
}

// ParseActionType resolves the client-facing action name ("caw", "like", ...).
// "post" and "share" are accepted as aliases.
func ParseActionType(name string) (ActionType, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	switch normalized {
	case "post":
		return ActionPost, nil
	case "share":
		return ActionShare, nil
	}
	for i, candidate := range actionTypeNames {
		if candidate == normalized {
			return ActionType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown action type %q", name)
}

// Bucket groups accepted actions in the aggregated result event.
type Bucket uint8

const (
	BucketPosts Bucket = iota
	BucketInteractions
	BucketUserInteractions
	BucketWithdrawals
)

// Bucket returns the result bucket the action type is reported under.
func (t ActionType) Bucket() Bucket {
	switch t {
	case ActionPost:
		return BucketPosts
	case ActionLike, ActionUnlike, ActionShare:
		return BucketInteractions
	case ActionFollow, ActionUnfollow:
		return BucketUserInteractions
	default:
		return BucketWithdrawals
	}
}

// Action is a user intent. It carries no authority of its own: the processor
// only applies it after the accompanying signature recovers to the sender's
// cached owner.
type Action struct {
	Type            ActionType     `json:"actionType"`
	SenderID        IdentityID     `json:"senderId"`
	ReceiverID      IdentityID     `json:"receiverId"`
	ReceiverCawonce uint32         `json:"receiverCawonce"`
	ClientID        ClientID       `json:"clientId"`
	Cawonce         uint32         `json:"cawonce"`
	Recipients      []IdentityID   `json:"recipients"`
	Amounts         []*uint256.Int `json:"amounts"`
	Text            string         `json:"text,omitempty"`
}

// CawID derives the identifier of the caw created by a post action.
func CawID(sender IdentityID, cawonce uint32) uint64 {
	return uint64(sender)<<32 | uint64(cawonce)
}

// CawID returns the identifier of the caw this action creates.
func (a Action) CawID() uint64 { return CawID(a.SenderID, a.Cawonce) }

// TargetCawID returns the identifier of the caw an interaction refers to.
func (a Action) TargetCawID() uint64 { return CawID(a.ReceiverID, a.ReceiverCawonce) }

// WithdrawAmount returns the amount a withdraw action debits from the sender.
// The first amount entry is the withdrawal; any further entries are tips.
func (a Action) WithdrawAmount() *uint256.Int {
	if a.Type != ActionWithdraw || len(a.Amounts) == 0 || a.Amounts[0] == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(a.Amounts[0])
}

// Tips returns the recipient/amount pairs that move value from the sender to
// other identities.
func (a Action) Tips() ([]IdentityID, []*uint256.Int) {
	if a.Type == ActionWithdraw {
		if len(a.Recipients) <= 1 || len(a.Amounts) <= 1 {
			return nil, nil
		}
		return a.Recipients[1:], a.Amounts[1:]
	}
	return a.Recipients, a.Amounts
}

// Signature is a secp256k1 recoverable signature. V is 27 or 28 (0 and 1 are
// accepted and normalised).
type Signature struct {
	V uint8
	R [32]byte
	S [32]byte
}

// SignatureFromBytes splits a 65-byte r||s||v signature.
func SignatureFromBytes(raw []byte) (Signature, error) {
	if len(raw) != 65 {
		return Signature{}, fmt.Errorf("signature must be 65 bytes, got %d", len(raw))
	}
	var sig Signature
	copy(sig.R[:], raw[:32])
	copy(sig.S[:], raw[32:64])
	sig.V = raw[64]
	if sig.V < 27 {
		sig.V += 27
	}
	return sig, nil
}

// Bytes renders the signature as r||s||v with v in {27, 28}.
func (s Signature) Bytes() []byte {
	out := make([]byte, 65)
	copy(out[:32], s.R[:])
	copy(out[32:64], s.S[:])
	out[64] = s.V
	return out
}

// RecoveryBytes renders the signature with v in {0, 1} as expected by
// secp256k1 public key recovery.
func (s Signature) RecoveryBytes() []byte {
	out := s.Bytes()
	if out[64] >= 27 {
		out[64] -= 27
	}
	return out
}

// MarshalText encodes the signature as 0x-prefixed hex.
func (s Signature) MarshalText() ([]byte, error) {
	return []byte(hexutil.Encode(s.Bytes())), nil
}

// UnmarshalText decodes a 0x-prefixed hex signature.
func (s *Signature) UnmarshalText(text []byte) error {
	raw, err := hexutil.Decode(string(text))
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	sig, err := SignatureFromBytes(raw)
	if err != nil {
		return err
	}
	*s = sig
	return nil
}
