package sync

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"cawnet/core/types"
)

// MessageKind tags the body of an envelope.
type MessageKind uint8

const (
	// KindOwnership carries only pending ownership updates.
	KindOwnership MessageKind = iota + 1
	// KindDeposit carries updates and a deposit for one identity.
	KindDeposit
	// KindAuthenticate carries updates and a client authorization.
	KindAuthenticate
	// KindWithdrawals carries withdrawal notices from an execution layer.
	KindWithdrawals
)

func (k MessageKind) String() string {
	switch k {
	case KindOwnership:
		return "ownership"
	case KindDeposit:
		return "deposit"
	case KindAuthenticate:
		return "authenticate"
	case KindWithdrawals:
		return "withdrawals"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// OwnershipUpdate moves the cached owner of ID on an execution layer. Final is
// set on the last update for ID within one flushed range.
type OwnershipUpdate struct {
	Index uint64
	ID    types.IdentityID
	Owner common.Address
	Final bool
}

// WithdrawalNotice reports an amount debited on an execution layer that the
// canonical layer should release from escrow.
type WithdrawalNotice struct {
	ID     types.IdentityID
	Amount *big.Int
}

// Envelope is the rlp-encoded unit exchanged between layers. Seq numbers the
// envelopes a source sends to one destination, starting at 1.
type Envelope struct {
	Source      types.Layer
	Seq         uint64
	Kind        MessageKind
	Updates     []OwnershipUpdate
	Identity    types.IdentityID
	Client      types.ClientID
	Amount      *big.Int
	Withdrawals []WithdrawalNotice
}

// AmountValue returns the envelope amount as a uint256.
func (e *Envelope) AmountValue() (*uint256.Int, error) {
	return bigToAmount(e.Amount)
}

// EncodeEnvelope serialises an envelope.
func EncodeEnvelope(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("nil envelope")
	}
	if env.Amount == nil {
		env.Amount = new(big.Int)
	}
	for i := range env.Withdrawals {
		if env.Withdrawals[i].Amount == nil {
			env.Withdrawals[i].Amount = new(big.Int)
		}
	}
	return rlp.EncodeToBytes(env)
}

// DecodeEnvelope parses a payload produced by EncodeEnvelope.
func DecodeEnvelope(payload []byte) (*Envelope, error) {
	env := new(Envelope)
	if err := rlp.DecodeBytes(payload, env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Seq == 0 {
		return nil, fmt.Errorf("decode envelope: zero sequence")
	}
	return env, nil
}

func bigToAmount(v *big.Int) (*uint256.Int, error) {
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

func amountToBig(v *uint256.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v.ToBig()
}
