package sync

import (
	"fmt"

	"github.com/holiman/uint256"

	cerrors "cawnet/core/errors"
)

// Fee is the price of one cross-layer message, split between the native
// currency and the messaging token.
type Fee struct {
	Native       *uint256.Int `json:"native"`
	MessageToken *uint256.Int `json:"messageToken"`
}

// ZeroFee returns a fee with both components set to zero.
func ZeroFee() Fee {
	return Fee{Native: new(uint256.Int), MessageToken: new(uint256.Int)}
}

// IsZero reports whether nothing has to be paid.
func (f Fee) IsZero() bool {
	return amountOrZero(f.Native).IsZero() && amountOrZero(f.MessageToken).IsZero()
}

// Cover returns ErrInsufficientFee unless value pays the native component and
// messageFee pays the messaging token component.
func (f Fee) Cover(messageFee, value *uint256.Int) error {
	if amountOrZero(value).Lt(amountOrZero(f.Native)) {
		return fmt.Errorf("%w: native %s < %s", cerrors.ErrInsufficientFee, amountOrZero(value).Dec(), amountOrZero(f.Native).Dec())
	}
	if amountOrZero(messageFee).Lt(amountOrZero(f.MessageToken)) {
		return fmt.Errorf("%w: message token %s < %s", cerrors.ErrInsufficientFee, amountOrZero(messageFee).Dec(), amountOrZero(f.MessageToken).Dec())
	}
	return nil
}

// FeeSchedule prices messages by payload size.
type FeeSchedule struct {
	BaseNative    *uint256.Int
	PerByteNative *uint256.Int
	MessageToken  *uint256.Int
}

// Quote prices a payload of the given length.
func (s FeeSchedule) Quote(size int) Fee {
	native := new(uint256.Int).Mul(amountOrZero(s.PerByteNative), uint256.NewInt(uint64(size)))
	native.Add(native, amountOrZero(s.BaseNative))
	return Fee{Native: native, MessageToken: new(uint256.Int).Set(amountOrZero(s.MessageToken))}
}

func amountOrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}
