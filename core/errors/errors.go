package errors

import (
	stderrors "errors"
	"fmt"
)

var (
	// ErrMalformedBatch aborts a whole batch before any action is touched.
	ErrMalformedBatch = stderrors.New("actions: malformed batch")
	// ErrMalformedAction rejects a single action whose fields are inconsistent.
	ErrMalformedAction = stderrors.New("actions: malformed action")
	ErrInvalidSigner   = stderrors.New("actions: invalid signer")
	// ErrInvalidCawonce is the class of every nonce mismatch.
	ErrInvalidCawonce = stderrors.New("actions: invalid cawonce")
	// ErrCawonceAlreadyUsed is returned for replays of a consumed cawonce.
	ErrCawonceAlreadyUsed  = fmt.Errorf("%w: already used", ErrInvalidCawonce)
	ErrNotAuthenticated    = stderrors.New("actions: user not authenticated")
	ErrInsufficientBalance = stderrors.New("ledger: insufficient balance")
	ErrAmountOverflow      = stderrors.New("ledger: amount overflow")

	// ErrInsufficientFee is returned when the supplied native value does not
	// cover the quoted cross-layer message fee.
	ErrInsufficientFee   = stderrors.New("sync: insufficient message fee")
	ErrNotOwner          = stderrors.New("sync: caller does not own identity")
	ErrUnknownClient     = stderrors.New("sync: unknown client")
	ErrUnknownLayer      = stderrors.New("sync: unknown layer")
	ErrNothingToWithdraw = stderrors.New("sync: nothing to withdraw")
	ErrUnknownIdentity   = stderrors.New("sync: unknown identity")
)
