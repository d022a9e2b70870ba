package actions

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	cerrors "cawnet/core/errors"
	"cawnet/core/events"
	"cawnet/core/types"
)

func TestReferenceScenarioInOneBatch(t *testing.T) {
	f := newFixture(t, 10_000, 40_000, 10_000)

	result := f.process(
		post(1, 0, "first caw"),
		post(2, 0, "second caw"),
		interact(types.ActionLike, 3, 2, 0, 0),
		interact(types.ActionFollow, 2, 1, 0, 1),
		interact(types.ActionShare, 1, 2, 0, 1),
	)
	require.Empty(t, result.Rejections)
	require.Len(t, result.Posts, 2)
	require.Len(t, result.Interactions, 2)
	require.Len(t, result.UserInteractions, 1)
	require.Empty(t, result.Withdrawals)

	f.requireTokens(1, "28704.3552")
	f.requireTokens(2, "13744.1548")
	f.requireTokens(3, "17551.4900")

	require.Equal(t, uint32(2), f.proc.NextCawonce(1))
	require.Equal(t, uint32(2), f.proc.NextCawonce(2))
	require.Equal(t, uint32(1), f.proc.NextCawonce(3))

	processed := f.recorder.OfType(events.TypeActionsProcessed)
	require.Len(t, processed, 1)
	ev := processed[0].(events.ActionsProcessed)
	require.Equal(t, result.BatchID, ev.BatchID)
	require.Equal(t, types.IdentityID(99), ev.ValidatorID)
	require.Equal(t, 5, ev.Accepted())
	require.Empty(t, f.recorder.OfType(events.TypeActionRejected))
}

func TestStepwiseSplits(t *testing.T) {
	f := newFixture(t, 10_000, 40_000, 10_000)

	f.process(post(1, 0, ""))
	f.requireTokens(1, "5000")
	f.requireTokens(2, "44000")
	f.requireTokens(3, "11000")

	f.process(post(2, 0, ""))
	f.requireTokens(1, "6562.5")
	f.requireTokens(2, "39000")
	f.requireTokens(3, "14437.5")

	f.process(interact(types.ActionLike, 3, 2, 0, 0))
	f.requireTokens(1, "6620.1132")
	f.requireTokens(2, "40942.3868")
	f.requireTokens(3, "12437.5")

	f.process(interact(types.ActionFollow, 2, 1, 0, 1))
	f.requireTokens(1, "32704.3552")
	f.requireTokens(2, "10942.3868")
	f.requireTokens(3, "16353.2579")
}

func TestReplayIsRejected(t *testing.T) {
	f := newFixture(t, 20_000, 20_000)
	action := post(1, 0, "hello")

	result := f.process(action, action)
	require.Len(t, result.Posts, 1)
	require.Len(t, result.Rejections, 1)
	require.Equal(t, ReasonNonceAlreadyUsed, result.Rejections[0].Reason)
	require.Equal(t, "Cawonce already used", result.Rejections[0].Message())
	require.True(t, errors.Is(result.Rejections[0].Err, cerrors.ErrInvalidCawonce))

	before := f.ledger.BalanceOf(1)
	result = f.process(action)
	require.Empty(t, result.Posts)
	require.Equal(t, ReasonNonceAlreadyUsed, result.Rejections[0].Reason)
	require.True(t, f.ledger.BalanceOf(1).Eq(before))

	rejected := f.recorder.OfType(events.TypeActionRejected)
	require.Len(t, rejected, 2)
	require.Equal(t, "Cawonce already used", rejected[0].(events.ActionRejected).Message)
}

func TestFutureCawonceIsRejected(t *testing.T) {
	f := newFixture(t, 20_000, 20_000)
	result := f.process(post(1, 3, ""))
	require.Len(t, result.Rejections, 1)
	require.Equal(t, ReasonInvalidNonce, result.Rejections[0].Reason)
	require.False(t, errors.Is(result.Rejections[0].Err, cerrors.ErrCawonceAlreadyUsed))
	require.True(t, errors.Is(result.Rejections[0].Err, cerrors.ErrInvalidCawonce))
	require.Zero(t, f.proc.NextCawonce(1))
}

func TestInvalidSigner(t *testing.T) {
	f := newFixture(t, 20_000, 20_000)
	action := post(1, 0, "")
	forged := f.sign(action, f.keys[2])

	result, err := f.proc.ProcessBatch(context.Background(), 99, []types.Signature{forged}, []types.Action{action}, nil)
	require.NoError(t, err)
	require.Len(t, result.Rejections, 1)
	require.Equal(t, ReasonInvalidSigner, result.Rejections[0].Reason)
	require.Equal(t, "Invalid signer", result.Rejections[0].Message())
	require.Zero(t, f.proc.NextCawonce(1))
	f.requireTokens(1, "20000")

	// A sender the mirror has never seen cannot act either.
	stranger := post(7, 0, "")
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	result, err = f.proc.ProcessBatch(context.Background(), 99, []types.Signature{f.sign(stranger, key)}, []types.Action{stranger}, nil)
	require.NoError(t, err)
	require.Equal(t, ReasonInvalidSigner, result.Rejections[0].Reason)
}

func TestOwnershipChangeRevokesPreviousKey(t *testing.T) {
	f := newFixture(t, 20_000, 20_000)
	oldKey := f.keys[1]
	f.process(post(1, 0, ""))

	// The mirror learns about a transfer of identity 1.
	newKey := f.addIdentity(1)

	stale := post(1, 1, "")
	result, err := f.proc.ProcessBatch(context.Background(), 99, []types.Signature{f.sign(stale, oldKey)}, []types.Action{stale}, nil)
	require.NoError(t, err)
	require.Equal(t, ReasonInvalidSigner, result.Rejections[0].Reason)

	result, err = f.proc.ProcessBatch(context.Background(), 99, []types.Signature{f.sign(stale, newKey)}, []types.Action{stale}, nil)
	require.NoError(t, err)
	require.Empty(t, result.Rejections)
}

func TestUnauthenticatedClientIsRejected(t *testing.T) {
	f := newFixture(t, 20_000, 20_000)
	action := post(1, 0, "")
	action.ClientID = 2

	result := f.process(action)
	require.Equal(t, ReasonNotAuthenticated, result.Rejections[0].Reason)
	require.Equal(t, "User not authenticated", result.Rejections[0].Message())
	require.Zero(t, f.proc.NextCawonce(1))

	f.auth.Authorize(1, 2)
	result = f.process(action)
	require.Empty(t, result.Rejections)
}

func TestInsufficientBalanceLeavesStateUntouched(t *testing.T) {
	f := newFixture(t, 1_000, 20_000)
	before1, before2 := f.ledger.BalanceOf(1), f.ledger.BalanceOf(2)

	result := f.process(post(1, 0, ""))
	require.Equal(t, ReasonInsufficientBalance, result.Rejections[0].Reason)
	require.Equal(t, "Insufficient CAW balance", result.Rejections[0].Message())

	// A like is affordable on its own but not with a large tip attached.
	like := interact(types.ActionLike, 2, 1, 0, 0)
	like.Recipients = []types.IdentityID{1}
	like.Amounts = []*uint256.Int{types.Tokens(10_000_000)}
	result = f.process(like)
	require.Equal(t, ReasonInsufficientBalance, result.Rejections[0].Reason)

	require.True(t, f.ledger.BalanceOf(1).Eq(before1))
	require.True(t, f.ledger.BalanceOf(2).Eq(before2))
	require.Zero(t, f.proc.NextCawonce(1))
	require.Zero(t, f.proc.NextCawonce(2))
}

func TestTipsMoveValueToRecipients(t *testing.T) {
	f := newFixture(t, 10_000, 10_000, 10_000)
	unlike := interact(types.ActionUnlike, 1, 2, 0, 0)
	unlike.Recipients = []types.IdentityID{2, 3}
	unlike.Amounts = []*uint256.Int{types.Tokens(100), types.Tokens(250)}

	result := f.process(unlike)
	require.Empty(t, result.Rejections)
	f.requireTokens(1, "9650")
	f.requireTokens(2, "10100")
	f.requireTokens(3, "10250")
}

func TestFailedRedistributionRollsBack(t *testing.T) {
	f := newFixture(t, 10_000, 10_000)
	nearMax := new(uint256.Int).Sub(new(uint256.Int).SetAllOne(), uint256.NewInt(5))
	require.NoError(t, f.ledger.Deposit(5, nearMax))
	before := []*uint256.Int{f.ledger.BalanceOf(1), f.ledger.BalanceOf(2), f.ledger.BalanceOf(5)}

	// The second tip overflows the recipient after the first one landed.
	unlike := interact(types.ActionUnlike, 1, 2, 0, 0)
	unlike.Recipients = []types.IdentityID{2, 5}
	unlike.Amounts = []*uint256.Int{types.Tokens(100), uint256.NewInt(10)}
	result := f.process(unlike)
	require.Len(t, result.Rejections, 1)
	require.True(t, errors.Is(result.Rejections[0].Err, cerrors.ErrAmountOverflow))

	after := []*uint256.Int{f.ledger.BalanceOf(1), f.ledger.BalanceOf(2), f.ledger.BalanceOf(5)}
	for i := range before {
		require.True(t, after[i].Eq(before[i]), "balance %d changed", i)
	}
	require.Zero(t, f.proc.NextCawonce(1))

	// The cawonce was not consumed.
	unlike.Recipients = []types.IdentityID{2}
	unlike.Amounts = []*uint256.Int{types.Tokens(100)}
	result = f.process(unlike)
	require.Empty(t, result.Rejections)
	f.requireTokens(2, "10100")
	require.Equal(t, uint32(1), f.proc.NextCawonce(1))
}

func TestMalformedActions(t *testing.T) {
	f := newFixture(t, 10_000, 10_000)

	mismatched := post(1, 0, "")
	mismatched.Recipients = []types.IdentityID{2}

	oversized := post(1, 0, "")
	oversized.Recipients = []types.IdentityID{2}
	oversized.Amounts = []*uint256.Int{new(uint256.Int).Lsh(uint256.NewInt(1), 128)}

	noReceiver := interact(types.ActionLike, 1, 0, 0, 0)
	emptyWithdraw := withdraw(1, 0, new(uint256.Int))
	unknown := types.Action{Type: types.ActionType(42), SenderID: 1, ClientID: testClient}

	// Structure is checked before the signature, so the batch carries blanks.
	batch := []types.Action{mismatched, oversized, noReceiver, emptyWithdraw, unknown}
	result, err := f.proc.ProcessBatch(context.Background(), 99, make([]types.Signature, len(batch)), batch, uint256.NewInt(1_000))
	require.NoError(t, err)
	require.Len(t, result.Rejections, 5)
	for _, rejection := range result.Rejections {
		require.Equal(t, ReasonMalformedAction, rejection.Reason)
	}
	require.Zero(t, f.proc.NextCawonce(1))
}

func TestMalformedBatchAbortsBeforeAnyChange(t *testing.T) {
	f := newFixture(t, 10_000, 10_000)
	action := post(1, 0, "")

	_, err := f.proc.ProcessBatch(context.Background(), 99, nil, []types.Action{action}, nil)
	require.True(t, errors.Is(err, cerrors.ErrMalformedBatch))
	require.Empty(t, f.recorder.Events())
	require.Zero(t, f.proc.NextCawonce(1))
}

func TestWithdrawalRequiresFeeAndNotifiesOnce(t *testing.T) {
	f := newFixture(t, 10_000, 10_000)
	batch := []types.Action{
		withdraw(1, 0, types.Tokens(1_500)),
		withdraw(2, 0, types.Tokens(500)),
		post(1, 1, ""),
	}

	_, err := f.run(uint256.NewInt(1_999), batch...)
	require.True(t, errors.Is(err, cerrors.ErrInsufficientFee))
	f.requireTokens(1, "10000")
	require.Zero(t, f.proc.NextCawonce(1))
	require.Empty(t, f.mirror.sent)

	result, err := f.run(uint256.NewInt(2_000), batch...)
	require.NoError(t, err)
	require.Empty(t, result.Rejections)
	require.Len(t, result.Withdrawals, 2)
	require.Len(t, result.Posts, 1)
	require.True(t, result.WithdrawalFee.Native.Eq(uint256.NewInt(2_000)))

	require.Len(t, f.mirror.sent, 1)
	require.Len(t, f.mirror.sent[0], 2)
	require.True(t, f.mirror.sent[0][0].amount.Eq(types.Tokens(1_500)))
	f.requireTokens(1, "3500")
	f.requireTokens(2, "14500")
}

func TestWithdrawWithTips(t *testing.T) {
	f := newFixture(t, 10_000, 10_000)
	action := withdraw(1, 0, types.Tokens(1_000))
	action.Recipients = append(action.Recipients, 2)
	action.Amounts = append(action.Amounts, types.Tokens(300))

	result, err := f.run(uint256.NewInt(1_000), action)
	require.NoError(t, err)
	require.Len(t, result.Withdrawals, 1)
	f.requireTokens(1, "8700")
	f.requireTokens(2, "10300")
	require.True(t, f.mirror.sent[0][0].amount.Eq(types.Tokens(1_000)))
}

func TestLargeBatch(t *testing.T) {
	const senders, perSender = 8, 32
	balances := make([]uint64, senders)
	for i := range balances {
		balances[i] = 200_000
	}
	f := newFixture(t, balances...)

	var batch []types.Action
	for n := uint32(0); n < perSender; n++ {
		for s := types.IdentityID(1); s <= senders; s++ {
			batch = append(batch, post(s, n, "bulk"))
		}
	}
	require.Len(t, batch, 256)

	before := f.ledger.TotalValue()
	result := f.process(batch...)
	require.Empty(t, result.Rejections)
	require.Len(t, result.Posts, 256)
	for s := types.IdentityID(1); s <= senders; s++ {
		require.Equal(t, uint32(perSender), f.proc.NextCawonce(s))
	}
	after := f.ledger.TotalValue()
	require.True(t, after.Cmp(before) <= 0)
	require.True(t, new(uint256.Int).Sub(before, after).Lt(tolerance))
}

func TestBatchSizeLimit(t *testing.T) {
	f := newFixture(t, 10_000)
	proc, err := NewProcessor(Config{Domain: testDomain, MaxBatchSize: 1}, f.ledger, f.auth, f.mirror)
	require.NoError(t, err)
	f.proc = proc
	_, err = f.run(nil, post(1, 0, ""), post(1, 1, ""))
	require.True(t, errors.Is(err, cerrors.ErrMalformedBatch))
}

func TestCawonceSnapshotRestore(t *testing.T) {
	f := newFixture(t, 20_000, 20_000)
	f.process(post(1, 0, ""), post(1, 1, ""), post(2, 0, ""))

	snap := f.proc.Snapshot()
	require.Equal(t, []CawonceEntry{{ID: 1, Next: 2}, {ID: 2, Next: 1}}, snap)

	restored, err := NewProcessor(Config{Domain: testDomain}, f.ledger, f.auth, f.mirror)
	require.NoError(t, err)
	restored.Restore(snap)
	require.Equal(t, uint32(2), restored.NextCawonce(1))
}
