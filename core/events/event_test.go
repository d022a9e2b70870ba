package events

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"cawnet/core/types"
)

func TestRecorderFiltersByType(t *testing.T) {
	rec := &Recorder{}
	var emitter Emitter = Fanout{rec, NoopEmitter{}, nil}

	emitter.Emit(ActionsProcessed{BatchID: "b1"})
	emitter.Emit(ActionRejected{BatchID: "b1", Reason: "InvalidSigner"})
	emitter.Emit(ActionRejected{BatchID: "b1", Reason: "NotAuthenticated"})

	require.Len(t, rec.Events(), 3)
	require.Len(t, rec.OfType(TypeActionRejected), 2)
	rec.Reset()
	require.Empty(t, rec.Events())
}

func TestActionsProcessedAttributes(t *testing.T) {
	ev := ActionsProcessed{
		BatchID:      "batch",
		Layer:        30184,
		ValidatorID:  9,
		Posts:        []types.Action{{Type: types.ActionPost}},
		Interactions: []types.Action{{Type: types.ActionLike}, {Type: types.ActionShare}},
	}
	require.Equal(t, 3, ev.Accepted())
	rendered := ev.Event()
	require.Equal(t, TypeActionsProcessed, rendered.Type)
	require.Equal(t, "1", rendered.Attributes["posts"])
	require.Equal(t, "2", rendered.Attributes["interactions"])
	require.Equal(t, "0", rendered.Attributes["withdrawals"])
	require.Equal(t, "9", rendered.Attributes["validatorId"])
}

func TestSyncEventAttributes(t *testing.T) {
	owner := common.HexToAddress("0x00000000000000000000000000000000000000AB")
	released := WithdrawalReleased{Layer: 30101, ID: 4, To: owner, Amount: uint256.NewInt(77)}.Event()
	require.Equal(t, "77", released.Attributes["amount"])
	require.Equal(t, "0x00000000000000000000000000000000000000ab", released.Attributes["to"])

	sent := MessageSent{Source: 30101, Dest: 30184, Kind: "deposit", Seq: 3}.Event()
	require.Equal(t, "0", sent.Attributes["fee"])
	require.Equal(t, "30184", sent.Attributes["dest"])
}
