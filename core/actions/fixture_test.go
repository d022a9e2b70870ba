package actions

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"cawnet/core/auth"
	"cawnet/core/events"
	"cawnet/core/ledger"
	"cawnet/core/sync"
	"cawnet/core/types"
)

const testClient types.ClientID = 1

var testDomain = Domain{
	Name:              "CawNet",
	Version:           "1",
	ChainID:           8453,
	VerifyingContract: common.HexToAddress("0x000000000000000000000000000000000000cafe"),
}

// tolerance is 0.0001 tokens.
var tolerance = uint256.NewInt(100_000_000_000_000)

type notice struct {
	id     types.IdentityID
	amount *uint256.Int
}

type fakeMirror struct {
	owners  map[types.IdentityID]common.Address
	pending []notice
	sent    [][]notice
	perItem *uint256.Int
}

func (m *fakeMirror) OwnerOf(id types.IdentityID) (common.Address, bool) {
	owner, ok := m.owners[id]
	return owner, ok
}

func (m *fakeMirror) QueueWithdrawal(id types.IdentityID, amount *uint256.Int) {
	m.pending = append(m.pending, notice{id: id, amount: amount})
}

func (m *fakeMirror) PendingWithdrawals() int { return len(m.pending) }

func (m *fakeMirror) WithdrawalQuote(ids []types.IdentityID, amounts []*uint256.Int) (sync.Fee, error) {
	if len(ids) != len(amounts) {
		return sync.Fee{}, fmt.Errorf("length mismatch")
	}
	native := new(uint256.Int).Mul(m.perItem, uint256.NewInt(uint64(len(ids))))
	return sync.Fee{Native: native, MessageToken: new(uint256.Int)}, nil
}

func (m *fakeMirror) FlushWithdrawals(context.Context) (sync.Fee, error) {
	fee, _ := m.WithdrawalQuote(make([]types.IdentityID, len(m.pending)), make([]*uint256.Int, len(m.pending)))
	m.sent = append(m.sent, m.pending)
	m.pending = nil
	return fee, nil
}

type fixture struct {
	t        *testing.T
	ledger   *ledger.Ledger
	auth     *auth.Registry
	mirror   *fakeMirror
	proc     *Processor
	recorder *events.Recorder
	keys     map[types.IdentityID]*ecdsa.PrivateKey
}

// newFixture registers identities 1..n with the given token balances, each
// owned by a fresh key and authenticated for testClient.
func newFixture(t *testing.T, balances ...uint64) *fixture {
	t.Helper()
	f := &fixture{
		t:        t,
		ledger:   ledger.New(ledger.CreditReceiver),
		auth:     auth.NewRegistry(),
		mirror:   &fakeMirror{owners: map[types.IdentityID]common.Address{}, perItem: uint256.NewInt(1_000)},
		recorder: &events.Recorder{},
		keys:     map[types.IdentityID]*ecdsa.PrivateKey{},
	}
	for i, balance := range balances {
		id := types.IdentityID(i + 1)
		f.addIdentity(id)
		require.NoError(t, f.ledger.Deposit(id, types.Tokens(balance)))
		f.auth.Authorize(id, testClient)
	}
	proc, err := NewProcessor(Config{Domain: testDomain, Layer: 8453}, f.ledger, f.auth, f.mirror)
	require.NoError(t, err)
	proc.SetEmitter(f.recorder)
	f.proc = proc
	return f
}

func (f *fixture) addIdentity(id types.IdentityID) *ecdsa.PrivateKey {
	key, err := crypto.GenerateKey()
	require.NoError(f.t, err)
	f.keys[id] = key
	f.mirror.owners[id] = crypto.PubkeyToAddress(key.PublicKey)
	return key
}

func (f *fixture) sign(action types.Action, key *ecdsa.PrivateKey) types.Signature {
	f.t.Helper()
	sig, err := Sign(testDomain, action, key)
	require.NoError(f.t, err)
	return sig
}

func (f *fixture) run(value *uint256.Int, batch ...types.Action) (*BatchResult, error) {
	sigs := make([]types.Signature, len(batch))
	for i, action := range batch {
		sigs[i] = f.sign(action, f.keys[action.SenderID])
	}
	return f.proc.ProcessBatch(context.Background(), 99, sigs, batch, value)
}

func (f *fixture) process(batch ...types.Action) *BatchResult {
	f.t.Helper()
	result, err := f.run(nil, batch...)
	require.NoError(f.t, err)
	return result
}

func (f *fixture) requireTokens(id types.IdentityID, want string) {
	f.t.Helper()
	expected, err := types.ParseTokens(want)
	require.NoError(f.t, err)
	got := f.ledger.BalanceOf(id)
	diff := new(uint256.Int)
	if got.Gt(expected) {
		diff.Sub(got, expected)
	} else {
		diff.Sub(expected, got)
	}
	require.Truef(f.t, diff.Lt(tolerance), "identity %d: got %s want %s", id, types.FormatTokens(got), want)
}

func post(sender types.IdentityID, cawonce uint32, text string) types.Action {
	return types.Action{Type: types.ActionPost, SenderID: sender, ClientID: testClient, Cawonce: cawonce, Text: text}
}

func interact(kind types.ActionType, sender, receiver types.IdentityID, receiverCawonce, cawonce uint32) types.Action {
	return types.Action{
		Type:            kind,
		SenderID:        sender,
		ReceiverID:      receiver,
		ReceiverCawonce: receiverCawonce,
		ClientID:        testClient,
		Cawonce:         cawonce,
	}
}

func withdraw(sender types.IdentityID, cawonce uint32, amount *uint256.Int) types.Action {
	return types.Action{
		Type:       types.ActionWithdraw,
		SenderID:   sender,
		ClientID:   testClient,
		Cawonce:    cawonce,
		Recipients: []types.IdentityID{sender},
		Amounts:    []*uint256.Int{amount},
	}
}
