package sync

import (
	"context"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"cawnet/core/events"
	"cawnet/core/types"
)

const (
	canonicalLayer types.Layer = 30101
	baseLayer      types.Layer = 30184
)

var (
	alice  = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob    = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	carol  = common.HexToAddress("0x00000000000000000000000000000000000ca201")
	escrow = common.HexToAddress("0x00000000000000000000000000000000e5c20000")
)

type fakeTokens struct {
	owners map[types.IdentityID]common.Address
	next   types.IdentityID
	hook   func(types.IdentityID, common.Address)
}

func (f *fakeTokens) OwnerOf(id types.IdentityID) (common.Address, error) {
	owner, ok := f.owners[id]
	if !ok {
		return common.Address{}, fmt.Errorf("token %d not minted", id)
	}
	return owner, nil
}

func (f *fakeTokens) Transfer(from, to common.Address, id types.IdentityID) error {
	if f.owners[id] != from {
		return fmt.Errorf("not owner")
	}
	f.owners[id] = to
	f.hook(id, to)
	return nil
}

func (f *fakeTokens) Mint(to common.Address, _ string) (types.IdentityID, error) {
	f.next++
	f.owners[f.next] = to
	f.hook(f.next, to)
	return f.next, nil
}

type allowanceKey struct{ owner, spender common.Address }

type fakeAssets struct {
	balances   map[common.Address]*uint256.Int
	allowances map[allowanceKey]*uint256.Int
}

func (f *fakeAssets) BalanceOf(owner common.Address) *uint256.Int {
	return new(uint256.Int).Set(amountOrZero(f.balances[owner]))
}

func (f *fakeAssets) Allowance(owner, spender common.Address) *uint256.Int {
	return new(uint256.Int).Set(amountOrZero(f.allowances[allowanceKey{owner, spender}]))
}

func (f *fakeAssets) TransferFrom(spender, from, to common.Address, amount *uint256.Int) error {
	allowed := f.Allowance(from, spender)
	if allowed.Lt(amount) {
		return fmt.Errorf("allowance exceeded")
	}
	if err := f.Transfer(from, to, amount); err != nil {
		return err
	}
	f.allowances[allowanceKey{from, spender}] = allowed.Sub(allowed, amount)
	return nil
}

func (f *fakeAssets) Transfer(from, to common.Address, amount *uint256.Int) error {
	balance := f.BalanceOf(from)
	if balance.Lt(amount) {
		return fmt.Errorf("balance exceeded")
	}
	f.balances[from] = balance.Sub(balance, amount)
	f.balances[to] = new(uint256.Int).Add(f.BalanceOf(to), amount)
	return nil
}

type fakeClients map[types.ClientID]bool

func (f fakeClients) Exists(client types.ClientID) bool { return f[client] }

type authKey struct {
	id     types.IdentityID
	client types.ClientID
}

type fakeSink struct {
	deposits map[types.IdentityID]*uint256.Int
	order    []types.IdentityID
	auth     map[authKey]bool
}

func newFakeSink() *fakeSink {
	return &fakeSink{deposits: make(map[types.IdentityID]*uint256.Int), auth: make(map[authKey]bool)}
}

func (f *fakeSink) Deposit(id types.IdentityID, amount *uint256.Int) error {
	f.deposits[id] = new(uint256.Int).Add(amountOrZero(f.deposits[id]), amount)
	f.order = append(f.order, id)
	return nil
}

func (f *fakeSink) Authorize(id types.IdentityID, client types.ClientID) bool {
	key := authKey{id, client}
	if f.auth[key] {
		return false
	}
	f.auth[key] = true
	return true
}

type harness struct {
	t         *testing.T
	hub       *LoopbackHub
	coord     *Coordinator
	tokens    *fakeTokens
	assets    *fakeAssets
	base      *Mirror
	baseSink  *fakeSink
	local     *Mirror
	localSink *fakeSink
	recorder  *events.Recorder
}

func newHarness(t *testing.T, schedule FeeSchedule) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		hub:       NewLoopbackHub(schedule, nil),
		assets:    &fakeAssets{balances: map[common.Address]*uint256.Int{}, allowances: map[allowanceKey]*uint256.Int{}},
		baseSink:  newFakeSink(),
		localSink: newFakeSink(),
		recorder:  &events.Recorder{},
	}
	h.tokens = &fakeTokens{owners: map[types.IdentityID]common.Address{}}

	coord, err := NewCoordinator(CoordinatorConfig{Local: canonicalLayer, DefaultLayer: baseLayer, Escrow: escrow},
		h.tokens, h.assets, fakeClients{1: true}, h.hub.Endpoint(canonicalLayer, RoleCanonical))
	require.NoError(t, err)
	coord.SetEmitter(h.recorder)
	coord.RegisterLayer(baseLayer)
	coord.RegisterLayer(canonicalLayer)
	h.coord = coord
	h.tokens.hook = coord.RecordOwnership

	h.base, err = NewMirror(MirrorConfig{Local: baseLayer, Canonical: canonicalLayer}, h.hub.Endpoint(baseLayer, RoleExecution), h.baseSink)
	require.NoError(t, err)
	h.base.SetEmitter(h.recorder)
	h.local, err = NewMirror(MirrorConfig{Local: canonicalLayer, Canonical: canonicalLayer}, h.hub.Endpoint(canonicalLayer, RoleExecution), h.localSink)
	require.NoError(t, err)

	h.hub.Register(canonicalLayer, RoleCanonical, coord)
	h.hub.Register(baseLayer, RoleExecution, h.base)
	h.hub.Register(canonicalLayer, RoleExecution, h.local)
	return h
}

func (h *harness) mint(owner common.Address) types.IdentityID {
	h.t.Helper()
	id, err := h.tokens.Mint(owner, "")
	require.NoError(h.t, err)
	return id
}

func (h *harness) fund(owner common.Address, amount uint64) {
	h.assets.balances[owner] = uint256.NewInt(amount)
	h.assets.allowances[allowanceKey{owner, escrow}] = uint256.NewInt(amount)
}

func (h *harness) deliver() {
	h.t.Helper()
	_, err := h.hub.Deliver(context.Background())
	require.NoError(h.t, err)
}

func (h *harness) deposit(from common.Address, id types.IdentityID, amount uint64, layer types.Layer) error {
	fee, err := h.coord.DepositQuote(layer, 1, id, uint256.NewInt(amount))
	if err != nil {
		return err
	}
	return h.coord.Deposit(context.Background(), DepositRequest{
		From: from, Client: 1, ID: id, Amount: uint256.NewInt(amount), Layer: layer,
		MessageFee: fee.MessageToken, Value: fee.Native,
	})
}
