package rpc

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"cawnet/core"
	"cawnet/core/actions"
	"cawnet/core/ledger"
	csync "cawnet/core/sync"
	"cawnet/core/types"
	"cawnet/integrations/indexer"
	"cawnet/rpc/middleware"
)

const (
	canonicalLayer types.Layer = 30101
	baseLayer      types.Layer = 30184
	testSecret                 = "rpc-test-secret"
)

var escrowAccount = common.HexToAddress("0x00000000000000000000000000000000e5c20000")

type harness struct {
	t       *testing.T
	hub     *csync.LoopbackHub
	server  *httptest.Server
	history *indexer.Indexer
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	hub := csync.NewLoopbackHub(csync.FeeSchedule{BaseNative: uint256.NewInt(1_000)}, nil)
	canonical, err := core.NewCanonical(core.CanonicalConfig{
		Layer:           canonicalLayer,
		DefaultLayer:    baseLayer,
		ExecutionLayers: []types.Layer{baseLayer},
		Escrow:          escrowAccount,
	}, hub.Endpoint(canonicalLayer, csync.RoleCanonical))
	require.NoError(t, err)
	node, err := core.NewNode(core.NodeConfig{
		Layer:     baseLayer,
		Canonical: canonicalLayer,
		Domain: actions.Domain{
			Name:              "CawNet",
			Version:           "1",
			ChainID:           8453,
			VerifyingContract: common.HexToAddress("0x000000000000000000000000000000000000cafe"),
		},
		EmptyPool: ledger.CreditReceiver,
	}, hub.Endpoint(baseLayer, csync.RoleExecution))
	require.NoError(t, err)
	hub.Register(canonicalLayer, csync.RoleCanonical, canonical)
	hub.Register(baseLayer, csync.RoleExecution, node)

	history, err := indexer.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = history.Close() })
	node.SetEmitter(history)

	srv := httptest.NewServer(NewServer(cfg, canonical, []*core.Node{node}, history, nil).Handler())
	t.Cleanup(srv.Close)
	return &harness{t: t, hub: hub, server: srv, history: history}
}

func (h *harness) do(method, path string, body interface{}, out interface{}) int {
	h.t.Helper()
	return h.doWithToken(method, path, "", body, out)
}

func (h *harness) doWithToken(method, path, token string, body interface{}, out interface{}) int {
	h.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(h.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.server.URL+path, reader)
	require.NoError(h.t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := h.server.Client().Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		require.NoError(h.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (h *harness) deliver() {
	h.t.Helper()
	_, err := h.hub.Deliver(context.Background())
	require.NoError(h.t, err)
}

// onboard mints an identity over HTTP, funds its owner and deposits tokens
// to the base layer.
func (h *harness) onboard(handle string, tokens uint64) (types.IdentityID, types.ClientID, *ecdsa.PrivateKey) {
	h.t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(h.t, err)
	owner := crypto.PubkeyToAddress(key.PublicKey)

	var minted MintResponse
	require.Equal(h.t, http.StatusCreated, h.do(http.MethodPost, "/v1/identities", MintRequest{Owner: owner, Handle: handle}, &minted))
	var client ClientResponse
	require.Equal(h.t, http.StatusCreated, h.do(http.MethodPost, "/v1/clients", ClientRequest{Owner: owner, Name: handle + "-app"}, &client))

	amount := types.Tokens(tokens)
	require.Equal(h.t, http.StatusNoContent, h.do(http.MethodPost, "/v1/faucet", FaucetRequest{To: owner, Amount: amount}, nil))

	var fee csync.Fee
	path := fmt.Sprintf("/v1/quotes/deposit?layer=%d&client=%d&id=%d&amount=%s", baseLayer, client.ID, minted.ID, amount.Dec())
	require.Equal(h.t, http.StatusOK, h.do(http.MethodGet, path, nil, &fee))
	require.Equal(h.t, http.StatusAccepted, h.do(http.MethodPost, "/v1/deposits", DepositRequest{
		From:   owner,
		Client: client.ID,
		ID:     minted.ID,
		Amount: amount,
		Layer:  baseLayer,
		Value:  fee.Native,
	}, nil))
	h.deliver()
	return minted.ID, client.ID, key
}

func (h *harness) signed(action types.Action, key *ecdsa.PrivateKey) SignedAction {
	h.t.Helper()
	var domain DomainResponse
	require.Equal(h.t, http.StatusOK, h.do(http.MethodGet, fmt.Sprintf("/v1/domain?layer=%d", baseLayer), nil, &domain))
	sig, err := actions.Sign(actions.Domain{
		Name:              domain.Name,
		Version:           domain.Version,
		ChainID:           domain.ChainID,
		VerifyingContract: domain.VerifyingContract,
	}, action, key)
	require.NoError(h.t, err)
	return SignedAction{Action: action, Signature: sig}
}

func TestServerBatchFlow(t *testing.T) {
	h := newHarness(t, Config{CanonicalWrites: true})
	id, client, key := h.onboard("Alice", 10_000)

	var identity IdentityResponse
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, fmt.Sprintf("/v1/identities/%d", id), nil, &identity))
	require.Equal(t, "alice", identity.Handle)
	require.NotNil(t, identity.Owner)
	require.Equal(t, crypto.PubkeyToAddress(key.PublicKey), *identity.Owner)
	require.Equal(t, "10000", identity.BalanceCAW)
	require.Equal(t, []types.ClientID{client}, identity.Clients)
	require.Equal(t, csync.StatusApplied.String(), identity.SyncStatus)

	var lookup MintResponse
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/v1/handles/ALICE", nil, &lookup))
	require.Equal(t, id, lookup.ID)

	post := types.Action{Type: types.ActionPost, SenderID: id, ClientID: client, Cawonce: 0, Text: "gm"}
	stale := types.Action{Type: types.ActionPost, SenderID: id, ClientID: client, Cawonce: 5, Text: "late"}
	var result BatchResponse
	status := h.do(http.MethodPost, "/v1/batches", BatchRequest{
		Layer:       baseLayer,
		ValidatorID: 1,
		Actions:     []SignedAction{h.signed(post, key), h.signed(stale, key)},
	}, &result)
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, result.BatchID)
	require.Equal(t, 1, result.Posts)
	require.Len(t, result.Rejections, 1)
	require.Equal(t, 1, result.Rejections[0].Index)
	require.Equal(t, actions.ReasonInvalidNonce, result.Rejections[0].Reason)

	require.Equal(t, http.StatusOK, h.do(http.MethodGet, fmt.Sprintf("/v1/identities/%d", id), nil, &identity))
	require.Equal(t, uint32(1), identity.NextCawonce)

	var history []indexer.ActionRecord
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, fmt.Sprintf("/v1/identities/%d/actions?limit=10", id), nil, &history))
	require.Len(t, history, 2)
	require.Equal(t, indexer.StatusRejected, history[0].Status)
	require.Equal(t, indexer.StatusAccepted, history[1].Status)
	require.Equal(t, result.BatchID, history[1].BatchID)

	resp, err := h.server.Client().Get(h.server.URL + fmt.Sprintf("/v1/identities/%d/actions?format=csv", id))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/csv", resp.Header.Get("Content-Type"))
	require.Len(t, resp.Header.Get("X-Checksum-Sha256"), 64)

	require.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, fmt.Sprintf("/v1/identities/%d/actions?format=xml", id), nil, nil))
}

func TestServerCawInteractionsAndOwners(t *testing.T) {
	h := newHarness(t, Config{CanonicalWrites: true})
	alice, aliceClient, aliceKey := h.onboard("alice", 10_000)
	bob, bobClient, bobKey := h.onboard("bob", 10_000)

	post := types.Action{Type: types.ActionPost, SenderID: alice, ClientID: aliceClient, Text: "gm"}
	like := types.Action{Type: types.ActionLike, SenderID: bob, ClientID: bobClient, ReceiverID: alice, ReceiverCawonce: 0}
	var result BatchResponse
	require.Equal(t, http.StatusOK, h.do(http.MethodPost, "/v1/batches", BatchRequest{
		Layer:       baseLayer,
		ValidatorID: 1,
		Actions:     []SignedAction{h.signed(post, aliceKey), h.signed(like, bobKey)},
	}, &result))
	require.Empty(t, result.Rejections)

	var interactions []indexer.ActionRecord
	path := fmt.Sprintf("/v1/caws/%d/interactions", types.CawID(alice, 0))
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, path, nil, &interactions))
	require.Len(t, interactions, 1)
	require.Equal(t, uint32(bob), interactions[0].SenderID)
	require.Equal(t, types.ActionLike.String(), interactions[0].Type)
	require.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/v1/caws/latest/interactions", nil, nil))

	var owned []types.IdentityID
	owner := crypto.PubkeyToAddress(aliceKey.PublicKey)
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/v1/owners/"+owner.Hex()+"/identities", nil, &owned))
	require.Equal(t, []types.IdentityID{alice}, owned)
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/v1/owners/0x0000000000000000000000000000000000000bad/identities", nil, &owned))
	require.Empty(t, owned)
	require.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/v1/owners/alice/identities", nil, nil))
}

func TestServerWithdrawalRoundTrip(t *testing.T) {
	h := newHarness(t, Config{CanonicalWrites: true})
	id, client, key := h.onboard("bob", 1_000)
	amount := types.Tokens(400)

	var quote csync.Fee
	path := fmt.Sprintf("/v1/quotes/withdraw?layer=%d&ids=%d&amounts=%s", baseLayer, id, amount.Dec())
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, path, nil, &quote))
	require.False(t, quote.Native.IsZero())

	withdraw := types.Action{
		Type:       types.ActionWithdraw,
		SenderID:   id,
		ClientID:   client,
		Recipients: []types.IdentityID{id},
		Amounts:    []*uint256.Int{amount},
	}
	var result BatchResponse
	require.Equal(t, http.StatusOK, h.do(http.MethodPost, "/v1/batches", BatchRequest{
		Layer:       baseLayer,
		ValidatorID: 1,
		Actions:     []SignedAction{h.signed(withdraw, key)},
		Value:       quote.Native,
	}, &result))
	require.Equal(t, 1, result.Withdrawals)
	require.Empty(t, result.Rejections)
	h.deliver()

	owner := crypto.PubkeyToAddress(key.PublicKey)
	var fee csync.Fee
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/v1/quotes/release", nil, &fee))
	var released ReleaseResponse
	require.Equal(t, http.StatusOK, h.do(http.MethodPost, "/v1/withdrawals", ReleaseRequest{
		From:   owner,
		Client: client,
		ID:     id,
		Value:  fee.Native,
	}, &released))
	require.Equal(t, amount, released.Amount)

	// Nothing left to release.
	require.Equal(t, http.StatusConflict, h.do(http.MethodPost, "/v1/withdrawals", ReleaseRequest{
		From:   owner,
		Client: client,
		ID:     id,
		Value:  fee.Native,
	}, nil))
}

func TestServerErrors(t *testing.T) {
	h := newHarness(t, Config{CanonicalWrites: true})
	owner := common.HexToAddress("0xa11ce")
	require.Equal(t, http.StatusCreated, h.do(http.MethodPost, "/v1/identities", MintRequest{Owner: owner, Handle: "dup"}, nil))

	cases := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
	}{
		{"handle taken", http.MethodPost, "/v1/identities", MintRequest{Owner: owner, Handle: "DUP"}, http.StatusConflict},
		{"unknown layer", http.MethodGet, "/v1/domain?layer=7", nil, http.StatusNotFound},
		{"bad layer", http.MethodGet, "/v1/domain?layer=x", nil, http.StatusBadRequest},
		{"unknown handle", http.MethodGet, "/v1/handles/nobody", nil, http.StatusNotFound},
		{"bad identity", http.MethodGet, "/v1/identities/abc", nil, http.StatusBadRequest},
		{"mismatched quote", http.MethodGet, "/v1/quotes/withdraw?ids=1,2&amounts=5", nil, http.StatusBadRequest},
		{"not owner", http.MethodPost, "/v1/identities/1/transfer", TransferRequest{From: escrowAccount, To: owner}, http.StatusForbidden},
		{"unknown body field", http.MethodPost, "/v1/clients", map[string]string{"nope": "x"}, http.StatusBadRequest},
		{"empty faucet", http.MethodPost, "/v1/faucet", FaucetRequest{To: owner}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.status, h.do(tc.method, tc.path, tc.body, nil))
		})
	}
}

func TestServerCanonicalWritesDisabled(t *testing.T) {
	h := newHarness(t, Config{})
	status := h.do(http.MethodPost, "/v1/identities", MintRequest{Owner: common.HexToAddress("0xb0b"), Handle: "bob"}, nil)
	require.Contains(t, []int{http.StatusNotFound, http.StatusMethodNotAllowed}, status)

	var layers LayersResponse
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/v1/layers", nil, &layers))
	require.Equal(t, canonicalLayer, layers.Canonical)
	require.Equal(t, baseLayer, layers.Default)
	require.Equal(t, []types.Layer{baseLayer}, layers.Execution)
}

func TestServerBatchRequiresValidatorToken(t *testing.T) {
	h := newHarness(t, Config{Auth: middleware.AuthConfig{Enabled: true, HMACSecret: testSecret}})
	body := BatchRequest{Layer: baseLayer, ValidatorID: 1}

	require.Equal(t, http.StatusUnauthorized, h.do(http.MethodPost, "/v1/batches", body, nil))

	sign := func(scope string) string {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub":   "validator-1",
			"scope": scope,
			"exp":   time.Now().Add(time.Hour).Unix(),
		}).SignedString([]byte(testSecret))
		require.NoError(t, err)
		return token
	}
	require.Equal(t, http.StatusForbidden, h.doWithToken(http.MethodPost, "/v1/batches", sign("operator"), body, nil))

	var result BatchResponse
	require.Equal(t, http.StatusOK, h.doWithToken(http.MethodPost, "/v1/batches", sign("validator"), body, &result))
	require.Empty(t, result.Rejections)

	// Queries stay public.
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/healthz", nil, nil))
}
