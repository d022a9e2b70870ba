package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	cerrors "cawnet/core/errors"
	csync "cawnet/core/sync"
	"cawnet/core/types"
	"cawnet/integrations/exports"
	"cawnet/native/bank"
	"cawnet/native/clients"
	"cawnet/native/names"
	"cawnet/rpc/middleware"
)

const (
	maxRequestBytes     = 4 << 20
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

type apiError struct {
	status  int
	message string
}

func (e *apiError) Error() string { return e.message }

func badRequest(format string, args ...interface{}) error {
	return &apiError{status: http.StatusBadRequest, message: fmt.Sprintf(format, args...)}
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	node, err := s.node(req.Layer)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	sigs := make([]types.Signature, len(req.Actions))
	batch := make([]types.Action, len(req.Actions))
	for i, signed := range req.Actions {
		batch[i] = signed.Action
		sigs[i] = signed.Signature
	}
	result, err := node.ProcessBatch(r.Context(), req.ValidatorID, sigs, batch, req.Value)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := BatchResponse{
		BatchID:          result.BatchID,
		Layer:            node.Layer(),
		Posts:            len(result.Posts),
		Interactions:     len(result.Interactions),
		UserInteractions: len(result.UserInteractions),
		Withdrawals:      len(result.Withdrawals),
		Rejections:       make([]RejectionResponse, 0, len(result.Rejections)),
		WithdrawalFee:    result.WithdrawalFee,
	}
	for _, rejection := range result.Rejections {
		resp.Rejections = append(resp.Rejections, RejectionResponse{
			Index:   rejection.Index,
			Type:    rejection.Action.Type.String(),
			Sender:  rejection.Action.SenderID,
			Cawonce: rejection.Action.Cawonce,
			Reason:  rejection.Reason,
			Message: rejection.Message(),
		})
	}
	if principal, ok := middleware.PrincipalFrom(r.Context()); ok {
		s.logger.Debug("batch submitted",
			slog.String("subject", principal.Subject),
			slog.String("batchId", result.BatchID),
			slog.Int("rejected", len(result.Rejections)))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLayers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, LayersResponse{
		Canonical: s.canonical.Layer(),
		Default:   s.canonical.DefaultLayer(),
		Execution: s.layers(),
	})
}

func (s *Server) handleDomain(w http.ResponseWriter, r *http.Request) {
	layer, err := layerParam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	node, err := s.node(layer)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	domain := node.Domain()
	writeJSON(w, http.StatusOK, DomainResponse{
		Layer:             node.Layer(),
		Name:              domain.Name,
		Version:           domain.Version,
		ChainID:           domain.ChainID,
		VerifyingContract: domain.VerifyingContract,
	})
}

func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	id, err := types.ParseIdentityID(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, badRequest("%v", err))
		return
	}
	layer, err := layerParam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	node, err := s.node(layer)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	view := node.Identity(id)
	resp := IdentityResponse{
		ID:          id,
		Layer:       node.Layer(),
		Balance:     view.Balance,
		BalanceCAW:  types.FormatTokens(view.Balance),
		NextCawonce: view.NextCawonce,
		Clients:     view.Clients,
	}
	if resp.Clients == nil {
		resp.Clients = []types.ClientID{}
	}
	if view.Synced {
		owner := view.Owner
		resp.Owner = &owner
	}
	if record, err := s.canonical.Identity(id); err == nil {
		resp.Handle = record.Handle
		resp.Canonical = &record.Owner
		resp.Withdrawable = record.Withdrawable
		if status, err := s.canonical.Status(id, node.Layer()); err == nil {
			resp.SyncStatus = status.String()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.fail(w, r, &apiError{status: http.StatusNotFound, message: "action history is disabled"})
		return
	}
	id, err := types.ParseIdentityID(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, badRequest("%v", err))
		return
	}
	layer, err := layerParam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	node, err := s.node(layer)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	limit, err := limitParam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	records, err := s.history.BySender(r.Context(), node.Layer(), id, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var (
		body        []byte
		sum         string
		contentType string
	)
	switch format := r.URL.Query().Get("format"); format {
	case "", "json":
		writeJSON(w, http.StatusOK, records)
		return
	case "csv":
		body, sum, err = exports.ActionsCSV(records)
		contentType = "text/csv"
	case "jsonl":
		body, sum, err = exports.ActionsJSONL(records)
		contentType = "application/x-ndjson"
	default:
		s.fail(w, r, badRequest("unknown format %q", format))
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("X-Checksum-Sha256", sum)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) handleInteractions(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.fail(w, r, &apiError{status: http.StatusNotFound, message: "action history is disabled"})
		return
	}
	cawID, err := strconv.ParseUint(chi.URLParam(r, "cawId"), 10, 64)
	if err != nil {
		s.fail(w, r, badRequest("invalid caw id %q", chi.URLParam(r, "cawId")))
		return
	}
	layer, err := layerParam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	node, err := s.node(layer)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	limit, err := limitParam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	records, err := s.history.Interactions(r.Context(), node.Layer(), cawID, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleOwnerIdentities(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "address")
	if !common.IsHexAddress(raw) {
		s.fail(w, r, badRequest("invalid address %q", raw))
		return
	}
	ids := s.canonical.IdentitiesOf(common.HexToAddress(raw))
	if ids == nil {
		ids = []types.IdentityID{}
	}
	writeJSON(w, http.StatusOK, ids)
}

// limitParam reads the optional page size, capped at maxHistoryLimit.
func limitParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultHistoryLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, badRequest("invalid limit %q", raw)
	}
	return min(limit, maxHistoryLimit), nil
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	id, ok := s.canonical.Lookup(chi.URLParam(r, "handle"))
	if !ok {
		s.fail(w, r, &apiError{status: http.StatusNotFound, message: "unknown handle"})
		return
	}
	writeJSON(w, http.StatusOK, MintResponse{ID: id, Handle: strings.ToLower(chi.URLParam(r, "handle"))})
}

func (s *Server) handleWithdrawQuote(w http.ResponseWriter, r *http.Request) {
	layer, err := layerParam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	node, err := s.node(layer)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ids, err := parseIDList(r.URL.Query().Get("ids"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	amounts, err := parseAmountList(r.URL.Query().Get("amounts"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if len(ids) != len(amounts) {
		s.fail(w, r, badRequest("%d ids for %d amounts", len(ids), len(amounts)))
		return
	}
	batch := make([]types.Action, len(ids))
	for i := range ids {
		batch[i] = types.Action{
			Type:       types.ActionWithdraw,
			SenderID:   ids[i],
			Recipients: []types.IdentityID{ids[i]},
			Amounts:    []*uint256.Int{amounts[i]},
		}
	}
	fee, err := node.WithdrawalFee(batch)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fee)
}

func (s *Server) handleDepositQuote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	layer, client, id, err := targetParams(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	amount, err := parseAmount(q.Get("amount"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	fee, err := s.canonical.DepositQuote(layer, client, id, amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fee)
}

func (s *Server) handleAuthenticateQuote(w http.ResponseWriter, r *http.Request) {
	layer, client, id, err := targetParams(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	fee, err := s.canonical.AuthenticateQuote(layer, client, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fee)
}

func (s *Server) handleReleaseQuote(w http.ResponseWriter, r *http.Request) {
	fee, err := s.canonical.WithdrawQuote()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fee)
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	var req MintRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	id, err := s.canonical.MintIdentity(req.Owner, req.Handle)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	handle := req.Handle
	if record, err := s.canonical.Identity(id); err == nil {
		handle = record.Handle
	}
	writeJSON(w, http.StatusCreated, MintResponse{ID: id, Handle: handle})
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	id, err := types.ParseIdentityID(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, badRequest("%v", err))
		return
	}
	var req TransferRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.canonical.TransferIdentity(req.From, req.To, id); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRegisterClient(w http.ResponseWriter, r *http.Request) {
	var req ClientRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	id, err := s.canonical.RegisterClient(req.Owner, req.Name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ClientResponse{ID: id})
}

func (s *Server) handleFaucet(w http.ResponseWriter, r *http.Request) {
	var req FaucetRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Amount == nil || req.Amount.IsZero() {
		s.fail(w, r, badRequest("amount required"))
		return
	}
	if err := s.canonical.Fund(req.To, req.Amount); err != nil {
		s.fail(w, r, err)
		return
	}
	allowance := new(uint256.Int).Add(s.canonical.Allowance(req.To), req.Amount)
	s.canonical.Approve(req.To, allowance)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	err := s.canonical.Deposit(r.Context(), csync.DepositRequest{
		From:       req.From,
		Client:     req.Client,
		ID:         req.ID,
		Amount:     req.Amount,
		Layer:      req.Layer,
		MessageFee: req.MessageFee,
		Value:      req.Value,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	var req AuthenticateRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	err := s.canonical.Authenticate(r.Context(), csync.AuthenticateRequest{
		From:       req.From,
		Client:     req.Client,
		ID:         req.ID,
		Layer:      req.Layer,
		MessageFee: req.MessageFee,
		Value:      req.Value,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req ReleaseRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	amount, err := s.canonical.Withdraw(r.Context(), csync.WithdrawRequest{
		From:       req.From,
		Client:     req.Client,
		ID:         req.ID,
		MessageFee: req.MessageFee,
		Value:      req.Value,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ReleaseResponse{ID: req.ID, Amount: amount})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
		message = http.StatusText(status)
	}
	writeJSON(w, status, map[string]string{"error": message})
}

func statusFor(err error) int {
	var apiErr *apiError
	switch {
	case errors.As(err, &apiErr):
		return apiErr.status
	case errors.Is(err, cerrors.ErrMalformedBatch),
		errors.Is(err, cerrors.ErrMalformedAction),
		errors.Is(err, cerrors.ErrUnknownClient),
		errors.Is(err, clients.ErrInvalidClient),
		errors.Is(err, names.ErrInvalidHandle),
		errors.Is(err, names.ErrZeroAddress):
		return http.StatusBadRequest
	case errors.Is(err, cerrors.ErrInsufficientFee):
		return http.StatusPaymentRequired
	case errors.Is(err, cerrors.ErrNotOwner), errors.Is(err, names.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, cerrors.ErrUnknownLayer),
		errors.Is(err, cerrors.ErrUnknownIdentity),
		errors.Is(err, names.ErrUnknownToken):
		return http.StatusNotFound
	case errors.Is(err, cerrors.ErrNothingToWithdraw),
		errors.Is(err, cerrors.ErrInsufficientBalance),
		errors.Is(err, bank.ErrInsufficientFunds),
		errors.Is(err, bank.ErrInsufficientAllowance),
		errors.Is(err, names.ErrHandleTaken):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, out interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return badRequest("invalid request body: %v", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return badRequest("invalid request body: trailing data")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func layerParam(r *http.Request) (types.Layer, error) {
	raw := r.URL.Query().Get("layer")
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, badRequest("invalid layer %q", raw)
	}
	return types.Layer(value), nil
}

// targetParams parses the layer, client and id query parameters shared by
// the canonical quotes.
func targetParams(r *http.Request) (types.Layer, types.ClientID, types.IdentityID, error) {
	q := r.URL.Query()
	layer, err := layerParam(r)
	if err != nil {
		return 0, 0, 0, err
	}
	if layer == 0 {
		return 0, 0, 0, badRequest("layer required")
	}
	client, err := strconv.ParseUint(q.Get("client"), 10, 32)
	if err != nil {
		return 0, 0, 0, badRequest("invalid client %q", q.Get("client"))
	}
	id, err := types.ParseIdentityID(q.Get("id"))
	if err != nil {
		return 0, 0, 0, badRequest("%v", err)
	}
	return layer, types.ClientID(client), id, nil
}

func parseAmount(raw string) (*uint256.Int, error) {
	if raw == "" {
		return new(uint256.Int), nil
	}
	amount, err := types.ParseAmount(raw)
	if err != nil {
		return nil, badRequest("invalid amount %q", raw)
	}
	return amount, nil
}

func parseIDList(raw string) ([]types.IdentityID, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]types.IdentityID, len(parts))
	for i, part := range parts {
		id, err := types.ParseIdentityID(strings.TrimSpace(part))
		if err != nil {
			return nil, badRequest("%v", err)
		}
		out[i] = id
	}
	return out, nil
}

func parseAmountList(raw string) ([]*uint256.Int, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]*uint256.Int, len(parts))
	for i, part := range parts {
		amount, err := parseAmount(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		out[i] = amount
	}
	return out, nil
}
