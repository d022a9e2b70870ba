package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	cerrors "cawnet/core/errors"
	"cawnet/core/events"
	"cawnet/core/types"
	"cawnet/observability"
)

// CoordinatorConfig identifies the canonical layer and its escrow account.
type CoordinatorConfig struct {
	Local types.Layer
	// DefaultLayer is flushed by Withdraw when it has pending updates.
	DefaultLayer types.Layer
	Escrow       common.Address
	InboxLimit   int
}

// DepositRequest moves Amount of the fungible asset from From into escrow and
// credits it to identity ID on Layer.
type DepositRequest struct {
	From       common.Address
	Client     types.ClientID
	ID         types.IdentityID
	Amount     *uint256.Int
	Layer      types.Layer
	MessageFee *uint256.Int
	Value      *uint256.Int
}

// AuthenticateRequest authorizes Client for identity ID on Layer.
type AuthenticateRequest struct {
	From       common.Address
	Client     types.ClientID
	ID         types.IdentityID
	Layer      types.Layer
	MessageFee *uint256.Int
	Value      *uint256.Int
}

// WithdrawRequest releases the withdrawable balance of ID to its owner.
type WithdrawRequest struct {
	From       common.Address
	Client     types.ClientID
	ID         types.IdentityID
	MessageFee *uint256.Int
	Value      *uint256.Int
}

// Coordinator is the canonical side of cross-layer sync. It queues ownership
// changes per execution layer and piggybacks them on every outbound message so
// a mirror never sees a deposit or authorization before the ownership state
// that preceded it. It is not safe for concurrent use; core.Canonical
// serialises access.
type Coordinator struct {
	cfg       CoordinatorConfig
	tokens    TokenRegistry
	assets    AssetLedger
	clients   ClientDirectory
	transport Transport
	emitter   events.Emitter
	logger    *slog.Logger
	tracer    trace.Tracer

	queues       map[types.Layer]*updateQueue
	outSeq       map[types.Layer]uint64
	inbox        *Inbox
	withdrawable map[types.IdentityID]*uint256.Int
}

// NewCoordinator wires a coordinator to its collaborators.
func NewCoordinator(cfg CoordinatorConfig, tokens TokenRegistry, assets AssetLedger, clients ClientDirectory, transport Transport) (*Coordinator, error) {
	if tokens == nil || assets == nil || clients == nil || transport == nil {
		return nil, fmt.Errorf("sync: coordinator collaborators must not be nil")
	}
	if cfg.Escrow == (common.Address{}) {
		return nil, fmt.Errorf("sync: escrow address required")
	}
	return &Coordinator{
		cfg:          cfg,
		tokens:       tokens,
		assets:       assets,
		clients:      clients,
		transport:    transport,
		emitter:      events.NoopEmitter{},
		logger:       slog.Default(),
		tracer:       otel.Tracer("cawnet/sync"),
		queues:       make(map[types.Layer]*updateQueue),
		outSeq:       make(map[types.Layer]uint64),
		inbox:        NewInbox(cfg.InboxLimit),
		withdrawable: make(map[types.IdentityID]*uint256.Int),
	}, nil
}

// SetEmitter configures the event sink.
func (c *Coordinator) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	c.emitter = emitter
}

// SetLogger configures the structured logger.
func (c *Coordinator) SetLogger(logger *slog.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// Escrow returns the account holding deposited assets.
func (c *Coordinator) Escrow() common.Address { return c.cfg.Escrow }

// RegisterLayer adds an execution layer that receives ownership updates.
// Registering a layer twice is a no-op.
func (c *Coordinator) RegisterLayer(layer types.Layer) {
	if _, ok := c.queues[layer]; ok {
		return
	}
	c.queues[layer] = newUpdateQueue()
}

// Layers returns the registered execution layers in ascending order.
func (c *Coordinator) Layers() []types.Layer {
	out := make([]types.Layer, 0, len(c.queues))
	for layer := range c.queues {
		out = append(out, layer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RecordOwnership queues the new owner of id on every execution layer. The
// token registry calls it after each mint and transfer.
func (c *Coordinator) RecordOwnership(id types.IdentityID, owner common.Address) {
	for _, layer := range c.Layers() {
		q := c.queues[layer]
		update := q.push(id, owner)
		observability.Sync().RecordQueued(layer.String())
		observability.Sync().SetPending(layer.String(), q.len())
		c.emitter.Emit(events.OwnershipQueued{Layer: layer, ID: id, Owner: owner, Index: update.Index})
	}
}

// Status reports whether id has unflushed ownership updates for layer.
func (c *Coordinator) Status(id types.IdentityID, layer types.Layer) (Status, error) {
	q, ok := c.queues[layer]
	if !ok {
		return StatusNoPending, fmt.Errorf("%w: %s", cerrors.ErrUnknownLayer, layer)
	}
	return q.status(id), nil
}

// PendingUpdates returns the number of unflushed updates for layer.
func (c *Coordinator) PendingUpdates(layer types.Layer) int {
	if q, ok := c.queues[layer]; ok {
		return q.len()
	}
	return 0
}

// Withdrawable returns the escrowed amount that id may withdraw.
func (c *Coordinator) Withdrawable(id types.IdentityID) *uint256.Int {
	if amount, ok := c.withdrawable[id]; ok {
		return new(uint256.Int).Set(amount)
	}
	return new(uint256.Int)
}

// DepositQuote prices the message a deposit to layer would send.
func (c *Coordinator) DepositQuote(layer types.Layer, client types.ClientID, id types.IdentityID, amount *uint256.Int) (Fee, error) {
	_, _, fee, err := c.prepare(layer, depositEnvelope(client, id, amount))
	return fee, err
}

// AuthenticateQuote prices the message an authentication on layer would send.
func (c *Coordinator) AuthenticateQuote(layer types.Layer, client types.ClientID, id types.IdentityID) (Fee, error) {
	_, _, fee, err := c.prepare(layer, authenticateEnvelope(client, id))
	return fee, err
}

// WithdrawQuote prices a withdrawal. It is zero unless the default execution
// layer has pending ownership updates to flush.
func (c *Coordinator) WithdrawQuote() (Fee, error) {
	if c.PendingUpdates(c.cfg.DefaultLayer) == 0 {
		return ZeroFee(), nil
	}
	_, _, fee, err := c.prepare(c.cfg.DefaultLayer, &Envelope{Kind: KindOwnership})
	return fee, err
}

// Deposit escrows the asset and sends the deposit with every pending update
// for the target layer. Nothing is mutated when a check fails.
func (c *Coordinator) Deposit(ctx context.Context, req DepositRequest) error {
	ctx, span := c.tracer.Start(ctx, "sync.deposit", trace.WithAttributes(
		attribute.Int64("layer", int64(req.Layer)),
		attribute.Int64("identity", int64(req.ID)),
	))
	defer span.End()

	amount := amountOrZero(req.Amount)
	env, payload, fee, err := c.prepare(req.Layer, depositEnvelope(req.Client, req.ID, amount))
	if err != nil {
		return recordSpanError(span, err)
	}
	if err := c.authorizeCaller(req.From, req.Client, req.ID, fee, req.MessageFee, req.Value); err != nil {
		return recordSpanError(span, err)
	}
	if c.assets.Allowance(req.From, c.cfg.Escrow).Lt(amount) {
		return recordSpanError(span, fmt.Errorf("%w: allowance below %s", cerrors.ErrInsufficientBalance, amount.Dec()))
	}
	if c.assets.BalanceOf(req.From).Lt(amount) {
		return recordSpanError(span, fmt.Errorf("%w: asset balance below %s", cerrors.ErrInsufficientBalance, amount.Dec()))
	}
	if err := c.assets.TransferFrom(c.cfg.Escrow, req.From, c.cfg.Escrow, amount); err != nil {
		return recordSpanError(span, fmt.Errorf("escrow deposit: %w", err))
	}
	if err := c.dispatch(ctx, req.Layer, env, payload, fee); err != nil {
		if refundErr := c.assets.Transfer(c.cfg.Escrow, req.From, amount); refundErr != nil {
			err = errors.Join(err, fmt.Errorf("refund deposit: %w", refundErr))
		}
		return recordSpanError(span, err)
	}
	c.logger.Info("deposit sent",
		slog.String("layer", req.Layer.String()),
		slog.String("identity", req.ID.String()),
		slog.String("amount", amount.Dec()),
		slog.Int("updates", len(env.Updates)))
	span.SetStatus(codes.Ok, "deposit sent")
	return nil
}

// Authenticate sends a client authorization with every pending update for
// the target layer.
func (c *Coordinator) Authenticate(ctx context.Context, req AuthenticateRequest) error {
	ctx, span := c.tracer.Start(ctx, "sync.authenticate", trace.WithAttributes(
		attribute.Int64("layer", int64(req.Layer)),
		attribute.Int64("identity", int64(req.ID)),
	))
	defer span.End()

	env, payload, fee, err := c.prepare(req.Layer, authenticateEnvelope(req.Client, req.ID))
	if err != nil {
		return recordSpanError(span, err)
	}
	if err := c.authorizeCaller(req.From, req.Client, req.ID, fee, req.MessageFee, req.Value); err != nil {
		return recordSpanError(span, err)
	}
	if err := c.dispatch(ctx, req.Layer, env, payload, fee); err != nil {
		return recordSpanError(span, err)
	}
	c.logger.Info("authentication sent",
		slog.String("layer", req.Layer.String()),
		slog.String("identity", req.ID.String()),
		slog.Uint64("client", uint64(req.Client)))
	span.SetStatus(codes.Ok, "authentication sent")
	return nil
}

// Withdraw releases the withdrawable balance of an identity to its current
// canonical owner and returns the released amount.
func (c *Coordinator) Withdraw(ctx context.Context, req WithdrawRequest) (*uint256.Int, error) {
	ctx, span := c.tracer.Start(ctx, "sync.withdraw", trace.WithAttributes(
		attribute.Int64("identity", int64(req.ID)),
	))
	defer span.End()

	owner, err := c.tokens.OwnerOf(req.ID)
	if err != nil {
		return nil, recordSpanError(span, fmt.Errorf("%w: %v", cerrors.ErrUnknownIdentity, err))
	}
	if owner != req.From {
		return nil, recordSpanError(span, cerrors.ErrNotOwner)
	}
	if !c.clients.Exists(req.Client) {
		return nil, recordSpanError(span, fmt.Errorf("%w: %d", cerrors.ErrUnknownClient, req.Client))
	}
	amount, ok := c.withdrawable[req.ID]
	if !ok || amount.IsZero() {
		return nil, recordSpanError(span, cerrors.ErrNothingToWithdraw)
	}

	var (
		env     *Envelope
		payload []byte
		fee     = ZeroFee()
	)
	flush := c.PendingUpdates(c.cfg.DefaultLayer) > 0
	if flush {
		env, payload, fee, err = c.prepare(c.cfg.DefaultLayer, &Envelope{Kind: KindOwnership})
		if err != nil {
			return nil, recordSpanError(span, err)
		}
	}
	if err := fee.Cover(req.MessageFee, req.Value); err != nil {
		return nil, recordSpanError(span, err)
	}
	if err := c.assets.Transfer(c.cfg.Escrow, owner, amount); err != nil {
		return nil, recordSpanError(span, fmt.Errorf("release escrow: %w", err))
	}
	if flush {
		if err := c.dispatch(ctx, c.cfg.DefaultLayer, env, payload, fee); err != nil {
			if revertErr := c.assets.Transfer(owner, c.cfg.Escrow, amount); revertErr != nil {
				err = errors.Join(err, fmt.Errorf("revert release: %w", revertErr))
			}
			return nil, recordSpanError(span, err)
		}
	}
	delete(c.withdrawable, req.ID)
	c.emitter.Emit(events.WithdrawalReleased{Layer: c.cfg.Local, ID: req.ID, To: owner, Amount: amount})
	c.logger.Info("withdrawal released",
		slog.String("identity", req.ID.String()),
		slog.String("owner", owner.Hex()),
		slog.String("amount", amount.Dec()))
	span.SetStatus(codes.Ok, "withdrawal released")
	return amount, nil
}

// HandleMessage applies withdrawal notices sent by execution layers.
func (c *Coordinator) HandleMessage(ctx context.Context, src types.Layer, payload []byte) error {
	env, err := DecodeEnvelope(payload)
	if err != nil {
		return err
	}
	if env.Source != src {
		return fmt.Errorf("envelope source %s delivered from %s", env.Source, src)
	}
	_, err = c.inbox.Accept(env, c.applyNotices)
	return err
}

// applyNotices credits every notice of msg or none of them.
func (c *Coordinator) applyNotices(msg *Envelope) error {
	observability.Sync().RecordMessage("in", msg.Kind.String(), msg.Source.String())
	if msg.Kind != KindWithdrawals {
		c.logger.Warn("unexpected message on canonical layer",
			slog.String("source", msg.Source.String()),
			slog.String("kind", msg.Kind.String()),
			slog.Uint64("seq", msg.Seq))
		return nil
	}
	credited := make(map[types.IdentityID]*uint256.Int, len(msg.Withdrawals))
	amounts := make([]*uint256.Int, len(msg.Withdrawals))
	for i, notice := range msg.Withdrawals {
		amount, err := bigToAmount(notice.Amount)
		if err != nil {
			return fmt.Errorf("withdrawal notice for %s: %w", notice.ID, err)
		}
		current, ok := credited[notice.ID]
		if !ok {
			current = c.Withdrawable(notice.ID)
		}
		if _, overflow := current.AddOverflow(current, amount); overflow {
			return fmt.Errorf("withdrawal notice for %s: %w", notice.ID, cerrors.ErrAmountOverflow)
		}
		credited[notice.ID] = current
		amounts[i] = amount
	}
	for id, total := range credited {
		c.withdrawable[id] = total
	}
	for i, notice := range msg.Withdrawals {
		c.emitter.Emit(events.WithdrawalCredited{Layer: c.cfg.Local, Source: msg.Source, ID: notice.ID, Amount: amounts[i]})
	}
	return nil
}

func (c *Coordinator) authorizeCaller(from common.Address, client types.ClientID, id types.IdentityID, fee Fee, messageFee, value *uint256.Int) error {
	if err := fee.Cover(messageFee, value); err != nil {
		return err
	}
	if !c.clients.Exists(client) {
		return fmt.Errorf("%w: %d", cerrors.ErrUnknownClient, client)
	}
	owner, err := c.tokens.OwnerOf(id)
	if err != nil {
		return fmt.Errorf("%w: %v", cerrors.ErrUnknownIdentity, err)
	}
	if owner != from {
		return cerrors.ErrNotOwner
	}
	return nil
}

// prepare fills source, sequence and pending updates into env and prices the
// resulting payload. Nothing is committed.
func (c *Coordinator) prepare(layer types.Layer, env *Envelope) (*Envelope, []byte, Fee, error) {
	q, ok := c.queues[layer]
	if !ok {
		return nil, nil, Fee{}, fmt.Errorf("%w: %s", cerrors.ErrUnknownLayer, layer)
	}
	env.Source = c.cfg.Local
	env.Seq = c.outSeq[layer] + 1
	env.Updates = q.pending()
	payload, err := EncodeEnvelope(env)
	if err != nil {
		return nil, nil, Fee{}, err
	}
	fee, err := c.transport.Quote(layer, payload)
	if err != nil {
		return nil, nil, Fee{}, err
	}
	return env, payload, fee, nil
}

func (c *Coordinator) dispatch(ctx context.Context, layer types.Layer, env *Envelope, payload []byte, fee Fee) error {
	if err := c.transport.Send(ctx, layer, payload, fee); err != nil {
		return fmt.Errorf("send %s to %s: %w", env.Kind, layer, err)
	}
	c.queues[layer].commit(env.Updates)
	c.outSeq[layer] = env.Seq
	observability.Sync().RecordMessage("out", env.Kind.String(), layer.String())
	observability.Sync().SetPending(layer.String(), c.queues[layer].len())
	c.emitter.Emit(events.MessageSent{
		Source:  c.cfg.Local,
		Dest:    layer,
		Kind:    env.Kind.String(),
		Seq:     env.Seq,
		Updates: len(env.Updates),
		Fee:     fee.Native,
	})
	return nil
}

func depositEnvelope(client types.ClientID, id types.IdentityID, amount *uint256.Int) *Envelope {
	return &Envelope{Kind: KindDeposit, Identity: id, Client: client, Amount: amountToBig(amount)}
}

func authenticateEnvelope(client types.ClientID, id types.IdentityID) *Envelope {
	return &Envelope{Kind: KindAuthenticate, Identity: id, Client: client, Amount: new(big.Int)}
}

func recordSpanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// CoordinatorSnapshot is the persisted form of a Coordinator.
type CoordinatorSnapshot struct {
	Queues       []QueueSnapshot
	OutSeq       []LayerSeq
	Inbox        InboxSnapshot
	Withdrawable []Withdrawable
}

// LayerSeq records the last sequence sent to a layer.
type LayerSeq struct {
	Layer types.Layer
	Seq   uint64
}

// Withdrawable records an escrowed balance awaiting release.
type Withdrawable struct {
	ID     types.IdentityID
	Amount *big.Int
}

// Snapshot captures the coordinator state deterministically.
func (c *Coordinator) Snapshot() CoordinatorSnapshot {
	var snap CoordinatorSnapshot
	for _, layer := range c.Layers() {
		snap.Queues = append(snap.Queues, c.queues[layer].snapshot(layer))
		snap.OutSeq = append(snap.OutSeq, LayerSeq{Layer: layer, Seq: c.outSeq[layer]})
	}
	snap.Inbox = c.inbox.Snapshot()
	for id, amount := range c.withdrawable {
		snap.Withdrawable = append(snap.Withdrawable, Withdrawable{ID: id, Amount: amount.ToBig()})
	}
	sort.Slice(snap.Withdrawable, func(i, j int) bool { return snap.Withdrawable[i].ID < snap.Withdrawable[j].ID })
	return snap
}

// Restore replaces the coordinator state with snap.
func (c *Coordinator) Restore(snap CoordinatorSnapshot) error {
	queues := make(map[types.Layer]*updateQueue, len(snap.Queues))
	for _, q := range snap.Queues {
		queues[q.Layer] = restoreQueue(q)
	}
	for layer := range c.queues {
		if _, ok := queues[layer]; !ok {
			queues[layer] = newUpdateQueue()
		}
	}
	outSeq := make(map[types.Layer]uint64, len(snap.OutSeq))
	for _, seq := range snap.OutSeq {
		outSeq[seq.Layer] = seq.Seq
	}
	withdrawable := make(map[types.IdentityID]*uint256.Int, len(snap.Withdrawable))
	for _, entry := range snap.Withdrawable {
		amount, err := bigToAmount(entry.Amount)
		if err != nil {
			return fmt.Errorf("restore withdrawable %s: %w", entry.ID, err)
		}
		withdrawable[entry.ID] = amount
	}
	c.queues = queues
	c.outSeq = outSeq
	c.inbox.Restore(snap.Inbox)
	c.withdrawable = withdrawable
	return nil
}
