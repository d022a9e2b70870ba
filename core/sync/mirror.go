package sync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"cawnet/core/events"
	"cawnet/core/types"
	"cawnet/observability"
)

// MirrorConfig identifies an execution layer and the canonical layer it
// mirrors.
type MirrorConfig struct {
	Local      types.Layer
	Canonical  types.Layer
	InboxLimit int
}

type pendingWithdrawal struct {
	id     types.IdentityID
	amount *uint256.Int
}

// Mirror is the execution side of cross-layer sync. It caches canonical
// owners, applies inbound deposits and authorizations to a Sink, and reports
// withdrawals back to the canonical layer. It is not safe for concurrent use;
// core.Node serialises access.
type Mirror struct {
	cfg       MirrorConfig
	transport Transport
	sink      Sink
	emitter   events.Emitter
	logger    *slog.Logger
	tracer    trace.Tracer

	owners    map[types.IdentityID]common.Address
	nextIndex uint64
	inbox     *Inbox
	outSeq    uint64
	pending   []pendingWithdrawal
}

// NewMirror wires a mirror to the transport and the state it feeds.
func NewMirror(cfg MirrorConfig, transport Transport, sink Sink) (*Mirror, error) {
	if transport == nil || sink == nil {
		return nil, fmt.Errorf("sync: mirror requires a transport and a sink")
	}
	return &Mirror{
		cfg:       cfg,
		transport: transport,
		sink:      sink,
		emitter:   events.NoopEmitter{},
		logger:    slog.Default(),
		tracer:    otel.Tracer("cawnet/sync"),
		owners:    make(map[types.IdentityID]common.Address),
		inbox:     NewInbox(cfg.InboxLimit),
	}, nil
}

// SetEmitter configures the event sink.
func (m *Mirror) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	m.emitter = emitter
}

// SetLogger configures the structured logger.
func (m *Mirror) SetLogger(logger *slog.Logger) {
	if logger != nil {
		m.logger = logger
	}
}

// OwnerOf returns the cached canonical owner of id.
func (m *Mirror) OwnerOf(id types.IdentityID) (common.Address, bool) {
	owner, ok := m.owners[id]
	return owner, ok
}

// NextIndex returns the index of the next ownership update to apply.
func (m *Mirror) NextIndex() uint64 { return m.nextIndex }

// HandleMessage applies an envelope from the canonical layer. Duplicates are
// ignored and early envelopes wait until their predecessors arrive. An envelope
// that fails to apply is kept and retried on the next delivery.
func (m *Mirror) HandleMessage(ctx context.Context, src types.Layer, payload []byte) error {
	env, err := DecodeEnvelope(payload)
	if err != nil {
		return err
	}
	if env.Source != src || src != m.cfg.Canonical {
		return fmt.Errorf("envelope from %s (claims %s) is not from canonical layer %s", src, env.Source, m.cfg.Canonical)
	}
	_, err = m.inbox.Accept(env, func(msg *Envelope) error {
		if err := m.apply(msg); err != nil {
			return fmt.Errorf("apply %s #%d: %w", msg.Kind, msg.Seq, err)
		}
		observability.Sync().RecordMessage("in", msg.Kind.String(), msg.Source.String())
		return nil
	})
	return err
}

// apply is safe to repeat after a failure: updates below nextIndex are skipped.
func (m *Mirror) apply(env *Envelope) error {
	var amount *uint256.Int
	if env.Kind == KindDeposit {
		value, err := env.AmountValue()
		if err != nil {
			return err
		}
		amount = value
	}
	if err := m.applyUpdates(env.Updates); err != nil {
		return err
	}
	switch env.Kind {
	case KindOwnership:
	case KindDeposit:
		if err := m.sink.Deposit(env.Identity, amount); err != nil {
			return err
		}
		m.emitter.Emit(events.DepositApplied{Layer: m.cfg.Local, ID: env.Identity, Client: env.Client, Amount: amount})
		m.authorize(env.Identity, env.Client)
	case KindAuthenticate:
		m.authorize(env.Identity, env.Client)
	default:
		m.logger.Warn("unexpected message on execution layer",
			slog.String("kind", env.Kind.String()),
			slog.Uint64("seq", env.Seq))
	}
	return nil
}

func (m *Mirror) applyUpdates(updates []OwnershipUpdate) error {
	for _, update := range updates {
		if update.Index < m.nextIndex {
			continue
		}
		if update.Index > m.nextIndex {
			return fmt.Errorf("ownership update gap: want index %d, got %d", m.nextIndex, update.Index)
		}
		m.owners[update.ID] = update.Owner
		m.nextIndex++
		if update.Final {
			m.emitter.Emit(events.OwnerSynced{Layer: m.cfg.Local, ID: update.ID, Owner: update.Owner, Index: update.Index})
		}
	}
	return nil
}

func (m *Mirror) authorize(id types.IdentityID, client types.ClientID) {
	if m.sink.Authorize(id, client) {
		m.emitter.Emit(events.ClientAuthorized{Layer: m.cfg.Local, ID: id, Client: client})
	}
}

// QueueWithdrawal records a withdrawal to report with the next flush.
func (m *Mirror) QueueWithdrawal(id types.IdentityID, amount *uint256.Int) {
	m.pending = append(m.pending, pendingWithdrawal{id: id, amount: new(uint256.Int).Set(amountOrZero(amount))})
}

// PendingWithdrawals returns the number of queued withdrawal notices.
func (m *Mirror) PendingWithdrawals() int { return len(m.pending) }

// WithdrawalQuote prices a withdrawal notice carrying the given entries.
func (m *Mirror) WithdrawalQuote(ids []types.IdentityID, amounts []*uint256.Int) (Fee, error) {
	if len(ids) != len(amounts) {
		return Fee{}, fmt.Errorf("withdrawal quote: %d ids for %d amounts", len(ids), len(amounts))
	}
	if len(ids) == 0 {
		return ZeroFee(), nil
	}
	entries := make([]pendingWithdrawal, len(ids))
	for i := range ids {
		entries[i] = pendingWithdrawal{id: ids[i], amount: amountOrZero(amounts[i])}
	}
	_, fee, err := m.prepare(entries)
	return fee, err
}

// FlushWithdrawals sends every queued withdrawal notice in one message and
// returns the fee paid. It is a no-op when nothing is queued.
func (m *Mirror) FlushWithdrawals(ctx context.Context) (Fee, error) {
	if len(m.pending) == 0 {
		return ZeroFee(), nil
	}
	ctx, span := m.tracer.Start(ctx, "sync.flush_withdrawals", trace.WithAttributes(
		attribute.Int("withdrawals", len(m.pending)),
	))
	defer span.End()

	payload, fee, err := m.prepare(m.pending)
	if err != nil {
		return Fee{}, recordSpanError(span, err)
	}
	if err := m.transport.Send(ctx, m.cfg.Canonical, payload, fee); err != nil {
		return Fee{}, recordSpanError(span, fmt.Errorf("send withdrawals to %s: %w", m.cfg.Canonical, err))
	}
	m.outSeq++
	observability.Sync().RecordMessage("out", KindWithdrawals.String(), m.cfg.Canonical.String())
	m.emitter.Emit(events.MessageSent{
		Source: m.cfg.Local,
		Dest:   m.cfg.Canonical,
		Kind:   KindWithdrawals.String(),
		Seq:    m.outSeq,
		Fee:    fee.Native,
	})
	m.logger.Info("withdrawals sent",
		slog.String("dest", m.cfg.Canonical.String()),
		slog.Int("count", len(m.pending)),
		slog.Uint64("seq", m.outSeq))
	m.pending = nil
	span.SetStatus(codes.Ok, "withdrawals sent")
	return fee, nil
}

func (m *Mirror) prepare(entries []pendingWithdrawal) ([]byte, Fee, error) {
	env := &Envelope{
		Source: m.cfg.Local,
		Seq:    m.outSeq + 1,
		Kind:   KindWithdrawals,
	}
	for _, entry := range entries {
		env.Withdrawals = append(env.Withdrawals, WithdrawalNotice{ID: entry.id, Amount: amountToBig(entry.amount)})
	}
	payload, err := EncodeEnvelope(env)
	if err != nil {
		return nil, Fee{}, err
	}
	fee, err := m.transport.Quote(m.cfg.Canonical, payload)
	if err != nil {
		return nil, Fee{}, err
	}
	return payload, fee, nil
}

// CachedOwner is one persisted owner entry.
type CachedOwner struct {
	ID    types.IdentityID
	Owner common.Address
}

// MirrorSnapshot is the persisted form of a Mirror.
type MirrorSnapshot struct {
	Owners    []CachedOwner
	NextIndex uint64
	OutSeq    uint64
	Inbox     InboxSnapshot
	Pending   []WithdrawalNotice
}

// Snapshot captures the mirror state deterministically.
func (m *Mirror) Snapshot() MirrorSnapshot {
	snap := MirrorSnapshot{NextIndex: m.nextIndex, OutSeq: m.outSeq, Inbox: m.inbox.Snapshot()}
	for id, owner := range m.owners {
		snap.Owners = append(snap.Owners, CachedOwner{ID: id, Owner: owner})
	}
	sort.Slice(snap.Owners, func(i, j int) bool { return snap.Owners[i].ID < snap.Owners[j].ID })
	for _, entry := range m.pending {
		snap.Pending = append(snap.Pending, WithdrawalNotice{ID: entry.id, Amount: amountToBig(entry.amount)})
	}
	return snap
}

// Restore replaces the mirror state with snap.
func (m *Mirror) Restore(snap MirrorSnapshot) error {
	owners := make(map[types.IdentityID]common.Address, len(snap.Owners))
	for _, entry := range snap.Owners {
		owners[entry.ID] = entry.Owner
	}
	pending := make([]pendingWithdrawal, 0, len(snap.Pending))
	for _, notice := range snap.Pending {
		amount, err := bigToAmount(notice.Amount)
		if err != nil {
			return fmt.Errorf("restore withdrawal %s: %w", notice.ID, err)
		}
		pending = append(pending, pendingWithdrawal{id: notice.ID, amount: amount})
	}
	m.owners = owners
	m.nextIndex = snap.NextIndex
	m.outSeq = snap.OutSeq
	m.pending = pending
	m.inbox.Restore(snap.Inbox)
	return nil
}
