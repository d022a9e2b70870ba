package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"cawnet/core/actions"
	"cawnet/core/auth"
	"cawnet/core/events"
	"cawnet/core/ledger"
	"cawnet/core/state"
	csync "cawnet/core/sync"
	"cawnet/core/types"
)

// NodeConfig parameterises an execution node.
type NodeConfig struct {
	Layer     types.Layer
	Canonical types.Layer
	Domain    actions.Domain
	Costs     actions.CostTable
	EmptyPool ledger.EmptyPoolPolicy
	// MaxBatchSize caps the actions accepted per batch. Zero disables the cap.
	MaxBatchSize int
	InboxLimit   int
}

// IdentityView is the execution-side state of one identity.
type IdentityView struct {
	ID          types.IdentityID
	Owner       common.Address
	Synced      bool
	Balance     *uint256.Int
	NextCawonce uint32
	Clients     []types.ClientID
}

// Node is an execution layer: the stake-weighted ledger, the authentication
// flags, the ownership mirror and the action processor behind one lock.
type Node struct {
	mu        sync.RWMutex
	cfg       NodeConfig
	ledger    *ledger.Ledger
	auth      *auth.Registry
	mirror    *csync.Mirror
	processor *actions.Processor
	store     *state.Store
	logger    *slog.Logger
}

// executionSink applies inbound canonical messages to the local state.
type executionSink struct {
	ledger *ledger.Ledger
	auth   *auth.Registry
}

func (s executionSink) Deposit(id types.IdentityID, amount *uint256.Int) error {
	return s.ledger.Deposit(id, amount)
}

func (s executionSink) Authorize(id types.IdentityID, client types.ClientID) bool {
	return s.auth.Authorize(id, client)
}

// NewNode builds an execution node that talks to the canonical layer over
// transport.
func NewNode(cfg NodeConfig, transport csync.Transport) (*Node, error) {
	l := ledger.New(cfg.EmptyPool)
	registry := auth.NewRegistry()
	mirror, err := csync.NewMirror(csync.MirrorConfig{
		Local:      cfg.Layer,
		Canonical:  cfg.Canonical,
		InboxLimit: cfg.InboxLimit,
	}, transport, executionSink{ledger: l, auth: registry})
	if err != nil {
		return nil, err
	}
	processor, err := actions.NewProcessor(actions.Config{
		Domain:       cfg.Domain,
		Costs:        cfg.Costs,
		Layer:        cfg.Layer,
		MaxBatchSize: cfg.MaxBatchSize,
	}, l, registry, mirror)
	if err != nil {
		return nil, err
	}
	return &Node{
		cfg:       cfg,
		ledger:    l,
		auth:      registry,
		mirror:    mirror,
		processor: processor,
		logger:    slog.Default(),
	}, nil
}

// SetEmitter routes mirror and processor events to emitter.
func (n *Node) SetEmitter(emitter events.Emitter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.mirror.SetEmitter(emitter)
	n.processor.SetEmitter(emitter)
}

// SetLogger configures the structured logger of the node and its components.
func (n *Node) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.logger = logger
	n.mirror.SetLogger(logger)
	n.processor.SetLogger(logger)
}

// AttachStore restores the last persisted snapshot of this layer, if any, and
// persists the node state after every mutation from then on.
func (n *Node) AttachStore(store *state.Store) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	snap, found, err := store.LoadExecution(n.cfg.Layer)
	if err != nil {
		return err
	}
	if found {
		if err := n.restoreLocked(snap); err != nil {
			return err
		}
		n.logger.Info("execution state restored",
			slog.String("layer", n.cfg.Layer.String()),
			slog.Int("cawonces", len(snap.Cawonces)))
	}
	n.store = store
	return nil
}

func (n *Node) Layer() types.Layer { return n.cfg.Layer }

// CanonicalLayer is the layer ownership is mirrored from.
func (n *Node) CanonicalLayer() types.Layer { return n.cfg.Canonical }

func (n *Node) Domain() actions.Domain { return n.processor.Domain() }

func (n *Node) Costs() actions.CostTable { return n.processor.Costs() }

// HandleMessage applies a canonical message. It satisfies csync.Handler.
func (n *Node) HandleMessage(ctx context.Context, src types.Layer, payload []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	err := n.mirror.HandleMessage(ctx, src, payload)
	n.persistLocked()
	return err
}

// ProcessBatch applies a validator batch. See actions.Processor.ProcessBatch.
func (n *Node) ProcessBatch(ctx context.Context, validatorID types.IdentityID, sigs []types.Signature, batch []types.Action, value *uint256.Int) (*actions.BatchResult, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	result, err := n.processor.ProcessBatch(ctx, validatorID, sigs, batch, value)
	if err != nil {
		return nil, err
	}
	n.persistLocked()
	return result, nil
}

// WithdrawalFee quotes the native fee a batch containing the given actions
// must carry.
func (n *Node) WithdrawalFee(batch []types.Action) (csync.Fee, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.processor.WithdrawalFee(batch)
}

// BalanceOf returns the current token value held by id.
func (n *Node) BalanceOf(id types.IdentityID) *uint256.Int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.ledger.BalanceOf(id)
}

// NextCawonce returns the cawonce the next action of id must carry.
func (n *Node) NextCawonce(id types.IdentityID) uint32 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.processor.NextCawonce(id)
}

// OwnerOf returns the mirrored owner of id.
func (n *Node) OwnerOf(id types.IdentityID) (common.Address, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.mirror.OwnerOf(id)
}

// IsAuthorized reports whether client may act for id.
func (n *Node) IsAuthorized(id types.IdentityID, client types.ClientID) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.auth.IsAuthorized(id, client)
}

// Identity returns a consistent view of id.
func (n *Node) Identity(id types.IdentityID) IdentityView {
	n.mu.RLock()
	defer n.mu.RUnlock()
	owner, synced := n.mirror.OwnerOf(id)
	return IdentityView{
		ID:          id,
		Owner:       owner,
		Synced:      synced,
		Balance:     n.ledger.BalanceOf(id),
		NextCawonce: n.processor.NextCawonce(id),
		Clients:     n.auth.Clients(id),
	}
}

// Supply reports the total stake value and the amount burned so far.
func (n *Node) Supply() (total, burned *uint256.Int) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.ledger.TotalValue(), n.ledger.Burned()
}

// Snapshot captures the node state.
func (n *Node) Snapshot() *state.ExecutionSnapshot {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.snapshotLocked()
}

// Restore replaces the node state with snap.
func (n *Node) Restore(snap *state.ExecutionSnapshot) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.restoreLocked(snap)
}

func (n *Node) snapshotLocked() *state.ExecutionSnapshot {
	return &state.ExecutionSnapshot{
		Version:  state.SnapshotVersion,
		Layer:    n.cfg.Layer,
		Ledger:   n.ledger.Snapshot(),
		Grants:   n.auth.Snapshot(),
		Mirror:   n.mirror.Snapshot(),
		Cawonces: n.processor.Snapshot(),
	}
}

func (n *Node) restoreLocked(snap *state.ExecutionSnapshot) error {
	if snap.Layer != n.cfg.Layer {
		return fmt.Errorf("core: snapshot of layer %s restored into layer %s", snap.Layer, n.cfg.Layer)
	}
	if err := n.ledger.Restore(snap.Ledger); err != nil {
		return err
	}
	if err := n.mirror.Restore(snap.Mirror); err != nil {
		return err
	}
	n.auth.Restore(snap.Grants)
	n.processor.Restore(snap.Cawonces)
	return nil
}

// persistLocked writes the current state. In-memory state stays
// authoritative when the write fails; the next mutation retries it.
func (n *Node) persistLocked() {
	if n.store == nil {
		return
	}
	if err := n.store.SaveExecution(n.snapshotLocked()); err != nil {
		n.logger.Error("persist execution state",
			slog.String("layer", n.cfg.Layer.String()),
			slog.Any("error", err))
	}
}
