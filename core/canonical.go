package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"cawnet/core/events"
	"cawnet/core/state"
	csync "cawnet/core/sync"
	"cawnet/core/types"
	"cawnet/native/bank"
	"cawnet/native/clients"
	"cawnet/native/names"
)

// CanonicalConfig parameterises the canonical layer.
type CanonicalConfig struct {
	Layer types.Layer
	// DefaultLayer is flushed by withdrawals.
	DefaultLayer    types.Layer
	ExecutionLayers []types.Layer
	Escrow          common.Address
	InboxLimit      int
}

// IdentityRecord is the canonical state of one username token.
type IdentityRecord struct {
	ID           types.IdentityID
	Handle       string
	Owner        common.Address
	Withdrawable *uint256.Int
}

// Canonical is the canonical layer: username tokens, the escrowed asset, the
// client directory and the sync coordinator behind one lock.
type Canonical struct {
	mu          sync.RWMutex
	cfg         CanonicalConfig
	names       *names.Registry
	bank        *bank.Bank
	clients     *clients.Directory
	coordinator *csync.Coordinator
	store       *state.Store
	logger      *slog.Logger
}

// NewCanonical builds the canonical layer. Every mint and transfer of a
// username token is queued for each execution layer.
func NewCanonical(cfg CanonicalConfig, transport csync.Transport) (*Canonical, error) {
	if len(cfg.ExecutionLayers) == 0 {
		return nil, fmt.Errorf("core: at least one execution layer required")
	}
	registry := names.NewRegistry()
	ledger := bank.New()
	directory := clients.NewDirectory()
	coordinator, err := csync.NewCoordinator(csync.CoordinatorConfig{
		Local:        cfg.Layer,
		DefaultLayer: cfg.DefaultLayer,
		Escrow:       cfg.Escrow,
		InboxLimit:   cfg.InboxLimit,
	}, registry, ledger, directory, transport)
	if err != nil {
		return nil, err
	}
	for _, layer := range cfg.ExecutionLayers {
		coordinator.RegisterLayer(layer)
	}
	registry.OnOwnershipChange(coordinator.RecordOwnership)
	return &Canonical{
		cfg:         cfg,
		names:       registry,
		bank:        ledger,
		clients:     directory,
		coordinator: coordinator,
		logger:      slog.Default(),
	}, nil
}

// SetEmitter routes coordinator events to emitter.
func (c *Canonical) SetEmitter(emitter events.Emitter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.coordinator.SetEmitter(emitter)
}

func (c *Canonical) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger = logger
	c.coordinator.SetLogger(logger)
}

// AttachStore restores the last persisted snapshot, if any, and persists the
// canonical state after every mutation from then on.
func (c *Canonical) AttachStore(store *state.Store) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap, found, err := store.LoadCanonical(c.cfg.Layer)
	if err != nil {
		return err
	}
	if found {
		if err := c.restoreLocked(snap); err != nil {
			return err
		}
		c.logger.Info("canonical state restored",
			slog.String("layer", c.cfg.Layer.String()),
			slog.Int("identities", len(snap.Names.Tokens)))
	}
	c.store = store
	return nil
}

func (c *Canonical) Layer() types.Layer { return c.cfg.Layer }

// Escrow returns the account holding deposited assets.
func (c *Canonical) Escrow() common.Address { return c.cfg.Escrow }

// DefaultLayer is the execution layer withdrawals flush.
func (c *Canonical) DefaultLayer() types.Layer { return c.cfg.DefaultLayer }

// Layers returns the registered execution layers.
func (c *Canonical) Layers() []types.Layer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.coordinator.Layers()
}

// MintIdentity mints a username token for to.
func (c *Canonical) MintIdentity(to common.Address, handle string) (types.IdentityID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, err := c.names.Mint(to, handle)
	if err != nil {
		return types.NoIdentity, err
	}
	c.persistLocked()
	return id, nil
}

// TransferIdentity moves a username token between owners.
func (c *Canonical) TransferIdentity(from, to common.Address, id types.IdentityID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.names.Transfer(from, to, id); err != nil {
		return err
	}
	c.persistLocked()
	return nil
}

// RegisterClient adds a client application owned by owner.
func (c *Canonical) RegisterClient(owner common.Address, name string) (types.ClientID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, err := c.clients.Register(owner, name)
	if err != nil {
		return 0, err
	}
	c.persistLocked()
	return id, nil
}

// Fund mints the fungible asset to an account.
func (c *Canonical) Fund(to common.Address, amount *uint256.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.bank.Mint(to, amount); err != nil {
		return err
	}
	c.persistLocked()
	return nil
}

// Approve sets the escrow allowance of owner.
func (c *Canonical) Approve(owner common.Address, amount *uint256.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bank.Approve(owner, c.cfg.Escrow, amount)
	c.persistLocked()
}

// Deposit escrows assets and credits them on an execution layer.
func (c *Canonical) Deposit(ctx context.Context, req csync.DepositRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.coordinator.Deposit(ctx, req); err != nil {
		return err
	}
	c.persistLocked()
	return nil
}

// Authenticate authorizes a client for an identity on an execution layer.
func (c *Canonical) Authenticate(ctx context.Context, req csync.AuthenticateRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.coordinator.Authenticate(ctx, req); err != nil {
		return err
	}
	c.persistLocked()
	return nil
}

// Withdraw releases the withdrawable balance of an identity to its owner.
func (c *Canonical) Withdraw(ctx context.Context, req csync.WithdrawRequest) (*uint256.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	amount, err := c.coordinator.Withdraw(ctx, req)
	if err != nil {
		return nil, err
	}
	c.persistLocked()
	return amount, nil
}

// HandleMessage applies an execution layer message. It satisfies
// csync.Handler.
func (c *Canonical) HandleMessage(ctx context.Context, src types.Layer, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.coordinator.HandleMessage(ctx, src, payload)
	c.persistLocked()
	return err
}

func (c *Canonical) DepositQuote(layer types.Layer, client types.ClientID, id types.IdentityID, amount *uint256.Int) (csync.Fee, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.coordinator.DepositQuote(layer, client, id, amount)
}

func (c *Canonical) AuthenticateQuote(layer types.Layer, client types.ClientID, id types.IdentityID) (csync.Fee, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.coordinator.AuthenticateQuote(layer, client, id)
}

func (c *Canonical) WithdrawQuote() (csync.Fee, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.coordinator.WithdrawQuote()
}

// Status reports whether id has unflushed ownership updates for layer.
func (c *Canonical) Status(id types.IdentityID, layer types.Layer) (csync.Status, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.coordinator.Status(id, layer)
}

// PendingUpdates returns the number of unflushed updates for layer.
func (c *Canonical) PendingUpdates(layer types.Layer) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.coordinator.PendingUpdates(layer)
}

// Identity returns the canonical record of id.
func (c *Canonical) Identity(id types.IdentityID) (IdentityRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	owner, err := c.names.OwnerOf(id)
	if err != nil {
		return IdentityRecord{}, err
	}
	handle, _ := c.names.Handle(id)
	return IdentityRecord{
		ID:           id,
		Handle:       handle,
		Owner:        owner,
		Withdrawable: c.coordinator.Withdrawable(id),
	}, nil
}

// Lookup resolves a handle to its identity.
func (c *Canonical) Lookup(handle string) (types.IdentityID, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.names.Lookup(handle)
}

// IdentitiesOf lists the tokens held by owner.
func (c *Canonical) IdentitiesOf(owner common.Address) []types.IdentityID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.names.TokensOf(owner)
}

// BalanceOf returns the asset balance of an account.
func (c *Canonical) BalanceOf(owner common.Address) *uint256.Int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bank.BalanceOf(owner)
}

// Allowance returns what the escrow may still pull from owner.
func (c *Canonical) Allowance(owner common.Address) *uint256.Int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bank.Allowance(owner, c.cfg.Escrow)
}

// Client returns a registered client application.
func (c *Canonical) Client(id types.ClientID) (clients.Client, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clients.Get(id)
}

// Snapshot captures the canonical state.
func (c *Canonical) Snapshot() *state.CanonicalSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked()
}

// Restore replaces the canonical state with snap.
func (c *Canonical) Restore(snap *state.CanonicalSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.restoreLocked(snap)
}

func (c *Canonical) snapshotLocked() *state.CanonicalSnapshot {
	return &state.CanonicalSnapshot{
		Version:     state.SnapshotVersion,
		Layer:       c.cfg.Layer,
		Coordinator: c.coordinator.Snapshot(),
		Names:       c.names.Snapshot(),
		Bank:        c.bank.Snapshot(),
		Clients:     c.clients.Snapshot(),
	}
}

func (c *Canonical) restoreLocked(snap *state.CanonicalSnapshot) error {
	if snap.Layer != c.cfg.Layer {
		return fmt.Errorf("core: snapshot of layer %s restored into layer %s", snap.Layer, c.cfg.Layer)
	}
	if err := c.names.Restore(snap.Names); err != nil {
		return err
	}
	if err := c.bank.Restore(snap.Bank); err != nil {
		return err
	}
	if err := c.coordinator.Restore(snap.Coordinator); err != nil {
		return err
	}
	c.clients.Restore(snap.Clients)
	return nil
}

func (c *Canonical) persistLocked() {
	if c.store == nil {
		return
	}
	if err := c.store.SaveCanonical(c.snapshotLocked()); err != nil {
		c.logger.Error("persist canonical state",
			slog.String("layer", c.cfg.Layer.String()),
			slog.Any("error", err))
	}
}
