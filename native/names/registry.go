// Package names is the canonical registry of username tokens. Each token is
// an identity with an immutable handle and a transferable owner.
package names

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"cawnet/core/types"
)

var (
	ErrUnknownToken = errors.New("names: unknown token")
	ErrNotOwner     = errors.New("names: sender does not own token")
	ErrZeroAddress  = errors.New("names: zero address")
)

// OwnershipHook observes every mint and transfer.
type OwnershipHook func(id types.IdentityID, owner common.Address)

type token struct {
	handle string
	owner  common.Address
}

// Registry mints and transfers username tokens. It is not safe for
// concurrent use.
type Registry struct {
	tokens   map[types.IdentityID]*token
	byHandle map[string]types.IdentityID
	last     types.IdentityID
	hooks    []OwnershipHook
}

// NewRegistry returns an empty registry. Identifiers start at 1.
func NewRegistry() *Registry {
	return &Registry{
		tokens:   make(map[types.IdentityID]*token),
		byHandle: make(map[string]types.IdentityID),
	}
}

// OnOwnershipChange registers a hook run after every mint and transfer.
func (r *Registry) OnOwnershipChange(hook OwnershipHook) {
	if hook != nil {
		r.hooks = append(r.hooks, hook)
	}
}

// Mint creates a token with the given handle for to.
func (r *Registry) Mint(to common.Address, handle string) (types.IdentityID, error) {
	if to == (common.Address{}) {
		return types.NoIdentity, ErrZeroAddress
	}
	normalized, err := NormalizeHandle(handle)
	if err != nil {
		return types.NoIdentity, err
	}
	if _, taken := r.byHandle[normalized]; taken {
		return types.NoIdentity, fmt.Errorf("%w: %s", ErrHandleTaken, normalized)
	}
	if r.last == ^types.IdentityID(0) {
		return types.NoIdentity, fmt.Errorf("names: identifier space exhausted")
	}
	r.last++
	id := r.last
	r.tokens[id] = &token{handle: normalized, owner: to}
	r.byHandle[normalized] = id
	r.notify(id, to)
	return id, nil
}

// Transfer moves token id from `from` to `to`.
func (r *Registry) Transfer(from, to common.Address, id types.IdentityID) error {
	tok, ok := r.tokens[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownToken, id)
	}
	if tok.owner != from {
		return fmt.Errorf("%w: %d", ErrNotOwner, id)
	}
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	tok.owner = to
	r.notify(id, to)
	return nil
}

func (r *Registry) notify(id types.IdentityID, owner common.Address) {
	for _, hook := range r.hooks {
		hook(id, owner)
	}
}

// OwnerOf returns the current owner of id.
func (r *Registry) OwnerOf(id types.IdentityID) (common.Address, error) {
	tok, ok := r.tokens[id]
	if !ok {
		return common.Address{}, fmt.Errorf("%w: %d", ErrUnknownToken, id)
	}
	return tok.owner, nil
}

// Handle returns the handle of id.
func (r *Registry) Handle(id types.IdentityID) (string, bool) {
	tok, ok := r.tokens[id]
	if !ok {
		return "", false
	}
	return tok.handle, true
}

// Lookup resolves a handle to its identity.
func (r *Registry) Lookup(handle string) (types.IdentityID, bool) {
	normalized, err := NormalizeHandle(handle)
	if err != nil {
		return types.NoIdentity, false
	}
	id, ok := r.byHandle[normalized]
	return id, ok
}

// TokensOf lists the identities owned by owner in ascending order.
func (r *Registry) TokensOf(owner common.Address) []types.IdentityID {
	var out []types.IdentityID
	for id, tok := range r.tokens {
		if tok.owner == owner {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Record is one persisted token.
type Record struct {
	ID     types.IdentityID
	Handle string
	Owner  common.Address
}

// Snapshot is the persisted form of a Registry.
type Snapshot struct {
	Last   types.IdentityID
	Tokens []Record
}

// Snapshot captures every token in identifier order.
func (r *Registry) Snapshot() Snapshot {
	snap := Snapshot{Last: r.last}
	for id, tok := range r.tokens {
		snap.Tokens = append(snap.Tokens, Record{ID: id, Handle: tok.handle, Owner: tok.owner})
	}
	sort.Slice(snap.Tokens, func(i, j int) bool { return snap.Tokens[i].ID < snap.Tokens[j].ID })
	return snap
}

// Restore replaces the registry contents. Hooks are kept and not invoked.
func (r *Registry) Restore(snap Snapshot) error {
	tokens := make(map[types.IdentityID]*token, len(snap.Tokens))
	byHandle := make(map[string]types.IdentityID, len(snap.Tokens))
	for _, record := range snap.Tokens {
		if _, dup := byHandle[record.Handle]; dup {
			return fmt.Errorf("%w: %s", ErrHandleTaken, record.Handle)
		}
		tokens[record.ID] = &token{handle: record.Handle, owner: record.Owner}
		byHandle[record.Handle] = record.ID
	}
	r.tokens = tokens
	r.byHandle = byHandle
	r.last = snap.Last
	return nil
}
