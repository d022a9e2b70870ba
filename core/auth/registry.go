// Package auth tracks which client applications an identity has authorised to
// submit actions on its behalf.
package auth

import (
	"sort"

	"cawnet/core/types"
)

type key struct {
	id     types.IdentityID
	client types.ClientID
}

// Registry holds monotonic (identity, client) authorisation flags. It is not
// safe for concurrent use; the owning node serialises access.
type Registry struct {
	flags map[key]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{flags: make(map[key]struct{})}
}

// IsAuthorized reports whether client may act for id.
func (r *Registry) IsAuthorized(id types.IdentityID, client types.ClientID) bool {
	_, ok := r.flags[key{id: id, client: client}]
	return ok
}

// Authorize marks client as authorised for id and reports whether the flag was
// newly set. Flags are never cleared.
func (r *Registry) Authorize(id types.IdentityID, client types.ClientID) bool {
	k := key{id: id, client: client}
	if _, ok := r.flags[k]; ok {
		return false
	}
	r.flags[k] = struct{}{}
	return true
}

// Clients lists the clients authorised for id in ascending order.
func (r *Registry) Clients(id types.IdentityID) []types.ClientID {
	var out []types.ClientID
	for k := range r.flags {
		if k.id == id {
			out = append(out, k.client)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Grant is the persisted form of one authorisation flag.
type Grant struct {
	ID     uint32
	Client uint32
}

// Snapshot returns every flag ordered by identity then client.
func (r *Registry) Snapshot() []Grant {
	out := make([]Grant, 0, len(r.flags))
	for k := range r.flags {
		out = append(out, Grant{ID: uint32(k.id), Client: uint32(k.client)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Client < out[j].Client
	})
	return out
}

// Restore replaces the registry contents with grants.
func (r *Registry) Restore(grants []Grant) {
	r.flags = make(map[key]struct{}, len(grants))
	for _, g := range grants {
		r.flags[key{id: types.IdentityID(g.ID), client: types.ClientID(g.Client)}] = struct{}{}
	}
}
