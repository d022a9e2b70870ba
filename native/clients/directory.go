// Package clients tracks the client applications identities can
// authenticate with.
package clients

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"cawnet/core/types"
)

// ErrInvalidClient is returned for empty client names or owners.
var ErrInvalidClient = errors.New("clients: invalid client")

// Client is a registered application.
type Client struct {
	ID    types.ClientID
	Name  string
	Owner common.Address
}

// Directory assigns client identifiers. It is not safe for concurrent use.
type Directory struct {
	clients map[types.ClientID]Client
	last    types.ClientID
}

// NewDirectory returns an empty directory. Identifiers start at 1.
func NewDirectory() *Directory {
	return &Directory{clients: make(map[types.ClientID]Client)}
}

// Register adds a client owned by owner.
func (d *Directory) Register(owner common.Address, name string) (types.ClientID, error) {
	if name == "" || owner == (common.Address{}) {
		return 0, fmt.Errorf("%w: name and owner required", ErrInvalidClient)
	}
	d.last++
	d.clients[d.last] = Client{ID: d.last, Name: name, Owner: owner}
	return d.last, nil
}

// Exists reports whether client is registered.
func (d *Directory) Exists(client types.ClientID) bool {
	_, ok := d.clients[client]
	return ok
}

// Get returns the registered client.
func (d *Directory) Get(client types.ClientID) (Client, bool) {
	c, ok := d.clients[client]
	return c, ok
}

// Snapshot returns every client in identifier order.
func (d *Directory) Snapshot() []Client {
	out := make([]Client, 0, len(d.clients))
	for _, c := range d.clients {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Restore replaces the directory contents.
func (d *Directory) Restore(entries []Client) {
	d.clients = make(map[types.ClientID]Client, len(entries))
	d.last = 0
	for _, c := range entries {
		d.clients[c.ID] = c
		if c.ID > d.last {
			d.last = c.ID
		}
	}
}
