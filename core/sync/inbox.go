package sync

import (
	"fmt"
	"sort"

	"cawnet/core/types"
)

// DefaultInboxLimit bounds the number of early envelopes buffered per source.
const DefaultInboxLimit = 1024

// Inbox turns at-least-once, unordered delivery into exactly-once, in-order
// application. It tracks the next expected sequence per source layer.
// Not safe for concurrent use.
type Inbox struct {
	next    map[types.Layer]uint64
	pending map[types.Layer]map[uint64]*Envelope
	limit   int
}

// NewInbox constructs an empty inbox buffering at most limit envelopes per
// source. A non-positive limit selects DefaultInboxLimit.
func NewInbox(limit int) *Inbox {
	if limit <= 0 {
		limit = DefaultInboxLimit
	}
	return &Inbox{
		next:    make(map[types.Layer]uint64),
		pending: make(map[types.Layer]map[uint64]*Envelope),
		limit:   limit,
	}
}

// Next returns the next sequence expected from source.
func (i *Inbox) Next(source types.Layer) uint64 {
	if next, ok := i.next[source]; ok {
		return next
	}
	return 1
}

// Accept registers env and hands every envelope that is now in sequence to
// apply, in order. The cursor moves past an envelope only once apply succeeds;
// a failing envelope stays buffered with its successors and is retried by the
// next Accept from the same source. It returns the number of envelopes applied.
func (i *Inbox) Accept(env *Envelope, apply func(*Envelope) error) (int, error) {
	if env == nil {
		return 0, fmt.Errorf("nil envelope")
	}
	next := i.Next(env.Source)
	if env.Seq < next {
		return 0, nil
	}
	buffered := i.pending[env.Source]
	if buffered == nil {
		buffered = make(map[uint64]*Envelope)
		i.pending[env.Source] = buffered
	}
	if _, dup := buffered[env.Seq]; !dup {
		if env.Seq > next && len(buffered) >= i.limit {
			return 0, fmt.Errorf("inbox for %s full: waiting for %d, got %d", env.Source, next, env.Seq)
		}
		buffered[env.Seq] = env
	}

	applied := 0
	for {
		queued, ok := buffered[next]
		if !ok {
			break
		}
		if err := apply(queued); err != nil {
			return applied, err
		}
		delete(buffered, next)
		next++
		i.next[env.Source] = next
		applied++
	}
	if len(buffered) == 0 {
		delete(i.pending, env.Source)
	}
	return applied, nil
}

// Buffered returns the number of early envelopes held for source.
func (i *Inbox) Buffered(source types.Layer) int {
	return len(i.pending[source])
}

// InboxCursor is the persisted position of one source.
type InboxCursor struct {
	Source types.Layer
	Next   uint64
}

// InboxSnapshot is the persisted form of an Inbox.
type InboxSnapshot struct {
	Cursors []InboxCursor
	Pending []Envelope
}

// Snapshot captures cursors and buffered envelopes in a deterministic order.
func (i *Inbox) Snapshot() InboxSnapshot {
	var snap InboxSnapshot
	for source, next := range i.next {
		snap.Cursors = append(snap.Cursors, InboxCursor{Source: source, Next: next})
	}
	sort.Slice(snap.Cursors, func(a, b int) bool { return snap.Cursors[a].Source < snap.Cursors[b].Source })
	for _, buffered := range i.pending {
		for _, env := range buffered {
			snap.Pending = append(snap.Pending, *env)
		}
	}
	sort.Slice(snap.Pending, func(a, b int) bool {
		if snap.Pending[a].Source != snap.Pending[b].Source {
			return snap.Pending[a].Source < snap.Pending[b].Source
		}
		return snap.Pending[a].Seq < snap.Pending[b].Seq
	})
	return snap
}

// Restore replaces the inbox state with snap.
func (i *Inbox) Restore(snap InboxSnapshot) {
	i.next = make(map[types.Layer]uint64, len(snap.Cursors))
	i.pending = make(map[types.Layer]map[uint64]*Envelope)
	for _, cursor := range snap.Cursors {
		i.next[cursor.Source] = cursor.Next
	}
	for idx := range snap.Pending {
		env := snap.Pending[idx]
		buffered := i.pending[env.Source]
		if buffered == nil {
			buffered = make(map[uint64]*Envelope)
			i.pending[env.Source] = buffered
		}
		buffered[env.Seq] = &env
	}
}
