package sync

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"cawnet/core/types"
)

// Status describes whether an identity has ownership changes that have not
// yet been flushed to an execution layer.
type Status uint8

const (
	// StatusNoPending means the identity never had an update queued.
	StatusNoPending Status = iota
	// StatusPending means at least one update waits in the queue.
	StatusPending
	// StatusApplied means every queued update was flushed to the layer.
	StatusApplied
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusApplied:
		return "applied"
	default:
		return "no-pending"
	}
}

// updateQueue holds the ownership updates for one execution layer. Entries
// in [start, end) have not been flushed yet.
type updateQueue struct {
	entries map[uint64]OwnershipUpdate
	latest  map[types.IdentityID]uint64
	start   uint64
	end     uint64
}

func newUpdateQueue() *updateQueue {
	return &updateQueue{
		entries: make(map[uint64]OwnershipUpdate),
		latest:  make(map[types.IdentityID]uint64),
	}
}

func (q *updateQueue) push(id types.IdentityID, owner common.Address) OwnershipUpdate {
	update := OwnershipUpdate{Index: q.end, ID: id, Owner: owner}
	q.entries[q.end] = update
	q.latest[id] = q.end
	q.end++
	return update
}

func (q *updateQueue) len() int { return int(q.end - q.start) }

// pending returns the unflushed updates in index order with Final marking
// the last update of each identity.
func (q *updateQueue) pending() []OwnershipUpdate {
	if q.len() == 0 {
		return nil
	}
	out := make([]OwnershipUpdate, 0, q.len())
	for idx := q.start; idx < q.end; idx++ {
		update := q.entries[idx]
		update.Final = q.latest[update.ID] == idx
		out = append(out, update)
	}
	return out
}

// commit marks every update up to and including last as flushed.
func (q *updateQueue) commit(updates []OwnershipUpdate) {
	if len(updates) == 0 {
		return
	}
	last := updates[len(updates)-1].Index
	for idx := q.start; idx <= last; idx++ {
		delete(q.entries, idx)
	}
	q.start = last + 1
}

func (q *updateQueue) status(id types.IdentityID) Status {
	idx, ok := q.latest[id]
	switch {
	case !ok:
		return StatusNoPending
	case idx >= q.start:
		return StatusPending
	default:
		return StatusApplied
	}
}

// QueueSnapshot is the persisted form of one layer queue.
type QueueSnapshot struct {
	Layer   types.Layer
	Start   uint64
	End     uint64
	Entries []OwnershipUpdate
	Latest  []LatestIndex
}

// LatestIndex records the most recent update index of an identity.
type LatestIndex struct {
	ID    types.IdentityID
	Index uint64
}

func (q *updateQueue) snapshot(layer types.Layer) QueueSnapshot {
	snap := QueueSnapshot{Layer: layer, Start: q.start, End: q.end}
	for idx := q.start; idx < q.end; idx++ {
		snap.Entries = append(snap.Entries, q.entries[idx])
	}
	for id, idx := range q.latest {
		snap.Latest = append(snap.Latest, LatestIndex{ID: id, Index: idx})
	}
	sort.Slice(snap.Latest, func(a, b int) bool { return snap.Latest[a].ID < snap.Latest[b].ID })
	return snap
}

func restoreQueue(snap QueueSnapshot) *updateQueue {
	q := newUpdateQueue()
	q.start = snap.Start
	q.end = snap.End
	for _, entry := range snap.Entries {
		entry.Final = false
		q.entries[entry.Index] = entry
	}
	for _, latest := range snap.Latest {
		q.latest[latest.ID] = latest.Index
	}
	return q
}
