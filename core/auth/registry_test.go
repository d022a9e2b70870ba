package auth

import (
	"testing"

	"github.com/stretchr/testify/require"

	"cawnet/core/types"
)

func TestAuthorizeIsMonotonic(t *testing.T) {
	r := NewRegistry()
	require.False(t, r.IsAuthorized(1, 2))

	require.True(t, r.Authorize(1, 2))
	require.True(t, r.IsAuthorized(1, 2))
	require.False(t, r.Authorize(1, 2), "second grant must report no change")
	require.True(t, r.IsAuthorized(1, 2))

	require.False(t, r.IsAuthorized(1, 3))
	require.False(t, r.IsAuthorized(2, 2))
}

func TestClientsSorted(t *testing.T) {
	r := NewRegistry()
	r.Authorize(7, 3)
	r.Authorize(7, 1)
	r.Authorize(8, 2)
	require.Equal(t, []types.ClientID{1, 3}, r.Clients(7))
	require.Empty(t, r.Clients(9))
}

func TestSnapshotRestore(t *testing.T) {
	r := NewRegistry()
	r.Authorize(2, 1)
	r.Authorize(1, 5)
	r.Authorize(1, 4)
	snap := r.Snapshot()
	require.Equal(t, []Grant{{ID: 1, Client: 4}, {ID: 1, Client: 5}, {ID: 2, Client: 1}}, snap)

	restored := NewRegistry()
	restored.Restore(snap)
	require.True(t, restored.IsAuthorized(1, 5))
	require.True(t, restored.IsAuthorized(2, 1))
	require.False(t, restored.IsAuthorized(2, 5))
}
