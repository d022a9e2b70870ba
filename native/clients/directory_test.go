package clients

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"cawnet/core/types"
)

func TestDirectory(t *testing.T) {
	d := NewDirectory()
	owner := common.HexToAddress("0x0000000000000000000000000000000000000c11")

	_, err := d.Register(owner, "")
	require.True(t, errors.Is(err, ErrInvalidClient))

	id, err := d.Register(owner, "cawbook")
	require.NoError(t, err)
	require.Equal(t, types.ClientID(1), id)
	require.True(t, d.Exists(id))
	require.False(t, d.Exists(2))

	restored := NewDirectory()
	restored.Restore(d.Snapshot())
	next, err := restored.Register(owner, "cawgram")
	require.NoError(t, err)
	require.Equal(t, types.ClientID(2), next)
}
