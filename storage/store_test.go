package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nullifier/epoch"
	"nullifier/types"
)

var key = types.KeyID{0xde, 0xad}

func openMem(t *testing.T) *Store {
	s, err := Open(Options{InMemory: true}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestShareLifecycle(t *testing.T) {
	s := openMem(t)
	for ep := types.Epoch(0); ep < 3; ep++ {
		require.NoError(t, s.PutShare(&ShareRecord{
			KeyID:     key,
			Epoch:     ep,
			PartyID:   1,
			Threshold: types.Threshold{N: 3, T: 2},
			Secret:    []byte{byte(ep)},
			PublicKey: []byte{0xff},
		}))
	}

	rec, err := s.GetShare(key, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.PartyID)
	assert.Equal(t, types.Threshold{N: 3, T: 2}, rec.Threshold)
	assert.Equal(t, []byte{1}, rec.Secret)

	eps, err := s.ShareEpochs(key)
	require.NoError(t, err)
	assert.Equal(t, []types.Epoch{0, 1, 2}, eps)

	require.NoError(t, s.DeleteShare(key, 0))
	_, err = s.GetShare(key, 0)
	assert.ErrorIs(t, err, ErrNotFound)

	eps, err = s.ShareEpochs(key)
	require.NoError(t, err)
	assert.Equal(t, []types.Epoch{1, 2}, eps)
}

func TestWindowsBackEpochManager(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Options{Path: dir}, nil)
	require.NoError(t, err)

	m, err := epoch.NewManager(epoch.WithStore(s))
	require.NoError(t, err)
	_, err = m.Initialize(key)
	require.NoError(t, err)
	ticket, err := m.BeginReshare(key)
	require.NoError(t, err)
	_, err = m.CommitReshare(key, ticket, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(Options{Path: dir}, nil)
	require.NoError(t, err)
	defer s.Close()

	restored, err := epoch.NewManager(epoch.WithStore(s))
	require.NoError(t, err)
	assert.True(t, restored.IsValid(key, 0))
	assert.True(t, restored.IsValid(key, 1))
	assert.False(t, restored.IsValid(key, 2))
}

func TestShareKeyOrdering(t *testing.T) {
	assert.Less(t, KeyShare(key, 9), KeyShare(key, 10))
	ep, ok := parseShareEpoch(KeyShare(key, 42))
	require.True(t, ok)
	assert.Equal(t, types.Epoch(42), ep)
}
