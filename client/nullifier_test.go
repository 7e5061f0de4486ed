package client

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/blake2b"

	"nullifier/config"
	"nullifier/node"
	"nullifier/registry"
	"nullifier/transport"
	"nullifier/types"
)

func TestUnsaltedQueryIsDomainSeparated(t *testing.T) {
	a := UnsaltedQuery([]byte("vote-42"))
	assert.Len(t, a, 32)
	assert.Equal(t, a, UnsaltedQuery([]byte("vote-42")))
	assert.NotEqual(t, a, UnsaltedQuery([]byte("vote-43")))
	assert.False(t, bytes.Equal(a, UnsaltedQuery(nil)))

	// 前缀必须与其它语言的客户端一致，否则同一 action 得到不同 nullifier
	want := blake2b.Sum256([]byte("TACEO Unsalted Nullifier Auth" + "vote-42"))
	assert.Equal(t, want[:], a)
}

func TestSaltedNullifier(t *testing.T) {
	th := types.Threshold{N: 3, T: 2}
	services, err := node.NewLocalServices(th.N, nil, nil)
	require.NoError(t, err)
	defer func() {
		for _, s := range services {
			s.Close()
		}
	}()
	d := transport.NewLocalDialer(services)
	clients, err := transport.DialAll(d, d.Nodes())
	require.NoError(t, err)
	ctx := context.Background()
	keyID, _, err := registry.New(common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")).InitKeyGen(ctx, clients, th)
	require.NoError(t, err)

	c, err := New(ctx, config.DefaultOrchestratorConfig(), d, d.Nodes(), th, nil)
	require.NoError(t, err)
	defer c.Close(time.Second)

	first, err := c.SaltedNullifier(ctx, keyID, 0, []byte("vote-42"))
	require.NoError(t, err)
	assert.Equal(t, types.Epoch(0), first.Epoch)

	again, err := c.SaltedNullifier(ctx, keyID, 0, []byte("vote-42"))
	require.NoError(t, err)
	assert.Equal(t, first.Output, again.Output)
	assert.NotEqual(t, first.RequestID, again.RequestID)

	other, err := c.SaltedNullifier(ctx, keyID, 0, []byte("vote-43"))
	require.NoError(t, err)
	assert.NotEqual(t, first.Output, other.Output)

	_, err = c.SaltedNullifier(ctx, keyID, 0, nil)
	assert.True(t, errors.Is(err, types.ErrInvalidParameters))
}

func TestNewRejectsBadParameters(t *testing.T) {
	ctx := context.Background()
	_, err := New(ctx, config.DefaultOrchestratorConfig(), nil, nil, types.Threshold{T: 1}, nil)
	assert.True(t, errors.Is(err, types.ErrInvalidParameters))

	nodes := types.NodesFromURLs([]string{"https://a", "https://b"})
	_, err = New(ctx, config.DefaultOrchestratorConfig(), nil, nodes, types.Threshold{T: 3}, nil)
	assert.True(t, errors.Is(err, types.ErrInvalidParameters))

	cfg := config.DefaultOrchestratorConfig()
	cfg.Mode = "broadcast"
	_, err = New(ctx, cfg, nil, nodes, types.Threshold{T: 1}, nil)
	assert.True(t, errors.Is(err, types.ErrInvalidParameters))
}
