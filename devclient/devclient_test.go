package devclient

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nullifier/config"
	"nullifier/transport"
	"nullifier/types"
)

func testConfig() *config.DevClientConfig {
	cfg := config.DefaultDevClientConfig()
	cfg.MaxWaitTime = 2 * time.Second
	cfg.Orchestrator.ShutdownGrace = time.Second
	cfg.Stress.Count = 8
	cfg.Stress.Concurrency = 4
	return cfg
}

func newLocal(t *testing.T, cfg *config.DevClientConfig) (*DevClient, *transport.LocalDialer) {
	t.Helper()
	d, dialer, err := NewLocal(context.Background(), cfg, 3, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d, dialer
}

func TestSetupKeyGenAndRun(t *testing.T) {
	d, _ := newLocal(t, testConfig())
	ctx := context.Background()
	s, err := d.Setup(ctx)
	require.NoError(t, err)
	assert.False(t, s.KeyID.IsZero())
	assert.NotEmpty(t, s.PublicKey)
	assert.Equal(t, types.Epoch(0), s.Epoch)

	ep, err := d.Run(ctx, s, s.Epoch)
	require.NoError(t, err)
	assert.Equal(t, types.Epoch(0), ep)
}

func TestSetupWithKnownKey(t *testing.T) {
	cfg := testConfig()
	d, dialer := newLocal(t, cfg)
	ctx := context.Background()
	first, err := d.Setup(ctx)
	require.NoError(t, err)

	// 第二个客户端连接同一组节点，按 KeyID 查询公钥
	cfg2 := testConfig()
	cfg2.KeyID = first.KeyID.String()
	d2, err := New(ctx, cfg2, dialer, dialer.Nodes(), nil)
	require.NoError(t, err)
	defer d2.Close()
	s, err := d2.Setup(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.KeyID, s.KeyID)
	assert.Equal(t, first.PublicKey, s.PublicKey)
	w, ok := d2.epochs.Get(s.KeyID)
	require.True(t, ok)
	assert.Equal(t, types.Epoch(0), w.Current)

	_, err = d2.Run(ctx, s, 0)
	require.NoError(t, err)
}

func TestSetupUnknownKeyTimesOut(t *testing.T) {
	cfg := testConfig()
	cfg.MaxWaitTime = 200 * time.Millisecond
	cfg.KeyID = "0x00000000000000000000000000000000000000aa"
	d, _ := newLocal(t, cfg)
	_, err := d.Setup(context.Background())
	require.Error(t, err)
}

func TestReshareScenario(t *testing.T) {
	d, dialer := newLocal(t, testConfig())
	ctx := context.Background()
	s, err := d.Setup(ctx)
	require.NoError(t, err)

	require.NoError(t, d.ReshareTest(ctx, s))
	for i := 0; i < 3; i++ {
		w, ok := dialer.Client(i).Service().Epochs().Get(s.KeyID)
		require.True(t, ok)
		assert.Equal(t, types.Epoch(2), w.Current)
		assert.Equal(t, types.Epoch(1), w.Previous)
	}

	_, err = d.Run(ctx, s, 0)
	assert.True(t, errors.Is(err, types.ErrStaleEpoch), "%v", err)
}

func TestStress(t *testing.T) {
	d, _ := newLocal(t, testConfig())
	ctx := context.Background()
	s, err := d.Setup(ctx)
	require.NoError(t, err)

	for _, mode := range []types.SendMode{types.SendParallel, types.SendSequential} {
		sum, err := d.Stress(ctx, s, mode)
		require.NoError(t, err)
		assert.Equal(t, 8, sum.Count)
		assert.Equal(t, 8, sum.Succeeded, "%s", sum)
		assert.Equal(t, mode, sum.Mode)
	}
}

func TestNewRejectsBadThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.Threshold = 4
	_, _, err := NewLocal(context.Background(), cfg, 3, nil)
	assert.True(t, errors.Is(err, types.ErrInvalidParameters))
}
