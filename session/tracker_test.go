package session

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nullifier/types"
)

func testNodes() []types.Node {
	return types.NodesFromURLs([]string{"https://n0", "https://n1", "https://n2"})
}

func TestDuplicateInitAckCountsOnce(t *testing.T) {
	tr := NewTracker(types.NewRequestID(), testNodes(), nil)

	assert.True(t, tr.OnInitAck("https://n1", 0))
	assert.False(t, tr.OnInitAck("https://n1", 0))
	assert.False(t, tr.OnInitAck("https://n1", 0))
	assert.Equal(t, 1, tr.AckCount())

	assert.True(t, tr.OnInitAck("https://n0", 0))
	assert.Equal(t, 2, tr.AckCount())
	assert.Equal(t, []int{0, 1}, tr.Snapshot().Acked)
}

func TestConcurrentDuplicateAcks(t *testing.T) {
	tr := NewTracker(types.NewRequestID(), testNodes(), nil)
	var wg sync.WaitGroup
	var mu sync.Mutex
	counted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tr.OnInitAck("https://n2", 1) {
				mu.Lock()
				counted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, counted)
	assert.Equal(t, 1, tr.AckCount())
}

func TestFinishOnlyForAwaitingSessions(t *testing.T) {
	tr := NewTracker(types.NewRequestID(), testNodes(), nil)
	require.NoError(t, tr.MarkSent("https://n0"))
	require.NoError(t, tr.MarkSent("https://n1"))
	tr.OnInitAck("https://n0", 3)
	tr.OnInitFailed("https://n1")

	assert.NoError(t, tr.CanFinish("https://n0"))
	assert.ErrorIs(t, tr.CanFinish("https://n1"), ErrNotAwaitingFinish)
	assert.ErrorIs(t, tr.CanFinish("https://n2"), ErrNotAwaitingFinish)

	awaiting := tr.AwaitingFinish()
	require.Len(t, awaiting, 1)
	assert.Equal(t, types.NodeID("https://n0"), awaiting[0].ID)

	// 没有会话的节点返回的响应被丢弃
	assert.False(t, tr.OnFinishResponse("https://n2", types.PartialResponse{Epoch: 3}))
	assert.True(t, tr.OnFinishResponse("https://n0", types.PartialResponse{Epoch: 3}))
	// 重复响应同样丢弃
	assert.False(t, tr.OnFinishResponse("https://n0", types.PartialResponse{Epoch: 3}))

	snap := tr.Snapshot()
	assert.Equal(t, 1, snap.Responses)
	assert.Equal(t, 2, snap.Anomalies)
	assert.Equal(t, PhaseCompleted, snap.Phases["https://n0"])
	assert.Equal(t, PhaseFailed, snap.Phases["https://n1"])

	resp := tr.Responses()
	require.Len(t, resp, 1)
	assert.Equal(t, 0, resp[0].PartyID)
	assert.Equal(t, tr.RequestID(), resp[0].RequestID)
}

func TestCloseTearsDownSessions(t *testing.T) {
	reg := NewRegistry(nil)
	id := types.NewRequestID()
	tr := reg.Open(id, testNodes())
	tr.OnInitAck("https://n0", 0)
	tr.OnInitAck("https://n1", 0)
	assert.Equal(t, 1, reg.Active())

	assert.Equal(t, 2, tr.Close())
	assert.Equal(t, 0, reg.Active())
	assert.Equal(t, 0, tr.Close())

	// 关闭后的回报一律丢弃
	assert.False(t, tr.OnInitAck("https://n2", 0))
	assert.Empty(t, tr.AwaitingFinish())
	assert.ErrorIs(t, tr.CanFinish("https://n0"), ErrTrackerClosed)
	assert.ErrorIs(t, tr.MarkSent("https://n2"), ErrTrackerClosed)
	assert.True(t, tr.Snapshot().Closed)
}

func TestRegistryCloseAll(t *testing.T) {
	reg := NewRegistry(nil)
	for i := 0; i < 4; i++ {
		tr := reg.Open(types.NewRequestID(), testNodes())
		tr.OnInitAck("https://n0", 0)
	}
	assert.Equal(t, 4, reg.Active())
	assert.Equal(t, 4, reg.CloseAll())
	assert.Equal(t, 0, reg.Active())
}

func TestUnknownNodeIsAnomaly(t *testing.T) {
	tr := NewTracker(types.NewRequestID(), testNodes(), nil)
	assert.False(t, tr.OnInitAck("https://evil", 0))
	assert.ErrorIs(t, tr.MarkSent("https://evil"), ErrUnknownNode)
	assert.Equal(t, 1, tr.Snapshot().Anomalies)
	assert.Equal(t, 0, tr.AckCount())
}
