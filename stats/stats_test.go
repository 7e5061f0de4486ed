package stats

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatsCounts(t *testing.T) {
	s := NewStats()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.RecordAPICall("init")
			s.RecordOutcome("init", "ok")
		}()
	}
	wg.Wait()
	s.RecordAPICall("finish")
	s.RecordOutcome("init", "stale_epoch")

	assert.Equal(t, map[string]uint64{"init": 50, "finish": 1}, s.GetAPICallStats())
	assert.Equal(t, map[string]uint64{"ok": 50, "stale_epoch": 1}, s.Outcomes("init"))
	assert.Equal(t, []string{"finish", "init"}, s.APIs())

	var nilStats *Stats
	nilStats.RecordAPICall("x")
}

func TestLatencyPercentiles(t *testing.T) {
	r := NewLatencyRecorder(100)
	for i := 1; i <= 100; i++ {
		r.Record("run", time.Duration(i)*time.Millisecond)
	}
	s, ok := r.Summary("run")
	require.True(t, ok)
	assert.Equal(t, uint64(100), s.Count)
	assert.Equal(t, 50*time.Millisecond, s.P50)
	assert.Equal(t, 95*time.Millisecond, s.P95)
	assert.Equal(t, 100*time.Millisecond, s.Max)
	assert.Equal(t, 50500*time.Microsecond, s.Mean)

	_, ok = r.Summary("missing")
	assert.False(t, ok)
}

func TestLatencyRingKeepsRecentSamples(t *testing.T) {
	r := NewLatencyRecorder(4)
	for _, ms := range []int{100, 100, 1, 2, 3, 4} {
		r.Record("x", time.Duration(ms)*time.Millisecond)
	}
	snap := r.Snapshot(true)
	s := snap["x"]
	assert.Equal(t, uint64(6), s.Count)
	assert.Equal(t, 2*time.Millisecond, s.P50)
	// max 覆盖全部样本，不只是窗口内的
	assert.Equal(t, 100*time.Millisecond, s.Max)

	assert.Empty(t, r.Snapshot(false))
}

func TestChannelStat(t *testing.T) {
	c := NewChannelStat("inflight", "Orchestrator", 3, 12)
	assert.InDelta(t, 0.25, c.Usage, 1e-9)
	assert.Equal(t, "Orchestrator/inflight 3/12 (25%)", c.String())
	assert.Zero(t, NewChannelStat("x", "y", 1, 0).Usage)
}
