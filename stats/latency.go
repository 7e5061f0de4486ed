// stats/latency.go
// 固定容量的延迟采样（环形缓冲），输出分位数

package stats

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// LatencySummary 单个指标的延迟分位统计
type LatencySummary struct {
	Count uint64        `json:"count"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
	Max   time.Duration `json:"max"`
}

func (s LatencySummary) String() string {
	return fmt.Sprintf("n=%d mean=%s p50=%s p95=%s p99=%s max=%s", s.Count, s.Mean, s.P50, s.P95, s.P99, s.Max)
}

// ring 单个指标最近 capacity 个样本
type ring struct {
	samples []time.Duration
	next    int
	full    bool
	count   uint64
	max     time.Duration
}

func (r *ring) add(d time.Duration) {
	r.samples[r.next] = d
	r.next++
	if r.next == len(r.samples) {
		r.next = 0
		r.full = true
	}
	r.count++
	if d > r.max {
		r.max = d
	}
}

func (r *ring) window() []time.Duration {
	if r.full {
		return r.samples
	}
	return r.samples[:r.next]
}

// LatencyRecorder 按名字分组的延迟记录器，nil 安全
type LatencyRecorder struct {
	mu       sync.Mutex
	capacity int
	rings    map[string]*ring
}

func NewLatencyRecorder(capacity int) *LatencyRecorder {
	if capacity <= 0 {
		capacity = 2048
	}
	return &LatencyRecorder{capacity: capacity, rings: make(map[string]*ring)}
}

func (r *LatencyRecorder) Record(name string, d time.Duration) {
	if r == nil || name == "" {
		return
	}
	if d < 0 {
		d = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.rings[name]
	if !ok {
		g = &ring{samples: make([]time.Duration, r.capacity)}
		r.rings[name] = g
	}
	g.add(d)
}

// Summary 单个指标的分位统计；没有样本时 ok=false
func (r *LatencyRecorder) Summary(name string) (LatencySummary, bool) {
	if r == nil {
		return LatencySummary{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.rings[name]
	if !ok || g.count == 0 {
		return LatencySummary{}, false
	}
	return summarize(g), true
}

// Snapshot 所有指标的分位统计；reset=true 时清空（区间监控）
func (r *LatencyRecorder) Snapshot(reset bool) map[string]LatencySummary {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]LatencySummary, len(r.rings))
	for name, g := range r.rings {
		if g.count > 0 {
			out[name] = summarize(g)
		}
		if reset {
			r.rings[name] = &ring{samples: g.samples[:cap(g.samples)]}
		}
	}
	return out
}

func summarize(g *ring) LatencySummary {
	w := g.window()
	sorted := make([]time.Duration, len(w))
	copy(sorted, w)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	return LatencySummary{
		Count: g.count,
		Mean:  total / time.Duration(len(sorted)),
		P50:   percentile(sorted, 0.50),
		P95:   percentile(sorted, 0.95),
		P99:   percentile(sorted, 0.99),
		Max:   g.max,
	}
}

// percentile 最近秩（向下取整）
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	switch {
	case p <= 0:
		return sorted[0]
	case p >= 1:
		return sorted[len(sorted)-1]
	}
	return sorted[int(float64(len(sorted)-1)*p)]
}
