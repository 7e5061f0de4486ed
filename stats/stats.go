// stats/stats.go
// 进程内的调用计数：按接口名与结果分类，供 health 输出与压测汇总使用

package stats

import (
	"sort"
	"sync"
)

// Stats 接口调用计数器
type Stats struct {
	mu       sync.RWMutex
	calls    map[string]uint64
	outcomes map[string]map[string]uint64
}

func NewStats() *Stats {
	return &Stats{
		calls:    make(map[string]uint64),
		outcomes: make(map[string]map[string]uint64),
	}
}

// RecordAPICall 记录一次调用
func (s *Stats) RecordAPICall(api string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.calls[api]++
	s.mu.Unlock()
}

// RecordOutcome 记录一次调用的结果分类（例如 types.Classify 的返回值）
func (s *Stats) RecordOutcome(api, outcome string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outcomes[api]
	if !ok {
		m = make(map[string]uint64)
		s.outcomes[api] = m
	}
	m[outcome]++
}

// GetAPICallStats 调用次数的拷贝
func (s *Stats) GetAPICallStats() map[string]uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]uint64, len(s.calls))
	for api, n := range s.calls {
		out[api] = n
	}
	return out
}

// Outcomes 某个接口各结果的次数拷贝
func (s *Stats) Outcomes(api string) map[string]uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]uint64, len(s.outcomes[api]))
	for k, n := range s.outcomes[api] {
		out[k] = n
	}
	return out
}

// APIs 出现过的接口名（排序）
func (s *Stats) APIs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{}, len(s.calls)+len(s.outcomes))
	for api := range s.calls {
		seen[api] = struct{}{}
	}
	for api := range s.outcomes {
		seen[api] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for api := range seen {
		out = append(out, api)
	}
	sort.Strings(out)
	return out
}
