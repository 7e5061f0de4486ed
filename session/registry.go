// session/registry.go
// Registry：进程内所有在途请求的 Tracker 登记表，用于检查是否有遗留会话

package session

import (
	"sync"

	"nullifier/logs"
	"nullifier/types"
)

// Registry 在途 Tracker 登记表
type Registry struct {
	mu       sync.Mutex
	trackers map[types.RequestID]*Tracker
	Logger   *logs.Logger
}

func NewRegistry(logger *logs.Logger) *Registry {
	return &Registry{
		trackers: make(map[types.RequestID]*Tracker),
		Logger:   logger,
	}
}

// Open 为请求创建 Tracker；Tracker.Close 时自动注销
func (r *Registry) Open(requestID types.RequestID, nodes []types.Node) *Tracker {
	t := NewTracker(requestID, nodes, r.Logger)
	t.onClose = r.remove
	r.mu.Lock()
	r.trackers[requestID] = t
	r.mu.Unlock()
	return t
}

func (r *Registry) remove(requestID types.RequestID) {
	r.mu.Lock()
	delete(r.trackers, requestID)
	r.mu.Unlock()
}

// Get 查找在途请求
func (r *Registry) Get(requestID types.RequestID) (*Tracker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trackers[requestID]
	return t, ok
}

// Active 在途请求数
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.trackers)
}

// CloseAll 关闭所有在途 Tracker（进程关闭时调用）
func (r *Registry) CloseAll() int {
	r.mu.Lock()
	list := make([]*Tracker, 0, len(r.trackers))
	for _, t := range r.trackers {
		list = append(list, t)
	}
	r.mu.Unlock()

	released := 0
	for _, t := range list {
		released += t.Close()
	}
	return released
}
