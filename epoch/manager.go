// epoch/manager.go
// Epoch Window Manager：按 KeyID 加锁的状态机 {Uninitialized, Active(current, previous?)}

package epoch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"nullifier/logs"
	"nullifier/types"
)

// Store 窗口持久化接口（节点侧由 badger 实现；客户端侧可为 nil）
type Store interface {
	SaveWindow(keyID types.KeyID, w Window) error
	LoadWindows() (map[types.KeyID]Window, error)
}

// Transition 一次窗口迁移的结果
type Transition struct {
	KeyID     types.KeyID
	From      Window
	To        Window
	Discarded []types.Epoch
}

// ReshareFunc 在持有 reshare 槽位期间执行的实际重分享工作
type ReshareFunc func(ctx context.Context, target types.Epoch) error

// ReshareTicket BeginReshare 发放的 fencing token。
// 超时被取代的 reshare 与取代它的 reshare 目标 epoch 相同，只能靠 Generation 区分
type ReshareTicket struct {
	Target     types.Epoch
	Generation uint64
}

// entry 单个 KeyID 的状态
type entry struct {
	mu          sync.Mutex
	initialized bool
	window      Window

	resharing      bool
	reshare        ReshareTicket
	reshareStarted time.Time
	generation     uint64 // 最近一次发放的 Generation，单调递增
}

// Manager 管理所有 KeyID 的窗口
type Manager struct {
	mu      sync.Mutex // 仅保护 entries map
	entries map[types.KeyID]*entry

	store          Store
	reshareTimeout time.Duration
	now            func() time.Time
	Logger         *logs.Logger
}

// Option Manager 可选项
type Option func(*Manager)

// WithStore 启用持久化
func WithStore(s Store) Option { return func(m *Manager) { m.store = s } }

// WithReshareTimeout 超过该时长仍未提交的 reshare 视为失效，可被新的 reshare 取代；0 表示永不失效
func WithReshareTimeout(d time.Duration) Option {
	return func(m *Manager) { m.reshareTimeout = d }
}

// WithClock 注入时钟（测试用）
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithLogger 节点日志器
func WithLogger(l *logs.Logger) Option { return func(m *Manager) { m.Logger = l } }

// NewManager 创建窗口管理器；配置了 Store 时加载已持久化的窗口
func NewManager(opts ...Option) (*Manager, error) {
	m := &Manager{
		entries: make(map[types.KeyID]*entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.store != nil {
		windows, err := m.store.LoadWindows()
		if err != nil {
			return nil, errors.Wrap(err, "load epoch windows")
		}
		for keyID, w := range windows {
			m.entries[keyID] = &entry{initialized: true, window: w}
		}
		if len(windows) > 0 {
			m.logf("[EpochManager] restored %d key windows", len(windows))
		}
	}
	return m, nil
}

func (m *Manager) logf(format string, v ...interface{}) {
	if m.Logger != nil {
		m.Logger.Info(format, v...)
		return
	}
	logs.Info(format, v...)
}

func (m *Manager) entry(keyID types.KeyID, create bool) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[keyID]
	if !ok && create {
		e = &entry{}
		m.entries[keyID] = e
	}
	return e
}

// Initialize Uninitialized -> Active(0, None)；重复调用返回 ErrAlreadyInitialized
func (m *Manager) Initialize(keyID types.KeyID) (Window, error) {
	e := m.entry(keyID, true)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.initialized {
		return e.window, errors.Wrapf(types.ErrAlreadyInitialized, "key %s", keyID)
	}
	w := Genesis()
	if err := m.save(keyID, w); err != nil {
		return Window{}, err
	}
	e.initialized = true
	e.window = w
	m.logf("[EpochManager] key %s initialized window=%s", keyID, w)
	return w, nil
}

// Get 返回当前窗口
func (m *Manager) Get(keyID types.KeyID) (Window, bool) {
	e := m.entry(keyID, false)
	if e == nil {
		return Window{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.window, e.initialized
}

// IsValid epoch 是否在窗口内；未初始化的 KeyID 一律无效
func (m *Manager) IsValid(keyID types.KeyID, ep types.Epoch) bool {
	w, ok := m.Get(keyID)
	return ok && w.Contains(ep)
}

// Check 与 IsValid 相同，但返回带类型的错误
func (m *Manager) Check(keyID types.KeyID, ep types.Epoch) error {
	w, ok := m.Get(keyID)
	if !ok {
		return errors.Wrapf(types.ErrUnknownKey, "key %s", keyID)
	}
	if !w.Contains(ep) {
		return errors.Wrapf(types.ErrStaleEpoch, "key %s epoch %d outside window %s", keyID, ep, w)
	}
	return nil
}

// Keys 所有已初始化的 KeyID（按字节序）
func (m *Manager) Keys() []types.KeyID {
	m.mu.Lock()
	keys := make([]types.KeyID, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	out := keys[:0]
	for _, k := range keys {
		if _, ok := m.Get(k); ok {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return string(out[i].Bytes()) < string(out[j].Bytes()) })
	return out
}

// BeginReshare 占用该 KeyID 的 reshare 槽位，目标 epoch = current+1
func (m *Manager) BeginReshare(keyID types.KeyID) (ReshareTicket, error) {
	e := m.entry(keyID, false)
	if e == nil {
		return ReshareTicket{}, errors.Wrapf(types.ErrUnknownKey, "key %s", keyID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized {
		return ReshareTicket{}, errors.Wrapf(types.ErrUnknownKey, "key %s", keyID)
	}
	if e.resharing {
		if m.reshareTimeout <= 0 || m.now().Sub(e.reshareStarted) < m.reshareTimeout {
			return ReshareTicket{}, errors.Wrapf(types.ErrReshareInProgress, "key %s target epoch %d", keyID, e.reshare.Target)
		}
		m.logf("[EpochManager] key %s superseding stale reshare to epoch %d (generation %d)", keyID, e.reshare.Target, e.reshare.Generation)
	}
	e.generation++
	e.resharing = true
	e.reshare = ReshareTicket{Target: e.window.Current.Next(), Generation: e.generation}
	e.reshareStarted = m.now()
	return e.reshare, nil
}

// Resharing 是否有 reshare 在进行，以及它的 ticket
func (m *Manager) Resharing(keyID types.KeyID) (ReshareTicket, bool) {
	e := m.entry(keyID, false)
	if e == nil {
		return ReshareTicket{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reshare, e.resharing
}

// CommitReshare CAS 式提交：ticket 必须是当前在途的那一个。
// apply 非 nil 时在通过检查后、窗口前移前执行（仍持有该 KeyID 的锁），失败则窗口不变、槽位保留
func (m *Manager) CommitReshare(keyID types.KeyID, ticket ReshareTicket, apply func() error) (Transition, error) {
	e := m.entry(keyID, false)
	if e == nil {
		return Transition{}, errors.Wrapf(types.ErrUnknownKey, "key %s", keyID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.resharing || e.reshare != ticket {
		return Transition{}, errors.Wrapf(types.ErrReshareInProgress, "key %s: reshare to epoch %d (generation %d) is not the one in flight", keyID, ticket.Target, ticket.Generation)
	}
	if apply != nil {
		if err := apply(); err != nil {
			return Transition{}, err
		}
	}
	next := e.window.Rotate()
	if err := m.save(keyID, next); err != nil {
		return Transition{}, err
	}
	tr := Transition{KeyID: keyID, From: e.window, To: next, Discarded: e.window.Discarded(next)}
	e.window = next
	e.resharing = false
	m.logf("[EpochManager] key %s reshared window=%s discarded=%v", keyID, next, tr.Discarded)
	return tr, nil
}

// AbortReshare 释放 ticket 对应的 reshare 槽位，窗口不变；ticket 已被取代时不做任何事并返回 false
func (m *Manager) AbortReshare(keyID types.KeyID, ticket ReshareTicket) bool {
	e := m.entry(keyID, false)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.resharing || e.reshare != ticket {
		return false
	}
	m.logf("[EpochManager] key %s reshare to epoch %d aborted", keyID, ticket.Target)
	e.resharing = false
	return true
}

// Reshare Begin -> fn -> Commit（失败则 Abort）。fn 必须遵守 ctx 截止时间
func (m *Manager) Reshare(ctx context.Context, keyID types.KeyID, fn ReshareFunc) (Transition, error) {
	ticket, err := m.BeginReshare(keyID)
	if err != nil {
		return Transition{}, err
	}
	if fn != nil {
		if err := fn(ctx, ticket.Target); err != nil {
			m.AbortReshare(keyID, ticket)
			return Transition{}, errors.Wrapf(err, "reshare key %s to epoch %d", keyID, ticket.Target)
		}
	}
	if err := ctx.Err(); err != nil {
		m.AbortReshare(keyID, ticket)
		return Transition{}, errors.Wrapf(types.ErrCancelled, "reshare key %s: %v", keyID, err)
	}
	return m.CommitReshare(keyID, ticket, nil)
}

// Observe 采纳外部观察到的窗口（例如从节点 public-key 接口获取），只前进不后退
func (m *Manager) Observe(keyID types.KeyID, w Window) (Transition, bool, error) {
	e := m.entry(keyID, true)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.initialized && !w.Newer(e.window) {
		return Transition{}, false, nil
	}
	if err := m.save(keyID, w); err != nil {
		return Transition{}, false, err
	}
	tr := Transition{KeyID: keyID, From: e.window, To: w}
	if e.initialized {
		tr.Discarded = e.window.Discarded(w)
	}
	e.initialized = true
	e.window = w
	if e.resharing && e.reshare.Target <= w.Current {
		e.resharing = false
	}
	return tr, true, nil
}

func (m *Manager) save(keyID types.KeyID, w Window) error {
	if m.store == nil {
		return nil
	}
	return errors.Wrapf(m.store.SaveWindow(keyID, w), "persist window for key %s", keyID)
}
