// session/tracker.go
// Session Tracker：每个 RequestID 一个 Tracker，跟踪 init 确认与 finish 资格

package session

import (
	"sync"

	"github.com/RoaringBitmap/roaring"
	"github.com/pkg/errors"

	"nullifier/logs"
	"nullifier/types"
)

// Tracker 单个请求的会话集合
// 并行模式下多个 worker 同时回报，因此内部加锁；不同请求之间不共享任何状态
type Tracker struct {
	mu        sync.Mutex
	requestID types.RequestID
	nodes     map[types.NodeID]types.Node
	sessions  map[types.NodeID]*Session
	acked     *roaring.Bitmap
	ackOrder  []types.NodeID
	responses []types.PartialResponse
	anomalies int
	closed    bool

	onClose func(types.RequestID)
	Logger  *logs.Logger
}

// NewTracker 创建独立的 Tracker（不登记到 Registry）
func NewTracker(requestID types.RequestID, nodes []types.Node, logger *logs.Logger) *Tracker {
	t := &Tracker{
		requestID: requestID,
		nodes:     make(map[types.NodeID]types.Node, len(nodes)),
		sessions:  make(map[types.NodeID]*Session, len(nodes)),
		acked:     roaring.New(),
		Logger:    logger,
	}
	for _, n := range nodes {
		t.nodes[n.ID] = n
	}
	return t
}

func (t *Tracker) RequestID() types.RequestID { return t.requestID }

func (t *Tracker) warn(format string, v ...interface{}) {
	if t.Logger != nil {
		t.Logger.Warn(format, v...)
		return
	}
	logs.Warn(format, v...)
}

// MarkSent 记录已向节点发出 init
func (t *Tracker) MarkSent(id types.NodeID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTrackerClosed
	}
	n, ok := t.nodes[id]
	if !ok {
		return errors.Wrapf(ErrUnknownNode, "node %s", id)
	}
	if _, exists := t.sessions[id]; !exists {
		t.sessions[id] = &Session{RequestID: t.requestID, Node: n, Phase: PhaseInit}
	}
	return nil
}

// OnInitAck 节点确认 init。重复确认幂等，只在首次计入门限时返回 true
func (t *Tracker) OnInitAck(id types.NodeID, ep types.Epoch) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	n, ok := t.nodes[id]
	if !ok {
		t.anomalies++
		t.warn("[SessionTracker] request %s: init ack from unknown node %s", t.requestID, id)
		return false
	}
	if t.acked.Contains(uint32(n.PartyID)) {
		t.warn("[SessionTracker] request %s: duplicate init ack from %s ignored", t.requestID, id)
		return false
	}
	s, exists := t.sessions[id]
	if !exists {
		s = &Session{RequestID: t.requestID, Node: n}
		t.sessions[id] = s
	}
	if s.Phase != PhaseInit {
		return false
	}
	s.Phase = PhaseAwaitingFinish
	s.Epoch = ep
	t.acked.Add(uint32(n.PartyID))
	t.ackOrder = append(t.ackOrder, id)
	return true
}

// OnInitFailed 节点 init 失败
func (t *Tracker) OnInitFailed(id types.NodeID) {
	t.fail(id, PhaseInit)
}

// AckCount 已确认 init 的节点数
func (t *Tracker) AckCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int(t.acked.GetCardinality())
}

// AwaitingFinish 处于 AwaitingFinish 的节点，按 ack 到达顺序
func (t *Tracker) AwaitingFinish() []types.Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []types.Node
	if t.closed {
		return out
	}
	for _, id := range t.ackOrder {
		if s := t.sessions[id]; s != nil && s.Phase == PhaseAwaitingFinish {
			out = append(out, s.Node)
		}
	}
	return out
}

// CanFinish 是否允许向该节点发送 finish
func (t *Tracker) CanFinish(id types.NodeID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTrackerClosed
	}
	s := t.sessions[id]
	if s == nil || s.Phase != PhaseAwaitingFinish {
		return errors.Wrapf(ErrNotAwaitingFinish, "request %s node %s", t.requestID, id)
	}
	return nil
}

// OnFinishResponse 接收 finish 响应；无会话或非 AwaitingFinish 的响应被丢弃并记为异常
func (t *Tracker) OnFinishResponse(id types.NodeID, resp types.PartialResponse) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	s := t.sessions[id]
	if s == nil || s.Phase != PhaseAwaitingFinish {
		t.anomalies++
		t.warn("[SessionTracker] request %s: finish response from %s without open session discarded", t.requestID, id)
		return false
	}
	s.Phase = PhaseCompleted
	resp.RequestID = t.requestID
	resp.Node = id
	resp.PartyID = s.Node.PartyID
	t.responses = append(t.responses, resp)
	return true
}

// OnFinishFailed 节点 finish 失败
func (t *Tracker) OnFinishFailed(id types.NodeID) {
	t.fail(id, PhaseAwaitingFinish)
}

func (t *Tracker) fail(id types.NodeID, from Phase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	n, ok := t.nodes[id]
	if !ok {
		return
	}
	s := t.sessions[id]
	if s == nil {
		s = &Session{RequestID: t.requestID, Node: n, Phase: from}
		t.sessions[id] = s
	}
	if s.Phase == from {
		s.Phase = PhaseFailed
	}
}

// Responses finish 响应（到达顺序）
func (t *Tracker) Responses() []types.PartialResponse {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.PartialResponse, len(t.responses))
	copy(out, t.responses)
	return out
}

// ResponseCount 已接收的 finish 响应数
func (t *Tracker) ResponseCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.responses)
}

// Snapshot 聚合视图
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := Snapshot{
		RequestID: t.requestID,
		Phases:    make(map[types.NodeID]Phase, len(t.sessions)),
		Responses: len(t.responses),
		Anomalies: t.anomalies,
		Closed:    t.closed,
	}
	for _, v := range t.acked.ToArray() {
		snap.Acked = append(snap.Acked, int(v))
	}
	for id, s := range t.sessions {
		snap.Phases[id] = s.Phase
	}
	return snap
}

// Close 请求终结时销毁全部会话，返回销毁的会话数；之后的回报全部丢弃
func (t *Tracker) Close() int {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0
	}
	released := len(t.sessions)
	t.closed = true
	t.sessions = make(map[types.NodeID]*Session)
	t.ackOrder = nil
	t.acked.Clear()
	onClose := t.onClose
	t.mu.Unlock()

	if onClose != nil {
		onClose(t.requestID)
	}
	return released
}
