// session/types.go
// 节点级会话状态定义

package session

import (
	"github.com/pkg/errors"

	"nullifier/types"
)

// Phase 单个 (requestID, node) 会话的阶段
type Phase int

const (
	// PhaseInit 已发送 init，尚未确认
	PhaseInit Phase = iota
	// PhaseAwaitingFinish 节点已确认 init，可向其发送 finish
	PhaseAwaitingFinish
	// PhaseCompleted 已收到 finish 响应
	PhaseCompleted
	// PhaseFailed 节点在任一阶段失败
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "INIT"
	case PhaseAwaitingFinish:
		return "AWAITING_FINISH"
	case PhaseCompleted:
		return "COMPLETED"
	case PhaseFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrTrackerClosed 请求已终结，会话已全部销毁
	ErrTrackerClosed = errors.New("session tracker closed")
	// ErrNotAwaitingFinish 节点未处于 AwaitingFinish，禁止发送 finish
	ErrNotAwaitingFinish = errors.New("session not awaiting finish")
	// ErrUnknownNode 节点不在本次请求的节点列表中
	ErrUnknownNode = errors.New("node not part of request")
)

// Session 会话记录
type Session struct {
	RequestID types.RequestID
	Node      types.Node
	Phase     Phase
	Epoch     types.Epoch // 节点 ack 中回显的 epoch
}

// Snapshot 请求的聚合视图（Orchestrator 只读）
type Snapshot struct {
	RequestID types.RequestID
	// Acked 已确认 init 的 PartyID（升序）
	Acked     []int
	Phases    map[types.NodeID]Phase
	Responses int
	Anomalies int
	Closed    bool
}
