// types/errors.go
// 错误分类：请求级错误（OrchestrationError）与节点级错误（NodeError）

package types

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrStaleEpoch 请求的 epoch 不在 {current, previous} 窗口内，客户端需刷新
	ErrStaleEpoch = errors.New("stale epoch")
	// ErrQuorumNotReached 截止时间内响应的节点少于 t
	ErrQuorumNotReached = errors.New("quorum not reached")
	// ErrEpochMismatch 响应集合中 epoch 不一致
	ErrEpochMismatch = errors.New("epoch mismatch")
	// ErrProofInvalid 证明校验失败
	ErrProofInvalid = errors.New("proof invalid")
	// ErrReshareInProgress 同一 KeyID 上已有 reshare 在进行
	ErrReshareInProgress = errors.New("reshare in progress")
	// ErrAlreadyInitialized KeyID 已经初始化
	ErrAlreadyInitialized = errors.New("already initialized")
	// ErrNodeUnreachable 单个节点不可达（不致命，除非跌破门限）
	ErrNodeUnreachable = errors.New("node unreachable")
	// ErrTimeout 请求整体截止时间到期
	ErrTimeout = errors.New("timeout")
	// ErrCancelled 请求被调用方或全局关闭取消
	ErrCancelled = errors.New("cancelled")
	// ErrUngracefulShutdown 关闭未能在宽限期内完成
	ErrUngracefulShutdown = errors.New("ungraceful shutdown")
	// ErrUnknownKey 节点不认识该 KeyID / epoch
	ErrUnknownKey = errors.New("unknown key")
	// ErrUnknownRequest 节点上没有该请求的 init 会话
	ErrUnknownRequest = errors.New("unknown request")
	// ErrUnauthorized 鉴权失败
	ErrUnauthorized = errors.New("unauthorized")
	// ErrReplayedRequest 复用了已见过的 RequestID
	ErrReplayedRequest = errors.New("replayed request")
	// ErrInvalidParameters 参数不合法
	ErrInvalidParameters = errors.New("invalid parameters")
	// ErrShuttingDown 编排器正在关闭，不再接受新请求
	ErrShuttingDown = errors.New("shutting down")
	// ErrRejected 节点的应答格式正确但内容不可信（PartyID 或 RequestID 对不上）
	ErrRejected = errors.New("node response rejected")
)

// 请求阶段
const (
	PhaseValidate = "validate"
	PhaseInit     = "init"
	PhaseFinish   = "finish"
	PhaseReduce   = "reduce"
	PhaseVerify   = "verify"
)

// NodeError 单节点失败记录
type NodeError struct {
	Node NodeID
	Op   string
	Kind error
	Err  error
}

func (e *NodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("node %s %s: %v: %v", e.Node, e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("node %s %s: %v", e.Node, e.Op, e.Kind)
}

func (e *NodeError) Is(target error) bool { return target == e.Kind }

func (e *NodeError) Unwrap() error { return e.Err }

// OrchestrationError 请求级失败
type OrchestrationError struct {
	Kind       error
	RequestID  RequestID
	Phase      string
	Threshold  int
	Acked      int
	Responses  int
	NodeErrors []*NodeError
	// Timeout 截止时间到期导致的失败，同时匹配 ErrTimeout
	Timeout bool
	Cause   error
}

func (e *OrchestrationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "request %s: %v (phase=%s t=%d acked=%d responses=%d", e.RequestID, e.Kind, e.Phase, e.Threshold, e.Acked, e.Responses)
	if e.Timeout {
		b.WriteString(" timeout")
	}
	b.WriteString(")")
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *OrchestrationError) Is(target error) bool {
	if target == e.Kind {
		return true
	}
	return e.Timeout && target == ErrTimeout
}

func (e *OrchestrationError) Unwrap() error { return e.Cause }

// CountNodeErrors 统计某类节点错误的数量
func (e *OrchestrationError) CountNodeErrors(kind error) int {
	n := 0
	for _, ne := range e.NodeErrors {
		if errors.Is(ne, kind) {
			n++
		}
	}
	return n
}

// Classify 把错误归类为简短标签（用于统计与指标）
func Classify(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrStaleEpoch):
		return "stale_epoch"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrQuorumNotReached):
		return "quorum_not_reached"
	case errors.Is(err, ErrEpochMismatch):
		return "epoch_mismatch"
	case errors.Is(err, ErrProofInvalid):
		return "proof_invalid"
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, ErrShuttingDown):
		return "shutting_down"
	case errors.Is(err, ErrInvalidParameters):
		return "invalid_parameters"
	case errors.Is(err, ErrUnknownKey):
		return "unknown_key"
	case errors.Is(err, ErrUnknownRequest):
		return "unknown_request"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrReplayedRequest):
		return "replayed_request"
	case errors.Is(err, ErrReshareInProgress):
		return "reshare_in_progress"
	case errors.Is(err, ErrAlreadyInitialized):
		return "already_initialized"
	case errors.Is(err, ErrNodeUnreachable):
		return "node_unreachable"
	case errors.Is(err, ErrRejected):
		return "rejected"
	default:
		return "other"
	}
}
