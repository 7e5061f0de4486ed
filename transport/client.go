// transport/client.go
// 客户端到节点的 RPC 抽象

package transport

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"nullifier/pb"
	"nullifier/types"
)

// NodeClient 单个节点的 RPC 面
type NodeClient interface {
	Node() types.Node
	Init(ctx context.Context, req *pb.InitRequest) (*pb.InitAck, error)
	Finish(ctx context.Context, req *pb.FinishRequest) (*pb.PartialResponse, error)
	Health(ctx context.Context) (*pb.HealthResponse, error)
	PublicKey(ctx context.Context, keyID types.KeyID, ep types.Epoch) (*pb.PublicKeyResponse, error)

	// 管理接口（密钥生成与轮换）
	KeyGen(ctx context.Context, req *pb.KeyGenRequest) (*pb.KeyGenResponse, error)
	ReshareDeal(ctx context.Context, req *pb.ReshareDealRequest) (*pb.ReshareDeal, error)
	ReshareCommit(ctx context.Context, req *pb.ReshareCommitRequest) (*pb.ReshareCommitResponse, error)
	ReshareAbort(ctx context.Context, req *pb.ReshareAbortRequest) error
}

// Dialer 按节点取客户端
type Dialer interface {
	Dial(node types.Node) (NodeClient, error)
}

// DialAll 按节点列表顺序取客户端
func DialAll(d Dialer, nodes []types.Node) ([]NodeClient, error) {
	out := make([]NodeClient, 0, len(nodes))
	for _, n := range nodes {
		c, err := d.Dial(n)
		if err != nil {
			return nil, errors.Wrapf(err, "dial %s", n.ID)
		}
		out = append(out, c)
	}
	return out, nil
}

// StatusError 节点返回的非 200 响应
type StatusError struct {
	Op      string
	Status  int
	Code    string
	Message string
	ErrorID string
	kind    error
}

func (e *StatusError) Error() string {
	s := fmt.Sprintf("%s: status %d code %s: %s", e.Op, e.Status, e.Code, e.Message)
	if e.ErrorID != "" {
		s += " (error id " + e.ErrorID + ")"
	}
	return s
}

// Unwrap 映射到 types 中的哨兵错误
func (e *StatusError) Unwrap() error { return e.kind }

// KindOf 错误码 -> 哨兵错误
func KindOf(code string) error {
	switch code {
	case pb.CodeStaleEpoch:
		return types.ErrStaleEpoch
	case pb.CodeUnknownKey:
		return types.ErrUnknownKey
	case pb.CodeUnknownRequest:
		return types.ErrUnknownRequest
	case pb.CodeUnauthorized:
		return types.ErrUnauthorized
	case pb.CodeAlreadyInitialized:
		return types.ErrAlreadyInitialized
	case pb.CodeReshareInProgress:
		return types.ErrReshareInProgress
	case pb.CodeReplayedRequest:
		return types.ErrReplayedRequest
	case pb.CodeBadRequest:
		return types.ErrInvalidParameters
	default:
		// rate_limited / oracle_unavailable / unavailable / internal：节点暂时无法服务
		return types.ErrNodeUnreachable
	}
}

func newStatusError(op string, status int, body []byte) *StatusError {
	e := &StatusError{Op: op, Status: status}
	var resp pb.ErrorResponse
	if err := resp.Unmarshal(body); err == nil && resp.Code != "" {
		e.Code, e.Message, e.ErrorID = resp.Code, resp.Message, resp.ErrorId
	} else {
		e.Code = pb.CodeInternal
		e.Message = string(body)
	}
	e.kind = KindOf(e.Code)
	return e
}
