// client/nullifier.go
// salted nullifier 客户端：对 action 做域分离哈希作为查询，经门限 OPRF 得到 nullifier

package client

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"

	"nullifier/auth"
	"nullifier/config"
	"nullifier/logs"
	"nullifier/orchestrator"
	"nullifier/transport"
	"nullifier/types"
)

// UnsaltedNullifierDomain 查询的域分离前缀
const UnsaltedNullifierDomain = "TACEO Unsalted Nullifier Auth"

// UnsaltedQuery blake2b-256(domain || action)
func UnsaltedQuery(action []byte) []byte {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(UnsaltedNullifierDomain))
	h.Write(action)
	return h.Sum(nil)
}

// Client 绑定一组节点与门限参数
type Client struct {
	orch     *orchestrator.Orchestrator
	nodes    []types.Node
	th       types.Threshold
	mode     types.SendMode
	deadline time.Duration

	Logger *logs.Logger
}

// New 以 face 模块鉴权创建客户端；opts 追加到编排器选项之后
func New(ctx context.Context, cfg config.OrchestratorConfig, dialer transport.Dialer, nodes []types.Node, th types.Threshold, logger *logs.Logger, opts ...orchestrator.Option) (*Client, error) {
	if len(nodes) == 0 {
		return nil, errors.Wrap(types.ErrInvalidParameters, "no nodes")
	}
	if th.N == 0 {
		th.N = len(nodes)
	}
	if err := th.Validate(); err != nil {
		return nil, err
	}
	mode, err := types.ParseSendMode(cfg.Mode)
	if err != nil {
		return nil, errors.Wrap(types.ErrInvalidParameters, err.Error())
	}
	all := append([]orchestrator.Option{
		orchestrator.WithAuth(orchestrator.KeyIDAuth(auth.ModuleFace)),
		orchestrator.WithLogger(logger),
	}, opts...)
	return &Client{
		orch:     orchestrator.New(ctx, cfg, dialer, nil, all...),
		nodes:    nodes,
		th:       th,
		mode:     mode,
		deadline: cfg.Deadline,
		Logger:   logger,
	}, nil
}

// Orchestrator 底层编排器
func (c *Client) Orchestrator() *orchestrator.Orchestrator { return c.orch }

// SaltedNullifier 对 action 计算 keyID 在 ep 下的 OPRF 输出
func (c *Client) SaltedNullifier(ctx context.Context, keyID types.KeyID, ep types.Epoch, action []byte) (*types.VerifiedOutput, error) {
	if len(action) == 0 {
		return nil, errors.Wrap(types.ErrInvalidParameters, "empty action")
	}
	out, err := c.orch.RunOprf(ctx, keyID, ep, UnsaltedQuery(action), c.nodes, c.th, c.mode, c.deadline)
	if err != nil {
		return nil, errors.Wrap(err, "while computing salted nullifier")
	}
	c.Logger.Debug("[Client] nullifier for key %s at epoch %d from parties %v", keyID, out.Epoch, out.Parties)
	return out, nil
}

// Close 等待在途请求结束
func (c *Client) Close(grace time.Duration) error {
	return c.orch.Shutdown(grace)
}
