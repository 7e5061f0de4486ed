// transport/local.go
// 进程内节点客户端：直接调用 node.Service，附带故障注入，用于测试与单机演示

package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"nullifier/node"
	"nullifier/pb"
	"nullifier/types"
)

// Fault 注入到单个本地节点的故障
type Fault struct {
	// Unreachable 所有调用返回 ErrNodeUnreachable
	Unreachable bool
	// Delay 每次调用前的延迟（受 ctx 约束）
	Delay time.Duration
	// FinishDelay 只作用于 finish 的额外延迟
	FinishDelay time.Duration
	// InitErr / FinishErr 直接返回给调用方，不触达节点
	InitErr   error
	FinishErr error
	// FinishEpoch 改写 finish 响应中的 epoch（模拟请求途中节点已 reshare）
	FinishEpoch *types.Epoch
	// TamperProof 翻转证明的一个字节
	TamperProof bool
	// PartyOverride 改写 init ack 中的 PartyID（冒充其他节点）
	PartyOverride *int
}

// LocalClient 包装 node.Service 的 NodeClient
type LocalClient struct {
	node types.Node
	svc  *node.Service

	mu    sync.Mutex
	fault Fault

	initCalls   atomic.Int64
	finishCalls atomic.Int64
}

var _ NodeClient = (*LocalClient)(nil)

func NewLocalClient(n types.Node, svc *node.Service) *LocalClient {
	return &LocalClient{node: n, svc: svc}
}

func (c *LocalClient) Node() types.Node { return c.node }

// Service 底层节点服务
func (c *LocalClient) Service() *node.Service { return c.svc }

// SetFault 替换当前故障配置
func (c *LocalClient) SetFault(f Fault) {
	c.mu.Lock()
	c.fault = f
	c.mu.Unlock()
}

// ClearFault 恢复正常
func (c *LocalClient) ClearFault() { c.SetFault(Fault{}) }

func (c *LocalClient) InitCalls() int64   { return c.initCalls.Load() }
func (c *LocalClient) FinishCalls() int64 { return c.finishCalls.Load() }

func (c *LocalClient) currentFault() Fault {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fault
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// enter 模拟网络：延迟、不可达
func (c *LocalClient) enter(ctx context.Context, op string) (Fault, error) {
	f := c.currentFault()
	delay := f.Delay
	if op == "finish" {
		delay += f.FinishDelay
	}
	if err := wait(ctx, delay); err != nil {
		return f, err
	}
	if f.Unreachable {
		return f, errors.Wrapf(types.ErrNodeUnreachable, "%s %s: connection refused", op, c.node.ID)
	}
	return f, nil
}

// remote 把服务端错误转换为与 HTTP 客户端相同的 StatusError
func remote(op string, err error) error {
	status, code := node.ErrorStatus(err)
	return &StatusError{Op: op, Status: status, Code: code, Message: err.Error(), kind: KindOf(code)}
}

func (c *LocalClient) Init(ctx context.Context, req *pb.InitRequest) (*pb.InitAck, error) {
	c.initCalls.Add(1)
	f, err := c.enter(ctx, "init")
	if err != nil {
		return nil, err
	}
	if f.InitErr != nil {
		return nil, f.InitErr
	}
	ack, err := c.svc.Init(ctx, req)
	if err != nil {
		return nil, remote("init", err)
	}
	if f.PartyOverride != nil {
		ack.PartyId = uint32(*f.PartyOverride)
	}
	return ack, nil
}

func (c *LocalClient) Finish(ctx context.Context, req *pb.FinishRequest) (*pb.PartialResponse, error) {
	c.finishCalls.Add(1)
	f, err := c.enter(ctx, "finish")
	if err != nil {
		return nil, err
	}
	if f.FinishErr != nil {
		return nil, f.FinishErr
	}
	resp, err := c.svc.Finish(ctx, req)
	if err != nil {
		return nil, remote("finish", err)
	}
	if f.FinishEpoch != nil {
		resp.Epoch = uint64(*f.FinishEpoch)
	}
	if f.TamperProof && len(resp.Proof) > 0 {
		proof := append([]byte(nil), resp.Proof...)
		proof[len(proof)-1] ^= 0x01
		resp.Proof = proof
	}
	return resp, nil
}

func (c *LocalClient) Health(ctx context.Context) (*pb.HealthResponse, error) {
	if _, err := c.enter(ctx, "health"); err != nil {
		return nil, err
	}
	return c.svc.Health(), nil
}

func (c *LocalClient) PublicKey(ctx context.Context, keyID types.KeyID, ep types.Epoch) (*pb.PublicKeyResponse, error) {
	if _, err := c.enter(ctx, "public-key"); err != nil {
		return nil, err
	}
	resp, err := c.svc.PublicKey(keyID, ep)
	if err != nil {
		return nil, remote("public-key", err)
	}
	return resp, nil
}

func (c *LocalClient) KeyGen(ctx context.Context, req *pb.KeyGenRequest) (*pb.KeyGenResponse, error) {
	if _, err := c.enter(ctx, "keygen"); err != nil {
		return nil, err
	}
	resp, err := c.svc.KeyGen(ctx, req)
	if err != nil {
		return nil, remote("keygen", err)
	}
	return resp, nil
}

func (c *LocalClient) ReshareDeal(ctx context.Context, req *pb.ReshareDealRequest) (*pb.ReshareDeal, error) {
	if _, err := c.enter(ctx, "reshare-deal"); err != nil {
		return nil, err
	}
	resp, err := c.svc.ReshareDeal(ctx, req)
	if err != nil {
		return nil, remote("reshare-deal", err)
	}
	return resp, nil
}

func (c *LocalClient) ReshareCommit(ctx context.Context, req *pb.ReshareCommitRequest) (*pb.ReshareCommitResponse, error) {
	if _, err := c.enter(ctx, "reshare-commit"); err != nil {
		return nil, err
	}
	resp, err := c.svc.ReshareCommit(ctx, req)
	if err != nil {
		return nil, remote("reshare-commit", err)
	}
	return resp, nil
}

func (c *LocalClient) ReshareAbort(ctx context.Context, req *pb.ReshareAbortRequest) error {
	if _, err := c.enter(ctx, "reshare-abort"); err != nil {
		return err
	}
	if err := c.svc.ReshareAbort(ctx, req); err != nil {
		return remote("reshare-abort", err)
	}
	return nil
}

// LocalDialer 进程内节点集合
type LocalDialer struct {
	clients map[types.NodeID]*LocalClient
	nodes   []types.Node
}

// NewLocalDialer 按服务顺序分配 PartyID，节点 ID 形如 local://node-0
func NewLocalDialer(services []*node.Service) *LocalDialer {
	d := &LocalDialer{clients: make(map[types.NodeID]*LocalClient, len(services))}
	for i, svc := range services {
		n := types.Node{ID: types.NodeID(fmt.Sprintf("local://node-%d", i)), PartyID: i}
		d.nodes = append(d.nodes, n)
		d.clients[n.ID] = NewLocalClient(n, svc)
	}
	return d
}

// Nodes 节点列表（PartyID 升序）
func (d *LocalDialer) Nodes() []types.Node {
	out := make([]types.Node, len(d.nodes))
	copy(out, d.nodes)
	return out
}

// Client 按 PartyID 取客户端
func (d *LocalDialer) Client(partyID int) *LocalClient {
	return d.clients[d.nodes[partyID].ID]
}

func (d *LocalDialer) Dial(n types.Node) (NodeClient, error) {
	c, ok := d.clients[n.ID]
	if !ok {
		return nil, errors.Wrapf(types.ErrNodeUnreachable, "unknown local node %s", n.ID)
	}
	return c, nil
}

// TotalFinishCalls 所有节点收到的 finish 调用数
func (d *LocalDialer) TotalFinishCalls() int64 {
	var n int64
	for _, c := range d.clients {
		n += c.FinishCalls()
	}
	return n
}
