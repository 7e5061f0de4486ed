// orchestrator/fanout.go
// 节点扇出：并行模式为固定大小的 worker 池，结果汇入单个 channel；顺序模式逐个发送
// 两种模式都在收够 need 个有效结果时停止；没有答复的节点返回给调用方，供补发使用

package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/dchest/siphash"
	"github.com/pkg/errors"

	"nullifier/metrics"
	"nullifier/pb"
	"nullifier/transport"
	"nullifier/types"
)

// outcome 单个节点调用的结果
type outcome struct {
	node types.Node
	ack  *pb.InitAck
	resp *pb.PartialResponse
	err  error
}

type callFunc func(ctx context.Context, c transport.NodeClient) outcome

// acceptFunc 在请求所在的 goroutine 上串行调用；返回 true 表示计入门限
type acceptFunc func(outcome) bool

// startOffset 顺序模式的起始节点，按 RequestID 打散负载
func (o *Orchestrator) startOffset(id types.RequestID, n int) int {
	if n <= 1 {
		return 0
	}
	return int(siphash.Hash(o.sipK0, o.sipK1, id.Bytes()) % uint64(n))
}

// nodeCtx 单节点调用的超时
func (o *Orchestrator) nodeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.cfg.NodeTimeout > 0 {
		return context.WithTimeout(ctx, o.cfg.NodeTimeout)
	}
	return context.WithCancel(ctx)
}

// fanOut 返回时所有 worker 都已退出，不会再有对节点的调用。
// rest 为本轮没有得到答复的节点：顺序模式下是未轮到的节点，并行模式下是阶段结束时被取消的节点
func (o *Orchestrator) fanOut(ctx context.Context, mode types.SendMode, clients []transport.NodeClient, need int, call callFunc, accept acceptFunc) (got int, rest []transport.NodeClient) {
	if len(clients) == 0 || need <= 0 {
		return 0, clients
	}
	if mode == types.SendSequential {
		return o.sequential(ctx, clients, need, call, accept)
	}
	return o.parallel(ctx, clients, need, call, accept)
}

// rotate 从 start 开始的环形顺序
func rotate(clients []transport.NodeClient, start int) []transport.NodeClient {
	out := make([]transport.NodeClient, 0, len(clients))
	for i := range clients {
		out = append(out, clients[(start+i)%len(clients)])
	}
	return out
}

func (o *Orchestrator) sequential(ctx context.Context, clients []transport.NodeClient, need int, call callFunc, accept acceptFunc) (int, []transport.NodeClient) {
	got, i := 0, 0
	for ; i < len(clients) && got < need; i++ {
		if ctx.Err() != nil {
			break
		}
		nctx, cancel := o.nodeCtx(ctx)
		r := call(nctx, clients[i])
		cancel()
		if accept(r) {
			got++
		}
	}
	return got, clients[i:]
}

func (o *Orchestrator) parallel(ctx context.Context, clients []transport.NodeClient, need int, call callFunc, accept acceptFunc) (int, []transport.NodeClient) {
	phaseCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	byID := make(map[types.NodeID]transport.NodeClient, len(clients))
	jobs := make(chan transport.NodeClient, len(clients))
	for _, c := range clients {
		byID[c.Node().ID] = c
		jobs <- c
	}
	close(jobs)
	// 每个节点恰好一个结果，缓冲足够大，worker 在消费方停止读取后也不会阻塞
	results := make(chan outcome, len(clients))

	var wg sync.WaitGroup
	for w := 0; w < len(clients); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range jobs {
				if phaseCtx.Err() != nil {
					results <- outcome{node: c.Node(), err: phaseCtx.Err()}
					continue
				}
				nctx, ncancel := o.nodeCtx(phaseCtx)
				results <- call(nctx, c)
				ncancel()
			}
		}()
	}

	// 收够 need 个之后再给其余节点 StragglerWindow 的时间
	var timer *time.Timer
	var window <-chan time.Time
	got, received := 0, 0
collect:
	for received < len(clients) {
		if got >= need && window == nil {
			if o.cfg.StragglerWindow <= 0 {
				break
			}
			timer = time.NewTimer(o.cfg.StragglerWindow)
			window = timer.C
		}
		select {
		case r := <-results:
			received++
			if accept(r) {
				got++
			}
		case <-window:
			break collect
		}
	}
	if timer != nil {
		timer.Stop()
	}
	cancel()
	wg.Wait()
	close(results)

	// 被本阶段取消的节点留给调用方重试；取消前已经返回的结果照常处理
	var rest []transport.NodeClient
	for r := range results {
		if ctx.Err() == nil && errors.Is(r.err, context.Canceled) {
			rest = append(rest, byID[r.node.ID])
			continue
		}
		if accept(r) {
			got++
		}
	}
	return got, rest
}

// nodeErrors 单个请求的节点失败记录（只在请求 goroutine 上访问）
type nodeErrors struct {
	list []*types.NodeError
}

var nodeKinds = []error{
	types.ErrStaleEpoch,
	types.ErrEpochMismatch,
	types.ErrUnknownKey,
	types.ErrUnknownRequest,
	types.ErrUnauthorized,
	types.ErrReplayedRequest,
	types.ErrReshareInProgress,
	types.ErrInvalidParameters,
	types.ErrRejected,
	types.ErrNodeUnreachable,
}

// nodeKind 把节点调用错误归入错误分类
func nodeKind(err error) error {
	for _, k := range nodeKinds {
		if errors.Is(err, k) {
			return k
		}
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return types.ErrTimeout
	case errors.Is(err, context.Canceled):
		return types.ErrCancelled
	}
	return types.ErrNodeUnreachable
}

func (r *nodeErrors) add(n types.Node, op string, err error) error {
	kind := nodeKind(err)
	r.list = append(r.list, &types.NodeError{Node: n.ID, Op: op, Kind: kind, Err: err})
	// 阶段结束时被取消的调用不算节点故障
	if kind != types.ErrCancelled {
		metrics.NodeError(types.Classify(kind))
	}
	return kind
}
