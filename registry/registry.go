// registry/registry.go
// 开发环境的密钥注册：生成新 KeyID 并分发份额；驱动节点之间无可信中心的重分享

package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"go.dedis.ch/kyber/v3"
	"golang.org/x/sync/errgroup"

	"nullifier/epoch"
	"nullifier/logs"
	"nullifier/metrics"
	"nullifier/oprf"
	"nullifier/pb"
	"nullifier/transport"
	"nullifier/types"
)

// ErrPublicKeyChanged reshare 后的份额不能恢复出原来的群公钥
var ErrPublicKeyChanged = errors.New("public key changed across reshare")

// Registry 开发环境的密钥注册中心
type Registry struct {
	ref    common.Address
	nonce  atomic.Uint64
	epochs *epoch.Manager

	Logger *logs.Logger
}

// Option Registry 可选项
type Option func(*Registry)

// WithNonce 指定起始 nonce；默认取当前时间，保证每次进程启动得到新的 KeyID
func WithNonce(n uint64) Option { return func(r *Registry) { r.nonce.Store(n) } }

// WithEpochs 同步维护客户端侧的窗口视图
func WithEpochs(m *epoch.Manager) Option { return func(r *Registry) { r.epochs = m } }

func WithLogger(l *logs.Logger) Option { return func(r *Registry) { r.Logger = l } }

// New 以注册合约地址为根创建 Registry
func New(ref common.Address, opts ...Option) *Registry {
	r := &Registry{ref: ref}
	r.nonce.Store(uint64(time.Now().UnixNano()))
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Ref 注册合约地址
func (r *Registry) Ref() common.Address { return r.ref }

// NextKeyID 与合约部署地址相同的派生方式：keccak(rlp(ref, nonce))[12:]
func (r *Registry) NextKeyID() types.KeyID {
	n := r.nonce.Add(1) - 1
	return types.KeyID(crypto.CreateAddress(r.ref, n))
}

// InitKeyGen 派生新 KeyID，切分随机密钥并把 epoch 0 的份额发给每个节点
// clients 的 PartyID 必须覆盖 0..n-1
func (r *Registry) InitKeyGen(ctx context.Context, clients []transport.NodeClient, th types.Threshold) (types.KeyID, types.PublicKey, error) {
	if err := th.Validate(); err != nil {
		return types.KeyID{}, nil, err
	}
	if len(clients) != th.N {
		return types.KeyID{}, nil, errors.Wrapf(types.ErrInvalidParameters, "%d nodes for n=%d", len(clients), th.N)
	}
	keyID := r.NextKeyID()
	dealing, _, err := oprf.SplitSecret(th)
	if err != nil {
		return types.KeyID{}, nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range clients {
		c := c
		party := c.Node().PartyID
		if party < 0 || party >= th.N {
			return types.KeyID{}, nil, errors.Wrapf(types.ErrInvalidParameters, "node %s party %d", c.Node().ID, party)
		}
		g.Go(func() error {
			_, err := c.KeyGen(gctx, &pb.KeyGenRequest{
				KeyId:     keyID.Bytes(),
				PartyId:   uint32(party),
				Threshold: uint32(th.T),
				Nodes:     uint32(th.N),
				Share:     oprf.EncodeScalar(dealing.Shares[party].Secret),
				PublicKey: dealing.PublicKey,
				Commits:   dealing.Commits,
			})
			return errors.Wrapf(err, "keygen on %s", c.Node().ID)
		})
	}
	if err := g.Wait(); err != nil {
		metrics.Reshare("keygen", types.Classify(err))
		return types.KeyID{}, nil, err
	}
	if r.epochs != nil {
		if _, err := r.epochs.Initialize(keyID); err != nil {
			return types.KeyID{}, nil, err
		}
	}
	metrics.Reshare("keygen", "ok")
	r.Logger.Info("[Registry] key %s generated on %d nodes (t=%d)", keyID, th.N, th.T)
	return keyID, types.PublicKey(dealing.PublicKey), nil
}

// deal 一个节点的 reshare 出价
type deal struct {
	client transport.NodeClient
	resp   *pb.ReshareDeal
}

// Reshare 把 keyID 从 current 重分享到 current+1：
// 所有节点尝试 deal，按到达顺序取前 t 个；每个节点合并这 t 份子份额后提交。
// 至少 t 个节点提交成功、且新份额仍恢复出原公钥时返回新 epoch
func (r *Registry) Reshare(ctx context.Context, clients []transport.NodeClient, keyID types.KeyID, current types.Epoch, th types.Threshold) (types.Epoch, types.PublicKey, error) {
	if err := th.Validate(); err != nil {
		return 0, nil, err
	}
	if len(clients) < th.T {
		return 0, nil, errors.Wrapf(types.ErrInvalidParameters, "%d nodes for t=%d", len(clients), th.T)
	}
	var pk types.PublicKey
	run := func(ctx context.Context, target types.Epoch) error {
		if target != current.Next() {
			return errors.Wrapf(types.ErrStaleEpoch, "local view would reshare to %d, asked %d -> %d", target, current, current.Next())
		}
		var err error
		pk, err = r.reshare(ctx, clients, keyID, current, th)
		return err
	}

	started := time.Now()
	var err error
	if r.epochs != nil {
		if _, known := r.epochs.Get(keyID); !known {
			_, _, _ = r.epochs.Observe(keyID, epoch.Window{Current: current})
		}
		_, err = r.epochs.Reshare(ctx, keyID, run)
	} else {
		err = run(ctx, current.Next())
	}
	if err != nil {
		metrics.Reshare("orchestrate", types.Classify(err))
		return 0, nil, err
	}
	metrics.Reshare("orchestrate", "ok")
	r.Logger.Info("[Registry] key %s reshared to epoch %d in %s", keyID, current.Next(), time.Since(started))
	return current.Next(), pk, nil
}

func (r *Registry) reshare(ctx context.Context, clients []transport.NodeClient, keyID types.KeyID, current types.Epoch, th types.Threshold) (types.PublicKey, error) {
	for _, c := range clients {
		if p := c.Node().PartyID; p < 0 || p >= th.N {
			return nil, errors.Wrapf(types.ErrInvalidParameters, "node %s party %d", c.Node().ID, p)
		}
	}
	pk, err := r.groupKey(ctx, clients, keyID, current)
	if err != nil {
		return nil, err
	}
	target := current.Next()

	// 1. deal：所有节点都占用槽位；失败的节点不参与
	var (
		mu    sync.Mutex
		deals []deal
		fails int
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range clients {
		c := c
		g.Go(func() error {
			resp, err := c.ReshareDeal(gctx, &pb.ReshareDealRequest{
				KeyId: keyID.Bytes(), Epoch: uint64(current), Threshold: uint32(th.T), Nodes: uint32(th.N),
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				fails++
				r.Logger.Warn("[Registry] key %s: deal from %s failed: %v", keyID, c.Node().ID, err)
				return nil
			}
			deals = append(deals, deal{client: c, resp: resp})
			return nil
		})
	}
	_ = g.Wait()
	// 只有 deal 成功的节点知道自己的 generation；deal 失败的节点等槽位超时释放
	gens := make(map[types.NodeID]uint64, len(deals))
	for _, d := range deals {
		gens[d.client.Node().ID] = d.resp.Generation
	}
	if err := ctx.Err(); err != nil {
		r.abort(clients, keyID, target, gens)
		return nil, errors.Wrapf(types.ErrCancelled, "reshare deal: %v", err)
	}
	if len(deals) < th.T {
		r.abort(clients, keyID, target, gens)
		return nil, errors.Wrapf(types.ErrQuorumNotReached, "reshare key %s: %d deals for t=%d (%d failed)", keyID, len(deals), th.T, fails)
	}
	chosen := deals[:th.T]
	dealers := make(map[int][][]byte, len(chosen))
	for _, d := range chosen {
		if len(d.resp.SubShares) != th.N {
			r.abort(clients, keyID, target, gens)
			return nil, errors.Wrapf(types.ErrInvalidParameters, "dealer %d sent %d sub-shares for n=%d", d.resp.Dealer, len(d.resp.SubShares), th.N)
		}
		dealers[int(d.resp.Dealer)] = d.resp.Commits
	}

	// 2. 提交前先用承诺推出每个节点的新公开份额，恢复不出群公钥就不让任何节点提交
	expected, err := oprf.ExpectedPublicShares(dealers, th, th, pk)
	if err != nil {
		r.abort(clients, keyID, target, gens)
		if errors.Is(err, oprf.ErrDealerKeyMismatch) {
			return nil, errors.Wrapf(ErrPublicKeyChanged, "key %s epoch %d: %v", keyID, target, err)
		}
		return nil, errors.Wrapf(types.ErrInvalidParameters, "key %s epoch %d: %v", keyID, target, err)
	}

	// 3. commit：每个节点收到前 t 个 dealer 给它的子份额
	var committed []transport.NodeClient
	publics := make(map[int]kyber.Point, len(clients))
	var failed []transport.NodeClient
	g, gctx = errgroup.WithContext(ctx)
	for _, c := range clients {
		c := c
		party := c.Node().PartyID
		req := &pb.ReshareCommitRequest{KeyId: keyID.Bytes(), Epoch: uint64(target), Generation: gens[c.Node().ID]}
		for _, d := range chosen {
			req.Deals = append(req.Deals, &pb.DealShare{Dealer: d.resp.Dealer, Commits: d.resp.Commits, SubShare: d.resp.SubShares[party]})
		}
		g.Go(func() error {
			resp, err := c.ReshareCommit(gctx, req)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed = append(failed, c)
				r.Logger.Warn("[Registry] key %s: commit on %s failed: %v", keyID, c.Node().ID, err)
				return nil
			}
			// 节点已经提交，公开份额不符也只能记录
			committed = append(committed, c)
			p, err := oprf.DecodePoint(resp.PublicShare)
			if err != nil {
				r.Logger.Error("[Registry] key %s: bad public share from %s: %v", keyID, c.Node().ID, err)
				return nil
			}
			if !p.Equal(expected[party]) {
				r.Logger.Error("[Registry] key %s: %s committed unexpected public share for party %d", keyID, c.Node().ID, party)
				return nil
			}
			publics[party] = p
			return nil
		})
	}
	_ = g.Wait()
	if len(failed) > 0 {
		r.abort(failed, keyID, target, gens)
	}
	if len(committed) < th.T {
		if len(committed) > 0 {
			r.Logger.Error("[Registry] key %s: only %v reached epoch %d", keyID, nodeIDs(committed), target)
		}
		return nil, errors.Wrapf(types.ErrQuorumNotReached, "reshare key %s: %d commits for t=%d", keyID, len(committed), th.T)
	}

	// 4. 新份额必须恢复出同一个群公钥
	want, err := oprf.DecodePoint(pk)
	if err != nil {
		return nil, errors.Wrap(err, "group key")
	}
	got, err := oprf.CombinePublic(publics, th)
	if err != nil || !got.Equal(want) {
		r.Logger.Error("[Registry] key %s: %v moved to epoch %d with a different public key", keyID, nodeIDs(committed), target)
		if err != nil {
			return nil, errors.Wrapf(ErrPublicKeyChanged, "key %s epoch %d: %v", keyID, target, err)
		}
		return nil, errors.Wrapf(ErrPublicKeyChanged, "key %s epoch %d", keyID, target)
	}
	if len(failed) > 0 {
		r.Logger.Warn("[Registry] key %s: %v stayed at epoch %d", keyID, nodeIDs(failed), current)
	}
	return pk, nil
}

func nodeIDs(clients []transport.NodeClient) []types.NodeID {
	ids := make([]types.NodeID, len(clients))
	for i, c := range clients {
		ids[i] = c.Node().ID
	}
	return ids
}

// groupKey 向第一个可用节点查询当前 epoch 的群公钥
func (r *Registry) groupKey(ctx context.Context, clients []transport.NodeClient, keyID types.KeyID, ep types.Epoch) (types.PublicKey, error) {
	var lastErr error
	for _, c := range clients {
		resp, err := c.PublicKey(ctx, keyID, ep)
		if err == nil {
			return types.PublicKey(resp.PublicKey), nil
		}
		lastErr = err
		if errors.Is(err, types.ErrStaleEpoch) {
			break
		}
	}
	return nil, errors.Wrapf(lastErr, "public key of %s epoch %d", keyID, ep)
}

// abort 尽力释放节点上的 reshare 槽位
// 只发给 deal 过的节点并带上它的 generation，不会误伤其它协调者接管的 reshare
func (r *Registry) abort(clients []transport.NodeClient, keyID types.KeyID, target types.Epoch, gens map[types.NodeID]uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var wg sync.WaitGroup
	for _, c := range clients {
		gen, ok := gens[c.Node().ID]
		if !ok || gen == 0 {
			continue
		}
		wg.Add(1)
		go func(c transport.NodeClient, gen uint64) {
			defer wg.Done()
			req := &pb.ReshareAbortRequest{KeyId: keyID.Bytes(), Epoch: uint64(target), Generation: gen}
			if err := c.ReshareAbort(ctx, req); err != nil {
				r.Logger.Debug("[Registry] key %s: abort on %s: %v", keyID, c.Node().ID, err)
			}
		}(c, gen)
	}
	wg.Wait()
}
