// orchestrator/orchestrator.go
// Request Orchestrator：init 扇出 -> 等待 t 个 ack -> 向已 ack 的节点 finish -> reduce -> verify

package orchestrator

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"nullifier/auth"
	"nullifier/config"
	"nullifier/epoch"
	"nullifier/logs"
	"nullifier/metrics"
	"nullifier/oprf"
	"nullifier/pb"
	"nullifier/quorum"
	"nullifier/session"
	"nullifier/stats"
	"nullifier/transport"
	"nullifier/types"
)

// Verifier Proof Verifier 边界
type Verifier interface {
	Verify(in oprf.VerifyInput) (*types.VerifiedOutput, error)
}

// AuthFunc 为 init 请求生成鉴权上下文
type AuthFunc func(keyID types.KeyID) (module string, payload []byte, err error)

// KeyIDAuth payload 即 KeyID 的鉴权模块（face / none）
func KeyIDAuth(module string) AuthFunc {
	return func(keyID types.KeyID) (string, []byte, error) {
		return module, keyID.Bytes(), nil
	}
}

// Request 一次 OPRF 调用
type Request struct {
	KeyID     types.KeyID
	Epoch     types.Epoch
	Query     []byte
	Nodes     []types.Node
	Threshold types.Threshold
	Mode      types.SendMode
	// Deadline 整体截止时间，0 使用配置值
	Deadline time.Duration
	// PublicKey 为空时向节点查询（并缓存）
	PublicKey types.PublicKey
	// SkipChecks 跳过证明校验（压测）
	SkipChecks bool

	// 压测预生成；为零值时由 Execute 生成
	RequestID types.RequestID
	Blinded   *oprf.BlindedRequest
}

// Orchestrator 客户端侧请求编排器；所有方法可并发调用
type Orchestrator struct {
	cfg      config.OrchestratorConfig
	dialer   transport.Dialer
	verifier Verifier
	epochs   *epoch.Manager
	authFn   AuthFunc
	sessions *session.Registry
	sem      *semaphore.Weighted
	sipK0    uint64
	sipK1    uint64

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closing  bool
	inflight int
	drained  chan struct{}
	keys     map[types.KeyID]types.PublicKey

	Stats   *stats.Stats
	Latency *stats.LatencyRecorder
	Logger  *logs.Logger
}

// Option Orchestrator 可选项
type Option func(*Orchestrator)

// WithEpochs 客户端侧窗口视图：请求 epoch 不在窗口内时不发任何网络请求
func WithEpochs(m *epoch.Manager) Option { return func(o *Orchestrator) { o.epochs = m } }

// WithAuth 鉴权上下文；默认 KeyIDAuth(auth.ModuleNone)
func WithAuth(fn AuthFunc) Option { return func(o *Orchestrator) { o.authFn = fn } }

// WithSessions 共享 session 登记表（测试中用来检查遗留会话）
func WithSessions(r *session.Registry) Option { return func(o *Orchestrator) { o.sessions = r } }

func WithLogger(l *logs.Logger) Option { return func(o *Orchestrator) { o.Logger = l } }

// New 创建编排器；ctx 结束时所有在途请求被取消
func New(ctx context.Context, cfg config.OrchestratorConfig, dialer transport.Dialer, verifier Verifier, opts ...Option) *Orchestrator {
	if verifier == nil {
		verifier = oprf.NewVerifier()
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = config.DefaultOrchestratorConfig().MaxInFlight
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = config.DefaultOrchestratorConfig().Deadline
	}
	root, cancel := context.WithCancel(ctx)
	o := &Orchestrator{
		cfg:      cfg,
		dialer:   dialer,
		verifier: verifier,
		authFn:   KeyIDAuth(auth.ModuleNone),
		sem:      semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		ctx:      root,
		cancel:   cancel,
		keys:     make(map[types.KeyID]types.PublicKey),
		Stats:    stats.NewStats(),
		Latency:  stats.NewLatencyRecorder(4096),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.sessions == nil {
		o.sessions = session.NewRegistry(o.Logger)
	}
	var seed [16]byte
	if _, err := rand.Read(seed[:]); err == nil {
		o.sipK0 = binary.LittleEndian.Uint64(seed[:8])
		o.sipK1 = binary.LittleEndian.Uint64(seed[8:])
	}
	metrics.Describe()
	return o
}

// Sessions 在途请求的会话登记表
func (o *Orchestrator) Sessions() *session.Registry { return o.sessions }

// Epochs 客户端侧窗口视图（可能为 nil）
func (o *Orchestrator) Epochs() *epoch.Manager { return o.epochs }

// SetPublicKey 预置 KeyID 的群公钥（reshare 不改变公钥，因此不区分 epoch）
func (o *Orchestrator) SetPublicKey(keyID types.KeyID, pk types.PublicKey) {
	o.mu.Lock()
	o.keys[keyID] = pk
	o.mu.Unlock()
}

// RunOprf 便捷入口：以 deadline 为整体截止时间执行一次 OPRF
func (o *Orchestrator) RunOprf(ctx context.Context, keyID types.KeyID, ep types.Epoch, query []byte, nodes []types.Node, th types.Threshold, mode types.SendMode, deadline time.Duration) (*types.VerifiedOutput, error) {
	return o.Execute(ctx, Request{
		KeyID:     keyID,
		Epoch:     ep,
		Query:     query,
		Nodes:     nodes,
		Threshold: th,
		Mode:      mode,
		Deadline:  deadline,
	})
}

// InFlight 在途请求数与上限
func (o *Orchestrator) InFlight() stats.ChannelStat {
	o.mu.Lock()
	defer o.mu.Unlock()
	return stats.NewChannelStat("inflight", "Orchestrator", o.inflight, o.cfg.MaxInFlight)
}

func (o *Orchestrator) enter() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closing {
		return false
	}
	o.inflight++
	return true
}

func (o *Orchestrator) leave() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.inflight--
	if o.inflight == 0 && o.drained != nil {
		close(o.drained)
		o.drained = nil
	}
}

// Execute 执行一次完整的两阶段请求
func (o *Orchestrator) Execute(ctx context.Context, req Request) (out *types.VerifiedOutput, err error) {
	start := time.Now()
	if !o.enter() {
		return nil, &types.OrchestrationError{Kind: types.ErrShuttingDown, RequestID: req.RequestID, Phase: types.PhaseValidate, Threshold: req.Threshold.T}
	}
	defer o.leave()
	defer func() {
		result := types.Classify(err)
		o.Stats.RecordAPICall("execute")
		o.Stats.RecordOutcome("execute", result)
		o.Latency.Record(req.Mode.String(), time.Since(start))
		metrics.ClientRequest(req.Mode.String(), result, time.Since(start))
	}()

	if err := o.validate(&req); err != nil {
		return nil, err
	}

	deadline := req.Deadline
	if deadline <= 0 {
		deadline = o.cfg.Deadline
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	// 全局关闭信号同样取消本请求
	stop := context.AfterFunc(o.ctx, cancel)
	defer stop()

	if err := o.sem.Acquire(ctx, 1); err != nil {
		return nil, o.abandoned(ctx, req, types.PhaseValidate, 0, 0, nil)
	}
	defer o.sem.Release(1)

	if req.RequestID == (types.RequestID{}) {
		req.RequestID = types.NewRequestID()
	}
	if req.Blinded == nil {
		if req.Blinded, err = oprf.Blind(req.Query); err != nil {
			return nil, &types.OrchestrationError{Kind: types.ErrInvalidParameters, RequestID: req.RequestID, Phase: types.PhaseValidate, Cause: err}
		}
	}
	return o.execute(ctx, req)
}

// validate 在任何网络调用之前完成的检查
func (o *Orchestrator) validate(req *Request) error {
	fail := func(kind error, cause error) error {
		return &types.OrchestrationError{Kind: kind, RequestID: req.RequestID, Phase: types.PhaseValidate, Threshold: req.Threshold.T, Cause: cause}
	}
	if len(req.Nodes) == 0 {
		return fail(types.ErrInvalidParameters, errors.New("empty node list"))
	}
	if req.Threshold.N == 0 {
		req.Threshold.N = len(req.Nodes)
	}
	if err := req.Threshold.Validate(); err != nil {
		return fail(types.ErrInvalidParameters, err)
	}
	if req.Threshold.N != len(req.Nodes) {
		return fail(types.ErrInvalidParameters, errors.Errorf("threshold n=%d but %d nodes", req.Threshold.N, len(req.Nodes)))
	}
	if req.Query == nil && req.Blinded == nil {
		return fail(types.ErrInvalidParameters, errors.New("missing query"))
	}
	if o.epochs != nil {
		if w, known := o.epochs.Get(req.KeyID); known && !w.Contains(req.Epoch) {
			return fail(types.ErrStaleEpoch, errors.Errorf("epoch %d outside local window %s", req.Epoch, w))
		}
	}
	return nil
}

// abandoned ctx 结束导致的失败：截止时间到期标记 Timeout，否则视为取消
func (o *Orchestrator) abandoned(ctx context.Context, req Request, phase string, acked, responses int, nodeErrs []*types.NodeError) error {
	e := &types.OrchestrationError{
		Kind:       types.ErrQuorumNotReached,
		RequestID:  req.RequestID,
		Phase:      phase,
		Threshold:  req.Threshold.T,
		Acked:      acked,
		Responses:  responses,
		NodeErrors: nodeErrs,
	}
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		e.Timeout = true
		e.Cause = errors.Wrap(types.ErrTimeout, "request deadline exceeded")
	case ctx.Err() != nil:
		e.Cause = errors.Wrap(types.ErrCancelled, ctx.Err().Error())
	}
	return e
}

func (o *Orchestrator) execute(ctx context.Context, req Request) (*types.VerifiedOutput, error) {
	th := req.Threshold
	clients := make([]transport.NodeClient, len(req.Nodes))
	for i, n := range req.Nodes {
		c, err := o.dialer.Dial(n)
		if err != nil {
			return nil, &types.OrchestrationError{Kind: types.ErrInvalidParameters, RequestID: req.RequestID, Phase: types.PhaseValidate, Threshold: th.T, Cause: err}
		}
		clients[i] = c
	}

	tracker := o.sessions.Open(req.RequestID, req.Nodes)
	defer func() {
		if n := tracker.Close(); n > 0 {
			o.Logger.Trace("[Orchestrator] request %s released %d sessions", req.RequestID, n)
		}
	}()

	module, payload, err := o.authFn(req.KeyID)
	if err != nil {
		return nil, &types.OrchestrationError{Kind: types.ErrUnauthorized, RequestID: req.RequestID, Phase: types.PhaseValidate, Threshold: th.T, Cause: err}
	}

	// ---------- init ----------
	rec := &nodeErrors{}
	initReq := &pb.InitRequest{
		RequestId:    req.RequestID.Bytes(),
		KeyId:        req.KeyID.Bytes(),
		Epoch:        uint64(req.Epoch),
		BlindedQuery: req.Blinded.Bytes(),
		Module:       module,
		Auth:         payload,
	}
	stale := 0
	call := func(ctx context.Context, c transport.NodeClient) outcome {
		if err := tracker.MarkSent(c.Node().ID); err != nil {
			return outcome{node: c.Node(), err: err}
		}
		ack, err := c.Init(ctx, initReq)
		return outcome{node: c.Node(), ack: ack, err: err}
	}
	accept := func(r outcome) bool {
		if r.err != nil {
			tracker.OnInitFailed(r.node.ID)
			kind := rec.add(r.node, "init", r.err)
			if kind == types.ErrStaleEpoch {
				stale++
			}
			return false
		}
		if !bytes.Equal(r.ack.RequestId, initReq.RequestId) || int(r.ack.PartyId) != r.node.PartyID {
			tracker.OnInitFailed(r.node.ID)
			rec.add(r.node, "init", errors.Wrapf(types.ErrRejected, "ack for party %d request %x", r.ack.PartyId, r.ack.RequestId))
			return false
		}
		if types.Epoch(r.ack.Epoch) != req.Epoch {
			tracker.OnInitFailed(r.node.ID)
			rec.add(r.node, "init", errors.Wrapf(types.ErrEpochMismatch, "ack epoch %d, requested %d", r.ack.Epoch, req.Epoch))
			return false
		}
		return tracker.OnInitAck(r.node.ID, types.Epoch(r.ack.Epoch))
	}
	finishReq := &pb.FinishRequest{RequestId: req.RequestID.Bytes()}
	finishCall := func(ctx context.Context, c transport.NodeClient) outcome {
		resp, err := c.Finish(ctx, finishReq)
		return outcome{node: c.Node(), resp: resp, err: err}
	}
	finishAccept := func(r outcome) bool {
		if r.err != nil {
			tracker.OnFinishFailed(r.node.ID)
			rec.add(r.node, "finish", r.err)
			return false
		}
		if len(r.resp.RequestId) > 0 && !bytes.Equal(r.resp.RequestId, finishReq.RequestId) {
			tracker.OnFinishFailed(r.node.ID)
			rec.add(r.node, "finish", errors.Wrapf(types.ErrRejected, "response for request %x", r.resp.RequestId))
			return false
		}
		return tracker.OnFinishResponse(r.node.ID, types.PartialResponse{
			Epoch:       types.Epoch(r.resp.Epoch),
			Evaluation:  r.resp.Evaluation,
			PublicShare: r.resp.PublicShare,
			Proof:       r.resp.Proof,
		})
	}

	// 先 init 直到 ack 够 t 个，再只向已 ack 的节点发 finish。
	// finish 不够 t 个时，向尚未答复的节点补发 init，再向新 ack 的节点补发 finish
	untried := rotate(clients, o.startOffset(req.RequestID, len(clients)))
	finishSent := false
	for round := 0; round <= len(clients); round++ {
		targets := finishTargets(tracker, clients)
		if need := th.T - tracker.ResponseCount() - len(targets); need > 0 && len(untried) > 0 && ctx.Err() == nil {
			_, untried = o.fanOut(ctx, req.Mode, untried, need, call, accept)
			targets = finishTargets(tracker, clients)
		}
		if ctx.Err() != nil || len(targets) == 0 || tracker.ResponseCount()+len(targets) < th.T {
			break
		}
		if !finishSent {
			o.Logger.Debug("[Orchestrator] request %s: %d/%d init acks, epoch %d", req.RequestID, tracker.AckCount(), th.N, req.Epoch)
		} else {
			o.Logger.Debug("[Orchestrator] request %s: %d/%d finish responses, finishing %d more nodes", req.RequestID, tracker.ResponseCount(), th.T, len(targets))
		}
		finishSent = true
		o.fanOut(ctx, req.Mode, targets, th.T-tracker.ResponseCount(), finishCall, finishAccept)
		if tracker.ResponseCount() >= th.T || ctx.Err() != nil {
			break
		}
	}

	acked := tracker.AckCount()
	if !finishSent {
		if stale > th.N-th.T {
			return nil, &types.OrchestrationError{
				Kind: types.ErrStaleEpoch, RequestID: req.RequestID, Phase: types.PhaseInit,
				Threshold: th.T, Acked: acked, NodeErrors: rec.list,
				Cause: errors.Errorf("%d of %d nodes reject epoch %d", stale, th.N, req.Epoch),
			}
		}
		if ctx.Err() != nil {
			return nil, o.abandoned(ctx, req, types.PhaseInit, acked, 0, rec.list)
		}
		return nil, &types.OrchestrationError{
			Kind: types.ErrQuorumNotReached, RequestID: req.RequestID, Phase: types.PhaseInit,
			Threshold: th.T, Acked: acked, NodeErrors: rec.list,
		}
	}

	// ---------- reduce ----------
	set := types.ResponseSet{RequestID: req.RequestID, Responses: tracker.Responses()}
	opts := []quorum.Option{quorum.WithExpectedEpoch(req.Epoch)}
	if o.epochs != nil {
		if w, ok := o.epochs.Get(req.KeyID); ok {
			opts = append(opts, quorum.WithWindow(w))
		}
	}
	decision, err := quorum.Reduce(set, th.T, opts...)
	if err != nil {
		return nil, &types.OrchestrationError{
			Kind: types.ErrEpochMismatch, RequestID: req.RequestID, Phase: types.PhaseReduce,
			Threshold: th.T, Acked: acked, Responses: set.Len(), NodeErrors: rec.list, Cause: err,
		}
	}
	if !decision.Quorate {
		if ctx.Err() != nil {
			return nil, o.abandoned(ctx, req, types.PhaseFinish, acked, set.Len(), rec.list)
		}
		return nil, &types.OrchestrationError{
			Kind: types.ErrQuorumNotReached, RequestID: req.RequestID, Phase: types.PhaseFinish,
			Threshold: th.T, Acked: acked, Responses: set.Len(), NodeErrors: rec.list,
		}
	}

	// ---------- verify ----------
	skip := req.SkipChecks || o.cfg.SkipChecks
	pk := req.PublicKey
	if len(pk) == 0 && !skip {
		if pk, err = o.publicKey(ctx, req.KeyID, req.Epoch, clients, th); err != nil {
			return nil, &types.OrchestrationError{
				Kind: types.ErrProofInvalid, RequestID: req.RequestID, Phase: types.PhaseVerify,
				Threshold: th.T, Acked: acked, Responses: set.Len(), NodeErrors: rec.list, Cause: err,
			}
		}
	}
	out, err := o.verifier.Verify(oprf.VerifyInput{
		KeyID:      req.KeyID,
		Set:        decision.Set,
		PublicKey:  pk,
		Request:    req.Blinded,
		Threshold:  th,
		SkipProofs: skip,
	})
	if err != nil {
		kind := types.ErrProofInvalid
		if !errors.Is(err, types.ErrProofInvalid) && errors.Is(err, types.ErrInvalidParameters) {
			kind = types.ErrInvalidParameters
		}
		return nil, &types.OrchestrationError{
			Kind: kind, RequestID: req.RequestID, Phase: types.PhaseVerify,
			Threshold: th.T, Acked: acked, Responses: set.Len(), NodeErrors: rec.list, Cause: err,
		}
	}
	out.Epoch = decision.Epoch
	if len(decision.Set.Stragglers) > 0 {
		o.Logger.Debug("[Orchestrator] request %s: %d stragglers ignored", req.RequestID, len(decision.Set.Stragglers))
	}
	return out, nil
}

// finishTargets 处于 AwaitingFinish 的节点（ack 顺序），只有它们可以收到 finish
func finishTargets(tracker *session.Tracker, clients []transport.NodeClient) []transport.NodeClient {
	awaiting := tracker.AwaitingFinish()
	out := make([]transport.NodeClient, 0, len(awaiting))
	for _, n := range awaiting {
		if err := tracker.CanFinish(n.ID); err != nil {
			continue
		}
		for _, c := range clients {
			if c.Node().ID == n.ID {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// publicKey 缓存命中直接返回；否则要求至少 t 个节点报告同一个公钥
func (o *Orchestrator) publicKey(ctx context.Context, keyID types.KeyID, ep types.Epoch, clients []transport.NodeClient, th types.Threshold) (types.PublicKey, error) {
	o.mu.Lock()
	pk, ok := o.keys[keyID]
	o.mu.Unlock()
	if ok {
		return pk, nil
	}

	votes := make(map[string]int)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c transport.NodeClient) {
			defer wg.Done()
			resp, err := c.PublicKey(ctx, keyID, ep)
			if err != nil {
				o.Logger.Debug("[Orchestrator] public key from %s: %v", c.Node().ID, err)
				return
			}
			mu.Lock()
			votes[string(resp.PublicKey)]++
			mu.Unlock()
		}(c)
	}
	wg.Wait()
	for k, n := range votes {
		if n >= th.T {
			pk = types.PublicKey(k)
			o.SetPublicKey(keyID, pk)
			return pk, nil
		}
	}
	return nil, errors.Errorf("no %d nodes agree on the public key of %s", th.T, keyID)
}

// Shutdown 停止接收新请求，等待在途请求至多 grace；超时后取消剩余请求并返回 ErrUngracefulShutdown
func (o *Orchestrator) Shutdown(grace time.Duration) error {
	o.mu.Lock()
	o.closing = true
	if o.inflight == 0 {
		o.mu.Unlock()
		o.cancel()
		return nil
	}
	if o.drained == nil {
		o.drained = make(chan struct{})
	}
	drained := o.drained
	pending := o.inflight
	o.mu.Unlock()

	o.Logger.Info("[Orchestrator] shutting down, waiting for %d in-flight requests", pending)
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-drained:
		o.cancel()
		o.Logger.Info("[Orchestrator] shutdown complete")
		return nil
	case <-timer.C:
	}

	o.cancel()
	// 取消是协作式的，给被取消的请求一点时间退出
	select {
	case <-drained:
	case <-time.After(time.Second):
	}
	released := o.sessions.CloseAll()
	return errors.Wrapf(types.ErrUngracefulShutdown, "%d requests still in flight after %s, %d sessions released", pending, grace, released)
}
