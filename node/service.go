// node/service.go
// OPRF 节点：init/finish 两阶段、公钥查询、密钥生成与份额轮换

package node

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"nullifier/auth"
	"nullifier/config"
	"nullifier/epoch"
	"nullifier/logs"
	"nullifier/metrics"
	"nullifier/oprf"
	"nullifier/pb"
	"nullifier/stats"
	"nullifier/storage"
	"nullifier/types"
)

// Version 节点版本号，health 接口返回
var Version = "0.3.0"

// pendingSession init 已确认、等待 finish 的会话
type pendingSession struct {
	keyID       types.KeyID
	epoch       types.Epoch
	blinded     []byte
	fingerprint [32]byte
	partyID     int
	created     time.Time
}

// Service 节点业务逻辑，与传输层无关
type Service struct {
	cfg      *config.NodeConfig
	store    *storage.Store
	epochs   *epoch.Manager
	auth     *auth.Registry
	sessions *lru.Cache // RequestID -> *pendingSession
	replay   *ReplayGuard

	keygenMu  sync.Mutex // 串行化 keygen：检查 -> 写份额 -> 初始化窗口
	now       func() time.Time
	ownsStore bool

	Stats   *stats.Stats
	Latency *stats.LatencyRecorder
	Logger  *logs.Logger
}

// NewService 创建节点服务；窗口从 store 恢复
func NewService(cfg *config.NodeConfig, store *storage.Store, authReg *auth.Registry, logger *logs.Logger) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultNodeConfig()
	}
	if store == nil {
		return nil, errors.New("node: nil share store")
	}
	if authReg == nil {
		authReg = auth.NewRegistry()
	}
	epochs, err := epoch.NewManager(
		epoch.WithStore(store),
		epoch.WithReshareTimeout(cfg.Reshare.Timeout),
		epoch.WithLogger(logger),
	)
	if err != nil {
		return nil, errors.Wrap(err, "restore epoch windows")
	}
	cache, err := lru.New(cfg.Session.CacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "session cache")
	}
	metrics.Describe()
	s := &Service{
		cfg:      cfg,
		store:    store,
		epochs:   epochs,
		auth:     authReg,
		sessions: cache,
		replay:   NewReplayGuard(cfg.Replay.TTL, cfg.Replay.MaxSize),
		now:      time.Now,
		Stats:    stats.NewStats(),
		Latency:  stats.NewLatencyRecorder(2048),
		Logger:   logger,
	}
	for _, k := range epochs.Keys() {
		w, _ := epochs.Get(k)
		logger.Info("[Node] restored key %s window=%s", k, w)
	}
	return s, nil
}

// Epochs 节点本地的窗口管理器
func (s *Service) Epochs() *epoch.Manager { return s.epochs }

// Close 停止后台清理；只有 NewLocalService 创建的 store 才随之关闭
func (s *Service) Close() {
	s.replay.Stop()
	s.sessions.Purge()
	metrics.SetOpenSessions(0)
	if s.ownsStore {
		if err := s.store.Close(); err != nil {
			s.Logger.Warn("[Node] close in-memory store: %v", err)
		}
	}
}

// OpenSessions 当前等待 finish 的会话数
func (s *Service) OpenSessions() int { return s.sessions.Len() }

// ========== init / finish ==========

func epochBytes(e types.Epoch) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(e))
	return b[:]
}

// Init 校验窗口与鉴权，登记会话，返回 ack
func (s *Service) Init(ctx context.Context, req *pb.InitRequest) (ack *pb.InitAck, err error) {
	start := s.now()
	s.Stats.RecordAPICall("init")
	defer func() {
		metrics.NodeInit(types.Classify(err))
		s.Stats.RecordOutcome("init", types.Classify(err))
		s.Latency.Record("init", s.now().Sub(start))
	}()

	requestID, err := types.RequestIDFromBytes(req.RequestId)
	if err != nil {
		return nil, errors.Wrap(types.ErrInvalidParameters, err.Error())
	}
	keyID, err := types.KeyIDFromBytes(req.KeyId)
	if err != nil {
		return nil, errors.Wrap(types.ErrInvalidParameters, err.Error())
	}
	if _, err := oprf.DecodePoint(req.BlindedQuery); err != nil {
		return nil, errors.Wrap(types.ErrInvalidParameters, "blinded query: "+err.Error())
	}
	ep := types.Epoch(req.Epoch)

	// 窗口外的 epoch 在鉴权前直接拒绝
	if err := s.epochs.Check(keyID, ep); err != nil {
		s.Logger.Debug("[Node] init %s rejected: %v", requestID, err)
		return nil, err
	}

	fp := Fingerprint(keyID.Bytes(), epochBytes(ep), req.BlindedQuery)
	first, ok := s.replay.Check(requestID, fp)
	if !ok {
		s.Logger.Warn("[Node] request id %s reused with different content", requestID)
		return nil, errors.Wrapf(types.ErrReplayedRequest, "request %s", requestID)
	}
	if !first {
		// 同一请求的重复投递：会话仍在则幂等确认
		if v, found := s.sessions.Peek(requestID); found {
			ps := v.(*pendingSession)
			return &pb.InitAck{RequestId: req.RequestId, PartyId: uint32(ps.partyID), Epoch: uint64(ps.epoch)}, nil
		}
		return nil, errors.Wrapf(types.ErrReplayedRequest, "request %s already consumed", requestID)
	}

	authReq := &auth.Request{RequestID: requestID, KeyID: keyID, Epoch: ep, Module: req.Module, Payload: req.Auth}
	if _, err := s.auth.Authenticate(ctx, authReq); err != nil {
		s.replay.Forget(requestID)
		s.Logger.Debug("[Node] init %s auth failed: %v", requestID, err)
		return nil, err
	}

	rec, err := s.store.GetShare(keyID, ep)
	if err != nil {
		s.replay.Forget(requestID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errors.Wrapf(types.ErrUnknownKey, "no share for key %s epoch %d", keyID, ep)
		}
		return nil, err
	}

	blinded := make([]byte, len(req.BlindedQuery))
	copy(blinded, req.BlindedQuery)
	s.sessions.Add(requestID, &pendingSession{
		keyID:       keyID,
		epoch:       ep,
		blinded:     blinded,
		fingerprint: fp,
		partyID:     rec.PartyID,
		created:     s.now(),
	})
	metrics.SetOpenSessions(s.sessions.Len())
	s.Logger.Verbose("[Node] init %s key=%s epoch=%d party=%d", requestID, keyID, ep, rec.PartyID)
	return &pb.InitAck{RequestId: req.RequestId, PartyId: uint32(rec.PartyID), Epoch: uint64(ep)}, nil
}

// Finish 一次性消费会话并返回带 DLEQ 证明的部分结果
func (s *Service) Finish(ctx context.Context, req *pb.FinishRequest) (resp *pb.PartialResponse, err error) {
	start := s.now()
	s.Stats.RecordAPICall("finish")
	defer func() {
		metrics.NodeFinish(types.Classify(err))
		s.Stats.RecordOutcome("finish", types.Classify(err))
		metrics.SetOpenSessions(s.sessions.Len())
		s.Latency.Record("finish", s.now().Sub(start))
	}()

	requestID, err := types.RequestIDFromBytes(req.RequestId)
	if err != nil {
		return nil, errors.Wrap(types.ErrInvalidParameters, err.Error())
	}
	v, found := s.sessions.Peek(requestID)
	// Remove 返回 true 的调用方独占该会话
	if !found || !s.sessions.Remove(requestID) {
		return nil, errors.Wrapf(types.ErrUnknownRequest, "request %s", requestID)
	}
	ps := v.(*pendingSession)
	if s.now().Sub(ps.created) > s.cfg.Session.TTL {
		return nil, errors.Wrapf(types.ErrUnknownRequest, "request %s expired", requestID)
	}

	// init 与 finish 之间窗口可能已经前移
	if err := s.epochs.Check(ps.keyID, ps.epoch); err != nil {
		s.Logger.Info("[Node] finish %s: epoch %d left the window", requestID, ps.epoch)
		return nil, err
	}
	rec, err := s.store.GetShare(ps.keyID, ps.epoch)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errors.Wrapf(types.ErrStaleEpoch, "share for epoch %d discarded", ps.epoch)
		}
		return nil, err
	}
	secret, err := oprf.DecodeScalar(rec.Secret)
	if err != nil {
		return nil, errors.Wrap(err, "stored share")
	}
	ks := &oprf.KeyShare{Index: rec.PartyID, Secret: secret}
	ev, err := ks.Evaluate(ps.blinded)
	if err != nil {
		return nil, err
	}
	return &pb.PartialResponse{
		RequestId:   req.RequestId,
		PartyId:     uint32(rec.PartyID),
		Epoch:       uint64(ps.epoch),
		Evaluation:  ev.Evaluation,
		PublicShare: ev.PublicShare,
		Proof:       ev.Proof,
	}, nil
}

// Sweep 清理超时未 finish 的会话
func (s *Service) Sweep() int {
	now := s.now()
	removed := 0
	for _, k := range s.sessions.Keys() {
		v, ok := s.sessions.Peek(k)
		if !ok {
			continue
		}
		if now.Sub(v.(*pendingSession).created) > s.cfg.Session.TTL && s.sessions.Remove(k) {
			removed++
		}
	}
	if removed > 0 {
		s.Logger.Debug("[Node] swept %d expired sessions", removed)
	}
	metrics.SetOpenSessions(s.sessions.Len())
	return removed
}

// RunSweeper 周期性 Sweep，ctx 结束时返回
func (s *Service) RunSweeper(ctx context.Context) {
	interval := s.cfg.Session.TTL / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// ========== 查询 ==========

// Health 节点存活
func (s *Service) Health() *pb.HealthResponse {
	s.Stats.RecordAPICall("health")
	return &pb.HealthResponse{Status: "ok", Version: Version}
}

// PublicKey 返回 (KeyID, epoch) 的群公钥以及当前窗口
func (s *Service) PublicKey(keyID types.KeyID, ep types.Epoch) (*pb.PublicKeyResponse, error) {
	s.Stats.RecordAPICall("public_key")
	w, ok := s.epochs.Get(keyID)
	if !ok {
		return nil, errors.Wrapf(types.ErrUnknownKey, "key %s", keyID)
	}
	if !w.Contains(ep) {
		return nil, errors.Wrapf(types.ErrStaleEpoch, "epoch %d outside window %s", ep, w)
	}
	rec, err := s.store.GetShare(keyID, ep)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errors.Wrapf(types.ErrUnknownKey, "no share for key %s epoch %d", keyID, ep)
		}
		return nil, err
	}
	return &pb.PublicKeyResponse{
		KeyId:         keyID.Bytes(),
		Epoch:         uint64(ep),
		PublicKey:     rec.PublicKey,
		CurrentEpoch:  uint64(w.Current),
		PreviousEpoch: uint64(w.Previous),
		HasPrevious:   w.HasPrevious,
	}, nil
}

// ========== 密钥生成 ==========

// KeyGen 接收 epoch 0 的份额并初始化窗口
func (s *Service) KeyGen(ctx context.Context, req *pb.KeyGenRequest) (resp *pb.KeyGenResponse, err error) {
	s.Stats.RecordAPICall("keygen")
	defer func() { metrics.Reshare("keygen", types.Classify(err)) }()

	keyID, err := types.KeyIDFromBytes(req.KeyId)
	if err != nil {
		return nil, errors.Wrap(types.ErrInvalidParameters, err.Error())
	}
	th := types.Threshold{N: int(req.Nodes), T: int(req.Threshold)}
	if err := th.Validate(); err != nil {
		return nil, err
	}
	if int(req.PartyId) >= th.N {
		return nil, errors.Wrapf(types.ErrInvalidParameters, "party %d of %d", req.PartyId, th.N)
	}
	secret, err := oprf.DecodeScalar(req.Share)
	if err != nil {
		return nil, errors.Wrap(types.ErrInvalidParameters, err.Error())
	}
	if _, err := oprf.DecodePoint(req.PublicKey); err != nil {
		return nil, errors.Wrap(types.ErrInvalidParameters, "public key: "+err.Error())
	}
	ks := &oprf.KeyShare{Index: int(req.PartyId), Secret: secret}
	if len(req.Commits) > 0 {
		if err := oprf.VerifyShare(ks, req.Commits); err != nil {
			return nil, errors.Wrap(types.ErrInvalidParameters, err.Error())
		}
		if string(req.Commits[0]) != string(req.PublicKey) {
			return nil, errors.Wrap(types.ErrInvalidParameters, "public key does not match commitments")
		}
	}

	s.keygenMu.Lock()
	defer s.keygenMu.Unlock()
	if _, exists := s.epochs.Get(keyID); exists {
		return nil, errors.Wrapf(types.ErrAlreadyInitialized, "key %s", keyID)
	}
	rec := &storage.ShareRecord{
		KeyID:     keyID,
		Epoch:     0,
		PartyID:   ks.Index,
		Threshold: th,
		Secret:    req.Share,
		PublicKey: req.PublicKey,
	}
	if err := s.store.PutShare(rec); err != nil {
		return nil, err
	}
	w, err := s.epochs.Initialize(keyID)
	if err != nil {
		_ = s.store.DeleteShare(keyID, 0)
		return nil, err
	}
	s.Logger.Info("[Node] key %s generated party=%d t=%d n=%d window=%s", keyID, ks.Index, th.T, th.N, w)
	return &pb.KeyGenResponse{KeyId: req.KeyId, Epoch: uint64(w.Current)}, nil
}

// ========== 份额轮换 ==========

func (s *Service) loadShare(keyID types.KeyID, ep types.Epoch) (*storage.ShareRecord, *oprf.KeyShare, error) {
	rec, err := s.store.GetShare(keyID, ep)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, errors.Wrapf(types.ErrUnknownKey, "no share for key %s epoch %d", keyID, ep)
		}
		return nil, nil, err
	}
	secret, err := oprf.DecodeScalar(rec.Secret)
	if err != nil {
		return nil, nil, errors.Wrap(err, "stored share")
	}
	return rec, &oprf.KeyShare{Index: rec.PartyID, Secret: secret}, nil
}

// ReshareDeal 占用 reshare 槽位，把当前份额切分给新一代的每个成员
func (s *Service) ReshareDeal(ctx context.Context, req *pb.ReshareDealRequest) (resp *pb.ReshareDeal, err error) {
	s.Stats.RecordAPICall("reshare_deal")
	defer func() { metrics.Reshare("deal", types.Classify(err)) }()

	keyID, err := types.KeyIDFromBytes(req.KeyId)
	if err != nil {
		return nil, errors.Wrap(types.ErrInvalidParameters, err.Error())
	}
	next := types.Threshold{N: int(req.Nodes), T: int(req.Threshold)}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	current := types.Epoch(req.Epoch)

	ticket, err := s.epochs.BeginReshare(keyID)
	if err != nil {
		return nil, err
	}
	target := ticket.Target
	fail := func(err error) (*pb.ReshareDeal, error) {
		s.epochs.AbortReshare(keyID, ticket)
		return nil, err
	}
	if target != current.Next() {
		return fail(errors.Wrapf(types.ErrStaleEpoch, "dealing from epoch %d, node would reshare to %d", current, target))
	}
	rec, ks, err := s.loadShare(keyID, current)
	if err != nil {
		return fail(err)
	}
	if rec.Threshold != next {
		return fail(errors.Wrapf(types.ErrInvalidParameters, "committee change t=%d n=%d -> t=%d n=%d", rec.Threshold.T, rec.Threshold.N, next.T, next.N))
	}
	dealing, err := ks.Reshare(next)
	if err != nil {
		return fail(err)
	}
	out := &pb.ReshareDeal{
		KeyId:      req.KeyId,
		Epoch:      uint64(target),
		Dealer:     uint32(rec.PartyID),
		Commits:    dealing.Commits,
		Generation: ticket.Generation,
	}
	for _, sub := range dealing.Shares {
		out.SubShares = append(out.SubShares, oprf.EncodeScalar(sub.Secret))
	}
	s.Logger.Info("[Node] key %s dealt sub-shares for epoch %d as dealer %d", keyID, target, rec.PartyID)
	return out, nil
}

// ReshareCommit 合并子份额，写入新一代份额并前移窗口，删除被淘汰的份额
func (s *Service) ReshareCommit(ctx context.Context, req *pb.ReshareCommitRequest) (resp *pb.ReshareCommitResponse, err error) {
	s.Stats.RecordAPICall("reshare_commit")
	defer func() { metrics.Reshare("commit", types.Classify(err)) }()

	keyID, err := types.KeyIDFromBytes(req.KeyId)
	if err != nil {
		return nil, errors.Wrap(types.ErrInvalidParameters, err.Error())
	}
	target := types.Epoch(req.Epoch)

	ticket, err := s.reshareTicket(keyID, target, req.Generation)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*pb.ReshareCommitResponse, error) {
		s.epochs.AbortReshare(keyID, ticket)
		return nil, err
	}

	w, _ := s.epochs.Get(keyID)
	rec, _, err := s.loadShare(keyID, w.Current)
	if err != nil {
		return fail(err)
	}
	subs := make([]oprf.SubShare, 0, len(req.Deals))
	for _, d := range req.Deals {
		subs = append(subs, oprf.SubShare{Dealer: int(d.Dealer), Commits: d.Commits, Value: d.SubShare})
	}
	ks, err := oprf.CombineSubShares(rec.PartyID, subs, rec.Threshold, rec.PublicKey)
	if err != nil {
		return fail(errors.Wrap(types.ErrInvalidParameters, err.Error()))
	}

	next := &storage.ShareRecord{
		KeyID:     keyID,
		Epoch:     target,
		PartyID:   rec.PartyID,
		Threshold: rec.Threshold,
		Secret:    oprf.EncodeScalar(ks.Secret),
		PublicKey: rec.PublicKey,
	}
	// 份额在 fencing 检查通过后才写入：被取代的 reshare 不会覆盖或删除新一代份额
	tr, err := s.epochs.CommitReshare(keyID, ticket, func() error { return s.store.PutShare(next) })
	if err != nil {
		return fail(err)
	}
	for _, old := range tr.Discarded {
		if err := s.store.DeleteShare(keyID, old); err != nil {
			s.Logger.Warn("[Node] key %s: delete discarded share epoch %d: %v", keyID, old, err)
		}
	}
	s.Logger.Info("[Node] key %s reshared %s -> %s", keyID, tr.From, tr.To)
	return &pb.ReshareCommitResponse{
		KeyId:       req.KeyId,
		Epoch:       uint64(target),
		PublicShare: oprf.EncodePoint(ks.Public()),
	}, nil
}

// reshareTicket 取 commit 对应的槽位：带 generation 时必须仍是在途的那一个，否则在这里占用槽位
func (s *Service) reshareTicket(keyID types.KeyID, target types.Epoch, generation uint64) (epoch.ReshareTicket, error) {
	if generation != 0 {
		ticket := epoch.ReshareTicket{Target: target, Generation: generation}
		if busy, ok := s.epochs.Resharing(keyID); !ok || busy != ticket {
			return epoch.ReshareTicket{}, errors.Wrapf(types.ErrReshareInProgress, "reshare to epoch %d generation %d superseded", target, generation)
		}
		return ticket, nil
	}
	// 未参与 deal 的节点
	if busy, ok := s.epochs.Resharing(keyID); ok {
		return epoch.ReshareTicket{}, errors.Wrapf(types.ErrReshareInProgress, "reshare to epoch %d in flight", busy.Target)
	}
	ticket, err := s.epochs.BeginReshare(keyID)
	if err != nil {
		return epoch.ReshareTicket{}, err
	}
	if ticket.Target != target {
		s.epochs.AbortReshare(keyID, ticket)
		return epoch.ReshareTicket{}, errors.Wrapf(types.ErrStaleEpoch, "commit for epoch %d, node would reshare to %d", target, ticket.Target)
	}
	return ticket, nil
}

// ReshareAbort 释放 reshare 槽位；Generation 为 0 时（运维手动）释放任何在途的槽位
func (s *Service) ReshareAbort(_ context.Context, req *pb.ReshareAbortRequest) error {
	s.Stats.RecordAPICall("reshare_abort")
	keyID, err := types.KeyIDFromBytes(req.KeyId)
	if err != nil {
		return errors.Wrap(types.ErrInvalidParameters, err.Error())
	}
	ticket := epoch.ReshareTicket{Target: types.Epoch(req.Epoch), Generation: req.Generation}
	if req.Generation == 0 {
		busy, ok := s.epochs.Resharing(keyID)
		if !ok {
			metrics.Reshare("abort", "ok")
			return nil
		}
		ticket = busy
	}
	if !s.epochs.AbortReshare(keyID, ticket) {
		s.Logger.Debug("[Node] key %s: abort for generation %d ignored, not in flight", keyID, req.Generation)
	}
	metrics.Reshare("abort", "ok")
	return nil
}
