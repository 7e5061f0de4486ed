// node/handlers.go
// HTTP 路由：请求/响应体均为 protobuf（application/x-protobuf）

package node

import (
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"nullifier/auth"
	"nullifier/logs"
	"nullifier/metrics"
	"nullifier/oprf"
	"nullifier/pb"
	"nullifier/types"
)

// 路由
const (
	RouteInit          = "/api/v1/init"
	RouteFinish        = "/api/v1/finish"
	RoutePublicKey     = "/api/v1/public-key"
	RouteHealth        = "/health"
	RouteMetrics       = "/metrics"
	RouteKeyGen        = "/admin/keygen"
	RouteReshareDeal   = "/admin/reshare/deal"
	RouteReshareCommit = "/admin/reshare/commit"
	RouteReshareAbort  = "/admin/reshare/abort"
)

// HandlerManager 管理所有HTTP处理器及其依赖
type HandlerManager struct {
	svc     *Service
	limiter *RateLimiter
	maxBody int64
	Logger  *logs.Logger

	// 关闭时拒绝新请求并等待在途请求，之后才能关存储
	gate     sync.RWMutex
	draining bool
	inflight sync.WaitGroup
}

// NewHandlerManager 创建新的处理器管理器
func NewHandlerManager(svc *Service, limiter *RateLimiter, logger *logs.Logger) *HandlerManager {
	maxBody := svc.cfg.Server.MaxRequestBodySize
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &HandlerManager{svc: svc, limiter: limiter, maxBody: maxBody, Logger: logger}
}

// RegisterRoutes 注册所有路由
func (hm *HandlerManager) RegisterRoutes(mux *http.ServeMux) {
	// OPRF 两阶段
	mux.HandleFunc(RouteInit, hm.HandleInit)
	mux.HandleFunc(RouteFinish, hm.HandleFinish)
	mux.HandleFunc(RoutePublicKey, hm.HandlePublicKey)
	// 基本功能
	mux.HandleFunc(RouteHealth, hm.HandleHealth)
	mux.Handle(RouteMetrics, metrics.Handler())
	// 密钥管理
	mux.HandleFunc(RouteKeyGen, hm.HandleKeyGen)
	mux.HandleFunc(RouteReshareDeal, hm.HandleReshareDeal)
	mux.HandleFunc(RouteReshareCommit, hm.HandleReshareCommit)
	mux.HandleFunc(RouteReshareAbort, hm.HandleReshareAbort)
}

// Handler 路由加限流
func (hm *HandlerManager) Handler() http.Handler {
	mux := http.NewServeMux()
	hm.RegisterRoutes(mux)
	if hm.limiter == nil {
		return hm.track(mux)
	}
	return hm.track(hm.limiter.Middleware(mux))
}

func (hm *HandlerManager) track(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hm.gate.RLock()
		if hm.draining {
			hm.gate.RUnlock()
			writeError(w, http.StatusServiceUnavailable, &pb.ErrorResponse{Code: pb.CodeUnavailable, Message: "node shutting down"})
			return
		}
		hm.inflight.Add(1)
		hm.gate.RUnlock()
		defer hm.inflight.Done()
		next.ServeHTTP(w, r)
	})
}

// Drain 停止接收新请求，最多等待 timeout 让在途请求返回；超时返回 false
func (hm *HandlerManager) Drain(timeout time.Duration) bool {
	hm.gate.Lock()
	hm.draining = true
	hm.gate.Unlock()

	done := make(chan struct{})
	go func() {
		hm.inflight.Wait()
		close(done)
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// ========== 编解码 ==========

func writeProto(w http.ResponseWriter, status int, m pb.Message) {
	w.Header().Set("Content-Type", pb.ContentType)
	w.WriteHeader(status)
	if m != nil {
		_, _ = w.Write(m.Marshal())
	}
}

func writeError(w http.ResponseWriter, status int, e *pb.ErrorResponse) {
	writeProto(w, status, e)
}

func (hm *HandlerManager) readProto(w http.ResponseWriter, r *http.Request, m pb.Message) bool {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, &pb.ErrorResponse{Code: pb.CodeBadRequest, Message: "method not allowed"})
		return false
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, hm.maxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, &pb.ErrorResponse{Code: pb.CodeBadRequest, Message: "failed to read request body"})
		return false
	}
	if err := pb.Unmarshal(body, m); err != nil {
		writeError(w, http.StatusBadRequest, &pb.ErrorResponse{Code: pb.CodeBadRequest, Message: "invalid request proto"})
		return false
	}
	return true
}

// ErrorStatus 错误 -> (HTTP 状态码, 错误码)
func ErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, types.ErrStaleEpoch):
		return http.StatusConflict, pb.CodeStaleEpoch
	case errors.Is(err, types.ErrAlreadyInitialized):
		return http.StatusConflict, pb.CodeAlreadyInitialized
	case errors.Is(err, types.ErrReshareInProgress):
		return http.StatusConflict, pb.CodeReshareInProgress
	case errors.Is(err, types.ErrReplayedRequest):
		return http.StatusConflict, pb.CodeReplayedRequest
	case errors.Is(err, types.ErrUnknownKey):
		return http.StatusNotFound, pb.CodeUnknownKey
	case errors.Is(err, types.ErrUnknownRequest):
		return http.StatusNotFound, pb.CodeUnknownRequest
	case errors.Is(err, auth.ErrOracleUnavailable):
		return http.StatusServiceUnavailable, pb.CodeOracleUnavailable
	case errors.Is(err, types.ErrUnauthorized):
		return http.StatusUnauthorized, pb.CodeUnauthorized
	case errors.Is(err, types.ErrShuttingDown):
		return http.StatusServiceUnavailable, pb.CodeUnavailable
	case errors.Is(err, types.ErrInvalidParameters),
		errors.Is(err, oprf.ErrInvalidPoint),
		errors.Is(err, oprf.ErrInvalidScalar):
		return http.StatusBadRequest, pb.CodeBadRequest
	default:
		return http.StatusInternalServerError, pb.CodeInternal
	}
}

// fail 内部错误只返回错误 id，原因写日志
func (hm *HandlerManager) fail(w http.ResponseWriter, route string, err error) {
	status, code := ErrorStatus(err)
	resp := &pb.ErrorResponse{Code: code, Message: err.Error()}
	if code == pb.CodeInternal {
		id := uuid.New().String()
		hm.Logger.Error("[Handler] %s internal error id=%s: %+v", route, id, err)
		resp.Message = "internal server error"
		resp.ErrorId = id
	} else if code == pb.CodeOracleUnavailable {
		hm.Logger.Warn("[Handler] %s: %v", route, err)
		resp.Message = "authentication oracle unavailable"
	}
	writeError(w, status, resp)
}

// ========== OPRF ==========

// HandleInit 处理 init 请求
func (hm *HandlerManager) HandleInit(w http.ResponseWriter, r *http.Request) {
	var req pb.InitRequest
	if !hm.readProto(w, r, &req) {
		return
	}
	ack, err := hm.svc.Init(r.Context(), &req)
	if err != nil {
		hm.fail(w, RouteInit, err)
		return
	}
	writeProto(w, http.StatusOK, ack)
}

// HandleFinish 处理 finish 请求
func (hm *HandlerManager) HandleFinish(w http.ResponseWriter, r *http.Request) {
	var req pb.FinishRequest
	if !hm.readProto(w, r, &req) {
		return
	}
	resp, err := hm.svc.Finish(r.Context(), &req)
	if err != nil {
		hm.fail(w, RouteFinish, err)
		return
	}
	writeProto(w, http.StatusOK, resp)
}

// HandlePublicKey GET ?key_id=&epoch=
func (hm *HandlerManager) HandlePublicKey(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	keyID, err := types.ParseKeyID(q.Get("key_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, &pb.ErrorResponse{Code: pb.CodeBadRequest, Message: "invalid key_id"})
		return
	}
	ep, err := strconv.ParseUint(q.Get("epoch"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, &pb.ErrorResponse{Code: pb.CodeBadRequest, Message: "invalid epoch"})
		return
	}
	resp, err := hm.svc.PublicKey(keyID, types.Epoch(ep))
	if err != nil {
		hm.fail(w, RoutePublicKey, err)
		return
	}
	writeProto(w, http.StatusOK, resp)
}

// HandleHealth 健康检查
func (hm *HandlerManager) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeProto(w, http.StatusOK, hm.svc.Health())
}

// ========== 管理接口 ==========

func (hm *HandlerManager) HandleKeyGen(w http.ResponseWriter, r *http.Request) {
	var req pb.KeyGenRequest
	if !hm.readProto(w, r, &req) {
		return
	}
	resp, err := hm.svc.KeyGen(r.Context(), &req)
	if err != nil {
		hm.fail(w, RouteKeyGen, err)
		return
	}
	writeProto(w, http.StatusOK, resp)
}

func (hm *HandlerManager) HandleReshareDeal(w http.ResponseWriter, r *http.Request) {
	var req pb.ReshareDealRequest
	if !hm.readProto(w, r, &req) {
		return
	}
	resp, err := hm.svc.ReshareDeal(r.Context(), &req)
	if err != nil {
		hm.fail(w, RouteReshareDeal, err)
		return
	}
	writeProto(w, http.StatusOK, resp)
}

func (hm *HandlerManager) HandleReshareCommit(w http.ResponseWriter, r *http.Request) {
	var req pb.ReshareCommitRequest
	if !hm.readProto(w, r, &req) {
		return
	}
	resp, err := hm.svc.ReshareCommit(r.Context(), &req)
	if err != nil {
		hm.fail(w, RouteReshareCommit, err)
		return
	}
	writeProto(w, http.StatusOK, resp)
}

func (hm *HandlerManager) HandleReshareAbort(w http.ResponseWriter, r *http.Request) {
	var req pb.ReshareAbortRequest
	if !hm.readProto(w, r, &req) {
		return
	}
	if err := hm.svc.ReshareAbort(r.Context(), &req); err != nil {
		hm.fail(w, RouteReshareAbort, err)
		return
	}
	writeProto(w, http.StatusOK, nil)
}
