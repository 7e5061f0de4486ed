// node/node.go
// 节点进程生命周期：配置 -> 存储 -> 鉴权 -> 服务 -> HTTP/3 -> 等待关闭

package node

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"nullifier/auth"
	"nullifier/config"
	"nullifier/logs"
	"nullifier/shutdown"
	"nullifier/storage"
)

// BuildAuth 按配置注册鉴权模块；face 模块启动时探测 oracle
func BuildAuth(ctx context.Context, cfg *config.NodeConfig, logger *logs.Logger) (*auth.Registry, error) {
	reg := auth.NewRegistry()
	for _, m := range cfg.Auth.Modules {
		switch m {
		case auth.ModuleFace:
			o, err := auth.NewOracle(ctx, cfg.Auth.OracleURL, &http.Client{Timeout: 10 * time.Second}, logger)
			if err != nil {
				return nil, errors.Wrap(err, "while setting up authenticator")
			}
			reg.Register(auth.ModuleFace, o)
		case auth.ModuleJWT:
			reg.Register(auth.ModuleJWT, auth.NewJWTAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer, cfg.Auth.JWTTTL))
		case auth.ModuleNone:
			logger.Warn("[Node] auth module %q trusts the request payload, dev only", m)
			reg.Register(auth.ModuleNone, auth.TrustPayload())
		default:
			return nil, errors.Wrapf(auth.ErrUnknownModule, "%q", m)
		}
	}
	return reg, nil
}

// Run 启动节点并阻塞到 ctx 结束；关闭不优雅时返回匹配 types.ErrUngracefulShutdown 的错误
func Run(ctx context.Context, cfg *config.NodeConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	logs.SetLevel(cfg.LogLevel)
	logger := logs.NewNodeLogger(cfg.BindAddr)
	logger.Info("[Node] starting oprf-node %s with config: bind=%s env=%s auth=%v data=%s",
		Version, cfg.BindAddr, cfg.Environment, cfg.Auth.Modules, cfg.Storage.DataPath)

	store, err := storage.Open(storage.Options{
		Path:             cfg.Storage.DataPath,
		InMemory:         cfg.Storage.InMemory,
		ValueLogFileSize: cfg.Storage.ValueLogFileSize,
		SyncWrites:       cfg.Storage.SyncWrites,
	}, logger)
	if err != nil {
		return errors.Wrap(err, "open share store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("[Node] close share store: %v", err)
		}
	}()

	logger.Info("[Node] init authenticator..")
	authReg, err := BuildAuth(ctx, cfg, logger)
	if err != nil {
		return err
	}

	svc, err := NewService(cfg, store, authReg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	limiter := NewRateLimiter(cfg.RateLimit.Limit, cfg.RateLimit.Window)
	hm := NewHandlerManager(svc, limiter, logger)
	srv, err := NewServer(cfg, hm.Handler(), logger)
	if err != nil {
		return err
	}

	sup := shutdown.New(ctx, cfg.MaxWaitTimeShutdown, logger)
	sup.Go("http3-server", srv.Run)
	sup.Go("session-sweeper", func(ctx context.Context) error {
		svc.RunSweeper(ctx)
		return nil
	})
	sup.Go("rate-limit-cleanup", func(ctx context.Context) error {
		limiter.RunCleanup(ctx, time.Minute)
		return nil
	})
	err = sup.Wait()
	// 关闭不优雅时 server 任务可能还在跑：先断网络再等在途请求，之后 defer 才关存储
	srv.Close()
	if !hm.Drain(cfg.MaxWaitTimeShutdown) {
		logger.Warn("[Node] requests still in flight after %s, closing share store anyway", cfg.MaxWaitTimeShutdown)
	}
	return err
}
