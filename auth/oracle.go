// auth/oracle.go
// Oracle 鉴权：启动时探测 <oracle>/health，每个请求 GET 一次 oracle

package auth

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"

	"nullifier/logs"
	"nullifier/metrics"
	"nullifier/types"
)

// Oracle 人脸 oracle 鉴权器
type Oracle struct {
	client    *http.Client
	oracleURL *url.URL
	Logger    *logs.Logger
}

// NewOracle 探测 oracle 健康状态，非 200 则拒绝启动
func NewOracle(ctx context.Context, oracleURL string, client *http.Client, logger *logs.Logger) (*Oracle, error) {
	u, err := url.Parse(oracleURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.Errorf("invalid oracle url %q", oracleURL)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	o := &Oracle{client: client, oracleURL: u, Logger: logger}

	health := u.ResolveReference(&url.URL{Path: "/health"})
	logger.Info("[Auth] pinging oracle at: %s", health)
	status, err := o.get(ctx, health.String())
	if err != nil {
		metrics.OracleRequest("unreachable")
		return nil, errors.Wrap(err, "while trying to reach oracle")
	}
	if status != http.StatusOK {
		metrics.OracleRequest("unhealthy")
		logger.Warn("[Auth] cannot reach oracle: status %d", status)
		return nil, errors.Wrapf(ErrOracleUnavailable, "health status %d", status)
	}
	metrics.OracleRequest("ok")
	logger.Info("[Auth] oracle is healthy!")
	return o, nil
}

func (o *Oracle) get(ctx context.Context, target string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	return resp.StatusCode, nil
}

// Authenticate 每个请求访问一次 oracle；授权的 KeyID 来自 payload
func (o *Oracle) Authenticate(ctx context.Context, req *Request) (types.KeyID, error) {
	o.Logger.Debug("[Auth] sending request %s to oracle", req.RequestID)
	status, err := o.get(ctx, o.oracleURL.String())
	if err != nil {
		metrics.OracleRequest("unreachable")
		return types.KeyID{}, errors.Wrap(ErrOracleUnavailable, err.Error())
	}
	if status < 200 || status >= 300 {
		metrics.OracleRequest("rejected")
		if status >= 500 {
			return types.KeyID{}, errors.Wrapf(ErrOracleUnavailable, "oracle status %d", status)
		}
		return types.KeyID{}, errors.Wrapf(types.ErrUnauthorized, "oracle status %d", status)
	}
	metrics.OracleRequest("ok")
	return PayloadKeyID(req)
}
