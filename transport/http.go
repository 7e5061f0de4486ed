// transport/http.go
// 基于 HTTP 的节点客户端：protobuf 请求体，非 200 响应解码为 StatusError

package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"nullifier/config"
	"nullifier/logs"
	"nullifier/pb"
	"nullifier/types"
)

// 节点路由（与 node 包的 handler 注册保持一致）
const (
	pathInit          = "/api/v1/init"
	pathFinish        = "/api/v1/finish"
	pathPublicKey     = "/api/v1/public-key"
	pathHealth        = "/health"
	pathKeyGen        = "/admin/keygen"
	pathReshareDeal   = "/admin/reshare/deal"
	pathReshareCommit = "/admin/reshare/commit"
	pathReshareAbort  = "/admin/reshare/abort"
)

// maxResponseBody 单个响应体的读取上限
const maxResponseBody = 1 << 20

// NewHTTPClient 按协议创建 http.Client
func NewHTTPClient(cfg config.TransportConfig) (*http.Client, error) {
	switch cfg.Protocol {
	case config.ProtocolHTTP3, "":
		return createHttp3Client(cfg), nil
	case config.ProtocolHTTPS:
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			MinVersion:         tls.VersionTLS12,
			ClientSessionCache: tls.NewLRUClientSessionCache(cfg.TLSSessionCacheSize),
		}
		tr.MaxIdleConnsPerHost = cfg.MaxIdleConnsPerHost
		return &http.Client{Transport: tr, Timeout: cfg.RequestTimeout}, nil
	case config.ProtocolHTTP:
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.MaxIdleConnsPerHost = cfg.MaxIdleConnsPerHost
		return &http.Client{Transport: tr, Timeout: cfg.RequestTimeout}, nil
	default:
		return nil, errors.Errorf("unknown transport protocol %q", cfg.Protocol)
	}
}

// 创建非单例的 HTTP/3 客户端
func createHttp3Client(cfg config.TransportConfig) *http.Client {
	tlsCfg := &tls.Config{
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS13,
		MaxVersion:         tls.VersionTLS13,
		ClientSessionCache: tls.NewLRUClientSessionCache(cfg.TLSSessionCacheSize),
		NextProtos:         []string{http3.NextProtoH3},
	}

	tr := &http3.Transport{
		TLSClientConfig: tlsCfg,
		QUICConfig: &quic.Config{
			KeepAlivePeriod: 10 * time.Second,
			MaxIdleTimeout:  5 * time.Minute,
			Allow0RTT:       true,
		},
	}

	return &http.Client{
		Transport: tr,
		Timeout:   cfg.RequestTimeout,
	}
}

// HTTPDialer 所有节点共用一个 http.Client
type HTTPDialer struct {
	client *http.Client
	Logger *logs.Logger
}

// NewHTTPDialer 按传输配置创建 Dialer
func NewHTTPDialer(cfg config.TransportConfig, logger *logs.Logger) (*HTTPDialer, error) {
	c, err := NewHTTPClient(cfg)
	if err != nil {
		return nil, err
	}
	return &HTTPDialer{client: c, Logger: logger}, nil
}

// NewHTTPDialerWithClient 使用现成的 http.Client（测试中对接 httptest）
func NewHTTPDialerWithClient(c *http.Client, logger *logs.Logger) *HTTPDialer {
	return &HTTPDialer{client: c, Logger: logger}
}

func (d *HTTPDialer) Dial(node types.Node) (NodeClient, error) {
	u, err := url.Parse(string(node.ID))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.Wrapf(types.ErrInvalidParameters, "node url %q", node.ID)
	}
	return &HTTPClient{node: node, base: string(node.ID), client: d.client, Logger: d.Logger}, nil
}

// Close 释放底层连接（HTTP/3 需要显式关闭 QUIC 连接）
func (d *HTTPDialer) Close() error {
	if c, ok := d.client.Transport.(io.Closer); ok {
		return c.Close()
	}
	d.client.CloseIdleConnections()
	return nil
}

// HTTPClient 单个节点的 HTTP 客户端
type HTTPClient struct {
	node   types.Node
	base   string
	client *http.Client
	Logger *logs.Logger
}

var _ NodeClient = (*HTTPClient)(nil)

func (c *HTTPClient) Node() types.Node { return c.node }

// do 发送请求并把响应体解码到 out；out 为 nil 时丢弃响应体
func (c *HTTPClient) do(ctx context.Context, op, method, path string, in, out pb.Message) error {
	var body io.Reader
	if in != nil {
		body = bytes.NewReader(in.Marshal())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return errors.Wrapf(err, "%s: build request", op)
	}
	if in != nil {
		req.Header.Set("Content-Type", pb.ContentType)
	}
	req.Header.Set("Accept", pb.ContentType)

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Wrapf(types.ErrNodeUnreachable, "%s %s: %v", op, c.node.ID, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Wrapf(types.ErrNodeUnreachable, "%s %s: read body: %v", op, c.node.ID, err)
	}
	if resp.StatusCode != http.StatusOK {
		se := newStatusError(op, resp.StatusCode, data)
		c.Logger.Debug("[Transport] %s %s -> %d %s", op, c.node.ID, resp.StatusCode, se.Code)
		return se
	}
	if out == nil {
		return nil
	}
	if err := out.Unmarshal(data); err != nil {
		return errors.Wrapf(types.ErrNodeUnreachable, "%s %s: decode response: %v", op, c.node.ID, err)
	}
	return nil
}

func (c *HTTPClient) Init(ctx context.Context, req *pb.InitRequest) (*pb.InitAck, error) {
	var ack pb.InitAck
	if err := c.do(ctx, "init", http.MethodPost, pathInit, req, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

func (c *HTTPClient) Finish(ctx context.Context, req *pb.FinishRequest) (*pb.PartialResponse, error) {
	var resp pb.PartialResponse
	if err := c.do(ctx, "finish", http.MethodPost, pathFinish, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) Health(ctx context.Context) (*pb.HealthResponse, error) {
	var resp pb.HealthResponse
	if err := c.do(ctx, "health", http.MethodGet, pathHealth, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) PublicKey(ctx context.Context, keyID types.KeyID, ep types.Epoch) (*pb.PublicKeyResponse, error) {
	q := url.Values{}
	q.Set("key_id", keyID.String())
	q.Set("epoch", strconv.FormatUint(uint64(ep), 10))
	var resp pb.PublicKeyResponse
	if err := c.do(ctx, "public-key", http.MethodGet, pathPublicKey+"?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) KeyGen(ctx context.Context, req *pb.KeyGenRequest) (*pb.KeyGenResponse, error) {
	var resp pb.KeyGenResponse
	if err := c.do(ctx, "keygen", http.MethodPost, pathKeyGen, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) ReshareDeal(ctx context.Context, req *pb.ReshareDealRequest) (*pb.ReshareDeal, error) {
	var resp pb.ReshareDeal
	if err := c.do(ctx, "reshare-deal", http.MethodPost, pathReshareDeal, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) ReshareCommit(ctx context.Context, req *pb.ReshareCommitRequest) (*pb.ReshareCommitResponse, error) {
	var resp pb.ReshareCommitResponse
	if err := c.do(ctx, "reshare-commit", http.MethodPost, pathReshareCommit, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) ReshareAbort(ctx context.Context, req *pb.ReshareAbortRequest) error {
	return c.do(ctx, "reshare-abort", http.MethodPost, pathReshareAbort, req, nil)
}
