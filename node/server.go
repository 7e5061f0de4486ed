// node/server.go
// HTTP/3（QUIC）服务，附带同端口的 TCP TLS 兜底

package node

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/sync/errgroup"

	"nullifier/config"
	"nullifier/logs"
)

// Server 节点网络层
type Server struct {
	cfg       *config.NodeConfig
	handler   http.Handler
	tlsConfig *tls.Config

	mu     sync.Mutex
	h3     *http3.Server
	tcp    *http.Server
	closed bool
	stop   chan struct{}

	ready chan struct{}
	addr  net.Addr

	Logger *logs.Logger
}

// NewServer 准备 TLS 配置；Run 时才监听
func NewServer(cfg *config.NodeConfig, handler http.Handler, logger *logs.Logger) (*Server, error) {
	tlsConfig, err := ServerTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:       cfg,
		handler:   handler,
		tlsConfig: tlsConfig,
		ready:     make(chan struct{}),
		stop:      make(chan struct{}),
		Logger:    logger,
	}, nil
}

// Ready 监听建立后关闭
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr 实际监听的 UDP 地址（Ready 之后有效）
func (s *Server) Addr() net.Addr { return s.addr }

// Run 阻塞直到 ctx 结束或任一监听出错
func (s *Server) Run(ctx context.Context) error {
	quicConfig := &quic.Config{
		KeepAlivePeriod: s.cfg.Server.QUICKeepAlivePeriod,
		MaxIdleTimeout:  s.cfg.Server.QUICMaxIdleTimeout,
		Allow0RTT:       s.cfg.Server.QUICAllow0RTT,
	}

	// 创建QUIC监听器
	listener, err := quic.ListenAddr(s.cfg.BindAddr, s.tlsConfig, quicConfig)
	if err != nil {
		return errors.Wrapf(err, "listen quic %s", s.cfg.BindAddr)
	}
	s.addr = listener.Addr()
	h3 := &http3.Server{
		Handler:    s.handler,
		TLSConfig:  s.tlsConfig,
		QUICConfig: quicConfig,
	}

	var tcpListener net.Listener
	if s.cfg.Server.TCPFallback {
		// 端口与 QUIC 一致（BindAddr 端口为 0 时取 QUIC 实际分配的端口）
		host, _, _ := net.SplitHostPort(s.cfg.BindAddr)
		port := s.addr.(*net.UDPAddr).Port
		tcpListener, err = net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			_ = listener.Close()
			return errors.Wrap(err, "listen tcp fallback")
		}
	}
	var tcp *http.Server
	if tcpListener != nil {
		tcp = &http.Server{
			Handler:           s.handler,
			TLSConfig:         s.tlsConfig,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      s.cfg.Server.HTTPTimeout,
		}
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = listener.Close()
		if tcpListener != nil {
			_ = tcpListener.Close()
		}
		return nil
	}
	s.h3, s.tcp = h3, tcp
	s.mu.Unlock()
	s.Logger.Info("[Server] HTTP/3 listening on %s (tcp fallback=%v)", s.addr, tcp != nil)
	close(s.ready)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := h3.ServeListener(listener); err != nil && !isServerClosedErr(err) {
			return errors.Wrap(err, "http3 server")
		}
		return nil
	})
	if tcp != nil {
		g.Go(func() error {
			if err := tcp.ServeTLS(tcpListener, "", ""); err != nil && !isServerClosedErr(err) {
				return errors.Wrap(err, "tcp tls server")
			}
			return nil
		})
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-s.stop:
		}
		s.close()
		return nil
	})
	return g.Wait()
}

func (s *Server) close() {
	s.mu.Lock()
	h3, tcp := s.h3, s.tcp
	s.mu.Unlock()
	if h3 != nil {
		if err := h3.Close(); err != nil && !isServerClosedErr(err) {
			s.Logger.Warn("[Server] failed to close HTTP/3 server: %v", err)
		}
	}
	if tcp != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tcp.Shutdown(ctx); err != nil && !isServerClosedErr(err) {
			s.Logger.Warn("[Server] failed to shutdown TCP server: %v", err)
		}
	}
	s.Logger.Info("[Server] stopped")
}

// Close 立即关闭监听与连接，不等在途请求；Run 尚未监听时让它直接返回
func (s *Server) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.stop)
	}
	h3, tcp := s.h3, s.tcp
	s.mu.Unlock()
	if h3 != nil {
		_ = h3.Close()
	}
	if tcp != nil {
		_ = tcp.Close()
	}
}

func isServerClosedErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "server closed") ||
		strings.Contains(msg, "use of closed network connection")
}
