// config/config.go
package config

import (
	"net"
	"net/url"
	"time"

	"github.com/pkg/errors"

	"nullifier/auth"
)

// 运行环境
const (
	EnvDev  = "dev"
	EnvProd = "prod"
)

// NodeConfig OPRF 节点主配置
type NodeConfig struct {
	BindAddr            string        `mapstructure:"bind_addr"`              // "0.0.0.0:4321"
	Environment         string        `mapstructure:"environment"`            // "dev"
	LogLevel            string        `mapstructure:"log_level"`              // "info"
	LogJSON             bool          `mapstructure:"log_json"`               // false
	MaxWaitTimeShutdown time.Duration `mapstructure:"max_wait_time_shutdown"` // 10 * time.Second

	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Session   SessionConfig   `mapstructure:"session"`
	Replay    ReplayConfig    `mapstructure:"replay"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Reshare   ReshareConfig   `mapstructure:"reshare"`
	Auth      AuthConfig      `mapstructure:"auth"`
}

// ServerConfig HTTP/3服务器配置
type ServerConfig struct {
	// TLS配置
	TLSMinVersion string `mapstructure:"tls_min_version"` // "1.3"
	CertFile      string `mapstructure:"cert_file"`       // 为空时使用自签名证书
	KeyFile       string `mapstructure:"key_file"`

	// QUIC配置
	QUICKeepAlivePeriod time.Duration `mapstructure:"quic_keep_alive_period"` // 10 * time.Second
	QUICMaxIdleTimeout  time.Duration `mapstructure:"quic_max_idle_timeout"`  // 5 * time.Minute
	QUICAllow0RTT       bool          `mapstructure:"quic_allow_0rtt"`        // true

	// TCP TLS 兜底，供不支持 HTTP/3 的客户端使用
	TCPFallback bool `mapstructure:"tcp_fallback"` // true

	// HTTP配置
	HTTPTimeout        time.Duration `mapstructure:"http_timeout"`          // 30 * time.Second
	MaxRequestBodySize int64         `mapstructure:"max_request_body_size"` // 1 << 20 (1MB)

	// 证书配置
	CertValidityDays int `mapstructure:"cert_validity_days"` // 365
}

// StorageConfig 份额存储（badger）
type StorageConfig struct {
	DataPath         string `mapstructure:"data_path"`           // "./data/oprf-node"
	InMemory         bool   `mapstructure:"in_memory"`           // false
	ValueLogFileSize int64  `mapstructure:"value_log_file_size"` // 64 << 20 (64MB)
	SyncWrites       bool   `mapstructure:"sync_writes"`         // true
}

// SessionConfig 等待 finish 的会话缓存
type SessionConfig struct {
	TTL       time.Duration `mapstructure:"ttl"`        // 60 * time.Second
	CacheSize int           `mapstructure:"cache_size"` // 4096
}

// ReplayConfig RequestID 防重放
type ReplayConfig struct {
	TTL     time.Duration `mapstructure:"ttl"`      // 5 * time.Minute
	MaxSize int           `mapstructure:"max_size"` // 1 << 16
}

// RateLimitConfig 按 IP 限流，Limit <= 0 关闭
type RateLimitConfig struct {
	Limit  int           `mapstructure:"limit"`  // 0
	Window time.Duration `mapstructure:"window"` // 1 * time.Second
}

// ReshareConfig 份额轮换
type ReshareConfig struct {
	Timeout time.Duration `mapstructure:"timeout"` // 30 * time.Second
}

// AuthConfig 鉴权模块
type AuthConfig struct {
	Modules   []string      `mapstructure:"modules"`    // ["face"]
	OracleURL string        `mapstructure:"oracle_url"` // 环境变量 OPRF_NODE_ORACLE
	JWTSecret string        `mapstructure:"jwt_secret"`
	JWTIssuer string        `mapstructure:"jwt_issuer"` // "oprf-registry"
	JWTTTL    time.Duration `mapstructure:"jwt_ttl"`    // 10 * time.Minute
}

// DefaultNodeConfig 返回默认节点配置
func DefaultNodeConfig() *NodeConfig {
	return &NodeConfig{
		BindAddr:            "0.0.0.0:4321",
		Environment:         EnvDev,
		LogLevel:            "info",
		MaxWaitTimeShutdown: 10 * time.Second,
		Server: ServerConfig{
			TLSMinVersion:       "1.3",
			QUICKeepAlivePeriod: 10 * time.Second,
			QUICMaxIdleTimeout:  5 * time.Minute,
			QUICAllow0RTT:       true,
			TCPFallback:         true,
			HTTPTimeout:         30 * time.Second,
			MaxRequestBodySize:  1 << 20,
			CertValidityDays:    365,
		},
		Storage: StorageConfig{
			DataPath:         "./data/oprf-node",
			ValueLogFileSize: 64 << 20,
			SyncWrites:       true,
		},
		Session: SessionConfig{
			TTL:       60 * time.Second,
			CacheSize: 4096,
		},
		Replay: ReplayConfig{
			TTL:     5 * time.Minute,
			MaxSize: 1 << 16,
		},
		RateLimit: RateLimitConfig{
			Limit:  0,
			Window: time.Second,
		},
		Reshare: ReshareConfig{
			Timeout: 30 * time.Second,
		},
		Auth: AuthConfig{
			Modules:   []string{auth.ModuleFace},
			JWTIssuer: "oprf-registry",
			JWTTTL:    10 * time.Minute,
		},
	}
}

// Validate 验证配置合法性
func (c *NodeConfig) Validate() error {
	if _, _, err := net.SplitHostPort(c.BindAddr); err != nil {
		return errors.Wrapf(err, "invalid bind_addr %q", c.BindAddr)
	}
	if c.Environment != EnvDev && c.Environment != EnvProd {
		return errors.Errorf("environment must be %q or %q, got %q", EnvDev, EnvProd, c.Environment)
	}
	if c.MaxWaitTimeShutdown <= 0 {
		return errors.New("max_wait_time_shutdown must be positive")
	}
	if !c.Storage.InMemory && c.Storage.DataPath == "" {
		return errors.New("storage.data_path is required unless storage.in_memory is set")
	}
	if c.Session.TTL <= 0 || c.Session.CacheSize <= 0 {
		return errors.New("session.ttl and session.cache_size must be positive")
	}
	if c.Reshare.Timeout <= 0 {
		return errors.New("reshare.timeout must be positive")
	}
	if (c.Server.CertFile == "") != (c.Server.KeyFile == "") {
		return errors.New("server.cert_file and server.key_file must be set together")
	}
	if len(c.Auth.Modules) == 0 {
		return errors.New("auth.modules must not be empty")
	}
	for _, m := range c.Auth.Modules {
		switch m {
		case auth.ModuleFace:
			u, err := url.Parse(c.Auth.OracleURL)
			if c.Auth.OracleURL == "" || err != nil || u.Host == "" {
				return errors.Errorf("auth module %q requires a valid auth.oracle_url", m)
			}
		case auth.ModuleJWT:
			if c.Auth.JWTSecret == "" {
				return errors.Errorf("auth module %q requires auth.jwt_secret", m)
			}
		case auth.ModuleNone:
			if c.Environment != EnvDev {
				return errors.Errorf("auth module %q is only allowed in %s", m, EnvDev)
			}
		default:
			return errors.Wrapf(auth.ErrUnknownModule, "%q", m)
		}
	}
	return nil
}
