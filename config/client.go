// config/client.go
package config

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"nullifier/auth"
	"nullifier/types"
)

// 传输协议
const (
	ProtocolHTTP3 = "http3"
	ProtocolHTTPS = "https"
	ProtocolHTTP  = "http"
)

// DevClientConfig 开发客户端配置
type DevClientConfig struct {
	Nodes       []string      `mapstructure:"nodes"`         // 节点 base URL 列表
	Threshold   int           `mapstructure:"threshold"`     // 2
	KeyID       string        `mapstructure:"key_id"`        // 环境变量 OPRF_DEV_CLIENT_OPRF_KEY_ID，为空时走 keygen
	ShareEpoch  uint64        `mapstructure:"share_epoch"`   // 0
	MaxWaitTime time.Duration `mapstructure:"max_wait_time"` // 10 * time.Second
	RegistryRef string        `mapstructure:"registry_ref"`  // 注册合约地址，KeyID 由它派生
	AuthModule  string        `mapstructure:"auth_module"`   // "face"
	Action      string        `mapstructure:"action"`        // "dev-client"
	LogLevel    string        `mapstructure:"log_level"`     // "info"

	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Transport    TransportConfig    `mapstructure:"transport"`
	Stress       StressConfig       `mapstructure:"stress"`
}

// OrchestratorConfig 请求编排
type OrchestratorConfig struct {
	Mode          string        `mapstructure:"mode"`           // "parallel"
	Deadline      time.Duration `mapstructure:"deadline"`       // 10 * time.Second
	NodeTimeout   time.Duration `mapstructure:"node_timeout"`   // 5 * time.Second
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"` // 10 * time.Second
	SkipChecks    bool          `mapstructure:"skip_checks"`    // false
	MaxInFlight   int           `mapstructure:"max_in_flight"`  // 256

	// StragglerWindow 并行模式收够 t 个结果后继续等待其余节点的时间，0 表示立即停止
	StragglerWindow time.Duration `mapstructure:"straggler_window"` // 25 * time.Millisecond
}

// TransportConfig 客户端到节点的传输
type TransportConfig struct {
	Protocol            string        `mapstructure:"protocol"`               // "http3"
	InsecureSkipVerify  bool          `mapstructure:"insecure_skip_verify"`   // true（节点默认自签名证书）
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`        // 5 * time.Second
	TLSSessionCacheSize int           `mapstructure:"tls_session_cache_size"` // 128
	MaxIdleConnsPerHost int           `mapstructure:"max_idle_conns_per_host"`
}

// StressConfig 压测
type StressConfig struct {
	Count       int `mapstructure:"count"`       // 100
	Concurrency int `mapstructure:"concurrency"` // 16
}

// DefaultOrchestratorConfig 返回默认编排配置
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Mode:            types.SendParallel.String(),
		Deadline:        10 * time.Second,
		NodeTimeout:     5 * time.Second,
		StragglerWindow: 25 * time.Millisecond,
		ShutdownGrace:   10 * time.Second,
		MaxInFlight:     256,
	}
}

// DefaultTransportConfig 返回默认传输配置
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		Protocol:            ProtocolHTTP3,
		InsecureSkipVerify:  true,
		RequestTimeout:      5 * time.Second,
		TLSSessionCacheSize: 128,
		MaxIdleConnsPerHost: 16,
	}
}

// DefaultDevClientConfig 返回默认开发客户端配置
func DefaultDevClientConfig() *DevClientConfig {
	return &DevClientConfig{
		Nodes: []string{
			"https://127.0.0.1:10000",
			"https://127.0.0.1:10001",
			"https://127.0.0.1:10002",
		},
		Threshold:    2,
		MaxWaitTime:  10 * time.Second,
		RegistryRef:  "0x5FbDB2315678afecb367f032d93F642f64180aa3",
		AuthModule:   auth.ModuleFace,
		Action:       "dev-client",
		LogLevel:     "info",
		Orchestrator: DefaultOrchestratorConfig(),
		Transport:    DefaultTransportConfig(),
		Stress: StressConfig{
			Count:       100,
			Concurrency: 16,
		},
	}
}

// ThresholdParams 门限参数
func (c *DevClientConfig) ThresholdParams() types.Threshold {
	return types.Threshold{N: len(c.Nodes), T: c.Threshold}
}

// ParsedKeyID 未配置时返回 ok=false
func (c *DevClientConfig) ParsedKeyID() (types.KeyID, bool, error) {
	if c.KeyID == "" {
		return types.KeyID{}, false, nil
	}
	id, err := types.ParseKeyID(c.KeyID)
	if err != nil {
		return types.KeyID{}, false, err
	}
	return id, true, nil
}

// Registry 注册合约地址
func (c *DevClientConfig) Registry() common.Address {
	return common.HexToAddress(c.RegistryRef)
}

// Validate 验证配置合法性
func (c *DevClientConfig) Validate() error {
	if len(c.Nodes) == 0 {
		return errors.Wrap(types.ErrInvalidParameters, "nodes must not be empty")
	}
	if err := c.ThresholdParams().Validate(); err != nil {
		return err
	}
	if _, _, err := c.ParsedKeyID(); err != nil {
		return errors.Wrap(err, "key_id")
	}
	if !common.IsHexAddress(c.RegistryRef) {
		return errors.Errorf("registry_ref %q is not a hex address", c.RegistryRef)
	}
	if c.MaxWaitTime <= 0 {
		return errors.New("max_wait_time must be positive")
	}
	if err := c.Orchestrator.Validate(); err != nil {
		return err
	}
	if err := c.Transport.Validate(); err != nil {
		return err
	}
	if c.Stress.Concurrency < 0 || c.Stress.Count < 0 {
		return errors.New("stress.count and stress.concurrency must not be negative")
	}
	return nil
}

// Validate 验证编排配置
func (c *OrchestratorConfig) Validate() error {
	if _, err := types.ParseSendMode(c.Mode); err != nil {
		return err
	}
	if c.Deadline <= 0 {
		return errors.New("orchestrator.deadline must be positive")
	}
	if c.ShutdownGrace < 0 {
		return errors.New("orchestrator.shutdown_grace must not be negative")
	}
	if c.StragglerWindow < 0 {
		return errors.New("orchestrator.straggler_window must not be negative")
	}
	return nil
}

// Validate 验证传输配置
func (c *TransportConfig) Validate() error {
	switch c.Protocol {
	case ProtocolHTTP3, ProtocolHTTPS, ProtocolHTTP:
	default:
		return errors.Errorf("transport.protocol must be one of http3|https|http, got %q", c.Protocol)
	}
	if c.RequestTimeout <= 0 {
		return errors.New("transport.request_timeout must be positive")
	}
	return nil
}
