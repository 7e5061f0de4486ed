// config/load.go
// 配置加载顺序：默认值 -> 配置文件（json/yaml/toml）-> 环境变量 -> 命令行参数

package config

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// 环境变量前缀
const (
	NodeEnvPrefix      = "OPRF_NODE"
	DevClientEnvPrefix = "OPRF_DEV_CLIENT"
)

// NodeFlags 命令行参数名 -> 配置键
var NodeFlags = map[string]string{
	"bind-addr":   "bind_addr",
	"environment": "environment",
	"log-level":   "log_level",
	"data-path":   "storage.data_path",
	"in-memory":   "storage.in_memory",
	"oracle-url":  "auth.oracle_url",
	"auth-module": "auth.modules",
	"rate-limit":  "rate_limit.limit",
}

// DevClientFlags 命令行参数名 -> 配置键
var DevClientFlags = map[string]string{
	"nodes":       "nodes",
	"threshold":   "threshold",
	"key-id":      "key_id",
	"epoch":       "share_epoch",
	"max-wait":    "max_wait_time",
	"registry":    "registry_ref",
	"mode":        "orchestrator.mode",
	"deadline":    "orchestrator.deadline",
	"skip-checks": "orchestrator.skip_checks",
	"protocol":    "transport.protocol",
	"insecure":    "transport.insecure_skip_verify",
	"count":       "stress.count",
	"concurrency": "stress.concurrency",
	"log-level":   "log_level",
	"auth-module": "auth_module",
	"action":      "action",
}

func newViper(prefix string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(prefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func readFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return errors.Wrapf(err, "read config %s", path)
	}
	return nil
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet, names map[string]string) error {
	if flags == nil {
		return nil
	}
	for name, key := range names {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return errors.Wrapf(err, "bind flag %s", name)
		}
	}
	return nil
}

// LoadNodeConfig 加载并校验节点配置；path 为空时跳过配置文件
func LoadNodeConfig(path string, flags *pflag.FlagSet) (*NodeConfig, error) {
	d := DefaultNodeConfig()
	v := newViper(NodeEnvPrefix)

	v.SetDefault("bind_addr", d.BindAddr)
	v.SetDefault("environment", d.Environment)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_json", d.LogJSON)
	v.SetDefault("max_wait_time_shutdown", d.MaxWaitTimeShutdown)

	v.SetDefault("server.tls_min_version", d.Server.TLSMinVersion)
	v.SetDefault("server.cert_file", d.Server.CertFile)
	v.SetDefault("server.key_file", d.Server.KeyFile)
	v.SetDefault("server.quic_keep_alive_period", d.Server.QUICKeepAlivePeriod)
	v.SetDefault("server.quic_max_idle_timeout", d.Server.QUICMaxIdleTimeout)
	v.SetDefault("server.quic_allow_0rtt", d.Server.QUICAllow0RTT)
	v.SetDefault("server.tcp_fallback", d.Server.TCPFallback)
	v.SetDefault("server.http_timeout", d.Server.HTTPTimeout)
	v.SetDefault("server.max_request_body_size", d.Server.MaxRequestBodySize)
	v.SetDefault("server.cert_validity_days", d.Server.CertValidityDays)

	v.SetDefault("storage.data_path", d.Storage.DataPath)
	v.SetDefault("storage.in_memory", d.Storage.InMemory)
	v.SetDefault("storage.value_log_file_size", d.Storage.ValueLogFileSize)
	v.SetDefault("storage.sync_writes", d.Storage.SyncWrites)

	v.SetDefault("session.ttl", d.Session.TTL)
	v.SetDefault("session.cache_size", d.Session.CacheSize)
	v.SetDefault("replay.ttl", d.Replay.TTL)
	v.SetDefault("replay.max_size", d.Replay.MaxSize)
	v.SetDefault("rate_limit.limit", d.RateLimit.Limit)
	v.SetDefault("rate_limit.window", d.RateLimit.Window)
	v.SetDefault("reshare.timeout", d.Reshare.Timeout)

	v.SetDefault("auth.modules", d.Auth.Modules)
	v.SetDefault("auth.oracle_url", d.Auth.OracleURL)
	v.SetDefault("auth.jwt_secret", d.Auth.JWTSecret)
	v.SetDefault("auth.jwt_issuer", d.Auth.JWTIssuer)
	v.SetDefault("auth.jwt_ttl", d.Auth.JWTTTL)

	// 兼容旧的环境变量名
	if err := v.BindEnv("auth.oracle_url", NodeEnvPrefix+"_AUTH_ORACLE_URL", NodeEnvPrefix+"_ORACLE"); err != nil {
		return nil, err
	}

	if err := readFile(v, path); err != nil {
		return nil, err
	}
	if err := bindFlags(v, flags, NodeFlags); err != nil {
		return nil, err
	}

	cfg := &NodeConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "decode node config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid node config")
	}
	return cfg, nil
}

// LoadDevClientConfig 加载并校验开发客户端配置
func LoadDevClientConfig(path string, flags *pflag.FlagSet) (*DevClientConfig, error) {
	d := DefaultDevClientConfig()
	v := newViper(DevClientEnvPrefix)

	v.SetDefault("nodes", d.Nodes)
	v.SetDefault("threshold", d.Threshold)
	v.SetDefault("key_id", d.KeyID)
	v.SetDefault("share_epoch", d.ShareEpoch)
	v.SetDefault("max_wait_time", d.MaxWaitTime)
	v.SetDefault("registry_ref", d.RegistryRef)
	v.SetDefault("auth_module", d.AuthModule)
	v.SetDefault("action", d.Action)
	v.SetDefault("log_level", d.LogLevel)

	v.SetDefault("orchestrator.mode", d.Orchestrator.Mode)
	v.SetDefault("orchestrator.deadline", d.Orchestrator.Deadline)
	v.SetDefault("orchestrator.node_timeout", d.Orchestrator.NodeTimeout)
	v.SetDefault("orchestrator.straggler_window", d.Orchestrator.StragglerWindow)
	v.SetDefault("orchestrator.shutdown_grace", d.Orchestrator.ShutdownGrace)
	v.SetDefault("orchestrator.skip_checks", d.Orchestrator.SkipChecks)
	v.SetDefault("orchestrator.max_in_flight", d.Orchestrator.MaxInFlight)

	v.SetDefault("transport.protocol", d.Transport.Protocol)
	v.SetDefault("transport.insecure_skip_verify", d.Transport.InsecureSkipVerify)
	v.SetDefault("transport.request_timeout", d.Transport.RequestTimeout)
	v.SetDefault("transport.tls_session_cache_size", d.Transport.TLSSessionCacheSize)
	v.SetDefault("transport.max_idle_conns_per_host", d.Transport.MaxIdleConnsPerHost)

	v.SetDefault("stress.count", d.Stress.Count)
	v.SetDefault("stress.concurrency", d.Stress.Concurrency)

	if err := v.BindEnv("key_id", DevClientEnvPrefix+"_KEY_ID", DevClientEnvPrefix+"_OPRF_KEY_ID"); err != nil {
		return nil, err
	}

	if err := readFile(v, path); err != nil {
		return nil, err
	}
	if err := bindFlags(v, flags, DevClientFlags); err != nil {
		return nil, err
	}

	cfg := &DevClientConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "decode dev client config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid dev client config")
	}
	return cfg, nil
}
