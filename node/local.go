// node/local.go
// 进程内节点：内存 badger + 信任请求体的鉴权，用于单机模拟与测试

package node

import (
	"github.com/pkg/errors"

	"nullifier/auth"
	"nullifier/config"
	"nullifier/logs"
	"nullifier/storage"
)

// NewLocalService 创建不监听端口的节点服务，Close 时释放内存存储
func NewLocalService(cfg *config.NodeConfig, logger *logs.Logger) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultNodeConfig()
	}
	store, err := storage.Open(storage.Options{InMemory: true}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "open in-memory share store")
	}
	reg := auth.NewRegistry()
	reg.Register(auth.ModuleNone, auth.TrustPayload())
	// 进程内没有 oracle，face 模块同样信任 payload
	reg.Register(auth.ModuleFace, auth.TrustPayload())
	svc, err := NewService(cfg, store, reg, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	svc.ownsStore = true
	return svc, nil
}

// NewLocalServices 创建 n 个进程内节点；任一失败时关闭已创建的
func NewLocalServices(n int, cfg *config.NodeConfig, logger *logs.Logger) ([]*Service, error) {
	out := make([]*Service, 0, n)
	for i := 0; i < n; i++ {
		svc, err := NewLocalService(cfg, logger)
		if err != nil {
			for _, s := range out {
				s.Close()
			}
			return nil, err
		}
		out = append(out, svc)
	}
	return out, nil
}
