// auth/auth.go
// 鉴权边界：init 请求携带 {module, payload}，按 module 分发到具体实现

package auth

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"nullifier/types"
)

// 内置 module 名
const (
	// ModuleFace 人脸 oracle 鉴权
	ModuleFace = "face"
	// ModuleJWT HS256 JWT 鉴权
	ModuleJWT = "jwt"
	// ModuleNone 仅开发环境：信任 payload 中的 KeyID
	ModuleNone = "none"
)

var (
	// ErrUnknownModule 未注册的 module
	ErrUnknownModule = errors.New("auth: unknown module")
	// ErrOracleUnavailable oracle 不可达或返回非 2xx
	ErrOracleUnavailable = errors.New("auth: oracle unavailable")
)

// Request 待鉴权的 init 请求
type Request struct {
	RequestID types.RequestID
	KeyID     types.KeyID
	Epoch     types.Epoch
	Module    string
	Payload   []byte
}

// Authenticator 鉴权实现：返回请求被授权使用的 KeyID
type Authenticator interface {
	Authenticate(ctx context.Context, req *Request) (types.KeyID, error)
}

// AuthenticatorFunc 函数适配
type AuthenticatorFunc func(ctx context.Context, req *Request) (types.KeyID, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, req *Request) (types.KeyID, error) {
	return f(ctx, req)
}

// Registry module -> Authenticator
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Authenticator
}

func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]Authenticator)}
}

// Register 注册（同名覆盖）
func (r *Registry) Register(module string, a Authenticator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules[module] = a
}

// Modules 已注册的 module 名（排序）
func (r *Registry) Modules() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.modules))
	for m := range r.modules {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Authenticate 分发到对应 module，并要求授权的 KeyID 与请求一致
// 返回的错误要么匹配 types.ErrUnauthorized，要么匹配 ErrOracleUnavailable
func (r *Registry) Authenticate(ctx context.Context, req *Request) (types.KeyID, error) {
	r.mu.RLock()
	a, ok := r.modules[req.Module]
	r.mu.RUnlock()
	if !ok {
		return types.KeyID{}, errors.Wrapf(types.ErrUnauthorized, "%v %q", ErrUnknownModule, req.Module)
	}
	keyID, err := a.Authenticate(ctx, req)
	if err != nil {
		if errors.Is(err, ErrOracleUnavailable) || errors.Is(err, types.ErrUnauthorized) {
			return types.KeyID{}, err
		}
		return types.KeyID{}, errors.Wrapf(types.ErrUnauthorized, "module %s: %v", req.Module, err)
	}
	if keyID != req.KeyID {
		return types.KeyID{}, errors.Wrapf(types.ErrUnauthorized, "authorized for key %s, requested %s", keyID, req.KeyID)
	}
	return keyID, nil
}

// PayloadKeyID payload 即 20 字节 KeyID
func PayloadKeyID(req *Request) (types.KeyID, error) {
	k, err := types.KeyIDFromBytes(req.Payload)
	if err != nil {
		return types.KeyID{}, errors.Wrap(types.ErrUnauthorized, err.Error())
	}
	return k, nil
}

// TrustPayload 开发环境用：不做外部校验
func TrustPayload() Authenticator {
	return AuthenticatorFunc(func(_ context.Context, req *Request) (types.KeyID, error) {
		return PayloadKeyID(req)
	})
}
