// devclient/devclient.go
// 开发客户端：准备密钥（查询公钥或 keygen）、单次运行、reshare 场景、压测

package devclient

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"io"
	"time"

	"github.com/pkg/errors"

	"nullifier/client"
	"nullifier/config"
	"nullifier/epoch"
	"nullifier/logs"
	"nullifier/node"
	"nullifier/orchestrator"
	"nullifier/registry"
	"nullifier/transport"
	"nullifier/types"
)

// ErrScenario reshare 场景中某一步的结果与预期不符
var ErrScenario = errors.New("reshare scenario failed")

// Setup 运行前准备好的密钥
type Setup struct {
	KeyID     types.KeyID
	PublicKey types.PublicKey
	Epoch     types.Epoch
}

// DevClient 持有节点连接、本地窗口视图与编排器
type DevClient struct {
	cfg     *config.DevClientConfig
	th      types.Threshold
	nodes   []types.Node
	clients []transport.NodeClient
	epochs  *epoch.Manager
	reg     *registry.Registry
	client  *client.Client
	closers []io.Closer

	Logger *logs.Logger
}

// New 使用给定 dialer 连接 nodes
func New(ctx context.Context, cfg *config.DevClientConfig, dialer transport.Dialer, nodes []types.Node, logger *logs.Logger) (*DevClient, error) {
	th := types.Threshold{N: len(nodes), T: cfg.Threshold}
	if err := th.Validate(); err != nil {
		return nil, err
	}
	clients, err := transport.DialAll(dialer, nodes)
	if err != nil {
		return nil, err
	}
	epochs, err := epoch.NewManager(epoch.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	c, err := client.New(ctx, cfg.Orchestrator, dialer, nodes, th, logger,
		orchestrator.WithAuth(orchestrator.KeyIDAuth(cfg.AuthModule)),
		orchestrator.WithEpochs(epochs))
	if err != nil {
		return nil, err
	}
	return &DevClient{
		cfg:     cfg,
		th:      th,
		nodes:   nodes,
		clients: clients,
		epochs:  epochs,
		reg:     registry.New(cfg.Registry(), registry.WithEpochs(epochs), registry.WithLogger(logger)),
		client:  c,
		Logger:  logger,
	}, nil
}

// NewRemote 通过 cfg.Transport 连接 cfg.Nodes
func NewRemote(ctx context.Context, cfg *config.DevClientConfig, logger *logs.Logger) (*DevClient, error) {
	dialer, err := transport.NewHTTPDialer(cfg.Transport, logger)
	if err != nil {
		return nil, err
	}
	d, err := New(ctx, cfg, dialer, types.NodesFromURLs(cfg.Nodes), logger)
	if err != nil {
		_ = dialer.Close()
		return nil, err
	}
	d.closers = append(d.closers, dialer)
	return d, nil
}

type serviceCloser []*node.Service

func (s serviceCloser) Close() error {
	for _, svc := range s {
		svc.Close()
	}
	return nil
}

// NewLocal 在进程内启动 n 个节点（内存存储），忽略 cfg.Nodes
func NewLocal(ctx context.Context, cfg *config.DevClientConfig, n int, logger *logs.Logger) (*DevClient, *transport.LocalDialer, error) {
	services, err := node.NewLocalServices(n, nil, logger)
	if err != nil {
		return nil, nil, err
	}
	dialer := transport.NewLocalDialer(services)
	d, err := New(ctx, cfg, dialer, dialer.Nodes(), logger)
	if err != nil {
		_ = serviceCloser(services).Close()
		return nil, nil, err
	}
	d.closers = append(d.closers, serviceCloser(services))
	return d, dialer, nil
}

// Orchestrator 底层编排器
func (d *DevClient) Orchestrator() *orchestrator.Orchestrator { return d.client.Orchestrator() }

// Setup 等待节点就绪；配置了 KeyID 时查询公钥，否则生成新密钥
func (d *DevClient) Setup(ctx context.Context) (Setup, error) {
	if err := transport.WaitHealthy(ctx, d.clients, d.cfg.MaxWaitTime, transport.DefaultPollInterval, d.Logger); err != nil {
		return Setup{}, err
	}
	keyID, ok, err := d.cfg.ParsedKeyID()
	if err != nil {
		return Setup{}, err
	}
	ep := types.Epoch(d.cfg.ShareEpoch)
	var pk types.PublicKey
	if ok {
		pk, err = transport.PublicKeyFromServices(ctx, d.clients, keyID, ep, d.cfg.MaxWaitTime, transport.DefaultPollInterval, d.Logger)
		if err != nil {
			return Setup{}, errors.Wrapf(err, "public key of %s", keyID)
		}
		if err := d.syncWindow(ctx, keyID, ep); err != nil {
			return Setup{}, err
		}
	} else {
		ep = 0
		keyID, pk, err = d.reg.InitKeyGen(ctx, d.clients, d.th)
		if err != nil {
			return Setup{}, errors.Wrap(err, "init key gen")
		}
	}
	d.client.Orchestrator().SetPublicKey(keyID, pk)
	d.Logger.Info("[DevClient] using key %s epoch %d public key %s", keyID, ep, pk)
	return Setup{KeyID: keyID, PublicKey: pk, Epoch: ep}, nil
}

// syncWindow 以第一个应答节点的窗口作为本地视图
func (d *DevClient) syncWindow(ctx context.Context, keyID types.KeyID, ep types.Epoch) error {
	var lastErr error
	for _, c := range d.clients {
		resp, err := c.PublicKey(ctx, keyID, ep)
		if err != nil {
			lastErr = err
			continue
		}
		w := epoch.Window{
			Current:     types.Epoch(resp.CurrentEpoch),
			Previous:    types.Epoch(resp.PreviousEpoch),
			HasPrevious: resp.HasPrevious,
		}
		_, _, err = d.epochs.Observe(keyID, w)
		return err
	}
	return errors.Wrap(lastErr, "fetch epoch window")
}

// Run 计算一次 salted nullifier，返回节点实际使用的 epoch
func (d *DevClient) Run(ctx context.Context, s Setup, ep types.Epoch) (types.Epoch, error) {
	action := make([]byte, 16)
	if _, err := rand.Read(action); err != nil {
		return 0, errors.Wrap(err, "random action")
	}
	action = append([]byte(d.cfg.Action+":"), action...)
	start := time.Now()
	out, err := d.client.SaltedNullifier(ctx, s.KeyID, ep, action)
	if err != nil {
		return 0, err
	}
	d.Logger.Info("[DevClient] oprf at epoch %d ok in %s, output %s", out.Epoch, time.Since(start), hex.EncodeToString(out.Output))
	return out.Epoch, nil
}

// ReshareTest 两次 reshare：第一次之后旧 epoch 仍可用，第二次之后被拒绝
func (d *DevClient) ReshareTest(ctx context.Context, s Setup) error {
	e0 := s.Epoch
	expect := func(step string, ep types.Epoch) error {
		got, err := d.Run(ctx, s, ep)
		if err != nil {
			return errors.Wrapf(ErrScenario, "%s: %v", step, err)
		}
		if got != ep {
			return errors.Wrapf(ErrScenario, "%s: ran at epoch %d, expected %d", step, got, ep)
		}
		return nil
	}

	d.Logger.Info("[DevClient] reshare test: run at epoch %d", e0)
	if err := expect("before reshare", e0); err != nil {
		return err
	}

	e1, pk, err := d.reg.Reshare(ctx, d.clients, s.KeyID, e0, d.th)
	if err != nil {
		return errors.Wrap(err, "first reshare")
	}
	if !bytes.Equal(pk, s.PublicKey) {
		return errors.Wrapf(ErrScenario, "public key changed after reshare to %d", e1)
	}
	d.Logger.Info("[DevClient] reshare test: reshared to epoch %d", e1)
	if err := expect("previous epoch after one reshare", e0); err != nil {
		return err
	}
	if err := expect("current epoch after one reshare", e1); err != nil {
		return err
	}

	e2, _, err := d.reg.Reshare(ctx, d.clients, s.KeyID, e1, d.th)
	if err != nil {
		return errors.Wrap(err, "second reshare")
	}
	d.Logger.Info("[DevClient] reshare test: reshared to epoch %d", e2)
	if err := expect("previous epoch after two reshares", e1); err != nil {
		return err
	}
	if _, err := d.Run(ctx, s, e0); !errors.Is(err, types.ErrStaleEpoch) {
		return errors.Wrapf(ErrScenario, "epoch %d after two reshares: want stale epoch, got %v", e0, err)
	}
	if err := expect("current epoch after two reshares", e2); err != nil {
		return err
	}
	d.Logger.Info("[DevClient] reshare test passed")
	return nil
}

// Stress 按配置的数量与并发压测
func (d *DevClient) Stress(ctx context.Context, s Setup, mode types.SendMode) (orchestrator.Summary, error) {
	orch := d.client.Orchestrator()
	sum, _, err := orch.StressTest(ctx, orchestrator.StressParams{
		Count:       d.cfg.Stress.Count,
		Concurrency: d.cfg.Stress.Concurrency,
		Mode:        mode,
		SkipChecks:  d.cfg.Orchestrator.SkipChecks,
		KeyID:       s.KeyID,
		Epoch:       s.Epoch,
		Nodes:       d.nodes,
		Threshold:   d.th,
		PublicKey:   s.PublicKey,
		Deadline:    d.cfg.Orchestrator.Deadline,
	})
	if err != nil {
		return sum, err
	}
	d.Logger.Info("[DevClient] stress %s, %s", sum, orch.InFlight())
	return sum, nil
}

// Close 等待在途请求后释放连接
func (d *DevClient) Close() error {
	err := d.client.Close(d.cfg.Orchestrator.ShutdownGrace)
	for _, c := range d.closers {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
