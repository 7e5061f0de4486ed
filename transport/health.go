// transport/health.go
// 启动期的节点探测：等待全部节点健康、等待全部节点对公钥达成一致

package transport

import (
	"bytes"
	"context"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"nullifier/logs"
	"nullifier/pb"
	"nullifier/types"
)

// DefaultPollInterval 探测轮询间隔
const DefaultPollInterval = 500 * time.Millisecond

// WaitHealthy 轮询直到所有节点返回 status=ok，或 maxWait 到期
func WaitHealthy(ctx context.Context, clients []NodeClient, maxWait, interval time.Duration, logger *logs.Logger) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ctx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		healthy := 0
		for _, c := range clients {
			hc, hcancel := context.WithTimeout(ctx, interval)
			h, err := c.Health(hc)
			hcancel()
			if err == nil && h.Status == "ok" {
				healthy++
				continue
			}
			logger.Debug("[Health] node %s not healthy yet: %v", c.Node().ID, err)
		}
		if healthy == len(clients) {
			logger.Info("[Health] all %d nodes healthy", healthy)
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Wrapf(types.ErrTimeout, "%d/%d nodes healthy after %s", healthy, len(clients), maxWait)
		case <-ticker.C:
		}
	}
}

// PublicKeyFromServices 轮询所有节点，直到它们对 (keyID, epoch) 报告同一个公钥
func PublicKeyFromServices(ctx context.Context, clients []NodeClient, keyID types.KeyID, ep types.Epoch, maxWait, interval time.Duration, logger *logs.Logger) (types.PublicKey, error) {
	if len(clients) == 0 {
		return nil, errors.Wrap(types.ErrInvalidParameters, "no nodes")
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ctx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var lastErr error
	for {
		keys := make([]*pb.PublicKeyResponse, len(clients))
		g, gctx := errgroup.WithContext(ctx)
		for i, c := range clients {
			i, c := i, c
			g.Go(func() error {
				resp, err := c.PublicKey(gctx, keyID, ep)
				if err != nil {
					return errors.Wrapf(err, "node %s", c.Node().ID)
				}
				keys[i] = resp
				return nil
			})
		}
		lastErr = g.Wait()
		if lastErr == nil {
			if pk, ok := agree(keys); ok {
				logger.Info("[Health] %d nodes agree on public key for %s epoch %d", len(clients), keyID, ep)
				return pk, nil
			}
			lastErr = errors.Errorf("nodes disagree on public key for %s epoch %d", keyID, ep)
		}
		// 窗口外的 epoch 不会自己恢复
		if errors.Is(lastErr, types.ErrStaleEpoch) {
			return nil, lastErr
		}
		logger.Debug("[Health] public key not settled: %v", lastErr)
		select {
		case <-ctx.Done():
			return nil, errors.Wrapf(types.ErrTimeout, "public key for %s epoch %d: %v", keyID, ep, lastErr)
		case <-ticker.C:
		}
	}
}

func agree(keys []*pb.PublicKeyResponse) (types.PublicKey, bool) {
	first := keys[0].PublicKey
	if len(first) == 0 {
		return nil, false
	}
	for _, k := range keys[1:] {
		if !bytes.Equal(k.PublicKey, first) {
			return nil, false
		}
	}
	return types.PublicKey(first), true
}
