// shutdown/shutdown.go
// 进程级关闭协调：信号 -> 取消 -> 有界等待 -> 区分是否优雅退出

package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"nullifier/logs"
	"nullifier/types"
)

// SignalContext SIGINT/SIGTERM 时取消
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// Supervisor 管理一组长期任务；任一任务出错即取消全部
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	g      *errgroup.Group
	grace  time.Duration

	mu      sync.Mutex
	running map[string]struct{}

	Logger *logs.Logger
}

// New grace 为取消后等待任务退出的上限
func New(parent context.Context, grace time.Duration, logger *logs.Logger) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	g, gctx := errgroup.WithContext(ctx)
	return &Supervisor{
		ctx:     gctx,
		cancel:  cancel,
		g:       g,
		grace:   grace,
		running: make(map[string]struct{}),
		Logger:  logger,
	}
}

// Context 任务应监听的 ctx
func (s *Supervisor) Context() context.Context { return s.ctx }

// Go 启动一个命名任务
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	s.running[name] = struct{}{}
	s.mu.Unlock()
	s.g.Go(func() error {
		defer func() {
			s.mu.Lock()
			delete(s.running, name)
			s.mu.Unlock()
		}()
		if err := fn(s.ctx); err != nil {
			s.Logger.Error("[Shutdown] task %s failed: %v", name, err)
			return errors.Wrapf(err, "task %s", name)
		}
		s.Logger.Debug("[Shutdown] task %s finished", name)
		return nil
	})
}

// Cancel 主动触发关闭
func (s *Supervisor) Cancel() { s.cancel() }

func (s *Supervisor) pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.running))
	for n := range s.running {
		out = append(out, n)
	}
	return out
}

// Wait 等待取消（外部信号或任务失败），再在 grace 内等待所有任务退出。
// 任务失败或超时返回匹配 types.ErrUngracefulShutdown 的错误
func (s *Supervisor) Wait() error {
	done := make(chan error, 1)
	go func() { done <- s.g.Wait() }()

	select {
	case err := <-done:
		s.cancel()
		return s.result(err)
	case <-s.ctx.Done():
	}
	s.Logger.Info("[Shutdown] shutdown signal received, waiting up to %s", s.grace)

	timer := time.NewTimer(s.grace)
	defer timer.Stop()
	select {
	case err := <-done:
		s.cancel()
		return s.result(err)
	case <-timer.C:
		s.cancel()
		pending := s.pending()
		s.Logger.Warn("[Shutdown] could not finish shutdown in time, pending=%v", pending)
		return errors.Wrapf(types.ErrUngracefulShutdown, "tasks %v still running after %s", pending, s.grace)
	}
}

func (s *Supervisor) result(err error) error {
	if err != nil {
		return errors.Wrapf(types.ErrUngracefulShutdown, "%v", err)
	}
	s.Logger.Info("[Shutdown] successfully shutdown")
	return nil
}
