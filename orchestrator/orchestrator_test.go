package orchestrator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nullifier/config"
	"nullifier/epoch"
	"nullifier/node"
	"nullifier/registry"
	"nullifier/transport"
	"nullifier/types"
)

var devRef = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

type fleet struct {
	dialer  *transport.LocalDialer
	clients []transport.NodeClient
	reg     *registry.Registry
	epochs  *epoch.Manager
	keyID   types.KeyID
	pk      types.PublicKey
	th      types.Threshold
}

// newFleet n 个进程内节点，已生成 epoch 0 的密钥；epochs 与 Registry 共享
func newFleet(t *testing.T, th types.Threshold) *fleet {
	t.Helper()
	services, err := node.NewLocalServices(th.N, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		for _, s := range services {
			s.Close()
		}
	})
	d := transport.NewLocalDialer(services)
	clients, err := transport.DialAll(d, d.Nodes())
	require.NoError(t, err)
	m, err := epoch.NewManager()
	require.NoError(t, err)
	reg := registry.New(devRef, registry.WithEpochs(m))
	keyID, pk, err := reg.InitKeyGen(context.Background(), clients, th)
	require.NoError(t, err)
	return &fleet{dialer: d, clients: clients, reg: reg, epochs: m, keyID: keyID, pk: pk, th: th}
}

func (f *fleet) totalInitCalls() int64 {
	var n int64
	for i := 0; i < f.th.N; i++ {
		n += f.dialer.Client(i).InitCalls()
	}
	return n
}

func newOrchestrator(t *testing.T, f *fleet, opts ...Option) *Orchestrator {
	t.Helper()
	cfg := config.DefaultOrchestratorConfig()
	cfg.Deadline = 5 * time.Second
	cfg.NodeTimeout = 2 * time.Second
	o := New(context.Background(), cfg, f.dialer, nil, opts...)
	t.Cleanup(func() { _ = o.Shutdown(time.Second) })
	return o
}

func (f *fleet) request(query string, ep types.Epoch, mode types.SendMode) Request {
	return Request{
		KeyID:     f.keyID,
		Epoch:     ep,
		Query:     []byte(query),
		Nodes:     f.dialer.Nodes(),
		Threshold: f.th,
		Mode:      mode,
	}
}

var modes = []types.SendMode{types.SendParallel, types.SendSequential}

func TestAnyThresholdSubsetSucceeds(t *testing.T) {
	cases := []types.Threshold{{N: 1, T: 1}, {N: 3, T: 2}, {N: 4, T: 3}, {N: 5, T: 3}}
	for _, th := range cases {
		th := th
		for _, mode := range modes {
			t.Run(fmt.Sprintf("n%d_t%d_%s", th.N, th.T, mode), func(t *testing.T) {
				f := newFleet(t, th)
				o := newOrchestrator(t, f, WithEpochs(f.epochs))
				ctx := context.Background()

				// 全部在线时的基准输出
				base, err := o.Execute(ctx, f.request("alice", 0, mode))
				require.NoError(t, err)
				assert.Len(t, base.Parties, th.T)

				// 关掉 n-t 个节点，剩下的任意 t 个仍然得到同样的输出
				for down := 0; down < th.N; down++ {
					for i := 0; i < th.N; i++ {
						f.dialer.Client(i).ClearFault()
					}
					for k := 0; k < th.N-th.T; k++ {
						f.dialer.Client((down+k)%th.N).SetFault(transport.Fault{Unreachable: true})
					}
					out, err := o.Execute(ctx, f.request("alice", 0, mode))
					require.NoError(t, err, "down from %d", down)
					assert.Equal(t, base.Output, out.Output)
					assert.Equal(t, types.Epoch(0), out.Epoch)
					assert.Equal(t, f.keyID, out.KeyID)
				}
			})
		}
	}
}

func TestFinishFailureFallsBackToOtherNodes(t *testing.T) {
	for _, window := range []time.Duration{0, 25 * time.Millisecond} {
		for _, mode := range modes {
			t.Run(fmt.Sprintf("%s_window%s", mode, window), func(t *testing.T) {
				f := newFleet(t, types.Threshold{N: 3, T: 2})
				o := newOrchestrator(t, f)
				o.cfg.StragglerWindow = window
				// 节点 0 立刻 ack 但 finish 失败，另外两个节点健康但较慢
				f.dialer.Client(0).SetFault(transport.Fault{FinishErr: types.ErrNodeUnreachable})
				f.dialer.Client(1).SetFault(transport.Fault{Delay: 20 * time.Millisecond})
				f.dialer.Client(2).SetFault(transport.Fault{Delay: 40 * time.Millisecond})

				out, err := o.Execute(context.Background(), f.request("olivia", 0, mode))
				require.NoError(t, err)
				assert.ElementsMatch(t, []int{1, 2}, out.Parties)
				assert.Equal(t, int64(1), f.dialer.Client(1).FinishCalls())
				assert.Equal(t, int64(1), f.dialer.Client(2).FinishCalls())
				assert.LessOrEqual(t, f.dialer.Client(0).FinishCalls(), int64(1))
				assert.Equal(t, 0, o.Sessions().Active())
			})
		}
	}
}

func TestFinishFailuresBelowThreshold(t *testing.T) {
	for _, mode := range modes {
		t.Run(mode.String(), func(t *testing.T) {
			f := newFleet(t, types.Threshold{N: 3, T: 2})
			o := newOrchestrator(t, f)
			f.dialer.Client(0).SetFault(transport.Fault{FinishErr: types.ErrNodeUnreachable})
			f.dialer.Client(1).SetFault(transport.Fault{FinishErr: types.ErrNodeUnreachable})

			_, err := o.Execute(context.Background(), f.request("peggy", 0, mode))
			require.Error(t, err)
			assert.True(t, errors.Is(err, types.ErrQuorumNotReached), "%v", err)
			var oe *types.OrchestrationError
			require.True(t, errors.As(err, &oe))
			assert.Equal(t, types.PhaseFinish, oe.Phase)
			assert.Equal(t, 3, oe.Acked)
			// 顺序模式下节点 2 可能根本收不到 finish：剩下的节点已经凑不够 t 个
			assert.LessOrEqual(t, oe.Responses, 1)
			// 每个节点最多收到一次 finish
			for i := 0; i < 3; i++ {
				assert.LessOrEqual(t, f.dialer.Client(i).FinishCalls(), int64(1))
			}
		})
	}
}

func TestBelowThresholdNeverSucceeds(t *testing.T) {
	for _, mode := range modes {
		t.Run(mode.String(), func(t *testing.T) {
			f := newFleet(t, types.Threshold{N: 4, T: 3})
			o := newOrchestrator(t, f)
			f.dialer.Client(1).SetFault(transport.Fault{Unreachable: true})
			f.dialer.Client(3).SetFault(transport.Fault{Unreachable: true})

			out, err := o.Execute(context.Background(), f.request("bob", 0, mode))
			require.Error(t, err)
			assert.Nil(t, out)
			assert.True(t, errors.Is(err, types.ErrQuorumNotReached), "%v", err)

			var oe *types.OrchestrationError
			require.True(t, errors.As(err, &oe))
			assert.Equal(t, types.PhaseInit, oe.Phase)
			assert.Equal(t, 2, oe.Acked)
			assert.Equal(t, 2, oe.CountNodeErrors(types.ErrNodeUnreachable))
			// 没有 ack 够 t 个就不会进入 finish
			assert.Equal(t, int64(0), f.dialer.TotalFinishCalls())
		})
	}
}

func TestEpochLifecycleAcrossReshares(t *testing.T) {
	f := newFleet(t, types.Threshold{N: 3, T: 2})
	o := newOrchestrator(t, f, WithEpochs(f.epochs))
	ctx := context.Background()

	first, err := o.Execute(ctx, f.request("carol", 0, types.SendParallel))
	require.NoError(t, err)

	ep, pk, err := f.reg.Reshare(ctx, f.clients, f.keyID, 0, f.th)
	require.NoError(t, err)
	require.Equal(t, types.Epoch(1), ep)
	assert.Equal(t, f.pk, pk)

	// 一次 reshare 之后 epoch 0 仍在窗口内
	out, err := o.Execute(ctx, f.request("carol", 0, types.SendParallel))
	require.NoError(t, err)
	assert.Equal(t, types.Epoch(0), out.Epoch)
	assert.Equal(t, first.Output, out.Output)

	out, err = o.Execute(ctx, f.request("carol", 1, types.SendSequential))
	require.NoError(t, err)
	assert.Equal(t, types.Epoch(1), out.Epoch)
	// 公钥不变，输出也不变
	assert.Equal(t, first.Output, out.Output)

	_, _, err = f.reg.Reshare(ctx, f.clients, f.keyID, 1, f.th)
	require.NoError(t, err)

	out, err = o.Execute(ctx, f.request("carol", 1, types.SendParallel))
	require.NoError(t, err)
	assert.Equal(t, types.Epoch(1), out.Epoch)

	before := f.totalInitCalls()
	_, err = o.Execute(ctx, f.request("carol", 0, types.SendParallel))
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrStaleEpoch), "%v", err)
	assert.Equal(t, before, f.totalInitCalls(), "stale epoch must be rejected before any network call")

	out, err = o.Execute(ctx, f.request("carol", 2, types.SendParallel))
	require.NoError(t, err)
	assert.Equal(t, types.Epoch(2), out.Epoch)
	assert.Equal(t, first.Output, out.Output)
}

func TestStaleEpochReportedByNodes(t *testing.T) {
	f := newFleet(t, types.Threshold{N: 3, T: 2})
	ctx := context.Background()
	_, _, err := f.reg.Reshare(ctx, f.clients, f.keyID, 0, f.th)
	require.NoError(t, err)
	_, _, err = f.reg.Reshare(ctx, f.clients, f.keyID, 1, f.th)
	require.NoError(t, err)

	// 没有本地窗口视图，只能靠节点拒绝
	o := newOrchestrator(t, f)
	_, err = o.Execute(ctx, f.request("dave", 0, types.SendParallel))
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrStaleEpoch), "%v", err)
	var oe *types.OrchestrationError
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, types.PhaseInit, oe.Phase)
	assert.Equal(t, 3, oe.CountNodeErrors(types.ErrStaleEpoch))
}

func TestSpoofedPartyNotCounted(t *testing.T) {
	f := newFleet(t, types.Threshold{N: 3, T: 3})
	o := newOrchestrator(t, f)
	party := 0
	f.dialer.Client(2).SetFault(transport.Fault{PartyOverride: &party})

	_, err := o.Execute(context.Background(), f.request("erin", 0, types.SendParallel))
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrQuorumNotReached), "%v", err)
	var oe *types.OrchestrationError
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, 2, oe.Acked)
	assert.Equal(t, 1, oe.CountNodeErrors(types.ErrRejected))

	// n=3 t=2 时冒充者被剔除，剩下两个真实节点仍然够
	f2 := newFleet(t, types.Threshold{N: 3, T: 2})
	o2 := newOrchestrator(t, f2)
	claim := 1
	f2.dialer.Client(0).SetFault(transport.Fault{PartyOverride: &claim})
	out, err := o2.Execute(context.Background(), f2.request("erin", 0, types.SendSequential))
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{1, 2}, out.Parties)
}

func TestEpochMismatchInFinish(t *testing.T) {
	f := newFleet(t, types.Threshold{N: 3, T: 2})
	o := newOrchestrator(t, f)
	moved := types.Epoch(1)
	for i := 0; i < 3; i++ {
		f.dialer.Client(i).SetFault(transport.Fault{FinishEpoch: &moved})
	}
	_, err := o.Execute(context.Background(), f.request("frank", 0, types.SendParallel))
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrEpochMismatch), "%v", err)
	var oe *types.OrchestrationError
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, types.PhaseReduce, oe.Phase)
}

func TestTamperedProofRejected(t *testing.T) {
	f := newFleet(t, types.Threshold{N: 3, T: 2})
	o := newOrchestrator(t, f)
	for i := 0; i < 3; i++ {
		f.dialer.Client(i).SetFault(transport.Fault{TamperProof: true})
	}
	req := f.request("grace", 0, types.SendParallel)
	_, err := o.Execute(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrProofInvalid), "%v", err)

	// 跳过校验时同样的响应可以合并
	req.SkipChecks = true
	_, err = o.Execute(context.Background(), req)
	require.NoError(t, err)
}

func TestWrongPublicKeyRejected(t *testing.T) {
	f := newFleet(t, types.Threshold{N: 3, T: 2})
	other := newFleet(t, types.Threshold{N: 3, T: 2})
	o := newOrchestrator(t, f)
	req := f.request("heidi", 0, types.SendParallel)
	req.PublicKey = other.pk
	_, err := o.Execute(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrProofInvalid), "%v", err)
}

func TestInvalidParameters(t *testing.T) {
	f := newFleet(t, types.Threshold{N: 3, T: 2})
	o := newOrchestrator(t, f)
	ctx := context.Background()

	req := f.request("ivan", 0, types.SendParallel)
	req.Nodes = nil
	_, err := o.Execute(ctx, req)
	assert.True(t, errors.Is(err, types.ErrInvalidParameters))

	req = f.request("ivan", 0, types.SendParallel)
	req.Threshold = types.Threshold{N: 3, T: 4}
	_, err = o.Execute(ctx, req)
	assert.True(t, errors.Is(err, types.ErrInvalidParameters))

	req = f.request("ivan", 0, types.SendParallel)
	req.Threshold = types.Threshold{N: 2, T: 2}
	_, err = o.Execute(ctx, req)
	assert.True(t, errors.Is(err, types.ErrInvalidParameters))

	req = f.request("ivan", 0, types.SendParallel)
	req.Query = nil
	_, err = o.Execute(ctx, req)
	assert.True(t, errors.Is(err, types.ErrInvalidParameters))
	assert.Equal(t, int64(0), f.totalInitCalls())
}

func TestCancelledRequestLeavesNothingBehind(t *testing.T) {
	for _, mode := range modes {
		t.Run(mode.String(), func(t *testing.T) {
			f := newFleet(t, types.Threshold{N: 3, T: 2})
			o := newOrchestrator(t, f)
			for i := 0; i < 3; i++ {
				f.dialer.Client(i).SetFault(transport.Fault{Delay: 500 * time.Millisecond})
			}
			ctx, cancel := context.WithCancel(context.Background())
			time.AfterFunc(50*time.Millisecond, cancel)

			_, err := o.Execute(ctx, f.request("judy", 0, mode))
			require.Error(t, err)
			assert.True(t, errors.Is(err, types.ErrCancelled), "%v", err)
			assert.False(t, errors.Is(err, types.ErrTimeout))
			assert.Equal(t, 0, o.Sessions().Active())

			// Execute 返回后不会再有对节点的调用
			calls := f.totalInitCalls()
			time.Sleep(600 * time.Millisecond)
			assert.Equal(t, calls, f.totalInitCalls())
			assert.Equal(t, int64(0), f.dialer.TotalFinishCalls())
		})
	}
}

func TestCancelDuringFinishStopsNodeCalls(t *testing.T) {
	for _, mode := range modes {
		t.Run(mode.String(), func(t *testing.T) {
			f := newFleet(t, types.Threshold{N: 3, T: 2})
			o := newOrchestrator(t, f)
			for i := 0; i < 3; i++ {
				f.dialer.Client(i).SetFault(transport.Fault{FinishDelay: 500 * time.Millisecond})
			}
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go func() {
				// init 很快完成，取消落在 finish 进行中
				for f.dialer.TotalFinishCalls() == 0 && ctx.Err() == nil {
					time.Sleep(time.Millisecond)
				}
				cancel()
			}()

			_, err := o.Execute(ctx, f.request("quinn", 0, mode))
			require.Error(t, err)
			assert.True(t, errors.Is(err, types.ErrCancelled), "%v", err)
			var oe *types.OrchestrationError
			require.True(t, errors.As(err, &oe))
			assert.Equal(t, types.PhaseFinish, oe.Phase)
			assert.Equal(t, 0, o.Sessions().Active())

			inits, finishes := f.totalInitCalls(), f.dialer.TotalFinishCalls()
			assert.Greater(t, finishes, int64(0))
			time.Sleep(600 * time.Millisecond)
			assert.Equal(t, inits, f.totalInitCalls())
			assert.Equal(t, finishes, f.dialer.TotalFinishCalls())
		})
	}
}

func TestDeadlineSetsTimeout(t *testing.T) {
	f := newFleet(t, types.Threshold{N: 3, T: 2})
	o := newOrchestrator(t, f)
	for i := 0; i < 3; i++ {
		f.dialer.Client(i).SetFault(transport.Fault{Delay: time.Second})
	}
	req := f.request("ken", 0, types.SendParallel)
	req.Deadline = 50 * time.Millisecond
	_, err := o.Execute(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrTimeout), "%v", err)
	var oe *types.OrchestrationError
	require.True(t, errors.As(err, &oe))
	assert.True(t, oe.Timeout)
	assert.Equal(t, 0, o.Sessions().Active())
}

func TestPublicKeyFetchedOnceAndCached(t *testing.T) {
	f := newFleet(t, types.Threshold{N: 3, T: 2})
	o := newOrchestrator(t, f)
	ctx := context.Background()
	_, err := o.Execute(ctx, f.request("leo", 0, types.SendParallel))
	require.NoError(t, err)

	// 第一次校验后公钥按 KeyID 缓存
	o.mu.Lock()
	cached := o.keys[f.keyID]
	o.mu.Unlock()
	assert.Equal(t, f.pk, cached)
}

func TestShutdown(t *testing.T) {
	f := newFleet(t, types.Threshold{N: 3, T: 2})
	cfg := config.DefaultOrchestratorConfig()
	o := New(context.Background(), cfg, f.dialer, nil)

	require.NoError(t, o.Shutdown(time.Second))
	_, err := o.Execute(context.Background(), f.request("mallory", 0, types.SendParallel))
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrShuttingDown))
}

func TestUngracefulShutdown(t *testing.T) {
	f := newFleet(t, types.Threshold{N: 3, T: 2})
	cfg := config.DefaultOrchestratorConfig()
	o := New(context.Background(), cfg, f.dialer, nil)
	for i := 0; i < 3; i++ {
		f.dialer.Client(i).SetFault(transport.Fault{Delay: 5 * time.Second})
	}

	done := make(chan error, 1)
	go func() {
		_, err := o.Execute(context.Background(), f.request("niaj", 0, types.SendParallel))
		done <- err
	}()
	require.Eventually(t, func() bool { return o.InFlight().Len == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, cfg.MaxInFlight, o.InFlight().Cap)

	err := o.Shutdown(50 * time.Millisecond)
	assert.True(t, errors.Is(err, types.ErrUngracefulShutdown), "%v", err)

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, types.ErrCancelled), "%v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("request did not observe shutdown")
	}
	assert.Equal(t, 0, o.Sessions().Active())
	assert.Equal(t, 0, o.InFlight().Len)
}

func TestStressModesClassifyAlike(t *testing.T) {
	f := newFleet(t, types.Threshold{N: 3, T: 2})
	o := newOrchestrator(t, f)
	ctx := context.Background()

	var sums []Summary
	for _, mode := range modes {
		sum, results, err := o.StressTest(ctx, StressParams{
			Count:       12,
			Concurrency: 4,
			Mode:        mode,
			KeyID:       f.keyID,
			Nodes:       f.dialer.Nodes(),
			Threshold:   f.th,
			PublicKey:   f.pk,
		})
		require.NoError(t, err)
		require.Len(t, results, 12)
		assert.Equal(t, 12, sum.Succeeded, "%s", sum)
		assert.Equal(t, "100.00", sum.SuccessRate.StringFixed(2))
		assert.Equal(t, uint64(12), sum.Latency.Count)
		sums = append(sums, sum)
	}

	// 掉一个节点后两种模式结果一致；掉两个后一致地失败
	for down, want := range map[int]string{1: "ok", 2: "quorum_not_reached"} {
		for i := 0; i < 3; i++ {
			f.dialer.Client(i).ClearFault()
		}
		for i := 0; i < down; i++ {
			f.dialer.Client(i).SetFault(transport.Fault{Unreachable: true})
		}
		for _, mode := range modes {
			_, results, err := o.StressTest(ctx, StressParams{
				Count:       6,
				Concurrency: 3,
				Mode:        mode,
				SkipChecks:  true,
				KeyID:       f.keyID,
				Nodes:       f.dialer.Nodes(),
				Threshold:   f.th,
			})
			require.NoError(t, err)
			for _, r := range results {
				assert.Equal(t, want, types.Classify(r), "mode=%s down=%d", mode, down)
			}
		}
	}
	assert.Equal(t, sums[0].Succeeded, sums[1].Succeeded)
}

func TestStressCancelledBeforeStart(t *testing.T) {
	f := newFleet(t, types.Threshold{N: 3, T: 2})
	o := newOrchestrator(t, f)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sum, results, err := o.StressTest(ctx, StressParams{
		Count: 5, Concurrency: 2, KeyID: f.keyID, Nodes: f.dialer.Nodes(), Threshold: f.th, SkipChecks: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 5, sum.Failed)
	for _, r := range results {
		assert.True(t, errors.Is(r, types.ErrCancelled))
	}

	_, _, err = o.StressTest(context.Background(), StressParams{Count: 0})
	assert.True(t, errors.Is(err, types.ErrInvalidParameters))
}
