// orchestrator/stress.go
// 压测：先批量准备（RequestID + 盲化查询），再以固定并发执行，汇总成功率与延迟分位

package orchestrator

import (
	"context"
	"crypto/rand"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/semaphore"

	"nullifier/oprf"
	"nullifier/stats"
	"nullifier/types"
)

// StressParams 压测参数
type StressParams struct {
	Count       int
	Concurrency int
	Mode        types.SendMode
	SkipChecks  bool

	KeyID     types.KeyID
	Epoch     types.Epoch
	Nodes     []types.Node
	Threshold types.Threshold
	PublicKey types.PublicKey
	Deadline  time.Duration
}

// Summary 压测结果
type Summary struct {
	Mode      types.SendMode
	Count     int
	Succeeded int
	Failed    int
	// ByKind 失败按 types.Classify 归类
	ByKind      map[string]int
	Prepare     time.Duration
	Duration    time.Duration
	Latency     stats.LatencySummary
	SuccessRate decimal.Decimal // 百分比，两位小数
	Throughput  decimal.Decimal // 每秒请求数，两位小数
}

func (s Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "mode=%s count=%d ok=%d failed=%d success=%s%% throughput=%s req/s prepare=%s run=%s latency[%s]",
		s.Mode, s.Count, s.Succeeded, s.Failed, s.SuccessRate.StringFixed(2), s.Throughput.StringFixed(2),
		s.Prepare.Round(time.Millisecond), s.Duration.Round(time.Millisecond), s.Latency)
	if len(s.ByKind) > 0 {
		kinds := make([]string, 0, len(s.ByKind))
		for k := range s.ByKind {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		b.WriteString(" failures:")
		for _, k := range kinds {
			fmt.Fprintf(&b, " %s=%d", k, s.ByKind[k])
		}
	}
	return b.String()
}

// Results 单个压测项的结果，按准备顺序
type Results []error

// prepared 单个压测项
type prepared struct {
	id      types.RequestID
	blinded *oprf.BlindedRequest
	query   []byte
}

// StressTest 执行 Count 个独立请求；ctx 取消后未开始的请求记为 cancelled
func (o *Orchestrator) StressTest(ctx context.Context, p StressParams) (Summary, Results, error) {
	if p.Count <= 0 {
		return Summary{}, nil, errors.Wrapf(types.ErrInvalidParameters, "count %d", p.Count)
	}
	if p.Concurrency <= 0 {
		p.Concurrency = 1
	}
	if !p.SkipChecks && len(p.PublicKey) > 0 {
		o.SetPublicKey(p.KeyID, p.PublicKey)
	}

	o.Logger.Info("[Stress] preparing %d requests", p.Count)
	prepStart := time.Now()
	items := make([]prepared, p.Count)
	for i := range items {
		q := make([]byte, 32)
		if _, err := rand.Read(q); err != nil {
			return Summary{}, nil, errors.Wrap(err, "random query")
		}
		b, err := oprf.Blind(q)
		if err != nil {
			return Summary{}, nil, err
		}
		items[i] = prepared{id: types.NewRequestID(), blinded: b, query: q}
	}
	prep := time.Since(prepStart)

	o.Logger.Info("[Stress] running %d requests, mode=%s concurrency=%d skip_checks=%v", p.Count, p.Mode, p.Concurrency, p.SkipChecks)
	latency := stats.NewLatencyRecorder(p.Count)
	results := make(Results, p.Count)
	sem := semaphore.NewWeighted(int64(p.Concurrency))
	var wg sync.WaitGroup
	start := time.Now()
	for i := range items {
		if err := sem.Acquire(ctx, 1); err != nil {
			for j := i; j < len(items); j++ {
				results[j] = errors.Wrap(types.ErrCancelled, err.Error())
			}
			break
		}
		wg.Add(1)
		go func(i int) {
			defer sem.Release(1)
			defer wg.Done()
			t0 := time.Now()
			_, err := o.Execute(ctx, Request{
				KeyID:      p.KeyID,
				Epoch:      p.Epoch,
				Query:      items[i].query,
				Nodes:      p.Nodes,
				Threshold:  p.Threshold,
				Mode:       p.Mode,
				Deadline:   p.Deadline,
				PublicKey:  p.PublicKey,
				SkipChecks: p.SkipChecks,
				RequestID:  items[i].id,
				Blinded:    items[i].blinded,
			})
			latency.Record("request", time.Since(t0))
			results[i] = err
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	sum := Summary{Mode: p.Mode, Count: p.Count, Prepare: prep, Duration: elapsed, ByKind: make(map[string]int)}
	for _, err := range results {
		if err == nil {
			sum.Succeeded++
			continue
		}
		sum.Failed++
		sum.ByKind[types.Classify(err)]++
	}
	sum.Latency, _ = latency.Summary("request")
	sum.SuccessRate = decimal.NewFromInt(int64(sum.Succeeded)).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(int64(sum.Count))).
		Round(2)
	if secs := decimal.NewFromFloat(elapsed.Seconds()); secs.IsPositive() {
		sum.Throughput = decimal.NewFromInt(int64(sum.Count)).Div(secs).Round(2)
	}
	o.Logger.Info("[Stress] %s", sum)
	return sum, results, nil
}
