// quorum/reduce.go
// Quorum Reducer：按到达顺序取前 t 个响应，并检查 epoch 一致性

package quorum

import (
	"github.com/pkg/errors"

	"nullifier/epoch"
	"nullifier/types"
)

// Decision reduce 结果
type Decision struct {
	// Quorate 为 false 时表示 Subquorate，Set 为原样返回
	Quorate bool
	Set     types.ResponseSet
	// Epoch 响应集合一致的 epoch（仅 Quorate 时有意义）
	Epoch types.Epoch
}

type options struct {
	expected *types.Epoch
	window   *epoch.Window
}

// Option reduce 附加检查
type Option func(*options)

// WithExpectedEpoch 要求响应 epoch 等于请求 epoch
func WithExpectedEpoch(e types.Epoch) Option {
	return func(o *options) { o.expected = &e }
}

// WithWindow 要求响应 epoch 落在窗口内
func WithWindow(w epoch.Window) Option {
	return func(o *options) { o.window = &w }
}

// Reduce 纯函数：
//   - 同一 PartyID 只计一次，后到的重复项进入 Stragglers
//   - 不足 t 个返回 Subquorate
//   - 前 t 个之后到达的保留为 Stragglers，仅用于诊断
//   - 前 t 个的 epoch 必须完全一致，否则 ErrEpochMismatch（不按多数 epoch 裁决）
func Reduce(set types.ResponseSet, t int, opts ...Option) (Decision, error) {
	if t < 1 {
		return Decision{}, errors.Wrapf(types.ErrInvalidParameters, "threshold %d", t)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	seen := make(map[int]struct{}, len(set.Responses))
	capped := make([]types.PartialResponse, 0, t)
	var stragglers []types.PartialResponse
	for _, r := range set.Responses {
		if _, dup := seen[r.PartyID]; dup || len(capped) == t {
			stragglers = append(stragglers, r)
			continue
		}
		seen[r.PartyID] = struct{}{}
		capped = append(capped, r)
	}
	stragglers = append(stragglers, set.Stragglers...)

	if len(capped) < t {
		return Decision{Quorate: false, Set: set}, nil
	}

	ep := capped[0].Epoch
	for _, r := range capped[1:] {
		if r.Epoch != ep {
			return Decision{}, errors.Wrapf(types.ErrEpochMismatch,
				"request %s: node %s answered epoch %d, node %s answered epoch %d",
				set.RequestID, capped[0].Node, ep, r.Node, r.Epoch)
		}
	}
	if o.expected != nil && ep != *o.expected {
		return Decision{}, errors.Wrapf(types.ErrEpochMismatch,
			"request %s: nodes answered epoch %d, requested %d", set.RequestID, ep, *o.expected)
	}
	if o.window != nil && !o.window.Contains(ep) {
		return Decision{}, errors.Wrapf(types.ErrEpochMismatch,
			"request %s: epoch %d outside window %s", set.RequestID, ep, *o.window)
	}

	return Decision{
		Quorate: true,
		Epoch:   ep,
		Set: types.ResponseSet{
			RequestID:  set.RequestID,
			Responses:  capped,
			Stragglers: stragglers,
		},
	}, nil
}
