// epoch/window.go
// EpochWindow：每个 KeyID 只允许 {current, previous} 两代份额同时有效

package epoch

import (
	"fmt"

	"nullifier/types"
)

// Window 两槽窗口
type Window struct {
	Current     types.Epoch
	Previous    types.Epoch
	HasPrevious bool
}

// Genesis 密钥生成后的初始窗口：Active(0, None)
func Genesis() Window {
	return Window{Current: 0}
}

// Contains epoch == current || Some(epoch) == previous
func (w Window) Contains(e types.Epoch) bool {
	return e == w.Current || (w.HasPrevious && e == w.Previous)
}

// Rotate reshare 完成后的窗口；旧的 previous 被丢弃
func (w Window) Rotate() Window {
	return Window{
		Current:     w.Current.Next(),
		Previous:    w.Current,
		HasPrevious: true,
	}
}

// Discarded 从 w 转到 next 时失效的 epoch
func (w Window) Discarded(next Window) []types.Epoch {
	var out []types.Epoch
	if w.HasPrevious && !next.Contains(w.Previous) {
		out = append(out, w.Previous)
	}
	if !next.Contains(w.Current) {
		out = append(out, w.Current)
	}
	return out
}

// Newer w 是否比 other 更新
func (w Window) Newer(other Window) bool {
	return w.Current > other.Current
}

func (w Window) String() string {
	if w.HasPrevious {
		return fmt.Sprintf("{current=%d previous=%d}", w.Current, w.Previous)
	}
	return fmt.Sprintf("{current=%d previous=none}", w.Current)
}
