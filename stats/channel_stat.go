// stats/channel_stat.go

package stats

import "fmt"

// ChannelStat 有界队列/信号量的占用情况
type ChannelStat struct {
	Name   string  `json:"name"`
	Module string  `json:"module"`
	Len    int     `json:"len"`
	Cap    int     `json:"cap"`
	Usage  float64 `json:"usage"` // len/cap
}

func NewChannelStat(name, module string, length, capacity int) ChannelStat {
	usage := 0.0
	if capacity > 0 {
		usage = float64(length) / float64(capacity)
	}
	return ChannelStat{Name: name, Module: module, Len: length, Cap: capacity, Usage: usage}
}

func (c ChannelStat) String() string {
	return fmt.Sprintf("%s/%s %d/%d (%.0f%%)", c.Module, c.Name, c.Len, c.Cap, c.Usage*100)
}
