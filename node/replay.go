// node/replay.go
// RequestID 防重放：同一 RequestID 只能绑定一个请求内容

package node

import (
	"bytes"
	"crypto/sha256"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"nullifier/types"
)

// replayShards 分片数，降低 init 高并发时的锁竞争
const replayShards = 16

type seenRequest struct {
	at          time.Time
	fingerprint [32]byte
}

type replayShard struct {
	mu   sync.Mutex
	seen map[types.RequestID]seenRequest
}

// ReplayGuard 记录 TTL 内见过的 RequestID 及其请求指纹，按 RequestID 的 murmur3 哈希分片
type ReplayGuard struct {
	shards  [replayShards]replayShard
	ttl     time.Duration
	maxSize int // 每个分片的上限
	now     func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewReplayGuard 创建防重放检查器并启动清理 goroutine（调用 Stop 结束）
func NewReplayGuard(ttl time.Duration, maxSize int) *ReplayGuard {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if maxSize <= 0 {
		maxSize = 1 << 16
	}
	perShard := maxSize / replayShards
	if perShard < 1 {
		perShard = 1
	}
	g := &ReplayGuard{
		ttl:     ttl,
		maxSize: perShard,
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for i := range g.shards {
		g.shards[i].seen = make(map[types.RequestID]seenRequest)
	}
	go g.cleanupLoop()
	return g
}

// Fingerprint 请求内容摘要
func Fingerprint(parts ...[]byte) [32]byte {
	h := sha256.New()
	for _, p := range parts {
		var l [4]byte
		l[0], l[1], l[2], l[3] = byte(len(p)>>24), byte(len(p)>>16), byte(len(p)>>8), byte(len(p))
		h.Write(l[:])
		h.Write(p)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Check 返回 (first, ok)：
//   - first=true 首次见到该 RequestID
//   - first=false, ok=true 同一请求的重复投递（幂等）
//   - ok=false RequestID 被复用于不同内容
func (g *ReplayGuard) Check(id types.RequestID, fp [32]byte) (first bool, ok bool) {
	sh := g.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := g.now()
	if s, exists := sh.seen[id]; exists && now.Sub(s.at) <= g.ttl {
		return false, bytes.Equal(s.fingerprint[:], fp[:])
	}
	// 超过最大容量时，清理最旧的条目
	if len(sh.seen) >= g.maxSize {
		sh.evictOldest()
	}
	sh.seen[id] = seenRequest{at: now, fingerprint: fp}
	return true, true
}

// Forget 请求初始化失败时释放 RequestID
func (g *ReplayGuard) Forget(id types.RequestID) {
	sh := g.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.seen, id)
}

func (g *ReplayGuard) shard(id types.RequestID) *replayShard {
	return &g.shards[murmur3.Sum32(id.Bytes())%replayShards]
}

func (sh *replayShard) evictOldest() {
	var oldestKey types.RequestID
	var oldestTime time.Time
	found := false
	for k, s := range sh.seen {
		if !found || s.at.Before(oldestTime) {
			oldestKey, oldestTime, found = k, s.at, true
		}
	}
	if found {
		delete(sh.seen, oldestKey)
	}
}

func (g *ReplayGuard) cleanupLoop() {
	defer close(g.done)
	ticker := time.NewTicker(g.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			g.cleanup()
		}
	}
}

func (g *ReplayGuard) cleanup() {
	now := g.now()
	for i := range g.shards {
		sh := &g.shards[i]
		sh.mu.Lock()
		for k, s := range sh.seen {
			if now.Sub(s.at) > g.ttl {
				delete(sh.seen, k)
			}
		}
		sh.mu.Unlock()
	}
}

// Size 当前跟踪的条目数
func (g *ReplayGuard) Size() int {
	n := 0
	for i := range g.shards {
		sh := &g.shards[i]
		sh.mu.Lock()
		n += len(sh.seen)
		sh.mu.Unlock()
	}
	return n
}

// Stop 结束清理 goroutine
func (g *ReplayGuard) Stop() {
	g.stopOnce.Do(func() { close(g.stop) })
	<-g.done
}
