// node/ratelimit.go
// 按 IP 的固定窗口限流中间件

package node

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"nullifier/pb"
)

// RateLimiter 记录每个 IP 在当前窗口内的请求次数
type RateLimiter struct {
	mu        sync.Mutex
	counts    map[string]int
	lastReset map[string]time.Time
	limit     int
	window    time.Duration
}

// NewRateLimiter limit <= 0 表示不限流
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Second
	}
	return &RateLimiter{
		counts:    make(map[string]int),
		lastReset: make(map[string]time.Time),
		limit:     limit,
		window:    window,
	}
}

// Allow 记一次请求，超过阈值返回 false
func (rl *RateLimiter) Allow(ip string) bool {
	if rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := time.Now()
	// 如果该 IP 不存在记录，或者上次记录的时间已经超过了窗口，则重置计数
	if last, ok := rl.lastReset[ip]; !ok || now.Sub(last) > rl.window {
		rl.counts[ip] = 0
		rl.lastReset[ip] = now
	}
	rl.counts[ip]++
	return rl.counts[ip] <= rl.limit
}

// Middleware 超限返回 429
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !rl.Allow(ip) {
			writeError(w, http.StatusTooManyRequests, &pb.ErrorResponse{Code: pb.CodeRateLimited, Message: "too many requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RunCleanup 定时清理不活跃的 IP 记录，ctx 结束时退出
func (rl *RateLimiter) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for ip, last := range rl.lastReset {
				if now.Sub(last) > 2*rl.window {
					delete(rl.lastReset, ip)
					delete(rl.counts, ip)
				}
			}
			rl.mu.Unlock()
		}
	}
}
