package http

import (
	"sync"
	"time"

	"github.com/dkeye/Consult/internal/app"
)

// SendLimiter is a sliding window limiter keyed by client.
type SendLimiter struct {
	mu       sync.Mutex
	history  map[app.ClientID][]time.Time
	limit    int
	interval time.Duration
	now      func() time.Time
}

func NewSendLimiter(limit int, interval time.Duration) *SendLimiter {
	return &SendLimiter{
		history:  make(map[app.ClientID][]time.Time),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

func (rl *SendLimiter) Allow(cid app.ClientID) bool {
	if rl == nil || rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[cid]
	fresh := make([]time.Time, 0, len(attempts)+1)
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[cid] = fresh
		return false
	}

	rl.history[cid] = append(fresh, now)
	return true
}

// Forget drops the client's history.
func (rl *SendLimiter) Forget(cid app.ClientID) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	delete(rl.history, cid)
	rl.mu.Unlock()
}
