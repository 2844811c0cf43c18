package channels

import (
	"sync"

	"golang.org/x/time/rate"
)

// maxTrackedKeys caps the number of tracked per-jid limiters so a channel
// with many distinct chats can't grow this map without bound.
const maxTrackedKeys = 4096

// defaultOutboundRPS and defaultOutboundBurst bound how fast sendMessage
// may be called for a given jid; the Manager holds one SendLimiter and
// checks it before routing every send, protecting adapters (and the
// remote API) from a runaway agent that streams many short messages.
const (
	defaultOutboundRPS   = 1
	defaultOutboundBurst = 3
)

// SendLimiter is a per-jid token bucket built on golang.org/x/time/rate,
// bounded to maxTrackedKeys distinct jids.
type SendLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewSendLimiter creates a SendLimiter using the package default rate/burst.
func NewSendLimiter() *SendLimiter {
	return &SendLimiter{limiters: make(map[string]*rate.Limiter)}
}

// Allow reports whether a send to jid is permitted right now, consuming a
// token if so.
func (s *SendLimiter) Allow(jid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	lim, ok := s.limiters[jid]
	if !ok {
		if len(s.limiters) >= maxTrackedKeys {
			for k := range s.limiters {
				delete(s.limiters, k)
				break
			}
		}
		lim = rate.NewLimiter(rate.Limit(defaultOutboundRPS), defaultOutboundBurst)
		s.limiters[jid] = lim
	}
	return lim.Allow()
}
