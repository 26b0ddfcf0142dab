package srv

import (
	"sync"
	"time"
)

const (
	// burstSize is the token bucket capacity per connection.
	burstSize = 20
	// violationLimit disconnects a connection after this many rejected
	// messages in a row.
	violationLimit = 10
)

// messageCosts weights message types against the bucket. Cheap telemetry
// costs less than a full game action so a typing client is not starved.
var messageCosts = map[string]float64{
	"typingUpdate": 0.2,
	"getRooms":     0.5,
	"chatMessage":  1,
	"submitWord":   1,
	"register":     1,
	"createRoom":   2,
	"joinRoom":     2,
}

// connLimiter is a per-connection token bucket. Refill rate comes from
// the configured per-minute budget; bursts are capped at burstSize.
type connLimiter struct {
	mu         sync.Mutex
	tokens     float64
	perSecond  float64
	last       time.Time
	violations int
}

func newConnLimiter(perMinute int) *connLimiter {
	if perMinute <= 0 {
		perMinute = 120
	}
	return &connLimiter{
		tokens:    burstSize,
		perSecond: float64(perMinute) / 60,
		last:      time.Now(),
	}
}

// Allow charges the bucket for one message of the given type. The second
// return value reports whether the connection has exceeded its violation
// budget and should be dropped.
func (l *connLimiter) Allow(msgType string) (ok, kill bool) {
	cost, found := messageCosts[msgType]
	if !found {
		cost = 1
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.tokens += now.Sub(l.last).Seconds() * l.perSecond
	if l.tokens > burstSize {
		l.tokens = burstSize
	}
	l.last = now

	if l.tokens < cost {
		l.violations++
		return false, l.violations >= violationLimit
	}
	l.tokens -= cost
	l.violations = 0
	return true, false
}
