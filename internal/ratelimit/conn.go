package ratelimit

import "golang.org/x/time/rate"

const (
	connEventsPerSecond = 20
	connBurst           = 40
)

// NewConnLimiter is the token bucket applied to one websocket connection's
// inbound events, typing signals included.
func NewConnLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(connEventsPerSecond), connBurst)
}
