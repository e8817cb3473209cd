package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Scope names the limit that rejected a connection.
type Scope string

const (
	ScopeNone   Scope = ""
	ScopeGlobal Scope = "global"
	ScopeClient Scope = "client"
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies a global and a per-client connection rate. A zero rate disables
// the corresponding limit.
type RateLimiter struct {
	mu        sync.Mutex
	global    *rate.Limiter
	clients   map[string]*clientLimiter
	perClient rate.Limit
	burst     int
	now       func() time.Time
}

// NewRateLimiter creates a limiter allowing globalPerSec connections per second overall
// and perClientPerSec per client, each with the given burst.
func NewRateLimiter(globalPerSec, perClientPerSec float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	rl := &RateLimiter{
		clients:   make(map[string]*clientLimiter),
		perClient: rate.Limit(perClientPerSec),
		burst:     burst,
		now:       time.Now,
	}
	if globalPerSec > 0 {
		rl.global = rate.NewLimiter(rate.Limit(globalPerSec), burst)
	}
	return rl
}

// AllowConnection reports whether client may open a connection now. When it may not,
// the returned scope says which limit was hit.
func (rl *RateLimiter) AllowConnection(client string) (bool, Scope) {
	if rl == nil {
		return true, ScopeNone
	}
	now := rl.now()
	if rl.perClient > 0 {
		rl.mu.Lock()
		cl, ok := rl.clients[client]
		if !ok {
			cl = &clientLimiter{limiter: rate.NewLimiter(rl.perClient, rl.burst)}
			rl.clients[client] = cl
		}
		cl.lastSeen = now
		allowed := cl.limiter.AllowN(now, 1)
		rl.mu.Unlock()
		if !allowed {
			return false, ScopeClient
		}
	}
	if rl.global != nil && !rl.global.AllowN(now, 1) {
		return false, ScopeGlobal
	}
	return true, ScopeNone
}

// Sweep drops per-client limiters not used for idle and returns how many were removed.
func (rl *RateLimiter) Sweep(idle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-idle)
	removed := 0
	for client, cl := range rl.clients {
		if cl.lastSeen.Before(cutoff) {
			delete(rl.clients, client)
			removed++
		}
	}
	return removed
}

// Clients returns the number of tracked per-client limiters.
func (rl *RateLimiter) Clients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// RunSweeper calls Sweep every interval until ctx is done.
func (rl *RateLimiter) RunSweeper(ctx context.Context, interval, idle time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			rl.Sweep(idle)
		}
	}
}
