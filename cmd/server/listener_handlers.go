package main

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/matst80/wsrelay/internal/obs"
	"github.com/matst80/wsrelay/internal/ratelimit"
	"github.com/matst80/wsrelay/internal/relay"
)

// relayHandler upgrades requests to websocket channels and runs one relay session per
// channel. Sessions run under baseCtx so shutdown cancels them all.
type relayHandler struct {
	baseCtx    context.Context
	upgrader   websocket.Upgrader
	dialer     relay.TargetDialer
	session    relay.Config
	channel    relay.WSOptions
	limiter    *ratelimit.RateLimiter
	state      StateStore
	trustProxy bool

	mu       sync.Mutex
	stopped  bool
	sessions sync.WaitGroup
}

func newRelayHandler(baseCtx context.Context, c *Config, d relay.TargetDialer, rl *ratelimit.RateLimiter, state StateStore) *relayHandler {
	return &relayHandler{
		baseCtx: baseCtx,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 << 10,
			WriteBufferSize: 32 << 10,
			// Browser clients from any origin may use the relay.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		dialer: d,
		session: relay.Config{
			MaxPendingBytes:    c.MaxPendingBytes,
			TargetWriteTimeout: c.TargetWriteTimeout,
		},
		channel: relay.WSOptions{
			WriteTimeout:   c.WriteTimeout,
			IdleTimeout:    c.WSIdle,
			MaxMessageSize: c.MaxMessageSize,
		},
		limiter:    rl,
		state:      state,
		trustProxy: c.TrustProxy,
	}
}

func (h *relayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.state.isClosing() {
		http.Error(w, "relay shutting down", http.StatusServiceUnavailable)
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("wsrelay: websocket endpoint\n"))
		return
	}
	ip := clientIP(r, h.trustProxy)
	if ok, scope := h.limiter.AllowConnection(ip); !ok {
		obs.RateLimitedTotal.WithLabelValues(string(scope)).Inc()
		obs.Warn("upgrade.rate_limited", obs.Fields{"remote": ip, "scope": scope})
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}
	// Count the session before upgrading so wait cannot miss it.
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		http.Error(w, "relay shutting down", http.StatusServiceUnavailable)
		return
	}
	h.sessions.Add(1)
	h.mu.Unlock()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.sessions.Done()
		// Upgrade already replied with an HTTP error.
		obs.Error("upgrade.failed", obs.Fields{"remote": r.RemoteAddr, "err": err})
		obs.ErrorsTotal.WithLabelValues("upgrade").Inc()
		return
	}
	ch := relay.NewWSChannel(conn, h.channel)
	sess := relay.NewSession(uuid.NewString(), ip, ch, h.dialer, h.session, h.state)

	go func() {
		defer h.sessions.Done()
		_ = sess.Run(h.baseCtx)
	}()
}

// wait refuses further upgrades and blocks until every session started by h has finished.
func (h *relayHandler) wait() {
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
	h.sessions.Wait()
}

// clientIP returns the address used for rate limiting and logging.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
