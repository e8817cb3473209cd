package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions         = promauto.NewGauge(prometheus.GaugeOpts{Name: "wsrelay_active_sessions", Help: "Open relay sessions"})
	SessionsTotal          = promauto.NewCounterVec(prometheus.CounterOpts{Name: "wsrelay_sessions_total", Help: "Finished relay sessions by outcome"}, []string{"outcome"})
	DialTotal              = promauto.NewCounterVec(prometheus.CounterOpts{Name: "wsrelay_dial_total", Help: "Target dial attempts by mode and result"}, []string{"mode", "result"})
	DialDurationSeconds    = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "wsrelay_dial_duration_seconds", Help: "Target dial latency", Buckets: prometheus.ExponentialBuckets(0.005, 2, 12)}, []string{"mode"})
	RelayedBytesTotal      = promauto.NewCounterVec(prometheus.CounterOpts{Name: "wsrelay_relayed_bytes_total", Help: "Payload bytes relayed by direction"}, []string{"direction"})
	SessionDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "wsrelay_session_duration_seconds", Help: "Relay session lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
	ErrorsTotal            = promauto.NewCounterVec(prometheus.CounterOpts{Name: "wsrelay_errors_total", Help: "Errors by type"}, []string{"type"})
	RateLimitedTotal       = promauto.NewCounterVec(prometheus.CounterOpts{Name: "wsrelay_rate_limited_total", Help: "Upgrades rejected by the rate limiter"}, []string{"scope"})
)
