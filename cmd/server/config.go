package main

import (
	"flag"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration. Defaults come from the environment (optionally
// loaded from .env) and flags override them.
type Config struct {
	ListenAddr      string
	Path            string
	MetricsAddr     string
	Debug           bool
	ShutdownTimeout time.Duration
	TrustProxy      bool

	// listener TLS
	TLSCertFile string
	TLSKeyFile  string
	ACMEHost    string
	ACMECache   string

	// websocket channel
	MaxMessageSize int64
	WSIdle         time.Duration
	WriteTimeout   time.Duration

	// target side
	DialTimeout        time.Duration
	TargetWriteTimeout time.Duration
	MaxPendingBytes    int
	ResolveIPv4        bool
	UpstreamSOCKS      string
	InsecureSkipVerify bool
	TargetCAFile       string

	// upgrade rate limits, 0 disables
	RateGlobal float64
	RatePerIP  float64
	RateBurst  int

	// shared statistics
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

var cfg Config

// init loads .env and registers flags. main() parses.
func init() {
	_ = godotenv.Load()

	flag.StringVar(&cfg.ListenAddr, "listen", envString("WSRELAY_LISTEN", ":"+envString("PORT", "8080")), "relay listen address (defaults to :$PORT)")
	flag.StringVar(&cfg.Path, "path", envString("WSRELAY_PATH", "/"), "HTTP path accepting websocket upgrades")
	flag.StringVar(&cfg.MetricsAddr, "metrics", envString("WSRELAY_METRICS", ":9100"), "metrics and health listen address (empty disables)")
	flag.BoolVar(&cfg.Debug, "debug", envBool("WSRELAY_DEBUG", false), "enable debug logs")
	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", envDuration("WSRELAY_SHUTDOWN_TIMEOUT", 10*time.Second), "time allowed for sessions to close on shutdown")
	flag.BoolVar(&cfg.TrustProxy, "trust-proxy", envBool("WSRELAY_TRUST_PROXY", false), "take the client IP from X-Forwarded-For when rate limiting")

	flag.StringVar(&cfg.TLSCertFile, "tls-cert", envString("WSRELAY_TLS_CERT", ""), "TLS certificate file for the listener")
	flag.StringVar(&cfg.TLSKeyFile, "tls-key", envString("WSRELAY_TLS_KEY", ""), "TLS private key file for the listener")
	flag.StringVar(&cfg.ACMEHost, "acme-host", envString("WSRELAY_ACME_HOST", ""), "obtain a Let's Encrypt certificate for this host")
	flag.StringVar(&cfg.ACMECache, "acme-cache", envString("WSRELAY_ACME_CACHE", "acme-cache"), "directory caching ACME certificates")

	flag.Int64Var(&cfg.MaxMessageSize, "max-message-size", int64(envInt("WSRELAY_MAX_MESSAGE_SIZE", 1<<20)), "maximum inbound websocket message bytes")
	flag.DurationVar(&cfg.WSIdle, "ws-idle", envDuration("WSRELAY_WS_IDLE", 60*time.Second), "close channels silent for this long, pings at half (0 disables)")
	flag.DurationVar(&cfg.WriteTimeout, "write-timeout", envDuration("WSRELAY_WRITE_TIMEOUT", 10*time.Second), "websocket frame write timeout")

	flag.DurationVar(&cfg.DialTimeout, "dial-timeout", envDuration("WSRELAY_DIAL_TIMEOUT", 10*time.Second), "target connect and TLS handshake timeout")
	flag.DurationVar(&cfg.TargetWriteTimeout, "target-write-timeout", envDuration("WSRELAY_TARGET_WRITE_TIMEOUT", 30*time.Second), "single target write timeout (negative disables)")
	flag.IntVar(&cfg.MaxPendingBytes, "max-pending", envInt("WSRELAY_MAX_PENDING", 4<<20), "payload bytes buffered before the target connects")
	flag.BoolVar(&cfg.ResolveIPv4, "resolve-ipv4", envBool("WSRELAY_RESOLVE_IPV4", false), "resolve target hosts to IPv4 before dialing")
	flag.StringVar(&cfg.UpstreamSOCKS, "upstream-socks", envString("WSRELAY_UPSTREAM_SOCKS", ""), "dial targets through this SOCKS5 proxy (host:port)")
	flag.BoolVar(&cfg.InsecureSkipVerify, "insecure-skip-verify", envBool("WSRELAY_INSECURE_SKIP_VERIFY", false), "do not verify target TLS certificates")
	flag.StringVar(&cfg.TargetCAFile, "target-ca-file", envString("WSRELAY_TARGET_CA_FILE", ""), "PEM roots for verifying target certificates")

	flag.Float64Var(&cfg.RateGlobal, "rate-global", envFloat("WSRELAY_RATE_GLOBAL", 0), "upgrades per second across all clients")
	flag.Float64Var(&cfg.RatePerIP, "rate-per-ip", envFloat("WSRELAY_RATE_PER_IP", 0), "upgrades per second per client IP")
	flag.IntVar(&cfg.RateBurst, "rate-burst", envInt("WSRELAY_RATE_BURST", 10), "rate limiter burst size")

	flag.StringVar(&cfg.RedisAddr, "redis-addr", envString("WSRELAY_REDIS_ADDR", ""), "Redis address for shared statistics (empty = in-memory)")
	flag.StringVar(&cfg.RedisPassword, "redis-password", envString("WSRELAY_REDIS_PASSWORD", ""), "Redis password")
	flag.IntVar(&cfg.RedisDB, "redis-db", envInt("WSRELAY_REDIS_DB", 0), "Redis database number")
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if f, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return f
	}
	return def
}

func envBool(key string, def bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return def
}
