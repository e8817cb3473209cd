package main

import (
	"flag"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Config holds client runtime configuration.
type Config struct {
	RelayURL         string
	ListenAddr       string
	Target           string // host:port the relay should connect to
	ForceTLS         bool
	Insecure         bool // skip verification of a wss:// relay certificate
	HandshakeTimeout time.Duration
	GracePeriod      time.Duration
	Debug            bool
}

var cfg Config

// init loads .env and registers all client flags into the default flag set.
func init() {
	_ = godotenv.Load()
	flag.StringVar(&cfg.RelayURL, "relay", envOr("WSRELAY_URL", "ws://127.0.0.1:8080/"), "relay websocket URL (ws:// or wss://)")
	flag.StringVar(&cfg.ListenAddr, "listen", envOr("WSRELAY_CLIENT_LISTEN", "127.0.0.1:1080"), "local TCP address to accept connections on")
	flag.StringVar(&cfg.Target, "target", os.Getenv("WSRELAY_TARGET"), "host:port the relay connects each local connection to")
	flag.BoolVar(&cfg.ForceTLS, "tls", false, "ask the relay to use TLS to the target regardless of port")
	flag.BoolVar(&cfg.Insecure, "insecure", false, "do not verify the relay's TLS certificate")
	flag.DurationVar(&cfg.HandshakeTimeout, "handshake-timeout", 15*time.Second, "time allowed for upgrade plus target confirmation")
	flag.DurationVar(&cfg.GracePeriod, "grace-period", 0, "time to wait for active bridges to drain after shutdown signal (0 = immediate)")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
