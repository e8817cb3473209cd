package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matst80/wsrelay/internal/dialer"
	"github.com/matst80/wsrelay/internal/obs"
	"github.com/matst80/wsrelay/internal/ratelimit"
	"golang.org/x/crypto/acme/autocert"
)

func main() {
	flag.Parse()
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	if err := run(&cfg); err != nil {
		obs.Error("server.exit", obs.Fields{"err": err})
		os.Exit(1)
	}
}

func run(c *Config) error {
	obs.Info("server.start", obs.Fields{"listen": c.ListenAddr, "path": c.Path, "metrics": c.MetricsAddr})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	state, err := newStateStore(ctx, c.RedisAddr, c.RedisPassword, c.RedisDB)
	if err != nil {
		return err
	}
	defer func() {
		if err := state.close(); err != nil {
			obs.Error("state.close", obs.Fields{"err": err})
		}
	}()

	d, err := newTargetDialer(c)
	if err != nil {
		return err
	}
	rl := newRateLimiter(c)
	if rl != nil {
		go rl.RunSweeper(ctx, time.Minute, 10*time.Minute)
	}

	// Sessions outlive the signal context so the listener can stop first.
	sessCtx, cancelSessions := context.WithCancel(context.Background())
	defer cancelSessions()
	handler := newRelayHandler(sessCtx, c, d, rl, state)

	mux := http.NewServeMux()
	mux.Handle(c.Path, handler)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	ln, err := net.Listen("tcp", c.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", c.ListenAddr, err)
	}
	tlsConf, err := listenerTLS(c)
	if err != nil {
		_ = ln.Close()
		return err
	}
	if tlsConf != nil {
		ln = tls.NewListener(ln, tlsConf)
	}

	if c.MetricsAddr != "" {
		go startMetricsServer(ctx, c.MetricsAddr, state)
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	state.setReady(true)
	obs.Info("server.ready", obs.Fields{"addr": ln.Addr().String(), "tls": tlsConf != nil})

	var runErr error
	select {
	case <-ctx.Done():
		obs.Info("server.shutdown.signal", obs.Fields{})
	case runErr = <-serveErr:
		obs.Error("server.serve", obs.Fields{"err": runErr})
	}
	state.setClosing(true)
	state.setReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		obs.Error("server.shutdown", obs.Fields{"err": err})
	}
	cancelSessions()
	drained := make(chan struct{})
	go func() { handler.wait(); close(drained) }()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		obs.Warn("server.shutdown.sessions_abandoned", obs.Fields{"timeout": c.ShutdownTimeout.String()})
	}
	obs.Info("server.shutdown.complete", obs.Fields{})
	return runErr
}

func newTargetDialer(c *Config) (*dialer.Dialer, error) {
	policy := dialer.TLSPolicy{InsecureSkipVerify: c.InsecureSkipVerify}
	if c.TargetCAFile != "" {
		pool, err := dialer.LoadRootCAs(c.TargetCAFile)
		if err != nil {
			return nil, err
		}
		policy.RootCAs = pool
	}
	if c.InsecureSkipVerify {
		obs.Warn("dialer.tls.insecure", obs.Fields{})
	}
	return dialer.New(dialer.Options{
		Timeout:       c.DialTimeout,
		ResolveIPv4:   c.ResolveIPv4,
		UpstreamSOCKS: c.UpstreamSOCKS,
		TLS:           policy,
	})
}

func newRateLimiter(c *Config) *ratelimit.RateLimiter {
	if c.RateGlobal <= 0 && c.RatePerIP <= 0 {
		return nil
	}
	obs.Info("ratelimit.enabled", obs.Fields{"global": c.RateGlobal, "per_ip": c.RatePerIP, "burst": c.RateBurst})
	return ratelimit.NewRateLimiter(c.RateGlobal, c.RatePerIP, c.RateBurst)
}

// listenerTLS returns nil when the listener should serve plain HTTP.
func listenerTLS(c *Config) (*tls.Config, error) {
	switch {
	case c.ACMEHost != "":
		m := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(c.ACMEHost),
			Cache:      autocert.DirCache(c.ACMECache),
		}
		obs.Info("tls.acme", obs.Fields{"host": c.ACMEHost, "cache": c.ACMECache})
		return m.TLSConfig(), nil
	case c.TLSCertFile != "" || c.TLSKeyFile != "":
		cert, err := tls.LoadX509KeyPair(c.TLSCertFile, c.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load listener certificate: %w", err)
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
	}
	return nil, nil
}
