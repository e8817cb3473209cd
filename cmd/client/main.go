package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/matst80/wsrelay/internal/obs"
)

func main() {
	flag.Parse()
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	if cfg.Target == "" {
		obs.Error("client.config", obs.Fields{"err": "-target is required"})
		os.Exit(2)
	}
	b, err := newBridger(&cfg)
	if err != nil {
		obs.Error("client.config", obs.Fields{"err": err})
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		obs.Error("client.listen", obs.Fields{"err": err, "addr": cfg.ListenAddr})
		os.Exit(1)
	}
	obs.Info("client.start", obs.Fields{"listen": ln.Addr().String(), "relay": cfg.RelayURL, "target": cfg.Target, "tls": cfg.ForceTLS})

	bridgeCtx, cancelBridges := context.WithCancel(context.Background())
	defer cancelBridges()
	var wg sync.WaitGroup
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	serve(bridgeCtx, ln, b, &wg)

	obs.Info("client.shutdown", obs.Fields{"grace": cfg.GracePeriod.String()})
	if cfg.GracePeriod > 0 {
		done := make(chan struct{})
		go func() { wg.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(cfg.GracePeriod):
		}
	}
	cancelBridges()
	wg.Wait()
}

// serve accepts until ln is closed, bridging each connection in its own goroutine.
func serve(ctx context.Context, ln net.Listener, b *bridger, wg *sync.WaitGroup) {
	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				obs.Error("client.accept.temp", obs.Fields{"err": err})
				continue
			}
			obs.Error("client.accept", obs.Fields{"err": err})
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			remote := c.RemoteAddr().String()
			obs.Debug("bridge.open", obs.Fields{"remote": remote})
			start := time.Now()
			if err := b.bridge(ctx, c); err != nil {
				obs.Error("bridge.failed", obs.Fields{"remote": remote, "err": err})
				return
			}
			obs.Info("bridge.closed", obs.Fields{"remote": remote, "duration_ms": time.Since(start).Milliseconds()})
		}()
	}
}
