package main

import (
	"context"

	"github.com/matst80/wsrelay/internal/obs"
)

// newStateStore creates either an in-memory or Redis-backed state store based on configuration.
// The Redis store's heartbeat runs until ctx is done.
func newStateStore(ctx context.Context, redisAddr, redisPassword string, redisDB int) (StateStore, error) {
	if redisAddr == "" {
		obs.Info("state.backend", obs.Fields{"type": "in-memory"})
		return newServerState(), nil
	}
	obs.Info("state.backend", obs.Fields{"type": "redis", "addr": redisAddr})
	st, err := newRedisStateStore(redisAddr, redisPassword, redisDB)
	if err != nil {
		return nil, err
	}
	go st.startMaintenance(ctx)
	return st, nil
}
