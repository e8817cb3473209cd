package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matst80/wsrelay/internal/obs"
	"github.com/matst80/wsrelay/internal/relay"
	"github.com/redis/go-redis/v9"
)

const (
	redisStatsKey       = "wsrelay:stats"
	redisInstancePrefix = "wsrelay:instance:"
	redisOutcomePrefix  = "outcome:"
)

// redisStateStore keeps local session tracking in memory and aggregates totals across
// instances in a shared Redis hash. Each instance publishes its active count under its own
// key, refreshed by a heartbeat and expiring if the instance dies.
type redisStateStore struct {
	*serverState
	client     *redis.Client
	instanceID string

	statsKey       string
	instancePrefix string

	heartbeatInterval time.Duration
	keyTTL            time.Duration
	opTimeout         time.Duration

	pubMu   sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

func newRedisStateStore(addr, password string, db int) (*redisStateStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &redisStateStore{
		serverState:       newServerState(),
		client:            rdb,
		instanceID:        "wsrelay-" + uuid.NewString(),
		statsKey:          redisStatsKey,
		instancePrefix:    redisInstancePrefix,
		heartbeatInterval: 10 * time.Second,
		keyTTL:            30 * time.Second,
		opTimeout:         2 * time.Second,
	}, nil
}

var _ StateStore = (*redisStateStore)(nil)

func (r *redisStateStore) instanceKey() string { return r.instancePrefix + r.instanceID }

// SessionClosed records locally and publishes to Redis unless close has begun.
func (r *redisStateStore) SessionClosed(sum relay.Summary) {
	r.serverState.SessionClosed(sum)
	r.pubMu.Lock()
	defer r.pubMu.Unlock()
	if r.stopped {
		obs.Debug("redis.publish.skipped", obs.Fields{"id": sum.ID})
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.publish(sum)
	}()
}

func (r *redisStateStore) publish(sum relay.Summary) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opTimeout)
	defer cancel()
	pipe := r.client.TxPipeline()
	pipe.HIncrBy(ctx, r.statsKey, "sessions", 1)
	pipe.HIncrBy(ctx, r.statsKey, "bytes_up", sum.BytesUp)
	pipe.HIncrBy(ctx, r.statsKey, "bytes_down", sum.BytesDown)
	pipe.HIncrBy(ctx, r.statsKey, redisOutcomePrefix+sum.Outcome, 1)
	if _, err := pipe.Exec(ctx); err != nil {
		obs.Error("redis.publish", obs.Fields{"err": err, "id": sum.ID})
		obs.ErrorsTotal.WithLabelValues("redis").Inc()
	}
}

func (r *redisStateStore) getStats() Stats {
	st := r.serverState.getStats()
	st.Backend = "redis"
	st.Instance = r.instanceID

	ctx, cancel := context.WithTimeout(context.Background(), r.opTimeout)
	defer cancel()
	hash, err := r.client.HGetAll(ctx, r.statsKey).Result()
	if err != nil {
		obs.Error("redis.stats", obs.Fields{"err": err})
		obs.ErrorsTotal.WithLabelValues("redis").Inc()
		return st
	}
	applyStatsHash(&st, hash)

	var keys []string
	iter := r.client.Scan(ctx, 0, r.instancePrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		obs.Error("redis.scan_instances", obs.Fields{"err": err})
		return st
	}
	if len(keys) == 0 {
		return st
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		obs.Error("redis.instances", obs.Fields{"err": err})
		return st
	}
	st.Instances, st.ClusterActive = sumInstances(vals)
	return st
}

// applyStatsHash replaces the local totals in st with the cluster-wide hash.
func applyStatsHash(st *Stats, hash map[string]string) {
	if len(hash) == 0 {
		return
	}
	outcomes := make(map[string]int64)
	for field, raw := range hash {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		switch {
		case field == "sessions":
			st.TotalSessions = n
		case field == "bytes_up":
			st.BytesUp = n
		case field == "bytes_down":
			st.BytesDown = n
		case strings.HasPrefix(field, redisOutcomePrefix):
			outcomes[strings.TrimPrefix(field, redisOutcomePrefix)] = n
		}
	}
	st.Outcomes = outcomes
}

func sumInstances(vals []any) (instances, active int) {
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			continue
		}
		instances++
		active += n
	}
	return instances, active
}

// startMaintenance publishes this instance's active count until ctx is done.
func (r *redisStateStore) startMaintenance(ctx context.Context) {
	r.heartbeat()
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.heartbeat()
		}
	}
}

func (r *redisStateStore) heartbeat() {
	r.mu.Lock()
	n := len(r.active)
	r.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), r.opTimeout)
	defer cancel()
	if err := r.client.Set(ctx, r.instanceKey(), n, r.keyTTL).Err(); err != nil {
		obs.Error("redis.heartbeat", obs.Fields{"err": err, "instance": r.instanceID})
		obs.ErrorsTotal.WithLabelValues("redis").Inc()
	}
}

// stopPublishing makes later SessionClosed calls local only.
func (r *redisStateStore) stopPublishing() {
	r.pubMu.Lock()
	r.stopped = true
	r.pubMu.Unlock()
}

// close waits for pending publishes, withdraws the instance key and closes the client.
func (r *redisStateStore) close() error {
	r.stopPublishing()
	r.wg.Wait()
	ctx, cancel := context.WithTimeout(context.Background(), r.opTimeout)
	defer cancel()
	if err := r.client.Del(ctx, r.instanceKey()).Err(); err != nil {
		obs.Error("redis.instance.remove", obs.Fields{"err": err, "instance": r.instanceID})
	}
	return r.client.Close()
}
