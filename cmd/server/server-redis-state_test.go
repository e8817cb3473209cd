package main

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/matst80/wsrelay/internal/relay"
	"github.com/redis/go-redis/v9"
)

func TestRedisStoreStopsPublishingOnClose(t *testing.T) {
	// No client: a publish after stopPublishing would panic.
	r := &redisStateStore{serverState: newServerState()}
	r.SessionOpened("a", "127.0.0.1")
	r.stopPublishing()
	r.SessionClosed(relay.Summary{ID: "a", BytesUp: 3, Outcome: relay.OutcomeClientClosed})
	r.wg.Wait()

	st := r.serverState.getStats()
	if st.Active != 0 || st.TotalSessions != 1 || st.BytesUp != 3 {
		t.Errorf("local stats = %+v", st)
	}
}

// TestRedisStoreRoundTrip needs a reachable server, e.g. WSRELAY_TEST_REDIS=localhost:6379.
func TestRedisStoreRoundTrip(t *testing.T) {
	addr := os.Getenv("WSRELAY_TEST_REDIS")
	if addr == "" {
		t.Skip("WSRELAY_TEST_REDIS not set")
	}
	r, err := newRedisStateStore(addr, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	ns := "wsrelay-test:" + uuid.NewString() + ":"
	r.statsKey = ns + "stats"
	r.instancePrefix = ns + "instance:"

	admin := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = admin.Del(ctx, r.statsKey, r.instanceKey()).Err()
		_ = admin.Close()
	})

	r.SessionOpened("a", "192.0.2.1")
	r.SessionOpened("b", "192.0.2.2")
	r.heartbeat()
	r.SessionClosed(relay.Summary{ID: "a", BytesUp: 5, BytesDown: 7, Outcome: relay.OutcomeClientClosed})
	r.wg.Wait()

	st := r.getStats()
	if st.Backend != "redis" || st.Instance != r.instanceID {
		t.Errorf("backend = %q instance = %q", st.Backend, st.Instance)
	}
	if st.TotalSessions != 1 || st.BytesUp != 5 || st.BytesDown != 7 {
		t.Errorf("totals = %d/%d/%d", st.TotalSessions, st.BytesUp, st.BytesDown)
	}
	if st.Outcomes[relay.OutcomeClientClosed] != 1 {
		t.Errorf("outcomes = %v", st.Outcomes)
	}
	if st.Instances != 1 || st.ClusterActive != 2 {
		t.Errorf("instances = %d cluster active = %d", st.Instances, st.ClusterActive)
	}

	if err := r.close(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	n, err := admin.Exists(ctx, r.instanceKey()).Result()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Error("instance key survived close")
	}
}
