package storage

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	logx "stillwaiting/pkg/logx"
)

func newMiniRedis(t *testing.T) (*redisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return newRedisStore(client, "", logx.Nop()), mr
}

// newLiveRedis requires a running Redis; the test is skipped otherwise.
func newLiveRedis(t *testing.T) *redisStore {
	t.Helper()
	addr := os.Getenv("STILLWAITING_TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skip("Skipping Redis integration test: redis not available")
	}
	prefix := "{stillwaiting-test-" + strconv.FormatInt(time.Now().UnixNano(), 36) + "}:"
	st := newRedisStore(client, prefix, logx.Nop())
	t.Cleanup(func() {
		keys, _ := client.Keys(context.Background(), prefix+"*").Result()
		if len(keys) > 0 {
			_ = client.Del(context.Background(), keys...).Err()
		}
		_ = client.Close()
	})
	return st
}

func checkRedisLifecycle(t *testing.T, st *redisStore) {
	t.Helper()
	ctx := context.Background()

	if _, created, err := st.SaveObligation(ctx, "m1", "c1", "u1"); err != nil || !created {
		t.Fatalf("save: created=%v err=%v", created, err)
	}
	if _, created, err := st.SaveObligation(ctx, "m1", "c1", "u1"); err != nil || created {
		t.Fatalf("duplicate: created=%v err=%v", created, err)
	}
	if _, _, err := st.SaveObligation(ctx, "m2", "c1", "u1"); err != nil {
		t.Fatal(err)
	}

	if got, err := st.ExpiredObligations(ctx, -time.Minute); err != nil || len(got) != 2 {
		t.Fatalf("expired: %d %v", len(got), err)
	}
	if got, _ := st.ExpiredObligations(ctx, time.Hour); len(got) != 0 {
		t.Fatalf("fresh obligations reported as expired: %d", len(got))
	}

	if err := st.DeleteObligation(ctx, "m1", "u1"); err != nil {
		t.Fatal(err)
	}
	if err := st.DeleteObligation(ctx, "m1", "u1"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	n, err := st.DeleteChannelObligations(ctx, "c1", "u1")
	if err != nil || n != 1 {
		t.Fatalf("channel delete: n=%d err=%v", n, err)
	}
	if ok, _ := st.ObligationExists(ctx, "m2", "u1"); ok {
		t.Fatal("m2 still present")
	}
}

func checkRedisStats(t *testing.T, st *redisStore) {
	t.Helper()
	ctx := context.Background()
	_ = st.IncrementStat(ctx, MetricMessageCount)
	_ = st.IncrementStat(ctx, MetricMessageCount)
	_ = st.SetStat(ctx, MetricUserCount, 9)
	if v, _ := st.Stat(ctx, MetricMessageCount); v != 2 {
		t.Fatalf("message_count = %d", v)
	}
	if v, _ := st.Stat(ctx, MetricUserCount); v != 9 {
		t.Fatalf("user_count = %d", v)
	}
	if v, _ := st.Stat(ctx, MetricGuildCount); v != 0 {
		t.Fatalf("guild_count = %d", v)
	}
}

func TestRedisObligationLifecycle(t *testing.T) {
	t.Parallel()
	st, _ := newMiniRedis(t)
	checkRedisLifecycle(t, st)
}

func TestRedisStats(t *testing.T) {
	t.Parallel()
	st, _ := newMiniRedis(t)
	checkRedisStats(t, st)
}

func TestRedisExpiryUsesServerClock(t *testing.T) {
	t.Parallel()
	st, mr := newMiniRedis(t)
	ctx := context.Background()
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	mr.SetTime(t0)

	o, created, err := st.SaveObligation(ctx, "m1", "c1", "u1")
	if err != nil || !created || !o.CreatedAt.Equal(t0) {
		t.Fatalf("save: %+v created=%v err=%v", o, created, err)
	}
	mr.SetTime(t0.Add(30 * time.Minute))
	if got, _ := st.ExpiredObligations(ctx, time.Hour); len(got) != 0 {
		t.Fatalf("expired after 30m: %+v", got)
	}
	mr.SetTime(t0.Add(2 * time.Hour))
	got, err := st.ExpiredObligations(ctx, time.Hour)
	if err != nil || len(got) != 1 {
		t.Fatalf("expired after 2h: %+v %v", got, err)
	}
	if got[0].MessageID != "m1" || got[0].ChannelID != "c1" || got[0].UserID != "u1" || !got[0].CreatedAt.Equal(t0) {
		t.Fatalf("obligation = %+v", got[0])
	}
}

func TestRedisDeleteClearsIndexes(t *testing.T) {
	t.Parallel()
	st, mr := newMiniRedis(t)
	ctx := context.Background()
	_, _, _ = st.SaveObligation(ctx, "m1", "c1", "u1")
	_, _, _ = st.SaveObligation(ctx, "m2", "c2", "u1")

	if err := st.DeleteObligation(ctx, "m1", "u1"); err != nil {
		t.Fatal(err)
	}
	if mr.Exists(st.obligationKey("m1", "u1")) || mr.Exists(st.owedKey("c1", "u1")) {
		t.Fatal("delete left the record or its owed index behind")
	}
	zs, _ := mr.ZMembers(st.createdKey())
	if len(zs) != 1 || zs[0] != "m2:u1" {
		t.Fatalf("created index = %v", zs)
	}
	// Other channels are untouched by a channel-scoped clear.
	if n, err := st.DeleteChannelObligations(ctx, "c1", "u1"); err != nil || n != 0 {
		t.Fatalf("clear c1: n=%d err=%v", n, err)
	}
	if ok, _ := st.ObligationExists(ctx, "m2", "u1"); !ok {
		t.Fatal("m2 removed by a clear in another channel")
	}
}

func TestRedisStaleIndexEntriesAreDropped(t *testing.T) {
	t.Parallel()
	st, mr := newMiniRedis(t)
	ctx := context.Background()
	_, _, _ = st.SaveObligation(ctx, "m1", "c1", "u1")
	_, _, _ = st.SaveObligation(ctx, "m2", "c1", "u1")
	// Records vanish without their index entries, e.g. after a manual cleanup.
	mr.Del(st.obligationKey("m1", "u1"))
	mr.Del(st.obligationKey("m2", "u1"))

	got, err := st.ExpiredObligations(ctx, -time.Minute)
	if err != nil || len(got) != 0 {
		t.Fatalf("expired: %+v %v", got, err)
	}
	if mr.Exists(st.createdKey()) {
		zs, _ := mr.ZMembers(st.createdKey())
		t.Fatalf("stale created entries kept: %v", zs)
	}

	if n, err := st.DeleteChannelObligations(ctx, "c1", "u1"); err != nil || n != 0 {
		t.Fatalf("clear: n=%d err=%v", n, err)
	}
	if mr.Exists(st.owedKey("c1", "u1")) {
		t.Fatal("stale owed entries kept")
	}
}

func TestRedisLiveServer(t *testing.T) {
	st := newLiveRedis(t)
	checkRedisLifecycle(t, st)
	checkRedisStats(t, st)
}
