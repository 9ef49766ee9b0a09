package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "stillwaiting/pkg/logx"
)

func openTestSQLite(t *testing.T) *sqlStore {
	t.Helper()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "data", "bot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st.(*sqlStore)
}

func TestSQLiteSaveIsUniquePerMessageAndUser(t *testing.T) {
	t.Parallel()
	st := openTestSQLite(t)
	ctx := context.Background()

	o, created, err := st.SaveObligation(ctx, "m1", "c1", "u1")
	if err != nil || !created {
		t.Fatalf("save: created=%v err=%v", created, err)
	}
	if time.Since(o.CreatedAt) > time.Minute || o.CreatedAt.After(time.Now().Add(time.Minute)) {
		t.Fatalf("server timestamp looks wrong: %v", o.CreatedAt)
	}
	if _, created, err := st.SaveObligation(ctx, "m1", "c2", "u1"); err != nil || created {
		t.Fatalf("duplicate: created=%v err=%v", created, err)
	}
	if _, created, err := st.SaveObligation(ctx, "m1", "c1", "u2"); err != nil || !created {
		t.Fatalf("other user: created=%v err=%v", created, err)
	}
}

func TestSQLiteDeleteIsIdempotent(t *testing.T) {
	t.Parallel()
	st := openTestSQLite(t)
	ctx := context.Background()
	_, _, _ = st.SaveObligation(ctx, "m1", "c1", "u1")

	for i := 0; i < 2; i++ {
		if err := st.DeleteObligation(ctx, "m1", "u1"); err != nil {
			t.Fatalf("delete #%d: %v", i+1, err)
		}
	}
	ok, err := st.ObligationExists(ctx, "m1", "u1")
	if err != nil || ok {
		t.Fatalf("exists after delete: %v %v", ok, err)
	}
}

func TestSQLiteExpiredAndChannelDelete(t *testing.T) {
	t.Parallel()
	st := openTestSQLite(t)
	ctx := context.Background()

	_, _, _ = st.SaveObligation(ctx, "fresh", "c1", "u1")
	if _, err := st.db.ExecContext(ctx,
		`INSERT INTO obligations(message_id, channel_id, target_user_id, created_at) VALUES(?,?,?,?)`,
		"old", "c1", "u1", time.Now().Add(-48*time.Hour).Unix()); err != nil {
		t.Fatalf("seed: %v", err)
	}

	got, err := st.ExpiredObligations(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("expired: %v", err)
	}
	if len(got) != 1 || got[0].MessageID != "old" || got[0].ChannelID != "c1" || got[0].UserID != "u1" {
		t.Fatalf("expired = %+v", got)
	}

	n, err := st.DeleteChannelObligations(ctx, "c1", "u1")
	if err != nil || n != 2 {
		t.Fatalf("channel delete: n=%d err=%v", n, err)
	}
}

func TestSQLiteStats(t *testing.T) {
	t.Parallel()
	st := openTestSQLite(t)
	ctx := context.Background()

	if v, err := st.Stat(ctx, MetricMessageCount); err != nil || v != 0 {
		t.Fatalf("empty stat: %d %v", v, err)
	}
	for i := 0; i < 3; i++ {
		if err := st.IncrementStat(ctx, MetricMessageCount); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}
	if err := st.SetStat(ctx, MetricGuildCount, 4); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := st.SetStat(ctx, MetricGuildCount, 5); err != nil {
		t.Fatalf("set: %v", err)
	}
	if v, _ := st.Stat(ctx, MetricMessageCount); v != 3 {
		t.Fatalf("message_count = %d", v)
	}
	if v, _ := st.Stat(ctx, MetricGuildCount); v != 5 {
		t.Fatalf("guild_count = %d", v)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatal("expected error")
	}
	if _, err := Open(Config{Driver: "sqlite"}, logx.Nop()); err == nil {
		t.Fatal("expected missing path error")
	}
}
