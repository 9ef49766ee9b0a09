package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryObligationLifecycle(t *testing.T) {
	t.Parallel()
	now := time.Unix(1_700_000_000, 0)
	m := NewMemory(func() time.Time { return now })
	ctx := context.Background()

	o, created, err := m.SaveObligation(ctx, "m1", "c1", "u1")
	if err != nil || !created {
		t.Fatalf("first save: created=%v err=%v", created, err)
	}
	if !o.CreatedAt.Equal(now) {
		t.Fatalf("CreatedAt = %v", o.CreatedAt)
	}
	if _, created, err := m.SaveObligation(ctx, "m1", "c1", "u1"); err != nil || created {
		t.Fatalf("duplicate save: created=%v err=%v", created, err)
	}

	ok, err := m.ObligationExists(ctx, "m1", "u1")
	if err != nil || !ok {
		t.Fatalf("exists: %v %v", ok, err)
	}

	for i := 0; i < 2; i++ {
		if err := m.DeleteObligation(ctx, "m1", "u1"); err != nil {
			t.Fatalf("delete #%d: %v", i+1, err)
		}
	}
	if ok, _ := m.ObligationExists(ctx, "m1", "u1"); ok {
		t.Fatal("obligation still present after delete")
	}
}

func TestMemoryExpiredAndChannelDelete(t *testing.T) {
	t.Parallel()
	now := time.Unix(1_700_000_000, 0)
	m := NewMemory(func() time.Time { return now })
	ctx := context.Background()

	_, _, _ = m.SaveObligation(ctx, "m1", "c1", "u1")
	_, _, _ = m.SaveObligation(ctx, "m2", "c1", "u1")
	_, _, _ = m.SaveObligation(ctx, "m3", "c2", "u1")

	if got, _ := m.ExpiredObligations(ctx, time.Hour); len(got) != 0 {
		t.Fatalf("nothing should be expired yet, got %d", len(got))
	}
	now = now.Add(2 * time.Hour)
	if got, _ := m.ExpiredObligations(ctx, time.Hour); len(got) != 3 {
		t.Fatalf("expired = %d, want 3", len(got))
	}

	n, err := m.DeleteChannelObligations(ctx, "c1", "u1")
	if err != nil || n != 2 {
		t.Fatalf("channel delete: n=%d err=%v", n, err)
	}
	if m.Len() != 1 {
		t.Fatalf("Len = %d, want 1", m.Len())
	}
}

func TestMemoryStatsAndClose(t *testing.T) {
	t.Parallel()
	m := NewMemory(nil)
	ctx := context.Background()
	_ = m.IncrementStat(ctx, MetricMessageCount)
	_ = m.IncrementStat(ctx, MetricMessageCount)
	_ = m.SetStat(ctx, MetricGuildCount, 7)
	if v, _ := m.Stat(ctx, MetricMessageCount); v != 2 {
		t.Fatalf("message_count = %d", v)
	}
	if v, _ := m.Stat(ctx, MetricGuildCount); v != 7 {
		t.Fatalf("guild_count = %d", v)
	}
	_ = m.Close()
	if _, _, err := m.SaveObligation(ctx, "m", "c", "u"); !errors.Is(err, ErrClosed) {
		t.Fatalf("save after close: %v", err)
	}
}
