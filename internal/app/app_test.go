package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"stillwaiting/internal/config"
	"stillwaiting/internal/storage"
	kit "stillwaiting/internal/transport"
	"stillwaiting/internal/transport/fake"
)

func newTestApp(t *testing.T, body string) (*App, *fake.Adapter, *storage.Memory) {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	ad := fake.New()
	mem := storage.NewMemory(nil)
	a, err := NewApp(p, Options{Adapter: ad, Store: mem, Registry: prometheus.NewRegistry()})
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	return a, ad, mem
}

const baseConfig = `{
  "discord": {"token": "test-token"},
  "logging": {"level": "error"},
  "notifier": {"min_interval": "1ms"},
  "storage": {"driver": "memory"},
  "health": {"enabled": false}
}`

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDispatchRecordsAndClears(t *testing.T) {
	a, ad, mem := newTestApp(t, baseConfig)
	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(stopCtx, StopAppStop)
	}()

	msg := &kit.Message{ID: "m1", ChannelID: "c1", GuildID: "g1", Author: kit.User{ID: "a"}, Mentions: []kit.User{{ID: "b"}}}
	ad.AddMessage(*msg)
	a.updates <- kit.Update{Kind: kit.UpdateMessage, Message: msg}
	waitFor(t, "obligation", func() bool { return mem.Len() == 1 })

	// Bot authors are ignored.
	a.updates <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ID: "m2", ChannelID: "c1", Author: kit.User{ID: "bot", Bot: true}, Mentions: []kit.User{{ID: "c"}}}}
	// b posts in the channel.
	a.updates <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ID: "m3", ChannelID: "c1", Author: kit.User{ID: "b"}}}
	waitFor(t, "clearance", func() bool { return mem.Len() == 0 })

	a.updates <- kit.Update{Kind: kit.UpdateGuildCount, Guilds: 4}
	waitFor(t, "guild count", func() bool {
		n, _ := mem.Stat(ctx, storage.MetricGuildCount)
		return n == 4
	})
	if n, _ := mem.Stat(ctx, storage.MetricMessageCount); n != 2 {
		t.Fatalf("message count = %d, want 2 (bot excluded)", n)
	}

	names := []string{}
	for _, s := range a.sched.Schedules() {
		names = append(names, s.Name)
	}
	if strings.Join(names, ",") != "reminder.scan,stats.user_count" {
		t.Fatalf("schedules = %v", names)
	}
}

func TestReactionUpdateClears(t *testing.T) {
	a, ad, mem := newTestApp(t, baseConfig)
	ctx := context.Background()
	ad.AddMessage(kit.Message{ID: "m1", ChannelID: "c1", Author: kit.User{ID: "a"}})
	if _, _, err := mem.SaveObligation(ctx, "m1", "c1", "b"); err != nil {
		t.Fatal(err)
	}
	a.handle(ctx, kit.Update{Kind: kit.UpdateReaction, Reaction: &kit.Reaction{MessageID: "m1", ChannelID: "c1", UserID: "b"}})
	if mem.Len() != 0 {
		t.Fatal("reaction did not clear")
	}
	// Malformed updates are ignored.
	a.handle(ctx, kit.Update{Kind: kit.UpdateMessage})
	a.handle(ctx, kit.Update{Kind: kit.UpdateReaction})
}

func TestApplyConfigUpdatesScanner(t *testing.T) {
	a, ad, mem := newTestApp(t, baseConfig)
	ctx := context.Background()

	ad.AddMessage(kit.Message{ID: "m1", ChannelID: "c1", GuildID: "g1", Author: kit.User{ID: "a"}})
	ad.AddUser(kit.User{ID: "b"})
	if _, _, err := mem.SaveObligation(ctx, "m1", "c1", "b"); err != nil {
		t.Fatal(err)
	}

	newCfg := *a.cfgm.Get()
	newCfg.Reminder = config.ReminderConfig{
		Threshold: "-1s",
		Templates: config.TemplatesConfig{Header: "ping\n", Line: "{user_mention}\n", Footer: "."},
	}
	// Invalid durations keep the previous config.
	a.applyConfig(a.cfgm.Get(), &newCfg)

	newCfg.Reminder.Threshold = "1ns"
	a.applyConfig(a.cfgm.Get(), &newCfg)
	time.Sleep(time.Millisecond)

	res, err := a.scanner.Tick(ctx)
	if err != nil || res.Reminded != 1 {
		t.Fatalf("tick res=%+v err=%v", res, err)
	}
	sent := ad.Sent()
	if len(sent) != 1 || sent[0].Text != "ping\n<@b>\n." {
		t.Fatalf("sent = %+v", sent)
	}
}

func scheduleSpecs(a *App) map[string]string {
	out := map[string]string{}
	for _, s := range a.sched.Schedules() {
		out[s.Name] = s.Spec
	}
	return out
}

func TestApplyConfigReschedulesJobs(t *testing.T) {
	a, _, _ := newTestApp(t, baseConfig)
	if err := a.scheduleJobs(nil, a.rt); err != nil {
		t.Fatal(err)
	}
	if got := scheduleSpecs(a); got[jobUserCount] != "@every 24h0m0s" || !strings.HasSuffix(got[jobReminderScan], "(aligned)") {
		t.Fatalf("initial schedules = %v", got)
	}

	newCfg := *a.cfgm.Get()
	align := false
	newCfg.Reminder.Interval = "30m"
	newCfg.Reminder.AlignToHour = &align
	newCfg.Stats.UserCountSchedule = "0 4 * * *"
	a.applyConfig(a.cfgm.Get(), &newCfg)
	got := scheduleSpecs(a)
	if got[jobReminderScan] != "@every 30m0s" || got[jobUserCount] != "0 4 * * *" {
		t.Fatalf("rescheduled = %v", got)
	}

	prev := newCfg
	newCfg.Stats.UserCountSchedule = "off"
	a.applyConfig(&prev, &newCfg)
	got = scheduleSpecs(a)
	if _, ok := got[jobUserCount]; ok || len(got) != 1 {
		t.Fatalf("after off = %v", got)
	}
}

func TestNewAppRejectsMissingToken(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(p, []byte(`{"storage":{"driver":"memory"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DISCORD_TOKEN", "")
	if _, err := NewApp(p, Options{Adapter: fake.New(), Store: storage.NewMemory(nil)}); err == nil {
		t.Fatal("expected token error")
	}
}
