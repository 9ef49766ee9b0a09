package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "test"))
	log.Info("hello", Int("n", 3), Err(errors.New("boom")))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("not json: %q", buf.String())
	}
	if m["message"] != "hello" || m["comp"] != "test" || m["n"] != float64(3) || m["err"] != "boom" {
		t.Fatalf("fields = %v", m)
	}
	if c, _ := m["caller"].(string); !strings.HasPrefix(c, "logging_test.go:") {
		t.Fatalf("caller = %v", m["caller"])
	}
}

func TestZeroAndNopLoggersAreSafe(t *testing.T) {
	t.Parallel()
	var zero Logger
	if !zero.IsZero() || Nop().IsZero() {
		t.Fatal("IsZero mismatch")
	}
	zero.Error("dropped")
	Nop().With(String("k", "v")).Warn("dropped")
}

type chatSink struct {
	mu    sync.Mutex
	lines []string
	chans []string
}

func (c *chatSink) SendText(_ context.Context, channelID, text string) error {
	c.mu.Lock()
	c.lines = append(c.lines, text)
	c.chans = append(c.chans, channelID)
	c.mu.Unlock()
	return nil
}

func (c *chatSink) snapshot() ([]string, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...), append([]string(nil), c.chans...)
}

func TestChatSinkForwardsAboveMinLevel(t *testing.T) {
	svc, log := New(Config{
		Level: "debug",
		File:  FileConfig{},
		Chat:  ChatConfig{Enabled: true, ChannelID: "logs", MinLevel: "warn", RatePerSec: 10},
	})
	defer svc.Close()
	sink := &chatSink{}
	svc.SetSender(sink)

	log.Info("quiet")
	log.Warn("loud", String("user_id", "42"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if lines, _ := sink.snapshot(); len(lines) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	lines, chans := sink.snapshot()
	if len(lines) != 1 || chans[0] != "logs" {
		t.Fatalf("lines = %q", lines)
	}
	if !strings.HasPrefix(lines[0], "**[WARN]** loud") || !strings.Contains(lines[0], "user_id=42") {
		t.Fatalf("line = %q", lines[0])
	}
}

func TestFormatChatJSONTruncates(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("x", 5000)
	got := formatChatJSON([]byte(`{"level":"error","message":"` + long + `"}`))
	if len(got) > 1900 || !strings.HasSuffix(got, "...") {
		t.Fatalf("len=%d", len(got))
	}
	if got := formatChatJSON([]byte("not json")); got != "not json" {
		t.Fatalf("raw = %q", got)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	if parseLevel("warning", LevelDebug) != LevelWarn || parseLevel("bogus", LevelInfo) != LevelInfo {
		t.Fatal("parseLevel mismatch")
	}
}
