package mention

import (
	"context"
	"strings"
	"testing"

	"stillwaiting/internal/eventbus"
	"stillwaiting/internal/storage"
	kit "stillwaiting/internal/transport"
	"stillwaiting/internal/transport/fake"
	logx "stillwaiting/pkg/logx"
)

type replier struct{ a *fake.Adapter }

func (r replier) Reply(ctx context.Context, to kit.MessageRef, text string) error {
	_, err := r.a.Reply(ctx, to, text)
	return err
}

func users(ids ...string) []kit.User {
	out := make([]kit.User, 0, len(ids))
	for _, id := range ids {
		out = append(out, kit.User{ID: id})
	}
	return out
}

func ids(us []kit.User) string {
	parts := make([]string, 0, len(us))
	for _, u := range us {
		parts = append(parts, u.ID)
	}
	return strings.Join(parts, ",")
}

func TestTargetsDedupeAndExclusion(t *testing.T) {
	t.Parallel()
	a := fake.New()
	a.Roles["r1"] = []kit.User{{ID: "b"}, {ID: "c"}, {ID: "bot", Bot: true}, {ID: "author"}}
	ext := NewExtractor(a, replier{a}, 20, "limit {limit}", logx.Nop())

	m := kit.Message{
		ID: "m1", ChannelID: "c1", GuildID: "g1",
		Author:       kit.User{ID: "author"},
		MentionRoles: []string{"r1"},
		Mentions:     []kit.User{{ID: "c"}, {ID: "d"}, {ID: "author"}, {ID: "bot2", Bot: true}},
	}
	if got := ids(ext.Targets(context.Background(), m)); got != "b,c,d" {
		t.Fatalf("targets = %s", got)
	}
}

func TestBroadcastTagsReadTheBody(t *testing.T) {
	t.Parallel()
	a := fake.New()
	a.Members["c1"] = []kit.User{{ID: "on", Online: true}, {ID: "off"}}
	ext := NewExtractor(a, nil, 20, "", logx.Nop())

	base := kit.Message{ID: "m", ChannelID: "c1", Author: kit.User{ID: "x"}, MentionEveryone: true}

	all := base
	all.Content = "hey @everyone"
	if got := ids(ext.Targets(context.Background(), all)); got != "on,off" {
		t.Fatalf("@everyone targets = %s", got)
	}
	here := base
	here.Content = "hey @here"
	if got := ids(ext.Targets(context.Background(), here)); got != "on" {
		t.Fatalf("@here targets = %s", got)
	}
	flagOnly := base
	flagOnly.Content = "no tag text"
	if got := ext.Targets(context.Background(), flagOnly); len(got) != 0 {
		t.Fatalf("flag without tag text = %v", got)
	}
}

func TestCapResetsAndNotifiesOnce(t *testing.T) {
	t.Parallel()
	a := fake.New()
	a.Roles["big1"] = users("a1", "a2", "a3")
	a.Roles["big2"] = users("b1", "b2", "b3")
	a.Roles["small"] = users("s1")
	ext := NewExtractor(a, replier{a}, 2, "limit is {limit}", logx.Nop())

	m := kit.Message{
		ID: "m1", ChannelID: "c1", Author: kit.User{ID: "x"},
		MentionRoles: []string{"big1", "small", "big2"},
		Mentions:     users("d1"),
	}
	got := ids(ext.Targets(context.Background(), m))
	// big1 overflows and resets; small fits; big2 overflows again and resets.
	if got != "d1" {
		t.Fatalf("targets = %s", got)
	}
	sent := a.Sent()
	if len(sent) != 1 || sent[0].ReplyTo != "m1" || sent[0].Text != "limit is 2" {
		t.Fatalf("notices = %+v", sent)
	}
}

func TestDirectMentionsAreNotCapped(t *testing.T) {
	t.Parallel()
	a := fake.New()
	ext := NewExtractor(a, replier{a}, 1, "limit", logx.Nop())
	m := kit.Message{ID: "m1", ChannelID: "c1", Author: kit.User{ID: "x"}, Mentions: users("a", "b", "c")}
	if got := ids(ext.Targets(context.Background(), m)); got != "a,b,c" {
		t.Fatalf("targets = %s", got)
	}
	if len(a.Sent()) != 0 {
		t.Fatal("no notice expected")
	}
}

func TestRecorderStoresOncePerTarget(t *testing.T) {
	t.Parallel()
	a := fake.New()
	a.Roles["r1"] = users("b")
	st := storage.NewMemory(nil)
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()
	rec := NewRecorder(NewExtractor(a, nil, 20, "", logx.Nop()), st, bus, logx.Nop())

	m := kit.Message{ID: "m1", ChannelID: "c1", Author: kit.User{ID: "a"}, MentionRoles: []string{"r1"}, Mentions: users("b", "c")}
	n, err := rec.OnMessage(context.Background(), m)
	if err != nil || n != 2 {
		t.Fatalf("created=%d err=%v", n, err)
	}
	// Same message again: all duplicates.
	n, err = rec.OnMessage(context.Background(), m)
	if err != nil || n != 0 {
		t.Fatalf("second pass created=%d err=%v", n, err)
	}
	if st.Len() != 2 {
		t.Fatalf("stored = %d", st.Len())
	}
	for _, u := range []string{"b", "c"} {
		if ok, _ := st.ObligationExists(context.Background(), "m1", u); !ok {
			t.Fatalf("missing obligation for %s", u)
		}
	}
	if e := <-events; e.Type != eventbus.ObligationCreated {
		t.Fatalf("event = %+v", e)
	}

	bot := m
	bot.ID = "m2"
	bot.Author.Bot = true
	if n, _ := rec.OnMessage(context.Background(), bot); n != 0 {
		t.Fatalf("bot author created %d", n)
	}
}
