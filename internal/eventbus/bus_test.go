package eventbus

import "testing"

func TestPublishFansOut(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(2)
	c, unsubC := b.Subscribe(2)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: ObligationCreated, Count: 3})

	for _, ch := range []<-chan Event{a, c} {
		e := <-ch
		if e.Type != ObligationCreated || e.Count != 3 || e.Time.IsZero() {
			t.Fatalf("unexpected event %+v", e)
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"}) // dropped, must not block
	if e := <-ch; e.Type != "a" {
		t.Fatalf("got %q", e.Type)
	}
	unsub()
	unsub()
	b.Publish(Event{Type: "c"}) // no subscribers, no panic
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
}
