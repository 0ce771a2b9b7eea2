package events

import (
	"encoding/json"
	"fmt"
	"testing"
)

func TestHub_PublishReachesSubscribers(t *testing.T) {
	h := NewHub(nil)
	a := h.Subscribe()
	b := h.Subscribe()
	if h.Clients() != 2 {
		t.Fatalf("clients: got %d want 2", h.Clients())
	}

	h.Publish("x")
	for _, ch := range []chan string{a, b} {
		if got := <-ch; got != "x" {
			t.Fatalf("got %q want x", got)
		}
	}

	h.Unsubscribe(a)
	h.Unsubscribe(a)
	if _, ok := <-a; ok {
		t.Fatal("unsubscribed channel should be closed")
	}
	if h.Clients() != 1 {
		t.Fatalf("clients: got %d want 1", h.Clients())
	}
}

func TestHub_ReplaysRecentInOrder(t *testing.T) {
	h := NewHub(nil)
	for i := 0; i < recentSize+5; i++ {
		h.Publish(fmt.Sprint(i))
	}
	ch := h.Subscribe()
	for i := 5; i < recentSize+5; i++ {
		if got := <-ch; got != fmt.Sprint(i) {
			t.Fatalf("replay: got %q want %d", got, i)
		}
	}
	select {
	case evt := <-ch:
		t.Fatalf("unexpected extra event %q", evt)
	default:
	}
}

func TestHub_SlowSubscriberDrops(t *testing.T) {
	h := NewHub(nil)
	_ = h.Subscribe()
	for i := 0; i < subscriberBuffer+3; i++ {
		h.Publish("e")
	}
	if h.Dropped() != 3 {
		t.Fatalf("dropped: got %d want 3", h.Dropped())
	}
}

func TestMakeEvent(t *testing.T) {
	raw := MakeEvent("req-1", TypeCheckpoint, 1, DatabaseData{Path: "/d/a.db", OK: true, Critical: true})
	var e Event
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		t.Fatal(err)
	}
	if e.Type != TypeCheckpoint || e.RequestID != "req-1" || e.At.IsZero() {
		t.Fatalf("event: %+v", e)
	}
	var d DatabaseData
	if err := json.Unmarshal(e.Data, &d); err != nil {
		t.Fatal(err)
	}
	if d.Path != "/d/a.db" || !d.OK || !d.Critical {
		t.Fatalf("data: %+v", d)
	}
}
