package bus

import (
	"encoding/json"
	"testing"
	"time"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("no event within timeout")
		return Event{}
	}
}

func TestPublishSubscribe_Live(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("s1")
	defer unsub()

	b.Publish(Event{Type: CellStart, SessionID: "s1", TraceID: "t1"})
	e := recv(t, ch)
	if e.Type != CellStart || e.TraceID != "t1" {
		t.Fatalf("event = %+v", e)
	}
}

func TestSubscribe_ReplaysHistory(t *testing.T) {
	b := New()
	b.Publish(Event{Type: CascadeStart, SessionID: "s1"})
	b.Publish(Event{Type: CellStart, SessionID: "s1", Payload: json.RawMessage(`{"cell":"gather"}`)})

	ch, unsub := b.Subscribe("s1")
	defer unsub()

	if e := recv(t, ch); e.Type != CascadeStart {
		t.Fatalf("first replayed = %+v", e)
	}
	if e := recv(t, ch); e.Type != CellStart || string(e.Payload) != `{"cell":"gather"}` {
		t.Fatalf("second replayed = %+v", e)
	}

	// Live events follow the replay on the same channel.
	b.Publish(Event{Type: CellComplete, SessionID: "s1"})
	if e := recv(t, ch); e.Type != CellComplete {
		t.Fatalf("live = %+v", e)
	}
}

func TestPublish_SessionIsolation(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("s1")
	defer unsub()

	b.Publish(Event{Type: CellStart, SessionID: "s2"})
	select {
	case e := <-ch:
		t.Fatalf("crossed sessions: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("s1")
	unsub()

	b.Publish(Event{Type: CellStart, SessionID: "s1"})
	select {
	case e, ok := <-ch:
		if ok {
			t.Fatalf("event after unsubscribe: %+v", e)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClose_EndsSubscribers(t *testing.T) {
	b := New()
	ch, _ := b.Subscribe("s1")
	b.Publish(Event{Type: CascadeComplete, SessionID: "s1"})
	b.Close("s1")

	if e := recv(t, ch); e.Type != CascadeComplete {
		t.Fatalf("event = %+v", e)
	}
	if _, ok := <-ch; ok {
		t.Fatal("channel not closed")
	}

	// Publishes after Close are dropped.
	b.Publish(Event{Type: CellStart, SessionID: "s1"})

	// A late subscriber still gets the replay, then a closed channel.
	late, _ := b.Subscribe("s1")
	if e := recv(t, late); e.Type != CascadeComplete {
		t.Fatalf("late replay = %+v", e)
	}
	if _, ok := <-late; ok {
		t.Fatal("late channel not closed")
	}
}

func TestRemove_DropsBuffer(t *testing.T) {
	b := New()
	b.Publish(Event{Type: CascadeStart, SessionID: "s1"})
	b.Remove("s1")

	ch, unsub := b.Subscribe("s1")
	defer unsub()
	select {
	case e := <-ch:
		t.Fatalf("replay after remove: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublish_SlowConsumerDoesNotBlock(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("s1")
	defer unsub()

	// Flood past the channel capacity; Publish must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultBufferCap+200; i++ {
			b.Publish(Event{Type: TurnStart, SessionID: "s1"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a slow consumer")
	}
	_ = ch
}
