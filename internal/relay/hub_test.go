package relay

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mbvlabs/wsfailover/internal/reconnect"
)

type stubTransport string

func (s stubTransport) Endpoint() string              { return string(s) }
func (s stubTransport) Notify(func(reconnect.Signal)) {}
func (s stubTransport) Close() error                  { return nil }

func decode(t *testing.T, msg []byte) Event {
	t.Helper()
	var ev Event
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	return ev
}

func TestPublishNotifiesListeners(t *testing.T) {
	h := NewHub(nil)
	ch1 := h.Subscribe()
	ch2 := h.Subscribe()
	defer h.Unsubscribe(ch1)
	defer h.Unsubscribe(ch2)

	h.Publish(Event{Type: EventNotification, Data: json.RawMessage(`{"number":"0x1"}`)})

	for i, ch := range []chan []byte{ch1, ch2} {
		select {
		case msg := <-ch:
			ev := decode(t, msg)
			if ev.Type != EventNotification || string(ev.Data) != `{"number":"0x1"}` {
				t.Fatalf("listener %d got unexpected event %+v", i+1, ev)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("listener %d did not receive event", i+1)
		}
	}
}

func TestPublishNeverBlocksOnFullListener(t *testing.T) {
	h := NewHub(nil)
	ch := h.Subscribe()
	defer h.Unsubscribe(ch)

	done := make(chan struct{})
	go func() {
		for i := 0; i < listenerBuffer+10; i++ {
			h.Publish(Event{Type: EventNotification})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full listener")
	}
	if h.Dropped() != 10 {
		t.Fatalf("expected 10 dropped events, got %d", h.Dropped())
	}
}

func TestUnsubscribeRemovesListener(t *testing.T) {
	h := NewHub(nil)
	ch := h.Subscribe()

	if h.ListenerCount() != 1 {
		t.Fatalf("expected 1 listener, got %d", h.ListenerCount())
	}

	h.Unsubscribe(ch)
	h.Unsubscribe(ch)

	if h.ListenerCount() != 0 {
		t.Fatalf("expected 0 listeners, got %d", h.ListenerCount())
	}
	if _, open := <-ch; open {
		t.Fatal("channel should be closed after unsubscribe")
	}
}

func TestHubPublishesLifecycleEvents(t *testing.T) {
	h := NewHub(nil)
	ch := h.Subscribe()
	defer h.Unsubscribe(ch)

	h.OnDisconnect(reconnect.Signal{Kind: reconnect.SignalEnd, Err: errors.New("going away")})
	h.OnReconnect(stubTransport("wss://b.example"))

	first := decode(t, <-ch)
	if first.Type != EventDisconnect || first.Reason != "going away" {
		t.Fatalf("unexpected disconnect event: %+v", first)
	}
	second := decode(t, <-ch)
	if second.Type != EventReconnect || second.Endpoint != "wss://b.example" {
		t.Fatalf("unexpected reconnect event: %+v", second)
	}
}
