// Package relay fans upstream notifications and failover events out to
// local WebSocket clients and reports upstream health over HTTP.
package relay

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/mbvlabs/wsfailover/internal/client"
	"github.com/mbvlabs/wsfailover/internal/reconnect"
)

const (
	EventNotification = "notification"
	EventDisconnect   = "disconnect"
	EventReconnect    = "reconnect"
	EventWelcome      = "welcome"

	listenerBuffer = 64
)

// Event is the JSON envelope written to relay clients.
type Event struct {
	Type     string          `json:"type"`
	Session  string          `json:"session,omitempty"`
	Endpoint string          `json:"endpoint,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Hub is a thread-safe pub/sub of encoded events. A listener whose buffer
// is full misses the event; the hub never blocks on a slow client.
type Hub struct {
	mu        sync.RWMutex
	listeners map[chan []byte]struct{}
	dropped   atomic.Uint64
	log       *zap.Logger
}

var _ reconnect.Listener = (*Hub)(nil)

func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		listeners: make(map[chan []byte]struct{}),
		log:       log.With(zap.String("component", "relay")),
	}
}

func (h *Hub) Subscribe() chan []byte {
	ch := make(chan []byte, listenerBuffer)
	h.mu.Lock()
	h.listeners[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.listeners[ch]; ok {
		delete(h.listeners, ch)
		close(ch)
	}
}

// Publish encodes ev once and offers it to every listener.
func (h *Hub) Publish(ev Event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		h.log.Warn("Dropping unencodable event", zap.String("type", ev.Type), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.listeners {
		select {
		case ch <- msg:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) ListenerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}

// Dropped counts events skipped because a listener was full.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

func (h *Hub) OnDisconnect(sig reconnect.Signal) {
	ev := Event{Type: EventDisconnect}
	if sig.Err != nil {
		ev.Reason = sig.Err.Error()
	}
	h.Publish(ev)
}

func (h *Hub) OnReconnect(t reconnect.Transport) {
	h.Publish(Event{Type: EventReconnect, Endpoint: t.Endpoint()})
}

// Forward publishes every payload of sub until ctx ends or sub is dropped.
func (h *Hub) Forward(ctx context.Context, sub *client.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			return
		case payload := <-sub.C():
			h.Publish(Event{Type: EventNotification, Data: payload})
		}
	}
}
