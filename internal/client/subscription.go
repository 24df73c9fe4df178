package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/mbvlabs/wsfailover/internal/transport"
)

const subscriptionBuffer = 256

// Subscription is a client-side subscription whose channel stays the same
// across upstream reconnects.
type Subscription struct {
	client    *Client
	id        uint64
	namespace string
	args      []any

	ch   chan json.RawMessage
	done chan struct{}
	once sync.Once

	mu       sync.Mutex
	upstream *transport.Subscription
}

func newSubscription(c *Client, id uint64, namespace string, args []any) *Subscription {
	return &Subscription{
		client:    c,
		id:        id,
		namespace: namespace,
		args:      args,
		ch:        make(chan json.RawMessage, subscriptionBuffer),
		done:      make(chan struct{}),
	}
}

func (s *Subscription) Namespace() string {
	return s.namespace
}

// C delivers notification payloads from whichever upstream is active.
func (s *Subscription) C() <-chan json.RawMessage {
	return s.ch
}

// Done is closed once the subscription is dropped or the client closes.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// UpstreamID is the node-assigned id on the current transport, or "" while
// no upstream subscription exists.
func (s *Subscription) UpstreamID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upstream == nil {
		return ""
	}
	return s.upstream.ID()
}

func (s *Subscription) Unsubscribe(ctx context.Context) error {
	s.client.removeSubscription(s.id)
	return s.close(ctx)
}

func (s *Subscription) close(ctx context.Context) error {
	var up *transport.Subscription
	closed := false
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		up = s.upstream
		s.upstream = nil
		s.mu.Unlock()
		closed = true
	})
	if !closed || up == nil {
		return nil
	}
	// The upstream may belong to a transport that already went away.
	err := up.Unsubscribe(ctx)
	if errors.Is(err, transport.ErrConnectionLost) || errors.Is(err, transport.ErrClosed) {
		return nil
	}
	return err
}

// attach starts forwarding from up, replacing any previous upstream. With
// first set an existing upstream is kept. A rejected up is unsubscribed.
func (s *Subscription) attach(up *transport.Subscription, first bool) bool {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		drop(up)
		return false
	default:
	}
	if first && s.upstream != nil {
		s.mu.Unlock()
		drop(up)
		return false
	}
	s.upstream = up
	s.mu.Unlock()

	go s.forward(up)
	return true
}

func drop(up *transport.Subscription) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = up.Unsubscribe(ctx)
}

func (s *Subscription) forward(up *transport.Subscription) {
	for {
		select {
		case <-s.done:
			return
		case <-up.Err():
			return
		case payload := <-up.C():
			select {
			case s.ch <- payload:
			case <-s.done:
				return
			}
		}
	}
}
