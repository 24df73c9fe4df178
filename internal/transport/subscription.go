package transport

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// Subscription receives notifications for one server-side subscription.
// Notifications that arrive while the buffer is full are dropped.
type Subscription struct {
	conn      *Conn
	namespace string
	id        string

	ch  chan json.RawMessage
	err chan error

	mu   sync.Mutex
	done bool
}

func newSubscription(c *Conn, namespace, id string) *Subscription {
	return &Subscription{
		conn:      c,
		namespace: namespace,
		id:        id,
		ch:        make(chan json.RawMessage, subscriptionBuffer),
		err:       make(chan error, 1),
	}
}

func (s *Subscription) ID() string {
	return s.id
}

func (s *Subscription) Namespace() string {
	return s.namespace
}

// C delivers notification payloads.
func (s *Subscription) C() <-chan json.RawMessage {
	return s.ch
}

// Err receives the connection failure that ended the subscription, and is
// closed after Unsubscribe.
func (s *Subscription) Err() <-chan error {
	return s.err
}

// Unsubscribe stops delivery and tells the node to drop the subscription.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	if !s.finish(nil) {
		return nil
	}
	s.conn.removeSubscription(s.id)

	var ok bool
	return s.conn.Call(ctx, &ok, s.namespace+unsubscribeSuffix, s.id)
}

func (s *Subscription) deliver(payload json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	select {
	case s.ch <- payload:
	default:
		s.conn.log.Warn("Subscription buffer full, dropping notification",
			zap.String("subscription", s.id),
		)
	}
}

func (s *Subscription) terminate(err error) {
	if err == nil {
		err = ErrConnectionLost
	}
	s.finish(err)
}

// finish marks the subscription done exactly once. A nil err closes the
// error channel; otherwise err is delivered on it.
func (s *Subscription) finish(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return false
	}
	s.done = true
	if err == nil {
		close(s.err)
	} else {
		s.err <- err
	}
	return true
}
