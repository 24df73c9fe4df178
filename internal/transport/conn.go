// Package transport implements a JSON-RPC 2.0 client over a WebSocket,
// with subscriptions and failure signalling for the reconnect engine.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mbvlabs/wsfailover/internal/reconnect"
)

const (
	defaultWriteWait        = 10 * time.Second
	defaultPongWait         = 60 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	subscriptionBuffer      = 128
)

var (
	ErrClosed         = errors.New("transport: connection closed")
	ErrConnectionLost = errors.New("transport: connection lost")
)

type Options struct {
	// Dialer overrides the default WebSocket dialer.
	Dialer *websocket.Dialer
	Header http.Header

	WriteWait time.Duration
	// PongWait is how long the connection may stay silent before it is
	// considered dead. Pings are sent every 9/10 of it.
	PongWait  time.Duration
	Heartbeat HeartbeatConfig
	Logger    *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{
			Proxy:             http.ProxyFromEnvironment,
			HandshakeTimeout:  defaultHandshakeTimeout,
			EnableCompression: true,
		}
	}
	if o.WriteWait <= 0 {
		o.WriteWait = defaultWriteWait
	}
	if o.PongWait <= 0 {
		o.PongWait = defaultPongWait
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	o.Heartbeat = o.Heartbeat.withDefaults()
	return o
}

type pendingCall struct {
	ch chan *message
	// onResult runs on the read loop before the caller is woken up.
	onResult func(json.RawMessage)
}

// Conn is a live JSON-RPC connection. It fires at most one failure signal.
type Conn struct {
	endpoint string
	ws       *websocket.Conn
	opts     Options
	log      *zap.Logger

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]*pendingCall
	subs    map[string]*Subscription
	notify  []func(reconnect.Signal)
	failure *reconnect.Signal
	closed  bool

	done     chan struct{}
	doneOnce sync.Once
}

var _ reconnect.Transport = (*Conn)(nil)

// Dial opens a WebSocket connection to endpoint and starts its read and
// keepalive loops.
func Dial(ctx context.Context, endpoint string, opts Options) (*Conn, error) {
	opts = opts.withDefaults()

	ws, resp, err := opts.Dialer.DialContext(ctx, endpoint, opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake with %s: %w (status %d)", endpoint, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", endpoint, err)
	}

	c := &Conn{
		endpoint: endpoint,
		ws:       ws,
		opts:     opts,
		log:      opts.Logger.With(zap.String("component", "transport"), zap.String("endpoint", endpoint)),
		pending:  make(map[uint64]*pendingCall),
		subs:     make(map[string]*Subscription),
		done:     make(chan struct{}),
	}

	go c.readLoop()
	go c.pingLoop()
	if opts.Heartbeat.Interval > 0 {
		go c.heartbeatLoop()
	}

	c.log.Debug("Connection established")
	return c, nil
}

func (c *Conn) Endpoint() string {
	return c.endpoint
}

// Done is closed once the connection has failed or been closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Notify registers fn for the connection's failure signal. If the
// connection already failed, fn is called immediately.
func (c *Conn) Notify(fn func(reconnect.Signal)) {
	c.mu.Lock()
	if c.failure != nil {
		sig := *c.failure
		c.mu.Unlock()
		fn(sig)
		return
	}
	c.notify = append(c.notify, fn)
	c.mu.Unlock()
}

// Call sends a request and decodes the response result into result, which
// may be nil when the caller does not need it.
func (c *Conn) Call(ctx context.Context, result any, method string, params ...any) error {
	return c.call(ctx, result, method, params, nil)
}

func (c *Conn) call(ctx context.Context, result any, method string, params []any, onResult func(json.RawMessage)) error {
	id := c.nextID.Add(1)
	call := &pendingCall{ch: make(chan *message, 1), onResult: onResult}

	c.mu.Lock()
	if err := c.unusableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.pending[id] = call
	c.mu.Unlock()

	if err := c.writeJSON(newRequest(id, method, params)); err != nil {
		c.dropPending(id)
		c.fail(reconnect.Signal{Kind: reconnect.SignalError, Err: err})
		return fmt.Errorf("write %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.dropPending(id)
		return ctx.Err()
	case <-c.done:
		return c.doneErr()
	case resp := <-call.ch:
		if resp.Error != nil {
			return resp.Error
		}
		if result == nil || len(resp.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
		return nil
	}
}

// Subscribe issues <namespace>_subscribe and routes the matching
// <namespace>_subscription notifications to the returned Subscription.
func (c *Conn) Subscribe(ctx context.Context, namespace string, args ...any) (*Subscription, error) {
	var sub *Subscription
	register := func(raw json.RawMessage) {
		var id string
		if err := json.Unmarshal(raw, &id); err != nil || id == "" {
			return
		}
		sub = newSubscription(c, namespace, id)
		c.mu.Lock()
		c.subs[id] = sub
		c.mu.Unlock()
	}

	var id string
	if err := c.call(ctx, &id, namespace+subscribeSuffix, args, register); err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, fmt.Errorf("%s%s returned invalid subscription id %q", namespace, subscribeSuffix, id)
	}
	return sub, nil
}

// Close sends a normal closure frame and tears the connection down without
// raising a failure signal.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
	err := c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	c.shutdown()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		c.log.Debug("Close frame not delivered", zap.Error(err))
	}
	return nil
}

func (c *Conn) readLoop() {
	pongWait := c.opts.PongWait
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.fail(classifyReadError(err))
			return
		}
		// Any traffic proves the peer is alive.
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.dispatch(data)
	}
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.opts.PongWait * 9 / 10)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteWait))
			c.writeMu.Unlock()
			if err != nil {
				c.fail(reconnect.Signal{Kind: reconnect.SignalError, Err: fmt.Errorf("ping: %w", err)})
				return
			}
		}
	}
}

func (c *Conn) dispatch(data []byte) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Warn("Discarding malformed message", zap.Error(err), zap.Int("message_length", len(data)))
		return
	}

	switch {
	case msg.isNotification():
		var params notificationParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			c.log.Warn("Discarding malformed notification", zap.Error(err))
			return
		}
		c.mu.Lock()
		sub := c.subs[params.Subscription]
		c.mu.Unlock()
		if sub == nil {
			c.log.Debug("Notification for unknown subscription", zap.String("subscription", params.Subscription))
			return
		}
		sub.deliver(params.Result)

	case msg.isResponse():
		id, ok := msg.id()
		if !ok {
			c.log.Warn("Discarding response with unexpected id", zap.ByteString("id", msg.ID))
			return
		}
		c.mu.Lock()
		call := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if call == nil {
			return
		}
		if call.onResult != nil && msg.Error == nil {
			call.onResult(msg.Result)
		}
		call.ch <- &msg

	default:
		c.log.Debug("Ignoring message", zap.String("method", msg.Method))
	}
}

// fail records sig as the connection's failure, shuts it down and notifies
// listeners. Only the first failure is reported; a deliberate Close reports none.
func (c *Conn) fail(sig reconnect.Signal) {
	c.mu.Lock()
	if c.failure != nil || c.closed {
		c.mu.Unlock()
		c.shutdown()
		return
	}
	c.failure = &sig
	fns := slices.Clone(c.notify)
	subs := make([]*Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	c.shutdown()

	if sig.Kind == reconnect.SignalEnd {
		c.log.Info("Connection ended", zap.Stringer("signal", sig))
	} else {
		c.log.Warn("Connection failed", zap.Stringer("signal", sig))
	}

	for _, s := range subs {
		s.terminate(sig.Err)
	}
	for _, fn := range fns {
		fn(sig)
	}
}

func (c *Conn) shutdown() {
	c.doneOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *Conn) unusableLocked() error {
	if c.closed {
		return ErrClosed
	}
	if c.failure != nil {
		return fmt.Errorf("%w: %s", ErrConnectionLost, c.failure)
	}
	return nil
}

func (c *Conn) doneErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.unusableLocked(); err != nil {
		return err
	}
	return ErrConnectionLost
}

func (c *Conn) dropPending(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) removeSubscription(id string) {
	c.mu.Lock()
	delete(c.subs, id)
	c.mu.Unlock()
}

func (c *Conn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
	return c.ws.WriteJSON(v)
}

func classifyReadError(err error) reconnect.Signal {
	// 1006 means the socket died without a close frame.
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code != websocket.CloseAbnormalClosure {
		return reconnect.Signal{Kind: reconnect.SignalEnd, Err: closeErr}
	}
	return reconnect.Signal{Kind: reconnect.SignalError, Err: err}
}
