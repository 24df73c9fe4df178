// Package client owns the upstream connection: it connects, hands the
// transport to a reconnect engine and swaps in the replacement on every
// successful recovery.
package client

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mbvlabs/wsfailover/internal/reconnect"
	"github.com/mbvlabs/wsfailover/internal/transport"
)

var (
	// ErrNotConnected is returned while no upstream transport is active.
	// Calls are not queued across an outage.
	ErrNotConnected        = errors.New("client: not connected")
	ErrClosed              = errors.New("client: closed")
	ErrAlreadyStarted      = errors.New("client: already started")
	ErrNoEndpointReachable = errors.New("client: no endpoint reachable")
)

const resubscribeTimeout = 10 * time.Second

// Conn is the transport surface the client drives. *transport.Conn
// satisfies it.
type Conn interface {
	reconnect.Transport
	Call(ctx context.Context, result any, method string, params ...any) error
	Subscribe(ctx context.Context, namespace string, args ...any) (*transport.Subscription, error)
}

var _ Conn = (*transport.Conn)(nil)

type Config struct {
	Endpoints    []string
	MaxAttempts  int
	BaseDelay    time.Duration
	CoolDown     time.Duration
	ProbeTimeout time.Duration
	Probe        reconnect.Probe
	Logger       *zap.Logger
}

type Client struct {
	cfg    Config
	engine *reconnect.Engine
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	conn     Conn
	last     string
	started  bool
	closed   bool
	subs     map[uint64]*Subscription
	nextSub  uint64
	detachFn func()
}

// New builds a client. opts are passed to the underlying engine.
func New(cfg Config, opts ...reconnect.Option) *Client {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = reconnect.DefaultProbeTimeout
	}
	cfg.Endpoints = slices.Clone(cfg.Endpoints)

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:    cfg,
		engine: reconnect.New(cfg.MaxAttempts, opts...),
		log:    cfg.Logger.With(zap.String("component", "client")),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[uint64]*Subscription),
	}
	// Registered first so the swap happens before user listeners run.
	c.detachFn = c.engine.Subscribe(reconnect.ListenerFuncs{
		Disconnect: c.onDisconnect,
		Reconnect:  c.onReconnect,
	})
	return c
}

// Start connects to the first endpoint that passes the probe, walking the
// list once, and arms the reconnect engine with it.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.started:
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	endpoints := slices.Clone(c.cfg.Endpoints)
	c.mu.Unlock()

	if len(endpoints) == 0 {
		return reconnect.ErrNoEndpoints
	}
	if c.cfg.Probe == nil {
		return reconnect.ErrNoProbe
	}

	var errs error
	for _, endpoint := range endpoints {
		conn, err := c.dial(ctx, endpoint)
		if err != nil {
			c.log.Warn("Initial connection failed", zap.String("endpoint", endpoint), zap.Error(err))
			errs = multierr.Append(errs, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.last = endpoint
		c.mu.Unlock()

		if err := c.engine.Setup(c.engineConfig(endpoints), conn); err != nil {
			return multierr.Append(err, conn.Close())
		}
		c.log.Info("Connected", zap.String("endpoint", endpoint))
		return nil
	}

	return fmt.Errorf("%w: %w", ErrNoEndpointReachable, errs)
}

func (c *Client) dial(ctx context.Context, endpoint string) (Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()

	t, err := c.cfg.Probe.Probe(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	conn, ok := t.(Conn)
	if !ok {
		_ = t.Close()
		return nil, fmt.Errorf("probe for %s returned unsupported transport %T", endpoint, t)
	}
	return conn, nil
}

func (c *Client) engineConfig(endpoints []string) reconnect.Config {
	return reconnect.Config{
		MaxAttempts:  c.cfg.MaxAttempts,
		Endpoints:    endpoints,
		BaseDelay:    c.cfg.BaseDelay,
		CoolDown:     c.cfg.CoolDown,
		ProbeTimeout: c.cfg.ProbeTimeout,
		Probe:        c.cfg.Probe,
		Logger:       c.cfg.Logger,
	}
}

// Call invokes method on the active transport.
func (c *Client) Call(ctx context.Context, result any, method string, params ...any) error {
	conn, err := c.active()
	if err != nil {
		return err
	}
	return conn.Call(ctx, result, method, params...)
}

// Subscribe opens a subscription that survives reconnects: it is re-issued
// on every replacement transport and keeps delivering on the same channel.
func (c *Client) Subscribe(ctx context.Context, namespace string, args ...any) (*Subscription, error) {
	// Registered before the upstream call so a reconnect in between re-issues it.
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return nil, ErrClosed
	case c.conn == nil:
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	conn := c.conn
	c.nextSub++
	s := newSubscription(c, c.nextSub, namespace, args)
	c.subs[s.id] = s
	c.mu.Unlock()

	up, err := conn.Subscribe(ctx, namespace, args...)
	if err != nil {
		c.removeSubscription(s.id)
		return nil, multierr.Append(err, s.close(ctx))
	}
	if !s.attach(up, true) {
		select {
		case <-s.done:
			return nil, ErrClosed
		default:
		}
	}
	return s, nil
}

// Events registers l for disconnect and reconnect events.
func (c *Client) Events(l reconnect.Listener) (unsubscribe func()) {
	return c.engine.Subscribe(l)
}

// SetEndpoints replaces the rotation list. An exhausted client starts over
// against the new list.
func (c *Client) SetEndpoints(endpoints []string) error {
	if len(endpoints) == 0 {
		return reconnect.ErrNoEndpoints
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.cfg.Endpoints = slices.Clone(endpoints)
	started := c.started
	connected := c.conn != nil
	c.mu.Unlock()

	if !started {
		return nil
	}
	if err := c.engine.SetEndpoints(endpoints); err != nil {
		return err
	}
	if !connected && c.engine.State().Exhausted() {
		c.log.Info("Retrying with updated endpoints")
		c.engine.Reset()
		go c.engine.AttemptRecovery(c.ctx)
	}
	return nil
}

// Status is a snapshot for health reporting.
type Status struct {
	State       string `json:"state"`
	Connected   bool   `json:"connected"`
	Endpoint    string `json:"endpoint,omitempty"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
}

const (
	StateConnected    = "connected"
	StateReconnecting = "reconnecting"
	StateExhausted    = "exhausted"
	StateDisconnected = "disconnected"
	StateClosed       = "closed"
)

func (c *Client) Status() Status {
	es := c.engine.State()

	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Status{
		Connected:   c.conn != nil,
		Endpoint:    c.last,
		Attempts:    es.Attempts,
		MaxAttempts: es.MaxAttempts,
	}
	switch {
	case c.closed:
		s.State = StateClosed
	case c.conn != nil:
		s.State = StateConnected
	case es.Exhausted():
		s.State = StateExhausted
	case es.InProgress || es.RetryPending:
		s.State = StateReconnecting
	default:
		s.State = StateDisconnected
	}
	return s
}

// Close stops recovery, drops every subscription and closes the active
// transport.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	subs := make([]*Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.subs = make(map[uint64]*Subscription)
	c.mu.Unlock()

	c.detachFn()
	c.engine.Close()
	c.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var err error
	for _, s := range subs {
		err = multierr.Append(err, s.close(ctx))
	}
	if conn != nil {
		err = multierr.Append(err, conn.Close())
	}
	return err
}

func (c *Client) active() (Conn, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch {
	case c.closed:
		return nil, ErrClosed
	case c.conn == nil:
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

func (c *Client) onDisconnect(sig reconnect.Signal) {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	c.log.Warn("Upstream disconnected", zap.Stringer("signal", sig))

	// The attempt scheduled by this signal lands inside the cool-down of the
	// reconnect that produced conn and is suppressed.
	if c.engine.State().RecentlyRecovered {
		c.log.Info("Upstream failed during reconnect cool-down, retrying once it ends")
		c.engine.RetryAfterCoolDown()
	}
}

func (c *Client) onReconnect(t reconnect.Transport) {
	conn, ok := t.(Conn)
	if !ok {
		c.log.Error("Reconnected with unsupported transport", zap.String("type", fmt.Sprintf("%T", t)))
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	old := c.conn
	c.conn = conn
	c.last = conn.Endpoint()
	c.mu.Unlock()

	if old != nil && old != conn {
		_ = old.Close()
	}
	c.log.Info("Switched upstream", zap.String("endpoint", conn.Endpoint()))

	go c.resubscribe(conn)
}

// resubscribe re-issues every live subscription on conn. It gives up as
// soon as conn stops being the active transport.
func (c *Client) resubscribe(conn Conn) {
	c.mu.RLock()
	subs := make([]*Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.RUnlock()

	for _, s := range subs {
		if !c.isActive(conn) {
			return
		}

		ctx, cancel := context.WithTimeout(c.ctx, resubscribeTimeout)
		up, err := conn.Subscribe(ctx, s.namespace, s.args...)
		cancel()
		if err != nil {
			c.log.Warn("Resubscribe failed",
				zap.String("namespace", s.namespace),
				zap.String("endpoint", conn.Endpoint()),
				zap.Error(err),
			)
			continue
		}
		s.attach(up, false)
	}
}

func (c *Client) isActive(conn Conn) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn == conn && !c.closed
}

func (c *Client) removeSubscription(id uint64) {
	c.mu.Lock()
	delete(c.subs, id)
	c.mu.Unlock()
}
