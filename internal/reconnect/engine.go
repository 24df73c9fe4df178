// Package reconnect keeps a streaming connection alive across a rotating
// list of interchangeable endpoints.
//
// The Engine watches the active transport for failure signals, probes
// candidate endpoints in round-robin order with a linearly growing delay,
// caps consecutive attempts, and publishes disconnect/reconnect events to
// its listeners. The owning client swaps its active transport on reconnect.
package reconnect

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

const (
	DefaultBaseDelay    = time.Second
	DefaultCoolDown     = 15 * time.Second
	DefaultProbeTimeout = 10 * time.Second
)

var (
	ErrNoEndpoints        = errors.New("reconnect: endpoint list is empty")
	ErrInvalidMaxAttempts = errors.New("reconnect: max attempts must be positive")
	ErrNoProbe            = errors.New("reconnect: probe is required")
	ErrNotConfigured      = errors.New("reconnect: engine is not set up")
	ErrClosed             = errors.New("reconnect: engine is closed")
	errNilTransport       = errors.New("reconnect: probe returned no transport")
)

type Outcome int

const (
	OutcomeAlreadyRecovered Outcome = iota + 1
	OutcomeAttemptsExhausted
	OutcomeAlreadyInProgress
	OutcomeRecovered
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAlreadyRecovered:
		return "already_recovered"
	case OutcomeAttemptsExhausted:
		return "attempts_exhausted"
	case OutcomeAlreadyInProgress:
		return "already_in_progress"
	case OutcomeRecovered:
		return "recovered"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is the outcome of one AttemptRecovery call. Transport is set only
// for OutcomeRecovered; Endpoint and Err only when a probe actually ran or
// the engine refused to run one.
type Result struct {
	Outcome   Outcome
	Transport Transport
	Endpoint  string
	Err       error
}

// Recorder observes recovery attempts, typically for metrics.
type Recorder interface {
	ObserveAttempt(endpoint string, outcome Outcome, elapsed time.Duration)
}

// Config is attached to an Engine by Setup.
type Config struct {
	// MaxAttempts overrides the value given to New when positive.
	MaxAttempts int
	// Endpoints defines the rotation order. Must not be empty.
	Endpoints []string
	// BaseDelay is the unit of the linear retry delay (attempts * BaseDelay).
	BaseDelay time.Duration
	// CoolDown is how long recovery triggers are suppressed after a success.
	CoolDown time.Duration
	// ProbeTimeout bounds a single probe call.
	ProbeTimeout time.Duration
	Probe        Probe
	Logger       *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.CoolDown <= 0 {
		c.CoolDown = DefaultCoolDown
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

type Option func(*Engine)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		e.recorder = r
	}
}

// State is a point-in-time copy of the engine's recovery state.
type State struct {
	Attempts          int
	MaxAttempts       int
	InProgress        bool
	RecentlyRecovered bool
	RetryPending      bool
	Endpoints         []string
	Active            string
}

// Exhausted reports whether no further attempts will be made until Reset.
func (s State) Exhausted() bool {
	return s.Attempts >= s.MaxAttempts
}

type Engine struct {
	mu                sync.Mutex
	maxAttempts       int
	attempts          int
	inProgress        bool
	recentlyRecovered bool
	retryPending      bool
	resumePending     bool
	configured        bool
	closed            bool
	endpoints         []string
	active            Transport

	baseDelay    time.Duration
	coolDown     time.Duration
	probeTimeout time.Duration
	probe        Probe
	log          *zap.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	clock     clock.Clock
	timers    *timerSet
	listeners listeners
	recorder  Recorder
}

func New(maxAttempts int, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		maxAttempts: maxAttempts,
		ctx:         ctx,
		cancel:      cancel,
		clock:       clock.New(),
		log:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.timers = newTimerSet(e.clock)
	return e
}

// Setup attaches the configuration and starts watching active for failure
// signals. active may be nil when no connection is established yet.
func (e *Engine) Setup(cfg Config, active Transport) error {
	cfg = cfg.withDefaults()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	maxAttempts := e.maxAttempts
	if cfg.MaxAttempts > 0 {
		maxAttempts = cfg.MaxAttempts
	}
	switch {
	case maxAttempts <= 0:
		e.mu.Unlock()
		return ErrInvalidMaxAttempts
	case len(cfg.Endpoints) == 0:
		e.mu.Unlock()
		return ErrNoEndpoints
	case cfg.Probe == nil:
		e.mu.Unlock()
		return ErrNoProbe
	}

	e.maxAttempts = maxAttempts
	e.endpoints = slices.Clone(cfg.Endpoints)
	e.baseDelay = cfg.BaseDelay
	e.coolDown = cfg.CoolDown
	e.probeTimeout = cfg.ProbeTimeout
	e.probe = cfg.Probe
	e.log = cfg.Logger.With(zap.String("component", "reconnect"))
	e.active = active
	e.configured = true
	e.mu.Unlock()

	if active != nil {
		e.instrument(active)
	}

	e.log.Info("Reconnect engine ready",
		zap.Int("max_attempts", maxAttempts),
		zap.Strings("endpoints", cfg.Endpoints),
		zap.Duration("base_delay", cfg.BaseDelay),
		zap.Duration("cool_down", cfg.CoolDown),
	)
	return nil
}

// Subscribe registers l for lifecycle events and returns a func that removes it.
func (e *Engine) Subscribe(l Listener) (unsubscribe func()) {
	return e.listeners.add(l)
}

// SetEndpoints replaces the rotation list. The next attempt picks its
// candidate from the new list using the current attempt tally.
func (e *Engine) SetEndpoints(endpoints []string) error {
	if len(endpoints) == 0 {
		return ErrNoEndpoints
	}
	e.mu.Lock()
	e.endpoints = slices.Clone(endpoints)
	e.mu.Unlock()

	e.log.Info("Endpoint list updated", zap.Strings("endpoints", endpoints))
	return nil
}

// Reset clears the attempt tally so an exhausted engine can try again.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.attempts = 0
	e.mu.Unlock()
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := State{
		Attempts:          e.attempts,
		MaxAttempts:       e.maxAttempts,
		InProgress:        e.inProgress,
		RecentlyRecovered: e.recentlyRecovered,
		RetryPending:      e.retryPending,
		Endpoints:         slices.Clone(e.endpoints),
	}
	if e.active != nil {
		s.Active = e.active.Endpoint()
	}
	return s
}

// Close cancels every pending timer. Signals and timers that arrive later
// are ignored. The active transport is left to its owner.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.active = nil
	e.mu.Unlock()

	e.cancel()
	e.timers.stop()
}

// OnFailureSignal reports a failure of the active transport. It publishes a
// disconnect event and schedules a recovery attempt after attempts*BaseDelay,
// unless an attempt is already running or scheduled.
func (e *Engine) OnFailureSignal(sig Signal) {
	e.mu.Lock()
	if e.closed || !e.configured {
		e.mu.Unlock()
		return
	}
	e.active = nil
	delay := e.retryDelayLocked()
	schedule := !e.retryPending && !e.inProgress
	if schedule {
		e.scheduleLocked(delay)
	}
	e.mu.Unlock()

	e.log.Debug("Transport failure observed",
		zap.Stringer("signal", sig),
		zap.Bool("scheduled", schedule),
		zap.Duration("delay", delay),
	)
	e.listeners.disconnect(sig)
}

// RetryAfterCoolDown arranges a recovery attempt for when the current
// cool-down ends. Outside a cool-down it schedules one right away unless an
// attempt is already running or pending. Close cancels it.
func (e *Engine) RetryAfterCoolDown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || !e.configured {
		return
	}
	if e.recentlyRecovered {
		e.resumePending = true
		return
	}
	if !e.retryPending && !e.inProgress {
		e.scheduleLocked(e.retryDelayLocked())
	}
}

// AttemptRecovery runs one recovery attempt. It is safe to call
// concurrently: only one probe runs at a time and callers arriving meanwhile
// get OutcomeAlreadyInProgress.
func (e *Engine) AttemptRecovery(ctx context.Context) Result {
	return e.attempt(ctx, false)
}

func (e *Engine) attempt(ctx context.Context, scheduled bool) Result {
	e.mu.Lock()
	if scheduled {
		e.retryPending = false
	}

	switch {
	case e.closed:
		e.mu.Unlock()
		return Result{Outcome: OutcomeFailed, Err: ErrClosed}
	case !e.configured:
		e.mu.Unlock()
		return Result{Outcome: OutcomeFailed, Err: ErrNotConfigured}
	case e.recentlyRecovered:
		e.mu.Unlock()
		return e.observe(Result{Outcome: OutcomeAlreadyRecovered}, 0)
	case e.attempts >= e.maxAttempts:
		attempts := e.attempts
		e.mu.Unlock()
		e.log.Error("Reconnect attempts exhausted", zap.Int("attempts", attempts))
		return e.observe(Result{Outcome: OutcomeAttemptsExhausted}, 0)
	case e.inProgress:
		e.mu.Unlock()
		return e.observe(Result{Outcome: OutcomeAlreadyInProgress}, 0)
	}

	e.inProgress = true
	attempt := e.attempts
	endpoint := e.endpoints[attempt%len(e.endpoints)]
	probe := e.probe
	timeout := e.probeTimeout
	e.mu.Unlock()

	e.log.Debug("Attempting reconnect",
		zap.String("endpoint", endpoint),
		zap.Int("attempt", attempt),
	)

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	start := e.clock.Now()
	t, err := probe.Probe(probeCtx, endpoint)
	elapsed := e.clock.Since(start)
	cancel()

	if err == nil && t == nil {
		err = errNilTransport
	}
	if err != nil {
		return e.observe(e.fail(endpoint, err), elapsed)
	}
	return e.observe(e.succeed(endpoint, t), elapsed)
}

func (e *Engine) succeed(endpoint string, t Transport) Result {
	e.mu.Lock()
	if e.closed {
		e.inProgress = false
		e.mu.Unlock()
		_ = t.Close()
		return Result{Outcome: OutcomeFailed, Endpoint: endpoint, Err: ErrClosed}
	}
	e.mu.Unlock()

	// Listeners see the new transport before the tally is reset.
	e.listeners.reconnect(t)

	e.mu.Lock()
	e.attempts = 0
	e.recentlyRecovered = true
	e.resumePending = false
	e.inProgress = false
	e.active = t
	e.timers.after(e.coolDown, e.clearRecovered)
	e.mu.Unlock()

	e.instrument(t)

	e.log.Info("Reconnected", zap.String("endpoint", endpoint))
	return Result{Outcome: OutcomeRecovered, Transport: t, Endpoint: endpoint}
}

func (e *Engine) fail(endpoint string, err error) Result {
	e.mu.Lock()
	e.inProgress = false
	if e.closed {
		e.mu.Unlock()
		return Result{Outcome: OutcomeFailed, Endpoint: endpoint, Err: err}
	}
	e.attempts++
	attempts := e.attempts
	delay := e.retryDelayLocked()
	if !e.retryPending {
		e.scheduleLocked(delay)
	}
	e.mu.Unlock()

	e.log.Warn("Reconnect attempt failed, will retry",
		zap.String("endpoint", endpoint),
		zap.Error(err),
		zap.Int("attempts", attempts),
		zap.Duration("retry_delay", delay),
	)
	return Result{Outcome: OutcomeFailed, Endpoint: endpoint, Err: err}
}

func (e *Engine) observe(r Result, elapsed time.Duration) Result {
	if e.recorder != nil {
		e.recorder.ObserveAttempt(r.Endpoint, r.Outcome, elapsed)
	}
	return r
}

func (e *Engine) retryDelayLocked() time.Duration {
	return time.Duration(e.attempts) * e.baseDelay
}

func (e *Engine) scheduleLocked(delay time.Duration) {
	e.retryPending = true
	e.timers.after(delay, func() {
		r := e.attempt(e.ctx, true)
		e.log.Debug("Scheduled reconnect finished", zap.Stringer("outcome", r.Outcome))
	})
}

func (e *Engine) clearRecovered() {
	e.mu.Lock()
	e.recentlyRecovered = false
	resume := e.resumePending && !e.closed && !e.retryPending && !e.inProgress
	e.resumePending = false
	if resume {
		e.scheduleLocked(e.retryDelayLocked())
	}
	e.mu.Unlock()
	e.log.Debug("Reconnect cool-down elapsed", zap.Bool("resume", resume))
}

// instrument routes t's failure signals into the engine. Signals from a
// transport that is no longer active are dropped.
func (e *Engine) instrument(t Transport) {
	t.Notify(func(sig Signal) {
		e.mu.Lock()
		stale := e.active != t
		e.mu.Unlock()

		if stale {
			e.log.Debug("Ignoring signal from inactive transport",
				zap.String("endpoint", t.Endpoint()),
				zap.Stringer("signal", sig),
			)
			return
		}
		e.OnFailureSignal(sig)
	})
}
