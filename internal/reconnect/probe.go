package reconnect

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotLive is returned by a probe whose liveness check answered negatively.
var ErrNotLive = errors.New("endpoint is not live")

type SignalKind int

const (
	// SignalError is raised when the transport hits a read, write or heartbeat error.
	SignalError SignalKind = iota + 1
	// SignalEnd is raised when the remote side closes the connection.
	SignalEnd
)

func (k SignalKind) String() string {
	switch k {
	case SignalError:
		return "error"
	case SignalEnd:
		return "end"
	default:
		return "unknown"
	}
}

// Signal describes a failure observed on a transport. Err is informational.
type Signal struct {
	Kind SignalKind
	Err  error
}

func (s Signal) String() string {
	if s.Err == nil {
		return s.Kind.String()
	}
	return fmt.Sprintf("%s: %v", s.Kind, s.Err)
}

// Transport is a live connection handle obtained from an endpoint.
type Transport interface {
	// Endpoint returns the endpoint the transport was created from.
	Endpoint() string
	// Notify registers fn to be called when the transport fails. A transport
	// that already failed invokes fn right away.
	Notify(fn func(Signal))
	Close() error
}

// Probe constructs a transport for an endpoint and confirms it is usable.
// A probe that fails must not leak the transport it rejected.
type Probe interface {
	Probe(ctx context.Context, endpoint string) (Transport, error)
}

type ProbeFunc func(ctx context.Context, endpoint string) (Transport, error)

func (f ProbeFunc) Probe(ctx context.Context, endpoint string) (Transport, error) {
	return f(ctx, endpoint)
}

// DialFunc constructs a transport from an endpoint.
type DialFunc[T Transport] func(ctx context.Context, endpoint string) (T, error)

// CheckFunc reports whether a freshly dialed transport is operational.
// An error counts as a negative answer.
type CheckFunc[T Transport] func(ctx context.Context, t T) (bool, error)

// NewProbe combines a dialer and a liveness check into a Probe. Transports
// that fail the check are closed before the error is returned.
func NewProbe[T Transport](dial DialFunc[T], check CheckFunc[T]) Probe {
	return ProbeFunc(func(ctx context.Context, endpoint string) (Transport, error) {
		t, err := dial(ctx, endpoint)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", endpoint, err)
		}

		live, err := check(ctx, t)
		if err == nil && !live {
			err = ErrNotLive
		}
		if err != nil {
			_ = t.Close()
			return nil, fmt.Errorf("check %s: %w", endpoint, err)
		}

		return t, nil
	})
}
