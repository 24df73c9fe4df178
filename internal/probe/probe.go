// Package probe builds reconnect probes: dial an endpoint over WebSocket
// and confirm it is usable before the engine hands it out.
package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mbvlabs/wsfailover/internal/reconnect"
	"github.com/mbvlabs/wsfailover/internal/transport"
)

const (
	ModeRPC          = "rpc"
	ModeSubscription = "subscription"
	ModeHTTP         = "http"
)

var ErrUnknownMode = errors.New("probe: unknown liveness mode")

type Check = reconnect.CheckFunc[*transport.Conn]

// Config selects the liveness check applied to every dialed endpoint.
type Config struct {
	Mode string
	// Method is the RPC method for ModeRPC and ModeHTTP.
	Method string
	// Namespace and Args describe the subscription for ModeSubscription.
	Namespace string
	Args      []any
}

// New returns a probe that dials with opts and applies the configured check.
func New(cfg Config, opts transport.Options) (reconnect.Probe, error) {
	check, err := checkFor(cfg)
	if err != nil {
		return nil, err
	}
	return reconnect.NewProbe(WebSocketDialer(opts), check), nil
}

func checkFor(cfg Config) (Check, error) {
	switch strings.ToLower(cfg.Mode) {
	case "", ModeRPC:
		return RPCChecker(cfg.Method), nil
	case ModeSubscription:
		return SubscriptionChecker(cfg.Namespace, cfg.Args...), nil
	case ModeHTTP:
		return NewHTTPChecker(cfg.Method).Check, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, cfg.Mode)
	}
}

// WebSocketDialer constructs transports with the given options.
func WebSocketDialer(opts transport.Options) reconnect.DialFunc[*transport.Conn] {
	return func(ctx context.Context, endpoint string) (*transport.Conn, error) {
		return transport.Dial(ctx, endpoint, opts)
	}
}

// RPCChecker calls method (net_listening by default) and requires a truthy result.
func RPCChecker(method string) Check {
	if method == "" {
		method = "net_listening"
	}
	return func(ctx context.Context, c *transport.Conn) (bool, error) {
		var result json.RawMessage
		if err := c.Call(ctx, &result, method); err != nil {
			return false, err
		}
		return truthy(result), nil
	}
}

// SubscriptionChecker opens a subscription and drops it right away, proving
// the endpoint can push notifications. Defaults to eth newHeads.
func SubscriptionChecker(namespace string, args ...any) Check {
	if namespace == "" {
		namespace = "eth"
	}
	if len(args) == 0 {
		args = []any{"newHeads"}
	}
	return func(ctx context.Context, c *transport.Conn) (bool, error) {
		sub, err := c.Subscribe(ctx, namespace, args...)
		if err != nil {
			return false, err
		}
		if err := sub.Unsubscribe(ctx); err != nil {
			return false, fmt.Errorf("unsubscribe probe subscription: %w", err)
		}
		return true, nil
	}
}

// Chain passes only when every check passes, evaluated in order.
func Chain(checks ...Check) Check {
	return func(ctx context.Context, c *transport.Conn) (bool, error) {
		for _, check := range checks {
			ok, err := check(ctx, c)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	}
}

// truthy accepts true, a non-zero number or quantity, and any non-empty string.
func truthy(raw json.RawMessage) bool {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != "" && t != "0x0"
	default:
		return v != nil
	}
}
