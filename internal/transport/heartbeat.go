package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mbvlabs/wsfailover/internal/reconnect"
)

var ErrHeartbeat = errors.New("transport: heartbeat failed")

// HeartbeatConfig controls the application-level heartbeat: a cheap RPC
// call issued every Interval. A zero Interval disables it.
type HeartbeatConfig struct {
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold int
	Method           string
}

func (h HeartbeatConfig) withDefaults() HeartbeatConfig {
	if h.Timeout <= 0 {
		h.Timeout = 5 * time.Second
	}
	if h.FailureThreshold <= 0 {
		h.FailureThreshold = 3
	}
	if h.Method == "" {
		h.Method = "net_version"
	}
	return h
}

// missCounter tracks consecutive heartbeat misses.
type missCounter struct {
	threshold int
	misses    int
}

func newMissCounter(threshold int) *missCounter {
	if threshold <= 0 {
		threshold = 1
	}
	return &missCounter{threshold: threshold}
}

// observe records one heartbeat result. It reports dead once the miss
// streak reaches the threshold, and recovered when a success ends a streak.
func (m *missCounter) observe(ok bool) (dead, recovered bool) {
	if ok {
		recovered = m.misses > 0
		m.misses = 0
		return false, recovered
	}
	m.misses++
	return m.misses >= m.threshold, false
}

func (c *Conn) heartbeatLoop() {
	cfg := c.opts.Heartbeat
	misses := newMissCounter(cfg.FailureThreshold)

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
			err := c.Call(ctx, nil, cfg.Method)
			cancel()

			var rpcErr *RPCError
			// The node answered, so the connection is alive even if it
			// rejected the method.
			ok := err == nil || errors.As(err, &rpcErr)

			dead, recovered := misses.observe(ok)
			if recovered {
				c.log.Info("Heartbeat recovered")
			}
			if !ok {
				c.log.Debug("Heartbeat missed", zap.Error(err), zap.Int("misses", misses.misses))
			}
			if dead {
				c.fail(reconnect.Signal{
					Kind: reconnect.SignalError,
					Err:  fmt.Errorf("%w: %d consecutive misses", ErrHeartbeat, cfg.FailureThreshold),
				})
				return
			}
		}
	}
}
