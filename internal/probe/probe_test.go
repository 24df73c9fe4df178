package probe

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbvlabs/wsfailover/internal/reconnect"
	"github.com/mbvlabs/wsfailover/internal/rpctest"
	"github.com/mbvlabs/wsfailover/internal/transport"
)

func runProbe(t *testing.T, cfg Config, endpoint string) (reconnect.Transport, error) {
	t.Helper()
	p, err := New(cfg, transport.Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	tr, err := p.Probe(ctx, endpoint)
	if tr != nil {
		t.Cleanup(func() { tr.Close() })
	}
	return tr, err
}

func TestRPCProbeAcceptsListeningNode(t *testing.T) {
	node := rpctest.NewNode()
	defer node.Close()

	tr, err := runProbe(t, Config{Mode: ModeRPC}, node.URL())
	require.NoError(t, err)
	assert.Equal(t, node.URL(), tr.Endpoint())
	assert.Equal(t, 1, node.Calls("net_listening"))
}

func TestRPCProbeRejectsNodeNotListening(t *testing.T) {
	node := rpctest.NewNode()
	defer node.Close()
	node.Handle("net_listening", func(json.RawMessage) (any, *rpctest.Error) { return false, nil })

	tr, err := runProbe(t, Config{}, node.URL())
	assert.Nil(t, tr)
	assert.ErrorIs(t, err, reconnect.ErrNotLive)

	require.Eventually(t, func() bool { return node.Connections() == 0 }, time.Second, 5*time.Millisecond,
		"rejected transport should be closed")
}

func TestRPCProbeCustomMethod(t *testing.T) {
	node := rpctest.NewNode()
	defer node.Close()
	node.Handle("eth_blockNumber", func(json.RawMessage) (any, *rpctest.Error) { return "0x1b4", nil })

	_, err := runProbe(t, Config{Method: "eth_blockNumber"}, node.URL())
	require.NoError(t, err)
	assert.Equal(t, 1, node.Calls("eth_blockNumber"))
	assert.Zero(t, node.Calls("net_listening"))
}

func TestRPCProbePropagatesRPCError(t *testing.T) {
	node := rpctest.NewNode()
	defer node.Close()

	_, err := runProbe(t, Config{Method: "debug_missing"}, node.URL())
	var rpcErr *transport.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32601, rpcErr.Code)
}

func TestSubscriptionProbeLeavesNoSubscription(t *testing.T) {
	node := rpctest.NewNode()
	defer node.Close()

	_, err := runProbe(t, Config{Mode: ModeSubscription}, node.URL())
	require.NoError(t, err)
	assert.Equal(t, 1, node.Calls("eth_subscribe"))
	assert.Equal(t, 1, node.Calls("eth_unsubscribe"))
	assert.Zero(t, node.Subscriptions())
}

func TestHTTPProbeDecodesCompressedBodies(t *testing.T) {
	for _, encoding := range []string{"", "gzip", "br"} {
		t.Run("encoding="+encoding, func(t *testing.T) {
			node := rpctest.NewNode()
			defer node.Close()
			node.SetHTTPEncoding(encoding)

			_, err := runProbe(t, Config{Mode: ModeHTTP}, node.URL())
			require.NoError(t, err)
			assert.Equal(t, 1, node.Calls("net_listening"))
		})
	}
}

func TestDecodeBodyLimitsDecompressedSize(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(strings.Repeat(" ", maxHealthBody+1)))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.Less(t, buf.Len(), maxHealthBody)

	_, err = decodeBody("gzip", &buf)
	assert.ErrorIs(t, err, errBodyTooLarge)

	body, err := decodeBody("", strings.NewReader(`{"result":true}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"result":true}`, string(body))
}

func TestHTTPCheckerReportsNotListening(t *testing.T) {
	node := rpctest.NewNode()
	defer node.Close()
	node.SetHTTPEncoding("br")
	node.Handle("net_listening", func(json.RawMessage) (any, *rpctest.Error) { return false, nil })

	ok, err := NewHTTPChecker("").IsHealthy(context.Background(), node.URL())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProbeFailsForUnreachableEndpoint(t *testing.T) {
	node := rpctest.NewNode()
	url := node.URL()
	node.Close()

	_, err := runProbe(t, Config{}, url)
	assert.Error(t, err)
}

func TestNewRejectsUnknownMode(t *testing.T) {
	_, err := New(Config{Mode: "carrier-pigeon"}, transport.Options{})
	assert.ErrorIs(t, err, ErrUnknownMode)
}

func TestChainStopsAtFirstFailure(t *testing.T) {
	node := rpctest.NewNode()
	defer node.Close()
	node.Handle("net_listening", func(json.RawMessage) (any, *rpctest.Error) { return false, nil })

	p := reconnect.NewProbe(WebSocketDialer(transport.Options{}), Chain(RPCChecker(""), SubscriptionChecker("")))
	_, err := p.Probe(context.Background(), node.URL())
	assert.ErrorIs(t, err, reconnect.ErrNotLive)
	assert.Zero(t, node.Calls("eth_subscribe"))
}

func TestHTTPURL(t *testing.T) {
	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{in: "ws://localhost:8546", want: "http://localhost:8546"},
		{in: "wss://mainnet.example.io/v3/key", want: "https://mainnet.example.io/v3/key"},
		{in: "https://already.http", want: "https://already.http"},
		{in: "ftp://nope", wantErr: true},
	}
	for _, tt := range tests {
		got, err := HTTPURL(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestTruthy(t *testing.T) {
	assert.True(t, truthy(json.RawMessage(`true`)))
	assert.True(t, truthy(json.RawMessage(`"0x1b4"`)))
	assert.True(t, truthy(json.RawMessage(`{"syncing":false}`)))
	assert.False(t, truthy(json.RawMessage(`false`)))
	assert.False(t, truthy(json.RawMessage(`"0x0"`)))
	assert.False(t, truthy(json.RawMessage(`null`)))
	assert.False(t, truthy(nil))
}
