package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbvlabs/wsfailover/internal/client"
	"github.com/mbvlabs/wsfailover/internal/probe"
	"github.com/mbvlabs/wsfailover/internal/rpctest"
	"github.com/mbvlabs/wsfailover/internal/transport"
)

type fixedStatus client.Status

func (f fixedStatus) Status() client.Status { return client.Status(f) }

func dialRelay(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + EventsPath
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestWebSocketHandlerRelaysEvents(t *testing.T) {
	hub := NewHub(nil)
	ts := httptest.NewServer(NewServer("", hub, fixedStatus{}).Handler())
	defer ts.Close()

	conn := dialRelay(t, ts)

	welcome := readEvent(t, conn)
	assert.Equal(t, EventWelcome, welcome.Type)
	assert.Len(t, welcome.Session, 36)

	require.Eventually(t, func() bool { return hub.ListenerCount() == 1 }, time.Second, 5*time.Millisecond)
	hub.Publish(Event{Type: EventNotification, Data: json.RawMessage(`"0x2a"`)})

	ev := readEvent(t, conn)
	assert.Equal(t, EventNotification, ev.Type)
	assert.JSONEq(t, `"0x2a"`, string(ev.Data))

	conn.Close()
	require.Eventually(t, func() bool { return hub.ListenerCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestSessionsGetDistinctIDs(t *testing.T) {
	hub := NewHub(nil)
	ts := httptest.NewServer(NewServer("", hub, fixedStatus{}).Handler())
	defer ts.Close()

	a := readEvent(t, dialRelay(t, ts))
	b := readEvent(t, dialRelay(t, ts))
	assert.NotEqual(t, a.Session, b.Session)
}

func TestStatusHandler(t *testing.T) {
	tests := []struct {
		name     string
		status   client.Status
		wantCode int
	}{
		{
			name:     "connected",
			status:   client.Status{State: client.StateConnected, Connected: true, Endpoint: "wss://a", MaxAttempts: 5},
			wantCode: http.StatusOK,
		},
		{
			name:     "reconnecting",
			status:   client.Status{State: client.StateReconnecting, Endpoint: "wss://a", Attempts: 2, MaxAttempts: 5},
			wantCode: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			StatusHandler(fixedStatus(tt.status)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, StatusPath, nil))

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var got client.Status
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
			assert.Equal(t, tt.status, got)
		})
	}
}

func TestForwardPublishesUpstreamNotifications(t *testing.T) {
	node := rpctest.NewNode()
	defer node.Close()

	p, err := probe.New(probe.Config{}, transport.Options{})
	require.NoError(t, err)
	c := client.New(client.Config{Endpoints: []string{node.URL()}, MaxAttempts: 3, Probe: p})
	defer c.Close()
	require.NoError(t, c.Start(context.Background()))

	sub, err := c.Subscribe(context.Background(), "eth", "newHeads")
	require.NoError(t, err)

	hub := NewHub(nil)
	ch := hub.Subscribe()
	defer hub.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Forward(ctx, sub)
		close(done)
	}()

	require.Equal(t, 1, node.Publish("eth", map[string]string{"number": "0x3"}))

	select {
	case msg := <-ch:
		ev := decode(t, msg)
		assert.Equal(t, EventNotification, ev.Type)
		assert.JSONEq(t, `{"number":"0x3"}`, string(ev.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("notification not forwarded")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Forward did not return after cancel")
	}
}

func TestServerRunShutsDownOnCancel(t *testing.T) {
	srv := NewServer("127.0.0.1:0", NewHub(nil), fixedStatus{})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestServerRunReportsBindFailure(t *testing.T) {
	ln := httptest.NewServer(http.NotFoundHandler())
	defer ln.Close()

	srv := NewServer(strings.TrimPrefix(ln.URL, "http://"), NewHub(nil), fixedStatus{})
	err := srv.Run(context.Background())
	assert.Error(t, err)
}
