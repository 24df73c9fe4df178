// Package rpctest provides an in-process JSON-RPC node for tests. It speaks
// WebSocket (with subscriptions) and plain HTTP POST on the same server.
package rpctest

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/gorilla/websocket"
)

// HandlerFunc answers one method call. A non-nil *Error is sent as the
// JSON-RPC error object.
type HandlerFunc func(params json.RawMessage) (any, *Error)

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type request struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type nodeConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *nodeConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

// Node is a fake JSON-RPC endpoint. Defaults answer net_listening (true),
// net_version ("1"), eth_subscribe and eth_unsubscribe.
type Node struct {
	server *httptest.Server

	mu           sync.Mutex
	handlers     map[string]HandlerFunc
	calls        map[string]int
	conns        map[*nodeConn]struct{}
	nextSub      int
	subs         map[string]*nodeConn
	httpEncoding string
	silent       bool
}

func NewNode() *Node {
	n := &Node{
		handlers: make(map[string]HandlerFunc),
		calls:    make(map[string]int),
		conns:    make(map[*nodeConn]struct{}),
		subs:     make(map[string]*nodeConn),
	}
	n.Handle("net_listening", func(json.RawMessage) (any, *Error) { return true, nil })
	n.Handle("net_version", func(json.RawMessage) (any, *Error) { return "1", nil })
	n.server = httptest.NewServer(http.HandlerFunc(n.serveHTTP))
	return n
}

// URL is the WebSocket URL of the node.
func (n *Node) URL() string {
	return "ws" + strings.TrimPrefix(n.server.URL, "http")
}

// HTTPURL is the plain HTTP URL of the node.
func (n *Node) HTTPURL() string {
	return n.server.URL
}

func (n *Node) Handle(method string, fn HandlerFunc) {
	n.mu.Lock()
	n.handlers[method] = fn
	n.mu.Unlock()
}

// SetHTTPEncoding makes HTTP responses use the given Content-Encoding
// ("br" or "gzip").
func (n *Node) SetHTTPEncoding(encoding string) {
	n.mu.Lock()
	n.httpEncoding = encoding
	n.mu.Unlock()
}

// SetSilent makes the node stop answering calls without closing connections.
func (n *Node) SetSilent(silent bool) {
	n.mu.Lock()
	n.silent = silent
	n.mu.Unlock()
}

func (n *Node) Calls(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[method]
}

func (n *Node) Connections() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.conns)
}

func (n *Node) Subscriptions() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}

// Publish sends payload as a <namespace>_subscription notification to every
// live subscription and returns how many were written.
func (n *Node) Publish(namespace string, payload any) int {
	n.mu.Lock()
	targets := make(map[string]*nodeConn, len(n.subs))
	for id, c := range n.subs {
		targets[id] = c
	}
	n.mu.Unlock()

	sent := 0
	for id, c := range targets {
		msg := map[string]any{
			"jsonrpc": "2.0",
			"method":  namespace + "_subscription",
			"params": map[string]any{
				"subscription": id,
				"result":       payload,
			},
		}
		if err := c.writeJSON(msg); err == nil {
			sent++
		}
	}
	return sent
}

// CloseConnections sends a close frame with code and reason to every client.
func (n *Node) CloseConnections(code int, reason string) {
	for _, c := range n.snapshotConns() {
		c.mu.Lock()
		_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
		c.mu.Unlock()
		_ = c.ws.Close()
	}
}

// DropConnections closes every client socket without a close frame.
func (n *Node) DropConnections() {
	for _, c := range n.snapshotConns() {
		_ = c.ws.UnderlyingConn().Close()
	}
}

func (n *Node) Close() {
	n.DropConnections()
	n.server.Close()
}

func (n *Node) snapshotConns() []*nodeConn {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*nodeConn, 0, len(n.conns))
	for c := range n.conns {
		out = append(out, c)
	}
	return out
}

func (n *Node) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		n.serveWebSocket(w, r)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusOK)
		return
	}
	n.servePost(w, r)
}

func (n *Node) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &nodeConn{ws: ws}

	n.mu.Lock()
	n.conns[c] = struct{}{}
	n.mu.Unlock()

	defer func() {
		n.mu.Lock()
		delete(n.conns, c)
		for id, owner := range n.subs {
			if owner == c {
				delete(n.subs, id)
			}
		}
		n.mu.Unlock()
		ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var req request
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		resp, ok := n.answer(req, c)
		if !ok {
			continue
		}
		if err := c.writeJSON(resp); err != nil {
			return
		}
	}
}

func (n *Node) servePost(w http.ResponseWriter, r *http.Request) {
	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp, ok := n.answer(req, nil)
	if !ok {
		w.WriteHeader(http.StatusGatewayTimeout)
		return
	}

	body, _ := json.Marshal(resp)

	n.mu.Lock()
	encoding := n.httpEncoding
	n.mu.Unlock()

	var buf bytes.Buffer
	var enc io.WriteCloser
	switch encoding {
	case "br":
		enc = brotli.NewWriter(&buf)
	case "gzip":
		enc = gzip.NewWriter(&buf)
	}
	if enc != nil {
		_, _ = enc.Write(body)
		_ = enc.Close()
		body = buf.Bytes()
		w.Header().Set("Content-Encoding", encoding)
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

// answer builds the response for req. It returns false when the node is silent.
func (n *Node) answer(req request, c *nodeConn) (response, bool) {
	n.mu.Lock()
	n.calls[req.Method]++
	silent := n.silent
	handler := n.handlers[req.Method]
	n.mu.Unlock()

	if silent {
		return response{}, false
	}

	resp := response{JSONRPC: "2.0", ID: req.ID}
	switch {
	case handler != nil:
		resp.Result, resp.Error = handler(req.Params)
	case strings.HasSuffix(req.Method, "_subscribe") && c != nil:
		n.mu.Lock()
		n.nextSub++
		id := fmt.Sprintf("0x%x", n.nextSub)
		n.subs[id] = c
		n.mu.Unlock()
		resp.Result = id
	case strings.HasSuffix(req.Method, "_unsubscribe"):
		var params []string
		_ = json.Unmarshal(req.Params, &params)
		n.mu.Lock()
		found := false
		if len(params) > 0 {
			_, found = n.subs[params[0]]
			delete(n.subs, params[0])
		}
		n.mu.Unlock()
		resp.Result = found
	default:
		resp.Error = &Error{Code: -32601, Message: fmt.Sprintf("the method %s does not exist/is not available", req.Method)}
	}
	return resp, true
}
