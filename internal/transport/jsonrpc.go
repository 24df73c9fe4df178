package transport

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const (
	jsonrpcVersion     = "2.0"
	subscribeSuffix    = "_subscribe"
	unsubscribeSuffix  = "_unsubscribe"
	notificationSuffix = "_subscription"
)

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

func newRequest(id uint64, method string, params []any) request {
	if params == nil {
		params = []any{}
	}
	return request{JSONRPC: jsonrpcVersion, ID: id, Method: method, Params: params}
}

// message is any inbound frame: a response or a subscription notification.
type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

func (m *message) isNotification() bool {
	return len(m.ID) == 0 && strings.HasSuffix(m.Method, notificationSuffix)
}

func (m *message) isResponse() bool {
	return len(m.ID) > 0 && m.Method == ""
}

func (m *message) id() (uint64, bool) {
	raw := strings.Trim(string(m.ID), `"`)
	id, err := strconv.ParseUint(raw, 10, 64)
	return id, err == nil
}

type notificationParams struct {
	Subscription string          `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

// RPCError is an error object returned by the remote node.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}
