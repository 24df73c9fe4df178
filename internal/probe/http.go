package probe

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/mbvlabs/wsfailover/internal/transport"
)

const maxHealthBody = 1 << 20

var errBodyTooLarge = fmt.Errorf("response body exceeds %d bytes", maxHealthBody)

// HTTPChecker posts a JSON-RPC request to the HTTP sibling of a WebSocket
// endpoint. Providers that expose both often answer the HTTP side with
// brotli or gzip bodies.
type HTTPChecker struct {
	method  string
	timeout time.Duration
	client  *http.Client
}

func NewHTTPChecker(method string) *HTTPChecker {
	if method == "" {
		method = "net_listening"
	}
	return &HTTPChecker{
		method:  method,
		timeout: 2 * time.Second,
		client:  &http.Client{},
	}
}

func (h *HTTPChecker) Check(ctx context.Context, c *transport.Conn) (bool, error) {
	return h.IsHealthy(ctx, c.Endpoint())
}

// IsHealthy reports whether the HTTP side of endpoint answers method truthily.
func (h *HTTPChecker) IsHealthy(ctx context.Context, endpoint string) (bool, error) {
	target, err := HTTPURL(endpoint)
	if err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	payload, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  h.method,
		"params":  []any{},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept-Encoding", "br, gzip")

	resp, err := h.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return false, fmt.Errorf("health check %s: status %d", target, resp.StatusCode)
	}

	body, err := decodeBody(resp.Header.Get("Content-Encoding"), resp.Body)
	if err != nil {
		return false, fmt.Errorf("health check %s: %w", target, err)
	}

	var out struct {
		Result json.RawMessage     `json:"result"`
		Error  *transport.RPCError `json:"error"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return false, fmt.Errorf("health check %s: decode: %w", target, err)
	}
	if out.Error != nil {
		return false, out.Error
	}
	return truthy(out.Result), nil
}

// decodeBody reads at most maxHealthBody bytes after decompression.
func decodeBody(encoding string, r io.Reader) ([]byte, error) {
	switch encoding {
	case "gzip":
		gr, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		defer gr.Close()
		r = gr
	case "br":
		r = brotli.NewReader(r)
	}

	body, err := io.ReadAll(io.LimitReader(r, maxHealthBody+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxHealthBody {
		return nil, errBodyTooLarge
	}
	return body, nil
}

// HTTPURL maps ws:// to http:// and wss:// to https://.
func HTTPURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	return u.String(), nil
}
