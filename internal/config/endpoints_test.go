package config

import (
	"errors"
	"os"
	"testing"
)

func TestReadEndpoints(t *testing.T) {
	path := writeFile(t, "endpoints.json", `{"endpoints": ["wss://a.example", "ws://127.0.0.1:8546"]}`)

	urls, err := ReadEndpoints(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(urls) != 2 || urls[0] != "wss://a.example" || urls[1] != "ws://127.0.0.1:8546" {
		t.Fatalf("unexpected endpoints: %v", urls)
	}
}

func TestReadEndpointsMissingFile(t *testing.T) {
	_, err := ReadEndpoints(t.TempDir() + "/nope.json")
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
}

func TestReadEndpointsEmptyList(t *testing.T) {
	path := writeFile(t, "endpoints.json", `{"endpoints": []}`)

	if _, err := ReadEndpoints(path); !errors.Is(err, ErrEmptyEndpoints) {
		t.Fatalf("expected ErrEmptyEndpoints, got %v", err)
	}
}

func TestReadEndpointsMalformed(t *testing.T) {
	path := writeFile(t, "endpoints.json", `{"endpoints": [`)

	if _, err := ReadEndpoints(path); err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestReadEndpointsRejectsNonWebSocketURL(t *testing.T) {
	path := writeFile(t, "endpoints.json", `{"endpoints": ["http://a.example"]}`)

	if _, err := ReadEndpoints(path); !errors.Is(err, ErrInvalidEndpoint) {
		t.Fatalf("expected ErrInvalidEndpoint, got %v", err)
	}
}
