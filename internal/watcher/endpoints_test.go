package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func writeEndpoints(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func startEndpointsWatcher(t *testing.T, path string) (<-chan []string, context.CancelFunc, <-chan error) {
	t.Helper()

	old := endpointsDebounce
	endpointsDebounce = 20 * time.Millisecond
	t.Cleanup(func() { endpointsDebounce = old })

	changes := make(chan []string, 4)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- RunEndpointsWatcher(ctx, path, func(urls []string) { changes <- urls }, zap.NewNop())
	}()
	t.Cleanup(cancel)

	// Let the watcher register before the test touches the file.
	time.Sleep(50 * time.Millisecond)
	return changes, cancel, errCh
}

func TestEndpointsWatcherReportsChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "endpoints.json")
	writeEndpoints(t, path, `{"endpoints": ["wss://a.example"]}`)

	changes, _, _ := startEndpointsWatcher(t, path)

	writeEndpoints(t, path, `{"endpoints": ["wss://b.example", "wss://c.example"]}`)

	select {
	case urls := <-changes:
		if len(urls) != 2 || urls[0] != "wss://b.example" || urls[1] != "wss://c.example" {
			t.Fatalf("unexpected endpoints: %v", urls)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("change not reported")
	}
}

func TestEndpointsWatcherIgnoresInvalidAndUnchangedFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "endpoints.json")
	writeEndpoints(t, path, `{"endpoints": ["wss://a.example"]}`)

	changes, _, _ := startEndpointsWatcher(t, path)

	writeEndpoints(t, path, `{"endpoints": [`)
	time.Sleep(100 * time.Millisecond)
	writeEndpoints(t, path, `{"endpoints": ["wss://a.example"]}`)

	select {
	case urls := <-changes:
		t.Fatalf("unexpected change: %v", urls)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestEndpointsWatcherIgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "endpoints.json")
	writeEndpoints(t, path, `{"endpoints": ["wss://a.example"]}`)

	changes, _, _ := startEndpointsWatcher(t, path)

	writeEndpoints(t, filepath.Join(dir, "other.json"), `{"endpoints": ["wss://z.example"]}`)

	select {
	case urls := <-changes:
		t.Fatalf("unexpected change: %v", urls)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestEndpointsWatcherStopsOnCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "endpoints.json")
	writeEndpoints(t, path, `{"endpoints": ["wss://a.example"]}`)

	_, cancel, errCh := startEndpointsWatcher(t, path)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("expected nil on cancel, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunEndpointsWatcher did not return after cancel")
	}
}

func TestEndpointsWatcherMissingDirectory(t *testing.T) {
	err := RunEndpointsWatcher(context.Background(), filepath.Join(t.TempDir(), "nope", "endpoints.json"), func([]string) {}, zap.NewNop())
	if err == nil {
		t.Fatal("expected an error for a missing directory")
	}
}
