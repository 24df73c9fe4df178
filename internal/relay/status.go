package relay

import (
	"encoding/json"
	"net/http"

	"github.com/mbvlabs/wsfailover/internal/client"
)

const StatusPath = "/healthz"

type StatusSource interface {
	Status() client.Status
}

// StatusHandler answers 200 while the upstream is connected and 503
// otherwise, with the status as a JSON body.
func StatusHandler(src StatusSource) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := src.Status()

		code := http.StatusOK
		if !status.Connected {
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	})
}
