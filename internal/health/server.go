package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Checker holds the probes reported by /healthz. Nil probes are skipped.
type Checker struct {
	DBPing   func(ctx context.Context) error
	NodePing func(ctx context.Context) error
	// State, when set, is reported verbatim as "state".
	State func() string
}

// Serve starts a minimal /healthz handler.
func Serve(addr string, checker Checker) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		status := map[string]string{"status": "ok"}
		code := http.StatusOK

		if checker.DBPing != nil {
			if err := checker.DBPing(ctx); err != nil {
				status["db"] = "fail"
				code = http.StatusServiceUnavailable
			} else {
				status["db"] = "ok"
			}
		}
		if checker.NodePing != nil {
			if err := checker.NodePing(ctx); err != nil {
				status["node"] = "fail"
				code = http.StatusServiceUnavailable
			} else {
				status["node"] = "ok"
			}
		}
		if checker.State != nil {
			status["state"] = checker.State()
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 3 * time.Second,
	}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}

// Shutdown gracefully shuts down the health server.
func Shutdown(ctx context.Context, srv *http.Server) error {
	return srv.Shutdown(ctx)
}
