package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Checker holds optional health checks; nil checks are skipped.
type Checker struct {
	DBPing  func(ctx context.Context) error
	RPCPing func(ctx context.Context) error
	// RunnerState reports the runner lifecycle state; only "running" is healthy.
	RunnerState func() string
}

// Handler serves /healthz as JSON.
func Handler(checker Checker) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		status := map[string]string{"status": "ok"}
		code := http.StatusOK
		fail := func(key, value string) {
			status[key] = value
			status["status"] = "fail"
			code = http.StatusServiceUnavailable
		}

		if checker.DBPing != nil {
			if err := checker.DBPing(ctx); err != nil {
				fail("db", "fail")
			} else {
				status["db"] = "ok"
			}
		}
		if checker.RPCPing != nil {
			if err := checker.RPCPing(ctx); err != nil {
				fail("rpc", "fail")
			} else {
				status["rpc"] = "ok"
			}
		}
		if checker.RunnerState != nil {
			if state := checker.RunnerState(); state != "running" {
				fail("runner", state)
			} else {
				status["runner"] = state
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	})
	return mux
}

// Serve starts a minimal /healthz server.
func Serve(addr string, checker Checker) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(checker),
		ReadHeaderTimeout: 3 * time.Second,
	}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}

// Shutdown gracefully shuts down the health server.
func Shutdown(ctx context.Context, srv *http.Server) error {
	return srv.Shutdown(ctx)
}
