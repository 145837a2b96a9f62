// Package health reports whether the doorbell can usefully answer a ring.
//
// Liveness (/healthz) only says the process serves HTTP. Readiness (/readyz,
// also surfaced as /api/health for the dashboard) runs the registered
// [Checker] probes — the session store and the vision provider in the default
// wiring — and returns 503 when any of them fails, so a reverse proxy stops
// routing rings to an instance that would only error them.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// checkTimeout bounds each readiness probe. A hung database must not hang
// the health endpoint with it.
const checkTimeout = 5 * time.Second

// Checker is one named readiness probe. Check returns nil when the
// dependency can serve the pipeline.
type Checker struct {
	// Name keys the probe in the JSON response ("database", "vision", ...).
	Name string

	// Check probes the dependency; it must respect ctx cancellation.
	Check func(ctx context.Context) error
}

// report is the response body for both endpoints.
type report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the liveness and readiness endpoints. The checker set is
// fixed at construction; the Handler itself is stateless and safe for
// concurrent use.
type Handler struct {
	checkers []Checker
}

// New creates a Handler over the given probes.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz always answers 200. A process that reaches this handler is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{Status: "ok"})
}

// Readyz runs every probe and answers 200 only when all pass. Probes run
// concurrently, each under its own [checkTimeout] deadline, so one slow
// dependency does not serialize the rest.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks, ok := h.runChecks(r.Context())

	res := report{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !ok {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

func (h *Handler) runChecks(ctx context.Context) (map[string]string, bool) {
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		checks = make(map[string]string, len(h.checkers))
		ok     = true
	)

	for _, c := range h.checkers {
		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, checkTimeout)
			err := c.Check(probeCtx)
			cancel()

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[c.Name] = "fail: " + err.Error()
				ok = false
			} else {
				checks[c.Name] = "ok"
			}
		}(c)
	}
	wg.Wait()
	return checks, ok
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
