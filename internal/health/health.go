// Package health serves the liveness and readiness probes for a voxline
// process.
//
// Liveness (/healthz) answers 200 as long as the process can serve HTTP at
// all. Readiness (/readyz) runs the registered dependency checks, typically
// the synthesis providers, the cache tiers, and the carrier API, and answers
// 503 while any of them fails. An orchestrator reads that as "stop routing
// new calls here" without killing the calls already in flight.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// checkTimeout bounds each readiness check. Carrier and cache checks go over
// the network and must not hold /readyz hostage.
const checkTimeout = 5 * time.Second

// Checker probes one voxline dependency. Check returns nil when the
// dependency can serve calls and an error describing the outage otherwise.
type Checker struct {
	// Name keys this check's entry in the /readyz body, e.g. "providers" or
	// "carrier".
	Name string

	// Check must honour ctx; it is cancelled after checkTimeout.
	Check func(ctx context.Context) error
}

// report is the body of every probe response.
type report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler answers the probe endpoints. The checker set is fixed at
// construction; Handler itself is stateless and safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New builds a Handler over the given checkers.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Healthz always answers 200. It only proves the process is up.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{Status: "ok"})
}

// Readyz runs every checker and answers 503 when any fails. Checks run
// concurrently, each under its own checkTimeout deadline, so probe latency
// is bounded by the slowest dependency rather than the sum of them.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	errs := make([]error, len(h.checkers))

	var wg sync.WaitGroup
	for i, c := range h.checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			errs[i] = c.Check(ctx)
		}()
	}
	wg.Wait()

	res := report{Status: "ok", Checks: make(map[string]string, len(h.checkers))}
	status := http.StatusOK
	for i, c := range h.checkers {
		if errs[i] != nil {
			res.Checks[c.Name] = "fail: " + errs[i].Error()
			res.Status = "fail"
			status = http.StatusServiceUnavailable
		} else {
			res.Checks[c.Name] = "ok"
		}
	}
	writeJSON(w, status, res)
}

// Register mounts both probes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
