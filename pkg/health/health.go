package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Checker probes one dependency.
type Checker func(ctx context.Context) error

// Status represents the health status of a component or of the process.
type Status string

const (
	StatusUp       Status = "up"
	StatusDown     Status = "down"
	StatusDegraded Status = "degraded"
)

// Response is the JSON body returned by the health endpoints.
type Response struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of a single check.
type CheckResult struct {
	Status   Status `json:"status"`
	Critical bool   `json:"critical"`
	Error    string `json:"error,omitempty"`
}

type registration struct {
	check    Checker
	critical bool
}

// Handler serves liveness and readiness probes. A failing critical check makes
// the service not ready (503). A failing non-critical check only degrades it.
type Handler struct {
	mu      sync.RWMutex
	checks  map[string]registration
	timeout time.Duration
	now     func() time.Time
}

// NewHandler creates a handler with a 5s readiness timeout.
func NewHandler() *Handler {
	return &Handler{
		checks:  make(map[string]registration),
		timeout: 5 * time.Second,
		now:     time.Now,
	}
}

// RegisterCritical adds a check whose failure takes the service out of rotation.
func (h *Handler) RegisterCritical(name string, check Checker) {
	h.register(name, check, true)
}

// RegisterNonCritical adds a check whose failure is reported but tolerated.
func (h *Handler) RegisterNonCritical(name string, check Checker) {
	h.register(name, check, false)
}

func (h *Handler) register(name string, check Checker, critical bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = registration{check: check, critical: critical}
}

// Names returns the registered check names in sorted order.
func (h *Handler) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LivenessHandler reports 200 while the process is running.
func (h *Handler) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeResponse(w, http.StatusOK, Response{Status: StatusUp, Timestamp: h.now().UTC()})
	}
}

// ReadinessHandler runs every check concurrently and reports 200 or 503.
func (h *Handler) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := h.Check(r.Context())
		status := http.StatusOK
		if resp.Status == StatusDown {
			status = http.StatusServiceUnavailable
		}
		writeResponse(w, status, resp)
	}
}

// Check runs all registered checks under the readiness timeout.
func (h *Handler) Check(ctx context.Context) Response {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	h.mu.RLock()
	regs := make(map[string]registration, len(h.checks))
	for name, reg := range h.checks {
		regs[name] = reg
	}
	h.mu.RUnlock()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]CheckResult, len(regs))
	)
	for name, reg := range regs {
		wg.Add(1)
		go func(name string, reg registration) {
			defer wg.Done()
			res := CheckResult{Status: StatusUp, Critical: reg.critical}
			if err := reg.check(ctx); err != nil {
				res.Status = StatusDown
				res.Error = err.Error()
			}
			mu.Lock()
			results[name] = res
			mu.Unlock()
		}(name, reg)
	}
	wg.Wait()

	overall := StatusUp
	for _, res := range results {
		if res.Status != StatusDown {
			continue
		}
		if res.Critical {
			overall = StatusDown
			break
		}
		overall = StatusDegraded
	}

	return Response{Status: overall, Timestamp: h.now().UTC(), Checks: results}
}

func writeResponse(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
