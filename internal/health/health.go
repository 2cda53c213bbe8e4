// Package health serves liveness and readiness endpoints.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

type CheckResult struct {
	Status    Status `json:"status"`
	LatencyMs int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

type Response struct {
	Status   Status                 `json:"status"`
	Instance string                 `json:"instance,omitempty"`
	Checks   map[string]CheckResult `json:"checks,omitempty"`
}

type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

type Handler struct {
	instance string
	mu       sync.RWMutex
	checkers []Checker
}

func NewHandler(instance string) *Handler {
	return &Handler{instance: instance}
}

func (h *Handler) AddChecker(c Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers = append(h.checkers, c)
}

// Liveness answers 200 while the process runs; it runs no checks.
func (h *Handler) Liveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Response{Status: StatusHealthy, Instance: h.instance})
}

// Readiness runs every checker concurrently. Degraded still answers 200:
// an instance with an unreachable bridge keeps serving its own connections.
func (h *Handler) Readiness(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	checkers := h.checkers
	h.mu.RUnlock()

	resp := Response{Status: StatusHealthy, Instance: h.instance, Checks: make(map[string]CheckResult, len(checkers))}
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, c := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := c.Check(r.Context())
			mu.Lock()
			defer mu.Unlock()
			resp.Checks[c.Name()] = res
			resp.Status = worse(resp.Status, res.Status)
		}()
	}
	wg.Wait()

	code := http.StatusOK
	if resp.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func worse(a, b Status) Status {
	rank := map[Status]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// DegradedReporter is anything that can report running in degraded mode.
type DegradedReporter interface {
	Degraded() bool
}

// BridgeChecker reports the shared store as degraded, never unhealthy.
type BridgeChecker struct {
	bridge DegradedReporter
}

func NewBridgeChecker(b DegradedReporter) *BridgeChecker {
	return &BridgeChecker{bridge: b}
}

func (b *BridgeChecker) Name() string { return "bridge" }

func (b *BridgeChecker) Check(context.Context) CheckResult {
	if b.bridge.Degraded() {
		return CheckResult{Status: StatusDegraded, Error: "shared store unreachable, serving local connections only"}
	}
	return CheckResult{Status: StatusHealthy}
}

// PingChecker runs an arbitrary ping with a timeout.
type PingChecker struct {
	name    string
	ping    func(ctx context.Context) error
	timeout time.Duration
}

func NewPingChecker(name string, ping func(ctx context.Context) error, timeout time.Duration) *PingChecker {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &PingChecker{name: name, ping: ping, timeout: timeout}
}

func (p *PingChecker) Name() string { return p.name }

func (p *PingChecker) Check(ctx context.Context) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	start := time.Now()
	err := p.ping(ctx)
	res := CheckResult{Status: StatusHealthy, LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = StatusUnhealthy
		res.Error = err.Error()
	}
	return res
}
