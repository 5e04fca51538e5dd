package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Health states reported by /health and /ready.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

const readyTimeout = 5 * time.Second

// HealthCheck is one readiness dependency.
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// DetailedCheck is a HealthCheck that also reports the figures it judged.
type DetailedCheck interface {
	HealthCheck
	Inspect(ctx context.Context) (map[string]any, error)
}

// HealthStatus is the body of every health endpoint.
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of one check.
type CheckResult struct {
	Status  string         `json:"status"` // pass or fail
	Message string         `json:"message,omitempty"`
	Latency string         `json:"latency,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// HealthHandler serves liveness, readiness and version endpoints.
type HealthHandler struct {
	logger *zap.Logger
	mu     sync.RWMutex
	checks []HealthCheck
}

// NewHealthHandler creates a handler with no checks registered.
func NewHealthHandler(logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{logger: logger.With(zap.String("component", "health"))}
}

// RegisterCheck adds a readiness check.
func (h *HealthHandler) RegisterCheck(check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
}

// HandleHealth runs every check but always answers 200; failures only
// downgrade the status to degraded.
// @Summary Health summary
// @Tags health
// @Produce json
// @Success 200 {object} HealthStatus
// @Router /health [get]
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status, ok := h.run(r.Context())
	if !ok {
		status.Status = StatusDegraded
	}
	WriteJSON(w, http.StatusOK, status)
}

// HandleHealthz is the liveness probe: the process answers, nothing else
// is consulted.
// @Summary Liveness probe
// @Tags health
// @Produce json
// @Success 200 {object} HealthStatus
// @Router /healthz [get]
func (h *HealthHandler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, HealthStatus{Status: StatusHealthy, Timestamp: time.Now()})
}

// HandleReady answers 503 while any check fails.
// @Summary Readiness probe
// @Tags health
// @Produce json
// @Success 200 {object} HealthStatus
// @Failure 503 {object} HealthStatus
// @Router /ready [get]
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	status, ok := h.run(r.Context())
	if !ok {
		status.Status = StatusUnhealthy
		WriteJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	WriteJSON(w, http.StatusOK, status)
}

// HandleVersion returns build information.
// @Summary Version
// @Tags health
// @Produce json
// @Success 200 {object} map[string]string
// @Router /version [get]
func (h *HealthHandler) HandleVersion(version, buildTime, gitCommit string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteSuccess(w, r, map[string]string{
			"version":    version,
			"build_time": buildTime,
			"git_commit": gitCommit,
		})
	}
}

// run executes the checks concurrently under one deadline.
func (h *HealthHandler) run(ctx context.Context) (HealthStatus, bool) {
	ctx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()

	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()

	results := make([]CheckResult, len(checks))
	var g errgroup.Group
	for i, check := range checks {
		g.Go(func() error {
			results[i] = h.runOne(ctx, check)
			return nil
		})
	}
	_ = g.Wait()

	status := HealthStatus{Status: StatusHealthy, Timestamp: time.Now()}
	ok := true
	if len(checks) > 0 {
		status.Checks = make(map[string]CheckResult, len(checks))
	}
	for i, check := range checks {
		status.Checks[check.Name()] = results[i]
		if results[i].Status != "pass" {
			ok = false
		}
	}
	return status, ok
}

func (h *HealthHandler) runOne(ctx context.Context, check HealthCheck) CheckResult {
	start := time.Now()
	var (
		details map[string]any
		err     error
	)
	if dc, ok := check.(DetailedCheck); ok {
		details, err = dc.Inspect(ctx)
	} else {
		err = check.Check(ctx)
	}
	latency := time.Since(start)

	res := CheckResult{Status: "pass", Latency: latency.String(), Details: details}
	if err != nil {
		res.Status = "fail"
		res.Message = err.Error()
		h.logger.Warn("health check failed",
			zap.String("check", check.Name()),
			zap.Duration("latency", latency),
			zap.Error(err))
	}
	return res
}

type funcCheck struct {
	name string
	fn   func(ctx context.Context) error
}

// NewCheck adapts a ping function, e.g. a database or Redis ping, into a
// HealthCheck.
func NewCheck(name string, fn func(ctx context.Context) error) HealthCheck {
	return &funcCheck{name: name, fn: fn}
}

func (c *funcCheck) Name() string { return c.name }

func (c *funcCheck) Check(ctx context.Context) error { return c.fn(ctx) }

// FabricStatus is the readiness snapshot of a fabric instance.
type FabricStatus struct {
	State       string
	QueueDepth  int
	Concurrency int
	Agents      int
	Mappings    int
}

// ErrNotRunning is returned by the fabric check while the manager is not
// accepting messages.
var ErrNotRunning = errors.New("message manager is not running")

// FabricCheck reports the fabric ready while its manager is running and the
// dispatch backlog is at most maxBacklog. A maxBacklog of zero disables the
// backlog limit.
func FabricCheck(name string, snapshot func() FabricStatus, maxBacklog int) DetailedCheck {
	return &fabricCheck{name: name, snapshot: snapshot, maxBacklog: maxBacklog}
}

type fabricCheck struct {
	name       string
	snapshot   func() FabricStatus
	maxBacklog int
}

func (c *fabricCheck) Name() string { return c.name }

func (c *fabricCheck) Check(ctx context.Context) error {
	_, err := c.Inspect(ctx)
	return err
}

func (c *fabricCheck) Inspect(context.Context) (map[string]any, error) {
	s := c.snapshot()
	details := map[string]any{
		"state":       s.State,
		"queue_depth": s.QueueDepth,
		"concurrency": s.Concurrency,
		"agents":      s.Agents,
		"mappings":    s.Mappings,
	}
	if c.maxBacklog > 0 {
		details["max_backlog"] = c.maxBacklog
	}
	switch {
	case s.State != "running":
		return details, fmt.Errorf("%w: state %s", ErrNotRunning, s.State)
	case c.maxBacklog > 0 && s.QueueDepth > c.maxBacklog:
		return details, fmt.Errorf("dispatch backlog %d exceeds %d", s.QueueDepth, c.maxBacklog)
	}
	return details, nil
}
