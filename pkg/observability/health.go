package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// HealthStatus is the overall or per-dependency health
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// TurnOutcome describes how the most recent turn in the log ended.
type TurnOutcome string

const (
	TurnNone      TurnOutcome = "none"
	TurnPending   TurnOutcome = "pending"
	TurnStreaming TurnOutcome = "streaming"
	TurnAnswered  TurnOutcome = "answered"
	TurnFailed    TurnOutcome = "failed"
)

// HealthCheck pings one dependency. A failed critical check makes the
// service unhealthy; any other failure only degrades it.
type HealthCheck struct {
	Name      string
	CheckFunc func(context.Context) error
	Timeout   time.Duration
	Critical  bool
}

// SessionReport summarizes the chat log the service is attached to.
type SessionReport struct {
	Store        string      `json:"store"`
	Session      string      `json:"session"`
	Messages     int         `json:"messages"`
	InFlight     int         `json:"in_flight"`
	LastTurn     TurnOutcome `json:"last_turn"`
	LastActivity *time.Time  `json:"last_activity,omitempty"`
}

// SessionFunc reads the current session summary.
type SessionFunc func(context.Context) (SessionReport, error)

// HealthChecker runs the registered checks and reports on the session.
type HealthChecker struct {
	mu      sync.RWMutex
	checks  []*HealthCheck
	session SessionFunc
}

// HealthResponse is the body served on /health
type HealthResponse struct {
	Status    HealthStatus           `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version"`
	Uptime    string                 `json:"uptime"`
	Session   *SessionReport         `json:"session,omitempty"`
	Checks    map[string]CheckStatus `json:"checks"`
}

// CheckStatus is the outcome of one check
type CheckStatus struct {
	Status   HealthStatus `json:"status"`
	Message  string       `json:"message,omitempty"`
	Duration string       `json:"duration"`
}

const sessionCheckName = "session"

var (
	startTime = time.Now()
	version   = "dev"
)

// SetVersion sets the version reported by the health endpoint
func SetVersion(v string) {
	if v != "" {
		version = v
	}
}

// NewHealthChecker returns a checker with no checks and no session.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{}
}

// RegisterCheck adds a check, replacing one with the same name.
func (hc *HealthChecker) RegisterCheck(check *HealthCheck) {
	if check.Timeout == 0 {
		check.Timeout = 5 * time.Second
	}
	hc.mu.Lock()
	defer hc.mu.Unlock()
	for i, c := range hc.checks {
		if c.Name == check.Name {
			hc.checks[i] = check
			return
		}
	}
	hc.checks = append(hc.checks, check)
}

// SetSession attaches the chat log summary reported with every check.
func (hc *HealthChecker) SetSession(fn SessionFunc) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.session = fn
}

// Check runs every check concurrently and reads the session summary. A
// summary that cannot be read degrades the service.
func (hc *HealthChecker) Check(ctx context.Context) HealthResponse {
	hc.mu.RLock()
	checks := append([]*HealthCheck(nil), hc.checks...)
	sessionFn := hc.session
	hc.mu.RUnlock()

	results := make([]CheckStatus, len(checks))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range checks {
		g.Go(func() error {
			results[i] = runCheck(gctx, c)
			return nil
		})
	}

	var (
		report    *SessionReport
		reportErr CheckStatus
	)
	if sessionFn != nil {
		g.Go(func() error {
			start := time.Now()
			r, err := sessionFn(gctx)
			if err != nil {
				reportErr = CheckStatus{
					Status:   HealthStatusDegraded,
					Message:  err.Error(),
					Duration: time.Since(start).String(),
				}
				return nil
			}
			report = &r
			return nil
		})
	}
	_ = g.Wait()

	resp := HealthResponse{
		Status:    HealthStatusHealthy,
		Timestamp: time.Now(),
		Version:   version,
		Uptime:    time.Since(startTime).Round(time.Second).String(),
		Session:   report,
		Checks:    make(map[string]CheckStatus, len(checks)+1),
	}
	for i, c := range checks {
		resp.Checks[c.Name] = results[i]
		resp.Status = worse(resp.Status, results[i].Status)
	}
	if reportErr.Status != "" {
		resp.Checks[sessionCheckName] = reportErr
		resp.Status = worse(resp.Status, reportErr.Status)
	}
	return resp
}

func runCheck(ctx context.Context, c *HealthCheck) CheckStatus {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.CheckFunc(ctx) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	st := CheckStatus{Status: HealthStatusHealthy, Message: "OK", Duration: time.Since(start).String()}
	if err != nil {
		st.Status = HealthStatusDegraded
		if c.Critical {
			st.Status = HealthStatusUnhealthy
		}
		st.Message = err.Error()
	}
	return st
}

func worse(a, b HealthStatus) HealthStatus {
	rank := map[HealthStatus]int{HealthStatusHealthy: 0, HealthStatusDegraded: 1, HealthStatusUnhealthy: 2}
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

// HealthHandler serves the full report. Degraded still answers 200.
func HealthHandler(checker *HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := checker.Check(r.Context())
		code := http.StatusOK
		if resp.Status == HealthStatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	}
}

// LivenessHandler answers as long as the process is serving
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	}
}

// ReadinessHandler reports whether the chat log can be served. A degraded
// service is still ready; only a failed critical check takes it out.
func ReadinessHandler(checker *HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := checker.Check(r.Context())
		if resp.Status == HealthStatusUnhealthy {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
			return
		}
		body := map[string]string{"status": "ready"}
		if resp.Session != nil {
			body["session"] = resp.Session.Session
			body["last_turn"] = string(resp.Session.LastTurn)
		}
		writeJSON(w, http.StatusOK, body)
	}
}

// StoreCheck creates a critical check against the chat log backend
func StoreCheck(ping func(context.Context) error) *HealthCheck {
	return &HealthCheck{
		Name:      "chatlog",
		CheckFunc: ping,
		Timeout:   5 * time.Second,
		Critical:  true,
	}
}

// BackendCheck creates a non-critical check against the analysis backend.
// The chat log stays readable while the backend is down.
func BackendCheck(ping func(context.Context) error) *HealthCheck {
	return &HealthCheck{
		Name:      "analysis_backend",
		CheckFunc: ping,
		Timeout:   10 * time.Second,
	}
}
