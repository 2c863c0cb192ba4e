// Package health probes the stores and services a pipeline process depends
// on and serves the results as liveness and readiness endpoints.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Status of one dependency or of the whole process.
type Status string

const (
	StatusUp       Status = "up"
	StatusDown     Status = "down"
	StatusDegraded Status = "degraded"
)

// Probe returns nil when the dependency answers.
type Probe func(ctx context.Context) error

// ComponentHealth is the outcome of one probe.
type ComponentHealth struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// Report aggregates every probe. The process is down if a required
// dependency is down and degraded if only optional ones are.
type Report struct {
	Status     Status                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  string                     `json:"timestamp"`
}

type dependency struct {
	probe    Probe
	optional bool
}

type Checker struct {
	timeout time.Duration

	mu   sync.RWMutex
	deps map[string]dependency
}

// NewChecker returns a Checker that gives every probe up to five seconds.
func NewChecker() *Checker {
	return &Checker{timeout: 5 * time.Second, deps: make(map[string]dependency)}
}

// Require registers a dependency the process cannot work without.
func (c *Checker) Require(name string, probe Probe) {
	c.add(name, dependency{probe: probe})
}

// Optional registers a dependency whose loss only degrades the process.
func (c *Checker) Optional(name string, probe Probe) {
	c.add(name, dependency{probe: probe, optional: true})
}

func (c *Checker) add(name string, d dependency) {
	c.mu.Lock()
	c.deps[name] = d
	c.mu.Unlock()
}

// Run probes every dependency concurrently.
func (c *Checker) Run(ctx context.Context) Report {
	c.mu.RLock()
	deps := make(map[string]dependency, len(c.deps))
	for name, d := range c.deps {
		deps[name] = d
	}
	c.mu.RUnlock()

	results := make(map[string]ComponentHealth, len(deps))
	var mu sync.Mutex
	var g errgroup.Group
	for name, d := range deps {
		g.Go(func() error {
			h := c.probe(ctx, d)
			mu.Lock()
			results[name] = h
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	overall := StatusUp
	for _, h := range results {
		if h.Status == StatusDown {
			overall = StatusDown
			break
		}
		if h.Status == StatusDegraded {
			overall = StatusDegraded
		}
	}
	return Report{
		Status:     overall,
		Components: results,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
}

func (c *Checker) probe(ctx context.Context, d dependency) ComponentHealth {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := d.probe(ctx)
	h := ComponentHealth{Status: StatusUp, Latency: time.Since(start).Round(time.Millisecond).String()}
	if err != nil {
		h.Message = err.Error()
		h.Status = StatusDown
		if d.optional {
			h.Status = StatusDegraded
		}
	}
	return h
}

// Live answers as long as the process serves HTTP.
func (c *Checker) Live(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// Ready answers 200 only when every dependency is up.
func (c *Checker) Ready(w http.ResponseWriter, r *http.Request) {
	report := c.Run(r.Context())
	code := http.StatusOK
	if report.Status != StatusUp {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

// Mount registers the probe endpoints under /health on mux.
func (c *Checker) Mount(mux *http.ServeMux) {
	mux.HandleFunc("GET /health/live", c.Live)
	mux.HandleFunc("GET /health/ready", c.Ready)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
