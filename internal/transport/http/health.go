package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"time"

	"github.com/fedutinova/smartlabel/internal/database"
	"github.com/fedutinova/smartlabel/internal/keypool"
	"github.com/fedutinova/smartlabel/internal/redis"
	"github.com/go-chi/chi/v5"
)

// HealthStatus represents the health check response
type HealthStatus struct {
	Status    string           `json:"status"`
	Timestamp string           `json:"timestamp"`
	Component string           `json:"component,omitempty"`
	Checks    map[string]Check `json:"checks,omitempty"`
	System    *SystemInfo      `json:"system,omitempty"`
}

// Check represents a single health check result
type Check struct {
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
	Duration string `json:"duration,omitempty"`
}

type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	NumGoroutine int    `json:"num_goroutine"`
	NumCPU       int    `json:"num_cpu"`
	MemAlloc     uint64 `json:"mem_alloc_mb"`
}

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusDegraded  = "degraded"
)

// Probe is one named dependency check. A failing critical probe makes the
// process unhealthy; any other failing probe only degrades it.
type Probe struct {
	Name     string
	Critical bool
	Check    func(ctx context.Context) error
}

func RedisProbe(s *redis.Service) Probe {
	return Probe{Name: "redis", Critical: true, Check: s.Ping}
}

func DatabaseProbe(db *database.DB) Probe {
	return Probe{Name: "joblog_database", Check: db.Ping}
}

var errNoKeys = errors.New("no credential currently usable")

func KeyPoolProbe(c *keypool.Client) Probe {
	return Probe{Name: "key_pool", Check: func(ctx context.Context) error {
		if !c.Available(ctx) {
			return errNoKeys
		}
		return nil
	}}
}

type Health struct {
	component string
	probes    []Probe
	keyPool   *keypool.Client
}

func NewHealth(component string, probes ...Probe) *Health {
	return &Health{component: component, probes: probes}
}

// WithKeyPool exposes per-credential usage on /keypool.
func (h *Health) WithKeyPool(c *keypool.Client) *Health {
	h.keyPool = c
	return h
}

func (h *Health) Routes(r chi.Router) {
	r.Get("/healthz", h.Health)
	r.Get("/readyz", h.Ready)
	if h.keyPool != nil {
		r.Get("/keypool", h.KeyPoolStats)
	}
}

// Health returns basic liveness
func (h *Health) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Component: h.component,
	})
}

// Ready runs every probe
func (h *Health) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]Check, len(h.probes))
	overall := StatusHealthy
	for _, p := range h.probes {
		c := run(ctx, p)
		checks[p.Name] = c
		if c.Status == StatusHealthy {
			continue
		}
		if p.Critical {
			overall = StatusUnhealthy
		} else if overall == StatusHealthy {
			overall = StatusDegraded
		}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	code := http.StatusOK
	if overall == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, HealthStatus{
		Status:    overall,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Component: h.component,
		Checks:    checks,
		System: &SystemInfo{
			GoVersion:    runtime.Version(),
			NumGoroutine: runtime.NumGoroutine(),
			NumCPU:       runtime.NumCPU(),
			MemAlloc:     mem.Alloc / 1024 / 1024,
		},
	})
}

func (h *Health) KeyPoolStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.keyPool.Stats(r.Context()))
}

func run(ctx context.Context, p Probe) Check {
	start := time.Now()
	err := p.Check(ctx)
	duration := time.Since(start).String()
	if err != nil {
		return Check{Status: StatusUnhealthy, Message: err.Error(), Duration: duration}
	}
	return Check{Status: StatusHealthy, Message: "ok", Duration: duration}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
