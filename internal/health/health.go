// SPDX-License-Identifier: MIT

// Package health serves the liveness and readiness probes. Liveness always
// answers 200 while the process runs; readiness folds in the registered
// component checks so orchestrators hold traffic until the stores answer.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tgcast/tgcast/internal/log"
	"github.com/tgcast/tgcast/internal/store"
)

// Status grades a component or the whole process.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

const checkTimeout = 2 * time.Second

// CheckResult is one component's verdict.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Response is the probe payload.
type Response struct {
	Status    Status                 `json:"status"`
	Ready     bool                   `json:"ready"`
	Version   string                 `json:"version,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// Checker probes one dependency.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Manager aggregates the registered checkers behind the probe handlers.
type Manager struct {
	version  string
	checkers []Checker
}

func NewManager(version string) *Manager {
	return &Manager{version: version}
}

func (m *Manager) Register(c Checker) {
	m.checkers = append(m.checkers, c)
}

// Ready runs every checker. Ready is false when any check is unhealthy.
func (m *Manager) Ready(ctx context.Context) Response {
	resp := Response{
		Status:    StatusHealthy,
		Ready:     true,
		Version:   m.version,
		Timestamp: time.Now(),
	}
	if len(m.checkers) == 0 {
		return resp
	}
	resp.Checks = make(map[string]CheckResult, len(m.checkers))
	for _, c := range m.checkers {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		result := c.Check(cctx)
		cancel()
		resp.Checks[c.Name()] = result
		switch result.Status {
		case StatusUnhealthy:
			resp.Status = StatusUnhealthy
			resp.Ready = false
		case StatusDegraded:
			if resp.Status == StatusHealthy {
				resp.Status = StatusDegraded
			}
		}
	}
	return resp
}

// ServeHealth is the liveness handler. Always 200.
func (m *Manager) ServeHealth(w http.ResponseWriter, r *http.Request) {
	resp := Response{
		Status:    StatusHealthy,
		Ready:     true,
		Version:   m.version,
		Timestamp: time.Now(),
	}
	writeJSON(w, http.StatusOK, resp)
}

// ServeReady is the readiness handler. 503 while any dependency is down.
func (m *Manager) ServeReady(w http.ResponseWriter, r *http.Request) {
	resp := m.Ready(r.Context())
	code := http.StatusOK
	if !resp.Ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger := log.WithComponent("health")
		logger.Error().Err(err).Msg("encode probe response failed")
	}
}

// RedisChecker pings the shared store.
type RedisChecker struct {
	Client *redis.Client
}

func (RedisChecker) Name() string { return "redis" }

func (c RedisChecker) Check(ctx context.Context) CheckResult {
	if err := c.Client.Ping(ctx).Err(); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy}
}

// StoreChecker pings the relational store.
type StoreChecker struct {
	DB *store.DB
}

func (StoreChecker) Name() string { return "store" }

func (c StoreChecker) Check(ctx context.Context) CheckResult {
	if err := c.DB.Ping(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy}
}
