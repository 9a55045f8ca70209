// SPDX-License-Identifier: MIT

// Package health provides liveness and readiness checks for the daemon.
package health

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/sonralabs/palantir/internal/engine"
)

// Status represents the overall health/readiness status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult represents the result of a component health check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Response is the full health or readiness payload.
type Response struct {
	Status    Status                 `json:"status"`
	Ready     bool                   `json:"ready"`
	Version   string                 `json:"version,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// Checker is a named component health probe.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Manager aggregates checkers and tracks boot readiness. The daemon flips
// SetReady once reconciliation has finished and the pool is running.
type Manager struct {
	version  string
	checkers []Checker
	ready    atomic.Bool
}

// NewManager creates a health check manager.
func NewManager(version string) *Manager {
	return &Manager{version: version}
}

// RegisterChecker adds a health checker.
func (m *Manager) RegisterChecker(c Checker) {
	m.checkers = append(m.checkers, c)
}

// SetReady marks the boot sequence finished (or not).
func (m *Manager) SetReady(ready bool) {
	m.ready.Store(ready)
}

// Health is the liveness probe: healthy whenever the process can answer.
// verbose includes per-component checks.
func (m *Manager) Health(ctx context.Context, verbose bool) Response {
	resp := Response{
		Status:    StatusHealthy,
		Ready:     m.ready.Load(),
		Version:   m.version,
		Timestamp: time.Now(),
	}
	if verbose {
		resp.Checks, resp.Status = m.runChecks(ctx)
	}
	return resp
}

// Ready is the readiness probe: not ready until boot completed, degraded or
// unhealthy components keep traffic away.
func (m *Manager) Ready(ctx context.Context) Response {
	resp := Response{
		Status:    StatusHealthy,
		Ready:     m.ready.Load(),
		Timestamp: time.Now(),
	}
	if !resp.Ready {
		resp.Status = StatusUnhealthy
		return resp
	}
	resp.Checks, resp.Status = m.runChecks(ctx)
	if resp.Status == StatusUnhealthy {
		resp.Ready = false
	}
	return resp
}

func (m *Manager) runChecks(ctx context.Context) (map[string]CheckResult, Status) {
	if len(m.checkers) == 0 {
		return nil, StatusHealthy
	}
	checks := make(map[string]CheckResult, len(m.checkers))
	overall := StatusHealthy
	for _, c := range m.checkers {
		result := c.Check(ctx)
		checks[c.Name()] = result
		switch result.Status {
		case StatusUnhealthy:
			overall = StatusUnhealthy
		case StatusDegraded:
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		}
	}
	return checks, overall
}

// EngineChecker reports whether the transcription binary is executable.
// A missing engine degrades rather than kills readiness: queued work keeps
// accumulating and workers will fail jobs with a precise error code.
type EngineChecker struct {
	Settings engine.Settings
}

func (c *EngineChecker) Name() string { return "engine" }

func (c *EngineChecker) Check(_ context.Context) CheckResult {
	if c.Settings.Available() {
		return CheckResult{Status: StatusHealthy, Message: c.Settings.Binary}
	}
	return CheckResult{
		Status:  StatusDegraded,
		Error:   "engine binary not found or not executable",
		Message: c.Settings.Binary,
	}
}

// StoreChecker verifies the badger store answers reads.
type StoreChecker struct {
	DB *badger.DB
}

func (c *StoreChecker) Name() string { return "store" }

func (c *StoreChecker) Check(_ context.Context) CheckResult {
	if c.DB.IsClosed() {
		return CheckResult{Status: StatusUnhealthy, Error: "store closed"}
	}
	err := c.DB.View(func(txn *badger.Txn) error { return nil })
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy}
}

// DirChecker verifies a managed directory still exists and is writable.
type DirChecker struct {
	Label string
	Path  string
}

func (c *DirChecker) Name() string { return c.Label }

func (c *DirChecker) Check(_ context.Context) CheckResult {
	info, err := os.Stat(c.Path)
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error(), Message: c.Path}
	}
	if !info.IsDir() {
		return CheckResult{Status: StatusUnhealthy, Error: "not a directory", Message: c.Path}
	}
	return CheckResult{Status: StatusHealthy, Message: c.Path}
}
