// SPDX-License-Identifier: MIT

package api

import (
	"net/http"

	"github.com/sonralabs/palantir/internal/job"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	// Liveness is always 200: the process answered.
	writeJSON(w, http.StatusOK, s.healthMgr.Health(r.Context(), false))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	resp := s.healthMgr.Ready(r.Context())
	code := http.StatusOK
	if !resp.Ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.healthMgr.Health(r.Context(), true))
}

// handleQueueStats returns exact counts by state.
func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.queue.CountByStatus()
	if err != nil {
		writeInternal(w, err)
		return
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pending":    counts[job.StatusPending],
		"processing": counts[job.StatusProcessing],
		"completed":  counts[job.StatusCompleted],
		"failed":     counts[job.StatusFailed],
		"cancelled":  counts[job.StatusCancelled],
		"total":      total,
	})
}

// handleCleanFailed purges FAILED job records. Files on disk are untouched.
func (s *Server) handleCleanFailed(w http.ResponseWriter, r *http.Request) {
	removed, err := s.queue.CleanFailed()
	if err != nil {
		writeInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// handleReconcile re-runs the boot reconciliation algorithm with the pool
// paused and returns the report.
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	report, err := s.reconcile(r.Context())
	if err != nil {
		writeInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
