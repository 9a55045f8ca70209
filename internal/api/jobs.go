// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sonralabs/palantir/internal/fsutil"
	"github.com/sonralabs/palantir/internal/job"
	"github.com/sonralabs/palantir/internal/queue"
	"github.com/sonralabs/palantir/internal/watcher"
)

// jobResponse is the wire representation of a job. Lease internals stay
// private; healthStatus is derived at read time.
type jobResponse struct {
	ID                string            `json:"id"`
	FilePath          string            `json:"filePath"`
	RelPath           string            `json:"relPath,omitempty"`
	FileName          string            `json:"fileName"`
	OriginalFileName  string            `json:"originalFileName,omitempty"`
	SanitizedFileName string            `json:"sanitizedFileName,omitempty"`
	FileSizeBytes     int64             `json:"fileSizeBytes"`
	MimeType          string            `json:"mimeType,omitempty"`
	AudioFormat       string            `json:"audioFormat,omitempty"`
	Priority          string            `json:"priority"`
	Status            string            `json:"status"`
	Progress          int               `json:"progress"`
	Attempts          int               `json:"attempts"`
	MaxAttempts       int               `json:"maxAttempts"`
	CreatedAt         time.Time         `json:"createdAt"`
	StartedAt         *time.Time        `json:"startedAt,omitempty"`
	FinishedAt        *time.Time        `json:"finishedAt,omitempty"`
	DurationMS        *int64            `json:"durationMs,omitempty"`
	ErrorCode         string            `json:"errorCode,omitempty"`
	ErrorReason       string            `json:"errorReason,omitempty"`
	TranscriptPath    string            `json:"transcriptPath,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	HealthStatus      string            `json:"healthStatus"`
}

func (s *Server) toResponse(j *job.Job) jobResponse {
	return jobResponse{
		ID:                j.ID,
		FilePath:          j.FilePath,
		RelPath:           j.RelPath,
		FileName:          j.FileName,
		OriginalFileName:  j.OriginalFileName,
		SanitizedFileName: j.SanitizedFileName,
		FileSizeBytes:     j.FileSizeBytes,
		MimeType:          j.MimeType,
		AudioFormat:       j.AudioFormat,
		Priority:          j.Priority.String(),
		Status:            string(j.Status),
		Progress:          j.Progress,
		Attempts:          j.Attempts,
		MaxAttempts:       j.MaxAttempts,
		CreatedAt:         j.CreatedAt,
		StartedAt:         j.StartedAt,
		FinishedAt:        j.FinishedAt,
		DurationMS:        j.DurationMS,
		ErrorCode:         j.ErrorCode,
		ErrorReason:       j.ErrorReason,
		TranscriptPath:    j.TranscriptPath,
		Metadata:          j.Metadata,
		HealthStatus:      string(j.Health(time.Now(), s.cfg.StalledInterval)),
	}
}

type createJobRequest struct {
	FilePath string            `json:"filePath"`
	Priority string            `json:"priority,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// handleCreateJob ingests a specific file through the watcher pipeline.
// The file must exist inside the watch tree.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	if !filepath.IsAbs(req.FilePath) {
		writeBadRequest(w, "filePath must be absolute")
		return
	}
	if _, err := fsutil.RelUnder(s.cfg.WatchDir, req.FilePath); err != nil {
		writeBadRequest(w, "filePath must be inside the watch directory")
		return
	}
	if err := fsutil.IsRegularFile(req.FilePath); err != nil {
		if os.IsNotExist(err) {
			writeBadRequest(w, "file does not exist: "+req.FilePath)
			return
		}
		writeBadRequest(w, "file inaccessible: "+err.Error())
		return
	}

	id, err := s.ingestor.IngestFile(r.Context(), req.FilePath)
	if errors.Is(err, watcher.ErrSkipped) {
		writeBadRequest(w, "file rejected by ingestion (unsupported, out of size bounds, or already processed)")
		return
	}
	if err != nil {
		writeInternal(w, err)
		return
	}

	if req.Priority != "" {
		if err := s.queue.UpdatePriority(id, job.ParsePriority(req.Priority)); err != nil {
			writeInternal(w, err)
			return
		}
	}
	if len(req.Metadata) > 0 {
		if err := s.queue.UpdateMetadata(id, req.Metadata); err != nil {
			writeInternal(w, err)
			return
		}
	}

	j, err := s.queue.Get(id)
	if err != nil {
		writeInternal(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.toResponse(j))
}

// handleListJobs returns one page of jobs. The total is the exact match
// count, never an estimate.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	filter := queue.Filter{NamePrefix: q.Get("name")}
	if status := q.Get("status"); status != "" {
		st := job.Status(strings.ToUpper(status))
		if !st.Valid() {
			writeBadRequest(w, "unknown status: "+status)
			return
		}
		filter.Status = st
	}

	jobs, total, err := s.queue.List(filter, queue.Page{Page: page, Limit: limit})
	if err != nil {
		writeInternal(w, err)
		return
	}
	data := make([]jobResponse, 0, len(jobs))
	for i := range jobs {
		data = append(data, s.toResponse(&jobs[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  data,
		"total": total,
		"page":  maxInt(page, 1),
		"limit": clampLimit(limit),
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.queue.Get(chi.URLParam(r, "id"))
	if errors.Is(err, queue.ErrNotFound) {
		writeNotFound(w)
		return
	}
	if err != nil {
		writeInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.toResponse(j))
}

type updateJobRequest struct {
	Priority string            `json:"priority,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// handleUpdateJob changes priority and/or merges metadata. Priority changes
// on terminal jobs return 409; the job id is stable across the operation.
func (s *Server) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req updateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	if req.Priority != "" {
		err := s.queue.UpdatePriority(id, job.ParsePriority(req.Priority))
		if errors.Is(err, queue.ErrNotFound) {
			writeNotFound(w)
			return
		}
		if errors.Is(err, queue.ErrInvalidState) {
			writeConflict(w, "cannot change priority of a terminal job")
			return
		}
		if err != nil {
			writeInternal(w, err)
			return
		}
	}
	if len(req.Metadata) > 0 {
		err := s.queue.UpdateMetadata(id, req.Metadata)
		if errors.Is(err, queue.ErrNotFound) {
			writeNotFound(w)
			return
		}
		if err != nil {
			writeInternal(w, err)
			return
		}
	}
	j, err := s.queue.Get(id)
	if errors.Is(err, queue.ErrNotFound) {
		writeNotFound(w)
		return
	}
	if err != nil {
		writeInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.toResponse(j))
}

// handleDeleteJob removes a non-PROCESSING job, its tracker entries, and its
// on-disk artifacts.
func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	j, err := s.queue.Get(id)
	if errors.Is(err, queue.ErrNotFound) {
		writeNotFound(w)
		return
	}
	if err != nil {
		writeInternal(w, err)
		return
	}
	if j.Status == job.StatusProcessing {
		writeConflict(w, "job is processing; cancel it first")
		return
	}
	if err := s.queue.Remove(id); err != nil {
		if errors.Is(err, queue.ErrJobProcessing) {
			writeConflict(w, "job is processing; cancel it first")
			return
		}
		writeInternal(w, err)
		return
	}
	if err := s.tracker.Unmark(j.FilePath); err != nil {
		s.logger.Warn().Err(err).Str("job_id", id).Msg("failed to clear tracker entries")
	}
	s.removeArtifacts(j)
	w.WriteHeader(http.StatusNoContent)
}

// removeArtifacts deletes whichever of the job's files exist: the source in
// the watch, completed, or failed tree and the transcript artifact.
func (s *Server) removeArtifacts(j *job.Job) {
	candidates := []string{
		j.FilePath,
		filepath.Join(s.cfg.CompletedDir, j.RelPath, j.FileName),
		filepath.Join(s.cfg.FailedDir, j.RelPath, j.FileName),
	}
	if j.TranscriptPath != "" {
		candidates = append(candidates, j.TranscriptPath)
	}
	for _, path := range candidates {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("path", path).Msg("failed to remove artifact")
		}
	}
}

// handleRetryJob resets a FAILED job to PENDING. Idempotent; COMPLETED jobs
// are rejected. A terminal failure moved the source into the failed tree, so
// it is moved back first or the retried job would only ever see
// ERR_FILE_MISSING.
func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	j, err := s.queue.Get(id)
	if errors.Is(err, queue.ErrNotFound) {
		writeNotFound(w)
		return
	}
	if err != nil {
		writeInternal(w, err)
		return
	}

	restored := false
	if j.Status == job.StatusFailed {
		if restored, err = s.restoreFailedSource(j); err != nil {
			writeInternal(w, err)
			return
		}
	}
	undoRestore := func() {
		if !restored {
			return
		}
		failedDst := filepath.Join(s.cfg.FailedDir, j.RelPath, j.FileName)
		if merr := fsutil.MoveFile(j.FilePath, failedDst); merr != nil {
			s.logger.Warn().Err(merr).Str("job_id", id).Msg("failed to return source to failed tree")
		}
	}

	err = s.queue.Retry(id)
	switch {
	case errors.Is(err, queue.ErrNotFound):
		undoRestore()
		writeNotFound(w)
		return
	case errors.Is(err, queue.ErrJobCompleted):
		undoRestore()
		writeBadRequest(w, "completed jobs cannot be retried; delete the job instead")
		return
	case errors.Is(err, queue.ErrDuplicatePath):
		undoRestore()
		writeConflict(w, "another job already owns this file; retry after it finishes or delete it")
		return
	case err != nil:
		undoRestore()
		writeInternal(w, err)
		return
	}
	j, err = s.queue.Get(id)
	if err != nil {
		writeInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.toResponse(j))
}

// restoreFailedSource moves a failed job's source back into the watch tree
// when the worker relocated it. Reports whether a move happened; a source
// missing from both trees is left to fail the next attempt.
func (s *Server) restoreFailedSource(j *job.Job) (bool, error) {
	if fsutil.IsRegularFile(j.FilePath) == nil {
		return false, nil
	}
	failedSrc := filepath.Join(s.cfg.FailedDir, j.RelPath, j.FileName)
	if fsutil.IsRegularFile(failedSrc) != nil {
		return false, nil
	}
	if err := fsutil.MoveFile(failedSrc, j.FilePath); err != nil {
		return false, err
	}
	s.logger.Info().Str("job_id", j.ID).Str("path", j.FilePath).Msg("restored source from failed tree for retry")
	return true, nil
}

// handleCancelJob cancels a PENDING or PROCESSING job by revoking its lease.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.queue.Cancel(id)
	switch {
	case errors.Is(err, queue.ErrNotFound):
		writeNotFound(w)
		return
	case errors.Is(err, queue.ErrInvalidState):
		writeConflict(w, "job is already terminal")
		return
	case err != nil:
		writeInternal(w, err)
		return
	}
	j, err := s.queue.Get(id)
	if err != nil {
		writeInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.toResponse(j))
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func clampLimit(limit int) int {
	if limit < 1 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}
