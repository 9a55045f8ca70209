// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/sonralabs/palantir/internal/engine"
	"github.com/sonralabs/palantir/internal/fsutil"
	"github.com/sonralabs/palantir/internal/job"
	"github.com/sonralabs/palantir/internal/log"
	"github.com/sonralabs/palantir/internal/metrics"
	"github.com/sonralabs/palantir/internal/queue"
)

// jobRun carries one claimed job through Spawning, Streaming, Finalizing and
// Cleanup. The lease belongs to the run until Cleanup releases it through a
// terminal queue transition (or abandons it after expiry).
type jobRun struct {
	pool   *Pool
	job    *job.Job
	lease  *queue.Lease
	logger zerolog.Logger
}

func (r *jobRun) execute(procCtx context.Context) {
	r.logger.Info().
		Str(log.FieldPath, r.job.FilePath).
		Str(log.FieldPriority, r.job.Priority.String()).
		Int(log.FieldAttempt, r.job.Attempts).
		Msg("processing job")

	// Spawning: the source must still exist and the scratch dir be ready.
	if err := fsutil.IsRegularFile(r.job.FilePath); err != nil {
		r.fail(job.ErrCodeFileMissing, job.FileMissingReason(r.job.FilePath))
		return
	}
	outputDir := filepath.Join(r.pool.cfg.OutputDir, r.job.RelPath)
	if err := fsutil.EnsureDir(outputDir); err != nil {
		r.fail(job.ErrCodeEngineCrash, fmt.Sprintf("cannot prepare output directory: %v", err))
		return
	}

	// Streaming: supervise the subprocess; forward progress and heartbeats.
	// No wall-clock timeout here — stall detection owns liveness.
	runCtx, cancelRun := context.WithCancel(procCtx)
	defer cancelRun()

	progressCh := make(chan int, 16)
	supervisorDone := make(chan struct{})
	go r.superviseLease(runCtx, cancelRun, progressCh, supervisorDone)

	runner := &engine.Runner{Settings: r.pool.eng, Logger: r.logger}
	res, runErr := runner.Run(runCtx, r.job.FilePath, outputDir, progressCh)

	close(progressCh)
	<-supervisorDone

	if procCtx.Err() != nil && runErr != nil {
		// Forced shutdown killed the subprocess. Leave the lease to expire;
		// stall detection re-queues the job on next boot or cycle.
		r.logger.Warn().Msg("subprocess interrupted by shutdown")
		return
	}

	// Finalizing.
	if runErr == nil && res.ExitCode == 0 {
		r.finalizeSuccess(outputDir)
		return
	}
	code, reason := engine.Classify(runErr, res)
	metrics.EngineRuns.WithLabelValues("failure").Inc()
	r.removePartial(outputDir)
	r.fail(code, reason)
}

// superviseLease forwards parsed progress updates and keeps the lease alive
// with heartbeats at least every heartbeatInterval. A lost lease cancels the
// subprocess: the queue has already given the job away.
func (r *jobRun) superviseLease(ctx context.Context, cancelRun context.CancelFunc, progressCh <-chan int, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case pct, ok := <-progressCh:
			if !ok {
				return
			}
			if err := r.pool.queue.ReportProgress(r.lease, pct); err != nil {
				r.abandon(cancelRun, err)
				return
			}
		case <-ticker.C:
			if err := r.pool.queue.Heartbeat(r.lease); err != nil {
				r.abandon(cancelRun, err)
				return
			}
		}
	}
}

func (r *jobRun) abandon(cancelRun context.CancelFunc, err error) {
	if errors.Is(err, queue.ErrLeaseExpired) || errors.Is(err, queue.ErrNotFound) {
		r.logger.Warn().Err(err).Msg("lease lost, abandoning subprocess")
	} else {
		r.logger.Error().Err(err).Msg("lease maintenance failed, abandoning subprocess")
	}
	cancelRun()
}

// finalizeSuccess verifies the engine's artifact, moves audio + transcript
// into the completed tree, and completes the job.
func (r *jobRun) finalizeSuccess(outputDir string) {
	produced := r.pool.eng.OutputPath(r.job.FilePath, outputDir)
	info, err := os.Stat(produced)
	if err != nil || info.Size() == 0 {
		metrics.EngineRuns.WithLabelValues("failure").Inc()
		r.removePartial(outputDir)
		r.fail(job.ErrCodeOutputMissing, fmt.Sprintf("engine reported success but %q is missing or empty", produced))
		return
	}

	completedDir := filepath.Join(r.pool.cfg.CompletedDir, r.job.RelPath)
	audioDst := filepath.Join(completedDir, r.job.FileName)
	transcriptDst := audioDst + "." + r.pool.eng.OutputFormat

	if err := fsutil.MoveFile(produced, transcriptDst); err != nil {
		r.logger.Error().Err(err).Msg("failed to move transcript")
		r.fail(job.ErrCodeEngineCrash, fmt.Sprintf("cannot move transcript: %v", err))
		return
	}
	if err := fsutil.MoveFile(r.job.FilePath, audioDst); err != nil {
		r.logger.Error().Err(err).Msg("failed to move source audio")
		r.fail(job.ErrCodeEngineCrash, fmt.Sprintf("cannot move source audio: %v", err))
		return
	}

	// Cleanup: the terminal transition releases the lease.
	if err := r.pool.queue.Complete(r.lease, transcriptDst); err != nil {
		r.logger.Error().Err(err).Msg("complete transition rejected")
		return
	}
	metrics.EngineRuns.WithLabelValues("success").Inc()
	metrics.JobsCompleted.Inc()
	if r.job.StartedAt != nil {
		metrics.JobDuration.Observe(time.Since(*r.job.StartedAt).Seconds())
	}
	r.logger.Info().
		Str(log.FieldTranscriptPath, transcriptDst).
		Msg("job completed")
}

// fail reports the attempt failure and, when the queue decides the job is
// terminal, moves the source into the failed tree.
func (r *jobRun) fail(code, reason string) {
	metrics.JobsFailed.WithLabelValues(code).Inc()
	if err := r.pool.queue.Fail(r.lease, code, reason); err != nil {
		r.logger.Error().Err(err).Str("code", code).Msg("fail transition rejected")
		return
	}
	after, err := r.pool.queue.Get(r.job.ID)
	if err != nil {
		r.logger.Error().Err(err).Msg("cannot read job after failure")
		return
	}
	r.logger.Warn().
		Str("code", code).
		Str("reason", reason).
		Int(log.FieldAttempt, after.Attempts).
		Str(log.FieldNewState, string(after.Status)).
		Msg("job attempt failed")

	if after.Status != job.StatusFailed {
		return // queue re-queued it for another attempt
	}
	if code == job.ErrCodeFileMissing {
		return // nothing on disk to move
	}
	failedDst := filepath.Join(r.pool.cfg.FailedDir, r.job.RelPath, r.job.FileName)
	if err := fsutil.MoveFile(r.job.FilePath, failedDst); err != nil {
		r.logger.Error().Err(err).Str(log.FieldPath, failedDst).Msg("failed to move source to failed tree")
	}
}

// removePartial deletes any partial transcript the engine left in scratch.
func (r *jobRun) removePartial(outputDir string) {
	partial := r.pool.eng.OutputPath(r.job.FilePath, outputDir)
	if err := os.Remove(partial); err == nil {
		r.logger.Debug().Str(log.FieldPath, partial).Msg("removed partial transcript")
	}
}
