// SPDX-License-Identifier: MIT

// Package reconcile makes the on-disk layout authoritative over the queue.
// It runs once during boot, before the watcher and the pool start, and can
// be re-run at runtime with the pool paused. After a pass the core
// invariants hold by construction: no PROCESSING jobs without a worker,
// exactly one non-terminal job per inbox file, no phantom jobs, no stale
// temp files.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sonralabs/palantir/internal/config"
	"github.com/sonralabs/palantir/internal/engine"
	"github.com/sonralabs/palantir/internal/fsutil"
	"github.com/sonralabs/palantir/internal/job"
	"github.com/sonralabs/palantir/internal/log"
	"github.com/sonralabs/palantir/internal/metrics"
	"github.com/sonralabs/palantir/internal/queue"
	"github.com/sonralabs/palantir/internal/watcher"
)

// tmpSweepAge is how old a stray .tmp file must be before it is unlinked.
// Young ones may belong to a move that is still in flight.
const tmpSweepAge = 5 * time.Minute

// Report summarizes one reconciliation pass.
type Report struct {
	StartedAt           time.Time `json:"startedAt"`
	FinishedAt          time.Time `json:"finishedAt"`
	FilesScanned        int       `json:"filesScanned"`
	JobsCreated         int       `json:"jobsCreated"`
	PartialFilesDeleted int       `json:"partialFilesDeleted"`
	JobsReconciled      int       `json:"jobsReconciled"`
	PhantomsFailed      int       `json:"phantomsFailed"`
	TmpFilesSwept       int       `json:"tmpFilesSwept"`
}

// Reconciler runs the disk-vs-queue reconciliation algorithm.
type Reconciler struct {
	cfg      config.Config
	queue    *queue.Queue
	ingestor *watcher.Ingestor
	eng      engine.Settings
	logger   zerolog.Logger
}

// New wires a Reconciler.
func New(cfg config.Config, q *queue.Queue, ing *watcher.Ingestor) *Reconciler {
	return &Reconciler{
		cfg:      cfg,
		queue:    q,
		ingestor: ing,
		eng:      engine.FromConfig(cfg),
		logger:   log.WithComponent("reconciler"),
	}
}

// Run executes one full pass and persists the report. A report that cannot
// be written is a boot failure.
func (r *Reconciler) Run(ctx context.Context) (*Report, error) {
	report := &Report{StartedAt: time.Now()}
	metrics.ReconcileRuns.Inc()

	inboxFiles, tmpFiles, err := r.inventoryDisk(ctx)
	if err != nil {
		return nil, fmt.Errorf("inventory disk: %w", err)
	}
	report.FilesScanned = len(inboxFiles)

	if err := r.resetZombies(report); err != nil {
		return nil, fmt.Errorf("reset zombies: %w", err)
	}
	if err := r.ingestOrphans(ctx, inboxFiles, report); err != nil {
		return nil, fmt.Errorf("ingest orphans: %w", err)
	}
	if err := r.failPhantoms(report); err != nil {
		return nil, fmt.Errorf("fail phantoms: %w", err)
	}
	r.sweepTmp(tmpFiles, report)

	report.FinishedAt = time.Now()
	if err := r.writeReport(report); err != nil {
		return nil, fmt.Errorf("write reconciliation report: %w", err)
	}

	r.logger.Info().
		Int("files_scanned", report.FilesScanned).
		Int("jobs_created", report.JobsCreated).
		Int("partials_deleted", report.PartialFilesDeleted).
		Int("jobs_reconciled", report.JobsReconciled).
		Int("phantoms_failed", report.PhantomsFailed).
		Int("tmp_swept", report.TmpFilesSwept).
		Dur("took", report.FinishedAt.Sub(report.StartedAt)).
		Msg("reconciliation complete")
	return report, nil
}

// inventoryDisk walks the inbox for candidate audio files and all managed
// directories for stray temp files. The four trees are walked in parallel;
// boot time matters at fleet scale.
func (r *Reconciler) inventoryDisk(ctx context.Context) (inbox []string, tmp []string, err error) {
	var inboxLocal, tmpWatch, tmpOut, tmpDone, tmpFailed []string

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return filepath.WalkDir(r.cfg.WatchDir, func(path string, d fs.DirEntry, werr error) error {
			if werr != nil {
				r.logger.Warn().Err(werr).Str(log.FieldPath, path).Msg("inventory error, skipping entry")
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
				return nil
			}
			if strings.HasSuffix(d.Name(), fsutil.TmpSuffix) {
				tmpWatch = append(tmpWatch, path)
				return nil
			}
			inboxLocal = append(inboxLocal, path)
			return nil
		})
	})
	collectTmp := func(root string, into *[]string) func() error {
		return func() error {
			return filepath.WalkDir(root, func(path string, d fs.DirEntry, werr error) error {
				if werr != nil {
					return nil
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if !d.IsDir() && strings.HasSuffix(d.Name(), fsutil.TmpSuffix) {
					*into = append(*into, path)
				}
				return nil
			})
		}
	}
	g.Go(collectTmp(r.cfg.OutputDir, &tmpOut))
	g.Go(collectTmp(r.cfg.CompletedDir, &tmpDone))
	g.Go(collectTmp(r.cfg.FailedDir, &tmpFailed))
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	tmp = append(tmp, tmpWatch...)
	tmp = append(tmp, tmpOut...)
	tmp = append(tmp, tmpDone...)
	tmp = append(tmp, tmpFailed...)
	return inboxLocal, tmp, nil
}

// resetZombies demotes every PROCESSING job: no workers exist yet, so each
// one is a leftover from a dead process. Partial transcripts are deleted so
// the retry starts clean.
func (r *Reconciler) resetZombies(report *Report) error {
	processing, err := r.queue.ListByStatus(job.StatusProcessing)
	if err != nil {
		return err
	}
	for _, j := range processing {
		partial := r.eng.OutputPath(j.FilePath, filepath.Join(r.cfg.OutputDir, j.RelPath))
		if err := os.Remove(partial); err == nil {
			report.PartialFilesDeleted++
			r.logger.Warn().
				Str(log.FieldJobID, j.ID).
				Str(log.FieldPath, partial).
				Msg(log.SelfHeal + "deleted partial transcript of interrupted job")
		}
		if err := r.queue.ResetProcessing(j.ID); err != nil && !errors.Is(err, queue.ErrInvalidState) {
			return err
		}
		report.JobsReconciled++
		metrics.ReconcileJobsReset.Inc()
	}
	return nil
}

// ingestOrphans enqueues inbox files with no non-terminal job, through the
// full watcher pipeline (sanitize, validate, classify, dedup, tracker).
func (r *Reconciler) ingestOrphans(ctx context.Context, inboxFiles []string, report *Report) error {
	for _, path := range inboxFiles {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := r.queue.GetByPath(path); err == nil {
			continue // non-terminal job already owns this file
		} else if !errors.Is(err, queue.ErrNotFound) {
			return err
		}
		id, err := r.ingestor.IngestFile(ctx, path)
		if errors.Is(err, watcher.ErrSkipped) {
			continue
		}
		if err != nil {
			return err
		}
		report.JobsCreated++
		metrics.ReconcileJobsCreated.Inc()
		r.logger.Warn().
			Str(log.FieldJobID, id).
			Str(log.FieldPath, path).
			Msg(log.SelfHeal + "enqueued orphaned inbox file")
	}
	return nil
}

// failPhantoms terminally fails PENDING jobs whose source file vanished.
func (r *Reconciler) failPhantoms(report *Report) error {
	pending, err := r.queue.ListByStatus(job.StatusPending)
	if err != nil {
		return err
	}
	for _, j := range pending {
		if _, err := os.Stat(j.FilePath); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			continue
		}
		if err := r.queue.FailPhantom(j.ID, job.ErrCodeFileMissing, job.FileMissingReason(j.FilePath)); err != nil {
			if errors.Is(err, queue.ErrInvalidState) || errors.Is(err, queue.ErrNotFound) {
				continue
			}
			return err
		}
		report.PhantomsFailed++
		r.logger.Warn().
			Str(log.FieldJobID, j.ID).
			Str(log.FieldPath, j.FilePath).
			Msg(log.SelfHeal + "failed phantom job, source file missing")
	}
	return nil
}

// sweepTmp unlinks stray temp files old enough that no move can still own
// them.
func (r *Reconciler) sweepTmp(tmpFiles []string, report *Report) {
	cutoff := time.Now().Add(-tmpSweepAge)
	for _, path := range tmpFiles {
		info, err := os.Stat(path)
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil {
			r.logger.Warn().Err(err).Str(log.FieldPath, path).Msg("failed to sweep tmp file")
			continue
		}
		report.TmpFilesSwept++
		r.logger.Warn().Str(log.FieldPath, path).Msg(log.SelfHeal + "swept stale tmp file")
	}
}

// writeReport persists the report durably; boot aborts if this fails.
func (r *Reconciler) writeReport(report *Report) error {
	buf, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(filepath.Join(r.cfg.DataDir, "reconciliation-report.json"), buf)
}
