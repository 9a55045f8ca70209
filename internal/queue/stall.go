// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/sonralabs/palantir/internal/job"
	"github.com/sonralabs/palantir/internal/log"
	"github.com/sonralabs/palantir/internal/metrics"
)

// RunStallMonitor runs the background stall-detection loop until ctx is
// cancelled. It is the sole liveness mechanism for processing jobs: workers
// enforce no wall-clock limits of their own.
func (q *Queue) RunStallMonitor(ctx context.Context) {
	ticker := time.NewTicker(q.opts.StalledInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.CheckStalled(q.now()); err != nil {
				q.logger.Error().Err(err).Msg("stall check failed")
			}
		}
	}
}

// CheckStalled performs one stall-detection cycle: expired leases are
// demoted back to PENDING (or FAILED past the stall budget), then any
// concurrency drift is repaired by demoting excess PROCESSING jobs
// oldest-first.
func (q *Queue) CheckStalled(now time.Time) error {
	processing, err := q.ListByStatus(job.StatusProcessing)
	if err != nil {
		return err
	}

	for i := range processing {
		j := &processing[i]
		if !j.LeaseExpired(now) && j.LeaseToken != "" {
			continue
		}
		if err := q.stallOne(j.ID, now); err != nil && err != ErrInvalidState {
			q.logger.Error().Err(err).Str(log.FieldJobID, j.ID).Msg("stall transition failed")
		}
	}

	return q.repairDrift(now)
}

// stallOne applies one stall cycle to a PROCESSING job whose lease expired.
func (q *Queue) stallOne(id string, now time.Time) error {
	var after job.Job
	var failed bool
	err := q.db.Update(func(txn *badger.Txn) error {
		j, err := getJob(txn, id)
		if err != nil {
			return err
		}
		// Re-check under the transaction: the worker may have completed in
		// the meantime.
		if j.Status != job.StatusProcessing || (j.LeaseToken != "" && !j.LeaseExpired(now)) {
			return ErrInvalidState
		}
		j.StallCount++
		j.Attempts++
		clearLease(j)
		if err := adjustCounter(txn, job.StatusProcessing, -1); err != nil {
			return err
		}
		if j.StallCount <= q.opts.MaxStalledCount {
			j.Status = job.StatusPending
			j.Progress = 0
			j.StartedAt = nil
			if err := txn.Set(pendKey(j.Priority, j.CreatedAt, j.ID), []byte(j.ID)); err != nil {
				return err
			}
			if err := adjustCounter(txn, job.StatusPending, +1); err != nil {
				return err
			}
		} else {
			failed = true
			finished := now
			j.Status = job.StatusFailed
			j.FinishedAt = &finished
			j.ErrorCode = job.ErrCodeJobStalled
			j.ErrorReason = job.StalledReason(j.Attempts)
			if err := txn.Delete(pathKey(j.FilePath)); err != nil {
				return err
			}
			if err := adjustCounter(txn, job.StatusFailed, +1); err != nil {
				return err
			}
		}
		if err := putJob(txn, j); err != nil {
			return err
		}
		after = *j
		return nil
	})
	if err != nil {
		return err
	}
	metrics.JobsStalled.Inc()

	if failed {
		q.logger.Warn().
			Str(log.FieldJobID, id).
			Int("stall_count", after.StallCount).
			Int(log.FieldAttempt, after.Attempts).
			Msg(log.SelfHeal + "job exceeded stall budget, marked failed")
		q.bus.Publish(Event{Type: EventFailed, Job: after})
	} else {
		q.logger.Warn().
			Str(log.FieldJobID, id).
			Int("stall_count", after.StallCount).
			Int(log.FieldAttempt, after.Attempts).
			Msg(log.SelfHeal + "stalled job returned to pending")
		q.bus.Publish(Event{Type: EventStalled, Job: after})
	}
	return nil
}

// repairDrift restores |PROCESSING| <= ConcurrencyLimit if the counter ever
// drifts (e.g. a record injected behind the queue's back). Excess jobs are
// demoted oldest-first, live lease or not.
func (q *Queue) repairDrift(now time.Time) error {
	processing, err := q.ListByStatus(job.StatusProcessing)
	if err != nil {
		return err
	}
	excess := len(processing) - q.opts.ConcurrencyLimit
	if excess <= 0 {
		return nil
	}
	ptrs := make([]*job.Job, len(processing))
	for i := range processing {
		ptrs[i] = &processing[i]
	}
	sortByStartedAt(ptrs)

	q.logger.Warn().
		Int("processing", len(processing)).
		Int("limit", q.opts.ConcurrencyLimit).
		Msg(log.SelfHeal + "concurrency drift detected, demoting excess jobs")

	for _, j := range ptrs[:excess] {
		if err := q.demoteForDrift(j.ID); err != nil && err != ErrInvalidState {
			return err
		}
	}
	return nil
}

// demoteForDrift force-demotes a PROCESSING job to PENDING with attempts
// unchanged. Unlike a stall, drift is not the job's fault.
func (q *Queue) demoteForDrift(id string) error {
	var after job.Job
	err := q.db.Update(func(txn *badger.Txn) error {
		j, err := getJob(txn, id)
		if err != nil {
			return err
		}
		if j.Status != job.StatusProcessing {
			return ErrInvalidState
		}
		if err := adjustCounter(txn, job.StatusProcessing, -1); err != nil {
			return err
		}
		j.Status = job.StatusPending
		j.Progress = 0
		j.StartedAt = nil
		clearLease(j)
		if err := putJob(txn, j); err != nil {
			return err
		}
		if err := txn.Set(pendKey(j.Priority, j.CreatedAt, j.ID), []byte(j.ID)); err != nil {
			return err
		}
		if err := adjustCounter(txn, job.StatusPending, +1); err != nil {
			return err
		}
		after = *j
		return nil
	})
	if err != nil {
		return err
	}
	q.logger.Warn().
		Str(log.FieldJobID, id).
		Msg(log.SelfHeal + "demoted excess processing job to pending")
	q.bus.Publish(Event{Type: EventStalled, Job: after})
	return nil
}
