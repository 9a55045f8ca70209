// SPDX-License-Identifier: MIT

package queue

import (
	"errors"

	"github.com/dgraph-io/badger/v4"

	"github.com/sonralabs/palantir/internal/job"
	"github.com/sonralabs/palantir/internal/log"
)

// reclaimPathIndex points the path index back at j when reactivating it.
// The path may have been re-ingested as a new job after j went terminal; in
// that case the reactivation is rejected so the path never has two
// non-terminal jobs.
func reclaimPathIndex(txn *badger.Txn, j *job.Job) error {
	item, err := txn.Get(pathKey(j.FilePath))
	if err == nil {
		var owner string
		if verr := item.Value(func(val []byte) error {
			owner = string(val)
			return nil
		}); verr != nil {
			return verr
		}
		if owner != j.ID {
			return ErrDuplicatePath
		}
		return nil
	}
	if !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}
	return txn.Set(pathKey(j.FilePath), []byte(j.ID))
}

// Remove deletes a non-PROCESSING job record and its indexes. Active jobs
// must be cancelled (lease revoked) first.
func (q *Queue) Remove(id string) error {
	return q.db.Update(func(txn *badger.Txn) error {
		j, err := getJob(txn, id)
		if err != nil {
			return err
		}
		if j.Status == job.StatusProcessing {
			return ErrJobProcessing
		}
		if j.Status == job.StatusPending {
			if err := txn.Delete(pendKey(j.Priority, j.CreatedAt, j.ID)); err != nil {
				return err
			}
		}
		if !j.Status.Terminal() {
			if err := txn.Delete(pathKey(j.FilePath)); err != nil {
				return err
			}
		}
		if err := txn.Delete(jobKey(id)); err != nil {
			return err
		}
		return adjustCounter(txn, j.Status, -1)
	})
}

// Retry resets a FAILED job to PENDING at its original priority, clearing
// error fields, progress, and the attempt counter. It is idempotent: a job
// already PENDING or PROCESSING is left untouched. COMPLETED jobs cannot be
// retried (delete first), and ErrDuplicatePath is returned when the source
// path has since been re-ingested as another job.
func (q *Queue) Retry(id string) error {
	return q.db.Update(func(txn *badger.Txn) error {
		j, err := getJob(txn, id)
		if err != nil {
			return err
		}
		switch j.Status {
		case job.StatusPending, job.StatusProcessing:
			return nil
		case job.StatusCompleted:
			return ErrJobCompleted
		case job.StatusFailed, job.StatusCancelled:
		default:
			return ErrInvalidState
		}
		if err := reclaimPathIndex(txn, j); err != nil {
			return err
		}
		if err := adjustCounter(txn, j.Status, -1); err != nil {
			return err
		}
		j.Status = job.StatusPending
		j.Progress = 0
		j.Attempts = 0
		j.StallCount = 0
		j.ErrorCode = ""
		j.ErrorReason = ""
		j.StartedAt = nil
		j.FinishedAt = nil
		j.DurationMS = nil
		clearLease(j)
		if err := putJob(txn, j); err != nil {
			return err
		}
		if err := txn.Set(pendKey(j.Priority, j.CreatedAt, j.ID), []byte(j.ID)); err != nil {
			return err
		}
		return adjustCounter(txn, job.StatusPending, +1)
	})
}

// Revive forces a job back to PENDING from PROCESSING (revoking the lease)
// or FAILED. PENDING is a no-op; terminal success states are rejected, and
// ErrDuplicatePath is returned when another job now owns the source path.
// Operator-initiated reactivation.
func (q *Queue) Revive(id string) error {
	return q.db.Update(func(txn *badger.Txn) error {
		j, err := getJob(txn, id)
		if err != nil {
			return err
		}
		switch j.Status {
		case job.StatusPending:
			return nil
		case job.StatusProcessing, job.StatusFailed:
		default:
			return ErrInvalidState
		}
		if err := reclaimPathIndex(txn, j); err != nil {
			return err
		}
		if err := adjustCounter(txn, j.Status, -1); err != nil {
			return err
		}
		j.Status = job.StatusPending
		j.Progress = 0
		j.StartedAt = nil
		j.FinishedAt = nil
		j.ErrorCode = ""
		j.ErrorReason = ""
		clearLease(j)
		if err := putJob(txn, j); err != nil {
			return err
		}
		if err := txn.Set(pendKey(j.Priority, j.CreatedAt, j.ID), []byte(j.ID)); err != nil {
			return err
		}
		return adjustCounter(txn, job.StatusPending, +1)
	})
}

// Cancel transitions a PENDING or PROCESSING job to CANCELLED, revoking any
// lease. The worker's next lease operation fails and it abandons the job.
func (q *Queue) Cancel(id string) error {
	return q.db.Update(func(txn *badger.Txn) error {
		j, err := getJob(txn, id)
		if err != nil {
			return err
		}
		switch j.Status {
		case job.StatusPending:
			if err := txn.Delete(pendKey(j.Priority, j.CreatedAt, j.ID)); err != nil {
				return err
			}
		case job.StatusProcessing:
		default:
			return ErrInvalidState
		}
		if err := adjustCounter(txn, j.Status, -1); err != nil {
			return err
		}
		finished := q.now()
		j.Status = job.StatusCancelled
		j.FinishedAt = &finished
		clearLease(j)
		if err := putJob(txn, j); err != nil {
			return err
		}
		if err := txn.Delete(pathKey(j.FilePath)); err != nil {
			return err
		}
		return adjustCounter(txn, job.StatusCancelled, +1)
	})
}

// UpdatePriority changes a job's scheduling priority. The external id never
// changes: the record is rewritten and the pending-index key repositioned in
// one transaction, so readers see either the old or the new position.
// Terminal jobs are rejected; a PROCESSING job keeps running and only the
// stored field changes.
func (q *Queue) UpdatePriority(id string, p job.Priority) error {
	return q.db.Update(func(txn *badger.Txn) error {
		j, err := getJob(txn, id)
		if err != nil {
			return err
		}
		if j.Status.Terminal() {
			return ErrInvalidState
		}
		if j.Priority == p {
			return nil
		}
		if j.Status == job.StatusPending {
			if err := txn.Delete(pendKey(j.Priority, j.CreatedAt, j.ID)); err != nil {
				return err
			}
			if err := txn.Set(pendKey(p, j.CreatedAt, j.ID), []byte(j.ID)); err != nil {
				return err
			}
		}
		j.Priority = p
		return putJob(txn, j)
	})
}

// UpdateMetadata merges the given fields into the job's metadata map.
func (q *Queue) UpdateMetadata(id string, metadata map[string]string) error {
	return q.db.Update(func(txn *badger.Txn) error {
		j, err := getJob(txn, id)
		if err != nil {
			return err
		}
		if j.Metadata == nil {
			j.Metadata = make(map[string]string, len(metadata))
		}
		for k, v := range metadata {
			j.Metadata[k] = v
		}
		return putJob(txn, j)
	})
}

// CleanFailed purges all FAILED job records (files on disk are untouched)
// and returns the number removed.
func (q *Queue) CleanFailed() (int, error) {
	failed, err := q.ListByStatus(job.StatusFailed)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, j := range failed {
		if err := q.Remove(j.ID); err != nil {
			if err == ErrNotFound {
				continue
			}
			return removed, err
		}
		removed++
	}
	q.logger.Info().Int("removed", removed).Msg("purged failed jobs")
	return removed, nil
}

// ResetProcessing demotes a PROCESSING job to PENDING with attempts
// unchanged, revoking any lease. Boot reconciliation uses this for zombie
// jobs left over from a crashed process.
func (q *Queue) ResetProcessing(id string) error {
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
		return adjustCounter(txn, job.StatusPending, +1)
	})
	if err != nil {
		return err
	}
	q.logger.Warn().
		Str(log.FieldJobID, id).
		Msg(log.SelfHeal + "reset orphaned processing job to pending")
	return nil
}

// FailPhantom marks a PENDING job FAILED when its source file has vanished.
func (q *Queue) FailPhantom(id, errorCode, errorReason string) error {
	return q.db.Update(func(txn *badger.Txn) error {
		j, err := getJob(txn, id)
		if err != nil {
			return err
		}
		if j.Status != job.StatusPending {
			return ErrInvalidState
		}
		if err := txn.Delete(pendKey(j.Priority, j.CreatedAt, j.ID)); err != nil {
			return err
		}
		if err := adjustCounter(txn, job.StatusPending, -1); err != nil {
			return err
		}
		finished := q.now()
		j.Status = job.StatusFailed
		j.FinishedAt = &finished
		j.ErrorCode = errorCode
		j.ErrorReason = errorReason
		if err := putJob(txn, j); err != nil {
			return err
		}
		if err := txn.Delete(pathKey(j.FilePath)); err != nil {
			return err
		}
		return adjustCounter(txn, job.StatusFailed, +1)
	})
}
