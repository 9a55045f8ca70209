// SPDX-License-Identifier: MIT

// Package queue implements the durable priority job queue on top of badger.
//
// Keyspace:
//
//	job:<id>                         full job record (JSON)
//	pend:<prio><created-ns><id>      pending index, ordered by key
//	path:<abs-path>                  non-terminal job id per source path
//	cnt:<status>                     exact per-status counters
//
// Every state transition rewrites the job record, the pending index, the
// path index, and the counters inside a single badger transaction, so
// readers never observe a half-applied transition.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sonralabs/palantir/internal/job"
	"github.com/sonralabs/palantir/internal/log"
)

var (
	ErrNotFound      = errors.New("job not found")
	ErrDuplicateID   = errors.New("job id already exists")
	ErrDuplicatePath = errors.New("non-terminal job already exists for path")
	ErrNoPending     = errors.New("no pending jobs")
	ErrLimitReached  = errors.New("concurrency limit reached")
	ErrLeaseExpired  = errors.New("lease expired or superseded")
	ErrJobProcessing = errors.New("job is processing")
	ErrJobCompleted  = errors.New("job is completed")
	ErrInvalidState  = errors.New("invalid state for operation")
)

const (
	prefixJob  = "job:"
	prefixPend = "pend:"
	prefixPath = "path:"
	prefixCnt  = "cnt:"
)

// Options tunes queue behavior. Zero values pick the documented defaults.
type Options struct {
	ConcurrencyLimit int
	LockDuration     time.Duration
	StalledInterval  time.Duration
	MaxStalledCount  int
	MaxAttempts      int
}

func (o *Options) withDefaults() {
	if o.ConcurrencyLimit < 1 {
		o.ConcurrencyLimit = 3
	}
	if o.LockDuration <= 0 {
		o.LockDuration = 60 * time.Second
	}
	if o.StalledInterval <= 0 {
		o.StalledInterval = 30 * time.Second
	}
	if o.MaxStalledCount < 0 {
		o.MaxStalledCount = 2
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 3
	}
}

// Lease is a time-bounded right to process one job. All processing-side
// mutations require a live lease token.
type Lease struct {
	JobID     string
	Token     string
	ExpiresAt time.Time
}

// Queue is the durable job queue. All methods are safe for concurrent use.
type Queue struct {
	db     *badger.DB
	opts   Options
	logger zerolog.Logger

	// claimMu serializes admission so |PROCESSING| <= ConcurrencyLimit holds
	// under contention. Single-node pool per the deployment model.
	claimMu sync.Mutex

	paused sync.RWMutex // held for writing while claiming is paused

	bus *Bus

	now func() time.Time // injectable clock for tests
}

// New wires a Queue over an open badger DB and rebuilds the exact status
// counters from the job records.
func New(db *badger.DB, opts Options) (*Queue, error) {
	opts.withDefaults()
	q := &Queue{
		db:     db,
		opts:   opts,
		logger: log.WithComponent("queue"),
		bus:    NewBus(),
		now:    time.Now,
	}
	if err := q.rebuildCounters(); err != nil {
		return nil, fmt.Errorf("rebuild counters: %w", err)
	}
	return q, nil
}

// Options returns the effective queue options.
func (q *Queue) Options() Options { return q.opts }

// Subscribe returns a stream of queue events and a cancel function.
func (q *Queue) Subscribe() (<-chan Event, func()) { return q.bus.Subscribe() }

// Pause stops Claim from admitting new jobs until Resume is called. Used by
// the runtime reconciler to quiesce the pool.
func (q *Queue) Pause()  { q.paused.Lock() }
func (q *Queue) Resume() { q.paused.Unlock() }

func pendKey(p job.Priority, created time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%d%020d%s", prefixPend, p, created.UnixNano(), id))
}

func jobKey(id string) []byte    { return []byte(prefixJob + id) }
func pathKey(p string) []byte    { return []byte(prefixPath + p) }
func cntKey(s job.Status) []byte { return []byte(prefixCnt + string(s)) }

// Enqueue inserts a new PENDING job. The id is assigned when empty; a
// duplicate id is rejected, and a second non-terminal job for the same
// source path is rejected with ErrDuplicatePath (the existing id is
// returned in that case).
func (q *Queue) Enqueue(ctx context.Context, j *job.Job) (string, error) {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.Priority == 0 {
		j.Priority = job.PriorityNormal
	}
	if j.MaxAttempts == 0 {
		j.MaxAttempts = q.opts.MaxAttempts
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = q.now()
	}
	j.Status = job.StatusPending
	j.Progress = 0

	var existingID string
	err := q.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(jobKey(j.ID)); err == nil {
			return ErrDuplicateID
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		item, err := txn.Get(pathKey(j.FilePath))
		if err == nil {
			if verr := item.Value(func(val []byte) error {
				existingID = string(val)
				return nil
			}); verr != nil {
				return verr
			}
			return ErrDuplicatePath
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if err := putJob(txn, j); err != nil {
			return err
		}
		if err := txn.Set(pendKey(j.Priority, j.CreatedAt, j.ID), []byte(j.ID)); err != nil {
			return err
		}
		if err := txn.Set(pathKey(j.FilePath), []byte(j.ID)); err != nil {
			return err
		}
		return adjustCounter(txn, job.StatusPending, +1)
	})
	if errors.Is(err, ErrDuplicatePath) {
		return existingID, err
	}
	if err != nil {
		return "", err
	}
	q.logger.Info().
		Str(log.FieldJobID, j.ID).
		Str(log.FieldPath, j.FilePath).
		Str(log.FieldPriority, j.Priority.String()).
		Msg("job enqueued")
	return j.ID, nil
}

// Claim atomically transitions the highest-priority PENDING job (FIFO within
// priority) to PROCESSING and issues a lease. Returns ErrNoPending when the
// queue is drained and ErrLimitReached when the pool is full.
func (q *Queue) Claim(ctx context.Context) (*job.Job, *Lease, error) {
	q.paused.RLock()
	defer q.paused.RUnlock()

	q.claimMu.Lock()
	defer q.claimMu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	now := q.now()
	var claimed job.Job
	lease := &Lease{Token: uuid.NewString(), ExpiresAt: now.Add(q.opts.LockDuration)}

	err := q.db.Update(func(txn *badger.Txn) error {
		processing, err := readCounter(txn, job.StatusProcessing)
		if err != nil {
			return err
		}
		if processing >= q.opts.ConcurrencyLimit {
			return ErrLimitReached
		}

		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(prefixPend)})
		defer it.Close()
		it.Rewind()
		if !it.Valid() {
			return ErrNoPending
		}
		pendK := it.Item().KeyCopy(nil)
		var id string
		if err := it.Item().Value(func(val []byte) error {
			id = string(val)
			return nil
		}); err != nil {
			return err
		}

		j, err := getJob(txn, id)
		if err != nil {
			return err
		}
		if err := txn.Delete(pendK); err != nil {
			return err
		}

		started := now
		j.Status = job.StatusProcessing
		j.StartedAt = &started
		j.Progress = 0
		j.LeaseToken = lease.Token
		j.LeaseExpiresAt = lease.ExpiresAt
		j.LastProgressUpdate = now
		if err := putJob(txn, j); err != nil {
			return err
		}
		if err := adjustCounter(txn, job.StatusPending, -1); err != nil {
			return err
		}
		if err := adjustCounter(txn, job.StatusProcessing, +1); err != nil {
			return err
		}
		claimed = *j
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	lease.JobID = claimed.ID
	q.bus.Publish(Event{Type: EventActive, Job: claimed})
	return &claimed, lease, nil
}

// Heartbeat extends the lease and refreshes the progress timestamp. It fails
// with ErrLeaseExpired if the lease lapsed or was superseded.
func (q *Queue) Heartbeat(lease *Lease) error {
	now := q.now()
	return q.db.Update(func(txn *badger.Txn) error {
		j, err := getJob(txn, lease.JobID)
		if err != nil {
			return err
		}
		if err := checkLease(j, lease, now); err != nil {
			return err
		}
		j.LeaseExpiresAt = now.Add(q.opts.LockDuration)
		j.LastProgressUpdate = now
		lease.ExpiresAt = j.LeaseExpiresAt
		return putJob(txn, j)
	})
}

// ReportProgress records a monotonic progress update under a live lease.
func (q *Queue) ReportProgress(lease *Lease, percent int) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	now := q.now()
	var updated job.Job
	err := q.db.Update(func(txn *badger.Txn) error {
		j, err := getJob(txn, lease.JobID)
		if err != nil {
			return err
		}
		if err := checkLease(j, lease, now); err != nil {
			return err
		}
		if percent > j.Progress {
			j.Progress = percent
		}
		j.LeaseExpiresAt = now.Add(q.opts.LockDuration)
		j.LastProgressUpdate = now
		lease.ExpiresAt = j.LeaseExpiresAt
		updated = *j
		return putJob(txn, j)
	})
	if err != nil {
		return err
	}
	q.bus.Publish(Event{Type: EventProgress, Job: updated})
	return nil
}

// Complete transitions PROCESSING -> COMPLETED and releases the lease.
func (q *Queue) Complete(lease *Lease, transcriptPath string) error {
	now := q.now()
	var done job.Job
	err := q.db.Update(func(txn *badger.Txn) error {
		j, err := getJob(txn, lease.JobID)
		if err != nil {
			return err
		}
		if err := checkLease(j, lease, now); err != nil {
			return err
		}
		finished := now
		j.Status = job.StatusCompleted
		j.Progress = 100
		j.FinishedAt = &finished
		if j.StartedAt != nil {
			d := finished.Sub(*j.StartedAt).Milliseconds()
			j.DurationMS = &d
		}
		j.TranscriptPath = transcriptPath
		j.ErrorCode = ""
		j.ErrorReason = ""
		clearLease(j)
		if err := putJob(txn, j); err != nil {
			return err
		}
		if err := txn.Delete(pathKey(j.FilePath)); err != nil {
			return err
		}
		if err := adjustCounter(txn, job.StatusProcessing, -1); err != nil {
			return err
		}
		if err := adjustCounter(txn, job.StatusCompleted, +1); err != nil {
			return err
		}
		done = *j
		return nil
	})
	if err != nil {
		return err
	}
	q.bus.Publish(Event{Type: EventCompleted, Job: done})
	return nil
}

// Fail records an attempt failure. The job returns to PENDING while attempts
// remain, otherwise it becomes FAILED. The lease is released either way.
func (q *Queue) Fail(lease *Lease, errorCode, errorReason string) error {
	now := q.now()
	var after job.Job
	err := q.db.Update(func(txn *badger.Txn) error {
		j, err := getJob(txn, lease.JobID)
		if err != nil {
			return err
		}
		if err := checkLease(j, lease, now); err != nil {
			return err
		}
		j.Attempts++
		clearLease(j)
		if err := adjustCounter(txn, job.StatusProcessing, -1); err != nil {
			return err
		}
		if j.Attempts < j.MaxAttempts {
			// Error fields describe terminal failures only; a job awaiting
			// another attempt carries none (stall demotion behaves the same).
			j.Status = job.StatusPending
			j.Progress = 0
			j.StartedAt = nil
			j.ErrorCode = ""
			j.ErrorReason = ""
			if err := txn.Set(pendKey(j.Priority, j.CreatedAt, j.ID), []byte(j.ID)); err != nil {
				return err
			}
			if err := adjustCounter(txn, job.StatusPending, +1); err != nil {
				return err
			}
		} else {
			finished := now
			j.Status = job.StatusFailed
			j.FinishedAt = &finished
			j.ErrorCode = errorCode
			j.ErrorReason = errorReason
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
	q.bus.Publish(Event{Type: EventFailed, Job: after})
	return nil
}

func checkLease(j *job.Job, lease *Lease, now time.Time) error {
	if j.Status != job.StatusProcessing || j.LeaseToken != lease.Token {
		return ErrLeaseExpired
	}
	if now.After(j.LeaseExpiresAt) {
		return ErrLeaseExpired
	}
	return nil
}

func clearLease(j *job.Job) {
	j.LeaseToken = ""
	j.LeaseExpiresAt = time.Time{}
}

func putJob(txn *badger.Txn, j *job.Job) error {
	buf, err := json.Marshal(j)
	if err != nil {
		return err
	}
	return txn.Set(jobKey(j.ID), buf)
}

func getJob(txn *badger.Txn, id string) (*job.Job, error) {
	item, err := txn.Get(jobKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var j job.Job
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &j)
	}); err != nil {
		return nil, err
	}
	return &j, nil
}

func adjustCounter(txn *badger.Txn, s job.Status, delta int) error {
	n, err := readCounter(txn, s)
	if err != nil {
		return err
	}
	n += delta
	if n < 0 {
		n = 0
	}
	return txn.Set(cntKey(s), []byte(strconv.Itoa(n)))
}

func readCounter(txn *badger.Txn, s job.Status) (int, error) {
	item, err := txn.Get(cntKey(s))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var n int
	err = item.Value(func(val []byte) error {
		n, err = strconv.Atoi(string(val))
		return err
	})
	return n, err
}

// rebuildCounters recomputes exact status counters and repairs the pending
// and path indexes from the job records. Runs once at open; the on-disk
// records are the source of truth after a crash.
func (q *Queue) rebuildCounters() error {
	counts := map[job.Status]int{}
	var pending []*job.Job
	var nonTerminal []*job.Job

	err := q.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(prefixJob)})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var j job.Job
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &j)
			}); err != nil {
				continue
			}
			counts[j.Status]++
			cp := j
			if j.Status == job.StatusPending {
				pending = append(pending, &cp)
			}
			if !j.Status.Terminal() {
				nonTerminal = append(nonTerminal, &cp)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	return q.db.Update(func(txn *badger.Txn) error {
		for _, s := range []job.Status{job.StatusPending, job.StatusProcessing, job.StatusCompleted, job.StatusFailed, job.StatusCancelled} {
			if err := txn.Set(cntKey(s), []byte(strconv.Itoa(counts[s]))); err != nil {
				return err
			}
		}
		for _, j := range pending {
			if err := txn.Set(pendKey(j.Priority, j.CreatedAt, j.ID), []byte(j.ID)); err != nil {
				return err
			}
		}
		for _, j := range nonTerminal {
			if err := txn.Set(pathKey(j.FilePath), []byte(j.ID)); err != nil {
				return err
			}
		}
		return nil
	})
}

// sortByStartedAt orders jobs oldest-start first. Used for drift repair.
func sortByStartedAt(js []*job.Job) {
	sort.Slice(js, func(a, b int) bool {
		at, bt := time.Time{}, time.Time{}
		if js[a].StartedAt != nil {
			at = *js[a].StartedAt
		}
		if js[b].StartedAt != nil {
			bt = *js[b].StartedAt
		}
		return at.Before(bt)
	})
}
