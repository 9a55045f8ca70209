// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sonralabs/palantir/internal/job"
	"github.com/sonralabs/palantir/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestQueue(t *testing.T, opts Options) *Queue {
	t.Helper()
	db, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })

	q, err := New(db, opts)
	require.NoError(t, err)
	return q
}

func testJob(path string, prio job.Priority) *job.Job {
	return &job.Job{
		FilePath:      path,
		FileName:      "audio.mp3",
		FileSizeBytes: 1 << 20,
		Priority:      prio,
	}
}

func TestEnqueueAssignsDefaults(t *testing.T) {
	q := newTestQueue(t, Options{})

	id, err := q.Enqueue(context.Background(), testJob("/watch/a.mp3", 0))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	j, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, j.Status)
	assert.Equal(t, job.PriorityNormal, j.Priority)
	assert.Equal(t, 3, j.MaxAttempts)
	assert.False(t, j.CreatedAt.IsZero())
}

func TestEnqueueRejectsDuplicateID(t *testing.T) {
	q := newTestQueue(t, Options{})

	j := testJob("/watch/a.mp3", job.PriorityNormal)
	j.ID = "fixed-id"
	_, err := q.Enqueue(context.Background(), j)
	require.NoError(t, err)

	dup := testJob("/watch/b.mp3", job.PriorityNormal)
	dup.ID = "fixed-id"
	_, err = q.Enqueue(context.Background(), dup)
	require.ErrorIs(t, err, ErrDuplicateID)
}

func TestEnqueueRejectsDuplicatePath(t *testing.T) {
	q := newTestQueue(t, Options{})

	first, err := q.Enqueue(context.Background(), testJob("/watch/a.mp3", job.PriorityNormal))
	require.NoError(t, err)

	existing, err := q.Enqueue(context.Background(), testJob("/watch/a.mp3", job.PriorityNormal))
	require.ErrorIs(t, err, ErrDuplicatePath)
	assert.Equal(t, first, existing, "duplicate enqueue must surface the existing id")
}

func TestEnqueueAllowsPathReuseAfterTerminal(t *testing.T) {
	q := newTestQueue(t, Options{MaxAttempts: 1})

	id, err := q.Enqueue(context.Background(), testJob("/watch/a.mp3", job.PriorityNormal))
	require.NoError(t, err)
	_, lease, err := q.Claim(context.Background())
	require.NoError(t, err)
	require.NoError(t, q.Fail(lease, job.ErrCodeEngineCrash, "boom"))

	j, err := q.Get(id)
	require.NoError(t, err)
	require.Equal(t, job.StatusFailed, j.Status)

	_, err = q.Enqueue(context.Background(), testJob("/watch/a.mp3", job.PriorityNormal))
	require.NoError(t, err, "terminal jobs must not block the path")
}

func TestClaimOrdersByPriorityThenFIFO(t *testing.T) {
	q := newTestQueue(t, Options{ConcurrencyLimit: 10})

	base := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	mkJob := func(path string, prio job.Priority, offset time.Duration) {
		j := testJob(path, prio)
		j.CreatedAt = base.Add(offset)
		_, err := q.Enqueue(context.Background(), j)
		require.NoError(t, err)
	}
	mkJob("/watch/low.mp3", job.PriorityLow, 0)
	mkJob("/watch/normal-2.mp3", job.PriorityNormal, 2*time.Second)
	mkJob("/watch/normal-1.mp3", job.PriorityNormal, time.Second)
	mkJob("/watch/urgent.mp3", job.PriorityUrgent, 3*time.Second)

	var order []string
	for i := 0; i < 4; i++ {
		j, _, err := q.Claim(context.Background())
		require.NoError(t, err)
		order = append(order, j.FilePath)
	}
	assert.Equal(t, []string{
		"/watch/urgent.mp3",
		"/watch/normal-1.mp3",
		"/watch/normal-2.mp3",
		"/watch/low.mp3",
	}, order)
}

func TestClaimEnforcesConcurrencyLimit(t *testing.T) {
	q := newTestQueue(t, Options{ConcurrencyLimit: 2})

	for i, p := range []string{"/w/a.mp3", "/w/b.mp3", "/w/c.mp3"} {
		j := testJob(p, job.PriorityNormal)
		j.CreatedAt = time.Now().Add(time.Duration(i) * time.Millisecond)
		_, err := q.Enqueue(context.Background(), j)
		require.NoError(t, err)
	}

	_, _, err := q.Claim(context.Background())
	require.NoError(t, err)
	_, l2, err := q.Claim(context.Background())
	require.NoError(t, err)

	_, _, err = q.Claim(context.Background())
	require.ErrorIs(t, err, ErrLimitReached)

	require.NoError(t, q.Complete(l2, "/out/b.txt"))
	_, _, err = q.Claim(context.Background())
	require.NoError(t, err, "slot must free up after completion")
}

func TestClaimEmptyQueue(t *testing.T) {
	q := newTestQueue(t, Options{})
	_, _, err := q.Claim(context.Background())
	require.ErrorIs(t, err, ErrNoPending)
}

func TestClaimRespectsPause(t *testing.T) {
	q := newTestQueue(t, Options{})
	_, err := q.Enqueue(context.Background(), testJob("/w/a.mp3", job.PriorityNormal))
	require.NoError(t, err)

	q.Pause()
	claimed := make(chan struct{})
	go func() {
		_, _, _ = q.Claim(context.Background())
		close(claimed)
	}()
	select {
	case <-claimed:
		t.Fatal("claim must block while paused")
	case <-time.After(100 * time.Millisecond):
	}
	q.Resume()
	select {
	case <-claimed:
	case <-time.After(2 * time.Second):
		t.Fatal("claim must proceed after resume")
	}
}

func TestLeaseExpiryRejectsMutations(t *testing.T) {
	q := newTestQueue(t, Options{LockDuration: time.Minute})
	_, err := q.Enqueue(context.Background(), testJob("/w/a.mp3", job.PriorityNormal))
	require.NoError(t, err)

	_, lease, err := q.Claim(context.Background())
	require.NoError(t, err)

	// Move the clock past the lease deadline.
	q.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	assert.ErrorIs(t, q.Heartbeat(lease), ErrLeaseExpired)
	assert.ErrorIs(t, q.ReportProgress(lease, 50), ErrLeaseExpired)
	assert.ErrorIs(t, q.Complete(lease, "/out/a.txt"), ErrLeaseExpired)
	assert.ErrorIs(t, q.Fail(lease, "X", "y"), ErrLeaseExpired)
}

func TestHeartbeatExtendsLease(t *testing.T) {
	q := newTestQueue(t, Options{LockDuration: time.Minute})
	id, err := q.Enqueue(context.Background(), testJob("/w/a.mp3", job.PriorityNormal))
	require.NoError(t, err)

	_, lease, err := q.Claim(context.Background())
	require.NoError(t, err)
	before := lease.ExpiresAt

	q.now = func() time.Time { return before.Add(-time.Second) }
	require.NoError(t, q.Heartbeat(lease))
	assert.True(t, lease.ExpiresAt.After(before))

	j, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, lease.ExpiresAt.Unix(), j.LeaseExpiresAt.Unix())
}

func TestReportProgressIsMonotonic(t *testing.T) {
	q := newTestQueue(t, Options{})
	id, err := q.Enqueue(context.Background(), testJob("/w/a.mp3", job.PriorityNormal))
	require.NoError(t, err)
	_, lease, err := q.Claim(context.Background())
	require.NoError(t, err)

	require.NoError(t, q.ReportProgress(lease, 60))
	require.NoError(t, q.ReportProgress(lease, 40))

	j, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, 60, j.Progress, "progress must never regress")
}

func TestCompleteRecordsDuration(t *testing.T) {
	q := newTestQueue(t, Options{})
	id, err := q.Enqueue(context.Background(), testJob("/w/a.mp3", job.PriorityNormal))
	require.NoError(t, err)

	start := time.Now()
	q.now = func() time.Time { return start }
	_, lease, err := q.Claim(context.Background())
	require.NoError(t, err)

	q.now = func() time.Time { return start.Add(90 * time.Second) }
	require.NoError(t, q.Complete(lease, "/out/a.txt"))

	j, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, j.Status)
	assert.Equal(t, 100, j.Progress)
	assert.Equal(t, "/out/a.txt", j.TranscriptPath)
	require.NotNil(t, j.DurationMS)
	assert.Equal(t, int64(90_000), *j.DurationMS)
	assert.Empty(t, j.LeaseToken)
}

func TestFailRetriesUntilMaxAttempts(t *testing.T) {
	q := newTestQueue(t, Options{MaxAttempts: 2})
	id, err := q.Enqueue(context.Background(), testJob("/w/a.mp3", job.PriorityNormal))
	require.NoError(t, err)

	_, lease, err := q.Claim(context.Background())
	require.NoError(t, err)
	require.NoError(t, q.Fail(lease, job.ErrCodeEngineCrash, "exit 1"))

	j, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, j.Status, "first failure returns the job to the queue")
	assert.Equal(t, 1, j.Attempts)
	assert.Empty(t, j.ErrorCode, "a job awaiting another attempt carries no error fields")
	assert.Empty(t, j.ErrorReason)

	_, lease, err = q.Claim(context.Background())
	require.NoError(t, err)
	require.NoError(t, q.Fail(lease, job.ErrCodeEngineCrash, "exit 1"))

	j, err = q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Equal(t, 2, j.Attempts)
	assert.Equal(t, job.ErrCodeEngineCrash, j.ErrorCode)
	assert.NotNil(t, j.FinishedAt)
}

func TestStallDemotesThenFails(t *testing.T) {
	q := newTestQueue(t, Options{LockDuration: time.Minute, MaxStalledCount: 1, MaxAttempts: 10})
	id, err := q.Enqueue(context.Background(), testJob("/w/a.mp3", job.PriorityNormal))
	require.NoError(t, err)

	// First stall: within budget, back to pending with both counters bumped.
	_, _, err = q.Claim(context.Background())
	require.NoError(t, err)
	require.NoError(t, q.CheckStalled(time.Now().Add(2*time.Minute)))

	j, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, j.Status)
	assert.Equal(t, 1, j.StallCount)
	assert.Equal(t, 1, j.Attempts)

	// Second stall: budget exceeded, terminal failure.
	_, _, err = q.Claim(context.Background())
	require.NoError(t, err)
	require.NoError(t, q.CheckStalled(time.Now().Add(2*time.Minute)))

	j, err = q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Equal(t, job.ErrCodeJobStalled, j.ErrorCode)
	assert.Equal(t, 2, j.StallCount)
}

func TestStallSkipsLiveLeases(t *testing.T) {
	q := newTestQueue(t, Options{LockDuration: time.Hour})
	id, err := q.Enqueue(context.Background(), testJob("/w/a.mp3", job.PriorityNormal))
	require.NoError(t, err)
	_, _, err = q.Claim(context.Background())
	require.NoError(t, err)

	require.NoError(t, q.CheckStalled(time.Now()))

	j, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusProcessing, j.Status)
	assert.Zero(t, j.StallCount)
}

func TestRepairDriftDemotesOldestFirst(t *testing.T) {
	q := newTestQueue(t, Options{ConcurrencyLimit: 1, LockDuration: time.Hour})

	// Inject two processing records behind the queue's back to simulate
	// counter drift after a restore.
	old := time.Now().Add(-time.Hour)
	young := time.Now()
	for i, started := range []time.Time{old, young} {
		j := testJob("/w/drift"+string(rune('a'+i))+".mp3", job.PriorityNormal)
		id, err := q.Enqueue(context.Background(), j)
		require.NoError(t, err)
		stored, err := q.Get(id)
		require.NoError(t, err)
		s := started
		stored.Status = job.StatusProcessing
		stored.StartedAt = &s
		stored.LeaseToken = "tok"
		stored.LeaseExpiresAt = time.Now().Add(time.Hour)
		require.NoError(t, q.db.Update(func(txn *badger.Txn) error {
			return putJob(txn, stored)
		}))
	}

	require.NoError(t, q.CheckStalled(time.Now()))

	processing, err := q.ListByStatus(job.StatusProcessing)
	require.NoError(t, err)
	require.Len(t, processing, 1)
	assert.Equal(t, young.Unix(), processing[0].StartedAt.Unix(), "youngest job keeps its slot")
	assert.Zero(t, processing[0].Attempts, "drift demotion must not charge attempts")
}

func TestCountersSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	db, err := store.Open(dir)
	require.NoError(t, err)
	q, err := New(db, Options{})
	require.NoError(t, err)

	_, err = q.Enqueue(context.Background(), testJob("/w/a.mp3", job.PriorityNormal))
	require.NoError(t, err)
	_, err = q.Enqueue(context.Background(), testJob("/w/b.mp3", job.PriorityNormal))
	require.NoError(t, err)
	_, lease, err := q.Claim(context.Background())
	require.NoError(t, err)
	require.NoError(t, q.Complete(lease, "/out/a.txt"))
	require.NoError(t, db.Close())

	db, err = store.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	q, err = New(db, Options{})
	require.NoError(t, err)

	counts, err := q.CountByStatus()
	require.NoError(t, err)
	assert.Equal(t, 1, counts[job.StatusPending])
	assert.Equal(t, 1, counts[job.StatusCompleted])
	assert.Zero(t, counts[job.StatusProcessing])

	// The pending index was rebuilt: the remaining job is claimable.
	j, _, err := q.Claim(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/w/b.mp3", j.FilePath)
}

func TestRetrySemantics(t *testing.T) {
	q := newTestQueue(t, Options{MaxAttempts: 1})
	id, err := q.Enqueue(context.Background(), testJob("/w/a.mp3", job.PriorityNormal))
	require.NoError(t, err)

	// Retry on a pending job is a no-op.
	require.NoError(t, q.Retry(id))

	_, lease, err := q.Claim(context.Background())
	require.NoError(t, err)
	require.NoError(t, q.Fail(lease, job.ErrCodeEngineCrash, "boom"))

	require.NoError(t, q.Retry(id))
	j, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, j.Status)
	assert.Zero(t, j.Attempts, "retry resets the attempt budget")
	assert.Empty(t, j.ErrorCode)

	// Completed jobs cannot be retried.
	_, lease, err = q.Claim(context.Background())
	require.NoError(t, err)
	require.NoError(t, q.Complete(lease, "/out/a.txt"))
	require.ErrorIs(t, q.Retry(id), ErrJobCompleted)
}

func TestRetryRejectsReclaimedPath(t *testing.T) {
	q := newTestQueue(t, Options{})

	first, err := q.Enqueue(context.Background(), testJob("/w/a.mp3", job.PriorityNormal))
	require.NoError(t, err)
	require.NoError(t, q.FailPhantom(first, job.ErrCodeFileMissing, "gone"))

	// The file reappeared and was ingested again as a new job.
	second, err := q.Enqueue(context.Background(), testJob("/w/a.mp3", job.PriorityNormal))
	require.NoError(t, err)

	require.ErrorIs(t, q.Retry(first), ErrDuplicatePath)
	require.ErrorIs(t, q.Revive(first), ErrDuplicatePath)

	j, err := q.Get(first)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, j.Status, "rejected retry must not touch the record")

	owner, err := q.GetByPath("/w/a.mp3")
	require.NoError(t, err)
	assert.Equal(t, second, owner.ID, "path index still belongs to the live job")

	// Once the second job reaches a terminal state the first can come back.
	_, lease, err := q.Claim(context.Background())
	require.NoError(t, err)
	require.NoError(t, q.Complete(lease, "/out/a.txt"))
	require.NoError(t, q.Retry(first))

	owner, err = q.GetByPath("/w/a.mp3")
	require.NoError(t, err)
	assert.Equal(t, first, owner.ID)
}

func TestCancelRevokesLease(t *testing.T) {
	q := newTestQueue(t, Options{})
	id, err := q.Enqueue(context.Background(), testJob("/w/a.mp3", job.PriorityNormal))
	require.NoError(t, err)
	_, lease, err := q.Claim(context.Background())
	require.NoError(t, err)

	require.NoError(t, q.Cancel(id))

	j, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCancelled, j.Status)
	assert.ErrorIs(t, q.ReportProgress(lease, 10), ErrLeaseExpired,
		"the worker's next lease operation must fail after cancel")
	require.ErrorIs(t, q.Cancel(id), ErrInvalidState)
}

func TestUpdatePriorityRepositionsPending(t *testing.T) {
	q := newTestQueue(t, Options{})

	lowID, err := q.Enqueue(context.Background(), testJob("/w/low.mp3", job.PriorityLow))
	require.NoError(t, err)
	j2 := testJob("/w/urgent.mp3", job.PriorityUrgent)
	j2.CreatedAt = time.Now().Add(time.Second)
	_, err = q.Enqueue(context.Background(), j2)
	require.NoError(t, err)

	// Promote the low job above urgent; its id must not change.
	require.NoError(t, q.UpdatePriority(lowID, job.PriorityUrgent))
	j, err := q.Get(lowID)
	require.NoError(t, err)
	assert.Equal(t, job.PriorityUrgent, j.Priority)

	first, _, err := q.Claim(context.Background())
	require.NoError(t, err)
	assert.Equal(t, lowID, first.ID, "repositioned job claims first (earlier CreatedAt)")
}

func TestUpdatePriorityRejectsTerminal(t *testing.T) {
	q := newTestQueue(t, Options{})
	id, err := q.Enqueue(context.Background(), testJob("/w/a.mp3", job.PriorityNormal))
	require.NoError(t, err)
	_, lease, err := q.Claim(context.Background())
	require.NoError(t, err)
	require.NoError(t, q.Complete(lease, "/out/a.txt"))

	require.ErrorIs(t, q.UpdatePriority(id, job.PriorityUrgent), ErrInvalidState)
}

func TestListPaginationExactTotal(t *testing.T) {
	q := newTestQueue(t, Options{})
	base := time.Now()
	for i := 0; i < 25; i++ {
		j := testJob("/w/file-"+string(rune('a'+i))+".mp3", job.PriorityNormal)
		j.CreatedAt = base.Add(time.Duration(i) * time.Second)
		_, err := q.Enqueue(context.Background(), j)
		require.NoError(t, err)
	}

	page1, total, err := q.List(Filter{}, Page{Page: 1, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 25, total)
	require.Len(t, page1, 10)
	assert.True(t, page1[0].CreatedAt.After(page1[9].CreatedAt), "newest first")

	page3, total, err := q.List(Filter{}, Page{Page: 3, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 25, total)
	assert.Len(t, page3, 5)

	empty, total, err := q.List(Filter{}, Page{Page: 4, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 25, total)
	assert.Empty(t, empty)
}

func TestListFilters(t *testing.T) {
	q := newTestQueue(t, Options{MaxAttempts: 1})
	_, err := q.Enqueue(context.Background(), testJob("/w/a.mp3", job.PriorityNormal))
	require.NoError(t, err)
	meeting := testJob("/w/meeting.mp3", job.PriorityNormal)
	meeting.FileName = "Meeting_Notes.mp3"
	_, err = q.Enqueue(context.Background(), meeting)
	require.NoError(t, err)

	byStatus, total, err := q.List(Filter{Status: job.StatusPending}, Page{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, byStatus, 2)

	byName, total, err := q.List(Filter{NamePrefix: "meeting"}, Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, byName, 1)
	assert.Equal(t, "Meeting_Notes.mp3", byName[0].FileName)
}

func TestRemoveRejectsProcessing(t *testing.T) {
	q := newTestQueue(t, Options{})
	id, err := q.Enqueue(context.Background(), testJob("/w/a.mp3", job.PriorityNormal))
	require.NoError(t, err)
	_, _, err = q.Claim(context.Background())
	require.NoError(t, err)

	require.ErrorIs(t, q.Remove(id), ErrJobProcessing)
}

func TestCleanFailedPurgesRecords(t *testing.T) {
	q := newTestQueue(t, Options{MaxAttempts: 1})
	id, err := q.Enqueue(context.Background(), testJob("/w/a.mp3", job.PriorityNormal))
	require.NoError(t, err)
	_, lease, err := q.Claim(context.Background())
	require.NoError(t, err)
	require.NoError(t, q.Fail(lease, job.ErrCodeEngineCrash, "boom"))

	removed, err := q.CleanFailed()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	_, err = q.Get(id)
	require.ErrorIs(t, err, ErrNotFound)

	counts, err := q.CountByStatus()
	require.NoError(t, err)
	assert.Zero(t, counts[job.StatusFailed])
}

func TestResetProcessingKeepsAttempts(t *testing.T) {
	q := newTestQueue(t, Options{})
	id, err := q.Enqueue(context.Background(), testJob("/w/a.mp3", job.PriorityNormal))
	require.NoError(t, err)
	_, _, err = q.Claim(context.Background())
	require.NoError(t, err)

	require.NoError(t, q.ResetProcessing(id))

	j, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, j.Status)
	assert.Zero(t, j.Attempts)
	assert.Zero(t, j.Progress)
	assert.Nil(t, j.StartedAt)
}

func TestFailPhantom(t *testing.T) {
	q := newTestQueue(t, Options{})
	id, err := q.Enqueue(context.Background(), testJob("/w/gone.mp3", job.PriorityNormal))
	require.NoError(t, err)

	require.NoError(t, q.FailPhantom(id, job.ErrCodeFileMissing, "source file disappeared"))

	j, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Equal(t, job.ErrCodeFileMissing, j.ErrorCode)

	_, _, err = q.Claim(context.Background())
	require.ErrorIs(t, err, ErrNoPending, "phantom must leave the pending index")
}

func TestEventsPublishedOnTransitions(t *testing.T) {
	q := newTestQueue(t, Options{})
	events, cancel := q.Subscribe()
	defer cancel()

	_, err := q.Enqueue(context.Background(), testJob("/w/a.mp3", job.PriorityNormal))
	require.NoError(t, err)
	_, lease, err := q.Claim(context.Background())
	require.NoError(t, err)
	require.NoError(t, q.ReportProgress(lease, 42))
	require.NoError(t, q.Complete(lease, "/out/a.txt"))

	var types []EventType
	for i := 0; i < 3; i++ {
		select {
		case ev := <-events:
			types = append(types, ev.Type)
		case <-time.After(time.Second):
			t.Fatal("missing queue event")
		}
	}
	assert.Equal(t, []EventType{EventActive, EventProgress, EventCompleted}, types)
}
