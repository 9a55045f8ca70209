// SPDX-License-Identifier: MIT

package queue

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/sonralabs/palantir/internal/job"
)

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status     job.Status
	NamePrefix string
}

// Page controls List pagination. Page is 1-based; Limit is clamped to 100.
type Page struct {
	Page  int
	Limit int
}

func (p *Page) normalize() {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit < 1 {
		p.Limit = 20
	}
	if p.Limit > 100 {
		p.Limit = 100
	}
}

// Get returns a copy of the job record.
func (q *Queue) Get(id string) (*job.Job, error) {
	var out *job.Job
	err := q.db.View(func(txn *badger.Txn) error {
		j, err := getJob(txn, id)
		if err != nil {
			return err
		}
		out = j
		return nil
	})
	return out, err
}

// GetByPath returns the non-terminal job for a source path, or ErrNotFound.
func (q *Queue) GetByPath(absPath string) (*job.Job, error) {
	var id string
	err := q.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(pathKey(absPath))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			id = string(val)
			return nil
		})
	})
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return q.Get(id)
}

// List returns one page of jobs matching the filter, newest first, and the
// exact total number of matches (never an estimate; pagination math depends
// on it).
func (q *Queue) List(f Filter, p Page) ([]job.Job, int, error) {
	p.normalize()
	matches, err := q.scan(func(j *job.Job) bool {
		if f.Status != "" && j.Status != f.Status {
			return false
		}
		if f.NamePrefix != "" && !strings.HasPrefix(strings.ToLower(j.FileName), strings.ToLower(f.NamePrefix)) {
			return false
		}
		return true
	})
	if err != nil {
		return nil, 0, err
	}
	sort.Slice(matches, func(a, b int) bool {
		return matches[a].CreatedAt.After(matches[b].CreatedAt)
	})
	total := len(matches)
	start := (p.Page - 1) * p.Limit
	if start >= total {
		return []job.Job{}, total, nil
	}
	end := start + p.Limit
	if end > total {
		end = total
	}
	return matches[start:end], total, nil
}

// ListByStatus returns all jobs in any of the given states. Used by the
// reconciler and the stall monitor.
func (q *Queue) ListByStatus(statuses ...job.Status) ([]job.Job, error) {
	want := make(map[job.Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	return q.scan(func(j *job.Job) bool { return want[j.Status] })
}

// CountByStatus returns exact per-status counts.
func (q *Queue) CountByStatus() (map[job.Status]int, error) {
	counts := make(map[job.Status]int, 5)
	err := q.db.View(func(txn *badger.Txn) error {
		for _, s := range []job.Status{job.StatusPending, job.StatusProcessing, job.StatusCompleted, job.StatusFailed, job.StatusCancelled} {
			n, err := readCounter(txn, s)
			if err != nil {
				return err
			}
			counts[s] = n
		}
		return nil
	})
	return counts, err
}

func (q *Queue) scan(match func(*job.Job) bool) ([]job.Job, error) {
	var out []job.Job
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
			if match(&j) {
				out = append(out, j)
			}
		}
		return nil
	})
	return out, err
}
