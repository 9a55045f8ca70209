// SPDX-License-Identifier: MIT

// Package tracker maintains the persistent dedup index for ingested files.
// Two keyspaces in the shared badger DB: a path entry with a 30-day TTL and
// a permanent fingerprint entry. Lookups fail open — losing dedup is less
// harmful than dropping work, and the queue's per-path uniqueness check is
// the backstop.
package tracker

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/sonralabs/palantir/internal/job"
	"github.com/sonralabs/palantir/internal/log"
)

const (
	prefixPath        = "trk:path:"
	prefixFingerprint = "trk:fp:"

	pathTTL = 30 * 24 * time.Hour
)

// Entry records when a file was ingested and by which job.
type Entry struct {
	JobID       string    `json:"jobId"`
	ProcessedAt time.Time `json:"processedAt"`
}

// Tracker is the persistent dedup index.
type Tracker struct {
	db     *badger.DB
	logger zerolog.Logger
}

// New wires a Tracker over the shared badger DB.
func New(db *badger.DB) *Tracker {
	return &Tracker{db: db, logger: log.WithComponent("tracker")}
}

// IsProcessed reports whether the path or its current fingerprint has been
// ingested before. Store errors fail open: the file is allowed through.
func (t *Tracker) IsProcessed(absPath string) bool {
	fp := job.Fingerprint(absPath)
	found := false
	err := t.db.View(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(prefixPath + absPath)); err == nil {
			found = true
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if _, err := txn.Get([]byte(prefixFingerprint + fp)); err == nil {
			found = true
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return nil
	})
	if err != nil {
		t.logger.Warn().Err(err).
			Str(log.FieldPath, absPath).
			Msg("dedup lookup failed, allowing ingestion")
		return false
	}
	return found
}

// MarkProcessed records the path (with TTL) and its fingerprint (permanent).
func (t *Tracker) MarkProcessed(absPath, jobID string) error {
	entry := Entry{JobID: jobID, ProcessedAt: time.Now()}
	buf, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	fp := job.Fingerprint(absPath)
	return t.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(prefixPath+absPath), buf).WithTTL(pathTTL)
		if err := txn.SetEntry(e); err != nil {
			return err
		}
		return txn.Set([]byte(prefixFingerprint+fp), buf)
	})
}

// Unmark removes both entries for a path. Used when a terminal failure is
// re-ingested or a job is deleted.
func (t *Tracker) Unmark(absPath string) error {
	fp := job.Fingerprint(absPath)
	return t.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(prefixPath + absPath)); err != nil {
			return err
		}
		return txn.Delete([]byte(prefixFingerprint + fp))
	})
}

// Lookup returns the tracker entry for a path if one exists.
func (t *Tracker) Lookup(absPath string) (*Entry, bool, error) {
	var entry Entry
	found := false
	err := t.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixPath + absPath))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if err != nil || !found {
		return nil, false, err
	}
	return &entry, true, nil
}
