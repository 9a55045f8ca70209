// SPDX-License-Identifier: MIT

// Package store owns the embedded badger database shared by the job queue
// and the file tracker. Both components key into disjoint prefixes of the
// same keyspace so that cross-component transitions commit in one
// transaction domain.
package store

import (
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// Open opens (or creates) the badger database at dir. Badger's own logger is
// disabled; the daemon logs store-level failures where they surface.
func Open(dir string) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open store at %q: %w", dir, err)
	}
	return db, nil
}
