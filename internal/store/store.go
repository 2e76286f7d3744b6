// Package store persists whale state: the warm-restart snapshot file, the
// debouncer that owns writes to it, and the Parquet archive of the last
// wiped session.
package store

import (
	"github.com/shopspring/decimal"

	"whalestream/internal/domain"
	"whalestream/internal/util"
)

// SchemaVersion is written into every snapshot file. Files carrying any
// other version are treated as unparseable.
const SchemaVersion = 1

// Snapshot is the on-disk shape of the whale store. ViewAll is ordered by
// ingest time, newest first. Timestamps are Unix seconds; zero means never.
type Snapshot struct {
	ViewAll        []domain.Whale `json:"view_all"`
	LastMutationTS int64          `json:"last_mutation_ts"`
	LastClearTS    int64          `json:"last_clear_ts"`
	SchemaVersion  int            `json:"schema_version"`
}

// SnapshotStore persists and retrieves the warm-restart snapshot.
type SnapshotStore interface {
	// Save replaces the stored snapshot atomically.
	Save(s Snapshot) error

	// Load returns the stored snapshot. ok is false when nothing usable is
	// stored; a corrupt snapshot is removed and reported as an error.
	Load() (s Snapshot, ok bool, err error)
}

// SessionArchive keeps the tape of a finished trading session.
type SessionArchive interface {
	// WriteSession stores the whales of the session that ended on date.
	WriteSession(date util.Date, whales []domain.Whale) error
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
