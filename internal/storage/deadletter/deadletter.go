// Package deadletter implements the terminal bucket for records the
// pipeline could not process despite retries. Entries keep the archive ref
// of the raw bytes plus parser or stage diagnostics so operators can inspect
// and replay them. The production backend is a local sqlite file, queryable
// with standard tooling; a memory backend backs tests.
package deadletter

import (
	"context"
	"errors"
	"time"

	"github.com/settleline/recond/internal/types"
)

// ErrNotFound is returned when no entry exists for an id.
var ErrNotFound = errors.New("dead-letter entry not found")

// Entry is one dead-lettered record.
type Entry struct {
	ID         types.ID
	TenantID   types.ID
	Stage      string
	Kind       string
	ArchiveRef string
	Reason     string
	Diagnostic string
	Attempts   int
	CreatedAt  time.Time
}

// Filter selects entries for listing. Zero fields are not applied.
type Filter struct {
	TenantID types.ID
	Stage    string
	Kind     string
	Limit    int
}

// Store is the dead-letter bucket.
type Store interface {
	Put(ctx context.Context, entry *Entry) error
	Get(ctx context.Context, id types.ID) (*Entry, error)
	// List returns entries newest first.
	List(ctx context.Context, filter Filter) ([]Entry, error)
	Close() error
}
