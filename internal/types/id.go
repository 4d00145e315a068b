// Package types provides the primitive value types shared across the
// reconciliation pipeline: opaque identifiers, integer money amounts and
// civil dates.
package types

import (
	"github.com/google/uuid"
)

// ID is a 128-bit opaque identifier. All persisted entities (tenants,
// transactions, settlements, matches, exceptions, ledger entries) are keyed
// by an ID.
type ID = uuid.UUID

// NewID returns a new random ID.
func NewID() ID {
	return uuid.New()
}

// ParseID parses an ID from its canonical string form.
func ParseID(s string) (ID, error) {
	return uuid.Parse(s)
}

// NilID is the zero ID.
var NilID = uuid.Nil
