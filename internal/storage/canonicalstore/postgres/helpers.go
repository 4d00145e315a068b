package postgres

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/settleline/recond/internal/storage/canonicalstore"
	"github.com/settleline/recond/internal/types"
)

// nullDate maps types.Date to a nullable DATE column.
func nullDate(d types.Date) sql.NullTime {
	if d.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: d.Time(), Valid: true}
}

func dateFromNull(t sql.NullTime) types.Date {
	if !t.Valid {
		return types.Date{}
	}
	return types.DateOf(t.Time)
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func timeFromNull(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time
}

// metadataJSON maps the free-form metadata map to a nullable JSONB column.
func metadataJSON(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

func metadataFromJSON(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// isUniqueViolation reports whether err is a postgres unique-constraint
// violation, optionally restricted to a named constraint or index.
func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	if pqErr.Code != "23505" {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}

func notFoundOr(err error, op, message string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return canonicalstore.ErrNotFound
	}
	return canonicalstore.NewQueryError(op, message, err)
}
