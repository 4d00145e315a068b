package deadletter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/settleline/recond/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS dead_letters (
	id          TEXT PRIMARY KEY,
	tenant_id   TEXT NOT NULL,
	stage       TEXT NOT NULL,
	kind        TEXT NOT NULL,
	archive_ref TEXT NOT NULL,
	reason      TEXT NOT NULL,
	diagnostic  TEXT NOT NULL DEFAULT '',
	attempts    INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dead_letters_tenant ON dead_letters(tenant_id, created_at);
CREATE INDEX IF NOT EXISTS idx_dead_letters_stage ON dead_letters(stage, kind);
`

// SQLiteStore is the file-backed dead-letter bucket.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and creates if missing) the dead-letter database at
// path. ":memory:" gives an ephemeral store.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open dead-letter db at %s: %w", path, err)
	}
	// sqlite handles one writer at a time; a larger pool just causes
	// SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init dead-letter schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Put(ctx context.Context, entry *Entry) error {
	if entry.ID == types.NilID {
		entry.ID = types.NewID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (id, tenant_id, stage, kind, archive_ref, reason, diagnostic, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID.String(), entry.TenantID.String(), entry.Stage, entry.Kind,
		entry.ArchiveRef, entry.Reason, entry.Diagnostic, entry.Attempts,
		entry.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert dead-letter entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id types.ID) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, stage, kind, archive_ref, reason, diagnostic, attempts, created_at
		FROM dead_letters WHERE id = ?`, id.String())
	entry, err := scanEntry(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return entry, err
}

func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]Entry, error) {
	query := `SELECT id, tenant_id, stage, kind, archive_ref, reason, diagnostic, attempts, created_at FROM dead_letters`
	var conds []string
	var args []any
	if filter.TenantID != types.NilID {
		conds = append(conds, "tenant_id = ?")
		args = append(args, filter.TenantID.String())
	}
	if filter.Stage != "" {
		conds = append(conds, "stage = ?")
		args = append(args, filter.Stage)
	}
	if filter.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, filter.Kind)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead-letter entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanEntry(scan func(...any) error) (*Entry, error) {
	var entry Entry
	var id, tenant string
	var createdAt int64
	if err := scan(&id, &tenant, &entry.Stage, &entry.Kind, &entry.ArchiveRef,
		&entry.Reason, &entry.Diagnostic, &entry.Attempts, &createdAt); err != nil {
		return nil, err
	}
	parsedID, err := types.ParseID(id)
	if err != nil {
		return nil, fmt.Errorf("corrupt dead-letter id %q: %w", id, err)
	}
	parsedTenant, err := types.ParseID(tenant)
	if err != nil {
		return nil, fmt.Errorf("corrupt dead-letter tenant %q: %w", tenant, err)
	}
	entry.ID = parsedID
	entry.TenantID = parsedTenant
	entry.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &entry, nil
}
