package postgres

import (
	"context"
	"database/sql"

	"github.com/settleline/recond/internal/model"
	"github.com/settleline/recond/internal/storage/canonicalstore"
	"github.com/settleline/recond/internal/types"
)

// ExceptionRepository implements canonicalstore.ExceptionRepository for
// PostgreSQL.
type ExceptionRepository struct {
	db *sql.DB
	tx *sql.Tx
}

// NewExceptionRepository creates a new PostgreSQL exception repository.
func NewExceptionRepository(db *sql.DB) *ExceptionRepository {
	return &ExceptionRepository{db: db}
}

// NewExceptionRepositoryWithTx creates a repository bound to a store
// transaction.
func NewExceptionRepositoryWithTx(tx *sql.Tx) *ExceptionRepository {
	return &ExceptionRepository{tx: tx}
}

func (r *ExceptionRepository) getExecutor() executor {
	if r.tx != nil {
		return r.tx
	}
	return r.db
}

const exceptionColumns = `id, tenant_id, transaction_id, settlement_id,
	type, reason, amount, currency, priority, status,
	created_at, resolved_at, resolved_by`

func (r *ExceptionRepository) Insert(ctx context.Context, scope canonicalstore.Scope, exc *model.Exception) error {
	if exc.TenantID != scope.TenantID {
		return canonicalstore.NewQueryError("exception_insert", "tenant scope mismatch", canonicalstore.ErrTenantScope)
	}
	if exc.TransactionID == types.NilID && exc.SettlementID == types.NilID {
		return canonicalstore.NewConstraintError("exception_insert",
			"exception must reference a transaction or a settlement", nil)
	}
	if exc.ID == types.NilID {
		exc.ID = types.NewID()
	}

	query := `INSERT INTO exceptions (` + exceptionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), $11, $12)
		RETURNING created_at`
	err := r.getExecutor().QueryRowContext(ctx, query,
		exc.ID, exc.TenantID, exc.TransactionID, exc.SettlementID,
		string(exc.Type), exc.Reason, exc.Amount.Value, exc.Amount.Currency,
		string(exc.Priority), string(exc.Status),
		nullTime(exc.ResolvedAt), exc.ResolvedBy,
	).Scan(&exc.CreatedAt)
	if err != nil {
		return canonicalstore.NewQueryError("exception_insert", "failed to insert exception", err)
	}
	return nil
}

func (r *ExceptionRepository) Get(ctx context.Context, scope canonicalstore.Scope, id types.ID) (*model.Exception, error) {
	query := `SELECT ` + exceptionColumns + ` FROM exceptions WHERE id = $1 AND tenant_id = $2`
	exc, err := scanException(r.getExecutor().QueryRowContext(ctx, query, id, scope.TenantID).Scan)
	if err != nil {
		return nil, notFoundOr(err, "exception_get", "failed to query exception")
	}
	return exc, nil
}

func (r *ExceptionRepository) ListOpen(ctx context.Context, scope canonicalstore.Scope, limit int) ([]model.Exception, error) {
	query := `SELECT ` + exceptionColumns + ` FROM exceptions
		WHERE tenant_id = $1 AND status IN ('OPEN', 'UNDER_REVIEW')
		ORDER BY priority, created_at`
	args := []interface{}{scope.TenantID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	return r.list(ctx, query, args...)
}

func (r *ExceptionRepository) OpenForTransaction(ctx context.Context, scope canonicalstore.Scope, txnID types.ID) ([]model.Exception, error) {
	query := `SELECT ` + exceptionColumns + ` FROM exceptions
		WHERE tenant_id = $1 AND transaction_id = $2 AND status != 'RESOLVED'
		ORDER BY created_at`
	return r.list(ctx, query, scope.TenantID, txnID)
}

func (r *ExceptionRepository) Resolve(ctx context.Context, scope canonicalstore.Scope, id types.ID, resolvedBy string) error {
	query := `UPDATE exceptions
		SET status = 'RESOLVED', resolved_at = NOW(), resolved_by = $1
		WHERE id = $2 AND tenant_id = $3 AND status != 'RESOLVED'`
	result, err := r.getExecutor().ExecContext(ctx, query, resolvedBy, id, scope.TenantID)
	if err != nil {
		return canonicalstore.NewQueryError("exception_resolve", "failed to resolve exception", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return canonicalstore.NewQueryError("exception_resolve", "failed to read affected rows", err)
	}
	if affected == 0 {
		// Either missing or already resolved; only the former is an error.
		if _, getErr := r.Get(ctx, scope, id); getErr != nil {
			return getErr
		}
	}
	return nil
}

func (r *ExceptionRepository) UpdateStatus(ctx context.Context, scope canonicalstore.Scope, id types.ID, status model.ExceptionStatus, priority model.Priority) error {
	query := `UPDATE exceptions SET status = $1, priority = COALESCE(NULLIF($2, ''), priority)
		WHERE id = $3 AND tenant_id = $4`
	result, err := r.getExecutor().ExecContext(ctx, query, string(status), string(priority), id, scope.TenantID)
	if err != nil {
		return canonicalstore.NewQueryError("exception_update_status", "failed to update exception", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return canonicalstore.NewQueryError("exception_update_status", "failed to read affected rows", err)
	}
	if affected == 0 {
		return canonicalstore.ErrNotFound
	}
	return nil
}

func (r *ExceptionRepository) list(ctx context.Context, query string, args ...interface{}) ([]model.Exception, error) {
	rows, err := r.getExecutor().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, canonicalstore.NewQueryError("exception_list", "failed to query exceptions", err)
	}
	defer rows.Close()

	var results []model.Exception
	for rows.Next() {
		exc, err := scanException(rows.Scan)
		if err != nil {
			return nil, canonicalstore.NewQueryError("exception_list", "failed to scan row", err)
		}
		results = append(results, *exc)
	}
	if err := rows.Err(); err != nil {
		return nil, canonicalstore.NewQueryError("exception_list", "error iterating rows", err)
	}
	return results, nil
}

func scanException(scan func(dest ...interface{}) error) (*model.Exception, error) {
	var exc model.Exception
	var typ, priority, status string
	var resolvedAt sql.NullTime

	err := scan(
		&exc.ID, &exc.TenantID, &exc.TransactionID, &exc.SettlementID,
		&typ, &exc.Reason, &exc.Amount.Value, &exc.Amount.Currency,
		&priority, &status,
		&exc.CreatedAt, &resolvedAt, &exc.ResolvedBy,
	)
	if err != nil {
		return nil, err
	}
	exc.Type = model.ExceptionType(typ)
	exc.Priority = model.Priority(priority)
	exc.Status = model.ExceptionStatus(status)
	exc.ResolvedAt = timeFromNull(resolvedAt)
	return &exc, nil
}
