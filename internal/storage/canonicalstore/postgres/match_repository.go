package postgres

import (
	"context"
	"database/sql"

	"github.com/settleline/recond/internal/model"
	"github.com/settleline/recond/internal/storage/canonicalstore"
	"github.com/settleline/recond/internal/types"
)

// MatchRepository implements canonicalstore.MatchRepository for PostgreSQL.
// Settlement exclusivity rides on the partial unique index over MATCHED
// rows; the repository translates its violation into ErrSettlementTaken.
type MatchRepository struct {
	db *sql.DB
	tx *sql.Tx
}

// NewMatchRepository creates a new PostgreSQL match repository.
func NewMatchRepository(db *sql.DB) *MatchRepository {
	return &MatchRepository{db: db}
}

// NewMatchRepositoryWithTx creates a repository bound to a store
// transaction.
func NewMatchRepositoryWithTx(tx *sql.Tx) *MatchRepository {
	return &MatchRepository{tx: tx}
}

func (r *MatchRepository) getExecutor() executor {
	if r.tx != nil {
		return r.tx
	}
	return r.db
}

const matchColumns = `id, tenant_id, transaction_id, settlement_id,
	level, confidence, method, amount_diff, amount_diff_pct,
	status, matched_at, matched_by`

func (r *MatchRepository) Insert(ctx context.Context, scope canonicalstore.Scope, match *model.Match) error {
	if match.TenantID != scope.TenantID {
		return canonicalstore.NewQueryError("match_insert", "tenant scope mismatch", canonicalstore.ErrTenantScope)
	}
	if match.ID == types.NilID {
		match.ID = types.NewID()
	}

	query := `INSERT INTO matches (` + matchColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := r.getExecutor().ExecContext(ctx, query,
		match.ID, match.TenantID, match.TransactionID, match.SettlementID,
		int(match.Level), match.Confidence, string(match.Method),
		match.AmountDiff, match.AmountDiffPct,
		string(match.Status), match.MatchedAt, match.MatchedBy,
	)
	if err == nil {
		return nil
	}
	if isUniqueViolation(err, "uq_matches_settlement_matched") {
		holder, holderErr := r.matchedRowForSettlement(ctx, scope, match.SettlementID)
		if holderErr == nil && holder != nil && holder.TransactionID == match.TransactionID {
			return canonicalstore.ErrDuplicateEntry
		}
		return canonicalstore.ErrSettlementTaken
	}
	if isUniqueViolation(err, "uq_matches_txn_settlement_active") {
		return canonicalstore.ErrDuplicateEntry
	}
	return canonicalstore.NewQueryError("match_insert", "failed to insert match", err)
}

func (r *MatchRepository) Get(ctx context.Context, scope canonicalstore.Scope, id types.ID) (*model.Match, error) {
	query := `SELECT ` + matchColumns + ` FROM matches WHERE id = $1 AND tenant_id = $2`
	match, err := scanMatch(r.getExecutor().QueryRowContext(ctx, query, id, scope.TenantID).Scan)
	if err != nil {
		return nil, notFoundOr(err, "match_get", "failed to query match")
	}
	return match, nil
}

func (r *MatchRepository) ActiveForTransaction(ctx context.Context, scope canonicalstore.Scope, txnID types.ID) (*model.Match, error) {
	query := `SELECT ` + matchColumns + ` FROM matches
		WHERE tenant_id = $1 AND transaction_id = $2 AND status != 'SUPERSEDED'
		ORDER BY matched_at DESC LIMIT 1`
	match, err := scanMatch(r.getExecutor().QueryRowContext(ctx, query, scope.TenantID, txnID).Scan)
	if err != nil {
		return nil, notFoundOr(err, "match_active", "failed to query active match")
	}
	return match, nil
}

func (r *MatchRepository) MatchedExistsForSettlement(ctx context.Context, scope canonicalstore.Scope, settlementID types.ID) (bool, error) {
	match, err := r.matchedRowForSettlement(ctx, scope, settlementID)
	if err != nil {
		return false, err
	}
	return match != nil, nil
}

func (r *MatchRepository) UpdateStatus(ctx context.Context, scope canonicalstore.Scope, id types.ID, status model.MatchStatus) error {
	query := `UPDATE matches SET status = $1 WHERE id = $2 AND tenant_id = $3`
	result, err := r.getExecutor().ExecContext(ctx, query, string(status), id, scope.TenantID)
	if err != nil {
		if isUniqueViolation(err, "uq_matches_settlement_matched") {
			return canonicalstore.ErrSettlementTaken
		}
		return canonicalstore.NewQueryError("match_update_status", "failed to update match status", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return canonicalstore.NewQueryError("match_update_status", "failed to read affected rows", err)
	}
	if affected == 0 {
		return canonicalstore.ErrNotFound
	}
	return nil
}

func (r *MatchRepository) matchedRowForSettlement(ctx context.Context, scope canonicalstore.Scope, settlementID types.ID) (*model.Match, error) {
	query := `SELECT ` + matchColumns + ` FROM matches
		WHERE tenant_id = $1 AND settlement_id = $2 AND status = 'MATCHED' LIMIT 1`
	match, err := scanMatch(r.getExecutor().QueryRowContext(ctx, query, scope.TenantID, settlementID).Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, canonicalstore.NewQueryError("match_for_settlement", "failed to query matched row", err)
	}
	return match, nil
}

func scanMatch(scan func(dest ...interface{}) error) (*model.Match, error) {
	var match model.Match
	var level int
	var method, status string

	err := scan(
		&match.ID, &match.TenantID, &match.TransactionID, &match.SettlementID,
		&level, &match.Confidence, &method,
		&match.AmountDiff, &match.AmountDiffPct,
		&status, &match.MatchedAt, &match.MatchedBy,
	)
	if err != nil {
		return nil, err
	}
	match.Level = model.MatchLevel(level)
	match.Method = model.MatchMethod(method)
	match.Status = model.MatchStatus(status)
	return &match, nil
}
