package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/settleline/recond/internal/model"
	"github.com/settleline/recond/internal/storage/canonicalstore"
	"github.com/settleline/recond/internal/types"
)

// SettlementRepository implements canonicalstore.SettlementRepository for
// PostgreSQL.
type SettlementRepository struct {
	db *sql.DB
	tx *sql.Tx
}

// NewSettlementRepository creates a new PostgreSQL settlement repository.
func NewSettlementRepository(db *sql.DB) *SettlementRepository {
	return &SettlementRepository{db: db}
}

// NewSettlementRepositoryWithTx creates a repository bound to a store
// transaction.
func NewSettlementRepositoryWithTx(tx *sql.Tx) *SettlementRepository {
	return &SettlementRepository{tx: tx}
}

func (r *SettlementRepository) getExecutor() executor {
	if r.tx != nil {
		return r.tx
	}
	return r.db
}

const settlementColumns = `id, tenant_id, connection_id, settlement_date, batch_id, line_no,
	amount, currency, psp_settlement_id, psp_txn_ids, fee, net,
	source_file_path, parser_version, created_at`

func (r *SettlementRepository) Insert(ctx context.Context, scope canonicalstore.Scope, settlement *model.Settlement) (bool, error) {
	if settlement.TenantID != scope.TenantID {
		return false, canonicalstore.NewQueryError("settlement_insert", "tenant scope mismatch", canonicalstore.ErrTenantScope)
	}
	if err := settlement.Validate(); err != nil {
		return false, canonicalstore.NewConstraintError("settlement_insert", "invalid settlement", err)
	}
	if settlement.ID == types.NilID {
		settlement.ID = types.NewID()
	}

	query := `INSERT INTO settlements (` + settlementColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12,
			$13, $14, NOW())
		ON CONFLICT (tenant_id, connection_id, batch_id, line_no) DO NOTHING
		RETURNING created_at`

	err := r.getExecutor().QueryRowContext(ctx, query,
		settlement.ID, settlement.TenantID, settlement.ConnectionID,
		settlement.SettlementDate.Time(), settlement.BatchID, settlement.LineNo,
		settlement.Amount.Value, settlement.Amount.Currency,
		settlement.PSPSettlementID, pq.Array(settlement.PSPTxnIDs),
		settlement.Fee, settlement.Net,
		settlement.SourceFilePath, settlement.ParserVersion,
	).Scan(&settlement.CreatedAt)

	if err == nil {
		return true, nil
	}
	if err == sql.ErrNoRows {
		return false, nil
	}
	return false, canonicalstore.NewQueryError("settlement_insert", "failed to insert settlement", err)
}

func (r *SettlementRepository) Get(ctx context.Context, scope canonicalstore.Scope, id types.ID) (*model.Settlement, error) {
	query := `SELECT ` + settlementColumns + ` FROM settlements WHERE id = $1 AND tenant_id = $2`
	settlement, err := scanSettlement(r.getExecutor().QueryRowContext(ctx, query, id, scope.TenantID).Scan)
	if err != nil {
		return nil, notFoundOr(err, "settlement_get", "failed to query settlement")
	}
	return settlement, nil
}

func (r *SettlementRepository) Candidates(ctx context.Context, scope canonicalstore.Scope, filter canonicalstore.SettlementFilter) ([]model.Settlement, error) {
	var conds []string
	var args []interface{}

	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	add("tenant_id = $%d", scope.TenantID)
	if filter.ConnectionID != "" {
		add("connection_id = $%d", filter.ConnectionID)
	}
	if filter.PSPSettlementID != "" {
		add("psp_settlement_id = $%d", filter.PSPSettlementID)
	}
	if filter.RefTxnID != "" {
		add("$%d = ANY(psp_txn_ids)", filter.RefTxnID)
	}
	if filter.Currency != "" {
		add("currency = $%d", filter.Currency)
	}
	if !filter.DateFrom.IsZero() {
		add("settlement_date >= $%d", filter.DateFrom.Time())
	}
	if !filter.DateTo.IsZero() {
		add("settlement_date <= $%d", filter.DateTo.Time())
	}
	if filter.ExactAmount != nil {
		add("amount = $%d", *filter.ExactAmount)
	}
	if filter.AmountMin != nil {
		add("amount >= $%d", *filter.AmountMin)
	}
	if filter.AmountMax != nil {
		add("amount <= $%d", *filter.AmountMax)
	}
	if filter.ExcludeMatched {
		conds = append(conds, `NOT EXISTS (
			SELECT 1 FROM matches m
			WHERE m.settlement_id = settlements.id AND m.status = 'MATCHED')`)
	}

	query := `SELECT ` + settlementColumns + ` FROM settlements WHERE ` +
		strings.Join(conds, " AND ") + ` ORDER BY settlement_date, batch_id, line_no`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.getExecutor().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, canonicalstore.NewQueryError("settlement_candidates", "failed to query settlements", err)
	}
	defer rows.Close()

	var results []model.Settlement
	for rows.Next() {
		settlement, err := scanSettlement(rows.Scan)
		if err != nil {
			return nil, canonicalstore.NewQueryError("settlement_candidates", "failed to scan row", err)
		}
		results = append(results, *settlement)
	}
	if err := rows.Err(); err != nil {
		return nil, canonicalstore.NewQueryError("settlement_candidates", "error iterating rows", err)
	}
	return results, nil
}

func scanSettlement(scan func(dest ...interface{}) error) (*model.Settlement, error) {
	var settlement model.Settlement
	var settlementDate sql.NullTime
	var txnIDs pq.StringArray

	err := scan(
		&settlement.ID, &settlement.TenantID, &settlement.ConnectionID,
		&settlementDate, &settlement.BatchID, &settlement.LineNo,
		&settlement.Amount.Value, &settlement.Amount.Currency,
		&settlement.PSPSettlementID, &txnIDs,
		&settlement.Fee, &settlement.Net,
		&settlement.SourceFilePath, &settlement.ParserVersion, &settlement.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	settlement.SettlementDate = dateFromNull(settlementDate)
	settlement.PSPTxnIDs = []string(txnIDs)
	return &settlement, nil
}
