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

// TransactionRepository implements canonicalstore.TransactionRepository for
// PostgreSQL.
type TransactionRepository struct {
	db *sql.DB
	tx *sql.Tx
}

// NewTransactionRepository creates a new PostgreSQL transaction repository.
func NewTransactionRepository(db *sql.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// NewTransactionRepositoryWithTx creates a repository bound to a store
// transaction.
func NewTransactionRepositoryWithTx(tx *sql.Tx) *TransactionRepository {
	return &TransactionRepository{tx: tx}
}

func (r *TransactionRepository) getExecutor() executor {
	if r.tx != nil {
		return r.tx
	}
	return r.db
}

const transactionColumns = `id, tenant_id, brand_id, entity_id, connection_id,
	event_type, event_time, txn_date, amount, currency,
	original_currency, fx_rate, fx_rate_source, fx_rate_date,
	psp_txn_id, psp_payment_id, psp_settlement_id, psp_batch_id, customer_id,
	psp_fee, net_amount, status, recon_status,
	source_type, source_idempotency_key, source_raw_record_id, source_archive_ref,
	metadata, version, created_at, updated_at`

func (r *TransactionRepository) Insert(ctx context.Context, scope canonicalstore.Scope, txn *model.Transaction) (bool, *model.Transaction, error) {
	if txn.TenantID != scope.TenantID {
		return false, nil, canonicalstore.NewQueryError("transaction_insert", "tenant scope mismatch", canonicalstore.ErrTenantScope)
	}
	if err := txn.Validate(); err != nil {
		return false, nil, canonicalstore.NewConstraintError("transaction_insert", "invalid transaction", err)
	}
	if txn.ID == types.NilID {
		txn.ID = types.NewID()
	}
	if txn.ReconStatus == "" {
		txn.ReconStatus = model.ReconPending
	}

	meta, err := metadataJSON(txn.Metadata)
	if err != nil {
		return false, nil, canonicalstore.NewQueryError("transaction_insert", "failed to encode metadata", err)
	}

	query := `INSERT INTO transactions (` + transactionColumns + `)
		VALUES ($1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14,
			$15, $16, $17, $18, $19,
			$20, $21, $22, $23,
			$24, $25, $26, $27,
			$28, 1, NOW(), NOW())
		ON CONFLICT (tenant_id, connection_id, psp_txn_id, event_type) DO NOTHING
		RETURNING version, created_at, updated_at`

	err = r.getExecutor().QueryRowContext(ctx, query,
		txn.ID, txn.TenantID, txn.BrandID, txn.EntityID, txn.ConnectionID,
		string(txn.EventType), txn.EventTime, txn.TxnDate.Time(), txn.Amount.Value, txn.Amount.Currency,
		txn.OriginalCurrency, txn.FXRate, txn.FXRateSource, nullDate(txn.FXRateDate),
		txn.PSPTxnID, txn.PSPPaymentID, txn.PSPSettlementID, txn.PSPBatchID, txn.CustomerID,
		txn.PSPFee, txn.NetAmount, string(txn.Status), string(txn.ReconStatus),
		txn.SourceType, txn.SourceIdempotencyKey, txn.SourceRawRecordID, txn.SourceArchiveRef,
		meta,
	).Scan(&txn.Version, &txn.CreatedAt, &txn.UpdatedAt)

	if err == nil {
		return true, nil, nil
	}
	if err != sql.ErrNoRows {
		return false, nil, canonicalstore.NewQueryError("transaction_insert", "failed to insert transaction", err)
	}

	// The unique key fired; return the stored row.
	existing, err := r.GetByUniqueKey(ctx, scope, txn.ConnectionID, txn.PSPTxnID, txn.EventType)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

func (r *TransactionRepository) Get(ctx context.Context, scope canonicalstore.Scope, id types.ID) (*model.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1 AND tenant_id = $2`
	return r.scanOne(r.getExecutor().QueryRowContext(ctx, query, id, scope.TenantID), "transaction_get")
}

func (r *TransactionRepository) GetByUniqueKey(ctx context.Context, scope canonicalstore.Scope, connectionID, pspTxnID string, eventType model.EventType) (*model.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions
		WHERE tenant_id = $1 AND connection_id = $2 AND psp_txn_id = $3 AND event_type = $4`
	return r.scanOne(r.getExecutor().QueryRowContext(ctx, query,
		scope.TenantID, connectionID, pspTxnID, string(eventType)), "transaction_get_by_key")
}

func (r *TransactionRepository) UpdateReconStatus(ctx context.Context, scope canonicalstore.Scope, id types.ID, expectedVersion int64, status model.ReconStatus) error {
	current, err := r.Get(ctx, scope, id)
	if err != nil {
		return err
	}
	if current.Version != expectedVersion {
		return canonicalstore.ErrVersionConflict
	}
	if current.ReconStatus == status {
		return nil
	}
	if !current.ReconStatus.CanTransition(status) {
		return canonicalstore.NewConstraintError("update_recon_status",
			fmt.Sprintf("transition %s -> %s not allowed", current.ReconStatus, status), nil)
	}

	query := `UPDATE transactions
		SET recon_status = $1, version = version + 1, updated_at = NOW()
		WHERE id = $2 AND tenant_id = $3 AND version = $4`
	result, err := r.getExecutor().ExecContext(ctx, query, string(status), id, scope.TenantID, expectedVersion)
	if err != nil {
		return canonicalstore.NewQueryError("update_recon_status", "failed to update recon status", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return canonicalstore.NewQueryError("update_recon_status", "failed to read affected rows", err)
	}
	if affected == 0 {
		// Row moved between the read and the guarded update.
		return canonicalstore.ErrVersionConflict
	}
	return nil
}

func (r *TransactionRepository) ListForReprocess(ctx context.Context, scope canonicalstore.Scope, filter canonicalstore.ReprocessFilter) ([]model.Transaction, error) {
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
	if !filter.DateFrom.IsZero() {
		add("txn_date >= $%d", filter.DateFrom.Time())
	}
	if !filter.DateTo.IsZero() {
		add("txn_date <= $%d", filter.DateTo.Time())
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		add("recon_status = ANY($%d)", pq.Array(statuses))
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE ` +
		strings.Join(conds, " AND ") + ` ORDER BY created_at, id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.getExecutor().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, canonicalstore.NewQueryError("transaction_list", "failed to query transactions", err)
	}
	defer rows.Close()

	var results []model.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows.Scan)
		if err != nil {
			return nil, canonicalstore.NewQueryError("transaction_list", "failed to scan row", err)
		}
		results = append(results, *txn)
	}
	if err := rows.Err(); err != nil {
		return nil, canonicalstore.NewQueryError("transaction_list", "error iterating rows", err)
	}
	return results, nil
}

func (r *TransactionRepository) scanOne(row *sql.Row, op string) (*model.Transaction, error) {
	txn, err := scanTransaction(row.Scan)
	if err != nil {
		return nil, notFoundOr(err, op, "failed to query transaction")
	}
	return txn, nil
}

// scanTransaction reads one row in transactionColumns order.
func scanTransaction(scan func(dest ...interface{}) error) (*model.Transaction, error) {
	var txn model.Transaction
	var eventType, status, reconStatus string
	var txnDate, fxRateDate sql.NullTime
	var meta []byte

	err := scan(
		&txn.ID, &txn.TenantID, &txn.BrandID, &txn.EntityID, &txn.ConnectionID,
		&eventType, &txn.EventTime, &txnDate, &txn.Amount.Value, &txn.Amount.Currency,
		&txn.OriginalCurrency, &txn.FXRate, &txn.FXRateSource, &fxRateDate,
		&txn.PSPTxnID, &txn.PSPPaymentID, &txn.PSPSettlementID, &txn.PSPBatchID, &txn.CustomerID,
		&txn.PSPFee, &txn.NetAmount, &status, &reconStatus,
		&txn.SourceType, &txn.SourceIdempotencyKey, &txn.SourceRawRecordID, &txn.SourceArchiveRef,
		&meta, &txn.Version, &txn.CreatedAt, &txn.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	txn.EventType = model.EventType(eventType)
	txn.Status = model.TransactionStatus(status)
	txn.ReconStatus = model.ReconStatus(reconStatus)
	txn.TxnDate = dateFromNull(txnDate)
	txn.FXRateDate = dateFromNull(fxRateDate)
	txn.Metadata, err = metadataFromJSON(meta)
	if err != nil {
		return nil, err
	}
	return &txn, nil
}
