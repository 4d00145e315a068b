package postgres

import (
	"context"
	"database/sql"

	"github.com/settleline/recond/internal/model"
	"github.com/settleline/recond/internal/storage/canonicalstore"
	"github.com/settleline/recond/internal/types"
)

// LedgerRepository implements canonicalstore.LedgerRepository for
// PostgreSQL. Entries are append-only; there is no update or delete path.
type LedgerRepository struct {
	db *sql.DB
	tx *sql.Tx
}

// NewLedgerRepository creates a new PostgreSQL ledger repository.
func NewLedgerRepository(db *sql.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// NewLedgerRepositoryWithTx creates a repository bound to a store
// transaction.
func NewLedgerRepositoryWithTx(tx *sql.Tx) *LedgerRepository {
	return &LedgerRepository{tx: tx}
}

func (r *LedgerRepository) getExecutor() executor {
	if r.tx != nil {
		return r.tx
	}
	return r.db
}

const ledgerColumns = `id, tenant_id, entity_id, txn_date,
	debit_account, credit_account, amount, currency,
	ref_transaction_id, ref_match_id, description, posted_at`

func (r *LedgerRepository) InsertEntries(ctx context.Context, scope canonicalstore.Scope, entries []model.LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}
	for i := range entries {
		if entries[i].TenantID != scope.TenantID {
			return canonicalstore.NewQueryError("ledger_insert", "tenant scope mismatch", canonicalstore.ErrTenantScope)
		}
	}
	if err := model.CheckBalanced(entries); err != nil {
		return canonicalstore.NewConstraintError("ledger_insert", "unbalanced posting group", err)
	}

	query := `INSERT INTO ledger_entries (` + ledgerColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		RETURNING posted_at`
	for i := range entries {
		entry := &entries[i]
		if entry.ID == types.NilID {
			entry.ID = types.NewID()
		}
		err := r.getExecutor().QueryRowContext(ctx, query,
			entry.ID, entry.TenantID, entry.EntityID, entry.TxnDate.Time(),
			entry.DebitAccount, entry.CreditAccount,
			entry.Amount.Value, entry.Amount.Currency,
			entry.RefTransactionID, entry.RefMatchID, entry.Description,
		).Scan(&entry.PostedAt)
		if err != nil {
			return canonicalstore.NewQueryError("ledger_insert", "failed to insert ledger entry", err)
		}
	}
	return nil
}

func (r *LedgerRepository) ListByTransaction(ctx context.Context, scope canonicalstore.Scope, txnID types.ID) ([]model.LedgerEntry, error) {
	query := `SELECT ` + ledgerColumns + ` FROM ledger_entries
		WHERE tenant_id = $1 AND ref_transaction_id = $2
		ORDER BY posted_at, id`
	rows, err := r.getExecutor().QueryContext(ctx, query, scope.TenantID, txnID)
	if err != nil {
		return nil, canonicalstore.NewQueryError("ledger_list", "failed to query ledger entries", err)
	}
	defer rows.Close()

	var results []model.LedgerEntry
	for rows.Next() {
		var entry model.LedgerEntry
		var txnDate sql.NullTime
		if err := rows.Scan(
			&entry.ID, &entry.TenantID, &entry.EntityID, &txnDate,
			&entry.DebitAccount, &entry.CreditAccount,
			&entry.Amount.Value, &entry.Amount.Currency,
			&entry.RefTransactionID, &entry.RefMatchID, &entry.Description, &entry.PostedAt,
		); err != nil {
			return nil, canonicalstore.NewQueryError("ledger_list", "failed to scan row", err)
		}
		entry.TxnDate = dateFromNull(txnDate)
		results = append(results, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, canonicalstore.NewQueryError("ledger_list", "error iterating rows", err)
	}
	return results, nil
}

func (r *LedgerRepository) TrialBalance(ctx context.Context, scope canonicalstore.Scope, entityID types.ID, from, to types.Date) ([]canonicalstore.AccountBalance, error) {
	query := `SELECT account, currency, SUM(debits), SUM(credits) FROM (
			SELECT debit_account AS account, currency, amount AS debits, 0 AS credits
			FROM ledger_entries
			WHERE tenant_id = $1
				AND ($2::uuid = '00000000-0000-0000-0000-000000000000' OR entity_id = $2)
				AND ($3::date IS NULL OR txn_date >= $3)
				AND ($4::date IS NULL OR txn_date <= $4)
			UNION ALL
			SELECT credit_account AS account, currency, 0 AS debits, amount AS credits
			FROM ledger_entries
			WHERE tenant_id = $1
				AND ($2::uuid = '00000000-0000-0000-0000-000000000000' OR entity_id = $2)
				AND ($3::date IS NULL OR txn_date >= $3)
				AND ($4::date IS NULL OR txn_date <= $4)
		) legs
		GROUP BY account, currency
		ORDER BY account, currency`

	rows, err := r.getExecutor().QueryContext(ctx, query,
		scope.TenantID, entityID, nullDate(from), nullDate(to))
	if err != nil {
		return nil, canonicalstore.NewQueryError("trial_balance", "failed to query trial balance", err)
	}
	defer rows.Close()

	var results []canonicalstore.AccountBalance
	for rows.Next() {
		var bal canonicalstore.AccountBalance
		if err := rows.Scan(&bal.Account, &bal.Currency, &bal.Debits, &bal.Credits); err != nil {
			return nil, canonicalstore.NewQueryError("trial_balance", "failed to scan row", err)
		}
		results = append(results, bal)
	}
	if err := rows.Err(); err != nil {
		return nil, canonicalstore.NewQueryError("trial_balance", "error iterating rows", err)
	}
	return results, nil
}
