package postgres

import (
	"context"
	"database/sql"

	"github.com/settleline/recond/internal/storage/canonicalstore"
)

// TransactionContext implements canonicalstore.TransactionContext for
// PostgreSQL.
type TransactionContext struct {
	tx *sql.Tx

	transactionRepo *TransactionRepository
	settlementRepo  *SettlementRepository
	matchRepo       *MatchRepository
	exceptionRepo   *ExceptionRepository
	ledgerRepo      *LedgerRepository
}

// NewTransactionContext creates a new PostgreSQL transaction context.
func NewTransactionContext(tx *sql.Tx) *TransactionContext {
	return &TransactionContext{
		tx:              tx,
		transactionRepo: NewTransactionRepositoryWithTx(tx),
		settlementRepo:  NewSettlementRepositoryWithTx(tx),
		matchRepo:       NewMatchRepositoryWithTx(tx),
		exceptionRepo:   NewExceptionRepositoryWithTx(tx),
		ledgerRepo:      NewLedgerRepositoryWithTx(tx),
	}
}

func (tc *TransactionContext) Commit(ctx context.Context) error {
	if tc.tx == nil {
		return canonicalstore.ErrTransactionClosed
	}

	err := tc.tx.Commit()
	tc.tx = nil

	if err != nil {
		return canonicalstore.NewTransactionError("commit", "failed to commit transaction", err)
	}
	return nil
}

func (tc *TransactionContext) Rollback(ctx context.Context) error {
	if tc.tx == nil {
		return nil // already rolled back or committed
	}

	err := tc.tx.Rollback()
	tc.tx = nil

	if err != nil {
		return canonicalstore.NewTransactionError("rollback", "failed to rollback transaction", err)
	}
	return nil
}

func (tc *TransactionContext) Transactions() canonicalstore.TransactionRepository {
	return tc.transactionRepo
}

func (tc *TransactionContext) Settlements() canonicalstore.SettlementRepository {
	return tc.settlementRepo
}

func (tc *TransactionContext) Matches() canonicalstore.MatchRepository {
	return tc.matchRepo
}

func (tc *TransactionContext) Exceptions() canonicalstore.ExceptionRepository {
	return tc.exceptionRepo
}

func (tc *TransactionContext) Ledger() canonicalstore.LedgerRepository {
	return tc.ledgerRepo
}
