// Package postgres implements the canonical store over PostgreSQL using
// lib/pq. Uniqueness and exclusivity invariants live in the schema: unique
// keys on transactions and settlements, a partial unique index giving each
// settlement at most one MATCHED row.
package postgres

import (
	"context"
	"database/sql"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/settleline/recond/internal/storage/canonicalstore"
)

// RepositoryManager implements canonicalstore.RepositoryManager for
// PostgreSQL.
type RepositoryManager struct {
	db     *sql.DB
	config *canonicalstore.Config

	transactionRepo *TransactionRepository
	settlementRepo  *SettlementRepository
	matchRepo       *MatchRepository
	exceptionRepo   *ExceptionRepository
	ledgerRepo      *LedgerRepository
	fxRateRepo      *FXRateRepository
	connectionRepo  *ConnectionRepository
	systemRepo      *SystemRepository
}

// NewRepositoryManager creates a new PostgreSQL repository manager.
func NewRepositoryManager(config *canonicalstore.Config) (*RepositoryManager, error) {
	if err := config.Validate(); err != nil {
		return nil, canonicalstore.NewConfigurationError("new_repository_manager", "invalid configuration", err)
	}
	return &RepositoryManager{config: config}, nil
}

func (rm *RepositoryManager) Open(ctx context.Context) error {
	connStr, err := rm.config.BuildConnectionString()
	if err != nil {
		return canonicalstore.NewConfigurationError("open", "failed to build connection string", err)
	}

	sqlDB, err := sql.Open("postgres", connStr)
	if err != nil {
		return canonicalstore.NewConnectionError("open", "failed to open store connection", err)
	}

	sqlDB.SetMaxOpenConns(rm.config.MaxOpenConns)
	sqlDB.SetMaxIdleConns(rm.config.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(rm.config.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(rm.config.ConnMaxIdleTime)

	ctxTimeout, cancel := context.WithTimeout(ctx, rm.config.DefaultTimeout)
	defer cancel()

	if err := sqlDB.PingContext(ctxTimeout); err != nil {
		sqlDB.Close()
		return canonicalstore.NewConnectionError("open", "failed to ping store", err)
	}

	rm.db = sqlDB
	rm.transactionRepo = NewTransactionRepository(rm.db)
	rm.settlementRepo = NewSettlementRepository(rm.db)
	rm.matchRepo = NewMatchRepository(rm.db)
	rm.exceptionRepo = NewExceptionRepository(rm.db)
	rm.ledgerRepo = NewLedgerRepository(rm.db)
	rm.fxRateRepo = NewFXRateRepository(rm.db)
	rm.connectionRepo = NewConnectionRepository(rm.db)
	rm.systemRepo = NewSystemRepository(rm.db)
	return nil
}

func (rm *RepositoryManager) Close(ctx context.Context) error {
	if rm.db == nil {
		return nil
	}

	err := rm.db.Close()
	rm.db = nil

	rm.transactionRepo = nil
	rm.settlementRepo = nil
	rm.matchRepo = nil
	rm.exceptionRepo = nil
	rm.ledgerRepo = nil
	rm.fxRateRepo = nil
	rm.connectionRepo = nil
	rm.systemRepo = nil

	if err != nil {
		return canonicalstore.NewConnectionError("close", "failed to close store connection", err)
	}
	return nil
}

func (rm *RepositoryManager) Transactions() canonicalstore.TransactionRepository {
	return rm.transactionRepo
}

func (rm *RepositoryManager) Settlements() canonicalstore.SettlementRepository {
	return rm.settlementRepo
}

func (rm *RepositoryManager) Matches() canonicalstore.MatchRepository {
	return rm.matchRepo
}

func (rm *RepositoryManager) Exceptions() canonicalstore.ExceptionRepository {
	return rm.exceptionRepo
}

func (rm *RepositoryManager) Ledger() canonicalstore.LedgerRepository {
	return rm.ledgerRepo
}

func (rm *RepositoryManager) FXRates() canonicalstore.FXRateRepository {
	return rm.fxRateRepo
}

func (rm *RepositoryManager) Connections() canonicalstore.ConnectionRepository {
	return rm.connectionRepo
}

func (rm *RepositoryManager) System() canonicalstore.SystemRepository {
	return rm.systemRepo
}

func (rm *RepositoryManager) WithTransaction(ctx context.Context, fn func(canonicalstore.TransactionContext) error) error {
	if rm.db == nil {
		return canonicalstore.ErrStoreClosed
	}

	tx, err := rm.db.BeginTx(ctx, nil)
	if err != nil {
		return canonicalstore.NewTransactionError("with_transaction", "failed to begin transaction", err)
	}
	tc := NewTransactionContext(tx)

	defer func() {
		if p := recover(); p != nil {
			tc.Rollback(ctx)
			panic(p)
		}
	}()

	if err := fn(tc); err != nil {
		if rbErr := tc.Rollback(ctx); rbErr != nil {
			return err
		}
		return err
	}
	return tc.Commit(ctx)
}
