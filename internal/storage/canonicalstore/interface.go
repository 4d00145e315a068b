// Package canonicalstore defines the repository interfaces over the
// canonical reconciliation store: transactions, settlements, matches,
// exceptions, ledger entries, FX rates and PSP connection configuration.
// Backends implement these interfaces (postgres for production, memory for
// tests); services depend only on this package.
package canonicalstore

import (
	"context"
	"time"

	"github.com/settleline/recond/internal/model"
	"github.com/settleline/recond/internal/types"
)

// Scope carries the tenant every repository call is restricted to. All row
// access is filtered by tenant; a row belonging to another tenant behaves as
// if it did not exist.
type Scope struct {
	TenantID types.ID
}

// SettlementFilter selects unmatched settlement candidates for the matching
// ladder. Zero-valued fields are not applied. Results are ordered by
// settlement date, batch id and line number so candidate selection is
// deterministic.
type SettlementFilter struct {
	ConnectionID string

	// PSPSettlementID restricts to lines with this strong identifier.
	PSPSettlementID string
	// RefTxnID restricts to lines whose transaction list contains this id.
	RefTxnID string

	Currency string

	DateFrom types.Date
	DateTo   types.Date

	// ExactAmount restricts to lines with exactly this gross amount.
	ExactAmount *int64
	// AmountMin/AmountMax restrict to a gross amount window.
	AmountMin *int64
	AmountMax *int64

	// ExcludeMatched drops lines already referenced by a MATCHED match row.
	ExcludeMatched bool

	Limit int
}

// ReprocessFilter selects transactions eligible for a reprocessing run.
type ReprocessFilter struct {
	ConnectionID string
	DateFrom     types.Date
	DateTo       types.Date
	Statuses     []model.ReconStatus
	Limit        int
}

// TransactionRepository handles canonical transaction rows.
type TransactionRepository interface {
	// Insert persists a transaction if no row with the same
	// (connection, psp_txn_id, event_type) key exists. When the key is
	// already present the stored row is returned and inserted is false.
	Insert(ctx context.Context, scope Scope, txn *model.Transaction) (inserted bool, existing *model.Transaction, err error)

	Get(ctx context.Context, scope Scope, id types.ID) (*model.Transaction, error)
	GetByUniqueKey(ctx context.Context, scope Scope, connectionID, pspTxnID string, eventType model.EventType) (*model.Transaction, error)

	// UpdateReconStatus moves the transaction through the recon state
	// machine. The update only applies when the stored version equals
	// expectedVersion; otherwise ErrVersionConflict is returned and the
	// caller reloads and retries.
	UpdateReconStatus(ctx context.Context, scope Scope, id types.ID, expectedVersion int64, status model.ReconStatus) error

	// ListForReprocess returns transactions matching the filter, oldest
	// first.
	ListForReprocess(ctx context.Context, scope Scope, filter ReprocessFilter) ([]model.Transaction, error)
}

// SettlementRepository handles immutable settlement lines.
type SettlementRepository interface {
	// Insert persists a settlement line if no row with the same
	// (connection, batch_id, line_no) key exists.
	Insert(ctx context.Context, scope Scope, settlement *model.Settlement) (inserted bool, err error)

	Get(ctx context.Context, scope Scope, id types.ID) (*model.Settlement, error)

	// Candidates returns unmatched settlement lines satisfying the filter
	// in deterministic order.
	Candidates(ctx context.Context, scope Scope, filter SettlementFilter) ([]model.Settlement, error)
}

// MatchRepository handles match rows. Rows are append-only; supersession is
// a status update, never a delete.
type MatchRepository interface {
	// Insert persists a match row. When the match status is MATCHED and
	// another MATCHED row already references the same settlement,
	// ErrSettlementTaken is returned and nothing is written.
	Insert(ctx context.Context, scope Scope, match *model.Match) error

	Get(ctx context.Context, scope Scope, id types.ID) (*model.Match, error)

	// ActiveForTransaction returns the newest non-superseded match row for
	// a transaction, or ErrNotFound.
	ActiveForTransaction(ctx context.Context, scope Scope, txnID types.ID) (*model.Match, error)

	// MatchedExistsForSettlement reports whether a MATCHED row references
	// the settlement.
	MatchedExistsForSettlement(ctx context.Context, scope Scope, settlementID types.ID) (bool, error)

	// UpdateStatus changes the status of an existing match row, used to
	// supersede a partial match when reprocessing finds a better one.
	UpdateStatus(ctx context.Context, scope Scope, id types.ID, status model.MatchStatus) error
}

// ExceptionRepository handles exception work items.
type ExceptionRepository interface {
	Insert(ctx context.Context, scope Scope, exc *model.Exception) error
	Get(ctx context.Context, scope Scope, id types.ID) (*model.Exception, error)

	// ListOpen returns OPEN and UNDER_REVIEW exceptions, highest priority
	// first, then oldest first.
	ListOpen(ctx context.Context, scope Scope, limit int) ([]model.Exception, error)

	// OpenForTransaction returns unresolved exceptions attached to a
	// transaction.
	OpenForTransaction(ctx context.Context, scope Scope, txnID types.ID) ([]model.Exception, error)

	// Resolve closes an exception. Resolving an already resolved exception
	// is a no-op.
	Resolve(ctx context.Context, scope Scope, id types.ID, resolvedBy string) error

	// UpdateStatus sets the workflow status without resolving, used by the
	// rule pass to mark expected timing differences.
	UpdateStatus(ctx context.Context, scope Scope, id types.ID, status model.ExceptionStatus, priority model.Priority) error
}

// LedgerRepository handles append-only double-entry postings.
type LedgerRepository interface {
	// InsertEntries persists a balanced posting group. Implementations
	// reject unbalanced groups with ErrUnbalancedPosting from the model
	// package wrapped in a constraint error.
	InsertEntries(ctx context.Context, scope Scope, entries []model.LedgerEntry) error

	ListByTransaction(ctx context.Context, scope Scope, txnID types.ID) ([]model.LedgerEntry, error)

	// TrialBalance sums debit and credit legs per account and currency for
	// an entity over a date range.
	TrialBalance(ctx context.Context, scope Scope, entityID types.ID, from, to types.Date) ([]AccountBalance, error)
}

// AccountBalance is one trial-balance row.
type AccountBalance struct {
	Account  string
	Currency string
	Debits   int64
	Credits  int64
}

// FXRateRepository handles dated conversion rates. Rates are not tenant
// scoped; every tenant converts with the same market data.
type FXRateRepository interface {
	// Get returns the rate for the pair on the given date, or
	// ErrRateNotFound.
	Get(ctx context.Context, from, to string, asOf types.Date) (*model.FXRate, error)
	Put(ctx context.Context, rate *model.FXRate) error
}

// ConnectionRepository handles PSP connection configuration rows.
type ConnectionRepository interface {
	Get(ctx context.Context, scope Scope, id string) (*model.Connection, error)
	Put(ctx context.Context, conn *model.Connection) error
	List(ctx context.Context, scope Scope) ([]model.Connection, error)
}

// SystemRepository handles store-level operations.
type SystemRepository interface {
	Ping(ctx context.Context) error
	// InitSchema creates missing tables and indexes. Safe to call on every
	// start.
	InitSchema(ctx context.Context) error
}

// TransactionContext gives repository access inside one store transaction.
// All repository calls made through it commit or roll back together.
type TransactionContext interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	Transactions() TransactionRepository
	Settlements() SettlementRepository
	Matches() MatchRepository
	Exceptions() ExceptionRepository
	Ledger() LedgerRepository
}

// RepositoryManager provides access to all repositories and transaction
// management.
type RepositoryManager interface {
	Transactions() TransactionRepository
	Settlements() SettlementRepository
	Matches() MatchRepository
	Exceptions() ExceptionRepository
	Ledger() LedgerRepository
	FXRates() FXRateRepository
	Connections() ConnectionRepository
	System() SystemRepository

	Open(ctx context.Context) error
	Close(ctx context.Context) error

	// WithTransaction runs fn inside a store transaction, committing when
	// fn returns nil and rolling back otherwise. A panic inside fn rolls
	// back and re-panics.
	WithTransaction(ctx context.Context, fn func(TransactionContext) error) error
}

// Clock abstracts time for repositories that stamp rows, so tests can pin
// timestamps.
type Clock func() time.Time
