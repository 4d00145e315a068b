package postgres

import (
	"context"
	"database/sql"

	"github.com/settleline/recond/internal/storage/canonicalstore"
)

// SystemRepository implements canonicalstore.SystemRepository for
// PostgreSQL.
type SystemRepository struct {
	db *sql.DB
}

// NewSystemRepository creates a new PostgreSQL system repository.
func NewSystemRepository(db *sql.DB) *SystemRepository {
	return &SystemRepository{db: db}
}

func (r *SystemRepository) Ping(ctx context.Context) error {
	if r.db == nil {
		return canonicalstore.ErrStoreClosed
	}
	if err := r.db.PingContext(ctx); err != nil {
		return canonicalstore.NewConnectionError("ping", "store ping failed", err)
	}
	return nil
}

func (r *SystemRepository) InitSchema(ctx context.Context) error {
	for _, query := range schemaStatements {
		if _, err := r.db.ExecContext(ctx, query); err != nil {
			return canonicalstore.NewSchemaError("init_schema", "failed to execute schema statement", err)
		}
	}
	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS transactions (
		id UUID PRIMARY KEY,
		tenant_id UUID NOT NULL,
		brand_id UUID NOT NULL,
		entity_id UUID NOT NULL,
		connection_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		event_time TIMESTAMP WITH TIME ZONE NOT NULL,
		txn_date DATE NOT NULL,
		amount BIGINT NOT NULL,
		currency TEXT NOT NULL,
		original_currency TEXT NOT NULL DEFAULT '',
		fx_rate NUMERIC(20,10) NOT NULL DEFAULT 0,
		fx_rate_source TEXT NOT NULL DEFAULT '',
		fx_rate_date DATE,
		psp_txn_id TEXT NOT NULL,
		psp_payment_id TEXT NOT NULL DEFAULT '',
		psp_settlement_id TEXT NOT NULL DEFAULT '',
		psp_batch_id TEXT NOT NULL DEFAULT '',
		customer_id TEXT NOT NULL DEFAULT '',
		psp_fee BIGINT NOT NULL DEFAULT 0,
		net_amount BIGINT NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT '',
		recon_status TEXT NOT NULL DEFAULT 'PENDING',
		source_type TEXT NOT NULL DEFAULT '',
		source_idempotency_key TEXT NOT NULL DEFAULT '',
		source_raw_record_id UUID NOT NULL,
		source_archive_ref TEXT NOT NULL DEFAULT '',
		metadata JSONB,
		version BIGINT NOT NULL DEFAULT 1,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		UNIQUE (tenant_id, connection_id, psp_txn_id, event_type)
	)`,

	`CREATE TABLE IF NOT EXISTS settlements (
		id UUID PRIMARY KEY,
		tenant_id UUID NOT NULL,
		connection_id TEXT NOT NULL,
		settlement_date DATE NOT NULL,
		batch_id TEXT NOT NULL,
		line_no INTEGER NOT NULL,
		amount BIGINT NOT NULL,
		currency TEXT NOT NULL,
		psp_settlement_id TEXT NOT NULL DEFAULT '',
		psp_txn_ids TEXT[] NOT NULL DEFAULT '{}',
		fee BIGINT NOT NULL DEFAULT 0,
		net BIGINT NOT NULL DEFAULT 0,
		source_file_path TEXT NOT NULL DEFAULT '',
		parser_version TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		UNIQUE (tenant_id, connection_id, batch_id, line_no)
	)`,

	`CREATE TABLE IF NOT EXISTS matches (
		id UUID PRIMARY KEY,
		tenant_id UUID NOT NULL,
		transaction_id UUID NOT NULL,
		settlement_id UUID NOT NULL,
		level INTEGER NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		method TEXT NOT NULL,
		amount_diff BIGINT NOT NULL DEFAULT 0,
		amount_diff_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		matched_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		matched_by TEXT NOT NULL DEFAULT ''
	)`,

	// At most one MATCHED row per settlement at any time.
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_matches_settlement_matched
		ON matches (settlement_id) WHERE status = 'MATCHED'`,

	// One live pairing per (tenant, transaction, settlement); superseded
	// rows stay behind as history.
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_matches_txn_settlement_active
		ON matches (tenant_id, transaction_id, settlement_id) WHERE status <> 'SUPERSEDED'`,

	`CREATE TABLE IF NOT EXISTS exceptions (
		id UUID PRIMARY KEY,
		tenant_id UUID NOT NULL,
		transaction_id UUID NOT NULL,
		settlement_id UUID NOT NULL,
		type TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		amount BIGINT NOT NULL DEFAULT 0,
		currency TEXT NOT NULL DEFAULT '',
		priority TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		resolved_at TIMESTAMP WITH TIME ZONE,
		resolved_by TEXT NOT NULL DEFAULT ''
	)`,

	`CREATE TABLE IF NOT EXISTS ledger_entries (
		id UUID PRIMARY KEY,
		tenant_id UUID NOT NULL,
		entity_id UUID NOT NULL,
		txn_date DATE NOT NULL,
		debit_account TEXT NOT NULL,
		credit_account TEXT NOT NULL,
		amount BIGINT NOT NULL,
		currency TEXT NOT NULL,
		ref_transaction_id UUID NOT NULL,
		ref_match_id UUID NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		posted_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS fx_rates (
		from_currency TEXT NOT NULL,
		to_currency TEXT NOT NULL,
		as_of_date DATE NOT NULL,
		rate NUMERIC(20,10) NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (from_currency, to_currency, as_of_date)
	)`,

	`CREATE TABLE IF NOT EXISTS connections (
		id TEXT NOT NULL,
		tenant_id UUID NOT NULL,
		entity_id UUID NOT NULL,
		brand_id UUID NOT NULL,
		psp_name TEXT NOT NULL,
		base_currency TEXT NOT NULL,
		parser_name TEXT NOT NULL,
		schema_version TEXT NOT NULL DEFAULT '',
		secret_ref TEXT NOT NULL DEFAULT '',
		date_offset_days INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (tenant_id, id)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_transactions_recon
		ON transactions (tenant_id, recon_status, txn_date)`,
	`CREATE INDEX IF NOT EXISTS idx_settlements_lookup
		ON settlements (tenant_id, connection_id, settlement_date)`,
	`CREATE INDEX IF NOT EXISTS idx_settlements_strong_id
		ON settlements (tenant_id, psp_settlement_id)`,
	`CREATE INDEX IF NOT EXISTS idx_settlements_txn_refs
		ON settlements USING GIN (psp_txn_ids)`,
	`CREATE INDEX IF NOT EXISTS idx_matches_transaction
		ON matches (tenant_id, transaction_id)`,
	`CREATE INDEX IF NOT EXISTS idx_exceptions_open
		ON exceptions (tenant_id, status, priority, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_ref_txn
		ON ledger_entries (tenant_id, ref_transaction_id)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_trial_balance
		ON ledger_entries (tenant_id, entity_id, txn_date)`,
}
