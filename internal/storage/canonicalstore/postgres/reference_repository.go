package postgres

import (
	"context"
	"database/sql"

	"github.com/settleline/recond/internal/model"
	"github.com/settleline/recond/internal/storage/canonicalstore"
	"github.com/settleline/recond/internal/types"
)

// FXRateRepository implements canonicalstore.FXRateRepository for
// PostgreSQL.
type FXRateRepository struct {
	db *sql.DB
}

// NewFXRateRepository creates a new PostgreSQL FX rate repository.
func NewFXRateRepository(db *sql.DB) *FXRateRepository {
	return &FXRateRepository{db: db}
}

func (r *FXRateRepository) Get(ctx context.Context, from, to string, asOf types.Date) (*model.FXRate, error) {
	query := `SELECT from_currency, to_currency, as_of_date, rate, source
		FROM fx_rates WHERE from_currency = $1 AND to_currency = $2 AND as_of_date = $3`

	var rate model.FXRate
	var asOfDate sql.NullTime
	err := r.db.QueryRowContext(ctx, query, from, to, asOf.Time()).Scan(
		&rate.FromCurrency, &rate.ToCurrency, &asOfDate, &rate.Rate, &rate.Source)
	if err == sql.ErrNoRows {
		return nil, canonicalstore.ErrRateNotFound
	}
	if err != nil {
		return nil, canonicalstore.NewQueryError("fx_rate_get", "failed to query fx rate", err)
	}
	rate.AsOfDate = dateFromNull(asOfDate)
	return &rate, nil
}

func (r *FXRateRepository) Put(ctx context.Context, rate *model.FXRate) error {
	query := `INSERT INTO fx_rates (from_currency, to_currency, as_of_date, rate, source)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (from_currency, to_currency, as_of_date) DO UPDATE SET
		rate = EXCLUDED.rate,
		source = EXCLUDED.source`
	_, err := r.db.ExecContext(ctx, query,
		rate.FromCurrency, rate.ToCurrency, rate.AsOfDate.Time(), rate.Rate, rate.Source)
	if err != nil {
		return canonicalstore.NewQueryError("fx_rate_put", "failed to upsert fx rate", err)
	}
	return nil
}

// ConnectionRepository implements canonicalstore.ConnectionRepository for
// PostgreSQL.
type ConnectionRepository struct {
	db *sql.DB
}

// NewConnectionRepository creates a new PostgreSQL connection repository.
func NewConnectionRepository(db *sql.DB) *ConnectionRepository {
	return &ConnectionRepository{db: db}
}

const connectionColumns = `id, tenant_id, entity_id, brand_id,
	psp_name, base_currency, parser_name, schema_version,
	secret_ref, date_offset_days`

func (r *ConnectionRepository) Get(ctx context.Context, scope canonicalstore.Scope, id string) (*model.Connection, error) {
	query := `SELECT ` + connectionColumns + ` FROM connections WHERE tenant_id = $1 AND id = $2`

	var conn model.Connection
	err := r.db.QueryRowContext(ctx, query, scope.TenantID, id).Scan(
		&conn.ID, &conn.TenantID, &conn.EntityID, &conn.BrandID,
		&conn.PSPName, &conn.BaseCurrency, &conn.ParserName, &conn.SchemaVersion,
		&conn.SecretRef, &conn.DateOffsetDays)
	if err == sql.ErrNoRows {
		return nil, canonicalstore.ErrConnectionNotFound
	}
	if err != nil {
		return nil, canonicalstore.NewQueryError("connection_get", "failed to query connection", err)
	}
	return &conn, nil
}

func (r *ConnectionRepository) Put(ctx context.Context, conn *model.Connection) error {
	query := `INSERT INTO connections (` + connectionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
		entity_id = EXCLUDED.entity_id,
		brand_id = EXCLUDED.brand_id,
		psp_name = EXCLUDED.psp_name,
		base_currency = EXCLUDED.base_currency,
		parser_name = EXCLUDED.parser_name,
		schema_version = EXCLUDED.schema_version,
		secret_ref = EXCLUDED.secret_ref,
		date_offset_days = EXCLUDED.date_offset_days`
	_, err := r.db.ExecContext(ctx, query,
		conn.ID, conn.TenantID, conn.EntityID, conn.BrandID,
		conn.PSPName, conn.BaseCurrency, conn.ParserName, conn.SchemaVersion,
		conn.SecretRef, conn.DateOffsetDays)
	if err != nil {
		return canonicalstore.NewQueryError("connection_put", "failed to upsert connection", err)
	}
	return nil
}

func (r *ConnectionRepository) List(ctx context.Context, scope canonicalstore.Scope) ([]model.Connection, error) {
	query := `SELECT ` + connectionColumns + ` FROM connections WHERE tenant_id = $1 ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query, scope.TenantID)
	if err != nil {
		return nil, canonicalstore.NewQueryError("connection_list", "failed to query connections", err)
	}
	defer rows.Close()

	var results []model.Connection
	for rows.Next() {
		var conn model.Connection
		if err := rows.Scan(
			&conn.ID, &conn.TenantID, &conn.EntityID, &conn.BrandID,
			&conn.PSPName, &conn.BaseCurrency, &conn.ParserName, &conn.SchemaVersion,
			&conn.SecretRef, &conn.DateOffsetDays,
		); err != nil {
			return nil, canonicalstore.NewQueryError("connection_list", "failed to scan row", err)
		}
		results = append(results, conn)
	}
	if err := rows.Err(); err != nil {
		return nil, canonicalstore.NewQueryError("connection_list", "error iterating rows", err)
	}
	return results, nil
}
