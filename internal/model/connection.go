package model

import (
	"github.com/shopspring/decimal"

	"github.com/settleline/recond/internal/types"
)

// Connection is the per-PSP-connection configuration resolved during intake
// and normalization: which entity and brand the connection belongs to, the
// entity base currency, which parser decodes its payloads and where the
// webhook HMAC secret lives.
type Connection struct {
	ID       string
	TenantID types.ID
	EntityID types.ID
	BrandID  types.ID

	PSPName       string
	BaseCurrency  string
	ParserName    string
	SchemaVersion string

	// SecretRef names the environment variable holding the webhook
	// signing secret; secrets are never stored in the canonical store.
	SecretRef string

	// DateOffsetDays shifts the settlement-date lookup for PSPs that
	// settle on T+1 or later.
	DateOffsetDays int
}

// FXRate is a dated currency conversion rate.
type FXRate struct {
	FromCurrency string
	ToCurrency   string
	Rate         decimal.Decimal
	Source       string
	AsOfDate     types.Date
}
