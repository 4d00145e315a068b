package model

import (
	"errors"
	"time"

	"github.com/settleline/recond/internal/types"
)

// Settlement is one line of a PSP-issued settlement statement reporting
// money actually moved to the merchant, typically net of fees. Rows are
// immutable after insertion; (tenant, connection, batch_id, line_no) is
// unique.
type Settlement struct {
	ID           types.ID
	TenantID     types.ID
	ConnectionID string

	SettlementDate types.Date
	BatchID        string
	LineNo         int

	Amount          types.Money
	PSPSettlementID string
	PSPTxnIDs       []string
	Fee             int64
	Net             int64

	SourceFilePath string
	ParserVersion  string

	CreatedAt time.Time
}

// Validate checks the settlement invariants before persistence.
func (s *Settlement) Validate() error {
	if s.TenantID == types.NilID {
		return errors.New("tenant id is required")
	}
	if s.ConnectionID == "" {
		return errors.New("connection id is required")
	}
	if s.BatchID == "" {
		return errors.New("batch id is required")
	}
	if s.LineNo < 0 {
		return errors.New("line number must be >= 0")
	}
	if s.SettlementDate.IsZero() {
		return errors.New("settlement date is required")
	}
	return s.Amount.Validate()
}

// ReferencesTxn reports whether the settlement line references the given
// PSP transaction or payment identifier.
func (s *Settlement) ReferencesTxn(id string) bool {
	if id == "" {
		return false
	}
	for _, ref := range s.PSPTxnIDs {
		if ref == id {
			return true
		}
	}
	return false
}
