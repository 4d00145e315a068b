// Package model holds the canonical data model of the reconciliation
// platform: transactions, settlements, matches, exceptions and ledger
// entries. Every persisted row carries a tenant ID; cross-tenant access is
// forbidden at the storage layer.
package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/settleline/recond/internal/types"
)

// EventType is the canonical payment event type.
type EventType string

const (
	EventDeposit            EventType = "DEPOSIT"
	EventWithdrawal         EventType = "WITHDRAWAL"
	EventRefund             EventType = "REFUND"
	EventChargeback         EventType = "CHARGEBACK"
	EventChargebackReversal EventType = "CHARGEBACK_REVERSAL"
	EventFee                EventType = "FEE"
	EventRollingReserve     EventType = "ROLLING_RESERVE"
	EventPartialCapture     EventType = "PARTIAL_CAPTURE"
	EventFXConversion       EventType = "FX_CONVERSION"
)

// Valid reports whether the event type is one of the canonical values.
func (e EventType) Valid() bool {
	switch e {
	case EventDeposit, EventWithdrawal, EventRefund, EventChargeback,
		EventChargebackReversal, EventFee, EventRollingReserve,
		EventPartialCapture, EventFXConversion:
		return true
	}
	return false
}

// TransactionStatus is the PSP-reported processing status.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "PENDING"
	StatusCompleted TransactionStatus = "COMPLETED"
	StatusFailed    TransactionStatus = "FAILED"
	StatusCancelled TransactionStatus = "CANCELLED"
)

// ReconStatus tracks where a transaction sits in the reconciliation state
// machine: PENDING -> {MATCHED, PARTIAL_MATCH, UNMATCHED, EXPECTED};
// MATCHED -> POSTED; any -> VOIDED.
type ReconStatus string

const (
	ReconPending      ReconStatus = "PENDING"
	ReconMatched      ReconStatus = "MATCHED"
	ReconPartialMatch ReconStatus = "PARTIAL_MATCH"
	ReconUnmatched    ReconStatus = "UNMATCHED"
	ReconExpected     ReconStatus = "EXPECTED"
	ReconPosted       ReconStatus = "POSTED"
	ReconVoided       ReconStatus = "VOIDED"
)

// CanTransition reports whether the recon state machine allows moving from
// s to next. VOIDED is reachable from anywhere; reprocessing may promote
// PARTIAL_MATCH/UNMATCHED back to MATCHED.
func (s ReconStatus) CanTransition(next ReconStatus) bool {
	if next == ReconVoided {
		return true
	}
	switch s {
	case ReconPending:
		switch next {
		case ReconMatched, ReconPartialMatch, ReconUnmatched, ReconExpected:
			return true
		}
	case ReconMatched:
		return next == ReconPosted
	case ReconPartialMatch, ReconUnmatched:
		return next == ReconMatched || next == ReconPartialMatch
	}
	return false
}

// Transaction is the canonical, schema-normalized representation of a PSP
// event, currency-aligned to the entity's base currency. The tuple
// (tenant, connection, psp_txn_id, event_type) is unique.
type Transaction struct {
	ID           types.ID
	TenantID     types.ID
	BrandID      types.ID
	EntityID     types.ID
	ConnectionID string

	EventType EventType
	EventTime time.Time
	TxnDate   types.Date

	Amount           types.Money
	OriginalCurrency string
	FXRate           decimal.Decimal
	FXRateSource     string
	FXRateDate       types.Date

	PSPTxnID        string
	PSPPaymentID    string
	PSPSettlementID string
	PSPBatchID      string
	CustomerID      string

	PSPFee    int64
	NetAmount int64

	Status      TransactionStatus
	ReconStatus ReconStatus

	SourceType           string
	SourceIdempotencyKey string
	SourceRawRecordID    types.ID
	SourceArchiveRef     string

	Metadata map[string]any

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

var (
	ErrInvalidEventType = errors.New("invalid canonical event type")
	ErrMissingPSPTxnID  = errors.New("psp transaction id is required")
	ErrFXWithoutOrigin  = errors.New("fx rate set without original currency")
)

// Validate checks the transaction invariants before persistence.
func (t *Transaction) Validate() error {
	if t.TenantID == types.NilID {
		return errors.New("tenant id is required")
	}
	if t.ConnectionID == "" {
		return errors.New("connection id is required")
	}
	if !t.EventType.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidEventType, t.EventType)
	}
	if t.PSPTxnID == "" {
		return ErrMissingPSPTxnID
	}
	if err := t.Amount.Validate(); err != nil {
		return err
	}
	if !t.FXRate.IsZero() && t.OriginalCurrency == "" {
		return ErrFXWithoutOrigin
	}
	if t.PSPFee > 0 && t.NetAmount > 0 && t.NetAmount != t.Amount.Value-t.PSPFee {
		return fmt.Errorf("net amount %d does not equal amount %d - fee %d",
			t.NetAmount, t.Amount.Value, t.PSPFee)
	}
	return nil
}

// Net returns the net amount, defaulting to amount minus fee when the PSP
// did not report one.
func (t *Transaction) Net() int64 {
	if t.NetAmount > 0 {
		return t.NetAmount
	}
	return t.Amount.Value - t.PSPFee
}
