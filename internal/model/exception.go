package model

import (
	"fmt"
	"time"

	"github.com/settleline/recond/internal/types"
)

// ExceptionType classifies a reconciliation exception.
type ExceptionType string

const (
	ExceptionUnmatched      ExceptionType = "UNMATCHED"
	ExceptionPartialMatch   ExceptionType = "PARTIAL_MATCH"
	ExceptionAmountMismatch ExceptionType = "AMOUNT_MISMATCH"
	ExceptionDuplicate      ExceptionType = "DUPLICATE"
	ExceptionTimingMismatch ExceptionType = "TIMING_MISMATCH"
)

// Priority is the operational priority of an exception, P1 highest.
type Priority string

const (
	P1 Priority = "P1"
	P2 Priority = "P2"
	P3 Priority = "P3"
	P4 Priority = "P4"
)

// PriorityForAmount derives the exception priority from the absolute
// transaction amount in smallest units: >= 1,000,000 is P1, >= 100,000 P2,
// >= 10,000 P3, else P4.
func PriorityForAmount(amount int64) Priority {
	if amount < 0 {
		amount = -amount
	}
	switch {
	case amount >= 1_000_000:
		return P1
	case amount >= 100_000:
		return P2
	case amount >= 10_000:
		return P3
	default:
		return P4
	}
}

// ExceptionStatus is the workflow state of an exception.
type ExceptionStatus string

const (
	ExceptionOpen        ExceptionStatus = "OPEN"
	ExceptionUnderReview ExceptionStatus = "UNDER_REVIEW"
	ExceptionResolved    ExceptionStatus = "RESOLVED"
	ExceptionExpected    ExceptionStatus = "EXPECTED"
)

// Exception is a tracked work item for an unmatched or partially matched
// transaction or settlement. At least one of TransactionID or SettlementID
// is always set.
type Exception struct {
	ID            types.ID
	TenantID      types.ID
	TransactionID types.ID
	SettlementID  types.ID

	Type     ExceptionType
	Reason   string
	Amount   types.Money
	Priority Priority
	Status   ExceptionStatus

	CreatedAt  time.Time
	ResolvedAt time.Time
	ResolvedBy string
}

// NewException builds an OPEN exception with priority derived from the
// amount.
func NewException(tenant types.ID, txnID, settlementID types.ID, typ ExceptionType, amount types.Money, reason string) *Exception {
	return &Exception{
		ID:            types.NewID(),
		TenantID:      tenant,
		TransactionID: txnID,
		SettlementID:  settlementID,
		Type:          typ,
		Reason:        reason,
		Amount:        amount,
		Priority:      PriorityForAmount(amount.Value),
		Status:        ExceptionOpen,
		CreatedAt:     time.Now().UTC(),
	}
}

// ReasonFor returns the default human-readable reason for an exception
// type.
func ReasonFor(typ ExceptionType, amountDiffPct float64) string {
	switch typ {
	case ExceptionUnmatched:
		return "No matching settlement found"
	case ExceptionPartialMatch:
		return "Fuzzy match requires manual review"
	case ExceptionAmountMismatch:
		return fmt.Sprintf("Amount difference: %.2f%%", amountDiffPct)
	case ExceptionDuplicate:
		return "Duplicate transaction detected"
	case ExceptionTimingMismatch:
		return "Transaction date mismatch"
	default:
		return "Unknown exception"
	}
}
