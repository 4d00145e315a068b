package model

import (
	"time"

	"github.com/settleline/recond/internal/types"
)

// MatchLevel identifies which rung of the matching ladder produced a match.
type MatchLevel int

const (
	// LevelStrongID matches on psp_settlement_id + date (confidence 100).
	LevelStrongID MatchLevel = 1
	// LevelPSPReference matches on payment id within the settlement's
	// transaction list, same date and currency, amount within 1%.
	LevelPSPReference MatchLevel = 2
	// LevelFuzzy matches on amount within 0.1%, date within one day.
	LevelFuzzy MatchLevel = 3
	// LevelAmountDate matches on exact amount, currency and date.
	LevelAmountDate MatchLevel = 4
)

func (l MatchLevel) String() string {
	switch l {
	case LevelStrongID:
		return "STRONG_ID"
	case LevelPSPReference:
		return "PSP_REFERENCE"
	case LevelFuzzy:
		return "FUZZY"
	case LevelAmountDate:
		return "AMOUNT_DATE"
	default:
		return "UNKNOWN"
	}
}

// MatchMethod records how a match was produced.
type MatchMethod string

const (
	MethodAuto   MatchMethod = "AUTO"
	MethodManual MatchMethod = "MANUAL"
	MethodRule   MatchMethod = "RULE"
)

// MatchStatus is the state of a match row.
type MatchStatus string

const (
	MatchMatched       MatchStatus = "MATCHED"
	MatchPartial       MatchStatus = "PARTIAL_MATCH"
	MatchPendingReview MatchStatus = "PENDING_REVIEW"
	MatchSuperseded    MatchStatus = "SUPERSEDED"
)

// Match pairs a transaction with at most one settlement row. Rows are never
// deleted; supersession happens via a new row plus a status update. At most
// one MATCHED row may reference a given settlement at any time.
type Match struct {
	ID            types.ID
	TenantID      types.ID
	TransactionID types.ID
	SettlementID  types.ID

	Level      MatchLevel
	Confidence float64
	Method     MatchMethod

	AmountDiff    int64
	AmountDiffPct float64

	Status    MatchStatus
	MatchedAt time.Time
	MatchedBy string
}

// statusFor derives the match status from a confidence score: >= 95 is a
// full match, anything lower needs review.
func statusFor(confidence float64) MatchStatus {
	if confidence >= 95 {
		return MatchMatched
	}
	return MatchPartial
}

// NewAutoMatch builds an automatic match row with status derived from
// confidence.
func NewAutoMatch(tenant, txn, settlement types.ID, level MatchLevel, confidence float64, amountDiff int64, amountDiffPct float64) *Match {
	return &Match{
		ID:            types.NewID(),
		TenantID:      tenant,
		TransactionID: txn,
		SettlementID:  settlement,
		Level:         level,
		Confidence:    confidence,
		Method:        MethodAuto,
		AmountDiff:    amountDiff,
		AmountDiffPct: amountDiffPct,
		Status:        statusFor(confidence),
		MatchedAt:     time.Now().UTC(),
	}
}
