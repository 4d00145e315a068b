package model

import (
	"time"

	"github.com/settleline/recond/internal/types"
)

// RawRecord is what webhook intake emits onto the bus after a raw event has
// been archived: a pointer to the durable bytes plus routing metadata. The
// idempotency key is unique per tenant and never mutated.
type RawRecord struct {
	TenantID       types.ID  `codec:"tenant_id"`
	ConnectionID   string    `codec:"connection_id"`
	IdempotencyKey string    `codec:"idempotency_key"`
	ArchiveRef     string    `codec:"archive_ref"`
	SourceType     string    `codec:"source_type"`
	ReceivedAt     time.Time `codec:"received_at"`
}

// NormalizedRecord is emitted by the normalizer once a canonical
// transaction row exists; the matcher consumes it.
type NormalizedRecord struct {
	TransactionID types.ID   `codec:"transaction_id"`
	TenantID      types.ID   `codec:"tenant_id"`
	ConnectionID  string     `codec:"connection_id"`
	EventType     EventType  `codec:"event_type"`
	TxnDate       types.Date `codec:"txn_date"`
	AmountValue   int64      `codec:"amount_value"`
	Currency      string     `codec:"currency"`
	PSPTxnID      string     `codec:"psp_txn_id"`
}

// MatchedRecord is emitted for matches with confidence >= 95; the ledger
// poster consumes it.
type MatchedRecord struct {
	TransactionID types.ID `codec:"transaction_id"`
	MatchID       types.ID `codec:"match_id"`
	TenantID      types.ID `codec:"tenant_id"`
	Level         int      `codec:"level"`
	Confidence    float64  `codec:"confidence"`
}

// FailureRecord is a bus-visible failure emitted toward dead-letter
// consumers when a stage gives up on a record.
type FailureRecord struct {
	TenantID   types.ID  `codec:"tenant_id"`
	Stage      string    `codec:"stage"`
	Kind       string    `codec:"kind"`
	ArchiveRef string    `codec:"archive_ref"`
	Reason     string    `codec:"reason"`
	Attempts   int       `codec:"attempts"`
	FailedAt   time.Time `codec:"failed_at"`
}
