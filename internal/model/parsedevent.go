package model

import (
	"errors"
	"time"
)

// PayloadFormat identifies the wire format a parser consumes.
type PayloadFormat string

const (
	FormatJSON PayloadFormat = "JSON"
	FormatCSV  PayloadFormat = "CSV"
	FormatXLSX PayloadFormat = "XLSX"
)

// ParsedEvent is the language-neutral output of a PSP parser: typed fields
// for everything the pipeline keys on, plus an opaque metadata bag for the
// rest of the vendor payload.
type ParsedEvent struct {
	PSPEventID         string
	PSPEventType       string
	CanonicalEventType EventType
	PSPTxnID           string
	PSPPaymentID       string
	PSPSettlementID    string
	PSPBatchID         string

	AmountSmallestUnit int64
	Currency           string
	PSPFee             int64
	Net                int64

	CreatedAt  time.Time
	CustomerID string
	RawStatus  string

	Metadata map[string]any
}

var (
	ErrMissingEventID   = errors.New("parsed event is missing psp_event_id")
	ErrMissingEventType = errors.New("parsed event is missing canonical event type")
)

// Validate enforces the parser contract: psp_event_id and the canonical
// event type must be present.
func (p *ParsedEvent) Validate() error {
	if p.PSPEventID == "" {
		return ErrMissingEventID
	}
	if !p.CanonicalEventType.Valid() {
		return ErrMissingEventType
	}
	return nil
}

// TxnID returns the PSP transaction id, falling back to the event id when
// the vendor payload carries none.
func (p *ParsedEvent) TxnID() string {
	if p.PSPTxnID != "" {
		return p.PSPTxnID
	}
	return p.PSPEventID
}
