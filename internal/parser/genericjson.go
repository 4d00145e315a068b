package parser

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/settleline/recond/internal/model"
)

// GenericJSON parses the conventional webhook shape most card PSPs use: a
// single JSON object with id/type/amount fields. The per-connection event
// type map declares how the vendor's type strings map onto the canonical
// enum.
type GenericJSON struct {
	name string

	// EventTypeMap maps vendor event type strings to canonical types.
	eventTypes map[string]model.EventType
}

// NewGenericJSON builds a generic parser with the given vendor event-type
// mapping.
func NewGenericJSON(name string, eventTypes map[string]model.EventType) *GenericJSON {
	return &GenericJSON{name: name, eventTypes: eventTypes}
}

func (g *GenericJSON) Name() string {
	return g.name
}

// genericPayload is the superset of field names seen across PSP webhook
// bodies; absent fields stay zero.
type genericPayload struct {
	ID      string `json:"id"`
	EventID string `json:"event_id"`
	Type    string `json:"type"`
	Event   string `json:"event"`

	TransactionID string `json:"transaction_id"`
	PaymentID     string `json:"payment_id"`
	SettlementID  string `json:"settlement_id"`
	BatchID       string `json:"batch_id"`

	Amount   *int64 `json:"amount"`
	Currency string `json:"currency"`
	Fee      int64  `json:"fee"`
	Net      int64  `json:"net"`

	Status     string `json:"status"`
	CreatedAt  string `json:"created_at"`
	CustomerID string `json:"customer_id"`

	Metadata map[string]any `json:"metadata"`
}

func (g *GenericJSON) Parse(payload []byte, format model.PayloadFormat) ([]model.ParsedEvent, error) {
	if format != model.FormatJSON {
		return nil, NewParseError(g.name, fmt.Sprintf("unsupported format %s", format), nil)
	}

	var body genericPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, NewParseError(g.name, "invalid JSON body", err)
	}

	eventID := body.ID
	if eventID == "" {
		eventID = body.EventID
	}
	rawType := body.Type
	if rawType == "" {
		rawType = body.Event
	}
	canonical, ok := g.eventTypes[rawType]
	if !ok {
		return nil, NewParseError(g.name, fmt.Sprintf("unmapped event type %q", rawType), nil)
	}
	if body.Amount == nil {
		return nil, NewParseError(g.name, "missing amount", nil)
	}

	createdAt, err := parseTimestamp(body.CreatedAt)
	if err != nil {
		return nil, NewParseError(g.name, fmt.Sprintf("invalid created_at %q", body.CreatedAt), err)
	}

	event := model.ParsedEvent{
		PSPEventID:         eventID,
		PSPEventType:       rawType,
		CanonicalEventType: canonical,
		PSPTxnID:           body.TransactionID,
		PSPPaymentID:       body.PaymentID,
		PSPSettlementID:    body.SettlementID,
		PSPBatchID:         body.BatchID,
		AmountSmallestUnit: *body.Amount,
		Currency:           body.Currency,
		PSPFee:             body.Fee,
		Net:                body.Net,
		CreatedAt:          createdAt,
		CustomerID:         body.CustomerID,
		RawStatus:          body.Status,
		Metadata:           body.Metadata,
	}
	if err := event.Validate(); err != nil {
		return nil, NewParseError(g.name, err.Error(), err)
	}
	return []model.ParsedEvent{event}, nil
}

// parseTimestamp accepts RFC 3339 and bare dates; PSPs are not consistent.
func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
