package parser

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settleline/recond/internal/model"
)

var stripeTypes = map[string]model.EventType{
	"payment.succeeded": model.EventDeposit,
	"payout.paid":       model.EventWithdrawal,
	"charge.refunded":   model.EventRefund,
	"charge.disputed":   model.EventChargeback,
}

func TestGenericJSONParse(t *testing.T) {
	p := NewGenericJSON("generic-json", stripeTypes)

	payload := []byte(`{
		"id": "evt_100",
		"type": "payment.succeeded",
		"transaction_id": "txn_100",
		"payment_id": "pay_100",
		"settlement_id": "set_A",
		"amount": 100000,
		"currency": "USD",
		"fee": 2900,
		"net": 97100,
		"status": "succeeded",
		"created_at": "2024-01-15T10:30:00Z",
		"customer_id": "cust_9",
		"metadata": {"order": "ord_55"}
	}`)

	events, err := p.Parse(payload, model.FormatJSON)
	require.NoError(t, err)
	require.Len(t, events, 1)

	evt := events[0]
	assert.Equal(t, "evt_100", evt.PSPEventID)
	assert.Equal(t, model.EventDeposit, evt.CanonicalEventType)
	assert.Equal(t, "txn_100", evt.PSPTxnID)
	assert.Equal(t, "set_A", evt.PSPSettlementID)
	assert.Equal(t, int64(100000), evt.AmountSmallestUnit)
	assert.Equal(t, int64(2900), evt.PSPFee)
	assert.Equal(t, "cust_9", evt.CustomerID)
	assert.Equal(t, "ord_55", evt.Metadata["order"])
	assert.Equal(t, 15, evt.CreatedAt.Day())
}

func TestGenericJSONFailures(t *testing.T) {
	p := NewGenericJSON("generic-json", stripeTypes)

	cases := []struct {
		name    string
		payload string
	}{
		{"invalid_json", `{"id": `},
		{"unmapped_type", `{"id":"e1","type":"unknown.event","amount":1}`},
		{"missing_amount", `{"id":"e1","type":"payment.succeeded","currency":"USD"}`},
		{"missing_event_id", `{"type":"payment.succeeded","amount":1}`},
		{"bad_timestamp", `{"id":"e1","type":"payment.succeeded","amount":1,"created_at":"yesterday"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := p.Parse([]byte(tc.payload), model.FormatJSON)
			var parseErr *ParseError
			require.Error(t, err)
			assert.True(t, errors.As(err, &parseErr), "expected *ParseError, got %T", err)
		})
	}
}

func TestGenericJSONRejectsNonJSONFormat(t *testing.T) {
	p := NewGenericJSON("generic-json", stripeTypes)
	_, err := p.Parse([]byte("a,b,c"), model.FormatCSV)
	var parseErr *ParseError
	assert.True(t, errors.As(err, &parseErr))
}

func TestRegistryResolution(t *testing.T) {
	reg := NewRegistry()
	versioned := NewGenericJSON("stripe-v2", stripeTypes)
	fallback := NewGenericJSON("stripe", stripeTypes)

	reg.Register("stripe", "v2", versioned)
	reg.Register("stripe", "", fallback)

	got, err := reg.Resolve("stripe", "v2")
	require.NoError(t, err)
	assert.Equal(t, "stripe-v2", got.Name())

	got, err = reg.Resolve("stripe", "v9")
	require.NoError(t, err)
	assert.Equal(t, "stripe", got.Name(), "unknown schema version falls back to the unversioned parser")

	_, err = reg.Resolve("adyen", "v1")
	assert.ErrorIs(t, err, ErrParserNotFound)
}

func TestMapStatus(t *testing.T) {
	cases := map[string]model.TransactionStatus{
		"completed": model.StatusCompleted,
		"Succeeded": model.StatusCompleted,
		"settled":   model.StatusCompleted,
		"failed":    model.StatusFailed,
		"declined":  model.StatusFailed,
		"cancelled": model.StatusCancelled,
		"canceled":  model.StatusCancelled,
		"pending":   model.StatusPending,
		"":          model.StatusPending,
		"weird":     model.StatusPending,
	}
	for raw, want := range cases {
		assert.Equal(t, want, MapStatus(raw), "status %q", raw)
	}
}
