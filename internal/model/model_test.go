package model

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/settleline/recond/internal/types"
)

// TestPriorityForAmount pins the priority cut points at their exact
// boundaries.
func TestPriorityForAmount(t *testing.T) {
	testcases := []struct {
		name     string
		amount   int64
		expected Priority
	}{
		{name: "just below P1 cut", amount: 999_999, expected: P2},
		{name: "P1 cut", amount: 1_000_000, expected: P1},
		{name: "P2 cut", amount: 100_000, expected: P2},
		{name: "P3 cut", amount: 10_000, expected: P3},
		{name: "just below P3 cut", amount: 9_999, expected: P4},
		{name: "small amount", amount: 250, expected: P4},
		{name: "zero", amount: 0, expected: P4},
		{name: "negative uses absolute value", amount: -1_000_000, expected: P1},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, PriorityForAmount(tc.amount))
		})
	}
}

func TestReconStatusTransitions(t *testing.T) {
	testcases := []struct {
		name    string
		from    ReconStatus
		to      ReconStatus
		allowed bool
	}{
		{name: "pending to matched", from: ReconPending, to: ReconMatched, allowed: true},
		{name: "pending to partial", from: ReconPending, to: ReconPartialMatch, allowed: true},
		{name: "pending to unmatched", from: ReconPending, to: ReconUnmatched, allowed: true},
		{name: "pending to expected", from: ReconPending, to: ReconExpected, allowed: true},
		{name: "pending to posted skips matching", from: ReconPending, to: ReconPosted, allowed: false},
		{name: "matched to posted", from: ReconMatched, to: ReconPosted, allowed: true},
		{name: "matched cannot regress", from: ReconMatched, to: ReconPending, allowed: false},
		{name: "unmatched promoted on reprocess", from: ReconUnmatched, to: ReconMatched, allowed: true},
		{name: "partial promoted on reprocess", from: ReconPartialMatch, to: ReconMatched, allowed: true},
		{name: "anything to voided", from: ReconPosted, to: ReconVoided, allowed: true},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.allowed, tc.from.CanTransition(tc.to))
		})
	}
}

func TestCheckBalanced(t *testing.T) {
	entries := []LedgerEntry{
		{DebitAccount: "1001", CreditAccount: "1100", Amount: types.NewMoney(97_100, "USD")},
		{DebitAccount: "5000", CreditAccount: "1001", Amount: types.NewMoney(2_900, "USD")},
	}
	require.NoError(t, CheckBalanced(entries))

	totals := SumDebits(entries)
	require.Equal(t, int64(100_000), totals["USD"])
}

func TestLedgerEntryValidate(t *testing.T) {
	entry := LedgerEntry{
		DebitAccount:  "1100",
		CreditAccount: "1100",
		Amount:        types.NewMoney(500, "USD"),
	}
	require.Error(t, entry.Validate(false))
	require.NoError(t, entry.Validate(true)) // reversal marker

	entry.Amount.Value = 0
	require.ErrorIs(t, entry.Validate(true), ErrNonPositiveEntry)
}

func TestTransactionValidate(t *testing.T) {
	txn := &Transaction{
		TenantID:     types.NewID(),
		ConnectionID: "stripe_main",
		EventType:    EventDeposit,
		PSPTxnID:     "ch_123",
		Amount:       types.NewMoney(100_000, "USD"),
		PSPFee:       2_900,
		NetAmount:    97_100,
	}
	require.NoError(t, txn.Validate())

	txn.NetAmount = 90_000
	require.Error(t, txn.Validate())

	txn.NetAmount = 0
	require.Equal(t, int64(97_100), txn.Net())

	txn.EventType = "SOMETHING_ELSE"
	require.ErrorIs(t, txn.Validate(), ErrInvalidEventType)
}

func TestParsedEventValidate(t *testing.T) {
	ev := &ParsedEvent{
		PSPEventID:         "evt_1",
		CanonicalEventType: EventDeposit,
	}
	require.NoError(t, ev.Validate())

	ev.PSPEventID = ""
	require.ErrorIs(t, ev.Validate(), ErrMissingEventID)

	ev.PSPEventID = "evt_1"
	ev.CanonicalEventType = ""
	require.ErrorIs(t, ev.Validate(), ErrMissingEventType)
}

func TestSettlementReferencesTxn(t *testing.T) {
	s := &Settlement{PSPTxnIDs: []string{"pay_1", "pay_2"}}
	require.True(t, s.ReferencesTxn("pay_2"))
	require.False(t, s.ReferencesTxn("pay_3"))
	require.False(t, s.ReferencesTxn(""))
}
