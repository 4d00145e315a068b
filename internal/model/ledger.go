package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/settleline/recond/internal/types"
)

// LedgerEntry is one double-entry posting: a single amount moved from the
// credit account to the debit account. Entries are append-only and inserted
// only by the ledger poster, in balanced groups.
type LedgerEntry struct {
	ID       types.ID
	TenantID types.ID
	EntityID types.ID

	TxnDate       types.Date
	DebitAccount  string
	CreditAccount string
	Amount        types.Money

	RefTransactionID types.ID
	RefMatchID       types.ID
	Description      string

	PostedAt time.Time
}

var (
	ErrNonPositiveEntry  = errors.New("ledger entry amount must be > 0")
	ErrUnbalancedPosting = errors.New("posting group debits do not equal credits")
)

// Validate checks a single entry. The debit and credit accounts may only be
// equal for reversal marker entries, which callers flag explicitly.
func (e *LedgerEntry) Validate(allowSelfReversal bool) error {
	if e.Amount.Value <= 0 {
		return ErrNonPositiveEntry
	}
	if e.DebitAccount == "" || e.CreditAccount == "" {
		return errors.New("debit and credit accounts are required")
	}
	if e.DebitAccount == e.CreditAccount && !allowSelfReversal {
		return fmt.Errorf("debit and credit account are both %q", e.DebitAccount)
	}
	return nil
}

// CheckBalanced verifies that for every currency in the group the sum of
// debits equals the sum of credits. Each entry debits and credits the same
// amount, so a violation indicates a corrupted group (mixed currencies with
// asymmetric legs) rather than normal data.
func CheckBalanced(entries []LedgerEntry) error {
	debits := make(map[string]int64)
	credits := make(map[string]int64)
	for i := range entries {
		e := &entries[i]
		debits[e.Amount.Currency] += e.Amount.Value
		credits[e.Amount.Currency] += e.Amount.Value
	}
	for ccy, d := range debits {
		if c := credits[ccy]; c != d {
			return fmt.Errorf("%w: %s debits=%d credits=%d", ErrUnbalancedPosting, ccy, d, c)
		}
	}
	return nil
}

// SumDebits totals the debit legs per currency; used by invariant tests.
func SumDebits(entries []LedgerEntry) map[string]int64 {
	totals := make(map[string]int64)
	for i := range entries {
		totals[entries[i].Amount.Currency] += entries[i].Amount.Value
	}
	return totals
}
