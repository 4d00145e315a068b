package memory

import (
	"context"
	"sort"

	"github.com/settleline/recond/internal/model"
	"github.com/settleline/recond/internal/storage/canonicalstore"
	"github.com/settleline/recond/internal/types"
)

type ledgerRepo struct {
	s    *Store
	inTx bool
}

func (r *ledgerRepo) InsertEntries(ctx context.Context, scope canonicalstore.Scope, entries []model.LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}
	for i := range entries {
		if entries[i].TenantID != scope.TenantID {
			return scopeMismatch("ledger_insert")
		}
	}
	if err := model.CheckBalanced(entries); err != nil {
		return canonicalstore.NewConstraintError("ledger_insert", "unbalanced posting group", err)
	}
	unlock := r.s.lock(r.inTx)
	defer unlock()

	now := r.s.now()
	for i := range entries {
		stored := entries[i]
		if stored.ID == types.NilID {
			stored.ID = types.NewID()
		}
		if stored.PostedAt.IsZero() {
			stored.PostedAt = now
		}
		r.s.st.ledger = append(r.s.st.ledger, stored)
		entries[i] = stored
	}
	return nil
}

func (r *ledgerRepo) ListByTransaction(ctx context.Context, scope canonicalstore.Scope, txnID types.ID) ([]model.LedgerEntry, error) {
	unlock := r.s.lock(r.inTx)
	defer unlock()

	var out []model.LedgerEntry
	for _, entry := range r.s.st.ledger {
		if entry.TenantID != scope.TenantID || entry.RefTransactionID != txnID {
			continue
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].PostedAt.Before(out[j].PostedAt)
	})
	return out, nil
}

func (r *ledgerRepo) TrialBalance(ctx context.Context, scope canonicalstore.Scope, entityID types.ID, from, to types.Date) ([]canonicalstore.AccountBalance, error) {
	unlock := r.s.lock(r.inTx)
	defer unlock()

	type balanceKey struct {
		account  string
		currency string
	}
	totals := make(map[balanceKey]*canonicalstore.AccountBalance)

	add := func(account, currency string, debit, credit int64) {
		key := balanceKey{account: account, currency: currency}
		bal, ok := totals[key]
		if !ok {
			bal = &canonicalstore.AccountBalance{Account: account, Currency: currency}
			totals[key] = bal
		}
		bal.Debits += debit
		bal.Credits += credit
	}

	for _, entry := range r.s.st.ledger {
		if entry.TenantID != scope.TenantID {
			continue
		}
		if entityID != types.NilID && entry.EntityID != entityID {
			continue
		}
		if !from.IsZero() && entry.TxnDate.Before(from) {
			continue
		}
		if !to.IsZero() && to.Before(entry.TxnDate) {
			continue
		}
		add(entry.DebitAccount, entry.Amount.Currency, entry.Amount.Value, 0)
		add(entry.CreditAccount, entry.Amount.Currency, 0, entry.Amount.Value)
	}

	out := make([]canonicalstore.AccountBalance, 0, len(totals))
	for _, bal := range totals {
		out = append(out, *bal)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Account != out[j].Account {
			return out[i].Account < out[j].Account
		}
		return out[i].Currency < out[j].Currency
	})
	return out, nil
}
