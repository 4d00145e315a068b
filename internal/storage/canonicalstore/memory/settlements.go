package memory

import (
	"context"
	"sort"

	"github.com/settleline/recond/internal/model"
	"github.com/settleline/recond/internal/storage/canonicalstore"
	"github.com/settleline/recond/internal/types"
)

type settlementRepo struct {
	s    *Store
	inTx bool
}

func (r *settlementRepo) Insert(ctx context.Context, scope canonicalstore.Scope, settlement *model.Settlement) (bool, error) {
	if settlement.TenantID != scope.TenantID {
		return false, scopeMismatch("settlement_insert")
	}
	if err := settlement.Validate(); err != nil {
		return false, canonicalstore.NewConstraintError("settlement_insert", "invalid settlement", err)
	}
	unlock := r.s.lock(r.inTx)
	defer unlock()

	key := settlementKey{
		tenant:     scope.TenantID,
		connection: settlement.ConnectionID,
		batchID:    settlement.BatchID,
		lineNo:     settlement.LineNo,
	}
	if _, ok := r.s.st.settlementByKey[key]; ok {
		return false, nil
	}

	stored := *settlement
	if stored.ID == types.NilID {
		stored.ID = types.NewID()
	}
	stored.CreatedAt = r.s.now()
	r.s.st.settlements[stored.ID] = stored
	r.s.st.settlementByKey[key] = stored.ID
	*settlement = stored
	return true, nil
}

func (r *settlementRepo) Get(ctx context.Context, scope canonicalstore.Scope, id types.ID) (*model.Settlement, error) {
	unlock := r.s.lock(r.inTx)
	defer unlock()

	settlement, ok := r.s.st.settlements[id]
	if !ok || settlement.TenantID != scope.TenantID {
		return nil, canonicalstore.ErrNotFound
	}
	out := settlement
	return &out, nil
}

func (r *settlementRepo) Candidates(ctx context.Context, scope canonicalstore.Scope, filter canonicalstore.SettlementFilter) ([]model.Settlement, error) {
	unlock := r.s.lock(r.inTx)
	defer unlock()

	var out []model.Settlement
	for _, settlement := range r.s.st.settlements {
		if settlement.TenantID != scope.TenantID {
			continue
		}
		if filter.ConnectionID != "" && settlement.ConnectionID != filter.ConnectionID {
			continue
		}
		if filter.PSPSettlementID != "" && settlement.PSPSettlementID != filter.PSPSettlementID {
			continue
		}
		if filter.RefTxnID != "" && !settlement.ReferencesTxn(filter.RefTxnID) {
			continue
		}
		if filter.Currency != "" && settlement.Amount.Currency != filter.Currency {
			continue
		}
		if !filter.DateFrom.IsZero() && settlement.SettlementDate.Before(filter.DateFrom) {
			continue
		}
		if !filter.DateTo.IsZero() && filter.DateTo.Before(settlement.SettlementDate) {
			continue
		}
		if filter.ExactAmount != nil && settlement.Amount.Value != *filter.ExactAmount {
			continue
		}
		if filter.AmountMin != nil && settlement.Amount.Value < *filter.AmountMin {
			continue
		}
		if filter.AmountMax != nil && settlement.Amount.Value > *filter.AmountMax {
			continue
		}
		if filter.ExcludeMatched {
			if _, matched := r.s.st.matchedBySettlement[settlement.ID]; matched {
				continue
			}
		}
		out = append(out, settlement)
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := &out[i], &out[j]
		if !a.SettlementDate.Equal(b.SettlementDate) {
			return a.SettlementDate.Before(b.SettlementDate)
		}
		if a.BatchID != b.BatchID {
			return a.BatchID < b.BatchID
		}
		return a.LineNo < b.LineNo
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
