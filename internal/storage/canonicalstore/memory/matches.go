package memory

import (
	"context"
	"sort"

	"github.com/settleline/recond/internal/model"
	"github.com/settleline/recond/internal/storage/canonicalstore"
	"github.com/settleline/recond/internal/types"
)

type matchRepo struct {
	s    *Store
	inTx bool
}

func (r *matchRepo) Insert(ctx context.Context, scope canonicalstore.Scope, match *model.Match) error {
	if match.TenantID != scope.TenantID {
		return scopeMismatch("match_insert")
	}
	unlock := r.s.lock(r.inTx)
	defer unlock()

	if match.Status == model.MatchMatched {
		if heldBy, taken := r.s.st.matchedBySettlement[match.SettlementID]; taken {
			if existing := r.s.st.matches[heldBy]; existing.TransactionID == match.TransactionID {
				return canonicalstore.ErrDuplicateEntry
			}
			return canonicalstore.ErrSettlementTaken
		}
	}
	for _, existing := range r.s.st.matches {
		if existing.TenantID == match.TenantID &&
			existing.TransactionID == match.TransactionID &&
			existing.SettlementID == match.SettlementID &&
			existing.Status != model.MatchSuperseded {
			return canonicalstore.ErrDuplicateEntry
		}
	}

	stored := *match
	if stored.ID == types.NilID {
		stored.ID = types.NewID()
	}
	if stored.MatchedAt.IsZero() {
		stored.MatchedAt = r.s.now()
	}
	r.s.st.matches[stored.ID] = stored
	if stored.Status == model.MatchMatched {
		r.s.st.matchedBySettlement[stored.SettlementID] = stored.ID
	}
	*match = stored
	return nil
}

func (r *matchRepo) Get(ctx context.Context, scope canonicalstore.Scope, id types.ID) (*model.Match, error) {
	unlock := r.s.lock(r.inTx)
	defer unlock()

	match, ok := r.s.st.matches[id]
	if !ok || match.TenantID != scope.TenantID {
		return nil, canonicalstore.ErrNotFound
	}
	out := match
	return &out, nil
}

func (r *matchRepo) ActiveForTransaction(ctx context.Context, scope canonicalstore.Scope, txnID types.ID) (*model.Match, error) {
	unlock := r.s.lock(r.inTx)
	defer unlock()

	var active []model.Match
	for _, match := range r.s.st.matches {
		if match.TenantID != scope.TenantID || match.TransactionID != txnID {
			continue
		}
		if match.Status == model.MatchSuperseded {
			continue
		}
		active = append(active, match)
	}
	if len(active) == 0 {
		return nil, canonicalstore.ErrNotFound
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].MatchedAt.After(active[j].MatchedAt)
	})
	out := active[0]
	return &out, nil
}

func (r *matchRepo) MatchedExistsForSettlement(ctx context.Context, scope canonicalstore.Scope, settlementID types.ID) (bool, error) {
	unlock := r.s.lock(r.inTx)
	defer unlock()

	id, ok := r.s.st.matchedBySettlement[settlementID]
	if !ok {
		return false, nil
	}
	return r.s.st.matches[id].TenantID == scope.TenantID, nil
}

func (r *matchRepo) UpdateStatus(ctx context.Context, scope canonicalstore.Scope, id types.ID, status model.MatchStatus) error {
	unlock := r.s.lock(r.inTx)
	defer unlock()

	match, ok := r.s.st.matches[id]
	if !ok || match.TenantID != scope.TenantID {
		return canonicalstore.ErrNotFound
	}
	if match.Status == status {
		return nil
	}

	if status == model.MatchMatched {
		if heldBy, taken := r.s.st.matchedBySettlement[match.SettlementID]; taken && heldBy != id {
			return canonicalstore.ErrSettlementTaken
		}
	}
	if match.Status == model.MatchMatched && status != model.MatchMatched {
		if heldBy := r.s.st.matchedBySettlement[match.SettlementID]; heldBy == id {
			delete(r.s.st.matchedBySettlement, match.SettlementID)
		}
	}

	match.Status = status
	r.s.st.matches[id] = match
	if status == model.MatchMatched {
		r.s.st.matchedBySettlement[match.SettlementID] = id
	}
	return nil
}
