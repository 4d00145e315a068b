package memory

import (
	"context"
	"sort"

	"github.com/settleline/recond/internal/model"
	"github.com/settleline/recond/internal/storage/canonicalstore"
	"github.com/settleline/recond/internal/types"
)

type exceptionRepo struct {
	s    *Store
	inTx bool
}

func (r *exceptionRepo) Insert(ctx context.Context, scope canonicalstore.Scope, exc *model.Exception) error {
	if exc.TenantID != scope.TenantID {
		return scopeMismatch("exception_insert")
	}
	if exc.TransactionID == types.NilID && exc.SettlementID == types.NilID {
		return canonicalstore.NewConstraintError("exception_insert",
			"exception must reference a transaction or a settlement", nil)
	}
	unlock := r.s.lock(r.inTx)
	defer unlock()

	stored := *exc
	if stored.ID == types.NilID {
		stored.ID = types.NewID()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = r.s.now()
	}
	r.s.st.exceptions[stored.ID] = stored
	*exc = stored
	return nil
}

func (r *exceptionRepo) Get(ctx context.Context, scope canonicalstore.Scope, id types.ID) (*model.Exception, error) {
	unlock := r.s.lock(r.inTx)
	defer unlock()

	exc, ok := r.s.st.exceptions[id]
	if !ok || exc.TenantID != scope.TenantID {
		return nil, canonicalstore.ErrNotFound
	}
	out := exc
	return &out, nil
}

func (r *exceptionRepo) ListOpen(ctx context.Context, scope canonicalstore.Scope, limit int) ([]model.Exception, error) {
	unlock := r.s.lock(r.inTx)
	defer unlock()

	var out []model.Exception
	for _, exc := range r.s.st.exceptions {
		if exc.TenantID != scope.TenantID {
			continue
		}
		if exc.Status != model.ExceptionOpen && exc.Status != model.ExceptionUnderReview {
			continue
		}
		out = append(out, exc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *exceptionRepo) OpenForTransaction(ctx context.Context, scope canonicalstore.Scope, txnID types.ID) ([]model.Exception, error) {
	unlock := r.s.lock(r.inTx)
	defer unlock()

	var out []model.Exception
	for _, exc := range r.s.st.exceptions {
		if exc.TenantID != scope.TenantID || exc.TransactionID != txnID {
			continue
		}
		if exc.Status == model.ExceptionResolved {
			continue
		}
		out = append(out, exc)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *exceptionRepo) Resolve(ctx context.Context, scope canonicalstore.Scope, id types.ID, resolvedBy string) error {
	unlock := r.s.lock(r.inTx)
	defer unlock()

	exc, ok := r.s.st.exceptions[id]
	if !ok || exc.TenantID != scope.TenantID {
		return canonicalstore.ErrNotFound
	}
	if exc.Status == model.ExceptionResolved {
		return nil
	}
	exc.Status = model.ExceptionResolved
	exc.ResolvedAt = r.s.now()
	exc.ResolvedBy = resolvedBy
	r.s.st.exceptions[id] = exc
	return nil
}

func (r *exceptionRepo) UpdateStatus(ctx context.Context, scope canonicalstore.Scope, id types.ID, status model.ExceptionStatus, priority model.Priority) error {
	unlock := r.s.lock(r.inTx)
	defer unlock()

	exc, ok := r.s.st.exceptions[id]
	if !ok || exc.TenantID != scope.TenantID {
		return canonicalstore.ErrNotFound
	}
	exc.Status = status
	if priority != "" {
		exc.Priority = priority
	}
	r.s.st.exceptions[id] = exc
	return nil
}
