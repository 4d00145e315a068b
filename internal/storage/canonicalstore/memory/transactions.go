package memory

import (
	"context"
	"sort"

	"github.com/settleline/recond/internal/model"
	"github.com/settleline/recond/internal/storage/canonicalstore"
	"github.com/settleline/recond/internal/types"
)

type transactionRepo struct {
	s    *Store
	inTx bool
}

func (r *transactionRepo) Insert(ctx context.Context, scope canonicalstore.Scope, txn *model.Transaction) (bool, *model.Transaction, error) {
	if txn.TenantID != scope.TenantID {
		return false, nil, scopeMismatch("transaction_insert")
	}
	if err := txn.Validate(); err != nil {
		return false, nil, canonicalstore.NewConstraintError("transaction_insert", "invalid transaction", err)
	}
	unlock := r.s.lock(r.inTx)
	defer unlock()

	key := txnKey{
		tenant:     scope.TenantID,
		connection: txn.ConnectionID,
		pspTxnID:   txn.PSPTxnID,
		eventType:  txn.EventType,
	}
	if id, ok := r.s.st.txnByKey[key]; ok {
		existing := r.s.st.txns[id]
		return false, &existing, nil
	}

	stored := *txn
	if stored.ID == types.NilID {
		stored.ID = types.NewID()
	}
	if stored.ReconStatus == "" {
		stored.ReconStatus = model.ReconPending
	}
	now := r.s.now()
	stored.Version = 1
	stored.CreatedAt = now
	stored.UpdatedAt = now

	r.s.st.txns[stored.ID] = stored
	r.s.st.txnByKey[key] = stored.ID
	*txn = stored
	return true, nil, nil
}

func (r *transactionRepo) Get(ctx context.Context, scope canonicalstore.Scope, id types.ID) (*model.Transaction, error) {
	unlock := r.s.lock(r.inTx)
	defer unlock()

	txn, ok := r.s.st.txns[id]
	if !ok || txn.TenantID != scope.TenantID {
		return nil, canonicalstore.ErrNotFound
	}
	out := txn
	return &out, nil
}

func (r *transactionRepo) GetByUniqueKey(ctx context.Context, scope canonicalstore.Scope, connectionID, pspTxnID string, eventType model.EventType) (*model.Transaction, error) {
	unlock := r.s.lock(r.inTx)
	defer unlock()

	key := txnKey{tenant: scope.TenantID, connection: connectionID, pspTxnID: pspTxnID, eventType: eventType}
	id, ok := r.s.st.txnByKey[key]
	if !ok {
		return nil, canonicalstore.ErrNotFound
	}
	out := r.s.st.txns[id]
	return &out, nil
}

func (r *transactionRepo) UpdateReconStatus(ctx context.Context, scope canonicalstore.Scope, id types.ID, expectedVersion int64, status model.ReconStatus) error {
	unlock := r.s.lock(r.inTx)
	defer unlock()

	txn, ok := r.s.st.txns[id]
	if !ok || txn.TenantID != scope.TenantID {
		return canonicalstore.ErrNotFound
	}
	if txn.Version != expectedVersion {
		return canonicalstore.ErrVersionConflict
	}
	if txn.ReconStatus == status {
		return nil
	}
	if !txn.ReconStatus.CanTransition(status) {
		return canonicalstore.NewConstraintError("update_recon_status",
			"transition "+string(txn.ReconStatus)+" -> "+string(status)+" not allowed", nil)
	}
	txn.ReconStatus = status
	txn.Version++
	txn.UpdatedAt = r.s.now()
	r.s.st.txns[id] = txn
	return nil
}

func (r *transactionRepo) ListForReprocess(ctx context.Context, scope canonicalstore.Scope, filter canonicalstore.ReprocessFilter) ([]model.Transaction, error) {
	unlock := r.s.lock(r.inTx)
	defer unlock()

	var out []model.Transaction
	for _, txn := range r.s.st.txns {
		if txn.TenantID != scope.TenantID {
			continue
		}
		if filter.ConnectionID != "" && txn.ConnectionID != filter.ConnectionID {
			continue
		}
		if !filter.DateFrom.IsZero() && txn.TxnDate.Before(filter.DateFrom) {
			continue
		}
		if !filter.DateTo.IsZero() && filter.DateTo.Before(txn.TxnDate) {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, txn.ReconStatus) {
			continue
		}
		out = append(out, txn)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func containsStatus(list []model.ReconStatus, s model.ReconStatus) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
