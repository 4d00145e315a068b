package memory

import (
	"context"
	"sort"

	"github.com/settleline/recond/internal/model"
	"github.com/settleline/recond/internal/storage/canonicalstore"
	"github.com/settleline/recond/internal/types"
)

type fxRateRepo struct {
	s    *Store
	inTx bool
}

func (r *fxRateRepo) Get(ctx context.Context, from, to string, asOf types.Date) (*model.FXRate, error) {
	unlock := r.s.lock(r.inTx)
	defer unlock()

	rate, ok := r.s.st.fxRates[fxKey{from: from, to: to, date: asOf}]
	if !ok {
		return nil, canonicalstore.ErrRateNotFound
	}
	out := rate
	return &out, nil
}

func (r *fxRateRepo) Put(ctx context.Context, rate *model.FXRate) error {
	unlock := r.s.lock(r.inTx)
	defer unlock()

	r.s.st.fxRates[fxKey{from: rate.FromCurrency, to: rate.ToCurrency, date: rate.AsOfDate}] = *rate
	return nil
}

type connectionRepo struct {
	s    *Store
	inTx bool
}

func (r *connectionRepo) Get(ctx context.Context, scope canonicalstore.Scope, id string) (*model.Connection, error) {
	unlock := r.s.lock(r.inTx)
	defer unlock()

	conn, ok := r.s.st.connections[connKey{tenant: scope.TenantID, id: id}]
	if !ok {
		return nil, canonicalstore.ErrConnectionNotFound
	}
	out := conn
	return &out, nil
}

func (r *connectionRepo) Put(ctx context.Context, conn *model.Connection) error {
	unlock := r.s.lock(r.inTx)
	defer unlock()

	r.s.st.connections[connKey{tenant: conn.TenantID, id: conn.ID}] = *conn
	return nil
}

func (r *connectionRepo) List(ctx context.Context, scope canonicalstore.Scope) ([]model.Connection, error) {
	unlock := r.s.lock(r.inTx)
	defer unlock()

	var out []model.Connection
	for key, conn := range r.s.st.connections {
		if key.tenant != scope.TenantID {
			continue
		}
		out = append(out, conn)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out, nil
}
