package reprocess

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settleline/recond/internal/connections"
	"github.com/settleline/recond/internal/matching"
	"github.com/settleline/recond/internal/model"
	"github.com/settleline/recond/internal/storage/canonicalstore"
	csmemory "github.com/settleline/recond/internal/storage/canonicalstore/memory"
	"github.com/settleline/recond/internal/types"
)

func TestRunMatchesLateSettlements(t *testing.T) {
	ctx := context.Background()
	store := csmemory.NewStore()
	tenant := types.NewID()
	scope := canonicalstore.Scope{TenantID: tenant}

	require.NoError(t, store.Connections().Put(ctx, &model.Connection{
		ID:           "conn_adyen",
		TenantID:     tenant,
		EntityID:     types.NewID(),
		PSPName:      "adyen",
		BaseCurrency: "EUR",
	}))
	resolver, err := connections.NewResolver(store.Connections(), 16, time.Minute)
	require.NoError(t, err)

	engine := matching.New(store, resolver, nil, nil, nil, nil)
	service := New(store, engine, nil)

	jan15 := types.NewDate(2024, time.January, 15)
	txn := &model.Transaction{
		TenantID:        tenant,
		ConnectionID:    "conn_adyen",
		EventType:       model.EventDeposit,
		TxnDate:         jan15,
		Amount:          types.NewMoney(80_000, "EUR"),
		PSPTxnID:        "txn_late",
		PSPSettlementID: "set_late",
	}
	inserted, _, err := store.Transactions().Insert(ctx, scope, txn)
	require.NoError(t, err)
	require.True(t, inserted)

	// First pass finds nothing; the settlement file has not arrived.
	first, err := service.Run(ctx, Request{TenantID: tenant, ConnectionID: "conn_adyen"})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Scanned)
	assert.Equal(t, 1, first.Unmatched)

	// The settlement file lands.
	_, err = store.Settlements().Insert(ctx, scope, &model.Settlement{
		TenantID:        tenant,
		ConnectionID:    "conn_adyen",
		SettlementDate:  jan15,
		BatchID:         "batch_9",
		PSPSettlementID: "set_late",
		Amount:          types.NewMoney(78_000, "EUR"),
	})
	require.NoError(t, err)

	second, err := service.Run(ctx, Request{TenantID: tenant, ConnectionID: "conn_adyen"})
	require.NoError(t, err)
	assert.Equal(t, 1, second.Scanned, "UNMATCHED rows stay eligible")
	assert.Equal(t, 1, second.Matched)

	reloaded, err := store.Transactions().Get(ctx, scope, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReconMatched, reloaded.ReconStatus)

	// Posted and matched rows leave the eligible set.
	third, err := service.Run(ctx, Request{TenantID: tenant, ConnectionID: "conn_adyen"})
	require.NoError(t, err)
	assert.Zero(t, third.Scanned)
}

func TestRunRequiresTenant(t *testing.T) {
	service := New(csmemory.NewStore(), nil, nil)
	_, err := service.Run(context.Background(), Request{})
	assert.Error(t, err)
}

func TestRunDateWindow(t *testing.T) {
	ctx := context.Background()
	store := csmemory.NewStore()
	tenant := types.NewID()
	scope := canonicalstore.Scope{TenantID: tenant}

	require.NoError(t, store.Connections().Put(ctx, &model.Connection{
		ID:           "conn_adyen",
		TenantID:     tenant,
		EntityID:     types.NewID(),
		PSPName:      "adyen",
		BaseCurrency: "EUR",
	}))
	resolver, err := connections.NewResolver(store.Connections(), 16, time.Minute)
	require.NoError(t, err)
	service := New(store, matching.New(store, resolver, nil, nil, nil, nil), nil)

	for day := 10; day <= 20; day += 5 {
		txn := &model.Transaction{
			TenantID:     tenant,
			ConnectionID: "conn_adyen",
			EventType:    model.EventDeposit,
			TxnDate:      types.NewDate(2024, time.January, day),
			Amount:       types.NewMoney(1_000, "EUR"),
			PSPTxnID:     types.NewID().String(),
		}
		_, _, err := store.Transactions().Insert(ctx, scope, txn)
		require.NoError(t, err)
	}

	summary, err := service.Run(ctx, Request{
		TenantID: tenant,
		DateFrom: types.NewDate(2024, time.January, 14),
		DateTo:   types.NewDate(2024, time.January, 16),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Scanned, "only the jan 15 transaction is in the window")
}
