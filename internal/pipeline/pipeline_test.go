package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settleline/recond/internal/bus"
	"github.com/settleline/recond/internal/connections"
	"github.com/settleline/recond/internal/fx"
	"github.com/settleline/recond/internal/intake"
	"github.com/settleline/recond/internal/ledger"
	"github.com/settleline/recond/internal/matching"
	"github.com/settleline/recond/internal/model"
	"github.com/settleline/recond/internal/normalizer"
	"github.com/settleline/recond/internal/parser"
	"github.com/settleline/recond/internal/storage/archive"
	"github.com/settleline/recond/internal/storage/canonicalstore"
	csmemory "github.com/settleline/recond/internal/storage/canonicalstore/memory"
	"github.com/settleline/recond/internal/storage/deadletter"
	"github.com/settleline/recond/internal/storage/idempotency"
	kvmemory "github.com/settleline/recond/internal/storage/kv/memory"
	"github.com/settleline/recond/internal/types"
)

type mapSecrets map[string]string

func (m mapSecrets) Secret(ref string) (string, error) {
	if v, ok := m[ref]; ok {
		return v, nil
	}
	return "", assert.AnError
}

type fixture struct {
	intake *intake.Service
	store  *csmemory.Store
	dead   deadletter.Store
	tenant types.ID
	scope  canonicalstore.Scope
	secret string
	cancel context.CancelFunc
	done   chan struct{}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := csmemory.NewStore()
	tenant := types.NewID()

	require.NoError(t, store.Connections().Put(ctx, &model.Connection{
		ID:           "conn_stripe",
		TenantID:     tenant,
		EntityID:     types.NewID(),
		PSPName:      "stripe",
		BaseCurrency: "USD",
		ParserName:   "generic-json",
		SecretRef:    "STRIPE_SECRET",
	}))

	resolver, err := connections.NewResolver(store.Connections(), 16, time.Minute)
	require.NoError(t, err)

	registry := parser.NewRegistry()
	registry.Register("generic-json", "", parser.NewGenericJSON("generic-json", map[string]model.EventType{
		"payment.succeeded": model.EventDeposit,
	}))

	fxp, err := fx.New(store.FXRates(), nil, 16, nil)
	require.NoError(t, err)

	b := bus.New(2, 64)
	arch := archive.New(kvmemory.New())
	idem := idempotency.New(kvmemory.New())
	dead := deadletter.NewMemory()

	norm := normalizer.New(resolver, registry, fxp, arch, store, b, nil, nil)
	engine := matching.New(store, resolver, b, nil, nil, nil)
	poster := ledger.NewPoster(store, resolver, nil, nil, nil)

	pl := New(b, norm, engine, poster, dead, nil, nil, nil, Config{
		MaxAttempts:          2,
		RetryInitialInterval: 5 * time.Millisecond,
		RetryMaxInterval:     20 * time.Millisecond,
	})

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = pl.Run(runCtx)
	}()
	t.Cleanup(func() {
		cancel()
		b.Close()
		<-done
	})

	service := intake.New(resolver, mapSecrets{"STRIPE_SECRET": "whsec_test"}, idem, arch, b, nil, nil, nil, intake.Config{})
	return &fixture{
		intake: service,
		store:  store,
		dead:   dead,
		tenant: tenant,
		scope:  canonicalstore.Scope{TenantID: tenant},
		secret: "whsec_test",
		cancel: cancel,
		done:   done,
	}
}

func TestWebhookFlowsToPostedLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The settlement line is already on file.
	settlement := &model.Settlement{
		TenantID:        f.tenant,
		ConnectionID:    "conn_stripe",
		SettlementDate:  types.NewDate(2024, time.January, 15),
		BatchID:         "batch_1",
		PSPSettlementID: "set_A",
		Amount:          types.NewMoney(97_100, "USD"),
	}
	_, err := f.store.Settlements().Insert(ctx, f.scope, settlement)
	require.NoError(t, err)

	body := []byte(`{
		"id": "evt_1", "type": "payment.succeeded",
		"transaction_id": "txn_1", "settlement_id": "set_A",
		"amount": 100000, "currency": "USD", "fee": 2900, "net": 97100,
		"status": "succeeded", "created_at": "2024-01-15T10:00:00Z"
	}`)
	headers := intake.Headers{Signature: intake.Sign(f.secret, body)}

	outcome, err := f.intake.Ingest(ctx, f.tenant, "conn_stripe", headers, body)
	require.NoError(t, err)
	assert.Equal(t, intake.StatusAccepted, outcome.Status)

	var txn *model.Transaction
	require.Eventually(t, func() bool {
		got, err := f.store.Transactions().GetByUniqueKey(ctx, f.scope, "conn_stripe", "txn_1", model.EventDeposit)
		if err != nil {
			return false
		}
		txn = got
		return got.ReconStatus == model.ReconPosted
	}, 5*time.Second, 10*time.Millisecond, "transaction never reached POSTED")

	match, err := f.store.Matches().ActiveForTransaction(ctx, f.scope, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LevelStrongID, match.Level)
	assert.Equal(t, model.MatchMatched, match.Status)

	entries, err := f.store.Ledger().ListByTransaction(ctx, f.scope, txn.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, map[string]int64{"USD": 100_000}, model.SumDebits(entries))

	// Replays 2 through 4 are duplicates and leave the stores untouched.
	for i := 0; i < 3; i++ {
		replay, err := f.intake.Ingest(ctx, f.tenant, "conn_stripe", headers, body)
		require.NoError(t, err)
		assert.Equal(t, intake.StatusDuplicate, replay.Status)
	}
	time.Sleep(50 * time.Millisecond)

	entries, err = f.store.Ledger().ListByTransaction(ctx, f.scope, txn.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "replays must not grow the posting group")
}

func TestUnparsableEventIsDeadLettered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	body := []byte(`{"id":"evt_x","type":"subscription.created","amount":100}`)
	headers := intake.Headers{Signature: intake.Sign(f.secret, body)}

	outcome, err := f.intake.Ingest(ctx, f.tenant, "conn_stripe", headers, body)
	require.NoError(t, err)
	assert.Equal(t, intake.StatusAccepted, outcome.Status)

	require.Eventually(t, func() bool {
		entries, err := f.dead.List(ctx, deadletter.Filter{TenantID: f.tenant, Stage: "normalize"})
		return err == nil && len(entries) == 1
	}, 5*time.Second, 10*time.Millisecond, "parse failure never dead-lettered")

	entries, err := f.dead.List(ctx, deadletter.Filter{TenantID: f.tenant})
	require.NoError(t, err)
	assert.Equal(t, "parse", entries[0].Kind)
	assert.Equal(t, outcome.ArchiveRef, entries[0].ArchiveRef)
}

func TestMissingFXRateQuarantinesAfterRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	body := []byte(`{"id":"evt_gbp","type":"payment.succeeded","transaction_id":"txn_gbp","amount":5000,"currency":"GBP","created_at":"2024-01-15T10:00:00Z"}`)
	headers := intake.Headers{Signature: intake.Sign(f.secret, body)}

	outcome, err := f.intake.Ingest(ctx, f.tenant, "conn_stripe", headers, body)
	require.NoError(t, err)
	assert.Equal(t, intake.StatusAccepted, outcome.Status)

	var txn *model.Transaction
	require.Eventually(t, func() bool {
		got, err := f.store.Transactions().GetByUniqueKey(ctx, f.scope, "conn_stripe", "txn_gbp", model.EventDeposit)
		if err != nil {
			return false
		}
		txn = got
		return got.ReconStatus == model.ReconExpected
	}, 5*time.Second, 10*time.Millisecond, "transaction never quarantined")

	assert.Equal(t, "GBP", txn.Amount.Currency)

	open, err := f.store.Exceptions().OpenForTransaction(ctx, f.scope, txn.ID)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, model.ExceptionTimingMismatch, open[0].Type)

	dead, err := f.dead.List(ctx, deadletter.Filter{Kind: "fx"})
	require.NoError(t, err)
	assert.Len(t, dead, 1)
}
