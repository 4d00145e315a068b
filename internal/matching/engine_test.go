package matching

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settleline/recond/internal/bus"
	"github.com/settleline/recond/internal/connections"
	"github.com/settleline/recond/internal/model"
	"github.com/settleline/recond/internal/rules"
	"github.com/settleline/recond/internal/storage/canonicalstore"
	csmemory "github.com/settleline/recond/internal/storage/canonicalstore/memory"
	"github.com/settleline/recond/internal/types"
)

var (
	jan15 = types.NewDate(2024, time.January, 15)
	jan16 = types.NewDate(2024, time.January, 16)
)

type fixture struct {
	engine *Engine
	store  *csmemory.Store
	bus    *bus.Bus
	tenant types.ID
	scope  canonicalstore.Scope
}

func newFixture(t *testing.T, opts ...func(*model.Connection)) *fixture {
	t.Helper()
	return newFixtureWithRules(t, nil, opts...)
}

func newFixtureWithRules(t *testing.T, ruleSet []rules.Rule, opts ...func(*model.Connection)) *fixture {
	t.Helper()
	store := csmemory.NewStore()
	tenant := types.NewID()

	conn := &model.Connection{
		ID:           "conn_stripe",
		TenantID:     tenant,
		EntityID:     types.NewID(),
		PSPName:      "stripe",
		BaseCurrency: "USD",
	}
	for _, opt := range opts {
		opt(conn)
	}
	require.NoError(t, store.Connections().Put(context.Background(), conn))

	resolver, err := connections.NewResolver(store.Connections(), 16, time.Minute)
	require.NoError(t, err)

	b := bus.New(2, 16)
	t.Cleanup(b.Close)

	return &fixture{
		engine: New(store, resolver, b, ruleSet, nil, nil),
		store:  store,
		bus:    b,
		tenant: tenant,
		scope:  canonicalstore.Scope{TenantID: tenant},
	}
}

func (f *fixture) insertTxn(t *testing.T, txn *model.Transaction) *model.Transaction {
	t.Helper()
	txn.TenantID = f.tenant
	txn.ConnectionID = "conn_stripe"
	if txn.EventType == "" {
		txn.EventType = model.EventDeposit
	}
	if txn.TxnDate.IsZero() {
		txn.TxnDate = jan15
	}
	inserted, _, err := f.store.Transactions().Insert(context.Background(), f.scope, txn)
	require.NoError(t, err)
	require.True(t, inserted)
	return txn
}

func (f *fixture) insertSettlement(t *testing.T, s *model.Settlement) *model.Settlement {
	t.Helper()
	s.TenantID = f.tenant
	s.ConnectionID = "conn_stripe"
	if s.BatchID == "" {
		s.BatchID = "batch_1"
	}
	if s.SettlementDate.IsZero() {
		s.SettlementDate = jan15
	}
	inserted, err := f.store.Settlements().Insert(context.Background(), f.scope, s)
	require.NoError(t, err)
	require.True(t, inserted)
	return s
}

func (f *fixture) reload(t *testing.T, id types.ID) *model.Transaction {
	t.Helper()
	txn, err := f.store.Transactions().Get(context.Background(), f.scope, id)
	require.NoError(t, err)
	return txn
}

func TestMatchLevel1StrongID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub, err := f.bus.Subscribe(bus.TopicMatched)
	require.NoError(t, err)

	txn := f.insertTxn(t, &model.Transaction{
		PSPTxnID:        "txn_1",
		PSPSettlementID: "set_A",
		Amount:          types.NewMoney(100_000, "USD"),
	})
	f.insertSettlement(t, &model.Settlement{
		PSPSettlementID: "set_A",
		Amount:          types.NewMoney(97_100, "USD"),
	})

	result, err := f.engine.Match(ctx, f.tenant, txn.ID)
	require.NoError(t, err)
	require.NotNil(t, result.Match)
	assert.Equal(t, model.LevelStrongID, result.Match.Level)
	assert.Equal(t, float64(100), result.Confidence)
	assert.Equal(t, model.MatchMatched, result.Match.Status)
	assert.Nil(t, result.Exception)
	assert.Equal(t, model.ReconMatched, f.reload(t, txn.ID).ReconStatus)

	found := false
	for part := 0; part < sub.Partitions() && !found; part++ {
		waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		d, err := sub.Next(waitCtx, part)
		cancel()
		if err != nil {
			continue
		}
		var record model.MatchedRecord
		require.NoError(t, bus.Decode(d.Payload, &record))
		assert.Equal(t, txn.ID, record.TransactionID)
		assert.Equal(t, 1, record.Level)
		d.Ack()
		found = true
	}
	assert.True(t, found, "MatchedRecord never reached the bus")
}

func TestMatchLevel2Drift(t *testing.T) {
	cases := []struct {
		name            string
		settlementAmt   int64
		wantMatchStatus model.MatchStatus
		wantRecon       model.ReconStatus
		wantException   bool
	}{
		{"half percent drift matches", 99_500, model.MatchMatched, model.ReconMatched, false},
		{"just under one percent matches", 99_001, model.MatchMatched, model.ReconMatched, false},
		{"exactly one percent is partial", 99_000, model.MatchPartial, model.ReconPartialMatch, true},
		{"two percent drift is partial", 98_000, model.MatchPartial, model.ReconPartialMatch, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			txn := f.insertTxn(t, &model.Transaction{
				PSPTxnID:     "txn_1",
				PSPPaymentID: "pay_1",
				Amount:       types.NewMoney(100_000, "USD"),
			})
			f.insertSettlement(t, &model.Settlement{
				Amount:    types.NewMoney(tc.settlementAmt, "USD"),
				PSPTxnIDs: []string{"pay_1"},
			})

			result, err := f.engine.Match(context.Background(), f.tenant, txn.ID)
			require.NoError(t, err)
			require.NotNil(t, result.Match)
			assert.Equal(t, model.LevelPSPReference, result.Match.Level)
			assert.Equal(t, float64(95), result.Match.Confidence)
			assert.Equal(t, tc.wantMatchStatus, result.Match.Status)
			assert.Equal(t, tc.wantRecon, f.reload(t, txn.ID).ReconStatus)

			if tc.wantException {
				require.NotNil(t, result.Exception)
				assert.Equal(t, model.ExceptionAmountMismatch, result.Exception.Type)
				assert.Equal(t, model.P2, result.Exception.Priority, "priority from 100_000")
			} else {
				assert.Nil(t, result.Exception)
			}
		})
	}
}

func TestMatchLevel2LargeDrift(t *testing.T) {
	// The payment-id reference alone keeps the pairing: even a 5% drift
	// stays on level 2 as a partial with an amount mismatch, it never
	// silently drops the settlement.
	f := newFixture(t)
	txn := f.insertTxn(t, &model.Transaction{
		PSPTxnID:     "txn_1",
		PSPPaymentID: "pay_1",
		Amount:       types.NewMoney(100_000, "USD"),
	})
	f.insertSettlement(t, &model.Settlement{
		Amount:    types.NewMoney(95_000, "USD"),
		PSPTxnIDs: []string{"pay_1"},
	})

	result, err := f.engine.Match(context.Background(), f.tenant, txn.ID)
	require.NoError(t, err)
	require.NotNil(t, result.Match)
	assert.Equal(t, model.LevelPSPReference, result.Match.Level)
	assert.Equal(t, model.MatchPartial, result.Match.Status)
	require.NotNil(t, result.Exception)
	assert.Equal(t, model.ExceptionAmountMismatch, result.Exception.Type)
	assert.Equal(t, model.ReconPartialMatch, f.reload(t, txn.ID).ReconStatus)
}

func TestMatchLevel2RequiresReference(t *testing.T) {
	// A settlement listing some other payment id never enters level 2;
	// with the amounts apart no later level hits either.
	f := newFixture(t)
	txn := f.insertTxn(t, &model.Transaction{
		PSPTxnID:     "txn_1",
		PSPPaymentID: "pay_1",
		Amount:       types.NewMoney(100_000, "USD"),
	})
	f.insertSettlement(t, &model.Settlement{
		Amount:    types.NewMoney(95_000, "USD"),
		PSPTxnIDs: []string{"pay_other"},
	})

	result, err := f.engine.Match(context.Background(), f.tenant, txn.ID)
	require.NoError(t, err)
	assert.Nil(t, result.Match)
	require.NotNil(t, result.Exception)
	assert.Equal(t, model.ExceptionUnmatched, result.Exception.Type)
}

func TestMatchLevel3DateShift(t *testing.T) {
	f := newFixture(t)
	txn := f.insertTxn(t, &model.Transaction{
		PSPTxnID:   "txn_1",
		CustomerID: "cus_9",
		Amount:     types.NewMoney(50_000, "USD"),
	})
	f.insertSettlement(t, &model.Settlement{
		SettlementDate: jan16,
		Amount:         types.NewMoney(50_000, "USD"),
		PSPTxnIDs:      []string{"cus_9"},
	})

	result, err := f.engine.Match(context.Background(), f.tenant, txn.ID)
	require.NoError(t, err)
	require.NotNil(t, result.Match)
	assert.Equal(t, model.LevelFuzzy, result.Match.Level)
	assert.Equal(t, float64(80), result.Match.Confidence, "90 - 10 per day of shift")
	assert.Equal(t, model.MatchPartial, result.Match.Status)
	require.NotNil(t, result.Exception)
	assert.Equal(t, model.ExceptionPartialMatch, result.Exception.Type)
	assert.Equal(t, model.ReconPartialMatch, f.reload(t, txn.ID).ReconStatus)
}

func TestMatchLevel3SameDayConfidence(t *testing.T) {
	f := newFixture(t)
	txn := f.insertTxn(t, &model.Transaction{
		PSPTxnID:   "txn_1",
		CustomerID: "cus_9",
		Amount:     types.NewMoney(50_000, "USD"),
	})
	f.insertSettlement(t, &model.Settlement{
		Amount:    types.NewMoney(50_000, "USD"),
		PSPTxnIDs: []string{"cus_9"},
	})

	result, err := f.engine.Match(context.Background(), f.tenant, txn.ID)
	require.NoError(t, err)
	require.NotNil(t, result.Match)
	assert.Equal(t, model.LevelFuzzy, result.Match.Level)
	assert.Equal(t, float64(90), result.Match.Confidence)
}

func TestMatchLevel3RequiresCustomerReference(t *testing.T) {
	f := newFixture(t)
	txn := f.insertTxn(t, &model.Transaction{
		PSPTxnID:   "txn_1",
		CustomerID: "cus_9",
		Amount:     types.NewMoney(50_000, "USD"),
	})
	// Exact amount and date but the line references someone else; level 3
	// is gated, level 4 still hits on amount+date.
	f.insertSettlement(t, &model.Settlement{
		Amount:    types.NewMoney(50_000, "USD"),
		PSPTxnIDs: []string{"cus_other"},
	})

	result, err := f.engine.Match(context.Background(), f.tenant, txn.ID)
	require.NoError(t, err)
	require.NotNil(t, result.Match)
	assert.Equal(t, model.LevelAmountDate, result.Match.Level)
}

func TestMatchLevel4AmountDate(t *testing.T) {
	f := newFixture(t)
	txn := f.insertTxn(t, &model.Transaction{
		PSPTxnID: "txn_1",
		Amount:   types.NewMoney(25_000, "USD"),
	})
	f.insertSettlement(t, &model.Settlement{
		Amount: types.NewMoney(25_000, "USD"),
	})

	result, err := f.engine.Match(context.Background(), f.tenant, txn.ID)
	require.NoError(t, err)
	require.NotNil(t, result.Match)
	assert.Equal(t, model.LevelAmountDate, result.Match.Level)
	assert.Equal(t, float64(60), result.Match.Confidence)
	assert.Equal(t, model.MatchPendingReview, result.Match.Status)
	require.NotNil(t, result.Exception)
	assert.Equal(t, model.ExceptionPartialMatch, result.Exception.Type)
	assert.Equal(t, model.ReconPartialMatch, f.reload(t, txn.ID).ReconStatus)
}

func TestMatchNoCandidate(t *testing.T) {
	f := newFixture(t)
	txn := f.insertTxn(t, &model.Transaction{
		PSPTxnID: "txn_1",
		Amount:   types.NewMoney(250, "USD"),
	})

	result, err := f.engine.Match(context.Background(), f.tenant, txn.ID)
	require.NoError(t, err)
	assert.Nil(t, result.Match)
	require.NotNil(t, result.Exception)
	assert.Equal(t, model.ExceptionUnmatched, result.Exception.Type)
	assert.Equal(t, model.P4, result.Exception.Priority)
	assert.Equal(t, model.ReconUnmatched, f.reload(t, txn.ID).ReconStatus)

	// Running again without new settlement data neither transitions nor
	// piles up exceptions.
	again, err := f.engine.Match(context.Background(), f.tenant, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReconUnmatched, again.Status)
	assert.Nil(t, again.Exception)

	open, err := f.store.Exceptions().OpenForTransaction(context.Background(), f.scope, txn.ID)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestMatchReplayIsIdempotent(t *testing.T) {
	f := newFixture(t)
	txn := f.insertTxn(t, &model.Transaction{
		PSPTxnID:        "txn_1",
		PSPSettlementID: "set_A",
		Amount:          types.NewMoney(100_000, "USD"),
	})
	f.insertSettlement(t, &model.Settlement{
		PSPSettlementID: "set_A",
		Amount:          types.NewMoney(97_100, "USD"),
	})

	first, err := f.engine.Match(context.Background(), f.tenant, txn.ID)
	require.NoError(t, err)

	second, err := f.engine.Match(context.Background(), f.tenant, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Match.ID, second.Match.ID)
	assert.Equal(t, first.Confidence, second.Confidence)
	assert.Equal(t, model.ReconMatched, second.Status)
}

func TestMatchPartialReplayKeepsSingleException(t *testing.T) {
	// Re-running the ladder over an unchanged partial match returns the
	// stored row instead of superseding it with a clone, and the open
	// exception is not duplicated.
	f := newFixture(t)
	txn := f.insertTxn(t, &model.Transaction{
		PSPTxnID:     "txn_1",
		PSPPaymentID: "pay_1",
		Amount:       types.NewMoney(100_000, "USD"),
	})
	f.insertSettlement(t, &model.Settlement{
		Amount:    types.NewMoney(98_000, "USD"),
		PSPTxnIDs: []string{"pay_1"},
	})

	first, err := f.engine.Match(context.Background(), f.tenant, txn.ID)
	require.NoError(t, err)
	require.NotNil(t, first.Match)
	assert.Equal(t, model.MatchPartial, first.Match.Status)

	second, err := f.engine.Match(context.Background(), f.tenant, txn.ID)
	require.NoError(t, err)
	require.NotNil(t, second.Match)
	assert.Equal(t, first.Match.ID, second.Match.ID)
	assert.Equal(t, model.ReconPartialMatch, second.Status)

	open, err := f.store.Exceptions().OpenForTransaction(context.Background(), f.scope, txn.ID)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestMatchSettlementExclusivity(t *testing.T) {
	f := newFixture(t)
	first := f.insertTxn(t, &model.Transaction{
		PSPTxnID:        "txn_1",
		PSPSettlementID: "set_A",
		Amount:          types.NewMoney(100_000, "USD"),
	})
	second := f.insertTxn(t, &model.Transaction{
		PSPTxnID:        "txn_2",
		PSPSettlementID: "set_A",
		Amount:          types.NewMoney(100_000, "USD"),
	})
	f.insertSettlement(t, &model.Settlement{
		PSPSettlementID: "set_A",
		Amount:          types.NewMoney(97_100, "USD"),
	})

	result, err := f.engine.Match(context.Background(), f.tenant, first.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReconMatched, result.Status)

	// The settlement is claimed; the second transaction must not match it.
	result, err = f.engine.Match(context.Background(), f.tenant, second.ID)
	require.NoError(t, err)
	assert.Nil(t, result.Match)
	require.NotNil(t, result.Exception)
	assert.Equal(t, model.ExceptionUnmatched, result.Exception.Type)
}

func TestMatchTieBreakDeterministic(t *testing.T) {
	f := newFixture(t)
	txn := f.insertTxn(t, &model.Transaction{
		PSPTxnID: "txn_1",
		Amount:   types.NewMoney(25_000, "USD"),
	})
	// Identical candidates except the batch key; the smaller one wins.
	f.insertSettlement(t, &model.Settlement{
		BatchID: "batch_B",
		Amount:  types.NewMoney(25_000, "USD"),
	})
	winner := f.insertSettlement(t, &model.Settlement{
		BatchID: "batch_A",
		Amount:  types.NewMoney(25_000, "USD"),
	})

	result, err := f.engine.Match(context.Background(), f.tenant, txn.ID)
	require.NoError(t, err)
	require.NotNil(t, result.Match)
	assert.Equal(t, winner.ID, result.Match.SettlementID)
}

func TestMatchDateOffsetConnection(t *testing.T) {
	// A T+1 connection finds the settlement dated one day after the
	// transaction at level 1.
	f := newFixture(t, func(c *model.Connection) { c.DateOffsetDays = 1 })
	txn := f.insertTxn(t, &model.Transaction{
		PSPTxnID:        "txn_1",
		PSPSettlementID: "set_A",
		Amount:          types.NewMoney(100_000, "USD"),
	})
	f.insertSettlement(t, &model.Settlement{
		SettlementDate:  jan16,
		PSPSettlementID: "set_A",
		Amount:          types.NewMoney(97_100, "USD"),
	})

	result, err := f.engine.Match(context.Background(), f.tenant, txn.ID)
	require.NoError(t, err)
	require.NotNil(t, result.Match)
	assert.Equal(t, model.LevelStrongID, result.Match.Level)
}

func TestMatchRuleMarksExpected(t *testing.T) {
	ruleSet := []rules.Rule{{
		Name:     "weekend-batch-timing",
		Type:     "exception",
		Enabled:  true,
		Priority: 10,
		Condition: rules.Condition{Cmp: &rules.Cmp{
			Path: "type", Op: rules.OpEq, Value: "UNMATCHED",
		}},
		Action: rules.Action{SetStatus: "EXPECTED", SetPriority: "P4"},
	}}
	f := newFixtureWithRules(t, ruleSet)
	txn := f.insertTxn(t, &model.Transaction{
		PSPTxnID: "txn_1",
		Amount:   types.NewMoney(500_000, "USD"),
	})

	result, err := f.engine.Match(context.Background(), f.tenant, txn.ID)
	require.NoError(t, err)
	require.NotNil(t, result.Exception)
	assert.Equal(t, model.ExceptionExpected, result.Exception.Status)
	assert.Equal(t, model.P4, result.Exception.Priority, "rule overrides the P2 derived from 500_000")

	stored, err := f.store.Exceptions().Get(context.Background(), f.scope, result.Exception.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExceptionExpected, stored.Status)
}

func TestPriorityBoundaries(t *testing.T) {
	cases := []struct {
		amount int64
		want   model.Priority
	}{
		{999_999, model.P2},
		{1_000_000, model.P1},
		{100_000, model.P2},
		{99_999, model.P3},
		{10_000, model.P3},
		{9_999, model.P4},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, model.PriorityForAmount(tc.amount), "amount %d", tc.amount)
	}
}
