package fx

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settleline/recond/internal/model"
	"github.com/settleline/recond/internal/storage/canonicalstore/memory"
	"github.com/settleline/recond/internal/types"
)

type fixtureSource struct {
	rates map[string]decimal.Decimal
	calls int
}

func (f *fixtureSource) FetchRate(ctx context.Context, from, to string, asOf types.Date) (*model.FXRate, error) {
	f.calls++
	rate, ok := f.rates[from+"/"+to]
	if !ok {
		return nil, errors.New("pair not quoted")
	}
	return &model.FXRate{
		FromCurrency: from,
		ToCurrency:   to,
		Rate:         rate,
		Source:       "fixture",
		AsOfDate:     asOf,
	}, nil
}

func TestRateFromStore(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	asOf := types.NewDate(2024, time.January, 15)

	require.NoError(t, store.FXRates().Put(ctx, &model.FXRate{
		FromCurrency: "EUR", ToCurrency: "USD",
		Rate: decimal.RequireFromString("1.0850"), Source: "ecb", AsOfDate: asOf,
	}))

	provider, err := New(store.FXRates(), nil, 16, nil)
	require.NoError(t, err)

	rate, err := provider.Rate(ctx, "EUR", "USD", asOf)
	require.NoError(t, err)
	assert.Equal(t, "ecb", rate.Source)
	assert.True(t, rate.Rate.Equal(decimal.RequireFromString("1.0850")))
}

func TestReadThroughSourceAndCache(t *testing.T) {
	store := memory.NewStore()
	source := &fixtureSource{rates: map[string]decimal.Decimal{
		"GBP/USD": decimal.RequireFromString("1.27"),
	}}
	provider, err := New(store.FXRates(), source, 16, nil)
	require.NoError(t, err)

	ctx := context.Background()
	asOf := types.NewDate(2024, time.January, 15)

	rate, err := provider.Rate(ctx, "GBP", "USD", asOf)
	require.NoError(t, err)
	assert.Equal(t, "fixture", rate.Source)
	assert.Equal(t, 1, source.calls)

	// Second lookup hits the cache.
	_, err = provider.Rate(ctx, "GBP", "USD", asOf)
	require.NoError(t, err)
	assert.Equal(t, 1, source.calls)

	// The fetched rate is persisted for other processes.
	stored, err := store.FXRates().Get(ctx, "GBP", "USD", asOf)
	require.NoError(t, err)
	assert.True(t, stored.Rate.Equal(decimal.RequireFromString("1.27")))
}

func TestMissingRateIsRetriable(t *testing.T) {
	store := memory.NewStore()
	source := &fixtureSource{rates: map[string]decimal.Decimal{}}
	provider, err := New(store.FXRates(), source, 16, nil)
	require.NoError(t, err)

	_, err = provider.Rate(context.Background(), "JPY", "USD", types.NewDate(2024, time.January, 15))
	assert.ErrorIs(t, err, ErrRateUnavailable)
}

func TestIdentityPair(t *testing.T) {
	provider, err := New(memory.NewStore().FXRates(), nil, 16, nil)
	require.NoError(t, err)

	rate, err := provider.Rate(context.Background(), "USD", "USD", types.NewDate(2024, time.January, 15))
	require.NoError(t, err)
	assert.True(t, rate.Rate.Equal(decimal.NewFromInt(1)))
}

func TestConvertFloors(t *testing.T) {
	cases := []struct {
		name   string
		amount int64
		rate   string
		want   int64
	}{
		{"exact", 10000, "1.25", 12500},
		{"floors_fraction", 9999, "1.0850", 10848}, // 10848.915
		{"small_rate", 100, "0.0091", 0},           // 0.91
		{"one_unit", 1, "1.9999", 1},               // 1.9999
		{"large", 1_000_000_00, "153.42", 15342000000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Convert(tc.amount, decimal.RequireFromString(tc.rate))
			assert.Equal(t, tc.want, got)
		})
	}
}
