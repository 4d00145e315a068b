// Package fx provides dated currency conversion rates to the normalizer: a
// read-through LRU cache over the canonical store's rate table, backed by a
// pluggable market-data source for misses.
package fx

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/settleline/recond/internal/model"
	"github.com/settleline/recond/internal/storage/canonicalstore"
	"github.com/settleline/recond/internal/types"
)

// ErrRateUnavailable is returned when neither the store nor the source has
// a rate for the pair and date. It is retriable; the pipeline backs off and
// dead-letters after capped attempts.
var ErrRateUnavailable = errors.New("fx rate unavailable")

// RateSource fetches rates the store does not have yet. Implementations
// wrap external market-data APIs; fixture sources back tests.
type RateSource interface {
	FetchRate(ctx context.Context, from, to string, asOf types.Date) (*model.FXRate, error)
}

type cacheKey struct {
	from string
	to   string
	date types.Date
}

// Provider is the read-through rate cache.
type Provider struct {
	cache  *lru.Cache[cacheKey, model.FXRate]
	repo   canonicalstore.FXRateRepository
	source RateSource
	log    *zap.Logger
}

// New builds a provider. source may be nil, in which case only stored rates
// resolve.
func New(repo canonicalstore.FXRateRepository, source RateSource, cacheSize int, log *zap.Logger) (*Provider, error) {
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	cache, err := lru.New[cacheKey, model.FXRate](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("build fx cache: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Provider{cache: cache, repo: repo, source: source, log: log}, nil
}

// Rate returns the conversion rate for the pair as of the given date,
// consulting cache, store, then source.
func (p *Provider) Rate(ctx context.Context, from, to string, asOf types.Date) (*model.FXRate, error) {
	if from == to {
		return &model.FXRate{
			FromCurrency: from,
			ToCurrency:   to,
			Rate:         decimal.NewFromInt(1),
			Source:       "identity",
			AsOfDate:     asOf,
		}, nil
	}

	key := cacheKey{from: from, to: to, date: asOf}
	if rate, ok := p.cache.Get(key); ok {
		return &rate, nil
	}

	rate, err := p.repo.Get(ctx, from, to, asOf)
	if err == nil {
		p.cache.Add(key, *rate)
		return rate, nil
	}
	if !errors.Is(err, canonicalstore.ErrRateNotFound) {
		return nil, fmt.Errorf("fx rate lookup %s/%s@%s: %w", from, to, asOf, err)
	}

	if p.source == nil {
		return nil, fmt.Errorf("%w: %s/%s@%s", ErrRateUnavailable, from, to, asOf)
	}

	fetched, err := p.source.FetchRate(ctx, from, to, asOf)
	if err != nil {
		return nil, fmt.Errorf("%w: %s/%s@%s: %v", ErrRateUnavailable, from, to, asOf, err)
	}

	if err := p.repo.Put(ctx, fetched); err != nil {
		// The rate is usable even if persisting it failed; the next miss
		// refetches.
		p.log.Warn("failed to persist fetched fx rate",
			zap.String("pair", from+"/"+to),
			zap.String("as_of", asOf.String()),
			zap.Error(err))
	}
	p.cache.Add(key, *fetched)
	return fetched, nil
}

// Convert applies a rate to an amount in smallest units, flooring toward
// zero. Floors, never rounds: a converted amount must not exceed the value
// actually exchanged.
func Convert(amount int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(amount).Mul(rate).Floor().IntPart()
}
