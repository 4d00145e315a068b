// Package reprocess re-runs the match ladder over transactions that did not
// fully match on their first pass, typically after a late settlement file
// arrives. Only PENDING, UNMATCHED and PARTIAL_MATCH transactions are
// eligible; matched and posted rows are never touched.
package reprocess

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/settleline/recond/internal/matching"
	"github.com/settleline/recond/internal/model"
	"github.com/settleline/recond/internal/storage/canonicalstore"
	"github.com/settleline/recond/internal/types"
)

// Request selects the transactions of one reprocessing run.
type Request struct {
	TenantID     types.ID
	ConnectionID string
	DateFrom     types.Date
	DateTo       types.Date
	Limit        int
}

// Summary reports what one run did.
type Summary struct {
	Scanned   int
	Matched   int
	Partial   int
	Unmatched int
	Failed    int
}

// Service drives reprocessing runs.
type Service struct {
	store  canonicalstore.RepositoryManager
	engine *matching.Engine
	log    *zap.Logger
}

// New builds the service.
func New(store canonicalstore.RepositoryManager, engine *matching.Engine, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: store, engine: engine, log: log}
}

// Run rematches every eligible transaction in the window. Individual match
// failures are counted and logged, not fatal; the run continues.
func (s *Service) Run(ctx context.Context, req Request) (*Summary, error) {
	if req.TenantID == types.NilID {
		return nil, fmt.Errorf("tenant id is required")
	}

	scope := canonicalstore.Scope{TenantID: req.TenantID}
	txns, err := s.store.Transactions().ListForReprocess(ctx, scope, canonicalstore.ReprocessFilter{
		ConnectionID: req.ConnectionID,
		DateFrom:     req.DateFrom,
		DateTo:       req.DateTo,
		Statuses: []model.ReconStatus{
			model.ReconPending,
			model.ReconUnmatched,
			model.ReconPartialMatch,
		},
		Limit: req.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list transactions for reprocess: %w", err)
	}

	summary := &Summary{Scanned: len(txns)}
	for i := range txns {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		result, err := s.engine.Match(ctx, req.TenantID, txns[i].ID)
		if err != nil {
			summary.Failed++
			s.log.Warn("reprocess match failed",
				zap.String("transaction", txns[i].ID.String()), zap.Error(err))
			continue
		}
		switch result.Status {
		case model.ReconMatched:
			summary.Matched++
		case model.ReconPartialMatch:
			summary.Partial++
		default:
			summary.Unmatched++
		}
	}

	s.log.Info("reprocess run finished",
		zap.String("tenant", req.TenantID.String()),
		zap.String("connection", req.ConnectionID),
		zap.Int("scanned", summary.Scanned),
		zap.Int("matched", summary.Matched),
		zap.Int("partial", summary.Partial),
		zap.Int("unmatched", summary.Unmatched),
		zap.Int("failed", summary.Failed))
	return summary, nil
}
