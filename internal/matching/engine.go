// Package matching pairs canonical transactions with settlement lines via
// a four-level ladder of decreasing specificity, records the result as a
// match row plus optional exception, and drives the transaction's
// reconciliation status.
package matching

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/settleline/recond/internal/bus"
	"github.com/settleline/recond/internal/connections"
	"github.com/settleline/recond/internal/metrics"
	"github.com/settleline/recond/internal/model"
	"github.com/settleline/recond/internal/rules"
	"github.com/settleline/recond/internal/storage/canonicalstore"
	"github.com/settleline/recond/internal/types"
)

// Result is the outcome of one Match call.
type Result struct {
	Status     model.ReconStatus
	Confidence float64
	Match      *model.Match
	Exception  *model.Exception
}

// Engine runs the match ladder.
type Engine struct {
	store    canonicalstore.RepositoryManager
	resolver *connections.Resolver
	bus      *bus.Bus
	rules    []rules.Rule
	eval     *rules.Evaluator
	metrics  *metrics.Metrics
	log      *zap.Logger
}

// New builds the engine. b may be nil when no downstream stage consumes
// matched records (reprocessing runs).
func New(store canonicalstore.RepositoryManager, resolver *connections.Resolver, b *bus.Bus,
	ruleSet []rules.Rule, m *metrics.Metrics, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		store:    store,
		resolver: resolver,
		bus:      b,
		rules:    ruleSet,
		eval:     rules.NewEvaluator(),
		metrics:  m,
		log:      log,
	}
}

// versionRetries bounds how often a Match call restarts after losing an
// optimistic version check to a concurrent writer.
const versionRetries = 3

// Match runs the ladder for one transaction. Calling it again with
// unchanged settlement data returns the same result; a transaction that is
// already MATCHED or POSTED returns its existing match untouched.
func (e *Engine) Match(ctx context.Context, tenant, txnID types.ID) (*Result, error) {
	var lastErr error
	for attempt := 0; attempt < versionRetries; attempt++ {
		result, err := e.matchOnce(ctx, tenant, txnID)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, canonicalstore.ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("match %s: lost version race %d times: %w", txnID, versionRetries, lastErr)
}

func (e *Engine) matchOnce(ctx context.Context, tenant, txnID types.ID) (*Result, error) {
	scope := canonicalstore.Scope{TenantID: tenant}

	txn, err := e.store.Transactions().Get(ctx, scope, txnID)
	if err != nil {
		return nil, fmt.Errorf("load transaction %s: %w", txnID, err)
	}

	if txn.ReconStatus == model.ReconMatched || txn.ReconStatus == model.ReconPosted {
		existing, err := e.store.Matches().ActiveForTransaction(ctx, scope, txnID)
		if err != nil {
			return nil, fmt.Errorf("load existing match for %s: %w", txnID, err)
		}
		return &Result{Status: txn.ReconStatus, Confidence: existing.Confidence, Match: existing}, nil
	}

	conn, err := e.resolver.Resolve(ctx, tenant, txn.ConnectionID)
	if err != nil {
		return nil, fmt.Errorf("resolve connection %s: %w", txn.ConnectionID, err)
	}

	candidates, err := e.findCandidates(ctx, scope, txn, conn)
	if err != nil {
		return nil, fmt.Errorf("settlement candidates for %s: %w", txnID, err)
	}

	if len(candidates) == 0 {
		return e.commitNoMatch(ctx, scope, txn)
	}
	return e.commitMatch(ctx, scope, txn, candidates)
}

// commitMatch writes the match row, exception and status transition in one
// store transaction. When a concurrent matcher claims the chosen settlement
// first, the next tie-break candidate is tried.
func (e *Engine) commitMatch(ctx context.Context, scope canonicalstore.Scope, txn *model.Transaction, candidates []candidate) (*Result, error) {
	held, err := e.store.Matches().ActiveForTransaction(ctx, scope, txn.ID)
	if err != nil && !errors.Is(err, canonicalstore.ErrNotFound) {
		return nil, fmt.Errorf("load active match for %s: %w", txn.ID, err)
	}

	for i := range candidates {
		cand := &candidates[i]
		if held != nil && held.SettlementID == cand.settlement.ID && held.Level == cand.level {
			// Unchanged data: the ladder picked the settlement this
			// transaction already holds. Replay the stored outcome.
			return &Result{Status: txn.ReconStatus, Confidence: held.Confidence, Match: held}, nil
		}
		match, exc := e.buildOutcome(txn, cand)

		var taken, excReused bool
		err := e.store.WithTransaction(ctx, func(txc canonicalstore.TransactionContext) error {
			if err := txc.Matches().Insert(ctx, scope, match); err != nil {
				if errors.Is(err, canonicalstore.ErrSettlementTaken) {
					taken = true
				}
				return err
			}
			if err := e.supersedePrevious(ctx, txc, scope, txn.ID, match.ID); err != nil {
				return err
			}

			next := model.ReconPartialMatch
			if match.Status == model.MatchMatched {
				next = model.ReconMatched
			}
			if txn.ReconStatus != next {
				if err := txc.Transactions().UpdateReconStatus(ctx, scope, txn.ID, txn.Version, next); err != nil {
					return err
				}
			}

			if exc != nil {
				open, err := txc.Exceptions().OpenForTransaction(ctx, scope, txn.ID)
				if err != nil {
					return err
				}
				for j := range open {
					if open[j].Type == exc.Type && open[j].SettlementID == exc.SettlementID {
						*exc = open[j]
						excReused = true
						return nil
					}
				}
				if err := txc.Exceptions().Insert(ctx, scope, exc); err != nil {
					return err
				}
				if err := e.applyRules(ctx, txc, scope, txn, exc); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			if taken {
				e.log.Debug("settlement taken, trying next candidate",
					zap.String("transaction", txn.ID.String()),
					zap.String("settlement", cand.settlement.ID.String()))
				continue
			}
			if errors.Is(err, canonicalstore.ErrDuplicateEntry) {
				// This transaction already holds the settlement; replay.
				existing, lookupErr := e.store.Matches().ActiveForTransaction(ctx, scope, txn.ID)
				if lookupErr != nil {
					return nil, lookupErr
				}
				return &Result{Status: txn.ReconStatus, Confidence: existing.Confidence, Match: existing}, nil
			}
			return nil, err
		}

		observedExc := exc
		if excReused {
			observedExc = nil
		}
		e.observe(match, observedExc)
		status := model.ReconPartialMatch
		if match.Status == model.MatchMatched {
			status = model.ReconMatched
			if err := e.emitMatched(ctx, txn, match); err != nil {
				e.log.Warn("matched record publish failed",
					zap.String("transaction", txn.ID.String()), zap.Error(err))
			}
		}
		return &Result{Status: status, Confidence: match.Confidence, Match: match, Exception: exc}, nil
	}

	// Every candidate was claimed concurrently; treat as no match for this
	// run, a reprocess picks the transaction up again.
	return e.commitNoMatch(ctx, scope, txn)
}

// buildOutcome turns the winning candidate into a match row and, depending
// on the level and drift, an exception.
func (e *Engine) buildOutcome(txn *model.Transaction, cand *candidate) (*model.Match, *model.Exception) {
	match := model.NewAutoMatch(txn.TenantID, txn.ID, cand.settlement.ID,
		cand.level, cand.confidence, cand.amountDiff, cand.amountDiffPct)

	var excType model.ExceptionType
	switch cand.level {
	case model.LevelStrongID:
		return match, nil

	case model.LevelPSPReference:
		// Any drift keeps the pairing; strict < 1% makes it a full match.
		if cand.amountDiff*100 < txn.Amount.Value {
			return match, nil
		}
		match.Status = model.MatchPartial
		excType = model.ExceptionAmountMismatch

	case model.LevelFuzzy:
		excType = model.ExceptionPartialMatch

	case model.LevelAmountDate:
		match.Status = model.MatchPendingReview
		excType = model.ExceptionPartialMatch
	}

	exc := model.NewException(txn.TenantID, txn.ID, cand.settlement.ID, excType,
		txn.Amount, model.ReasonFor(excType, cand.amountDiffPct))
	return match, exc
}

// commitNoMatch records the UNMATCHED outcome. A transaction that already
// carries a non-pending status keeps it; re-running the ladder without new
// settlement data must not pile up exceptions.
func (e *Engine) commitNoMatch(ctx context.Context, scope canonicalstore.Scope, txn *model.Transaction) (*Result, error) {
	if txn.ReconStatus != model.ReconPending {
		return &Result{Status: txn.ReconStatus}, nil
	}

	exc := model.NewException(txn.TenantID, txn.ID, types.NilID, model.ExceptionUnmatched,
		txn.Amount, model.ReasonFor(model.ExceptionUnmatched, 0))

	err := e.store.WithTransaction(ctx, func(txc canonicalstore.TransactionContext) error {
		if err := txc.Transactions().UpdateReconStatus(ctx, scope, txn.ID, txn.Version, model.ReconUnmatched); err != nil {
			return err
		}
		if err := txc.Exceptions().Insert(ctx, scope, exc); err != nil {
			return err
		}
		return e.applyRules(ctx, txc, scope, txn, exc)
	})
	if err != nil {
		return nil, err
	}

	e.observe(nil, exc)
	return &Result{Status: model.ReconUnmatched, Exception: exc}, nil
}

// supersedePrevious marks any older active match row for the transaction
// SUPERSEDED; reprocessing may replace a partial match with a better one.
func (e *Engine) supersedePrevious(ctx context.Context, txc canonicalstore.TransactionContext, scope canonicalstore.Scope, txnID, newMatchID types.ID) error {
	previous, err := txc.Matches().ActiveForTransaction(ctx, scope, txnID)
	if err != nil {
		if errors.Is(err, canonicalstore.ErrNotFound) {
			return nil
		}
		return err
	}
	if previous.ID == newMatchID {
		return nil
	}
	return txc.Matches().UpdateStatus(ctx, scope, previous.ID, model.MatchSuperseded)
}

// applyRules runs the tenant rule set over the freshly inserted exception
// and applies the first matching rule's actions.
func (e *Engine) applyRules(ctx context.Context, txc canonicalstore.TransactionContext, scope canonicalstore.Scope, txn *model.Transaction, exc *model.Exception) error {
	if len(e.rules) == 0 {
		return nil
	}

	rctx := rules.Context{
		"type":       string(exc.Type),
		"priority":   string(exc.Priority),
		"amount":     exc.Amount.Value,
		"currency":   exc.Amount.Currency,
		"connection": txn.ConnectionID,
		"event_type": string(txn.EventType),
		"psp":        txn.PSPTxnID,
	}
	matched := e.eval.Matching(e.rules, "exception", rctx)
	if len(matched) == 0 {
		return nil
	}

	rule := matched[0]
	status := exc.Status
	priority := exc.Priority
	if rule.Action.SetStatus != "" {
		status = model.ExceptionStatus(rule.Action.SetStatus)
	}
	if rule.Action.SetPriority != "" {
		priority = model.Priority(rule.Action.SetPriority)
	}
	if status == exc.Status && priority == exc.Priority {
		return nil
	}

	if err := txc.Exceptions().UpdateStatus(ctx, scope, exc.ID, status, priority); err != nil {
		return err
	}
	exc.Status = status
	exc.Priority = priority
	e.log.Info("exception rule applied",
		zap.String("rule", rule.Name),
		zap.String("exception", exc.ID.String()),
		zap.String("status", string(status)),
		zap.String("priority", string(priority)))
	return nil
}

func (e *Engine) emitMatched(ctx context.Context, txn *model.Transaction, match *model.Match) error {
	if e.bus == nil {
		return nil
	}
	payload, err := bus.Encode(model.MatchedRecord{
		TransactionID: txn.ID,
		MatchID:       match.ID,
		TenantID:      txn.TenantID,
		Level:         int(match.Level),
		Confidence:    match.Confidence,
	})
	if err != nil {
		return err
	}
	return e.bus.Publish(ctx, bus.TopicMatched, txn.TenantID.String(), payload)
}

func (e *Engine) observe(match *model.Match, exc *model.Exception) {
	if e.metrics == nil {
		return
	}
	if match != nil {
		e.metrics.MatchesTotal.WithLabelValues(strconv.Itoa(int(match.Level)), string(match.Status)).Inc()
	}
	if exc != nil {
		e.metrics.ExceptionsTotal.WithLabelValues(string(exc.Type), string(exc.Priority)).Inc()
	}
}
