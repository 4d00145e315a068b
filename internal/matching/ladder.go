package matching

import (
	"context"
	"sort"

	"github.com/settleline/recond/internal/model"
	"github.com/settleline/recond/internal/storage/canonicalstore"
	"github.com/settleline/recond/internal/types"
)

// candidate is a settlement that passed a ladder level's predicates, scored
// for tie-breaking.
type candidate struct {
	settlement model.Settlement
	level      model.MatchLevel
	confidence float64

	amountDiff    int64
	amountDiffPct float64
	dateDiff      int
}

// findCandidates walks the ladder top-down and returns the candidates of
// the first level that produced any, tie-break ordered.
func (e *Engine) findCandidates(ctx context.Context, scope canonicalstore.Scope, txn *model.Transaction, conn *model.Connection) ([]candidate, error) {
	expectedDate := txn.TxnDate.AddDays(conn.DateOffsetDays)

	for _, level := range []model.MatchLevel{
		model.LevelStrongID,
		model.LevelPSPReference,
		model.LevelFuzzy,
		model.LevelAmountDate,
	} {
		found, err := e.levelCandidates(ctx, scope, txn, level, expectedDate)
		if err != nil {
			return nil, err
		}
		if len(found) > 0 {
			orderCandidates(found)
			return found, nil
		}
	}
	return nil, nil
}

func (e *Engine) levelCandidates(ctx context.Context, scope canonicalstore.Scope, txn *model.Transaction, level model.MatchLevel, expectedDate types.Date) ([]candidate, error) {
	filter := canonicalstore.SettlementFilter{
		ConnectionID:   txn.ConnectionID,
		ExcludeMatched: true,
	}

	switch level {
	case model.LevelStrongID:
		if txn.PSPSettlementID == "" {
			return nil, nil
		}
		filter.PSPSettlementID = txn.PSPSettlementID
		filter.DateFrom, filter.DateTo = expectedDate, expectedDate

	case model.LevelPSPReference:
		if txn.PSPPaymentID == "" {
			return nil, nil
		}
		filter.RefTxnID = txn.PSPPaymentID
		filter.Currency = txn.Amount.Currency
		filter.DateFrom, filter.DateTo = expectedDate, expectedDate

	case model.LevelFuzzy:
		if txn.CustomerID == "" {
			return nil, nil
		}
		filter.Currency = txn.Amount.Currency
		filter.DateFrom = expectedDate.AddDays(-1)
		filter.DateTo = expectedDate.AddDays(1)
		tolerance := txn.Amount.Value / 1000
		amountMin, amountMax := txn.Amount.Value-tolerance, txn.Amount.Value+tolerance
		filter.AmountMin, filter.AmountMax = &amountMin, &amountMax

	case model.LevelAmountDate:
		filter.Currency = txn.Amount.Currency
		filter.DateFrom, filter.DateTo = expectedDate, expectedDate
		exact := txn.Amount.Value
		filter.ExactAmount = &exact
	}

	rows, err := e.store.Settlements().Candidates(ctx, scope, filter)
	if err != nil {
		return nil, err
	}

	var out []candidate
	for i := range rows {
		if c, ok := score(txn, &rows[i], level, expectedDate); ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// score applies the level's in-memory gates the store query cannot express
// and computes the confidence.
func score(txn *model.Transaction, settlement *model.Settlement, level model.MatchLevel, expectedDate types.Date) (candidate, bool) {
	diff := txn.Amount.Value - settlement.Amount.Value
	if diff < 0 {
		diff = -diff
	}
	var diffPct float64
	if txn.Amount.Value != 0 {
		diffPct = float64(diff) / float64(txn.Amount.Value) * 100
	}
	dateDiff := types.DaysBetween(settlement.SettlementDate, expectedDate)

	c := candidate{
		settlement:    *settlement,
		level:         level,
		amountDiff:    diff,
		amountDiffPct: diffPct,
		dateDiff:      dateDiff,
	}

	switch level {
	case model.LevelStrongID:
		c.confidence = 100

	case model.LevelPSPReference:
		// The payment-id reference alone admits the candidate; the amount
		// drift only decides MATCHED versus PARTIAL_MATCH downstream.
		c.confidence = 95

	case model.LevelFuzzy:
		if diff*1000 > txn.Amount.Value {
			return candidate{}, false
		}
		if dateDiff > 1 {
			return candidate{}, false
		}
		// Corroboration by customer reference is what separates a fuzzy
		// hit from a bare amount+date coincidence.
		if !settlement.ReferencesTxn(txn.CustomerID) {
			return candidate{}, false
		}
		c.confidence = 90 - 10*float64(dateDiff)
		if c.confidence < 70 {
			c.confidence = 70
		}

	case model.LevelAmountDate:
		c.confidence = 60
	}
	return c, true
}

// orderCandidates sorts by smallest amount difference, then smallest date
// difference, then (batch_id, line_no). The order must be stable across
// runs so replays pick the same settlement.
func orderCandidates(cands []candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := &cands[i], &cands[j]
		if a.amountDiff != b.amountDiff {
			return a.amountDiff < b.amountDiff
		}
		if a.dateDiff != b.dateDiff {
			return a.dateDiff < b.dateDiff
		}
		if a.settlement.BatchID != b.settlement.BatchID {
			return a.settlement.BatchID < b.settlement.BatchID
		}
		return a.settlement.LineNo < b.settlement.LineNo
	})
}
