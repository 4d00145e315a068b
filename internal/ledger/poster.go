// Package ledger turns matched transactions into balanced double-entry
// posting groups and transitions them to POSTED. Posting groups commit
// atomically with the status update; a transaction is POSTED exactly when
// its entries exist.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/settleline/recond/internal/alert"
	"github.com/settleline/recond/internal/connections"
	"github.com/settleline/recond/internal/metrics"
	"github.com/settleline/recond/internal/model"
	"github.com/settleline/recond/internal/storage/canonicalstore"
	"github.com/settleline/recond/internal/types"
)

var (
	// ErrUnsupportedEventType marks event types with no posting rule.
	// Fatal: the pipeline must not retry, someone has to add the rule.
	ErrUnsupportedEventType = errors.New("no posting rule for event type")

	// ErrNotMatched is returned when Post is called for a transaction that
	// is not in MATCHED state.
	ErrNotMatched = errors.New("transaction is not matched")
)

// Poster writes posting groups.
type Poster struct {
	store    canonicalstore.RepositoryManager
	resolver *connections.Resolver
	alerter  alert.Alerter
	metrics  *metrics.Metrics
	log      *zap.Logger
}

// NewPoster builds the poster.
func NewPoster(store canonicalstore.RepositoryManager, resolver *connections.Resolver,
	alerter alert.Alerter, m *metrics.Metrics, log *zap.Logger) *Poster {
	if alerter == nil {
		alerter = alert.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Poster{store: store, resolver: resolver, alerter: alerter, metrics: m, log: log}
}

// Post writes the posting group for one matched transaction and marks it
// POSTED. An already POSTED transaction returns its existing entries; the
// call is replay-safe.
func (p *Poster) Post(ctx context.Context, tenant, txnID, matchID types.ID) ([]model.LedgerEntry, error) {
	scope := canonicalstore.Scope{TenantID: tenant}

	txn, err := p.store.Transactions().Get(ctx, scope, txnID)
	if err != nil {
		return nil, fmt.Errorf("load transaction %s: %w", txnID, err)
	}

	if txn.ReconStatus == model.ReconPosted {
		return p.store.Ledger().ListByTransaction(ctx, scope, txnID)
	}
	if txn.ReconStatus != model.ReconMatched {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotMatched, txnID, txn.ReconStatus)
	}

	conn, err := p.resolver.Resolve(ctx, tenant, txn.ConnectionID)
	if err != nil {
		return nil, fmt.Errorf("resolve connection %s: %w", txn.ConnectionID, err)
	}

	entries, err := buildEntries(txn, conn.PSPName, matchID)
	if err != nil {
		if errors.Is(err, ErrUnsupportedEventType) {
			p.alerter.Alert(ctx, model.P2, "ledger_unsupported_event", err.Error(), map[string]string{
				"transaction": txnID.String(),
				"event_type":  string(txn.EventType),
			})
		}
		return nil, err
	}

	if err := model.CheckBalanced(entries); err != nil {
		// Never expected from the builders; nothing gets written.
		p.alerter.Alert(ctx, model.P1, "ledger_unbalanced", err.Error(), map[string]string{
			"transaction": txnID.String(),
		})
		return nil, err
	}

	err = p.store.WithTransaction(ctx, func(txc canonicalstore.TransactionContext) error {
		if err := txc.Ledger().InsertEntries(ctx, scope, entries); err != nil {
			return err
		}
		return txc.Transactions().UpdateReconStatus(ctx, scope, txnID, txn.Version, model.ReconPosted)
	})
	if err != nil {
		if errors.Is(err, canonicalstore.ErrVersionConflict) {
			// A concurrent poster won; return what it wrote.
			current, loadErr := p.store.Transactions().Get(ctx, scope, txnID)
			if loadErr == nil && current.ReconStatus == model.ReconPosted {
				return p.store.Ledger().ListByTransaction(ctx, scope, txnID)
			}
		}
		return nil, fmt.Errorf("commit posting group for %s: %w", txnID, err)
	}

	if p.metrics != nil {
		p.metrics.PostingGroupsTotal.WithLabelValues(string(txn.EventType)).Inc()
		p.metrics.PostedEntriesTotal.WithLabelValues(string(txn.EventType)).Add(float64(len(entries)))
	}
	p.log.Info("posting group committed",
		zap.String("transaction", txnID.String()),
		zap.String("event_type", string(txn.EventType)),
		zap.Int("entries", len(entries)))
	return entries, nil
}

// buildEntries produces the posting group for one transaction.
func buildEntries(txn *model.Transaction, psp string, matchID types.ID) ([]model.LedgerEntry, error) {
	ccy := txn.Amount.Currency
	cash := CashAccount(psp, ccy)

	entry := func(debit, credit string, value int64, desc string) model.LedgerEntry {
		return model.LedgerEntry{
			TenantID:         txn.TenantID,
			EntityID:         txn.EntityID,
			TxnDate:          txn.TxnDate,
			DebitAccount:     debit,
			CreditAccount:    credit,
			Amount:           types.NewMoney(value, ccy),
			RefTransactionID: txn.ID,
			RefMatchID:       matchID,
			Description:      desc,
		}
	}

	var entries []model.LedgerEntry
	switch txn.EventType {
	case model.EventDeposit:
		net := txn.Net()
		entries = append(entries, entry(cash, AccountsReceivable, net, "deposit net"))
		if txn.PSPFee > 0 {
			entries = append(entries, entry(PSPFees, cash, txn.PSPFee, "psp fee"))
		}

	case model.EventWithdrawal:
		entries = append(entries, entry(PlayerBalances, cash, txn.Amount.Value, "withdrawal"))

	case model.EventRefund:
		entries = append(entries, entry(AccountsReceivable, cash, txn.Amount.Value, "refund"))

	case model.EventChargeback:
		entries = append(entries,
			entry(ChargebackLosses, cash, txn.Amount.Value, "chargeback loss"),
			// Reversal marker: same account on both legs, kept as an audit
			// row for the receivable being wiped.
			entry(AccountsReceivable, AccountsReceivable, txn.Amount.Value, "chargeback reversal marker"),
		)

	case model.EventFee:
		entries = append(entries, entry(PSPFees, cash, txn.Amount.Value, "provider fee"))

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEventType, txn.EventType)
	}

	allowSelf := txn.EventType == model.EventChargeback
	for i := range entries {
		if err := entries[i].Validate(allowSelf); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
	}
	return entries, nil
}
