// Package normalizer converts archived raw PSP events into canonical
// transactions: it resolves the connection config, dispatches to the
// connection's parser, aligns the currency to the entity base currency via
// FX enrichment, and performs the idempotent insert keyed on
// (tenant, connection, psp_txn_id, event_type).
package normalizer

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/settleline/recond/internal/bus"
	"github.com/settleline/recond/internal/connections"
	"github.com/settleline/recond/internal/fx"
	"github.com/settleline/recond/internal/metrics"
	"github.com/settleline/recond/internal/model"
	"github.com/settleline/recond/internal/parser"
	"github.com/settleline/recond/internal/storage/archive"
	"github.com/settleline/recond/internal/storage/canonicalstore"
	"github.com/settleline/recond/internal/types"
)

// ConfigError marks a raw record whose connection config is unusable
// (unknown connection, no parser). Non-retriable; dead-lettered at P2.
type ConfigError struct {
	ConnectionID string
	Cause        error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("connection %s: %v", e.ConnectionID, e.Cause)
}

func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// FXError marks an event whose rate lookup failed. It stays retriable
// (unwraps to fx.ErrRateUnavailable) and carries the parsed event so the
// pipeline can quarantine it once retries are exhausted.
type FXError struct {
	Event model.ParsedEvent
	Cause error
}

func (e *FXError) Error() string {
	return fmt.Sprintf("event %s: %v", e.Event.PSPEventID, e.Cause)
}

func (e *FXError) Unwrap() error {
	return e.Cause
}

// Service is the normalization stage.
type Service struct {
	resolver *connections.Resolver
	parsers  *parser.Registry
	fx       *fx.Provider
	archive  *archive.Store
	store    canonicalstore.RepositoryManager
	bus      *bus.Bus
	metrics  *metrics.Metrics
	log      *zap.Logger
}

// New builds the normalizer.
func New(resolver *connections.Resolver, parsers *parser.Registry, fxp *fx.Provider,
	arch *archive.Store, store canonicalstore.RepositoryManager, b *bus.Bus,
	m *metrics.Metrics, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		resolver: resolver,
		parsers:  parsers,
		fx:       fxp,
		archive:  arch,
		store:    store,
		bus:      b,
		metrics:  m,
		log:      log,
	}
}

// Normalize turns one raw record into canonical transactions (webhooks
// carry one event; settlement file records may carry several). Error
// classification drives the pipeline: *parser.ParseError and *ConfigError
// are terminal, fx.ErrRateUnavailable retries.
func (s *Service) Normalize(ctx context.Context, raw model.RawRecord) ([]model.Transaction, error) {
	conn, err := s.resolver.Resolve(ctx, raw.TenantID, raw.ConnectionID)
	if err != nil {
		if errors.Is(err, canonicalstore.ErrConnectionNotFound) {
			return nil, &ConfigError{ConnectionID: raw.ConnectionID, Cause: err}
		}
		return nil, fmt.Errorf("resolve connection: %w", err)
	}

	parserName := conn.ParserName
	if parserName == "" {
		parserName = conn.PSPName
	}
	p, err := s.parsers.Resolve(parserName, conn.SchemaVersion)
	if err != nil {
		return nil, &ConfigError{ConnectionID: raw.ConnectionID, Cause: err}
	}

	payload, err := s.archive.Get(ctx, raw.ArchiveRef)
	if err != nil {
		return nil, fmt.Errorf("load raw payload %s: %w", raw.ArchiveRef, err)
	}

	events, err := p.Parse(payload, model.FormatJSON)
	if err != nil {
		if s.metrics != nil {
			s.metrics.ParseFailuresTotal.WithLabelValues(raw.ConnectionID).Inc()
		}
		return nil, err
	}

	out := make([]model.Transaction, 0, len(events))
	for i := range events {
		txn, err := s.normalizeEvent(ctx, conn, raw, &events[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *txn)
	}
	return out, nil
}

func (s *Service) normalizeEvent(ctx context.Context, conn *model.Connection, raw model.RawRecord, event *model.ParsedEvent) (*model.Transaction, error) {
	txn, err := s.build(ctx, conn, raw, event)
	if err != nil {
		return nil, err
	}

	scope := canonicalstore.Scope{TenantID: raw.TenantID}
	inserted, existing, err := s.store.Transactions().Insert(ctx, scope, txn)
	if err != nil {
		return nil, fmt.Errorf("insert transaction: %w", err)
	}
	if !inserted {
		// Conflict on the unique key is success: the event was already
		// normalized. Nothing is overwritten and nothing is re-emitted.
		return existing, nil
	}

	if s.metrics != nil {
		s.metrics.NormalizedTotal.WithLabelValues(conn.ID, string(txn.EventType)).Inc()
	}
	if err := s.emit(ctx, txn); err != nil {
		// The row is durable; a reprocess run picks the transaction up
		// even if this emit is lost.
		s.log.Warn("normalized record publish failed",
			zap.String("transaction", txn.ID.String()), zap.Error(err))
	}
	return txn, nil
}

// build assembles the canonical transaction, applying FX enrichment when
// the parsed currency differs from the entity base currency.
func (s *Service) build(ctx context.Context, conn *model.Connection, raw model.RawRecord, event *model.ParsedEvent) (*model.Transaction, error) {
	eventTime := event.CreatedAt
	if eventTime.IsZero() {
		eventTime = raw.ReceivedAt
	}
	eventTime = eventTime.UTC()

	currency := event.Currency
	if currency == "" {
		currency = conn.BaseCurrency
	}

	txn := &model.Transaction{
		TenantID:     raw.TenantID,
		BrandID:      conn.BrandID,
		EntityID:     conn.EntityID,
		ConnectionID: conn.ID,

		EventType: event.CanonicalEventType,
		EventTime: eventTime,
		TxnDate:   types.DateOf(eventTime),

		Amount: types.NewMoney(event.AmountSmallestUnit, currency),

		PSPTxnID:        event.TxnID(),
		PSPPaymentID:    event.PSPPaymentID,
		PSPSettlementID: event.PSPSettlementID,
		PSPBatchID:      event.PSPBatchID,
		CustomerID:      event.CustomerID,

		PSPFee:    event.PSPFee,
		NetAmount: event.Net,

		Status:      parser.MapStatus(event.RawStatus),
		ReconStatus: model.ReconPending,

		SourceType:           raw.SourceType,
		SourceIdempotencyKey: raw.IdempotencyKey,
		SourceArchiveRef:     raw.ArchiveRef,

		Metadata: event.Metadata,
	}

	if currency != conn.BaseCurrency {
		rate, err := s.fx.Rate(ctx, currency, conn.BaseCurrency, txn.TxnDate)
		if err != nil {
			if s.metrics != nil && errors.Is(err, fx.ErrRateUnavailable) {
				s.metrics.FXLookupsTotal.WithLabelValues("miss").Inc()
			}
			return nil, &FXError{Event: *event, Cause: err}
		}
		if s.metrics != nil {
			s.metrics.FXLookupsTotal.WithLabelValues("hit").Inc()
		}

		txn.OriginalCurrency = currency
		txn.FXRate = rate.Rate
		txn.FXRateSource = rate.Source
		txn.FXRateDate = rate.AsOfDate
		txn.Amount = types.NewMoney(fx.Convert(event.AmountSmallestUnit, rate.Rate), conn.BaseCurrency)
		if event.PSPFee > 0 {
			txn.PSPFee = fx.Convert(event.PSPFee, rate.Rate)
		}
		if event.Net > 0 {
			txn.NetAmount = fx.Convert(event.Net, rate.Rate)
		}
	}

	// PSPs often omit net; default it so downstream stages never recompute.
	if txn.NetAmount == 0 && txn.PSPFee > 0 {
		txn.NetAmount = txn.Amount.Value - txn.PSPFee
	}
	return txn, nil
}

// QuarantineFX records an event whose rate lookup kept failing: the
// transaction is inserted in its original currency without conversion,
// moved to EXPECTED so the matcher leaves it alone, and a TIMING_MISMATCH
// exception is opened for manual follow-up.
func (s *Service) QuarantineFX(ctx context.Context, raw model.RawRecord, event *model.ParsedEvent) (*model.Transaction, error) {
	conn, err := s.resolver.Resolve(ctx, raw.TenantID, raw.ConnectionID)
	if err != nil {
		return nil, fmt.Errorf("resolve connection: %w", err)
	}

	eventTime := event.CreatedAt
	if eventTime.IsZero() {
		eventTime = raw.ReceivedAt
	}
	eventTime = eventTime.UTC()

	txn := &model.Transaction{
		TenantID:     raw.TenantID,
		BrandID:      conn.BrandID,
		EntityID:     conn.EntityID,
		ConnectionID: conn.ID,

		EventType: event.CanonicalEventType,
		EventTime: eventTime,
		TxnDate:   types.DateOf(eventTime),

		Amount: types.NewMoney(event.AmountSmallestUnit, event.Currency),

		PSPTxnID:        event.TxnID(),
		PSPPaymentID:    event.PSPPaymentID,
		PSPSettlementID: event.PSPSettlementID,
		PSPBatchID:      event.PSPBatchID,
		CustomerID:      event.CustomerID,

		PSPFee:    event.PSPFee,
		NetAmount: event.Net,

		Status:      parser.MapStatus(event.RawStatus),
		ReconStatus: model.ReconPending,

		SourceType:           raw.SourceType,
		SourceIdempotencyKey: raw.IdempotencyKey,
		SourceArchiveRef:     raw.ArchiveRef,

		Metadata: event.Metadata,
	}

	scope := canonicalstore.Scope{TenantID: raw.TenantID}
	inserted, existing, err := s.store.Transactions().Insert(ctx, scope, txn)
	if err != nil {
		return nil, fmt.Errorf("insert quarantined transaction: %w", err)
	}
	if !inserted {
		return existing, nil
	}

	exc := model.NewException(raw.TenantID, txn.ID, types.NilID,
		model.ExceptionTimingMismatch, txn.Amount,
		model.ReasonFor(model.ExceptionTimingMismatch, 0))

	err = s.store.WithTransaction(ctx, func(txc canonicalstore.TransactionContext) error {
		if err := txc.Transactions().UpdateReconStatus(ctx, scope, txn.ID, txn.Version, model.ReconExpected); err != nil {
			return err
		}
		return txc.Exceptions().Insert(ctx, scope, exc)
	})
	if err != nil {
		return nil, fmt.Errorf("quarantine transaction %s: %w", txn.ID, err)
	}

	s.log.Warn("fx rate exhausted, transaction quarantined",
		zap.String("transaction", txn.ID.String()),
		zap.String("currency", event.Currency))
	return txn, nil
}

func (s *Service) emit(ctx context.Context, txn *model.Transaction) error {
	record := model.NormalizedRecord{
		TransactionID: txn.ID,
		TenantID:      txn.TenantID,
		ConnectionID:  txn.ConnectionID,
		EventType:     txn.EventType,
		TxnDate:       txn.TxnDate,
		AmountValue:   txn.Amount.Value,
		Currency:      txn.Amount.Currency,
		PSPTxnID:      txn.PSPTxnID,
	}
	payload, err := bus.Encode(record)
	if err != nil {
		return err
	}
	return s.bus.Publish(ctx, bus.TopicNormalized, txn.TenantID.String(), payload)
}
