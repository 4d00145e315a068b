// Package pipeline wires the stages together: one worker per topic
// partition consumes the bus, retries retriable failures with exponential
// backoff and hands terminal failures to the dead-letter bucket. Per-tenant
// ordering holds because a partition is only ever consumed by one worker.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/settleline/recond/internal/alert"
	"github.com/settleline/recond/internal/bus"
	"github.com/settleline/recond/internal/ledger"
	"github.com/settleline/recond/internal/matching"
	"github.com/settleline/recond/internal/metrics"
	"github.com/settleline/recond/internal/model"
	"github.com/settleline/recond/internal/normalizer"
	"github.com/settleline/recond/internal/parser"
	"github.com/settleline/recond/internal/storage/deadletter"
)

// Config tunes retry and reporting behavior.
type Config struct {
	// MaxAttempts is the total number of tries per delivery before a
	// retriable failure is dead-lettered.
	MaxAttempts uint64
	// RetryInitialInterval seeds the exponential backoff.
	RetryInitialInterval time.Duration
	// RetryMaxInterval caps the backoff.
	RetryMaxInterval time.Duration
	// LagInterval is how often bus lag is sampled into the gauge.
	LagInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = 200 * time.Millisecond
	}
	if c.RetryMaxInterval <= 0 {
		c.RetryMaxInterval = 30 * time.Second
	}
	if c.LagInterval <= 0 {
		c.LagInterval = 10 * time.Second
	}
	return c
}

// Pipeline owns the stage workers.
type Pipeline struct {
	bus     *bus.Bus
	norm    *normalizer.Service
	engine  *matching.Engine
	poster  *ledger.Poster
	dead    deadletter.Store
	alerter alert.Alerter
	metrics *metrics.Metrics
	log     *zap.Logger
	cfg     Config
}

// New builds the pipeline.
func New(b *bus.Bus, norm *normalizer.Service, engine *matching.Engine, poster *ledger.Poster,
	dead deadletter.Store, alerter alert.Alerter, m *metrics.Metrics, log *zap.Logger, cfg Config) *Pipeline {
	if alerter == nil {
		alerter = alert.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{
		bus:     b,
		norm:    norm,
		engine:  engine,
		poster:  poster,
		dead:    dead,
		alerter: alerter,
		metrics: m,
		log:     log,
		cfg:     cfg.withDefaults(),
	}
}

// Run starts all stage workers and blocks until ctx is done or a worker
// fails fatally.
func (p *Pipeline) Run(ctx context.Context) error {
	stages := []struct {
		topic  string
		name   string
		handle func(context.Context, *bus.Delivery) error
	}{
		{bus.TopicRawEvents, "normalize", p.handleRaw},
		{bus.TopicNormalized, "match", p.handleNormalized},
		{bus.TopicMatched, "post", p.handleMatched},
		{bus.TopicFailures, "failures", p.handleFailure},
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, stage := range stages {
		sub, err := p.bus.Subscribe(stage.topic)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", stage.topic, err)
		}
		for part := 0; part < sub.Partitions(); part++ {
			g.Go(func() error {
				return p.consume(ctx, sub, part, stage.name, stage.handle)
			})
		}
	}
	g.Go(func() error {
		return p.reportLag(ctx)
	})

	p.log.Info("pipeline started",
		zap.Int("partitions", p.bus.Partitions()),
		zap.Uint64("max_attempts", p.cfg.MaxAttempts))
	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, bus.ErrClosed) {
		return nil
	}
	return err
}

func (p *Pipeline) consume(ctx context.Context, sub *bus.Subscription, part int, stage string, handle func(context.Context, *bus.Delivery) error) error {
	for {
		d, err := sub.Next(ctx, part)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, bus.ErrClosed) {
				return nil
			}
			return err
		}

		start := time.Now()
		err = p.withRetry(ctx, stage, func() error { return handle(ctx, d) })
		if p.metrics != nil {
			p.metrics.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
		}
		if err != nil {
			if ctx.Err() != nil {
				// Shutdown mid-record: leave it unacked, the durable
				// upstream state recovers it.
				return nil
			}
			p.giveUp(ctx, stage, d, err)
		}
		d.Ack()
	}
}

// withRetry runs op until success, a permanent error, or MaxAttempts.
func (p *Pipeline) withRetry(ctx context.Context, stage string, op func() error) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = p.cfg.RetryInitialInterval
	expo.MaxInterval = p.cfg.RetryMaxInterval
	expo.MaxElapsedTime = 0

	attempt := uint64(0)
	wrapped := func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return err
		}
		if p.metrics != nil {
			p.metrics.RetriesTotal.WithLabelValues(stage).Inc()
		}
		p.log.Warn("stage attempt failed",
			zap.String("stage", stage), zap.Uint64("attempt", attempt), zap.Error(err))
		return err
	}
	return backoff.Retry(wrapped, backoff.WithContext(backoff.WithMaxRetries(expo, p.cfg.MaxAttempts-1), ctx))
}

// handledError marks failures the handler already dead-lettered, so the
// give-up path does not record them twice.
type handledError struct{ cause error }

func (e *handledError) Error() string { return e.cause.Error() }
func (e *handledError) Unwrap() error { return e.cause }

// giveUp runs once per delivery whose retries are exhausted or whose
// failure was permanent.
func (p *Pipeline) giveUp(ctx context.Context, stage string, d *bus.Delivery, err error) {
	var handled *handledError
	if errors.As(err, &handled) {
		return
	}

	var fxe *fxRetry
	if errors.As(err, &fxe) {
		if _, qErr := p.norm.QuarantineFX(ctx, fxe.raw, &fxe.cause.Event); qErr != nil {
			p.log.Error("fx quarantine failed", zap.Error(qErr),
				zap.String("archive_ref", fxe.raw.ArchiveRef))
		}
		_ = p.deadLetter(ctx, deadletter.Entry{
			TenantID:   fxe.raw.TenantID,
			Stage:      stage,
			Kind:       "fx",
			ArchiveRef: fxe.raw.ArchiveRef,
			Reason:     fxe.cause.Error(),
			Attempts:   int(p.cfg.MaxAttempts),
		}, err)
		return
	}

	_ = p.deadLetter(ctx, deadletter.Entry{
		Stage:    stage,
		Kind:     "retries_exhausted",
		Reason:   err.Error(),
		Attempts: int(p.cfg.MaxAttempts),
	}, err)
}

// handleRaw is the normalize stage. Parse and config failures are terminal;
// a rate that never turns up quarantines the event.
func (p *Pipeline) handleRaw(ctx context.Context, d *bus.Delivery) error {
	var raw model.RawRecord
	if err := bus.Decode(d.Payload, &raw); err != nil {
		return backoff.Permanent(p.deadLetter(ctx, deadletter.Entry{
			Stage:  "normalize",
			Kind:   "decode",
			Reason: err.Error(),
		}, err))
	}

	_, err := p.norm.Normalize(ctx, raw)
	if err == nil {
		return nil
	}

	var parseErr *parser.ParseError
	if errors.As(err, &parseErr) {
		return backoff.Permanent(p.deadLetter(ctx, deadletter.Entry{
			TenantID:   raw.TenantID,
			Stage:      "normalize",
			Kind:       "parse",
			ArchiveRef: raw.ArchiveRef,
			Reason:     parseErr.Diagnostic,
			Diagnostic: parseErr.Error(),
			Attempts:   d.Attempt,
		}, err))
	}

	var cfgErr *normalizer.ConfigError
	if errors.As(err, &cfgErr) {
		p.alerter.Alert(ctx, model.P2, "normalize_config", cfgErr.Error(), map[string]string{
			"connection": cfgErr.ConnectionID,
		})
		return backoff.Permanent(p.deadLetter(ctx, deadletter.Entry{
			TenantID:   raw.TenantID,
			Stage:      "normalize",
			Kind:       "config",
			ArchiveRef: raw.ArchiveRef,
			Reason:     cfgErr.Error(),
			Attempts:   d.Attempt,
		}, err))
	}

	var fxErr *normalizer.FXError
	if errors.As(err, &fxErr) {
		return &fxRetry{raw: raw, cause: fxErr}
	}
	return err
}

// fxRetry carries the FX failure through the retry loop so exhaustion can
// quarantine the event rather than just dropping it.
type fxRetry struct {
	raw   model.RawRecord
	cause *normalizer.FXError
}

func (e *fxRetry) Error() string { return e.cause.Error() }
func (e *fxRetry) Unwrap() error { return e.cause }

func (p *Pipeline) handleNormalized(ctx context.Context, d *bus.Delivery) error {
	var record model.NormalizedRecord
	if err := bus.Decode(d.Payload, &record); err != nil {
		return backoff.Permanent(p.deadLetter(ctx, deadletter.Entry{
			Stage:  "match",
			Kind:   "decode",
			Reason: err.Error(),
		}, err))
	}
	_, err := p.engine.Match(ctx, record.TenantID, record.TransactionID)
	return err
}

func (p *Pipeline) handleMatched(ctx context.Context, d *bus.Delivery) error {
	var record model.MatchedRecord
	if err := bus.Decode(d.Payload, &record); err != nil {
		return backoff.Permanent(p.deadLetter(ctx, deadletter.Entry{
			Stage:  "post",
			Kind:   "decode",
			Reason: err.Error(),
		}, err))
	}

	_, err := p.poster.Post(ctx, record.TenantID, record.TransactionID, record.MatchID)
	if errors.Is(err, ledger.ErrUnsupportedEventType) {
		return backoff.Permanent(p.deadLetter(ctx, deadletter.Entry{
			TenantID: record.TenantID,
			Stage:    "post",
			Kind:     "unsupported_event",
			Reason:   err.Error(),
			Attempts: d.Attempt,
		}, err))
	}
	return err
}

// handleFailure consumes the failures topic: every dead-lettered record is
// also surfaced as an operational alert.
func (p *Pipeline) handleFailure(ctx context.Context, d *bus.Delivery) error {
	var record model.FailureRecord
	if err := bus.Decode(d.Payload, &record); err != nil {
		p.log.Warn("undecodable failure record", zap.Error(err))
		return nil
	}
	p.alerter.Alert(ctx, model.P3, "pipeline_failure",
		fmt.Sprintf("%s stage gave up: %s", record.Stage, record.Reason),
		map[string]string{
			"stage":       record.Stage,
			"kind":        record.Kind,
			"archive_ref": record.ArchiveRef,
		})
	return nil
}

// deadLetter durably records a terminal failure and mirrors it onto the
// failures topic. The returned error marks the failure as handled.
func (p *Pipeline) deadLetter(ctx context.Context, entry deadletter.Entry, cause error) error {
	entry.CreatedAt = time.Now().UTC()
	if err := p.dead.Put(ctx, &entry); err != nil {
		p.log.Error("dead-letter write failed", zap.Error(err), zap.String("reason", entry.Reason))
		return fmt.Errorf("dead-letter write: %w (original: %v)", err, cause)
	}
	if p.metrics != nil {
		p.metrics.DeadLettersTotal.WithLabelValues(entry.Stage, entry.Kind).Inc()
	}

	payload, err := bus.Encode(model.FailureRecord{
		TenantID:   entry.TenantID,
		Stage:      entry.Stage,
		Kind:       entry.Kind,
		ArchiveRef: entry.ArchiveRef,
		Reason:     entry.Reason,
		Attempts:   entry.Attempts,
		FailedAt:   entry.CreatedAt,
	})
	if err == nil {
		publishCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if pubErr := p.bus.Publish(publishCtx, bus.TopicFailures, entry.TenantID.String(), payload); pubErr != nil {
			p.log.Warn("failure record publish skipped", zap.Error(pubErr))
		}
		cancel()
	}
	return &handledError{cause: cause}
}

func (p *Pipeline) reportLag(ctx context.Context) error {
	if p.metrics == nil {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(p.cfg.LagInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, topic := range []string{bus.TopicRawEvents, bus.TopicNormalized, bus.TopicMatched, bus.TopicFailures} {
				p.metrics.BusLag.WithLabelValues(topic).Set(float64(p.bus.Lag(topic)))
			}
		}
	}
}
