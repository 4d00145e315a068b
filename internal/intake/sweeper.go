package intake

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/settleline/recond/internal/bus"
	"github.com/settleline/recond/internal/model"
	"github.com/settleline/recond/internal/storage/idempotency"
)

// Sweeper re-emits idempotency rows whose bus publish never happened,
// closing the insert-then-emit crash window. Rows younger than the grace
// period are skipped; their publish may simply still be in flight.
type Sweeper struct {
	idem *idempotency.Store
	bus  *bus.Bus
	log  *zap.Logger

	grace    time.Duration
	interval time.Duration
}

// NewSweeper builds a sweeper. Zero grace defaults to one minute, zero
// interval to five.
func NewSweeper(idem *idempotency.Store, b *bus.Bus, log *zap.Logger, grace, interval time.Duration) *Sweeper {
	if log == nil {
		log = zap.NewNop()
	}
	if grace <= 0 {
		grace = time.Minute
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{idem: idem, bus: b, log: log, grace: grace, interval: interval}
}

// SweepOnce re-emits every stuck row and returns how many were recovered.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	recovered := 0
	err := s.idem.SweepUnpublished(ctx, s.grace, func(row *idempotency.Row) error {
		record := model.RawRecord{
			TenantID:       row.TenantID,
			ConnectionID:   row.ConnectionID,
			IdempotencyKey: row.Key,
			ArchiveRef:     row.ArchiveRef,
			SourceType:     "webhook",
			ReceivedAt:     time.Unix(row.CreatedAt, 0).UTC(),
		}
		payload, err := bus.Encode(record)
		if err != nil {
			return err
		}
		if err := s.bus.Publish(ctx, bus.TopicRawEvents, row.TenantID.String(), payload); err != nil {
			return err
		}
		if err := s.idem.MarkPublished(ctx, row.TenantID, row.Key); err != nil {
			return err
		}
		recovered++
		s.log.Info("re-emitted unpublished raw record",
			zap.String("tenant", row.TenantID.String()),
			zap.String("idempotency_key", row.Key))
		return nil
	})
	return recovered, err
}

// Run sweeps on the configured interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := s.SweepOnce(ctx); err != nil {
				s.log.Warn("sweep failed", zap.Error(err))
			} else if n > 0 {
				s.log.Info("sweep recovered records", zap.Int("count", n))
			}
		}
	}
}
