// Package alert defines the operational alert port. Delivery channels
// (PagerDuty, Slack, email) live outside this repo; the default
// implementation writes structured log lines whose severity mirrors the
// exception priority scale.
package alert

import (
	"context"

	"go.uber.org/zap"

	"github.com/settleline/recond/internal/model"
)

// Alerter raises operational alerts. Implementations must not block the
// pipeline; slow delivery belongs behind a queue in the implementation.
type Alerter interface {
	Alert(ctx context.Context, priority model.Priority, kind, message string, fields map[string]string)
}

// LogAlerter writes alerts to the process log. P1 and P2 log at error
// level, the rest at warn.
type LogAlerter struct {
	log *zap.Logger
}

// NewLogAlerter builds a log-backed alerter.
func NewLogAlerter(log *zap.Logger) *LogAlerter {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogAlerter{log: log}
}

func (a *LogAlerter) Alert(ctx context.Context, priority model.Priority, kind, message string, fields map[string]string) {
	zf := make([]zap.Field, 0, len(fields)+2)
	zf = append(zf, zap.String("priority", string(priority)), zap.String("kind", kind))
	for k, v := range fields {
		zf = append(zf, zap.String(k, v))
	}
	switch priority {
	case model.P1, model.P2:
		a.log.Error(message, zf...)
	default:
		a.log.Warn(message, zf...)
	}
}

// Nop discards alerts; used by tests.
type Nop struct{}

func (Nop) Alert(ctx context.Context, priority model.Priority, kind, message string, fields map[string]string) {
}
