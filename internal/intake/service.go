// Package intake admits raw PSP webhook events: it verifies the HMAC
// signature, deduplicates by idempotency key, archives the raw bytes and
// emits a RawRecord onto the bus. The durable insert always precedes the
// emit; the sweeper re-emits rows whose publish never happened.
package intake

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/settleline/recond/internal/alert"
	"github.com/settleline/recond/internal/bus"
	"github.com/settleline/recond/internal/connections"
	"github.com/settleline/recond/internal/metrics"
	"github.com/settleline/recond/internal/model"
	"github.com/settleline/recond/internal/storage/archive"
	"github.com/settleline/recond/internal/storage/canonicalstore"
	"github.com/settleline/recond/internal/storage/idempotency"
	"github.com/settleline/recond/internal/types"
)

// Status is the intake outcome class.
type Status int

const (
	StatusAccepted Status = iota
	StatusDuplicate
	StatusRejected
)

// RejectKind says why a request was rejected.
type RejectKind string

const (
	RejectSignature RejectKind = "signature"
	RejectConfig    RejectKind = "config"
)

// Outcome is the result of one Ingest call.
type Outcome struct {
	Status         Status
	RejectKind     RejectKind
	IdempotencyKey string
	ArchiveRef     string
}

// Headers carries the webhook headers intake consumes.
type Headers struct {
	// Signature is the hex HMAC-SHA256 of the raw body.
	Signature string
	// IdempotencyKey overrides key derivation when the PSP supplies one.
	IdempotencyKey string
}

// SecretResolver turns a connection's secret reference into the signing
// secret. Secrets never live in the canonical store.
type SecretResolver interface {
	Secret(ref string) (string, error)
}

// EnvSecrets resolves secret references as environment variable names.
type EnvSecrets struct{}

func (EnvSecrets) Secret(ref string) (string, error) {
	if ref == "" {
		return "", errors.New("empty secret reference")
	}
	value := os.Getenv(ref)
	if value == "" {
		return "", fmt.Errorf("secret %s is not set", ref)
	}
	return value, nil
}

// Service is the webhook intake stage.
type Service struct {
	resolver *connections.Resolver
	secrets  SecretResolver
	idem     *idempotency.Store
	archive  *archive.Store
	bus      *bus.Bus
	alerts   alert.Alerter
	metrics  *metrics.Metrics
	log      *zap.Logger

	ttl time.Duration
	now func() time.Time
}

// Config tunes a Service.
type Config struct {
	// IdempotencyTTL is how long a key blocks replays. Zero means the
	// 7-day default.
	IdempotencyTTL time.Duration
}

// New builds the intake service.
func New(resolver *connections.Resolver, secrets SecretResolver, idem *idempotency.Store,
	arch *archive.Store, b *bus.Bus, alerts alert.Alerter, m *metrics.Metrics,
	log *zap.Logger, cfg Config) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if alerts == nil {
		alerts = alert.Nop{}
	}
	ttl := cfg.IdempotencyTTL
	if ttl <= 0 {
		ttl = idempotency.DefaultTTL
	}
	return &Service{
		resolver: resolver,
		secrets:  secrets,
		idem:     idem,
		archive:  arch,
		bus:      b,
		alerts:   alerts,
		metrics:  m,
		log:      log,
		ttl:      ttl,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Ingest admits one raw webhook event.
func (s *Service) Ingest(ctx context.Context, tenant types.ID, connectionID string, headers Headers, body []byte) (Outcome, error) {
	conn, err := s.resolver.Resolve(ctx, tenant, connectionID)
	if err != nil {
		if errors.Is(err, canonicalstore.ErrConnectionNotFound) {
			s.rejected(connectionID, RejectConfig)
			s.alerts.Alert(ctx, model.P2, "config_missing", "webhook for unknown connection",
				map[string]string{"tenant": tenant.String(), "connection": connectionID})
			return Outcome{Status: StatusRejected, RejectKind: RejectConfig}, nil
		}
		return Outcome{}, fmt.Errorf("resolve connection %s: %w", connectionID, err)
	}

	secret, err := s.secrets.Secret(conn.SecretRef)
	if err != nil {
		s.rejected(connectionID, RejectConfig)
		s.alerts.Alert(ctx, model.P2, "config_missing", "webhook secret unavailable",
			map[string]string{"tenant": tenant.String(), "connection": connectionID})
		return Outcome{Status: StatusRejected, RejectKind: RejectConfig}, nil
	}

	if !VerifySignature(secret, body, headers.Signature) {
		s.rejected(connectionID, RejectSignature)
		return Outcome{Status: StatusRejected, RejectKind: RejectSignature}, nil
	}

	key := deriveKey(connectionID, headers.IdempotencyKey, body)

	// Fast path: an existing live row means this event was already
	// admitted; nothing is re-archived or re-emitted.
	if existing, err := s.idem.Get(ctx, tenant, key); err == nil {
		s.duplicate(connectionID)
		return Outcome{Status: StatusDuplicate, IdempotencyKey: key, ArchiveRef: existing.ArchiveRef}, nil
	} else if !errors.Is(err, idempotency.ErrNotFound) {
		return Outcome{}, fmt.Errorf("idempotency lookup: %w", err)
	}

	receivedAt := s.now()
	ref, err := s.archive.PutRaw(ctx, tenant, receivedAt, body)
	if err != nil {
		return Outcome{}, fmt.Errorf("archive raw event: %w", err)
	}

	inserted, existing, err := s.idem.PutNX(ctx, &idempotency.Row{
		TenantID:     tenant,
		Key:          key,
		ConnectionID: connectionID,
		ArchiveRef:   ref,
		CreatedAt:    receivedAt.Unix(),
		ExpiresAt:    receivedAt.Add(s.ttl).Unix(),
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("idempotency insert: %w", err)
	}
	if !inserted {
		// Lost the race to a concurrent delivery of the same event; the
		// archived copy above is orphaned but harmless.
		s.duplicate(connectionID)
		return Outcome{Status: StatusDuplicate, IdempotencyKey: key, ArchiveRef: existing.ArchiveRef}, nil
	}

	if err := s.publish(ctx, tenant, connectionID, key, ref, receivedAt); err != nil {
		// The row is durable; the sweeper will re-emit it. The event is
		// admitted either way.
		s.log.Warn("raw record publish failed, sweeper will recover",
			zap.String("idempotency_key", key), zap.Error(err))
	}

	if s.metrics != nil {
		s.metrics.IngestedTotal.WithLabelValues(connectionID).Inc()
	}
	return Outcome{Status: StatusAccepted, IdempotencyKey: key, ArchiveRef: ref}, nil
}

func (s *Service) publish(ctx context.Context, tenant types.ID, connectionID, key, ref string, receivedAt time.Time) error {
	record := model.RawRecord{
		TenantID:       tenant,
		ConnectionID:   connectionID,
		IdempotencyKey: key,
		ArchiveRef:     ref,
		SourceType:     "webhook",
		ReceivedAt:     receivedAt,
	}
	payload, err := bus.Encode(record)
	if err != nil {
		return err
	}
	if err := s.bus.Publish(ctx, bus.TopicRawEvents, tenant.String(), payload); err != nil {
		return err
	}
	return s.idem.MarkPublished(ctx, tenant, key)
}

func (s *Service) duplicate(connectionID string) {
	if s.metrics != nil {
		s.metrics.DuplicatesTotal.WithLabelValues(connectionID).Inc()
	}
}

func (s *Service) rejected(connectionID string, kind RejectKind) {
	if s.metrics != nil {
		s.metrics.RejectedTotal.WithLabelValues(connectionID, string(kind)).Inc()
	}
}

// VerifySignature checks a hex HMAC-SHA256 signature over body in constant
// time.
func VerifySignature(secret string, body []byte, signature string) bool {
	provided, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(provided) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)
	return subtle.ConstantTimeCompare(expected, provided) == 1
}

// Sign computes the hex HMAC-SHA256 signature of body; test helpers and the
// settlement file uploader use it.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// keyProbe extracts the body fields the derived idempotency key is built
// from.
type keyProbe struct {
	ID        string `json:"id"`
	EventID   string `json:"event_id"`
	Type      string `json:"type"`
	Event     string `json:"event"`
	CreatedAt string `json:"created_at"`
}

// deriveKey prefers the caller-supplied key; otherwise it builds
// connection|event_id|event_type|timestamp from the body, and falls back to
// a content hash when the body yields no event id.
func deriveKey(connectionID, override string, body []byte) string {
	if k := strings.TrimSpace(override); k != "" {
		return k
	}

	var probe keyProbe
	_ = json.Unmarshal(body, &probe)

	eventID := probe.ID
	if eventID == "" {
		eventID = probe.EventID
	}
	eventType := probe.Type
	if eventType == "" {
		eventType = probe.Event
	}

	if eventID == "" {
		sum := sha256.Sum256(body)
		return connectionID + "|" + hex.EncodeToString(sum[:])
	}
	return connectionID + "|" + eventID + "|" + eventType + "|" + probe.CreatedAt
}
