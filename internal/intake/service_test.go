package intake

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settleline/recond/internal/bus"
	"github.com/settleline/recond/internal/connections"
	"github.com/settleline/recond/internal/model"
	"github.com/settleline/recond/internal/storage/archive"
	csmemory "github.com/settleline/recond/internal/storage/canonicalstore/memory"
	"github.com/settleline/recond/internal/storage/idempotency"
	kvmemory "github.com/settleline/recond/internal/storage/kv/memory"
	"github.com/settleline/recond/internal/types"
)

type mapSecrets map[string]string

func (m mapSecrets) Secret(ref string) (string, error) {
	if v, ok := m[ref]; ok {
		return v, nil
	}
	return "", assert.AnError
}

type fixture struct {
	service *Service
	bus     *bus.Bus
	idem    *idempotency.Store
	archive *archive.Store
	tenant  types.ID
	secret  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := csmemory.NewStore()
	tenant := types.NewID()
	require.NoError(t, store.Connections().Put(context.Background(), &model.Connection{
		ID:           "conn_stripe",
		TenantID:     tenant,
		EntityID:     types.NewID(),
		PSPName:      "stripe",
		BaseCurrency: "USD",
		ParserName:   "generic-json",
		SecretRef:    "STRIPE_SECRET",
	}))

	resolver, err := connections.NewResolver(store.Connections(), 16, time.Minute)
	require.NoError(t, err)

	b := bus.New(2, 16)
	t.Cleanup(b.Close)

	idem := idempotency.New(kvmemory.New())
	arch := archive.New(kvmemory.New())

	service := New(resolver, mapSecrets{"STRIPE_SECRET": "whsec_test"}, idem, arch, b, nil, nil, nil, Config{})
	return &fixture{service: service, bus: b, idem: idem, archive: arch, tenant: tenant, secret: "whsec_test"}
}

func TestIngestAccepted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub, err := f.bus.Subscribe(bus.TopicRawEvents)
	require.NoError(t, err)

	body := []byte(`{"id":"evt_1","type":"payment.succeeded","amount":1000,"created_at":"2024-01-15T10:00:00Z"}`)
	outcome, err := f.service.Ingest(ctx, f.tenant, "conn_stripe", Headers{Signature: Sign(f.secret, body)}, body)
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, outcome.Status)
	assert.Equal(t, "conn_stripe|evt_1|payment.succeeded|2024-01-15T10:00:00Z", outcome.IdempotencyKey)

	// Raw bytes are durable under the returned ref.
	stored, err := f.archive.Get(ctx, outcome.ArchiveRef)
	require.NoError(t, err)
	assert.Equal(t, body, stored)

	// The record reached the bus and the row is marked published.
	found := false
	for part := 0; part < sub.Partitions() && !found; part++ {
		waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		d, err := sub.Next(waitCtx, part)
		cancel()
		if err != nil {
			continue
		}
		var record model.RawRecord
		require.NoError(t, bus.Decode(d.Payload, &record))
		assert.Equal(t, outcome.IdempotencyKey, record.IdempotencyKey)
		assert.Equal(t, outcome.ArchiveRef, record.ArchiveRef)
		d.Ack()
		found = true
	}
	assert.True(t, found, "RawRecord never reached the bus")

	row, err := f.idem.Get(ctx, f.tenant, outcome.IdempotencyKey)
	require.NoError(t, err)
	assert.True(t, row.Published)
}

func TestIngestDuplicateReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	body := []byte(`{"id":"evt_7","type":"payment.succeeded","amount":500}`)
	headers := Headers{Signature: Sign(f.secret, body)}

	first, err := f.service.Ingest(ctx, f.tenant, "conn_stripe", headers, body)
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, first.Status)

	for i := 0; i < 3; i++ {
		replay, err := f.service.Ingest(ctx, f.tenant, "conn_stripe", headers, body)
		require.NoError(t, err)
		assert.Equal(t, StatusDuplicate, replay.Status)
		assert.Equal(t, first.ArchiveRef, replay.ArchiveRef, "duplicate must return the original archive ref")
	}
}

func TestIngestBadSignature(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{"id":"evt_1","type":"payment.succeeded","amount":1000}`)

	outcome, err := f.service.Ingest(context.Background(), f.tenant, "conn_stripe",
		Headers{Signature: Sign("wrong_secret", body)}, body)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, outcome.Status)
	assert.Equal(t, RejectSignature, outcome.RejectKind)

	// Nothing persisted.
	_, err = f.idem.Get(context.Background(), f.tenant, deriveKey("conn_stripe", "", body))
	assert.ErrorIs(t, err, idempotency.ErrNotFound)
}

func TestIngestUnknownConnection(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{}`)
	outcome, err := f.service.Ingest(context.Background(), f.tenant, "conn_nope",
		Headers{Signature: Sign(f.secret, body)}, body)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, outcome.Status)
	assert.Equal(t, RejectConfig, outcome.RejectKind)
}

func TestHeaderKeyOverridesDerivation(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{"id":"evt_1","type":"payment.succeeded","amount":1}`)
	outcome, err := f.service.Ingest(context.Background(), f.tenant, "conn_stripe",
		Headers{Signature: Sign(f.secret, body), IdempotencyKey: "psp-supplied-key"}, body)
	require.NoError(t, err)
	assert.Equal(t, "psp-supplied-key", outcome.IdempotencyKey)
}

func TestDeriveKeyFallsBackToContentHash(t *testing.T) {
	key := deriveKey("conn_x", "", []byte("not json at all"))
	assert.Contains(t, key, "conn_x|")
	// Same bytes, same key; different bytes, different key.
	assert.Equal(t, key, deriveKey("conn_x", "", []byte("not json at all")))
	assert.NotEqual(t, key, deriveKey("conn_x", "", []byte("other")))
}

func TestSweeperRecoversUnpublishedRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Simulate a crash between insert and emit: a row exists but was never
	// published.
	created := time.Now().UTC().Add(-10 * time.Minute)
	_, _, err := f.idem.PutNX(ctx, &idempotency.Row{
		TenantID:     f.tenant,
		Key:          "evt_stuck",
		ConnectionID: "conn_stripe",
		ArchiveRef:   "raw-events/t/2024/01/15/ref",
		CreatedAt:    created.Unix(),
		ExpiresAt:    created.Add(idempotency.DefaultTTL).Unix(),
	})
	require.NoError(t, err)

	sub, err := f.bus.Subscribe(bus.TopicRawEvents)
	require.NoError(t, err)

	sweeper := NewSweeper(f.idem, f.bus, nil, time.Minute, time.Hour)
	recovered, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	found := false
	for part := 0; part < sub.Partitions() && !found; part++ {
		waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		d, err := sub.Next(waitCtx, part)
		cancel()
		if err != nil {
			continue
		}
		var record model.RawRecord
		require.NoError(t, bus.Decode(d.Payload, &record))
		assert.Equal(t, "evt_stuck", record.IdempotencyKey)
		found = true
	}
	assert.True(t, found)

	// A second sweep finds nothing.
	recovered, err = sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, recovered)
}
