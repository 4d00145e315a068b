package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settleline/recond/internal/model"
	"github.com/settleline/recond/internal/types"
)

func TestPublishConsumeRoundTrip(t *testing.T) {
	b := New(4, 16)
	defer b.Close()
	ctx := context.Background()

	sub, err := b.Subscribe(TopicRawEvents)
	require.NoError(t, err)

	record := model.RawRecord{
		TenantID:       types.NewID(),
		ConnectionID:   "conn_stripe",
		IdempotencyKey: "evt_1",
		ArchiveRef:     "raw-events/t/2024/01/15/abc",
		ReceivedAt:     time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
	}
	payload, err := Encode(record)
	require.NoError(t, err)

	key := record.TenantID.String()
	require.NoError(t, b.Publish(ctx, TopicRawEvents, key, payload))

	d, err := sub.Next(ctx, partitionFor(key, 4))
	require.NoError(t, err)

	var got model.RawRecord
	require.NoError(t, Decode(d.Payload, &got))
	assert.Equal(t, record.TenantID, got.TenantID)
	assert.Equal(t, record.IdempotencyKey, got.IdempotencyKey)
	assert.Equal(t, record.ArchiveRef, got.ArchiveRef)
	d.Ack()
}

func TestSameKeySamePartitionInOrder(t *testing.T) {
	b := New(8, 64)
	defer b.Close()
	ctx := context.Background()

	sub, err := b.Subscribe(TopicNormalized)
	require.NoError(t, err)

	key := types.NewID().String()
	for i := byte(0); i < 10; i++ {
		require.NoError(t, b.Publish(ctx, TopicNormalized, key, []byte{i}))
	}

	part := partitionFor(key, 8)
	for i := byte(0); i < 10; i++ {
		d, err := sub.Next(ctx, part)
		require.NoError(t, err)
		assert.Equal(t, []byte{i}, d.Payload)
		d.Ack()
	}
}

func TestNackRedelivers(t *testing.T) {
	b := New(1, 16)
	defer b.Close()
	ctx := context.Background()

	sub, err := b.Subscribe(TopicMatched)
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, TopicMatched, "k", []byte("x")))

	d, err := sub.Next(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Attempt)
	d.Nack()

	d, err = sub.Next(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, d.Attempt)
	assert.Equal(t, []byte("x"), d.Payload)
	d.Ack()
}

func TestPublishBlocksWhenLagged(t *testing.T) {
	b := New(1, 1)
	defer b.Close()

	require.NoError(t, b.Publish(context.Background(), TopicRawEvents, "k", []byte("1")))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := b.Publish(ctx, TopicRawEvents, "k", []byte("2"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, b.Lag(TopicRawEvents))
}

func TestSecondSubscribeFails(t *testing.T) {
	b := New(1, 1)
	defer b.Close()

	_, err := b.Subscribe(TopicRawEvents)
	require.NoError(t, err)
	_, err = b.Subscribe(TopicRawEvents)
	assert.ErrorIs(t, err, ErrAlreadySubscribed)
}

func TestClosedBusRejectsPublish(t *testing.T) {
	b := New(1, 1)
	b.Close()
	err := b.Publish(context.Background(), TopicRawEvents, "k", nil)
	assert.ErrorIs(t, err, ErrClosed)
}
