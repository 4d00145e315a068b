// Package bus implements the partitioned, at-least-once event stream the
// pipeline stages communicate over. Records are partitioned by key (the
// tenant id), so per-tenant ordering holds as long as each partition is
// consumed by a single goroutine. Partition buffers are bounded: Publish
// blocks when a consumer lags, which is the pipeline's backpressure.
package bus

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
)

// Topic names used by the pipeline.
const (
	TopicRawEvents  = "raw-events"
	TopicNormalized = "normalized"
	TopicMatched    = "matched"
	TopicFailures   = "failures"
)

var (
	// ErrClosed is returned when publishing to or consuming from a closed
	// bus.
	ErrClosed = errors.New("bus is closed")

	// ErrAlreadySubscribed is returned on a second Subscribe for a topic;
	// each topic has a single consumer group.
	ErrAlreadySubscribed = errors.New("topic already has a subscriber")
)

// Delivery is one record handed to a consumer. The consumer must Ack after
// durable processing or Nack to redeliver; an unacked delivery is lost with
// the process, which is why producers only emit after their own durable
// write (at-least-once end to end).
type Delivery struct {
	Topic     string
	Key       string
	Payload   []byte
	Partition int
	Attempt   int

	sub *Subscription
}

// Ack marks the delivery processed.
func (d *Delivery) Ack() {
	d.sub.ack()
}

// Nack requeues the delivery on its partition with an incremented attempt
// counter.
func (d *Delivery) Nack() {
	d.sub.ack()
	d.sub.requeue(d)
}

type partition struct {
	ch chan *Delivery
}

type topicState struct {
	name       string
	partitions []*partition
	sub        *Subscription
}

// Bus is the in-process partitioned stream.
type Bus struct {
	mu             sync.Mutex
	topics         map[string]*topicState
	partitionCount int
	buffer         int
	closed         bool
	closeCh        chan struct{}
}

// New creates a bus with the given partition count and per-partition buffer
// size.
func New(partitions, buffer int) *Bus {
	if partitions <= 0 {
		partitions = 4
	}
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{
		topics:         make(map[string]*topicState),
		partitionCount: partitions,
		buffer:         buffer,
		closeCh:        make(chan struct{}),
	}
}

// Publish appends a record to the topic partition selected by key. It blocks
// while the partition buffer is full, until ctx is done or the bus closes.
func (b *Bus) Publish(ctx context.Context, topic, key string, payload []byte) error {
	t, err := b.topic(topic)
	if err != nil {
		return err
	}

	idx := partitionFor(key, b.partitionCount)
	d := &Delivery{
		Topic:     topic,
		Key:       key,
		Payload:   payload,
		Partition: idx,
		Attempt:   1,
	}

	select {
	case t.partitions[idx].ch <- d:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publish to %s: %w", topic, ctx.Err())
	case <-b.closeCh:
		return ErrClosed
	}
}

// Subscribe attaches the single consumer group for a topic.
func (b *Bus) Subscribe(topic string) (*Subscription, error) {
	t, err := b.topic(topic)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if t.sub != nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadySubscribed, topic)
	}
	t.sub = &Subscription{bus: b, topic: t}
	return t.sub, nil
}

// Lag returns the number of undelivered records buffered for the topic.
func (b *Bus) Lag(topic string) int {
	b.mu.Lock()
	t, ok := b.topics[topic]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	total := 0
	for _, p := range t.partitions {
		total += len(p.ch)
	}
	return total
}

// Partitions returns the partition count.
func (b *Bus) Partitions() int {
	return b.partitionCount
}

// Close unblocks all publishers and consumers. Buffered records are
// discarded; durable state upstream makes them recoverable by the sweep.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.closeCh)
}

func (b *Bus) topic(name string) (*topicState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	t, ok := b.topics[name]
	if !ok {
		t = &topicState{name: name, partitions: make([]*partition, b.partitionCount)}
		for i := range t.partitions {
			t.partitions[i] = &partition{ch: make(chan *Delivery, b.buffer)}
		}
		b.topics[name] = t
	}
	return t, nil
}

func partitionFor(key string, count int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(count))
}

// Subscription is a topic's consumer group. One goroutine per partition
// preserves per-key ordering.
type Subscription struct {
	bus   *Bus
	topic *topicState
}

// Next blocks for the next delivery from the given partition.
func (s *Subscription) Next(ctx context.Context, part int) (*Delivery, error) {
	if part < 0 || part >= len(s.topic.partitions) {
		return nil, fmt.Errorf("partition %d out of range for topic %s", part, s.topic.name)
	}
	select {
	case d := <-s.topic.partitions[part].ch:
		d.sub = s
		return d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.bus.closeCh:
		return nil, ErrClosed
	}
}

// Partitions returns the partition count of the subscribed topic.
func (s *Subscription) Partitions() int {
	return len(s.topic.partitions)
}

func (s *Subscription) ack() {}

func (s *Subscription) requeue(d *Delivery) {
	next := &Delivery{
		Topic:     d.Topic,
		Key:       d.Key,
		Payload:   d.Payload,
		Partition: d.Partition,
		Attempt:   d.Attempt + 1,
	}
	ch := s.topic.partitions[d.Partition].ch
	select {
	case ch <- next:
	default:
		// Buffer full while the only consumer is the one requeuing; hand
		// off asynchronously rather than deadlocking it.
		go func() {
			select {
			case ch <- next:
			case <-s.bus.closeCh:
			}
		}()
	}
}
