// Package idempotency implements the content-addressed dedup table used by
// webhook intake. Rows are keyed per tenant, carry the archive ref of the
// first occurrence, a TTL in Unix seconds, and a published flag used by the
// recovery sweep to re-emit rows whose bus publish never happened.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ugorji/go/codec"

	"github.com/settleline/recond/internal/storage/kv"
	"github.com/settleline/recond/internal/types"
)

// keyPrefix keeps idempotency rows in their own keyspace so the backend can
// be shared with other stores.
const keyPrefix = "idem/"

// DefaultTTL is how long a row blocks replays when the caller does not
// override it.
const DefaultTTL = 7 * 24 * time.Hour

var (
	// ErrNotFound is returned when no row exists for a key.
	ErrNotFound = errors.New("idempotency row not found")
)

// Row is one dedup entry. ExpiresAt is Unix seconds; expired rows are
// invisible to Get/PutNX and removed by PurgeExpired.
type Row struct {
	TenantID     types.ID `codec:"tenant_id"`
	Key          string   `codec:"key"`
	ConnectionID string   `codec:"connection_id"`
	ArchiveRef   string   `codec:"archive_ref"`
	Published    bool     `codec:"published"`
	CreatedAt    int64    `codec:"created_at"`
	ExpiresAt    int64    `codec:"expires_at"`
}

// Expired reports whether the row's TTL has passed.
func (r *Row) Expired(now time.Time) bool {
	return r.ExpiresAt > 0 && now.Unix() >= r.ExpiresAt
}

// Store is the dedup table over a kv backend. A single mutex serializes the
// check-then-write in PutNX; kv backends have no compare-and-swap.
type Store struct {
	mu  sync.Mutex
	db  kv.DB
	now func() time.Time
}

// New builds a store over the given kv backend.
func New(db kv.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// NewWithClock pins the clock for tests.
func NewWithClock(db kv.DB, now func() time.Time) *Store {
	s := New(db)
	s.now = now
	return s
}

// PutNX inserts the row if no live row exists for (tenant, key). When a live
// row is already present it is returned and inserted is false. An expired
// row is overwritten.
func (s *Store) PutNX(ctx context.Context, row *Row) (inserted bool, existing *Row, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := rowKey(row.TenantID, row.Key)
	if current, err := s.read(ctx, k); err == nil {
		if !current.Expired(s.now()) {
			return false, current, nil
		}
	} else if !errors.Is(err, ErrNotFound) {
		return false, nil, err
	}

	if err := s.write(ctx, k, row); err != nil {
		return false, nil, err
	}
	return true, nil, nil
}

// Get returns the live row for (tenant, key).
func (s *Store) Get(ctx context.Context, tenant types.ID, key string) (*Row, error) {
	row, err := s.read(ctx, rowKey(tenant, key))
	if err != nil {
		return nil, err
	}
	if row.Expired(s.now()) {
		return nil, ErrNotFound
	}
	return row, nil
}

// MarkPublished flags the row as having reached the bus. Missing rows are an
// error; the insert always precedes the emit.
func (s *Store) MarkPublished(ctx context.Context, tenant types.ID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := rowKey(tenant, key)
	row, err := s.read(ctx, k)
	if err != nil {
		return err
	}
	if row.Published {
		return nil
	}
	row.Published = true
	return s.write(ctx, k, row)
}

// SweepUnpublished calls fn for every live row whose bus publish is still
// outstanding and that is at least grace old. fn returning an error stops
// the sweep.
func (s *Store) SweepUnpublished(ctx context.Context, grace time.Duration, fn func(*Row) error) error {
	now := s.now()
	return s.forEach(ctx, func(row *Row) error {
		if row.Published || row.Expired(now) {
			return nil
		}
		if now.Sub(time.Unix(row.CreatedAt, 0)) < grace {
			return nil
		}
		return fn(row)
	})
}

// PurgeExpired deletes rows past their TTL and returns how many were
// removed.
func (s *Store) PurgeExpired(ctx context.Context) (int, error) {
	now := s.now()
	var stale [][]byte
	err := s.forEachKeyed(ctx, func(key []byte, row *Row) error {
		if row.Expired(now) {
			keyCopy := make([]byte, len(key))
			copy(keyCopy, key)
			stale = append(stale, keyCopy)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}

	ops := make([]kv.BatchOperation, len(stale))
	for i, key := range stale {
		ops[i] = kv.BatchOperation{Type: kv.BatchDelete, Key: key}
	}
	if err := s.db.Batch(ctx, ops); err != nil {
		return 0, fmt.Errorf("purge expired idempotency rows: %w", err)
	}
	return len(stale), nil
}

// Close closes the underlying backend.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) forEach(ctx context.Context, fn func(*Row) error) error {
	return s.forEachKeyed(ctx, func(_ []byte, row *Row) error { return fn(row) })
}

func (s *Store) forEachKeyed(ctx context.Context, fn func([]byte, *Row) error) error {
	start := []byte(keyPrefix)
	end := []byte(keyPrefix + "\xff")
	iter, err := s.db.Iterator(ctx, start, end)
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.Next() {
		var row Row
		if err := decodeRow(iter.Value(), &row); err != nil {
			return fmt.Errorf("decode idempotency row %q: %w", iter.Key(), err)
		}
		if err := fn(iter.Key(), &row); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (s *Store) read(ctx context.Context, key []byte) (*Row, error) {
	value, err := s.db.Read(ctx, key)
	if err != nil {
		if errors.Is(err, kv.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var row Row
	if err := decodeRow(value, &row); err != nil {
		return nil, fmt.Errorf("decode idempotency row %q: %w", key, err)
	}
	return &row, nil
}

func (s *Store) write(ctx context.Context, key []byte, row *Row) error {
	value, err := encodeRow(row)
	if err != nil {
		return err
	}
	return s.db.Write(ctx, key, value)
}

func rowKey(tenant types.ID, key string) []byte {
	return []byte(keyPrefix + tenant.String() + "/" + key)
}

var msgpackHandle codec.MsgpackHandle

func encodeRow(row *Row) ([]byte, error) {
	var out []byte
	if err := codec.NewEncoderBytes(&out, &msgpackHandle).Encode(row); err != nil {
		return nil, fmt.Errorf("encode idempotency row: %w", err)
	}
	return out, nil
}

func decodeRow(data []byte, row *Row) error {
	return codec.NewDecoderBytes(data, &msgpackHandle).Decode(row)
}
