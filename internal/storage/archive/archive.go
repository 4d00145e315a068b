// Package archive implements the raw event archive: an append-only store
// for the exact bytes a PSP delivered, addressed by a durable ref. Refs
// follow the layout raw-events/{tenant}/{yyyy/mm/dd}/{uuid}; settlement
// files use settlements/{tenant}/{yyyy/mm/dd}/{uuid}_{filename}. Payloads
// above a threshold are lz4-compressed on disk.
package archive

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/pierrec/lz4"

	"github.com/settleline/recond/internal/storage/kv"
	"github.com/settleline/recond/internal/types"
)

const (
	// payloads smaller than this are stored uncompressed; the lz4 block
	// header would cost more than it saves.
	minCompressionSize = 128

	// value layout: 1 flag byte + 4 byte original length + data.
	headerSize = 5
)

var (
	// ErrNotFound is returned when no payload exists for a ref.
	ErrNotFound = errors.New("archive ref not found")

	// ErrCorrupt is returned when a stored payload fails to decode.
	ErrCorrupt = errors.New("archived payload is corrupt")
)

// Store is the raw event archive over a kv backend.
type Store struct {
	db       kv.DB
	compress bool
	newID    func() types.ID
}

// Option configures a Store.
type Option func(*Store)

// WithoutCompression disables lz4 compression; payloads are stored verbatim.
func WithoutCompression() Option {
	return func(s *Store) { s.compress = false }
}

// New builds an archive over the given kv backend.
func New(db kv.DB, opts ...Option) *Store {
	s := &Store{db: db, compress: true, newID: types.NewID}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PutRaw archives a webhook payload and returns its durable ref.
func (s *Store) PutRaw(ctx context.Context, tenant types.ID, receivedAt time.Time, payload []byte) (string, error) {
	ref := fmt.Sprintf("raw-events/%s/%s/%s",
		tenant, receivedAt.UTC().Format("2006/01/02"), s.newID())
	if err := s.put(ctx, ref, payload); err != nil {
		return "", err
	}
	return ref, nil
}

// PutSettlementFile archives a settlement statement file and returns its
// durable ref. The original filename is kept in the ref for operators.
func (s *Store) PutSettlementFile(ctx context.Context, tenant types.ID, receivedAt time.Time, filename string, payload []byte) (string, error) {
	ref := fmt.Sprintf("settlements/%s/%s/%s_%s",
		tenant, receivedAt.UTC().Format("2006/01/02"), s.newID(), filename)
	if err := s.put(ctx, ref, payload); err != nil {
		return "", err
	}
	return ref, nil
}

// Get returns the original bytes stored under a ref.
func (s *Store) Get(ctx context.Context, ref string) ([]byte, error) {
	value, err := s.db.Read(ctx, []byte(ref))
	if err != nil {
		if errors.Is(err, kv.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, fmt.Errorf("archive read %s: %w", ref, err)
	}
	return decode(value)
}

// Close closes the underlying backend.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) put(ctx context.Context, ref string, payload []byte) error {
	value := encode(payload, s.compress)
	if err := s.db.Write(ctx, []byte(ref), value); err != nil {
		return fmt.Errorf("archive write %s: %w", ref, err)
	}
	return nil
}

func encode(payload []byte, compress bool) []byte {
	if compress && len(payload) > minCompressionSize {
		bound := lz4.CompressBlockBound(len(payload))
		compressed := make([]byte, headerSize+bound)
		n, err := lz4.CompressBlock(payload, compressed[headerSize:], nil)
		// An incompressible block (n == 0) falls through to verbatim storage.
		if err == nil && n > 0 && n < len(payload) {
			compressed[0] = 1
			binary.LittleEndian.PutUint32(compressed[1:headerSize], uint32(len(payload)))
			return compressed[:headerSize+n]
		}
	}
	value := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint32(value[1:headerSize], uint32(len(payload)))
	copy(value[headerSize:], payload)
	return value
}

func decode(value []byte) ([]byte, error) {
	if len(value) < headerSize {
		return nil, ErrCorrupt
	}
	origLen := int(binary.LittleEndian.Uint32(value[1:headerSize]))
	data := value[headerSize:]

	if value[0] == 0 {
		if len(data) != origLen {
			return nil, ErrCorrupt
		}
		out := make([]byte, origLen)
		copy(out, data)
		return out, nil
	}

	out := make([]byte, origLen)
	n, err := lz4.UncompressBlock(data, out)
	if err != nil || n != origLen {
		return nil, ErrCorrupt
	}
	return out, nil
}
