// Package kv defines the key-value backend shared by the raw event archive
// and the idempotency store. Backends are interchangeable; pebble is the
// default, leveldb an alternative, memory backs tests.
package kv

import (
	"context"
	"errors"
)

var (
	// ErrDBClosed is returned when operating on a closed database.
	ErrDBClosed = errors.New("kv database is closed")

	// ErrKeyNotFound is returned when a key does not exist.
	ErrKeyNotFound = errors.New("key not found")
)

// DB defines the basic operations any kv backend must support.
type DB interface {
	Read(ctx context.Context, key []byte) ([]byte, error)
	Write(ctx context.Context, key []byte, value []byte) error
	Delete(ctx context.Context, key []byte) error

	// Batch applies the operations atomically.
	Batch(ctx context.Context, ops []BatchOperation) error
	// Iterator traverses keys in [start, end). A nil start begins at the
	// first key; a nil end runs to the last.
	Iterator(ctx context.Context, start, end []byte) (Iterator, error)

	Close() error
}

// Iterator allows traversing kv entries in key order.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Error() error
	Close() error
}

// BatchOperation represents a single operation in a batch.
type BatchOperation struct {
	Type  BatchOpType
	Key   []byte
	Value []byte
}

type BatchOpType int

const (
	BatchPut BatchOpType = iota
	BatchDelete
)
