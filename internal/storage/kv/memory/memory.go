// Package memory implements the kv backend over an in-process ordered map.
package memory

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/settleline/recond/internal/storage/kv"
)

type DB struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

// New creates an empty in-memory kv database.
func New() *DB {
	return &DB{data: make(map[string][]byte)}
}

func (m *DB) Read(ctx context.Context, key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, kv.ErrDBClosed
	}
	val, ok := m.data[string(key)]
	if !ok {
		return nil, kv.ErrKeyNotFound
	}
	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

func (m *DB) Write(ctx context.Context, key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return kv.ErrDBClosed
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	m.data[string(key)] = stored
	return nil
}

func (m *DB) Delete(ctx context.Context, key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return kv.ErrDBClosed
	}
	delete(m.data, string(key))
	return nil
}

func (m *DB) Batch(ctx context.Context, ops []kv.BatchOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return kv.ErrDBClosed
	}
	for _, op := range ops {
		switch op.Type {
		case kv.BatchPut:
			stored := make([]byte, len(op.Value))
			copy(stored, op.Value)
			m.data[string(op.Key)] = stored
		case kv.BatchDelete:
			delete(m.data, string(op.Key))
		}
	}
	return nil
}

func (m *DB) Iterator(ctx context.Context, start, end []byte) (kv.Iterator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, kv.ErrDBClosed
	}

	var keys []string
	for key := range m.data {
		kb := []byte(key)
		if start != nil && bytes.Compare(kb, start) < 0 {
			continue
		}
		if end != nil && bytes.Compare(kb, end) >= 0 {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	entries := make([]entry, len(keys))
	for i, key := range keys {
		val := m.data[key]
		valCopy := make([]byte, len(val))
		copy(valCopy, val)
		entries[i] = entry{key: []byte(key), value: valCopy}
	}
	return &Iterator{entries: entries, pos: -1}, nil
}

func (m *DB) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type entry struct {
	key, value []byte
}

type Iterator struct {
	entries []entry
	pos     int
}

func (it *Iterator) Next() bool {
	if it.pos+1 >= len(it.entries) {
		return false
	}
	it.pos++
	return true
}

func (it *Iterator) Key() []byte {
	return it.entries[it.pos].key
}

func (it *Iterator) Value() []byte {
	return it.entries[it.pos].value
}

func (it *Iterator) Error() error {
	return nil
}

func (it *Iterator) Close() error {
	return nil
}
