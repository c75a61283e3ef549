// Copyright 2025 Certen Protocol
//
// In-memory KV used by tests in place of a live cometbft-db instance, the
// same substitution the teacher's tests make for Postgres (testify assertions
// over an in-memory stand-in rather than a live database connection).

package kvdb

import (
	"bytes"
	"sort"
	"sync"
)

// MemKV is a mutex-guarded in-memory implementation of KV.
type MemKV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemKV creates an empty in-memory KV store.
func NewMemKV() *MemKV {
	return &MemKV{data: make(map[string][]byte)}
}

func (m *MemKV) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[string(key)]
	if !ok {
		return nil, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

func (m *MemKV) Set(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	m.data[string(key)] = cp
	return nil
}

func (m *MemKV) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, string(key))
	return nil
}

func (m *MemKV) sortedKeys(start, end []byte) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		kb := []byte(k)
		if start != nil && bytes.Compare(kb, start) < 0 {
			continue
		}
		if end != nil && bytes.Compare(kb, end) >= 0 {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *MemKV) Iterator(start, end []byte) (Iterator, error) {
	return &memIterator{kv: m, keys: m.sortedKeys(start, end)}, nil
}

func (m *MemKV) ReverseIterator(start, end []byte) (Iterator, error) {
	keys := m.sortedKeys(start, end)
	for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
		keys[i], keys[j] = keys[j], keys[i]
	}
	return &memIterator{kv: m, keys: keys}, nil
}

func (m *MemKV) NewBatch() Batch {
	return &memBatch{kv: m}
}

func (m *MemKV) Close() error { return nil }

type memIterator struct {
	kv   *MemKV
	keys []string
	pos  int
}

func (it *memIterator) Valid() bool { return it.pos < len(it.keys) }
func (it *memIterator) Next()       { it.pos++ }
func (it *memIterator) Key() []byte { return []byte(it.keys[it.pos]) }
func (it *memIterator) Value() []byte {
	v, _ := it.kv.Get([]byte(it.keys[it.pos]))
	return v
}
func (it *memIterator) Close() error { return nil }

type memOp struct {
	key     []byte
	value   []byte
	deleted bool
}

// memBatch buffers operations and applies them all at once on WriteSync,
// matching the atomicity the production cometbft-db batch gives the store.
type memBatch struct {
	kv  *MemKV
	ops []memOp
}

func (b *memBatch) Set(key, value []byte) error {
	b.ops = append(b.ops, memOp{key: key, value: value})
	return nil
}

func (b *memBatch) Delete(key []byte) error {
	b.ops = append(b.ops, memOp{key: key, deleted: true})
	return nil
}

func (b *memBatch) WriteSync() error {
	for _, op := range b.ops {
		if op.deleted {
			_ = b.kv.Delete(op.key)
		} else {
			_ = b.kv.Set(op.key, op.value)
		}
	}
	return nil
}

func (b *memBatch) Close() error {
	b.ops = nil
	return nil
}
