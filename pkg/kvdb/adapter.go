// Copyright 2025 Certen Protocol
//
// KV adapter for CometBFT database integration. Wraps CometBFT's dbm.DB
// interface to implement the narrow KV surface the checkpoint store needs,
// and exposes atomic write batches for the store's multi-table mutations
// (spec section 4.1 contract).

package kvdb

import (
	dbm "github.com/cometbft/cometbft-db"
)

// KV is the minimal read/write surface the checkpoint store depends on.
type KV interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	Iterator(start, end []byte) (Iterator, error)
	ReverseIterator(start, end []byte) (Iterator, error)
	NewBatch() Batch
	Close() error
}

// Iterator walks a key range in order.
type Iterator interface {
	Valid() bool
	Next()
	Key() []byte
	Value() []byte
	Close() error
}

// Batch groups mutations so a crash mid-update leaves the store in a prior
// consistent state (the invariants of spec section 3 depend on this
// atomicity for multi-table writes).
type Batch interface {
	Set(key, value []byte) error
	Delete(key []byte) error
	WriteSync() error
	Close() error
}

// Adapter wraps a CometBFT dbm.DB and exposes the KV interface above.
type Adapter struct {
	db dbm.DB
}

// New creates a new Adapter for the given underlying DB.
func New(db dbm.DB) *Adapter {
	return &Adapter{db: db}
}

func (a *Adapter) Get(key []byte) ([]byte, error) {
	return a.db.Get(key)
}

func (a *Adapter) Set(key, value []byte) error {
	return a.db.SetSync(key, value)
}

func (a *Adapter) Delete(key []byte) error {
	return a.db.DeleteSync(key)
}

func (a *Adapter) Iterator(start, end []byte) (Iterator, error) {
	return a.db.Iterator(start, end)
}

func (a *Adapter) ReverseIterator(start, end []byte) (Iterator, error) {
	return a.db.ReverseIterator(start, end)
}

func (a *Adapter) NewBatch() Batch {
	return &batchAdapter{b: a.db.NewBatch()}
}

func (a *Adapter) Close() error {
	return a.db.Close()
}

type batchAdapter struct {
	b dbm.Batch
}

func (b *batchAdapter) Set(key, value []byte) error { return b.b.Set(key, value) }
func (b *batchAdapter) Delete(key []byte) error      { return b.b.Delete(key) }
func (b *batchAdapter) WriteSync() error             { return b.b.WriteSync() }
func (b *batchAdapter) Close() error                 { return b.b.Close() }
