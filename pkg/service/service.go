// Copyright 2025 Certen Protocol
//
// Checkpoint Service: the thin coordinator exposing the two notification
// entry points the executor and consensus handler call into (spec section
// 4.5). Grounded on the teacher's main.go wiring and
// pkg/consensus/health_monitor.go's mutex-guarded notify pattern.

package service

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/certen/checkpoint-core/pkg/store"
	"github.com/certen/checkpoint-core/pkg/types"
)

// BuilderNotifiee is the subset of the Builder the service wakes.
type BuilderNotifiee interface {
	Notify()
}

// AggregatorNotifiee is the subset of the Aggregator the service wakes.
// The Aggregator's own 1s timeout makes this purely an optimization (spec
// 4.3, "wakes on notification ... or a 1s timeout"), so a no-op
// implementation is a valid choice too.
type AggregatorNotifiee interface {
	Notify()
}

// Service implements CheckpointServiceNotify.
type Service struct {
	store      *store.Store
	epochStore types.PerEpochStore
	builder    BuilderNotifiee
	aggregator AggregatorNotifiee
	logger     *log.Logger

	mu        sync.Mutex
	nextIndex uint64
}

// New creates a Checkpoint Service coordinator.
func New(st *store.Store, epochStore types.PerEpochStore, builder BuilderNotifiee, aggregator AggregatorNotifiee, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.New(log.Writer(), "[CheckpointService] ", log.LstdFlags)
	}
	return &Service{
		store:      st,
		epochStore: epochStore,
		builder:    builder,
		aggregator: aggregator,
		logger:     logger,
	}
}

// NotifyCheckpoint wakes the Builder. Idempotent.
func (s *Service) NotifyCheckpoint(_ context.Context, _ types.PendingCheckpoint) {
	if s.builder != nil {
		s.builder.Notify()
	}
}

// NotifyCheckpointSignature handles an incoming per-peer signature (spec
// 4.5): if the sequence is already certified, it is a no-op; otherwise it
// assigns a monotone per-process index under a mutex, persists
// (sequence, index) -> info, and wakes the Aggregator.
func (s *Service) NotifyCheckpointSignature(_ context.Context, info types.AuthoritySignature, seq types.SequenceNumber, stake uint64) error {
	latest, ok, err := s.store.GetLatestCertified()
	if err != nil {
		return fmt.Errorf("read highest_certified sequence: %w", err)
	}
	if ok && seq <= latest.SequenceNumber() {
		return nil // already certified; ignore per spec 4.5
	}

	s.mu.Lock()
	idx := s.nextIndex
	s.nextIndex++
	s.mu.Unlock()

	ps := types.PendingSignature{Sequence: seq, Index: idx, Info: info, Stake: stake}
	if err := s.persistPendingSignature(ps); err != nil {
		return fmt.Errorf("persist pending signature at (%d, %d): %w", seq, idx, err)
	}

	if s.aggregator != nil {
		s.aggregator.Notify()
	}
	return nil
}

// persistPendingSignature delegates to the per-epoch store, which owns the
// pending-signature table (spec section 6: this core only reads from the
// per-epoch store except for signature inserts and the built-checkpoint
// cursor). Production per-epoch stores implement PendingSignatureWriter;
// this narrow extension keeps the write path out of the read-only
// PerEpochStore contract.
func (s *Service) persistPendingSignature(ps types.PendingSignature) error {
	writer, ok := s.epochStore.(PendingSignatureWriter)
	if !ok {
		return fmt.Errorf("per-epoch store does not implement PendingSignatureWriter")
	}
	return writer.InsertPendingSignature(ps)
}

// PendingSignatureWriter is the narrow write capability NotifyCheckpointSignature
// needs from the per-epoch store, kept separate from the read-only
// PerEpochStore contract the Builder and Aggregator consume.
type PendingSignatureWriter interface {
	InsertPendingSignature(types.PendingSignature) error
}
