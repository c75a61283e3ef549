// Copyright 2025 Certen Protocol
//
// EpochStore is a KV-backed reference implementation of
// types.PerEpochStore plus the narrow PendingSignatureWriter write
// capability the Checkpoint Service needs (spec section 6: "the per-epoch
// store is shared with the executor and consensus handler; this core only
// reads from it except for signature inserts and the built-checkpoint
// cursor"). Production deployments typically point this interface at the
// executor's own per-epoch store instead; this implementation lets the
// checkpoint core run standalone and gives the test suite a single,
// consistent fake. Grounded on pkg/ledger/store.go's KV-JSON pattern and
// pkg/database/repository_consensus.go's narrow per-concern repository
// style.

package epochstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/certen/checkpoint-core/pkg/digest"
	"github.com/certen/checkpoint-core/pkg/kvdb"
	"github.com/certen/checkpoint-core/pkg/types"
)

var (
	prefixIncluded          = []byte("epoch:included:")
	prefixEffectsSig        = []byte("epoch:effects_sig:")
	prefixUserSig           = []byte("epoch:user_sig:")
	prefixPendingCheckpoint = []byte("epoch:pending_checkpoint:")
	prefixBuiltSummary      = []byte("epoch:built_summary:")
	prefixPendingSignature  = []byte("epoch:pending_signature:")
	keyLastBuiltHeight      = []byte("epoch:last_built_height")
)

// EpochStore is a single-epoch, KV-backed PerEpochStore implementation.
type EpochStore struct {
	kv    kvdb.KV
	epoch types.EpochID

	mu       sync.Mutex
	waiters  map[digest.Digest][]chan struct{}
}

// New creates an EpochStore scoped to one epoch.
func New(kv kvdb.KV, epoch types.EpochID) *EpochStore {
	return &EpochStore{kv: kv, epoch: epoch, waiters: make(map[digest.Digest][]chan struct{})}
}

// Epoch implements types.PerEpochStore.
func (s *EpochStore) Epoch() types.EpochID { return s.epoch }

// MarkIncluded records that d was checkpointed at seq, consulted by the
// Builder's effect closure (spec 4.2 step 2) to avoid re-including
// already-checkpointed transactions.
func (s *EpochStore) MarkIncluded(d digest.Digest, seq types.SequenceNumber) error {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return s.kv.Set(append(append([]byte{}, prefixIncluded...), d[:]...), b)
}

// IsTransactionIncluded implements types.PerEpochStore.
func (s *EpochStore) IsTransactionIncluded(d digest.Digest) (types.SequenceNumber, bool) {
	b, err := s.kv.Get(append(append([]byte{}, prefixIncluded...), d[:]...))
	if err != nil || len(b) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(b), true
}

// MarkEffectsSignatureExists records that d's effects were signed/certified
// this epoch, the condition gating dependency traversal in the Builder's
// effect closure.
func (s *EpochStore) MarkEffectsSignatureExists(d digest.Digest) error {
	return s.kv.Set(append(append([]byte{}, prefixEffectsSig...), d[:]...), []byte{1})
}

// EffectsSignatureExists implements types.PerEpochStore.
func (s *EpochStore) EffectsSignatureExists(d digest.Digest) bool {
	b, err := s.kv.Get(append(append([]byte{}, prefixEffectsSig...), d[:]...))
	return err == nil && len(b) > 0
}

// SetUserSignature records a user's signature for a transaction digest.
func (s *EpochStore) SetUserSignature(d digest.Digest, sig []byte) error {
	return s.kv.Set(append(append([]byte{}, prefixUserSig...), d[:]...), sig)
}

// UserSignaturesFor implements types.PerEpochStore.
func (s *EpochStore) UserSignaturesFor(d digest.Digest) ([]byte, bool) {
	b, err := s.kv.Get(append(append([]byte{}, prefixUserSig...), d[:]...))
	if err != nil || len(b) == 0 {
		return nil, false
	}
	return b, true
}

// ConsensusMessagesProcessedNotify implements types.PerEpochStore. It
// returns once d has been marked by MarkConsensusMessageProcessed, or when
// ctx is done; a digest that is never marked blocks until then.
func (s *EpochStore) ConsensusMessagesProcessedNotify(ctx context.Context, d digest.Digest) error {
	s.mu.Lock()
	ch := make(chan struct{})
	s.waiters[d] = append(s.waiters[d], ch)
	s.mu.Unlock()

	if s.consensusProcessed(d) {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

func (s *EpochStore) consensusProcessed(d digest.Digest) bool {
	b, err := s.kv.Get(append(append([]byte{}, []byte("epoch:consensus_processed:")...), d[:]...))
	return err == nil && len(b) > 0
}

// MarkConsensusMessageProcessed satisfies any waiter blocked on d.
func (s *EpochStore) MarkConsensusMessageProcessed(d digest.Digest) error {
	if err := s.kv.Set(append(append([]byte{}, []byte("epoch:consensus_processed:")...), d[:]...), []byte{1}); err != nil {
		return err
	}
	s.mu.Lock()
	waiters := s.waiters[d]
	delete(s.waiters, d)
	s.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
	return nil
}

// LastBuiltCheckpointCommitHeight implements types.PerEpochStore.
func (s *EpochStore) LastBuiltCheckpointCommitHeight() (types.CommitHeight, bool) {
	b, err := s.kv.Get(keyLastBuiltHeight)
	if err != nil || len(b) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(b), true
}

// SetLastBuiltCheckpointCommitHeight implements types.PerEpochStore.
func (s *EpochStore) SetLastBuiltCheckpointCommitHeight(h types.CommitHeight) error {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, h)
	return s.kv.Set(keyLastBuiltHeight, b)
}

// AddPendingCheckpoint enqueues a pending checkpoint, the consensus
// handler's side of the durable per-epoch pending queue (spec 4.2, Input).
func (s *EpochStore) AddPendingCheckpoint(pc types.PendingCheckpoint) error {
	raw, err := json.Marshal(pc)
	if err != nil {
		return err
	}
	key := make([]byte, len(prefixPendingCheckpoint)+8)
	copy(key, prefixPendingCheckpoint)
	binary.BigEndian.PutUint64(key[len(prefixPendingCheckpoint):], pc.CommitHeight)
	return s.kv.Set(key, raw)
}

// PendingCheckpoints implements types.PerEpochStore.
func (s *EpochStore) PendingCheckpoints(after types.CommitHeight) ([]types.PendingCheckpoint, error) {
	it, err := s.kv.Iterator(prefixPendingCheckpoint, prefixUpperBound(prefixPendingCheckpoint))
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []types.PendingCheckpoint
	for ; it.Valid(); it.Next() {
		var pc types.PendingCheckpoint
		if err := json.Unmarshal(it.Value(), &pc); err != nil {
			return nil, fmt.Errorf("unmarshal pending checkpoint: %w", err)
		}
		if pc.CommitHeight > after {
			out = append(out, pc)
		}
	}
	return out, nil
}

// BuiltSummary implements types.PerEpochStore. It reads back the summaries
// this store was given through CacheBuiltSummary; it does not consult the
// Checkpoint Store's local-summary table.
func (s *EpochStore) BuiltSummary(seq types.SequenceNumber) (*types.CheckpointSummary, bool) {
	key := make([]byte, len(prefixBuiltSummary)+8)
	copy(key, prefixBuiltSummary)
	binary.BigEndian.PutUint64(key[len(prefixBuiltSummary):], seq)
	b, err := s.kv.Get(key)
	if err != nil || len(b) == 0 {
		return nil, false
	}
	var v types.CheckpointSummary
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, false
	}
	return &v, true
}

// CacheBuiltSummary mirrors a Builder-produced summary into this store, for
// deployments where BuiltSummary must be served without a Checkpoint Store
// handle.
func (s *EpochStore) CacheBuiltSummary(summary *types.CheckpointSummary) error {
	raw, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	key := make([]byte, len(prefixBuiltSummary)+8)
	copy(key, prefixBuiltSummary)
	binary.BigEndian.PutUint64(key[len(prefixBuiltSummary):], summary.SequenceNumber)
	return s.kv.Set(key, raw)
}

// InsertPendingSignature implements service.PendingSignatureWriter.
func (s *EpochStore) InsertPendingSignature(ps types.PendingSignature) error {
	raw, err := json.Marshal(ps)
	if err != nil {
		return err
	}
	key := pendingSignatureKey(ps.Sequence, ps.Index)
	return s.kv.Set(key, raw)
}

// PendingSignatures implements types.PerEpochStore.
func (s *EpochStore) PendingSignatures(seq types.SequenceNumber, index uint64) ([]types.PendingSignature, error) {
	start := pendingSignatureKey(seq, index)
	end := pendingSignatureKey(seq, ^uint64(0))
	it, err := s.kv.Iterator(start, append(end, 0xff))
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []types.PendingSignature
	for ; it.Valid(); it.Next() {
		var ps types.PendingSignature
		if err := json.Unmarshal(it.Value(), &ps); err != nil {
			return nil, fmt.Errorf("unmarshal pending signature: %w", err)
		}
		if ps.Sequence != seq {
			continue
		}
		out = append(out, ps)
	}
	return out, nil
}

func pendingSignatureKey(seq types.SequenceNumber, index uint64) []byte {
	key := make([]byte, len(prefixPendingSignature)+16)
	copy(key, prefixPendingSignature)
	binary.BigEndian.PutUint64(key[len(prefixPendingSignature):], seq)
	binary.BigEndian.PutUint64(key[len(prefixPendingSignature)+8:], index)
	return key
}

func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}
