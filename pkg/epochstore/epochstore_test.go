// Copyright 2025 Certen Protocol
//
// Unit tests for the KV-backed PerEpochStore reference implementation:
// inclusion/effects-signature marking, the consensus-processed waiter,
// pending checkpoint iteration, and pending signature ordering.

package epochstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/certen/checkpoint-core/pkg/digest"
	"github.com/certen/checkpoint-core/pkg/kvdb"
	"github.com/certen/checkpoint-core/pkg/types"
)

func newTestEpochStore(t *testing.T) *EpochStore {
	t.Helper()
	return New(kvdb.NewMemKV(), 0)
}

func TestIsTransactionIncluded_RoundTrip(t *testing.T) {
	s := newTestEpochStore(t)
	d := digest.FromBytes([]byte("tx-1"))

	_, ok := s.IsTransactionIncluded(d)
	require.False(t, ok)

	require.NoError(t, s.MarkIncluded(d, 5))
	seq, ok := s.IsTransactionIncluded(d)
	require.True(t, ok)
	require.Equal(t, types.SequenceNumber(5), seq)
}

func TestEffectsSignatureExists_RoundTrip(t *testing.T) {
	s := newTestEpochStore(t)
	d := digest.FromBytes([]byte("tx-1"))

	require.False(t, s.EffectsSignatureExists(d))
	require.NoError(t, s.MarkEffectsSignatureExists(d))
	require.True(t, s.EffectsSignatureExists(d))
}

func TestUserSignaturesFor_RoundTrip(t *testing.T) {
	s := newTestEpochStore(t)
	d := digest.FromBytes([]byte("tx-1"))

	_, ok := s.UserSignaturesFor(d)
	require.False(t, ok)

	require.NoError(t, s.SetUserSignature(d, []byte("sig-bytes")))
	sig, ok := s.UserSignaturesFor(d)
	require.True(t, ok)
	require.Equal(t, []byte("sig-bytes"), sig)
}

// ============================================================================
// Consensus-processed waiter
// ============================================================================

func TestConsensusMessagesProcessedNotify_ReturnsImmediatelyIfAlreadyProcessed(t *testing.T) {
	s := newTestEpochStore(t)
	d := digest.FromBytes([]byte("tx-1"))
	require.NoError(t, s.MarkConsensusMessageProcessed(d))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, s.ConsensusMessagesProcessedNotify(ctx, d))
}

func TestConsensusMessagesProcessedNotify_WakesOnMark(t *testing.T) {
	s := newTestEpochStore(t)
	d := digest.FromBytes([]byte("tx-1"))

	var wg sync.WaitGroup
	wg.Add(1)
	var notifyErr error
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		notifyErr = s.ConsensusMessagesProcessedNotify(ctx, d)
	}()

	require.NoError(t, s.MarkConsensusMessageProcessed(d))
	wg.Wait()
	require.NoError(t, notifyErr)
}

func TestConsensusMessagesProcessedNotify_HonorsContextCancellation(t *testing.T) {
	s := newTestEpochStore(t)
	d := digest.FromBytes([]byte("tx-never-processed"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, s.ConsensusMessagesProcessedNotify(ctx, d), context.Canceled)
}

// ============================================================================
// Pending checkpoints
// ============================================================================

func TestPendingCheckpoints_ReturnsOnlyThoseAfterCursor(t *testing.T) {
	s := newTestEpochStore(t)
	for _, h := range []types.CommitHeight{1, 2, 3} {
		require.NoError(t, s.AddPendingCheckpoint(types.PendingCheckpoint{CommitHeight: h}))
	}

	out, err := s.PendingCheckpoints(1)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, types.CommitHeight(2), out[0].CommitHeight)
	require.Equal(t, types.CommitHeight(3), out[1].CommitHeight)
}

// ============================================================================
// Built summary cache
// ============================================================================

func TestCacheBuiltSummary_RoundTrip(t *testing.T) {
	s := newTestEpochStore(t)
	_, ok := s.BuiltSummary(4)
	require.False(t, ok)

	summary := &types.CheckpointSummary{SequenceNumber: 4, Epoch: 0}
	require.NoError(t, s.CacheBuiltSummary(summary))

	got, ok := s.BuiltSummary(4)
	require.True(t, ok)
	require.Equal(t, summary.SequenceNumber, got.SequenceNumber)
}

// ============================================================================
// Pending signatures: the Aggregator's drain cursor (spec 4.3 step 4)
// ============================================================================

func TestPendingSignatures_OrderedByIndexWithinSequence(t *testing.T) {
	s := newTestEpochStore(t)
	for i := uint64(0); i < 5; i++ {
		require.NoError(t, s.InsertPendingSignature(types.PendingSignature{
			Sequence: 2,
			Index:    i,
			Info:     types.AuthoritySignature{Authority: string(rune('A' + i))},
		}))
	}
	// Noise at a different sequence must never leak into sequence 2's drain.
	require.NoError(t, s.InsertPendingSignature(types.PendingSignature{Sequence: 3, Index: 0}))

	out, err := s.PendingSignatures(2, 2)
	require.NoError(t, err)
	require.Len(t, out, 3)
	for i, ps := range out {
		require.Equal(t, uint64(i)+2, ps.Index)
		require.Equal(t, types.SequenceNumber(2), ps.Sequence)
	}
}

func TestPendingSignatures_EmptyWhenNoneAtOrAboveIndex(t *testing.T) {
	s := newTestEpochStore(t)
	require.NoError(t, s.InsertPendingSignature(types.PendingSignature{Sequence: 0, Index: 0}))

	out, err := s.PendingSignatures(0, 1)
	require.NoError(t, err)
	require.Empty(t, out)
}
