// Copyright 2025 Certen Protocol
//
// Unit tests for the Checkpoint Store.
// Tests table consistency, watermark invariants, and the self-fork check.

package store

import (
	"log"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/certen/checkpoint-core/pkg/kvdb"
	"github.com/certen/checkpoint-core/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(kvdb.NewMemKV(), log.New(log.Writer(), "[test] ", 0))
}

func summaryAt(seq types.SequenceNumber) (*types.CheckpointSummary, *types.CheckpointContents) {
	contents := &types.CheckpointContents{Transactions: nil, UserSignatures: nil}
	contentDigest, _ := contents.Digest()
	return &types.CheckpointSummary{
		Epoch:          0,
		SequenceNumber: seq,
		ContentDigest:  contentDigest,
	}, contents
}

// ============================================================================
// Local / certified checkpoint round-trips
// ============================================================================

func TestInsertLocalCheckpoint_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	summary, contents := summaryAt(0)

	require.NoError(t, s.InsertLocalCheckpoint(summary, contents, contents))

	got, ok, err := s.GetLocalSummary(0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, summary.ContentDigest, got.ContentDigest)

	gotContents, ok, err := s.GetContentsByDigest(summary.ContentDigest)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, contents, gotContents)
}

func TestGetLatestLocalSummary_ReturnsHighestSequence(t *testing.T) {
	s := newTestStore(t)

	_, ok, err := s.GetLatestLocalSummary()
	require.NoError(t, err)
	require.False(t, ok, "empty store has no latest local summary")

	for seq := types.SequenceNumber(0); seq < 3; seq++ {
		summary, contents := summaryAt(seq)
		require.NoError(t, s.InsertLocalCheckpoint(summary, contents, contents))
	}

	latest, ok, err := s.GetLatestLocalSummary()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, types.SequenceNumber(2), latest.SequenceNumber)
}

func TestInsertCertifiedCheckpoint_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	summary, _ := summaryAt(0)
	cert := &types.CertifiedCheckpointSummary{Summary: *summary, SignedAuthorities: []string{"a", "b"}}

	require.NoError(t, s.InsertCertifiedCheckpoint(cert))

	bySeq, ok, err := s.GetCertifiedBySequence(0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, cert.SignedAuthorities, bySeq.SignedAuthorities)

	certDigest, err := cert.Digest()
	require.NoError(t, err)
	byDigest, ok, err := s.GetCertifiedByDigest(certDigest)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, cert.SignedAuthorities, byDigest.SignedAuthorities)
}

func TestGetLatestCertified_ReturnsHighestSequence(t *testing.T) {
	s := newTestStore(t)
	for seq := types.SequenceNumber(0); seq < 3; seq++ {
		summary, _ := summaryAt(seq)
		require.NoError(t, s.InsertCertifiedCheckpoint(&types.CertifiedCheckpointSummary{Summary: *summary}))
	}
	latest, ok, err := s.GetLatestCertified()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, types.SequenceNumber(2), latest.SequenceNumber())
}

// ============================================================================
// Self-fork invariant (I6)
// ============================================================================

func TestSelfFork_MatchingDigestsDoNotPanic(t *testing.T) {
	s := newTestStore(t)
	summary, contents := summaryAt(0)
	require.NoError(t, s.InsertCertifiedCheckpoint(&types.CertifiedCheckpointSummary{Summary: *summary}))
	require.NotPanics(t, func() {
		require.NoError(t, s.InsertLocalCheckpoint(summary, contents, contents))
	})
}

func TestSelfFork_MismatchedDigestsPanic(t *testing.T) {
	s := newTestStore(t)
	local, contents := summaryAt(0)

	certified, _ := summaryAt(0)
	certified.NetworkTotalTransactions = 999 // forces a different digest at the same sequence

	require.NoError(t, s.InsertCertifiedCheckpoint(&types.CertifiedCheckpointSummary{Summary: *certified}))
	require.Panics(t, func() {
		_ = s.InsertLocalCheckpoint(local, contents, contents)
	})
}

// ============================================================================
// Watermark invariants (I5)
// ============================================================================

func TestUpdateHighestExecuted_RejectsNonUnitAdvance(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpdateHighestExecuted(types.Watermark{Sequence: 0}))
	require.ErrorIs(t, s.UpdateHighestExecuted(types.Watermark{Sequence: 2}), ErrNonUnitAdvance)
	require.NoError(t, s.UpdateHighestExecuted(types.Watermark{Sequence: 1}))
}

func TestUpdateHighestSynced_RejectsExceedingVerified(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertVerifiedCheckpoint(&types.CertifiedCheckpointSummary{Summary: types.CheckpointSummary{SequenceNumber: 1}}))
	require.ErrorIs(t, s.UpdateHighestSynced(types.Watermark{Sequence: 2}), ErrWatermarkRegression)
	require.NoError(t, s.UpdateHighestSynced(types.Watermark{Sequence: 1}))
}

func TestUpdateHighestPruned_RejectsExceedingExecuted(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpdateHighestExecuted(types.Watermark{Sequence: 0}))
	require.ErrorIs(t, s.UpdateHighestPruned(types.Watermark{Sequence: 1}), ErrWatermarkRegression)
	require.NoError(t, s.UpdateHighestPruned(types.Watermark{Sequence: 0}))
}

func TestBumpWatermarkIfHigher_IgnoresLowerOrEqual(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.bumpWatermarkIfHigher(types.HighestSynced, types.Watermark{Sequence: 5}))
	require.NoError(t, s.bumpWatermarkIfHigher(types.HighestSynced, types.Watermark{Sequence: 3}))
	wm, ok, err := s.GetWatermark(types.HighestSynced)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, types.SequenceNumber(5), wm.Sequence)
}

// ============================================================================
// Builder / Aggregator cursors
// ============================================================================

func TestBuilderAndAggregatorCursors_RoundTrip(t *testing.T) {
	s := newTestStore(t)

	_, ok, err := s.GetBuilderLastProcessedHeight(0)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.SetBuilderLastProcessedHeight(0, 7))
	height, ok, err := s.GetBuilderLastProcessedHeight(0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, types.CommitHeight(7), height)

	require.NoError(t, s.SetAggregatorNextIndex(3, 2))
	next, ok, err := s.GetAggregatorNextIndex(3)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(2), next)
}
