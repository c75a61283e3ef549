// Copyright 2025 Certen Protocol
//
// Unit tests for the Aggregator main loop (spec 4.3 scenarios S4 quorum
// certification and S5 fork/disagreement handling).

package aggregator

import (
	"context"
	"log"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/certen/checkpoint-core/pkg/bls"
	"github.com/certen/checkpoint-core/pkg/digest"
	"github.com/certen/checkpoint-core/pkg/kvdb"
	"github.com/certen/checkpoint-core/pkg/store"
	"github.com/certen/checkpoint-core/pkg/types"
)

type fakeEpochStore struct {
	pending map[types.SequenceNumber][]types.PendingSignature
}

func (f *fakeEpochStore) Epoch() types.EpochID { return 0 }
func (f *fakeEpochStore) IsTransactionIncluded(d digest.Digest) (types.SequenceNumber, bool) {
	return 0, false
}
func (f *fakeEpochStore) EffectsSignatureExists(d digest.Digest) bool        { return false }
func (f *fakeEpochStore) UserSignaturesFor(d digest.Digest) ([]byte, bool)  { return nil, false }
func (f *fakeEpochStore) ConsensusMessagesProcessedNotify(ctx context.Context, d digest.Digest) error {
	return nil
}
func (f *fakeEpochStore) LastBuiltCheckpointCommitHeight() (types.CommitHeight, bool) { return 0, false }
func (f *fakeEpochStore) SetLastBuiltCheckpointCommitHeight(types.CommitHeight) error { return nil }
func (f *fakeEpochStore) PendingCheckpoints(after types.CommitHeight) ([]types.PendingCheckpoint, error) {
	return nil, nil
}
func (f *fakeEpochStore) BuiltSummary(seq types.SequenceNumber) (*types.CheckpointSummary, bool) {
	return nil, false
}
func (f *fakeEpochStore) PendingSignatures(seq types.SequenceNumber, index uint64) ([]types.PendingSignature, error) {
	var out []types.PendingSignature
	for _, ps := range f.pending[seq] {
		if ps.Index >= index {
			out = append(out, ps)
		}
	}
	return out, nil
}

type fakeOutput struct {
	certified []*types.CertifiedCheckpointSummary
}

func (f *fakeOutput) CertifiedCheckpointCreated(ctx context.Context, cert *types.CertifiedCheckpointSummary) error {
	f.certified = append(f.certified, cert)
	return nil
}

type fakeForkObserver struct {
	disagreements      int
	quorumUnreachables int
}

func (f *fakeForkObserver) ObserveDisagreement(seq types.SequenceNumber, localDigest, remoteDigest digest.Digest, remoteAuthorities []string) {
	f.disagreements++
}
func (f *fakeForkObserver) ObserveQuorumUnreachable(seq types.SequenceNumber) {
	f.quorumUnreachables++
}

func signPendingSig(t *testing.T, sk *bls.PrivateKey, authority string, index uint64, seq types.SequenceNumber, d digest.Digest) types.PendingSignature {
	t.Helper()
	sig := sk.SignDigest(bls.DomainCheckpointSummary, [32]byte(d))
	return types.PendingSignature{
		Sequence: seq,
		Index:    index,
		Info:     types.AuthoritySignature{Authority: authority, SummaryDigest: d, Signature: sig.Bytes()},
	}
}

// ============================================================================
// S4: quorum certification
// ============================================================================

func TestTick_CertifiesOnMatchingQuorum(t *testing.T) {
	authorities, committee := newTestAuthorities(t, 25, 25, 25, 25)
	st := store.New(kvdb.NewMemKV(), log.New(log.Writer(), "[test] ", 0))

	summary := &types.CheckpointSummary{SequenceNumber: 0}
	contents := &types.CheckpointContents{}
	contentDigest, err := contents.Digest()
	require.NoError(t, err)
	summary.ContentDigest = contentDigest
	require.NoError(t, st.InsertLocalCheckpoint(summary, contents, contents))

	localDigest, err := summary.Digest()
	require.NoError(t, err)

	epochStore := &fakeEpochStore{pending: map[types.SequenceNumber][]types.PendingSignature{
		0: {
			signPendingSig(t, authorities[0].sk, authorities[0].name, 0, 0, localDigest),
			signPendingSig(t, authorities[1].sk, authorities[1].name, 1, 0, localDigest),
			signPendingSig(t, authorities[2].sk, authorities[2].name, 2, 0, localDigest),
		},
	}}
	output := &fakeOutput{}
	fork := &fakeForkObserver{}

	agg := New(epochStore, st, NewStaticCommitteeProvider(committee), output, fork, log.New(log.Writer(), "[test] ", 0))

	progressed, err := agg.tick()
	require.NoError(t, err)
	require.True(t, progressed)
	require.Len(t, output.certified, 1)
	require.Equal(t, types.SequenceNumber(0), output.certified[0].SequenceNumber())
	require.Equal(t, 0, fork.disagreements)

	cert, ok, err := st.GetCertifiedBySequence(0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, cert.SignedAuthorities, 3)
}

func TestTick_NoProgressWhenLocalSummaryMissing(t *testing.T) {
	_, committee := newTestAuthorities(t, 100)
	st := store.New(kvdb.NewMemKV(), log.New(log.Writer(), "[test] ", 0))
	epochStore := &fakeEpochStore{pending: map[types.SequenceNumber][]types.PendingSignature{}}

	agg := New(epochStore, st, NewStaticCommitteeProvider(committee), &fakeOutput{}, &fakeForkObserver{}, log.New(log.Writer(), "[test] ", 0))

	progressed, err := agg.tick()
	require.NoError(t, err)
	require.False(t, progressed, "Builder has not produced sequence 0 yet")
}

// ============================================================================
// S5: disagreement / fork handling
// ============================================================================

func TestTick_DisagreementHaltsAdvancementAndNotifiesForkObserver(t *testing.T) {
	authorities, committee := newTestAuthorities(t, 25, 25, 25, 25)
	st := store.New(kvdb.NewMemKV(), log.New(log.Writer(), "[test] ", 0))

	localSummary := &types.CheckpointSummary{SequenceNumber: 0}
	contents := &types.CheckpointContents{}
	contentDigest, err := contents.Digest()
	require.NoError(t, err)
	localSummary.ContentDigest = contentDigest
	require.NoError(t, st.InsertLocalCheckpoint(localSummary, contents, contents))

	// A different summary (e.g. built by a different validator) at the same
	// sequence, with its own distinct digest.
	remoteSummary := &types.CheckpointSummary{SequenceNumber: 0, NetworkTotalTransactions: 999}
	remoteDigest, err := remoteSummary.Digest()
	require.NoError(t, err)

	epochStore := &fakeEpochStore{pending: map[types.SequenceNumber][]types.PendingSignature{
		0: {
			signPendingSig(t, authorities[0].sk, authorities[0].name, 0, 0, remoteDigest),
			signPendingSig(t, authorities[1].sk, authorities[1].name, 1, 0, remoteDigest),
			signPendingSig(t, authorities[2].sk, authorities[2].name, 2, 0, remoteDigest),
		},
	}}
	output := &fakeOutput{}
	fork := &fakeForkObserver{}

	agg := New(epochStore, st, NewStaticCommitteeProvider(committee), output, fork, log.New(log.Writer(), "[test] ", 0))

	progressed, err := agg.tick()
	require.NoError(t, err)
	require.False(t, progressed)
	require.Empty(t, output.certified, "must not certify a digest that disagrees with the local summary")
	require.Equal(t, 1, fork.disagreements)
}
