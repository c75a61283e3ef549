// Copyright 2025 Certen Protocol
//
// Unit tests for the stake-weighted multi-digest aggregator
// (spec 4.3 scenarios S4 quorum and split-brain detection).

package aggregator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/certen/checkpoint-core/pkg/bls"
	"github.com/certen/checkpoint-core/pkg/digest"
)

type testAuthority struct {
	name string
	sk   *bls.PrivateKey
	pk   *bls.PublicKey
	stake uint64
}

func newTestAuthorities(t *testing.T, stakes ...uint64) ([]testAuthority, Committee) {
	t.Helper()
	committee := Committee{Stake: make(map[string]uint64), PublicKeys: make(map[string]*bls.PublicKey)}
	var authorities []testAuthority
	for i, stake := range stakes {
		sk, pk, err := bls.GenerateKeyPair()
		require.NoError(t, err)
		name := string(rune('A' + i))
		committee.Stake[name] = stake
		committee.PublicKeys[name] = pk
		authorities = append(authorities, testAuthority{name: name, sk: sk, pk: pk, stake: stake})
	}
	return authorities, committee
}

func sign(t *testing.T, a testAuthority, d digest.Digest) *bls.Signature {
	t.Helper()
	return a.sk.SignDigest(bls.DomainCheckpointSummary, [32]byte(d))
}

// ============================================================================
// QuorumThreshold
// ============================================================================

func TestCommittee_QuorumThreshold(t *testing.T) {
	_, committee := newTestAuthorities(t, 25, 25, 25, 25)
	// total=100, threshold = 100 - floor(99/3) = 100-33 = 67
	require.Equal(t, uint64(67), committee.QuorumThreshold())
}

// ============================================================================
// AddSignature: quorum formation
// ============================================================================

func TestStakeAggregator_ReachesQuorumOnSameDigest(t *testing.T) {
	authorities, committee := newTestAuthorities(t, 25, 25, 25, 25)
	agg := NewStakeAggregator(committee)
	d := digest.FromBytes([]byte("checkpoint-42"))

	var result *QuorumResult
	for _, a := range authorities {
		r, err := agg.AddSignature(a.name, d, sign(t, a, d))
		require.NoError(t, err)
		if r != nil {
			result = r
		}
	}

	require.NotNil(t, result, "4x25 stake with a 67 threshold must reach quorum")
	require.Equal(t, d, result.Digest)
	require.Len(t, result.SignedAuthorities, 3, "quorum should form on the third vote (25+25+25=75 >= 67)")
}

func TestStakeAggregator_RejectsUnknownAuthority(t *testing.T) {
	_, committee := newTestAuthorities(t, 100)
	agg := NewStakeAggregator(committee)
	d := digest.FromBytes([]byte("checkpoint-1"))

	_, err := agg.AddSignature("ghost", d, nil)
	require.Error(t, err)
}

func TestStakeAggregator_RejectsInvalidSignature(t *testing.T) {
	authorities, committee := newTestAuthorities(t, 50, 50)
	agg := NewStakeAggregator(committee)
	d := digest.FromBytes([]byte("checkpoint-1"))
	wrongDigest := digest.FromBytes([]byte("different-checkpoint"))

	badSig := sign(t, authorities[0], wrongDigest)
	_, err := agg.AddSignature(authorities[0].name, d, badSig)
	require.Error(t, err)
}

func TestStakeAggregator_DuplicateVoteIgnored(t *testing.T) {
	authorities, committee := newTestAuthorities(t, 40, 40, 40)
	agg := NewStakeAggregator(committee)
	d := digest.FromBytes([]byte("checkpoint-1"))

	r1, err := agg.AddSignature(authorities[0].name, d, sign(t, authorities[0], d))
	require.NoError(t, err)
	require.Nil(t, r1)

	r2, err := agg.AddSignature(authorities[0].name, d, sign(t, authorities[0], d))
	require.NoError(t, err)
	require.Nil(t, r2, "a repeated vote from the same authority must not double-count stake")
}

// ============================================================================
// Split brain / quorum-unreachable detection (spec 4.3 step 6)
// ============================================================================

func TestStakeAggregator_QuorumUnreachable_SplitEvenly(t *testing.T) {
	authorities, committee := newTestAuthorities(t, 25, 25, 25, 25)
	agg := NewStakeAggregator(committee)
	dA := digest.FromBytes([]byte("digest-a"))
	dB := digest.FromBytes([]byte("digest-b"))

	// Two authorities vote for dA, two for dB: no remaining stake, and
	// neither side can reach the 67 threshold.
	_, err := agg.AddSignature(authorities[0].name, dA, sign(t, authorities[0], dA))
	require.NoError(t, err)
	_, err = agg.AddSignature(authorities[1].name, dA, sign(t, authorities[1], dA))
	require.NoError(t, err)
	_, err = agg.AddSignature(authorities[2].name, dB, sign(t, authorities[2], dB))
	require.NoError(t, err)
	_, err = agg.AddSignature(authorities[3].name, dB, sign(t, authorities[3], dB))
	require.NoError(t, err)

	require.True(t, agg.QuorumUnreachable())
}

func TestStakeAggregator_QuorumReachable_WhileStakeStillUncommitted(t *testing.T) {
	authorities, committee := newTestAuthorities(t, 25, 25, 25, 25)
	agg := NewStakeAggregator(committee)
	d := digest.FromBytes([]byte("digest-a"))

	_, err := agg.AddSignature(authorities[0].name, d, sign(t, authorities[0], d))
	require.NoError(t, err)

	require.False(t, agg.QuorumUnreachable(), "75 stake remains uncommitted; quorum is still reachable")
}
