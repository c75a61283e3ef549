// Copyright 2025 Certen Protocol
//
// Multi-digest stake aggregator: tracks, per candidate checkpoint digest,
// the set of signing authorities and their summed stake, until one digest
// reaches the committee's strong quorum (spec section 4.3, "Stake
// aggregation"). Grounded on the teacher's ConsensusCoordinator/
// AttestationBroadcaster quorum bookkeeping (pkg/batch/consensus_coordinator.go),
// generalized from a single fraction-of-attestors count to stake-weighted
// multiple competing digests, and from BLS aggregation of pkg/crypto/bls.

package aggregator

import (
	"fmt"

	"github.com/certen/checkpoint-core/pkg/bls"
	"github.com/certen/checkpoint-core/pkg/digest"
)

// Committee is the voting power and public key set for one epoch.
type Committee struct {
	Stake      map[string]uint64
	PublicKeys map[string]*bls.PublicKey
}

// TotalStake sums all committee members' voting power.
func (c Committee) TotalStake() uint64 {
	var total uint64
	for _, s := range c.Stake {
		total += s
	}
	return total
}

// QuorumThreshold is the minimum aggregate stake for strong quorum:
// conventionally the smallest integer exceeding 2/3 of total stake, i.e.
// total - floor((total-1)/3), satisfying 3f+1 <= total (spec glossary).
func (c Committee) QuorumThreshold() uint64 {
	total := c.TotalStake()
	if total == 0 {
		return 0
	}
	return total - (total-1)/3
}

type digestState struct {
	signers    map[string]struct{}
	stake      uint64
	signatures []*bls.Signature
	pubKeys    []*bls.PublicKey
}

// QuorumResult is returned once a digest's stake crosses the threshold.
type QuorumResult struct {
	Digest             digest.Digest
	SignedAuthorities  []string
	AggregateSignature []byte
}

// StakeAggregator accumulates per-digest signatures for one sequence number
// until quorum is reached or disagreement makes quorum unreachable by any
// digest (split brain, spec section 4.3 step 6).
type StakeAggregator struct {
	committee Committee
	perDigest map[digest.Digest]*digestState
	voted     map[string]struct{} // authorities that have cast any vote
}

// NewStakeAggregator creates an aggregator for one committee.
func NewStakeAggregator(committee Committee) *StakeAggregator {
	return &StakeAggregator{
		committee: committee,
		perDigest: make(map[digest.Digest]*digestState),
		voted:     make(map[string]struct{}),
	}
}

// AddSignature records authority's signature on d. It verifies the
// signature against the committee's public key for authority before
// accepting it. If this push crosses quorum for d, a QuorumResult is
// returned; otherwise nil, nil.
func (a *StakeAggregator) AddSignature(authority string, d digest.Digest, sig *bls.Signature) (*QuorumResult, error) {
	stake, ok := a.committee.Stake[authority]
	if !ok {
		return nil, fmt.Errorf("aggregator: unknown authority %q", authority)
	}
	pk, ok := a.committee.PublicKeys[authority]
	if !ok {
		return nil, fmt.Errorf("aggregator: no public key for authority %q", authority)
	}
	if sig != nil && !pk.VerifyDigest(sig, bls.DomainCheckpointSummary, [32]byte(d)) {
		return nil, fmt.Errorf("aggregator: invalid signature from %q", authority)
	}

	ds, ok := a.perDigest[d]
	if !ok {
		ds = &digestState{signers: make(map[string]struct{})}
		a.perDigest[d] = ds
	}
	if _, already := ds.signers[authority]; already {
		return nil, nil // duplicate vote for the same digest, ignore
	}
	prevStake := ds.stake
	ds.signers[authority] = struct{}{}
	ds.stake += stake
	if sig != nil {
		ds.signatures = append(ds.signatures, sig)
		ds.pubKeys = append(ds.pubKeys, pk)
	}
	a.voted[authority] = struct{}{}

	threshold := a.committee.QuorumThreshold()
	if ds.stake < threshold || prevStake >= threshold {
		return nil, nil // below quorum, or quorum already reported by an earlier push
	}

	aggSig, err := bls.AggregateSignatures(ds.signatures)
	if err != nil {
		return nil, fmt.Errorf("aggregate signatures for quorum: %w", err)
	}
	authorities := make([]string, 0, len(ds.signers))
	for auth := range ds.signers {
		authorities = append(authorities, auth)
	}
	return &QuorumResult{
		Digest:             d,
		SignedAuthorities:  authorities,
		AggregateSignature: aggSig.Bytes(),
	}, nil
}

// maxDigestStake returns the highest accumulated stake across all digests.
func (a *StakeAggregator) maxDigestStake() uint64 {
	var max uint64
	for _, ds := range a.perDigest {
		if ds.stake > max {
			max = ds.stake
		}
	}
	return max
}

// QuorumUnreachable reports whether no digest can still reach quorum given
// the stake that has not yet voted at all (spec section 4.3 step 6):
//
//	uncommitted stake + max(stake per digest) < quorum threshold
//
// is the condition under which even awarding all still-silent stake to the
// current leading digest could not save it — i.e. disagreement has exceeded
// the tolerable threshold (split brain, per the glossary).
func (a *StakeAggregator) QuorumUnreachable() bool {
	total := a.committee.TotalStake()
	var voted uint64
	for auth := range a.voted {
		voted += a.committee.Stake[auth]
	}
	uncommitted := total - voted
	return uncommitted+a.maxDigestStake() < a.committee.QuorumThreshold()
}
