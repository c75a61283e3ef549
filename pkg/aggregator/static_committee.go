// Copyright 2025 Certen Protocol
//
// StaticCommitteeProvider resolves every epoch to the same genesis
// committee, the production wiring's bootstrap case (spec section C,
// "genesis bootstrap rule": the first epoch has no prior end-of-epoch data
// to derive a committee from). A full implementation would instead track
// NextCommittee from each epoch's EndOfEpochData; this core's spec treats
// committee rotation as owned by the (out of scope) executor/authority
// layer, so only the lookup contract is modeled here.

package aggregator

import "github.com/certen/checkpoint-core/pkg/types"

// StaticCommitteeProvider always returns the same committee, regardless of
// epoch. Suitable for single-committee deployments and as the genesis case
// for committee-rotating ones.
type StaticCommitteeProvider struct {
	committee Committee
}

// NewStaticCommitteeProvider wraps a fixed committee.
func NewStaticCommitteeProvider(committee Committee) *StaticCommitteeProvider {
	return &StaticCommitteeProvider{committee: committee}
}

// CommitteeForEpoch implements CommitteeProvider.
func (p *StaticCommitteeProvider) CommitteeForEpoch(_ types.EpochID) (Committee, error) {
	return p.committee, nil
}
