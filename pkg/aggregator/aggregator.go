// Copyright 2025 Certen Protocol
//
// Signature Aggregator main loop (spec section 4.3): turns the Builder's
// locally-computed summaries plus a stream of per-peer signatures into
// certified checkpoints once stake-weighted quorum is reached. Grounded on
// the teacher's ConsensusCoordinator run loop (pkg/batch/consensus_coordinator.go)
// for the "track current target, drain incoming votes, react to quorum or
// timeout" shape, generalized from single-batch attestation counting to a
// strictly sequential, multi-digest, stake-weighted pipeline over checkpoint
// sequence numbers.

package aggregator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/certen/checkpoint-core/pkg/bls"
	"github.com/certen/checkpoint-core/pkg/digest"
	"github.com/certen/checkpoint-core/pkg/metrics"
	"github.com/certen/checkpoint-core/pkg/store"
	"github.com/certen/checkpoint-core/pkg/types"
)

// ForkObserver is notified when the aggregator observes a quorum forming
// around a digest that disagrees with the locally-built summary, or when
// quorum becomes unreachable for the current sequence (spec section 4.4,
// Fork Diagnostics hook).
type ForkObserver interface {
	ObserveDisagreement(seq types.SequenceNumber, localDigest, remoteDigest digest.Digest, remoteAuthorities []string)
	ObserveQuorumUnreachable(seq types.SequenceNumber)
}

// CommitteeProvider resolves the voting committee effective for an epoch.
// cmd/checkpointd and the tests supply a fixed committee
// (StaticCommitteeProvider); no provider here derives one from end-of-epoch
// data.
type CommitteeProvider interface {
	CommitteeForEpoch(epoch types.EpochID) (Committee, error)
}

// Aggregator is the Signature Aggregator component.
type Aggregator struct {
	epochStore types.PerEpochStore
	store      *store.Store
	committees CommitteeProvider
	output     types.CertifiedCheckpointOutput
	forkObs    ForkObserver
	logger     *log.Logger

	pollInterval time.Duration

	current  *pendingCertification
	notifyCh chan struct{}
}

type pendingCertification struct {
	seq   types.SequenceNumber
	local *types.CheckpointSummary
	agg   *StakeAggregator
	next  uint64
}

// New creates a Signature Aggregator.
func New(epochStore types.PerEpochStore, st *store.Store, committees CommitteeProvider, output types.CertifiedCheckpointOutput, forkObs ForkObserver, logger *log.Logger) *Aggregator {
	if logger == nil {
		logger = log.New(log.Writer(), "[Aggregator] ", log.LstdFlags)
	}
	return &Aggregator{
		epochStore:   epochStore,
		store:        st,
		committees:   committees,
		output:       output,
		forkObs:      forkObs,
		logger:       logger,
		pollInterval: time.Second,
		notifyCh:     make(chan struct{}, 1),
	}
}

// Notify wakes the aggregator loop early, e.g. when a new signature arrives
// (spec section 4.3: "wakes on new signature notification or a 1s
// timeout"). Non-blocking: a pending wakeup is coalesced.
func (a *Aggregator) Notify() {
	select {
	case a.notifyCh <- struct{}{}:
	default:
	}
}

// Run drives the aggregator loop until ctx is canceled.
func (a *Aggregator) Run(ctx context.Context) error {
	for {
		progressed, err := a.tick()
		if err != nil {
			metrics.CheckpointErrorsTotal.WithLabelValues("aggregator").Inc()
			a.logger.Printf("tick error: %v", err)
		}
		if progressed {
			continue // immediately re-check for the next sequence (spec: no artificial delay on progress)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.notifyCh:
		case <-time.After(a.pollInterval):
		}
	}
}

// tick performs one iteration of the aggregator state machine. It returns
// true if a checkpoint was certified or otherwise advanced, so Run can loop
// immediately instead of waiting out the poll interval.
func (a *Aggregator) tick() (bool, error) {
	next, err := a.nextToCertify()
	if err != nil {
		return false, fmt.Errorf("determine next to certify: %w", err)
	}

	if a.current != nil && a.current.seq != next {
		a.current = nil // stale target: already certified, possibly via state sync
	}

	if a.current == nil {
		local, ok, err := a.store.GetLocalSummary(next)
		if err != nil {
			return false, fmt.Errorf("load local summary %d: %w", next, err)
		}
		if !ok {
			return false, nil // Builder has not produced this sequence yet
		}
		committee, err := a.committees.CommitteeForEpoch(local.Epoch)
		if err != nil {
			return false, fmt.Errorf("resolve committee for epoch %d: %w", local.Epoch, err)
		}
		startIndex, _, err := a.store.GetAggregatorNextIndex(next)
		if err != nil {
			return false, fmt.Errorf("load aggregator cursor %d: %w", next, err)
		}
		a.current = &pendingCertification{
			seq:   next,
			local: local,
			agg:   NewStakeAggregator(committee),
			next:  startIndex,
		}
	}

	cur := a.current
	localDigest, err := cur.local.Digest()
	if err != nil {
		return false, fmt.Errorf("digest local summary %d: %w", cur.seq, err)
	}

	pending, err := a.epochStore.PendingSignatures(cur.seq, cur.next)
	if err != nil {
		return false, fmt.Errorf("drain pending signatures %d: %w", cur.seq, err)
	}
	if len(pending) == 0 {
		if cur.agg.QuorumUnreachable() && a.forkObs != nil {
			a.forkObs.ObserveQuorumUnreachable(cur.seq)
		}
		return false, nil
	}

	certified := false
	for _, ps := range pending {
		cur.next = ps.Index + 1

		sig, err := bls.SignatureFromBytes(ps.Info.Signature)
		if err != nil {
			a.logger.Printf("sequence %d: dropping malformed signature from %s: %v", cur.seq, ps.Info.Authority, err)
			continue
		}
		result, err := cur.agg.AddSignature(ps.Info.Authority, ps.Info.SummaryDigest, sig)
		if err != nil {
			a.logger.Printf("sequence %d: dropping signature from %s: %v", cur.seq, ps.Info.Authority, err)
			continue
		}
		if result == nil {
			continue
		}

		if result.Digest != localDigest {
			// Quorum formed on a digest this authority never built locally:
			// the network has certified a checkpoint this validator disagrees
			// with. Hand off to fork diagnostics and stop advancing; a higher
			// layer decides whether to resync from the certified chain.
			if a.forkObs != nil {
				a.forkObs.ObserveDisagreement(cur.seq, localDigest, result.Digest, result.SignedAuthorities)
			}
			if err := a.store.SetAggregatorNextIndex(cur.seq, cur.next); err != nil {
				return false, fmt.Errorf("persist aggregator cursor %d: %w", cur.seq, err)
			}
			return false, nil
		}

		cert := &types.CertifiedCheckpointSummary{
			Summary:            *cur.local,
			SignedAuthorities:  result.SignedAuthorities,
			AggregateSignature: result.AggregateSignature,
		}
		if err := a.store.InsertCertifiedCheckpoint(cert); err != nil {
			return false, fmt.Errorf("persist certified checkpoint %d: %w", cur.seq, err)
		}
		if a.output != nil {
			if err := a.output.CertifiedCheckpointCreated(context.Background(), cert); err != nil {
				a.logger.Printf("sequence %d: output notification failed: %v", cur.seq, err)
			}
		}
		certified = true
		break
	}

	if err := a.store.SetAggregatorNextIndex(cur.seq, cur.next); err != nil {
		return false, fmt.Errorf("persist aggregator cursor %d: %w", cur.seq, err)
	}
	if certified {
		a.current = nil
		return true, nil
	}
	if cur.agg.QuorumUnreachable() && a.forkObs != nil {
		a.forkObs.ObserveQuorumUnreachable(cur.seq)
	}
	return false, nil
}

// nextToCertify is one past the highest certified sequence, or 0 if none
// exists yet (spec section 4.3 step 1).
func (a *Aggregator) nextToCertify() (types.SequenceNumber, error) {
	latest, ok, err := a.store.GetLatestCertified()
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return latest.SequenceNumber() + 1, nil
}
