// Copyright 2025 Certen Protocol
//
// executorFake is a minimal in-process stand-in for the executor/consensus-
// handler boundary this module treats as out of scope (spec section 6). It
// lets checkpointd run standalone against a synthetic epoch: transactions
// "execute" the instant they're recorded and advance_epoch reports a next
// committee with no voters, while the Aggregator keeps its static roster.
// Production deployments wire the Builder
// and Aggregator to the real executor instead of this type.
package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/certen/checkpoint-core/pkg/digest"
	"github.com/certen/checkpoint-core/pkg/epochstore"
	"github.com/certen/checkpoint-core/pkg/metrics"
	"github.com/certen/checkpoint-core/pkg/types"
)

type executorFake struct {
	epochStore *epochstore.EpochStore

	mu      sync.Mutex
	effects map[digest.Digest]types.TransactionEffects
	bodies  map[digest.Digest]types.TransactionBody
	waiters map[digest.Digest][]chan struct{}
}

func newExecutorFake(epochStore *epochstore.EpochStore) *executorFake {
	return &executorFake{
		epochStore: epochStore,
		effects:    make(map[digest.Digest]types.TransactionEffects),
		bodies:     make(map[digest.Digest]types.TransactionBody),
		waiters:    make(map[digest.Digest][]chan struct{}),
	}
}

// RecordExecuted registers a transaction's effects and body, simulating
// execution completion, and wakes any NotifyReadExecutedEffects waiters.
func (e *executorFake) RecordExecuted(body types.TransactionBody, effects types.TransactionEffects) {
	e.mu.Lock()
	e.bodies[body.Digest] = body
	e.effects[body.Digest] = effects
	waiters := e.waiters[body.Digest]
	delete(e.waiters, body.Digest)
	e.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

// NotifyReadExecutedEffects implements types.EffectsNotifyRead.
func (e *executorFake) NotifyReadExecutedEffects(ctx context.Context, digests []digest.Digest) ([]types.TransactionEffects, error) {
	out := make([]types.TransactionEffects, len(digests))
	for i, d := range digests {
		eff, err := e.awaitOne(ctx, d)
		if err != nil {
			return nil, err
		}
		out[i] = eff
	}
	return out, nil
}

func (e *executorFake) awaitOne(ctx context.Context, d digest.Digest) (types.TransactionEffects, error) {
	e.mu.Lock()
	if eff, ok := e.effects[d]; ok {
		e.mu.Unlock()
		return eff, nil
	}
	ch := make(chan struct{})
	e.waiters[d] = append(e.waiters[d], ch)
	e.mu.Unlock()

	select {
	case <-ctx.Done():
		return types.TransactionEffects{}, ctx.Err()
	case <-ch:
		e.mu.Lock()
		eff := e.effects[d]
		e.mu.Unlock()
		return eff, nil
	}
}

// MultiGetExecutedEffects implements types.EffectsNotifyRead.
func (e *executorFake) MultiGetExecutedEffects(digests []digest.Digest) ([]*types.TransactionEffects, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*types.TransactionEffects, len(digests))
	for i, d := range digests {
		if eff, ok := e.effects[d]; ok {
			v := eff
			out[i] = &v
		}
	}
	return out, nil
}

// GetTransactionBody implements types.TransactionStore.
func (e *executorFake) GetTransactionBody(d digest.Digest) (*types.TransactionBody, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.bodies[d]
	if !ok {
		return nil, false
	}
	return &b, true
}

// AccumulateCheckpoint implements types.StateAccumulator. State commitment
// is disabled in this standalone wiring (ProtocolConfig.StateCommitmentEnabled
// is false), so this is a bookkeeping no-op.
func (e *executorFake) AccumulateCheckpoint(effects []types.TransactionEffects, seq types.SequenceNumber, epoch types.EpochID) error {
	return nil
}

// DigestEpoch implements types.StateAccumulator.
func (e *executorFake) DigestEpoch(epoch types.EpochID, seq types.SequenceNumber) (digest.Digest, error) {
	return digest.OfCanonicalJSON(struct {
		Epoch uint64 `json:"epoch"`
		Seq   uint64 `json:"seq"`
	}{epoch, seq})
}

// CreateAndExecuteAdvanceEpochTx implements types.AuthorityState. The
// returned NextCommittee carries only the next epoch number and no voters;
// the standalone wiring keeps one static committee across epoch boundaries
// through pkg/aggregator.StaticCommitteeProvider.
func (e *executorFake) CreateAndExecuteAdvanceEpochTx(ctx context.Context, epoch types.EpochID) (*types.AdvanceEpochResult, error) {
	body := types.TransactionBody{
		Kind: types.KindAdvanceEpoch,
	}
	txDigest, err := digest.OfCanonicalJSON(struct {
		Kind  string `json:"kind"`
		Epoch uint64 `json:"epoch"`
	}{string(types.KindAdvanceEpoch), epoch})
	if err != nil {
		return nil, fmt.Errorf("digest advance-epoch transaction: %w", err)
	}
	body.Digest = txDigest
	effects := types.TransactionEffects{
		TransactionDigest: txDigest,
		ExecutedEpoch:     epoch,
	}
	effDigest, err := digest.OfCanonicalJSON(effects)
	if err != nil {
		return nil, fmt.Errorf("digest advance-epoch effects: %w", err)
	}
	effects.EffectsDigest = effDigest
	e.RecordExecuted(body, effects)

	return &types.AdvanceEpochResult{
		Effects:             effects,
		NextCommittee:       types.NextCommittee{Epoch: epoch + 1},
		NextProtocolVersion: 1,
	}, nil
}

// CheckpointCreated implements types.CheckpointOutput.
func (e *executorFake) CheckpointCreated(ctx context.Context, summary *types.CheckpointSummary, contents *types.CheckpointContents, epoch types.EpochID) error {
	metrics.CheckpointHighestExecuted.Set(float64(summary.SequenceNumber))
	return e.epochStore.CacheBuiltSummary(summary)
}

// CertifiedCheckpointCreated implements types.CertifiedCheckpointOutput.
func (e *executorFake) CertifiedCheckpointCreated(ctx context.Context, cert *types.CertifiedCheckpointSummary) error {
	metrics.CheckpointsCertifiedTotal.Inc()
	metrics.CheckpointHighestCertified.Set(float64(cert.SequenceNumber()))
	return nil
}
