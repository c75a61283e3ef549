// Copyright 2025 Certen Protocol
//
// Checkpoint Builder: turns consensus-sequenced pending checkpoints into
// locally-computed, content-addressed checkpoint summaries (spec section
// 4.2). Grounded on the teacher's batch pipeline — pkg/batch/scheduler.go
// for the notify-plus-periodic-retry main loop shape, pkg/batch/collector.go
// for worklist-style accumulation, and pkg/batch/processor.go for the
// "resolve inputs, compute, split into bounded chunks, persist, publish"
// pipeline stages — retargeted from anchor-batch assembly to transaction
// effect closure and causal checkpoint construction.

package builder

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/certen/checkpoint-core/pkg/digest"
	"github.com/certen/checkpoint-core/pkg/metrics"
	"github.com/certen/checkpoint-core/pkg/store"
	"github.com/certen/checkpoint-core/pkg/types"
)

// retryDelay is the pause between failed make_checkpoint attempts (spec
// 4.2: "on error, sleep 1s and retry the current height").
const retryDelay = time.Second

// Builder is the Checkpoint Builder component.
type Builder struct {
	epochStore  types.PerEpochStore
	effects     types.EffectsNotifyRead
	txStore     types.TransactionStore
	accumulator types.StateAccumulator
	authority   types.AuthorityState
	store       *store.Store
	output      types.CheckpointOutput
	protocol    types.ProtocolConfig
	limits      types.ChunkLimits
	clock       types.Clock
	logger      *log.Logger

	notifyCh chan struct{}
}

// New creates a Checkpoint Builder.
func New(
	epochStore types.PerEpochStore,
	effects types.EffectsNotifyRead,
	txStore types.TransactionStore,
	accumulator types.StateAccumulator,
	authority types.AuthorityState,
	st *store.Store,
	output types.CheckpointOutput,
	protocol types.ProtocolConfig,
	limits types.ChunkLimits,
	clock types.Clock,
	logger *log.Logger,
) *Builder {
	if clock == nil {
		clock = types.SystemClock{}
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[Builder] ", log.LstdFlags)
	}
	return &Builder{
		epochStore:  epochStore,
		effects:     effects,
		txStore:     txStore,
		accumulator: accumulator,
		authority:   authority,
		store:       st,
		output:      output,
		protocol:    protocol,
		limits:      limits,
		clock:       clock,
		logger:      logger,
		notifyCh:    make(chan struct{}, 1),
	}
}

// Notify wakes the Builder loop. Idempotent: multiple notifications before
// the loop observes them coalesce into a single wakeup (spec 4.5,
// `notify_checkpoint`).
func (b *Builder) Notify() {
	select {
	case b.notifyCh <- struct{}{}:
	default:
	}
}

// Run drives the Builder main loop until ctx is canceled (spec section 4.2:
// "on notification, read the last processed commit height, iterate all
// pending entries ... in height order").
func (b *Builder) Run(ctx context.Context) error {
	for {
		if err := b.drainPending(ctx); err != nil {
			metrics.CheckpointErrorsTotal.WithLabelValues("builder").Inc()
			b.logger.Printf("drain pending failed: %v", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.notifyCh:
		case <-time.After(retryDelay):
		}
	}
}

// drainPending processes every pending checkpoint past the last-processed
// cursor, in strictly increasing commit-height order.
func (b *Builder) drainPending(ctx context.Context) error {
	last, _ := b.epochStore.LastBuiltCheckpointCommitHeight()
	pending, err := b.epochStore.PendingCheckpoints(last)
	if err != nil {
		return fmt.Errorf("list pending checkpoints after %d: %w", last, err)
	}

	for _, pc := range pending {
		for {
			err := b.makeCheckpoint(ctx, pc)
			if err == nil {
				break
			}
			metrics.CheckpointErrorsTotal.WithLabelValues("builder").Inc()
			b.logger.Printf("make_checkpoint height=%d failed, retrying in %s: %v", pc.CommitHeight, retryDelay, err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay):
			}
		}
		if err := b.epochStore.SetLastBuiltCheckpointCommitHeight(pc.CommitHeight); err != nil {
			return fmt.Errorf("advance last-built cursor to %d: %w", pc.CommitHeight, err)
		}
		if err := b.store.SetBuilderLastProcessedHeight(pc.Epoch, pc.CommitHeight); err != nil {
			return fmt.Errorf("persist builder cursor for epoch %d: %w", pc.Epoch, err)
		}
	}
	return nil
}

// makeCheckpoint is the per-pending-entry pipeline of spec 4.2 steps 1-8.
// All writes it performs are idempotent by sequence number, so a retried
// attempt after a partial failure is safe.
func (b *Builder) makeCheckpoint(ctx context.Context, pc types.PendingCheckpoint) error {
	// Step 1: resolve roots.
	if _, err := b.effects.NotifyReadExecutedEffects(ctx, pc.Roots); err != nil {
		return fmt.Errorf("resolve roots: %w", err)
	}

	// Step 2: compute effect closure.
	included, err := b.completeCheckpointEffects(pc)
	if err != nil {
		return fmt.Errorf("compute effect closure: %w", err)
	}

	// Step 3: causal sort.
	ordered, err := b.causalSort(included)
	if err != nil {
		return fmt.Errorf("causal sort: %w", err)
	}

	// Step 4 & 5: fetch bodies/sizes and user signatures, awaiting
	// consensus-processed for non-exempt kinds.
	bodies := make([]*types.TransactionBody, len(ordered))
	sigs := make([][]byte, len(ordered))
	for i, eff := range ordered {
		body, ok := b.txStore.GetTransactionBody(eff.TransactionDigest)
		if !ok {
			panic(fmt.Sprintf("builder: missing transaction body for included digest %s", eff.TransactionDigest))
		}
		if !body.Kind.IsConsensusExempt() {
			if err := b.epochStore.ConsensusMessagesProcessedNotify(ctx, eff.TransactionDigest); err != nil {
				return fmt.Errorf("await consensus-processed for %s: %w", eff.TransactionDigest, err)
			}
		}
		bodies[i] = body
		if sig, ok := b.epochStore.UserSignaturesFor(eff.TransactionDigest); ok {
			sigs[i] = sig
		}
	}

	// Step 6: split into chunks.
	chunks := splitCheckpointChunks(ordered, bodies, sigs, b.limits, pc.LastOfEpoch)

	// Step 7: materialize summaries.
	prevSummary, havePrev, err := b.latestSummaryBefore(pc.Epoch)
	if err != nil {
		return fmt.Errorf("load previous summary: %w", err)
	}

	results := make([]materialized, 0, len(chunks))
	for i, chunk := range chunks {
		isFinal := pc.LastOfEpoch && i == len(chunks)-1
		m, err := b.materializeSummary(ctx, chunk, pc, prevSummary, havePrev, isFinal)
		if err != nil {
			return fmt.Errorf("materialize chunk %d: %w", i, err)
		}
		results = append(results, m)
		prevSummary = &m.summary
		havePrev = true
	}

	// Step 8: persist and publish.
	for _, m := range results {
		if err := b.store.InsertLocalCheckpoint(&m.summary, &m.contents, &m.full); err != nil {
			return fmt.Errorf("persist local checkpoint %d: %w", m.summary.SequenceNumber, err)
		}
		if b.output != nil {
			if err := b.output.CheckpointCreated(ctx, &m.summary, &m.contents, pc.Epoch); err != nil {
				return fmt.Errorf("deliver checkpoint %d to output: %w", m.summary.SequenceNumber, err)
			}
		}
	}
	return nil
}

type materialized struct {
	summary types.CheckpointSummary
	contents types.CheckpointContents
	full     types.FullCheckpointContents
}

// completeCheckpointEffects is the worklist traversal of spec 4.2 step 2: a
// breadth-first closure over roots, stopping at already-checkpointed or
// prior-epoch transactions, and only following dependencies whose effects
// were signed in the current epoch.
func (b *Builder) completeCheckpointEffects(pc types.PendingCheckpoint) ([]types.TransactionEffects, error) {
	visited := make(map[digest.Digest]struct{})
	included := make(map[digest.Digest]types.TransactionEffects)
	frontier := append([]digest.Digest{}, pc.Roots...)

	for len(frontier) > 0 {
		effectsList, err := b.effects.MultiGetExecutedEffects(frontier)
		if err != nil {
			return nil, fmt.Errorf("multi-get executed effects: %w", err)
		}

		var next []digest.Digest
		for i, eff := range effectsList {
			d := frontier[i]
			if eff == nil {
				return nil, fmt.Errorf("missing executed effects for %s", d)
			}
			if _, seen := visited[d]; seen {
				continue
			}
			visited[d] = struct{}{}

			if _, already := b.epochStore.IsTransactionIncluded(d); already {
				continue
			}
			if eff.ExecutedEpoch < pc.Epoch {
				continue
			}
			included[d] = *eff

			for _, dep := range eff.Dependencies {
				if _, seen := visited[dep]; seen {
					continue
				}
				if !b.epochStore.EffectsSignatureExists(dep) {
					continue
				}
				next = append(next, dep)
			}
		}
		frontier = next
	}

	out := make([]types.TransactionEffects, 0, len(included))
	for _, eff := range included {
		out = append(out, eff)
	}
	return out, nil
}

// causalSort implements spec 4.2 step 3: a stable topological sort over the
// included set, repeatedly emitting zero-in-degree nodes in digest-ascending
// order. Dependencies outside the included set are treated as already
// satisfied (zero-weight edges), since they were checkpointed earlier.
func (b *Builder) causalSort(effects []types.TransactionEffects) ([]types.TransactionEffects, error) {
	byDigest := make(map[digest.Digest]types.TransactionEffects, len(effects))
	for _, eff := range effects {
		byDigest[eff.TransactionDigest] = eff
	}

	indegree := make(map[digest.Digest]int, len(effects))
	dependents := make(map[digest.Digest][]digest.Digest)
	for _, eff := range effects {
		for _, dep := range eff.Dependencies {
			if _, inSet := byDigest[dep]; !inSet {
				continue // external/already-checkpointed ancestor: satisfied edge
			}
			indegree[eff.TransactionDigest]++
			dependents[dep] = append(dependents[dep], eff.TransactionDigest)
		}
	}

	var ready []digest.Digest
	for _, eff := range effects {
		if indegree[eff.TransactionDigest] == 0 {
			ready = append(ready, eff.TransactionDigest)
		}
	}

	ordered := make([]types.TransactionEffects, 0, len(effects))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return digest.Less(ready[i], ready[j]) })
		next := ready[0]
		ready = ready[1:]

		ordered = append(ordered, byDigest[next])
		for _, dep := range dependents[next] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(ordered) != len(effects) {
		return nil, fmt.Errorf("causal sort: cycle detected among %d included transactions", len(effects)-len(ordered))
	}
	return ordered, nil
}

// latestSummaryBefore loads the most recently built local summary, used to
// seed sequence number, rolling gas and previous-digest for the next batch
// of chunks (the Builder runs ahead of certification, so it tracks its own
// chain tip rather than the certified one). Falls back to genesis (no
// previous summary) only if none exists and epoch is 0.
func (b *Builder) latestSummaryBefore(epoch types.EpochID) (*types.CheckpointSummary, bool, error) {
	latest, ok, err := b.store.GetLatestLocalSummary()
	if err != nil {
		return nil, false, err
	}
	if ok {
		return latest, true, nil
	}
	if epoch == 0 {
		return nil, false, nil // genesis: no prior checkpoint
	}
	// Past genesis with no known checkpoint at all is the fatal
	// missing-invariant-data condition of spec section 7.
	panic(fmt.Sprintf("builder: no prior checkpoint found for non-genesis epoch %d", epoch))
}
