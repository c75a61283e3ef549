// Copyright 2025 Certen Protocol
//
// External collaborator contracts (spec section 6). These are the narrow
// capability interfaces the checkpoint core consumes; production instances
// delegate to the executor, consensus handler, state accumulator and
// network, while tests supply fakes implementing the same interfaces.

package types

import (
	"context"

	"github.com/certen/checkpoint-core/pkg/digest"
)

// EffectsNotifyRead lets the Builder await and synchronously fetch executed
// transaction effects.
type EffectsNotifyRead interface {
	// NotifyReadExecutedEffects blocks until every digest's effects are
	// available, honoring ctx cancellation.
	NotifyReadExecutedEffects(ctx context.Context, digests []digest.Digest) ([]TransactionEffects, error)
	// MultiGetExecutedEffects returns effects already known, with a nil
	// element for any digest not yet executed.
	MultiGetExecutedEffects(digests []digest.Digest) ([]*TransactionEffects, error)
}

// TransactionBody is the minimal shape the Builder needs from the executor's
// transaction store: the kind (for consensus-wait exemption) and the
// serialized size (for byte-based chunking).
type TransactionBody struct {
	Digest          digest.Digest
	Kind            TransactionKind
	SerializedBytes int
}

// TransactionStore resolves transaction bodies and sizes (spec 4.2 step 4).
type TransactionStore interface {
	GetTransactionBody(d digest.Digest) (*TransactionBody, bool)
}

// PerEpochStore is the narrow slice of the executor/consensus-handler shared
// per-epoch store this core reads (and writes signature/cursor state to).
type PerEpochStore interface {
	Epoch() EpochID

	// IsTransactionIncluded reports whether d has already been checkpointed
	// in this epoch (spec 4.2 step 2).
	IsTransactionIncluded(d digest.Digest) (SequenceNumber, bool)

	// EffectsSignatureExists reports whether d's effects were signed/
	// certified in the current epoch, the condition gating dependency
	// traversal in complete_checkpoint_effects.
	EffectsSignatureExists(d digest.Digest) bool

	// UserSignaturesFor returns the user signatures recorded for d, if any.
	UserSignaturesFor(d digest.Digest) ([]byte, bool)

	// ConsensusMessagesProcessedNotify blocks until d has been observed as a
	// processed consensus message (spec 4.2 step 4), or ctx is done.
	ConsensusMessagesProcessedNotify(ctx context.Context, d digest.Digest) error

	// LastBuiltCheckpointCommitHeight is the Builder's persisted cursor
	// (spec section 6), read on startup to resume iteration.
	LastBuiltCheckpointCommitHeight() (CommitHeight, bool)
	SetLastBuiltCheckpointCommitHeight(CommitHeight) error

	// PendingCheckpoints iterates pending entries with commit height
	// strictly greater than `after`, in increasing height order.
	PendingCheckpoints(after CommitHeight) ([]PendingCheckpoint, error)

	// BuiltSummary returns a previously-built local summary for a sequence
	// number. The Aggregator does not call it: it loads next_to_certify
	// (spec 4.3 step 3) from the Checkpoint Store's local-summary table.
	BuiltSummary(seq SequenceNumber) (*CheckpointSummary, bool)

	// PendingSignatures iterates persisted per-peer signature records with
	// key >= (seq, index), in (sequence, index) order (spec 4.3 step 4).
	PendingSignatures(seq SequenceNumber, index uint64) ([]PendingSignature, error)
}

// PendingSignature is a persisted per-peer signature record keyed by
// (sequence, index), the unit the Aggregator drains.
type PendingSignature struct {
	Sequence SequenceNumber
	Index    uint64
	Info     AuthoritySignature
	Stake    uint64
}

// StateAccumulator computes epoch-final state commitments (out of scope
// internals; consumed as a narrow interface per spec section 6).
type StateAccumulator interface {
	AccumulateCheckpoint(effects []TransactionEffects, seq SequenceNumber, epoch EpochID) error
	DigestEpoch(epoch EpochID, seq SequenceNumber) (digest.Digest, error)
}

// AdvanceEpochResult is the single additional effect produced by executing
// the system-level advance_epoch transaction (spec 4.2 step 7).
type AdvanceEpochResult struct {
	Effects            TransactionEffects
	NextCommittee      NextCommittee
	NextProtocolVersion uint64
}

// AuthorityState exposes the epoch-closure operation; it has no
// committee-lookup operation.
type AuthorityState interface {
	CreateAndExecuteAdvanceEpochTx(ctx context.Context, epoch EpochID) (*AdvanceEpochResult, error)
}

// CheckpointOutput is notified once per locally-built (summary, contents)
// pair; production instances sign and broadcast to peers and state-sync.
type CheckpointOutput interface {
	CheckpointCreated(ctx context.Context, summary *CheckpointSummary, contents *CheckpointContents, epoch EpochID) error
}

// CertifiedCheckpointOutput is notified once per certified checkpoint;
// production instances forward to state-sync.
type CertifiedCheckpointOutput interface {
	CertifiedCheckpointCreated(ctx context.Context, cert *CertifiedCheckpointSummary) error
}
