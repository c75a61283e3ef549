// Copyright 2025 Certen Protocol
//
// Core data model for the checkpoint construction and certification core
// (spec section 3). All entities are content-addressed by digest.Digest
// computed over a canonical encoding of their fields.

package types

import (
	"fmt"
	"time"

	"github.com/certen/checkpoint-core/pkg/digest"
)

// EpochID identifies a committee epoch.
type EpochID = uint64

// SequenceNumber identifies a checkpoint's position in the certified chain.
type SequenceNumber = uint64

// CommitHeight is the consensus-assigned index of a pending checkpoint
// within an epoch (spec glossary: "Commit height").
type CommitHeight = uint64

// GasCostSummary is the rolling gas accounting carried by every checkpoint.
// Field names mirror computation/storage/storage-rebate/non-refundable gas,
// the conventional four-way split used by Sui-style executors.
type GasCostSummary struct {
	ComputationCost         uint64 `json:"computationCost"`
	StorageCost              uint64 `json:"storageCost"`
	StorageRebate             uint64 `json:"storageRebate"`
	NonRefundableStorageFee   uint64 `json:"nonRefundableStorageFee"`
}

// Add returns the element-wise sum of two gas summaries.
func (g GasCostSummary) Add(o GasCostSummary) GasCostSummary {
	return GasCostSummary{
		ComputationCost:         g.ComputationCost + o.ComputationCost,
		StorageCost:             g.StorageCost + o.StorageCost,
		StorageRebate:           g.StorageRebate + o.StorageRebate,
		NonRefundableStorageFee: g.NonRefundableStorageFee + o.NonRefundableStorageFee,
	}
}

// TransactionEffects is the post-execution record for one transaction,
// supplied by the (out of scope) executor. Only the fields the checkpoint
// core needs to reason about are modeled.
type TransactionEffects struct {
	TransactionDigest digest.Digest   `json:"transactionDigest"`
	ExecutedEpoch     EpochID         `json:"executedEpoch"`
	Dependencies      []digest.Digest `json:"dependencies"`
	GasUsed           GasCostSummary  `json:"gasUsed"`

	// EffectsDigest is the digest of this effects record, used in
	// CheckpointContents alongside the transaction digest (spec 3, Data Model).
	EffectsDigest digest.Digest `json:"effectsDigest"`
}

// TransactionKind classifies system-injected transactions that the Builder
// does not wait on as ordinary consensus-sequenced certificates (spec 4.2
// step 4).
type TransactionKind string

const (
	KindUser                      TransactionKind = "user"
	KindConsensusCommitPrologue   TransactionKind = "consensus_commit_prologue"
	KindAuthenticatorStateUpdate  TransactionKind = "authenticator_state_update"
	KindRandomnessStateUpdate     TransactionKind = "randomness_state_update"
	KindAdvanceEpoch              TransactionKind = "advance_epoch"
)

// IsConsensusExempt reports whether transactions of this kind are exempt
// from the "must appear as a processed consensus message" wait of step 4.
func (k TransactionKind) IsConsensusExempt() bool {
	switch k {
	case KindConsensusCommitPrologue, KindAuthenticatorStateUpdate, KindRandomnessStateUpdate:
		return true
	default:
		return false
	}
}

// PendingCheckpoint is emitted once by the consensus handler and consumed
// exactly once by the Builder.
type PendingCheckpoint struct {
	CommitHeight CommitHeight    `json:"commitHeight"`
	Epoch        EpochID         `json:"epoch"`
	Roots        []digest.Digest `json:"roots"`
	TimestampMs  uint64          `json:"timestampMs"`
	LastOfEpoch  bool            `json:"lastOfEpoch"`
}

// NextCommittee describes the validator set effective from the next epoch.
type NextCommittee struct {
	Epoch     EpochID           `json:"epoch"`
	Voters    map[string]uint64 `json:"voters"` // authority name -> stake
}

// TotalStake sums the voting power of the committee.
func (c NextCommittee) TotalStake() uint64 {
	var total uint64
	for _, s := range c.Voters {
		total += s
	}
	return total
}

// EndOfEpochData is populated only on the last checkpoint of an epoch.
type EndOfEpochData struct {
	NextCommittee         NextCommittee  `json:"nextCommittee"`
	NextProtocolVersion    uint64        `json:"nextProtocolVersion"`
	EpochCommitments       []digest.Digest `json:"epochCommitments,omitempty"` // state commitment vector; empty when disabled
}

// CheckpointSummary is the Builder's locally-computed, self-signed summary
// of one checkpoint (spec 3, 4.2 step 7).
type CheckpointSummary struct {
	Epoch                   EpochID          `json:"epoch"`
	SequenceNumber          SequenceNumber   `json:"sequenceNumber"`
	NetworkTotalTransactions uint64          `json:"networkTotalTransactions"`
	ContentDigest           digest.Digest    `json:"contentDigest"`
	PreviousDigest          *digest.Digest   `json:"previousDigest,omitempty"`
	GasCostSummary          GasCostSummary   `json:"gasCostSummary"`
	EndOfEpochData          *EndOfEpochData  `json:"endOfEpochData,omitempty"`
	TimestampMs             uint64           `json:"timestampMs"`
}

// Digest computes the content-addressed identity of this summary (I1/I4).
func (s *CheckpointSummary) Digest() (digest.Digest, error) {
	return digest.OfCanonicalJSON(s)
}

// ExecutionDigests pairs a transaction digest with its effects digest, the
// unit stored in CheckpointContents.
type ExecutionDigests struct {
	Transaction digest.Digest `json:"transaction"`
	Effects     digest.Digest `json:"effects"`
}

// CheckpointContents is the ordered transaction list paired 1:1 with a
// summary by content digest (I4).
type CheckpointContents struct {
	Transactions    []ExecutionDigests   `json:"transactions"`
	UserSignatures  [][]byte             `json:"userSignatures"` // parallel to Transactions; empty slice for system txs
}

// Digest computes this contents' content-addressed identity.
func (c *CheckpointContents) Digest() (digest.Digest, error) {
	return digest.OfCanonicalJSON(c)
}

// Len returns the number of (tx, effects) pairs.
func (c *CheckpointContents) Len() int { return len(c.Transactions) }

// AuthoritySignature is one validator's BLS signature over a summary digest.
type AuthoritySignature struct {
	Authority    string        `json:"authority"`
	SummaryDigest digest.Digest `json:"summaryDigest"`
	Signature    []byte        `json:"signature"`
}

// CertifiedCheckpointSummary is a summary plus a strong-quorum aggregated
// signature; once written it is never mutated (spec 3, I7).
type CertifiedCheckpointSummary struct {
	Summary            CheckpointSummary `json:"summary"`
	SignedAuthorities   []string          `json:"signedAuthorities"`
	AggregateSignature  []byte            `json:"aggregateSignature"`
}

// Digest delegates to the wrapped summary's digest; a certified checkpoint's
// identity is its summary's identity.
func (c *CertifiedCheckpointSummary) Digest() (digest.Digest, error) {
	return c.Summary.Digest()
}

// SequenceNumber is a convenience accessor used throughout the store/builder.
func (c *CertifiedCheckpointSummary) SequenceNumber() SequenceNumber {
	return c.Summary.SequenceNumber
}

// IncludedTransaction pairs a transaction with the checkpoint sequence it
// was included in. The per-epoch "included in checkpoint" index consulted
// during effect closure (spec 4.2 step 2) stores the sequence number alone,
// not this type.
type IncludedTransaction struct {
	TransactionDigest digest.Digest  `json:"transactionDigest"`
	SequenceNumber    SequenceNumber `json:"sequenceNumber"`
}

// WatermarkName enumerates the monotonic watermarks of spec 4.1/I5.
type WatermarkName string

const (
	HighestVerified WatermarkName = "highest_verified"
	HighestSynced   WatermarkName = "highest_synced"
	HighestExecuted WatermarkName = "highest_executed"
	HighestPruned   WatermarkName = "highest_pruned"
)

// Watermark records a sequence number alongside the digest of the checkpoint
// at that sequence, so readers can validate they mean the same chain.
type Watermark struct {
	Sequence SequenceNumber `json:"sequence"`
	Digest   digest.Digest  `json:"digest"`
}

func (w Watermark) String() string {
	return fmt.Sprintf("#%d(%s)", w.Sequence, w.Digest)
}

// FullCheckpointContents is the same type as CheckpointContents, whose
// UserSignatures already carry the per-tx user signatures; the store keeps
// it until accumulation, then it is eligible for deletion (spec 4.1
// full_contents_by_sequence).
type FullCheckpointContents = CheckpointContents

// ProtocolConfig carries the handful of epoch-scoped knobs the Builder
// consults; out of scope (spec section 1) beyond this one flag.
type ProtocolConfig struct {
	StateCommitmentEnabled bool
}

// ChunkLimits bounds a single checkpoint's size (spec section 6).
type ChunkLimits struct {
	MaxTransactions int
	MaxBytes        int
}

// Clock abstracts wall-clock time. The Builder accepts one, but a summary's
// TimestampMs is taken from its pending checkpoint, not from the clock.
type Clock interface {
	NowMs() uint64
}

// SystemClock is the production Clock.
type SystemClock struct{}

func (SystemClock) NowMs() uint64 { return uint64(time.Now().UnixMilli()) }
