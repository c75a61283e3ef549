// Copyright 2025 Certen Protocol
//
// Fork Diagnostics (spec section 4.4): run when the Aggregator sees a
// quorum form on a digest other than the locally-built one. A split-brain
// (quorum unreachable) report only increments a counter and is logged; no
// diagnosis runs for it. Picks one uniformly-random disagreeing peer per
// distinct remote digest, queries its checkpoint contents over RPC, and
// writes a unified-diff dump to disk. Best-effort and strictly
// non-mutating: a failed peer query is logged and skipped, never retried
// mid-run. Grounded on the teacher's reconciliation/dump style in
// pkg/batch/confirmation_tracker.go and the authority RPC client shape of
// pkg/ethereum's read-only query methods.

package forkdiag

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/certen/checkpoint-core/pkg/bls"
	"github.com/certen/checkpoint-core/pkg/digest"
	"github.com/certen/checkpoint-core/pkg/types"
)

// AuthorityClient queries one peer authority's view of a checkpoint over
// RPC transport. Production instances wrap a network client; tests supply
// fakes keyed by authority name.
type AuthorityClient interface {
	GetCheckpointSummary(ctx context.Context, authority string, seq types.SequenceNumber) (*types.CheckpointSummary, error)
	GetCheckpointContents(ctx context.Context, authority string, d digest.Digest) (*types.CheckpointContents, error)
}

// RemoteClaim is one peer's reported digest for a disputed sequence, built
// from the Aggregator's disagreement report.
type RemoteClaim struct {
	Authority string
	Digest    digest.Digest
}

// Diagnostics runs fork diagnostics and writes dump files under Dir.
type Diagnostics struct {
	client AuthorityClient
	dir    string
	logger *log.Logger
}

// New creates a Diagnostics writer rooted at dir.
func New(client AuthorityClient, dir string, logger *log.Logger) *Diagnostics {
	if logger == nil {
		logger = log.New(log.Writer(), "[ForkDiag] ", log.LstdFlags)
	}
	return &Diagnostics{client: client, dir: dir, logger: logger}
}

// Dump is a self-contained diagnostic record for one disputed sequence.
type Dump struct {
	LocalValidator string
	TimestampMs    uint64
	Sequence       types.SequenceNumber
	LocalSummary   *types.CheckpointSummary
	PeerDiffs      []PeerDiff
}

// PeerDiff captures one disagreeing peer's view alongside a textual diff
// against the local summary.
type PeerDiff struct {
	Authority string
	Digest    digest.Digest
	Diff      string
	Err       string
}

// Diagnose groups claims by remote digest, picks one uniformly-random peer
// per distinct digest, queries each, and writes a dump file. It never
// mutates the checkpoint store; any per-peer RPC failure is recorded in
// that peer's PeerDiff.Err and does not abort the others.
func (d *Diagnostics) Diagnose(ctx context.Context, localValidator string, seq types.SequenceNumber, local *types.CheckpointSummary, localContents *types.CheckpointContents, claims []RemoteClaim) (*Dump, error) {
	byDigest := make(map[digest.Digest][]RemoteClaim)
	for _, c := range claims {
		byDigest[c.Digest] = append(byDigest[c.Digest], c)
	}

	dump := &Dump{
		LocalValidator: localValidator,
		TimestampMs:    uint64(time.Now().UnixMilli()),
		Sequence:       seq,
		LocalSummary:   local,
	}

	for digestValue, group := range byDigest {
		peer, err := pickRandomPeer(group)
		if err != nil {
			d.logger.Printf("sequence %d: pick peer for digest %s: %v", seq, digestValue, err)
			continue
		}

		pd := PeerDiff{Authority: peer.Authority, Digest: peer.Digest}
		remoteSummary, err := d.client.GetCheckpointSummary(ctx, peer.Authority, seq)
		if err != nil {
			pd.Err = err.Error()
			dump.PeerDiffs = append(dump.PeerDiffs, pd)
			continue
		}
		var remoteContents *types.CheckpointContents
		remoteContents, err = d.client.GetCheckpointContents(ctx, peer.Authority, remoteSummary.ContentDigest)
		if err != nil {
			pd.Err = err.Error()
			dump.PeerDiffs = append(dump.PeerDiffs, pd)
			continue
		}
		pd.Diff = unifiedDiff(local, localContents, remoteSummary, remoteContents)
		dump.PeerDiffs = append(dump.PeerDiffs, pd)
	}

	if err := d.write(dump); err != nil {
		return dump, fmt.Errorf("write fork diagnostic dump: %w", err)
	}
	return dump, nil
}

// pickRandomPeer selects one uniformly-random claim from group using
// bls.GenerateRandomBytes, the same CSPRNG source the BLS package already
// exercises for key generation.
func pickRandomPeer(group []RemoteClaim) (RemoteClaim, error) {
	if len(group) == 1 {
		return group[0], nil
	}
	raw, err := bls.GenerateRandomBytes(8)
	if err != nil {
		return RemoteClaim{}, fmt.Errorf("generate random selector: %w", err)
	}
	n := new(big.Int).SetBytes(raw)
	idx := int(n.Mod(n, big.NewInt(int64(len(group)))).Int64())
	return group[idx], nil
}

func (d *Diagnostics) write(dump *Dump) error {
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return err
	}
	name := filepath.Join(d.dir, fmt.Sprintf("fork-seq-%s-%d.txt", seqHex(dump.Sequence), dump.TimestampMs))
	var sb strings.Builder
	fmt.Fprintf(&sb, "validator: %s\n", dump.LocalValidator)
	fmt.Fprintf(&sb, "timestamp_ms: %d\n", dump.TimestampMs)
	fmt.Fprintf(&sb, "sequence: %d\n", dump.Sequence)
	if dump.LocalSummary != nil {
		localDigest, _ := dump.LocalSummary.Digest()
		fmt.Fprintf(&sb, "local_digest: %s\n", localDigest)
	}
	for _, pd := range dump.PeerDiffs {
		fmt.Fprintf(&sb, "--- peer %s (claims %s) ---\n", pd.Authority, pd.Digest)
		if pd.Err != "" {
			fmt.Fprintf(&sb, "error: %s\n", pd.Err)
			continue
		}
		sb.WriteString(pd.Diff)
		sb.WriteString("\n")
	}
	return os.WriteFile(name, []byte(sb.String()), 0o644)
}

func seqHex(seq types.SequenceNumber) string {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return fmt.Sprintf("%x", b)
}

// unifiedDiff produces a compact line-oriented diff of summary and contents
// fields between local and remote, enough to tell an operator which field
// diverged without requiring a full diff library.
func unifiedDiff(local *types.CheckpointSummary, localContents *types.CheckpointContents, remote *types.CheckpointSummary, remoteContents *types.CheckpointContents) string {
	var sb strings.Builder
	diffField := func(name string, a, b string) {
		if a != b {
			fmt.Fprintf(&sb, "- %s: %s\n+ %s: %s\n", name, a, name, b)
		}
	}
	diffField("content_digest", local.ContentDigest.String(), remote.ContentDigest.String())
	if (local.PreviousDigest == nil) != (remote.PreviousDigest == nil) {
		fmt.Fprintf(&sb, "- previous_digest present: %v\n+ previous_digest present: %v\n", local.PreviousDigest != nil, remote.PreviousDigest != nil)
	}
	if local.NetworkTotalTransactions != remote.NetworkTotalTransactions {
		fmt.Fprintf(&sb, "- network_total_transactions: %d\n+ network_total_transactions: %d\n", local.NetworkTotalTransactions, remote.NetworkTotalTransactions)
	}
	if localContents != nil && remoteContents != nil && localContents.Len() != remoteContents.Len() {
		fmt.Fprintf(&sb, "- contents.len: %d\n+ contents.len: %d\n", localContents.Len(), remoteContents.Len())
	}
	if sb.Len() == 0 {
		sb.WriteString("(no field-level differences detected; digests diverge on encoding or signature set)\n")
	}
	return sb.String()
}

// LocalLookup resolves the local validator's own summary/contents for a
// disputed sequence, so the Observer adapter can build a Dump without the
// Aggregator needing to know about the diagnostics subsystem's shape.
type LocalLookup func(seq types.SequenceNumber) (*types.CheckpointSummary, *types.CheckpointContents, error)

// Observer adapts Diagnostics to the Aggregator's ForkObserver shape (spec
// section 4.3 step 6 / 4.4): it fires diagnosis in the background on
// disagreement, and increments a caller-supplied metric on both
// disagreement and split-brain, without blocking the Aggregator loop.
type Observer struct {
	diag           *Diagnostics
	localValidator string
	lookup         LocalLookup
	onFork         func()
	onUnreachable  func()
	logger         *log.Logger
}

// NewObserver builds a ForkObserver-shaped adapter. onFork/onUnreachable
// may be nil; when set they are typically prometheus counter Inc funcs.
func NewObserver(diag *Diagnostics, localValidator string, lookup LocalLookup, onFork, onUnreachable func(), logger *log.Logger) *Observer {
	if logger == nil {
		logger = log.New(log.Writer(), "[ForkDiag] ", log.LstdFlags)
	}
	return &Observer{diag: diag, localValidator: localValidator, lookup: lookup, onFork: onFork, onUnreachable: onUnreachable, logger: logger}
}

// ObserveDisagreement runs diagnosis asynchronously against the single
// known disagreeing digest's reporting authorities (spec 4.4: "one
// uniformly-random disagreeing validator per distinct remote digest" — here
// there is exactly one distinct remote digest, the one that reached
// quorum).
func (o *Observer) ObserveDisagreement(seq types.SequenceNumber, localDigest, remoteDigest digest.Digest, remoteAuthorities []string) {
	if o.onFork != nil {
		o.onFork()
	}
	claims := make([]RemoteClaim, len(remoteAuthorities))
	for i, auth := range remoteAuthorities {
		claims[i] = RemoteClaim{Authority: auth, Digest: remoteDigest}
	}
	go func() {
		local, contents, err := o.lookup(seq)
		if err != nil {
			o.logger.Printf("sequence %d: local lookup for diagnosis failed: %v", seq, err)
			return
		}
		if _, err := o.diag.Diagnose(context.Background(), o.localValidator, seq, local, contents, claims); err != nil {
			o.logger.Printf("sequence %d: diagnosis failed: %v", seq, err)
		}
	}()
}

// ObserveQuorumUnreachable increments the split-brain metric. Per spec
// section 4.3 step 6, the process does not halt automatically.
func (o *Observer) ObserveQuorumUnreachable(seq types.SequenceNumber) {
	if o.onUnreachable != nil {
		o.onUnreachable()
	}
	o.logger.Printf("sequence %d: quorum unreachable (split brain)", seq)
}
