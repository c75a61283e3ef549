// Copyright 2025 Certen Protocol
//
// Checkpoint Store - crash-consistent keyed index of pending, locally
// computed, certified, and synced checkpoints with monotonic watermarks
// (spec section 4.1). Grounded on the teacher's pkg/ledger.LedgerStore:
// same JSON-over-KV pattern, same "load meta, mutate, marshal, write back"
// shape, generalized to checkpoint-shaped records and to atomic multi-key
// write batches via pkg/kvdb.
//
// Reads are lock-free (the underlying KV is safe for concurrent readers);
// writes that touch more than one logical table go through a single
// kvdb.Batch so a crash mid-update cannot leave the tables mutually
// inconsistent.

package store

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/certen/checkpoint-core/pkg/digest"
	"github.com/certen/checkpoint-core/pkg/kvdb"
	"github.com/certen/checkpoint-core/pkg/types"
)

// Store is the Checkpoint Store. Only one instance exists per process
// (spec section 3, Ownership); the Builder and Aggregator share a handle.
type Store struct {
	kv     kvdb.KV
	logger *log.Logger
}

// New creates a Store backed by the given KV engine.
func New(kv kvdb.KV, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.New(log.Writer(), "[CheckpointStore] ", log.LstdFlags)
	}
	return &Store{kv: kv, logger: logger}
}

func getJSON(kv kvdb.KV, key []byte, out interface{}) (bool, error) {
	b, err := kv.Get(key)
	if err != nil {
		return false, err
	}
	if len(b) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return true, nil
}

func setJSON(b kvdb.Batch, key []byte, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return b.Set(key, raw)
}

// ====== Local summaries (Builder output) ======

// GetLocalSummary returns the locally-built summary at seq, if any.
func (s *Store) GetLocalSummary(seq types.SequenceNumber) (*types.CheckpointSummary, bool, error) {
	var v types.CheckpointSummary
	ok, err := getJSON(s.kv, keyLocalSummaryBySequence(seq), &v)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &v, true, nil
}

// GetLatestLocalSummary returns the highest-sequence locally-built summary,
// if any exist, by reverse iteration over local_summary_by_sequence. The
// Builder uses this (not the certified chain) to seed the next pipeline
// run's sequence number and rolling gas, since it routinely runs ahead of
// certification.
func (s *Store) GetLatestLocalSummary() (*types.CheckpointSummary, bool, error) {
	it, err := s.kv.ReverseIterator(prefixLocalSummaryBySequence, prefixUpperBound(prefixLocalSummaryBySequence))
	if err != nil {
		return nil, false, err
	}
	defer it.Close()
	if !it.Valid() {
		return nil, false, nil
	}
	var v types.CheckpointSummary
	if err := json.Unmarshal(it.Value(), &v); err != nil {
		return nil, false, fmt.Errorf("unmarshal latest local summary: %w", err)
	}
	return &v, true, nil
}

// InsertLocalCheckpoint atomically persists a Builder-produced
// (summary, contents, full contents) triple across the contents_by_digest,
// sequence_by_contents_digest, full_contents_by_sequence and
// local_summary_by_sequence tables (spec 4.2 step 8), then checks the
// self-fork invariant (I6) against any certified checkpoint already present
// at this sequence number.
func (s *Store) InsertLocalCheckpoint(summary *types.CheckpointSummary, contents *types.CheckpointContents, full *types.FullCheckpointContents) error {
	contentDigest, err := contents.Digest()
	if err != nil {
		return fmt.Errorf("digest contents: %w", err)
	}
	if contentDigest != summary.ContentDigest {
		return fmt.Errorf("content digest mismatch for sequence %d", summary.SequenceNumber)
	}

	b := s.kv.NewBatch()
	defer b.Close()

	if err := setJSON(b, keyContentsByDigest(contentDigest), contents); err != nil {
		return err
	}
	if err := b.Set(keySequenceByContentsDigest(contentDigest), encodeSeq(summary.SequenceNumber)); err != nil {
		return err
	}
	if full != nil {
		if err := setJSON(b, keyFullContentsBySequence(summary.SequenceNumber), full); err != nil {
			return err
		}
	}
	if err := setJSON(b, keyLocalSummaryBySequence(summary.SequenceNumber), summary); err != nil {
		return err
	}
	if err := b.WriteSync(); err != nil {
		return fmt.Errorf("write local checkpoint batch: %w", err)
	}

	return s.checkSelfFork(summary.SequenceNumber, summary)
}

// checkSelfFork enforces I6: a locally-computed summary and a certified
// summary at the same sequence number must be byte-equal. Mismatch panics,
// per spec section 7 (fatal integrity failure).
func (s *Store) checkSelfFork(seq types.SequenceNumber, local *types.CheckpointSummary) error {
	cert, ok, err := s.GetCertifiedBySequence(seq)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	localDigest, err := local.Digest()
	if err != nil {
		return err
	}
	certDigest, err := cert.Digest()
	if err != nil {
		return err
	}
	if localDigest != certDigest {
		s.logger.Printf("FATAL: self-fork at sequence %d: local=%s certified=%s", seq, localDigest, certDigest)
		panic(fmt.Sprintf("checkpoint store: self-fork at sequence %d (local=%s, certified=%s)", seq, localDigest, certDigest))
	}
	return nil
}

// GetContentsByDigest returns checkpoint contents by content digest.
func (s *Store) GetContentsByDigest(d digest.Digest) (*types.CheckpointContents, bool, error) {
	var v types.CheckpointContents
	ok, err := getJSON(s.kv, keyContentsByDigest(d), &v)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &v, true, nil
}

// GetSequenceByContentsDigest resolves a content digest to its sequence.
func (s *Store) GetSequenceByContentsDigest(d digest.Digest) (types.SequenceNumber, bool, error) {
	b, err := s.kv.Get(keySequenceByContentsDigest(d))
	if err != nil {
		return 0, false, err
	}
	if len(b) == 0 {
		return 0, false, nil
	}
	return decodeSeq(b), true, nil
}

// GetFullContents returns the per-tx-signature contents for a sequence.
func (s *Store) GetFullContents(seq types.SequenceNumber) (*types.FullCheckpointContents, bool, error) {
	var v types.FullCheckpointContents
	ok, err := getJSON(s.kv, keyFullContentsBySequence(seq), &v)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &v, true, nil
}

// DeleteFullContents removes the per-tx-signature record for a sequence,
// once the state accumulator no longer needs it (spec section 4.1).
func (s *Store) DeleteFullContents(seq types.SequenceNumber) error {
	return s.kv.Delete(keyFullContentsBySequence(seq))
}

// ====== Certified checkpoints ======

// GetCertifiedBySequence returns the certified checkpoint at seq, if any.
func (s *Store) GetCertifiedBySequence(seq types.SequenceNumber) (*types.CertifiedCheckpointSummary, bool, error) {
	var v types.CertifiedCheckpointSummary
	ok, err := getJSON(s.kv, keyCertifiedBySequence(seq), &v)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &v, true, nil
}

// GetCertifiedByDigest returns the certified checkpoint with the given
// summary digest, if any.
func (s *Store) GetCertifiedByDigest(d digest.Digest) (*types.CertifiedCheckpointSummary, bool, error) {
	var v types.CertifiedCheckpointSummary
	ok, err := getJSON(s.kv, keyCertifiedByDigest(d), &v)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &v, true, nil
}

// GetEpochLastCheckpoint returns the sequence number of the last checkpoint
// of the given epoch, if that epoch has closed.
func (s *Store) GetEpochLastCheckpoint(epoch types.EpochID) (types.SequenceNumber, bool, error) {
	b, err := s.kv.Get(keyEpochLastCheckpoint(epoch))
	if err != nil {
		return 0, false, err
	}
	if len(b) == 0 {
		return 0, false, nil
	}
	return decodeSeq(b), true, nil
}

// GetLatestCertified returns the highest-sequence certified checkpoint, if
// any exist, by reverse iteration over certified_by_sequence (spec 4.1:
// "Iteration in reverse sequence order supplies 'latest' queries").
func (s *Store) GetLatestCertified() (*types.CertifiedCheckpointSummary, bool, error) {
	it, err := s.kv.ReverseIterator(prefixCertifiedBySequence, prefixUpperBound(prefixCertifiedBySequence))
	if err != nil {
		return nil, false, err
	}
	defer it.Close()
	if !it.Valid() {
		return nil, false, nil
	}
	var v types.CertifiedCheckpointSummary
	if err := json.Unmarshal(it.Value(), &v); err != nil {
		return nil, false, fmt.Errorf("unmarshal latest certified: %w", err)
	}
	return &v, true, nil
}

// InsertCertifiedCheckpoint atomically writes certified_by_sequence,
// certified_by_digest, and (if end-of-epoch) epoch_last_checkpoint, then
// checks I6 against any existing local summary at that sequence (spec 4.1).
func (s *Store) InsertCertifiedCheckpoint(cert *types.CertifiedCheckpointSummary) error {
	certDigest, err := cert.Digest()
	if err != nil {
		return fmt.Errorf("digest certificate: %w", err)
	}
	seq := cert.SequenceNumber()

	b := s.kv.NewBatch()
	defer b.Close()

	if err := setJSON(b, keyCertifiedBySequence(seq), cert); err != nil {
		return err
	}
	if err := setJSON(b, keyCertifiedByDigest(certDigest), cert); err != nil {
		return err
	}
	if cert.Summary.EndOfEpochData != nil {
		if err := b.Set(keyEpochLastCheckpoint(cert.Summary.Epoch), encodeSeq(seq)); err != nil {
			return err
		}
	}
	if err := b.WriteSync(); err != nil {
		return fmt.Errorf("write certified checkpoint batch: %w", err)
	}

	local, ok, err := s.GetLocalSummary(seq)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return s.checkSelfFork(seq, local)
}

// InsertVerifiedCheckpoint additionally bumps HighestVerified iff the new
// sequence exceeds the current one (spec 4.1).
func (s *Store) InsertVerifiedCheckpoint(cert *types.CertifiedCheckpointSummary) error {
	if err := s.InsertCertifiedCheckpoint(cert); err != nil {
		return err
	}
	d, err := cert.Digest()
	if err != nil {
		return err
	}
	return s.bumpWatermarkIfHigher(types.HighestVerified, types.Watermark{Sequence: cert.SequenceNumber(), Digest: d})
}

// ====== Watermarks (I5) ======

// GetWatermark returns the current value of a named watermark.
func (s *Store) GetWatermark(name types.WatermarkName) (types.Watermark, bool, error) {
	var v types.Watermark
	ok, err := getJSON(s.kv, keyWatermark(name), &v)
	return v, ok, err
}

func (s *Store) setWatermark(name types.WatermarkName, wm types.Watermark) error {
	b := s.kv.NewBatch()
	defer b.Close()
	if err := setJSON(b, keyWatermark(name), wm); err != nil {
		return err
	}
	return b.WriteSync()
}

func (s *Store) bumpWatermarkIfHigher(name types.WatermarkName, wm types.Watermark) error {
	cur, ok, err := s.GetWatermark(name)
	if err != nil {
		return err
	}
	if ok && wm.Sequence <= cur.Sequence {
		return nil
	}
	return s.setWatermark(name, wm)
}

// UpdateHighestExecuted advances HighestExecuted by exactly +1 (I5); any
// other delta is rejected.
func (s *Store) UpdateHighestExecuted(wm types.Watermark) error {
	cur, ok, err := s.GetWatermark(types.HighestExecuted)
	if err != nil {
		return err
	}
	if ok && wm.Sequence != cur.Sequence+1 {
		return fmt.Errorf("%w: have %d, want %d", ErrNonUnitAdvance, wm.Sequence, cur.Sequence+1)
	}
	if !ok && wm.Sequence != 0 {
		return fmt.Errorf("%w: have %d, want 0", ErrNonUnitAdvance, wm.Sequence)
	}
	return s.setWatermark(types.HighestExecuted, wm)
}

// UpdateHighestSynced advances HighestSynced; it must not exceed
// HighestVerified (I5).
func (s *Store) UpdateHighestSynced(wm types.Watermark) error {
	verified, ok, err := s.GetWatermark(types.HighestVerified)
	if err != nil {
		return err
	}
	if ok && wm.Sequence > verified.Sequence {
		return fmt.Errorf("%w: synced %d exceeds verified %d", ErrWatermarkRegression, wm.Sequence, verified.Sequence)
	}
	return s.bumpWatermarkIfHigher(types.HighestSynced, wm)
}

// UpdateHighestPruned advances HighestPruned; it must not exceed
// HighestExecuted (I5).
func (s *Store) UpdateHighestPruned(wm types.Watermark) error {
	executed, ok, err := s.GetWatermark(types.HighestExecuted)
	if err != nil {
		return err
	}
	if ok && wm.Sequence > executed.Sequence {
		return fmt.Errorf("%w: pruned %d exceeds executed %d", ErrWatermarkRegression, wm.Sequence, executed.Sequence)
	}
	return s.bumpWatermarkIfHigher(types.HighestPruned, wm)
}

// ====== Builder / Aggregator cursors (spec section C, supplemented) ======

// GetBuilderLastProcessedHeight returns the last pending commit height the
// Builder has fully processed for an epoch.
func (s *Store) GetBuilderLastProcessedHeight(epoch types.EpochID) (types.CommitHeight, bool, error) {
	b, err := s.kv.Get(keyBuilderLastProcessedHeight(epoch))
	if err != nil {
		return 0, false, err
	}
	if len(b) == 0 {
		return 0, false, nil
	}
	return decodeSeq(b), true, nil
}

// SetBuilderLastProcessedHeight persists the Builder's per-epoch cursor.
func (s *Store) SetBuilderLastProcessedHeight(epoch types.EpochID, height types.CommitHeight) error {
	return s.kv.Set(keyBuilderLastProcessedHeight(epoch), encodeSeq(height))
}

// GetAggregatorNextIndex returns the next unconsumed per-peer signature
// index for a sequence number.
func (s *Store) GetAggregatorNextIndex(seq types.SequenceNumber) (uint64, bool, error) {
	b, err := s.kv.Get(keyAggregatorNextIndex(seq))
	if err != nil {
		return 0, false, err
	}
	if len(b) == 0 {
		return 0, false, nil
	}
	return decodeSeq(b), true, nil
}

// SetAggregatorNextIndex persists the Aggregator's per-sequence signature
// cursor so a restart does not re-process consumed signatures.
func (s *Store) SetAggregatorNextIndex(seq types.SequenceNumber, next uint64) error {
	return s.kv.Set(keyAggregatorNextIndex(seq), encodeSeq(next))
}

func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil // prefix is all 0xff; no finite upper bound needed in practice
}
