// Copyright 2025 Certen Protocol
//
// KV key layout for the checkpoint store, grounded on the teacher's
// pkg/ledger/store.go key-builder pattern (fixed-width big-endian numeric
// keys, byte-string prefixes per logical table).

package store

import (
	"encoding/binary"

	"github.com/certen/checkpoint-core/pkg/digest"
	"github.com/certen/checkpoint-core/pkg/types"
)

var (
	prefixContentsByDigest          = []byte("checkpoint:contents_by_digest:")
	prefixSequenceByContentsDigest  = []byte("checkpoint:sequence_by_contents_digest:")
	prefixFullContentsBySequence    = []byte("checkpoint:full_contents_by_sequence:")
	prefixCertifiedBySequence       = []byte("checkpoint:certified_by_sequence:")
	prefixCertifiedByDigest         = []byte("checkpoint:certified_by_digest:")
	prefixLocalSummaryBySequence    = []byte("checkpoint:local_summary_by_sequence:")
	prefixEpochLastCheckpoint       = []byte("checkpoint:epoch_last_checkpoint:")
	prefixWatermark                 = []byte("checkpoint:watermark:")
	prefixBuilderLastProcessedHeight = []byte("checkpoint:builder_last_processed_height:")
	prefixAggregatorNextIndex       = []byte("checkpoint:aggregator_next_index:")
)

func seqKey(prefix []byte, seq types.SequenceNumber) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return append(append([]byte{}, prefix...), b...)
}

func epochKey(prefix []byte, epoch types.EpochID) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, epoch)
	return append(append([]byte{}, prefix...), b...)
}

func digestKey(prefix []byte, d digest.Digest) []byte {
	return append(append([]byte{}, prefix...), d[:]...)
}

func keyContentsByDigest(d digest.Digest) []byte { return digestKey(prefixContentsByDigest, d) }

func keySequenceByContentsDigest(d digest.Digest) []byte {
	return digestKey(prefixSequenceByContentsDigest, d)
}

func keyFullContentsBySequence(seq types.SequenceNumber) []byte {
	return seqKey(prefixFullContentsBySequence, seq)
}

func keyCertifiedBySequence(seq types.SequenceNumber) []byte {
	return seqKey(prefixCertifiedBySequence, seq)
}

func keyCertifiedByDigest(d digest.Digest) []byte { return digestKey(prefixCertifiedByDigest, d) }

func keyLocalSummaryBySequence(seq types.SequenceNumber) []byte {
	return seqKey(prefixLocalSummaryBySequence, seq)
}

func keyEpochLastCheckpoint(epoch types.EpochID) []byte {
	return epochKey(prefixEpochLastCheckpoint, epoch)
}

func keyWatermark(name types.WatermarkName) []byte {
	return append(append([]byte{}, prefixWatermark...), []byte(name)...)
}

func keyBuilderLastProcessedHeight(epoch types.EpochID) []byte {
	return epochKey(prefixBuilderLastProcessedHeight, epoch)
}

func keyAggregatorNextIndex(seq types.SequenceNumber) []byte {
	return seqKey(prefixAggregatorNextIndex, seq)
}

func encodeSeq(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

func decodeSeq(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
