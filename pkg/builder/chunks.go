// Copyright 2025 Certen Protocol
//
// Chunk splitting for the Builder pipeline (spec section 4.2 step 6).
// Grounded on pkg/batch/processor.go's size-and-count-bounded batch
// splitting, generalized to track both transaction count and serialized
// byte size simultaneously and to allow a single oversized item through
// alone.

package builder

import "github.com/certen/checkpoint-core/pkg/types"

// chunkItem is one transaction carried through chunk splitting and summary
// materialization.
type chunkItem struct {
	effects types.TransactionEffects
	body    *types.TransactionBody
	sig     []byte
}

func (c chunkItem) sizeBytes() int {
	return c.body.SerializedBytes + len(c.effects.EffectsDigest) + len(c.sig)
}

// splitCheckpointChunks groups ordered items into chunks respecting
// limits.MaxTransactions and limits.MaxBytes. A single item exceeding
// MaxBytes alone is still emitted, in its own chunk (spec: "a single item
// larger than the byte cap is permitted alone with a warning"). An empty
// input yields exactly one empty chunk, covering both the epoch-close
// heartbeat case and the ordinary empty-pending case (there are, by
// definition, no other chunks to prefer when the input is empty).
func splitCheckpointChunks(ordered []types.TransactionEffects, bodies []*types.TransactionBody, sigs [][]byte, limits types.ChunkLimits, lastOfEpoch bool) [][]chunkItem {
	_ = lastOfEpoch // both empty-input branches of spec 4.2 step 6 coincide; kept for call-site clarity

	if len(ordered) == 0 {
		return [][]chunkItem{{}}
	}

	items := make([]chunkItem, len(ordered))
	for i := range ordered {
		items[i] = chunkItem{effects: ordered[i], body: bodies[i], sig: sigs[i]}
	}

	var chunks [][]chunkItem
	var current []chunkItem
	var currentBytes int

	flush := func() {
		if len(current) > 0 {
			chunks = append(chunks, current)
			current = nil
			currentBytes = 0
		}
	}

	for _, item := range items {
		itemBytes := item.sizeBytes()

		if len(current) == 0 && limits.MaxBytes > 0 && itemBytes > limits.MaxBytes {
			// Oversized single item: its own chunk, regardless of caps.
			chunks = append(chunks, []chunkItem{item})
			continue
		}

		wouldExceedCount := limits.MaxTransactions > 0 && len(current)+1 > limits.MaxTransactions
		wouldExceedBytes := limits.MaxBytes > 0 && currentBytes+itemBytes > limits.MaxBytes
		if len(current) > 0 && (wouldExceedCount || wouldExceedBytes) {
			flush()
		}

		current = append(current, item)
		currentBytes += itemBytes
	}
	flush()

	return chunks
}
