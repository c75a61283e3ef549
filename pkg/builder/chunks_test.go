// Copyright 2025 Certen Protocol
//
// Unit tests for chunk splitting (spec 4.2 step 6 scenarios S2/S3).

package builder

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/certen/checkpoint-core/pkg/digest"
	"github.com/certen/checkpoint-core/pkg/types"
)

func itemsOfSize(n, bytesEach int) ([]types.TransactionEffects, []*types.TransactionBody, [][]byte) {
	effects := make([]types.TransactionEffects, n)
	bodies := make([]*types.TransactionBody, n)
	sigs := make([][]byte, n)
	for i := 0; i < n; i++ {
		effects[i] = types.TransactionEffects{TransactionDigest: digest.FromBytes([]byte{byte(i)})}
		bodies[i] = &types.TransactionBody{SerializedBytes: bytesEach}
		sigs[i] = nil
	}
	return effects, bodies, sigs
}

// ============================================================================
// Empty input (S2 boundary case)
// ============================================================================

func TestSplitCheckpointChunks_EmptyInputYieldsOneEmptyChunk(t *testing.T) {
	chunks := splitCheckpointChunks(nil, nil, nil, types.ChunkLimits{MaxTransactions: 10, MaxBytes: 1000}, false)
	require.Len(t, chunks, 1)
	require.Empty(t, chunks[0])
}

func TestSplitCheckpointChunks_EmptyInputAtEpochCloseStillOneChunk(t *testing.T) {
	chunks := splitCheckpointChunks(nil, nil, nil, types.ChunkLimits{MaxTransactions: 10, MaxBytes: 1000}, true)
	require.Len(t, chunks, 1)
	require.Empty(t, chunks[0])
}

// ============================================================================
// Count-based chunking (S2)
// ============================================================================

func TestSplitCheckpointChunks_RespectsCountCap(t *testing.T) {
	effects, bodies, sigs := itemsOfSize(5, 10)
	chunks := splitCheckpointChunks(effects, bodies, sigs, types.ChunkLimits{MaxTransactions: 2, MaxBytes: 1 << 20}, false)

	require.Len(t, chunks, 3)
	require.Len(t, chunks[0], 2)
	require.Len(t, chunks[1], 2)
	require.Len(t, chunks[2], 1)
}

// ============================================================================
// Byte-based chunking (S3)
// ============================================================================

func TestSplitCheckpointChunks_RespectsByteCap(t *testing.T) {
	effects, bodies, sigs := itemsOfSize(4, 100)
	chunks := splitCheckpointChunks(effects, bodies, sigs, types.ChunkLimits{MaxTransactions: 1000, MaxBytes: 250}, false)

	// 100-byte items plus a 32-byte effects digest each come to 132 bytes, so
	// two (264) would exceed the 250-byte cap and every chunk holds one item.
	for _, c := range chunks {
		var total int
		for _, item := range c {
			total += item.sizeBytes()
		}
		require.LessOrEqual(t, total, 250)
	}
	var flattened int
	for _, c := range chunks {
		flattened += len(c)
	}
	require.Equal(t, 4, flattened)
}

func TestSplitCheckpointChunks_OversizedSingleItemGetsOwnChunk(t *testing.T) {
	effects, bodies, sigs := itemsOfSize(3, 10)
	bodies[1].SerializedBytes = 10_000 // exceeds the cap alone

	chunks := splitCheckpointChunks(effects, bodies, sigs, types.ChunkLimits{MaxTransactions: 1000, MaxBytes: 500}, false)

	var foundOversizedAlone bool
	for _, c := range chunks {
		if len(c) == 1 && c[0].body.SerializedBytes == 10_000 {
			foundOversizedAlone = true
		}
	}
	require.True(t, foundOversizedAlone, "oversized item must be emitted alone in its own chunk")

	var flattened int
	for _, c := range chunks {
		flattened += len(c)
	}
	require.Equal(t, 3, flattened)
}
