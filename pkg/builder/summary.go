// Copyright 2025 Certen Protocol
//
// Checkpoint summary materialization (spec section 4.2 step 7): turns one
// ordered, sized chunk into a (CheckpointSummary, CheckpointContents) pair
// with rolling gas, sequence numbering, and end-of-epoch closure. Grounded
// on pkg/batch/processor.go's per-batch result construction.

package builder

import (
	"context"
	"fmt"

	"github.com/certen/checkpoint-core/pkg/types"
)

// materializeSummary builds the summary/contents/full-contents triple for
// one chunk, closing the epoch if isFinal is set.
func (b *Builder) materializeSummary(ctx context.Context, chunk []chunkItem, pc types.PendingCheckpoint, prev *types.CheckpointSummary, havePrev bool, isFinal bool) (materialized, error) {
	var seq types.SequenceNumber
	var networkTotal uint64
	var prevDigestPtr *types.CheckpointSummary
	if havePrev {
		seq = prev.SequenceNumber + 1
		networkTotal = prev.NetworkTotalTransactions
		prevDigestPtr = prev
	}

	var chunkGas types.GasCostSummary
	txDigests := make([]types.ExecutionDigests, 0, len(chunk)+1)
	userSigs := make([][]byte, 0, len(chunk)+1)
	for _, item := range chunk {
		chunkGas = chunkGas.Add(item.effects.GasUsed)
		txDigests = append(txDigests, types.ExecutionDigests{
			Transaction: item.effects.TransactionDigest,
			Effects:     item.effects.EffectsDigest,
		})
		userSigs = append(userSigs, item.sig)
	}
	networkTotal += uint64(len(chunk))

	var rollingGas types.GasCostSummary
	if havePrev && prev.Epoch == pc.Epoch {
		rollingGas = prev.GasCostSummary.Add(chunkGas)
	} else {
		rollingGas = chunkGas
	}

	var eoe *types.EndOfEpochData
	if isFinal {
		adv, err := b.authority.CreateAndExecuteAdvanceEpochTx(ctx, pc.Epoch)
		if err != nil {
			return materialized{}, fmt.Errorf("advance epoch %d: %w", pc.Epoch, err)
		}
		txDigests = append(txDigests, types.ExecutionDigests{
			Transaction: adv.Effects.TransactionDigest,
			Effects:     adv.Effects.EffectsDigest,
		})
		userSigs = append(userSigs, nil)
		networkTotal++
		rollingGas = rollingGas.Add(adv.Effects.GasUsed)

		accumEffects := make([]types.TransactionEffects, 0, len(chunk)+1)
		for _, item := range chunk {
			accumEffects = append(accumEffects, item.effects)
		}
		accumEffects = append(accumEffects, adv.Effects)
		if err := b.accumulator.AccumulateCheckpoint(accumEffects, seq, pc.Epoch); err != nil {
			return materialized{}, fmt.Errorf("accumulate checkpoint %d: %w", seq, err)
		}

		eoe = &types.EndOfEpochData{
			NextCommittee:       adv.NextCommittee,
			NextProtocolVersion: adv.NextProtocolVersion,
		}
		if b.protocol.StateCommitmentEnabled {
			stateDigest, err := b.accumulator.DigestEpoch(pc.Epoch, seq)
			if err != nil {
				return materialized{}, fmt.Errorf("digest epoch %d: %w", pc.Epoch, err)
			}
			eoe.EpochCommitments = append(eoe.EpochCommitments, stateDigest)
		}
	}

	contents := types.CheckpointContents{Transactions: txDigests, UserSignatures: userSigs}
	contentDigest, err := contents.Digest()
	if err != nil {
		return materialized{}, fmt.Errorf("digest contents: %w", err)
	}

	summary := types.CheckpointSummary{
		Epoch:                    pc.Epoch,
		SequenceNumber:           seq,
		NetworkTotalTransactions: networkTotal,
		ContentDigest:            contentDigest,
		GasCostSummary:           rollingGas,
		EndOfEpochData:           eoe,
		TimestampMs:              pc.TimestampMs,
	}
	if havePrev {
		d, err := prevDigestPtr.Digest()
		if err != nil {
			return materialized{}, fmt.Errorf("digest previous summary: %w", err)
		}
		summary.PreviousDigest = &d

		if summary.TimestampMs < prev.TimestampMs {
			b.logger.Printf("sequence %d: timestamp_ms %d is less than previous summary's %d (clock regression)", seq, summary.TimestampMs, prev.TimestampMs)
		}
	}

	return materialized{summary: summary, contents: contents, full: contents}, nil
}
