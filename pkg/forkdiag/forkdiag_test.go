// Copyright 2025 Certen Protocol
//
// Unit tests for Fork Diagnostics (spec 4.4): peer selection, diff
// generation, and best-effort behavior on a failing peer RPC.

package forkdiag

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/certen/checkpoint-core/pkg/digest"
	"github.com/certen/checkpoint-core/pkg/types"
)

type fakeAuthorityClient struct {
	summaries map[string]*types.CheckpointSummary
	contents  map[string]*types.CheckpointContents
	failFor   map[string]bool
}

func (f *fakeAuthorityClient) GetCheckpointSummary(ctx context.Context, authority string, seq types.SequenceNumber) (*types.CheckpointSummary, error) {
	if f.failFor[authority] {
		return nil, errors.New("rpc unavailable")
	}
	s, ok := f.summaries[authority]
	if !ok {
		return nil, errors.New("no such authority")
	}
	return s, nil
}

func (f *fakeAuthorityClient) GetCheckpointContents(ctx context.Context, authority string, d digest.Digest) (*types.CheckpointContents, error) {
	if f.failFor[authority] {
		return nil, errors.New("rpc unavailable")
	}
	c, ok := f.contents[authority]
	if !ok {
		return nil, errors.New("no such authority")
	}
	return c, nil
}

func testLocal(txCount int) (*types.CheckpointSummary, *types.CheckpointContents) {
	contents := &types.CheckpointContents{}
	for i := 0; i < txCount; i++ {
		contents.Transactions = append(contents.Transactions, types.ExecutionDigests{
			Transaction: digest.FromBytes([]byte{byte(i)}),
			Effects:     digest.FromBytes([]byte{byte(i), 0xff}),
		})
	}
	contentDigest, _ := contents.Digest()
	return &types.CheckpointSummary{SequenceNumber: 7, ContentDigest: contentDigest}, contents
}

func TestDiagnose_SinglePeerPerDigestQueriedAndDumped(t *testing.T) {
	local, localContents := testLocal(1)
	remote, remoteContents := testLocal(3)
	remoteDigest, err := remote.Digest()
	require.NoError(t, err)

	client := &fakeAuthorityClient{
		summaries: map[string]*types.CheckpointSummary{"peer-1": remote},
		contents:  map[string]*types.CheckpointContents{"peer-1": remoteContents},
	}
	dir := t.TempDir()
	diag := New(client, dir, log.New(log.Writer(), "[test] ", 0))

	dump, err := diag.Diagnose(context.Background(), "me", 7, local, localContents, []RemoteClaim{
		{Authority: "peer-1", Digest: remoteDigest},
	})
	require.NoError(t, err)
	require.Len(t, dump.PeerDiffs, 1)
	require.Equal(t, "peer-1", dump.PeerDiffs[0].Authority)
	require.Empty(t, dump.PeerDiffs[0].Err)
	require.Contains(t, dump.PeerDiffs[0].Diff, "content_digest")
	require.Contains(t, dump.PeerDiffs[0].Diff, "contents.len")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	require.Contains(t, string(data), "validator: me")
}

func TestDiagnose_FailingPeerRecordsErrAndDoesNotAbortOthers(t *testing.T) {
	local, localContents := testLocal(1)
	remoteA, remoteContentsA := testLocal(2)
	digestA, err := remoteA.Digest()
	require.NoError(t, err)
	remoteB, _ := testLocal(5)
	digestB, err := remoteB.Digest()
	require.NoError(t, err)

	client := &fakeAuthorityClient{
		summaries: map[string]*types.CheckpointSummary{"peer-a": remoteA},
		contents:  map[string]*types.CheckpointContents{"peer-a": remoteContentsA},
		failFor:   map[string]bool{"peer-b": true},
	}
	dir := t.TempDir()
	diag := New(client, dir, log.New(log.Writer(), "[test] ", 0))

	dump, err := diag.Diagnose(context.Background(), "me", 7, local, localContents, []RemoteClaim{
		{Authority: "peer-a", Digest: digestA},
		{Authority: "peer-b", Digest: digestB},
	})
	require.NoError(t, err)
	require.Len(t, dump.PeerDiffs, 2)

	var sawSuccess, sawFailure bool
	for _, pd := range dump.PeerDiffs {
		switch pd.Authority {
		case "peer-a":
			require.Empty(t, pd.Err)
			sawSuccess = true
		case "peer-b":
			require.NotEmpty(t, pd.Err)
			sawFailure = true
		}
	}
	require.True(t, sawSuccess)
	require.True(t, sawFailure)
}

func TestDiagnose_NoDifferencesProducesSentinelMessage(t *testing.T) {
	local, localContents := testLocal(2)
	remoteSummary := *local // identical fields
	remoteDigest, err := remoteSummary.Digest()
	require.NoError(t, err)

	client := &fakeAuthorityClient{
		summaries: map[string]*types.CheckpointSummary{"peer-1": &remoteSummary},
		contents:  map[string]*types.CheckpointContents{"peer-1": localContents},
	}
	dir := t.TempDir()
	diag := New(client, dir, log.New(log.Writer(), "[test] ", 0))

	dump, err := diag.Diagnose(context.Background(), "me", 7, local, localContents, []RemoteClaim{
		{Authority: "peer-1", Digest: remoteDigest},
	})
	require.NoError(t, err)
	require.Contains(t, dump.PeerDiffs[0].Diff, "no field-level differences detected")
}

// ============================================================================
// Observer adapter
// ============================================================================

func TestObserver_ObserveQuorumUnreachable_InvokesCallback(t *testing.T) {
	client := &fakeAuthorityClient{}
	diag := New(client, t.TempDir(), log.New(log.Writer(), "[test] ", 0))
	var unreachableCalls int
	obs := NewObserver(diag, "me", nil, nil, func() { unreachableCalls++ }, log.New(log.Writer(), "[test] ", 0))

	obs.ObserveQuorumUnreachable(3)
	obs.ObserveQuorumUnreachable(3)

	require.Equal(t, 2, unreachableCalls)
}

func TestObserver_ObserveDisagreement_InvokesOnForkCallback(t *testing.T) {
	client := &fakeAuthorityClient{}
	diag := New(client, t.TempDir(), log.New(log.Writer(), "[test] ", 0))
	forkCh := make(chan struct{}, 1)
	lookup := func(seq types.SequenceNumber) (*types.CheckpointSummary, *types.CheckpointContents, error) {
		local, contents := testLocal(1)
		return local, contents, nil
	}
	obs := NewObserver(diag, "me", lookup, func() { forkCh <- struct{}{} }, nil, log.New(log.Writer(), "[test] ", 0))

	localDigest := digest.FromBytes([]byte("local"))
	remoteDigest := digest.FromBytes([]byte("remote"))
	obs.ObserveDisagreement(3, localDigest, remoteDigest, []string{"peer-1"})

	select {
	case <-forkCh:
	default:
		t.Fatal("expected onFork callback to fire synchronously before diagnosis is dispatched")
	}
}
