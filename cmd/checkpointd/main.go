// Copyright 2025 Certen Protocol
//
// checkpointd wires the Checkpoint Store, Builder, Aggregator, Fork
// Diagnostics and Checkpoint Service into one running process. Grounded on
// the teacher's main.go: config.Load/Validate, signal.Notify(SIGINT,
// SIGTERM) plus context cancellation, a background HTTP server for metrics,
// and graceful shutdown with a bounded timeout.
//
// The executor/consensus-handler boundary (EffectsNotifyRead,
// TransactionStore, StateAccumulator, AuthorityState, CheckpointOutput,
// CertifiedCheckpointOutput) is out of this module's scope (spec section
// 6); this binary wires them to a minimal in-process reference
// implementation so the pipeline is runnable standalone. Production
// deployments replace executorFake with adapters over the real executor.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/certen/checkpoint-core/pkg/aggregator"
	"github.com/certen/checkpoint-core/pkg/bls"
	"github.com/certen/checkpoint-core/pkg/builder"
	"github.com/certen/checkpoint-core/pkg/config"
	"github.com/certen/checkpoint-core/pkg/digest"
	"github.com/certen/checkpoint-core/pkg/epochstore"
	"github.com/certen/checkpoint-core/pkg/forkdiag"
	"github.com/certen/checkpoint-core/pkg/kvdb"
	"github.com/certen/checkpoint-core/pkg/metrics"
	"github.com/certen/checkpoint-core/pkg/service"
	"github.com/certen/checkpoint-core/pkg/store"
	"github.com/certen/checkpoint-core/pkg/types"
)

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Printf("starting checkpoint core")

	var (
		validatorName = flag.String("validator-name", "", "validator name (overrides CHECKPOINT_VALIDATOR_NAME)")
		committeePath = flag.String("committee-file", "", "path to the committee roster YAML file")
		showHelp      = flag.Bool("help", false, "show help message")
	)
	flag.Parse()
	if *showHelp {
		flag.Usage()
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}
	if *validatorName != "" {
		cfg.ValidatorName = *validatorName
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	if err := bls.Initialize(); err != nil {
		log.Fatalf("initialize BLS: %v", err)
	}
	skBytes, err := hex.DecodeString(cfg.BLSPrivateKeyHex)
	if err != nil {
		log.Fatalf("decode CHECKPOINT_BLS_PRIVATE_KEY: %v", err)
	}
	privateKey, err := bls.PrivateKeyFromBytes(skBytes)
	if err != nil {
		log.Fatalf("load BLS private key: %v", err)
	}

	if *committeePath == "" {
		*committeePath = filepath.Join(cfg.DataDir, "committee.yaml")
	}
	committeeFile, err := config.LoadCommitteeFile(*committeePath)
	if err != nil {
		log.Fatalf("load committee file: %v", err)
	}
	committee, err := buildCommittee(committeeFile)
	if err != nil {
		log.Fatalf("build committee: %v", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("create data directory: %v", err)
	}
	db, err := dbm.NewGoLevelDB("checkpoints", cfg.DataDir)
	if err != nil {
		log.Fatalf("open checkpoint database: %v", err)
	}
	kv := kvdb.New(db)

	checkpointStore := store.New(kv, log.New(log.Writer(), "[CheckpointStore] ", log.LstdFlags))
	epochStore := epochstore.New(kv, 0)

	exec := newExecutorFake(epochStore)

	limits := types.ChunkLimits{
		MaxTransactions: cfg.MaxTransactionsPerCheckpoint,
		MaxBytes:        cfg.MaxCheckpointSizeBytes,
	}
	if committeeFile.ChunkLimits.MaxTransactions > 0 {
		limits.MaxTransactions = committeeFile.ChunkLimits.MaxTransactions
	}
	if committeeFile.ChunkLimits.MaxBytes > 0 {
		limits.MaxBytes = committeeFile.ChunkLimits.MaxBytes
	}

	checkpointBuilder := builder.New(
		epochStore, exec, exec, exec, exec,
		checkpointStore, exec,
		types.ProtocolConfig{StateCommitmentEnabled: false},
		limits, types.SystemClock{},
		log.New(log.Writer(), "[Builder] ", log.LstdFlags),
	)

	diagDir := filepath.Join(cfg.DataDir, "fork-diagnostics")
	diag := forkdiag.New(noAuthorityClient{}, diagDir, log.New(log.Writer(), "[ForkDiag] ", log.LstdFlags))
	observer := forkdiag.NewObserver(diag, cfg.ValidatorName, func(seq types.SequenceNumber) (*types.CheckpointSummary, *types.CheckpointContents, error) {
		summary, ok, err := checkpointStore.GetLocalSummary(seq)
		if err != nil || !ok {
			return nil, nil, err
		}
		contents, _, err := checkpointStore.GetContentsByDigest(summary.ContentDigest)
		return summary, contents, err
	}, metrics.CheckpointForksTotal.WithLabelValues().Inc, metrics.CheckpointSplitBrainTotal.WithLabelValues().Inc, nil)

	committeeProvider := aggregator.NewStaticCommitteeProvider(committee)
	checkpointAggregator := aggregator.New(epochStore, checkpointStore, committeeProvider, exec, observer, log.New(log.Writer(), "[Aggregator] ", log.LstdFlags))

	svc := service.New(checkpointStore, epochStore, checkpointBuilder, checkpointAggregator, log.New(log.Writer(), "[CheckpointService] ", log.LstdFlags))
	_ = svc
	_ = privateKey

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		if err := checkpointBuilder.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("builder loop exited: %v", err)
		}
	}()
	go func() {
		if err := checkpointAggregator.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("aggregator loop exited: %v", err)
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	httpServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		log.Printf("metrics listening on %s", cfg.MetricsAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("metrics server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Printf("shutting down checkpoint core")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("metrics server shutdown error: %v", err)
	}
	if err := db.Close(); err != nil {
		log.Printf("database close error: %v", err)
	}
	log.Printf("checkpoint core stopped")
}

func buildCommittee(file *config.CommitteeFile) (aggregator.Committee, error) {
	committee := aggregator.Committee{
		Stake:      make(map[string]uint64, len(file.Members)),
		PublicKeys: make(map[string]*bls.PublicKey, len(file.Members)),
	}
	for _, m := range file.Members {
		committee.Stake[m.Authority] = m.Stake
		raw, err := hex.DecodeString(m.BLSPublicKeyHex)
		if err != nil {
			return aggregator.Committee{}, err
		}
		pk, err := bls.PublicKeyFromBytes(raw)
		if err != nil {
			return aggregator.Committee{}, err
		}
		committee.PublicKeys[m.Authority] = pk
	}
	return committee, nil
}

// noAuthorityClient is the default AuthorityClient when no peer RPC
// transport is wired in; fork diagnostics degrade to "peer unreachable"
// rather than panicking. Production deployments supply a real RPC client.
type noAuthorityClient struct{}

func (noAuthorityClient) GetCheckpointSummary(context.Context, string, types.SequenceNumber) (*types.CheckpointSummary, error) {
	return nil, os.ErrNotExist
}

func (noAuthorityClient) GetCheckpointContents(context.Context, string, digest.Digest) (*types.CheckpointContents, error) {
	return nil, os.ErrNotExist
}
