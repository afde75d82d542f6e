package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ideaforge/engine/config"
	"github.com/ideaforge/engine/internal/bootstrap"
	"github.com/ideaforge/engine/internal/embedding"
	"github.com/ideaforge/engine/internal/orchestrator"
	"github.com/ideaforge/engine/internal/provider"
	"github.com/ideaforge/engine/internal/queue"
	"github.com/ideaforge/engine/internal/queue/streams"
	"github.com/ideaforge/engine/internal/queue/worker"
	"github.com/ideaforge/engine/internal/telemetry"
)

// main drives the durable job queue (C8): each consumed job runs the
// pipeline orchestrator (C7) to completion, retrying transient
// failures and reclaiming stalled consumers.
func main() {
	cfgPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg := config.LoadConfig(*cfgPath)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := log.New(os.Stdout, "[WORKER] ", log.LstdFlags)
	tel := telemetry.New(cfg.Telemetry, prometheus.DefaultRegisterer)

	st, err := bootstrap.OpenStore(ctx, cfg.Storage.Postgres, logger)
	if err != nil {
		log.Fatalf("worker %v", err)
	}
	defer func() { _ = st.Close() }()

	adapters, err := bootstrap.BuildAdapters(cfg.LLM)
	if err != nil {
		log.Fatalf("worker build adapters: %v", err)
	}

	embedCfg := cfg.Embedding.Normalize()
	embedAdapter, ok := provider.FindEmbeddingAdapter(adapters, embedCfg.Provider)
	if !ok {
		log.Fatalf("worker: no adapter %q supports embeddings", embedCfg.Provider)
	}
	embedder := embedding.New(embedAdapter, embedCfg)

	orch := orchestrator.New(st, adapters, embedder, cfg.Similarity.Normalize(), cfg.LLM, logger, tel.Tracer())
	orch.OnProviderCall(func(providerName string, success bool, latencyMs int64, promptTokens, completionTokens int) {
		tel.RecordProviderCall(providerName, success, time.Duration(latencyMs)*time.Millisecond, promptTokens, completionTokens)
	})
	orch.WithProviderHealth(func(providerName string) (float64, int64, int) {
		h := tel.ProviderHealth(providerName)
		return h.SuccessRate, h.AvgLatencyMs, h.Samples
	})

	rdb, err := bootstrap.OpenRedis(ctx, cfg.Storage.Redis)
	if err != nil {
		log.Fatalf("worker %v", err)
	}
	defer func() { _ = rdb.Close() }()

	registry := streams.NewSchemaRegistry()
	if err := streams.EnsureGroup(ctx, rdb, queue.StreamJobEnqueued, "worker-group"); err != nil {
		log.Fatalf("worker ensure group: %v", err)
	}

	consumerName := fmt.Sprintf("worker-%s", uuid.NewString()[:8])
	consumer := streams.NewConsumer(rdb, registry, "worker-group", consumerName)
	publisher := streams.NewPublisher(rdb, registry)

	processor := worker.New(logger, st, orch, publisher, consumer, cfg.Queue.Normalize(), tel.Tracer())

	if err := processor.Start(ctx); err != nil {
		log.Fatalf("worker processor exited: %v", err)
	}
}
