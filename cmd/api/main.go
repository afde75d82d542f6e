package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ideaforge/engine/config"
	"github.com/ideaforge/engine/internal/bootstrap"
	"github.com/ideaforge/engine/internal/deepening"
	"github.com/ideaforge/engine/internal/httpapi"
	"github.com/ideaforge/engine/internal/queue"
	"github.com/ideaforge/engine/internal/queue/streams"
	"github.com/ideaforge/engine/internal/telemetry"
)

// main serves the synchronous HTTP surface (§6.1): request intake,
// job enqueueing, and the single-call deepening path. The pipeline
// itself runs out of process in cmd/worker.
func main() {
	cfgPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg := config.LoadConfig(*cfgPath)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := log.New(os.Stdout, "[API] ", log.LstdFlags)
	tel := telemetry.New(cfg.Telemetry, prometheus.DefaultRegisterer)

	st, err := bootstrap.OpenStore(ctx, cfg.Storage.Postgres, logger)
	if err != nil {
		log.Fatalf("api %v", err)
	}
	defer func() { _ = st.Close() }()

	adapters, err := bootstrap.BuildAdapters(cfg.LLM)
	if err != nil {
		log.Fatalf("api build adapters: %v", err)
	}

	rdb, err := bootstrap.OpenRedis(ctx, cfg.Storage.Redis)
	if err != nil {
		log.Fatalf("api %v", err)
	}
	defer func() { _ = rdb.Close() }()

	registry := streams.NewSchemaRegistry()
	jobQueue := queue.New(streams.NewPublisher(rdb, registry))
	deepener := deepening.New(st, adapters, cfg.LLM, logger, tel.Tracer())

	e := httpapi.New(cfg.Server, &httpapi.ResearchHandler{
		Store:                    st,
		Queue:                    jobQueue,
		Checkpoint:               st,
		Deepener:                 deepener,
		DefaultDeepeningProvider: cfg.LLM.Routing.Deepening,
	}, &httpapi.SessionsHandler{Store: st})

	srv := &http.Server{Addr: cfg.Server.Address, Handler: e}

	go func() {
		logger.Printf("listening on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("api server exited: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Printf("shutdown signal received, draining")

	drain := cfg.Server.DrainTimeout
	if drain <= 0 {
		drain = 10 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), drain)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
}
