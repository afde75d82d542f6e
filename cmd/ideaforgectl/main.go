package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ideaforge/engine/config"
	"github.com/ideaforge/engine/internal/bootstrap"
	"github.com/ideaforge/engine/internal/deepening"
	"github.com/ideaforge/engine/internal/embedding"
	"github.com/ideaforge/engine/internal/httpapi"
	"github.com/ideaforge/engine/internal/orchestrator"
	"github.com/ideaforge/engine/internal/provider"
	"github.com/ideaforge/engine/internal/queue"
	"github.com/ideaforge/engine/internal/queue/streams"
	wrk "github.com/ideaforge/engine/internal/queue/worker"
	"github.com/ideaforge/engine/internal/store"
	"github.com/ideaforge/engine/internal/telemetry"

	"github.com/google/uuid"
)

func main() {
	root := &cobra.Command{Use: "ideaforgectl", Short: "Operate the idea aggregation engine"}
	root.AddCommand(serveCMD(), workerCMD(), migrateCMD(), enqueueCMD(), inspectCMD())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCMD() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the synchronous HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAPI(config.LoadConfig(cfgPath))
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config file")
	return cmd
}

func workerCMD() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the durable job queue worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(config.LoadConfig(cfgPath))
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config file")
	return cmd
}

func migrateCMD() *cobra.Command {
	var cfgPath, dir, direction string
	var steps int
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			return store.Migrate(dir, cfg.Storage.Postgres.DSN(), direction, steps)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config file")
	cmd.Flags().StringVar(&dir, "dir", "file://migrations", "migrations source")
	cmd.Flags().StringVar(&direction, "direction", "up", "up or down")
	cmd.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")
	return cmd
}

func enqueueCMD() *cobra.Command {
	var cfgPath, problemStatement, metadataJSON string
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue a research job from the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(config.LoadConfig(cfgPath), problemStatement, metadataJSON)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config file")
	cmd.Flags().StringVar(&problemStatement, "problem", "", "problem statement to research (required)")
	cmd.Flags().StringVar(&metadataJSON, "metadata", "", "optional JSON object sent as the job payload's metadata")
	_ = cmd.MarkFlagRequired("problem")
	return cmd
}

// runEnqueue publishes a job the same way `POST /research/async` does,
// letting an operator kick off a run without going through HTTP.
func runEnqueue(cfg *config.Config, problemStatement, metadataJSON string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var metadata map[string]any
	if metadataJSON != "" {
		if err := json.Unmarshal([]byte(metadataJSON), &metadata); err != nil {
			return fmt.Errorf("parse --metadata: %w", err)
		}
	}

	rdb, err := bootstrap.OpenRedis(ctx, cfg.Storage.Redis)
	if err != nil {
		return err
	}
	defer func() { _ = rdb.Close() }()

	registry := streams.NewSchemaRegistry()
	jobQueue := queue.New(streams.NewPublisher(rdb, registry))

	jobID, err := jobQueue.Enqueue(ctx, problemStatement, metadata)
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}

	return json.NewEncoder(os.Stdout).Encode(map[string]any{
		"jobId":   jobID,
		"pollUrl": "/api/v1/research/job/" + jobID,
	})
}

func inspectCMD() *cobra.Command {
	cmd := &cobra.Command{Use: "inspect", Short: "Inspect a session or job by id"}
	cmd.AddCommand(inspectJobCMD(), inspectSessionCMD())
	return cmd
}

func inspectJobCMD() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "job <jobId>",
		Short: "Print a job's queue-visible status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspectJob(config.LoadConfig(cfgPath), args[0])
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config file")
	return cmd
}

// runInspectJob reconstructs the same queue.JobStatus the
// `GET /research/job/:jobId` route serves, reading checkpoints
// directly rather than requiring a running API process.
func runInspectJob(cfg *config.Config, jobID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger := log.New(os.Stdout, "[INSPECT] ", log.LstdFlags)
	st, err := bootstrap.OpenStore(ctx, cfg.Storage.Postgres, logger)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	status, err := queue.Status(ctx, st, jobID)
	if err != nil {
		return fmt.Errorf("load job status: %w", err)
	}
	return json.NewEncoder(os.Stdout).Encode(status)
}

func inspectSessionCMD() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "session <sessionId>",
		Short: "Print a research session by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspectSession(config.LoadConfig(cfgPath), args[0])
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config file")
	return cmd
}

func runInspectSession(cfg *config.Config, sessionID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger := log.New(os.Stdout, "[INSPECT] ", log.LstdFlags)
	st, err := bootstrap.OpenStore(ctx, cfg.Storage.Postgres, logger)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	sess, found, err := st.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if !found {
		return fmt.Errorf("session %s not found", sessionID)
	}
	return json.NewEncoder(os.Stdout).Encode(sess)
}

func runAPI(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := log.New(os.Stdout, "[API] ", log.LstdFlags)
	tel := telemetry.New(cfg.Telemetry, prometheus.DefaultRegisterer)

	st, err := bootstrap.OpenStore(ctx, cfg.Storage.Postgres, logger)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	adapters, err := bootstrap.BuildAdapters(cfg.LLM)
	if err != nil {
		return fmt.Errorf("build adapters: %w", err)
	}

	rdb, err := bootstrap.OpenRedis(ctx, cfg.Storage.Redis)
	if err != nil {
		return err
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
	drain := cfg.Server.DrainTimeout
	if drain <= 0 {
		drain = 10 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), drain)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

func runWorker(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := log.New(os.Stdout, "[WORKER] ", log.LstdFlags)
	tel := telemetry.New(cfg.Telemetry, prometheus.DefaultRegisterer)

	st, err := bootstrap.OpenStore(ctx, cfg.Storage.Postgres, logger)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	adapters, err := bootstrap.BuildAdapters(cfg.LLM)
	if err != nil {
		return fmt.Errorf("build adapters: %w", err)
	}

	embedCfg := cfg.Embedding.Normalize()
	embedAdapter, ok := provider.FindEmbeddingAdapter(adapters, embedCfg.Provider)
	if !ok {
		return fmt.Errorf("no adapter %q supports embeddings", embedCfg.Provider)
	}
	orch := orchestrator.New(st, adapters, embedding.New(embedAdapter, embedCfg), cfg.Similarity.Normalize(), cfg.LLM, logger, tel.Tracer())
	orch.OnProviderCall(func(providerName string, success bool, latencyMs int64, promptTokens, completionTokens int) {
		tel.RecordProviderCall(providerName, success, time.Duration(latencyMs)*time.Millisecond, promptTokens, completionTokens)
	})
	orch.WithProviderHealth(func(providerName string) (float64, int64, int) {
		h := tel.ProviderHealth(providerName)
		return h.SuccessRate, h.AvgLatencyMs, h.Samples
	})

	rdb, err := bootstrap.OpenRedis(ctx, cfg.Storage.Redis)
	if err != nil {
		return err
	}
	defer func() { _ = rdb.Close() }()

	registry := streams.NewSchemaRegistry()
	if err := streams.EnsureGroup(ctx, rdb, queue.StreamJobEnqueued, "worker-group"); err != nil {
		return fmt.Errorf("ensure group: %w", err)
	}

	consumerName := fmt.Sprintf("worker-%s", uuid.NewString()[:8])
	processor := wrk.New(logger, st, orch, streams.NewPublisher(rdb, registry), streams.NewConsumer(rdb, registry, "worker-group", consumerName), cfg.Queue.Normalize(), tel.Tracer())

	return processor.Start(ctx)
}
