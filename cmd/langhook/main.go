// Command langhook is the single launcher binding the HTTP API, the raw
// event canonicaliser, and the subscription supervisor within one
// process (§6 CLI).
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/langhook-io/langhook/pkg/api"
	"github.com/langhook-io/langhook/pkg/canonicalizer"
	"github.com/langhook-io/langhook/pkg/config"
	"github.com/langhook-io/langhook/pkg/database"
	"github.com/langhook-io/langhook/pkg/eventlog"
	"github.com/langhook-io/langhook/pkg/ingest"
	"github.com/langhook-io/langhook/pkg/llmclient"
	"github.com/langhook-io/langhook/pkg/mapping"
	"github.com/langhook-io/langhook/pkg/metrics"
	"github.com/langhook-io/langhook/pkg/ratelimit"
	"github.com/langhook-io/langhook/pkg/schemaregistry"
	"github.com/langhook-io/langhook/pkg/stream"
	"github.com/langhook-io/langhook/pkg/subscription"
	"github.com/langhook-io/langhook/pkg/version"
	"github.com/langhook-io/langhook/pkg/webhook"
)

func main() {
	envPath := flag.String("env-file", os.Getenv("ENV_FILE"), "path to a .env file to load before reading the environment")
	flag.Parse()

	cfg, err := config.Load(*envPath)
	if err != nil {
		slog.Error("langhook: load configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbCfg, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("langhook: load database configuration", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbCfg)
	if err != nil {
		slog.Error("langhook: connect to database", "error", err)
		os.Exit(1)
	}
	defer dbClient.Close()
	slog.Info("langhook: connected to database")

	st, err := stream.Connect(stream.Config{URL: cfg.StreamURL})
	if err != nil {
		slog.Error("langhook: connect to stream", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	slog.Info("langhook: connected to stream", "url", cfg.StreamURL)

	db := dbClient.DB()
	mappings := mapping.NewStore(db)
	schema := schemaregistry.NewStore(db)
	events := eventlog.NewStore(db)
	subs := subscription.NewStore(db)

	var llm llmclient.Provider
	if llmCfg := llmclient.ConfigFromEnv(); llmCfg.APIKey != "" {
		llm = llmclient.NewAnthropicProvider(llmCfg)
	} else {
		slog.Warn("langhook: no LLM_API_KEY configured, running with deterministic fallbacks only")
	}

	gateLedger := metrics.NewGateLedger()
	mappingFailures := metrics.MappingFailureSink{}

	canon := canonicalizer.New(mappings, schema, events, st, llm, canonicalizer.WithMetrics(mappingFailures))
	go func() {
		if err := st.Subscribe(ctx, stream.RawStreamName, stream.RawWildcardSubject, "langhook-canonicalizer", canon.Handler()); err != nil {
			slog.Error("langhook: canonicaliser subscription stopped", "error", err)
		}
	}()

	gate := subscription.NewGate(llm, subscription.WithGateMetrics(gateLedger))
	deliverer := webhook.NewDeliverer(10 * time.Second)
	supervisor := subscription.NewSupervisor(subs, st, events, deliverer, gate)
	if err := supervisor.Start(ctx); err != nil {
		slog.Error("langhook: start subscription supervisor", "error", err)
		os.Exit(1)
	}
	defer supervisor.Stop()

	compiler := subscription.NewCompiler(schema, llm)

	limiter := ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst)
	limiter.StartCleanup()

	ingestHandler := ingest.NewHandler(st, config.SecretLookup, cfg.MaxBodyBytes)

	server := api.NewServer(api.Config{
		DB:            db,
		Stream:        st,
		Subscriptions: subs,
		Compiler:      compiler,
		Supervisor:    supervisor,
		Events:        events,
		GateLedger:    gateLedger,
		IngestHandler: ingestHandler,
		RateLimiter:   limiter,
		Version:       version.Full(),
	})

	errCh := make(chan error, 1)
	go func() {
		slog.Info("langhook: listening", "port", cfg.HTTPPort)
		if err := server.Start(":" + cfg.HTTPPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("langhook: shutting down")
	case err := <-errCh:
		slog.Error("langhook: http server stopped", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("langhook: graceful shutdown", "error", err)
	}
}
