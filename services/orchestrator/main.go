// Copyright (C) 2025 Kestrel Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"log"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kestrel-labs/kestrel/pkg/logging"
	"github.com/kestrel-labs/kestrel/services/llm"
	"github.com/kestrel-labs/kestrel/services/orchestrator/agent"
	"github.com/kestrel-labs/kestrel/services/orchestrator/budget"
	"github.com/kestrel-labs/kestrel/services/orchestrator/catalog"
	"github.com/kestrel-labs/kestrel/services/orchestrator/config"
	"github.com/kestrel-labs/kestrel/services/orchestrator/critic"
	"github.com/kestrel-labs/kestrel/services/orchestrator/health"
	"github.com/kestrel-labs/kestrel/services/orchestrator/observability"
	"github.com/kestrel-labs/kestrel/services/orchestrator/resolver"
	"github.com/kestrel-labs/kestrel/services/orchestrator/routes"
	"github.com/kestrel-labs/kestrel/services/orchestrator/tokens"
	"github.com/kestrel-labs/kestrel/services/orchestrator/tools"
	"github.com/kestrel-labs/kestrel/services/orchestrator/trace"

	// --- OpenTelemetry imports ---
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func initTracer(endpoint string) (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("kestrel-orchestrator")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	structured := logging.New(logging.Config{
		Level:   cfg.Log.Level,
		Service: "orchestrator",
		LogDir:  cfg.Log.Dir,
		JSON:    true,
	})
	defer structured.Close()
	logger := structured.Logger
	slog.SetDefault(logger)

	if cfg.OTLPEndpoint != "" {
		cleanup, err := initTracer(cfg.OTLPEndpoint)
		if err != nil {
			log.Fatalf("failed to setup the OTLP tracer: %v", err)
		}
		defer cleanup(context.Background())
	}

	metrics := observability.InitMetrics()
	ctx := context.Background()

	// --- Model catalog ---
	var source catalog.Source = catalog.StaticSource(catalog.DefaultModels)
	if cfg.CatalogFile != "" {
		source = catalog.FileSource{Path: cfg.CatalogFile}
	}
	cat, err := catalog.New(ctx, source, logger)
	if err != nil {
		log.Fatalf("failed to load the model catalog: %v", err)
	}

	// --- Model health ---
	var store health.Store
	if cfg.Health.StorePath != "" {
		badgerStore, err := health.OpenBadgerStore(health.BadgerStoreConfig{
			Path:   cfg.Health.StorePath,
			Logger: logger,
		})
		if err != nil {
			slog.Warn("health store unavailable, running in-memory only", "error", err)
		} else {
			defer badgerStore.Close()
			store = badgerStore
		}
	}
	tracker := health.NewTracker(store, nil, logger)
	var modelIDs []string
	for _, m := range cat.List() {
		modelIDs = append(modelIDs, m.ID)
	}
	tracker.Warm(ctx, modelIDs)

	// --- Provider client ---
	breaker := llm.NewCircuitBreaker(llm.CircuitBreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
	})
	client := llm.NewProviderClient(llm.ProviderConfig{
		BaseURL:        cfg.Provider.BaseURL,
		APIKey:         cfg.Provider.APIKey,
		MaxRetries:     cfg.Provider.MaxRetries,
		RetryBaseDelay: cfg.Provider.RetryBaseDelay,
		RequestTimeout: cfg.Provider.RequestTimeout,
	}, breaker, tracker, logger)

	// --- Tooling ---
	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry); err != nil {
		log.Fatalf("failed to register builtin tools: %v", err)
	}
	policy := tools.NewPolicy(registry, tools.PolicyConfig{
		AllowHighRisk: cfg.Loop.AllowHighRiskTools,
	})
	cache := tools.NewResultCache(cfg.Loop.CacheTTL, cfg.Loop.CacheMaxEntries)
	loop := agent.NewToolCallLoop(client, registry, policy, cache, agent.LoopConfig{
		MaxRounds:           cfg.Loop.MaxRounds,
		MaxCallsPerRound:    cfg.Loop.MaxCallsPerRound,
		ToolTimeout:         cfg.Loop.ToolTimeout,
		ReadOnlyParallelism: cfg.Loop.ReadOnlyParallelism,
	}, logger)

	// --- Resolution and gating ---
	res := resolver.New(cat, tracker, resolver.DefaultConfig(), logger)
	canaryGate := resolver.NewCanaryGate(resolver.CanaryConfig{
		Percent:           cfg.Canary.Percent,
		WindowSize:        cfg.Canary.WindowSize,
		MinSamples:        cfg.Canary.MinSamples,
		FailureRateCutoff: cfg.Canary.FailureRateCutoff,
		Cooldown:          cfg.Canary.Cooldown,
	}, logger)

	// --- Budgeting ---
	budgeter := budget.NewBudgeter(tokens.NewEstimator(tokens.DefaultConfig()),
		budget.DefaultConfig(), logger)

	// --- Critic ---
	evaluator := critic.New(client, critic.Config{
		JudgeModels:           cfg.Critic.JudgeModels,
		AdjudicatorModel:      cfg.Critic.AdjudicatorModel,
		PassThreshold:         cfg.Critic.PassThreshold,
		HardFailThreshold:     cfg.Critic.HardFailThreshold,
		DisagreementThreshold: cfg.Critic.DisagreementThreshold,
	}, logger)

	// --- Trace sink ---
	var sink trace.Sink
	switch cfg.Trace.Backend {
	case "influx":
		influxSink := trace.NewInfluxSink(trace.InfluxConfig{
			URL:    cfg.Trace.InfluxURL,
			Token:  cfg.Trace.InfluxToken,
			Org:    cfg.Trace.InfluxOrg,
			Bucket: cfg.Trace.InfluxBucket,
		})
		defer influxSink.Close()
		sink = influxSink
	case "none":
		sink = trace.NopSink{}
	default:
		sink = trace.NewLogSink(logger)
	}

	orch := agent.NewOrchestrator(
		res, canaryGate, cat, budgeter, client, loop, evaluator, sink,
		agent.NewUserLimiter(0), metrics,
		agent.TurnConfig{MaxCriticRevisions: cfg.Critic.MaxRevisions, SearchRequiresTool: true},
		logger,
	)

	router := gin.Default()
	router.Use(otelgin.Middleware("kestrel-orchestrator"))
	routes.SetupRoutes(router, orch, cat, tracker, cfg.APIKey)

	log.Println("Starting the orchestrator server on port ", cfg.Port)
	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
