// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package service assembles the consultation-assistant backend: the LLM
// client, vector store, analysis graph, persistence repository, room-agent
// factory, Hub, and HTTP router, following the same
// applyDefaults→initTracer→initBackends→initRouter shape an
// orchestrator service assembly uses, generalized from one chat service to the
// room/peer signaling domain.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/triagebackend/consult/services/agent"
	"github.com/triagebackend/consult/services/datatypes"
	"github.com/triagebackend/consult/services/graph"
	"github.com/triagebackend/consult/services/hub"
	"github.com/triagebackend/consult/services/hub/handlers"
	"github.com/triagebackend/consult/services/hub/routes"
	"github.com/triagebackend/consult/services/llm"
	"github.com/triagebackend/consult/services/replay"
	"github.com/triagebackend/consult/services/repository"
	"github.com/triagebackend/consult/services/vectorstore"
)

// Service is the assembled backend: an HTTP/WebSocket server fronting the
// Hub and everything it depends on.
type Service interface {
	// Run starts the HTTP server and blocks until it stops or errors.
	Run() error
	// Router exposes the Gin engine for tests that drive requests in-process.
	Router() *gin.Engine
}

// Config holds env-sourced service configuration. Zero values take the
// defaults applied by New via applyConfigDefaults.
type Config struct {
	Port             int
	LLMBackend       string
	WeaviateURL      string
	VectorCollection string
	OTelEndpoint     string
	EmbeddingDim     int
	MailboxCapacity  int
	RatePerMinute    int
	TURNServerURL    string
	TURNUsername     string
	TURNCredential   string

	// MaxConcurrentRequests bounds how many rooms may run the analysis
	// graph at once, process-wide, and doubles as the replay endpoint's
	// fan-out width. 0 means unbounded.
	MaxConcurrentRequests int
	// RequestTimeout overrides the analysis graph's overall per-run
	// deadline (graph.OverallTimeout default applies when zero).
	RequestTimeout time.Duration
}

type service struct {
	config        Config
	router        *gin.Engine
	hub           *hub.Hub
	repo          repository.Repository
	replayer      *replay.Replayer
	llmClient     llm.LLMClient
	weaviate      *weaviate.Client
	tracerCleanup func(context.Context)
}

// New wires every component together and returns a ready-to-run Service.
func New(cfg Config) (Service, error) {
	s := &service{config: applyConfigDefaults(cfg)}

	cleanup, err := s.initTracer()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	s.initWeaviate()

	if err := s.initLLMClient(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize LLM client: %w", err)
	}

	s.repo = repository.NewMemoryRepository()

	store := vectorstore.NewStore(s.weaviate, s.llmClient)
	if s.config.VectorCollection != "" {
		store.DocumentCollection = s.config.VectorCollection
	}
	dag, err := graph.BuildAnalysisGraph(s.llmClient, store)
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to build analysis graph: %w", err)
	}

	// graphSem bounds how many rooms may run the analysis graph
	// concurrently, process-wide, shared by every room agent.
	var graphSem chan struct{}
	if s.config.MaxConcurrentRequests > 0 {
		graphSem = make(chan struct{}, s.config.MaxConcurrentRequests)
	}

	mailboxCapacity := s.config.MailboxCapacity
	agentFactory := func(ctx context.Context, roomName string, publish agent.PublishFunc) *agent.RoomAgent {
		executor, execErr := graph.NewExecutor(dag, slog.Default())
		if execErr != nil {
			// BuildAnalysisGraph already validated this DAG once in New; a
			// second failure here would mean the DAG was mutated after
			// startup, which never happens.
			panic(fmt.Errorf("rebuild analysis executor for room %s: %w", roomName, execErr))
		}
		executor.WithTimeout(s.config.RequestTimeout)
		roomAgent := agent.NewRoomAgent(roomName, executor, publish, slog.Default(), mailboxCapacity)
		roomAgent.SetConcurrencyLimiter(graphSem)
		roomAgent.SetPersistence(
			func(ctx context.Context, sessionID string, turn datatypes.TranscriptTurn) {
				if err := s.repo.SaveTurn(ctx, sessionID, turn); err != nil {
					slog.Warn("failed to persist turn", slog.String("session_id", sessionID), slog.Any("error", err))
				}
			},
			func(ctx context.Context, result datatypes.AnalysisResult) {
				if err := s.repo.SaveResult(ctx, result); err != nil {
					slog.Warn("failed to persist result", slog.String("session_id", result.SessionID), slog.Any("error", err))
				}
			},
		)
		return roomAgent
	}

	s.hub = hub.New(agentFactory, slog.Default())
	s.replayer = replay.NewReplayer(dag, slog.Default(), s.config.MaxConcurrentRequests)

	s.initRouter()
	return s, nil
}

func (s *service) Run() error {
	defer s.cleanup()
	addr := fmt.Sprintf(":%d", s.config.Port)
	slog.Info("starting hub server", slog.Int("port", s.config.Port))
	return s.router.Run(addr)
}

func (s *service) Router() *gin.Engine {
	return s.router
}

func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12211
	}
	if cfg.LLMBackend == "" {
		cfg.LLMBackend = "local"
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = "aleutian-otel-collector:4317"
	}
	if cfg.EmbeddingDim == 0 {
		cfg.EmbeddingDim = 384
	}
	if cfg.MailboxCapacity == 0 {
		cfg.MailboxCapacity = 256
	}
	if cfg.RatePerMinute == 0 {
		cfg.RatePerMinute = 120
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = graph.OverallTimeout
	}
	return cfg
}

func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("hub-service")))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
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
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", slog.Any("error", err))
		}
	}, nil
}

func (s *service) initWeaviate() {
	weaviateURL := strings.Trim(s.config.WeaviateURL, "\"' ")
	if weaviateURL == "" || !strings.Contains(weaviateURL, "http") {
		slog.Info("WEAVIATE_SERVICE_URL not set or empty, running in lightweight mode (no vector store)")
		return
	}

	parsedURL, err := url.Parse(weaviateURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		slog.Warn("WEAVIATE_SERVICE_URL is invalid, running in lightweight mode",
			slog.String("url", weaviateURL), slog.Any("error", err))
		return
	}

	client, err := weaviate.NewClient(weaviate.Config{Host: parsedURL.Host, Scheme: parsedURL.Scheme})
	if err != nil {
		slog.Error("failed to create Weaviate client", slog.Any("error", err))
		return
	}
	s.weaviate = client
}

func (s *service) initLLMClient() error {
	var err error
	switch s.config.LLMBackend {
	case "openai":
		s.llmClient, err = llm.NewOpenAIClient()
		slog.Info("using OpenAI LLM backend")
	default:
		s.llmClient = llm.NewLocalClient(s.config.EmbeddingDim)
		slog.Info("using local LLM backend", slog.String("requested", s.config.LLMBackend))
	}
	if err == nil {
		// Up to 3 attempts with exponential backoff (default delays); no rate limit.
		s.llmClient = llm.NewResilientClient(s.llmClient, 0, 3, 0, 0)
	}
	return err
}

func (s *service) initRouter() {
	router := gin.Default()
	router.Use(otelgin.Middleware("hub-service"))

	turnCfg := handlers.TURNConfig{
		URL:        s.config.TURNServerURL,
		Username:   s.config.TURNUsername,
		Credential: s.config.TURNCredential,
	}
	routes.SetupRoutes(router, s.hub, s.repo, s.replayer, turnCfg, s.config.RatePerMinute, slog.Default())
	s.router = router
}

func (s *service) cleanup() {
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}
