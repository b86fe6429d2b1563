// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command hub starts the consultation-assistant signaling and analysis
// server.
//
// # Environment Variables
//
//   - HUB_PORT: HTTP/WebSocket server port (default: 12211)
//   - LLM_BACKEND_TYPE: LLM provider - local, openai (default: local)
//   - WEAVIATE_SERVICE_URL: Weaviate vector DB URL (optional; named VECTOR_DB_URL upstream, renamed to match this service's other *_SERVICE_URL vars)
//   - VECTOR_COLLECTION: Weaviate class name policy/FAQ documents are stored under (default: "Document")
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (default: aleutian-otel-collector:4317)
//   - EMBEDDING_DIM: embedding vector width for the local LLM stub (default: 384)
//   - MAILBOX_CAPACITY: per-room agent mailbox size (default: 256)
//   - RATE_LIMIT_PER_MINUTE: inbound WebSocket messages allowed per peer per minute (default: 120)
//   - MAX_CONCURRENT_REQUESTS: process-wide cap on rooms running the analysis graph at once; also bounds POST /v1/sessions/replay fan-out (default: 0, unbounded)
//   - REQUEST_TIMEOUT_SECONDS: overall analysis graph deadline per run (default: 30)
//   - LOG_LEVEL: debug, info, warn, error (default: info)
//   - TURN_SERVER_URL, TURN_USERNAME, TURN_CREDENTIAL: relay server surfaced via GET /turn-credentials
package main

import (
	"log"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/triagebackend/consult/services/hub/service"
)

func main() {
	level := parseLogLevel(getEnvString("LOG_LEVEL", "info"))
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg := service.Config{
		Port:                  getEnvInt("HUB_PORT", 12211),
		LLMBackend:            getEnvString("LLM_BACKEND_TYPE", "local"),
		WeaviateURL:           os.Getenv("WEAVIATE_SERVICE_URL"),
		VectorCollection:      os.Getenv("VECTOR_COLLECTION"),
		OTelEndpoint:          getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", "aleutian-otel-collector:4317"),
		EmbeddingDim:          getEnvInt("EMBEDDING_DIM", 384),
		MailboxCapacity:       getEnvInt("MAILBOX_CAPACITY", 256),
		RatePerMinute:         getEnvInt("RATE_LIMIT_PER_MINUTE", 120),
		MaxConcurrentRequests: getEnvInt("MAX_CONCURRENT_REQUESTS", 0),
		RequestTimeout:        time.Duration(getEnvInt("REQUEST_TIMEOUT_SECONDS", 30)) * time.Second,
		TURNServerURL:         os.Getenv("TURN_SERVER_URL"),
		TURNUsername:          os.Getenv("TURN_USERNAME"),
		TURNCredential:        os.Getenv("TURN_CREDENTIAL"),
	}

	slog.Info("starting hub",
		"port", cfg.Port,
		"llm_backend", cfg.LLMBackend,
		"weaviate_url", cfg.WeaviateURL,
		"max_concurrent_requests", cfg.MaxConcurrentRequests,
	)

	svc, err := service.New(cfg)
	if err != nil {
		log.Fatalf("failed to create hub service: %v", err)
	}

	if err := svc.Run(); err != nil {
		log.Fatalf("hub server error: %v", err)
	}
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
