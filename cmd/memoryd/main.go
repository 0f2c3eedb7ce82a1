// Command memoryd is the persistent-memory server entry point: it wires
// the store, vector index, session registry, memory agent runner, query
// engine, event bus and HTTP layer together and starts listening, with
// signal-driven graceful shutdown.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"memoryd/internal/api"
	"memoryd/internal/config"
	"memoryd/internal/eventbus"
	"memoryd/internal/generator"
	"memoryd/internal/memoryagent"
	"memoryd/internal/queryengine"
	"memoryd/internal/sessionregistry"
	"memoryd/internal/store"
	"memoryd/internal/vectorindex"
)

func main() {
	envFile := flag.String("env-file", getEnv("MEMORY_ENV_FILE", ".env"), "Path to an optional .env file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("no .env file loaded, continuing with process environment", "path", *envFile, "error", err)
	} else {
		slog.Info("loaded environment file", "path", *envFile)
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	setLogLevel(cfg.LogLevel)

	if err := run(cfg); err != nil {
		slog.Error("memoryd exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("starting memoryd", "port", cfg.Port, "generator_model", cfg.GeneratorModel)

	st, err := store.New(ctx, cfg.DB)
	if err != nil {
		return fmt.Errorf("connect to store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Warn("error closing store", "error", err)
		}
	}()
	slog.Info("store connected and migrated")

	vec := connectVectorIndex(ctx, cfg)

	bus := eventbus.New()
	registry := sessionregistry.New(ctx, st, bus)

	if err := registry.RecoverOrphans(ctx); err != nil {
		slog.Warn("orphan recovery failed", "error", err)
	}

	var gen memoryagent.Generator
	if cfg.AnthropicAPIKey != "" {
		gen = memoryagent.WrapClient(generator.New(cfg.AnthropicAPIKey, cfg.GeneratorModel))
	} else {
		slog.Warn("ANTHROPIC_API_KEY not set — memory agent runners cannot start; ingestion still succeeds, events queue until a restart with a key")
	}

	// vec is a typed *vectorindex.VectorIndex that may be a nil pointer; box
	// it into the narrow interfaces only when non-nil so a nil check on the
	// interface value itself (rather than the boxed pointer) works as
	// intended in memoryagent/queryengine.
	var miVec memoryagent.VectorIndex
	var vq queryengine.VectorQuerier
	if vec != nil {
		miVec = vec
		vq = vec
	}

	runner := memoryagent.New(st, miVec, gen, bus)
	registry.SetStarter(runner)
	go runner.BackfillVectors(ctx)

	engine := queryengine.New(st, vq)

	var vecHealth api.VectorHealth
	if vec != nil {
		vecHealth = vec
	}
	server := api.NewServer(cfg, st, registry, engine, bus, vecHealth)

	addr := net.JoinHostPort("", strconv.Itoa(cfg.Port))
	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()
	slog.Info("http server listening", "addr", addr)

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	registry.ShutdownAll(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("error during http shutdown", "error", err)
	}
	slog.Info("memoryd stopped")
	return nil
}

// connectVectorIndex dials Qdrant best-effort: the vector index is
// advisory, so a connection failure degrades the server to full-text-only
// retrieval rather than blocking startup.
func connectVectorIndex(ctx context.Context, cfg *config.Config) *vectorindex.VectorIndex {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	vec, err := vectorindex.New(dialCtx, cfg.QdrantAddr, vectorindex.HashEmbedder{})
	if err != nil {
		slog.Warn("vector index unavailable at startup, degrading to full-text-only search", "addr", cfg.QdrantAddr, "error", err)
		return nil
	}
	slog.Info("vector index connected", "addr", cfg.QdrantAddr)
	return vec
}

func setLogLevel(level string) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	slog.SetLogLoggerLevel(l)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
