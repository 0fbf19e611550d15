// Command server runs the local chat backend: a single-user HTTP server that
// streams generations from a locally hosted model and persists conversations
// under the application's storage directory.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/privateai/localchat/internal/chat"
	"github.com/privateai/localchat/internal/config"
	"github.com/privateai/localchat/internal/engine"
	"github.com/privateai/localchat/internal/observability"
	"github.com/privateai/localchat/internal/server"
	"github.com/privateai/localchat/internal/session"
	"github.com/privateai/localchat/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to server.yaml (default: <baseDir>/Config/server.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		observability.NewLogrusLoggerWithLevel("info").WithErr(err).Error("invalid configuration")
		os.Exit(1)
	}

	logger := observability.NewLogrusLoggerWithLevel(cfg.LogLevel)

	layout, err := store.NewLayout(cfg.BaseDir)
	if err != nil {
		logger.WithErr(err).Error("storage layout initialization failed")
		os.Exit(1)
	}

	fileStore := store.NewFileStore(layout, logger)
	provider := buildProvider(cfg, layout, logger)
	registry := session.NewRegistry(provider, cfg.MaxSessions, logger)
	pipeline := chat.NewPipeline(fileStore, registry, logger)
	srv := server.New(cfg.Addr(), fileStore, registry, pipeline, logger)

	// Discovery at startup is informational only; generation retries it.
	if candidates, err := engine.DiscoverModels(cfg.ModelPath, layout.Models, cfg.BundledDir); err != nil {
		logger.WithErr(err).Warn("model discovery")
	} else {
		logger.WithFields(map[string]interface{}{"modelPath": candidates[0]}).Info("waiting to load model")
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.WithFields(map[string]interface{}{"addr": cfg.Addr()}).Info("local LLM server running")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithErr(err).Error("server stopped")
			os.Exit(1)
		}
	}()

	<-done
	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.WithErr(err).Error("shutdown incomplete")
	}
}

// buildProvider selects the engine backend. The default drives a local
// OpenAI-compatible llama server; the "mock" kind is for development without
// a model.
func buildProvider(cfg *config.Config, layout store.Layout, logger observability.Logger) engine.Provider {
	if cfg.EngineKind == "mock" {
		scripted := engine.NewScriptedProvider()
		scripted.TokensPerSecond = 40
		return engine.NewTracedProvider(scripted)
	}

	bundled := cfg.BundledDir
	if !filepath.IsAbs(bundled) {
		if wd, err := os.Getwd(); err == nil {
			bundled = filepath.Join(wd, bundled)
		}
	}
	return engine.NewTracedProvider(engine.NewLlamaServerProvider(engine.LlamaServerConfig{
		BaseURL:           cfg.EngineURL,
		ModelPathOverride: cfg.ModelPath,
		StorageModelsDir:  layout.Models,
		BundledModelsDir:  bundled,
		Logger:            logger,
	}))
}
