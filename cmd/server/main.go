package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/skygraph/afterglow/internal/config"
	"github.com/skygraph/afterglow/internal/core"
	"github.com/skygraph/afterglow/internal/core/normalize"
	"github.com/skygraph/afterglow/internal/core/query"
	"github.com/skygraph/afterglow/internal/metrics"
	"github.com/skygraph/afterglow/internal/server"
	"github.com/skygraph/afterglow/internal/store"
)

func main() {
	envErr := godotenv.Load()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)
	if envErr != nil {
		log.Info("no .env file found, using process environment")
	}

	cfg := loadConfig(log)
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	sources, err := normalize.LoadSources(cfg.SourcesPath)
	if err != nil {
		log.Error("failed to load source registry", "path", cfg.SourcesPath, "error", err)
		os.Exit(1)
	}
	norm, err := normalize.New(sources)
	if err != nil {
		log.Error("invalid source registry", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Storage, log)
	if err != nil {
		log.Error("failed to open graph store", "backend", cfg.Storage.Backend, "error", err)
		os.Exit(1)
	}
	defer st.Close(context.Background())
	if err := st.BuildIndices(ctx); err != nil {
		log.Warn("index build incomplete", "error", err)
	}

	reg := metrics.NewRegistry()
	pipe := core.NewPipeline(cfg, norm, st, reg, log)
	pipe.Start(ctx)
	defer pipe.Stop()

	srv := server.New(pipe, query.New(cfg.Query, st), st, reg, log)
	httpSrv := &http.Server{Addr: cfg.Server.Addr, Handler: srv.SetupRouter()}

	go func() {
		log.Info("listening", "addr", cfg.Server.Addr, "backend", cfg.Storage.Backend)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown incomplete", "error", err)
	}
}

func loadConfig(log *slog.Logger) *config.Config {
	path := os.Getenv("AFTERGLOW_CONFIG")
	if path == "" {
		path = "config/afterglow.toml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Warn("config file missing, using defaults", "path", path)
			return config.Default()
		}
		log.Error("failed to load configuration", "path", path, "error", err)
		os.Exit(1)
	}
	return cfg
}

// applyEnv overrides file configuration with environment variables so
// deployments can keep credentials out of the config file.
func applyEnv(cfg *config.Config) {
	if v := os.Getenv("AFTERGLOW_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("AFTERGLOW_STORE"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("AFTERGLOW_BOLT_URI"); v != "" {
		cfg.Storage.URI = v
	}
	if v := os.Getenv("AFTERGLOW_BOLT_USER"); v != "" {
		cfg.Storage.User = v
	}
	if v := os.Getenv("AFTERGLOW_BOLT_PASSWORD"); v != "" {
		cfg.Storage.Password = v
	}
	if v := os.Getenv("AFTERGLOW_SOURCES"); v != "" {
		cfg.SourcesPath = v
	}
}
