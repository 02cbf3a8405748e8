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

	"golang.org/x/sync/errgroup"

	"github.com/facturaIA/invoice-pipeline/api"
	"github.com/facturaIA/invoice-pipeline/internal/auth"
	"github.com/facturaIA/invoice-pipeline/internal/bootstrap"
	"github.com/facturaIA/invoice-pipeline/internal/config"
	"github.com/facturaIA/invoice-pipeline/internal/logging"
	"github.com/facturaIA/invoice-pipeline/internal/pipeline"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	if err := config.LoadDotEnv(); err != nil {
		slog.Error("config.dotenv.failed", "error", err)
		os.Exit(1)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config.load.failed", "error", err)
		os.Exit(1)
	}
	logger := logging.New("invoice-pipeline", cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server.failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	deps := api.Deps{
		Processor: app.Processor,
		Tasks:     app.Tasks,
		Metrics:   app.Metrics,
		Auth:      auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer, logger),
		Provider:  app.Provider,
	}
	if app.Results != nil {
		deps.Results = app.Results
	}
	if app.Archive != nil {
		deps.Archive = app.Archive
	}

	handler, err := api.NewHandler(deps, api.Options{
		MaxUploadBytes:     cfg.Server.MaxUploadBytes,
		RateLimitPerMinute: cfg.Server.RateLimitPerMinute,
		ProviderName:       cfg.AI.DefaultProvider,
		Tools:              app.Extractor.Tools(),
	}, logger)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      handler.SetupRoutes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	logger.Info("server.starting",
		"addr", server.Addr,
		"version", api.Version,
		"provider", cfg.AI.DefaultProvider,
		"database", app.Results != nil,
		"storage", app.Archive != nil,
		"nats", app.Progress != nil,
		"auth", cfg.Auth.JWTSecret != "",
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		pipeline.RunJanitor(gctx, app.Tasks, cfg.Tasks.MaxAge, cfg.Tasks.JanitorInterval, logger)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("server.stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		handler.Wait()
		return err
	})
	return g.Wait()
}
