// Package bootstrap builds the pipeline and its optional backends from config.
package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/facturaIA/invoice-pipeline/internal/ai"
	"github.com/facturaIA/invoice-pipeline/internal/config"
	"github.com/facturaIA/invoice-pipeline/internal/db"
	"github.com/facturaIA/invoice-pipeline/internal/locale"
	"github.com/facturaIA/invoice-pipeline/internal/metrics"
	"github.com/facturaIA/invoice-pipeline/internal/ocr"
	"github.com/facturaIA/invoice-pipeline/internal/pipeline"
	"github.com/facturaIA/invoice-pipeline/internal/progress"
	"github.com/facturaIA/invoice-pipeline/internal/services"
	"github.com/facturaIA/invoice-pipeline/internal/storage"
)

const serviceName = "invoice-pipeline"

// App holds the wired service. Results, Archive and Progress are nil when
// their backend is not configured or unreachable.
type App struct {
	Config *config.Config

	Processor *pipeline.Processor
	Extractor *ocr.Extractor
	Provider  *ai.Guarded
	Tasks     *pipeline.MemoryTaskStore
	Metrics   *metrics.PipelineMetrics

	Results  *db.ResultRepository
	Archive  *storage.Archive
	Progress *progress.Publisher

	closers []func()
}

// New wires the server. Only the completion provider is mandatory; database,
// storage and NATS failures are logged and the service runs without them.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	app := &App{
		Config:  cfg,
		Tasks:   pipeline.NewMemoryTaskStore(),
		Metrics: metrics.NewPipelineMetrics(serviceName),
	}

	provider, closeProvider, err := NewCompleter(ctx, cfg.AI, logger)
	if err != nil {
		return nil, err
	}
	app.Provider = provider
	app.closers = append(app.closers, closeProvider)

	if cfg.Database.URL != "" {
		if conn, err := openResults(ctx, cfg.Database.URL, logger); err != nil {
			logger.Warn("db.unavailable", "error", err)
		} else {
			app.Results = db.NewResultRepository(conn)
			app.closers = append(app.closers, func() { _ = conn.Close() })
		}
	}

	if cfg.Storage.Endpoint != "" {
		archive, err := storage.NewArchive(ctx, storage.Config{
			Endpoint:  cfg.Storage.Endpoint,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
			Bucket:    cfg.Storage.Bucket,
			UseSSL:    cfg.Storage.UseSSL,
		}, logger)
		if err != nil {
			logger.Warn("storage.unavailable", "error", err)
		} else {
			app.Archive = archive
		}
	}

	var notifier pipeline.ProgressNotifier
	if cfg.NATS.URL != "" {
		pub, err := progress.NewPublisher(cfg.NATS.URL, progress.Options{SubjectPrefix: cfg.NATS.SubjectPrefix}, logger)
		if err != nil {
			logger.Warn("nats.unavailable", "error", err)
		} else {
			app.Progress = pub
			notifier = pub
			app.closers = append(app.closers, pub.Close)
		}
	}

	app.Processor, app.Extractor, err = NewProcessor(cfg, provider, notifier, app.Metrics, logger)
	if err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func openResults(ctx context.Context, url string, logger *slog.Logger) (*sql.DB, error) {
	conn, err := db.Open(ctx, url, logger)
	if err != nil {
		return nil, err
	}
	if err := db.NewResultRepository(conn).EnsureSchema(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return conn, nil
}

// NewCompleter builds the configured provider behind a circuit breaker
func NewCompleter(ctx context.Context, cfg config.AIConfig, logger *slog.Logger) (*ai.Guarded, func(), error) {
	var (
		next    ai.Completer
		closeFn = func() {}
	)
	switch cfg.DefaultProvider {
	case "openai":
		if cfg.OpenAI.APIKey == "" {
			return nil, nil, fmt.Errorf("openai: OPENAI_API_KEY is required")
		}
		next = ai.NewOpenAIClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Model, logger)
	case "gemini":
		client, err := ai.NewGeminiClient(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model, logger)
		if err != nil {
			return nil, nil, err
		}
		next = client
		closeFn = func() { _ = client.Close() }
	default:
		return nil, nil, fmt.Errorf("unsupported AI provider: %s", cfg.DefaultProvider)
	}

	guarded := ai.NewGuarded(next, ai.BreakerConfig{
		Name:                cfg.DefaultProvider,
		ConsecutiveFailures: cfg.BreakerFailures,
		OpenTimeout:         cfg.BreakerCooldown,
	}, logger)
	return guarded, closeFn, nil
}

// NewProcessor wires the pipeline steps around completer
func NewProcessor(cfg *config.Config, completer ai.Completer, notifier pipeline.ProgressNotifier, recorder pipeline.Recorder, logger *slog.Logger) (*pipeline.Processor, *ocr.Extractor, error) {
	extractor := ocr.NewExtractor(ocr.Config{
		Tesseract:     cfg.OCR.TesseractPath,
		Magick:        cfg.OCR.MagickPath,
		Language:      cfg.OCR.Language,
		MaxMegapixels: cfg.OCR.MaxMegapixels,
		TempDir:       cfg.OCR.TempDir,
	}, logger)

	analyzer := ai.NewExtractor(completer, ai.Options{
		Categories:  cfg.Categories,
		Timeout:     cfg.AI.Timeout,
		MaxTokens:   cfg.AI.MaxTokens,
		Temperature: cfg.AI.Temperature,
	}, logger)

	validator := services.NewBusinessValidator(services.Thresholds{
		MaxAmount:       cfg.Validation.MaxAmount,
		TaxRateWarnPct:  cfg.Validation.TaxRateWarnPct,
		AmountTolerance: cfg.Validation.AmountTolerance,
	}, logger)

	proc, err := pipeline.NewProcessor(pipeline.Deps{
		Extractor: extractor,
		Locale:    locale.NewDetector(completer, cfg.AI.Timeout, logger),
		Analyzer:  analyzer,
		Validator: validator,
		Notifier:  notifier,
		Recorder:  recorder,
	}, pipeline.Config{
		MaxBytes:      cfg.Server.MaxUploadBytes,
		ProgressPause: cfg.Server.ProgressPause,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	return proc, extractor, nil
}

// Close releases every backend in reverse order
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
