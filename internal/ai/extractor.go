// Package ai turns extracted invoice text into a StructuredAnalysis using an
// external chat completion service.
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/facturaIA/invoice-pipeline/internal/models"
)

const (
	degradedErrorMarker = "AI response parsing failed"
	rawResponseExcerpt  = 500
)

// Warning codes for problems with the response as a whole
const (
	CodeSchemaViolation = "schema_violation"
	CodeParseFailed     = "parse_failed"
)

// Extractor handles AI-based data extraction from OCR text
type Extractor struct {
	completer   Completer
	categories  []string
	timeout     time.Duration
	maxTokens   int
	temperature float32
	logger      *slog.Logger
}

// Options tune the completion request
type Options struct {
	Categories  []string
	Timeout     time.Duration
	MaxTokens   int
	Temperature float32
}

// NewExtractor creates a new AI extractor
func NewExtractor(completer Completer, opts Options, logger *slog.Logger) *Extractor {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	if opts.Temperature <= 0 {
		opts.Temperature = DefaultTemperature
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		completer:   completer,
		categories:  opts.Categories,
		timeout:     opts.Timeout,
		maxTokens:   opts.MaxTokens,
		temperature: opts.Temperature,
		logger:      logger,
	}
}

// Analyze makes exactly one completion call. Upstream failures are returned as
// *UpstreamError, except malformed responses which become a degraded analysis
// carrying the error marker.
func (e *Extractor) Analyze(ctx context.Context, text string, hint models.LocaleHint) (*models.StructuredAnalysis, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	e.logger.Info("ai.analyze.start", "language", hint.Language, "date_format", hint.DateFormat, "text_len", len(text))

	resp, err := e.completer.Complete(ctx, CompletionRequest{
		SystemPrompt: buildAnalysisPrompt(hint, e.categories),
		UserPrompt:   buildAnalysisUserPrompt(text),
		MaxTokens:    e.maxTokens,
		Temperature:  e.temperature,
	})
	if err != nil {
		if errors.Is(err, ErrMalformedResponse) {
			e.logger.Warn("ai.analyze.malformed", "error", err)
			return degradedAnalysis(resp.Content, err, hint), nil
		}
		e.logger.Error("ai.analyze.failed", "kind", KindOf(err), "error", err)
		return nil, err
	}

	analysis, err := parseAnalysis(resp.Content)
	if err != nil {
		e.logger.Warn("ai.analyze.parse_failed", "error", err, "raw_len", len(resp.Content))
		return degradedAnalysis(resp.Content, err, hint), nil
	}

	e.logger.Info("ai.analyze.done",
		"model", resp.Model,
		"overall_confidence", analysis.OverallConfidenceOr(-1),
		"line_items", len(analysis.LineItems),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return analysis, nil
}

// parseAnalysis decodes content. Schema violations are kept as a warning.
func parseAnalysis(content string) (*models.StructuredAnalysis, error) {
	raw, err := ExtractJSONObject(content)
	if err != nil {
		return nil, err
	}

	schemaErr := validateAnalysisJSON([]byte(raw))

	normalized, err := coerceAnalysisJSON([]byte(raw))
	if err != nil {
		return nil, err
	}
	var analysis models.StructuredAnalysis
	if err := json.Unmarshal(normalized, &analysis); err != nil {
		return nil, err
	}
	if schemaErr != nil {
		analysis.AddWarning(models.ValidationWarning{
			Code:    CodeSchemaViolation,
			Message: fmt.Sprintf("AI response deviates from the expected schema: %v", schemaErr),
		})
	}
	return &analysis, nil
}

func degradedAnalysis(raw string, cause error, hint models.LocaleHint) *models.StructuredAnalysis {
	a := &models.StructuredAnalysis{
		Error:       degradedErrorMarker,
		RawResponse: excerpt(raw, rawResponseExcerpt),
		DocumentAnalysis: models.DocumentAnalysis{
			DocumentType:      "unknown",
			DetectedLanguage:  hint.Language,
			TextQuality:       "poor",
			OverallConfidence: models.Float(0),
		},
		LineItems: []models.LineItem{},
	}
	a.AddWarning(models.ValidationWarning{
		Code:    CodeParseFailed,
		Message: "Failed to parse AI response: " + cause.Error(),
	})
	return a
}

func excerpt(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
