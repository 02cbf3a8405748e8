// Package locale infers the language and date ordering of a document from its text.
package locale

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/facturaIA/invoice-pipeline/internal/ai"
	"github.com/facturaIA/invoice-pipeline/internal/models"
)

const (
	minTextLen     = 10
	sampleRunes    = 800
	localeTokens   = 200
	defaultTimeout = 60 * time.Second
)

// Detector asks the completion service for a LocaleHint. It never fails: every
// problem falls back to models.DefaultLocale.
type Detector struct {
	completer ai.Completer
	timeout   time.Duration
	logger    *slog.Logger
}

func NewDetector(completer ai.Completer, timeout time.Duration, logger *slog.Logger) *Detector {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{completer: completer, timeout: timeout, logger: logger}
}

type localeResponse struct {
	Language   string `json:"language"`
	Country    string `json:"country"`
	DateFormat string `json:"date_format"`
}

// Detect returns the inferred locale of text
func (d *Detector) Detect(ctx context.Context, text string) models.LocaleHint {
	trimmed := strings.TrimSpace(text)
	if len([]rune(trimmed)) < minTextLen {
		d.logger.Warn("locale.fallback", "reason", "text too short", "text_len", len(trimmed))
		return models.DefaultLocale()
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	resp, err := d.completer.Complete(ctx, ai.CompletionRequest{
		SystemPrompt: ai.LocalePrompt,
		UserPrompt:   sample(trimmed, sampleRunes),
		MaxTokens:    localeTokens,
		Temperature:  ai.DefaultTemperature,
	})
	if err != nil {
		d.logger.Warn("locale.fallback", "reason", "completion failed", "kind", ai.KindOf(err), "error", err)
		return models.DefaultLocale()
	}

	raw, err := ai.ExtractJSONObject(resp.Content)
	if err != nil {
		d.logger.Warn("locale.fallback", "reason", "no json object", "error", err)
		return models.DefaultLocale()
	}
	var parsed localeResponse
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		d.logger.Warn("locale.fallback", "reason", "invalid json", "error", err)
		return models.DefaultLocale()
	}

	lang := strings.ToLower(strings.TrimSpace(parsed.Language))
	if !models.IsSupportedLanguage(lang) {
		d.logger.Warn("locale.fallback", "reason", "unsupported language", "language", parsed.Language)
		return models.DefaultLocale()
	}

	hint := models.LocaleHint{
		Language:   lang,
		Country:    strings.ToUpper(strings.TrimSpace(parsed.Country)),
		DateFormat: strings.ToUpper(strings.TrimSpace(parsed.DateFormat)),
	}
	if hint.Country == "" {
		hint.Country = "US"
	}
	if hint.DateFormat == "" {
		hint.DateFormat = models.DateFormatMDY
	}
	d.logger.Info("locale.detected", "language", hint.Language, "country", hint.Country, "date_format", hint.DateFormat)
	return hint
}

func sample(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
