// Package pipeline runs one document through extraction, locale inference,
// structured analysis and validation, reporting progress after every step.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/facturaIA/invoice-pipeline/internal/models"
	"github.com/facturaIA/invoice-pipeline/internal/ocr"
)

const (
	minTextChars   = 10
	excerptChars   = 1000
	defaultOverall = 0.5
)

// TextExtractor turns a document into text
type TextExtractor interface {
	Extract(ctx context.Context, doc models.RawDocument) (*models.ExtractionResult, error)
}

// LocaleDetector infers the language and date ordering of text. It never fails.
type LocaleDetector interface {
	Detect(ctx context.Context, text string) models.LocaleHint
}

// Analyzer extracts structured fields from text
type Analyzer interface {
	Analyze(ctx context.Context, text string, hint models.LocaleHint) (*models.StructuredAnalysis, error)
}

// Validator applies business rules to an analysis in place
type Validator interface {
	Validate(a *models.StructuredAnalysis, text string, hint models.LocaleHint) []models.ValidationWarning
}

// Recorder observes invocations, e.g. for metrics
type Recorder interface {
	ObserveStage(stage string, d time.Duration)
	ObserveInvocation(outcome string, d time.Duration, confidence float64)
}

type nopRecorder struct{}

func (nopRecorder) ObserveStage(string, time.Duration)               {}
func (nopRecorder) ObserveInvocation(string, time.Duration, float64) {}

// Deps are the collaborators of a Processor. Notifier and Recorder are optional.
type Deps struct {
	Extractor TextExtractor
	Locale    LocaleDetector
	Analyzer  Analyzer
	Validator Validator
	Notifier  ProgressNotifier
	Recorder  Recorder
}

// Config limits a Processor
type Config struct {
	MaxBytes      int64         // 0 disables the cap
	ProgressPause time.Duration // yield after each progress update
}

// Processor runs documents through the pipeline. It holds no per-invocation
// state and is safe for concurrent use.
type Processor struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

func NewProcessor(deps Deps, cfg Config, logger *slog.Logger) (*Processor, error) {
	switch {
	case deps.Extractor == nil:
		return nil, errors.New("pipeline: extractor is required")
	case deps.Locale == nil:
		return nil, errors.New("pipeline: locale detector is required")
	case deps.Analyzer == nil:
		return nil, errors.New("pipeline: analyzer is required")
	case deps.Validator == nil:
		return nil, errors.New("pipeline: validator is required")
	}
	if deps.Notifier == nil {
		deps.Notifier = NopNotifier{}
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{deps: deps, cfg: cfg, logger: logger, now: time.Now}, nil
}

// Option configures one invocation
type Option func(*invocation)

type invocation struct {
	id       string
	existing *models.PipelineResult
	notifier ProgressNotifier
}

// WithExisting returns result instead of processing the document
func WithExisting(result *models.PipelineResult) Option {
	return func(inv *invocation) { inv.existing = result }
}

// WithInvocationID overrides the generated invocation id
func WithInvocationID(id string) Option {
	return func(inv *invocation) { inv.id = id }
}

// WithNotifier adds a notifier for this invocation only
func WithNotifier(n ProgressNotifier) Option {
	return func(inv *invocation) { inv.notifier = n }
}

// ProcessDocument runs doc through every step. The request's cancellation is not
// propagated; only the completion timeout bounds a run. Failures are *StageError.
func (p *Processor) ProcessDocument(ctx context.Context, doc models.RawDocument, opts ...Option) (*models.PipelineResult, error) {
	var inv invocation
	for _, opt := range opts {
		opt(&inv)
	}
	if inv.id == "" {
		inv.id = uuid.NewString()
	}
	ctx = context.WithoutCancel(ctx)

	r := &run{
		p:        p,
		ctx:      ctx,
		id:       inv.id,
		status:   NewStatus(),
		notifier: Notifiers{p.deps.Notifier, inv.notifier},
		logger:   p.logger.With("invocation_id", inv.id),
		start:    p.now(),
	}

	if inv.existing != nil {
		res := *inv.existing
		res.Reused = true
		res.Status = Completed()
		r.notify(res.Status)
		r.logger.Info("pipeline.reused", "content_hash", res.ContentHash)
		p.deps.Recorder.ObserveInvocation("reused", 0, res.ProcessingConfidence)
		return &res, nil
	}

	res, err := r.execute(doc)
	elapsed := p.now().Sub(r.start)
	if err != nil {
		r.logger.Error("pipeline.failed", "stage", StageOf(err), "error", err, "duration_ms", elapsed.Milliseconds())
		p.deps.Recorder.ObserveInvocation("error", elapsed, 0)
		return nil, err
	}
	r.logger.Info("pipeline.done",
		"content_hash", res.ContentHash,
		"confidence", res.ProcessingConfidence,
		"warnings", len(res.Warnings),
		"duration_ms", elapsed.Milliseconds(),
	)
	outcome := "success"
	if res.Analysis.Degraded() {
		outcome = "degraded"
	}
	p.deps.Recorder.ObserveInvocation(outcome, elapsed, res.ProcessingConfidence)
	return res, nil
}

// run is the state of one invocation
type run struct {
	p         *Processor
	ctx       context.Context
	id        string
	status    *Status
	notifier  ProgressNotifier
	logger    *slog.Logger
	start     time.Time
	step      Step
	stepStart time.Time
}

func (r *run) advance(step Step) {
	now := r.p.now()
	if r.step != "" {
		r.p.deps.Recorder.ObserveStage(string(r.step), now.Sub(r.stepStart))
	}
	r.step, r.stepStart = step, now

	r.status.Update(step, 0)
	snap := r.status.Snapshot()
	r.logger.Debug("pipeline.step", "step", step, "progress", snap.Progress)
	r.notify(snap)
}

func (r *run) notify(snap models.ProcessingStatus) {
	if err := r.notifier.Notify(r.ctx, r.id, snap); err != nil {
		r.logger.Warn("pipeline.notify.failed", "step", snap.CurrentStep, "error", err)
	}
	if r.p.cfg.ProgressPause > 0 {
		time.Sleep(r.p.cfg.ProgressPause)
	}
}

func (r *run) fail(err error) error {
	return &StageError{Stage: r.step, Err: err}
}

func (r *run) execute(doc models.RawDocument) (*models.PipelineResult, error) {
	r.advance(StepFileValidation)
	if len(doc.Data) == 0 {
		return nil, r.fail(ocr.NewError(ocr.ReasonEmptyInput, "pipeline.validate", "empty file"))
	}
	if limit := r.p.cfg.MaxBytes; limit > 0 && int64(len(doc.Data)) > limit {
		return nil, r.fail(fmt.Errorf("%w: %d bytes exceeds the %d byte limit", ErrTooLarge, len(doc.Data), limit))
	}
	mediaType, err := ocr.ResolveMediaType(doc)
	if err != nil {
		return nil, r.fail(err)
	}

	r.advance(StepTextExtraction)
	extraction, err := r.p.deps.Extractor.Extract(r.ctx, doc)
	if err != nil {
		return nil, r.fail(fmt.Errorf("text extraction: %w", err))
	}
	text := extraction.Text
	if n := len([]rune(strings.TrimSpace(text))); n < minTextChars {
		return nil, r.fail(ocr.NewError(ocr.ReasonNoReadableText, "pipeline.extract",
			fmt.Sprintf("insufficient text extracted (%d characters)", n)))
	}

	r.advance(StepLanguageDetection)
	hint := r.p.deps.Locale.Detect(r.ctx, text)

	r.advance(StepAIAnalysis)
	analysis, err := r.p.deps.Analyzer.Analyze(r.ctx, text, hint)
	if err != nil {
		return nil, r.fail(fmt.Errorf("structured analysis: %w", err))
	}
	r.advance(StepFieldParsing)

	r.advance(StepValidation)
	if found := r.p.deps.Validator.Validate(analysis, text, hint); len(found) > 0 {
		r.logger.Info("pipeline.validation.warnings", "count", len(found), "fields", warningFields(found))
	}

	r.advance(StepConfidenceScoring)
	confidence := extraction.Confidence
	if overall := analysis.OverallConfidenceOr(defaultOverall); overall < confidence {
		confidence = overall
	}

	r.advance(StepFinalization)
	warnings := make([]string, 0, len(extraction.Warnings)+len(analysis.ValidationWarnings))
	warnings = append(warnings, extraction.Warnings...)
	warnings = append(warnings, analysis.WarningMessages()...)

	now := r.p.now()
	r.p.deps.Recorder.ObserveStage(string(StepFinalization), now.Sub(r.stepStart))
	return &models.PipelineResult{
		InvocationID:         r.id,
		ContentHash:          doc.ContentHash(),
		Filename:             doc.Filename,
		MediaType:            mediaType,
		FileSize:             len(doc.Data),
		Extraction:           extraction,
		Locale:               hint,
		Analysis:             analysis,
		Status:               r.status.Snapshot(),
		Warnings:             warnings,
		ProcessingConfidence: confidence,
		ExtractedTextExcerpt: excerpt(text, excerptChars),
		ProcessedAt:          now.UTC(),
		ProcessingSeconds:    now.Sub(r.start).Seconds(),
	}, nil
}

func excerpt(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func warningFields(ws []models.ValidationWarning) []string {
	fields := make([]string, 0, len(ws))
	for _, w := range ws {
		if w.Field != "" {
			fields = append(fields, w.Field)
		}
	}
	return fields
}
