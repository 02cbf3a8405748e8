package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/facturaIA/invoice-pipeline/internal/ai"
	"github.com/facturaIA/invoice-pipeline/internal/logging"
	"github.com/facturaIA/invoice-pipeline/internal/models"
	"github.com/facturaIA/invoice-pipeline/internal/ocr"
	"github.com/facturaIA/invoice-pipeline/internal/services"
)

type fakeExtractor struct {
	res   *models.ExtractionResult
	err   error
	calls int
}

func (f *fakeExtractor) Extract(ctx context.Context, doc models.RawDocument) (*models.ExtractionResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	cp := *f.res
	return &cp, nil
}

type fakeLocale struct{ hint models.LocaleHint }

func (f fakeLocale) Detect(ctx context.Context, text string) models.LocaleHint { return f.hint }

type fakeAnalyzer struct {
	analysis *models.StructuredAnalysis
	err      error
	ctxErr   error
	gotHint  models.LocaleHint
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, text string, hint models.LocaleHint) (*models.StructuredAnalysis, error) {
	f.ctxErr = ctx.Err()
	f.gotHint = hint
	if f.err != nil {
		return nil, f.err
	}
	return f.analysis, nil
}

type fakeValidator struct{ warning string }

func (f fakeValidator) Validate(a *models.StructuredAnalysis, text string, hint models.LocaleHint) []models.ValidationWarning {
	if f.warning == "" {
		return nil
	}
	w := models.ValidationWarning{Field: "tax_amount", Code: "test", Message: f.warning}
	a.AddWarning(w)
	return []models.ValidationWarning{w}
}

type recordingNotifier struct {
	mu    sync.Mutex
	snaps []models.ProcessingStatus
	ids   []string
	err   error
}

func (n *recordingNotifier) Notify(ctx context.Context, id string, s models.ProcessingStatus) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.snaps = append(n.snaps, s)
	n.ids = append(n.ids, id)
	return n.err
}

type fakeRecorder struct {
	stages   []string
	outcomes []string
}

func (r *fakeRecorder) ObserveStage(stage string, d time.Duration) { r.stages = append(r.stages, stage) }

func (r *fakeRecorder) ObserveInvocation(outcome string, d time.Duration, confidence float64) {
	r.outcomes = append(r.outcomes, outcome)
}

type fixture struct {
	extractor *fakeExtractor
	analyzer  *fakeAnalyzer
	notifier  *recordingNotifier
	recorder  *fakeRecorder
	processor *Processor
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		extractor: &fakeExtractor{res: &models.ExtractionResult{
			Text:       "INVOICE 2024-001\nAcme Corp\nTotal 108.00",
			Source:     models.SourceOCR,
			Confidence: 0.9,
			WordCount:  6,
			Warnings:   []string{"page 2: unreadable"},
		}},
		analyzer: &fakeAnalyzer{analysis: &models.StructuredAnalysis{
			DocumentAnalysis: models.DocumentAnalysis{DocumentType: "invoice", OverallConfidence: models.Float(0.8)},
			VendorInfo:       models.VendorInfo{VendorName: "Acme Corp"},
		}},
		notifier: &recordingNotifier{},
		recorder: &fakeRecorder{},
	}
	p, err := NewProcessor(Deps{
		Extractor: f.extractor,
		Locale:    fakeLocale{hint: models.LocaleHint{Language: "fr", Country: "FR", DateFormat: models.DateFormatDMY}},
		Analyzer:  f.analyzer,
		Validator: fakeValidator{warning: "Zero tax_amount detected"},
		Notifier:  f.notifier,
		Recorder:  f.recorder,
	}, cfg, logging.Discard())
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	f.processor = p
	return f
}

func pngDoc() models.RawDocument {
	return models.RawDocument{Data: []byte("not really a png"), MediaType: "image/png", Filename: "scan.png"}
}

func TestProcessDocumentHappyPath(t *testing.T) {
	f := newFixture(t, Config{MaxBytes: 1024})
	doc := pngDoc()

	res, err := f.processor.ProcessDocument(context.Background(), doc, WithInvocationID("inv-1"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	if res.InvocationID != "inv-1" || res.ContentHash != doc.ContentHash() || res.MediaType != models.MediaTypePNG {
		t.Fatalf("unexpected identity fields %+v", res)
	}
	if res.FileSize != len(doc.Data) || res.Filename != "scan.png" {
		t.Fatalf("unexpected file fields %+v", res)
	}
	if res.ProcessingConfidence != 0.8 {
		t.Fatalf("expected min(0.9, 0.8), got %v", res.ProcessingConfidence)
	}
	if strings.Join(res.Warnings, "|") != "page 2: unreadable|Zero tax_amount detected" {
		t.Fatalf("unexpected warnings %v", res.Warnings)
	}
	if res.Locale.Language != "fr" || f.analyzer.gotHint.DateFormat != models.DateFormatDMY {
		t.Fatalf("locale not threaded through: %+v", res.Locale)
	}
	if res.Status != Completed() {
		t.Fatalf("expected completed status, got %+v", res.Status)
	}
	if res.ExtractedTextExcerpt != f.extractor.res.Text {
		t.Fatalf("short text should not be truncated")
	}
	if res.Reused {
		t.Fatalf("fresh result marked reused")
	}

	if len(f.notifier.snaps) != TotalSteps {
		t.Fatalf("expected %d notifications, got %d", TotalSteps, len(f.notifier.snaps))
	}
	for i, snap := range f.notifier.snaps {
		if snap.Progress != i+1 || snap.CurrentStep != string(Steps[i]) {
			t.Fatalf("notification %d out of order: %+v", i, snap)
		}
		if f.notifier.ids[i] != "inv-1" {
			t.Fatalf("notification %d has id %q", i, f.notifier.ids[i])
		}
	}
	if f.notifier.snaps[6].Percentage != 87.5 {
		t.Fatalf("unexpected percentage at step 7: %v", f.notifier.snaps[6].Percentage)
	}

	if len(f.recorder.stages) != TotalSteps || f.recorder.stages[0] != "file_validation" {
		t.Fatalf("unexpected stage observations %v", f.recorder.stages)
	}
	if strings.Join(f.recorder.outcomes, ",") != "success" {
		t.Fatalf("unexpected outcomes %v", f.recorder.outcomes)
	}
}

func TestProcessDocumentMissingOverallConfidence(t *testing.T) {
	f := newFixture(t, Config{})
	f.analyzer.analysis.DocumentAnalysis.OverallConfidence = nil

	res, err := f.processor.ProcessDocument(context.Background(), pngDoc())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.ProcessingConfidence != 0.5 {
		t.Fatalf("expected 0.5 when overall confidence is missing, got %v", res.ProcessingConfidence)
	}
	if res.InvocationID == "" {
		t.Fatalf("expected a generated invocation id")
	}
}

func TestProcessDocumentTruncatesExcerpt(t *testing.T) {
	f := newFixture(t, Config{})
	f.extractor.res.Text = strings.Repeat("é", 1200)

	res, err := f.processor.ProcessDocument(context.Background(), pngDoc())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !strings.HasSuffix(res.ExtractedTextExcerpt, "...") || len([]rune(res.ExtractedTextExcerpt)) != 1003 {
		t.Fatalf("unexpected excerpt length %d", len([]rune(res.ExtractedTextExcerpt)))
	}
}

func TestProcessDocumentReusesExisting(t *testing.T) {
	f := newFixture(t, Config{})
	existing := &models.PipelineResult{InvocationID: "old", ContentHash: "abc", ProcessingConfidence: 0.7}

	res, err := f.processor.ProcessDocument(context.Background(), pngDoc(), WithExisting(existing))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !res.Reused || res.Status != Completed() || res.ContentHash != "abc" {
		t.Fatalf("unexpected reused result %+v", res)
	}
	if existing.Reused {
		t.Fatalf("existing result must not be mutated")
	}
	if f.extractor.calls != 0 {
		t.Fatalf("reused invocation must skip extraction")
	}
	if len(f.notifier.snaps) != 1 || f.notifier.snaps[0].Progress != 8 {
		t.Fatalf("expected a single completed notification, got %+v", f.notifier.snaps)
	}
}

func TestProcessDocumentInputErrors(t *testing.T) {
	f := newFixture(t, Config{MaxBytes: 8})
	cases := []struct {
		name  string
		doc   models.RawDocument
		want  error
		stage Step
	}{
		{name: "empty", doc: models.RawDocument{MediaType: "image/png"}, want: ocr.ErrEmptyInput, stage: StepFileValidation},
		{name: "too large", doc: pngDoc(), want: ErrTooLarge, stage: StepFileValidation},
		{name: "unsupported", doc: models.RawDocument{Data: []byte("hi"), MediaType: "text/csv"}, want: ocr.ErrUnsupportedFormat, stage: StepFileValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.processor.ProcessDocument(context.Background(), tc.doc)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if StageOf(err) != tc.stage {
				t.Fatalf("expected stage %s, got %s", tc.stage, StageOf(err))
			}
		})
	}
	if f.extractor.calls != 0 {
		t.Fatalf("invalid input must not reach the extractor")
	}
}

func TestProcessDocumentRejectsTooLittleText(t *testing.T) {
	f := newFixture(t, Config{})
	f.extractor.res.Text = "  Total  "

	_, err := f.processor.ProcessDocument(context.Background(), pngDoc())
	if !errors.Is(err, ocr.ErrNoReadableText) || StageOf(err) != StepTextExtraction {
		t.Fatalf("expected no readable text at extraction, got %v", err)
	}
	if strings.Join(f.recorder.outcomes, ",") != "error" {
		t.Fatalf("unexpected outcomes %v", f.recorder.outcomes)
	}
}

func TestProcessDocumentPropagatesExtractionFailure(t *testing.T) {
	f := newFixture(t, Config{})
	f.extractor.err = ocr.NewError(ocr.ReasonCorruptDocument, "decode", "invalid image format")

	_, err := f.processor.ProcessDocument(context.Background(), pngDoc())
	if !errors.Is(err, ocr.ErrCorruptDocument) || StageOf(err) != StepTextExtraction {
		t.Fatalf("expected corrupt document at extraction, got %v", err)
	}
}

func TestProcessDocumentPropagatesUpstreamFailure(t *testing.T) {
	f := newFixture(t, Config{})
	f.analyzer.err = &ai.UpstreamError{Kind: ai.KindRateLimited, Op: "fake", StatusCode: 429}

	_, err := f.processor.ProcessDocument(context.Background(), pngDoc())
	if !errors.Is(err, ai.ErrRateLimited) || !ai.IsRetryable(err) {
		t.Fatalf("expected retryable rate limit, got %v", err)
	}
	if StageOf(err) != StepAIAnalysis {
		t.Fatalf("expected ai_analysis stage, got %s", StageOf(err))
	}
	last := f.notifier.snaps[len(f.notifier.snaps)-1]
	if last.Progress != 4 {
		t.Fatalf("progress should stop at ai_analysis, got %+v", last)
	}
}

func TestProcessDocumentIgnoresNotifierErrors(t *testing.T) {
	f := newFixture(t, Config{})
	f.notifier.err = errors.New("broker down")

	if _, err := f.processor.ProcessDocument(context.Background(), pngDoc()); err != nil {
		t.Fatalf("notifier failure must not fail the pipeline: %v", err)
	}
}

func TestProcessDocumentDetachesFromCancellation(t *testing.T) {
	f := newFixture(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := f.processor.ProcessDocument(ctx, pngDoc()); err != nil {
		t.Fatalf("process: %v", err)
	}
	if f.analyzer.ctxErr != nil {
		t.Fatalf("analysis saw a cancelled context: %v", f.analyzer.ctxErr)
	}
}

func TestProcessDocumentPerCallNotifier(t *testing.T) {
	f := newFixture(t, Config{})
	extra := &recordingNotifier{}

	if _, err := f.processor.ProcessDocument(context.Background(), pngDoc(), WithNotifier(extra)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(extra.snaps) != TotalSteps || len(f.notifier.snaps) != TotalSteps {
		t.Fatalf("both notifiers should see every step: %d, %d", len(extra.snaps), len(f.notifier.snaps))
	}
}

func TestProcessDocumentDegradedOutcome(t *testing.T) {
	f := newFixture(t, Config{})
	f.analyzer.analysis.Error = "AI response parsing failed"

	if _, err := f.processor.ProcessDocument(context.Background(), pngDoc()); err != nil {
		t.Fatalf("process: %v", err)
	}
	if strings.Join(f.recorder.outcomes, ",") != "degraded" {
		t.Fatalf("unexpected outcomes %v", f.recorder.outcomes)
	}
}

func TestNewProcessorRequiresCollaborators(t *testing.T) {
	if _, err := NewProcessor(Deps{}, Config{}, nil); err == nil {
		t.Fatalf("expected missing collaborator error")
	}
}

func TestProcessDocumentKeepsWarningFields(t *testing.T) {
	analyzer := &fakeAnalyzer{analysis: &models.StructuredAnalysis{
		DocumentAnalysis: models.DocumentAnalysis{DocumentType: "invoice", OverallConfidence: models.Float(0.9)},
		FinancialData: models.FinancialData{
			TotalAmount: models.NumberFromFloat(100),
			TaxAmount:   models.NumberFromFloat(0),
			Currency:    "USD",
		},
	}}
	p, err := NewProcessor(Deps{
		Extractor: &fakeExtractor{res: &models.ExtractionResult{Text: "INVOICE total 100.00 tax 0.00", Source: models.SourceOCR, Confidence: 0.9, WordCount: 6}},
		Locale:    fakeLocale{hint: models.DefaultLocale()},
		Analyzer:  analyzer,
		Validator: services.NewBusinessValidator(services.DefaultThresholds(), logging.Discard()),
	}, Config{}, logging.Discard())
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}

	res, err := p.ProcessDocument(context.Background(), pngDoc())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	ws := res.Analysis.ValidationWarnings
	if len(ws) != 1 || ws[0].Field != "tax_amount" || ws[0].Code != services.CodeZeroAmount {
		t.Fatalf("expected a zero tax_amount warning, got %+v", ws)
	}
	if len(res.Warnings) != 1 || res.Warnings[0] != ws[0].Message {
		t.Fatalf("result warnings should carry the message, got %v", res.Warnings)
	}
}
