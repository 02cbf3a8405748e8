package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/facturaIA/invoice-pipeline/internal/ai"
	"github.com/facturaIA/invoice-pipeline/internal/auth"
	"github.com/facturaIA/invoice-pipeline/internal/logging"
	"github.com/facturaIA/invoice-pipeline/internal/metrics"
	"github.com/facturaIA/invoice-pipeline/internal/models"
	"github.com/facturaIA/invoice-pipeline/internal/ocr"
	"github.com/facturaIA/invoice-pipeline/internal/pipeline"
	"github.com/facturaIA/invoice-pipeline/internal/services"
)

const invoiceText = "ACME Corp Invoice INV-42 Total 108.01 USD"

type stubExtractor struct {
	calls int
	mu    sync.Mutex
}

func (s *stubExtractor) Extract(ctx context.Context, doc models.RawDocument) (*models.ExtractionResult, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return &models.ExtractionResult{Text: invoiceText, Source: models.SourceOCR, Confidence: 0.8, Pages: 1}, nil
}

type stubLocale struct{}

func (stubLocale) Detect(ctx context.Context, text string) models.LocaleHint {
	return models.DefaultLocale()
}

type stubAnalyzer struct {
	err error
}

func (s stubAnalyzer) Analyze(ctx context.Context, text string, hint models.LocaleHint) (*models.StructuredAnalysis, error) {
	if s.err != nil {
		return nil, s.err
	}
	conf := 0.9
	return &models.StructuredAnalysis{
		DocumentAnalysis: models.DocumentAnalysis{DocumentType: "invoice", DetectedLanguage: "en", OverallConfidence: &conf},
		FinancialData: models.FinancialData{
			TotalAmount: models.NumberFromFloat(108.01),
			Subtotal:    models.NumberFromFloat(100),
			TaxAmount:   models.NumberFromFloat(8.01),
			Currency:    "USD",
		},
		VendorInfo:      models.VendorInfo{VendorName: "ACME Corp"},
		DocumentDetails: models.DocumentDetails{InvoiceNumber: "INV-42"},
	}, nil
}

type memoryResults struct {
	mu          sync.Mutex
	results     map[string]*models.PipelineResult
	saveErr     error
	corrections []models.FieldPath
}

func newMemoryResults() *memoryResults {
	return &memoryResults{results: map[string]*models.PipelineResult{}}
}

func (m *memoryResults) Get(ctx context.Context, hash string) (*models.PipelineResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.results[hash]; ok {
		return r, nil
	}
	return nil, pipeline.ErrNotFound
}

func (m *memoryResults) Save(ctx context.Context, r *models.PipelineResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.results[r.ContentHash] = r
	return nil
}

func (m *memoryResults) GetStored(ctx context.Context, hash string) (*models.StoredResult, error) {
	r, err := m.Get(ctx, hash)
	if err != nil {
		return nil, err
	}
	return &models.StoredResult{Result: r}, nil
}

func (m *memoryResults) ApplyCorrection(ctx context.Context, hash string, path models.FieldPath, value any) (*models.Correction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.results[hash]; !ok {
		return nil, pipeline.ErrNotFound
	}
	m.corrections = append(m.corrections, path)
	return &models.Correction{ContentHash: hash, FieldPath: path.String(), NewValue: value}, nil
}

func (m *memoryResults) List(ctx context.Context, limit int) ([]models.StoredResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.StoredResult
	for _, r := range m.results {
		out = append(out, models.StoredResult{Result: r})
	}
	return out, nil
}

func (m *memoryResults) Delete(ctx context.Context, hash string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[hash]
	if !ok {
		return "", pipeline.ErrNotFound
	}
	delete(m.results, hash)
	return r.ArchivePath, nil
}

func (m *memoryResults) Ping(ctx context.Context) error { return nil }

type memoryArchive struct {
	mu      sync.Mutex
	stored  []string
	removed []string
	err     error
}

func (a *memoryArchive) Store(ctx context.Context, doc models.RawDocument, mediaType string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return "", a.err
	}
	path := "invoices/" + doc.ContentHash()
	a.stored = append(a.stored, path)
	return path, nil
}

func (a *memoryArchive) PresignedURL(ctx context.Context, path string, expires time.Duration) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	return "https://archive.test/" + path + "?expires=" + expires.String(), nil
}

func (a *memoryArchive) Delete(ctx context.Context, path string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.removed = append(a.removed, path)
	return nil
}

func (a *memoryArchive) Ping(ctx context.Context) error { return a.err }

type testEnv struct {
	handler   *Handler
	server    http.Handler
	extractor *stubExtractor
	results   *memoryResults
	archive   *memoryArchive
	tasks     *pipeline.MemoryTaskStore
}

type envOption func(*Deps, *Options)

func newTestEnv(t *testing.T, analyzer stubAnalyzer, opts ...envOption) *testEnv {
	t.Helper()
	logger := logging.Discard()
	ext := &stubExtractor{}
	proc, err := pipeline.NewProcessor(pipeline.Deps{
		Extractor: ext,
		Locale:    stubLocale{},
		Analyzer:  analyzer,
		Validator: services.NewBusinessValidator(services.DefaultThresholds(), logger),
	}, pipeline.Config{MaxBytes: 1024}, logger)
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}

	env := &testEnv{
		extractor: ext,
		results:   newMemoryResults(),
		archive:   &memoryArchive{},
		tasks:     pipeline.NewMemoryTaskStore(),
	}
	deps := Deps{Processor: proc, Tasks: env.tasks, Results: env.results, Archive: env.archive}
	o := Options{MaxUploadBytes: 1024}
	for _, opt := range opts {
		opt(&deps, &o)
	}
	h, err := NewHandler(deps, o, logger)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	env.handler = h
	env.server = h.SetupRoutes()
	return env
}

func uploadRequest(t *testing.T, target, filename string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	fw.Write(data)
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, target, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestExtractInvoice(t *testing.T) {
	env := newTestEnv(t, stubAnalyzer{})

	rec := env.do(uploadRequest(t, "/api/extract-invoice", "scan.png", []byte("fake png bytes")))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp ExtractResponse
	decode(t, rec, &resp)
	if !resp.Success || !resp.Saved || resp.DatabaseError != "" {
		t.Fatalf("response = %+v", resp)
	}
	if resp.Result.Status.Progress != 8 || resp.Result.Status.Percentage != 100 {
		t.Fatalf("status = %+v", resp.Result.Status)
	}
	if resp.Result.ProcessingConfidence != 0.8 {
		t.Fatalf("confidence = %v", resp.Result.ProcessingConfidence)
	}
	if len(env.archive.stored) != 1 || resp.ArchivePath != env.archive.stored[0] {
		t.Fatalf("archive = %v, path %q", env.archive.stored, resp.ArchivePath)
	}
	if _, err := env.results.Get(context.Background(), resp.Result.ContentHash); err != nil {
		t.Fatalf("result not saved: %v", err)
	}
}

func TestExtractInvoiceReusesStoredResult(t *testing.T) {
	env := newTestEnv(t, stubAnalyzer{})
	data := []byte("same bytes twice")

	first := env.do(uploadRequest(t, "/api/extract-invoice", "a.png", data))
	if first.Code != http.StatusOK {
		t.Fatalf("first status = %d", first.Code)
	}
	second := env.do(uploadRequest(t, "/api/extract-invoice", "a.png", data))
	if second.Code != http.StatusOK {
		t.Fatalf("second status = %d", second.Code)
	}
	var resp ExtractResponse
	decode(t, second, &resp)
	if !resp.Result.Reused {
		t.Fatal("second upload should reuse the stored result")
	}
	if env.extractor.calls != 1 {
		t.Fatalf("extractor calls = %d, want 1", env.extractor.calls)
	}
	if len(env.archive.stored) != 1 {
		t.Fatalf("archive writes = %d, want 1", len(env.archive.stored))
	}
}

func TestExtractInvoiceSaveFalse(t *testing.T) {
	env := newTestEnv(t, stubAnalyzer{})
	rec := env.do(uploadRequest(t, "/api/extract-invoice?save=false", "a.png", []byte("not saved")))
	var resp ExtractResponse
	decode(t, rec, &resp)
	if resp.Saved || len(env.results.results) != 0 {
		t.Fatalf("saved = %v, stored %d", resp.Saved, len(env.results.results))
	}
}

func TestExtractInvoiceBestEffortBackends(t *testing.T) {
	env := newTestEnv(t, stubAnalyzer{})
	env.results.saveErr = errors.New("connection refused")
	env.archive.err = errors.New("bucket gone")

	rec := env.do(uploadRequest(t, "/api/extract-invoice", "a.png", []byte("still processed")))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp ExtractResponse
	decode(t, rec, &resp)
	if resp.Saved || resp.DatabaseError != "connection refused" || resp.ArchivePath != "" {
		t.Fatalf("response = %+v", resp)
	}
}

func TestExtractInvoiceErrors(t *testing.T) {
	tests := []struct {
		name     string
		analyzer stubAnalyzer
		filename string
		data     []byte
		want     int
		kind     string
	}{
		{"empty file", stubAnalyzer{}, "a.png", nil, http.StatusBadRequest, "empty_input"},
		{"unsupported", stubAnalyzer{}, "notes.txt", []byte("plain text file"), http.StatusUnsupportedMediaType, "unsupported_format"},
		{"rate limited", stubAnalyzer{err: &ai.UpstreamError{Kind: ai.KindRateLimited, Op: "test"}}, "a.png", []byte("x1"), http.StatusTooManyRequests, "rate_limited"},
		{"timeout", stubAnalyzer{err: &ai.UpstreamError{Kind: ai.KindTimeout, Op: "test"}}, "a.png", []byte("x2"), http.StatusGatewayTimeout, "timeout"},
		{"auth", stubAnalyzer{err: &ai.UpstreamError{Kind: ai.KindAuthenticationFailed, Op: "test"}}, "a.png", []byte("x3"), http.StatusBadGateway, "authentication_failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.analyzer)
			rec := env.do(uploadRequest(t, "/api/extract-invoice", tt.filename, tt.data))
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
			var resp ErrorResponse
			decode(t, rec, &resp)
			if resp.Success || resp.ErrorKind != tt.kind {
				t.Fatalf("response = %+v", resp)
			}
		})
	}
}

func TestExtractInvoiceTooLarge(t *testing.T) {
	env := newTestEnv(t, stubAnalyzer{})
	rec := env.do(uploadRequest(t, "/api/extract-invoice", "big.png", bytes.Repeat([]byte("a"), 2048)))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
}

func TestExtractInvoiceMissingFile(t *testing.T) {
	env := newTestEnv(t, stubAnalyzer{})
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	mw.WriteField("note", "no file here")
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/api/extract-invoice", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	if rec := env.do(req); rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestExtractInvoiceAsync(t *testing.T) {
	env := newTestEnv(t, stubAnalyzer{})

	rec := env.do(uploadRequest(t, "/api/extract-invoice-async", "a.png", []byte("async bytes")))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	var accepted AsyncResponse
	decode(t, rec, &accepted)
	if accepted.TaskID == "" || accepted.StatusURL != "/api/status/"+accepted.TaskID {
		t.Fatalf("response = %+v", accepted)
	}

	env.handler.Wait()

	st := env.do(httptest.NewRequest(http.MethodGet, accepted.StatusURL, nil))
	if st.Code != http.StatusOK {
		t.Fatalf("status endpoint = %d", st.Code)
	}
	var task pipeline.Task
	decode(t, st, &task)
	if task.State != pipeline.TaskCompleted || task.Result == nil || task.Status.Progress != 8 {
		t.Fatalf("task = %+v", task)
	}
	if task.Result.InvocationID != accepted.TaskID {
		t.Fatalf("invocation id = %q, want %q", task.Result.InvocationID, accepted.TaskID)
	}
}

func TestExtractInvoiceAsyncFailure(t *testing.T) {
	env := newTestEnv(t, stubAnalyzer{err: &ai.UpstreamError{Kind: ai.KindConnectionUnavailable, Op: "test"}})

	rec := env.do(uploadRequest(t, "/api/extract-invoice-async", "a.png", []byte("async fail")))
	var accepted AsyncResponse
	decode(t, rec, &accepted)
	env.handler.Wait()

	task, err := env.tasks.Get(accepted.TaskID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if task.State != pipeline.TaskFailed || task.ErrorKind != "connection_unavailable" {
		t.Fatalf("task = %+v", task)
	}
	if task.Status.CurrentStep != string(pipeline.StepAIAnalysis) {
		t.Fatalf("last step = %q", task.Status.CurrentStep)
	}
}

func TestGetStatusUnknownAndExpired(t *testing.T) {
	env := newTestEnv(t, stubAnalyzer{})
	if rec := env.do(httptest.NewRequest(http.MethodGet, "/api/status/nope", nil)); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown status = %d, want 404", rec.Code)
	}

	if err := env.tasks.Insert(pipeline.Task{ID: "old", CreatedAt: time.Now().Add(-2 * time.Hour)}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	env.tasks.ExpireOlderThan(time.Now().Add(-time.Hour))
	if rec := env.do(httptest.NewRequest(http.MethodGet, "/api/status/old", nil)); rec.Code != http.StatusGone {
		t.Fatalf("expired status = %d, want 410", rec.Code)
	}
}

func TestInvoiceAndCorrections(t *testing.T) {
	env := newTestEnv(t, stubAnalyzer{})
	rec := env.do(uploadRequest(t, "/api/extract-invoice", "a.png", []byte("to be corrected")))
	var resp ExtractResponse
	decode(t, rec, &resp)
	hash := resp.Result.ContentHash

	get := env.do(httptest.NewRequest(http.MethodGet, "/api/invoices/"+hash, nil))
	if get.Code != http.StatusOK {
		t.Fatalf("get invoice = %d", get.Code)
	}
	if miss := env.do(httptest.NewRequest(http.MethodGet, "/api/invoices/unknown", nil)); miss.Code != http.StatusNotFound {
		t.Fatalf("missing invoice = %d, want 404", miss.Code)
	}

	body := `{"field_path":"financial_data.total_amount","new_value":"110.00"}`
	corr := env.do(httptest.NewRequest(http.MethodPost, "/api/invoices/"+hash+"/corrections", strings.NewReader(body)))
	if corr.Code != http.StatusOK {
		t.Fatalf("correction = %d (%s)", corr.Code, corr.Body.String())
	}
	if len(env.results.corrections) != 1 || env.results.corrections[0].String() != "financial_data.total_amount" {
		t.Fatalf("corrections = %v", env.results.corrections)
	}

	for _, bad := range []string{`{"field_path":"","new_value":1}`, `{"field_path":"vendor_info.vendor_name"}`, `not json`} {
		rec := env.do(httptest.NewRequest(http.MethodPost, "/api/invoices/"+hash+"/corrections", strings.NewReader(bad)))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want 400", bad, rec.Code)
		}
	}
}

func TestGetInvoiceArchiveURL(t *testing.T) {
	env := newTestEnv(t, stubAnalyzer{})
	rec := env.do(uploadRequest(t, "/api/extract-invoice", "a.png", []byte("archived upload")))
	var resp ExtractResponse
	decode(t, rec, &resp)
	if resp.Result.ArchivePath == "" || resp.Result.ArchivePath != resp.ArchivePath {
		t.Fatalf("archive path not recorded on the result: %+v", resp)
	}

	get := env.do(httptest.NewRequest(http.MethodGet, "/api/invoices/"+resp.Result.ContentHash, nil))
	var body struct {
		ArchiveURL string `json:"archive_url"`
	}
	decode(t, get, &body)
	if want := "https://archive.test/" + resp.ArchivePath + "?expires=1h0m0s"; body.ArchiveURL != want {
		t.Fatalf("archive_url = %q, want %q", body.ArchiveURL, want)
	}
}

func TestDeleteInvoice(t *testing.T) {
	env := newTestEnv(t, stubAnalyzer{})
	rec := env.do(uploadRequest(t, "/api/extract-invoice", "a.png", []byte("to be deleted")))
	var resp ExtractResponse
	decode(t, rec, &resp)
	hash := resp.Result.ContentHash

	del := env.do(httptest.NewRequest(http.MethodDelete, "/api/invoices/"+hash, nil))
	if del.Code != http.StatusOK {
		t.Fatalf("delete = %d (%s)", del.Code, del.Body.String())
	}
	var body struct {
		ArchiveRemoved bool `json:"archive_removed"`
	}
	decode(t, del, &body)
	if !body.ArchiveRemoved || len(env.archive.removed) != 1 || env.archive.removed[0] != resp.ArchivePath {
		t.Fatalf("archive removed = %v, objects %v", body.ArchiveRemoved, env.archive.removed)
	}
	if _, err := env.results.Get(context.Background(), hash); !errors.Is(err, pipeline.ErrNotFound) {
		t.Fatalf("result still stored: %v", err)
	}

	if again := env.do(httptest.NewRequest(http.MethodDelete, "/api/invoices/"+hash, nil)); again.Code != http.StatusNotFound {
		t.Fatalf("second delete = %d, want 404", again.Code)
	}
}

func TestDeleteInvoiceArchiveFailureIsBestEffort(t *testing.T) {
	env := newTestEnv(t, stubAnalyzer{})
	rec := env.do(uploadRequest(t, "/api/extract-invoice", "a.png", []byte("archive breaks later")))
	var resp ExtractResponse
	decode(t, rec, &resp)
	env.archive.err = errors.New("bucket gone")

	del := env.do(httptest.NewRequest(http.MethodDelete, "/api/invoices/"+resp.Result.ContentHash, nil))
	if del.Code != http.StatusOK {
		t.Fatalf("delete = %d", del.Code)
	}
	var body struct {
		ArchiveRemoved bool `json:"archive_removed"`
	}
	decode(t, del, &body)
	if body.ArchiveRemoved {
		t.Fatal("archive_removed should be false when the object delete fails")
	}
}

func TestExport(t *testing.T) {
	env := newTestEnv(t, stubAnalyzer{})
	env.do(uploadRequest(t, "/api/extract-invoice", "a.png", []byte("exported")))

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/export?format=csv", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("export = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/csv" {
		t.Fatalf("content type = %q", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); cd != "attachment; filename=invoices.csv" {
		t.Fatalf("content disposition = %q", cd)
	}
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	if len(lines) != 2 || !strings.Contains(lines[1], "ACME Corp") {
		t.Fatalf("csv = %q", rec.Body.String())
	}

	for _, q := range []string{"format=pdf", "limit=0", "limit=abc"} {
		if rec := env.do(httptest.NewRequest(http.MethodGet, "/api/export?"+q, nil)); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, rec.Code)
		}
	}
}

func TestEndpointsWithoutDatabase(t *testing.T) {
	env := newTestEnv(t, stubAnalyzer{}, func(d *Deps, o *Options) { d.Results = nil })
	for _, path := range []string{"/api/invoices/abc", "/api/export"} {
		if rec := env.do(httptest.NewRequest(http.MethodGet, path, nil)); rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: status = %d, want 503", path, rec.Code)
		}
	}
	if rec := env.do(httptest.NewRequest(http.MethodDelete, "/api/invoices/abc", nil)); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("delete: status = %d, want 503", rec.Code)
	}
	rec := env.do(uploadRequest(t, "/api/extract-invoice", "a.png", []byte("no db")))
	var resp ExtractResponse
	decode(t, rec, &resp)
	if !resp.Success || resp.Saved {
		t.Fatalf("response = %+v", resp)
	}
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, stubAnalyzer{}, func(d *Deps, o *Options) { o.RateLimitPerMinute = 1 })

	first := env.do(uploadRequest(t, "/api/extract-invoice", "a.png", []byte("one")))
	if first.Code != http.StatusOK {
		t.Fatalf("first = %d", first.Code)
	}
	second := env.do(uploadRequest(t, "/api/extract-invoice", "a.png", []byte("two")))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second = %d, want 429", second.Code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After header")
	}
	if rec := env.do(httptest.NewRequest(http.MethodGet, "/health", nil)); rec.Code != http.StatusOK {
		t.Fatalf("health should not be rate limited, got %d", rec.Code)
	}
}

func TestAuthAndMetricsWiring(t *testing.T) {
	const secret = "s3cret"
	m := metrics.NewPipelineMetrics("test")
	env := newTestEnv(t, stubAnalyzer{}, func(d *Deps, o *Options) {
		d.Auth = auth.NewVerifier(secret, "", logging.Discard())
		d.Metrics = m
	})

	if rec := env.do(httptest.NewRequest(http.MethodGet, "/api/export", nil)); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated = %d, want 401", rec.Code)
	}

	token, err := auth.IssueToken(secret, "", "tester", "", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/export", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	if rec := env.do(req); rec.Code != http.StatusOK {
		t.Fatalf("authenticated = %d, want 200", rec.Code)
	}

	scrape := env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if scrape.Code != http.StatusOK || !strings.Contains(scrape.Body.String(), "invoice_http_requests_total") {
		t.Fatalf("metrics = %d %s", scrape.Code, scrape.Body.String())
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, stubAnalyzer{})
	rec := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health = %d", rec.Code)
	}
	var resp HealthResponse
	decode(t, rec, &resp)
	if resp.Status != "healthy" || !resp.Database.Available || !resp.Storage.Available {
		t.Fatalf("health = %+v", resp)
	}

	degraded := newTestEnv(t, stubAnalyzer{}, func(d *Deps, o *Options) {
		o.Tools = []string{"definitely-not-an-installed-binary"}
	})
	rec = degraded.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("degraded health = %d, want 503", rec.Code)
	}
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ocr.NewError(ocr.ReasonEmptyInput, "x", ""), http.StatusBadRequest},
		{ocr.NewError(ocr.ReasonCorruptDocument, "x", ""), http.StatusUnprocessableEntity},
		{ocr.NewError(ocr.ReasonNoReadableText, "x", ""), http.StatusUnprocessableEntity},
		{pipeline.ErrTooLarge, http.StatusRequestEntityTooLarge},
		{&ai.UpstreamError{Kind: ai.KindConnectionUnavailable}, http.StatusServiceUnavailable},
		{&ai.UpstreamError{Kind: ai.KindUpstream}, http.StatusBadGateway},
		{models.ErrInvalidFieldPath, http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusForError(tt.err); got != tt.want {
			t.Errorf("statusForError(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestErrorKind(t *testing.T) {
	allFailed := &ocr.ExtractionError{Reason: ocr.ReasonNoReadableText, Op: "ocr", Err: ocr.ErrAllConfigsFailed}
	tests := []struct {
		err  error
		want string
	}{
		{allFailed, "extraction_failure"},
		{fmt.Errorf("ocr stage: %w", allFailed), "extraction_failure"},
		{ocr.NewError(ocr.ReasonNoReadableText, "pdf", "needs OCR"), "no_readable_text"},
		{ocr.NewError(ocr.ReasonUnsupportedFormat, "x", ""), "unsupported_format"},
		{&ai.UpstreamError{Kind: ai.KindTimeout}, "timeout"},
		{pipeline.ErrTooLarge, "too_large"},
		{errors.New("boom"), "internal"},
	}
	for _, tt := range tests {
		if got := errorKind(tt.err); got != tt.want {
			t.Errorf("errorKind(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
