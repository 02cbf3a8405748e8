package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/facturaIA/invoice-pipeline/internal/auth"
	"github.com/facturaIA/invoice-pipeline/internal/export"
	"github.com/facturaIA/invoice-pipeline/internal/metrics"
	"github.com/facturaIA/invoice-pipeline/internal/models"
	"github.com/facturaIA/invoice-pipeline/internal/pipeline"
)

const (
	DefaultMaxUploadSize = 10 * 1024 * 1024 // 10MB
	Version              = "3.0.0"
)

// DocumentProcessor runs the extraction pipeline
type DocumentProcessor interface {
	ProcessDocument(ctx context.Context, doc models.RawDocument, opts ...pipeline.Option) (*models.PipelineResult, error)
}

// ResultRepository is the persistence the API needs on top of pipeline.ResultStore
type ResultRepository interface {
	pipeline.ResultStore
	GetStored(ctx context.Context, contentHash string) (*models.StoredResult, error)
	ApplyCorrection(ctx context.Context, contentHash string, path models.FieldPath, value any) (*models.Correction, error)
	List(ctx context.Context, limit int) ([]models.StoredResult, error)
	Delete(ctx context.Context, contentHash string) (string, error)
	Ping(ctx context.Context) error
}

// DocumentArchive keeps the raw uploads
type DocumentArchive interface {
	Store(ctx context.Context, doc models.RawDocument, mediaType string) (string, error)
	PresignedURL(ctx context.Context, objectPath string, expires time.Duration) (string, error)
	Delete(ctx context.Context, objectPath string) error
	Ping(ctx context.Context) error
}

// BreakerState reports the completion provider's circuit state
type BreakerState interface {
	State() string
}

// Deps are the collaborators of Handler. Results, Archive, Metrics, Auth and
// Provider are optional.
type Deps struct {
	Processor DocumentProcessor
	Tasks     pipeline.TaskStore
	Results   ResultRepository
	Archive   DocumentArchive
	Exporter  *export.Exporter
	Metrics   *metrics.PipelineMetrics
	Auth      *auth.Verifier
	Provider  BreakerState
}

type Options struct {
	MaxUploadBytes     int64
	RateLimitPerMinute int
	ProviderName       string
	Tools              []string // external binaries reported by /health
}

// Handler handles HTTP requests for invoice processing
type Handler struct {
	deps    Deps
	opts    Options
	limiter *rateLimiter
	logger  *slog.Logger
	started time.Time

	// async invocations still running
	inflight sync.WaitGroup
}

// NewHandler creates a new API handler
func NewHandler(deps Deps, opts Options, logger *slog.Logger) (*Handler, error) {
	if deps.Processor == nil {
		return nil, fmt.Errorf("api: processor is required")
	}
	if deps.Tasks == nil {
		deps.Tasks = pipeline.NewMemoryTaskStore()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Exporter == nil {
		deps.Exporter = export.NewExporter(logger)
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadSize
	}
	return &Handler{
		deps:    deps,
		opts:    opts,
		limiter: newRateLimiter(opts.RateLimitPerMinute),
		logger:  logger,
		started: time.Now(),
	}, nil
}

// SetupRoutes configures the HTTP routes and wraps them in the middleware chain
func (h *Handler) SetupRoutes() http.Handler {
	router := mux.NewRouter()

	// uploads are rate limited
	router.Handle("/api/extract-invoice", h.limiter.middleware(http.HandlerFunc(h.ExtractInvoice))).Methods(http.MethodPost)
	router.Handle("/api/extract-invoice-async", h.limiter.middleware(http.HandlerFunc(h.ExtractInvoiceAsync))).Methods(http.MethodPost)

	router.HandleFunc("/api/status/{id}", h.GetStatus).Methods(http.MethodGet)
	router.HandleFunc("/api/invoices/{hash}", h.GetInvoice).Methods(http.MethodGet)
	router.HandleFunc("/api/invoices/{hash}", h.DeleteInvoice).Methods(http.MethodDelete)
	router.HandleFunc("/api/invoices/{hash}/corrections", h.ApplyCorrection).Methods(http.MethodPost)
	router.HandleFunc("/api/export", h.Export).Methods(http.MethodGet)

	router.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	if h.deps.Metrics != nil {
		router.Handle("/metrics", h.deps.Metrics.Handler()).Methods(http.MethodGet)
	}

	var handler http.Handler = router
	if h.deps.Auth != nil {
		handler = h.deps.Auth.Middleware(handler)
	}
	if h.deps.Metrics != nil {
		handler = h.deps.Metrics.Middleware(handler)
	}
	return accessLog(h.logger, handler)
}

// Wait blocks until every async invocation has finished
func (h *Handler) Wait() {
	h.inflight.Wait()
}

// HealthResponse represents the health check response structure
type HealthResponse struct {
	Status    string                   `json:"status"`
	Version   string                   `json:"version"`
	Timestamp string                   `json:"timestamp"`
	Uptime    string                   `json:"uptime"`
	Memory    MemoryStats              `json:"memory"`
	Tools     map[string]ServiceStatus `json:"tools"`
	Database  ServiceStatus            `json:"database"`
	Storage   ServiceStatus            `json:"storage"`
	AI        map[string]string        `json:"ai"`
}

// MemoryStats represents memory usage statistics
type MemoryStats struct {
	Allocated string `json:"allocated"`
	Total     string `json:"total"`
	System    string `json:"system"`
}

// ServiceStatus represents the status of a service dependency
type ServiceStatus struct {
	Available bool   `json:"available"`
	Version   string `json:"version,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Health reports tool availability and the state of optional backends.
// Missing OCR tools mark the service degraded.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	response := HealthResponse{
		Status:    "healthy",
		Version:   Version,
		Timestamp: time.Now().Format(time.RFC3339),
		Uptime:    time.Since(h.started).Round(time.Second).String(),
		Memory: MemoryStats{
			Allocated: fmt.Sprintf("%.2f MB", float64(m.Alloc)/1024/1024),
			Total:     fmt.Sprintf("%.2f MB", float64(m.TotalAlloc)/1024/1024),
			System:    fmt.Sprintf("%.2f MB", float64(m.Sys)/1024/1024),
		},
		Tools:    map[string]ServiceStatus{},
		Database: h.checkDatabase(ctx),
		Storage:  h.checkStorage(ctx),
		AI:       map[string]string{"provider": h.opts.ProviderName},
	}
	if h.deps.Provider != nil {
		response.AI["breaker"] = h.deps.Provider.State()
	}

	status := http.StatusOK
	for _, tool := range h.opts.Tools {
		st := checkTool(ctx, tool)
		response.Tools[tool] = st
		if !st.Available {
			response.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	sendJSON(w, status, response)
}

func checkTool(ctx context.Context, name string) ServiceStatus {
	output, err := exec.CommandContext(ctx, name, "--version").CombinedOutput()
	if err != nil {
		return ServiceStatus{Available: false, Error: name + " not found or not executable"}
	}
	version := "unknown"
	if line, _, _ := strings.Cut(string(output), "\n"); strings.TrimSpace(line) != "" {
		version = strings.TrimSpace(line)
	}
	return ServiceStatus{Available: true, Version: version}
}

func (h *Handler) checkDatabase(ctx context.Context) ServiceStatus {
	if h.deps.Results == nil {
		return ServiceStatus{Available: false, Error: "database not configured"}
	}
	if err := h.deps.Results.Ping(ctx); err != nil {
		return ServiceStatus{Available: false, Error: err.Error()}
	}
	return ServiceStatus{Available: true, Version: "PostgreSQL"}
}

func (h *Handler) checkStorage(ctx context.Context) ServiceStatus {
	if h.deps.Archive == nil {
		return ServiceStatus{Available: false, Error: "storage not configured"}
	}
	if err := h.deps.Archive.Ping(ctx); err != nil {
		return ServiceStatus{Available: false, Error: err.Error()}
	}
	return ServiceStatus{Available: true, Version: "MinIO S3"}
}

func sendJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func sendError(w http.ResponseWriter, statusCode int, message string) {
	sendJSON(w, statusCode, map[string]any{
		"success": false,
		"error":   message,
	})
}
