package api

import (
	"errors"
	"net/http"

	"github.com/facturaIA/invoice-pipeline/internal/ai"
	"github.com/facturaIA/invoice-pipeline/internal/db"
	"github.com/facturaIA/invoice-pipeline/internal/models"
	"github.com/facturaIA/invoice-pipeline/internal/ocr"
	"github.com/facturaIA/invoice-pipeline/internal/pipeline"
)

// statusForError maps pipeline and store errors to HTTP status codes
func statusForError(err error) int {
	switch {
	case errors.Is(err, ocr.ErrEmptyInput), errors.Is(err, models.ErrInvalidFieldPath):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ocr.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, ocr.ErrCorruptDocument), errors.Is(err, ocr.ErrNoReadableText):
		return http.StatusUnprocessableEntity
	case errors.Is(err, pipeline.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrTaskExpired):
		return http.StatusGone
	case errors.Is(err, ai.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ai.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ai.ErrConnectionUnavailable), errors.Is(err, db.ErrNoDatabase):
		return http.StatusServiceUnavailable
	case errors.Is(err, ai.ErrAuthenticationFailed), errors.Is(err, ai.ErrUpstream), errors.Is(err, ai.ErrMalformedResponse):
		return http.StatusBadGateway
	}
	var ee *ocr.ExtractionError
	if errors.As(err, &ee) {
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// errorKind is the machine readable error class sent to clients
func errorKind(err error) string {
	if k := ai.KindOf(err); k != "" {
		return string(k)
	}
	if errors.Is(err, ocr.ErrAllConfigsFailed) {
		return "extraction_failure"
	}
	var ee *ocr.ExtractionError
	if errors.As(err, &ee) {
		return string(ee.Reason)
	}
	if errors.Is(err, pipeline.ErrTooLarge) {
		return "too_large"
	}
	return "internal"
}

// ErrorResponse is the body of a failed invocation
type ErrorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	ErrorKind string `json:"error_kind"`
	Stage     string `json:"stage,omitempty"`
	Retryable bool   `json:"retryable"`
}

func sendPipelineError(w http.ResponseWriter, err error) {
	sendJSON(w, statusForError(err), ErrorResponse{
		Success:   false,
		Error:     err.Error(),
		ErrorKind: errorKind(err),
		Stage:     string(pipeline.StageOf(err)),
		Retryable: ai.IsRetryable(err),
	})
}
