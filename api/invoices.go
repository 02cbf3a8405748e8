package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/facturaIA/invoice-pipeline/internal/db"
	"github.com/facturaIA/invoice-pipeline/internal/export"
	"github.com/facturaIA/invoice-pipeline/internal/models"
)

const (
	defaultExportLimit = 100
	maxExportLimit     = 1000
	archiveURLTTL      = time.Hour
)

// GetInvoice returns a stored result with corrections applied
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	if h.deps.Results == nil {
		sendError(w, http.StatusServiceUnavailable, db.ErrNoDatabase.Error())
		return
	}
	ctx := r.Context()
	stored, err := h.deps.Results.GetStored(ctx, mux.Vars(r)["hash"])
	if err != nil {
		sendError(w, statusForError(err), err.Error())
		return
	}
	resp := map[string]any{
		"success": true,
		"invoice": stored,
	}
	if url := h.archiveURL(ctx, stored.Result); url != "" {
		resp["archive_url"] = url
	}
	sendJSON(w, http.StatusOK, resp)
}

// archiveURL returns a download link for the archived upload, or "" when there is none
func (h *Handler) archiveURL(ctx context.Context, res *models.PipelineResult) string {
	if h.deps.Archive == nil || res == nil || res.ArchivePath == "" {
		return ""
	}
	url, err := h.deps.Archive.PresignedURL(ctx, res.ArchivePath, archiveURLTTL)
	if err != nil {
		h.logger.Warn("storage.presign.failed", "object", res.ArchivePath, "error", err)
		return ""
	}
	return url
}

// DeleteInvoice removes a stored result, its corrections and the archived upload
func (h *Handler) DeleteInvoice(w http.ResponseWriter, r *http.Request) {
	if h.deps.Results == nil {
		sendError(w, http.StatusServiceUnavailable, db.ErrNoDatabase.Error())
		return
	}
	ctx := r.Context()
	hash := mux.Vars(r)["hash"]

	archivePath, err := h.deps.Results.Delete(ctx, hash)
	if err != nil {
		sendError(w, statusForError(err), err.Error())
		return
	}

	archiveRemoved := false
	if archivePath != "" && h.deps.Archive != nil {
		if err := h.deps.Archive.Delete(ctx, archivePath); err != nil {
			h.logger.Warn("storage.delete.failed", "object", archivePath, "error", err)
		} else {
			archiveRemoved = true
		}
	}
	h.logger.Info("results.deleted", "content_hash", hash, "archive_removed", archiveRemoved)
	sendJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"content_hash":    hash,
		"archive_removed": archiveRemoved,
	})
}

// CorrectionRequest is the body of POST /api/invoices/{hash}/corrections
type CorrectionRequest struct {
	FieldPath string          `json:"field_path"`
	NewValue  json.RawMessage `json:"new_value"`
}

// ApplyCorrection overwrites one analysis field and records the change
func (h *Handler) ApplyCorrection(w http.ResponseWriter, r *http.Request) {
	if h.deps.Results == nil {
		sendError(w, http.StatusServiceUnavailable, db.ErrNoDatabase.Error())
		return
	}

	var req CorrectionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	path, err := models.ParseFieldPath(req.FieldPath)
	if err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.NewValue) == 0 {
		sendError(w, http.StatusBadRequest, "new_value is required")
		return
	}
	var value any
	if err := json.Unmarshal(req.NewValue, &value); err != nil {
		sendError(w, http.StatusBadRequest, "invalid new_value")
		return
	}

	hash := mux.Vars(r)["hash"]
	correction, err := h.deps.Results.ApplyCorrection(r.Context(), hash, path, value)
	if err != nil {
		sendError(w, statusForError(err), err.Error())
		return
	}
	h.logger.Info("results.corrected", "content_hash", hash, "field", req.FieldPath)
	sendJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"correction": correction,
	})
}

// Export writes stored results as json, csv or xlsx
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	if h.deps.Results == nil {
		sendError(w, http.StatusServiceUnavailable, db.ErrNoDatabase.Error())
		return
	}

	q := r.URL.Query()
	format, err := export.ParseFormat(q.Get("format"))
	if err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := defaultExportLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxExportLimit {
			sendError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	results, err := h.deps.Results.List(r.Context(), limit)
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to export invoices: "+err.Error())
		return
	}

	var buf bytes.Buffer
	if err := h.deps.Exporter.Write(&buf, format, results); err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to export invoices: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	if format != export.FormatJSON {
		w.Header().Set("Content-Disposition", "attachment; filename="+format.Filename())
	}
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}
