package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/facturaIA/invoice-pipeline/internal/models"
	"github.com/facturaIA/invoice-pipeline/internal/ocr"
	"github.com/facturaIA/invoice-pipeline/internal/pipeline"
)

// multipart framing on top of the file itself
const multipartOverhead = 1 << 20

// ExtractResponse is returned by the synchronous upload endpoint
type ExtractResponse struct {
	Success       bool                   `json:"success"`
	Result        *models.PipelineResult `json:"result"`
	Saved         bool                   `json:"saved"`
	ArchivePath   string                 `json:"archive_path,omitempty"`
	DatabaseError string                 `json:"database_error,omitempty"`
}

// upload is a parsed request document plus what the store already knows about it
type upload struct {
	doc      models.RawDocument
	existing *models.PipelineResult
	save     bool
}

// readUpload parses the multipart form. It writes the error response itself
// and returns false when the request cannot be processed.
func (h *Handler) readUpload(w http.ResponseWriter, r *http.Request) (*upload, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxUploadBytes+multipartOverhead)
	if err := r.ParseMultipartForm(h.opts.MaxUploadBytes); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			sendError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("File too large (max %d bytes)", h.opts.MaxUploadBytes))
			return nil, false
		}
		sendError(w, http.StatusBadRequest, "invalid form data")
		return nil, false
	}

	// accept both "file" and "image" field names
	file, header, err := r.FormFile("file")
	if err != nil {
		file, header, err = r.FormFile("image")
		if err != nil {
			sendError(w, http.StatusBadRequest, "No file provided (use 'file' or 'image' field)")
			return nil, false
		}
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		sendError(w, http.StatusBadRequest, "failed to read file")
		return nil, false
	}
	if int64(len(data)) > h.opts.MaxUploadBytes {
		sendError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("File too large (max %d bytes)", h.opts.MaxUploadBytes))
		return nil, false
	}

	save := true
	if v := r.URL.Query().Get("save"); v != "" {
		if save, err = strconv.ParseBool(v); err != nil {
			sendError(w, http.StatusBadRequest, "save must be true or false")
			return nil, false
		}
	}

	u := &upload{
		doc: models.RawDocument{
			Data:      data,
			MediaType: header.Header.Get("Content-Type"),
			Filename:  header.Filename,
		},
		save: save,
	}
	u.existing = h.lookup(r.Context(), u.doc)
	return u, true
}

// lookup returns a stored result for the same content, if any
func (h *Handler) lookup(ctx context.Context, doc models.RawDocument) *models.PipelineResult {
	if h.deps.Results == nil || len(doc.Data) == 0 {
		return nil
	}
	hash := doc.ContentHash()
	res, err := h.deps.Results.Get(ctx, hash)
	if err != nil {
		if !errors.Is(err, pipeline.ErrNotFound) {
			h.logger.Warn("results.lookup.failed", "content_hash", hash, "error", err)
		}
		return nil
	}
	return res
}

// archive stores the raw document. Failures are logged, never returned.
func (h *Handler) archive(ctx context.Context, u *upload) string {
	if h.deps.Archive == nil || u.existing != nil || len(u.doc.Data) == 0 {
		return ""
	}
	mediaType, err := ocr.ResolveMediaType(u.doc)
	if err != nil {
		return ""
	}
	path, err := h.deps.Archive.Store(ctx, u.doc, mediaType)
	if err != nil {
		h.logger.Warn("storage.archive.failed", "filename", u.doc.Filename, "error", err)
		return ""
	}
	return path
}

// persist saves a fresh result. The error message is returned for the response.
func (h *Handler) persist(ctx context.Context, u *upload, res *models.PipelineResult) (bool, string) {
	if !u.save || h.deps.Results == nil {
		return false, ""
	}
	if res.Reused {
		return true, ""
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := h.deps.Results.Save(ctx, res); err != nil {
		h.logger.Error("results.save.failed", "content_hash", res.ContentHash, "error", err)
		return false, err.Error()
	}
	return true, ""
}

func (u *upload) options() []pipeline.Option {
	if u.existing == nil {
		return nil
	}
	return []pipeline.Option{pipeline.WithExisting(u.existing)}
}

// ExtractInvoice runs the pipeline on the uploaded file and answers with the result
func (h *Handler) ExtractInvoice(w http.ResponseWriter, r *http.Request) {
	u, ok := h.readUpload(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	archivePath := h.archive(ctx, u)

	res, err := h.deps.Processor.ProcessDocument(ctx, u.doc, u.options()...)
	if err != nil {
		sendPipelineError(w, err)
		return
	}
	if archivePath != "" {
		res.ArchivePath = archivePath
	}

	saved, dbErr := h.persist(ctx, u, res)
	sendJSON(w, http.StatusOK, ExtractResponse{
		Success:       true,
		Result:        res,
		Saved:         saved,
		ArchivePath:   res.ArchivePath,
		DatabaseError: dbErr,
	})
}

// AsyncResponse is returned when an async invocation is accepted
type AsyncResponse struct {
	Success   bool   `json:"success"`
	TaskID    string `json:"task_id"`
	StatusURL string `json:"status_url"`
}

// ExtractInvoiceAsync registers a task, answers 202 and runs the pipeline in the background
func (h *Handler) ExtractInvoiceAsync(w http.ResponseWriter, r *http.Request) {
	u, ok := h.readUpload(w, r)
	if !ok {
		return
	}

	taskID := uuid.NewString()
	now := time.Now()
	task := pipeline.Task{
		ID:        taskID,
		State:     pipeline.TaskPending,
		Status:    pipeline.NewStatus().Snapshot(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.deps.Tasks.Insert(task); err != nil {
		sendError(w, http.StatusInternalServerError, "failed to register task")
		return
	}

	ctx := context.WithoutCancel(r.Context())
	h.inflight.Add(1)
	go func() {
		defer h.inflight.Done()
		h.runTask(ctx, taskID, u)
	}()

	sendJSON(w, http.StatusAccepted, AsyncResponse{
		Success:   true,
		TaskID:    taskID,
		StatusURL: "/api/status/" + taskID,
	})
}

func (h *Handler) runTask(ctx context.Context, taskID string, u *upload) {
	logger := h.logger.With("task_id", taskID)
	h.updateTask(taskID, func(t *pipeline.Task) { t.State = pipeline.TaskProcessing })

	progress := pipeline.NotifierFunc(func(_ context.Context, _ string, st models.ProcessingStatus) error {
		return h.deps.Tasks.Update(taskID, func(t *pipeline.Task) { t.Status = st })
	})
	opts := append(u.options(), pipeline.WithInvocationID(taskID), pipeline.WithNotifier(progress))

	archivePath := h.archive(ctx, u)
	res, err := h.deps.Processor.ProcessDocument(ctx, u.doc, opts...)
	if err != nil {
		logger.Warn("task.failed", "error", err)
		h.updateTask(taskID, func(t *pipeline.Task) {
			t.State = pipeline.TaskFailed
			t.Error = err.Error()
			t.ErrorKind = errorKind(err)
		})
		return
	}

	if archivePath != "" {
		res.ArchivePath = archivePath
	}
	if _, dbErr := h.persist(ctx, u, res); dbErr != "" {
		res.Warnings = append(res.Warnings, "database_error: "+dbErr)
	}
	h.updateTask(taskID, func(t *pipeline.Task) {
		t.State = pipeline.TaskCompleted
		t.Status = res.Status
		t.Result = res
	})
	logger.Info("task.completed", "content_hash", res.ContentHash)
}

func (h *Handler) updateTask(taskID string, fn func(*pipeline.Task)) {
	if err := h.deps.Tasks.Update(taskID, fn); err != nil {
		h.logger.Warn("task.update.failed", "task_id", taskID, "error", err)
	}
}

// GetStatus returns the state of an async task
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	task, err := h.deps.Tasks.Get(id)
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrTaskExpired):
			sendError(w, http.StatusGone, "task expired")
		case errors.Is(err, pipeline.ErrNotFound):
			sendError(w, http.StatusNotFound, "task not found")
		default:
			sendError(w, statusForError(err), err.Error())
		}
		return
	}
	sendJSON(w, http.StatusOK, task)
}
