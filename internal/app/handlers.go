package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/zombor/medscan/internal/export"
	"github.com/zombor/medscan/internal/ledger"
	"github.com/zombor/medscan/internal/queue"
	"github.com/zombor/medscan/internal/syncbridge"
)

// maxFormSize bounds one upload request; phone photos are large
const maxFormSize = int64(50 << 20)

// writeJSON encodes v as the response body
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// writeError writes a JSON error body
func writeError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}

// handleListRecords returns the records matching ?q=, newest first
func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.app.Records(r.URL.Query().Get("q")))
}

// handleGetRecord returns a single record
func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	record, err := s.app.Record(r.PathValue("id"))
	if err != nil {
		writeError(w, "Record not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// handleDeleteRecord deletes a record. The caller must pass ?confirm=true.
func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	confirmed, _ := strconv.ParseBool(r.URL.Query().Get("confirm"))
	err := s.app.DeleteRecord(r.PathValue("id"), confirmed)
	switch {
	case errors.Is(err, ledger.ErrConfirmationRequired):
		writeError(w, "Deleting a record cannot be undone. Repeat the request with confirm=true.", http.StatusPreconditionRequired)
		return
	case err != nil:
		slog.Error("Error deleting record", "record", r.PathValue("id"), "error", err)
		writeError(w, "Error deleting record", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStats returns the dashboard counters
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.app.Stats())
}

type queueResponse struct {
	Entries   []queue.Entry       `json:"entries"`
	Running   bool                `json:"running"`
	LastBatch *queue.BatchSummary `json:"last_batch,omitempty"`
}

// handleListQueue returns the queue and the state of the current batch
func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request) {
	q := s.app.Queue()
	writeJSON(w, http.StatusOK, queueResponse{
		Entries:   q.Entries(),
		Running:   q.Running(),
		LastBatch: q.LastBatch(),
	})
}

// handleUpload queues every file in the "files" (or "file") form field.
// With process=true the batch starts right away.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxFormSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		errorMsg := "Error parsing form"
		if strings.Contains(err.Error(), "request body too large") {
			errorMsg = "Upload is too large. Maximum size is 50MB. Please compress or resize your images."
		}
		writeError(w, errorMsg, http.StatusBadRequest)
		return
	}

	headers := append(r.MultipartForm.File["files"], r.MultipartForm.File["file"]...)
	if len(headers) == 0 {
		writeError(w, "No file was selected. Please choose at least one image to upload.", http.StatusBadRequest)
		return
	}

	uploads := make([]queue.Upload, 0, len(headers))
	for _, header := range headers {
		upload, err := readUpload(header)
		if err != nil {
			slog.Error("Error reading file data", "filename", header.Filename, "error", err)
			writeError(w, "Error reading file. Please try again.", http.StatusInternalServerError)
			return
		}
		uploads = append(uploads, upload)
	}

	entries, err := s.app.Queue().Enqueue(r.Context(), uploads)
	if err != nil {
		slog.Error("Error queueing images", "count", len(uploads), "error", err)
		code := http.StatusInternalServerError
		if errors.Is(err, queue.ErrEmptyUpload) {
			code = http.StatusBadRequest
		}
		writeError(w, err.Error(), code)
		return
	}

	if process, _ := strconv.ParseBool(r.FormValue("process")); process {
		if err := s.app.Queue().Start(context.WithoutCancel(r.Context())); err != nil && !errors.Is(err, queue.ErrBatchRunning) {
			slog.Error("Error starting batch", "error", err)
		}
	}

	writeJSON(w, http.StatusCreated, entries)
}

// readUpload reads one multipart file and resolves its content type
func readUpload(header *multipart.FileHeader) (queue.Upload, error) {
	f, err := header.Open()
	if err != nil {
		return queue.Upload{}, fmt.Errorf("opening %s: %w", header.Filename, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return queue.Upload{}, fmt.Errorf("reading %s: %w", header.Filename, err)
	}

	return queue.Upload{
		Filename:    header.Filename,
		ContentType: queue.DetectContentType(header.Header.Get("Content-Type"), header.Filename),
		Data:        data,
	}, nil
}

// handleProcessQueue starts a batch over the pending entries
func (s *Server) handleProcessQueue(w http.ResponseWriter, r *http.Request) {
	// The batch outlives this request
	if err := s.app.Queue().Start(context.WithoutCancel(r.Context())); err != nil {
		if errors.Is(err, queue.ErrBatchRunning) {
			writeError(w, "A batch is already being processed", http.StatusConflict)
			return
		}
		slog.Error("Error starting batch", "error", err)
		writeError(w, "Error starting batch", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"running": true})
}

// handleRemoveEntry drops a pending or failed entry
func (s *Server) handleRemoveEntry(w http.ResponseWriter, r *http.Request) {
	err := s.app.Queue().Remove(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, queue.ErrEntryNotFound):
		writeError(w, "Queue entry not found", http.StatusNotFound)
		return
	case errors.Is(err, queue.ErrNotRemovable):
		writeError(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		writeError(w, "Error removing queue entry", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleClearQueue drops every pending and failed entry
func (s *Server) handleClearQueue(w http.ResponseWriter, r *http.Request) {
	removed := s.app.Queue().Clear(r.Context())
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// handleQueueImage returns the stored image of a queued entry. Only image and
// PDF types are served as declared; anything else goes out as a download.
func (s *Server) handleQueueImage(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.app.Queue().Image(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, "Image not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", servableType(contentType))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Write(data)
}

// servableType restricts stored content types to images and PDFs
func servableType(contentType string) string {
	if strings.HasPrefix(contentType, "image/") || contentType == "application/pdf" {
		return contentType
	}
	return "application/octet-stream"
}

// handleGetSyncConfig returns the sync settings
func (s *Server) handleGetSyncConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.app.SyncConfig())
}

// handleUpdateSyncConfig validates and stores the sync settings
func (s *Server) handleUpdateSyncConfig(w http.ResponseWriter, r *http.Request) {
	var cfg syncbridge.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	saved, err := s.app.UpdateSyncConfig(cfg)
	switch {
	case errors.Is(err, syncbridge.ErrInvalidWebhookURL):
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		// Settings stay in effect for this session
		slog.Error("Error saving sync config", "error", err)
	}
	writeJSON(w, http.StatusOK, saved)
}

// handleSyncScript returns the Apps Script to paste into the spreadsheet
func (s *Server) handleSyncScript(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, syncbridge.ScriptTemplate())
}

type syncRequest struct {
	RecordIDs   []string `json:"record_ids"`
	AllUnsynced bool     `json:"all_unsynced"`
}

type syncResponse struct {
	SyncResult
	Error string `json:"error,omitempty"`
}

// handleSync forwards the selected records, or every unsynced one
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	var (
		result SyncResult
		err    error
	)
	if req.AllUnsynced {
		result, err = s.app.SyncUnsynced(r.Context())
	} else {
		result, err = s.app.Sync(r.Context(), req.RecordIDs)
	}

	switch {
	case errors.Is(err, syncbridge.ErrNotConfigured):
		writeError(w, err.Error(), http.StatusConflict)
	case err != nil:
		writeJSON(w, http.StatusBadGateway, syncResponse{SyncResult: result, Error: err.Error()})
	default:
		writeJSON(w, http.StatusOK, syncResponse{SyncResult: result})
	}
}

// handleTestSync sends a dummy row to the configured webhook
func (s *Server) handleTestSync(w http.ResponseWriter, r *http.Request) {
	outcome, err := s.app.TestSync(r.Context())
	switch {
	case errors.Is(err, syncbridge.ErrNotConfigured):
		writeError(w, err.Error(), http.StatusConflict)
	case err != nil:
		writeJSON(w, http.StatusBadGateway, map[string]string{"outcome": outcome.String(), "error": err.Error()})
	default:
		writeJSON(w, http.StatusOK, map[string]string{"outcome": outcome.String()})
	}
}

// handleExport downloads the records matching ?q= as JSON, CSV or XLSX
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	file, err := s.app.Export(format, r.URL.Query().Get("q"))
	if err != nil {
		slog.Error("Error exporting records", "format", format, "error", err)
		writeError(w, "Error exporting records", http.StatusInternalServerError)
		return
	}
	if file.Records == 0 && format == export.FormatCSV {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", file.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", file.Filename))
	w.Write(file.Data)
}
