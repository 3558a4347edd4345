package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/medscan/internal/extraction"
)

// Status is the state of one queue entry
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// canTransition encodes pending -> processing -> completed|error
func (s Status) canTransition(to Status) bool {
	switch s {
	case StatusPending:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusCompleted || to == StatusError
	default:
		return false
	}
}

// removable reports whether a user may drop the entry from the queue
func (s Status) removable() bool {
	return s == StatusPending || s == StatusError
}

// BatchWarning is attached to a batch summary when any entry failed
const BatchWarning = "Some images could not be processed. Check the queue for details."

var (
	// ErrBatchRunning is returned when a batch is started while one is running
	ErrBatchRunning = errors.New("a batch is already being processed")
	// ErrEntryNotFound is returned for unknown entry ids
	ErrEntryNotFound = errors.New("queue entry not found")
	// ErrNotRemovable is returned when removing an entry that is processing or completed
	ErrNotRemovable = errors.New("queue entry cannot be removed in its current state")
	// ErrEmptyUpload is returned for uploads without data
	ErrEmptyUpload = errors.New("upload is empty")
)

// Entry is one image awaiting or having undergone extraction
type Entry struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	Size        int       `json:"size"`
	Status      Status    `json:"status"`
	Error       string    `json:"error,omitempty"`
	RecordID    string    `json:"record_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	objectName string
}

// Upload is an image handed to Enqueue
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// BatchSummary describes the most recent batch run
type BatchSummary struct {
	Processed  int       `json:"processed"`
	Completed  int       `json:"completed"`
	Failed     int       `json:"failed"`
	Warning    string    `json:"warning,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Sink receives a successful extraction and returns the id of the record it created
type Sink func(ctx context.Context, result *extraction.Result) (string, error)

// IDGenerator generates unique IDs for queue entries
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (uuidGenerator) Generate() string {
	return uuid.NewString()
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

// Queue processes uploaded images one at a time, in upload order
type Queue struct {
	mu      sync.Mutex
	entries []*Entry
	running bool
	last    *BatchSummary

	storage     Storage
	extractor   extraction.Extractor
	sink        Sink
	clearDelay  time.Duration
	observer    func(Entry)
	idGenerator IDGenerator
	timeSource  TimeSource
}

// New creates a Queue. Completed entries disappear clearDelay after their batch ends.
func New(storage Storage, extractor extraction.Extractor, sink Sink, clearDelay time.Duration) *Queue {
	return NewWithDeps(storage, extractor, sink, clearDelay, uuidGenerator{}, systemClock{})
}

// NewWithDeps creates a Queue with custom dependencies for testing
func NewWithDeps(storage Storage, extractor extraction.Extractor, sink Sink, clearDelay time.Duration, idGen IDGenerator, timeSrc TimeSource) *Queue {
	return &Queue{
		storage:     storage,
		extractor:   extractor,
		sink:        sink,
		clearDelay:  clearDelay,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

// SetObserver registers fn to be called after each entry finishes processing
func (q *Queue) SetObserver(fn func(Entry)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.observer = fn
}

// Enqueue stores the uploads and adds them as pending entries. Either every
// upload is queued or none is.
func (q *Queue) Enqueue(ctx context.Context, uploads []Upload) ([]Entry, error) {
	created := make([]*Entry, 0, len(uploads))
	cleanup := func() {
		for _, e := range created {
			if err := q.storage.Delete(ctx, e.objectName); err != nil {
				slog.Warn("Failed to delete queued image", "entry", e.ID, "error", err)
			}
		}
	}

	for _, u := range uploads {
		if len(u.Data) == 0 {
			cleanup()
			return nil, fmt.Errorf("%w: %s", ErrEmptyUpload, u.Filename)
		}

		now := q.timeSource.Now()
		id := q.idGenerator.Generate()
		entry := &Entry{
			ID:          id,
			Filename:    u.Filename,
			ContentType: u.ContentType,
			Size:        len(u.Data),
			Status:      StatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
			objectName:  fmt.Sprintf("%s_%s", id, sanitizeFilename(u.Filename)),
		}
		if err := q.storage.Save(ctx, entry.objectName, u.Data, u.ContentType); err != nil {
			cleanup()
			return nil, fmt.Errorf("saving image %s: %w", u.Filename, err)
		}
		created = append(created, entry)
	}

	q.mu.Lock()
	q.entries = append(q.entries, created...)
	q.mu.Unlock()

	out := make([]Entry, 0, len(created))
	for _, e := range created {
		out = append(out, *e)
	}
	slog.Info("Queued images", "count", len(out))
	return out, nil
}

// Entries returns a snapshot of the visible queue in upload order
func (q *Queue) Entries() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Entry, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, *e)
	}
	return out
}

// Get returns a single entry
func (q *Queue) Get(id string) (Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, e := q.findLocked(id); e != nil {
		return *e, nil
	}
	return Entry{}, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
}

// Image returns the stored upload of an entry that is still queued
func (q *Queue) Image(ctx context.Context, id string) ([]byte, string, error) {
	entry, err := q.Get(id)
	if err != nil {
		return nil, "", err
	}
	data, err := q.storage.Get(ctx, entry.objectName)
	if err != nil {
		return nil, "", fmt.Errorf("getting image: %w", err)
	}
	return data, entry.ContentType, nil
}

// Remove drops a pending or failed entry and its image
func (q *Queue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	i, e := q.findLocked(id)
	if e == nil {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	if !e.Status.removable() {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotRemovable, id, e.Status)
	}
	q.entries = append(q.entries[:i], q.entries[i+1:]...)
	q.mu.Unlock()

	if err := q.storage.Delete(ctx, e.objectName); err != nil {
		slog.Warn("Failed to delete queued image", "entry", id, "error", err)
	}
	return nil
}

// Clear drops every pending and failed entry. An entry already being
// processed is left to finish.
func (q *Queue) Clear(ctx context.Context) int {
	q.mu.Lock()
	var dropped []*Entry
	kept := q.entries[:0]
	for _, e := range q.entries {
		if e.Status.removable() {
			dropped = append(dropped, e)
			continue
		}
		kept = append(kept, e)
	}
	q.entries = kept
	q.mu.Unlock()

	for _, e := range dropped {
		if err := q.storage.Delete(ctx, e.objectName); err != nil {
			slog.Warn("Failed to delete queued image", "entry", e.ID, "error", err)
		}
	}
	return len(dropped)
}

// Running reports whether a batch is in progress
func (q *Queue) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// LastBatch returns the summary of the most recent finished batch, if any
func (q *Queue) LastBatch() *BatchSummary {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.last == nil {
		return nil
	}
	summary := *q.last
	return &summary
}

// Start processes the pending entries in the background
func (q *Queue) Start(ctx context.Context) error {
	if !q.begin() {
		return ErrBatchRunning
	}
	go q.run(ctx)
	return nil
}

// Process processes the pending entries and waits for the batch to finish
func (q *Queue) Process(ctx context.Context) (BatchSummary, error) {
	if !q.begin() {
		return BatchSummary{}, ErrBatchRunning
	}
	return q.run(ctx), nil
}

func (q *Queue) begin() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return false
	}
	q.running = true
	return true
}

// run takes pending entries strictly one after another. A failed entry is
// marked and skipped; it never stops the batch.
func (q *Queue) run(ctx context.Context) BatchSummary {
	summary := BatchSummary{StartedAt: q.timeSource.Now()}
	slog.Info("Batch started")

	// Cancellation stops the batch between entries only
	work := context.WithoutCancel(ctx)
	var completed []string

	for ctx.Err() == nil {
		entry, ok := q.next()
		if !ok {
			break
		}

		summary.Processed++
		recordID, err := q.processEntry(work, entry)
		if err != nil {
			summary.Failed++
			slog.Error("Failed to process queue entry",
				"entry", entry.ID,
				"filename", entry.Filename,
				"content_type", entry.ContentType,
				"size", entry.Size,
				"error", err,
			)
			q.finish(entry.ID, StatusError, "", err.Error())
			continue
		}

		summary.Completed++
		completed = append(completed, entry.ID)
		if err := q.storage.Delete(work, entry.objectName); err != nil {
			slog.Warn("Failed to delete processed image", "entry", entry.ID, "error", err)
		}
		q.finish(entry.ID, StatusCompleted, recordID, "")
	}

	if summary.Failed > 0 {
		summary.Warning = BatchWarning
	}
	summary.FinishedAt = q.timeSource.Now()

	if len(completed) > 0 {
		if q.clearDelay <= 0 {
			q.pruneCompleted(completed)
		} else {
			time.AfterFunc(q.clearDelay, func() { q.pruneCompleted(completed) })
		}
	}

	q.mu.Lock()
	q.running = false
	q.last = &summary
	q.mu.Unlock()

	slog.Info("Batch finished",
		"processed", summary.Processed,
		"completed", summary.Completed,
		"failed", summary.Failed,
	)
	return summary
}

// next moves the oldest pending entry to processing
func (q *Queue) next() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.entries {
		if e.Status == StatusPending {
			e.Status = StatusProcessing
			e.UpdatedAt = q.timeSource.Now()
			return *e, true
		}
	}
	return Entry{}, false
}

func (q *Queue) processEntry(ctx context.Context, entry Entry) (string, error) {
	data, err := q.storage.Get(ctx, entry.objectName)
	if err != nil {
		return "", fmt.Errorf("loading image: %w", err)
	}

	result, err := q.extractor.Extract(ctx, data, entry.ContentType)
	if err != nil {
		return "", fmt.Errorf("extracting fields: %w", err)
	}

	recordID, err := q.sink(ctx, result)
	if err != nil {
		return "", fmt.Errorf("storing record: %w", err)
	}
	return recordID, nil
}

func (q *Queue) finish(id string, status Status, recordID, message string) {
	q.mu.Lock()
	_, e := q.findLocked(id)
	if e == nil || !e.Status.canTransition(status) {
		q.mu.Unlock()
		return
	}
	e.Status = status
	e.RecordID = recordID
	e.Error = message
	e.UpdatedAt = q.timeSource.Now()
	snapshot := *e
	observer := q.observer
	q.mu.Unlock()

	if observer != nil {
		observer(snapshot)
	}
}

// pruneCompleted drops the given entries if they are still completed
func (q *Queue) pruneCompleted(ids []string) {
	done := make(map[string]bool, len(ids))
	for _, id := range ids {
		done[id] = true
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.entries[:0]
	for _, e := range q.entries {
		if !(done[e.ID] && e.Status == StatusCompleted) {
			kept = append(kept, e)
		}
	}
	q.entries = kept
}

func (q *Queue) findLocked(id string) (int, *Entry) {
	for i, e := range q.entries {
		if e.ID == id {
			return i, e
		}
	}
	return -1, nil
}

var (
	unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	spaceRuns   = regexp.MustCompile(`\s+`)
)

// sanitizeFilename shortens phone-generated names into something safe for
// a file or object name
func sanitizeFilename(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if len(ext) > 6 {
		ext = ""
	}
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	base = unsafeChars.ReplaceAllString(base, "")
	base = strings.TrimSpace(spaceRuns.ReplaceAllString(base, "_"))

	if len(base) > 50 {
		base = base[:50]
	}
	if base == "" {
		base = "image"
	}
	return base + ext
}

// DetectContentType falls back to the file extension when the client sent
// no usable type
func DetectContentType(declared, filename string) string {
	contentType := strings.ToLower(strings.TrimSpace(declared))
	if contentType != "" && contentType != "application/octet-stream" {
		return contentType
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	default:
		return "application/octet-stream"
	}
}
