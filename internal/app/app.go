package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zombor/medscan/internal/export"
	"github.com/zombor/medscan/internal/extraction"
	"github.com/zombor/medscan/internal/ledger"
	"github.com/zombor/medscan/internal/queue"
	"github.com/zombor/medscan/internal/syncbridge"
)

// DefaultClearDelay is how long completed queue entries stay visible
const DefaultClearDelay = 2 * time.Second

// Forwarder delivers records to the spreadsheet webhook
type Forwarder interface {
	Forward(ctx context.Context, url string, records []*ledger.Record) (syncbridge.Outcome, error)
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

// SyncResult reports one sync attempt. Outcome is nil when nothing was sent.
type SyncResult struct {
	Requested int                 `json:"requested"`
	Outcome   *syncbridge.Outcome `json:"outcome,omitempty"`
	Synced    int                 `json:"synced"`
}

// ExportFile is a rendered download
type ExportFile struct {
	Data        []byte
	Filename    string
	ContentType string
	Records     int
}

// Deps holds the collaborators of an App
type Deps struct {
	Ledger     *ledger.Ledger
	Settings   *syncbridge.Settings
	Bridge     Forwarder
	Extractor  extraction.Extractor
	Images     queue.Storage
	ClearDelay time.Duration
	Clock      TimeSource
}

// App is the application state: ledger, sync settings and ingestion queue.
// Handlers receive it explicitly; every mutation is persisted by the
// component that owns the state.
type App struct {
	ledger   *ledger.Ledger
	settings *syncbridge.Settings
	bridge   Forwarder
	queue    *queue.Queue
	clock    TimeSource
}

// New loads the ledger and sync settings from store and wires the queue
func New(store ledger.BlobStore, extractor extraction.Extractor, images queue.Storage, bridge Forwarder, clearDelay time.Duration) *App {
	l := ledger.New(store)
	l.Load()
	settings := syncbridge.NewSettings(store)
	settings.Load()

	return NewWithDeps(Deps{
		Ledger:     l,
		Settings:   settings,
		Bridge:     bridge,
		Extractor:  extractor,
		Images:     images,
		ClearDelay: clearDelay,
		Clock:      systemClock{},
	})
}

// NewWithDeps creates an App from already loaded components
func NewWithDeps(d Deps) *App {
	clock := d.Clock
	if clock == nil {
		clock = systemClock{}
	}
	a := &App{
		ledger:   d.Ledger,
		settings: d.Settings,
		bridge:   d.Bridge,
		clock:    clock,
	}
	a.queue = queue.New(d.Images, d.Extractor, a.recordExtraction, d.ClearDelay)
	return a
}

// Queue returns the ingestion queue
func (a *App) Queue() *queue.Queue {
	return a.queue
}

// recordExtraction is the queue sink: it inserts the record and, with auto
// sync on, forwards it right away
func (a *App) recordExtraction(ctx context.Context, result *extraction.Result) (string, error) {
	record, err := a.ledger.Insert(result)
	if record == nil {
		return "", err
	}
	if err != nil {
		// The record is live for this session; only the snapshot write failed
		slog.Warn("Record kept in memory only", "record", record.ID, "error", err)
	}
	slog.Info("Record added", "record", record.ID, "source_type", record.SourceType)

	cfg := a.settings.Get()
	if cfg.AutoSync && cfg.Configured() {
		if _, err := a.forward(ctx, cfg.WebhookURL, []*ledger.Record{record}); err != nil {
			slog.Warn("Auto sync failed", "record", record.ID, "error", err)
		}
	}
	return record.ID, nil
}

// Records returns the ledger filtered by term, newest first
func (a *App) Records(term string) []*ledger.Record {
	return a.ledger.Query(term)
}

// Record returns one record
func (a *App) Record(id string) (*ledger.Record, error) {
	return a.ledger.Get(id)
}

// DeleteRecord removes a record once the user confirmed it
func (a *App) DeleteRecord(id string, confirmed bool) error {
	err := a.ledger.Delete(id, confirmed)
	switch {
	case errors.Is(err, ledger.ErrNotPersisted):
		slog.Warn("Record deletion kept in memory only", "record", id, "error", err)
	case err != nil:
		return fmt.Errorf("deleting record: %w", err)
	}
	return nil
}

// Stats returns the dashboard counters
func (a *App) Stats() ledger.Stats {
	return a.ledger.Stats(a.clock.Now())
}

// SyncConfig returns the current sync settings
func (a *App) SyncConfig() syncbridge.Config {
	return a.settings.Get()
}

// UpdateSyncConfig validates and stores new sync settings
func (a *App) UpdateSyncConfig(cfg syncbridge.Config) (syncbridge.Config, error) {
	return a.settings.Update(cfg)
}

// Sync forwards the given records. An empty or unknown id set is a no-op and
// reports no outcome.
func (a *App) Sync(ctx context.Context, ids []string) (SyncResult, error) {
	if len(ids) == 0 {
		return SyncResult{}, nil
	}

	cfg := a.settings.Get()
	if !cfg.Configured() {
		return SyncResult{}, fmt.Errorf("%w: %s", syncbridge.ErrNotConfigured, syncbridge.Diagnose(cfg.WebhookURL))
	}

	records := a.ledger.Select(ids)
	if len(records) == 0 {
		return SyncResult{}, nil
	}
	return a.forward(ctx, cfg.WebhookURL, records)
}

// SyncUnsynced forwards every record that has not been synced yet
func (a *App) SyncUnsynced(ctx context.Context) (SyncResult, error) {
	unsynced := a.ledger.Unsynced()
	ids := make([]string, 0, len(unsynced))
	for _, r := range unsynced {
		ids = append(ids, r.ID)
	}
	return a.Sync(ctx, ids)
}

// TestSync sends a dummy row to the configured webhook without touching the ledger
func (a *App) TestSync(ctx context.Context) (syncbridge.Outcome, error) {
	cfg := a.settings.Get()
	if !cfg.Configured() {
		return syncbridge.OutcomeFailed, fmt.Errorf("%w: %s", syncbridge.ErrNotConfigured, syncbridge.Diagnose(cfg.WebhookURL))
	}
	return a.bridge.Forward(ctx, cfg.WebhookURL, []*ledger.Record{syncbridge.TestRecord(a.clock.Now())})
}

// forward dispatches records and marks them synced on a truthy outcome.
// The batch is all or nothing.
func (a *App) forward(ctx context.Context, url string, records []*ledger.Record) (SyncResult, error) {
	result := SyncResult{Requested: len(records)}

	outcome, err := a.bridge.Forward(ctx, url, records)
	result.Outcome = &outcome
	if !outcome.Delivered() {
		if err == nil {
			err = fmt.Errorf("sync failed")
		}
		return result, err
	}

	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.ID)
	}
	synced, err := a.ledger.MarkSynced(ids)
	result.Synced = synced
	if err != nil {
		slog.Warn("Sync state kept in memory only", "records", len(ids), "error", err)
	}
	slog.Info("Records synced", "records", len(ids), "outcome", outcome)
	return result, nil
}

// Export renders the records matching term in the given format
func (a *App) Export(format export.Format, term string) (*ExportFile, error) {
	records := a.ledger.Query(term)
	data, err := export.Render(format, records)
	if err != nil {
		return nil, fmt.Errorf("rendering %s export: %w", format, err)
	}
	return &ExportFile{
		Data:        data,
		Filename:    format.Filename(a.clock.Now()),
		ContentType: format.ContentType(),
		Records:     len(records),
	}, nil
}
