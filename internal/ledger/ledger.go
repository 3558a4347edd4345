package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/medscan/internal/extraction"
)

// RecordsKey is the blob key holding the serialized record collection
const RecordsKey = "medscan_records"

var (
	// ErrConfirmationRequired is returned when a delete was not confirmed
	ErrConfirmationRequired = errors.New("deletion must be confirmed")
	// ErrRecordNotFound is returned by Get for unknown ids
	ErrRecordNotFound = errors.New("record not found")
	// ErrNotPersisted wraps store failures. The in-memory change still applies.
	ErrNotPersisted = errors.New("persisting records")
)

// IDGenerator generates unique IDs for records
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

// Ledger is the ordered, persisted collection of extracted records.
// Records are kept oldest first internally so inserts are appends; every
// read hands them out newest first.
type Ledger struct {
	mu          sync.Mutex
	store       BlobStore
	records     []*Record
	idGenerator IDGenerator
	timeSource  TimeSource
}

// New creates a Ledger backed by store with uuid ids and the system clock
func New(store BlobStore) *Ledger {
	return NewWithDeps(store, uuidGenerator{}, systemClock{})
}

// NewWithDeps creates a Ledger with custom dependencies for testing
func NewWithDeps(store BlobStore, idGen IDGenerator, timeSrc TimeSource) *Ledger {
	return &Ledger{
		store:       store,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

// Load reads the persisted snapshot. A missing or unreadable blob leaves the
// ledger empty; it never fails the session.
func (l *Ledger) Load() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.records = nil

	data, err := l.store.Get(RecordsKey)
	if errors.Is(err, ErrBlobNotFound) {
		return
	}
	if err != nil {
		slog.Error("Failed to read saved records", "error", err)
		return
	}

	var saved []*Record
	if err := json.Unmarshal(data, &saved); err != nil {
		slog.Error("Failed to parse saved records", "error", err)
		return
	}

	// The snapshot is stored newest first
	records := make([]*Record, 0, len(saved))
	for i := len(saved) - 1; i >= 0; i-- {
		if saved[i] != nil {
			records = append(records, saved[i])
		}
	}
	l.records = records
	slog.Info("Loaded records", "count", len(records))
}

// Insert turns an extraction into a new record at the head of the ledger.
// The record stays in memory even if persisting the snapshot fails.
func (l *Ledger) Insert(res *extraction.Result) (*Record, error) {
	if res == nil {
		return nil, fmt.Errorf("extraction result is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	sourceType := res.SourceType
	if sourceType == "" {
		sourceType = extraction.SourceUnknown
	}

	record := &Record{
		ID:              l.idGenerator.Generate(),
		PatientName:     res.PatientName,
		IdentifierID:    res.IdentifierID,
		UHID:            res.UHID,
		AttendingDoctor: res.AttendingDoctor,
		ClinicalNotes:   res.ClinicalNotes,
		SourceType:      sourceType,
		Timestamp:       l.timeSource.Now().UTC(),
	}
	l.records = append(l.records, record)

	created := *record
	if err := l.persistLocked(); err != nil {
		return &created, err
	}
	return &created, nil
}

// Delete removes a record by id. Unknown ids are a no-op.
func (l *Ledger) Delete(id string, confirmed bool) error {
	if !confirmed {
		return ErrConfirmationRequired
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for i, r := range l.records {
		if r.ID == id {
			l.records = append(l.records[:i], l.records[i+1:]...)
			return l.persistLocked()
		}
	}
	return nil
}

// MarkSynced flips the synced flag on every record in ids and returns how
// many records changed
func (l *Ledger) MarkSynced(ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	wanted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	changed := 0
	for _, r := range l.records {
		if _, ok := wanted[r.ID]; ok && !r.Synced {
			r.Synced = true
			changed++
		}
	}
	if changed == 0 {
		return 0, nil
	}
	return changed, l.persistLocked()
}

// Query returns the records whose patient name, identifier, UHID or doctor
// contain term, ignoring case. An empty term matches everything.
func (l *Ledger) Query(term string) []*Record {
	needle := strings.ToLower(term)
	return l.filter(func(r *Record) bool {
		if needle == "" {
			return true
		}
		return strings.Contains(strings.ToLower(r.PatientName), needle) ||
			strings.Contains(strings.ToLower(r.IdentifierID), needle) ||
			strings.Contains(strings.ToLower(r.UHID), needle) ||
			strings.Contains(strings.ToLower(r.AttendingDoctor), needle)
	})
}

// List returns every record, newest first
func (l *Ledger) List() []*Record {
	return l.Query("")
}

// Unsynced returns the records not yet forwarded to the spreadsheet
func (l *Ledger) Unsynced() []*Record {
	return l.filter(func(r *Record) bool { return !r.Synced })
}

// Select returns the records with the given ids, newest first. Unknown ids
// are skipped.
func (l *Ledger) Select(ids []string) []*Record {
	wanted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}
	return l.filter(func(r *Record) bool {
		_, ok := wanted[r.ID]
		return ok
	})
}

// Get returns a single record
func (l *Ledger) Get(id string) (*Record, error) {
	matches := l.Select([]string{id})
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	return matches[0], nil
}

// Stats counts records for the dashboard. "Today" uses now's calendar day
// in now's location.
func (l *Ledger) Stats(now time.Time) Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	var stats Stats
	y, m, d := now.Date()
	for _, r := range l.records {
		stats.Total++
		if ry, rm, rd := r.Timestamp.In(now.Location()).Date(); ry == y && rm == m && rd == d {
			stats.Today++
		}
		switch r.SourceType {
		case extraction.SourceLabel:
			stats.Labels++
		case extraction.SourceWhiteboard:
			stats.Whiteboards++
		}
		if !r.Synced {
			stats.Unsynced++
		}
	}
	return stats
}

// filter walks newest first and returns copies of the matching records
func (l *Ledger) filter(match func(*Record) bool) []*Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*Record, 0)
	for i := len(l.records) - 1; i >= 0; i-- {
		if match(l.records[i]) {
			r := *l.records[i]
			out = append(out, &r)
		}
	}
	return out
}

// persistLocked writes the whole collection, newest first. Callers hold l.mu.
func (l *Ledger) persistLocked() error {
	snapshot := make([]*Record, 0, len(l.records))
	for i := len(l.records) - 1; i >= 0; i-- {
		snapshot = append(snapshot, l.records[i])
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshaling records: %w", err)
	}
	if err := l.store.Put(RecordsKey, data); err != nil {
		slog.Error("Failed to persist records", "count", len(snapshot), "error", err)
		return fmt.Errorf("%w: %w", ErrNotPersisted, err)
	}
	return nil
}
