package syncbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/zombor/medscan/internal/extraction"
	"github.com/zombor/medscan/internal/ledger"
)

const (
	webAppPrefix = "https://script.google.com/macros/s/"
	webAppSuffix = "/exec"

	maxResponseBody = 64 << 10

	// DefaultTimeout bounds one webhook round trip
	DefaultTimeout = 30 * time.Second
)

var (
	// ErrInvalidWebhookURL is returned for URLs that are not Apps Script web app URLs
	ErrInvalidWebhookURL = errors.New("invalid webhook url")
	// ErrNotConfigured is returned when sync is attempted without a usable URL
	ErrNotConfigured = errors.New("spreadsheet sync is not configured")
)

// IsValidWebAppURL checks the shape of an Apps Script web app URL. It does
// not check that the script exists or accepts anonymous posts.
func IsValidWebAppURL(url string) bool {
	return strings.HasPrefix(url, webAppPrefix) && strings.HasSuffix(url, webAppSuffix)
}

// Diagnose explains why url is not usable, or returns "" when it is
func Diagnose(url string) string {
	switch {
	case IsValidWebAppURL(url):
		return ""
	case url == "":
		return "no web app URL configured"
	case strings.Contains(url, "docs.google.com/spreadsheets"):
		return "this is the spreadsheet URL; paste the web app URL from the deployment window instead"
	case !strings.HasPrefix(url, webAppPrefix):
		return "URL should start with " + webAppPrefix
	default:
		return "URL should end in " + webAppSuffix
	}
}

// Outcome is the result of one forward attempt
type Outcome int

const (
	// OutcomeFailed means the request failed or the endpoint rejected it
	OutcomeFailed Outcome = iota
	// OutcomeDispatched means the endpoint answered 2xx without confirming the rows
	OutcomeDispatched
	// OutcomeConfirmed means the endpoint reported success
	OutcomeConfirmed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeDispatched:
		return "dispatched"
	default:
		return "failed"
	}
}

// MarshalText renders the outcome by name in JSON responses
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Delivered reports whether records may be marked synced
func (o Outcome) Delivered() bool {
	return o != OutcomeFailed
}

// Row is the wire shape of one record in the webhook body
type Row struct {
	Timestamp       string `json:"timestamp"`
	PatientName     string `json:"patient_name"`
	UHID            string `json:"uhid"`
	IdentifierID    string `json:"identifier_id"`
	AttendingDoctor string `json:"attending_doctor"`
	ClinicalNotes   string `json:"clinical_notes"`
	SourceType      string `json:"source_type"`
	RecordID        string `json:"record_id"`
}

// NewRows converts records to webhook rows, keeping their order
func NewRows(records []*ledger.Record) []Row {
	rows := make([]Row, 0, len(records))
	for _, r := range records {
		rows = append(rows, Row{
			Timestamp:       r.Timestamp.UTC().Format(time.RFC3339Nano),
			PatientName:     r.PatientName,
			UHID:            r.UHID,
			IdentifierID:    r.IdentifierID,
			AttendingDoctor: r.AttendingDoctor,
			ClinicalNotes:   r.ClinicalNotes,
			SourceType:      string(r.SourceType),
			RecordID:        r.ID,
		})
	}
	return rows
}

// scriptReply is what the bundled Apps Script answers with
type scriptReply struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Bridge forwards records to a spreadsheet webhook
type Bridge struct {
	client *http.Client
}

// NewBridge creates a Bridge with its own HTTP client
func NewBridge(timeout time.Duration) *Bridge {
	return NewBridgeWithClient(&http.Client{Timeout: timeout})
}

// NewBridgeWithClient creates a Bridge with a custom client for testing
func NewBridgeWithClient(client *http.Client) *Bridge {
	return &Bridge{client: client}
}

// Forward posts records to url once. There is no retry; a failed outcome
// leaves it to the caller to try again later.
func (b *Bridge) Forward(ctx context.Context, url string, records []*ledger.Record) (Outcome, error) {
	if !IsValidWebAppURL(url) {
		return OutcomeFailed, fmt.Errorf("%w: %s", ErrInvalidWebhookURL, Diagnose(url))
	}
	if len(records) == 0 {
		return OutcomeConfirmed, nil
	}

	body, err := json.Marshal(NewRows(records))
	if err != nil {
		return OutcomeFailed, fmt.Errorf("marshaling rows: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return OutcomeFailed, fmt.Errorf("creating request: %w", err)
	}
	// text/plain keeps Apps Script from rejecting the post as a JSON preflight
	req.Header.Set("Content-Type", "text/plain;charset=utf-8")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := b.client.Do(req)
	if err != nil {
		slog.Error("Sync request failed", "records", len(records), "error", err)
		return OutcomeFailed, fmt.Errorf("posting to webhook: %w", err)
	}
	defer resp.Body.Close()

	replyBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		slog.Error("Sync endpoint rejected request", "status", resp.StatusCode, "records", len(records))
		return OutcomeFailed, fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	var reply scriptReply
	if err := json.Unmarshal(replyBody, &reply); err != nil {
		slog.Warn("Sync endpoint reply was not readable", "status", resp.StatusCode, "records", len(records))
		return OutcomeDispatched, nil
	}

	switch strings.ToLower(reply.Status) {
	case "success":
		return OutcomeConfirmed, nil
	case "error":
		slog.Error("Sync script reported an error", "message", reply.Message, "records", len(records))
		return OutcomeFailed, fmt.Errorf("sync script error: %s", reply.Message)
	default:
		return OutcomeDispatched, nil
	}
}

// TestRecord builds the dummy row used to check a webhook end to end
func TestRecord(now time.Time) *ledger.Record {
	return &ledger.Record{
		ID:              fmt.Sprintf("test-%d", now.UnixMilli()),
		PatientName:     "TEST CONNECTION",
		IdentifierID:    "SYNC-TEST-001",
		UHID:            "N/A",
		AttendingDoctor: "SYSTEM",
		ClinicalNotes:   "This is a test row to verify the spreadsheet connection.",
		SourceType:      extraction.SourceUnknown,
		Timestamp:       now.UTC(),
	}
}
