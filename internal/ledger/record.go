package ledger

import (
	"time"

	"github.com/zombor/medscan/internal/extraction"
)

// Record is one extracted clinical observation
type Record struct {
	ID              string                `json:"id"`
	PatientName     string                `json:"patient_name"`
	IdentifierID    string                `json:"identifier_id"`
	UHID            string                `json:"uhid"`
	AttendingDoctor string                `json:"attending_doctor"`
	ClinicalNotes   string                `json:"clinical_notes"`
	SourceType      extraction.SourceType `json:"source_type"`
	Timestamp       time.Time             `json:"timestamp"`
	Synced          bool                  `json:"synced"`
}

// Stats summarizes the ledger for the dashboard
type Stats struct {
	Total       int `json:"total"`
	Today       int `json:"today"`
	Labels      int `json:"labels"`
	Whiteboards int `json:"whiteboards"`
	Unsynced    int `json:"unsynced"`
}
