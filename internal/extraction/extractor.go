package extraction

import (
	"context"
	"fmt"
	"strings"
)

// SourceType identifies what kind of document an image showed
type SourceType string

const (
	SourceLabel      SourceType = "label"
	SourceWhiteboard SourceType = "whiteboard"
	SourceUnknown    SourceType = "unknown"
)

// ParseSourceType maps free-form model output onto a known SourceType
func ParseSourceType(s string) SourceType {
	switch SourceType(strings.ToLower(strings.TrimSpace(s))) {
	case SourceLabel:
		return SourceLabel
	case SourceWhiteboard:
		return SourceWhiteboard
	default:
		return SourceUnknown
	}
}

// Result contains the fields extracted from a patient label or whiteboard photo
type Result struct {
	PatientName     string     `json:"patient_name"`
	IdentifierID    string     `json:"identifier_id"`
	UHID            string     `json:"uhid"`
	AttendingDoctor string     `json:"attending_doctor"`
	ClinicalNotes   string     `json:"clinical_notes"`
	SourceType      SourceType `json:"source_type"`
}

// Extractor defines the interface for the external vision model
type Extractor interface {
	// Extract analyzes an image and returns the recognized fields
	Extract(ctx context.Context, imageData []byte, contentType string) (*Result, error)
	// Close releases resources held by the extractor
	Close() error
}

// Options selects and configures an extraction backend
type Options struct {
	Backend     string
	GeminiKey   string
	GeminiModel string
	OllamaURL   string
	OllamaModel string
}

// New creates the Extractor named by opts.Backend, "gemini" or "ollama"
func New(opts Options) (Extractor, error) {
	switch strings.ToLower(opts.Backend) {
	case "gemini":
		g, err := NewGemini(opts.GeminiKey, opts.GeminiModel)
		if err != nil {
			return nil, err
		}
		return g, nil
	case "ollama":
		o, err := NewOllama(opts.OllamaURL, opts.OllamaModel)
		if err != nil {
			return nil, err
		}
		return o, nil
	default:
		return nil, fmt.Errorf("unknown extractor %q: use gemini or ollama", opts.Backend)
	}
}
