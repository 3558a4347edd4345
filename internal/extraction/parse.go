package extraction

import (
	"encoding/json"
	"fmt"
	"strings"
)

// rawResult mirrors the model output; pointers tell a missing key apart from an empty value
type rawResult struct {
	PatientName     *string `json:"patient_name"`
	IdentifierID    *string `json:"identifier_id"`
	UHID            *string `json:"uhid"`
	AttendingDoctor *string `json:"attending_doctor"`
	ClinicalNotes   *string `json:"clinical_notes"`
	SourceType      *string `json:"source_type"`
}

// parseResultJSON parses the model's text answer into a Result
func parseResultJSON(text string) (*Result, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSpace(text)

	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return nil, fmt.Errorf("no JSON object found in response")
	}
	endIdx := strings.LastIndex(text, "}")
	if endIdx < startIdx {
		return nil, fmt.Errorf("invalid JSON object in response")
	}

	var raw rawResult
	if err := json.Unmarshal([]byte(text[startIdx:endIdx+1]), &raw); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}

	required := []struct {
		name  string
		value *string
	}{
		{"patient_name", raw.PatientName},
		{"identifier_id", raw.IdentifierID},
		{"uhid", raw.UHID},
		{"attending_doctor", raw.AttendingDoctor},
		{"clinical_notes", raw.ClinicalNotes},
		{"source_type", raw.SourceType},
	}
	for _, field := range required {
		if field.value == nil {
			return nil, fmt.Errorf("missing required field %q", field.name)
		}
	}

	return &Result{
		PatientName:     strings.TrimSpace(*raw.PatientName),
		IdentifierID:    strings.TrimSpace(*raw.IdentifierID),
		UHID:            normalizeUHID(*raw.UHID),
		AttendingDoctor: strings.TrimSpace(*raw.AttendingDoctor),
		ClinicalNotes:   strings.TrimSpace(*raw.ClinicalNotes),
		SourceType:      ParseSourceType(*raw.SourceType),
	}, nil
}

// normalizeUHID uppercases the code and drops the spaces models like to insert
func normalizeUHID(s string) string {
	return strings.ToUpper(strings.Join(strings.Fields(s), ""))
}
