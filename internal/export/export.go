package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/zombor/medscan/internal/ledger"
)

// Format is a downloadable document format
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

const sheetName = "Sheet1"

// columns is the fixed column order of the tabular formats
var columns = []string{
	"ID",
	"Patient Name",
	"Identifier ID",
	"UHID",
	"Attending Doctor",
	"Clinical Notes",
	"Source Type",
	"Timestamp",
	"Synced",
}

// ParseFormat maps a query parameter onto a Format, defaulting to JSON
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatCSV, FormatXLSX:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported export format %q", s)
	}
}

// ContentType returns the MIME type of the format
func (f Format) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv; charset=utf-8"
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return "application/json"
	}
}

// Filename names the download after the export time
func (f Format) Filename(now time.Time) string {
	return fmt.Sprintf("medical_records_%s.%s", now.UTC().Format("2006-01-02T15-04-05Z"), f)
}

// Render serializes records in the given format
func Render(f Format, records []*ledger.Record) ([]byte, error) {
	switch f {
	case FormatCSV:
		return CSV(records)
	case FormatXLSX:
		return XLSX(records)
	default:
		return JSON(records)
	}
}

// JSON renders records as an indented array. Nil input renders as [].
func JSON(records []*ledger.Record) ([]byte, error) {
	if records == nil {
		records = []*ledger.Record{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling records: %w", err)
	}
	return data, nil
}

// CSV renders a header row and one quoted row per record
func CSV(records []*ledger.Record) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(columns); err != nil {
		return nil, fmt.Errorf("writing csv header: %w", err)
	}
	for _, r := range records {
		if err := w.Write(row(r)); err != nil {
			return nil, fmt.Errorf("writing csv row %s: %w", r.ID, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flushing csv: %w", err)
	}
	return buf.Bytes(), nil
}

// XLSX renders the same table as CSV into a workbook with a bold header
func XLSX(records []*ledger.Record) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	header := make([]interface{}, len(columns))
	for i, c := range columns {
		header[i] = c
	}
	if err := f.SetSheetRow(sheetName, "A1", &header); err != nil {
		return nil, fmt.Errorf("writing header: %w", err)
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, fmt.Errorf("creating header style: %w", err)
	}
	if err := f.SetRowStyle(sheetName, 1, 1, bold); err != nil {
		return nil, fmt.Errorf("styling header: %w", err)
	}

	for i, r := range records {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		values := row(r)
		cells := make([]interface{}, len(values))
		for j, v := range values {
			cells[j] = v
		}
		if err := f.SetSheetRow(sheetName, cell, &cells); err != nil {
			return nil, fmt.Errorf("writing row %s: %w", r.ID, err)
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("writing workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func row(r *ledger.Record) []string {
	return []string{
		r.ID,
		r.PatientName,
		r.IdentifierID,
		r.UHID,
		r.AttendingDoctor,
		r.ClinicalNotes,
		string(r.SourceType),
		r.Timestamp.UTC().Format(time.RFC3339Nano),
		strconv.FormatBool(r.Synced),
	}
}
