package extraction

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// extractionPrompt is shared by every model provider
const extractionPrompt = `You are a specialized medical document OCR assistant. Extract patient and clinical data from this photo of a hospital whiteboard or patient label.

Extraction rules:
1. UHID vs ID:
   - "uhid" is the Unique Health ID. It is exactly 2 letters followed by digits (e.g. AB123456, XY9988).
   - "identifier_id" is the hospital ID, IP number or visit number. It is usually purely numeric or uses a different format.
2. Barcodes: if a barcode is present, decode it. Label barcodes almost always carry the UHID or the primary identifier, so prefer barcode data for those fields.
3. Whiteboards: put the surgery type or diagnosis into "clinical_notes".
4. Labels: the IP number and consultant name are often printed directly above the main barcode.

Return ONLY valid JSON in this exact format:
{
  "patient_name": "",
  "identifier_id": "",
  "uhid": "",
  "attending_doctor": "",
  "clinical_notes": "",
  "source_type": "label"
}

Important:
- Every key must be present. If a field is not found, use an empty string.
- "source_type" must be "whiteboard" or "label".
- Do not include any text before or after the JSON
- Do not use markdown code blocks`

// normalizeImage turns any supported upload into PNG bytes.
// PDFs are rendered from their first page; HEIC/HEIF photos from phones go
// through the pure Go decoder since the standard library cannot read them.
func normalizeImage(data []byte, contentType string) ([]byte, error) {
	mimeType := strings.ToLower(strings.TrimSpace(contentType))
	if mimeType == "" {
		mimeType = "image/jpeg"
	}

	var (
		img image.Image
		err error
	)
	switch {
	case mimeType == "application/pdf":
		img, err = renderPDF(data)
		if err != nil {
			return nil, fmt.Errorf("converting PDF to image: %w", err)
		}
	case isHEIC(data, mimeType):
		img, err = heic.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
	case mimeType == "image/png":
		return data, nil
	default:
		img, _, err = image.Decode(bytes.NewReader(data))
		if err != nil {
			if strings.Contains(err.Error(), "unknown format") {
				return nil, fmt.Errorf("unsupported image format (supported: JPEG, PNG, GIF, HEIC, HEIF, PDF): %w", err)
			}
			return nil, fmt.Errorf("decoding image: %w", err)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

func renderPDF(data []byte) (image.Image, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	// Scanned labels are single page
	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}
	return img, nil
}

// isHEIC sniffs the ftyp box brand as well as the declared MIME type
func isHEIC(data []byte, mimeType string) bool {
	if strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif") {
		return true
	}
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heif", "mif1", "msf1":
		return true
	}
	return false
}
