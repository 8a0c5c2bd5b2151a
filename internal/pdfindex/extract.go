package pdfindex

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

var pdfMagic = []byte("%PDF-")

// PageText is the extracted text of one PDF page.
type PageText struct {
	Page int
	Text string
}

// IsPDF reports whether the response looks like a PDF, by content type or by
// the file magic. Origins frequently serve PDFs as application/octet-stream.
func IsPDF(contentType string, data []byte) bool {
	if strings.Contains(strings.ToLower(contentType), "application/pdf") {
		return true
	}
	return bytes.HasPrefix(data, pdfMagic)
}

// ExtractText parses data as a PDF and returns per-page plain text. Pages
// that fail to parse or carry no text are skipped; a document with no
// extractable text at all is an error.
func ExtractText(data []byte) ([]PageText, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("parse pdf: %w", err)
	}

	pages := make([]PageText, 0, reader.NumPage())
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		pages = append(pages, PageText{Page: i, Text: text})
	}
	if len(pages) == 0 {
		return nil, errors.New("pdf has no extractable text")
	}
	return pages, nil
}
