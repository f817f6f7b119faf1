// Package render exports a finished document tree to text formats.
package render

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Abby263/docugen/internal/pipeline"
)

// Format is an export target.
type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatHTML     Format = "html"
	FormatPDF      Format = "pdf"
	FormatDOCX     Format = "docx"
	FormatPPTX     Format = "pptx"
)

var (
	// ErrUnsupportedFormat is returned for binary formats this package does not produce.
	ErrUnsupportedFormat = errors.New("render: unsupported format")
	// ErrEmptyDocument is returned for documents with no content nodes.
	ErrEmptyDocument = errors.New("render: document is empty")
)

// ParseFormat accepts format names and common file extensions.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), ".")) {
	case "markdown", "md":
		return FormatMarkdown, nil
	case "html", "htm":
		return FormatHTML, nil
	case "pdf":
		return FormatPDF, nil
	case "docx":
		return FormatDOCX, nil
	case "pptx", "ppt":
		return FormatPPTX, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
}

// Render exports doc in the given format.
func Render(doc pipeline.FinalDocument, format Format) ([]byte, error) {
	if doc.IsEmpty() {
		return nil, ErrEmptyDocument
	}
	switch format {
	case FormatMarkdown:
		return []byte(Markdown(doc)), nil
	case FormatHTML:
		return HTML(doc)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}
