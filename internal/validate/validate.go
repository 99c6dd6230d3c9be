// Package validate checks submission parameters before anything touches the network.
package validate

import (
	"bytes"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/raphaelgruber/questiondoc/internal/models"
)

// DefaultMaxBytes is the upload ceiling enforced by the backend (50 MiB).
const DefaultMaxBytes int64 = 52428800

const pdfMIME = "application/pdf"

// Field names, matching the multipart form fields.
const (
	FieldFile          = "pdf_file"
	FieldPageStart     = "page_start"
	FieldPageEnd       = "page_end"
	FieldQuestionStart = "question_start"
	FieldQuestionEnd   = "question_end"
)

// PageCounter reports the number of pages in a PDF.
type PageCounter func(data []byte) (int, error)

// PDFPageCount counts pages with pdfcpu.
func PDFPageCount(data []byte) (int, error) {
	n, err := api.PageCount(bytes.NewReader(data), nil)
	if err != nil {
		return 0, fmt.Errorf("count pages: %w", err)
	}
	return n, nil
}

// Validator checks RawParams against local rules.
type Validator struct {
	// MaxBytes is the file size ceiling. Zero means DefaultMaxBytes.
	MaxBytes int64
	// Pages, when set, is used to reject a page range past the end of the document.
	Pages  PageCounter
	Logger *slog.Logger
}

// New creates a Validator with the given ceiling and pdfcpu page counting.
func New(maxBytes int64, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{MaxBytes: maxBytes, Pages: PDFPageCount, Logger: logger}
}

// Params validates raw input and returns parsed parameters.
// The first failing check wins.
func (v *Validator) Params(raw models.RawParams) (models.SubmissionParams, error) {
	if err := v.Document(raw.File); err != nil {
		return models.SubmissionParams{}, err
	}

	r, err := Ranges(raw.PageStart, raw.PageEnd, raw.QuestionStart, raw.QuestionEnd)
	if err != nil {
		return models.SubmissionParams{}, err
	}

	if v.Pages != nil {
		pages, err := v.Pages(raw.File.Data)
		switch {
		case err != nil:
			// The server is the authority on unreadable documents.
			v.logger().Warn("page count unavailable", "file", raw.File.Name, "error", err)
		case r.PageEnd > pages:
			return models.SubmissionParams{}, &models.ValidationError{
				Kind:    models.OutOfRange,
				Field:   FieldPageEnd,
				Message: fmt.Sprintf("Page end %d exceeds the document's %d pages", r.PageEnd, pages),
			}
		}
	}

	return models.SubmissionParams{
		File:           raw.File,
		PageStart:      r.PageStart,
		PageEnd:        r.PageEnd,
		QuestionStart:  r.QuestionStart,
		QuestionEnd:    r.QuestionEnd,
		ChapterName:    strings.TrimSpace(raw.ChapterName),
		UnitName:       strings.TrimSpace(raw.UnitName),
		OutputFilename: strings.TrimSpace(raw.OutputFilename),
	}, nil
}

// Document checks presence, size and content type.
func (v *Validator) Document(doc *models.Document) error {
	if doc == nil || len(doc.Data) == 0 {
		return &models.ValidationError{
			Kind:    models.MissingFile,
			Field:   FieldFile,
			Message: "Please select a PDF file",
		}
	}

	limit := v.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxBytes
	}
	if doc.Size() > limit {
		return &models.ValidationError{
			Kind:  models.FileTooLarge,
			Field: FieldFile,
			Message: fmt.Sprintf("File is %s, the maximum is %s",
				humanize.IBytes(uint64(doc.Size())), humanize.IBytes(uint64(limit))),
		}
	}

	if mt := mimetype.Detect(doc.Data); !mt.Is(pdfMIME) {
		return &models.ValidationError{
			Kind:    models.UnsupportedType,
			Field:   FieldFile,
			Message: fmt.Sprintf("Only PDF files are supported (got %s)", mt.String()),
		}
	}
	return nil
}

// Range is a parsed page/question range.
type Range struct {
	PageStart     int
	PageEnd       int
	QuestionStart int
	QuestionEnd   int
}

// Ranges parses and checks the four range values. It is pure: no I/O, no state.
func Ranges(pageStart, pageEnd, questionStart, questionEnd string) (Range, error) {
	fields := []struct {
		name string
		raw  string
	}{
		{FieldPageStart, pageStart},
		{FieldPageEnd, pageEnd},
		{FieldQuestionStart, questionStart},
		{FieldQuestionEnd, questionEnd},
	}

	vals := make([]int, len(fields))
	for i, f := range fields {
		n, err := strconv.Atoi(strings.TrimSpace(f.raw))
		if err != nil {
			return Range{}, &models.ValidationError{
				Kind:    models.NotANumber,
				Field:   f.name,
				Message: "Please enter valid numbers for page and question ranges",
			}
		}
		vals[i] = n
	}

	r := Range{PageStart: vals[0], PageEnd: vals[1], QuestionStart: vals[2], QuestionEnd: vals[3]}
	if r.PageStart > r.PageEnd {
		return Range{}, &models.ValidationError{
			Kind:    models.RangeInverted,
			Field:   FieldPageEnd,
			Message: "Page start must be less than or equal to page end",
		}
	}
	if r.QuestionStart > r.QuestionEnd {
		return Range{}, &models.ValidationError{
			Kind:    models.RangeInverted,
			Field:   FieldQuestionEnd,
			Message: "Question start must be less than or equal to question end",
		}
	}

	for i, f := range fields {
		if vals[i] < 1 {
			return Range{}, &models.ValidationError{
				Kind:    models.OutOfRange,
				Field:   f.name,
				Message: fmt.Sprintf("%s must be at least 1", label(f.name)),
			}
		}
	}
	return r, nil
}

func label(field string) string {
	s := strings.ReplaceAll(field, "_", " ")
	return strings.ToUpper(s[:1]) + s[1:]
}

func (v *Validator) logger() *slog.Logger {
	if v.Logger == nil {
		return slog.Default()
	}
	return v.Logger
}
