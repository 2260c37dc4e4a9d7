// Package extract converts uploaded source documents into normalized plain
// text fragments for prompt assembly. Parsing is fully deterministic; no
// network or model access happens here.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/xuri/excelize/v2"
)

// ErrorKind classifies why an extraction failed.
type ErrorKind string

const (
	// KindUnsupportedFormat means the declared format has no parser.
	KindUnsupportedFormat ErrorKind = "unsupported_format"
	// KindCorrupt means the payload could not be opened at all.
	KindCorrupt ErrorKind = "corrupt"
	// KindEmpty means parsing succeeded but yielded zero usable fragments.
	KindEmpty ErrorKind = "empty"
)

// Error is the typed failure returned by the extractor.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extract: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("extract: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is an extraction Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ee *Error
	return errors.As(err, &ee) && ee.Kind == kind
}

// Result holds the normalized text plus parse accounting.
type Result struct {
	Text        string
	Lines       int
	SkippedRows int
}

// Timetable parses a tabular timetable into one "day, time range, subject"
// line per valid row. Rows missing a day or time range are skipped and
// counted, never fatal; a sheet with zero valid rows is an empty input.
func Timetable(data []byte, format string) (Result, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "xlsx", "xls":
		return timetableXLSX(data)
	case "txt", "csv", "":
		return timetableText(data)
	default:
		return Result{}, &Error{Kind: KindUnsupportedFormat, Err: fmt.Errorf("timetable format %q", format)}
	}
}

func timetableXLSX(data []byte) (Result, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return Result{}, &Error{Kind: KindCorrupt, Err: err}
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return Result{}, &Error{Kind: KindEmpty}
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return Result{}, &Error{Kind: KindCorrupt, Err: err}
	}

	var (
		lines   []string
		skipped int
	)
	for i, row := range rows {
		day, span, subject := rowFields(row)
		if i == 0 && looksLikeHeader(day, span) {
			continue
		}
		if day == "" || span == "" {
			if !rowBlank(row) {
				skipped++
			}
			continue
		}
		if subject == "" {
			subject = "(unspecified)"
		}
		lines = append(lines, fmt.Sprintf("%s, %s, %s", day, span, subject))
	}
	if len(lines) == 0 {
		return Result{}, &Error{Kind: KindEmpty, Err: fmt.Errorf("%d rows skipped", skipped)}
	}
	return Result{Text: strings.Join(lines, "\n"), Lines: len(lines), SkippedRows: skipped}, nil
}

// timetableText accepts "day, time range, subject" lines directly; used for
// plain-text uploads and as the CSV-ish fallback.
func timetableText(data []byte) (Result, error) {
	var (
		lines   []string
		skipped int
	)
	for _, raw := range strings.Split(string(data), "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ",", 3)
		day, span, subject := "", "", ""
		if len(parts) > 0 {
			day = strings.TrimSpace(parts[0])
		}
		if len(parts) > 1 {
			span = strings.TrimSpace(parts[1])
		}
		if len(parts) > 2 {
			subject = strings.TrimSpace(parts[2])
		}
		if day == "" || span == "" {
			skipped++
			continue
		}
		if subject == "" {
			subject = "(unspecified)"
		}
		lines = append(lines, fmt.Sprintf("%s, %s, %s", day, span, subject))
	}
	if len(lines) == 0 {
		if skipped == 0 {
			return Result{}, &Error{Kind: KindEmpty}
		}
		return Result{}, &Error{Kind: KindEmpty, Err: fmt.Errorf("%d rows skipped", skipped)}
	}
	return Result{Text: strings.Join(lines, "\n"), Lines: len(lines), SkippedRows: skipped}, nil
}

// Syllabus flattens a rich-text syllabus to plain text in document order.
// Headings are kept as "# "-prefixed marker lines so downstream prompt
// assembly can detect section boundaries.
func Syllabus(data []byte, format string) (Result, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "html", "htm":
		return syllabusHTML(data)
	case "txt", "":
		return syllabusText(data)
	default:
		return Result{}, &Error{Kind: KindUnsupportedFormat, Err: fmt.Errorf("syllabus format %q", format)}
	}
}

func syllabusHTML(data []byte) (Result, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return Result{}, &Error{Kind: KindCorrupt, Err: err}
	}

	var lines []string
	doc.Find("h1, h2, h3, h4, h5, h6, p, li").Each(func(_ int, sel *goquery.Selection) {
		text := strings.TrimSpace(collapseSpace(sel.Text()))
		if text == "" {
			return
		}
		if isHeading(goquery.NodeName(sel)) {
			lines = append(lines, "# "+text)
			return
		}
		lines = append(lines, text)
	})
	if len(lines) == 0 {
		return Result{}, &Error{Kind: KindEmpty}
	}
	return Result{Text: strings.Join(lines, "\n"), Lines: len(lines)}, nil
}

func syllabusText(data []byte) (Result, error) {
	var lines []string
	for _, raw := range strings.Split(string(data), "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return Result{}, &Error{Kind: KindEmpty}
	}
	return Result{Text: strings.Join(lines, "\n"), Lines: len(lines)}, nil
}

func rowFields(row []string) (day, span, subject string) {
	if len(row) > 0 {
		day = strings.TrimSpace(row[0])
	}
	if len(row) > 1 {
		span = strings.TrimSpace(row[1])
	}
	if len(row) > 2 {
		subject = strings.TrimSpace(row[2])
	}
	return day, span, subject
}

func rowBlank(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

func looksLikeHeader(day, span string) bool {
	d := strings.ToLower(day)
	s := strings.ToLower(span)
	return d == "day" || d == "weekday" || s == "time" || s == "time range"
}

func isHeading(node string) bool {
	return len(node) == 2 && node[0] == 'h' && node[1] >= '1' && node[1] <= '6'
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
