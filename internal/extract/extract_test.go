package extract

import (
	"bytes"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"
)

func buildSheet(t *testing.T, rows [][]interface{}) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			t.Fatalf("cell name: %v", err)
		}
		if err := f.SetSheetRow("Sheet1", cell, &row); err != nil {
			t.Fatalf("set row: %v", err)
		}
	}
	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		t.Fatalf("write sheet: %v", err)
	}
	return buf.Bytes()
}

func TestTimetableXLSX(t *testing.T) {
	data := buildSheet(t, [][]interface{}{
		{"Day", "Time", "Subject"},
		{"Monday", "09:00-10:30", "Algebra"},
		{"Tuesday", "11:00-12:00", "Physics"},
		{"", "13:00-14:00", "no day, skipped"},
	})

	res, err := Timetable(data, "xlsx")
	if err != nil {
		t.Fatalf("timetable: %v", err)
	}
	if res.Lines != 2 {
		t.Fatalf("expected 2 lines, got %d:\n%s", res.Lines, res.Text)
	}
	if res.SkippedRows != 1 {
		t.Fatalf("expected 1 skipped row, got %d", res.SkippedRows)
	}
	if !strings.Contains(res.Text, "Monday, 09:00-10:30, Algebra") {
		t.Fatalf("unexpected text:\n%s", res.Text)
	}
}

func TestTimetableXLSXCorrupt(t *testing.T) {
	_, err := Timetable([]byte("this is not a zip archive"), "xlsx")
	if !IsKind(err, KindCorrupt) {
		t.Fatalf("expected corrupt, got %v", err)
	}
}

func TestTimetableText(t *testing.T) {
	res, err := Timetable([]byte("Monday, 09:00-10:30, Algebra\n\nTuesday, 11:00-12:00\nno comma line\n"), "txt")
	if err != nil {
		t.Fatalf("timetable: %v", err)
	}
	if res.Lines != 2 {
		t.Fatalf("expected 2 lines, got %d:\n%s", res.Lines, res.Text)
	}
	if !strings.Contains(res.Text, "Tuesday, 11:00-12:00, (unspecified)") {
		t.Fatalf("missing subject must default:\n%s", res.Text)
	}
	if res.SkippedRows != 1 {
		t.Fatalf("expected 1 skipped row, got %d", res.SkippedRows)
	}
}

func TestTimetableUnsupportedFormat(t *testing.T) {
	_, err := Timetable([]byte("x"), "pdf")
	if !IsKind(err, KindUnsupportedFormat) {
		t.Fatalf("expected unsupported_format, got %v", err)
	}
}

func TestTimetableEmpty(t *testing.T) {
	_, err := Timetable([]byte("   \n  \n"), "txt")
	if !IsKind(err, KindEmpty) {
		t.Fatalf("expected empty, got %v", err)
	}
}

func TestSyllabusHTML(t *testing.T) {
	html := `<html><body>
<h1>Calculus Exam</h1>
<p>Covers the first half of the course.</p>
<h2>Topics</h2>
<ul><li>Limits and continuity</li><li>Derivatives</li></ul>
</body></html>`

	res, err := Syllabus([]byte(html), "html")
	if err != nil {
		t.Fatalf("syllabus: %v", err)
	}
	wantOrder := []string{
		"# Calculus Exam",
		"Covers the first half of the course.",
		"# Topics",
		"Limits and continuity",
		"Derivatives",
	}
	lines := strings.Split(res.Text, "\n")
	if len(lines) != len(wantOrder) {
		t.Fatalf("expected %d lines, got %d:\n%s", len(wantOrder), len(lines), res.Text)
	}
	for i, want := range wantOrder {
		if lines[i] != want {
			t.Fatalf("line %d: got %q want %q", i, lines[i], want)
		}
	}
}

func TestSyllabusText(t *testing.T) {
	res, err := Syllabus([]byte("Chapter 1\n\n  Chapter 2  \n"), "txt")
	if err != nil {
		t.Fatalf("syllabus: %v", err)
	}
	if res.Text != "Chapter 1\nChapter 2" {
		t.Fatalf("unexpected text: %q", res.Text)
	}
}

func TestSyllabusEmptyHTML(t *testing.T) {
	_, err := Syllabus([]byte("<html><body></body></html>"), "html")
	if !IsKind(err, KindEmpty) {
		t.Fatalf("expected empty, got %v", err)
	}
}
