package planner

import (
	"strings"
	"testing"
	"time"
)

func promptInput() PromptInput {
	return PromptInput{
		TimetableText: "Mon 09:00 Algebra lecture\nTue 11:00 Physics lab",
		SyllabusText:  "Chapter 1: Limits\nChapter 2: Derivatives",
		ReferenceDate: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestBuildPromptDeterministic(t *testing.T) {
	in := promptInput()
	first := BuildPrompt(in, 24000)
	for i := 0; i < 10; i++ {
		again := BuildPrompt(in, 24000)
		if again.Text != first.Text {
			t.Fatalf("prompt text differs on run %d", i)
		}
		if again.Hash != first.Hash {
			t.Fatalf("prompt hash differs on run %d", i)
		}
	}
	if first.Truncated {
		t.Fatalf("small input must not be truncated")
	}
	if !strings.Contains(first.Text, "2024-05-01") {
		t.Fatalf("prompt must carry the reference date")
	}
}

func TestBuildPromptTruncatesOversizedInput(t *testing.T) {
	in := promptInput()
	in.SyllabusText = strings.Repeat("Chapter content line\n", 5000)
	p := BuildPrompt(in, 2000)
	if !p.Truncated {
		t.Fatalf("oversized input must set Truncated")
	}
	if !strings.Contains(p.Text, "[... input truncated ...]") {
		t.Fatalf("truncated prompt must carry the marker")
	}
	if !strings.Contains(p.Text, "Mon 09:00 Algebra lecture") {
		t.Fatalf("timetable head must survive truncation")
	}
}

func TestBuildPromptIncludesCompletedPriorTasks(t *testing.T) {
	in := promptInput()
	in.PriorPlan = &StudyPlan{
		Version: 1,
		Tasks: []DailyTask{
			{Date: time.Date(2024, 4, 29, 0, 0, 0, 0, time.UTC), Subject: "Algebra", EstimatedMinutes: 60},
			{Date: time.Date(2024, 5, 3, 0, 0, 0, 0, time.UTC), Subject: "Physics", EstimatedMinutes: 45},
		},
	}
	p := BuildPrompt(in, 24000)
	if !strings.Contains(p.Text, "- 2024-04-29 Algebra (60m)") {
		t.Fatalf("completed prior task missing from prompt:\n%s", p.Text)
	}
	if strings.Contains(p.Text, "2024-05-03 Physics") {
		t.Fatalf("future prior task must not be listed as completed")
	}
}

func TestBuildPromptNoPriorSectionWhenNothingCompleted(t *testing.T) {
	in := promptInput()
	in.PriorPlan = &StudyPlan{
		Version: 1,
		Tasks: []DailyTask{
			{Date: time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC), Subject: "Physics", EstimatedMinutes: 45},
		},
	}
	p := BuildPrompt(in, 24000)
	if strings.Contains(p.Text, "Already completed") {
		t.Fatalf("prior section must be omitted when no tasks predate the reference date")
	}
}
