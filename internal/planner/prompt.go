package planner

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// PromptInput carries everything the builder needs. The reference date is an
// explicit parameter so identical inputs always produce identical prompts.
type PromptInput struct {
	TimetableText string
	SyllabusText  string
	ReferenceDate time.Time
	PriorPlan     *StudyPlan
}

// Prompt is the fully assembled model request.
type Prompt struct {
	Text      string
	Truncated bool
	Hash      string
}

const truncationMarker = "\n[... input truncated ...]\n"

// BuildPrompt assembles a deterministic completion request from the extracted
// document texts, the reference date and, when present, a compact summary of
// the prior plan's already-completed days so regeneration does not re-plan
// finished work. Inputs over maxChars are truncated head-and-tail rather than
// failing the job.
func BuildPrompt(in PromptInput, maxChars int) Prompt {
	var b strings.Builder

	b.WriteString("You are an expert study coach. Create a day-by-day study plan from the inputs below.\n\n")
	fmt.Fprintf(&b, "Today's date: %s\nDo not schedule any task before this date.\n\n", in.ReferenceDate.Format(DateLayout))

	b.WriteString("Course timetable (fixed commitments, do not schedule over them):\n")
	b.WriteString(truncate(in.TimetableText, maxChars/2))
	b.WriteString("\n\nExam syllabus (material to cover):\n")
	b.WriteString(truncate(in.SyllabusText, maxChars/2))
	b.WriteString("\n")

	if in.PriorPlan != nil {
		if summary := completedSummary(*in.PriorPlan, in.ReferenceDate); summary != "" {
			b.WriteString("\nAlready completed (do not plan these again):\n")
			b.WriteString(summary)
			b.WriteString("\n")
		}
	}

	b.WriteString(`
Respond ONLY with valid JSON in the following format:
{
  "summary": "one paragraph describing the plan",
  "tasks": [
    {"date": "YYYY-MM-DD", "subject": "...", "description": "...", "duration_minutes": 60, "priority": "low|medium|high"}
  ]
}
Do not include any other text or explanation.
`)

	text := b.String()
	truncated := len(in.TimetableText) > maxChars/2 || len(in.SyllabusText) > maxChars/2
	sum := sha256.Sum256([]byte(text))
	return Prompt{Text: text, Truncated: truncated, Hash: hex.EncodeToString(sum[:])}
}

// truncate keeps the head and tail of oversized input with a marker in
// between. The split favours the head, where timetable/syllabus structure
// usually lives.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= len(truncationMarker) {
		return s[:max]
	}
	budget := max - len(truncationMarker)
	head := budget * 3 / 5
	tail := budget - head
	return s[:head] + truncationMarker + s[len(s)-tail:]
}

// completedSummary lists the prior plan's tasks dated strictly before the
// reference date, one line per task, in date order.
func completedSummary(plan StudyPlan, ref time.Time) string {
	var done []DailyTask
	for _, t := range plan.Tasks {
		if t.Date.Before(ref) {
			done = append(done, t)
		}
	}
	if len(done) == 0 {
		return ""
	}
	sort.SliceStable(done, func(i, j int) bool { return done[i].Date.Before(done[j].Date) })
	lines := make([]string, 0, len(done))
	for _, t := range done {
		lines = append(lines, fmt.Sprintf("- %s %s (%dm)", t.Date.Format(DateLayout), t.Subject, t.EstimatedMinutes))
	}
	return strings.Join(lines, "\n")
}
