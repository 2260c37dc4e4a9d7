package planner

import (
	"testing"
	"time"
)

var parseRef = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func TestParsePlanStrictJSON(t *testing.T) {
	raw := "```json\n" + `{
  "summary": "Two day ramp up",
  "tasks": [
    {"date": "2024-05-03", "subject": "Physics", "description": "Kinematics", "duration_minutes": 45, "priority": "medium"},
    {"date": "2024-05-02", "subject": "Algebra", "description": "Limits", "duration_minutes": 60, "priority": "high"},
    {"date": "2024-05-02", "subject": "Chemistry", "description": "Bonding", "duration_minutes": 30, "priority": "low"}
  ]
}` + "\n```"

	res, err := ParsePlan(raw, parseRef, 480)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !res.Strict {
		t.Fatalf("expected strict parse")
	}
	if res.Summary != "Two day ramp up" {
		t.Fatalf("summary not captured: %q", res.Summary)
	}
	if len(res.Tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(res.Tasks))
	}
	// Date ascending, priority descending within a day.
	if res.Tasks[0].Subject != "Algebra" || res.Tasks[1].Subject != "Chemistry" || res.Tasks[2].Subject != "Physics" {
		t.Fatalf("unexpected task ordering: %+v", res.Tasks)
	}
}

func TestParsePlanDropsInvalidEntries(t *testing.T) {
	raw := `{
  "summary": "mixed quality",
  "tasks": [
    {"date": "2024-05-02", "subject": "Algebra", "description": "ok", "duration_minutes": 60, "priority": "high"},
    {"date": "2024-05-03", "subject": "Physics", "description": "ok", "duration_minutes": 45, "priority": "medium"},
    {"date": "2024-05-04", "subject": "Chemistry", "description": "ok", "duration_minutes": 30, "priority": "low"},
    {"date": "2024-05-05", "subject": "Biology", "description": "ok", "duration_minutes": 90, "priority": "high"},
    {"date": "2024-05-06", "subject": "History", "description": "ok", "duration_minutes": 20, "priority": "low"},
    {"date": "not-a-date", "subject": "Broken", "description": "bad date", "duration_minutes": 30, "priority": "low"},
    {"date": "2024-04-20", "subject": "Stale", "description": "before reference", "duration_minutes": 30, "priority": "low"}
  ]
}`

	res, err := ParsePlan(raw, parseRef, 480)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(res.Tasks) != 5 {
		t.Fatalf("expected 5 valid tasks, got %d", len(res.Tasks))
	}
	if len(res.Dropped) != 2 {
		t.Fatalf("expected 2 dropped entries, got %d: %+v", len(res.Dropped), res.Dropped)
	}
}

func TestParsePlanDurationCeiling(t *testing.T) {
	raw := `{"summary": "s", "tasks": [
    {"date": "2024-05-02", "subject": "Algebra", "description": "ok", "duration_minutes": 60, "priority": "high"},
    {"date": "2024-05-02", "subject": "Marathon", "description": "too long", "duration_minutes": 900, "priority": "high"},
    {"date": "2024-05-02", "subject": "Nothing", "description": "zero", "duration_minutes": 0, "priority": "low"}
  ]}`

	res, err := ParsePlan(raw, parseRef, 480)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(res.Tasks) != 1 || res.Tasks[0].Subject != "Algebra" {
		t.Fatalf("duration bounds not enforced: %+v", res.Tasks)
	}
}

func TestParsePlanTolerantLines(t *testing.T) {
	raw := `Here is your plan:
- 2024-05-02 | Algebra | Work through limits | 60 min | high
- 2024-05-03 | Physics | Kinematics problems | 45m | medium
Good luck!`

	res, err := ParsePlan(raw, parseRef, 480)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if res.Strict {
		t.Fatalf("line input must use the tolerant path")
	}
	if len(res.Tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(res.Tasks))
	}
	if res.Tasks[0].EstimatedMinutes != 60 || res.Tasks[1].EstimatedMinutes != 45 {
		t.Fatalf("durations not parsed: %+v", res.Tasks)
	}
}

func TestParsePlanEmptyBody(t *testing.T) {
	_, err := ParsePlan("   \n ", parseRef, 480)
	if !IsParseKind(err, ParseKindMalformed) {
		t.Fatalf("expected malformed, got %v", err)
	}
}

func TestParsePlanAllEntriesDropped(t *testing.T) {
	raw := `{"summary": "s", "tasks": [
    {"date": "2024-04-01", "subject": "Stale", "description": "past", "duration_minutes": 60, "priority": "high"}
  ]}`
	_, err := ParsePlan(raw, parseRef, 480)
	if !IsParseKind(err, ParseKindEmptyResult) {
		t.Fatalf("expected empty_result, got %v", err)
	}
}

func TestParsePlanEmptyTaskArray(t *testing.T) {
	_, err := ParsePlan(`{"summary": "nothing", "tasks": []}`, parseRef, 480)
	if !IsParseKind(err, ParseKindEmptyResult) {
		t.Fatalf("expected empty_result, got %v", err)
	}
}

func TestParsePlanUnknownPriorityDefaultsMedium(t *testing.T) {
	raw := `{"summary": "s", "tasks": [
    {"date": "2024-05-02", "subject": "Algebra", "description": "ok", "duration_minutes": 60, "priority": "urgent"}
  ]}`
	res, err := ParsePlan(raw, parseRef, 480)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if res.Tasks[0].Priority != PriorityMedium {
		t.Fatalf("unknown priority must default to medium, got %v", res.Tasks[0].Priority)
	}
}

func TestParsePlanDeterministic(t *testing.T) {
	raw := `{"summary": "s", "tasks": [
    {"date": "2024-05-02", "subject": "Algebra", "description": "ok", "duration_minutes": 60, "priority": "high"},
    {"date": "2024-05-02", "subject": "Chemistry", "description": "ok", "duration_minutes": 30, "priority": "high"}
  ]}`
	first, err := ParsePlan(raw, parseRef, 480)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := ParsePlan(raw, parseRef, 480)
		if err != nil {
			t.Fatalf("parse run %d: %v", i, err)
		}
		if len(again.Tasks) != len(first.Tasks) {
			t.Fatalf("task count differs on run %d", i)
		}
		for j := range again.Tasks {
			if again.Tasks[j] != first.Tasks[j] {
				t.Fatalf("task %d differs on run %d", j, i)
			}
		}
	}
}

func TestValidatePlanPayload(t *testing.T) {
	if err := ValidatePlanPayload([]byte(`{"summary": "s", "tasks": []}`)); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}
	if err := ValidatePlanPayload([]byte(`{"summary": "s"}`)); err == nil {
		t.Fatalf("payload without tasks must be rejected")
	}
	if err := ValidatePlanPayload([]byte(`{"tasks": "not an array"}`)); err == nil {
		t.Fatalf("non-array tasks must be rejected")
	}
}
