package planner

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the canonical wire format for plan dates.
const DateLayout = "2006-01-02"

// Priority orders tasks for display when several fall on the same day.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityMedium
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// ParsePriority maps a textual priority to its enum value. Unrecognised
// values fall back to medium so a sloppy model reply does not drop a task.
func ParsePriority(s string) Priority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low", "1":
		return PriorityLow
	case "high", "3":
		return PriorityHigh
	default:
		return PriorityMedium
	}
}

// DailyTask is a single scheduled unit of study work.
type DailyTask struct {
	Date             time.Time `json:"date"`
	Subject          string    `json:"subject"`
	Description      string    `json:"description"`
	EstimatedMinutes int       `json:"estimated_minutes"`
	Priority         Priority  `json:"priority"`
}

// StudyPlan is an immutable, versioned sequence of daily tasks for one owner.
// A regeneration always produces a new version; committed plans are never
// edited in place.
type StudyPlan struct {
	ID          string      `json:"id"`
	OwnerID     string      `json:"owner_id"`
	Version     int         `json:"version"`
	GeneratedAt time.Time   `json:"generated_at"`
	Summary     string      `json:"summary,omitempty"`
	Tasks       []DailyTask `json:"tasks"`
}

// DateRange returns the first and last task dates of the plan. The second
// return is false for an empty plan.
func (p StudyPlan) DateRange() (time.Time, time.Time, bool) {
	if len(p.Tasks) == 0 {
		return time.Time{}, time.Time{}, false
	}
	first, last := p.Tasks[0].Date, p.Tasks[0].Date
	for _, t := range p.Tasks[1:] {
		if t.Date.Before(first) {
			first = t.Date
		}
		if t.Date.After(last) {
			last = t.Date
		}
	}
	return first, last, true
}

func (t DailyTask) String() string {
	return fmt.Sprintf("%s %s (%dm, %s)", t.Date.Format(DateLayout), t.Subject, t.EstimatedMinutes, t.Priority)
}
