package planner

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ParseErrorKind classifies a parse failure.
type ParseErrorKind string

const (
	// ParseKindMalformed means there was nothing to parse at all.
	ParseKindMalformed ParseErrorKind = "malformed"
	// ParseKindEmptyResult means parsing ran but zero valid tasks remained.
	ParseKindEmptyResult ParseErrorKind = "empty_result"
)

// ParseError is the typed failure returned by ParsePlan.
type ParseError struct {
	Kind ParseErrorKind
	Err  error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse plan: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("parse plan: %s", e.Kind)
}

func (e *ParseError) Unwrap() error { return e.Err }

// IsParseKind reports whether err is a ParseError of the given kind.
func IsParseKind(err error, kind ParseErrorKind) bool {
	var pe *ParseError
	return errors.As(err, &pe) && pe.Kind == kind
}

// Dropped records one rejected entry and why, for the audit trail.
type Dropped struct {
	Entry  string `json:"entry"`
	Reason string `json:"reason"`
}

// ParseResult is the validated outcome of one model response.
type ParseResult struct {
	Tasks   []DailyTask
	Summary string
	Dropped []Dropped
	Strict  bool
}

type rawTask struct {
	Date            string `json:"date"`
	Subject         string `json:"subject"`
	Description     string `json:"description"`
	DurationMinutes int    `json:"duration_minutes"`
	Priority        string `json:"priority"`
}

type planEnvelope struct {
	Summary string    `json:"summary"`
	Tasks   []rawTask `json:"tasks"`
}

// ParsePlan turns a raw model reply into a validated task list. A strict JSON
// envelope is attempted first; when that fails, a tolerant line-oriented parse
// runs instead, since the upstream model is not contractually bound to the
// schema. Individual invalid entries are dropped with a recorded reason; the
// call fails only when zero valid tasks remain. The same raw input always
// yields the same result — validation compares against the passed reference
// date, never the wall clock.
func ParsePlan(raw string, ref time.Time, maxTaskMinutes int) (ParseResult, error) {
	if strings.TrimSpace(raw) == "" {
		return ParseResult{}, &ParseError{Kind: ParseKindMalformed, Err: fmt.Errorf("empty response body")}
	}

	var (
		res        ParseResult
		candidates []rawTask
	)
	if env, ok := strictEnvelope(raw); ok {
		res.Strict = true
		res.Summary = strings.TrimSpace(env.Summary)
		candidates = env.Tasks
	} else {
		candidates = lineTasks(raw)
	}

	for _, rt := range candidates {
		task, reason := validateTask(rt, ref, maxTaskMinutes)
		if reason != "" {
			res.Dropped = append(res.Dropped, Dropped{Entry: describeRaw(rt), Reason: reason})
			continue
		}
		res.Tasks = append(res.Tasks, task)
	}
	if len(res.Tasks) == 0 {
		return res, &ParseError{Kind: ParseKindEmptyResult, Err: fmt.Errorf("%d entries dropped", len(res.Dropped))}
	}

	sort.SliceStable(res.Tasks, func(i, j int) bool {
		a, b := res.Tasks[i], res.Tasks[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.Subject < b.Subject
	})
	return res, nil
}

// strictEnvelope extracts and decodes the JSON plan envelope. Markdown fences
// and leading chatter are tolerated; the envelope must pass the response
// schema and carry a tasks array.
func strictEnvelope(raw string) (planEnvelope, bool) {
	block := extractJSONBlock(raw)
	if block == "" {
		return planEnvelope{}, false
	}
	if err := ValidatePlanPayload([]byte(block)); err != nil {
		return planEnvelope{}, false
	}
	var env planEnvelope
	if err := json.Unmarshal([]byte(block), &env); err != nil {
		return planEnvelope{}, false
	}
	if env.Tasks == nil {
		return planEnvelope{}, false
	}
	return env, true
}

// extractJSONBlock pulls the JSON object out of a model reply, preferring a
// ```json fenced block and falling back to the outermost brace pair.
func extractJSONBlock(raw string) string {
	if idx := strings.Index(raw, "```json"); idx != -1 {
		rest := raw[idx+len("```json"):]
		if end := strings.LastIndex(rest, "```"); end != -1 {
			return strings.TrimSpace(rest[:end])
		}
	}
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start == -1 || end == -1 || end <= start {
		return ""
	}
	return strings.TrimSpace(raw[start : end+1])
}

// lineTasks is the tolerant fallback: one task per line, fields separated by
// pipes, in date | subject | description | duration | priority order.
func lineTasks(raw string) []rawTask {
	var out []rawTask
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-*• "))
		if line == "" || !strings.Contains(line, "|") {
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields) < 4 {
			continue
		}
		rt := rawTask{
			Date:        strings.TrimSpace(fields[0]),
			Subject:     strings.TrimSpace(fields[1]),
			Description: strings.TrimSpace(fields[2]),
		}
		rt.DurationMinutes = parseMinutes(fields[3])
		if len(fields) > 4 {
			rt.Priority = strings.TrimSpace(fields[4])
		}
		out = append(out, rt)
	}
	return out
}

func parseMinutes(s string) int {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimSuffix(s, "minutes")
	s = strings.TrimSuffix(s, "min")
	s = strings.TrimSuffix(s, "m")
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}

func validateTask(rt rawTask, ref time.Time, maxTaskMinutes int) (DailyTask, string) {
	subject := strings.TrimSpace(rt.Subject)
	if subject == "" {
		return DailyTask{}, "empty subject"
	}
	date, err := time.Parse(DateLayout, strings.TrimSpace(rt.Date))
	if err != nil {
		return DailyTask{}, fmt.Sprintf("unparseable date %q", rt.Date)
	}
	if date.Before(ref.Truncate(24 * time.Hour)) {
		return DailyTask{}, fmt.Sprintf("date %s before reference date", date.Format(DateLayout))
	}
	if rt.DurationMinutes <= 0 {
		return DailyTask{}, fmt.Sprintf("non-positive duration %d", rt.DurationMinutes)
	}
	if maxTaskMinutes > 0 && rt.DurationMinutes > maxTaskMinutes {
		return DailyTask{}, fmt.Sprintf("duration %dm exceeds ceiling %dm", rt.DurationMinutes, maxTaskMinutes)
	}
	return DailyTask{
		Date:             date,
		Subject:          subject,
		Description:      strings.TrimSpace(rt.Description),
		EstimatedMinutes: rt.DurationMinutes,
		Priority:         ParsePriority(rt.Priority),
	}, ""
}

func describeRaw(rt rawTask) string {
	return fmt.Sprintf("%s | %s | %dm", rt.Date, rt.Subject, rt.DurationMinutes)
}
