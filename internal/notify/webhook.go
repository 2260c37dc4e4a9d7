package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/studypilot/studypilot/internal/planner"
)

// maxChunkBytes keeps each webhook message under the receiver's payload cap.
const maxChunkBytes = 3800

// Notifier delivers plan completion messages. Delivery failures never affect
// job outcomes.
type Notifier interface {
	PlanReady(ctx context.Context, webhookURL string, plan planner.StudyPlan)
	JobFailed(ctx context.Context, webhookURL, jobID, reason string)
}

// Webhook posts markdown messages to a chat webhook endpoint.
type Webhook struct {
	httpClient *http.Client
	logger     *log.Logger
}

type markdownPayload struct {
	MsgType  string `json:"msgtype"`
	Markdown struct {
		Content string `json:"content"`
	} `json:"markdown"`
}

// NewWebhook builds a webhook notifier. logger may be nil.
func NewWebhook(timeout time.Duration, logger *log.Logger) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Webhook{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// PlanReady renders the plan as markdown and posts it, chunked when long.
// Errors are logged and swallowed.
func (w *Webhook) PlanReady(ctx context.Context, webhookURL string, plan planner.StudyPlan) {
	if webhookURL == "" {
		return
	}
	for i, chunk := range chunkMarkdown(renderPlan(plan)) {
		if err := w.post(ctx, webhookURL, chunk); err != nil {
			w.logger.Printf("webhook delivery failed (chunk %d): %v", i+1, err)
			return
		}
	}
}

// JobFailed posts a short failure notice. Errors are logged and swallowed.
func (w *Webhook) JobFailed(ctx context.Context, webhookURL, jobID, reason string) {
	if webhookURL == "" {
		return
	}
	content := fmt.Sprintf("## Study plan generation failed\n- Job: %s\n- Reason: %s", jobID, reason)
	if err := w.post(ctx, webhookURL, content); err != nil {
		w.logger.Printf("webhook delivery failed: %v", err)
	}
}

func (w *Webhook) post(ctx context.Context, webhookURL, content string) error {
	var payload markdownPayload
	payload.MsgType = "markdown"
	payload.Markdown.Content = content
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// renderPlan produces the markdown body for a committed plan.
func renderPlan(plan planner.StudyPlan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Study plan v%d ready\n", plan.Version)
	if plan.Summary != "" {
		fmt.Fprintf(&b, "%s\n", sanitizeLine(plan.Summary))
	}
	if first, last, ok := plan.DateRange(); ok {
		fmt.Fprintf(&b, "Covers %s to %s, %d tasks.\n",
			first.Format(planner.DateLayout), last.Format(planner.DateLayout), len(plan.Tasks))
	}
	for _, task := range plan.Tasks {
		fmt.Fprintf(&b, "- **%s** %s (%dm, %s): %s\n",
			task.Date.Format(planner.DateLayout), sanitizeLine(task.Subject),
			task.EstimatedMinutes, task.Priority, sanitizeLine(task.Description))
	}
	return b.String()
}

// sanitizeLine strips newlines so one task cannot break the list layout.
func sanitizeLine(s string) string {
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.TrimSpace(s)
}

// chunkMarkdown splits content on line boundaries so each piece stays under
// maxChunkBytes. A single oversized line is split mid-line as a last resort.
func chunkMarkdown(content string) []string {
	if len(content) <= maxChunkBytes {
		return []string{content}
	}
	var (
		chunks []string
		b      strings.Builder
	)
	flush := func() {
		if b.Len() > 0 {
			chunks = append(chunks, strings.TrimRight(b.String(), "\n"))
			b.Reset()
		}
	}
	for _, line := range strings.SplitAfter(content, "\n") {
		for len(line) > maxChunkBytes {
			flush()
			chunks = append(chunks, line[:maxChunkBytes])
			line = line[maxChunkBytes:]
		}
		if b.Len()+len(line) > maxChunkBytes {
			flush()
		}
		b.WriteString(line)
	}
	flush()
	return chunks
}
