package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/studypilot/studypilot/internal/extract"
	"github.com/studypilot/studypilot/internal/planner"
	"github.com/studypilot/studypilot/internal/provider"
	"github.com/studypilot/studypilot/internal/queue"
	"github.com/studypilot/studypilot/internal/store"
)

// StoreAPI captures the store methods required by the worker.
type StoreAPI interface {
	ClaimIdempotency(ctx context.Context, scope, key string) (bool, error)
	GetJob(ctx context.Context, id string) (store.Job, bool, error)
	SetJobStatus(ctx context.Context, id, status string) error
	BumpJobAttempt(ctx context.Context, id string) (int, error)
	SetJobPromptHash(ctx context.Context, id, hash string) error
	FinishJobSucceeded(ctx context.Context, id string, planVersion int) error
	FinishJobFailed(ctx context.Context, id, kind, message string) error
	ListStaleJobs(ctx context.Context, cutoff time.Time, limit int) ([]store.Job, error)
	ReleaseJobSlot(ctx context.Context, ownerID, jobID string) error
	GetDocument(ctx context.Context, id, ownerID string) (store.Document, bool, error)
	GetLatestDocument(ctx context.Context, ownerID, kind string) (store.Document, bool, error)
	SetDocumentText(ctx context.Context, id, text string) error
	NextPlanVersion(ctx context.Context, ownerID string) (int, error)
	InsertPlan(ctx context.Context, plan planner.StudyPlan, jobID string) (string, error)
	GetLatestPlan(ctx context.Context, ownerID string) (planner.StudyPlan, bool, error)
	GetOwnerSettings(ctx context.Context, ownerID string) (store.OwnerSettings, bool, error)
	InsertExchange(ctx context.Context, ex store.Exchange) error
}

// QueueAPI is the publishing surface used for recovery republishes.
type QueueAPI interface {
	PublishJob(ctx context.Context, payload queue.JobPayload, attempt int) (string, error)
}

// Notifier delivers job outcome messages.
type Notifier interface {
	PlanReady(ctx context.Context, webhookURL string, plan planner.StudyPlan)
	JobFailed(ctx context.Context, webhookURL, jobID, reason string)
}

// Options bounds job processing.
type Options struct {
	MaxAttempts    int
	JobTimeout     time.Duration
	StaleAfter     time.Duration
	SweepInterval  time.Duration
	PromptMaxChars int
	MaxTaskMinutes int
}

// Processor consumes plan job events and drives each job through extraction,
// prompting, parsing and plan commit.
type Processor struct {
	logger      *log.Logger
	store       StoreAPI
	publisher   QueueAPI
	consumer    *queue.Consumer
	ai          provider.CompletionClient
	notifier    Notifier
	opts        Options
	now         func() time.Time
	jobCounter  otelmetric.Int64Counter
	failCounter otelmetric.Int64Counter
	aiCounter   otelmetric.Int64Counter
}

// NewProcessor constructs a Processor. meter may be nil.
func NewProcessor(logger *log.Logger, st StoreAPI, pub QueueAPI, cons *queue.Consumer, ai provider.CompletionClient, nt Notifier, opts Options, meter otelmetric.Meter) *Processor {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 5 * time.Minute
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 10 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	proc := &Processor{
		logger:    logger,
		store:     st,
		publisher: pub,
		consumer:  cons,
		ai:        ai,
		notifier:  nt,
		opts:      opts,
		now:       time.Now,
	}
	if meter != nil {
		var err error
		proc.jobCounter, err = meter.Int64Counter("worker_jobs_processed")
		if err != nil {
			logger.Printf("warn: create job counter failed: %v", err)
		}
		proc.failCounter, err = meter.Int64Counter("worker_jobs_failed")
		if err != nil {
			logger.Printf("warn: create fail counter failed: %v", err)
		}
		proc.aiCounter, err = meter.Int64Counter("worker_ai_calls")
		if err != nil {
			logger.Printf("warn: create ai counter failed: %v", err)
		}
	}
	return proc
}

// Start blocks, processing job events until the context is cancelled. A
// background sweep requeues stale jobs and reclaims abandoned messages.
func (p *Processor) Start(ctx context.Context) error {
	p.logger.Printf("worker processor starting; consuming stream %s", queue.JobStream)

	// Recover work orphaned by a previous worker before taking new messages.
	if err := p.sweepStale(ctx); err != nil {
		p.logger.Printf("warn: startup stale sweep failed: %v", err)
	}
	p.reclaimPending(ctx)
	go p.sweepLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			p.logger.Printf("worker processor stopping: %v", ctx.Err())
			return nil
		default:
		}

		msgs, err := p.consumer.Read(ctx, 16, 5*time.Second)
		if err != nil {
			p.logger.Printf("error reading stream: %v", err)
			time.Sleep(time.Second)
			continue
		}
		for _, msg := range msgs {
			if err := p.handleJob(ctx, msg); err != nil {
				p.logger.Printf("error handling job message %s: %v", msg.ID, err)
			}
			if err := p.consumer.Ack(ctx, msg.ID); err != nil {
				p.logger.Printf("warn: failed to ack message %s: %v", msg.ID, err)
			}
		}
	}
}

func (p *Processor) handleJob(ctx context.Context, msg queue.Message) error {
	claimed, err := p.store.ClaimIdempotency(ctx, msg.Envelope.EventType, msg.Envelope.EventID)
	if err != nil {
		return fmt.Errorf("claim idempotency: %w", err)
	}
	if !claimed {
		p.logger.Printf("skip event %s, already processed", msg.Envelope.EventID)
		return nil
	}

	var payload queue.JobPayload
	if err := json.Unmarshal(msg.Envelope.Data, &payload); err != nil {
		return fmt.Errorf("unmarshal job payload: %w", err)
	}

	job, ok, err := p.store.GetJob(ctx, payload.JobID)
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}
	if !ok {
		p.logger.Printf("skip event %s, job %s not found", msg.Envelope.EventID, payload.JobID)
		return nil
	}
	if store.TerminalStatus(job.Status) {
		p.logger.Printf("skip job %s, already %s", job.ID, job.Status)
		return nil
	}

	attempt, err := p.store.BumpJobAttempt(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("bump attempt: %w", err)
	}
	if attempt > p.opts.MaxAttempts {
		p.failJob(ctx, job, store.FailureMaxAttemptsExceeded,
			fmt.Sprintf("attempt %d exceeds limit %d", attempt, p.opts.MaxAttempts))
		return nil
	}

	// The job ceiling is wall clock from creation, not per attempt.
	deadline := job.CreatedAt.Add(p.opts.JobTimeout)
	if !p.now().Before(deadline) {
		p.failJob(ctx, job, store.FailureTimeout, "job exceeded its time ceiling before processing")
		return nil
	}
	jobCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	fail, err := p.runJob(jobCtx, job)
	if err != nil {
		// A dead job context means the ceiling fired mid-pipeline; record the
		// timeout with the parent context, which is still alive.
		if jobCtx.Err() != nil && ctx.Err() == nil {
			p.failJob(ctx, job, store.FailureTimeout, "job exceeded its time ceiling")
			return nil
		}
		return err
	}
	if fail != nil {
		p.failJob(ctx, job, fail.kind, fail.message)
	}
	return nil
}

// failure is a terminal job outcome classified by runJob.
type failure struct {
	kind    string
	message string
}

// runJob executes one attempt of the pipeline. A non-nil failure is terminal
// for the job; a returned error is infrastructure trouble worth surfacing.
func (p *Processor) runJob(ctx context.Context, job store.Job) (*failure, error) {
	if err := p.store.SetJobStatus(ctx, job.ID, store.JobStatusRunning); err != nil {
		return nil, fmt.Errorf("set running: %w", err)
	}

	timetableText, err := p.documentText(ctx, job, job.TimetableDocID, store.DocumentKindTimetable)
	if err != nil {
		return &failure{kind: store.FailureExtraction, message: err.Error()}, nil
	}
	syllabusText, err := p.documentText(ctx, job, job.SyllabusDocID, store.DocumentKindSyllabus)
	if err != nil {
		return &failure{kind: store.FailureExtraction, message: err.Error()}, nil
	}

	input := planner.PromptInput{
		TimetableText: timetableText,
		SyllabusText:  syllabusText,
		ReferenceDate: job.ReferenceDate,
	}
	if prior, ok, err := p.store.GetLatestPlan(ctx, job.OwnerID); err != nil {
		return nil, fmt.Errorf("get latest plan: %w", err)
	} else if ok {
		input.PriorPlan = &prior
	}
	prompt := planner.BuildPrompt(input, p.opts.PromptMaxChars)
	if err := p.store.SetJobPromptHash(ctx, job.ID, prompt.Hash); err != nil {
		p.logger.Printf("warn: record prompt hash for job %s: %v", job.ID, err)
	}

	result, fail, err := p.generateAndParse(ctx, job, prompt)
	if err != nil || fail != nil {
		return fail, err
	}

	// The job may have been failed by the sweep while the model call ran.
	current, ok, err := p.store.GetJob(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("recheck job: %w", err)
	}
	if !ok || store.TerminalStatus(current.Status) {
		p.logger.Printf("skip commit for job %s, state changed to %s", job.ID, current.Status)
		return nil, nil
	}

	version, err := p.store.NextPlanVersion(ctx, job.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("next plan version: %w", err)
	}
	plan := planner.StudyPlan{
		OwnerID:     job.OwnerID,
		Version:     version,
		GeneratedAt: p.now().UTC(),
		Summary:     result.Summary,
		Tasks:       result.Tasks,
	}
	if _, err := p.store.InsertPlan(ctx, plan, job.ID); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			// Lost a version race; take the next number once more.
			version, err = p.store.NextPlanVersion(ctx, job.OwnerID)
			if err != nil {
				return nil, fmt.Errorf("next plan version after conflict: %w", err)
			}
			plan.Version = version
			if _, err = p.store.InsertPlan(ctx, plan, job.ID); err != nil {
				return nil, fmt.Errorf("insert plan: %w", err)
			}
		} else {
			return nil, fmt.Errorf("insert plan: %w", err)
		}
	}

	if err := p.store.FinishJobSucceeded(ctx, job.ID, plan.Version); err != nil {
		return nil, fmt.Errorf("finish job: %w", err)
	}
	if err := p.store.ReleaseJobSlot(ctx, job.OwnerID, job.ID); err != nil {
		p.logger.Printf("warn: release slot for job %s: %v", job.ID, err)
	}
	if p.jobCounter != nil {
		p.jobCounter.Add(ctx, 1)
	}

	// The plan is committed before any notification leaves the process.
	p.notify(ctx, job.OwnerID, func(url string) {
		p.notifier.PlanReady(ctx, url, plan)
	})
	return nil, nil
}

// generateAndParse calls the model and validates the reply. An empty result
// gets exactly one fresh model call before the job fails.
func (p *Processor) generateAndParse(ctx context.Context, job store.Job, prompt planner.Prompt) (planner.ParseResult, *failure, error) {
	ctx = WithJobRef(ctx, job.ID, prompt.Hash, prompt.Truncated)
	for regen := 0; ; regen++ {
		if err := p.store.SetJobStatus(ctx, job.ID, store.JobStatusAwaitingAI); err != nil {
			return planner.ParseResult{}, nil, fmt.Errorf("set awaiting_ai: %w", err)
		}
		if p.aiCounter != nil {
			p.aiCounter.Add(ctx, 1)
		}
		raw, err := p.ai.Complete(ctx, prompt.Text)
		if err != nil {
			if ctx.Err() != nil {
				return planner.ParseResult{}, nil, fmt.Errorf("model call: %w", err)
			}
			kind, msg := classifyAIFailure(err)
			return planner.ParseResult{}, &failure{kind: kind, message: msg}, nil
		}

		if err := p.store.SetJobStatus(ctx, job.ID, store.JobStatusParsing); err != nil {
			return planner.ParseResult{}, nil, fmt.Errorf("set parsing: %w", err)
		}
		result, err := planner.ParsePlan(raw, job.ReferenceDate, p.opts.MaxTaskMinutes)
		if err == nil {
			return result, nil, nil
		}
		if planner.IsParseKind(err, planner.ParseKindEmptyResult) && regen == 0 {
			p.logger.Printf("job %s produced no valid tasks, requesting one regeneration", job.ID)
			if _, berr := p.store.BumpJobAttempt(ctx, job.ID); berr != nil {
				p.logger.Printf("warn: bump attempt for regeneration: %v", berr)
			}
			continue
		}
		kind := store.FailureParseEmptyResult
		if planner.IsParseKind(err, planner.ParseKindMalformed) {
			kind = store.FailureParseMalformed
		}
		return planner.ParseResult{}, &failure{kind: kind, message: err.Error()}, nil
	}
}

// documentText resolves a source document and returns its extracted text,
// running the extractor and caching the result when needed.
func (p *Processor) documentText(ctx context.Context, job store.Job, docID, kind string) (string, error) {
	var (
		doc store.Document
		ok  bool
		err error
	)
	if docID != "" {
		doc, ok, err = p.store.GetDocument(ctx, docID, job.OwnerID)
	} else {
		doc, ok, err = p.store.GetLatestDocument(ctx, job.OwnerID, kind)
	}
	if err != nil {
		return "", fmt.Errorf("load %s document: %w", kind, err)
	}
	if !ok {
		return "", fmt.Errorf("no %s document available for owner", kind)
	}
	if doc.ExtractedText != "" {
		return doc.ExtractedText, nil
	}

	var res extract.Result
	switch kind {
	case store.DocumentKindTimetable:
		res, err = extract.Timetable(doc.Content, doc.Format)
	default:
		res, err = extract.Syllabus(doc.Content, doc.Format)
	}
	if err != nil {
		return "", fmt.Errorf("extract %s: %w", kind, err)
	}
	if err := p.store.SetDocumentText(ctx, doc.ID, res.Text); err != nil {
		p.logger.Printf("warn: cache extracted text for document %s: %v", doc.ID, err)
	}
	return res.Text, nil
}

// failJob records a terminal failure, frees the owner slot and notifies.
func (p *Processor) failJob(ctx context.Context, job store.Job, kind, message string) {
	if err := p.store.FinishJobFailed(ctx, job.ID, kind, message); err != nil {
		p.logger.Printf("error: finish job %s as failed: %v", job.ID, err)
		return
	}
	if err := p.store.ReleaseJobSlot(ctx, job.OwnerID, job.ID); err != nil {
		p.logger.Printf("warn: release slot for job %s: %v", job.ID, err)
	}
	if p.failCounter != nil {
		p.failCounter.Add(ctx, 1)
	}
	p.logger.Printf("job %s failed: %s: %s", job.ID, kind, message)
	p.notify(ctx, job.OwnerID, func(url string) {
		p.notifier.JobFailed(ctx, url, job.ID, kind)
	})
}

func (p *Processor) notify(ctx context.Context, ownerID string, send func(url string)) {
	if p.notifier == nil {
		return
	}
	settings, ok, err := p.store.GetOwnerSettings(ctx, ownerID)
	if err != nil {
		p.logger.Printf("warn: load owner settings for %s: %v", ownerID, err)
		return
	}
	if !ok || settings.WebhookURL == "" {
		return
	}
	send(settings.WebhookURL)
}

func classifyAIFailure(err error) (string, string) {
	switch {
	case provider.IsKind(err, provider.KindAuthFailure):
		return store.FailureAIAuth, err.Error()
	case provider.IsKind(err, provider.KindQuotaExceeded):
		return store.FailureAIQuota, err.Error()
	default:
		return store.FailureAITransient, err.Error()
	}
}

// sweepLoop periodically requeues stale jobs and reclaims abandoned messages.
func (p *Processor) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(p.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.sweepStale(ctx); err != nil {
				p.logger.Printf("warn: stale sweep failed: %v", err)
			}
			p.reclaimPending(ctx)
		}
	}
}

// sweepStale requeues non-terminal jobs that stopped making progress, or
// fails them once attempts are spent.
func (p *Processor) sweepStale(ctx context.Context) error {
	cutoff := p.now().Add(-p.opts.StaleAfter)
	jobs, err := p.store.ListStaleJobs(ctx, cutoff, 100)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if job.AttemptCount >= p.opts.MaxAttempts {
			p.failJob(ctx, job, store.FailureMaxAttemptsExceeded,
				fmt.Sprintf("stale after %d attempts", job.AttemptCount))
			continue
		}
		if !p.now().Before(job.CreatedAt.Add(p.opts.JobTimeout)) {
			p.failJob(ctx, job, store.FailureTimeout, "stale job past its time ceiling")
			continue
		}
		if err := p.store.SetJobStatus(ctx, job.ID, store.JobStatusQueued); err != nil {
			p.logger.Printf("warn: requeue stale job %s: %v", job.ID, err)
			continue
		}
		if _, err := p.publisher.PublishJob(ctx, queue.JobPayload{
			JobID:   job.ID,
			OwnerID: job.OwnerID,
			Trigger: queue.TriggerRecovery,
		}, job.AttemptCount); err != nil {
			p.logger.Printf("warn: republish stale job %s: %v", job.ID, err)
			continue
		}
		p.logger.Printf("requeued stale job %s (attempt %d)", job.ID, job.AttemptCount)
	}
	return nil
}

// reclaimPending takes over messages another consumer read but never acked.
func (p *Processor) reclaimPending(ctx context.Context) {
	if p.consumer == nil {
		return
	}
	start := "0-0"
	for {
		msgs, next, err := p.consumer.AutoClaim(ctx, p.opts.StaleAfter, start, 16)
		if err != nil {
			p.logger.Printf("warn: autoclaim failed: %v", err)
			return
		}
		for _, msg := range msgs {
			if err := p.handleJob(ctx, msg); err != nil {
				p.logger.Printf("error handling reclaimed message %s: %v", msg.ID, err)
			}
			if err := p.consumer.Ack(ctx, msg.ID); err != nil {
				p.logger.Printf("warn: failed to ack reclaimed message %s: %v", msg.ID, err)
			}
		}
		if next == "0-0" || len(msgs) == 0 {
			return
		}
		start = next
	}
}
