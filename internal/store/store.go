package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/studypilot/studypilot/internal/planner"
)

// Store wraps the Postgres connection used by the API server and workers.
type Store struct {
	DB *sql.DB
}

// Job statuses persisted for plan generation.
const (
	JobStatusQueued     = "queued"
	JobStatusRunning    = "running"
	JobStatusAwaitingAI = "awaiting_ai"
	JobStatusParsing    = "parsing"
	JobStatusSucceeded  = "succeeded"
	JobStatusFailed     = "failed"
)

// Failure kinds recorded on failed jobs.
const (
	FailureExtraction          = "extraction"
	FailureAIAuth              = "ai_auth_failure"
	FailureAIQuota             = "ai_quota_exceeded"
	FailureAITransient         = "ai_transient"
	FailureParseMalformed      = "parse_malformed"
	FailureParseEmptyResult    = "parse_empty_result"
	FailureMaxAttemptsExceeded = "max_attempts_exceeded"
	FailureTimeout             = "timeout"
)

// Source document kinds.
const (
	DocumentKindTimetable = "timetable"
	DocumentKindSyllabus  = "syllabus"
)

// TerminalStatus reports whether a job status can no longer change.
func TerminalStatus(status string) bool {
	return status == JobStatusSucceeded || status == JobStatusFailed
}

// Document is a stored source document plus its extracted text, if any.
type Document struct {
	ID            string
	OwnerID       string
	Kind          string
	Format        string
	Content       []byte
	ExtractedText string
	CreatedAt     time.Time
}

// Job is one plan generation job record.
type Job struct {
	ID             string
	OwnerID        string
	Status         string
	AttemptCount   int
	FailureKind    string
	FailureMessage string
	TimetableDocID string
	SyllabusDocID  string
	ReferenceDate  time.Time
	PromptHash     string
	PlanVersion    int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Exchange is one recorded round trip against the upstream model.
type Exchange struct {
	ID              int64
	JobID           string
	Attempt         int
	StatusCode      int
	Duration        time.Duration
	PromptHash      string
	PromptTruncated bool
	Response        string
	Error           string
	CreatedAt       time.Time
}

// OwnerSettings holds per-owner notification and scheduling preferences.
type OwnerSettings struct {
	OwnerID      string
	WebhookURL   string
	ScheduleCron string
	AutoGenerate bool
	UpdatedAt    time.Time
}

// ErrVersionConflict is returned when a plan insert loses a version race.
var ErrVersionConflict = errors.New("plan version already exists")

func New(ctx context.Context) (*Store, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		host := getenvDefault("POSTGRES_HOST", "localhost")
		port := getenvDefault("POSTGRES_PORT", "5432")
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		db := os.Getenv("POSTGRES_DB")
		ssl := getenvDefault("POSTGRES_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

// Document operations

func (s *Store) InsertDocument(ctx context.Context, doc Document) (string, error) {
	if doc.OwnerID == "" || doc.Kind == "" {
		return "", fmt.Errorf("owner_id and kind must be provided")
	}
	var id string
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO source_documents (owner_id, kind, format, content, extracted_text)
VALUES ($1,$2,$3,$4,$5) RETURNING id::text`,
		doc.OwnerID, doc.Kind, doc.Format, doc.Content, nullableString(doc.ExtractedText)).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("insert document: %w", err)
	}
	return id, nil
}

func (s *Store) GetDocument(ctx context.Context, id, ownerID string) (Document, bool, error) {
	var (
		doc       Document
		extracted sql.NullString
	)
	err := s.DB.QueryRowContext(ctx, `
SELECT id::text, owner_id, kind, format, content, extracted_text, created_at
FROM source_documents WHERE id = $1 AND owner_id = $2`, id, ownerID).
		Scan(&doc.ID, &doc.OwnerID, &doc.Kind, &doc.Format, &doc.Content, &extracted, &doc.CreatedAt)
	if err == sql.ErrNoRows {
		return Document{}, false, nil
	}
	if err != nil {
		return Document{}, false, err
	}
	doc.ExtractedText = extracted.String
	return doc, true, nil
}

// GetLatestDocument returns the owner's most recent document of a kind.
func (s *Store) GetLatestDocument(ctx context.Context, ownerID, kind string) (Document, bool, error) {
	var (
		doc       Document
		extracted sql.NullString
	)
	err := s.DB.QueryRowContext(ctx, `
SELECT id::text, owner_id, kind, format, content, extracted_text, created_at
FROM source_documents WHERE owner_id = $1 AND kind = $2
ORDER BY created_at DESC LIMIT 1`, ownerID, kind).
		Scan(&doc.ID, &doc.OwnerID, &doc.Kind, &doc.Format, &doc.Content, &extracted, &doc.CreatedAt)
	if err == sql.ErrNoRows {
		return Document{}, false, nil
	}
	if err != nil {
		return Document{}, false, err
	}
	doc.ExtractedText = extracted.String
	return doc, true, nil
}

// SetDocumentText caches the extracted text so re-runs skip extraction.
func (s *Store) SetDocumentText(ctx context.Context, id, text string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE source_documents SET extracted_text = $2 WHERE id = $1`, id, text)
	return err
}

// Job operations

func (s *Store) CreateJob(ctx context.Context, job Job) error {
	if job.ID == "" || job.OwnerID == "" {
		return fmt.Errorf("job id and owner_id must be provided")
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO plan_jobs (id, owner_id, status, attempt_count, timetable_doc_id, syllabus_doc_id, reference_date)
VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		job.ID, job.OwnerID, JobStatusQueued, 0,
		nullableString(job.TimetableDocID), nullableString(job.SyllabusDocID), job.ReferenceDate)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (Job, bool, error) {
	var (
		job                                  Job
		failKind, failMsg, tdoc, sdoc, phash sql.NullString
		planVersion                          sql.NullInt64
	)
	err := s.DB.QueryRowContext(ctx, `
SELECT id, owner_id, status, attempt_count, failure_kind, failure_message,
       timetable_doc_id::text, syllabus_doc_id::text, reference_date, prompt_hash, plan_version,
       created_at, updated_at
FROM plan_jobs WHERE id = $1`, id).
		Scan(&job.ID, &job.OwnerID, &job.Status, &job.AttemptCount, &failKind, &failMsg,
			&tdoc, &sdoc, &job.ReferenceDate, &phash, &planVersion, &job.CreatedAt, &job.UpdatedAt)
	if err == sql.ErrNoRows {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	job.FailureKind = failKind.String
	job.FailureMessage = failMsg.String
	job.TimetableDocID = tdoc.String
	job.SyllabusDocID = sdoc.String
	job.PromptHash = phash.String
	job.PlanVersion = int(planVersion.Int64)
	return job, true, nil
}

// SetJobStatus moves a non-terminal job to the given status.
func (s *Store) SetJobStatus(ctx context.Context, id, status string) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE plan_jobs SET status = $2, updated_at = NOW()
WHERE id = $1 AND status NOT IN ($3,$4)`,
		id, status, JobStatusSucceeded, JobStatusFailed)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("job %s is terminal or missing", id)
	}
	return nil
}

// BumpJobAttempt increments the attempt counter and returns the new value.
func (s *Store) BumpJobAttempt(ctx context.Context, id string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `
UPDATE plan_jobs SET attempt_count = attempt_count + 1, updated_at = NOW()
WHERE id = $1 RETURNING attempt_count`, id).Scan(&n)
	return n, err
}

// SetJobPromptHash records the hash of the prompt sent upstream.
func (s *Store) SetJobPromptHash(ctx context.Context, id, hash string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE plan_jobs SET prompt_hash = $2, updated_at = NOW() WHERE id = $1`, id, hash)
	return err
}

// FinishJobSucceeded marks the job done and links the committed plan version.
func (s *Store) FinishJobSucceeded(ctx context.Context, id string, planVersion int) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE plan_jobs SET status = $2, plan_version = $3, failure_kind = NULL, failure_message = NULL, updated_at = NOW()
WHERE id = $1`, id, JobStatusSucceeded, planVersion)
	return err
}

// FinishJobFailed marks the job failed with a typed reason.
func (s *Store) FinishJobFailed(ctx context.Context, id, kind, message string) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE plan_jobs SET status = $2, failure_kind = $3, failure_message = $4, updated_at = NOW()
WHERE id = $1`, id, JobStatusFailed, kind, message)
	return err
}

// ListStaleJobs returns non-terminal jobs untouched since the cutoff.
func (s *Store) ListStaleJobs(ctx context.Context, cutoff time.Time, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, owner_id, status, attempt_count, reference_date, created_at, updated_at
FROM plan_jobs
WHERE status NOT IN ($1,$2) AND updated_at < $3
ORDER BY updated_at ASC LIMIT $4`,
		JobStatusSucceeded, JobStatusFailed, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.OwnerID, &j.Status, &j.AttemptCount, &j.ReferenceDate, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// Owner exclusivity

// TryClaimJobSlot atomically claims the per-owner active slot. It returns the
// holding job id and false when another job already owns the slot.
func (s *Store) TryClaimJobSlot(ctx context.Context, ownerID, jobID string) (string, bool, error) {
	var holder string
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO job_slots (owner_id, job_id, claimed_at) VALUES ($1,$2,NOW())
ON CONFLICT (owner_id) DO NOTHING RETURNING job_id`, ownerID, jobID).Scan(&holder)
	if err == nil {
		return holder, true, nil
	}
	if err != sql.ErrNoRows {
		return "", false, err
	}
	err = s.DB.QueryRowContext(ctx, `SELECT job_id FROM job_slots WHERE owner_id = $1`, ownerID).Scan(&holder)
	if err == sql.ErrNoRows {
		// Slot released between the insert and the read; treat as a lost race.
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return holder, false, nil
}

// ReleaseJobSlot frees the owner slot, but only for the job that holds it.
func (s *Store) ReleaseJobSlot(ctx context.Context, ownerID, jobID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM job_slots WHERE owner_id = $1 AND job_id = $2`, ownerID, jobID)
	return err
}

// Plan operations

// NextPlanVersion returns the version number the owner's next plan should use.
func (s *Store) NextPlanVersion(ctx context.Context, ownerID string) (int, error) {
	var next int
	err := s.DB.QueryRowContext(ctx, `
SELECT COALESCE(MAX(version), 0) + 1 FROM study_plans WHERE owner_id = $1`, ownerID).Scan(&next)
	return next, err
}

// InsertPlan commits an immutable plan version. A unique violation on
// (owner_id, version) is surfaced as ErrVersionConflict.
func (s *Store) InsertPlan(ctx context.Context, plan planner.StudyPlan, jobID string) (string, error) {
	tasks, err := json.Marshal(plan.Tasks)
	if err != nil {
		return "", fmt.Errorf("marshal plan tasks: %w", err)
	}
	var id string
	err = s.DB.QueryRowContext(ctx, `
INSERT INTO study_plans (owner_id, version, job_id, summary, tasks, generated_at)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING id::text`,
		plan.OwnerID, plan.Version, jobID, plan.Summary, tasks, plan.GeneratedAt).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return "", ErrVersionConflict
		}
		return "", fmt.Errorf("insert plan: %w", err)
	}
	return id, nil
}

func (s *Store) GetLatestPlan(ctx context.Context, ownerID string) (planner.StudyPlan, bool, error) {
	return s.scanPlan(s.DB.QueryRowContext(ctx, `
SELECT id::text, owner_id, version, summary, tasks, generated_at
FROM study_plans WHERE owner_id = $1
ORDER BY version DESC LIMIT 1`, ownerID))
}

func (s *Store) GetPlanByVersion(ctx context.Context, ownerID string, version int) (planner.StudyPlan, bool, error) {
	return s.scanPlan(s.DB.QueryRowContext(ctx, `
SELECT id::text, owner_id, version, summary, tasks, generated_at
FROM study_plans WHERE owner_id = $1 AND version = $2`, ownerID, version))
}

func (s *Store) scanPlan(row *sql.Row) (planner.StudyPlan, bool, error) {
	var (
		plan  planner.StudyPlan
		tasks []byte
	)
	err := row.Scan(&plan.ID, &plan.OwnerID, &plan.Version, &plan.Summary, &tasks, &plan.GeneratedAt)
	if err == sql.ErrNoRows {
		return planner.StudyPlan{}, false, nil
	}
	if err != nil {
		return planner.StudyPlan{}, false, err
	}
	if err := json.Unmarshal(tasks, &plan.Tasks); err != nil {
		return planner.StudyPlan{}, false, fmt.Errorf("unmarshal plan tasks: %w", err)
	}
	return plan, true, nil
}

// AI exchange audit

func (s *Store) InsertExchange(ctx context.Context, ex Exchange) error {
	if ex.JobID == "" {
		return fmt.Errorf("job_id must be provided")
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO ai_exchanges (job_id, attempt, status_code, duration_ms, prompt_hash, prompt_truncated, response, error)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		ex.JobID, ex.Attempt, ex.StatusCode, ex.Duration.Milliseconds(),
		nullableString(ex.PromptHash), ex.PromptTruncated, nullableString(ex.Response), nullableString(ex.Error))
	return err
}

func (s *Store) ListExchangesByJob(ctx context.Context, jobID string) ([]Exchange, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, job_id, attempt, status_code, duration_ms, prompt_hash, prompt_truncated, response, error, created_at
FROM ai_exchanges WHERE job_id = $1 ORDER BY id ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Exchange
	for rows.Next() {
		var (
			ex                   Exchange
			durMS                int64
			phash, resp, errText sql.NullString
		)
		if err := rows.Scan(&ex.ID, &ex.JobID, &ex.Attempt, &ex.StatusCode, &durMS, &phash, &ex.PromptTruncated, &resp, &errText, &ex.CreatedAt); err != nil {
			return nil, err
		}
		ex.Duration = time.Duration(durMS) * time.Millisecond
		ex.PromptHash = phash.String
		ex.Response = resp.String
		ex.Error = errText.String
		out = append(out, ex)
	}
	return out, rows.Err()
}

// Idempotency

// ClaimIdempotency attempts to register a processed event. It returns false if the key already exists.
func (s *Store) ClaimIdempotency(ctx context.Context, scope, key string) (bool, error) {
	if scope == "" || key == "" {
		return false, fmt.Errorf("scope and key must be provided")
	}
	var inserted bool
	err := s.DB.QueryRowContext(ctx, `INSERT INTO idempotency_keys (scope, key) VALUES ($1,$2) ON CONFLICT DO NOTHING RETURNING true`, scope, key).Scan(&inserted)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// Owner settings

func (s *Store) UpsertOwnerSettings(ctx context.Context, set OwnerSettings) error {
	if set.OwnerID == "" {
		return fmt.Errorf("owner_id must be provided")
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO owner_settings (owner_id, webhook_url, schedule_cron, auto_generate, updated_at)
VALUES ($1,$2,$3,$4,NOW())
ON CONFLICT (owner_id) DO UPDATE SET
  webhook_url   = EXCLUDED.webhook_url,
  schedule_cron = EXCLUDED.schedule_cron,
  auto_generate = EXCLUDED.auto_generate,
  updated_at    = NOW();
`, set.OwnerID, nullableString(set.WebhookURL), nullableString(set.ScheduleCron), set.AutoGenerate)
	return err
}

func (s *Store) GetOwnerSettings(ctx context.Context, ownerID string) (OwnerSettings, bool, error) {
	var (
		set           OwnerSettings
		webhook, cron sql.NullString
	)
	err := s.DB.QueryRowContext(ctx, `
SELECT owner_id, webhook_url, schedule_cron, auto_generate, updated_at
FROM owner_settings WHERE owner_id = $1`, ownerID).
		Scan(&set.OwnerID, &webhook, &cron, &set.AutoGenerate, &set.UpdatedAt)
	if err == sql.ErrNoRows {
		return OwnerSettings{}, false, nil
	}
	if err != nil {
		return OwnerSettings{}, false, err
	}
	set.WebhookURL = webhook.String
	set.ScheduleCron = cron.String
	return set, true, nil
}

// ListScheduledOwners returns owners with auto generation enabled.
func (s *Store) ListScheduledOwners(ctx context.Context) ([]OwnerSettings, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT owner_id, webhook_url, schedule_cron, auto_generate, updated_at
FROM owner_settings WHERE auto_generate = TRUE AND schedule_cron IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []OwnerSettings
	for rows.Next() {
		var (
			set           OwnerSettings
			webhook, cron sql.NullString
		)
		if err := rows.Scan(&set.OwnerID, &webhook, &cron, &set.AutoGenerate, &set.UpdatedAt); err != nil {
			return nil, err
		}
		set.WebhookURL = webhook.String
		set.ScheduleCron = cron.String
		out = append(out, set)
	}
	return out, rows.Err()
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return err != nil && strings.Contains(err.Error(), "duplicate key")
}
