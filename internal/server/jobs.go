package server

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/studypilot/studypilot/internal/planner"
	"github.com/studypilot/studypilot/internal/queue"
	"github.com/studypilot/studypilot/internal/runtime"
	"github.com/studypilot/studypilot/internal/store"
)

// JobStore captures the store surface the job endpoints need.
type JobStore interface {
	TryClaimJobSlot(ctx context.Context, ownerID, jobID string) (string, bool, error)
	ReleaseJobSlot(ctx context.Context, ownerID, jobID string) error
	CreateJob(ctx context.Context, job store.Job) error
	GetJob(ctx context.Context, id string) (store.Job, bool, error)
	GetDocument(ctx context.Context, id, ownerID string) (store.Document, bool, error)
	GetLatestDocument(ctx context.Context, ownerID, kind string) (store.Document, bool, error)
	ListExchangesByJob(ctx context.Context, jobID string) ([]store.Exchange, error)
}

// JobPublisher enqueues job events.
type JobPublisher interface {
	PublishJob(ctx context.Context, payload queue.JobPayload, attempt int) (string, error)
}

// JobsHandler exposes plan generation submission and job status.
type JobsHandler struct {
	Store     JobStore
	Publisher JobPublisher
}

func (h *JobsHandler) Register(g *echo.Group, secret []byte) {
	auth := runtime.EchoAuthMiddleware(secret)
	g.POST("/plans/generate", h.generate, auth)
	g.GET("/jobs/:job_id", h.getJob, auth)
	g.GET("/jobs/:job_id/exchanges", h.listExchanges, auth)
}

type generateRequest struct {
	TimetableDocumentID string `json:"timetable_document_id"`
	SyllabusDocumentID  string `json:"syllabus_document_id"`
	ReferenceDate       string `json:"reference_date"`
}

type generateResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type jobResponse struct {
	JobID          string `json:"job_id"`
	Status         string `json:"status"`
	AttemptCount   int    `json:"attempt_count"`
	FailureKind    string `json:"failure_kind,omitempty"`
	FailureMessage string `json:"failure_message,omitempty"`
	PlanVersion    int    `json:"plan_version,omitempty"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

// generate submits a plan generation job. One active job per owner; a second
// submission returns 409 with the id of the job already holding the slot.
func (h *JobsHandler) generate(c echo.Context) error {
	ownerID, _ := c.Get("owner_id").(string)
	ctx := c.Request().Context()

	var req generateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	refDate := time.Now().UTC().Truncate(24 * time.Hour)
	if req.ReferenceDate != "" {
		parsed, err := time.Parse(planner.DateLayout, req.ReferenceDate)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "reference_date must be YYYY-MM-DD")
		}
		refDate = parsed
	}

	if err := h.checkDocument(ctx, ownerID, req.TimetableDocumentID, store.DocumentKindTimetable); err != nil {
		return err
	}
	if err := h.checkDocument(ctx, ownerID, req.SyllabusDocumentID, store.DocumentKindSyllabus); err != nil {
		return err
	}

	jobID := uuid.NewString()
	holder, claimed, err := h.Store.TryClaimJobSlot(ctx, ownerID, jobID)
	if err != nil {
		return err
	}
	if !claimed {
		return c.JSON(http.StatusConflict, map[string]string{
			"error":  "a plan generation job is already in progress",
			"job_id": holder,
		})
	}

	if err := h.Store.CreateJob(ctx, store.Job{
		ID:             jobID,
		OwnerID:        ownerID,
		TimetableDocID: req.TimetableDocumentID,
		SyllabusDocID:  req.SyllabusDocumentID,
		ReferenceDate:  refDate,
	}); err != nil {
		_ = h.Store.ReleaseJobSlot(ctx, ownerID, jobID)
		return err
	}

	if _, err := h.Publisher.PublishJob(ctx, queue.JobPayload{
		JobID:   jobID,
		OwnerID: ownerID,
		Trigger: queue.TriggerManual,
	}, 0); err != nil {
		// The job row exists; the stale sweep will republish it.
		c.Logger().Warnf("publish job %s: %v", jobID, err)
	}

	return c.JSON(http.StatusAccepted, generateResponse{JobID: jobID, Status: store.JobStatusQueued})
}

// checkDocument verifies a referenced or implied source document exists.
func (h *JobsHandler) checkDocument(ctx context.Context, ownerID, docID, kind string) error {
	if docID != "" {
		_, ok, err := h.Store.GetDocument(ctx, docID, ownerID)
		if err != nil {
			return err
		}
		if !ok {
			return echo.NewHTTPError(http.StatusBadRequest, kind+" document not found")
		}
		return nil
	}
	_, ok, err := h.Store.GetLatestDocument(ctx, ownerID, kind)
	if err != nil {
		return err
	}
	if !ok {
		return echo.NewHTTPError(http.StatusBadRequest, "no "+kind+" document uploaded")
	}
	return nil
}

func (h *JobsHandler) getJob(c echo.Context) error {
	ownerID, _ := c.Get("owner_id").(string)
	job, ok, err := h.Store.GetJob(c.Request().Context(), c.Param("job_id"))
	if err != nil {
		return err
	}
	if !ok || job.OwnerID != ownerID {
		return echo.NewHTTPError(http.StatusNotFound, "job not found")
	}
	return c.JSON(http.StatusOK, jobResponse{
		JobID:          job.ID,
		Status:         job.Status,
		AttemptCount:   job.AttemptCount,
		FailureKind:    job.FailureKind,
		FailureMessage: job.FailureMessage,
		PlanVersion:    job.PlanVersion,
		CreatedAt:      job.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:      job.UpdatedAt.UTC().Format(time.RFC3339),
	})
}

type exchangeResponse struct {
	Attempt         int    `json:"attempt"`
	StatusCode      int    `json:"status_code"`
	DurationMS      int64  `json:"duration_ms"`
	PromptHash      string `json:"prompt_hash,omitempty"`
	PromptTruncated bool   `json:"prompt_truncated"`
	Error           string `json:"error,omitempty"`
	CreatedAt       string `json:"created_at"`
}

func (h *JobsHandler) listExchanges(c echo.Context) error {
	ownerID, _ := c.Get("owner_id").(string)
	ctx := c.Request().Context()
	job, ok, err := h.Store.GetJob(ctx, c.Param("job_id"))
	if err != nil {
		return err
	}
	if !ok || job.OwnerID != ownerID {
		return echo.NewHTTPError(http.StatusNotFound, "job not found")
	}
	exchanges, err := h.Store.ListExchangesByJob(ctx, job.ID)
	if err != nil {
		return err
	}
	out := make([]exchangeResponse, 0, len(exchanges))
	for _, ex := range exchanges {
		out = append(out, exchangeResponse{
			Attempt:         ex.Attempt,
			StatusCode:      ex.StatusCode,
			DurationMS:      ex.Duration.Milliseconds(),
			PromptHash:      ex.PromptHash,
			PromptTruncated: ex.PromptTruncated,
			Error:           ex.Error,
			CreatedAt:       ex.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"job_id": job.ID, "exchanges": out})
}
