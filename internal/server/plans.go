package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/studypilot/studypilot/internal/planner"
	"github.com/studypilot/studypilot/internal/runtime"
)

// PlanStore captures the store surface the plan endpoints need.
type PlanStore interface {
	GetLatestPlan(ctx context.Context, ownerID string) (planner.StudyPlan, bool, error)
	GetPlanByVersion(ctx context.Context, ownerID string, version int) (planner.StudyPlan, bool, error)
}

// PlansHandler serves committed study plans.
type PlansHandler struct {
	Store PlanStore
}

func (h *PlansHandler) Register(g *echo.Group, secret []byte) {
	auth := runtime.EchoAuthMiddleware(secret)
	g.GET("/latest", h.latest, auth)
	g.GET("/:version", h.byVersion, auth)
}

type taskResponse struct {
	Date            string `json:"date"`
	Subject         string `json:"subject"`
	Description     string `json:"description"`
	DurationMinutes int    `json:"duration_minutes"`
	Priority        string `json:"priority"`
}

type planResponse struct {
	ID          string         `json:"id"`
	Version     int            `json:"version"`
	Summary     string         `json:"summary"`
	GeneratedAt string         `json:"generated_at"`
	Tasks       []taskResponse `json:"tasks"`
}

func (h *PlansHandler) latest(c echo.Context) error {
	ownerID, _ := c.Get("owner_id").(string)
	plan, ok, err := h.Store.GetLatestPlan(c.Request().Context(), ownerID)
	if err != nil {
		return err
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no plan generated yet")
	}
	return c.JSON(http.StatusOK, renderPlan(plan))
}

func (h *PlansHandler) byVersion(c echo.Context) error {
	ownerID, _ := c.Get("owner_id").(string)
	version, err := strconv.Atoi(c.Param("version"))
	if err != nil || version < 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "version must be a positive integer")
	}
	plan, ok, err := h.Store.GetPlanByVersion(c.Request().Context(), ownerID, version)
	if err != nil {
		return err
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "plan version not found")
	}
	return c.JSON(http.StatusOK, renderPlan(plan))
}

func renderPlan(plan planner.StudyPlan) planResponse {
	tasks := make([]taskResponse, 0, len(plan.Tasks))
	for _, t := range plan.Tasks {
		tasks = append(tasks, taskResponse{
			Date:            t.Date.Format(planner.DateLayout),
			Subject:         t.Subject,
			Description:     t.Description,
			DurationMinutes: t.EstimatedMinutes,
			Priority:        t.Priority.String(),
		})
	}
	return planResponse{
		ID:          plan.ID,
		Version:     plan.Version,
		Summary:     plan.Summary,
		GeneratedAt: plan.GeneratedAt.UTC().Format(time.RFC3339),
		Tasks:       tasks,
	}
}
