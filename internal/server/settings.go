package server

import (
	"context"
	"net/http"

	"github.com/gorhill/cronexpr"
	"github.com/labstack/echo/v4"

	"github.com/studypilot/studypilot/internal/runtime"
	"github.com/studypilot/studypilot/internal/store"
)

// SettingsStore captures the store surface the settings endpoints need.
type SettingsStore interface {
	UpsertOwnerSettings(ctx context.Context, set store.OwnerSettings) error
	GetOwnerSettings(ctx context.Context, ownerID string) (store.OwnerSettings, bool, error)
}

// SettingsHandler manages per-owner notification and scheduling preferences.
type SettingsHandler struct {
	Store SettingsStore
}

func (h *SettingsHandler) Register(g *echo.Group, secret []byte) {
	auth := runtime.EchoAuthMiddleware(secret)
	g.GET("", h.get, auth)
	g.PUT("", h.put, auth)
}

type settingsBody struct {
	WebhookURL   string `json:"webhook_url"`
	ScheduleCron string `json:"schedule_cron"`
	AutoGenerate bool   `json:"auto_generate"`
}

func (h *SettingsHandler) get(c echo.Context) error {
	ownerID, _ := c.Get("owner_id").(string)
	set, ok, err := h.Store.GetOwnerSettings(c.Request().Context(), ownerID)
	if err != nil {
		return err
	}
	if !ok {
		return c.JSON(http.StatusOK, settingsBody{})
	}
	return c.JSON(http.StatusOK, settingsBody{
		WebhookURL:   set.WebhookURL,
		ScheduleCron: set.ScheduleCron,
		AutoGenerate: set.AutoGenerate,
	})
}

func (h *SettingsHandler) put(c echo.Context) error {
	ownerID, _ := c.Get("owner_id").(string)
	var body settingsBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if body.ScheduleCron != "" {
		if _, err := cronexpr.Parse(body.ScheduleCron); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid schedule_cron expression")
		}
	}
	if body.AutoGenerate && body.ScheduleCron == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "auto_generate requires schedule_cron")
	}
	if err := h.Store.UpsertOwnerSettings(c.Request().Context(), store.OwnerSettings{
		OwnerID:      ownerID,
		WebhookURL:   body.WebhookURL,
		ScheduleCron: body.ScheduleCron,
		AutoGenerate: body.AutoGenerate,
	}); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, body)
}
