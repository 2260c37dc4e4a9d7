package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/studypilot/studypilot/internal/queue"
	"github.com/studypilot/studypilot/internal/runtime"
)

// OpsHandler exposes operational introspection of the job queue.
type OpsHandler struct {
	Rdb *redis.Client
}

func (h *OpsHandler) Register(g *echo.Group, secret []byte) {
	auth := runtime.EchoAuthMiddleware(secret)
	g.GET("/queue_lag", h.queueLag, auth)
}

func (h *OpsHandler) queueLag(c echo.Context) error {
	metrics, err := queue.GroupLag(c.Request().Context(), h.Rdb)
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"stream":         queue.JobStream,
		"group":          queue.JobGroup,
		"pending":        metrics.Pending,
		"lag":            metrics.Lag,
		"consumers":      metrics.Consumers,
		"oldest_idle_ms": metrics.OldestIdle.Milliseconds(),
	})
}
