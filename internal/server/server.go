package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/studypilot/studypilot/config"
	"github.com/studypilot/studypilot/internal/queue"
	"github.com/studypilot/studypilot/internal/runtime"
	"github.com/studypilot/studypilot/internal/store"
)

// Run wires dependencies and serves the API until the listener fails.
func Run(cfg *config.Config) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(200, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	ctx := context.Background()
	dsn, err := runtime.BuildPostgresDSN(cfg)
	if err != nil {
		return err
	}
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
		baseLogger.Printf("warn: migrate: %v", err)
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     runtime.BuildRedisAddr(cfg),
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed (%s): %w", runtime.BuildRedisAddr(cfg), err)
	}
	if err := queue.EnsureGroup(ctx, rdb); err != nil {
		return err
	}
	registry, err := queue.NewSchemaRegistry()
	if err != nil {
		return err
	}
	publisher := queue.NewPublisher(rdb, registry, 10000)

	secret, err := runtime.LoadJWTSecret(cfg)
	if err != nil {
		return err
	}

	api := e.Group("/api")

	jh := &JobsHandler{Store: st, Publisher: publisher}
	jh.Register(api, secret)

	ph := &PlansHandler{Store: st}
	ph.Register(api.Group("/plans"), secret)

	dh := &DocumentsHandler{Store: st}
	dh.Register(api.Group("/documents"), secret)

	sh := &SettingsHandler{Store: st}
	sh.Register(api.Group("/settings"), secret)

	oh := &OpsHandler{Rdb: rdb}
	oh.Register(api.Group("/ops"), secret)

	if cfg.Scheduler.Enabled {
		sched := &Scheduler{
			Store:     st,
			Publisher: publisher,
			Rdb:       rdb,
			Cfg:       cfg.Scheduler,
			Logger:    log.New(log.Writer(), "[SCHED] ", log.LstdFlags),
		}
		sched.Start()
		defer sched.Close()
	}

	return e.Start(cfg.Server.Address)
}
