package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/studypilot/studypilot/config"
	"github.com/studypilot/studypilot/internal/notify"
	"github.com/studypilot/studypilot/internal/provider/gemini"
	"github.com/studypilot/studypilot/internal/queue"
	"github.com/studypilot/studypilot/internal/runtime"
	"github.com/studypilot/studypilot/internal/store"
	"github.com/studypilot/studypilot/internal/worker"
)

func workerCMD() *cobra.Command {
	var cfgPath string
	var consumerName string
	var wrk = &cobra.Command{
		Use:   "worker",
		Short: "Run the plan generation worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			logger := log.New(os.Stdout, "[WORKER] ", log.LstdFlags)

			telemetry, meter, err := runtime.SetupTelemetry(ctx, cfg.Telemetry, runtime.TelemetryOptions{
				ServiceName:    "worker",
				ServiceVersion: "dev",
				MetricsPort:    cfg.Telemetry.MetricsPort,
			})
			if err != nil {
				return fmt.Errorf("worker telemetry init: %w", err)
			}
			defer func() {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				_ = telemetry.Shutdown(shutdownCtx)
			}()

			dsn, err := runtime.BuildPostgresDSN(cfg)
			if err != nil {
				return err
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

			if consumerName == "" {
				host, err := os.Hostname()
				if err != nil {
					host = "worker"
				}
				consumerName = fmt.Sprintf("%s-%d", host, os.Getpid())
			}

			publisher := queue.NewPublisher(rdb, registry, 10000)
			consumer := queue.NewConsumer(rdb, registry, consumerName)

			recorder := worker.NewExchangeRecorder(st, logger)
			ai := gemini.NewClient(gemini.Config{
				Endpoint:    cfg.AI.Endpoint,
				APIKey:      cfg.AI.APIKey,
				Model:       cfg.AI.Model,
				Temperature: cfg.AI.Temperature,
				MaxTokens:   cfg.AI.MaxTokens,
				Timeout:     cfg.AI.Timeout,
				MaxRetries:  cfg.AI.MaxRetries,
				BackoffBase: cfg.AI.BackoffBase,
			}, recorder)

			notifier := notify.NewWebhook(cfg.Notifier.Timeout, logger)

			proc := worker.NewProcessor(logger, st, publisher, consumer, ai, notifier, worker.Options{
				MaxAttempts:    cfg.Jobs.MaxAttempts,
				JobTimeout:     cfg.Jobs.JobTimeout,
				StaleAfter:     cfg.Jobs.StaleAfter,
				SweepInterval:  cfg.Jobs.SweepInterval,
				PromptMaxChars: cfg.Jobs.PromptMaxChars,
				MaxTaskMinutes: cfg.Jobs.MaxTaskMinutes,
			}, meter)

			return proc.Start(ctx)
		},
	}
	wrk.Flags().StringVar(&consumerName, "name", "", "consumer name (default hostname-pid)")
	wrk.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return wrk
}
