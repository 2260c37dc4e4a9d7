package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the study plan service
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	AI        AIConfig        `mapstructure:"ai"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Notifier  NotifierConfig  `mapstructure:"notifier"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

func (s ServerConfig) Validate() error {
	if strings.TrimSpace(s.Address) == "" {
		return fmt.Errorf("server.address required")
	}
	return nil
}

// AIConfig contains the upstream model client settings
type AIConfig struct {
	Endpoint    string        `mapstructure:"endpoint"`
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	Temperature float64       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxRetries  int           `mapstructure:"max_retries"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
}

func (a AIConfig) Validate() error {
	if strings.TrimSpace(a.APIKey) == "" {
		return fmt.Errorf("ai.api_key required")
	}
	if strings.TrimSpace(a.Model) == "" {
		return fmt.Errorf("ai.model required")
	}
	if a.MaxRetries < 0 {
		return fmt.Errorf("ai.max_retries must be >= 0")
	}
	return nil
}

// JobsConfig bounds plan generation job processing
type JobsConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	JobTimeout     time.Duration `mapstructure:"job_timeout"`
	StaleAfter     time.Duration `mapstructure:"stale_after"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	PromptMaxChars int           `mapstructure:"prompt_max_chars"`
	MaxTaskMinutes int           `mapstructure:"max_task_minutes"`
}

func (j JobsConfig) Validate() error {
	if j.MaxAttempts <= 0 {
		return fmt.Errorf("jobs.max_attempts must be > 0")
	}
	if j.JobTimeout <= 0 {
		return fmt.Errorf("jobs.job_timeout must be > 0")
	}
	if j.StaleAfter <= 0 {
		return fmt.Errorf("jobs.stale_after must be > 0")
	}
	return nil
}

// NotifierConfig controls webhook delivery
type NotifierConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// SchedulerConfig controls automatic plan regeneration
type SchedulerConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	DefaultCron string        `mapstructure:"default_cron"`
	LockTTL     time.Duration `mapstructure:"lock_ttl"`
	Tick        time.Duration `mapstructure:"tick"`
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.Port) == "" {
		return fmt.Errorf("storage.postgres.port required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// TelemetryConfig contains metrics settings
type TelemetryConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	MetricsPort int  `mapstructure:"metrics_port"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort <= 0 {
		return fmt.Errorf("telemetry.metrics_port must be > 0 when telemetry is enabled")
	}
	return nil
}

// LoadConfig reads configuration from file and environment. It panics on
// missing or invalid configuration since nothing can run without it.
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")

	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("server.address", ":10001")
	viper.SetDefault("ai.endpoint", "https://generativelanguage.googleapis.com")
	viper.SetDefault("ai.model", "gemini-1.5-flash")
	viper.SetDefault("ai.temperature", 0.3)
	viper.SetDefault("ai.timeout", "30s")
	viper.SetDefault("ai.max_retries", 2)
	viper.SetDefault("ai.backoff_base", "1s")
	viper.SetDefault("jobs.max_attempts", 3)
	viper.SetDefault("jobs.job_timeout", "5m")
	viper.SetDefault("jobs.stale_after", "10m")
	viper.SetDefault("jobs.sweep_interval", "1m")
	viper.SetDefault("jobs.prompt_max_chars", 24000)
	viper.SetDefault("jobs.max_task_minutes", 480)
	viper.SetDefault("notifier.timeout", "10s")
	viper.SetDefault("scheduler.enabled", false)
	viper.SetDefault("scheduler.default_cron", "0 6 * * *")
	viper.SetDefault("scheduler.lock_ttl", "10m")
	viper.SetDefault("scheduler.tick", "30s")
	viper.SetDefault("telemetry.enabled", true)
	viper.SetDefault("telemetry.metrics_port", 9090)

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("STUDYPILOT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Config file is optional; env vars and defaults can carry a deployment.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(fmt.Errorf("fatal error config file: %w", err))
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	if err := config.Server.Validate(); err != nil {
		panic(err)
	}
	if err := config.AI.Validate(); err != nil {
		panic(err)
	}
	if err := config.Jobs.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Redis.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Postgres.Validate(); err != nil {
		panic(err)
	}
	if err := config.Telemetry.Validate(); err != nil {
		panic(err)
	}
	return &config
}
