package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "CHAINMAIL"

	defaultHTTPAddress    = "0.0.0.0:8080"
	defaultMetricsAddress = "0.0.0.0:9090"
	defaultDatabasePath   = "chainmail.db"
	defaultLogLevel       = "info"

	defaultMergeWindowMinutes  = 5
	defaultStepIntervalMinutes = 1
	defaultMaxAttempts         = 3
	defaultRetryBackoffSeconds = 5

	defaultQueueWorkers   = 5
	defaultQueueBuffer    = 100
	defaultSendRatePerSec = 10

	defaultSMTPHost = "localhost"
	defaultSMTPPort = 1025
	defaultSMTPFrom = "noreply@quizvn.app"

	defaultSweepSchedule     = "@every 1m"
	defaultSweepGraceSeconds = 30
)

// AppConfig captures runtime configuration for the chain mail service.
type AppConfig struct {
	HTTPAddress    string
	MetricsAddress string
	DatabasePath   string
	LogLevel       string

	MergeWindow  time.Duration
	StepInterval time.Duration
	MaxAttempts  int
	RetryBackoff time.Duration

	QueueWorkers   int
	QueueBuffer    int
	SendRatePerSec int

	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	SMTPFrom     string

	SweepSchedule string
	SweepGrace    time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("metrics.address", defaultMetricsAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)

	configViper.SetDefault("chain.merge_window_minutes", defaultMergeWindowMinutes)
	configViper.SetDefault("chain.step_interval_minutes", defaultStepIntervalMinutes)
	configViper.SetDefault("chain.max_attempts", defaultMaxAttempts)
	configViper.SetDefault("chain.retry_backoff_seconds", defaultRetryBackoffSeconds)

	configViper.SetDefault("queue.workers", defaultQueueWorkers)
	configViper.SetDefault("queue.buffer", defaultQueueBuffer)
	configViper.SetDefault("queue.send_rate_per_sec", defaultSendRatePerSec)

	configViper.SetDefault("smtp.host", defaultSMTPHost)
	configViper.SetDefault("smtp.port", defaultSMTPPort)
	configViper.SetDefault("smtp.user", "")
	configViper.SetDefault("smtp.password", "")
	configViper.SetDefault("smtp.from", defaultSMTPFrom)

	configViper.SetDefault("sweep.schedule", defaultSweepSchedule)
	configViper.SetDefault("sweep.grace_seconds", defaultSweepGraceSeconds)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		MetricsAddress: configViper.GetString("metrics.address"),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),

		MergeWindow:  time.Duration(configViper.GetInt("chain.merge_window_minutes")) * time.Minute,
		StepInterval: time.Duration(configViper.GetInt("chain.step_interval_minutes")) * time.Minute,
		MaxAttempts:  configViper.GetInt("chain.max_attempts"),
		RetryBackoff: time.Duration(configViper.GetInt("chain.retry_backoff_seconds")) * time.Second,

		QueueWorkers:   configViper.GetInt("queue.workers"),
		QueueBuffer:    configViper.GetInt("queue.buffer"),
		SendRatePerSec: configViper.GetInt("queue.send_rate_per_sec"),

		SMTPHost:     configViper.GetString("smtp.host"),
		SMTPPort:     configViper.GetInt("smtp.port"),
		SMTPUser:     configViper.GetString("smtp.user"),
		SMTPPassword: configViper.GetString("smtp.password"),
		SMTPFrom:     configViper.GetString("smtp.from"),

		SweepSchedule: configViper.GetString("sweep.schedule"),
		SweepGrace:    time.Duration(configViper.GetInt("sweep.grace_seconds")) * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.MergeWindow <= 0 {
		return fmt.Errorf("chain.merge_window_minutes must be positive")
	}
	if c.StepInterval <= 0 {
		return fmt.Errorf("chain.step_interval_minutes must be positive")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("chain.max_attempts must be at least 1")
	}
	if c.QueueWorkers < 1 {
		return fmt.Errorf("queue.workers must be at least 1")
	}
	if strings.TrimSpace(c.SMTPHost) == "" {
		return fmt.Errorf("smtp.host is required")
	}
	if strings.TrimSpace(c.SMTPFrom) == "" {
		return fmt.Errorf("smtp.from is required")
	}
	return nil
}
