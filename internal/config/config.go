// Package config loads the process configuration from the environment.
// Components keep their own env-tagged structs; this package composes them
// into one document parsed at start-up. Configuration is immutable after
// Load — runtime tuning lives in the dynamic settings store instead.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/conduitapp/conduit/internal/llm"
	"github.com/conduitapp/conduit/internal/retrieval"
	"github.com/conduitapp/conduit/pkg/logger"
	"github.com/conduitapp/conduit/pkg/mailer/resend"
	"github.com/conduitapp/conduit/pkg/storage"
)

// Config is the full process configuration.
type Config struct {
	// HTTP server.
	HTTPAddr        string        `env:"HTTP_ADDR" envDefault:":8080"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Shared stores.
	DatabaseURL string `env:"DATABASE_URL,required"`
	RedisURL    string `env:"REDIS_URL,required"`

	// Worker pool sizing per queue.
	DefaultWorkers     int `env:"QUEUE_DEFAULT_WORKERS" envDefault:"20"`
	ChatWorkers        int `env:"QUEUE_CHAT_WORKERS" envDefault:"8"`
	MaintenanceWorkers int `env:"QUEUE_MAINTENANCE_WORKERS" envDefault:"2"`
	MailWorkers        int `env:"QUEUE_MAIL_WORKERS" envDefault:"4"`
	ExportWorkers      int `env:"QUEUE_EXPORT_WORKERS" envDefault:"2"`

	// Result store retention.
	ResultTTL time.Duration `env:"RESULT_TTL" envDefault:"1h"`

	// Scheduler.
	SchedulerTick  time.Duration `env:"SCHEDULER_TICK" envDefault:"1s"`
	SchedulerGrace time.Duration `env:"SCHEDULER_GRACE_WINDOW" envDefault:"30s"`

	// Classifier model override; empty reuses the generation model.
	ClassifierModel string `env:"CLASSIFIER_MODEL"`

	Logger    logger.SentryConfig
	LLM       llm.OpenAIConfig
	Retrieval retrieval.ChromemConfig
	Mailer    resend.Config
	Storage   storage.Config
}

// Load parses the configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// MailerEnabled reports whether the mail provider is configured.
func (c *Config) MailerEnabled() bool {
	return c.Mailer.APIKey != ""
}

// StorageEnabled reports whether object storage is configured.
func (c *Config) StorageEnabled() bool {
	return c.Storage.Bucket != "" && c.Storage.AccessKey != "" && c.Storage.SecretKey != ""
}
