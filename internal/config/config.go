package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var ErrMissingRequired = errors.New("missing required configuration")

type Config struct {
	DBHost string `envconfig:"DB_HOST" default:"postgres"`
	DBPort int    `envconfig:"DB_PORT" default:"5432"`
	DBUser string `envconfig:"DB_USER" default:"luraaya"`
	DBPass string `envconfig:"DB_PASS" default:"password"`
	DBName string `envconfig:"DB_NAME" default:"luraaya"`
	DBSSL  string `envconfig:"DB_SSLMODE" default:"disable"`

	MigrationPath string `envconfig:"MIGRATION_PATH" default:"file://migrations"`

	// Compute service (service-identity authenticated)
	ComputeBaseURL         string        `envconfig:"COMPUTE_BASE_URL"`
	ComputeCredentialsJSON string        `envconfig:"GOOGLE_APPLICATION_CREDENTIALS_JSON"`
	ComputeTimeout         time.Duration `envconfig:"COMPUTE_TIMEOUT" default:"30s"`

	// Content generation & delivery
	GeminiAPIKey     string `envconfig:"GEMINI_API_KEY"`
	GeminiModel      string `envconfig:"GEMINI_MODEL" default:"gemini-1.5-flash"`
	DeliveryDisabled bool   `envconfig:"DELIVERY_DISABLED" default:"false"`

	NSQLookupd string `envconfig:"NSQ_LOOKUPD" default:"nsqlookupd:4161"`
	NSQDHost   string `envconfig:"NSQD_HOST" default:"nsqd:4150"`
	NSQDHTTP   string `envconfig:"NSQD_HTTP" default:"nsqd:4151"`

	// Orchestrator policy
	LeaseTTL           time.Duration `envconfig:"LEASE_TTL" default:"15m"`
	MaxAttempts        int           `envconfig:"MAX_ATTEMPTS" default:"5"`
	BatchSize          int           `envconfig:"BATCH_SIZE" default:"25"`
	Concurrency        int           `envconfig:"ORCHESTRATOR_CONCURRENCY" default:"1"`
	StopOnFirstFailure bool          `envconfig:"ORCHESTRATOR_STOP_ON_FIRST_FAILURE" default:"false"`
	RetryFailedAfter   time.Duration `envconfig:"RETRY_FAILED_AFTER" default:"15m"`
	RowTimeout         time.Duration `envconfig:"ROW_TIMEOUT" default:"2m"`
	StoreTimeout       time.Duration `envconfig:"STORE_TIMEOUT" default:"10s"`

	// Triggers
	Schedule              string `envconfig:"ORCHESTRATOR_SCHEDULE" default:"@every 5m"`
	EnableScheduler       bool   `envconfig:"ENABLE_SCHEDULER" default:"true"`
	EnableTriggerConsumer bool   `envconfig:"ENABLE_TRIGGER_CONSUMER" default:"false"`
	CronSecret            string `envconfig:"CRON_SECRET"`

	// Server
	ServerPort int    `envconfig:"SERVER_PORT" default:"8081"`
	RunLogPath string `envconfig:"RUN_LOG_PATH" default:"data/logs/runs.log"`

	// Resilience
	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
}

func Load() (*Config, error) {
	// Try loading .env from current dir and repo root
	// Ignore errors, as env vars might be set in the shell
	_ = godotenv.Load(".env")

	cwd, _ := os.Getwd()
	rootEnv := filepath.Join(cwd, "../../.env")
	_ = godotenv.Load(rootEnv)

	var cfg Config
	err := envconfig.Process("", &cfg)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPass, c.DBName, c.DBSSL)
}

func (c *Config) Validate() error {
	if c.DBHost == "" {
		return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
	}
	if c.DBUser == "" {
		return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
	}
	if c.DBName == "" {
		return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("MAX_ATTEMPTS must be at least 1, got %d", c.MaxAttempts)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("BATCH_SIZE must be at least 1, got %d", c.BatchSize)
	}
	if c.LeaseTTL <= 0 {
		return fmt.Errorf("LEASE_TTL must be positive, got %s", c.LeaseTTL)
	}
	return nil
}

// ValidateOrchestrator checks the settings an orchestrator invocation cannot run
// without. It is separate from Validate so that operator commands (migrate,
// stats) work without compute credentials.
func (c *Config) ValidateOrchestrator() error {
	if c.ComputeBaseURL == "" {
		return fmt.Errorf("%w: COMPUTE_BASE_URL", ErrMissingRequired)
	}
	if c.ComputeCredentialsJSON == "" {
		return fmt.Errorf("%w: GOOGLE_APPLICATION_CREDENTIALS_JSON", ErrMissingRequired)
	}
	if c.GeminiAPIKey == "" {
		return fmt.Errorf("%w: GEMINI_API_KEY", ErrMissingRequired)
	}
	return nil
}
