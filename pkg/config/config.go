package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration.
// Values are loaded from environment variables with defaults.
type Config struct {
	// Server
	Port     int    `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Storage
	DBPath string `env:"DB_PATH" envDefault:"loanrecon.db"`

	// Ledger
	DefaultLateDailyRate   decimal.Decimal `env:"DEFAULT_LATE_DAILY_RATE" envDefault:"0.0005"`
	LateFeeRefreshInterval time.Duration   `env:"LATE_FEE_REFRESH_INTERVAL" envDefault:"1h"`

	// Reconciliation
	MatchTolerance decimal.Decimal `env:"MATCH_TOLERANCE" envDefault:"0.02"`
	MatchWorkers   int             `env:"MATCH_WORKERS" envDefault:"0"` // 0 = runtime.NumCPU()

	// Resilience
	MaxRetries     int           `env:"MAX_RETRIES" envDefault:"3"`
	InitialBackoff time.Duration `env:"INITIAL_BACKOFF" envDefault:"50ms"`

	// Observability
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Load reads an optional .env file and then the environment. Variables
// already set in the environment win over the file.
func Load(dotenvPaths ...string) (*Config, error) {
	if len(dotenvPaths) == 0 {
		dotenvPaths = []string{".env"}
	}
	// A missing .env is the normal case outside local development.
	_ = godotenv.Load(dotenvPaths...)

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.MatchTolerance.IsNegative() {
		return nil, fmt.Errorf("parse env: MATCH_TOLERANCE must not be negative")
	}
	if cfg.DefaultLateDailyRate.IsNegative() {
		return nil, fmt.Errorf("parse env: DEFAULT_LATE_DAILY_RATE must not be negative")
	}
	return &cfg, nil
}
