package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// Config is the flat environment-driven configuration, loaded once at
// process start and passed explicitly.
type Config struct {
	DBConnStr string
	Port      string

	Workers           int
	PollInterval      time.Duration
	ReconcileBatch    int
	SettleDelay       time.Duration
	ReconcileInterval time.Duration
	BuildMaxAttempts  int

	AnthropicAPIKey string
	BuildWorkDir    string
	ProbeTimeout    time.Duration
}

// Load reads .env when present, then the environment. The connection string
// may be given directly as DB_URL or assembled from the DB_* parts.
func Load() (Config, error) {
	// A missing .env is fine; the environment may be complete already.
	_ = godotenv.Load()

	cfg := Config{
		DBConnStr:         os.Getenv("DB_URL"),
		Port:              envOr("PORT", "8090"),
		Workers:           envInt("SHIPMATE_WORKERS", 4),
		PollInterval:      envDuration("SHIPMATE_POLL_INTERVAL", 250*time.Millisecond),
		ReconcileBatch:    envInt("SHIPMATE_RECONCILE_BATCH", 50),
		SettleDelay:       envDuration("SHIPMATE_SETTLE_DELAY", 2*time.Second),
		ReconcileInterval: envDuration("SHIPMATE_RECONCILE_INTERVAL", time.Minute),
		BuildMaxAttempts:  envInt("SHIPMATE_BUILD_MAX_ATTEMPTS", 3),
		AnthropicAPIKey:   os.Getenv("ANTHROPIC_API_KEY"),
		BuildWorkDir:      os.Getenv("SHIPMATE_BUILD_DIR"),
		ProbeTimeout:      envDuration("SHIPMATE_PROBE_TIMEOUT", 10*time.Second),
	}

	if cfg.DBConnStr == "" {
		username := os.Getenv("DB_USERNAME")
		password := os.Getenv("DB_PASSWORD")
		host := os.Getenv("DB_HOST")
		port := os.Getenv("DB_PORT")
		name := os.Getenv("DB_NAME")
		if username == "" || password == "" || host == "" || port == "" || name == "" {
			return Config{}, errors.New("DB_URL or complete DB_* env vars (DB_USERNAME, DB_PASSWORD, DB_HOST, DB_PORT, DB_NAME) required")
		}
		cfg.DBConnStr = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
			username, password, host, port, name)
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
