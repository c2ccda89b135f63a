package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the auto-trading engine.
type Config struct {
	Port string

	// Database
	DBPath string

	// Prediction service
	PredictionBaseURL string
	PredictionTimeout time.Duration
	UseMockPredictor  bool

	// Broker
	BrokerMode           string // "paper" (default) or "live"
	PaperInitialBalance  float64
	OrderPlaceTimeout    time.Duration
	FillPollTimeout      time.Duration
	FillPollInterval     time.Duration
	BalanceSyncInterval  time.Duration
	CredentialsKeyBase64 string // AES-256 key for broker credentials at rest

	// Scheduler / orchestrator
	TickInterval  time.Duration
	TickWorkers   int
	SweepInterval time.Duration
	WatchSymbols  []string

	// Market calendar
	CalendarPath    string
	CalendarRefresh time.Duration

	// Subscription plans seed file
	PlansPath string

	// Auth
	JWTSecret string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:                 getEnv("PORT", "8080"),
		DBPath:               getEnv("DB_PATH", "./data/autotrade.db"),
		PredictionBaseURL:    getEnv("PREDICTION_BASE_URL", "http://localhost:9000"),
		PredictionTimeout:    getEnvDuration("PREDICTION_TIMEOUT", 2*time.Second),
		UseMockPredictor:     getEnv("USE_MOCK_PREDICTOR", "true") == "true",
		BrokerMode:           strings.ToLower(getEnv("BROKER_MODE", "paper")),
		PaperInitialBalance:  getEnvFloat("PAPER_INITIAL_BALANCE", 100000.0),
		OrderPlaceTimeout:    getEnvDuration("ORDER_PLACE_TIMEOUT", 5*time.Second),
		FillPollTimeout:      getEnvDuration("FILL_POLL_TIMEOUT", 10*time.Second),
		FillPollInterval:     getEnvDuration("FILL_POLL_INTERVAL", 15*time.Second),
		BalanceSyncInterval:  getEnvDuration("BALANCE_SYNC_INTERVAL", 30*time.Second),
		CredentialsKeyBase64: os.Getenv("CREDENTIALS_KEY"),
		TickInterval:         getEnvDuration("TICK_INTERVAL", 30*time.Second),
		TickWorkers:          getEnvInt("TICK_WORKERS", 8),
		SweepInterval:        getEnvDuration("SWEEP_INTERVAL", 1*time.Minute),
		WatchSymbols:         splitAndTrim(getEnv("WATCH_SYMBOLS", "RELIANCE,TCS,INFY,HDFCBANK")),
		CalendarPath:         getEnv("CALENDAR_PATH", "./config/calendar.yaml"),
		CalendarRefresh:      getEnvDuration("CALENDAR_REFRESH", 1*time.Minute),
		PlansPath:            getEnv("PLANS_PATH", "./config/plans.yaml"),
		JWTSecret:            getEnv("JWT_SECRET", "dev-secret"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
