// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes server settings,
// logging, database paths, CRM gateway pacing, enforcement policy knobs,
// and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "crm-autopilot")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// CRMConfig holds the outbound gateway settings: credentials, pacing, and
// the daily mutation budget.
type CRMConfig struct {
	APIToken           string        // CRM_API_TOKEN
	BaseURL            string        // CRM_BASE_URL
	MaxConcurrent      int           // CRM_MAX_CONCURRENT in-flight requests
	MinSpacing         time.Duration // CRM_MIN_SPACING between dispatches
	DailyMutationLimit int           // CRM_DAILY_MUTATION_LIMIT non-read calls per UTC day
}

// AutopilotConfig holds the enforcement policy knobs.
type AutopilotConfig struct {
	DryRun                   bool    // DRY_RUN: simulate mutations, audit only
	SLAFutureActivityDays    int     // SLA_FUTURE_ACTIVITY_DAYS: lead qualification window
	SLAFollowupBusinessDays  int     // SLA_FOLLOWUP_BUSINESS_DAYS: follow-up due offset
	StaleDays                int     // STALE_DAYS: deal staleness threshold
	BotUserID                int     // BOT_USER_ID: 0 when unset
	MergeConfidenceThreshold float64 // MERGE_CONFIDENCE_THRESHOLD in [0,1]
	CompanyDomain            string  // COMPANY_DOMAIN for deep links (optional)
	PipelineID               int     // PIPELINE_ID: 0 sweeps all pipelines
	ActiveStageIDs           []int   // ACTIVE_STAGE_IDS: empty allows all stages
}

// QueueConfig holds the in-process job queue settings.
type QueueConfig struct {
	Concurrency int // QUEUE_CONCURRENCY simultaneous jobs
	MaxAttempts int // QUEUE_MAX_ATTEMPTS before permanent failure
	SweepHour   int // SWEEP_HOUR_UTC: nightly sweep hour (0-23)
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route

	// App
	DBPath        string // SQLite path
	WebhookSecret string // shared secret for the inbound event endpoint

	// Domain
	CRM       CRMConfig
	Autopilot AutopilotConfig
	Queue     QueueConfig

	// Inbound rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),

		// App
		DBPath:        getenv("DB_PATH", "autopilot.db"),
		WebhookSecret: getenv("WEBHOOK_SECRET", ""),

		// Domain
		CRM: CRMConfig{
			APIToken:           getenv("CRM_API_TOKEN", ""),
			BaseURL:            getenv("CRM_BASE_URL", "https://api.pipedrive.com"),
			MaxConcurrent:      getint("CRM_MAX_CONCURRENT", 5),
			MinSpacing:         getdur("CRM_MIN_SPACING", 200*time.Millisecond),
			DailyMutationLimit: getint("CRM_DAILY_MUTATION_LIMIT", 2500),
		},
		Autopilot: AutopilotConfig{
			DryRun:                   getbool("DRY_RUN", true),
			SLAFutureActivityDays:    getint("SLA_FUTURE_ACTIVITY_DAYS", 3),
			SLAFollowupBusinessDays:  getint("SLA_FOLLOWUP_BUSINESS_DAYS", 2),
			StaleDays:                getint("STALE_DAYS", 7),
			BotUserID:                getint("BOT_USER_ID", 0),
			MergeConfidenceThreshold: getfloat("MERGE_CONFIDENCE_THRESHOLD", 0.85),
			CompanyDomain:            getenv("COMPANY_DOMAIN", ""),
			PipelineID:               getint("PIPELINE_ID", 0),
			ActiveStageIDs:           splitCSVInts(getenv("ACTIVE_STAGE_IDS", "")),
		},
		Queue: QueueConfig{
			Concurrency: getint("QUEUE_CONCURRENCY", 5),
			MaxAttempts: getint("QUEUE_MAX_ATTEMPTS", 5),
			SweepHour:   getint("SWEEP_HOUR_UTC", 4),
		},

		// Inbound rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "crm-autopilot"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if cfg.CRM.MaxConcurrent < 1 {
		return cfg, errors.New("CRM_MAX_CONCURRENT must be >= 1")
	}
	if cfg.CRM.MinSpacing < 0 {
		return cfg, errors.New("CRM_MIN_SPACING must be >= 0")
	}
	if cfg.CRM.DailyMutationLimit < 1 {
		return cfg, errors.New("CRM_DAILY_MUTATION_LIMIT must be >= 1")
	}
	if cfg.Autopilot.SLAFutureActivityDays < 1 {
		return cfg, errors.New("SLA_FUTURE_ACTIVITY_DAYS must be >= 1")
	}
	if cfg.Autopilot.SLAFollowupBusinessDays < 1 {
		return cfg, errors.New("SLA_FOLLOWUP_BUSINESS_DAYS must be >= 1")
	}
	if cfg.Autopilot.StaleDays < 1 {
		return cfg, errors.New("STALE_DAYS must be >= 1")
	}
	if cfg.Autopilot.MergeConfidenceThreshold < 0 || cfg.Autopilot.MergeConfidenceThreshold > 1 {
		return cfg, errors.New("MERGE_CONFIDENCE_THRESHOLD must be in [0,1]")
	}
	if cfg.Queue.Concurrency < 1 {
		return cfg, errors.New("QUEUE_CONCURRENCY must be >= 1")
	}
	if cfg.Queue.MaxAttempts < 1 {
		return cfg, errors.New("QUEUE_MAX_ATTEMPTS must be >= 1")
	}
	if cfg.Queue.SweepHour < 0 || cfg.Queue.SweepHour > 23 {
		return cfg, errors.New("SWEEP_HOUR_UTC must be in [0,23]")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// splitCSVInts parses a comma-separated list of integers, dropping
// anything unparsable.
func splitCSVInts(s string) []int {
	parts := splitCSV(s)
	if len(parts) == 0 {
		return nil
	}
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		if n, err := strconv.Atoi(p); err == nil {
			out = append(out, n)
		}
	}
	return out
}
