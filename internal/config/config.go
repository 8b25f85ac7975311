// Package config loads this module's environment-variable
// configuration: storage locations, the hold TTL floor, the
// save-visit-files policy, reasoner model identifiers, and the
// transport/observability knobs.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration.
type Config struct {
	Port           string
	Env            string
	PublicBaseURL  string
	LogLevel       string
	CORSAllowedOrigins []string

	// Storage: two embedded SQLite files.
	SchedulingDBPath string
	VisitsDBPath     string
	VisitsOutDir     string
	SaveVisitFiles   string // "always" | "final" | "none"

	// Catalog (C1): a grouped-catalog directory consulted first, plus
	// one or more raw-data fallback directories.
	CatalogDir      string
	CatalogDataDirs []string

	// Hold TTL default, clamped to >=60s by internal/scheduling.
	HoldTTLSeconds int

	// Background job transport.
	UseMemoryQueue     bool
	WorkerCount        int
	JobQueueURL        string
	JobsTable          string
	IdempotencyTable   string

	// AWS (Bedrock, SQS, DynamoDB, SES, S3).
	AWSRegion           string
	AWSEndpointOverride string

	// Reasoner (internal/reasoner) — Bedrock primary, Gemini fallback.
	BedrockModelID     string
	BedrockMaxTokens   int32
	Stage1ModelID      string
	Stage2ModelID      string
	FactsModelID       string
	GeminiAPIKey       string
	GeminiModelID      string
	LLMProvider        string // "bedrock" (default) or "gemini"
	LLMFallbackEnabled bool

	// Reply gate cross-pod coordination (optional).
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	// Realtime join token minting (/api/token).
	JoinTokenSecret string
	JoinTokenTTL    time.Duration

	// Admin-gated mutating routes (optional; unset disables the guard).
	AdminJWTSecret string

	// Per-IP rate limiting on the API surface; 0 disables it.
	RateLimitRPS   float64
	RateLimitBurst int

	// Ops notification email on finalize.
	SESFromEmail      string
	SESFromName       string
	SendGridAPIKey    string
	SendGridFromEmail string
	SendGridFromName  string
	OpsNotifyEmails   []string

	// Optional S3 archival of finalized visit payloads.
	S3ArchiveBucket string
	S3ArchiveKMSKey string

	// Static asset mounts; paths only, operator-supplied bundles.
	DashboardStaticDir string
	KioskStaticDir     string
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:               getEnv("PORT", "8080"),
		Env:                getEnv("ENV", "development"),
		PublicBaseURL:      getEnv("PUBLIC_BASE_URL", ""),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"*"}),

		SchedulingDBPath: getEnv("SCHEDULING_DB_PATH", "data/scheduling.db"),
		VisitsDBPath:     getEnv("VISITS_DB_PATH", "data/visits.db"),
		VisitsOutDir:     getEnv("VISITS_OUT_DIR", "data/visits"),
		SaveVisitFiles:   strings.ToLower(strings.TrimSpace(getEnv("SAVE_VISIT_FILES", "final"))),

		CatalogDir:      getEnv("CATALOG_DIR", "Booking_data/catalog"),
		CatalogDataDirs: getEnvAsList("CATALOG_DATA_DIRS", []string{"Booking_data", "Data"}),

		HoldTTLSeconds: getEnvAsInt("HOLD_TTL_SECONDS", 300),

		UseMemoryQueue:   getEnvAsBool("USE_MEMORY_QUEUE", true),
		WorkerCount:      getEnvAsInt("WORKER_COUNT", 2),
		JobQueueURL:      getEnv("JOB_QUEUE_URL", ""),
		JobsTable:        getEnv("JOBS_TABLE", "clinic_booking_jobs"),
		IdempotencyTable: getEnv("IDEMPOTENCY_TABLE", "clinic_booking_idempotency"),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),

		BedrockModelID:     getEnv("BEDROCK_MODEL_ID", ""),
		BedrockMaxTokens:   int32(getEnvAsInt("BEDROCK_MAX_TOKENS", 1024)),
		Stage1ModelID:      getEnv("STAGE1_MODEL_ID", getEnv("BEDROCK_MODEL_ID", "")),
		Stage2ModelID:      getEnv("STAGE2_MODEL_ID", getEnv("BEDROCK_MODEL_ID", "")),
		FactsModelID:       getEnv("FACTS_MODEL_ID", getEnv("BEDROCK_MODEL_ID", "")),
		GeminiAPIKey:       getEnv("GEMINI_API_KEY", ""),
		GeminiModelID:      getEnv("GEMINI_MODEL_ID", "gemini-2.5-flash"),
		LLMProvider:        strings.ToLower(strings.TrimSpace(getEnv("LLM_PROVIDER", "bedrock"))),
		LLMFallbackEnabled: getEnvAsBool("LLM_FALLBACK_ENABLED", false),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		JoinTokenSecret: getEnv("JOIN_TOKEN_SECRET", ""),
		JoinTokenTTL:    getEnvAsDuration("JOIN_TOKEN_TTL", 5*time.Minute),

		AdminJWTSecret: getEnv("ADMIN_JWT_SECRET", ""),

		RateLimitRPS:   getEnvAsFloat("RATE_LIMIT_RPS", 0),
		RateLimitBurst: getEnvAsInt("RATE_LIMIT_BURST", 20),

		SESFromEmail:      getEnv("SES_FROM_EMAIL", ""),
		SESFromName:       getEnv("SES_FROM_NAME", "Clinic Booking"),
		SendGridAPIKey:    getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail: getEnv("SENDGRID_FROM_EMAIL", ""),
		SendGridFromName:  getEnv("SENDGRID_FROM_NAME", "Clinic Booking"),
		OpsNotifyEmails:   getEnvAsList("OPS_NOTIFY_EMAILS", nil),

		S3ArchiveBucket: getEnv("S3_ARCHIVE_BUCKET", ""),
		S3ArchiveKMSKey: getEnv("S3_ARCHIVE_KMS_KEY", ""),

		DashboardStaticDir: getEnv("DASHBOARD_STATIC_DIR", ""),
		KioskStaticDir:     getEnv("KIOSK_STATIC_DIR", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value, err := strconv.ParseFloat(getEnv(key, ""), 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(raw); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	raw := strings.TrimSpace(getEnv(key, ""))
	if raw == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
