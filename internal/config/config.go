// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Database settings. Either a postgres:// URL (production) or a
	// sqlite: URL / plain file path (standalone deployments).
	DatabaseURL string

	// Admin bootstrap. Governance and audit endpoints require this key.
	AdminAPIKey string

	// Dataset snapshot paths (read-only at startup).
	NamasteCSV string // source term catalog (NAMASTE export)
	ICD11CSV   string // target code catalog

	// Protected-resource list for the write guard.
	ProtectedResourcesPath string

	// Reranker model weights (JSON). Optional; absent means no reranker.
	RerankerPath string

	// Prebuilt local vector index (JSON, written by setu-index). Optional;
	// absent means the flat index is built at startup from the code catalog.
	LocalIndexPath string

	// Embedding provider settings.
	EmbeddingProvider   string // "auto", "openai", "ollama", or "noop"
	OpenAIAPIKey        string
	EmbeddingModel      string
	EmbeddingDimensions int // Vector dimensions; must match the chosen model's output.
	OllamaURL           string
	OllamaModel         string

	// Qdrant settings. Empty URL disables Qdrant; the in-memory flat index
	// is used instead.
	QdrantURL        string
	QdrantAPIKey     string
	QdrantCollection string

	// WHO ICD-11 API fallback. Empty URL disables the fallback.
	// Credentials: either a client-credentials pair for the WHO token
	// endpoint, or a static bearer token for gateway deployments.
	ICD11APIURL       string
	ICD11TokenURL     string
	ICD11ClientID     string
	ICD11ClientSecret string
	ICD11APIToken     string

	// Admin alert webhook (Slack-compatible JSON POST). Empty means alerts
	// go to the log only.
	AlertWebhookURL string

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel            string
	AuditBufferSize     int // audit append queue depth before overflow drops
	MaxRequestBodyBytes int64

	// Rate limiting (per client IP, resolve and guard endpoints).
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                   envInt("SETU_PORT", 8080),
		ReadTimeout:            envDuration("SETU_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:           envDuration("SETU_WRITE_TIMEOUT", 30*time.Second),
		DatabaseURL:            envStr("DATABASE_URL", "sqlite:setu.db"),
		AdminAPIKey:            envStr("SETU_ADMIN_API_KEY", ""),
		NamasteCSV:             envStr("SETU_NAMASTE_CSV", "data/namaste.csv"),
		ICD11CSV:               envStr("SETU_ICD11_CSV", "data/icd11_codes.csv"),
		ProtectedResourcesPath: envStr("SETU_PROTECTED_RESOURCES", "config/protected_resources.yml"),
		RerankerPath:           envStr("SETU_RERANKER_PATH", "data/reranker.json"),
		LocalIndexPath:         envStr("SETU_LOCAL_INDEX_PATH", ""),
		EmbeddingProvider:      envStr("SETU_EMBEDDING_PROVIDER", "auto"),
		OpenAIAPIKey:           envStr("OPENAI_API_KEY", ""),
		EmbeddingModel:         envStr("SETU_EMBEDDING_MODEL", "text-embedding-3-small"),
		EmbeddingDimensions:    envInt("SETU_EMBEDDING_DIMENSIONS", 1024),
		OllamaURL:              envStr("OLLAMA_URL", "http://localhost:11434"),
		OllamaModel:            envStr("OLLAMA_MODEL", "mxbai-embed-large"),
		QdrantURL:              envStr("QDRANT_URL", ""),
		QdrantAPIKey:           envStr("QDRANT_API_KEY", ""),
		QdrantCollection:       envStr("QDRANT_COLLECTION", "setu_codes"),
		ICD11APIURL:            envStr("SETU_ICD11_API_URL", ""),
		ICD11TokenURL:          envStr("SETU_ICD11_TOKEN_URL", "https://icdaccessmanagement.who.int/connect/token"),
		ICD11ClientID:          envStr("SETU_ICD11_CLIENT_ID", ""),
		ICD11ClientSecret:      envStr("SETU_ICD11_CLIENT_SECRET", ""),
		ICD11APIToken:          envStr("SETU_ICD11_API_TOKEN", ""),
		AlertWebhookURL:        envStr("SETU_ALERT_WEBHOOK_URL", ""),
		OTELEndpoint:           envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:           envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:            envStr("OTEL_SERVICE_NAME", "setu"),
		LogLevel:               envStr("SETU_LOG_LEVEL", "info"),
		AuditBufferSize:        envInt("SETU_AUDIT_BUFFER_SIZE", 1024),
		MaxRequestBodyBytes:    int64(envInt("SETU_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
		RateLimitEnabled:       envBool("SETU_RATE_LIMIT_ENABLED", true),
		RateLimitRPS:           envFloat("SETU_RATE_LIMIT_RPS", 10),
		RateLimitBurst:         envInt("SETU_RATE_LIMIT_BURST", 30),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	if c.EmbeddingDimensions <= 0 {
		return fmt.Errorf("config: SETU_EMBEDDING_DIMENSIONS must be positive")
	}
	if c.AuditBufferSize <= 0 {
		return fmt.Errorf("config: SETU_AUDIT_BUFFER_SIZE must be positive")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: SETU_MAX_REQUEST_BODY_BYTES must be positive")
	}
	if c.RateLimitEnabled && (c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0) {
		return fmt.Errorf("config: SETU_RATE_LIMIT_RPS and SETU_RATE_LIMIT_BURST must be positive when rate limiting is enabled")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
