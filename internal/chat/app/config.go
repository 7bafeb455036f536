package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Issuer    string // Optional: issuer claim for tokens (default: parley-chat)
	Audience  string // Optional: audience claim for tokens
	JWTSecret string // Optional: HS256 signing secret (default: random per process)

	AccessTokenTTL  time.Duration // Optional: access token lifetime (default: 30m)
	RefreshTokenTTL time.Duration // Optional: refresh token lifetime (default: 14 days)

	DatabaseFile   string // Optional: path to SQLite database file (default: ./chat.db)
	PepperFile     string // Optional: path to pepper file for password hashing (default: ./pepper)
	AttachmentsDir string // Optional: directory for attachment payloads (default: ./attachments)

	ProviderBaseURL string        // Required for sends: OpenAI-compatible API base, e.g. http://127.0.0.1:8080/v1
	ProviderAPIKey  string        // Optional: bearer key for the provider
	ProviderTimeout time.Duration // Optional: provider HTTP timeout (default: 5m, streams run long)
	FallbackModels  []string      // Optional: comma-separated model IDs served when listing fails

	EmbeddingsBaseURL string  // Optional: OpenAI-compatible embeddings API base; empty disables search
	EmbeddingsAPIKey  string  // Optional: bearer key for the embeddings service
	EmbeddingModel    string  // Optional: embedding model name
	MinSimilarity     float64 // Optional: search similarity floor (default: 0.3)

	Env                 string        // Environment (dev, staging, prod) (default: dev)
	LogLevel            string        // Log level (debug, info, warn, error) (default: info)
	LogFormat           string        // Log format (json, text) (default: json)
	Port                int           // HTTP server port (default: 8080)
	ShutdownGracePeriod time.Duration // Graceful shutdown timeout (default: 10s)
}

func LoadConfig() Config {
	cfg := Config{
		Issuer:    getEnvOrDefault("CHAT_ISSUER", "parley-chat"),
		Audience:  os.Getenv("CHAT_AUDIENCE"),
		JWTSecret: os.Getenv("CHAT_JWT_SECRET"),

		AccessTokenTTL:  getEnvDurationOrDefault("CHAT_ACCESS_TOKEN_TTL", 30*time.Minute),
		RefreshTokenTTL: getEnvDurationOrDefault("CHAT_REFRESH_TOKEN_TTL", 14*24*time.Hour),

		DatabaseFile:   getEnvOrDefault("CHAT_DATABASE_FILE", "chat.db"),
		PepperFile:     getEnvOrDefault("CHAT_PEPPER_FILE", "pepper"),
		AttachmentsDir: getEnvOrDefault("CHAT_ATTACHMENTS_DIR", "attachments"),

		ProviderBaseURL: os.Getenv("CHAT_PROVIDER_BASE_URL"),
		ProviderAPIKey:  os.Getenv("CHAT_PROVIDER_API_KEY"),
		ProviderTimeout: getEnvDurationOrDefault("CHAT_PROVIDER_TIMEOUT", 5*time.Minute),

		EmbeddingsBaseURL: os.Getenv("CHAT_EMBEDDINGS_BASE_URL"),
		EmbeddingsAPIKey:  os.Getenv("CHAT_EMBEDDINGS_API_KEY"),
		EmbeddingModel:    getEnvOrDefault("CHAT_EMBEDDING_MODEL", "text-embedding-3-small"),
		MinSimilarity:     getEnvFloatOrDefault("CHAT_SEARCH_MIN_SIMILARITY", 0.3),

		Env:                 getEnvOrDefault("ENV", "dev"),
		LogLevel:            getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:           getEnvOrDefault("LOG_FORMAT", "json"),
		Port:                getEnvIntOrDefault("PORT", 8080),
		ShutdownGracePeriod: getEnvDurationOrDefault("SHUTDOWN_GRACE_PERIOD", 10*time.Second),
	}

	if models := os.Getenv("CHAT_FALLBACK_MODELS"); models != "" {
		for _, m := range strings.Split(models, ",") {
			if m = strings.TrimSpace(m); m != "" {
				cfg.FallbackModels = append(cfg.FallbackModels, m)
			}
		}
	}

	return cfg
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}

	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}

	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	// Try parsing as duration (e.g., "1h", "30m", "90s")
	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}

	// Try parsing as integer minutes (for backwards compatibility)
	if minutes, err := strconv.Atoi(value); err == nil {
		return time.Duration(minutes) * time.Minute
	}

	return defaultValue
}
