package app

import (
	"os"
	"time"
)

type Config struct {
	HTTPAddr      string
	PublicBaseURL string
	LogLevel      string

	// Backend TTS service
	BackendURL      string // upstream for the /tts proxy in proxied mode
	StateDBPath     string
	RefreshInterval time.Duration

	// Event log (optional)
	DatabaseURL string

	// Error monitoring
	SentryDSN string

	// Dashboard authentication
	AccessKey string
	JWTSecret string
	JWTExpiry time.Duration
}

func LoadConfigFromEnv() Config {
	jwtExpiry, err := time.ParseDuration(getenv("JWT_EXPIRY", "24h"))
	if err != nil {
		jwtExpiry = 24 * time.Hour
	}

	refreshInterval, err := time.ParseDuration(getenv("REFRESH_INTERVAL", "60s"))
	if err != nil {
		refreshInterval = 60 * time.Second
	}

	return Config{
		HTTPAddr:      getenv("HTTP_ADDR", ":8080"),
		PublicBaseURL: getenv("PUBLIC_BASE_URL", "http://localhost:8080"),
		LogLevel:      getenv("LOG_LEVEL", "info"),

		BackendURL:      getenv("TTS_BACKEND_URL", ""),
		StateDBPath:     getenv("STATE_DB_PATH", "voicedash.db"),
		RefreshInterval: refreshInterval,

		DatabaseURL: getenv("DATABASE_URL", ""),

		SentryDSN: getenv("SENTRY_DSN", ""),

		AccessKey: os.Getenv("ACCESS_KEY"),  // Required - no fallback for security
		JWTSecret: os.Getenv("JWT_SECRET"),  // Required - no fallback for security
		JWTExpiry: jwtExpiry,
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
