package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the flat, env-driven configuration surface for the gateway.
// Mirrors the accessor idiom of the proxy this was grown from: every field
// is populated once at boot by LoadConfig and read thereafter.
type Config struct {
	Port    string
	GinMode string

	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxIdleTime int // minutes
	DBConnMaxLifetime int // minutes

	LogLevel  string
	LogFormat string

	CORSAllowedOrigins string

	// Credential-at-rest cipher.
	CryptoSecretKey    string
	StrictDecrypt      bool // see DESIGN.md open-question decision
	ModelAliasFilePath string

	// Session matcher.
	SessionTTL                time.Duration
	MaxSessionsPerUser        int
	SessionCleanupInterval    time.Duration
	SessionCleanupGracePeriod time.Duration

	// Provider scheduler.
	ProviderMaxConcurrentDefault int
	ProviderHealthThreshold      int
	ProviderCooldown             time.Duration
	ProviderFailureThreshold     int
	ProviderRecoveryInterval     time.Duration
	SchedulerCandidateLimit      int
	MaxRetries                   int

	// Upstream client.
	UpstreamBaseURL          string
	UpstreamTokenRefreshSkew time.Duration
	UpstreamTokenTTL         time.Duration
	UpstreamUnaryTimeout     time.Duration
	UpstreamStreamTimeout    time.Duration
	UpstreamClientCacheTTL   time.Duration
	JWTIssuer                string
	JWTAudience              string

	// Media intent detection.
	MediaGracePeriod time.Duration

	// Request log worker pool.
	RequestLogWorkerPoolSize int
	RequestLogBufferSize     int
	RequestLogRetention      time.Duration

	// Server.
	ServerShutdownTimeout time.Duration
}

// AppConfig is the process-wide singleton populated by LoadConfig.
// Matches the teacher's module-level-singleton-as-explicit-object approach:
// it is assigned once at boot and passed by reference into constructors
// rather than read ad hoc from package state throughout the codebase.
var AppConfig *Config

// LoadConfig populates AppConfig from the environment (and an optional
// .env file for local development).
func LoadConfig() {
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	AppConfig = &Config{
		Port:    getEnvOrDefault("PORT", "8080"),
		GinMode: getEnvOrDefault("GIN_MODE", "release"),

		DatabaseURL:       getEnvOrDefault("DATABASE_URL", "postgres://localhost/gateway?sslmode=disable"),
		DBMaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 15),
		DBMaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxIdleTime: getEnvAsInt("DB_CONN_MAX_IDLE_TIME_MINUTES", 1),
		DBConnMaxLifetime: getEnvAsInt("DB_CONN_MAX_LIFETIME_MINUTES", 30),

		LogLevel:  getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "text"),

		CORSAllowedOrigins: getEnvOrDefault("CORS_ALLOWED_ORIGINS", "*"),

		CryptoSecretKey:    getEnvOrDefault("CRYPTO_SECRET_KEY", ""),
		StrictDecrypt:      getEnvOrDefault("CRYPTO_STRICT_DECRYPT", "false") == "true",
		ModelAliasFilePath: getEnvOrDefault("MODEL_ALIAS_FILE", "models.yaml"),

		SessionTTL:                getEnvAsDuration("SESSION_TTL_MS", 3_600_000*time.Millisecond),
		MaxSessionsPerUser:        getEnvAsInt("MAX_SESSIONS_PER_USER", 100),
		SessionCleanupInterval:    getEnvAsDuration("SESSION_CLEANUP_INTERVAL_MS", 300_000*time.Millisecond),
		SessionCleanupGracePeriod: getEnvAsDuration("SESSION_CLEANUP_GRACE_PERIOD_MS", 0),

		ProviderMaxConcurrentDefault: getEnvAsInt("PROVIDER_MAX_CONCURRENT_DEFAULT", 10),
		ProviderHealthThreshold:      getEnvAsInt("PROVIDER_HEALTH_THRESHOLD", 50),
		ProviderCooldown:             getEnvAsDuration("PROVIDER_COOLDOWN_MS", 300_000*time.Millisecond),
		ProviderFailureThreshold:     getEnvAsInt("PROVIDER_FAILURE_THRESHOLD", 5),
		ProviderRecoveryInterval:     getEnvAsDuration("PROVIDER_RECOVERY_INTERVAL_MS", 60_000*time.Millisecond),
		SchedulerCandidateLimit:      getEnvAsInt("SCHEDULER_CANDIDATE_LIMIT", 20),
		MaxRetries:                   getEnvAsInt("SCHEDULER_MAX_RETRIES", 3),

		UpstreamBaseURL:          getEnvOrDefault("UPSTREAM_BASE_URL", ""),
		UpstreamTokenRefreshSkew: getEnvAsDuration("UPSTREAM_TOKEN_REFRESH_SKEW_MS", 30_000*time.Millisecond),
		UpstreamTokenTTL:         getEnvAsDuration("UPSTREAM_TOKEN_TTL_MS", 300_000*time.Millisecond),
		UpstreamUnaryTimeout:     getEnvAsDuration("UPSTREAM_UNARY_TIMEOUT_MS", 120_000*time.Millisecond),
		UpstreamStreamTimeout:    getEnvAsDuration("UPSTREAM_STREAM_TIMEOUT_MS", 1_800_000*time.Millisecond),
		UpstreamClientCacheTTL:   getEnvAsDuration("UPSTREAM_CLIENT_CACHE_TTL_MS", 300_000*time.Millisecond),
		JWTIssuer:                getEnvOrDefault("UPSTREAM_JWT_ISSUER", "enchanted-gateway"),
		JWTAudience:              getEnvOrDefault("UPSTREAM_JWT_AUDIENCE", "upstream-chat-backend"),

		MediaGracePeriod: getEnvAsDuration("MEDIA_GRACE_PERIOD_MS", 2_000*time.Millisecond),

		RequestLogWorkerPoolSize: getEnvAsInt("REQUEST_LOG_WORKER_POOL_SIZE", 20),
		RequestLogBufferSize:     getEnvAsInt("REQUEST_LOG_BUFFER_SIZE", 5000),
		RequestLogRetention:      time.Duration(getEnvAsInt("REQUEST_LOG_RETENTION_HOURS", 30*24)) * time.Hour,

		ServerShutdownTimeout: time.Duration(getEnvAsInt("SERVER_SHUTDOWN_TIMEOUT_SECONDS", 30)) * time.Second,
	}

	if len(AppConfig.CryptoSecretKey) < 32 {
		log.Fatal("CRYPTO_SECRET_KEY is required and must be at least 32 bytes")
	}

	if AppConfig.UpstreamBaseURL == "" {
		log.Println("Warning: UPSTREAM_BASE_URL is not set; upstream calls will fail")
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
