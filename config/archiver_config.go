package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// generateWorkerID creates a unique worker ID using hostname and PID
func generateWorkerID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "archiver"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

const (
	ScopeGmailReadonly = "https://www.googleapis.com/auth/gmail.readonly"
	ScopeDrive         = "https://www.googleapis.com/auth/drive"
)

type Config struct {
	Port        string
	Environment string
	LogLevel    string

	// Database
	DatabaseURL string
	RedisURL    string

	// Session
	JWTSecret     string
	SessionTTL    time.Duration
	EncryptionKey string

	// OAuth - Google
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string
	GoogleScopes       []string
	// SharedDriveID is empty when files go to the user's own Drive.
	SharedDriveID string

	FrontendURL    string
	AllowedOrigins []string

	// Archive pipeline
	ArchiveMaxResults   int
	ArchiveMaxPartDepth int
	ArchiveTempDir      string
	ArchiveLockTTL      time.Duration
	ArchiveTimeout      time.Duration

	// Retry around Gmail/Drive calls
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration

	// Worker
	WorkerID          string
	WorkerConcurrency int
	JobTimeout        time.Duration
	JobStatusTTL      time.Duration

	// Consumer (Redis Stream)
	ConsumerBatchSize  int
	ConsumerBlock      time.Duration
	ConsumerMaxRetries int
	ConsumerMinIdle    time.Duration

	// Scheduler
	SchedulerEnabled bool
	SchedulerDay     int

	RateLimitPerMinute int
}

func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		DatabaseURL: getEnv("DATABASE_URL", "sqlite://invoices.db"),
		RedisURL:    getEnv("REDIS_URL", ""),

		JWTSecret:     getEnv("JWT_SECRET", ""),
		SessionTTL:    getEnvDuration("SESSION_TTL", 24*time.Hour),
		EncryptionKey: getEnv("ENCRYPTION_KEY", ""),

		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleRedirectURL:  getEnv("GOOGLE_REDIRECT_URL", "http://localhost:8080/oauth/callback"),
		GoogleScopes:       getEnvFields("GOOGLE_SCOPES", []string{ScopeGmailReadonly, ScopeDrive}),
		SharedDriveID:      CleanDriveID(getEnv("GOOGLE_SHARED_DRIVE_ID", "")),

		FrontendURL:    getEnv("FRONTEND_URL", ""),
		AllowedOrigins: getEnvSlice("CORS_ORIGINS", []string{"http://localhost:3000"}),

		ArchiveMaxResults:   getEnvInt("ARCHIVE_MAX_RESULTS", 100),
		ArchiveMaxPartDepth: getEnvInt("ARCHIVE_MAX_PART_DEPTH", 16),
		ArchiveTempDir:      getEnv("ARCHIVE_TEMP_DIR", os.TempDir()),
		ArchiveLockTTL:      getEnvDuration("ARCHIVE_LOCK_TTL", 15*time.Minute),
		ArchiveTimeout:      getEnvDuration("ARCHIVE_TIMEOUT", 10*time.Minute),

		RetryMaxAttempts: getEnvInt("RETRY_MAX_ATTEMPTS", 3),
		RetryBaseDelay:   getEnvDuration("RETRY_BASE_DELAY", 500*time.Millisecond),
		RetryMaxDelay:    getEnvDuration("RETRY_MAX_DELAY", 8*time.Second),

		WorkerID:          getEnv("WORKER_ID", generateWorkerID()),
		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 4),
		JobTimeout:        getEnvDuration("JOB_TIMEOUT", 15*time.Minute),
		JobStatusTTL:      getEnvDuration("JOB_STATUS_TTL", 24*time.Hour),

		ConsumerBatchSize:  getEnvInt("CONSUMER_BATCH_SIZE", 10),
		ConsumerBlock:      getEnvDuration("CONSUMER_BLOCK", 5*time.Second),
		ConsumerMaxRetries: getEnvInt("CONSUMER_MAX_RETRIES", 3),
		ConsumerMinIdle:    getEnvDuration("CONSUMER_MIN_IDLE", 20*time.Minute),

		SchedulerEnabled: getEnvBool("SCHEDULER_ENABLED", false),
		SchedulerDay:     getEnvInt("SCHEDULER_DAY", 1),

		RateLimitPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 10),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that have no usable default.
func (c *Config) Validate() error {
	var errs []error
	if c.GoogleClientID == "" || c.GoogleClientSecret == "" {
		errs = append(errs, errors.New("GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET are required"))
	}
	if c.IsProduction() {
		if c.JWTSecret == "" {
			errs = append(errs, errors.New("JWT_SECRET is required in production"))
		}
		if c.EncryptionKey == "" {
			errs = append(errs, errors.New("ENCRYPTION_KEY is required in production"))
		}
	}
	if c.ArchiveMaxResults < 1 || c.ArchiveMaxResults > 500 {
		errs = append(errs, fmt.Errorf("ARCHIVE_MAX_RESULTS must be between 1 and 500, got %d", c.ArchiveMaxResults))
	}
	if c.ArchiveMaxPartDepth < 1 {
		errs = append(errs, fmt.Errorf("ARCHIVE_MAX_PART_DEPTH must be positive, got %d", c.ArchiveMaxPartDepth))
	}
	if c.SchedulerDay < 1 || c.SchedulerDay > 28 {
		errs = append(errs, fmt.Errorf("SCHEDULER_DAY must be between 1 and 28, got %d", c.SchedulerDay))
	}
	return errors.Join(errs...)
}

var driveFolderPattern = regexp.MustCompile(`folders/([^/?&]+)`)

// CleanDriveID accepts either a bare shared drive id or a drive.google.com
// folder URL and returns the id.
func CleanDriveID(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if strings.Contains(raw, "drive.google.com") {
		if m := driveFolderPattern.FindStringSubmatch(raw); m != nil {
			return m[1]
		}
	}
	return raw
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or a plain number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}

// getEnvFields splits on whitespace, the format OAuth scope lists use.
func getEnvFields(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Fields(value)
	}
	return defaultValue
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
