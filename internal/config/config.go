// Package config provides application configuration management.
// Configuration is loaded from environment variables at startup and
// validated with bounds clamping before use.
package config

import (
	"encoding/hex"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Configuration upper bounds to prevent resource exhaustion.
const (
	maxConcurrentUploads = 50
	maxSessions          = 100
	maxQueueAttempts     = 10
	maxUploadTimeout     = 2 * time.Hour
	minEncryptionKeyLen  = 32 // AES-256 key length in bytes
)

// Config holds all application configuration.
type Config struct {
	// Worker pool
	MaxConcurrentUploads int

	// Browser control API
	BrowserAPIURL      string
	BrowserMaxRetries  int
	BrowserRetryBase   time.Duration
	BrowserCallTimeout time.Duration

	// Browser session pool
	MaxSessions      int
	SessionLeaseWait time.Duration
	PlatformProbeURL string

	// Upload
	UploadTimeout time.Duration

	// Job queue
	QueueAttempts     int
	QueueBackoffBase  time.Duration
	QueueBackoffCap   time.Duration
	QueueRateMax      int           // 0 disables the global queue rate limit
	QueueRateDuration time.Duration
	ClaimLease        time.Duration

	// Accounts
	AccountDailyLimit      int
	AccountHealthThreshold int
	AccountRolloverTZ      string
	AccountLeaseTTL        time.Duration

	// Circuit breaker
	BreakerFailureThreshold int
	BreakerResetTimeout     time.Duration
	BreakerSuccessThreshold int
	BreakerVolumeThreshold  int
	BreakerWindow           time.Duration
	BreakerCallTimeout      time.Duration

	// Alerts
	AlertErrorRate            float64
	AlertCriticalThreshold    int
	AlertConsecutiveThreshold int

	// Shutdown
	ShutdownTimeout time.Duration

	// Stores
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	DBPath        string

	// Encryption key for account credentials (raw bytes from hex).
	// Required; the process refuses to start without it.
	EncryptionKey []byte

	// Policy file (optional overrides, hot-reloadable)
	PolicyPath      string
	PolicyHotReload bool

	// Logging
	LogLevel string

	// Metrics
	PrometheusEnabled bool
	PrometheusPort    int
}

// Load loads configuration from environment variables.
// Returns a Config with values from environment or sensible defaults.
func Load() *Config {
	return &Config{
		MaxConcurrentUploads: getEnvInt("MAX_CONCURRENT_UPLOADS", 5),

		BrowserAPIURL:      getEnvString("BROWSER_API_URL", "http://127.0.0.1:54345"),
		BrowserMaxRetries:  getEnvInt("BROWSER_MAX_RETRIES", 3),
		BrowserRetryBase:   getEnvDuration("BROWSER_RETRY_BASE", 1*time.Second),
		BrowserCallTimeout: getEnvDuration("BROWSER_CALL_TIMEOUT", 30*time.Second),

		MaxSessions:      getEnvInt("MAX_SESSIONS", 10),
		SessionLeaseWait: getEnvDuration("SESSION_LEASE_WAIT", 10*time.Second),
		PlatformProbeURL: getEnvString("PLATFORM_PROBE_URL", "https://studio.youtube.com"),

		UploadTimeout: getEnvDuration("UPLOAD_TIMEOUT", 30*time.Minute),

		QueueAttempts:     getEnvInt("QUEUE_ATTEMPTS", 3),
		QueueBackoffBase:  getEnvDuration("QUEUE_BACKOFF_BASE", 2*time.Second),
		QueueBackoffCap:   getEnvDuration("QUEUE_BACKOFF_CAP", 60*time.Second),
		QueueRateMax:      getEnvInt("QUEUE_RATE_MAX", 0),
		QueueRateDuration: getEnvDuration("QUEUE_RATE_DURATION", 1*time.Minute),
		ClaimLease:        getEnvDuration("QUEUE_CLAIM_LEASE", 35*time.Minute),

		AccountDailyLimit:      getEnvInt("ACCOUNT_DAILY_LIMIT", 2),
		AccountHealthThreshold: getEnvInt("ACCOUNT_HEALTH_THRESHOLD", 50),
		AccountRolloverTZ:      getEnvString("ACCOUNT_ROLLOVER_TZ", "Local"),
		AccountLeaseTTL:        getEnvDuration("ACCOUNT_LEASE_TTL", 5*time.Minute),

		BreakerFailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerResetTimeout:     getEnvDuration("BREAKER_RESET_TIMEOUT", 60*time.Second),
		BreakerSuccessThreshold: getEnvInt("BREAKER_SUCCESS_THRESHOLD", 3),
		BreakerVolumeThreshold:  getEnvInt("BREAKER_VOLUME_THRESHOLD", 10),
		BreakerWindow:           getEnvDuration("BREAKER_WINDOW", 5*time.Minute),
		BreakerCallTimeout:      getEnvDuration("BREAKER_CALL_TIMEOUT", 30*time.Second),

		AlertErrorRate:            getEnvFloat("ALERT_ERROR_RATE", 0.5),
		AlertCriticalThreshold:    getEnvInt("ALERT_CRITICAL_THRESHOLD", 5),
		AlertConsecutiveThreshold: getEnvInt("ALERT_CONSECUTIVE_THRESHOLD", 10),

		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),

		RedisAddr:     getEnvString("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: getEnvString("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		DBPath:        getEnvString("DB_PATH", "uploadmatrix.sqlite"),

		EncryptionKey: decodeKey(getEnvString("ENCRYPTION_KEY", "")),

		PolicyPath:      getEnvString("POLICY_PATH", ""),
		PolicyHotReload: getEnvBool("POLICY_HOT_RELOAD", false),

		LogLevel: getEnvString("LOG_LEVEL", "info"),

		PrometheusEnabled: getEnvBool("PROMETHEUS_ENABLED", false),
		PrometheusPort:    getEnvInt("PROMETHEUS_PORT", 9105),
	}
}

// Validate checks configuration values and logs warnings for invalid ones.
// Invalid values are corrected to sensible defaults. HasEncryptionKey must
// still be checked by the caller; a missing key is a startup error, not a
// clampable value.
func (c *Config) Validate() {
	if c.MaxConcurrentUploads < 1 {
		log.Warn().Int("value", c.MaxConcurrentUploads).Msg("Invalid worker count, using default 5")
		c.MaxConcurrentUploads = 5
	} else if c.MaxConcurrentUploads > maxConcurrentUploads {
		log.Warn().
			Int("value", c.MaxConcurrentUploads).
			Int("max", maxConcurrentUploads).
			Msg("Worker count too large, capping to maximum")
		c.MaxConcurrentUploads = maxConcurrentUploads
	}

	if c.BrowserAPIURL == "" || !strings.Contains(c.BrowserAPIURL, "://") {
		log.Warn().Str("url", c.BrowserAPIURL).Msg("Invalid browser API URL, using default")
		c.BrowserAPIURL = "http://127.0.0.1:54345"
	}
	if c.BrowserMaxRetries < 1 {
		log.Warn().Int("retries", c.BrowserMaxRetries).Msg("Invalid browser retry count, using 3")
		c.BrowserMaxRetries = 3
	} else if c.BrowserMaxRetries > 10 {
		log.Warn().Int("retries", c.BrowserMaxRetries).Msg("Browser retry count too high, capping at 10")
		c.BrowserMaxRetries = 10
	}
	if c.BrowserRetryBase < 100*time.Millisecond {
		log.Warn().Dur("base", c.BrowserRetryBase).Msg("Browser retry base too short, using 1s")
		c.BrowserRetryBase = 1 * time.Second
	}
	if c.BrowserCallTimeout < time.Second {
		log.Warn().Dur("timeout", c.BrowserCallTimeout).Msg("Browser call timeout too short, using 30s")
		c.BrowserCallTimeout = 30 * time.Second
	}

	if c.MaxSessions < 1 {
		log.Warn().Int("sessions", c.MaxSessions).Msg("Invalid max sessions, using 10")
		c.MaxSessions = 10
	} else if c.MaxSessions > maxSessions {
		log.Warn().
			Int("sessions", c.MaxSessions).
			Int("max", maxSessions).
			Msg("Max sessions too high, capping to maximum")
		c.MaxSessions = maxSessions
	}
	if c.SessionLeaseWait < time.Second {
		log.Warn().Dur("wait", c.SessionLeaseWait).Msg("Session lease wait too short, using 10s")
		c.SessionLeaseWait = 10 * time.Second
	}

	if c.UploadTimeout < time.Minute {
		log.Warn().Dur("timeout", c.UploadTimeout).Msg("Upload timeout too short, using 30m")
		c.UploadTimeout = 30 * time.Minute
	} else if c.UploadTimeout > maxUploadTimeout {
		log.Warn().
			Dur("timeout", c.UploadTimeout).
			Dur("max", maxUploadTimeout).
			Msg("Upload timeout too long, capping to maximum")
		c.UploadTimeout = maxUploadTimeout
	}

	if c.QueueAttempts < 1 {
		log.Warn().Int("attempts", c.QueueAttempts).Msg("Invalid queue attempts, using 3")
		c.QueueAttempts = 3
	} else if c.QueueAttempts > maxQueueAttempts {
		log.Warn().Int("attempts", c.QueueAttempts).Msg("Queue attempts too high, capping at 10")
		c.QueueAttempts = maxQueueAttempts
	}
	if c.QueueBackoffBase < 100*time.Millisecond {
		log.Warn().Dur("base", c.QueueBackoffBase).Msg("Queue backoff base too short, using 2s")
		c.QueueBackoffBase = 2 * time.Second
	}
	if c.QueueBackoffCap < c.QueueBackoffBase {
		log.Warn().
			Dur("cap", c.QueueBackoffCap).
			Dur("base", c.QueueBackoffBase).
			Msg("Queue backoff cap below base, using 60s")
		c.QueueBackoffCap = 60 * time.Second
	}
	// The claim lease must outlast one full upload attempt, otherwise the
	// reaper redelivers jobs that are still in flight.
	if c.ClaimLease < c.UploadTimeout {
		log.Warn().
			Dur("lease", c.ClaimLease).
			Dur("upload_timeout", c.UploadTimeout).
			Msg("Claim lease shorter than upload timeout, extending")
		c.ClaimLease = c.UploadTimeout + 5*time.Minute
	}

	if c.AccountDailyLimit < 1 {
		log.Warn().Int("limit", c.AccountDailyLimit).Msg("Invalid daily limit, using 2")
		c.AccountDailyLimit = 2
	}
	if c.AccountHealthThreshold < 0 || c.AccountHealthThreshold > 100 {
		log.Warn().Int("threshold", c.AccountHealthThreshold).Msg("Invalid health threshold, using 50")
		c.AccountHealthThreshold = 50
	}
	if _, err := time.LoadLocation(normalizeTZ(c.AccountRolloverTZ)); err != nil {
		log.Warn().Str("tz", c.AccountRolloverTZ).Msg("Unknown rollover timezone, using local")
		c.AccountRolloverTZ = "Local"
	}
	if c.AccountLeaseTTL < time.Minute {
		log.Warn().Dur("ttl", c.AccountLeaseTTL).Msg("Account lease TTL too short, using 5m")
		c.AccountLeaseTTL = 5 * time.Minute
	}

	if c.BreakerFailureThreshold < 1 {
		log.Warn().Int("threshold", c.BreakerFailureThreshold).Msg("Invalid breaker failure threshold, using 5")
		c.BreakerFailureThreshold = 5
	}
	if c.BreakerResetTimeout < time.Second {
		log.Warn().Dur("reset", c.BreakerResetTimeout).Msg("Breaker reset timeout too short, using 60s")
		c.BreakerResetTimeout = 60 * time.Second
	}
	if c.BreakerSuccessThreshold < 1 {
		log.Warn().Int("threshold", c.BreakerSuccessThreshold).Msg("Invalid breaker success threshold, using 3")
		c.BreakerSuccessThreshold = 3
	}
	if c.BreakerVolumeThreshold < 1 {
		log.Warn().Int("threshold", c.BreakerVolumeThreshold).Msg("Invalid breaker volume threshold, using 10")
		c.BreakerVolumeThreshold = 10
	}
	if c.BreakerWindow < 10*time.Second {
		log.Warn().Dur("window", c.BreakerWindow).Msg("Breaker window too short, using 5m")
		c.BreakerWindow = 5 * time.Minute
	}
	if c.BreakerCallTimeout < time.Second {
		log.Warn().Dur("timeout", c.BreakerCallTimeout).Msg("Breaker call timeout too short, using 30s")
		c.BreakerCallTimeout = 30 * time.Second
	}

	if c.AlertErrorRate <= 0 || c.AlertErrorRate > 1 {
		log.Warn().Float64("rate", c.AlertErrorRate).Msg("Invalid alert error rate, using 0.5")
		c.AlertErrorRate = 0.5
	}
	if c.AlertCriticalThreshold < 1 {
		c.AlertCriticalThreshold = 5
	}
	if c.AlertConsecutiveThreshold < 1 {
		c.AlertConsecutiveThreshold = 10
	}

	if c.ShutdownTimeout < time.Second {
		log.Warn().Dur("timeout", c.ShutdownTimeout).Msg("Shutdown timeout too short, using 30s")
		c.ShutdownTimeout = 30 * time.Second
	}

	if len(c.EncryptionKey) > 0 && len(c.EncryptionKey) != minEncryptionKeyLen {
		log.Error().
			Int("length", len(c.EncryptionKey)).
			Int("required", minEncryptionKeyLen).
			Msg("ENCRYPTION_KEY must decode to exactly 32 bytes")
		c.EncryptionKey = nil
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		log.Warn().Str("level", c.LogLevel).Msg("Invalid log level, using 'info'")
		c.LogLevel = "info"
	}

	if c.PolicyHotReload && c.PolicyPath == "" {
		log.Warn().Msg("POLICY_HOT_RELOAD enabled but POLICY_PATH not set - hot-reload disabled")
		c.PolicyHotReload = false
	}
}

// HasEncryptionKey reports whether a usable credential key is configured.
func (c *Config) HasEncryptionKey() bool {
	return len(c.EncryptionKey) == minEncryptionKeyLen
}

// RolloverLocation resolves the configured rollover timezone.
func (c *Config) RolloverLocation() *time.Location {
	loc, err := time.LoadLocation(normalizeTZ(c.AccountRolloverTZ))
	if err != nil {
		return time.Local
	}
	return loc
}

func normalizeTZ(tz string) string {
	if tz == "" || strings.EqualFold(tz, "local") {
		return "Local"
	}
	return tz
}

// decodeKey decodes a hex-encoded key, returning nil on any error.
// Validation of the decoded length happens in Validate.
func decodeKey(hexKey string) []byte {
	if hexKey == "" {
		return nil
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		log.Error().Msg("ENCRYPTION_KEY is not valid hex")
		return nil
	}
	return key
}

// Helper functions for environment variable parsing

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		intValue, err := strconv.ParseInt(value, 10, 32)
		if err == nil {
			return int(intValue)
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		f, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return f
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Float64("default", defaultValue).
			Msg("Invalid float in environment variable, using default")
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolValue, err := strconv.ParseBool(value)
		if err == nil {
			return boolValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Bool("default", defaultValue).
			Msg("Invalid boolean in environment variable, using default")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err == nil {
			if duration > 0 {
				return duration
			}
			log.Warn().
				Str("key", key).
				Str("value", value).
				Dur("default", defaultValue).
				Msg("Duration must be positive, using default")
			return defaultValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Dur("default", defaultValue).
			Msg("Invalid duration in environment variable, using default")
	}
	return defaultValue
}
