package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// RateLimitOverride carries a limit/period pair parsed from a
// RATE_LIMIT_<RULE>_{LIMIT,PERIOD} env quad. Identifier types and key
// templates are owned by the ratelimit package; env can only tune numbers.
type RateLimitOverride struct {
	Limit  int
	Period time.Duration
}

// Config holds application configuration
type Config struct {
	Port          string
	Env           string
	PublicBaseURL string
	LogLevel      string

	APIKey         string
	AdminJWTSecret string

	TransportAccountSID string
	TransportAuthToken  string
	TransportAPIURL     string
	TransportTimeout    time.Duration
	Numbers             []string

	MaxMessagesPerSecond int
	HighThreshold        float64
	AlertThreshold       float64
	StatsWindow          int
	LoadWindowSeconds    int
	AlertCooldown        time.Duration
	AlertWebhookURL      string

	BackendURL     string
	BackendKey     string
	BackendTimeout time.Duration

	IdentityURL      string
	IdentityRealm    string
	IdentityClientID string
	IdentityUser     string
	IdentityPass     string
	IdentityTimeout  time.Duration

	EmailProvider string
	EmailAPIKey   string
	EmailFrom     string
	EmailFromName string
	EmailTimeout  time.Duration

	KVHost           string
	KVPort           string
	KVDB             int
	KVPassword       string
	KVTLS            bool
	KVConnectTimeout time.Duration
	KVReadTimeout    time.Duration

	DatabaseURL string

	UseMemoryQueue     bool
	QueueURLHigh       string
	QueueURLDefault    string
	QueueURLLow        string
	DeadLetterQueueURL string
	WorkerCountHigh    int
	WorkerCountDefault int
	WorkerCountLow     int
	WorkerMaxJobs      int

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string

	IdempotencyTTL time.Duration
	SequenceTTL    time.Duration
	LockTTL        time.Duration
	LockMaxRetries int
	OtpTTL         time.Duration
	MaxOtpAttempts int

	HTTPMaxConnsPerHost int

	RateLimitOverrides map[string]RateLimitOverride
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		PublicBaseURL: getEnv("PUBLIC_BASE_URL", ""),
		LogLevel:      getEnv("LOG_LEVEL", "info"),

		APIKey:         getEnv("API_KEY", ""),
		AdminJWTSecret: getEnv("ADMIN_JWT_SECRET", ""),

		TransportAccountSID: getEnv("TRANSPORT_ACCOUNT_SID", ""),
		TransportAuthToken:  getEnv("TRANSPORT_AUTH_TOKEN", ""),
		TransportAPIURL:     getEnv("TRANSPORT_API_URL", "https://api.twilio.com"),
		TransportTimeout:    getEnvAsDuration("TRANSPORT_TIMEOUT", 10*time.Second),
		Numbers:             splitNumbers(getEnv("NUMBERS", "")),

		MaxMessagesPerSecond: getEnvAsInt("MAX_MESSAGES_PER_SECOND", 70),
		HighThreshold:        getEnvAsFloat("HIGH_THRESHOLD", 0.7),
		AlertThreshold:       getEnvAsFloat("ALERT_THRESHOLD", 0.9),
		StatsWindow:          getEnvAsInt("STATS_WINDOW", 60),
		LoadWindowSeconds:    getEnvAsInt("LOAD_WINDOW_SECONDS", 1),
		AlertCooldown:        getEnvAsDuration("ALERT_COOLDOWN", 5*time.Minute),
		AlertWebhookURL:      getEnv("ALERT_WEBHOOK_URL", ""),

		BackendURL:     getEnv("BACKEND_URL", ""),
		BackendKey:     getEnv("BACKEND_KEY", ""),
		BackendTimeout: getEnvAsDuration("BACKEND_TIMEOUT", 15*time.Second),

		IdentityURL:      getEnv("IDENTITY_URL", ""),
		IdentityRealm:    getEnv("IDENTITY_REALM", ""),
		IdentityClientID: getEnv("IDENTITY_CLIENT_ID", "admin-cli"),
		IdentityUser:     getEnv("IDENTITY_USER", ""),
		IdentityPass:     getEnv("IDENTITY_PASS", ""),
		IdentityTimeout:  getEnvAsDuration("IDENTITY_TIMEOUT", 10*time.Second),

		EmailProvider: strings.ToLower(strings.TrimSpace(getEnv("EMAIL_PROVIDER", "auto"))),
		EmailAPIKey:   getEnv("EMAIL_API_KEY", ""),
		EmailFrom:     getEnv("EMAIL_FROM", ""),
		EmailFromName: getEnv("EMAIL_FROM_NAME", "RelayPoint"),
		EmailTimeout:  getEnvAsDuration("EMAIL_TIMEOUT", 10*time.Second),

		KVHost:           getEnv("KV_HOST", "localhost"),
		KVPort:           getEnv("KV_PORT", "6379"),
		KVDB:             getEnvAsInt("KV_DB", 0),
		KVPassword:       getEnv("KV_PASSWORD", ""),
		KVTLS:            getEnvAsBool("KV_TLS", false),
		KVConnectTimeout: getEnvAsDuration("KV_CONNECT_TIMEOUT", 5*time.Second),
		KVReadTimeout:    getEnvAsDuration("KV_READ_TIMEOUT", 2*time.Second),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		UseMemoryQueue:     getEnvAsBool("USE_MEMORY_QUEUE", false),
		QueueURLHigh:       getEnv("QUEUE_URL_HIGH", ""),
		QueueURLDefault:    getEnv("QUEUE_URL_DEFAULT", ""),
		QueueURLLow:        getEnv("QUEUE_URL_LOW", ""),
		DeadLetterQueueURL: getEnv("DEAD_LETTER_QUEUE_URL", ""),
		WorkerCountHigh:    getEnvAsInt("WORKER_COUNT_HIGH", 4),
		WorkerCountDefault: getEnvAsInt("WORKER_COUNT_DEFAULT", 2),
		WorkerCountLow:     getEnvAsInt("WORKER_COUNT_LOW", 1),
		WorkerMaxJobs:      getEnvAsInt("WORKER_MAX_JOBS", 1000),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),

		IdempotencyTTL: getEnvAsDuration("IDEMPOTENCY_TTL", time.Hour),
		SequenceTTL:    getEnvAsDuration("SEQUENCE_TTL", time.Hour),
		LockTTL:        getEnvAsDuration("LOCK_TTL", 10*time.Second),
		LockMaxRetries: getEnvAsInt("LOCK_MAX_RETRIES", 3),
		OtpTTL:         getEnvAsDuration("OTP_TTL", 10*time.Minute),
		MaxOtpAttempts: getEnvAsInt("MAX_OTP_ATTEMPTS", 3),

		HTTPMaxConnsPerHost: getEnvAsInt("HTTP_MAX_CONNS_PER_HOST", 100),

		RateLimitOverrides: loadRateLimitOverrides(os.Environ()),
	}
}

// KVAddr returns the host:port address of the shared KV store.
func (c *Config) KVAddr() string {
	return c.KVHost + ":" + c.KVPort
}

// splitNumbers parses the comma-separated NUMBERS value, dropping empties.
func splitNumbers(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	numbers := make([]string, 0, len(parts))
	for _, p := range parts {
		if n := strings.TrimSpace(p); n != "" {
			numbers = append(numbers, n)
		}
	}
	return numbers
}

// loadRateLimitOverrides scans the environment for RATE_LIMIT_<RULE>_LIMIT /
// RATE_LIMIT_<RULE>_PERIOD pairs. Periods are whole seconds. A rule appears
// in the result as soon as either half of the quad is present.
func loadRateLimitOverrides(environ []string) map[string]RateLimitOverride {
	overrides := make(map[string]RateLimitOverride)
	for _, entry := range environ {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasPrefix(key, "RATE_LIMIT_") {
			continue
		}
		rest := strings.TrimPrefix(key, "RATE_LIMIT_")
		var rule, field string
		switch {
		case strings.HasSuffix(rest, "_LIMIT"):
			rule, field = strings.TrimSuffix(rest, "_LIMIT"), "limit"
		case strings.HasSuffix(rest, "_PERIOD"):
			rule, field = strings.TrimSuffix(rest, "_PERIOD"), "period"
		default:
			continue
		}
		if rule == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n <= 0 {
			continue
		}
		name := strings.ToLower(rule)
		o := overrides[name]
		if field == "limit" {
			o.Limit = n
		} else {
			o.Period = time.Duration(n) * time.Second
		}
		overrides[name] = o
	}
	return overrides
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsFloat retrieves an environment variable as a float or returns a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
