package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port        string
	Environment string

	// Database
	DatabaseURL string
	RedisURL    string

	// JWT
	JWTSecret string

	// OAuth - Google
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string
	GoogleRefreshToken string

	// Webhook
	WebhookBaseURL string
	WebhookToken   string

	// Channels
	ChannelTTL        time.Duration
	DefaultCalendarID string

	// Renewal scheduler
	SchedulerEnabled   bool
	RenewCheckInterval time.Duration
	RenewLookahead     time.Duration

	// CORS
	AllowedOrigins []string
}

func Load() (*Config, error) {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENV", "development"),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),

		JWTSecret: getEnv("JWT_SECRET", ""),

		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleRedirectURL:  getEnv("GOOGLE_REDIRECT_URL", ""),
		GoogleRefreshToken: getEnv("GOOGLE_REFRESH_TOKEN", ""),

		WebhookBaseURL: getEnv("WEBHOOK_BASE_URL", ""),
		WebhookToken:   getEnv("WEBHOOK_TOKEN", ""),

		// Google은 채널을 최대 7일까지만 유지합니다
		ChannelTTL:        time.Duration(getEnvInt("CHANNEL_TTL_HOUR", 168)) * time.Hour,
		DefaultCalendarID: getEnv("DEFAULT_CALENDAR_ID", "primary"),

		SchedulerEnabled:   getEnvBool("SCHEDULER_ENABLED", true),
		RenewCheckInterval: time.Duration(getEnvInt("RENEW_CHECK_INTERVAL_HOUR", 6)) * time.Hour,
		RenewLookahead:     time.Duration(getEnvInt("RENEW_LOOKAHEAD_HOUR", 24)) * time.Hour,

		AllowedOrigins: getEnvSlice("ALLOWED_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"}),
	}, nil
}

// WebhookAddress is the full callback URL registered with Google.
func (c *Config) WebhookAddress() string {
	return strings.TrimRight(c.WebhookBaseURL, "/") + "/webhooks/google"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
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

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			return cleaned
		}
	}
	return defaultValue
}
