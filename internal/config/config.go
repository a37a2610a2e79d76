package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	Port string
	Env  string

	// Storage: Postgres (Supabase) when DATABASE_URL is set, SQLite
	// otherwise.
	DatabaseURL string
	SQLitePath  string

	// Optional pub/sub backend for turn notifications.
	RedisURL string

	// Hosted model endpoint.
	LLMBaseURL string
	LLMAPIKey  string
	LLMModel   string
	LLMTimeout time.Duration

	// Send pipeline tuning.
	MaxContextMessages  int
	ContextCharBudget   int
	MaxReplyTokens      int
	MaxPromptTokens     int
	SimilarityThreshold float64

	// Auth.
	OTPTTL     time.Duration
	SessionTTL time.Duration

	// WhatsApp gateway.
	WhatsAppGatewayURL   string
	WhatsAppGatewayToken string
	WhatsAppVerifyToken  string
}

// Load reads configuration from environment variables. In development, a
// .env file is honored if present. In production, required variables panic
// when missing.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Env:         getEnv("ENV", "development"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		SQLitePath:  getEnv("SQLITE_PATH", "./data/companion.db"),
		RedisURL:    os.Getenv("REDIS_URL"),

		LLMBaseURL: getEnv("LLM_BASE_URL", "http://localhost:11434/v1/"),
		LLMAPIKey:  os.Getenv("LLM_API_KEY"),
		LLMModel:   getEnv("LLM_MODEL", "llama3.1:8b"),
		LLMTimeout: getDuration("LLM_TIMEOUT", 30*time.Second),

		MaxContextMessages:  getInt("MAX_CONTEXT_MESSAGES", 20),
		ContextCharBudget:   getInt("CONTEXT_CHAR_BUDGET", 4000),
		MaxReplyTokens:      getInt("MAX_REPLY_TOKENS", 500),
		MaxPromptTokens:     getInt("MAX_PROMPT_TOKENS", 8000),
		SimilarityThreshold: getFloat("SIMILARITY_THRESHOLD", 0.2),

		OTPTTL:     getDuration("OTP_TTL", 5*time.Minute),
		SessionTTL: getDuration("SESSION_TTL", 7*24*time.Hour),

		WhatsAppGatewayURL:   os.Getenv("WHATSAPP_GATEWAY_URL"),
		WhatsAppGatewayToken: os.Getenv("WHATSAPP_GATEWAY_TOKEN"),
		WhatsAppVerifyToken:  os.Getenv("WHATSAPP_VERIFY_TOKEN"),
	}

	if cfg.Env == "production" {
		if cfg.DatabaseURL == "" {
			panic("DATABASE_URL is required in production")
		}
		if cfg.LLMAPIKey == "" {
			panic("LLM_API_KEY is required in production")
		}
		if cfg.WhatsAppVerifyToken == "" {
			panic("WHATSAPP_VERIFY_TOKEN is required in production")
		}
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
