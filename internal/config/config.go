package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	JWTSigningKey string `mapstructure:"JWT_SIGNING_KEY"`

	// Suggestion pipeline policy.
	SuggestionTimeoutSec  int `mapstructure:"SUGGESTION_TIMEOUT_SEC"`
	SuggestionMaxAttempts int `mapstructure:"SUGGESTION_MAX_ATTEMPTS"`

	// Synchronization hub bounds.
	DeltaRetention    int `mapstructure:"DELTA_RETENTION"`
	SessionQueueLimit int `mapstructure:"SESSION_QUEUE_LIMIT"`

	// External AI services.
	OpenRouterAPIKey string `mapstructure:"OPENROUTER_API_KEY"`
	OpenRouterURL    string `mapstructure:"OPENROUTER_URL"`
	OpenRouterModel  string `mapstructure:"OPENROUTER_MODEL"`
	STTURL           string `mapstructure:"STT_URL"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("SUGGESTION_TIMEOUT_SEC", 30)
	v.SetDefault("SUGGESTION_MAX_ATTEMPTS", 3)
	v.SetDefault("DELTA_RETENTION", 256)
	v.SetDefault("SESSION_QUEUE_LIMIT", 64)
	v.SetDefault("OPENROUTER_URL", "https://openrouter.ai/api/v1/chat/completions")
	v.SetDefault("OPENROUTER_MODEL", "meta-llama/llama-3.1-8b-instruct:free")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("JWT_SIGNING_KEY")
	v.BindEnv("SUGGESTION_TIMEOUT_SEC")
	v.BindEnv("SUGGESTION_MAX_ATTEMPTS")
	v.BindEnv("DELTA_RETENTION")
	v.BindEnv("SESSION_QUEUE_LIMIT")
	v.BindEnv("OPENROUTER_API_KEY")
	v.BindEnv("OPENROUTER_URL")
	v.BindEnv("OPENROUTER_MODEL")
	v.BindEnv("STT_URL")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.IsDev() && cfg.DatabaseURL == "" {
		log.Println("WARNING: DATABASE_URL not set; running with in-memory storage.")
		log.Println("WARNING: Encounters and feedback will not survive a restart.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// SuggestionTimeout returns the per-attempt deadline for suggestion calls.
func (c *Config) SuggestionTimeout() time.Duration {
	return time.Duration(c.SuggestionTimeoutSec) * time.Second
}

// Validate checks that the configuration is safe to run. Outside of
// development a database and a JWT signing key are required so that
// state survives restarts and doctor decisions are attributable.
func (c *Config) Validate() error {
	if !c.IsDev() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when ENV is not development")
		}
		if c.JWTSigningKey == "" {
			return fmt.Errorf("JWT_SIGNING_KEY is required when ENV is not development")
		}
	}
	if c.SuggestionTimeoutSec <= 0 {
		return fmt.Errorf("SUGGESTION_TIMEOUT_SEC must be positive, got %d", c.SuggestionTimeoutSec)
	}
	if c.SuggestionMaxAttempts <= 0 {
		return fmt.Errorf("SUGGESTION_MAX_ATTEMPTS must be positive, got %d", c.SuggestionMaxAttempts)
	}
	if c.DeltaRetention <= 0 {
		return fmt.Errorf("DELTA_RETENTION must be positive, got %d", c.DeltaRetention)
	}
	if c.SessionQueueLimit <= 0 {
		return fmt.Errorf("SESSION_QUEUE_LIMIT must be positive, got %d", c.SessionQueueLimit)
	}
	return nil
}
