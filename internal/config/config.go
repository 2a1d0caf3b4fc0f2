package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment configuration values for the application.
// Values come from the process environment, optionally seeded from a .env file.
type Config struct {
	// Env selects the logger mode ("development" or "production")
	Env string `env:"APP_ENV" envDefault:"development"`

	// ServerPort is the port the HTTP server listens on
	ServerPort string `env:"PORT" envDefault:"8080"`

	// DatabaseDriver is "sqlite" or "postgres"
	DatabaseDriver string `env:"DATABASE_DRIVER" envDefault:"sqlite"`

	// DatabaseURL is the DSN (or file path for sqlite)
	DatabaseURL string `env:"DATABASE_URL" envDefault:"widget.db"`

	// SupabaseURL is the URL of the Supabase project used for storage and realtime mirroring
	SupabaseURL string `env:"SUPABASE_URL"`

	// SupabaseKey is the service role key for backend operations.
	// This key has elevated privileges and should never be exposed to clients
	SupabaseKey string `env:"SUPABASE_SERVICE_ROLE_KEY"`

	// StorageBackend is "supabase" or "gcs"
	StorageBackend string `env:"STORAGE_BACKEND" envDefault:"supabase"`
	StorageBucket  string `env:"STORAGE_BUCKET" envDefault:"chat-images"`
	GCSBucket      string `env:"GCS_BUCKET"`
	// GCSPublicBaseURL is an optional CDN in front of the bucket
	GCSPublicBaseURL string `env:"GCS_PUBLIC_BASE_URL"`

	// RealtimeBackend is "memory" (single process) or "redis"
	RealtimeBackend      string `env:"REALTIME_BACKEND" envDefault:"memory"`
	RedisAddr            string `env:"REDIS_ADDR"`
	RedisPassword        string `env:"REDIS_PASSWORD"`
	RedisDB              int    `env:"REDIS_DB" envDefault:"0"`
	RedisChannelPrefix   string `env:"REDIS_CHANNEL_PREFIX" envDefault:"widget:room:"`
	SupabaseRealtimeSync bool   `env:"SUPABASE_REALTIME_MIRROR" envDefault:"false"`

	// JWTSecret signs and verifies agent dashboard tokens
	JWTSecret string `env:"JWT_SECRET"`

	// CORSOrigins are the dashboard origins. Widget endpoints use each tenant's domain list instead.
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"http://localhost:5173,http://localhost:3000"`

	UploadRateLimit  int           `env:"UPLOAD_RATE_LIMIT" envDefault:"10"`
	UploadRateWindow time.Duration `env:"UPLOAD_RATE_WINDOW" envDefault:"1m"`
	CleanupInterval  time.Duration `env:"CLEANUP_INTERVAL" envDefault:"1m"`

	// PresenceWindow is how recent last_activity must be for a visitor to count as online
	PresenceWindow time.Duration `env:"PRESENCE_WINDOW" envDefault:"60s"`
}

// Load reads a .env file if present, then parses the environment into a Config.
func Load() (*Config, error) {
	// Not an error if it doesn't exist; production runs with real environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	for i, origin := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(origin)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks combinations of settings that env tags cannot express.
func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver)
	}
	switch c.RealtimeBackend {
	case "memory":
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("REALTIME_BACKEND=redis requires REDIS_ADDR")
		}
	default:
		return fmt.Errorf("unsupported REALTIME_BACKEND %q", c.RealtimeBackend)
	}
	switch c.StorageBackend {
	case "supabase":
		if c.SupabaseURL == "" || c.SupabaseKey == "" {
			log.Println("WARNING: SUPABASE_URL or SUPABASE_SERVICE_ROLE_KEY is not set; image uploads will fail")
		}
	case "gcs":
		if c.GCSBucket == "" {
			return fmt.Errorf("STORAGE_BACKEND=gcs requires GCS_BUCKET")
		}
	default:
		return fmt.Errorf("unsupported STORAGE_BACKEND %q", c.StorageBackend)
	}
	if c.SupabaseRealtimeSync && c.SupabaseURL == "" {
		return fmt.Errorf("SUPABASE_REALTIME_MIRROR requires SUPABASE_URL")
	}
	if c.JWTSecret == "" {
		log.Println("WARNING: JWT_SECRET is not set; dashboard endpoints will reject every request")
	}
	if c.UploadRateLimit <= 0 || c.UploadRateWindow <= 0 {
		return fmt.Errorf("upload rate limit and window must be positive")
	}
	return nil
}
