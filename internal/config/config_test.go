package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("REALTIME_BACKEND", "memory")
	t.Setenv("STORAGE_BACKEND", "supabase")
	t.Setenv("CORS_ORIGINS", "https://app.example.com, http://localhost:5173")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ServerPort != "8080" {
		t.Fatalf("port: want=8080 got=%s", cfg.ServerPort)
	}
	if cfg.UploadRateLimit != 10 || cfg.UploadRateWindow != time.Minute {
		t.Fatalf("rate limit defaults: got=%d/%s", cfg.UploadRateLimit, cfg.UploadRateWindow)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "http://localhost:5173" {
		t.Fatalf("cors origins not trimmed: %#v", cfg.CORSOrigins)
	}
}

func TestValidateRejectsInconsistentSettings(t *testing.T) {
	cases := map[string]Config{
		"redis without addr": {DatabaseDriver: "sqlite", RealtimeBackend: "redis", StorageBackend: "supabase", UploadRateLimit: 1, UploadRateWindow: time.Second},
		"gcs without bucket": {DatabaseDriver: "sqlite", RealtimeBackend: "memory", StorageBackend: "gcs", UploadRateLimit: 1, UploadRateWindow: time.Second},
		"unknown driver":     {DatabaseDriver: "mysql", RealtimeBackend: "memory", StorageBackend: "supabase", UploadRateLimit: 1, UploadRateWindow: time.Second},
		"zero rate limit":    {DatabaseDriver: "sqlite", RealtimeBackend: "memory", StorageBackend: "supabase"},
	}
	for name, cfg := range cases {
		cfg := cfg
		t.Run(name, func(t *testing.T) {
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
