// Package config loads server configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	Store       string // "memory" or "pg"
	DatabaseURL string
	PGSchema    string

	Autotick         bool
	AutotickInterval time.Duration

	MaxBodyBytes    int64
	IngestMaxEvents int

	RateLimitRPM   int
	RateLimitBurst int

	OutboxMaxAttempts   int
	ReclaimAfterSeconds int

	EvidencePresignMaxSeconds int
	SecretsCacheTTL           time.Duration
	AllowInlineSecrets        bool

	SignerSeedHex string
	SignerKeyID   string
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:     envStr("PORT", "8080"),
		LogLevel: envStr("LOG_LEVEL", "INFO"),

		Store:       envStr("STORE", "memory"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		PGSchema:    envStr("PROXY_PG_SCHEMA", "settld"),

		Autotick:         os.Getenv("PROXY_AUTOTICK") == "1",
		AutotickInterval: time.Duration(envInt("PROXY_AUTOTICK_INTERVAL_MS", 5000)) * time.Millisecond,

		MaxBodyBytes:    int64(envInt("PROXY_MAX_BODY_BYTES", 1<<20)),
		IngestMaxEvents: envInt("PROXY_INGEST_MAX_EVENTS", 100),

		RateLimitRPM:   envInt("PROXY_RATE_LIMIT_RPM", 600),
		RateLimitBurst: envInt("PROXY_RATE_LIMIT_BURST", 60),

		OutboxMaxAttempts:   envInt("PROXY_OUTBOX_MAX_ATTEMPTS", 8),
		ReclaimAfterSeconds: envInt("PROXY_RECLAIM_AFTER_SECONDS", 300),

		EvidencePresignMaxSeconds: envInt("PROXY_EVIDENCE_PRESIGN_MAX_SECONDS", 3600),
		SecretsCacheTTL:           time.Duration(envInt("PROXY_SECRETS_CACHE_TTL_SECONDS", 300)) * time.Second,
		AllowInlineSecrets:        os.Getenv("PROXY_ALLOW_INLINE_SECRETS") == "1",

		SignerSeedHex: os.Getenv("PROXY_SIGNER_SEED_HEX"),
		SignerKeyID:   envStr("PROXY_SIGNER_KEY_ID", "proxy-signing-key"),
	}

	switch cfg.Store {
	case "memory", "pg":
	default:
		return nil, fmt.Errorf("config: STORE must be memory or pg, got %q", cfg.Store)
	}
	if cfg.Store == "pg" && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("config: DATABASE_URL is required when STORE=pg")
	}
	if cfg.EvidencePresignMaxSeconds > 3600 {
		return nil, fmt.Errorf("config: PROXY_EVIDENCE_PRESIGN_MAX_SECONDS must be <= 3600")
	}
	return cfg, nil
}
