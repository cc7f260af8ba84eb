// Package config loads runtime configuration from environment variables,
// following the teacher's Load()-returns-populated-struct pattern
// (pkg/config/config.go) rather than a flag- or file-based loader.
package config

import (
	"os"
	"strconv"
)

// Config holds the environment-driven settings the orchestrator and CLI
// consume, per spec §6.
type Config struct {
	PolicyProfileID      string
	EnableRealSend       bool
	WebhookSigningSecret string
	IdempotencyStorePath string
	RateLimitStorePath   string
	RequireIdempotency   bool
	AllowNoopOnly        bool

	EvidenceRoot string
	RedisAddr    string
	LogLevel     string
}

const (
	defaultIdempotencyStorePath = "artifacts/mova_agent/idempotency_store.json"
	defaultRateLimitStorePath   = "artifacts/mova_agent/rate_limit_store.json"
	defaultEvidenceRoot         = "artifacts/mova_agent"
)

// Load reads every environment variable the runtime consumes, applying the
// documented defaults for anything unset.
func Load() *Config {
	c := &Config{
		PolicyProfileID:      getenv("OCP_POLICY_PROFILE_ID", "default"),
		EnableRealSend:       os.Getenv("OCP_ENABLE_REAL_SEND") == "1",
		WebhookSigningSecret: os.Getenv("WEBHOOK_SIGNING_SECRET"),
		IdempotencyStorePath: getenv("OCP_IDEMPOTENCY_STORE_PATH", defaultIdempotencyStorePath),
		RateLimitStorePath:   getenv("OCP_RATE_LIMIT_STORE_PATH", defaultRateLimitStorePath),
		RequireIdempotency:   os.Getenv("OCP_REQUIRE_IDEMPOTENCY") == "1",
		AllowNoopOnly:        os.Getenv("ALLOW_NOOP_ONLY") == "1",
		EvidenceRoot:         getenv("MOVA_EVIDENCE_ROOT", defaultEvidenceRoot),
		RedisAddr:            os.Getenv("MOVA_REDIS_ADDR"),
		LogLevel:             getenv("LOG_LEVEL", "INFO"),
	}
	return c
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// BoolEnv reads key as a loose boolean ("1", "true", "TRUE").
func BoolEnv(key string) bool {
	v := os.Getenv(key)
	b, _ := strconv.ParseBool(v)
	return b
}
