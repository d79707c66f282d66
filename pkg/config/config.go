// Package config loads the host runtime configuration: a small set of
// environment variables for process-level knobs plus a YAML host profile
// describing the module set and sandbox limits.
package config

import "os"

// Config holds process configuration from the environment.
type Config struct {
	ProfilePath  string
	LogLevel     string
	RedisAddr    string
	DatabasePath string
	JWTKey       string
	JWTIssuer    string
	OTLPEndpoint string
}

// Load reads configuration from environment variables, with development
// defaults for everything but the signing key.
func Load() *Config {
	profile := os.Getenv("PLINTH_PROFILE")
	if profile == "" {
		profile = "profile.yaml"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	dbPath := os.Getenv("PLINTH_DB")
	if dbPath == "" {
		dbPath = "plinth.db"
	}

	issuer := os.Getenv("PLINTH_JWT_ISSUER")
	if issuer == "" {
		issuer = "plinthd"
	}

	otlp := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otlp == "" {
		otlp = "localhost:4317"
	}

	return &Config{
		ProfilePath:  profile,
		LogLevel:     logLevel,
		RedisAddr:    redisAddr,
		DatabasePath: dbPath,
		JWTKey:       os.Getenv("PLINTH_JWT_KEY"),
		JWTIssuer:    issuer,
		OTLPEndpoint: otlp,
	}
}
