// Package config loads runtime settings from the environment, with an
// optional .env file for development.
package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds every runtime setting the server reads.
type Config struct {
	Env          string
	Port         string
	DatabasePath string
	JWTSecret    string
	// Bootstrap credentials for the operations participant that drives the
	// internal routes. Registered at startup when set.
	AdminAPIKey    string
	AdminAPISecret string
	// RefreshCron is the cron spec for the periodic rate refresh.
	RefreshCron string
	// AllowStaleReference lets accrual proceed on a reference rate that has
	// outlived its heartbeat. Off by default: stale inputs are refused.
	AllowStaleReference bool
	Debug               bool
}

// Load reads the environment, consulting .env when present. Missing keys fall
// back to development defaults.
func Load() *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("could not read .env file")
	}

	return &Config{
		Env:                 getEnv("ENV", "development"),
		Port:                getEnv("PORT", "8080"),
		DatabasePath:        getEnv("DATABASE_PATH", "debenture.db"),
		JWTSecret:           getEnv("JWT_SECRET", "dev-secret-key"),
		AdminAPIKey:         getEnv("ADMIN_API_KEY", "dev-admin-key"),
		AdminAPISecret:      getEnv("ADMIN_API_SECRET", "dev-admin-secret"),
		RefreshCron:         getEnv("REFRESH_CRON", "0 18 * * 1-5"),
		AllowStaleReference: getBool("ALLOW_STALE_REFERENCE", false),
		Debug:               getBool("DEBUG", false),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
