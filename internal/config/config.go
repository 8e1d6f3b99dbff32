// Package config loads the service configuration from the environment,
// optionally seeded from a .env file.
package config

import (
	"os"

	"github.com/joho/godotenv"
)

// Config is the bootstrap configuration for cmd/idcore.
type Config struct {
	// ListenAddr is the observability listener address.
	ListenAddr string
	// PostgresDSN selects the Postgres store; empty selects the in-memory
	// store.
	PostgresDSN string
	// LogLevel switches debug logging on when set to "debug".
	LogLevel string
}

// Load reads configuration from the environment. A .env file, when present,
// fills unset variables first.
func Load() Config {
	_ = godotenv.Load()
	return Config{
		ListenAddr:  getenv("IDCORE_LISTEN", ":8080"),
		PostgresDSN: os.Getenv("IDCORE_PG_DSN"),
		LogLevel:    os.Getenv("LOG_LEVEL"),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
