package config

import "os"

const (
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// DefaultBaseURL is the backend address used when CHARCHAT_API_URL is unset.
const DefaultBaseURL = "http://localhost:8000"

// Config holds application configuration
type Config struct {
	BaseURL     string // Inference backend base URL
	CharacterID string // Active conversation key
	Debug       bool

	// Persistence configuration
	StoreDriver string // sqlite|memory|redis
	StorePath   string // SQLite database path
	RedisAddr   string // Redis address for the redis driver
}

// FromEnv reads the environment-backed settings once at process start.
func FromEnv() Config {
	cfg := Config{
		BaseURL:     DefaultBaseURL,
		StoreDriver: StoreSQLite,
		StorePath:   "charchat.db",
	}
	if v := os.Getenv("CHARCHAT_API_URL"); v != "" {
		cfg.BaseURL = v
	}
	return cfg
}
