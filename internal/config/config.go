package config

import "os"

// Config holds the process-level settings for a relay replica.
type Config struct {
	// ServerID identifies this replica on the pub/sub bus. Envelopes carrying
	// our own ServerID are dropped by the subscriber to suppress echoes.
	ServerID string

	// RedisURL points at the store used for snapshots and pub/sub.
	RedisURL string

	// Port is the HTTP listen port.
	Port string
}

// FromEnv builds a Config from environment variables, applying defaults
// for anything unset. Call godotenv.Load before this in main.
func FromEnv() Config {
	return Config{
		ServerID: getenv("SERVER_ID", "local"),
		RedisURL: getenv("REDIS_URL", "redis://localhost:6379"),
		Port:     getenv("PORT", "8080"),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
