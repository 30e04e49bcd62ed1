package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds all configuration for the bridge
type Config struct {
	// HTTP
	ListenAddr string

	// Database: postgres:// DSN or a SQLite file path
	DatabaseDSN string

	// Bootstrap administrator (used by the init command)
	AdminUser string
	AdminPass string

	// Notifier
	NotifyWorkers int

	// Telegram notification channel (optional, shops opt in per chat id)
	TelegramToken string

	Debug bool
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:    getEnv("LISTEN_ADDR", ":8080"),
		DatabaseDSN:   getEnv("DATABASE_DSN", "data/jdbridge.db"),
		AdminUser:     getEnv("ADMIN_USER", "admin"),
		AdminPass:     os.Getenv("ADMIN_PASS"),
		NotifyWorkers: getEnvInt("NOTIFY_WORKERS", 4),
		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		Debug:         getEnvBool("DEBUG", false),
	}

	if cfg.NotifyWorkers < 1 {
		return nil, fmt.Errorf("NOTIFY_WORKERS must be at least 1")
	}

	return cfg, nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
