package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration. One instance is built at
// startup and injected into every component; nothing reads the environment
// after Load returns.
type Config struct {
	NodeEnv   string
	Port      string
	JWTSecret string
	Database  DatabaseConfig
	Sheets    SheetsConfig
	Sync      SyncConfig
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	Database string
	Alter    bool
}

// SheetsConfig holds Google Sheets API configuration
type SheetsConfig struct {
	CredentialsFile string // Service account JSON key
	RequestTimeout  time.Duration
	MaxRetries      int
}

// SyncConfig holds tunables for the sync orchestrator
type SyncConfig struct {
	AutoSyncEnabled  bool
	AutoSyncInterval time.Duration
	SyncOnStartup    bool
	SafetyMargin     time.Duration // Absorbs clock skew between DB and Sheets
	ParallelWorkers  int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	return &Config{
		NodeEnv:   getEnv("NODE_ENV", "development"),
		Port:      getEnv("PORT", "3310"),
		JWTSecret: jwtSecret,
		Database: DatabaseConfig{
			Host:     getEnv("PG_HOST", "localhost"),
			Port:     getEnv("PG_PORT", "5432"),
			Username: getEnv("PG_USERNAME", "postgres"),
			Password: os.Getenv("PG_PASSWORD"),
			Database: getEnv("PG_DATABASE", "presync"),
			Alter:    getEnv("DB_ALTER", "false") == "true",
		},
		Sheets: SheetsConfig{
			CredentialsFile: getEnv("SHEETS_CREDENTIALS_FILE", "credentials.json"),
			RequestTimeout:  getDuration("SHEETS_TIMEOUT_SECONDS", 30*time.Second),
			MaxRetries:      getInt("SHEETS_MAX_RETRIES", 3),
		},
		Sync: SyncConfig{
			AutoSyncEnabled:  getEnv("SYNC_AUTO_ENABLED", "true") == "true",
			AutoSyncInterval: getDuration("SYNC_INTERVAL_SECONDS", 5*time.Minute),
			SyncOnStartup:    getEnv("SYNC_ON_STARTUP", "false") == "true",
			SafetyMargin:     getDuration("SYNC_SAFETY_MARGIN_SECONDS", 30*time.Second),
			ParallelWorkers:  getInt("SYNC_PARALLEL_WORKERS", 4),
		},
	}, nil
}

// getEnv gets environment variable with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return defaultValue
}
