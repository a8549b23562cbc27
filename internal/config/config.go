package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Local storage
	DBPath string

	// Remote endpoint
	ServerBaseURL  string
	TokenPagePath  string
	RequestTimeout time.Duration

	// Owner of locally created records
	OwnerID int64

	// Connectivity monitor
	ProbeInterval     time.Duration
	ProbeTimeout      time.Duration
	ReconnectDebounce time.Duration

	// Sync engine
	SyncInterval  time.Duration
	DispatchDelay time.Duration
	MaxAttempts   int
}

func Load() *Config {
	cfg := &Config{
		DBPath: getEnv("FINTRACK_DB_PATH", "./data/fintrack.db"),

		ServerBaseURL:  getEnv("SERVER_BASE_URL", "http://localhost:8080"),
		TokenPagePath:  getEnv("TOKEN_PAGE_PATH", "/expense"),
		RequestTimeout: getEnvDuration("REQUEST_TIMEOUT", 10*time.Second),

		OwnerID: getEnvInt64("OWNER_ID", 1),

		ProbeInterval:     getEnvDuration("PROBE_INTERVAL", 5*time.Second),
		ProbeTimeout:      getEnvDuration("PROBE_TIMEOUT", 3*time.Second),
		ReconnectDebounce: getEnvDuration("RECONNECT_DEBOUNCE", time.Second),

		SyncInterval:  getEnvDuration("SYNC_INTERVAL", 30*time.Second),
		DispatchDelay: getEnvDuration("DISPATCH_DELAY", 100*time.Millisecond),
		MaxAttempts:   getEnvInt("MAX_ATTEMPTS", 5),
	}

	return cfg
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	var errors []string

	// Validate database path
	if c.DBPath == "" {
		errors = append(errors, "database path cannot be empty")
	} else {
		dir := filepath.Dir(c.DBPath)
		if dir != "." && dir != "" {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				if err := os.MkdirAll(dir, 0755); err != nil {
					errors = append(errors, fmt.Sprintf("cannot create database directory '%s': %v", dir, err))
				}
			}
		}
	}

	// Validate server URL
	if parsedURL, err := url.Parse(c.ServerBaseURL); err != nil {
		errors = append(errors, fmt.Sprintf("invalid server base URL '%s': %v", c.ServerBaseURL, err))
	} else if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		errors = append(errors, fmt.Sprintf("invalid server base URL scheme '%s': must be 'http' or 'https'", parsedURL.Scheme))
	} else if parsedURL.Host == "" {
		errors = append(errors, fmt.Sprintf("invalid server base URL '%s': missing host", c.ServerBaseURL))
	}

	if !strings.HasPrefix(c.TokenPagePath, "/") {
		errors = append(errors, fmt.Sprintf("invalid token page path '%s': must start with '/'", c.TokenPagePath))
	}

	if c.OwnerID < 1 {
		errors = append(errors, fmt.Sprintf("invalid owner id %d: must be at least 1", c.OwnerID))
	}

	// Validate intervals
	if c.SyncInterval < time.Second {
		errors = append(errors, fmt.Sprintf("invalid sync interval %v: must be at least 1 second", c.SyncInterval))
	} else if c.SyncInterval > 24*time.Hour {
		errors = append(errors, fmt.Sprintf("invalid sync interval %v: must be at most 24 hours", c.SyncInterval))
	}

	if c.ProbeInterval < time.Second {
		errors = append(errors, fmt.Sprintf("invalid probe interval %v: must be at least 1 second", c.ProbeInterval))
	}

	if c.ProbeTimeout < 100*time.Millisecond || c.ProbeTimeout >= c.ProbeInterval {
		errors = append(errors, fmt.Sprintf("invalid probe timeout %v: must be at least 100ms and below the probe interval", c.ProbeTimeout))
	}

	if c.RequestTimeout < time.Second {
		errors = append(errors, fmt.Sprintf("invalid request timeout %v: must be at least 1 second", c.RequestTimeout))
	}

	if c.DispatchDelay < 0 || c.DispatchDelay > 10*time.Second {
		errors = append(errors, fmt.Sprintf("invalid dispatch delay %v: must be between 0 and 10 seconds", c.DispatchDelay))
	}

	if c.ReconnectDebounce < 0 || c.ReconnectDebounce > time.Minute {
		errors = append(errors, fmt.Sprintf("invalid reconnect debounce %v: must be between 0 and 1 minute", c.ReconnectDebounce))
	}

	if c.MaxAttempts < 1 {
		errors = append(errors, fmt.Sprintf("invalid max attempts %d: must be at least 1", c.MaxAttempts))
	} else if c.MaxAttempts > 100 {
		errors = append(errors, fmt.Sprintf("invalid max attempts %d: must be at most 100", c.MaxAttempts))
	}

	// Return combined errors
	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
