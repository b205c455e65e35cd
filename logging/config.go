package logging

import (
	"os"
	"strings"
)

// Environment types
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

// GetConfigFromEnv creates a logger configuration based on environment variables
func GetConfigFromEnv() Config {
	config := DefaultConfig

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Level = strings.ToLower(level)
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		config.Format = strings.ToLower(format)
	}
	if env := os.Getenv("ENVIRONMENT"); env != "" {
		config.Environment = strings.ToLower(env)
	}

	// Environment-specific defaults; explicit LOG_FORMAT wins.
	switch config.Environment {
	case EnvProduction:
		config.AddSource = false
	case EnvTest:
		if os.Getenv("LOG_FORMAT") == "" {
			config.Format = "text"
		}
		config.AddSource = false
	case EnvDevelopment:
		if os.Getenv("LOG_FORMAT") == "" {
			config.Format = "text"
		}
		config.AddSource = true
	}

	if addSource := os.Getenv("LOG_ADD_SOURCE"); addSource != "" {
		config.AddSource = strings.ToLower(addSource) == "true"
	}

	return config
}
