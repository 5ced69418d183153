package config

import (
	"errors"
	"os"
	"strings"
)

// ErrNoAPIKey is returned when no API key is configured.
var ErrNoAPIKey = errors.New("no API key configured")

// Vendor identifies an API vendor whose key bildir may need.
type Vendor string

const (
	VendorAnthropic Vendor = "anthropic"
	VendorOpenAI    Vendor = "openai"
)

func (v Vendor) envVar() string {
	if v == VendorOpenAI {
		return "OPENAI_API_KEY"
	}
	return "ANTHROPIC_API_KEY"
}

func (v Vendor) configured(cfg *Config) string {
	if cfg == nil {
		return ""
	}
	if v == VendorOpenAI {
		return cfg.OpenAI.APIKey
	}
	return cfg.Anthropic.APIKey
}

// GetAPIKey returns the vendor's API key.
// It checks in order: environment variable, config file.
func GetAPIKey(cfg *Config, v Vendor) (string, error) {
	if key := os.Getenv(v.envVar()); key != "" {
		return key, nil
	}

	if raw := v.configured(cfg); raw != "" {
		key := os.ExpandEnv(raw)
		if key != "" && !strings.HasPrefix(key, "${") {
			return key, nil
		}
	}

	return "", ErrNoAPIKey
}

// MaskAPIKey returns a masked version of the API key for display.
// Shows the first 7 characters and last 4 characters.
func MaskAPIKey(key string) string {
	if key == "" {
		return "(not set)"
	}

	if len(key) <= 15 {
		return "***"
	}

	return key[:7] + "..." + key[len(key)-4:]
}

// KeySource represents where an API key was loaded from.
type KeySource string

const (
	KeySourceEnv    KeySource = "environment"
	KeySourceConfig KeySource = "config_file"
	KeySourceNone   KeySource = "none"
)

// GetAPIKeySource returns where the vendor's API key was sourced from.
func GetAPIKeySource(cfg *Config, v Vendor) KeySource {
	if os.Getenv(v.envVar()) != "" {
		return KeySourceEnv
	}

	if raw := v.configured(cfg); raw != "" {
		key := os.ExpandEnv(raw)
		if key != "" && !strings.HasPrefix(key, "${") {
			return KeySourceConfig
		}
	}

	return KeySourceNone
}
