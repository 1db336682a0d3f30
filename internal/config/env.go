package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig    = "TASKWATCH_CONFIG"
	EnvBaseURL   = "TASKWATCH_BASE_URL"
	EnvTokenFile = "TASKWATCH_TOKEN_FILE"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // TASKWATCH_CONFIG: override config file path
	BaseURL    string // TASKWATCH_BASE_URL: backend base URL
	TokenFile  string // TASKWATCH_TOKEN_FILE: credential file location
}

// ReadEnvOverrides reads environment variables and returns any overrides
// found. It does not modify a Config; Resolve applies the fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		BaseURL:    os.Getenv(EnvBaseURL),
		TokenFile:  os.Getenv(EnvTokenFile),
	}
}
