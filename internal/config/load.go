package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal errors with "did you mean?"
// suggestions.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads configuration and applies the four-layer override chain:
// defaults -> config file -> environment variables -> CLI flags.
// Storage paths left empty are filled from the platform data directory, and
// a leading "~" is expanded. The result is validated once more after all
// overrides are in place.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Config, error) {
	// 1. Resolve config path: CLI > env > default
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	// 2. Load config file (returns defaults if no file exists)
	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	// 3. Apply env overrides
	if env.BaseURL != "" {
		cfg.BaseURL = env.BaseURL
	}

	if env.TokenFile != "" {
		cfg.TokenFile = env.TokenFile
	}

	// 4. Apply CLI overrides
	if cli.BaseURL != "" {
		cfg.BaseURL = cli.BaseURL
	}

	// 5. Fill derived values
	if cfg.TokenFile == "" {
		cfg.TokenFile = DefaultTokenPath()
	}

	if cfg.JournalFile == "" {
		cfg.JournalFile = DefaultJournalPath()
	}

	cfg.TokenFile = ExpandHome(cfg.TokenFile)
	cfg.JournalFile = ExpandHome(cfg.JournalFile)
	cfg.LogFile = ExpandHome(cfg.LogFile)

	// 6. Validate the final result
	if err := ValidateResolved(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}
