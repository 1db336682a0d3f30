// Package testutil provides shared test environment helpers for E2E tests.
// It depends only on stdlib so that E2E tests (which cannot import
// internal/) can use it.
package testutil

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Environment variables read by the E2E suite.
const (
	EnvBaseURL         = "TASKWATCH_E2E_BASE_URL"
	EnvEmail           = "TASKWATCH_E2E_EMAIL"
	EnvPassword        = "TASKWATCH_E2E_PASSWORD"
	EnvAllowedBackends = "TASKWATCH_ALLOWED_TEST_BACKENDS"
)

// LoadDotEnv reads KEY=VALUE pairs from a .env file at the given path.
// Missing file is not an error (CI sets env vars directly).
// Existing env vars take precedence over .env values.
func LoadDotEnv(envPath string) {
	f, err := os.Open(envPath)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}

		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		value = strings.Trim(value, "\"'")

		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

// RequireEnv returns the value of each named variable, crashing the process
// if any is unset.
func RequireEnv(names ...string) map[string]string {
	values := make(map[string]string, len(names))

	var missing []string

	for _, name := range names {
		v := os.Getenv(name)
		if v == "" {
			missing = append(missing, name)
			continue
		}

		values[name] = v
	}

	if len(missing) > 0 {
		fmt.Fprintf(os.Stderr, "FATAL: %s not set\n", strings.Join(missing, ", "))
		fmt.Fprintln(os.Stderr, "Set them in .env or as environment variables.")
		os.Exit(1)
	}

	return values
}

// ValidateAllowlist crashes the process unless baseURL is listed in
// TASKWATCH_ALLOWED_TEST_BACKENDS, so the suite never signs in against a
// production backend by accident.
func ValidateAllowlist(baseURL string) {
	allowlist := os.Getenv(EnvAllowedBackends)
	if allowlist == "" {
		fmt.Fprintf(os.Stderr, "FATAL: %s not set\n", EnvAllowedBackends)
		fmt.Fprintf(os.Stderr, "Example: %s=https://staging.example.com\n", EnvAllowedBackends)
		os.Exit(1)
	}

	want := strings.TrimRight(baseURL, "/")

	for _, a := range strings.Split(allowlist, ",") {
		if strings.TrimRight(strings.TrimSpace(a), "/") == want {
			return
		}
	}

	fmt.Fprintf(os.Stderr, "FATAL: %s=%q is not in %s=%q\n", EnvBaseURL, baseURL, EnvAllowedBackends, allowlist)
	os.Exit(1)
}

// FindModuleRoot walks up from the current directory to find go.mod.
// Returns the fallback if the root is not found.
func FindModuleRoot(fallback string) string {
	dir, err := os.Getwd()
	if err != nil {
		return fallback
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return fallback
		}

		dir = parent
	}
}
