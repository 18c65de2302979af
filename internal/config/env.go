// Package config loads node and head configuration from environment
// variables (and an optional YAML file layered underneath them).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// getSecondsDuration reads a bare-seconds env var (e.g.
// SCHEDULE_CHECK_SECONDS=5) into a time.Duration.
func getSecondsDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(n) * time.Second
}

// loadYAMLFile reads an optional YAML config file into out. A missing path
// (empty string) or missing file is not an error — the YAML layer is
// optional, sitting below environment variables in precedence.
func loadYAMLFile(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func strDefault(fileValue, hardDefault string) string {
	if fileValue != "" {
		return fileValue
	}
	return hardDefault
}

func intDefault(fileValue, hardDefault int) int {
	if fileValue != 0 {
		return fileValue
	}
	return hardDefault
}

func durationDefault(fileValue, hardDefault time.Duration) time.Duration {
	if fileValue != 0 {
		return fileValue
	}
	return hardDefault
}

func float64Default(fileValue, hardDefault float64) float64 {
	if fileValue != 0 {
		return fileValue
	}
	return hardDefault
}

// ValidationError marks a config problem that must map to exit code 2.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Msg)
}

func requireNonEmpty(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{Field: field, Msg: "must not be empty"}
	}
	return nil
}
