package storage

import (
	"maps"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Backend settings arrive as flat string maps from the pendingd config file
// or environment. The getters below treat a missing or empty key as unset and
// return the default. ForBackend attributes their errors to a backend.

// invalid reports a value that does not parse as the named kind.
func invalid(key, value, kind string, cause error) *ConfigError {
	return &ConfigError{Field: key, Value: value, Message: "is not " + kind, Cause: cause}
}

// GetString returns the value of key, or defaultValue when unset.
func GetString(config map[string]string, key, defaultValue string) string {
	if v, ok := config[key]; ok && v != "" {
		return v
	}
	return defaultValue
}

// GetBool parses key as true/false, 1/0 or yes/no, ignoring case.
func GetBool(config map[string]string, key string, defaultValue bool) (bool, error) {
	v, ok := config[key]
	if !ok || v == "" {
		return defaultValue, nil
	}

	switch strings.ToLower(v) {
	case "true", "1", "yes":
		return true, nil
	case "false", "0", "no":
		return false, nil
	}

	return false, invalid(key, v, "a boolean (true/false, 1/0, yes/no)", nil)
}

// GetInt parses key as a decimal int.
func GetInt(config map[string]string, key string, defaultValue int) (int, error) {
	v, ok := config[key]
	if !ok || v == "" {
		return defaultValue, nil
	}

	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, invalid(key, v, "an integer", err)
	}
	return i, nil
}

// GetInt64 parses key as a decimal int64. Used for byte sizes.
func GetInt64(config map[string]string, key string, defaultValue int64) (int64, error) {
	v, ok := config[key]
	if !ok || v == "" {
		return defaultValue, nil
	}

	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, invalid(key, v, "an integer", err)
	}
	return i, nil
}

// GetDuration parses key as a Go duration ("500ms", "1m30s") or whole seconds.
func GetDuration(config map[string]string, key string, defaultValue time.Duration) (time.Duration, error) {
	v, ok := config[key]
	if !ok || v == "" {
		return defaultValue, nil
	}

	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}

	secs, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, invalid(key, v, "a duration or integer seconds", nil)
	}
	return time.Duration(secs) * time.Second, nil
}

// ExpandPath resolves a leading ~/ against the home directory and cleans the result.
func ExpandPath(path string) string {
	if rest, ok := strings.CutPrefix(path, "~/"); ok {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, rest)
		}
		return path
	}
	return filepath.Clean(path)
}

// MergeConfig returns a new map holding dst overlaid with src.
func MergeConfig(dst, src map[string]string) map[string]string {
	result := make(map[string]string, len(dst)+len(src))
	maps.Copy(result, dst)
	maps.Copy(result, src)
	return result
}
