package storage

import (
	"errors"
	"fmt"
)

// ConfigError reports a storage backend setting that cannot be used.
type ConfigError struct {
	Backend string
	Field   string
	Value   string
	Message string
	Cause   error
}

func (e *ConfigError) Error() string {
	prefix := "storage"
	if e.Backend != "" {
		prefix = "storage " + e.Backend
	}

	switch {
	case e.Field == "":
		return fmt.Sprintf("%s: %s", prefix, e.Message)
	case e.Value == "":
		return fmt.Sprintf("%s: %s %s", prefix, e.Field, e.Message)
	default:
		return fmt.Sprintf("%s: %s=%q %s", prefix, e.Field, e.Value, e.Message)
	}
}

func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// NewConfigError reports an invalid or missing field.
func NewConfigError(backend, field, message string) *ConfigError {
	return &ConfigError{Backend: backend, Field: field, Message: message}
}

// NewConfigErrorWithValue reports a field whose value was rejected.
func NewConfigErrorWithValue(backend, field, value, message string) *ConfigError {
	return &ConfigError{Backend: backend, Field: field, Value: value, Message: message}
}

// NewConfigErrorWithCause reports a backend that failed to open with the given field.
func NewConfigErrorWithCause(backend, field, message string, cause error) *ConfigError {
	return &ConfigError{Backend: backend, Field: field, Message: message, Cause: cause}
}

// ForBackend attributes a getter error to backend. Errors that are not
// ConfigErrors are wrapped without a field.
func ForBackend(backend string, err error) error {
	if err == nil {
		return nil
	}

	var cfgErr *ConfigError
	if errors.As(err, &cfgErr) {
		attributed := *cfgErr
		attributed.Backend = backend
		return &attributed
	}

	return NewConfigErrorWithCause(backend, "", err.Error(), err)
}
