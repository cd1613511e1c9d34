package config

import (
	"errors"
	"strconv"
)

// ErrConfig matches every *ConfigError.
var ErrConfig = errors.New("invalid config")

// ConfigError names the offending field, e.g. "sync.stale_after".
type ConfigError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	msg := "config: " + e.Field + ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Is(target error) bool { return target == ErrConfig }
func (e *ConfigError) Unwrap() error        { return e.Err }

func fieldErr(field, reason string) error {
	return &ConfigError{Field: field, Reason: reason}
}

func quote(s string) string { return strconv.Quote(s) }
