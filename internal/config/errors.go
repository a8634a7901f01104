package config

import (
	"errors"
	"fmt"
)

// ErrConfiguration marks missing or invalid credentials and policy
// configuration. Such errors are fatal for a run and surface before any
// sandbox is created.
var ErrConfiguration = errors.New("configuration error")

// Error describes which setting is wrong. It wraps ErrConfiguration so
// errors.Is(err, ErrConfiguration) holds.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrConfiguration.Error(), e.Field, e.Reason)
}

func (e *Error) Unwrap() error {
	return ErrConfiguration
}
