package domain

import (
	"errors"
	"fmt"
)

var (
	ErrProviderNotRegistered     = errors.New("provider not registered")
	ErrProviderAlreadyRegistered = errors.New("provider already registered")
	ErrSessionNotFound           = errors.New("session not found")
	ErrSessionExists             = errors.New("session already exists")
	ErrInvalidAddress            = errors.New("invalid IP address")
	ErrInvalidMemoryLimit        = errors.New("invalid memory limit")
	ErrInvalidConfig             = errors.New("invalid configuration")
)

// ProviderError signals a recoverable upstream failure from a chat provider.
// The failover protocol catches it exactly once to decide on a fallback
// attempt; anything else wrapping it is a bug.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Provider == "" {
		return fmt.Sprintf("provider error: %v", e.Err)
	}
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError wraps err as a provider-level failure attributed to name.
func NewProviderError(name string, err error) *ProviderError {
	return &ProviderError{Provider: name, Err: err}
}

// IsProviderError reports whether err is (or wraps) a provider-level failure.
func IsProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}
