package cli

import (
	"errors"
	"fmt"

	"mercator-hq/credits/pkg/ledger/model"
)

// Exit codes returned by the credits binary.
const (
	ExitOK           = 0
	ExitError        = 1
	ExitUsage        = 2
	ExitInsufficient = 3
	ExitNotFound     = 4
	ExitUnavailable  = 5
)

// ConfigError represents an error in configuration or flags.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error in %s: %s", e.Field, e.Message)
}

// CommandError represents an error from a command execution.
type CommandError struct {
	Command string
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %s failed: %v", e.Command, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{
		Field:   field,
		Message: message,
	}
}

// NewCommandError creates a new CommandError.
func NewCommandError(command string, err error) *CommandError {
	return &CommandError{
		Command: command,
		Err:     err,
	}
}

// ExitCode maps an error to the process exit code.
func ExitCode(err error) int {
	var cfgErr *ConfigError
	switch {
	case err == nil:
		return ExitOK
	case errors.As(err, &cfgErr), errors.Is(err, model.ErrInvalidRequest):
		return ExitUsage
	case errors.Is(err, model.ErrInsufficientCredits), errors.Is(err, model.ErrEndpointDisabled):
		return ExitInsufficient
	case errors.Is(err, model.ErrEndpointNotConfigured), errors.Is(err, model.ErrRecordNotFound):
		return ExitNotFound
	case model.IsTransient(err), errors.Is(err, model.ErrRetriesExhausted):
		return ExitUnavailable
	default:
		return ExitError
	}
}
