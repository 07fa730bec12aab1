// loader.go implements the configuration loading lifecycle.
//
// The loading sequence is:
//  1. Enforce UTC process timezone to prevent drift bugs.
//  2. Load a .env file via godotenv (non-fatal if absent).
//  3. Use envconfig to process struct tags and populate the Config struct.
//  4. Validate the struct using go-playground/validator.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ErrorType categorizes configuration loading failures to aid debugging.
type ErrorType string

const (
	// ErrParsing indicates a failure parsing environment variable values
	// into their target types.
	ErrParsing ErrorType = "PARSING_FAILED"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ErrorType = "VALIDATION_FAILED"
)

// LoadError is a diagnostic error type returned by Load.
type LoadError struct {
	Type    ErrorType
	Message string
	Err     error
}

// Error implements the error interface.
func (e *LoadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *LoadError) Unwrap() error {
	return e.Err
}

// Load loads and validates the mailloop configuration from the environment.
//
// godotenv.Load does not override variables already set in the environment,
// so the priority chain is: OS environment > dotenv file > struct defaults.
func Load() (*Config, error) {
	time.Local = time.UTC

	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &LoadError{
			Type:    ErrParsing,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}

	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return nil, &LoadError{
			Type:    ErrValidation,
			Message: "configuration validation failed",
			Err:     err,
		}
	}

	if cfg.Server.FallbackURL == "" {
		cfg.Server.FallbackURL = cfg.Server.PublicURL
	}

	return &cfg, nil
}

// Location resolves the configured schedule timezone. The timezone is
// validated at load time, so failure here indicates tzdata is missing from
// the runtime image; UTC is the safe fallback.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
