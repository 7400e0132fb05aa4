package config

import (
	"fmt"
	"net"
	"strings"

	"kreconcile/pkg/logging"
)

// ValidationError represents a validation error with context
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

// Error implements the error interface
func (ve ValidationError) Error() string {
	if ve.Field == "" {
		return ve.Message
	}
	return fmt.Sprintf("field '%s': %s", ve.Field, ve.Message)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for multiple validation errors
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return "no validation errors"
	}
	if len(ve) == 1 {
		return ve[0].Error()
	}

	var messages []string
	for _, err := range ve {
		messages = append(messages, err.Error())
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(messages, "; "))
}

// HasErrors returns true if there are any validation errors
func (ve ValidationErrors) HasErrors() bool {
	return len(ve) > 0
}

// Add adds a new validation error
func (ve *ValidationErrors) Add(field, message string, value ...interface{}) {
	var val interface{}
	if len(value) > 0 {
		val = value[0]
	}
	*ve = append(*ve, ValidationError{
		Field:   field,
		Value:   val,
		Message: message,
	})
}

// ValidateOneOf checks if a value is in a list of allowed values
func ValidateOneOf(field, value string, allowed []string) error {
	for _, allowedValue := range allowed {
		if value == allowedValue {
			return nil
		}
	}
	return ValidationError{
		Field:   field,
		Value:   value,
		Message: fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", ")),
	}
}

// Validate checks c and returns every problem found.
func (c Config) Validate() error {
	var errs ValidationErrors

	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs.Add("logLevel", err.Error(), c.LogLevel)
	}
	if err := ValidateOneOf("logFormat", c.LogFormat, []string{string(logging.FormatText), string(logging.FormatJSON)}); err != nil {
		errs = append(errs, err.(ValidationError))
	}
	if c.Workers < 1 {
		errs.Add("workers", "must be at least 1", c.Workers)
	}
	if c.ResyncPeriod < 0 {
		errs.Add("resyncPeriod", "must not be negative", c.ResyncPeriod)
	}
	if c.PollInterval <= 0 {
		errs.Add("pollInterval", "must be positive", c.PollInterval)
	}
	if c.ReconcileTimeout <= 0 {
		errs.Add("reconcileTimeout", "must be positive", c.ReconcileTimeout)
	}

	if c.Backoff.BaseDelay <= 0 {
		errs.Add("backoff.baseDelay", "must be positive", c.Backoff.BaseDelay)
	}
	if c.Backoff.MaxDelay < c.Backoff.BaseDelay {
		errs.Add("backoff.maxDelay", "must not be less than backoff.baseDelay", c.Backoff.MaxDelay)
	}
	if c.Backoff.QPS <= 0 {
		errs.Add("backoff.qps", "must be positive", c.Backoff.QPS)
	}
	if c.Backoff.Burst < 1 {
		errs.Add("backoff.burst", "must be at least 1", c.Backoff.Burst)
	}

	if c.Informer.InitialBackoff <= 0 {
		errs.Add("informer.initialBackoff", "must be positive", c.Informer.InitialBackoff)
	}
	if c.Informer.MaxBackoff < c.Informer.InitialBackoff {
		errs.Add("informer.maxBackoff", "must not be less than informer.initialBackoff", c.Informer.MaxBackoff)
	}
	if c.Informer.BookmarkInterval < 0 {
		errs.Add("informer.bookmarkInterval", "must not be negative", c.Informer.BookmarkInterval)
	}

	if c.StatusRetry.Steps < 1 {
		errs.Add("statusRetry.steps", "must be at least 1", c.StatusRetry.Steps)
	}
	if c.StatusRetry.Duration < 0 {
		errs.Add("statusRetry.duration", "must not be negative", c.StatusRetry.Duration)
	}

	if err := ValidateOneOf("store.backend", c.Store.Backend, []string{BackendMemory, BackendBolt, BackendKubernetes}); err != nil {
		errs = append(errs, err.(ValidationError))
	}
	if c.Store.Backend == BackendBolt && strings.TrimSpace(c.Store.Path) == "" {
		errs.Add("store.path", "is required for the bolt backend")
	}

	if c.Metrics.Address != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Address); err != nil {
			errs.Add("metrics.address", err.Error(), c.Metrics.Address)
		}
	}

	if c.Provider.PendingPolls < 0 {
		errs.Add("provider.pendingPolls", "must not be negative", c.Provider.PendingPolls)
	}
	if !strings.Contains(c.Provider.Endpoint, "%s") {
		errs.Add("provider.endpoint", "must contain %s for the bucket name", c.Provider.Endpoint)
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}
