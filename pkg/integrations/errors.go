// Package integrations holds the outbound adapters for Slack and PagerDuty.
// Each adapter classifies failures as retryable or not and runs under an
// integration-level circuit breaker, so a dead external service degrades to
// fast failures instead of hanging the pipeline.
package integrations

import (
	"errors"
	"fmt"
	"time"
)

// IntegrationError wraps an outbound call failure with its retry
// classification. RetryAfter is set when the service named a backoff window.
type IntegrationError struct {
	Service    string
	Op         string
	StatusCode int
	Retryable  bool
	RetryAfter time.Duration
	Err        error
}

func (e *IntegrationError) Error() string {
	kind := "non-retryable"
	if e.Retryable {
		kind = "retryable"
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s: HTTP %d (%s): %v", e.Service, e.Op, e.StatusCode, kind, e.Err)
	}
	return fmt.Sprintf("%s %s (%s): %v", e.Service, e.Op, kind, e.Err)
}

func (e *IntegrationError) Unwrap() error { return e.Err }

// IsRetryable reports whether err allows another attempt. Unclassified errors
// (network-level failures and the like) are treated as retryable.
func IsRetryable(err error) bool {
	var ie *IntegrationError
	if errors.As(err, &ie) {
		return ie.Retryable
	}
	return true
}
