package tool

import (
	"errors"
	"strings"

	"athena/internal/domain"
)

// retryableSentinels lists domain errors that indicate transient failures.
var retryableSentinels = []error{
	domain.ErrTimeout,
	domain.ErrProviderError,
	domain.ErrRateLimit,
	domain.ErrStoreUnavailable,
	domain.ErrBrokerUnavailable,
	domain.ErrCircuitOpen,
}

// retryablePatterns are substrings of error messages that indicate transient
// failures. Checked case-insensitively.
var retryablePatterns = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"timeout",
	"deadline exceeded",
	"temporarily unavailable",
	"service unavailable",
	"database is locked",
	"try again",
}

// classifyToolError returns true if the error is transient and the tool call
// may succeed on retry.
func classifyToolError(err error) bool {
	if err == nil {
		return false
	}
	for _, sentinel := range retryableSentinels {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	lower := strings.ToLower(err.Error())
	for _, p := range retryablePatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
