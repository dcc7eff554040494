package llm

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"

	"athena/internal/domain"
)

// mapStatus converts an HTTP status from a provider into a domain error.
func mapStatus(provider string, status int, err error) error {
	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%s: %w: %v", provider, domain.ErrRateLimit, err)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%s: %w: %v", provider, domain.ErrAuthInvalid, err)
	case status >= 500:
		return fmt.Errorf("%s: %w: %v", provider, domain.ErrProviderError, err)
	default:
		return fmt.Errorf("%s: %w", provider, err)
	}
}

// mapSDKError unwraps SDK API errors to a status-based domain error.
func mapSDKError(provider string, err error) error {
	var oaiErr *openai.Error
	if errors.As(err, &oaiErr) {
		return mapStatus(provider, oaiErr.StatusCode, err)
	}
	var antErr *anthropic.Error
	if errors.As(err, &antErr) {
		return mapStatus(provider, antErr.StatusCode, err)
	}
	return fmt.Errorf("%s: %w: %v", provider, domain.ErrProviderError, err)
}
