package tool

import (
	"errors"
	"fmt"
	"testing"

	"athena/internal/domain"
)

func TestClassifyToolError_Nil(t *testing.T) {
	if classifyToolError(nil) {
		t.Error("expected nil error to be non-retryable")
	}
}

func TestClassifyToolError_Sentinels(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{domain.ErrTimeout, true},
		{domain.ErrProviderError, true},
		{domain.ErrRateLimit, true},
		{domain.ErrStoreUnavailable, true},
		{fmt.Errorf("insert: %w", domain.ErrStoreUnavailable), true},
		{domain.ErrCircuitOpen, true},
		{domain.ErrPermissionDenied, false},
		{domain.ErrInvalidInput, false},
		{domain.ErrToolNotFound, false},
		{domain.ErrNotFound, false},
	}
	for _, tt := range tests {
		if got := classifyToolError(tt.err); got != tt.want {
			t.Errorf("classifyToolError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestClassifyToolError_StringPatterns(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"dial tcp: connection refused", true},
		{"context deadline exceeded", true},
		{"sqlite: database is locked", true},
		{"Service Unavailable", true},
		{"no such collection", false},
		{"bad request", false},
	}
	for _, tt := range tests {
		if got := classifyToolError(errors.New(tt.msg)); got != tt.want {
			t.Errorf("classifyToolError(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}
}
