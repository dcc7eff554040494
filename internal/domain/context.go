package domain

import "context"

type ctxKey string

const (
	sessionCtxKey  ctxKey = "session_id"
	runCtxKey      ctxKey = "run_id"
	manifestCtxKey ctxKey = "manifest"
)

// ContextWithSessionID returns a new context carrying the session ID.
func ContextWithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionCtxKey, sessionID)
}

// SessionIDFromContext extracts the session ID from the context.
// Returns empty string if not set.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionCtxKey).(string); ok {
		return v
	}
	return ""
}

// ContextWithRunID returns a new context carrying the run ID.
func ContextWithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runCtxKey, runID)
}

// RunIDFromContext extracts the run ID from the context.
func RunIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(runCtxKey).(string); ok {
		return v
	}
	return ""
}

// ContextWithManifest attaches the run's capability manifest.
func ContextWithManifest(ctx context.Context, m *Manifest) context.Context {
	return context.WithValue(ctx, manifestCtxKey, m)
}

// ManifestFromContext returns the manifest attached to ctx, or nil.
func ManifestFromContext(ctx context.Context) *Manifest {
	if v, ok := ctx.Value(manifestCtxKey).(*Manifest); ok {
		return v
	}
	return nil
}
