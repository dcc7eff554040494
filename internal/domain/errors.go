package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Use with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound         = fmt.Errorf("not found")
	ErrDuplicate        = fmt.Errorf("duplicate")
	ErrTimeout          = fmt.Errorf("operation timed out")
	ErrLimitReached     = fmt.Errorf("limit reached")
	ErrPermissionDenied = fmt.Errorf("permission denied")
	ErrInvalidInput     = fmt.Errorf("invalid input")
	ErrProviderError    = fmt.Errorf("provider error")
)

// Sentinel errors for the domain layer.
var (
	ErrAgentNotFound     = fmt.Errorf("agent not found")
	ErrToolNotFound      = fmt.Errorf("unknown tool")
	ErrProviderNotFound  = fmt.Errorf("llm provider not found")
	ErrNotAllowed        = fmt.Errorf("not allowed by capability manifest")
	ErrManifestExpired   = fmt.Errorf("manifest expired")
	ErrTokenBudget       = fmt.Errorf("token budget exceeded")
	ErrGraphInvalid      = fmt.Errorf("invalid graph")
	ErrGraphMaxSteps     = fmt.Errorf("graph exceeded max steps")
	ErrBrokerUnavailable = fmt.Errorf("broker unavailable")
	ErrStoreUnavailable  = fmt.Errorf("store unavailable")
	ErrConfigLoad        = fmt.Errorf("failed to load configuration")
	ErrDecryption        = fmt.Errorf("decryption failed")
	ErrToolFailure       = fmt.Errorf("tool execution failed")
	ErrCircuitOpen       = fmt.Errorf("circuit breaker open")
	ErrAuditWrite        = fmt.Errorf("audit log write failed")

	// Gateway / RPC errors.
	ErrAuthInvalid       = fmt.Errorf("authentication failed")
	ErrGatewayAuthFailed = fmt.Errorf("gateway: %w", ErrAuthInvalid)
	ErrRPCMethodNotFound = fmt.Errorf("rpc method not found")
	ErrRPCInvalidPayload = fmt.Errorf("rpc payload invalid")
	ErrForbidden         = fmt.Errorf("forbidden: insufficient permissions")
	ErrRateLimit         = fmt.Errorf("rate limit exceeded")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Engine.Execute")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "agent", "tool"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem so that
// ErrorCodeOf can resolve category sentinels to a specific code.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) ||
		errors.Is(err, ErrBrokerUnavailable) ||
		errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrCircuitOpen)
}

// ErrorCode is a machine-parseable error category used in RPC replies and metrics.
type ErrorCode string

const (
	CodeUnknown           ErrorCode = "UNKNOWN"
	CodeAgentNotFound     ErrorCode = "AGENT_NOT_FOUND"
	CodeAgentDuplicate    ErrorCode = "AGENT_DUPLICATE"
	CodeToolNotFound      ErrorCode = "TOOL_NOT_FOUND"
	CodeToolDuplicate     ErrorCode = "TOOL_DUPLICATE"
	CodeToolFailure       ErrorCode = "TOOL_FAILURE"
	CodeProviderNotFound  ErrorCode = "PROVIDER_NOT_FOUND"
	CodeNotAllowed        ErrorCode = "NOT_ALLOWED"
	CodeManifestExpired   ErrorCode = "MANIFEST_EXPIRED"
	CodeTokenBudget       ErrorCode = "TOKEN_BUDGET"
	CodeGraphInvalid      ErrorCode = "GRAPH_INVALID"
	CodeGraphMaxSteps     ErrorCode = "GRAPH_MAX_STEPS"
	CodeBrokerUnavailable ErrorCode = "BROKER_UNAVAILABLE"
	CodeStoreUnavailable  ErrorCode = "STORE_UNAVAILABLE"
	CodeRunNotFound       ErrorCode = "RUN_NOT_FOUND"
	CodeCollectionGuarded ErrorCode = "COLLECTION_PROTECTED"
	CodeConfigLoad        ErrorCode = "CONFIG_LOAD"
	CodeDecryption        ErrorCode = "DECRYPTION"
	CodeCircuitOpen       ErrorCode = "CIRCUIT_OPEN"
	CodeAuditWrite        ErrorCode = "AUDIT_WRITE"
	CodeGatewayAuth       ErrorCode = "GATEWAY_AUTH"
	CodeRPCMethodNotFound ErrorCode = "RPC_METHOD_NOT_FOUND"
	CodeRPCInvalidPayload ErrorCode = "RPC_INVALID_PAYLOAD"
	CodeAuthInvalid       ErrorCode = "AUTH_INVALID"
	CodeForbidden         ErrorCode = "FORBIDDEN"
	CodeRateLimit         ErrorCode = "RATE_LIMIT"

	// Category fallback codes.
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeDuplicate        ErrorCode = "DUPLICATE"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeLimitReached     ErrorCode = "LIMIT_REACHED"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
	CodeProviderError    ErrorCode = "PROVIDER_ERROR"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:         CodeNotFound,
	ErrDuplicate:        CodeDuplicate,
	ErrTimeout:          CodeTimeout,
	ErrLimitReached:     CodeLimitReached,
	ErrPermissionDenied: CodePermissionDenied,
	ErrInvalidInput:     CodeInvalidInput,
	ErrProviderError:    CodeProviderError,

	ErrAgentNotFound:     CodeAgentNotFound,
	ErrToolNotFound:      CodeToolNotFound,
	ErrToolFailure:       CodeToolFailure,
	ErrProviderNotFound:  CodeProviderNotFound,
	ErrNotAllowed:        CodeNotAllowed,
	ErrManifestExpired:   CodeManifestExpired,
	ErrTokenBudget:       CodeTokenBudget,
	ErrGraphInvalid:      CodeGraphInvalid,
	ErrGraphMaxSteps:     CodeGraphMaxSteps,
	ErrBrokerUnavailable: CodeBrokerUnavailable,
	ErrStoreUnavailable:  CodeStoreUnavailable,
	ErrConfigLoad:        CodeConfigLoad,
	ErrDecryption:        CodeDecryption,
	ErrCircuitOpen:       CodeCircuitOpen,
	ErrAuditWrite:        CodeAuditWrite,
	ErrGatewayAuthFailed: CodeGatewayAuth,
	ErrRPCMethodNotFound: CodeRPCMethodNotFound,
	ErrRPCInvalidPayload: CodeRPCInvalidPayload,
	ErrAuthInvalid:       CodeAuthInvalid,
	ErrForbidden:         CodeForbidden,
	ErrRateLimit:         CodeRateLimit,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"agent": CodeAgentNotFound,
		"tool":  CodeToolNotFound,
		"run":   CodeRunNotFound,
	},
	ErrDuplicate: {
		"agent": CodeAgentDuplicate,
		"tool":  CodeToolDuplicate,
	},
	ErrPermissionDenied: {
		"datastore": CodeCollectionGuarded,
		"manifest":  CodeNotAllowed,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	// Specific sentinels first so that wrapped chains like
	// ErrGatewayAuthFailed -> ErrAuthInvalid resolve to the narrower code.
	for _, sentinel := range []error{ErrGatewayAuthFailed} {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
