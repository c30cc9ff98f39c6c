package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Use with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound      = fmt.Errorf("not found")
	ErrDuplicate     = fmt.Errorf("duplicate")
	ErrTimeout       = fmt.Errorf("operation timed out")
	ErrLimitReached  = fmt.Errorf("limit reached")
	ErrDisabled      = fmt.Errorf("disabled")
	ErrInvalidInput  = fmt.Errorf("invalid input")
	ErrProviderError = fmt.Errorf("provider error")
)

// Sentinel errors for the consultation pipeline.
var (
	// ErrValidation marks a request rejected as malformed. Never retried.
	ErrValidation = fmt.Errorf("validation failed")
	// ErrTransient marks a remote failure worth retrying (timeout, 5xx, connection).
	ErrTransient = fmt.Errorf("transient remote failure")
	// ErrAgentDegraded marks a plan step that exhausted its retries.
	ErrAgentDegraded = fmt.Errorf("agent degraded")
	// ErrCriticalChallenge marks an unresolved critical or high severity challenge.
	ErrCriticalChallenge = fmt.Errorf("critical safety challenge")

	ErrAgentNotFound     = fmt.Errorf("expert agent not found")
	ErrUnknownAgent      = fmt.Errorf("unknown agent identifier")
	ErrCircuitOpen       = fmt.Errorf("circuit breaker open")
	ErrRateLimit         = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid       = fmt.Errorf("authentication failed")
	ErrProviderNotFound  = fmt.Errorf("llm provider not found")
	ErrMalformedResponse = fmt.Errorf("malformed response")
	ErrSchemaViolation   = fmt.Errorf("structured data schema violation")
	ErrConfigLoad        = fmt.Errorf("failed to load configuration")
	ErrDecryption        = fmt.Errorf("decryption failed")
	ErrEncryption        = fmt.Errorf("encryption operation failed")
	ErrCacheUnavailable  = fmt.Errorf("cache backend unavailable")
	ErrStoreWrite        = fmt.Errorf("consultation store write failed")
	ErrPlanInvalid       = fmt.Errorf("agent plan invalid")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Executor.runStep")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "expert", "cache"); used for ErrorCode dispatch
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

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
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
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrRateLimit) || errors.Is(err, ErrTimeout)
}

// IsValidationError reports whether err marks a request the remote side rejected as invalid.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrInvalidInput)
}

// ErrorCode is a machine-parseable error category for monitoring and API responses.
type ErrorCode string

const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodeValidation         ErrorCode = "VALIDATION"
	CodeTransient          ErrorCode = "TRANSIENT"
	CodeAgentDegraded      ErrorCode = "AGENT_DEGRADED"
	CodeCriticalChallenge  ErrorCode = "CRITICAL_CHALLENGE"
	CodeAgentNotFound      ErrorCode = "AGENT_NOT_FOUND"
	CodeUnknownAgent       ErrorCode = "UNKNOWN_AGENT"
	CodeCircuitOpen        ErrorCode = "CIRCUIT_OPEN"
	CodeRateLimit          ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid        ErrorCode = "AUTH_INVALID"
	CodeProviderNotFound   ErrorCode = "PROVIDER_NOT_FOUND"
	CodeMalformedResponse  ErrorCode = "MALFORMED_RESPONSE"
	CodeSchemaViolation    ErrorCode = "SCHEMA_VIOLATION"
	CodeConfigLoad         ErrorCode = "CONFIG_LOAD"
	CodeEncryption         ErrorCode = "ENCRYPTION"
	CodeDecryption         ErrorCode = "DECRYPTION"
	CodeCacheUnavailable   ErrorCode = "CACHE_UNAVAILABLE"
	CodeStoreWrite         ErrorCode = "STORE_WRITE"
	CodePlanInvalid        ErrorCode = "PLAN_INVALID"
	CodeExpertTimeout      ErrorCode = "EXPERT_TIMEOUT"
	CodeExpertUnavailable  ErrorCode = "EXPERT_UNAVAILABLE"
	CodeLLMTimeout         ErrorCode = "LLM_TIMEOUT"
	CodeCacheKeyNotFound   ErrorCode = "CACHE_KEY_NOT_FOUND"
	CodeSessionNotFound    ErrorCode = "SESSION_NOT_FOUND"
	CodeResolutionExceeded ErrorCode = "RESOLUTION_BUDGET_EXCEEDED"

	// Category error codes: fallback codes when no subsystem-specific code matches.
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeDuplicate     ErrorCode = "DUPLICATE"
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeLimitReached  ErrorCode = "LIMIT_REACHED"
	CodeDisabled      ErrorCode = "DISABLED"
	CodeInvalidInput  ErrorCode = "INVALID_INPUT"
	CodeProviderError ErrorCode = "PROVIDER_ERROR"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:      CodeNotFound,
	ErrDuplicate:     CodeDuplicate,
	ErrTimeout:       CodeTimeout,
	ErrLimitReached:  CodeLimitReached,
	ErrDisabled:      CodeDisabled,
	ErrInvalidInput:  CodeInvalidInput,
	ErrProviderError: CodeProviderError,

	ErrValidation:        CodeValidation,
	ErrTransient:         CodeTransient,
	ErrAgentDegraded:     CodeAgentDegraded,
	ErrCriticalChallenge: CodeCriticalChallenge,
	ErrAgentNotFound:     CodeAgentNotFound,
	ErrUnknownAgent:      CodeUnknownAgent,
	ErrCircuitOpen:       CodeCircuitOpen,
	ErrRateLimit:         CodeRateLimit,
	ErrAuthInvalid:       CodeAuthInvalid,
	ErrProviderNotFound:  CodeProviderNotFound,
	ErrMalformedResponse: CodeMalformedResponse,
	ErrSchemaViolation:   CodeSchemaViolation,
	ErrConfigLoad:        CodeConfigLoad,
	ErrDecryption:        CodeDecryption,
	ErrEncryption:        CodeEncryption,
	ErrCacheUnavailable:  CodeCacheUnavailable,
	ErrStoreWrite:        CodeStoreWrite,
	ErrPlanInvalid:       CodePlanInvalid,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"cache":   CodeCacheKeyNotFound,
		"session": CodeSessionNotFound,
		"expert":  CodeAgentNotFound,
	},
	ErrTimeout: {
		"expert": CodeExpertTimeout,
		"llm":    CodeLLMTimeout,
	},
	ErrLimitReached: {
		"resolver": CodeResolutionExceeded,
	},
	ErrProviderError: {
		"expert": CodeExpertUnavailable,
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

	// Specific sentinels win over category sentinels when both are in the chain.
	for _, sentinel := range codePrecedence {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}

	return CodeUnknown
}

// codePrecedence fixes the order errors.Is is tried in so ErrorCodeOf is deterministic.
var codePrecedence = []error{
	ErrValidation, ErrCircuitOpen, ErrRateLimit, ErrAuthInvalid, ErrAgentNotFound,
	ErrUnknownAgent, ErrAgentDegraded, ErrCriticalChallenge, ErrTransient,
	ErrMalformedResponse, ErrSchemaViolation, ErrProviderNotFound, ErrConfigLoad,
	ErrDecryption, ErrEncryption, ErrCacheUnavailable, ErrStoreWrite, ErrPlanInvalid,
	ErrNotFound, ErrDuplicate, ErrTimeout, ErrLimitReached, ErrDisabled,
	ErrInvalidInput, ErrProviderError,
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
