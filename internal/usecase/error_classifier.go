package usecase

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"

	"sparkwise/internal/domain"
)

// ErrorCategory indicates whether an error is retryable or permanent.
type ErrorCategory int

const (
	ErrorCategoryUnknown   ErrorCategory = iota
	ErrorCategoryRetryable               // 429, 5xx, timeouts, connection errors
	ErrorCategoryPermanent               // 400, 401, 403, 422, unknown agent, open breaker, cancellation
)

// String returns a label suitable for logs and metrics.
func (c ErrorCategory) String() string {
	switch c {
	case ErrorCategoryRetryable:
		return "retryable"
	case ErrorCategoryPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// ClassifiedError holds the result of error classification.
type ClassifiedError struct {
	Original   error
	Category   ErrorCategory
	Sentinel   error // mapped domain sentinel (e.g. domain.ErrRateLimit), or nil
	StatusCode int   // extracted HTTP status, or 0 if unknown
}

// Retryable reports whether the executor may try the call again.
// Unknown errors are treated as transient.
func (c ClassifiedError) Retryable() bool {
	return c.Category != ErrorCategoryPermanent
}

// ErrorClassifier analyzes expert and text-generation errors and categorizes them.
type ErrorClassifier struct{}

// NewErrorClassifier creates a new classifier.
func NewErrorClassifier() *ErrorClassifier {
	return &ErrorClassifier{}
}

// apiErrorPattern matches "API error <status_code>:" produced by the HTTP adapters.
var apiErrorPattern = regexp.MustCompile(`API error (\d+):`)

// Classify inspects an error returned by a remote call and returns a
// ClassifiedError with category and mapped sentinel.
func (c *ErrorClassifier) Classify(err error) ClassifiedError {
	if err == nil {
		return ClassifiedError{}
	}

	// Check wrapped domain sentinels first (from mapHTTPError and mapStatus).
	if sentinel := c.classifyBySentinel(err); sentinel.Category != ErrorCategoryUnknown {
		return sentinel
	}

	errStr := err.Error()

	if matches := apiErrorPattern.FindStringSubmatch(errStr); len(matches) == 2 {
		code, _ := strconv.Atoi(matches[1])
		return c.classifyByStatus(err, code)
	}

	return c.classifyByString(err, errStr)
}

// sentinelRules map wrapped domain sentinels onto a category, most specific
// first. A nil sentinel keeps the classification without naming one.
var sentinelRules = []struct {
	is       func(error) bool
	category ErrorCategory
	sentinel error
}{
	{domain.IsValidationError, ErrorCategoryPermanent, domain.ErrValidation},
	{isAny(domain.ErrAuthInvalid), ErrorCategoryPermanent, domain.ErrAuthInvalid},
	{isAny(domain.ErrAgentNotFound, domain.ErrUnknownAgent), ErrorCategoryPermanent, domain.ErrAgentNotFound},
	{isAny(domain.ErrCircuitOpen), ErrorCategoryPermanent, domain.ErrCircuitOpen},
	{isAny(context.Canceled), ErrorCategoryPermanent, nil},
	{isAny(domain.ErrRateLimit), ErrorCategoryRetryable, domain.ErrRateLimit},
	{isAny(domain.ErrTransient), ErrorCategoryRetryable, domain.ErrTransient},
	{isAny(domain.ErrTimeout, context.DeadlineExceeded), ErrorCategoryRetryable, domain.ErrTimeout},
	{isAny(domain.ErrMalformedResponse), ErrorCategoryRetryable, domain.ErrMalformedResponse},
}

func isAny(targets ...error) func(error) bool {
	return func(err error) bool {
		for _, t := range targets {
			if errors.Is(err, t) {
				return true
			}
		}
		return false
	}
}

func (c *ErrorClassifier) classifyBySentinel(err error) ClassifiedError {
	for _, r := range sentinelRules {
		if r.is(err) {
			return ClassifiedError{Original: err, Category: r.category, Sentinel: r.sentinel}
		}
	}
	return ClassifiedError{Original: err, Category: ErrorCategoryUnknown}
}

// classifyByStatus handles errors that only carry an HTTP status in their text.
func (c *ErrorClassifier) classifyByStatus(err error, code int) ClassifiedError {
	out := ClassifiedError{Original: err, Category: ErrorCategoryPermanent, StatusCode: code}
	switch {
	case code == 429:
		out.Category, out.Sentinel = ErrorCategoryRetryable, domain.ErrRateLimit
	case code == 408:
		out.Category, out.Sentinel = ErrorCategoryRetryable, domain.ErrTimeout
	case code >= 500 && code < 600:
		out.Category, out.Sentinel = ErrorCategoryRetryable, domain.ErrTransient
	case code == 401 || code == 403:
		out.Sentinel = domain.ErrAuthInvalid
	case code >= 400 && code < 500:
		out.Sentinel = domain.ErrValidation
	}
	return out
}

// messagePatterns recognise transport failures from error text alone, such
// as those surfaced by net/http and gRPC dialers.
var messagePatterns = []struct {
	substr   string
	sentinel error
}{
	{"rate limit", domain.ErrRateLimit},
	{"too many requests", domain.ErrRateLimit},
	{"connection refused", domain.ErrTransient},
	{"no such host", domain.ErrTransient},
	{"timeout", domain.ErrTransient},
	{"deadline exceeded", domain.ErrTransient},
	{"connection reset", domain.ErrTransient},
	{"eof", domain.ErrTransient},
	{"unavailable", domain.ErrTransient},
}

func (c *ErrorClassifier) classifyByString(err error, errStr string) ClassifiedError {
	lower := strings.ToLower(errStr)
	for _, p := range messagePatterns {
		if strings.Contains(lower, p.substr) {
			return ClassifiedError{Original: err, Category: ErrorCategoryRetryable, Sentinel: p.sentinel}
		}
	}
	return ClassifiedError{Original: err, Category: ErrorCategoryUnknown}
}
