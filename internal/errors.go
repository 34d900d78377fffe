package internal

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorType represents different types of errors
type ErrorType int

const (
	ErrNone ErrorType = iota
	ErrConfiguration
	ErrTransport
	ErrBadStatus
	ErrNotFoundOnServer
	ErrAlreadyRemoved
	ErrChallengeRequired
	ErrParse
	ErrCacheEmpty
	ErrAlreadyActive
	ErrCancelled
	ErrStore
	ErrInvalidURL
)

// ErrorSeverity represents the severity of an error
type ErrorSeverity int

const (
	SeverityInfo ErrorSeverity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

// SyncError represents a synchronization failure with detailed information
type SyncError struct {
	Code       int                    `json:"code"`
	Message    string                 `json:"message"`
	Type       ErrorType              `json:"type"`
	Severity   ErrorSeverity          `json:"severity"`
	URL        string                 `json:"url,omitempty"`
	Key        string                 `json:"key,omitempty"`
	Suggestion string                 `json:"suggestion,omitempty"`
	Context    map[string]interface{} `json:"context,omitempty"`
	Cause      error                  `json:"-"`
}

// Error implements the error interface
func (e *SyncError) Error() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("sync error (code: %d, type: %s)", e.Code, e.Type.String()))

	if e.Message != "" {
		parts = append(parts, e.Message)
	}

	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, " - ")
}

// Unwrap exposes the underlying cause to errors.Is and errors.As
func (e *SyncError) Unwrap() error {
	return e.Cause
}

// DetailedError returns a detailed error message with all available information
func (e *SyncError) DetailedError() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[%s] %s Error", e.Severity.String(), e.Type.String()))

	if e.Code != 0 {
		parts = append(parts, fmt.Sprintf("Code: %d", e.Code))
	}
	if e.Message != "" {
		parts = append(parts, fmt.Sprintf("Message: %s", e.Message))
	}
	if e.Key != "" {
		parts = append(parts, fmt.Sprintf("Resource: %s", e.Key))
	}

	// URL is redacted, query strings may carry credentials
	if e.URL != "" {
		parts = append(parts, fmt.Sprintf("URL: %s", redactSensitiveURL(e.URL)))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause: %v", e.Cause))
	}

	if len(e.Context) > 0 {
		contextParts := make([]string, 0, len(e.Context))
		for k, v := range e.Context {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, v))
		}
		parts = append(parts, fmt.Sprintf("Context: %s", strings.Join(contextParts, ", ")))
	}

	if e.Suggestion != "" {
		parts = append(parts, fmt.Sprintf("\nSuggestion: %s", e.Suggestion))
	}

	return strings.Join(parts, "\n")
}

// String returns the string representation of ErrorType
func (et ErrorType) String() string {
	switch et {
	case ErrNone:
		return "None"
	case ErrConfiguration:
		return "Configuration"
	case ErrTransport:
		return "Transport"
	case ErrBadStatus:
		return "BadStatus"
	case ErrNotFoundOnServer:
		return "NotFoundOnServer"
	case ErrAlreadyRemoved:
		return "AlreadyRemovedLocally"
	case ErrChallengeRequired:
		return "ChallengeRequired"
	case ErrParse:
		return "Parse"
	case ErrCacheEmpty:
		return "CacheEmpty"
	case ErrAlreadyActive:
		return "AlreadyActive"
	case ErrCancelled:
		return "Cancelled"
	case ErrStore:
		return "Store"
	case ErrInvalidURL:
		return "InvalidURL"
	default:
		return "Unknown"
	}
}

// String returns the string representation of ErrorSeverity
func (es ErrorSeverity) String() string {
	switch es {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// NewSyncError creates a new SyncError with default suggestion and severity
func NewSyncError(code int, message string, errorType ErrorType) *SyncError {
	return &SyncError{
		Code:       code,
		Message:    message,
		Type:       errorType,
		Severity:   getDefaultSeverity(errorType),
		Suggestion: getDefaultSuggestion(errorType, code),
		Context:    make(map[string]interface{}),
	}
}

// WithSuggestion adds a custom suggestion to the error
func (e *SyncError) WithSuggestion(suggestion string) *SyncError {
	e.Suggestion = suggestion
	return e
}

// WithURL adds URL context to the error (will be redacted in logs)
func (e *SyncError) WithURL(url string) *SyncError {
	e.URL = url
	return e
}

// WithKey records the resource the error relates to
func (e *SyncError) WithKey(key ResourceKey) *SyncError {
	e.Key = key.String()
	return e
}

// WithCause attaches the underlying error
func (e *SyncError) WithCause(cause error) *SyncError {
	e.Cause = cause
	return e
}

// WithContext adds context information to the error
func (e *SyncError) WithContext(key string, value interface{}) *SyncError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// IsRetryable returns true if a later scheduled run may succeed
func (e *SyncError) IsRetryable() bool {
	switch e.Type {
	case ErrTransport, ErrAlreadyActive:
		return true
	case ErrBadStatus:
		return e.Code >= 500 || e.Code == 429
	default:
		return false
	}
}

// IsCritical returns true if the error is critical and should stop execution
func (e *SyncError) IsCritical() bool {
	return e.Severity == SeverityCritical
}

// ChallengeKind identifies the anti-bot provider that issued a challenge
type ChallengeKind int

const (
	ChallengeCloudflare ChallengeKind = iota
)

// String returns the string representation of ChallengeKind
func (k ChallengeKind) String() string {
	switch k {
	case ChallengeCloudflare:
		return "Cloudflare"
	default:
		return "Unknown"
	}
}

// ChallengeRequiredError signals that a host answered with an anti-bot challenge page.
// It must reach a human-facing decision point.
type ChallengeRequiredError struct {
	Kind ChallengeKind
	Host string
	URL  string
}

// Error implements the error interface
func (e *ChallengeRequiredError) Error() string {
	return fmt.Sprintf("%s challenge required for %s (%s)", e.Kind, e.Host, redactSensitiveURL(e.URL))
}

// ValidationError represents input validation errors
type ValidationError struct {
	Field      string                 `json:"field"`
	Message    string                 `json:"message"`
	Value      interface{}            `json:"value,omitempty"`
	Suggestion string                 `json:"suggestion,omitempty"`
	Context    map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	parts := []string{fmt.Sprintf("validation error for %s: %s", e.Field, e.Message)}

	if e.Suggestion != "" {
		parts = append(parts, fmt.Sprintf("Suggestion: %s", e.Suggestion))
	}

	return strings.Join(parts, " - ")
}

// DetailedError returns a detailed validation error message
func (e *ValidationError) DetailedError() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Validation Error for field '%s'", e.Field))
	parts = append(parts, fmt.Sprintf("Message: %s", e.Message))

	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("Provided value: %v", e.Value))
	}

	if len(e.Context) > 0 {
		contextParts := make([]string, 0, len(e.Context))
		for k, v := range e.Context {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, v))
		}
		parts = append(parts, fmt.Sprintf("Context: %s", strings.Join(contextParts, ", ")))
	}

	if e.Suggestion != "" {
		parts = append(parts, fmt.Sprintf("\nSuggestion: %s", e.Suggestion))
	}

	return strings.Join(parts, "\n")
}

// NewValidationError creates a new ValidationError
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// NewValidationErrorWithValue creates a ValidationError with the invalid value
func NewValidationErrorWithValue(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
		Context: make(map[string]interface{}),
	}
}

// WithSuggestion adds a suggestion to the validation error
func (e *ValidationError) WithSuggestion(suggestion string) *ValidationError {
	e.Suggestion = suggestion
	return e
}

// WithContext adds context to the validation error
func (e *ValidationError) WithContext(key string, value interface{}) *ValidationError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// ErrorTypeOf classifies err. Challenge and context errors are recognised through wrapping.
func ErrorTypeOf(err error) ErrorType {
	if err == nil {
		return ErrNone
	}
	var challengeErr *ChallengeRequiredError
	if errors.As(err, &challengeErr) {
		return ErrChallengeRequired
	}
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Type
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrCancelled
	}
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return ErrConfiguration
	}
	return ErrTransport
}

// StatusCodeOf returns the HTTP status carried by a BadStatus or NotFound error, or 0
func StatusCodeOf(err error) int {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		switch syncErr.Type {
		case ErrBadStatus, ErrNotFoundOnServer:
			return syncErr.Code
		}
	}
	return 0
}

// getDefaultSuggestion returns a default suggestion based on error type and code
func getDefaultSuggestion(errorType ErrorType, code int) string {
	switch errorType {
	case ErrConfiguration:
		return "Register the site in the sites file or check the site name"
	case ErrTransport:
		return "Check your internet connection and try again. Consider using a proxy if needed"
	case ErrBadStatus:
		if code >= 500 {
			return "Server error occurred. Please try again later"
		}
		return "The server rejected the request. The endpoint might have changed"
	case ErrNotFoundOnServer:
		return "The resource was deleted or archived on the server"
	case ErrChallengeRequired:
		return "Solve the challenge in a browser and submit the clearance cookie with 'chansync credential set'"
	case ErrParse:
		return "The response format was not recognised. The site API might have changed"
	case ErrCacheEmpty:
		return "Nothing is cached for this resource yet. Load it with a refreshing cache policy"
	case ErrAlreadyActive:
		return "Another load for the same resource is in flight. Retry once it finishes"
	case ErrStore:
		return "Check the store backend configuration and that it is reachable"
	case ErrInvalidURL:
		return "Please provide a thread or catalog URL of a registered site"
	default:
		return ""
	}
}

// getDefaultSeverity returns the default severity for an error type
func getDefaultSeverity(errorType ErrorType) ErrorSeverity {
	switch errorType {
	case ErrTransport, ErrAlreadyActive, ErrCacheEmpty:
		return SeverityWarning
	case ErrAlreadyRemoved, ErrCancelled:
		return SeverityInfo
	case ErrStore:
		return SeverityCritical
	default:
		return SeverityError
	}
}

// redactSensitiveURL redacts sensitive information from URLs
func redactSensitiveURL(url string) string {
	if i := strings.Index(url, "?"); i >= 0 {
		return url[:i] + "?[REDACTED]"
	}
	return url
}

// Common error constructors for frequently used errors

// NewConfigurationError creates an error for an unregistered site backend
func NewConfigurationError(site string) *SyncError {
	return NewSyncError(0, fmt.Sprintf("no backend registered for site %q", site), ErrConfiguration).
		WithContext("site", site)
}

// NewTransportError wraps a network level failure
func NewTransportError(url string, cause error) *SyncError {
	return NewSyncError(0, "request failed", ErrTransport).
		WithURL(url).
		WithCause(cause)
}

// NewBadStatusError creates an error for a non-2xx, non-challenge response
func NewBadStatusError(url string, code int) *SyncError {
	return NewSyncError(code, fmt.Sprintf("unexpected status %d", code), ErrBadStatus).
		WithURL(url)
}

// NewNotFoundError creates an error for a 404 response
func NewNotFoundError(url string) *SyncError {
	return NewSyncError(404, "resource not found on server", ErrNotFoundOnServer).
		WithURL(url)
}

// NewAlreadyRemovedError marks a resource deleted locally while a fetch was pending
func NewAlreadyRemovedError(key ResourceKey) *SyncError {
	return NewSyncError(0, "resource was removed locally", ErrAlreadyRemoved).
		WithKey(key)
}

// NewParseError wraps a response decoding failure
func NewParseError(url string, cause error) *SyncError {
	return NewSyncError(0, "failed to parse response", ErrParse).
		WithURL(url).
		WithCause(cause)
}

// NewCacheEmptyError reports that a store-only load found nothing
func NewCacheEmptyError(key ResourceKey) *SyncError {
	return NewSyncError(0, "cache is empty", ErrCacheEmpty).
		WithKey(key)
}

// NewAlreadyActiveError reports a concurrent load for the same key
func NewAlreadyActiveError(key ResourceKey) *SyncError {
	return NewSyncError(0, "load already in flight", ErrAlreadyActive).
		WithKey(key)
}

// NewCancelledError wraps a context cancellation
func NewCancelledError(key ResourceKey, cause error) *SyncError {
	return NewSyncError(0, "load cancelled", ErrCancelled).
		WithKey(key).
		WithCause(cause)
}

// NewStoreError wraps a store backend failure
func NewStoreError(op string, cause error) *SyncError {
	return NewSyncError(0, fmt.Sprintf("store %s failed", op), ErrStore).
		WithContext("op", op).
		WithCause(cause)
}

// NewInvalidURLError creates an error for URLs that do not name a resource
func NewInvalidURLError(url string, reason string) *SyncError {
	return NewSyncError(400, fmt.Sprintf("Invalid URL: %s", reason), ErrInvalidURL).
		WithURL(url)
}
