package fault

import (
	"errors"
	"fmt"
)

// Kind classifies orchestrator errors by recovery semantics. Only
// KindTransientIO is retryable; everything else either escalates or
// fails fast.
type Kind string

const (
	// KindTransientIO represents temporary I/O or network failures
	KindTransientIO Kind = "TRANSIENT_IO"
	// KindCorruptArtifact represents checksum or payload integrity failures
	KindCorruptArtifact Kind = "CORRUPT_ARTIFACT"
	// KindVersionMismatch represents an artifact incompatible with the target component
	KindVersionMismatch Kind = "VERSION_MISMATCH"
	// KindMissingBaseline represents an incremental whose baseline is absent or expired
	KindMissingBaseline Kind = "MISSING_BASELINE"
	// KindRecoveryInProgress represents a rejected concurrent recovery request
	KindRecoveryInProgress Kind = "RECOVERY_IN_PROGRESS"
	// KindConfiguration represents invalid configuration, fatal at startup
	KindConfiguration Kind = "CONFIGURATION_ERROR"
	// KindVerification represents a failed verification check
	KindVerification Kind = "VERIFICATION_FAILED"
	// KindNotFound represents a missing artifact, component, or site
	KindNotFound Kind = "NOT_FOUND"
)

// Error is the typed error used across the orchestrator core.
type Error struct {
	Kind    Kind                   `json:"kind"`
	Message string                 `json:"message"`
	Cause   error                  `json:"-"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause error
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithContext adds context information to the error
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a new typed Error
func New(kind Kind, message string, cause error) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// Common error constructors

func TransientIO(message string, cause error) *Error {
	return New(KindTransientIO, message, cause)
}

func CorruptArtifact(message string, cause error) *Error {
	return New(KindCorruptArtifact, message, cause)
}

func VersionMismatch(message string, cause error) *Error {
	return New(KindVersionMismatch, message, cause)
}

func MissingBaseline(message string, cause error) *Error {
	return New(KindMissingBaseline, message, cause)
}

func RecoveryInProgress(message string) *Error {
	return New(KindRecoveryInProgress, message, nil)
}

func Configuration(message string, cause error) *Error {
	return New(KindConfiguration, message, cause)
}

func Verification(message string, cause error) *Error {
	return New(KindVerification, message, cause)
}

func NotFound(message string, cause error) *Error {
	return New(KindNotFound, message, cause)
}

// IsKind reports whether err (or any error it wraps) is a typed Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the Kind of err, or an empty Kind for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable determines if an error may be retried with backoff.
// Integrity and conflict errors are never retried.
func IsRetryable(err error) bool {
	return IsKind(err, KindTransientIO)
}

// IsPermanent determines if an error is permanent and must surface immediately
func IsPermanent(err error) bool {
	switch KindOf(err) {
	case KindCorruptArtifact, KindVersionMismatch, KindMissingBaseline, KindConfiguration:
		return true
	default:
		return false
	}
}

// ValidationError represents a single field-level validation failure
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value,omitempty"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// ValidationErrors represents a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	return fmt.Sprintf("%d validation errors: %s (and %d more)", len(e), e[0].Error(), len(e)-1)
}

// Add adds a validation error to the collection
func (e *ValidationErrors) Add(field, message string, value interface{}) {
	*e = append(*e, ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	})
}

// HasErrors returns true if there are validation errors
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}
