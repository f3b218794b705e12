package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error types for the synchronization layer
type ErrorType string

const (
	ErrorTypeSchemaViolation     ErrorType = "SCHEMA_VIOLATION"
	ErrorTypeNotFound            ErrorType = "NOT_FOUND"
	ErrorTypePersistence         ErrorType = "PERSISTENCE_ERROR"
	ErrorTypeDuplicateCollection ErrorType = "DUPLICATE_COLLECTION"
	ErrorTypeMutationRejected    ErrorType = "MUTATION_REJECTED"
	ErrorTypeValidation          ErrorType = "VALIDATION_ERROR"
	ErrorTypeAuthentication      ErrorType = "AUTHENTICATION_ERROR"
	ErrorTypeAuthorization       ErrorType = "AUTHORIZATION_ERROR"
	ErrorTypeInternal            ErrorType = "INTERNAL_ERROR"
)

// Sentinel errors. An *AppError matches the sentinel of its type with errors.Is.
var (
	ErrSchemaViolation     = errors.New("schema violation")
	ErrNotFound            = errors.New("resource not found")
	ErrPersistence         = errors.New("persistence error")
	ErrDuplicateCollection = errors.New("duplicate collection")
	ErrMutationRejected    = errors.New("mutation rejected")
	ErrInvalidInput        = errors.New("invalid input")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrForbidden           = errors.New("forbidden")
	ErrInternal            = errors.New("internal error")
)

var sentinels = map[ErrorType]error{
	ErrorTypeSchemaViolation:     ErrSchemaViolation,
	ErrorTypeNotFound:            ErrNotFound,
	ErrorTypePersistence:         ErrPersistence,
	ErrorTypeDuplicateCollection: ErrDuplicateCollection,
	ErrorTypeMutationRejected:    ErrMutationRejected,
	ErrorTypeValidation:          ErrInvalidInput,
	ErrorTypeAuthentication:      ErrUnauthorized,
	ErrorTypeAuthorization:       ErrForbidden,
	ErrorTypeInternal:            ErrInternal,
}

// AppError represents a tagged failure with context
type AppError struct {
	Type      ErrorType              `json:"type"`
	Message   string                 `json:"message"`
	Code      string                 `json:"code,omitempty"`
	HTTPCode  int                    `json:"-"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Cause     error                  `json:"-"`
	Component string                 `json:"component,omitempty"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the wrapped error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is the sentinel for e's type.
func (e *AppError) Is(target error) bool {
	sentinel, ok := sentinels[e.Type]
	return ok && sentinel == target
}

// Retryable reports whether the caller may retry the operation with backoff.
func (e *AppError) Retryable() bool {
	return e.Type == ErrorTypePersistence
}

// NewAppError creates a new application error
func NewAppError(errorType ErrorType, message string, httpCode int) *AppError {
	return &AppError{
		Type:     errorType,
		Message:  message,
		HTTPCode: httpCode,
		Details:  make(map[string]interface{}),
	}
}

// WithCode adds an error code
func (e *AppError) WithCode(code string) *AppError {
	e.Code = code
	return e
}

// WithCause adds the underlying cause
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithComponent adds the component name
func (e *AppError) WithComponent(component string) *AppError {
	e.Component = component
	return e
}

// WithDetail adds a detail field
func (e *AppError) WithDetail(key string, value interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewSchemaViolationError creates a schema violation error
func NewSchemaViolationError(message string) *AppError {
	return NewAppError(ErrorTypeSchemaViolation, message, http.StatusBadRequest)
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrorTypeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

// NewPersistenceError creates a backend I/O error. Callers may retry it.
func NewPersistenceError(message string) *AppError {
	return NewAppError(ErrorTypePersistence, message, http.StatusServiceUnavailable)
}

// NewDuplicateCollectionError reports a second registration of the same collection.
func NewDuplicateCollectionError(name string) *AppError {
	return NewAppError(ErrorTypeDuplicateCollection, fmt.Sprintf("collection %q already registered", name), http.StatusInternalServerError).
		WithDetail("collection", name)
}

// NewMutationRejectedError reports an optimistic write the server refused.
func NewMutationRejectedError(message string) *AppError {
	return NewAppError(ErrorTypeMutationRejected, message, http.StatusConflict)
}

// NewValidationError creates a malformed-request error
func NewValidationError(message string) *AppError {
	return NewAppError(ErrorTypeValidation, message, http.StatusBadRequest)
}

// NewAuthenticationError creates an authentication error
func NewAuthenticationError(message string) *AppError {
	return NewAppError(ErrorTypeAuthentication, message, http.StatusUnauthorized)
}

// NewAuthorizationError creates an authorization error
func NewAuthorizationError(message string) *AppError {
	return NewAppError(ErrorTypeAuthorization, message, http.StatusForbidden)
}

// NewInternalError creates an internal server error
func NewInternalError(message string) *AppError {
	return NewAppError(ErrorTypeInternal, message, http.StatusInternalServerError)
}

var statusByType = map[ErrorType]int{
	ErrorTypeSchemaViolation:     http.StatusBadRequest,
	ErrorTypeNotFound:            http.StatusNotFound,
	ErrorTypePersistence:         http.StatusServiceUnavailable,
	ErrorTypeDuplicateCollection: http.StatusInternalServerError,
	ErrorTypeMutationRejected:    http.StatusConflict,
	ErrorTypeValidation:          http.StatusBadRequest,
	ErrorTypeAuthentication:      http.StatusUnauthorized,
	ErrorTypeAuthorization:       http.StatusForbidden,
	ErrorTypeInternal:            http.StatusInternalServerError,
}

// Restore rebuilds an AppError received from a remote peer. Unknown types
// become internal errors.
func Restore(errorType ErrorType, code, message string, details map[string]interface{}) *AppError {
	status, ok := statusByType[errorType]
	if !ok {
		errorType, status = ErrorTypeInternal, http.StatusInternalServerError
	}
	appErr := NewAppError(errorType, message, status)
	appErr.Code = code
	for k, v := range details {
		appErr.Details[k] = v
	}
	return appErr
}

// FieldViolation describes one offending field of a write
type FieldViolation struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value,omitempty"`
}

// ValidationErrors collects field violations before they are reported together
type ValidationErrors struct {
	Errors []FieldViolation `json:"errors"`
}

// Error implements the error interface
func (ve *ValidationErrors) Error() string {
	if len(ve.Errors) == 0 {
		return "schema violation"
	}
	return fmt.Sprintf("schema violation: %s: %s", ve.Errors[0].Field, ve.Errors[0].Message)
}

// NewValidationErrors creates a new validation errors instance
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{
		Errors: make([]FieldViolation, 0),
	}
}

// Add adds a field violation
func (ve *ValidationErrors) Add(field, message string, value interface{}) *ValidationErrors {
	ve.Errors = append(ve.Errors, FieldViolation{
		Field:   field,
		Message: message,
		Value:   value,
	})
	return ve
}

// HasErrors returns true if there are violations
func (ve *ValidationErrors) HasErrors() bool {
	return len(ve.Errors) > 0
}

// Fields returns the names of the offending fields in report order
func (ve *ValidationErrors) Fields() []string {
	names := make([]string, 0, len(ve.Errors))
	for _, e := range ve.Errors {
		names = append(names, e.Field)
	}
	return names
}

// ToAppError converts the violations to a SchemaViolation AppError
func (ve *ValidationErrors) ToAppError() *AppError {
	if !ve.HasErrors() {
		return nil
	}

	appErr := NewSchemaViolationError(ve.Error())
	appErr.Details["violations"] = ve.Errors
	appErr.Details["fields"] = ve.Fields()
	return appErr
}

// WrapError wraps an error with context, keeping AppErrors untouched
func WrapError(err error, message string) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return NewInternalError(message).WithCause(err)
}

// As exposes errors.As so callers importing this package need not import both.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Is exposes errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// TypeOf returns the ErrorType of err, or ErrorTypeInternal for untyped errors.
func TypeOf(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeInternal
}

// HTTPStatus returns the status code a transport should answer with for err.
func HTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.HTTPCode != 0 {
		return appErr.HTTPCode
	}
	return http.StatusInternalServerError
}

// IsNotFound checks if an error is a not found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsSchemaViolation checks if an error is a schema violation
func IsSchemaViolation(err error) bool {
	return errors.Is(err, ErrSchemaViolation)
}

// IsPersistence checks if an error is a backend failure
func IsPersistence(err error) bool {
	return errors.Is(err, ErrPersistence)
}

// IsMutationRejected checks if an error is a rejected optimistic mutation
func IsMutationRejected(err error) bool {
	return errors.Is(err, ErrMutationRejected)
}

// IsDuplicateCollection checks if an error is a duplicate registration
func IsDuplicateCollection(err error) bool {
	return errors.Is(err, ErrDuplicateCollection)
}

// IsAuthorization checks if an error is an authorization error
func IsAuthorization(err error) bool {
	return errors.Is(err, ErrForbidden)
}

// Must unwraps a (value, error) pair and panics on failure. It is the explicit
// unwrap used at process start and in tests; request paths must branch on the error.
func Must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}
