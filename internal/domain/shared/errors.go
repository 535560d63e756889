package shared

import "errors"

// DomainError represents a domain-level error
type DomainError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface
func (e *DomainError) Error() string {
	return e.Message
}

// Is reports whether target is a DomainError with the same code, so that
// errors.Is works against the sentinel values below.
func (e *DomainError) Is(target error) bool {
	var other *DomainError
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// WithDetail returns a copy of the error carrying an extra detail entry
func (e *DomainError) WithDetail(key string, value any) *DomainError {
	details := make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	return &DomainError{Code: e.Code, Message: e.Message, Details: details}
}

// NewDomainError creates a new domain error
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
	}
}

// Error codes
const (
	CodeDataUnavailable = "DATA_UNAVAILABLE"
	CodeValidation      = "VALIDATION_ERROR"
	CodeMissingRate     = "MISSING_RATE"
	CodeNotFound        = "NOT_FOUND"
	CodeInvalidInput    = "INVALID_INPUT"
	CodeInvalidState    = "INVALID_STATE"
	CodeAlreadyPosted   = "ALREADY_POSTED"
	CodeConcurrentPost  = "CONCURRENT_POST"
	CodeForbidden       = "FORBIDDEN"
	CodeUnauthorized    = "UNAUTHORIZED"
)

// Common domain errors
var (
	ErrDataUnavailable = NewDomainError(CodeDataUnavailable, "Upstream data is unavailable")
	ErrValidation      = NewDomainError(CodeValidation, "Amounts do not balance")
	ErrMissingRate     = NewDomainError(CodeMissingRate, "Currency rate not found")
	ErrNotFound        = NewDomainError(CodeNotFound, "Resource not found")
	ErrInvalidInput    = NewDomainError(CodeInvalidInput, "Invalid input provided")
	ErrInvalidState    = NewDomainError(CodeInvalidState, "Operation not allowed in current state")
	ErrAlreadyPosted   = NewDomainError(CodeAlreadyPosted, "Receipt has already been posted")
	ErrConcurrentPost  = NewDomainError(CodeConcurrentPost, "Receipt is being posted by another request")
	ErrForbidden       = NewDomainError(CodeForbidden, "Access to this resource is forbidden")
	ErrUnauthorized    = NewDomainError(CodeUnauthorized, "Not authorized to perform this action")
)
