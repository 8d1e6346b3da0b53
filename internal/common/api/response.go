package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
)

// Response is the standard API response envelope
type Response[T any] struct {
	Data  T      `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
}

// Error represents an API error
type Error struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// Common error codes
const (
	ErrCodeBadRequest     = "BAD_REQUEST"
	ErrCodeUnauthorized   = "UNAUTHORIZED"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeInternalError  = "INTERNAL_ERROR"
	ErrCodeServiceUnavail = "SERVICE_UNAVAILABLE"
	ErrCodeRateLimited    = "RATE_LIMITED"
)

// WriteJSON writes a JSON response
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteData writes a successful data response
func WriteData[T any](w http.ResponseWriter, status int, data T) {
	WriteJSON(w, status, Response[T]{Data: data})
}

// WriteError writes an error response
func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, Response[any]{Error: &Error{Code: code, Message: message}})
}

// WriteErrorWithDetails writes an error response with details
func WriteErrorWithDetails(w http.ResponseWriter, status int, code, message string, details map[string]string) {
	WriteJSON(w, status, Response[any]{Error: &Error{Code: code, Message: message, Details: details}})
}

// BadRequest writes a 400 response
func BadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// NotFound writes a 404 response
func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// Conflict writes a 409 response
func Conflict(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, ErrCodeConflict, message)
}

// InternalError writes a 500 response
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, ErrCodeInternalError, message)
}

// ValidationError writes a 422 response with validation details
func ValidationError(w http.ResponseWriter, err error) {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		details := make(map[string]string, len(validationErrors))
		for _, e := range validationErrors {
			details[e.Field()] = formatValidationError(e)
		}
		WriteErrorWithDetails(w, http.StatusUnprocessableEntity, ErrCodeValidation, "Validation failed", details)
		return
	}
	WriteError(w, http.StatusUnprocessableEntity, ErrCodeValidation, err.Error())
}

func formatValidationError(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "This field is required"
	case "uuid":
		return "Must be a valid UUID"
	case "numeric":
		return "Must be a decimal number"
	case "oneof":
		return "Must be one of: " + e.Param()
	case "min":
		return "Must be at least " + e.Param()
	case "max":
		return "Must be at most " + e.Param()
	case "gte":
		return "Must be greater than or equal to " + e.Param()
	case "gt":
		return "Must be greater than " + e.Param()
	case "dive":
		return "Contains an invalid item"
	default:
		return "Invalid value"
	}
}

// Validate is a shared validator instance
var Validate = validator.New(validator.WithRequiredStructEnabled())

// ErrMalformedBody wraps JSON decoding failures.
var ErrMalformedBody = errors.New("malformed request body")

// DecodeAndValidate decodes JSON and validates the result. Decoding failures
// wrap ErrMalformedBody; the rest are validator errors.
func DecodeAndValidate(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	return Validate.Struct(v)
}
