package httpserver

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult represents the result of validation
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

var validOrderID = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateOrderID validates the orderId path/query parameter used by
// GET /orders/{id} and the subscription stream.
func ValidateOrderID(orderID string) ValidationResult {
	if orderID == "" {
		return ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{Field: "orderId", Code: "REQUIRED", Message: "orderId is required"},
			},
		}
	}
	if len(orderID) > 100 {
		return ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{Field: "orderId", Code: "TOO_LONG", Message: "orderId is too long (max 100 characters)"},
			},
		}
	}
	if !validOrderID.MatchString(orderID) {
		return ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{Field: "orderId", Code: "INVALID_FORMAT", Message: "orderId contains invalid characters"},
			},
		}
	}
	return ValidationResult{Valid: true}
}

// ValidateIdempotencyKey validates an optional Idempotency-Key header.
// An empty key is valid (idempotency is opt-in).
func ValidateIdempotencyKey(key string) ValidationResult {
	if key == "" {
		return ValidationResult{Valid: true}
	}
	if len(key) > 128 {
		return ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{Field: "idempotency_key", Code: "TOO_LONG", Message: "Idempotency-Key is too long (max 128 characters)"},
			},
		}
	}
	if !utf8.ValidString(key) {
		return ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{Field: "idempotency_key", Code: "INVALID_FORMAT", Message: "Idempotency-Key must be valid UTF-8"},
			},
		}
	}
	return ValidationResult{Valid: true}
}

// SanitizeString sanitizes a string input
func SanitizeString(input string) string {
	// Remove null bytes
	input = strings.ReplaceAll(input, "\x00", "")

	// Trim whitespace
	input = strings.TrimSpace(input)

	// Limit length to prevent DoS
	if len(input) > 1000 {
		input = input[:1000]
	}

	// Ensure valid UTF-8
	if !utf8.ValidString(input) {
		input = strings.ToValidUTF8(input, "")
	}

	return input
}

// SanitizeOrderID strips any character outside the orderId charset.
func SanitizeOrderID(orderID string) string {
	orderID = regexp.MustCompile(`[^a-zA-Z0-9_-]`).ReplaceAllString(orderID, "")
	if len(orderID) > 100 {
		orderID = orderID[:100]
	}
	return orderID
}
