package httpserver

import (
	"regexp"
	"strconv"
)

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult represents the result of validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

var validTaskID = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateTaskID validates an operator-supplied task id. The id becomes part
// of the result filename, so the charset is restricted.
func ValidateTaskID(taskID string) ValidationResult {
	if taskID == "" {
		return ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{Field: "task_id", Code: "REQUIRED", Message: "task_id is required"},
			},
		}
	}
	if len(taskID) > 100 {
		return ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{Field: "task_id", Code: "TOO_LONG", Message: "task_id is too long (max 100 characters)"},
			},
		}
	}
	if !validTaskID.MatchString(taskID) {
		return ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{Field: "task_id", Code: "INVALID_FORMAT", Message: "task_id contains invalid characters"},
			},
		}
	}
	return ValidationResult{Valid: true}
}

// ValidatePagination validates page and per_page query parameters.
func ValidatePagination(page, perPage string) ValidationResult {
	var errs []ValidationError
	if page != "" {
		if n, err := strconv.Atoi(page); err != nil || n < 1 {
			errs = append(errs, ValidationError{
				Field: "page", Code: "INVALID_FORMAT", Message: "page must be a positive integer",
			})
		}
	}
	if perPage != "" {
		if n, err := strconv.Atoi(perPage); err != nil || n < 1 || n > 100 {
			errs = append(errs, ValidationError{
				Field: "per_page", Code: "INVALID_FORMAT", Message: "per_page must be between 1 and 100",
			})
		}
	}
	if len(errs) > 0 {
		return ValidationResult{Valid: false, Errors: errs}
	}
	return ValidationResult{Valid: true}
}
