package service

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// ValidationError reports a missing or malformed request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func newValidationError(field string, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

var sessionIdRegex = regexp.MustCompile(`^[A-Za-z0-9_\-:.]{1,128}$`)
var stepTypeRegex = regexp.MustCompile(`^[A-Za-z0-9_\-]{1,64}$`)

const maxStepDataBytes = 64 * 1024

func ValidateSessionId(sessionId string) error {
	if sessionId == "" {
		return newValidationError("sessionId", "The sessionId field is required.")
	}
	if !sessionIdRegex.MatchString(sessionId) {
		return newValidationError("sessionId", "The sessionId may only contain letters, digits, and _-:. (max 128).")
	}
	return nil
}

func ValidateStepType(stepType string) error {
	if stepType == "" {
		return newValidationError("type", "The type field is required.")
	}
	if !stepTypeRegex.MatchString(stepType) {
		return newValidationError("type", "The type may only contain letters, digits, _ and - (max 64).")
	}
	return nil
}

func ValidateStepData(data map[string]any) error {
	if data == nil {
		return newValidationError("data", "The data field is required.")
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return newValidationError("data", "The data field must be a JSON object.")
	}
	if len(encoded) > maxStepDataBytes {
		return newValidationError("data", "The data field must not exceed %d bytes.", maxStepDataBytes)
	}
	return nil
}
