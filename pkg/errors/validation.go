package errors

import (
	"fmt"
)

// ValidationErrorData is the structured payload attached to field
// validation failures.
type ValidationErrorData struct {
	Field string      `json:"field"`
	Value interface{} `json:"value,omitempty"`

	// What the validator wanted and what it saw.
	Expected   string `json:"expected"`
	Got        string `json:"got,omitempty"`
	Constraint string `json:"constraint,omitempty"`
}

// ParameterErrorData is the structured payload attached to parameter
// failures.
type ParameterErrorData struct {
	Parameter string `json:"parameter"`

	// Offending value and its rendered type, when present.
	Value interface{} `json:"value,omitempty"`
	Type  string      `json:"type,omitempty"`

	Required bool   `json:"required,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// ValidationError builds a bare invalid-params error.
func ValidationError(message string) ParleyError {
	return NewError(CodeInvalidParams, message, CategoryValidation, SeverityError)
}

// ValidationErrorf is ValidationError with a Sprintf-style message.
func ValidationErrorf(format string, args ...interface{}) ParleyError {
	return NewErrorf(CodeInvalidParams, CategoryValidation, SeverityError, format, args...)
}

// describeValue renders a received value as its Go type, plus the text
// itself for short strings. Long strings are elided to keep error
// messages bounded.
func describeValue(value interface{}) string {
	if value == nil {
		return "nil"
	}
	got := fmt.Sprintf("%T", value)
	if str, ok := value.(string); ok && len(str) < 100 {
		got = fmt.Sprintf("%s(%q)", got, str)
	}
	return got
}

// InvalidParameter reports a parameter whose value failed validation.
func InvalidParameter(param string, value interface{}, expected string) ParleyError {
	got := describeValue(value)
	msg := fmt.Sprintf("Invalid parameter '%s': expected %s, got %s", param, expected, got)
	return NewError(CodeInvalidParams, msg, CategoryValidation, SeverityError).
		WithData(&ParameterErrorData{
			Parameter: param,
			Value:     value,
			Type:      got,
			Reason:    "expected " + expected,
		})
}

// MissingParameter reports a required parameter that was absent.
func MissingParameter(param string) ParleyError {
	msg := "Missing required parameter: " + param
	return NewError(CodeInvalidParams, msg, CategoryValidation, SeverityError).
		WithData(&ParameterErrorData{
			Parameter: param,
			Required:  true,
		})
}

// InvalidFieldValue reports a struct field that violated a constraint.
func InvalidFieldValue(field string, value interface{}, constraint string) ParleyError {
	msg := fmt.Sprintf("Invalid value for field '%s': %s", field, constraint)
	return NewError(CodeInvalidParams, msg, CategoryValidation, SeverityError).
		WithData(&ValidationErrorData{
			Field:      field,
			Value:      value,
			Constraint: constraint,
		})
}

// CombineValidationErrors folds several validation failures into one
// error carrying the individual payloads.
func CombineValidationErrors(errs []ParleyError) ParleyError {
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	}

	messages := make([]string, 0, len(errs))
	payloads := make([]interface{}, 0, len(errs))
	for _, err := range errs {
		messages = append(messages, err.Message())
		payloads = append(payloads, err.Data())
	}

	msg := fmt.Sprintf("Multiple validation errors: %v", messages)
	return NewError(CodeInvalidParams, msg, CategoryValidation, SeverityError).
		WithData(map[string]interface{}{
			"errors": payloads,
			"count":  len(errs),
		})
}
