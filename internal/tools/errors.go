package tools

import (
	"errors"

	"github.com/nugget/tickler/internal/reminder"
)

// Failure codes reported to the model.
const (
	CodeUnknownTool      = "unknown_tool"
	CodeInvalidArguments = "invalid_arguments"
	CodeValidation       = "validation_failed"
	CodeNotFound         = "not_found"
	CodePermission       = "permission_denied"
	CodeNotPending       = "not_pending"
	CodeInternal         = "internal_error"
)

// Failure builds a failed result.
func Failure(code, msg string) Result {
	return Result{Success: false, Code: code, Error: msg}
}

// FailureFromError classifies a store or validation error.
func FailureFromError(err error) Result {
	switch {
	case errors.Is(err, reminder.ErrNotFound):
		return Failure(CodeNotFound, "No reminder with that id exists.")
	case errors.Is(err, reminder.ErrForbidden):
		return Failure(CodePermission, "Permission denied: that reminder belongs to another user.")
	case errors.Is(err, reminder.ErrNotPending):
		return Failure(CodeNotPending, err.Error())
	case errors.Is(err, reminder.ErrInvalid):
		return Failure(CodeValidation, err.Error())
	default:
		return Failure(CodeInternal, "The reminder store is unavailable: "+err.Error())
	}
}
