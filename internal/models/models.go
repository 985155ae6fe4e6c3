// Package models defines the core data structures for the SMT-RE scheduler.
//
// It includes re-engagement settings, per-conversation records, the stage enum
// and the API envelope shared across modules.
package models

import "errors"

// Error variables for better error handling and testability
var (
	ErrSettingNotFound          = errors.New("reengagement setting not found")
	ErrSettingWorkspaceMismatch = errors.New("reengagement setting belongs to a different workspace")
	ErrTeamNotAllowed           = errors.New("conversation team is not allowed by the reengagement setting")
	ErrSettingInUse             = errors.New("reengagement setting is referenced by active records")
	ErrRecordExists             = errors.New("conversation already has a reengagement record")
	ErrRecordNotFound           = errors.New("reengagement record not found")

	ErrEmptyWorkspaceID    = errors.New("workspace id cannot be empty")
	ErrEmptyConversationID = errors.New("conversation id cannot be empty")
	ErrEmptySettingID      = errors.New("setting id cannot be empty")
	ErrEmptySettingName    = errors.New("setting name cannot be empty")
	ErrInvalidWaitMinutes  = errors.New("stage wait minutes must be a positive integer")
	ErrEmptyMessageText    = errors.New("stage message text cannot be empty")
	ErrMessageTextTooLong  = errors.New("stage message text exceeds maximum length")
	ErrInvalidDateRange    = errors.New("start date must not be after end date")
)

// IsValidationError reports whether err is caused by invalid caller input
// rather than by storage or transport failures.
func IsValidationError(err error) bool {
	for _, target := range []error{
		ErrEmptyWorkspaceID, ErrEmptyConversationID, ErrEmptySettingID,
		ErrEmptySettingName, ErrInvalidWaitMinutes, ErrEmptyMessageText,
		ErrMessageTextTooLong, ErrInvalidDateRange,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
