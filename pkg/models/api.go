package models

// ErrorType categorizes API error responses for the frontend.
type ErrorType string

const (
	ValidationErrorType ErrorType = "validation_error"
	PermissionErrorType ErrorType = "permission_error"
	NotFoundErrorType   ErrorType = "not_found_error"
	GeneralErrorType    ErrorType = "general_error"
)

// APIResponse is the envelope returned by every endpoint.
type APIResponse struct {
	Status    string    `json:"status"`
	Data      any       `json:"data,omitempty"`
	Message   string    `json:"message,omitempty"`
	ErrorType ErrorType `json:"error_type,omitempty"`
	Fields    []string  `json:"fields,omitempty"`
}
