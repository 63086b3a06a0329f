package broker

import (
	"encoding/json"
	"fmt"
)

// ManagerRequest is the JSON envelope for requests to the manager.
type ManagerRequest struct {
	ID     string `json:"id"`
	Module string `json:"module"`
	// Name is the interface, error file or requirement the request is about.
	Name       string `json:"name,omitempty"`
	Prefix     string `json:"prefix,omitempty"`
	ConfigPath string `json:"config_path,omitempty"`
}

// ManagerResponse is the JSON envelope for manager replies.
type ManagerResponse struct {
	ID     string          `json:"id"`
	Ok     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorDetail    `json:"error,omitempty"`
}

// ErrorDetail holds structured error information.
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (e *ErrorDetail) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Manager error codes.
const (
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeNotFound        = "NOT_FOUND"
	CodeInternal        = "INTERNAL_ERROR"
)

// OkResponse wraps result.
func OkResponse(id string, result any) *ManagerResponse {
	data, err := json.Marshal(result)
	if err != nil {
		return ErrorResponse(id, CodeInternal, err.Error(), true)
	}
	return &ManagerResponse{ID: id, Ok: true, Result: data}
}

// ErrorResponse builds a failed response.
func ErrorResponse(id, code, message string, retryable bool) *ManagerResponse {
	return &ManagerResponse{
		ID: id,
		Ok: false,
		Error: &ErrorDetail{
			Code:      code,
			Message:   message,
			Retryable: retryable,
		},
	}
}
