package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/tidwall/gjson"
)

// Error codes produced by the classifier. HTTP failures use HTTPCode.
const (
	CodeNetwork = "NETWORK_ERROR"
	CodeTimeout = "TIMEOUT"
	CodeUnknown = "UNKNOWN"
)

// retryableStatuses are the HTTP statuses worth sending again
var retryableStatuses = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// ApiError is the classified result of a failed attempt
type ApiError struct {
	Message   string `json:"message"`
	Code      string `json:"code"`
	Status    int    `json:"status,omitempty"`
	Retryable bool   `json:"retryable"`
	ErrorID   string `json:"error_id,omitempty"`

	cause error
}

func (e *ApiError) Error() string {
	if e.ErrorID != "" {
		return fmt.Sprintf("%s: %s (error id %s)", e.Code, e.Message, e.ErrorID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ApiError) Unwrap() error {
	return e.cause
}

// HTTPCode returns the machine-readable code for an HTTP status
func HTTPCode(status int) string {
	return fmt.Sprintf("HTTP_%d", status)
}

// AsApiError extracts an ApiError from an error chain
func AsApiError(err error) (*ApiError, bool) {
	var apiErr *ApiError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// IsRetryable reports whether err is a classified failure eligible for another attempt
func IsRetryable(err error) bool {
	apiErr, ok := AsApiError(err)
	return ok && apiErr.Retryable
}

// Classify turns a transport-level error into an ApiError
func Classify(err error) *ApiError {
	if err == nil {
		return nil
	}
	if apiErr, ok := AsApiError(err); ok {
		return apiErr
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &ApiError{Message: "request timed out", Code: CodeTimeout, Retryable: true, cause: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &ApiError{Message: "request timed out", Code: CodeTimeout, Retryable: true, cause: err}
	}

	var urlErr *url.Error
	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) || errors.As(err, &urlErr) {
		return &ApiError{Message: "network unavailable", Code: CodeNetwork, Retryable: true, cause: err}
	}

	return &ApiError{Message: err.Error(), Code: CodeUnknown, cause: err}
}

// ClassifyStatus turns an HTTP error response into an ApiError.
// A server-supplied message and error id override the generic message.
func ClassifyStatus(status int, body []byte) *ApiError {
	apiErr := &ApiError{
		Message:   genericStatusMessage(status),
		Code:      HTTPCode(status),
		Status:    status,
		Retryable: retryableStatuses[status],
	}

	if msg, id := serverDetail(body); msg != "" || id != "" {
		if msg != "" {
			apiErr.Message = msg
		}
		apiErr.ErrorID = id
	}

	return apiErr
}

func genericStatusMessage(status int) string {
	if text := http.StatusText(status); text != "" {
		return fmt.Sprintf("server responded %d %s", status, text)
	}
	return fmt.Sprintf("server responded %d", status)
}

// serverDetail pulls an error message and id out of the known body shapes:
// {"detail": "..."}, {"message": "..."} and {"error": {"code","message","id"}}
func serverDetail(body []byte) (message, errorID string) {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return "", ""
	}

	for _, path := range []string{"error.message", "detail", "message", "error"} {
		if r := gjson.GetBytes(body, path); r.Type == gjson.String && r.String() != "" {
			message = r.String()
			break
		}
	}

	for _, path := range []string{"error_id", "error.id", "errorId"} {
		if r := gjson.GetBytes(body, path); r.Exists() && r.String() != "" {
			errorID = r.String()
			break
		}
	}

	return message, errorID
}
