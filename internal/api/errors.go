// Package api is the authenticated HTTP client for the search backend. Every
// call carries the current bearer token; a 401 triggers one coordinated token
// refresh and a single replay of the original request. The structured JSON
// path and the streaming path share that policy.
package api

import (
	"errors"
	"fmt"
	"net/http"
)

// Failure taxonomy. Use errors.Is to classify.
var (
	// ErrAuthExpired is terminal: the refresh failed, or the replayed request
	// was rejected again. Credentials have been cleared; sign in again.
	ErrAuthExpired = errors.New("api: authentication expired")
	// ErrRequestFailed marks any non-401 HTTP error response.
	ErrRequestFailed = errors.New("api: request failed")
	// ErrTransport marks a request that never produced a response.
	ErrTransport = errors.New("api: transport error")
	// ErrNotLoggedIn is returned before any network call when no token exists.
	ErrNotLoggedIn = errors.New("api: not logged in")
	// ErrNoRefreshToken is the refresh outcome when only an access token is
	// stored.
	ErrNoRefreshToken = errors.New("api: no refresh token available")
)

// Status classification sentinels, wrapped by RequestError alongside
// ErrRequestFailed.
var (
	ErrBadRequest   = errors.New("api: bad request")
	ErrUnauthorized = errors.New("api: unauthorized")
	ErrForbidden    = errors.New("api: forbidden")
	ErrNotFound     = errors.New("api: not found")
	ErrConflict     = errors.New("api: conflict")
	ErrThrottled    = errors.New("api: throttled")
	ErrServerError  = errors.New("api: server error")
)

// RequestError is a non-2xx response. Body holds the raw error body so the
// caller can still inspect it after the response has been closed.
type RequestError struct {
	Method     string
	Path       string
	StatusCode int
	Status     string
	RequestID  string
	Body       []byte
	Message    string
	Err        error // classification sentinel, may be nil
}

func (e *RequestError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("api: %s %s: HTTP %d (request-id: %s): %s",
			e.Method, e.Path, e.StatusCode, e.RequestID, e.Message)
	}

	return fmt.Sprintf("api: %s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
}

func (e *RequestError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrRequestFailed}
	}

	return []error{ErrRequestFailed, e.Err}
}

// TransportError is a request that failed before any response arrived
// (DNS, connection refused, reset, client timeout).
type TransportError struct {
	Method string
	Path   string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("api: %s %s: transport error: %v", e.Method, e.Path, e.Err)
}

func (e *TransportError) Unwrap() []error {
	return []error{ErrTransport, e.Err}
}

// newRequestError builds a RequestError from a response whose body has
// already been read.
func newRequestError(resp *http.Response, method, path string, body []byte) *RequestError {
	reqID := resp.Header.Get(requestIDHeader)
	if reqID == "" && resp.Request != nil {
		reqID = resp.Request.Header.Get(requestIDHeader)
	}

	return &RequestError{
		Method:     method,
		Path:       path,
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		RequestID:  reqID,
		Body:       body,
		Message:    ExtractMessage(body, resp.StatusCode, resp.Status),
		Err:        classifyStatus(resp.StatusCode),
	}
}

// classifyStatus maps an HTTP status code to a sentinel error.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}
