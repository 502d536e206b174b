// Package graph implements the Microsoft Graph HTTP surface used by the
// sync engine: item metadata, delta enumeration, resumable transfers,
// drive discovery, and sharing links. Responses are normalized before
// they leave this package; callers never see raw API JSON.
package graph

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status classification. Check with
// errors.Is(err, graph.ErrNotFound) and friends.
var (
	ErrBadRequest          = errors.New("graph: bad request")
	ErrUnauthorized        = errors.New("graph: unauthorized")
	ErrForbidden           = errors.New("graph: forbidden")
	ErrNotFound            = errors.New("graph: not found")
	ErrConflict            = errors.New("graph: conflict")
	ErrGone                = errors.New("graph: resource gone")
	ErrPreconditionFailed  = errors.New("graph: precondition failed")
	ErrPayloadTooLarge     = errors.New("graph: payload too large")
	ErrRangeNotSatisfiable = errors.New("graph: range not satisfiable")
	ErrLocked              = errors.New("graph: resource locked")
	ErrThrottled           = errors.New("graph: throttled")
	ErrQuotaExceeded       = errors.New("graph: insufficient storage quota")
	ErrServerError         = errors.New("graph: server error")
)

// 509 Bandwidth Limit Exceeded, returned by SharePoint front ends.
const statusBandwidthExceeded = 509

// RequestError carries the HTTP status, the service request-id, and the
// raw error body alongside the sentinel for errors.Is matching. The
// request-id is what Microsoft support asks for, so it goes first in
// the message.
type RequestError struct {
	StatusCode int
	RequestID  string
	Message    string
	Err        error
}

func (e *RequestError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("graph: HTTP %d (request-id: %s): %s", e.StatusCode, e.RequestID, e.Message)
	}

	return fmt.Sprintf("graph: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// newRequestError builds a RequestError from an error response,
// classifying the status into a sentinel.
func newRequestError(resp *http.Response, body []byte) *RequestError {
	return &RequestError{
		StatusCode: resp.StatusCode,
		RequestID:  resp.Header.Get("request-id"),
		Message:    string(body),
		Err:        classifyStatus(resp.StatusCode),
	}
}

// classifyStatus maps a status code to its sentinel. Returns nil for 2xx.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusGone:
		return ErrGone
	case http.StatusPreconditionFailed:
		return ErrPreconditionFailed
	case http.StatusRequestEntityTooLarge:
		return ErrPayloadTooLarge
	case http.StatusRequestedRangeNotSatisfiable:
		return ErrRangeNotSatisfiable
	case http.StatusLocked:
		return ErrLocked
	case http.StatusTooManyRequests:
		return ErrThrottled
	case http.StatusInsufficientStorage:
		return ErrQuotaExceeded
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// isRetryable reports whether a status code warrants an automatic retry.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
		statusBandwidthExceeded:
		return true
	default:
		return false
	}
}
