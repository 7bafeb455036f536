package chatsdk

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrSessionExpired is returned when an operation needed a valid refresh
// token and none was available. The local session has been cleared; the user
// must authenticate again.
var ErrSessionExpired = errors.New("chatsdk: session expired")

// AuthenticationError reports a login or registration the server rejected.
// The session is left untouched (anonymous).
type AuthenticationError struct {
	Message string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Message)
}

// StreamRequestError reports a failed streaming send: a non-2xx response, a
// missing response body, or an in-band error payload. It does not invalidate
// the session.
type StreamRequestError struct {
	Message string
}

func (e *StreamRequestError) Error() string {
	return fmt.Sprintf("stream request failed: %s", e.Message)
}

// APIError is a non-2xx response from any plain (non-streaming) endpoint.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error (status %d): %s", e.StatusCode, e.Message)
}

// errorDetail extracts the human-readable message from an error response
// body. Both the {"detail": …} and {"error": {"message": …}} shapes are
// understood; anything else falls back to the given default.
func errorDetail(body []byte, fallback string) string {
	var envelope struct {
		Detail string `json:"detail"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		if envelope.Detail != "" {
			return envelope.Detail
		}
		if envelope.Error != nil && envelope.Error.Message != "" {
			return envelope.Error.Message
		}
	}
	return fallback
}

// responseDetail drains up to a sane amount of the response body and
// extracts its error message.
func responseDetail(resp *http.Response, fallback string) string {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil || len(body) == 0 {
		return fallback
	}
	return errorDetail(body, fallback)
}
