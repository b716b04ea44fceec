package backend

import (
	"errors"
	"fmt"
)

// ErrInvalidCID is returned when an artifact identity is not a content address.
var ErrInvalidCID = errors.New("invalid content identifier")

// AuthError reports that no bearer credential could be obtained.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("acquire token: %v", e.Err) }

func (e *AuthError) Unwrap() error { return e.Err }

// FetchError reports a non-success HTTP status.
type FetchError struct {
	Method     string
	URL        string
	StatusCode int
	Message    string
}

func (e *FetchError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.URL, e.StatusCode, e.Message)
}

// ParseError reports a response body that could not be decoded.
type ParseError struct {
	Endpoint string
	Err      error
}

func (e *ParseError) Error() string { return fmt.Sprintf("decode %s: %v", e.Endpoint, e.Err) }

func (e *ParseError) Unwrap() error { return e.Err }

// StreamError reports the loss of a log stream connection. Code is the
// websocket close code when the peer sent one, otherwise zero.
type StreamError struct {
	JobID string
	Code  int
	Err   error
}

func (e *StreamError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("log stream %s closed with code %d: %v", e.JobID, e.Code, e.Err)
	}
	return fmt.Sprintf("log stream %s: %v", e.JobID, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// DownloadError wraps any failure on the artifact download path.
type DownloadError struct {
	CID string
	Err error
}

func (e *DownloadError) Error() string { return fmt.Sprintf("download %s: %v", e.CID, e.Err) }

func (e *DownloadError) Unwrap() error { return e.Err }
