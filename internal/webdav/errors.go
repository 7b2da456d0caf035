// Package webdav provides an HTTP client for a single WebDAV root: listing,
// ranged fetch, streamed store, collection creation, delete, move and
// capability probing. Every failure, whether transport-level or a non-2xx
// status, is normalized into *Error. The client never retries on its own.
package webdav

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for failure classification.
// Use errors.Is(err, webdav.ErrNotFound) to check.
var (
	ErrTransport           = errors.New("webdav: transport failure")
	ErrProtocol            = errors.New("webdav: protocol violation")
	ErrBodyConsumed        = errors.New("webdav: request body already consumed")
	ErrBadRequest          = errors.New("webdav: bad request")
	ErrUnauthorized        = errors.New("webdav: unauthorized")
	ErrForbidden           = errors.New("webdav: forbidden")
	ErrNotFound            = errors.New("webdav: not found")
	ErrMethodNotAllowed    = errors.New("webdav: method not allowed")
	ErrConflict            = errors.New("webdav: conflict")
	ErrPreconditionFailed  = errors.New("webdav: precondition failed")
	ErrRangeNotSatisfiable = errors.New("webdav: range not satisfiable")
	ErrLocked              = errors.New("webdav: resource locked")
	ErrInsufficientStorage = errors.New("webdav: insufficient storage")
	ErrServerError         = errors.New("webdav: server error")
	ErrUnexpectedStatus    = errors.New("webdav: unexpected status")
)

// Error is the single failure shape returned by Client operations. Op is the
// HTTP method, Path the canonical remote path. StatusCode is zero when the
// request never produced a response.
type Error struct {
	Op         string
	Path       string
	StatusCode int
	Message    string
	Err        error // sentinel, for errors.Is()
	Cause      error // underlying error, if any
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("webdav: %s %s: HTTP %d: %s", e.Op, e.Path, e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("webdav: %s %s: HTTP %d", e.Op, e.Path, e.StatusCode)
	case e.Cause != nil:
		return fmt.Sprintf("webdav: %s %s: %s: %v", e.Op, e.Path, e.Message, e.Cause)
	default:
		return fmt.Sprintf("webdav: %s %s: %s", e.Op, e.Path, e.Message)
	}
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Err != nil {
		errs = append(errs, e.Err)
	}

	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}

	return errs
}

func protocolError(op, path, format string, args ...any) *Error {
	return &Error{
		Op:      op,
		Path:    path,
		Message: fmt.Sprintf(format, args...),
		Err:     ErrProtocol,
	}
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
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
	case http.StatusMethodNotAllowed:
		return ErrMethodNotAllowed
	case http.StatusConflict:
		return ErrConflict
	case http.StatusPreconditionFailed:
		return ErrPreconditionFailed
	case http.StatusRequestedRangeNotSatisfiable:
		return ErrRangeNotSatisfiable
	case http.StatusLocked:
		return ErrLocked
	case http.StatusInsufficientStorage:
		return ErrInsufficientStorage
	default:
		if code >= http.StatusOK && code < http.StatusMultipleChoices {
			return nil
		}

		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return ErrUnexpectedStatus
	}
}
