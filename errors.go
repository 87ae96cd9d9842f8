package selectify

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Code is a stable error code surfaced to clients in place of internal error
// text.
type Code string

const (
	CodeValidation       Code = "validation"
	CodeNotFound         Code = "not_found"
	CodeForbidden        Code = "forbidden"
	CodeUnauthorized     Code = "unauthorized"
	CodeStoreUnavailable Code = "store_unavailable"
	CodePartialUpload    Code = "partial_upload"
	CodeInternal         Code = "internal"
)

// Sentinel errors for errors.Is matching. Every *Error matches the sentinel
// for its Code.
var (
	ErrValidation       = errors.New("validation failed")
	ErrNotFound         = errors.New("not found")
	ErrForbidden        = errors.New("forbidden")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrPartialUpload    = errors.New("partial upload failure")
)

var codeSentinels = map[Code]error{
	CodeValidation:       ErrValidation,
	CodeNotFound:         ErrNotFound,
	CodeForbidden:        ErrForbidden,
	CodeUnauthorized:     ErrUnauthorized,
	CodeStoreUnavailable: ErrStoreUnavailable,
	CodePartialUpload:    ErrPartialUpload,
}

// Error is a classified failure. Msg is safe to show to clients; Err holds
// the underlying cause for logs only.
type Error struct {
	Code Code
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Msg)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for this error's code.
func (e *Error) Is(target error) bool {
	s, ok := codeSentinels[e.Code]
	return ok && s == target
}

// Errorf creates a classified error with a formatted client-safe message.
func Errorf(code Code, op, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under code. A nil err returns nil. An err that is
// already classified keeps its original code.
func Wrap(err error, code Code, op, msg string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Code: code, Op: op, Msg: msg, Err: err}
}

// FileFailure records why a single file in an upload batch failed.
type FileFailure struct {
	FileName string
	Err      error
}

// PartialUploadError reports the files of a batch that failed. The whole
// batch has been rolled back when this error is returned.
type PartialUploadError struct {
	Total  int
	Failed []FileFailure
}

func (e *PartialUploadError) Error() string {
	names := make([]string, 0, len(e.Failed))
	for _, f := range e.Failed {
		names = append(names, f.FileName)
	}
	return fmt.Sprintf("upload failed for %d of %d files (%s)", len(e.Failed), e.Total, strings.Join(names, ", "))
}

// Unwrap exposes each per-file cause.
func (e *PartialUploadError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed)+1)
	errs = append(errs, ErrPartialUpload)
	for _, f := range e.Failed {
		errs = append(errs, f.Err)
	}
	return errs
}

// CodeOf returns the code for err, defaulting to CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	var pe *PartialUploadError
	if errors.As(err, &pe) {
		return CodePartialUpload
	}
	for code, sentinel := range codeSentinels {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeInternal
}

// ClientMessage returns text that is safe to send to a client for err.
func ClientMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Msg != "" {
		return e.Msg
	}
	switch CodeOf(err) {
	case CodeValidation:
		return "invalid request"
	case CodeNotFound:
		return "not found"
	case CodeForbidden:
		return "forbidden"
	case CodeUnauthorized:
		return "unauthorized"
	case CodeStoreUnavailable:
		return "storage temporarily unavailable"
	case CodePartialUpload:
		return "upload failed, no photos were stored"
	default:
		return "internal server error"
	}
}

// HTTPStatus maps a code to its HTTP status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeForbidden:
		return http.StatusForbidden
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeStoreUnavailable, CodePartialUpload, CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
