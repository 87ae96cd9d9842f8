package selectify

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorIsSentinel(t *testing.T) {
	err := Errorf(CodeNotFound, "gallery.Get", "link not found")

	require.ErrorIs(t, err, ErrNotFound)
	require.NotErrorIs(t, err, ErrForbidden)
	assert.Equal(t, CodeNotFound, CodeOf(err))
	assert.Equal(t, "gallery.Get: link not found", err.Error())
}

func TestWrapKeepsExistingCode(t *testing.T) {
	inner := Errorf(CodeForbidden, "gate", "too many visits")
	wrapped := Wrap(fmt.Errorf("outer: %w", inner), CodeStoreUnavailable, "op", "msg")

	assert.Equal(t, CodeForbidden, CodeOf(wrapped))
	require.Nil(t, Wrap(nil, CodeInternal, "op", "msg"))
}

func TestWrapHidesCauseFromClients(t *testing.T) {
	cause := errors.New("dial tcp 10.0.0.3:9000: connection refused")
	err := Wrap(cause, CodeStoreUnavailable, "backend.Write", "storage temporarily unavailable")

	require.ErrorIs(t, err, cause)
	require.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Equal(t, "storage temporarily unavailable", ClientMessage(err))
	assert.NotContains(t, ClientMessage(err), "10.0.0.3")
}

func TestPartialUploadError(t *testing.T) {
	cause := errors.New("disk full")
	err := &PartialUploadError{
		Total:  3,
		Failed: []FileFailure{{FileName: "b.jpg", Err: cause}},
	}

	require.ErrorIs(t, err, ErrPartialUpload)
	require.ErrorIs(t, err, cause)
	assert.Equal(t, CodePartialUpload, CodeOf(fmt.Errorf("upload: %w", err)))
	assert.Contains(t, err.Error(), "1 of 3")
	assert.Contains(t, err.Error(), "b.jpg")
}

func TestCodeOfDefaults(t *testing.T) {
	assert.Equal(t, Code(""), CodeOf(nil))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
	assert.Equal(t, CodeValidation, CodeOf(fmt.Errorf("x: %w", ErrValidation)))
	assert.Equal(t, "internal server error", ClientMessage(errors.New("secret detail")))
}

func TestHTTPStatus(t *testing.T) {
	tests := map[Code]int{
		CodeValidation:       http.StatusBadRequest,
		CodeNotFound:         http.StatusNotFound,
		CodeForbidden:        http.StatusForbidden,
		CodeUnauthorized:     http.StatusUnauthorized,
		CodeStoreUnavailable: http.StatusInternalServerError,
		CodePartialUpload:    http.StatusInternalServerError,
		CodeInternal:         http.StatusInternalServerError,
	}
	for code, want := range tests {
		assert.Equal(t, want, HTTPStatus(code), code)
	}
}
