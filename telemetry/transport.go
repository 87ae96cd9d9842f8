package telemetry

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"
)

// InstrumentedTransport wraps the object store's http.RoundTripper and
// records one ObjectStoreExchange per request. The exchange is recorded when
// the response body is closed so that bytes read are included.
type InstrumentedTransport struct {
	base   http.RoundTripper
	target string
}

// NewInstrumentedTransport creates a new instrumented transport.
// If base is nil, http.DefaultTransport is used.
func NewInstrumentedTransport(base http.RoundTripper, target string) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{base: base, target: target}
}

// RoundTrip implements http.RoundTripper.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ex := ObjectStoreExchange{
		Target: t.target,
		Op:     objectStoreOp(req),
	}
	if req.ContentLength > 0 {
		ex.BytesSent = req.ContentLength
	}
	start := time.Now()

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		ex.Outcome = "error"
		if req.Context().Err() != nil {
			ex.Outcome = "canceled"
		}
		ex.Duration = time.Since(start)
		RecordObjectStoreRequest(req.Context(), ex)
		return nil, err
	}

	switch {
	case resp.StatusCode >= 500:
		ex.Outcome = "5xx"
	case resp.StatusCode >= 400:
		ex.Outcome = "4xx"
	default:
		ex.Outcome = "success"
	}

	resp.Body = &instrumentedBody{
		ReadCloser: resp.Body,
		ctx:        req.Context(),
		ex:         ex,
		start:      start,
	}
	return resp, nil
}

// objectStoreOp names the S3 operation behind req.
func objectStoreOp(req *http.Request) string {
	switch req.Method {
	case http.MethodGet:
		if req.URL.Query().Has("list-type") || strings.HasSuffix(req.URL.Path, "/") {
			return "list"
		}
		return "get"
	case http.MethodHead:
		return "stat"
	case http.MethodPut, http.MethodPost:
		return "put"
	case http.MethodDelete:
		return "delete"
	default:
		return strings.ToLower(req.Method)
	}
}

// instrumentedBody counts bytes read and records the exchange on first close.
type instrumentedBody struct {
	io.ReadCloser
	ctx      context.Context
	ex       ObjectStoreExchange
	start    time.Time
	recorded bool
}

func (b *instrumentedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.ex.BytesRead += int64(n)
	return n, err
}

func (b *instrumentedBody) Close() error {
	if !b.recorded {
		b.recorded = true
		b.ex.Duration = time.Since(b.start)
		RecordObjectStoreRequest(b.ctx, b.ex)
	}
	return b.ReadCloser.Close()
}
