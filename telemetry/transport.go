package telemetry

import (
	"context"
	"io"
	"net/http"
	"time"
)

// InstrumentedTransport wraps an http.RoundTripper with origin fetch metrics.
type InstrumentedTransport struct {
	base http.RoundTripper
	name string
}

// NewInstrumentedTransport creates an instrumented transport reporting under
// name. If base is nil, http.DefaultTransport is used.
func NewInstrumentedTransport(base http.RoundTripper, name string) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{base: base, name: name}
}

// RoundTrip implements http.RoundTripper.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		outcome := "error"
		if req.Context().Err() != nil {
			outcome = "canceled"
		}
		RecordOriginFetch(req.Context(), t.name, time.Since(start), 0, outcome)
		return nil, err
	}

	resp.Body = &instrumentedBody{
		ReadCloser: resp.Body,
		ctx:        req.Context(),
		name:       t.name,
		start:      start,
		outcome:    StatusClass(resp.StatusCode),
	}
	return resp, nil
}

// instrumentedBody records bytes read once the body is closed.
type instrumentedBody struct {
	io.ReadCloser
	ctx      context.Context
	name     string
	start    time.Time
	bytes    int64
	outcome  string
	recorded bool
}

func (b *instrumentedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.bytes += int64(n)
	return n, err
}

func (b *instrumentedBody) Close() error {
	if !b.recorded {
		b.recorded = true
		RecordOriginFetch(b.ctx, b.name, time.Since(b.start), b.bytes, b.outcome)
	}
	return b.ReadCloser.Close()
}
