package response

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/wolfeidau/tiercache/telemetry"
)

// HeaderCache reports whether a response came from the cache.
const HeaderCache = "X-Cache"

// MaxAgeFromHeader returns the freshness lifetime a response's Cache-Control
// header grants a shared cache. ok is false when the response must not be
// stored or carries no max-age.
func MaxAgeFromHeader(h http.Header) (maxAge time.Duration, ok bool) {
	var maxAgeSet, sMaxAgeSet bool
	var sMaxAge time.Duration

	for _, line := range h.Values("Cache-Control") {
		for _, directive := range strings.Split(line, ",") {
			name, value, _ := strings.Cut(strings.TrimSpace(directive), "=")
			switch strings.ToLower(name) {
			case "no-store", "no-cache", "private":
				return 0, false
			case "max-age":
				if d, ok := parseSeconds(value); ok {
					maxAge, maxAgeSet = d, true
				}
			case "s-maxage":
				if d, ok := parseSeconds(value); ok {
					sMaxAge, sMaxAgeSet = d, true
				}
			}
		}
	}

	switch {
	case sMaxAgeSet:
		return sMaxAge, sMaxAge > 0
	case maxAgeSet:
		return maxAge, maxAge > 0
	default:
		return 0, false
	}
}

func parseSeconds(v string) (time.Duration, bool) {
	n, err := strconv.ParseInt(strings.Trim(v, `"`), 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}

// Transport is an http.RoundTripper that serves GET requests from a Tier.
// Only 200 responses whose Cache-Control grants a max-age are stored. It does
// no revalidation and ignores Vary.
type Transport struct {
	base http.RoundTripper
	tier *Tier
}

// NewTransport creates a caching transport. Requests that miss the tier go to
// base, or http.DefaultTransport if base is nil, and are recorded as origin
// fetches.
func NewTransport(tier *Tier, base http.RoundTripper) *Transport {
	return &Transport{
		base: telemetry.NewInstrumentedTransport(base, telemetry.TierResponse),
		tier: tier,
	}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet || req.Header.Get("Range") != "" {
		return t.base.RoundTrip(req)
	}

	ctx := req.Context()
	url := req.URL.String()

	if cached, ok := t.tier.Get(ctx, url); ok {
		return toHTTPResponse(req, cached, "HIT"), nil
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	maxAge, cacheable := MaxAgeFromHeader(resp.Header)
	if resp.StatusCode != http.StatusOK || !cacheable {
		resp.Header.Set(HeaderCache, "MISS")
		return resp, nil
	}

	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	t.tier.Set(ctx, url, &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
	}, maxAge)

	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.Header.Set(HeaderCache, "MISS")
	return resp, nil
}

func toHTTPResponse(req *http.Request, r *Response, result string) *http.Response {
	header := r.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set(HeaderCache, result)
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", r.StatusCode, http.StatusText(r.StatusCode)),
		StatusCode:    r.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(r.Body)),
		ContentLength: int64(len(r.Body)),
		Request:       req,
	}
}
