package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInstrumentedTransport_Success(t *testing.T) {
	reader := setupTestMetrics(t)

	body := `{"sku":"abc","count":3}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	client := &http.Client{Transport: NewInstrumentedTransport(nil, "inventory")}

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, body, string(got))
	require.NoError(t, resp.Body.Close())

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "tiercache_origin_fetch_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "transport", "inventory"))
	require.True(t, hasAttr(dps[0].Attributes, "outcome", "2xx"))

	bytesDps := findCounter(rm, "tiercache_origin_fetch_bytes_total")
	require.Len(t, bytesDps, 1)
	require.Equal(t, int64(len(body)), bytesDps[0].Value)

	histDps := findHistogram(rm, "tiercache_origin_fetch_duration_seconds")
	require.Len(t, histDps, 1)
	require.Equal(t, uint64(1), histDps[0].Count)
}

func TestInstrumentedTransport_StatusClasses(t *testing.T) {
	tests := []struct {
		status  int
		outcome string
	}{
		{http.StatusNotFound, "4xx"},
		{http.StatusInternalServerError, "5xx"},
	}
	for _, tt := range tests {
		t.Run(tt.outcome, func(t *testing.T) {
			reader := setupTestMetrics(t)

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			client := &http.Client{Transport: NewInstrumentedTransport(nil, "origin")}
			resp, err := client.Get(srv.URL)
			require.NoError(t, err)
			_, _ = io.ReadAll(resp.Body)
			require.NoError(t, resp.Body.Close())

			dps := findCounter(collectMetrics(t, reader), "tiercache_origin_fetch_total")
			require.Len(t, dps, 1)
			require.True(t, hasAttr(dps[0].Attributes, "outcome", tt.outcome))
		})
	}
}

func TestInstrumentedTransport_ConnectionError(t *testing.T) {
	reader := setupTestMetrics(t)

	client := &http.Client{Transport: NewInstrumentedTransport(nil, "origin"), Timeout: 100 * time.Millisecond}
	_, err := client.Get("http://127.0.0.1:1")
	require.Error(t, err)

	dps := findCounter(collectMetrics(t, reader), "tiercache_origin_fetch_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "outcome", "error"))
}

func TestInstrumentedTransport_Canceled(t *testing.T) {
	reader := setupTestMetrics(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	client := &http.Client{Transport: NewInstrumentedTransport(nil, "origin")}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	_, err = client.Do(req)
	require.Error(t, err)

	dps := findCounter(collectMetrics(t, reader), "tiercache_origin_fetch_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "outcome", "canceled"))
}

func TestInstrumentedTransport_BodyCloseIdempotent(t *testing.T) {
	reader := setupTestMetrics(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("hello"))
	}))
	defer srv.Close()

	client := &http.Client{Transport: NewInstrumentedTransport(nil, "origin")}
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	_, _ = io.ReadAll(resp.Body)
	require.NoError(t, resp.Body.Close())
	require.NoError(t, resp.Body.Close())

	dps := findCounter(collectMetrics(t, reader), "tiercache_origin_fetch_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
}
