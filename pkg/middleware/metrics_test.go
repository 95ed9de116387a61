package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/metrics"
)

func TestClientRecordsOutboundCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := metrics.New(prometheus.NewRegistry())
	c := Client(m, "ollama", time.Second, nil)

	resp, err := c.Get(srv.URL + "/ok")
	require.NoError(t, err)
	resp.Body.Close()
	resp, err = c.Get(srv.URL + "/missing")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExternalRequestsTotal.WithLabelValues("ollama", "GET", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExternalRequestsTotal.WithLabelValues("ollama", "GET", "404")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ExternalRequestsInFlight.WithLabelValues("ollama")))
}

func TestMetricsCountsTransportErrors(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	failing := RoundTripperFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	})
	c := &http.Client{Transport: Chain(failing, Metrics(m, "telegram"))}

	_, err := c.Get("http://telegram.invalid/getUpdates")
	require.Error(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExternalRequestsTotal.WithLabelValues("telegram", "GET", "error")))
}

func TestChainOrder(t *testing.T) {
	var order []string
	wrap := func(name string) func(http.RoundTripper) http.RoundTripper {
		return func(next http.RoundTripper) http.RoundTripper {
			return RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
				order = append(order, name)
				return next.RoundTrip(r)
			})
		}
	}
	base := RoundTripperFunc(func(*http.Request) (*http.Response, error) {
		order = append(order, "base")
		return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody}, nil
	})

	req := httptest.NewRequest(http.MethodGet, "http://example.invalid", nil)
	_, err := Chain(base, wrap("outer"), wrap("inner")).RoundTrip(req)
	require.NoError(t, err)
	assert.Equal(t, []string{"outer", "inner", "base"}, order)
}
