// Package middleware provides reusable HTTP client middleware for outbound
// calls: Prometheus instrumentation and per-call logging.
package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/metrics"
)

// RoundTripperFunc adapts a function to http.RoundTripper.
type RoundTripperFunc func(*http.Request) (*http.Response, error)

func (f RoundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// Metrics returns a transport wrapper that records outbound request count,
// latency, and in-flight gauge under the given service label. Transport
// errors are counted with status "error".
func Metrics(m *metrics.Metrics, service string) func(http.RoundTripper) http.RoundTripper {
	return func(next http.RoundTripper) http.RoundTripper {
		if next == nil {
			next = http.DefaultTransport
		}
		if m == nil {
			return next
		}
		return RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
			start := time.Now()

			inFlight := m.ExternalRequestsInFlight.WithLabelValues(service)
			inFlight.Inc()
			defer inFlight.Dec()

			resp, err := next.RoundTrip(r)

			status := "error"
			if err == nil {
				status = strconv.Itoa(resp.StatusCode)
			}
			m.ExternalRequestsTotal.WithLabelValues(service, r.Method, status).Inc()
			m.ExternalRequestDuration.WithLabelValues(service).Observe(time.Since(start).Seconds())
			return resp, err
		})
	}
}

// Logging logs failed and non-2xx outbound calls at warn level. The URL path
// is omitted because the Bot API embeds the token in it.
func Logging(service string) func(http.RoundTripper) http.RoundTripper {
	return func(next http.RoundTripper) http.RoundTripper {
		if next == nil {
			next = http.DefaultTransport
		}
		return RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
			start := time.Now()
			resp, err := next.RoundTrip(r)
			switch {
			case err != nil:
				slog.Warn("outbound request failed", "service", service, "method", r.Method, "host", r.URL.Host, "error", err)
			case resp.StatusCode >= 300:
				slog.Warn("outbound request unsuccessful", "service", service, "method", r.Method, "host", r.URL.Host,
					"status", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())
			}
			return resp, err
		})
	}
}

// Chain applies wrappers so the first one is outermost.
func Chain(base http.RoundTripper, wrappers ...func(http.RoundTripper) http.RoundTripper) http.RoundTripper {
	rt := base
	for i := len(wrappers) - 1; i >= 0; i-- {
		rt = wrappers[i](rt)
	}
	return rt
}

// Client returns an *http.Client for service whose transport is instrumented.
// A nil base uses http.DefaultTransport.
func Client(m *metrics.Metrics, service string, timeout time.Duration, base http.RoundTripper) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: Chain(base, Metrics(m, service), Logging(service)),
	}
}
