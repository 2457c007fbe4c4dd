package telemetry

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RecordHTTP records a completed node API request using the tags set by handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	endpoint := "unknown"
	lookup := LookupNA
	if tags := GetTags(r); tags != nil {
		if tags.Endpoint != "" {
			endpoint = tags.Endpoint
		}
		lookup = tags.Lookup
	}

	attrs := metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("status_class", StatusClass(status)),
		attribute.String("lookup", lookup),
	)
	globalMetrics.httpRequestsTotal.Add(ctx, 1, attrs)
	globalMetrics.httpResponseBytesTotal.Add(ctx, bytesSent, attrs)
	globalMetrics.httpRequestDuration.Record(ctx, duration.Seconds(), attrs)
}

// StatusClass returns the status class string for an HTTP status code.
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
