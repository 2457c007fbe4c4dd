// Package telemetry provides OpenTelemetry metrics for the tiered node store.
package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

const (
	meterName = "github.com/wolfeidau/nodestore"
)

// Tier names used as the "tier" attribute.
const (
	TierPrimary = "primary"
	TierArchive = "archive"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	tierRequestsTotal   metric.Int64Counter
	tierRequestDuration metric.Float64Histogram
	tierBytesTotal      metric.Int64Counter

	lookupsTotal      metric.Int64Counter
	storedSize        metric.Float64Histogram
	migrationsTotal   metric.Int64Counter
	archiveDropsTotal metric.Int64Counter

	clientRequestDuration metric.Float64Histogram
	clientRequestsTotal   metric.Int64Counter
	clientBytesTotal      metric.Int64Counter

	reaperDeletedTotal metric.Int64Counter
	reaperDuration     metric.Float64Histogram

	httpRequestsTotal      metric.Int64Counter
	httpRequestDuration    metric.Float64Histogram
	httpResponseBytesTotal metric.Int64Counter

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "nodestore"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp)
	if err != nil {
		return err
	}
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

// newMetrics creates every instrument from the provider's meter.
func newMetrics(mp *sdkmetric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	m := &Metrics{meterProvider: mp}

	var err error
	if m.tierRequestsTotal, err = meter.Int64Counter(
		"nodestore_tier_requests_total",
		metric.WithDescription("Total number of storage tier operations"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.tierRequestDuration, err = meter.Float64Histogram(
		"nodestore_tier_request_duration_seconds",
		metric.WithDescription("Duration of storage tier operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	); err != nil {
		return nil, err
	}

	if m.tierBytesTotal, err = meter.Int64Counter(
		"nodestore_tier_bytes_total",
		metric.WithDescription("Total stored bytes transferred in tier operations"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.lookupsTotal, err = meter.Int64Counter(
		"nodestore_lookups_total",
		metric.WithDescription("Total id lookups by the tier that answered them"),
		metric.WithUnit("{lookup}"),
	); err != nil {
		return nil, err
	}

	if m.storedSize, err = meter.Float64Histogram(
		"nodestore_stored_size_bytes",
		metric.WithDescription("Size of values written to the primary tier after encoding"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(128, 512, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216),
	); err != nil {
		return nil, err
	}

	if m.migrationsTotal, err = meter.Int64Counter(
		"nodestore_migrations_total",
		metric.WithDescription("Total archival values promoted into the primary tier on read"),
		metric.WithUnit("{migration}"),
	); err != nil {
		return nil, err
	}

	if m.archiveDropsTotal, err = meter.Int64Counter(
		"nodestore_archive_cleanup_total",
		metric.WithDescription("Best-effort archival deletes after migration, by outcome"),
		metric.WithUnit("{delete}"),
	); err != nil {
		return nil, err
	}

	if m.clientRequestDuration, err = meter.Float64Histogram(
		"nodestore_client_request_duration_seconds",
		metric.WithDescription("Duration of HTTP requests made by tier clients"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	); err != nil {
		return nil, err
	}

	if m.clientRequestsTotal, err = meter.Int64Counter(
		"nodestore_client_requests_total",
		metric.WithDescription("Total number of HTTP requests made by tier clients"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.clientBytesTotal, err = meter.Int64Counter(
		"nodestore_client_response_bytes_total",
		metric.WithDescription("Total response bytes read by tier clients"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.reaperDeletedTotal, err = meter.Int64Counter(
		"nodestore_reaper_deleted_total",
		metric.WithDescription("Total expired entries deleted by reapers"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	if m.reaperDuration, err = meter.Float64Histogram(
		"nodestore_reaper_duration_seconds",
		metric.WithDescription("Duration of reaper cycles"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	); err != nil {
		return nil, err
	}

	if m.httpRequestsTotal, err = meter.Int64Counter(
		"nodestore_http_requests_total",
		metric.WithDescription("Total number of node API requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.httpRequestDuration, err = meter.Float64Histogram(
		"nodestore_http_request_duration_seconds",
		metric.WithDescription("Duration of node API requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return nil, err
	}

	if m.httpResponseBytesTotal, err = meter.Int64Counter(
		"nodestore_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in node API responses"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordTierOp records a storage tier operation.
// tier is TierPrimary or TierArchive, store names the implementation.
func RecordTierOp(ctx context.Context, tier, store, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("tier", tier),
		attribute.String("store", store),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.tierRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.tierRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.tierBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// Lookup results used by RecordLookup.
const (
	LookupPrimary = "primary"
	LookupArchive = "archive"
	LookupMiss    = "miss"
)

// RecordLookup records which tier answered an id lookup.
// mode is "single" or "multi".
// Single lookups also tag the enclosing HTTP request, if any.
func RecordLookup(ctx context.Context, mode, result string) {
	if mode == "single" {
		setLookup(ctx, result)
	}
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.String("result", result),
	)
	globalMetrics.lookupsTotal.Add(ctx, 1, attrs)
}

// RecordStored records the encoded size of a value written to the primary tier.
// encoding is the content encoding tag, "identity" when stored raw.
func RecordStored(ctx context.Context, encoding string, size int) {
	if globalMetrics == nil {
		return
	}
	if encoding == "" {
		encoding = "identity"
	}
	globalMetrics.storedSize.Record(ctx, float64(size), metric.WithAttributes(attribute.String("content_encoding", encoding)))
}

// RecordMigration records a migration-on-read attempt. outcome is "success" or "error".
func RecordMigration(ctx context.Context, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.migrationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordArchiveCleanup records the outcome of a best-effort archival delete
// after migration: "deleted", "not_found" or "error".
func RecordArchiveCleanup(ctx context.Context, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.archiveDropsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordClientRequest records an HTTP request made by a tier client.
func RecordClientRequest(ctx context.Context, client string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("client", client),
		attribute.String("outcome", outcome),
	}
	globalMetrics.clientRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	globalMetrics.clientRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.clientBytesTotal.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
	}
}

// RecordReaperCycle records one reaper cycle's deleted count and duration.
// Called unconditionally per cycle.
func RecordReaperCycle(ctx context.Context, reaper string, deleted int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("reaper", reaper))
	globalMetrics.reaperDeletedTotal.Add(ctx, int64(deleted), attrs)
	globalMetrics.reaperDuration.Record(ctx, duration.Seconds(), attrs)
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}

// Install creates the instruments on a caller-owned meter provider and makes
// them the active metrics. Hosts that manage their own provider use this
// instead of InitMetrics. The returned func clears the active metrics.
func Install(mp *sdkmetric.MeterProvider) (uninstall func(), err error) {
	m, err := newMetrics(mp)
	if err != nil {
		return nil, err
	}
	globalMetrics = m
	return func() { globalMetrics = nil }, nil
}
