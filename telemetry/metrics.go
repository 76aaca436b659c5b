// Package telemetry provides OpenTelemetry metrics for the image cache.
// Recording helpers are nil-safe: they are no-ops until Init is called, so
// library packages can record unconditionally.
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
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const meterName = "github.com/wolfeidau/image-cache"

// Config configures the metrics system.
type Config struct {
	// ServiceName is the service name for resource attributes.
	ServiceName string

	// ServiceVersion is the service version.
	ServiceVersion string

	// EnablePrometheus enables the Prometheus exporter and handler.
	EnablePrometheus bool

	// OTLPEndpoint enables a gRPC OTLP metric exporter pushing to this
	// endpoint (host:port). Empty disables it.
	OTLPEndpoint string

	// FlushInterval is how often the OTLP reader exports (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the metric instruments.
type Metrics struct {
	lookupsTotal    metric.Int64Counter
	rejectionsTotal metric.Int64Counter
	evictionsTotal  metric.Int64Counter
	evictedBytes    metric.Int64Counter
	storeSize       metric.Float64Histogram
	fetchTotal      metric.Int64Counter
	fetchDuration   metric.Float64Histogram
	cacheBytes      metric.Int64Gauge
	cacheEntries    metric.Int64Gauge

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// Init initializes the metrics system. It returns a shutdown function to
// call on application exit. Subsequent calls return the first result.
func Init(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInit(ctx, cfg)
	})
	if initErr != nil {
		return nil, initErr
	}
	return shutdownMetrics, nil
}

func doInit(ctx context.Context, cfg Config) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "image-cache"
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

	readers, promHandler, err := buildReaders(ctx, cfg)
	if err != nil {
		return err
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	meter := mp.Meter(meterName)

	lookupsTotal, err := meter.Int64Counter(
		"image_cache_lookups_total",
		metric.WithDescription("Total cache lookups, labelled by outcome"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return err
	}

	rejectionsTotal, err := meter.Int64Counter(
		"image_cache_admission_rejections_total",
		metric.WithDescription("Requests rejected because the key was already in flight"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	evictionsTotal, err := meter.Int64Counter(
		"image_cache_evictions_total",
		metric.WithDescription("Records evicted to stay under the byte budget"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return err
	}

	evictedBytes, err := meter.Int64Counter(
		"image_cache_evicted_bytes_total",
		metric.WithDescription("Bytes reclaimed by eviction"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	storeSize, err := meter.Float64Histogram(
		"image_cache_store_size_bytes",
		metric.WithDescription("Size of payloads written to the cache"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216),
	)
	if err != nil {
		return err
	}

	fetchTotal, err := meter.Int64Counter(
		"image_cache_fetch_total",
		metric.WithDescription("Upstream fetches, labelled by outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	fetchDuration, err := meter.Float64Histogram(
		"image_cache_fetch_duration_seconds",
		metric.WithDescription("Upstream fetch duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return err
	}

	cacheBytes, err := meter.Int64Gauge(
		"image_cache_size_bytes",
		metric.WithDescription("Current total size of cached payloads"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	cacheEntries, err := meter.Int64Gauge(
		"image_cache_entries",
		metric.WithDescription("Current number of cached records"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		lookupsTotal:    lookupsTotal,
		rejectionsTotal: rejectionsTotal,
		evictionsTotal:  evictionsTotal,
		evictedBytes:    evictedBytes,
		storeSize:       storeSize,
		fetchTotal:      fetchTotal,
		fetchDuration:   fetchDuration,
		cacheBytes:      cacheBytes,
		cacheEntries:    cacheEntries,
		meterProvider:   mp,
		promHandler:     promHandler,
	}
	return nil
}

// buildReaders constructs one reader per configured exporter: a periodic
// OTLP push reader when an endpoint is set, and a pull-based Prometheus
// reader (plus its /metrics handler) when enabled.
func buildReaders(ctx context.Context, cfg Config) ([]sdkmetric.Reader, http.Handler, error) {
	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExp, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, nil, err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExp,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return nil, nil, err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	return readers, promHandler, nil
}

func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// PrometheusHandler returns the /metrics handler, or nil if Prometheus
// export is not enabled.
func PrometheusHandler() http.Handler {
	if globalMetrics == nil {
		return nil
	}
	return globalMetrics.promHandler
}

// RecordLookup records a cache lookup and its outcome.
func RecordLookup(ctx context.Context, hit bool) {
	if globalMetrics == nil {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	globalMetrics.lookupsTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordRejection records an admission rejection.
func RecordRejection(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.rejectionsTotal.Add(ctx, 1)
}

// RecordEviction records evicted record count and reclaimed bytes.
func RecordEviction(ctx context.Context, records int, bytes int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.evictionsTotal.Add(ctx, int64(records))
	globalMetrics.evictedBytes.Add(ctx, bytes)
}

// RecordStore records the size of a stored payload.
func RecordStore(ctx context.Context, bytes int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.storeSize.Record(ctx, float64(bytes))
}

// RecordFetch records an upstream fetch with its duration and outcome.
func RecordFetch(ctx context.Context, duration time.Duration, outcome string) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.fetchTotal.Add(ctx, 1, attrs)
	globalMetrics.fetchDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordCacheSize records the current cache totals after a mutation.
func RecordCacheSize(ctx context.Context, bytes int64, entries int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheBytes.Record(ctx, bytes)
	globalMetrics.cacheEntries.Record(ctx, int64(entries))
}
