// Package observability provides the OpenTelemetry provider shared by the
// command, projection and query sides: OTLP trace and metric export, RED
// metrics per operation, and domain counters for the event-sourced core.
// A disabled provider is a cheap no-op, so components always receive one.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string        // gRPC endpoint, e.g. "localhost:4317"
	SampleRate     float64       // 0.0 to 1.0
	BatchTimeout   time.Duration // span batch flush interval
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns a disabled provider configuration; export is opt-in.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "billstream",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
		Insecure:       false,
	}
}

// Provider manages the trace and metric providers plus the domain counters.
// The zero value and a nil pointer are both safe no-ops.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	// RED metrics.
	requestCounter   metric.Int64Counter
	errorCounter     metric.Int64Counter
	durationHist     metric.Float64Histogram
	activeOperations metric.Int64UpDownCounter

	// Domain counters.
	eventsAppended metric.Int64Counter
	conflicts      metric.Int64Counter
	deadLetters    metric.Int64Counter
	droppedEvents  metric.Int64Counter
	ocrOutcomes    metric.Int64Counter
	notifications  metric.Int64Counter
}

// New creates an observability provider. With config.Enabled false no
// exporters are constructed and every record call is a no-op.
func New(ctx context.Context, config *Config, logger *slog.Logger) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Provider{
		config: config,
		logger: logger.With("component", "observability"),
	}

	if !config.Enabled {
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: init metric provider: %w", err)
	}

	p.tracer = otel.Tracer("billstream",
		trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter("billstream",
		metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initMetrics(); err != nil {
		return nil, fmt.Errorf("observability: init metrics: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return err
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return err
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initMetrics() error {
	var err error

	if p.requestCounter, err = p.meter.Int64Counter("billstream.requests.total",
		metric.WithDescription("Operations started"),
		metric.WithUnit("{request}")); err != nil {
		return err
	}
	if p.errorCounter, err = p.meter.Int64Counter("billstream.errors.total",
		metric.WithDescription("Operations failed"),
		metric.WithUnit("{error}")); err != nil {
		return err
	}
	if p.durationHist, err = p.meter.Float64Histogram("billstream.operation.duration",
		metric.WithDescription("Operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0)); err != nil {
		return err
	}
	if p.activeOperations, err = p.meter.Int64UpDownCounter("billstream.operations.active",
		metric.WithDescription("Currently active operations"),
		metric.WithUnit("{operation}")); err != nil {
		return err
	}

	if p.eventsAppended, err = p.meter.Int64Counter("billstream.events.appended",
		metric.WithDescription("Domain events appended to the log"),
		metric.WithUnit("{event}")); err != nil {
		return err
	}
	if p.conflicts, err = p.meter.Int64Counter("billstream.append.conflicts",
		metric.WithDescription("Appends rejected by the expected-sequence check"),
		metric.WithUnit("{conflict}")); err != nil {
		return err
	}
	if p.deadLetters, err = p.meter.Int64Counter("billstream.consumer.dead_letters",
		metric.WithDescription("Events dead-lettered after the poison budget"),
		metric.WithUnit("{event}")); err != nil {
		return err
	}
	if p.droppedEvents, err = p.meter.Int64Counter("billstream.consumer.dropped",
		metric.WithDescription("Events dropped by a projection for a missing row"),
		metric.WithUnit("{event}")); err != nil {
		return err
	}
	if p.ocrOutcomes, err = p.meter.Int64Counter("billstream.ocr.outcomes",
		metric.WithDescription("OCR extraction outcomes by result"),
		metric.WithUnit("{extraction}")); err != nil {
		return err
	}
	if p.notifications, err = p.meter.Int64Counter("billstream.notifications.sent",
		metric.WithDescription("Notification delivery attempts by result"),
		metric.WithUnit("{notification}")); err != nil {
		return err
	}
	return nil
}

// Shutdown flushes and stops the exporters.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown failed", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "metric provider shutdown failed", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return otel.Tracer("billstream")
	}
	return p.tracer
}

// TrackOperation opens a span and RED bookkeeping for one operation. The
// returned func must be called with the operation's final error.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if p == nil || p.meter == nil {
		return ctx, func(error) {}
	}

	start := time.Now()
	ctx, span := p.Tracer().Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...))

	p.activeOperations.Add(ctx, 1, metric.WithAttributes(attrs...))
	p.requestCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	return ctx, func(err error) {
		p.activeOperations.Add(ctx, -1, metric.WithAttributes(attrs...))
		p.durationHist.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
		if err != nil {
			span.RecordError(err)
			p.errorCounter.Add(ctx, 1, metric.WithAttributes(append(attrs,
				attribute.String("error.type", fmt.Sprintf("%T", err)))...))
		}
		span.End()
	}
}

// EventsAppended counts events durably appended to the log.
func (p *Provider) EventsAppended(ctx context.Context, n int) {
	if p != nil && p.eventsAppended != nil {
		p.eventsAppended.Add(ctx, int64(n))
	}
}

// ConflictObserved counts an expected-sequence rejection.
func (p *Provider) ConflictObserved(ctx context.Context) {
	if p != nil && p.conflicts != nil {
		p.conflicts.Add(ctx, 1)
	}
}

// DeadLettered counts a poison event recorded by a consumer.
func (p *Provider) DeadLettered(ctx context.Context, consumer string) {
	if p != nil && p.deadLetters != nil {
		p.deadLetters.Add(ctx, 1, metric.WithAttributes(attribute.String("consumer", consumer)))
	}
}

// EventDropped counts a missing-row event dropped by a projection.
func (p *Provider) EventDropped(ctx context.Context, consumer string) {
	if p != nil && p.droppedEvents != nil {
		p.droppedEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("consumer", consumer)))
	}
}

// OcrOutcome counts one OCR extraction result ("completed", "failed",
// "skipped").
func (p *Provider) OcrOutcome(ctx context.Context, outcome string) {
	if p != nil && p.ocrOutcomes != nil {
		p.ocrOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

// NotificationSent counts one notification attempt ("sent", "failed").
func (p *Provider) NotificationSent(ctx context.Context, outcome string) {
	if p != nil && p.notifications != nil {
		p.notifications.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}
