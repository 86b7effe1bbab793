package instrumentation

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// DefaultServiceVersion is used when no version is configured.
const DefaultServiceVersion = "unknown"

// Config holds instrumentation configuration.
type Config struct {
	// ServiceName is the name reported in the OTEL resource
	ServiceName string

	// ServiceVersion is the version reported in the OTEL resource
	ServiceVersion string

	// Enabled controls whether instrumentation is active. When false the
	// no-op providers are used and recording has zero overhead.
	Enabled bool

	// Resource allows custom resource attributes. If nil, a default resource
	// is built from ServiceName and ServiceVersion.
	Resource *resource.Resource
}

// Instrumentation bundles the OpenTelemetry providers and the metric
// instruments recorded by the handler, server, and stores.
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider

	metrics *Metrics

	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New creates instrumentation with the given configuration. Exporter wiring
// is left to the embedding application; providers default to no-op.
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		return nil, fmt.Errorf("service name is required")
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = DefaultServiceVersion
	}

	res := config.Resource
	if res == nil {
		var err error
		res, err = resource.Merge(resource.Default(), resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		))
		if err != nil {
			return nil, fmt.Errorf("failed to build resource: %w", err)
		}
	}

	inst := &Instrumentation{
		config:         config,
		resource:       res,
		meterProvider:  noop.NewMeterProvider(),
		tracerProvider: tracenoop.NewTracerProvider(),
	}

	var err error
	inst.metrics, err = newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	return inst, nil
}

// SetProviders installs real providers (e.g. the OTEL SDK configured with an
// OTLP or Prometheus exporter) and rebuilds the metric instruments on them.
func (i *Instrumentation) SetProviders(mp metric.MeterProvider, tp trace.TracerProvider) error {
	if mp != nil {
		i.meterProvider = mp
	}
	if tp != nil {
		i.tracerProvider = tp
	}
	m, err := newMetrics(i)
	if err != nil {
		return err
	}
	i.metrics = m
	return nil
}

// RegisterShutdown adds a function to run when Shutdown is called.
func (i *Instrumentation) RegisterShutdown(fn func(context.Context) error) {
	i.shutdownFuncs = append(i.shutdownFuncs, fn)
}

// Shutdown flushes and stops all registered components. Safe to call more
// than once.
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	var shutdownErr error
	i.shutdownOnce.Do(func() {
		for _, fn := range i.shutdownFuncs {
			if err := fn(ctx); err != nil && shutdownErr == nil {
				shutdownErr = err
			}
		}
	})
	return shutdownErr
}

// Meter returns a named meter scoped to a layer ("http", "server", "storage",
// "security").
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter("github.com/openfit/oauth-server/" + scope)
}

// Tracer returns a named tracer scoped to a layer.
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer("github.com/openfit/oauth-server/" + scope)
}

// Metrics returns the metric instruments.
func (i *Instrumentation) Metrics() *Metrics {
	return i.metrics
}

// TracerProvider returns the underlying tracer provider.
func (i *Instrumentation) TracerProvider() trace.TracerProvider {
	return i.tracerProvider
}

// MeterProvider returns the underlying meter provider.
func (i *Instrumentation) MeterProvider() metric.MeterProvider {
	return i.meterProvider
}

// StorageSizeCallback reports the current size of one storage component.
type StorageSizeCallback func() int64

// RegisterStorageSizeCallbacks registers observable gauges for the store's
// client, flow, and refresh token counts. Store implementations call this
// after instrumentation is attached.
func (i *Instrumentation) RegisterStorageSizeCallbacks(
	clientsCount, statesCount, codesCount, refreshTokensCount StorageSizeCallback,
) error {
	meter := i.Meter("storage")

	gauge, err := meter.Int64ObservableGauge(
		"oauth.storage.size",
		metric.WithDescription("Current number of records per storage component"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return fmt.Errorf("failed to create storage.size gauge: %w", err)
	}

	_, err = meter.RegisterCallback(
		func(_ context.Context, observer metric.Observer) error {
			observer.ObserveInt64(gauge, clientsCount(), metric.WithAttributes(attrComponent("clients")))
			observer.ObserveInt64(gauge, statesCount(), metric.WithAttributes(attrComponent("authorization_states")))
			observer.ObserveInt64(gauge, codesCount(), metric.WithAttributes(attrComponent("authorization_codes")))
			observer.ObserveInt64(gauge, refreshTokensCount(), metric.WithAttributes(attrComponent("refresh_tokens")))
			return nil
		},
		gauge,
	)
	if err != nil {
		return fmt.Errorf("failed to register storage size callback: %w", err)
	}
	return nil
}
