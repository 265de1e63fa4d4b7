// Package telemetry initializes OpenTelemetry tracing and metrics exporters
// and owns the counters the server records against.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const scope = "github.com/ashita-ai/voxdesk"

// Shutdown flushes and stops the exporters.
type Shutdown func(ctx context.Context) error

// Init configures the global tracer and meter providers to export over
// OTLP/HTTP to endpoint. An empty endpoint leaves the no-op providers in place.
func Init(ctx context.Context, endpoint, serviceName, version string, insecure bool) (Shutdown, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	traceOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	metricOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(endpoint)}
	if insecure {
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
		metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
	}

	traceExp, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	// traceparent is extracted from inbound requests and injected into the
	// form relay's outbound POST.
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	metricExp, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("telemetry: create metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metricExp, sdkmetric.WithInterval(15*time.Second)),
		),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

// Meter returns the global meter for the given instrumentation scope.
func Meter(name string) metric.Meter {
	return otel.GetMeterProvider().Meter(name)
}

// Tracer returns the voxdesk tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(scope)
}

// Instruments holds the application counters. Its zero value is not usable;
// build one with NewInstruments. Methods are safe on a nil receiver.
type Instruments struct {
	requests     metric.Int64Counter
	events       metric.Int64Counter
	charges      metric.Float64Counter
	chargeDenied metric.Int64Counter
	formRelays   metric.Int64Counter
}

// NewInstruments registers the counters against the global meter provider.
func NewInstruments() (*Instruments, error) {
	m := Meter(scope)
	var (
		in   Instruments
		errs []error
		err  error
	)
	in.requests, err = m.Int64Counter("voxdesk.http.requests",
		metric.WithDescription("HTTP requests served, by route and status class"))
	errs = append(errs, err)
	in.events, err = m.Int64Counter("voxdesk.session.events",
		metric.WithDescription("Session events recorded, by event name"))
	errs = append(errs, err)
	in.charges, err = m.Float64Counter("voxdesk.budget.charged",
		metric.WithDescription("Usage cost charged against free-plan budgets"),
		metric.WithUnit("USD"))
	errs = append(errs, err)
	in.chargeDenied, err = m.Int64Counter("voxdesk.budget.denied",
		metric.WithDescription("Usage charges rejected for exceeding the budget"))
	errs = append(errs, err)
	in.formRelays, err = m.Int64Counter("voxdesk.form.relays",
		metric.WithDescription("Contact form submissions relayed, by outcome"))
	errs = append(errs, err)
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("telemetry: register instruments: %w", err)
	}
	return &in, nil
}

// Request counts one served request.
func (in *Instruments) Request(ctx context.Context, method string, status int) {
	if in == nil {
		return
	}
	in.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.Int("status_class", status/100),
	))
}

// Event counts one recorded session event.
func (in *Instruments) Event(ctx context.Context, eventName string) {
	if in == nil {
		return
	}
	in.events.Add(ctx, 1, metric.WithAttributes(attribute.String("event_name", eventName)))
}

// Charge records an accepted (amount > 0) or rejected usage charge.
func (in *Instruments) Charge(ctx context.Context, amount float64, denied bool) {
	if in == nil {
		return
	}
	if denied {
		in.chargeDenied.Add(ctx, 1)
		return
	}
	in.charges.Add(ctx, amount)
}

// FormRelay counts one contact form relay attempt.
func (in *Instruments) FormRelay(ctx context.Context, ok bool) {
	if in == nil {
		return
	}
	in.formRelays.Add(ctx, 1, metric.WithAttributes(attribute.Bool("ok", ok)))
}
