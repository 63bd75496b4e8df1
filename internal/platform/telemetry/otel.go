package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/clinic/booking"

// Setup installs OTLP/gRPC tracer and meter providers. With an empty endpoint
// it leaves the global no-op providers in place and returns a no-op shutdown.
// The returned shutdown flushes both providers.
func Setup(ctx context.Context, serviceName, serviceVersion, endpoint string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create otlp trace exporter: %w", err)
	}
	metricExporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		_ = traceExporter.Shutdown(ctx)
		return nil, fmt.Errorf("create otlp metric exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	mp := NewMeterProvider(res, sdkmetric.NewPeriodicReader(metricExporter))
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

// NewMeterProvider builds the SDK meter provider the booking counters are
// recorded on. Setup feeds it a periodic OTLP reader.
func NewMeterProvider(res *resource.Resource, reader sdkmetric.Reader) *sdkmetric.MeterProvider {
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
}

// StartSpan starts a span on the global tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// BookingMetrics counts reservation outcomes.
type BookingMetrics struct {
	bookings      metric.Int64Counter
	cancellations metric.Int64Counter
	moves         metric.Int64Counter
	refusals      metric.Int64Counter
	conflicts     metric.Int64Counter
}

// NewBookingMetrics registers the counters on the global meter provider, so
// it must run after Setup.
func NewBookingMetrics() (*BookingMetrics, error) {
	return NewBookingMetricsFrom(otel.GetMeterProvider())
}

func NewBookingMetricsFrom(mp metric.MeterProvider) (*BookingMetrics, error) {
	meter := mp.Meter(instrumentationName)
	m := &BookingMetrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.bookings, "booking.reservations.created", "Reservations created"},
		{&m.cancellations, "booking.reservations.cancelled", "Reservations cancelled"},
		{&m.moves, "booking.reservations.moved", "Reservations moved to another slot"},
		{&m.refusals, "booking.reservations.refused", "Reservation attempts refused"},
		{&m.conflicts, "booking.slot_state.conflicts", "Slot map version conflicts"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("register %s: %w", c.name, err)
		}
		*c.dst = counter
	}
	return m, nil
}

// A nil *BookingMetrics records nothing.

func (m *BookingMetrics) Booked(ctx context.Context) {
	if m != nil {
		m.bookings.Add(ctx, 1)
	}
}

func (m *BookingMetrics) Cancelled(ctx context.Context) {
	if m != nil {
		m.cancellations.Add(ctx, 1)
	}
}

func (m *BookingMetrics) Moved(ctx context.Context) {
	if m != nil {
		m.moves.Add(ctx, 1)
	}
}

func (m *BookingMetrics) Refused(ctx context.Context, reason string) {
	if m != nil {
		m.refusals.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

func (m *BookingMetrics) Conflict(ctx context.Context) {
	if m != nil {
		m.conflicts.Add(ctx, 1)
	}
}
