package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "lanvoice"

// TracerProvider wraps OpenTelemetry tracer provider
type TracerProvider struct {
	tp *tracesdk.TracerProvider
}

// Config contains tracing configuration
type Config struct {
	Enabled     bool
	ServiceName string
	JaegerURL   string
	SampleRate  float64
}

// DefaultConfig returns default tracing configuration
func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		ServiceName: "lanvoice",
		JaegerURL:   "http://localhost:14268/api/traces",
		SampleRate:  1.0,
	}
}

// Init installs a Jaeger-backed global tracer provider. When tracing is
// disabled the returned provider is a no-op and the global no-op tracer
// stays in place.
func Init(cfg Config) (*TracerProvider, error) {
	if !cfg.Enabled {
		return &TracerProvider{}, nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerURL)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(tracesdk.TraceIDRatioBased(cfg.SampleRate)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracerProvider{tp: tp}, nil
}

// Shutdown flushes pending spans.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.tp != nil {
		return tp.tp.Shutdown(ctx)
	}
	return nil
}

// StartSpan starts a new span
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, opts...)
}

// RecordError records an error in the current span
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

var (
	LocalPeerKey  = attribute.Key("peer.local")
	PeerIDKey     = attribute.Key("peer.id")
	SignalKindKey = attribute.Key("signal.kind")
	StateKey      = attribute.Key("negotiation.state")
	RoomKey       = attribute.Key("relay.room")
	DurationKey   = attribute.Key("duration_ms")
)

// TraceNegotiation starts a span for one negotiation step with a remote peer.
func TraceNegotiation(ctx context.Context, operation, localPeer, remotePeer string) (context.Context, trace.Span) {
	return StartSpan(ctx, "negotiation."+operation,
		trace.WithAttributes(
			LocalPeerKey.String(localPeer),
			PeerIDKey.String(remotePeer),
		),
	)
}

// TraceSignal starts a span for a signaling frame crossing the relay.
func TraceSignal(ctx context.Context, kind, room, peerID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "signal."+kind,
		trace.WithAttributes(
			SignalKindKey.String(kind),
			RoomKey.String(room),
			PeerIDKey.String(peerID),
		),
	)
}

// TraceHTTPRequest starts a server span for an HTTP request to the relay.
func TraceHTTPRequest(ctx context.Context, method, route string) (context.Context, trace.Span) {
	return StartSpan(ctx, "http "+method+" "+route,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.route", route),
		),
	)
}

// MeasureDuration records the elapsed time since start on the current span.
func MeasureDuration(ctx context.Context, start time.Time) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(DurationKey.Int64(time.Since(start).Milliseconds()))
	}
}
