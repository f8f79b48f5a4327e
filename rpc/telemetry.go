// Package rpc's telemetry wiring. Grounded on the sibling goclaw module's
// internal/otel package: a thin Provider over the OpenTelemetry SDK that
// degrades to no-op instruments when disabled, so the connection-protocol
// core pays zero overhead unless an application opts in.
package rpc

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	tracerName = "github.com/coregx/rpc"
	meterName  = "github.com/coregx/rpc"
)

// TelemetryConfig selects whether and how the core emits traces and metrics.
//
// The core never enables telemetry on its own: an Endpoint built with a
// zero-value TelemetryConfig (or none at all) gets the no-op Provider, so
// importing this package never pulls in a collector dependency at runtime.
type TelemetryConfig struct {
	Enabled     bool
	ServiceName string
}

// telemetry wraps the tracer, meter, and the dispatch-level instruments
// derived from them. One telemetry lives per Endpoint.
type telemetry struct {
	tracer trace.Tracer
	meter  metric.Meter

	commandsReceived metric.Int64Counter
	repliesSent      metric.Int64Counter
	callDuration     metric.Float64Histogram

	shutdown func(context.Context) error
}

// initTelemetry builds a telemetry from cfg, falling back to no-op
// instruments when disabled or on setup failure — a failure to initialize
// tracing must never prevent the RPC core itself from serving.
func initTelemetry(cfg TelemetryConfig) *telemetry {
	if !cfg.Enabled {
		return noopTelemetry()
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "coregx-rpc"
	}

	ctx := context.Background()
	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", serviceName),
	))
	if err != nil {
		return noopTelemetry()
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return noopTelemetry()
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))

	t := &telemetry{
		tracer: tp.Tracer(tracerName),
		meter:  mp.Meter(meterName),
		shutdown: func(ctx context.Context) error {
			tErr := tp.Shutdown(ctx)
			mErr := mp.Shutdown(ctx)
			if tErr != nil {
				return tErr
			}
			return mErr
		},
	}
	t.mustInstruments()
	return t
}

func noopTelemetry() *telemetry {
	t := &telemetry{
		tracer:   nooptrace.NewTracerProvider().Tracer(tracerName),
		meter:    noop.NewMeterProvider().Meter(meterName),
		shutdown: func(context.Context) error { return nil },
	}
	t.mustInstruments()
	return t
}

// mustInstruments creates the counters/histogram from t.meter. The no-op
// meter never errors, so this is only a real risk under a misconfigured
// real SDK meter — fall back to the no-op meter's instruments on error.
func (t *telemetry) mustInstruments() {
	var err error
	t.commandsReceived, err = t.meter.Int64Counter("rpc.commands.received",
		metric.WithDescription("commands received by the dispatcher, by cmd"))
	if err != nil {
		t.commandsReceived, _ = noop.Meter{}.Int64Counter("rpc.commands.received")
	}
	t.repliesSent, err = t.meter.Int64Counter("rpc.replies.sent",
		metric.WithDescription("reply frames sent by the dispatcher, by cmd"))
	if err != nil {
		t.repliesSent, _ = noop.Meter{}.Int64Counter("rpc.replies.sent")
	}
	t.callDuration, err = t.meter.Float64Histogram("rpc.call.duration",
		metric.WithDescription("CALL round-trip / local-dispatch duration"),
		metric.WithUnit("s"))
	if err != nil {
		t.callDuration, _ = noop.Meter{}.Float64Histogram("rpc.call.duration")
	}
}

func (t *telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.shutdown == nil {
		return nil
	}
	return t.shutdown(ctx)
}

func (t *telemetry) recordCommand(ctx context.Context, cmd Command) {
	t.commandsReceived.Add(ctx, 1, metric.WithAttributes(attribute.String("cmd", string(cmd))))
}

func (t *telemetry) recordReply(ctx context.Context, cmd Command) {
	t.repliesSent.Add(ctx, 1, metric.WithAttributes(attribute.String("cmd", string(cmd))))
}

func (t *telemetry) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpanWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}
