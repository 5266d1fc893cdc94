// Package traces wires OpenTelemetry spans around engine operations.
package traces

import (
	"context"
	"log/slog"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "github.com/mbd888/coverpool/internal/engine"

// Shutdown flushes buffered spans.
type Shutdown func(context.Context) error

func noop(context.Context) error { return nil }

// Init installs a global tracer provider exporting over OTLP/gRPC to
// endpoint. With no endpoint the global no-op provider stays in place and
// StartSpan costs next to nothing.
func Init(ctx context.Context, endpoint, version string, logger *slog.Logger) (Shutdown, error) {
	if endpoint == "" {
		logger.Info("tracing disabled", "reason", "OTEL_EXPORTER_OTLP_ENDPOINT unset")
		return noop, nil
	}

	res, err := resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName("coverpool"),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, err
	}

	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	logger.Info("tracing enabled", "endpoint", endpoint)
	return tp.Shutdown, nil
}

// StartSpan opens a span on the engine tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentation).Start(ctx, name, trace.WithAttributes(attrs...))
}

// Fail records err on span and sets its status to the stable error code.
func Fail(span trace.Span, err error, code string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, code)
}

const (
	keyCaller  = attribute.Key("coverpool.caller")
	keyAccount = attribute.Key("coverpool.account")
	keyHeight  = attribute.Key("coverpool.block_height")
	keyAmount  = attribute.Key("coverpool.amount")
	keyTier    = attribute.Key("coverpool.tier_id")
	keyClaim   = attribute.Key("coverpool.claim_id")
)

func Caller(addr string) attribute.KeyValue  { return keyCaller.String(addr) }
func Account(addr string) attribute.KeyValue { return keyAccount.String(addr) }
func TierID(id uint32) attribute.KeyValue    { return keyTier.Int64(int64(id)) }

// Height and ClaimID are carried as strings since uint64 does not fit
// attribute.Int64.
func Height(h uint64) attribute.KeyValue   { return keyHeight.String(strconv.FormatUint(h, 10)) }
func ClaimID(id uint64) attribute.KeyValue { return keyClaim.String(strconv.FormatUint(id, 10)) }

// Amount is in base units.
func Amount(v uint64) attribute.KeyValue { return keyAmount.String(strconv.FormatUint(v, 10)) }
