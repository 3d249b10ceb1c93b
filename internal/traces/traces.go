// Package traces wires OpenTelemetry tracing for intent dispatch.
//
// Spans go to an OTLP/gRPC collector when an endpoint is configured;
// otherwise the global no-op provider stays in place and StartSpan is free.
package traces

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "github.com/mbd888/agentbattle"

// Config selects the exporter and sampling.
type Config struct {
	Endpoint    string // host:port of an OTLP/gRPC collector; empty disables export
	ServiceName string
	Version     string
	SampleRatio float64 // fraction of root spans kept; <=0 or >1 means all
	Insecure    bool
}

// ShutdownFunc flushes buffered spans.
type ShutdownFunc func(context.Context) error

func noop(context.Context) error { return nil }

// sampler keeps child spans with their parent and samples roots by ratio.
func (c Config) sampler() sdktrace.Sampler {
	if c.SampleRatio <= 0 || c.SampleRatio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(c.SampleRatio))
}

// Init installs a batching tracer provider as the global provider.
func Init(ctx context.Context, cfg Config, logger *slog.Logger) (ShutdownFunc, error) {
	if cfg.Endpoint == "" {
		logger.Info("tracing disabled", "reason", "no OTLP endpoint")
		return noop, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "agentbattle"
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.Version),
	))
	if err != nil {
		return nil, errors.Join(err, exporter.Shutdown(ctx))
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(cfg.sampler()),
	)
	otel.SetTracerProvider(tp)
	logger.Info("tracing enabled", "endpoint", cfg.Endpoint, "sample_ratio", cfg.SampleRatio)
	return tp.Shutdown, nil
}

// StartSpan opens a span on the global provider.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentation).Start(ctx, name, trace.WithAttributes(attrs...))
}

// Fail records err on span and marks the span as errored.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Span attributes.

func SessionID(id string) attribute.KeyValue { return attribute.String("battle.session_id", id) }

func TransactionID(id string) attribute.KeyValue { return attribute.String("battle.tx_id", id) }

func Intent(kind string) attribute.KeyValue { return attribute.String("battle.intent", kind) }

func Actor(role string) attribute.KeyValue { return attribute.String("battle.actor", role) }

func State(state string) attribute.KeyValue { return attribute.String("battle.state", state) }

// Outcome is applied, rejected, invalid or invariant.
func Outcome(result string) attribute.KeyValue { return attribute.String("battle.outcome", result) }
