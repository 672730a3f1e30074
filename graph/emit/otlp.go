package emit

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// NewOTLPEmitter builds an OTelEmitter backed by an OTLP/HTTP exporter
// pointed at endpoint (host:port, no scheme), batching spans through an
// sdktrace.TracerProvider before export. The caller is responsible for
// calling Flush (which force-flushes the provider) before shutdown.
func NewOTLPEmitter(ctx context.Context, endpoint string, insecure bool) (*OTelEmitter, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	if insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return NewOTelEmitter(tp.Tracer("corerun")), nil
}
