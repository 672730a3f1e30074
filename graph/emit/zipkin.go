package emit

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/zipkin"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// NewZipkinEmitter builds an OTelEmitter backed by a Zipkin HTTP exporter
// (endpoint is the collector's full "/api/v2/spans" URL).
func NewZipkinEmitter(endpoint string) (*OTelEmitter, error) {
	exporter, err := zipkin.New(endpoint)
	if err != nil {
		return nil, fmt.Errorf("zipkin exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return NewOTelEmitter(tp.Tracer("corerun")), nil
}
