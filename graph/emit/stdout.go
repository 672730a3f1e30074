package emit

import (
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	stdouttrace "go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// NewConsoleEmitter builds an OTelEmitter that writes spans as JSON to w,
// useful for local development without a running collector.
func NewConsoleEmitter(w io.Writer) (*OTelEmitter, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("stdout exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return NewOTelEmitter(tp.Tracer("corerun")), nil
}
