// Package telemetry hands out OpenTelemetry instruments from the global providers.
// Without an installed SDK every instrument is a no-op.
package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const prefix = "github.com/vanshika/votetrace/internal/"

// Tracer returns the tracer for an internal package.
func Tracer(pkg string) trace.Tracer {
	return otel.Tracer(prefix + pkg)
}

// Counter returns an int64 counter for an internal package, or a no-op counter when the
// meter rejects the instrument.
func Counter(pkg, name, description string) metric.Int64Counter {
	c, err := otel.Meter(prefix+pkg).Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		otel.Handle(err)
		return noop.Int64Counter{}
	}
	return c
}
