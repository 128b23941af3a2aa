package obs

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "befunny.io/auth"

// Tracer returns the tracer from the global provider. Without a configured
// provider spans are no-ops.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}
