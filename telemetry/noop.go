package telemetry

import (
	"github.com/go-logr/logr"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
)

// NewNoop builds a Telemetry bundle that discards everything, used by tests
// and by components run outside a configured observability stack.
func NewNoop() Telemetry {
	return Telemetry{
		Log:    logr.Discard(),
		Meter:  noopmetric.NewMeterProvider().Meter("noop"),
		Tracer: nooptrace.NewTracerProvider().Tracer("noop"),
	}
}
