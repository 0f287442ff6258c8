package telemetry

import (
	"github.com/go-logr/zapr"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

// NewZap builds a Telemetry bundle backed by a production zap logger and
// the global OTel meter/tracer providers, under the given instrumentation
// name (typically the package or component name).
func NewZap(instrumentationName string) (Telemetry, error) {
	zl, err := zap.NewProduction()
	if err != nil {
		return Telemetry{}, err
	}
	return Telemetry{
		Log:    zapr.NewLogger(zl),
		Meter:  otel.GetMeterProvider().Meter(instrumentationName),
		Tracer: otel.GetTracerProvider().Tracer(instrumentationName),
	}, nil
}

// NewZapWith builds a Telemetry bundle from an already-constructed zap
// logger, for callers that configure logging level/encoding themselves.
func NewZapWith(zl *zap.Logger, instrumentationName string) Telemetry {
	return Telemetry{
		Log:    zapr.NewLogger(zl),
		Meter:  otel.GetMeterProvider().Meter(instrumentationName),
		Tracer: otel.GetTracerProvider().Tracer(instrumentationName),
	}
}
