// Package telemetry provides the ambient logging/metrics/tracing stack
// shared by every perloop component: zap-backed structured logging exposed
// through a logr.Logger (so components can depend on the logr interface the
// way controller-style Go code typically does), and the OTel metric/trace
// triad. Adapted from the teacher's telemetry package, which wraps the same
// OTel triad around goa.design/clue's logger; clue is goa-specific, so here
// the Logger is zap wrapped directly via go-logr/zapr instead.
package telemetry

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-logr/logr"
)

// Telemetry bundles the three observability handles a component needs.
type Telemetry struct {
	Log    logr.Logger
	Meter  metric.Meter
	Tracer trace.Tracer
}

// Logger is a narrow alias kept for call sites that only need logging,
// mirroring the teacher's split between the full Telemetry bundle and a
// logger-only dependency.
type Logger = logr.Logger
