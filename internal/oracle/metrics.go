package oracle

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/relay/internal/telemetry"
)

type instruments struct {
	lookups         metric.Int64Counter
	refreshes       metric.Int64Counter
	refreshDuration metric.Float64Histogram
	observations    metric.Int64Counter
}

func newInstruments(meter metric.Meter) instruments {
	var in instruments
	in.lookups, _ = meter.Int64Counter("relay.oracle.lookups",
		metric.WithDescription("Price lookups by result"),
		metric.WithUnit("{lookup}"))
	in.refreshes, _ = meter.Int64Counter("relay.oracle.refreshes",
		metric.WithDescription("Outbound price refreshes by result"),
		metric.WithUnit("{refresh}"))
	in.refreshDuration, _ = meter.Float64Histogram("relay.oracle.refresh.duration",
		metric.WithDescription("Outbound price refresh latency"),
		metric.WithUnit("ms"))
	in.observations, _ = meter.Int64Counter("relay.oracle.observations",
		metric.WithDescription("Streamed price observations"),
		metric.WithUnit("{quote}"))
	return in
}

func (in instruments) lookup(source, result string) {
	if in.lookups == nil {
		return
	}
	in.lookups.Add(context.Background(), 1,
		metric.WithAttributes(telemetry.OracleAttributes(telemetry.Environment(), source, result)...))
}

func (in instruments) refresh(source, result string, elapsed time.Duration) {
	attrs := metric.WithAttributes(telemetry.OracleAttributes(telemetry.Environment(), source, result)...)
	if in.refreshes != nil {
		in.refreshes.Add(context.Background(), 1, attrs)
	}
	if in.refreshDuration != nil {
		in.refreshDuration.Record(context.Background(), float64(elapsed.Microseconds())/1000, attrs)
	}
}

func (in instruments) observed(source string) {
	if in.observations == nil {
		return
	}
	in.observations.Add(context.Background(), 1,
		metric.WithAttributes(telemetry.OracleAttributes(telemetry.Environment(), source, telemetry.ResultOK)...))
}
