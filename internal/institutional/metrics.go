package institutional

import (
	"context"

	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/relay/internal/telemetry"
)

type instruments struct {
	rejections    metric.Int64Counter
	opportunities metric.Int64Counter
}

func newInstruments(meter metric.Meter) instruments {
	var in instruments
	in.rejections, _ = meter.Int64Counter("relay.institutional.rejections",
		metric.WithDescription("Transactions rejected by institutional policy"),
		metric.WithUnit("{transaction}"))
	in.opportunities, _ = meter.Int64Counter("relay.institutional.opportunities",
		metric.WithDescription("Arbitrage opportunities detected across price sources"),
		metric.WithUnit("{opportunity}"))
	return in
}

func (in instruments) rejected(institution, reason string) {
	if in.rejections == nil {
		return
	}
	in.rejections.Add(context.Background(), 1,
		metric.WithAttributes(telemetry.PolicyAttributes(telemetry.Environment(), institution, reason)...))
}

func (in instruments) opportunity(symbol string) {
	if in.opportunities == nil {
		return
	}
	in.opportunities.Add(context.Background(), 1,
		metric.WithAttributes(
			telemetry.AttrEnvironment.String(telemetry.Environment()),
			telemetry.AttrSymbol.String(symbol)))
}
