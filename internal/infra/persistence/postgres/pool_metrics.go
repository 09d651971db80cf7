package postgres

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/relay/internal/telemetry"
)

// poolStates are the connection states reported on relay.db.pool.connections.
var poolStates = []string{"idle", "acquired", "constructing"}

// ObservePoolMetrics reports connection counts by state and the cumulative
// acquire count for pool. The returned registration may be unregistered when
// the pool closes.
func ObservePoolMetrics(pool *pgxpool.Pool, poolName string) metric.Registration {
	if pool == nil {
		return nil
	}
	name := strings.TrimSpace(poolName)
	if name == "" {
		name = "primary"
	}
	base := []attribute.KeyValue{
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		attribute.String("db_pool", name),
	}
	withState := func(state string) metric.MeasurementOption {
		return metric.WithAttributes(append(append([]attribute.KeyValue{}, base...), attribute.String("state", state))...)
	}

	meter := otel.Meter("relay.postgres.pool")
	conns, err := meter.Int64ObservableGauge("relay.db.pool.connections",
		metric.WithDescription("Pool connections by state"),
		metric.WithUnit("{connection}"))
	if err != nil {
		return nil
	}
	acquires, err := meter.Int64ObservableCounter("relay.db.pool.acquires",
		metric.WithDescription("Connections acquired from the pool"),
		metric.WithUnit("{acquire}"))
	if err != nil {
		return nil
	}

	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		stat := pool.Stat()
		counts := map[string]int32{
			"idle":         stat.IdleConns(),
			"acquired":     stat.AcquiredConns(),
			"constructing": stat.ConstructingConns(),
		}
		for _, state := range poolStates {
			o.ObserveInt64(conns, int64(counts[state]), withState(state))
		}
		o.ObserveInt64(acquires, stat.AcquireCount(), metric.WithAttributes(base...))
		return nil
	}, conns, acquires)
	if err != nil {
		return nil
	}
	return reg
}
