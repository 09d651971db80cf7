package pipeline

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/relay/errs"
	"github.com/coachpo/relay/internal/domain/bundle"
	"github.com/coachpo/relay/internal/oracle"
	"github.com/coachpo/relay/internal/telemetry"
)

// Metrics is a point-in-time view of the plugin counters.
type Metrics struct {
	BundlesProcessed        uint64        `json:"bundles_processed"`
	BundlesRejected         uint64        `json:"bundles_rejected"`
	TransactionsProcessed   uint64        `json:"transactions_processed"`
	TransactionsRejected    uint64        `json:"transactions_rejected"`
	FeesCollected           uint64        `json:"fees_collected"`
	Injections              uint64        `json:"injections"`
	SkippedMarkers          uint64        `json:"skipped_markers"`
	Opportunities           uint64        `json:"opportunities"`
	AverageProcessingMicros uint64        `json:"average_processing_us"`
	LastError               string        `json:"last_error,omitempty"`
	Oracle                  *oracle.Stats `json:"oracle,omitempty"`
}

// counters are lock-free so concurrent calls never contend on them.
type counters struct {
	bundles, bundlesRejected atomic.Uint64
	txs, txsRejected         atomic.Uint64
	fees                     atomic.Uint64
	injections, skipped      atomic.Uint64
	opportunities            atomic.Uint64
	avgMicros                atomic.Uint64
	lastError                atomic.Pointer[string]
}

func (c *counters) reset() {
	c.restore(Metrics{})
}

func (c *counters) restore(m Metrics) {
	c.bundles.Store(m.BundlesProcessed)
	c.bundlesRejected.Store(m.BundlesRejected)
	c.txs.Store(m.TransactionsProcessed)
	c.txsRejected.Store(m.TransactionsRejected)
	c.fees.Store(m.FeesCollected)
	c.injections.Store(m.Injections)
	c.skipped.Store(m.SkippedMarkers)
	c.opportunities.Store(m.Opportunities)
	c.avgMicros.Store(m.AverageProcessingMicros)
	if m.LastError == "" {
		c.lastError.Store(nil)
	} else {
		msg := m.LastError
		c.lastError.Store(&msg)
	}
}

func (c *counters) snapshot() Metrics {
	m := Metrics{
		BundlesProcessed:        c.bundles.Load(),
		BundlesRejected:         c.bundlesRejected.Load(),
		TransactionsProcessed:   c.txs.Load(),
		TransactionsRejected:    c.txsRejected.Load(),
		FeesCollected:           c.fees.Load(),
		Injections:              c.injections.Load(),
		SkippedMarkers:          c.skipped.Load(),
		Opportunities:           c.opportunities.Load(),
		AverageProcessingMicros: c.avgMicros.Load(),
	}
	if msg := c.lastError.Load(); msg != nil {
		m.LastError = *msg
	}
	return m
}

// observeLatency folds a sample into an exponential moving average with a
// smoothing factor of one tenth.
func (c *counters) observeLatency(micros uint64) {
	for {
		old := c.avgMicros.Load()
		next := micros
		if old != 0 {
			next = (micros + 9*old) / 10
		}
		if c.avgMicros.CompareAndSwap(old, next) {
			return
		}
	}
}

// Metrics returns the accumulated counters, including oracle statistics when
// oracle processing is enabled.
func (p *Plugin) Metrics() Metrics {
	m := p.counters.snapshot()
	p.mu.RLock()
	rt := p.rt
	p.mu.RUnlock()
	if rt != nil && rt.oracle != nil {
		stats := rt.oracle.Stats()
		m.Oracle = &stats
	}
	return m
}

func (p *Plugin) record(rt *runtime, b *bundle.Bundle, res *Result, err error) {
	c := p.counters
	c.injections.Add(uint64(len(res.Injected)))
	c.skipped.Add(uint64(len(res.Skipped)))
	c.opportunities.Add(uint64(len(res.Opportunities)))
	c.txsRejected.Add(uint64(len(res.Rejected)))
	if err != nil {
		c.bundlesRejected.Add(1)
		msg := err.Error()
		c.lastError.Store(&msg)
	} else {
		c.bundles.Add(1)
		c.txs.Add(uint64(b.Len()))
		c.fees.Add(res.RequiredFee)
	}
	if !rt.cfg.EnableMetrics {
		return
	}
	c.observeLatency(uint64(res.Duration.Microseconds()))
	p.inst.processed(res, err)
}

type instruments struct {
	bundles       metric.Int64Counter
	duration      metric.Float64Histogram
	stageFailures metric.Int64Counter
	fees          metric.Int64Counter
	injections    metric.Int64Counter
}

func newInstruments(meter metric.Meter) instruments {
	var in instruments
	in.bundles, _ = meter.Int64Counter("relay.bundles.processed",
		metric.WithDescription("Bundles processed by result"),
		metric.WithUnit("{bundle}"))
	in.duration, _ = meter.Float64Histogram("relay.bundle.duration",
		metric.WithDescription("End-to-end bundle processing latency"),
		metric.WithUnit("ms"))
	in.stageFailures, _ = meter.Int64Counter("relay.stage.failures",
		metric.WithDescription("Bundles stopped by a stage, by status"),
		metric.WithUnit("{bundle}"))
	in.fees, _ = meter.Int64Counter("relay.fees.collected",
		metric.WithDescription("Required fees of accepted bundles"),
		metric.WithUnit("{lamport}"))
	in.injections, _ = meter.Int64Counter("relay.oracle.injections",
		metric.WithDescription("Price slots written into injection markers"),
		metric.WithUnit("{marker}"))
	return in
}

func (in instruments) processed(res *Result, err error) {
	ctx := context.Background()
	env := telemetry.Environment()
	result := telemetry.ResultOK
	if err != nil {
		result = telemetry.ResultRejected
		if errs.CodeOf(err) == errs.CodeProcessingFailed {
			result = telemetry.ResultError
		}
	}
	attrs := metric.WithAttributes(telemetry.BundleAttributes(env, result)...)
	if in.bundles != nil {
		in.bundles.Add(ctx, 1, attrs)
	}
	if in.duration != nil {
		in.duration.Record(ctx, float64(res.Duration.Microseconds())/1000, attrs)
	}
	if err != nil && in.stageFailures != nil {
		in.stageFailures.Add(ctx, 1, metric.WithAttributes(
			telemetry.StageAttributes(env, res.FailedStage, string(errs.CodeOf(err)))...))
	}
	if err == nil && in.fees != nil && res.RequiredFee > 0 {
		in.fees.Add(ctx, int64(min(res.RequiredFee, uint64(1<<63-1))))
	}
	if in.injections != nil && len(res.Injected) > 0 {
		in.injections.Add(ctx, int64(len(res.Injected)))
	}
}
