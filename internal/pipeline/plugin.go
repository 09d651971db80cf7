// Package pipeline owns the plugin lifecycle and runs bundles through the
// configured processing stages.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/relay/errs"
	"github.com/coachpo/relay/internal/config"
	"github.com/coachpo/relay/internal/domain/bundle"
	"github.com/coachpo/relay/internal/fees"
	"github.com/coachpo/relay/internal/institutional"
	"github.com/coachpo/relay/internal/opportunity"
	"github.com/coachpo/relay/internal/optimizer"
	"github.com/coachpo/relay/internal/oracle"
	"github.com/coachpo/relay/internal/validation"
)

// Version is the plugin interface version reported to hosts.
const Version uint32 = 3

// Capability flags reported by Capabilities.
const (
	CapBundleProcessing     uint32 = 0x01
	CapTransactionInjection uint32 = 0x02
	CapPriorityOrdering     uint32 = 0x04
	CapFeeCollection        uint32 = 0x08
	CapOracleProcessing     uint32 = 0x10
	CapInstitutional        uint32 = 0x20
)

const defaultShutdownTimeout = 5 * time.Second

// State is the lifecycle position of a Plugin.
type State int32

const (
	StateUninitialized State = iota
	StateInitialized
	StateShuttingDown
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateShuttingDown:
		return "shutting_down"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Result describes the outcome of one ProcessBundle call.
//
// Skipped and Rejected indexes refer to the bundle after priority-fee
// reordering and before institutional policy removes or re-ranks
// transactions. Report.Dependent, Report.Independent and Report.SharedFeeds
// describe the final bundle.
type Result struct {
	Status        errs.Status
	RequiredFee   uint64
	Value         fees.Value
	Injected      []bundle.PriceQuote
	Skipped       []optimizer.Skipped
	Rejected      []institutional.Rejection
	Opportunities []opportunity.Opportunity
	Report        optimizer.Report
	FailedStage   string
	Duration      time.Duration
}

// Option configures a Plugin.
type Option func(*Plugin)

// WithLogger sets the logger shared by every stage.
func WithLogger(logger *log.Logger) Option {
	return func(p *Plugin) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithClock overrides the time source used for staleness and exposure windows.
func WithClock(clock func() time.Time) Option {
	return func(p *Plugin) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// WithMeter sets the meter used for pipeline, oracle and policy instruments.
func WithMeter(meter metric.Meter) Option {
	return func(p *Plugin) {
		if meter != nil {
			p.meter = meter
		}
	}
}

// WithPriceSource sets the upstream used when oracle processing is enabled.
func WithPriceSource(source oracle.Source) Option {
	return func(p *Plugin) {
		p.source = source
	}
}

// WithOpportunityEmitter routes detected arbitrage opportunities.
func WithOpportunityEmitter(emitter institutional.Emitter) Option {
	return func(p *Plugin) {
		p.emitter = emitter
	}
}

// WithAttestationVerifier replaces the structural attestation check.
func WithAttestationVerifier(v validation.Verifier) Option {
	return func(p *Plugin) {
		p.verifier = v
	}
}

// WithFlushHook registers a callback run during Shutdown to flush metrics.
func WithFlushHook(fn func(context.Context) error) Option {
	return func(p *Plugin) {
		p.flush = fn
	}
}

// WithShutdownTimeout bounds how long Shutdown waits for refresh workers.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(p *Plugin) {
		if timeout > 0 {
			p.shutdownTimeout = timeout
		}
	}
}

// runtime is everything built from one configuration.
type runtime struct {
	cfg       config.PluginConfig
	schedule  fees.Schedule
	validator *validation.Validator
	oracle    *oracle.Client
	optimizer *optimizer.Optimizer
	engine    *institutional.Engine
	stages    []Stage
}

// Plugin is one independent bundle-processing instance. All methods are safe
// for concurrent use.
type Plugin struct {
	logger          *log.Logger
	clock           func() time.Time
	meter           metric.Meter
	source          oracle.Source
	emitter         institutional.Emitter
	verifier        validation.Verifier
	flush           func(context.Context) error
	shutdownTimeout time.Duration

	mu       sync.RWMutex
	state    State
	rt       *runtime
	inflight sync.WaitGroup

	counters *counters
	inst     instruments
}

// New creates an uninitialised plugin.
func New(opts ...Option) *Plugin {
	p := &Plugin{
		logger:          log.New(io.Discard, "", 0),
		clock:           time.Now,
		meter:           otel.Meter("relay.pipeline"),
		shutdownTimeout: defaultShutdownTimeout,
		counters:        &counters{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.inst = newInstruments(p.meter)
	return p
}

// State returns the current lifecycle state.
func (p *Plugin) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Init parses and validates configuration and builds the stages.
func (p *Plugin) Init(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateInitialized || p.state == StateShuttingDown {
		return errs.New("pipeline/init", errs.CodeInvalidState,
			errs.WithMessage("plugin already "+p.state.String()),
			errs.WithRemediation("call Shutdown before re-initialising"))
	}
	cfg, err := config.Parse(data)
	if err != nil {
		return err
	}
	rt, err := p.build(cfg)
	if err != nil {
		return err
	}
	p.rt = rt
	p.state = StateInitialized
	p.counters.reset()
	p.logger.Printf("relay plugin initialised: stages=%s oracle=%t institutional=%t", stageNames(rt.stages), rt.oracle != nil, rt.engine != nil)
	return nil
}

func (p *Plugin) build(cfg config.PluginConfig) (*runtime, error) {
	rt := &runtime{
		cfg:       cfg,
		schedule:  fees.NewSchedule(cfg),
		optimizer: optimizer.New(cfg.Oracle.Strict, optimizer.WithLogger(p.logger)),
	}
	vopts := []validation.Option{validation.WithComputeLimit(cfg.MaxComputeLimit)}
	if p.verifier != nil {
		vopts = append(vopts, validation.WithVerifier(p.verifier))
	}
	rt.validator = validation.New(cfg.MaxBundleSize, cfg.RequireAttestation, vopts...)

	if cfg.Oracle.Enabled {
		if p.source == nil {
			return nil, errs.New("pipeline/init", errs.CodeInvalidConfig,
				errs.WithMessage("oracle enabled without a price source"))
		}
		client, err := oracle.NewClient(oracle.SettingsFrom(cfg.Oracle), p.source,
			oracle.WithClock(p.clock),
			oracle.WithLogger(p.logger),
			oracle.WithMeter(p.meter))
		if err != nil {
			return nil, fmt.Errorf("pipeline init oracle: %w", err)
		}
		rt.oracle = client
	}
	if cfg.Institutional.Enabled {
		engine, err := institutional.New(cfg.Institutional,
			institutional.WithClock(p.clock),
			institutional.WithLogger(p.logger),
			institutional.WithMeter(p.meter),
			institutional.WithEmitter(p.emitter),
			institutional.WithQuoteMaxAge(cfg.Oracle.MaxPriceAge()))
		if err != nil {
			if rt.oracle != nil {
				_ = rt.oracle.Close(context.Background())
			}
			return nil, err
		}
		rt.engine = engine
	}
	rt.stages = buildStages(rt)
	return rt, nil
}

// release stops background work owned by rt and drops the cache.
func (rt *runtime) release(ctx context.Context) error {
	var err error
	if rt.oracle != nil {
		err = rt.oracle.Close(ctx)
		rt.oracle.Cache().Purge()
	}
	if rt.engine != nil {
		rt.engine.Close()
	}
	return err
}

// Shutdown rejects new calls, interrupts and joins oracle refreshes, waits
// for in-flight calls, flushes metrics and releases the cache.
func (p *Plugin) Shutdown() error {
	p.mu.Lock()
	if p.state != StateInitialized {
		state := p.state
		p.mu.Unlock()
		return errs.New("pipeline/shutdown", errs.CodeInvalidState,
			errs.WithMessage("plugin is "+state.String()))
	}
	p.state = StateShuttingDown
	rt := p.rt
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), p.shutdownTimeout)
	defer cancel()

	var shutdownErr error
	if rt.oracle != nil {
		if err := rt.oracle.Close(ctx); err != nil {
			shutdownErr = errors.Join(shutdownErr, err)
		}
	}
	p.inflight.Wait()
	if err := rt.release(ctx); err != nil {
		shutdownErr = errors.Join(shutdownErr, err)
	}

	snap := p.Metrics()
	p.logger.Printf("relay plugin metrics: bundles=%d rejected=%d fees=%d avg_us=%d injections=%d",
		snap.BundlesProcessed, snap.BundlesRejected, snap.FeesCollected, snap.AverageProcessingMicros, snap.Injections)
	if p.flush != nil {
		if err := p.flush(ctx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("flush metrics: %w", err))
		}
	}

	p.mu.Lock()
	p.state = StateTerminated
	p.rt = nil
	p.mu.Unlock()

	if shutdownErr != nil {
		p.logger.Printf("relay plugin shutdown incomplete: %v", shutdownErr)
		return errs.New("pipeline/shutdown", errs.CodeProcessingFailed, errs.WithCause(shutdownErr))
	}
	return nil
}

// enter registers an in-flight call against the current runtime.
func (p *Plugin) enter(operation string) (*runtime, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.state != StateInitialized {
		return nil, errs.New(operation, errs.CodeInvalidState, errs.WithMessage("plugin is "+p.state.String()))
	}
	p.inflight.Add(1)
	return p.rt, nil
}

// ProcessBundle validates, prices, orders and fee-checks b in place. The
// returned Result is populated even on failure.
func (p *Plugin) ProcessBundle(ctx context.Context, b *bundle.Bundle) (res Result, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := p.enter("pipeline/process")
	if err != nil {
		res.Status = errs.StatusOf(err)
		return res, err
	}
	defer p.inflight.Done()

	if b == nil {
		err = errs.New("pipeline/process", errs.CodeNullInput, errs.WithMessage("bundle required"))
		res.Status = errs.StatusOf(err)
		return res, err
	}

	start := time.Now()
	c := &call{bundle: b, result: &res}
	defer func() {
		if r := recover(); r != nil {
			err = errs.New("pipeline/process", errs.CodeProcessingFailed,
				errs.WithMessage(fmt.Sprintf("panic: %v", r)))
			res.FailedStage = "panic"
		}
		if err != nil {
			c.decision.Release()
		} else {
			c.decision.Commit()
		}
		res.Duration = time.Since(start)
		res.Status = errs.StatusOf(err)
		p.record(rt, b, &res, err)
	}()

	for _, stage := range rt.stages {
		if serr := stage.Process(ctx, c); serr != nil {
			res.FailedStage = stage.Name()
			return res, fmt.Errorf("%s: %w", stage.Name(), serr)
		}
	}
	return res, nil
}

// FeeEstimate returns the fee ProcessBundle would require for b using only
// cached prices. It does not modify b and returns 0 when not initialised.
func (p *Plugin) FeeEstimate(b *bundle.Bundle) uint64 {
	rt, err := p.enter("pipeline/estimate")
	if err != nil {
		return 0
	}
	defer p.inflight.Done()
	return rt.estimate(b)
}

func (rt *runtime) estimate(b *bundle.Bundle) uint64 {
	if b == nil {
		return 0
	}
	base := rt.schedule.RequiredFee(b)
	surcharge := rt.schedule.InstitutionalSurcharge(b.Len(), 0)
	if rt.oracle == nil || b.MarkerCount() == 0 {
		return fees.AddSaturating(base, surcharge)
	}
	prices := rt.oracle.PeekAll(b.Symbols())
	var planned []bundle.PriceQuote
	for i := range b.Transactions {
		for _, m := range b.Transactions[i].Markers {
			if res, ok := prices[m.Symbol]; ok && res.Usable() {
				planned = append(planned, res.Quote)
			}
		}
	}
	return fees.AddSaturating(rt.schedule.OracleAdjusted(base, planned), surcharge)
}

// Decide reports the cached freshness decision for symbol without I/O.
func (p *Plugin) Decide(symbol string) (bundle.PriceQuote, error) {
	rt, err := p.enter("pipeline/decide")
	if err != nil {
		return bundle.PriceQuote{}, err
	}
	defer p.inflight.Done()
	if rt.oracle == nil {
		return bundle.PriceQuote{}, errs.New("pipeline/decide", errs.CodeInvalidState,
			errs.WithMessage("oracle processing disabled"))
	}
	return rt.oracle.Peek(symbol)
}

// Observe forwards a streamed quote to the oracle cache when enabled.
func (p *Plugin) Observe(q bundle.PriceQuote) {
	rt, err := p.enter("pipeline/observe")
	if err != nil {
		return
	}
	defer p.inflight.Done()
	if rt.oracle != nil {
		rt.oracle.Observe(q)
	}
}

// Prefetch warms the price cache for symbols and returns how many resolved to
// a usable quote.
func (p *Plugin) Prefetch(ctx context.Context, symbols []string) (int, error) {
	rt, err := p.enter("pipeline/prefetch")
	if err != nil {
		return 0, err
	}
	defer p.inflight.Done()
	if rt.oracle == nil {
		return 0, nil
	}
	usable := 0
	for _, res := range rt.oracle.Lookup(ctx, symbols) {
		if res.Usable() {
			usable++
		}
	}
	return usable, nil
}

// Capabilities reports the enabled feature set.
func (p *Plugin) Capabilities() uint32 {
	caps := CapBundleProcessing | CapPriorityOrdering | CapFeeCollection
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.rt == nil {
		return caps
	}
	if p.rt.oracle != nil {
		caps |= CapTransactionInjection | CapOracleProcessing
	}
	if p.rt.engine != nil {
		caps |= CapInstitutional
	}
	return caps
}

// Config returns the active configuration.
func (p *Plugin) Config() (config.PluginConfig, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.rt == nil {
		return config.PluginConfig{}, false
	}
	return p.rt.cfg, true
}

func stageNames(stages []Stage) string {
	out := ""
	for i, s := range stages {
		if i > 0 {
			out += ","
		}
		out += s.Name()
	}
	return out
}
