// Command relay runs the bundle-processing engine against JSON bundles read
// from a file or stdin.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/relay/errs"
	"github.com/coachpo/relay/internal/config"
	"github.com/coachpo/relay/internal/domain/bundle"
	"github.com/coachpo/relay/internal/fees"
	"github.com/coachpo/relay/internal/infra/persistence/migrations"
	"github.com/coachpo/relay/internal/infra/persistence/postgres"
	"github.com/coachpo/relay/internal/opportunity"
	"github.com/coachpo/relay/internal/oracle/hermes"
	"github.com/coachpo/relay/internal/oracle/pyth"
	"github.com/coachpo/relay/internal/pipeline"
	"github.com/coachpo/relay/internal/telemetry"
)

const (
	defaultConfigPath         = "config/relay.yaml"
	relayLoggerPrefix         = "relay "
	opportunityQueueDepth     = 256
	maxBundleLineBytes        = 4 << 20
	shutdownTimeout           = 30 * time.Second
	lifecycleShutdownTimeout  = 10 * time.Second
	pluginShutdownTimeout     = 10 * time.Second
	dispatcherShutdownTimeout = 5 * time.Second
	telemetryShutdownTimeout  = 5 * time.Second
)

type flags struct {
	configPath string
	inputPath  string
	statePath  string
}

func main() {
	opts := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newRelayLogger()

	hostCfg, err := config.LoadHost(ctx, resolveConfigPath(opts.configPath))
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	pluginRaw, err := hostCfg.PluginBytes()
	if err != nil {
		logger.Fatalf("render plugin config: %v", err)
	}
	pluginCfg, err := config.Parse(pluginRaw)
	if err != nil {
		logger.Fatalf("plugin config: %v", err)
	}
	logger.Printf("configuration initialised: oracle=%t institutional=%t max_bundle_size=%d",
		pluginCfg.Oracle.Enabled, pluginCfg.Institutional.Enabled, pluginCfg.MaxBundleSize)

	telemetryProvider, err := initTelemetry(ctx, logger, hostCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	var dbPool *pgxpool.Pool
	var dispatcher *opportunity.Dispatcher
	if hostCfg.Database.Enabled() {
		dbPool, dispatcher, err = initOpportunitySink(ctx, logger, hostCfg.Database)
		if err != nil {
			logger.Fatalf("initialise opportunity store: %v", err)
		}
	}

	pluginOpts := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithMeter(telemetryProvider.Meter("relay.pipeline")),
		pipeline.WithFlushHook(telemetryProvider.ForceFlush),
	}
	if dispatcher != nil {
		pluginOpts = append(pluginOpts, pipeline.WithOpportunityEmitter(dispatcher))
	}
	if hostCfg.OracleSource.RPCEndpoint != "" {
		source, err := pyth.NewRPCSource(hostCfg.OracleSource.RPCEndpoint, pluginCfg.Oracle.Accounts,
			pyth.WithHTTPClient(&http.Client{Timeout: hostCfg.OracleSource.RequestTimeout}),
			pyth.WithMaxTries(hostCfg.OracleSource.MaxRetries))
		if err != nil {
			logger.Fatalf("initialise price source: %v", err)
		}
		pluginOpts = append(pluginOpts, pipeline.WithPriceSource(source))
	}
	plugin := pipeline.New(pluginOpts...)

	if err := startPlugin(plugin, pluginRaw, opts.statePath, logger); err != nil {
		logger.Fatalf("initialise plugin: %v", err)
	}
	logger.Printf("plugin ready: version=%d capabilities=%#x", pipeline.Version, plugin.Capabilities())

	if hostCfg.OracleSource.Prefetch && pluginCfg.Oracle.Enabled {
		n, err := plugin.Prefetch(ctx, pluginCfg.Oracle.SortedSymbols())
		if err != nil {
			logger.Printf("prefetch failed: %v", err)
		} else {
			logger.Printf("prefetch completed: usable=%d symbols=%d", n, len(pluginCfg.Oracle.Accounts))
		}
	}

	var lifecycle conc.WaitGroup
	if hostCfg.OracleSource.HermesURL != "" {
		stream, err := hermes.NewStream(hostCfg.OracleSource.HermesURL, hostCfg.OracleSource.HermesFeeds, plugin,
			hermes.WithLogger(logger),
			hermes.WithMeter(telemetryProvider.Meter("relay.oracle.hermes")))
		if err != nil {
			logger.Fatalf("initialise price stream: %v", err)
		}
		lifecycle.Go(func() {
			if err := stream.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Printf("price stream: %v", err)
			}
		})
	}

	input, closeInput, err := openInput(opts.inputPath)
	if err != nil {
		logger.Fatalf("open input: %v", err)
	}
	defer closeInput()

	done := make(chan struct{})
	lifecycle.Go(func() {
		defer close(done)
		summary, err := runBundles(ctx, plugin, input, os.Stdout)
		if err != nil {
			logger.Printf("bundle input: %v", err)
		}
		logger.Printf("bundles processed: accepted=%d rejected=%d", summary.accepted, summary.rejected)
	})

	logger.Print("relay started; processing bundles")
	select {
	case <-ctx.Done():
		logger.Print("shutdown signal received, initiating graceful shutdown")
	case <-done:
		logger.Print("input exhausted, shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		plugin:     plugin,
		statePath:  opts.statePath,
		dispatcher: dispatcher,
		dbPool:     dbPool,
		telemetry:  telemetryProvider,
	})
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() flags {
	var f flags
	flag.StringVar(&f.configPath, "config", "", fmt.Sprintf("Path to host configuration file (default: %s)", defaultConfigPath))
	flag.StringVar(&f.inputPath, "input", "-", "File of JSON bundles, one per line; - reads stdin")
	flag.StringVar(&f.statePath, "state", "", "Snapshot file restored at start and written at shutdown")
	flag.Parse()
	return f
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newRelayLogger() *log.Logger {
	return log.New(os.Stderr, relayLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

func initTelemetry(ctx context.Context, logger *log.Logger, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.EnableMetrics
	telemetryCfg.Enabled = cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

func initOpportunitySink(ctx context.Context, logger *log.Logger, cfg config.DatabaseConfig) (*pgxpool.Pool, *opportunity.Dispatcher, error) {
	if cfg.RunMigrations {
		var err error
		if cfg.MigrationsPath != "" {
			err = migrations.Apply(ctx, cfg.DSN, cfg.MigrationsPath, logger)
		} else {
			err = migrations.ApplyEmbedded(ctx, cfg.DSN, logger)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("apply migrations: %w", err)
		}
	}
	pool, err := postgres.Connect(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	store := postgres.New(pool)
	dispatcher := opportunity.NewDispatcher(opportunityQueueDepth,
		[]opportunity.Sink{store.Opportunities()},
		opportunity.WithLogger(logger))
	logger.Printf("opportunity store connected: max_conns=%d", cfg.MaxConns)
	return pool, dispatcher, nil
}

// startPlugin restores the snapshot at statePath when one exists and
// otherwise initialises from configuration.
func startPlugin(plugin *pipeline.Plugin, pluginRaw []byte, statePath string, logger *log.Logger) error {
	if statePath != "" {
		data, err := os.ReadFile(filepath.Clean(statePath))
		switch {
		case err == nil:
			if err := plugin.SetState(data); err != nil {
				return fmt.Errorf("restore state %s: %w", statePath, err)
			}
			logger.Printf("state restored from %s", statePath)
			return nil
		case !errors.Is(err, os.ErrNotExist):
			return fmt.Errorf("read state: %w", err)
		}
	}
	return plugin.Init(pluginRaw)
}

func openInput(path string) (io.Reader, func(), error) {
	if path == "" || path == "-" {
		return os.Stdin, func() {}, nil
	}
	file, err := os.Open(filepath.Clean(path)) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, err
	}
	return file, func() { _ = file.Close() }, nil
}

// bundleOutcome is written for every input line.
type bundleOutcome struct {
	Line          int         `json:"line"`
	Status        int         `json:"status"`
	RequiredFee   uint64      `json:"required_fee"`
	Value         *fees.Value `json:"value,omitempty"`
	Order         []uint64    `json:"order,omitempty"`
	Injected      int         `json:"injected"`
	Skipped       int         `json:"skipped"`
	Rejected      int         `json:"rejected"`
	Opportunities int         `json:"opportunities"`
	Error         string      `json:"error,omitempty"`
}

type runSummary struct {
	accepted, rejected int
}

// runBundles processes one JSON bundle per line until EOF or cancellation.
func runBundles(ctx context.Context, plugin *pipeline.Plugin, in io.Reader, out io.Writer) (runSummary, error) {
	var summary runSummary
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxBundleLineBytes)
	enc := json.NewEncoder(out)

	line := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		outcome := bundleOutcome{Line: line}
		var b bundle.Bundle
		if err := json.Unmarshal(raw, &b); err != nil {
			outcome.Status = errs.StatusInvalidBundle.Int()
			outcome.Error = fmt.Sprintf("decode bundle: %v", err)
		} else {
			res, err := plugin.ProcessBundle(ctx, &b)
			outcome.Status = res.Status.Int()
			outcome.RequiredFee = res.RequiredFee
			outcome.Injected = len(res.Injected)
			outcome.Skipped = len(res.Skipped)
			outcome.Rejected = len(res.Rejected)
			outcome.Opportunities = len(res.Opportunities)
			if err != nil {
				outcome.Error = err.Error()
			} else {
				value := res.Value
				outcome.Value = &value
				for _, tx := range b.Transactions {
					outcome.Order = append(outcome.Order, tx.PriorityFee)
				}
			}
		}
		if outcome.Error == "" {
			summary.accepted++
		} else {
			summary.rejected++
		}
		if err := enc.Encode(outcome); err != nil {
			return summary, fmt.Errorf("write outcome: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return summary, fmt.Errorf("read bundles: %w", err)
	}
	return summary, nil
}

type gracefulShutdownConfig struct {
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	plugin     *pipeline.Plugin
	statePath  string
	dispatcher *opportunity.Dispatcher
	dbPool     *pgxpool.Pool
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.plugin != nil && cfg.statePath != "" {
		shutdownStep("writing state snapshot", pluginShutdownTimeout, func(context.Context) error {
			data, err := cfg.plugin.Snapshot()
			if err != nil {
				return err
			}
			return os.WriteFile(filepath.Clean(cfg.statePath), data, 0o600)
		})
	}

	if cfg.plugin != nil {
		shutdownStep("shutting down plugin", pluginShutdownTimeout, func(context.Context) error {
			return cfg.plugin.Shutdown()
		})
	}

	if cfg.dispatcher != nil {
		shutdownStep("draining opportunity dispatcher", dispatcherShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.dispatcher.Close(stepCtx)
		})
	}

	if cfg.dbPool != nil {
		logger.Print("shutdown: closing database pool")
		cfg.dbPool.Close()
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}
