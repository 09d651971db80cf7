package main

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/relay/internal/pipeline"
)

func newTestPlugin(t *testing.T) *pipeline.Plugin {
	t.Helper()
	p := pipeline.New()
	require.NoError(t, p.Init([]byte("min_fee: 5000")))
	t.Cleanup(func() {
		if p.State() == pipeline.StateInitialized {
			_ = p.Shutdown()
		}
	})
	return p
}

func decodeOutcomes(t *testing.T, raw []byte) []bundleOutcome {
	t.Helper()
	var out []bundleOutcome
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	for scanner.Scan() {
		var o bundleOutcome
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &o))
		out = append(out, o)
	}
	return out
}

func TestRunBundlesWritesOutcomes(t *testing.T) {
	p := newTestPlugin(t)
	input := strings.Join([]string{
		`{"declared_fee":5000,"transactions":[{"signatures":["AQ=="],"payload":"AQ==","priority_fee":10},{"signatures":["AQ=="],"payload":"AQ==","priority_fee":50}]}`,
		``,
		`{"declared_fee":10,"transactions":[{"signatures":["AQ=="],"payload":"AQ==","priority_fee":1}]}`,
		`not json`,
	}, "\n")

	var out bytes.Buffer
	summary, err := runBundles(context.Background(), p, strings.NewReader(input), &out)
	require.NoError(t, err)
	require.Equal(t, runSummary{accepted: 1, rejected: 2}, summary)

	outcomes := decodeOutcomes(t, out.Bytes())
	require.Len(t, outcomes, 3)

	require.Equal(t, 1, outcomes[0].Line)
	require.Equal(t, 0, outcomes[0].Status)
	require.Equal(t, []uint64{50, 10}, outcomes[0].Order)
	require.Equal(t, uint64(5000), outcomes[0].RequiredFee)
	require.NotNil(t, outcomes[0].Value)
	require.Equal(t, uint64(60), outcomes[0].Value.PriorityFees)
	require.Equal(t, uint64(6), outcomes[0].Value.MEVEstimate)
	require.Equal(t, uint64(5000), outcomes[0].Value.PluginFee)

	require.Equal(t, 3, outcomes[1].Line)
	require.Equal(t, -4, outcomes[1].Status)
	require.NotEmpty(t, outcomes[1].Error)
	require.Nil(t, outcomes[1].Value)

	require.Equal(t, 4, outcomes[2].Line)
	require.Equal(t, -2, outcomes[2].Status)
}

func TestRunBundlesStopsOnCancel(t *testing.T) {
	p := newTestPlugin(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := runBundles(ctx, p, strings.NewReader("{}\n{}\n"), io.Discard)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, runSummary{}, summary)
}

func TestStartPluginRestoresState(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	statePath := filepath.Join(t.TempDir(), "relay.state")

	first := pipeline.New()
	require.NoError(t, startPlugin(first, []byte("min_fee: 7000"), statePath, logger), "missing state falls back to Init")
	snap, err := first.Snapshot()
	require.NoError(t, err)
	require.NoError(t, first.Shutdown())
	require.NoError(t, os.WriteFile(statePath, snap, 0o600))

	second := pipeline.New()
	require.NoError(t, startPlugin(second, []byte("min_fee: 1"), statePath, logger))
	t.Cleanup(func() { _ = second.Shutdown() })
	cfg, ok := second.Config()
	require.True(t, ok)
	require.Equal(t, int64(7000), cfg.MinFee)

	require.NoError(t, os.WriteFile(statePath, []byte("garbage"), 0o600))
	require.Error(t, startPlugin(pipeline.New(), nil, statePath, logger))
}

func TestResolveConfigPathDefaults(t *testing.T) {
	require.Equal(t, "config/relay.yaml", resolveConfigPath(""))
	require.Equal(t, "custom.yaml", resolveConfigPath("custom.yaml"))
}
