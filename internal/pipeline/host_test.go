package pipeline

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/relay/internal/domain/bundle"
	"github.com/coachpo/relay/internal/validation"
)

func TestHostStatuses(t *testing.T) {
	h := NewHost(New())
	require.Equal(t, uint32(3), h.Version())
	require.Equal(t, -5, h.Shutdown())
	require.Equal(t, -5, h.ProcessBundle(&bundle.Bundle{}))
	require.Equal(t, uint64(0), h.GetFeeEstimate(&bundle.Bundle{}))

	require.Equal(t, -7, h.Init([]byte("min_fee: -1")))
	require.Equal(t, 0, h.Init([]byte("min_fee: 15000")))
	require.Equal(t, -5, h.Init(nil))

	require.Equal(t, -1, h.ProcessBundle(nil))
	require.Equal(t, -8, h.ProcessBundle(&bundle.Bundle{}))
	low := &bundle.Bundle{Transactions: []bundle.Transaction{transaction(1)}, DeclaredFee: 5000}
	require.Equal(t, -4, h.ProcessBundle(low))
	require.Equal(t, uint64(15000), h.GetFeeEstimate(low))
	low.DeclaredFee = 15000
	require.Equal(t, 0, h.ProcessBundle(low))

	require.Equal(t, -6, h.GetState(make([]byte, 4)))
	buf := make([]byte, 4096)
	n := h.GetState(buf)
	require.Positive(t, n)
	require.Equal(t, -5, h.SetState(buf[:n-1]))

	require.Equal(t, 0, h.Shutdown())
	require.Equal(t, 0, h.SetState(buf[:n]), "terminated plugins initialise from a snapshot")
	require.Equal(t, uint64(15000), h.GetFeeEstimate(&bundle.Bundle{Transactions: []bundle.Transaction{transaction(1)}}))
	require.Equal(t, uint32(0x0D), h.Capabilities())
	require.Equal(t, 0, h.Shutdown())
}

func TestHostConvertsPanics(t *testing.T) {
	verifier := validation.VerifierFunc(func(*bundle.Attestation) error { panic("verifier exploded") })
	h := NewHost(New(WithAttestationVerifier(verifier)))
	require.Equal(t, 0, h.Init([]byte("require_attestation: true")))
	t.Cleanup(func() { h.Shutdown() })

	b := &bundle.Bundle{
		Transactions: []bundle.Transaction{transaction(1)},
		Attestation:  &bundle.Attestation{Version: 1},
		DeclaredFee:  5000,
	}
	require.Equal(t, -3, h.ProcessBundle(b))
	require.Equal(t, 1, int(h.Plugin().Metrics().BundlesRejected))

	var status int
	func() {
		defer h.guard("test", &status)
		panic("boom")
	}()
	require.Equal(t, -3, status)
}
