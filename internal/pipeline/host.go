package pipeline

import (
	"context"
	"fmt"

	"github.com/coachpo/relay/errs"
	"github.com/coachpo/relay/internal/domain/bundle"
)

// Host exposes a Plugin through the fixed integer-status entry points used
// by block-assembly hosts. Every entry point converts panics into
// errs.StatusProcessingFailed.
type Host struct {
	plugin *Plugin
}

// NewHost wraps plugin.
func NewHost(plugin *Plugin) *Host {
	return &Host{plugin: plugin}
}

// Plugin returns the wrapped plugin.
func (h *Host) Plugin() *Plugin { return h.plugin }

// Init returns 0 or a negative status.
func (h *Host) Init(config []byte) (status int) {
	defer h.guard("init", &status)
	return h.status(h.plugin.Init(config))
}

// Shutdown returns 0 or a negative status.
func (h *Host) Shutdown() (status int) {
	defer h.guard("shutdown", &status)
	return h.status(h.plugin.Shutdown())
}

// ProcessBundle mutates b in place and returns 0 or a negative status.
func (h *Host) ProcessBundle(b *bundle.Bundle) (status int) {
	defer h.guard("process_bundle", &status)
	_, err := h.plugin.ProcessBundle(context.Background(), b)
	return h.status(err)
}

// GetFeeEstimate returns the required fee, or 0 when it cannot be computed.
func (h *Host) GetFeeEstimate(b *bundle.Bundle) (fee uint64) {
	defer func() {
		if r := recover(); r != nil {
			h.plugin.logger.Printf("relay host panic: entry=get_fee_estimate err=%v", r)
			fee = 0
		}
	}()
	return h.plugin.FeeEstimate(b)
}

// GetState writes the snapshot into buf and returns the byte count or a
// negative status.
func (h *Host) GetState(buf []byte) (status int) {
	defer h.guard("get_state", &status)
	n, err := h.plugin.GetState(buf)
	if err != nil {
		return h.status(err)
	}
	return n
}

// SetState returns 0 or a negative status.
func (h *Host) SetState(data []byte) (status int) {
	defer h.guard("set_state", &status)
	return h.status(h.plugin.SetState(data))
}

// Capabilities returns the enabled feature bits.
func (h *Host) Capabilities() uint32 { return h.plugin.Capabilities() }

// Version returns the plugin interface version.
func (h *Host) Version() uint32 { return Version }

func (h *Host) status(err error) int {
	return errs.StatusOf(err).Int()
}

func (h *Host) guard(entry string, status *int) {
	if r := recover(); r != nil {
		h.plugin.logger.Printf("relay host panic: entry=%s err=%v", entry, fmt.Sprint(r))
		*status = errs.StatusProcessingFailed.Int()
	}
}
