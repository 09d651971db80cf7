package pipeline

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	json "github.com/goccy/go-json"

	"github.com/coachpo/relay/errs"
	"github.com/coachpo/relay/internal/config"
	"github.com/coachpo/relay/internal/oracle"
	"github.com/coachpo/relay/internal/risk"
)

// Snapshot layout, big endian:
//
//	magic   [4]byte "RLYS"
//	version uint16
//	flags   uint16
//	length  uint32  payload bytes
//	crc32   uint32  IEEE checksum of the payload
//	payload JSON document
const (
	snapshotMagic      = "RLYS"
	snapshotVersion    = uint16(1)
	snapshotHeaderSize = 16

	flagOracleCache uint16 = 1 << 0
	flagExposure    uint16 = 1 << 1
	knownFlags             = flagOracleCache | flagExposure
)

type snapshot struct {
	Config    config.PluginConfig `json:"config"`
	Cache     []oracle.Entry      `json:"cache,omitempty"`
	Exposures []risk.Exposure     `json:"exposures,omitempty"`
	Counters  Metrics             `json:"counters"`
}

func encodeSnapshot(s snapshot) ([]byte, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	var flags uint16
	if len(s.Cache) > 0 {
		flags |= flagOracleCache
	}
	if len(s.Exposures) > 0 {
		flags |= flagExposure
	}
	buf := make([]byte, snapshotHeaderSize+len(payload))
	copy(buf[0:4], snapshotMagic)
	binary.BigEndian.PutUint16(buf[4:6], snapshotVersion)
	binary.BigEndian.PutUint16(buf[6:8], flags)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(payload)))
	binary.BigEndian.PutUint32(buf[12:16], crc32.ChecksumIEEE(payload))
	copy(buf[snapshotHeaderSize:], payload)
	return buf, nil
}

func decodeSnapshot(buf []byte) (snapshot, error) {
	if len(buf) < snapshotHeaderSize {
		return snapshot{}, snapshotError("snapshot truncated", nil)
	}
	if string(buf[0:4]) != snapshotMagic {
		return snapshot{}, snapshotError("snapshot magic mismatch", nil)
	}
	if v := binary.BigEndian.Uint16(buf[4:6]); v != snapshotVersion {
		return snapshot{}, snapshotError(fmt.Sprintf("unsupported snapshot version %d", v), nil)
	}
	flags := binary.BigEndian.Uint16(buf[6:8])
	if flags&^knownFlags != 0 {
		return snapshot{}, snapshotError(fmt.Sprintf("unknown snapshot flags %#x", flags), nil)
	}
	length := binary.BigEndian.Uint32(buf[8:12])
	payload := buf[snapshotHeaderSize:]
	if uint64(length) != uint64(len(payload)) {
		return snapshot{}, snapshotError(fmt.Sprintf("snapshot length %d, have %d bytes", length, len(payload)), nil)
	}
	if crc32.ChecksumIEEE(payload) != binary.BigEndian.Uint32(buf[12:16]) {
		return snapshot{}, snapshotError("snapshot checksum mismatch", nil)
	}
	var s snapshot
	if err := json.Unmarshal(payload, &s); err != nil {
		return snapshot{}, snapshotError("snapshot payload malformed", err)
	}
	if (flags&flagOracleCache != 0) != (len(s.Cache) > 0) || (flags&flagExposure != 0) != (len(s.Exposures) > 0) {
		return snapshot{}, snapshotError("snapshot flags disagree with payload", nil)
	}
	return s, nil
}

func snapshotError(msg string, cause error) error {
	opts := []errs.Option{errs.WithMessage(msg)}
	if cause != nil {
		opts = append(opts, errs.WithCause(cause))
	}
	return errs.New("pipeline/state", errs.CodeInvalidState, opts...)
}

// Snapshot serialises configuration, cache contents in recency order,
// counters and committed institutional exposure.
func (p *Plugin) Snapshot() ([]byte, error) {
	rt, err := p.enter("pipeline/state")
	if err != nil {
		return nil, err
	}
	defer p.inflight.Done()

	s := snapshot{Config: rt.cfg, Counters: p.counters.snapshot()}
	if rt.oracle != nil {
		s.Cache = rt.oracle.Cache().Entries()
	}
	if rt.engine != nil {
		s.Exposures = rt.engine.Risk().Snapshot()
	}
	return encodeSnapshot(s)
}

// GetState writes the snapshot into buf and returns the bytes written. A
// buffer that is too small fails with errs.CodeAllocationFailed.
func (p *Plugin) GetState(buf []byte) (int, error) {
	if buf == nil {
		return 0, errs.New("pipeline/state", errs.CodeNullInput, errs.WithMessage("state buffer required"))
	}
	data, err := p.Snapshot()
	if err != nil {
		return 0, err
	}
	if len(data) > len(buf) {
		return 0, errs.New("pipeline/state", errs.CodeAllocationFailed,
			errs.WithMessage(fmt.Sprintf("state needs %d bytes, buffer has %d", len(data), len(buf))),
			errs.WithField("required", fmt.Sprintf("%d", len(data))))
	}
	return copy(buf, data), nil
}

// SetState restores a snapshot. An uninitialised or terminated plugin is
// initialised from it; an initialised one swaps its runtime once in-flight
// calls finish.
func (p *Plugin) SetState(data []byte) error {
	if len(data) == 0 {
		return errs.New("pipeline/state", errs.CodeNullInput, errs.WithMessage("state required"))
	}
	s, err := decodeSnapshot(data)
	if err != nil {
		return err
	}
	if err := s.Config.Validate(); err != nil {
		return errs.New("pipeline/state", errs.CodeInvalidConfig,
			errs.WithMessage("snapshot configuration invalid"), errs.WithCause(err))
	}

	p.mu.Lock()
	if p.state == StateShuttingDown {
		p.mu.Unlock()
		return errs.New("pipeline/state", errs.CodeInvalidState, errs.WithMessage("plugin is shutting down"))
	}
	rt, err := p.build(s.Config)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	if rt.oracle != nil {
		rt.oracle.Restore(s.Cache)
	}
	if rt.engine != nil {
		rt.engine.Risk().Restore(s.Exposures)
	}
	// No call can enter while the write lock is held.
	p.inflight.Wait()
	previous := p.rt
	p.rt = rt
	p.state = StateInitialized
	s.Counters.Oracle = nil
	p.counters.restore(s.Counters)
	p.mu.Unlock()

	if previous != nil {
		ctx, cancel := context.WithTimeout(context.Background(), p.shutdownTimeout)
		defer cancel()
		if err := previous.release(ctx); err != nil {
			p.logger.Printf("relay plugin state swap: release previous runtime: %v", err)
		}
	}
	p.logger.Printf("relay plugin state restored: cache=%d exposures=%d", len(s.Cache), len(s.Exposures))
	return nil
}
