// Package cng implements an RFC 3389 comfort noise decoder.
//
// A Decoder consumes SID (silence insertion descriptor) payloads and emits
// fixed-size frames of 16-bit mono PCM at 8 kHz. Each frame is white noise
// shaped by a 12th order LPC synthesis filter derived from the reflection
// coefficients carried in the most recent SID, at the level the SID
// announces. Between SIDs the decoder keeps producing frames and smoothly
// converges toward the last received description.
//
// A Decoder is NOT safe for concurrent use.
package cng

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Output format and codec constants.
const (
	SampleRate    = 8000
	Channels      = 1
	BitsPerSample = 16
	FrameSize     = 640 // samples per decoded frame (80 ms)
	Order         = 12  // LPC order

	// EnergyCalibration maps a 0 dBov noise level onto the decoder's energy
	// scale. It must match 1081109975 exactly for output compatibility.
	EnergyCalibration = 1081109975

	// PayloadType is the static RTP payload type assigned to CN.
	PayloadType = 13

	// MaxPayloadSize is the longest SID payload that carries information:
	// one level byte and one byte per reflection coefficient.
	MaxPayloadSize = 1 + Order
)

// State is the lifecycle state of a Decoder.
type State int

const (
	StateUninitialized State = iota
	StateReady
	StateSynthesizing
	StateFlushed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateSynthesizing:
		return "synthesizing"
	case StateFlushed:
		return "flushed"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// BufferAllocator supplies the decoder's working buffers. Alloc must return
// a zeroed slice of length n or an error.
type BufferAllocator interface {
	Alloc(n int) ([]float32, error)
	Free(buf []float32)
}

// FrameAllocator supplies output frames. Ownership of the returned slice
// passes to the caller of Decode.
type FrameAllocator interface {
	AcquireFrame(n int) ([]int16, error)
}

type heapAllocator struct{}

func (heapAllocator) Alloc(n int) ([]float32, error)      { return make([]float32, n), nil }
func (heapAllocator) Free([]float32)                      {}
func (heapAllocator) AcquireFrame(n int) ([]int16, error) { return make([]int16, n), nil }

// Config controls decoder construction. The zero value is a valid default.
type Config struct {
	// Seed initializes the noise generator. Decoders with the same seed fed
	// the same payloads produce identical frames.
	Seed uint32

	// StrictSID rejects payloads longer than MaxPayloadSize and noise levels
	// with the reserved bit set instead of ignoring the surplus.
	StrictSID bool

	// Buffers allocates working buffers; defaults to the Go heap.
	Buffers BufferAllocator

	// Frames allocates output frames; defaults to the Go heap.
	Frames FrameAllocator
}

// Decoder synthesizes comfort noise frames.
type Decoder struct {
	params spectralState

	lpc        []float32
	lpcScratch []float32
	filterOut  []float32 // Order history samples followed by FrameSize outputs
	excitation []float32

	rng    lfg
	state  State
	strict bool

	buffers BufferAllocator
	frames  FrameAllocator
	owned   [][]float32

	logger *logrus.Logger
}

// NewDecoder allocates a decoder. If any buffer allocation fails the buffers
// already obtained are released and the returned error wraps ErrOutOfMemory.
func NewDecoder(cfg Config, logger *logrus.Logger) (*Decoder, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	d := &Decoder{
		strict:  cfg.StrictSID,
		buffers: cfg.Buffers,
		frames:  cfg.Frames,
		logger:  logger,
	}
	if d.buffers == nil {
		d.buffers = heapAllocator{}
	}
	if d.frames == nil {
		d.frames = heapAllocator{}
	}

	sizes := []struct {
		dst  *[]float32
		size int
	}{
		{&d.params.refl, Order},
		{&d.params.targetRefl, Order},
		{&d.lpc, Order},
		{&d.lpcScratch, Order},
		{&d.filterOut, FrameSize + Order},
		{&d.excitation, FrameSize},
	}
	for _, s := range sizes {
		buf, err := d.buffers.Alloc(s.size)
		if err == nil && len(buf) < s.size {
			d.buffers.Free(buf)
			err = fmt.Errorf("short allocation: got %d of %d", len(buf), s.size)
		}
		if err != nil {
			d.release()
			return nil, fmt.Errorf("%w: %v", ErrOutOfMemory, err)
		}
		*s.dst = buf[:s.size]
		d.owned = append(d.owned, buf)
	}

	d.rng.seed(cfg.Seed)
	d.state = StateReady

	logger.WithFields(logrus.Fields{
		"order":      Order,
		"frame_size": FrameSize,
		"strict_sid": cfg.StrictSID,
	}).Debug("Comfort noise decoder initialized")
	return d, nil
}

// Decode runs one synthesis cycle. A non-empty payload is applied as the new
// target before interpolation; an empty or nil payload keeps converging
// toward the previous target. Exactly one frame of FrameSize samples is
// returned.
//
// An error from the FrameAllocator is returned unchanged. The cycle has
// already advanced the decoder at that point, so the frame is lost but the
// filter memory stays continuous.
func (d *Decoder) Decode(payload []byte) ([]int16, error) {
	if d.state == StateClosed {
		return nil, ErrClosed
	}

	if len(payload) > 0 {
		sid, err := parseSID(payload, d.strict)
		if err != nil {
			return nil, err
		}
		d.params.applySID(sid)
	}

	d.params.interpolate()
	reflectionToLPC(d.lpc, d.lpcScratch, d.params.refl)

	gain := excitationGain(residualEnergy(d.params.refl), d.params.energy)
	d.rng.fillExcitation(d.excitation, gain)
	lpSynthesis(d.filterOut, d.lpc, d.excitation)

	// Carry the tail into the history slots. This only overwrites
	// filterOut[:Order], so the outputs read below are intact.
	copy(d.filterOut[:Order], d.filterOut[FrameSize:FrameSize+Order])

	if d.state != StateSynthesizing {
		d.logger.WithField("from", d.state.String()).Debug("Comfort noise decoder synthesizing")
		d.state = StateSynthesizing
	}

	frame, err := d.frames.AcquireFrame(FrameSize)
	if err != nil {
		return nil, err
	}
	if len(frame) < FrameSize {
		return nil, fmt.Errorf("%w: frame of %d samples, need %d", ErrOutOfMemory, len(frame), FrameSize)
	}
	frame = frame[:FrameSize]
	for i := range frame {
		frame[i] = floatToS16(d.filterOut[Order+i])
	}
	return frame, nil
}

// Flush forgets the interpolation history and silences the filter memory.
// The next Decode assigns the target parameters directly. Buffers are kept.
func (d *Decoder) Flush() {
	if d.state == StateClosed {
		return
	}
	d.params.initialized = false
	clear(d.filterOut)
	if d.state == StateSynthesizing {
		d.state = StateFlushed
		d.logger.Debug("Comfort noise decoder flushed")
	}
}

// Close releases all buffers. Further Decode calls return ErrClosed.
func (d *Decoder) Close() error {
	if d.state == StateClosed {
		return nil
	}
	d.release()
	d.state = StateClosed
	d.logger.Debug("Comfort noise decoder closed")
	return nil
}

// State reports the lifecycle state.
func (d *Decoder) State() State {
	return d.state
}

// Params returns a copy of the current and target parameters.
func (d *Decoder) Params() Params {
	return d.params.snapshot()
}

func (d *Decoder) release() {
	for _, buf := range d.owned {
		d.buffers.Free(buf)
	}
	d.owned = nil
	d.params.refl = nil
	d.params.targetRefl = nil
	d.lpc = nil
	d.lpcScratch = nil
	d.filterOut = nil
	d.excitation = nil
}
