package cng

import (
	"errors"
	"io"
	"math"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestDecoder(t *testing.T, cfg Config) *Decoder {
	t.Helper()
	d, err := NewDecoder(cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func midScalePayload(level byte) []byte {
	p := []byte{level}
	for i := 0; i < Order; i++ {
		p = append(p, 64)
	}
	return p
}

func TestDecodeLevel20Scenario(t *testing.T) {
	d := newTestDecoder(t, Config{})
	assert.Equal(t, StateReady, d.State())

	frame, err := d.Decode(midScalePayload(20))
	require.NoError(t, err)
	require.Len(t, frame, FrameSize)
	assert.Equal(t, StateSynthesizing, d.State())

	nonZero := 0
	for _, s := range frame {
		if s != 0 {
			nonZero++
		}
	}
	assert.Greater(t, nonZero, FrameSize/2, "expected audible noise")

	p := d.Params()
	assert.True(t, p.Initialized)
	assert.Equal(t, p.TargetEnergy, p.Energy, "first frame assigns the target directly")
	assert.Equal(t, math.Trunc(EnergyCalibration*0.01*0.75), p.TargetEnergy)
	for i := 0; i < Order; i++ {
		assert.Equal(t, float32(-63.0/128.0), p.Reflection[i])
	}

	// Unchanged target: the interpolation holds steady.
	_, err = d.Decode(nil)
	require.NoError(t, err)
	p2 := d.Params()
	assert.Equal(t, p.TargetEnergy, p2.Energy)
	assert.Equal(t, p.Reflection, p2.Reflection)
}

func TestDecodeMovesHalfwayTowardNewTarget(t *testing.T) {
	d := newTestDecoder(t, Config{})

	_, err := d.Decode(midScalePayload(20))
	require.NoError(t, err)
	first := d.Params()

	payload := midScalePayload(30)
	payload[1] = 191 // 0.5
	_, err = d.Decode(payload)
	require.NoError(t, err)
	p := d.Params()

	assert.Equal(t, 0.5*first.Energy+0.5*p.TargetEnergy, p.Energy)
	assert.Equal(t, float32(0.5), p.TargetReflection[0])
	want := float32(0.6*float64(first.Reflection[0]) + 0.4*0.5)
	assert.InDelta(t, want, p.Reflection[0], 1e-7)
	assert.Equal(t, first.Reflection[1], p.Reflection[1], "unchanged coefficient stays put")

	// Without further SIDs the energy keeps converging.
	_, err = d.Decode(nil)
	require.NoError(t, err)
	p3 := d.Params()
	assert.Less(t, math.Abs(p3.Energy-p3.TargetEnergy), math.Abs(p.Energy-p.TargetEnergy))
}

func TestDecodeLevel0WhiteNoise(t *testing.T) {
	d := newTestDecoder(t, Config{})

	payload := []byte{0}
	for i := 0; i < Order; i++ {
		payload = append(payload, 127)
	}
	frame, err := d.Decode(payload)
	require.NoError(t, err)

	p := d.Params()
	assert.Equal(t, math.Trunc(0.75*EnergyCalibration), p.TargetEnergy)
	for i := 0; i < Order; i++ {
		assert.Zero(t, p.Reflection[i])
	}

	// With all-zero reflection coefficients the filter is transparent, so
	// the frame is the scaled generator output.
	gain := excitationGain(1, p.Energy)
	assert.InDelta(t, math.Sqrt(0.75), gain, 1e-4)

	var ref lfg
	ref.seed(0)
	for i, s := range frame {
		r := int32(ref.next()&0xffff) - 0x8000
		require.Equal(t, floatToS16(gain*float32(r)), s, "sample %d", i)
	}
}

func TestDecodeEmptyFirstPayloadIsSilent(t *testing.T) {
	d := newTestDecoder(t, Config{})

	for n := 0; n < 3; n++ {
		frame, err := d.Decode(nil)
		require.NoError(t, err)
		require.Len(t, frame, FrameSize)
		for _, s := range frame {
			require.Zero(t, s)
		}
	}

	p := d.Params()
	assert.True(t, p.Initialized)
	assert.Zero(t, p.Energy)
	assert.Zero(t, p.TargetEnergy)
	assert.Equal(t, [Order]float32{}, p.Reflection)
}

func TestDecodeSpectrallyEmptySIDZeroesCoefficients(t *testing.T) {
	d := newTestDecoder(t, Config{})

	_, err := d.Decode(midScalePayload(20))
	require.NoError(t, err)

	_, err = d.Decode([]byte{40})
	require.NoError(t, err)
	p := d.Params()
	assert.Equal(t, [Order]float32{}, p.TargetReflection)
	assert.Equal(t, math.Trunc(EnergyCalibration*1e-4*0.75), p.TargetEnergy)
}

func TestDecodeDeterministic(t *testing.T) {
	payloads := [][]byte{
		midScalePayload(20),
		nil,
		nil,
		{35, 200, 100, 90, 160},
		nil,
		midScalePayload(50),
		nil,
	}

	a := newTestDecoder(t, Config{})
	b := newTestDecoder(t, Config{})
	for i, p := range payloads {
		fa, err := a.Decode(p)
		require.NoError(t, err)
		fb, err := b.Decode(p)
		require.NoError(t, err)
		require.Equal(t, fa, fb, "frame %d", i)
	}

	c := newTestDecoder(t, Config{Seed: 7})
	fa, err := a.Decode(midScalePayload(20))
	require.NoError(t, err)
	fc, err := c.Decode(midScalePayload(20))
	require.NoError(t, err)
	assert.NotEqual(t, fa, fc, "different seeds must give different noise")
}

func TestFilterMemoryContinuity(t *testing.T) {
	d := newTestDecoder(t, Config{})

	_, err := d.Decode(midScalePayload(10))
	require.NoError(t, err)

	tail := make([]float32, Order)
	copy(tail, d.filterOut[FrameSize:FrameSize+Order])
	assert.Equal(t, tail, d.filterOut[:Order], "history must equal the last outputs")

	// Replay the next frame by hand from the saved history.
	rng := d.rng
	params := spectralState{
		refl:         append([]float32(nil), d.params.refl...),
		targetRefl:   append([]float32(nil), d.params.targetRefl...),
		energy:       d.params.energy,
		targetEnergy: d.params.targetEnergy,
		initialized:  d.params.initialized,
	}
	params.interpolate()
	lpc := make([]float32, Order)
	reflectionToLPC(lpc, make([]float32, Order), params.refl)
	exc := make([]float32, FrameSize)
	rng.fillExcitation(exc, excitationGain(residualEnergy(params.refl), params.energy))
	work := make([]float32, FrameSize+Order)
	copy(work, tail)
	lpSynthesis(work, lpc, exc)

	frame, err := d.Decode(nil)
	require.NoError(t, err)
	for i := range frame {
		require.Equal(t, floatToS16(work[Order+i]), frame[i], "sample %d", i)
	}
}

func TestFlush(t *testing.T) {
	d := newTestDecoder(t, Config{})

	_, err := d.Decode(midScalePayload(20))
	require.NoError(t, err)
	require.NotEqual(t, make([]float32, Order), d.filterOut[:Order])

	d.Flush()
	assert.Equal(t, StateFlushed, d.State())
	assert.False(t, d.Params().Initialized)
	assert.Equal(t, make([]float32, FrameSize+Order), d.filterOut)

	t.Run("idempotent", func(t *testing.T) {
		before := d.Params()
		d.Flush()
		assert.Equal(t, StateFlushed, d.State())
		assert.Equal(t, before, d.Params())
		assert.Equal(t, make([]float32, FrameSize+Order), d.filterOut)
	})

	t.Run("next decode assigns directly", func(t *testing.T) {
		_, err := d.Decode(midScalePayload(40))
		require.NoError(t, err)
		p := d.Params()
		assert.Equal(t, StateSynthesizing, d.State())
		assert.True(t, p.Initialized)
		assert.Equal(t, p.TargetEnergy, p.Energy)
	})

	t.Run("flush before first decode keeps ready", func(t *testing.T) {
		fresh := newTestDecoder(t, Config{})
		fresh.Flush()
		assert.Equal(t, StateReady, fresh.State())
	})
}

func TestClose(t *testing.T) {
	d, err := NewDecoder(Config{}, testLogger())
	require.NoError(t, err)

	require.NoError(t, d.Close())
	assert.Equal(t, StateClosed, d.State())
	require.NoError(t, d.Close())

	_, err = d.Decode(midScalePayload(20))
	assert.ErrorIs(t, err, ErrClosed)
	d.Flush()
	assert.Equal(t, StateClosed, d.State())
}

func TestStrictSID(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		strict  bool
		wantErr bool
	}{
		{"lenient ignores surplus", append(midScalePayload(20), 1, 2, 3), false, false},
		{"lenient accepts reserved bit", []byte{200, 127}, false, false},
		{"strict rejects surplus", append(midScalePayload(20), 1), true, true},
		{"strict rejects reserved bit", []byte{200, 127}, true, true},
		{"strict accepts full payload", midScalePayload(20), true, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := newTestDecoder(t, Config{StrictSID: tc.strict})
			_, err := d.Decode(midScalePayload(60))
			require.NoError(t, err)
			before := d.Params()

			_, err = d.Decode(tc.payload)
			if !tc.wantErr {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalidInput)
			assert.Equal(t, before, d.Params(), "rejected update must not touch state")
		})
	}
}

type countingAllocator struct {
	failAt int
	allocs int
	frees  int
}

func (a *countingAllocator) Alloc(n int) ([]float32, error) {
	if a.allocs == a.failAt {
		return nil, errors.New("no memory")
	}
	a.allocs++
	return make([]float32, n), nil
}

func (a *countingAllocator) Free([]float32) { a.frees++ }

func TestNewDecoderReleasesOnAllocationFailure(t *testing.T) {
	for failAt := 0; failAt < 6; failAt++ {
		alloc := &countingAllocator{failAt: failAt}
		d, err := NewDecoder(Config{Buffers: alloc}, testLogger())
		require.ErrorIs(t, err, ErrOutOfMemory)
		assert.Nil(t, d)
		assert.Equal(t, alloc.allocs, alloc.frees, "failAt=%d", failAt)
	}

	alloc := &countingAllocator{failAt: -1}
	d, err := NewDecoder(Config{Buffers: alloc}, testLogger())
	require.NoError(t, err)
	assert.Equal(t, 6, alloc.allocs)
	require.NoError(t, d.Close())
	assert.Equal(t, 6, alloc.frees)
}

var errHostAlloc = errors.New("host allocator exhausted")

type failingFrames struct{}

func (failingFrames) AcquireFrame(int) ([]int16, error) { return nil, errHostAlloc }

func TestFrameAllocationErrorPropagated(t *testing.T) {
	d := newTestDecoder(t, Config{Frames: failingFrames{}})

	_, err := d.Decode(midScalePayload(20))
	assert.Equal(t, errHostAlloc, err)
	assert.Equal(t, d.filterOut[FrameSize:FrameSize+Order], d.filterOut[:Order])
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "synthesizing", StateSynthesizing.String())
	assert.Equal(t, "State(42)", State(42).String())
}

// A reflection coefficient of exactly 1 zeroes the residual energy, so the
// excitation gain is 0 and the frame is silent while the coefficient holds.
func TestDecodeUnitReflectionIsSilent(t *testing.T) {
	d := newTestDecoder(t, Config{})

	for _, payload := range [][]byte{{20, 255}, nil} {
		frame, err := d.Decode(payload)
		require.NoError(t, err)
		require.Len(t, frame, FrameSize)
		for i, v := range frame {
			require.Zero(t, v, "sample %d", i)
		}
		p := d.Params()
		assert.Equal(t, float32(1), p.Reflection[0])
		assert.Zero(t, residualEnergy(p.Reflection[:]))
	}
}
