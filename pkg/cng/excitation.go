package cng

import "math"

// excitationGain returns the amplitude applied to the uniform noise source
// so that, after the synthesis filter, the frame carries the requested
// energy. e is the residual energy ratio of the current predictor.
func excitationGain(e float32, energy float64) float32 {
	return float32(math.Sqrt(float64(e * float32(energy) / EnergyCalibration)))
}

// fillExcitation writes len(dst) samples of white noise in [-32768, 32767]
// scaled by gain.
func (g *lfg) fillExcitation(dst []float32, gain float32) {
	for i := range dst {
		r := int32(g.next()&0xffff) - 0x8000
		dst[i] = gain * float32(r)
	}
}
