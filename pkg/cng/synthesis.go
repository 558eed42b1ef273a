package cng

// lpSynthesis runs the all-pole filter 1/A(z) over in:
//
//	out[p+n] = in[n] - Σ_{i=1..p} lpc[i-1] * out[p+n-i]
//
// where p = len(lpc). out must hold p+len(in) values and out[:p] must carry
// the last p outputs of the previous block.
func lpSynthesis(out, lpc, in []float32) {
	order := len(lpc)
	for n, x := range in {
		acc := x
		hist := out[n : order+n]
		for i := 1; i <= order; i++ {
			acc -= float32(lpc[i-1] * hist[order-i])
		}
		out[order+n] = acc
	}
}

// floatToS16 truncates toward zero and saturates to the int16 range.
func floatToS16(v float32) int16 {
	switch {
	case v != v:
		return 0
	case v >= 32767:
		return 32767
	case v <= -32768:
		return -32768
	}
	return int16(v)
}
