package media

// G.729 Annex A voice decoding for recordings. Payload type 18 carries
// 10-byte frames of 80 samples at 8 kHz; a 2-byte payload is an Annex B
// SID frame and an empty payload marks a lost frame.

import (
	"fmt"
	"math"
)

const (
	g729FrameBytes   = 10
	g729FrameSamples = 80
	g729SIDBytes     = 2
	g729Subframe     = 40
	g729Order        = 10
	g729ExcLen       = 300 // max lag 147 plus interpolation margin and two subframes
	g729FIRTaps      = 30
	g729FIRCenter    = 14
)

// g729Frame holds the bitstream fields of one frame (G.729 Table 1).
type g729Frame struct {
	l0, l1, l2, l3 int
	sub            [2]g729SubframeParams
}

type g729SubframeParams struct {
	pitch, code, signs, gainA, gainB int
}

// g729Bits reads n bits MSB-first starting at bit offset off.
func g729Bits(frame []byte, off, n int) int {
	v := 0
	for p := off; p < off+n; p++ {
		v = v<<1 | int(frame[p>>3]>>(7-uint(p&7)))&1
	}
	return v
}

func parseG729Frame(frame []byte) g729Frame {
	// Bit 26 is the pitch parity; it is not used for concealment here.
	return g729Frame{
		l0: g729Bits(frame, 0, 1),
		l1: g729Bits(frame, 1, 7),
		l2: g729Bits(frame, 8, 5),
		l3: g729Bits(frame, 13, 5),
		sub: [2]g729SubframeParams{
			{g729Bits(frame, 18, 8), g729Bits(frame, 27, 13), g729Bits(frame, 40, 4), g729Bits(frame, 44, 3), g729Bits(frame, 47, 4)},
			{g729Bits(frame, 51, 5), g729Bits(frame, 56, 13), g729Bits(frame, 69, 4), g729Bits(frame, 73, 3), g729Bits(frame, 76, 4)},
		},
	}
}

// Mean LSP cosines.
var g729LSPMean = [g729Order]float32{
	0.9595, 0.8413, 0.6549, 0.4158, 0.1423,
	-0.1423, -0.4158, -0.6549, -0.8413, -0.9595,
}

// MA predictor weights per mode and history depth. Every LSP shares the
// weight of its row, and the gain predictor reuses the mode 0 column.
var g729MAWeights = [2][4]float32{
	{0.68, 0.58, 0.34, 0.19},
	{0.58, 0.34, 0.19, 0.10},
}

// Pulse positions of the four algebraic codebook tracks.
var g729Tracks = [4][]int{
	{0, 5, 10, 15, 20, 25, 30, 35},
	{1, 6, 11, 16, 21, 26, 31, 36},
	{2, 7, 12, 17, 22, 27, 32, 37},
	{3, 8, 13, 18, 23, 28, 33, 38, 4, 9, 14, 19, 24, 29, 34, 39},
}

// Gain codebooks: stage A is {pitch gain, fixed gain seed}, stage B is
// {pitch correction, fixed correction}.
var (
	g729GainA = [8][2]float32{
		{0.000, 0.001}, {0.200, 0.020}, {0.400, 0.060}, {0.550, 0.140},
		{0.700, 0.260}, {0.820, 0.400}, {0.910, 0.560}, {1.000, 0.740},
	}
	g729GainB = [16][2]float32{
		{0.190, 0.190}, {0.260, 0.280}, {0.340, 0.380}, {0.420, 0.490},
		{0.490, 0.590}, {0.560, 0.690}, {0.630, 0.790}, {0.700, 0.890},
		{0.760, 0.970}, {0.820, 1.060}, {0.880, 1.140}, {0.940, 1.220},
		{1.000, 1.280}, {1.060, 1.340}, {1.120, 1.380}, {1.180, 1.410},
	}
)

var (
	g729LSPStage1 [128][5]float32
	g729LSPStage2 [32][5]float32
	g729LSPUpper  [32][5]float32
	// Hamming-windowed sinc for 1/3 sample pitch phases; phases 1 and 2 are used.
	g729PitchFIR [3][g729FIRTaps]float32
)

// spreadCodebook fills a codebook whose column c is an evenly spaced ramp
// over index bits shifted by c, scaled to the given half ranges.
func spreadCodebook(cb [][5]float32, halfRange [5]float32) {
	for i := range cb {
		for c := 0; c < 5; c++ {
			span := (len(cb) >> c) - 1
			if span < 1 {
				span = 1
			}
			pos := float32((i>>c)&span) / float32(span)
			cb[i][c] = (2*pos - 1) * halfRange[c]
		}
	}
}

func init() {
	spreadCodebook(g729LSPStage1[:], [5]float32{0.20, 0.175, 0.15, 0.125, 0.10})
	spreadCodebook(g729LSPStage2[:], [5]float32{0.075, 0.06, 0.05, 0.04, 0.03})
	spreadCodebook(g729LSPUpper[:], [5]float32{0.20, 0.175, 0.15, 0.125, 0.10})

	for phase := range g729PitchFIR {
		frac := float64(phase) / 3
		for n := 0; n < g729FIRTaps; n++ {
			x := float64(n-g729FIRCenter) - frac
			h := 1.0
			if x != 0 {
				h = math.Sin(math.Pi*x) / (math.Pi * x)
			}
			w := 0.54 - 0.46*math.Cos(2*math.Pi*float64(n)/float64(g729FIRTaps-1))
			g729PitchFIR[phase][n] = float32(h * w)
		}
	}
}

// g729Decoder carries state across the frames of one payload.
type g729Decoder struct {
	synMem   [g729Order]float32
	exc      [g729ExcLen]float32
	prevLSP  [g729Order]float32
	lspHist  [4][g729Order]float32
	gainHist [4]float32
	lag      int
	frac     int
}

func newG729Decoder() *g729Decoder {
	d := &g729Decoder{lag: 60}
	for i := range d.prevLSP {
		d.prevLSP[i] = float32(math.Cos(float64(i+1) * math.Pi / 11))
	}
	for i := range d.gainHist {
		d.gainHist[i] = 1e-4
	}
	return d
}

// expandG729 appends the PCM for a G.729 payload to dst.
func expandG729(dst []int16, payload []byte) ([]int16, error) {
	switch n := len(payload); {
	case n == 0:
		return append(dst, make([]int16, g729FrameSamples)...), nil
	case n == g729SIDBytes:
		return appendG729Noise(dst, payload), nil
	case n%g729FrameBytes != 0:
		return dst, fmt.Errorf("%w: G.729 payload of %d bytes", ErrUnsupportedCodec, n)
	}

	d := newG729Decoder()
	for off := 0; off < len(payload); off += g729FrameBytes {
		dst = d.decodeFrame(dst, parseG729Frame(payload[off:off+g729FrameBytes]))
	}
	return dst, nil
}

// appendG729Noise renders an Annex B SID frame as one frame of low level
// noise seeded from the SID bytes.
func appendG729Noise(dst []int16, sid []byte) []int16 {
	seed := uint32(sid[0])<<8 | uint32(sid[1])
	for i := 0; i < g729FrameSamples; i++ {
		seed = seed*1103515245 + 12345
		dst = append(dst, int16((seed>>16)&0x1ff)-256)
	}
	return dst
}

func (d *g729Decoder) decodeFrame(dst []int16, f g729Frame) []int16 {
	lpc := d.decodeLSP(f)
	for sf, p := range f.sub {
		lag, frac := d.pitchLag(p.pitch, sf)
		adaptive := d.adaptiveVector(lag, frac)
		fixed := g729FixedVector(p.code, p.signs)
		gp, gc := d.gains(p.gainA, p.gainB)

		var exc [g729Subframe]float32
		for n := range exc {
			exc[n] = gp*adaptive[n] + gc*fixed[n]
		}
		speech := d.synthesize(&exc, &lpc[sf])

		copy(d.exc[:], d.exc[g729Subframe:])
		copy(d.exc[g729ExcLen-g729Subframe:], exc[:])

		for _, s := range speech {
			dst = append(dst, toPCM16(s*32767))
		}
	}
	return dst
}

func toPCM16(v float32) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}

// decodeLSP returns LP coefficients for both subframes: the first uses the
// midpoint of the previous and current LSPs.
func (d *g729Decoder) decodeLSP(f g729Frame) [2][g729Order]float32 {
	var cur [g729Order]float32
	for i := range cur {
		var predicted float32
		for j := range d.lspHist {
			predicted += g729MAWeights[f.l0][j] * d.lspHist[j][i]
		}
		var delta float32
		if i < 5 {
			delta = g729LSPStage1[f.l1][i] + g729LSPStage2[f.l2][i]
		} else {
			delta = g729LSPUpper[f.l3][i-5]
		}
		cur[i] = min(max(g729LSPMean[i]+predicted+delta, -0.9999), 0.9999)
	}
	// Cosines must strictly decrease.
	for i := 1; i < g729Order; i++ {
		if cur[i] >= cur[i-1] {
			cur[i] = cur[i-1] - 0.005
		}
	}

	copy(d.lspHist[1:], d.lspHist[:3])
	var mid [g729Order]float32
	for i := range cur {
		d.lspHist[0][i] = cur[i] - g729LSPMean[i]
		mid[i] = 0.5*d.prevLSP[i] + 0.5*cur[i]
	}
	d.prevLSP = cur
	return [2][g729Order]float32{lspToLPC(mid), lspToLPC(cur)}
}

// lspToLPC expands the even and odd LSP sets into two symmetric
// polynomials of quadratic factors and averages them.
func lspToLPC(lsp [g729Order]float32) [g729Order]float32 {
	var f1, f2 [g729Order + 1]float64
	f1[0], f2[0] = 1, 1
	for i := 0; i < g729Order/2; i++ {
		c1 := -2 * float64(lsp[2*i])
		c2 := -2 * float64(lsp[2*i+1])
		for j := 2*i + 2; j >= 2; j-- {
			f1[j] += c1*f1[j-1] + f1[j-2]
			f2[j] += c2*f2[j-1] + f2[j-2]
		}
		f1[1] += c1
		f2[1] += c2
	}
	var a [g729Order]float32
	for k := range a {
		a[k] = float32(0.5 * (f1[k+1] + f2[k+1]))
	}
	return a
}

// pitchLag decodes an absolute lag in the first subframe and a lag
// relative to it in the second, both in 1/3 sample resolution.
func (d *g729Decoder) pitchLag(p, sf int) (int, int) {
	var lag, frac int
	switch {
	case sf > 0:
		delta := p - 15
		lag = d.lag + delta/3
		frac = d.frac + delta%3
		if frac < 0 {
			frac += 3
			lag--
		}
		if frac >= 3 {
			frac -= 3
			lag++
		}
	case p < 197:
		lag, frac = p/3+19, p%3
	default:
		lag = p - 112
	}
	d.lag = min(max(lag, 20), 147)
	d.frac = min(max(frac, 0), 2)
	return d.lag, d.frac
}

// adaptiveVector reads the excitation history at lag plus frac/3 samples.
func (d *g729Decoder) adaptiveVector(lag, frac int) [g729Subframe]float32 {
	var v [g729Subframe]float32
	for n := range v {
		start := g729ExcLen - lag - n
		if frac == 0 {
			if start >= 0 && start < g729ExcLen {
				v[n] = d.exc[start]
			}
			continue
		}
		var sum float32
		for k, c := range g729PitchFIR[frac] {
			if idx := start + k - g729FIRCenter; idx >= 0 && idx < g729ExcLen {
				sum += c * d.exc[idx]
			}
		}
		v[n] = sum
	}
	return v
}

// g729FixedVector places one signed unit pulse per track. The top nine
// code bits pick positions on tracks 0-2 and the low four on track 3.
func g729FixedVector(code, signs int) [g729Subframe]float32 {
	var v [g729Subframe]float32
	idx := [4]int{(code >> 10) & 7, (code >> 7) & 7, (code >> 4) & 7, code & 0xf}
	for t, table := range g729Tracks {
		pos := table[min(idx[t], len(table)-1)]
		if (signs>>t)&1 == 1 {
			v[pos]--
		} else {
			v[pos]++
		}
	}
	return v
}

// gains returns the pitch gain and the fixed codebook gain, the latter
// predicted in the log domain from the last four subframes.
func (d *g729Decoder) gains(ga, gb int) (float32, float32) {
	ga, gb = min(ga, 7), min(gb, 15)
	pitch := min(max(g729GainA[ga][0]*g729GainB[gb][0], 0), 1.2)

	var logPred float64
	for k, e := range d.gainHist {
		logPred += float64(g729MAWeights[0][k]) * math.Log(float64(max(e, 1e-12)))
	}
	fixed := min(max(float32(math.Exp(logPred))*g729GainA[ga][1]*g729GainB[gb][1], 0), 10)

	copy(d.gainHist[1:], d.gainHist[:3])
	d.gainHist[0] = max(fixed*fixed, 1e-12)
	return pitch, fixed
}

// synthesize runs the all-pole LP filter over one subframe of excitation.
// synMem[0] holds the most recent output.
func (d *g729Decoder) synthesize(exc *[g729Subframe]float32, a *[g729Order]float32) [g729Subframe]float32 {
	var out [g729Subframe]float32
	for n, x := range exc {
		s := x
		for k := range a {
			s -= a[k] * d.synMem[k]
		}
		s = min(max(s, -4), 4)
		copy(d.synMem[1:], d.synMem[:g729Order-1])
		d.synMem[0] = s
		out[n] = s
	}
	return out
}
