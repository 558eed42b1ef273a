package cng

// reflectionToLPC converts reflection coefficients into direct-form
// predictor coefficients with the step-up recursion
//
//	a_m[m] = k[m]
//	a_m[i] = a_{m-1}[i] + k[m] * a_{m-1}[m-i-1],  i < m
//
// lpc and scratch are used as the two stage buffers and swapped after every
// stage; both must hold at least len(refl) values. Stage m only reads the
// first m values of the previous stage, so stale contents of either buffer
// never leak into the result.
func reflectionToLPC(lpc, scratch, refl []float32) {
	order := len(refl)
	if order == 0 {
		return
	}

	cur := lpc[:order]
	next := scratch[:order]
	for m := 0; m < order; m++ {
		next[m] = refl[m]
		for i := 0; i < m; i++ {
			next[i] = cur[i] + float32(refl[m]*cur[m-i-1])
		}
		next, cur = cur, next
	}

	if &cur[0] != &lpc[0] {
		copy(lpc[:order], cur)
	}
}

// residualEnergy returns the prediction error ratio Π(1 - k²). For
// coefficients inside (-1, 1) the result lies in (0, 1].
func residualEnergy(refl []float32) float32 {
	e := float32(1)
	for _, k := range refl {
		e = float32(float64(e) * (1 - float64(k*k)))
	}
	return e
}
