package rwkv

import "math"

// Parameter initialisation schedules. These are layer-depth dependent and
// part of the model contract: the decay schedule spans a wide negative
// range so deeper layers decay slower, and the bonus alternates in a
// fixed zigzag. Checkpoints trained elsewhere assume exactly these
// curves, so none of the constants here are tunable.

func ratioZeroToOne(layer, nLayer int) float64 {
	if nLayer <= 1 {
		return 0
	}
	return float64(layer) / float64(nLayer-1)
}

func ratioOneToAlmostZero(layer, nLayer int) float64 {
	return 1.0 - float64(layer)/float64(nLayer)
}

// powerCurve fills a per-channel vector with (i/n)^p.
func powerCurve(n int, p float64) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(math.Pow(float64(i)/float64(n), p))
	}
	return out
}

// timeMixCurves returns the four per-channel mixing coefficient vectors
// for a time-mixing block at the given depth.
func timeMixCurves(layer, nLayer, nEmbd int) (mixK, mixV, mixR, mixG []float32) {
	r0 := ratioZeroToOne(layer, nLayer)
	r1 := ratioOneToAlmostZero(layer, nLayer)

	mixK = powerCurve(nEmbd, r1)
	mixV = make([]float32, nEmbd)
	for i := range mixV {
		mixV[i] = mixK[i] + float32(0.3*r0)
	}
	mixR = powerCurve(nEmbd, 0.5*r1)
	mixG = powerCurve(nEmbd, 0.5*r1)
	return mixK, mixV, mixR, mixG
}

// channelMixCurves returns the two mixing vectors of a feed-forward block.
func channelMixCurves(layer, nLayer, nEmbd int) (mixK, mixR []float32) {
	r1 := ratioOneToAlmostZero(layer, nLayer)
	return powerCurve(nEmbd, r1), powerCurve(nEmbd, r1)
}

// decaySchedule returns the raw per-channel decay parameters for a layer,
// later reshaped to (heads, headSize). Values run from -6 toward -1 with
// a depth-dependent exponent.
func decaySchedule(layer, nLayer, dimAtt int) []float32 {
	r0 := ratioZeroToOne(layer, nLayer)
	out := make([]float32, dimAtt)
	for n := range out {
		frac := 0.0
		if dimAtt > 1 {
			frac = float64(n) / float64(dimAtt-1)
		}
		out[n] = float32(-6 + 5*math.Pow(frac, 0.7+1.3*r0))
	}
	return out
}

// bonusSchedule returns the raw per-channel bonus parameters for a layer:
// a depth-scaled descending ramp with a period-3 zigzag on top.
func bonusSchedule(layer, nLayer, dimAtt int) []float32 {
	r0 := ratioZeroToOne(layer, nLayer)
	out := make([]float32, dimAtt)
	for n := range out {
		frac := 0.0
		if dimAtt > 1 {
			frac = float64(n) / float64(dimAtt-1)
		}
		zigzag := float64((n+1)%3-1) * 0.1
		out[n] = float32(r0*(1-frac) + zigzag)
	}
	return out
}
