package rwkv

import (
	"math"

	"vrwkv/internal/tensor"
)

const normEpsilon = 1e-5

// LayerNorm normalises every (batch, time) row over the channel axis with
// learned per-channel gain and bias.
type LayerNorm struct {
	Weight []float32
	Bias   []float32
}

// NewLayerNorm returns a LayerNorm with unit gain and zero bias.
func NewLayerNorm(dim int) *LayerNorm {
	ln := &LayerNorm{
		Weight: make([]float32, dim),
		Bias:   make([]float32, dim),
	}
	for i := range ln.Weight {
		ln.Weight[i] = 1
	}
	return ln
}

// Forward returns the normalised copy of x.
func (ln *LayerNorm) Forward(x *tensor.Seq) *tensor.Seq {
	if x.C != len(ln.Weight) {
		panic("rwkv: layernorm width mismatch")
	}
	out := tensor.NewSeq(x.B, x.T, x.C)
	for b := 0; b < x.B; b++ {
		for t := 0; t < x.T; t++ {
			normalizeRow(out.At(b, t), x.At(b, t), ln.Weight, ln.Bias)
		}
	}
	return out
}

// GroupNorm normalises each head's channel group independently within a
// (batch, time) row. Used as the post-kernel stabiliser in time mixing.
type GroupNorm struct {
	Groups int
	Weight []float32
	Bias   []float32
}

// NewGroupNorm returns a GroupNorm over dim channels split into groups.
func NewGroupNorm(groups, dim int) *GroupNorm {
	if groups <= 0 || dim%groups != 0 {
		panic("rwkv: groupnorm channels not divisible by groups")
	}
	gn := &GroupNorm{
		Groups: groups,
		Weight: make([]float32, dim),
		Bias:   make([]float32, dim),
	}
	for i := range gn.Weight {
		gn.Weight[i] = 1
	}
	return gn
}

// Forward normalises x in place and returns it.
func (gn *GroupNorm) Forward(x *tensor.Seq) *tensor.Seq {
	if x.C != len(gn.Weight) {
		panic("rwkv: groupnorm width mismatch")
	}
	size := x.C / gn.Groups
	for b := 0; b < x.B; b++ {
		for t := 0; t < x.T; t++ {
			row := x.At(b, t)
			for g := 0; g < gn.Groups; g++ {
				lo := g * size
				seg := row[lo : lo+size]
				normalizeRow(seg, seg, gn.Weight[lo:lo+size], gn.Bias[lo:lo+size])
			}
		}
	}
	return x
}

// normalizeRow writes (x - mean) / sqrt(var + eps) * weight + bias into
// dst. Moments accumulate in float64; the fp32 inputs are treated as the
// reduced-precision working type.
func normalizeRow(dst, src, weight, bias []float32) {
	var mean float64
	for _, v := range src {
		mean += float64(v)
	}
	mean /= float64(len(src))

	var variance float64
	for _, v := range src {
		d := float64(v) - mean
		variance += d * d
	}
	variance /= float64(len(src))

	inv := 1.0 / math.Sqrt(variance+normEpsilon)
	for i := range dst {
		dst[i] = float32((float64(src[i])-mean)*inv)*weight[i] + bias[i]
	}
}
