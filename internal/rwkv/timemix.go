package rwkv

import (
	"math"

	"vrwkv/internal/tensor"
	"vrwkv/internal/wkv"
)

// TimeMix is the attention-analog sub-block: per-channel time-shift
// mixing into four projections, the WKV recurrence, a grouped
// normalisation scaled by the head-size divisor, and a gated output
// projection.
type TimeMix struct {
	MixK []float32
	MixV []float32
	MixR []float32
	MixG []float32

	Decay tensor.Mat // (heads, headSize), raw log-space parameters
	Bonus tensor.Mat // (heads, headSize)

	Receptance tensor.Mat // (dimAtt, nEmbd)
	Key        tensor.Mat
	Value      tensor.Mat
	Gate       tensor.Mat
	Output     tensor.Mat // (nEmbd, dimAtt)

	Norm    *GroupNorm
	kernel  *wkv.Kernel
	divisor float32
}

// NewTimeMix builds a time-mixing block at the given depth. The kernel's
// head size must agree with the block geometry; a mismatch panics here
// rather than at first forward.
func NewTimeMix(cfg Config, kernel *wkv.Kernel, layer int) *TimeMix {
	if kernel.HeadSize() != cfg.HeadSize {
		panic("rwkv: kernel head size disagrees with block config")
	}
	if cfg.DimAtt != kernel.Heads()*kernel.HeadSize() {
		panic("rwkv: kernel geometry disagrees with dimAtt")
	}

	mixK, mixV, mixR, mixG := timeMixCurves(layer, cfg.NLayer, cfg.NEmbd)
	heads := cfg.DimAtt / cfg.HeadSize

	tm := &TimeMix{
		MixK:       mixK,
		MixV:       mixV,
		MixR:       mixR,
		MixG:       mixG,
		Decay:      tensor.NewMatFromData(heads, cfg.HeadSize, decaySchedule(layer, cfg.NLayer, cfg.DimAtt)),
		Bonus:      tensor.NewMatFromData(heads, cfg.HeadSize, bonusSchedule(layer, cfg.NLayer, cfg.DimAtt)),
		Receptance: tensor.NewMat(cfg.DimAtt, cfg.NEmbd),
		Key:        tensor.NewMat(cfg.DimAtt, cfg.NEmbd),
		Value:      tensor.NewMat(cfg.DimAtt, cfg.NEmbd),
		Gate:       tensor.NewMat(cfg.DimAtt, cfg.NEmbd),
		Output:     tensor.NewMat(cfg.NEmbd, cfg.DimAtt),
		Norm:       NewGroupNorm(heads, cfg.DimAtt),
		kernel:     kernel,
		divisor:    float32(cfg.HeadSizeDivisor),
	}

	seed := int64(layer)*97 + 13
	scale := float32(1.0 / math.Sqrt(float64(cfg.NEmbd)))
	tensor.FillUniform(&tm.Receptance, seed+1, scale)
	tensor.FillUniform(&tm.Key, seed+2, scale)
	tensor.FillUniform(&tm.Value, seed+3, scale)
	tensor.FillUniform(&tm.Gate, seed+4, scale)
	tensor.FillUniform(&tm.Output, seed+5, float32(1.0/math.Sqrt(float64(cfg.DimAtt))))
	return tm
}

// Forward applies the block to x, returning the sub-block output to be
// residual-added by the caller.
func (tm *TimeMix) Forward(x *tensor.Seq) *tensor.Seq {
	shifted := timeShift(x)

	xr := mixInto(x, shifted, tm.MixR)
	xk := mixInto(x, shifted, tm.MixK)
	xv := mixInto(x, shifted, tm.MixV)
	xg := mixInto(x, shifted, tm.MixG)

	dimAtt := tm.Receptance.R
	r := tensor.NewSeq(x.B, x.T, dimAtt)
	k := tensor.NewSeq(x.B, x.T, dimAtt)
	v := tensor.NewSeq(x.B, x.T, dimAtt)
	g := tensor.NewSeq(x.B, x.T, dimAtt)
	tensor.LinearInto(r, xr, &tm.Receptance)
	tensor.LinearInto(k, xk, &tm.Key)
	tensor.LinearInto(v, xv, &tm.Value)
	tensor.LinearInto(g, xg, &tm.Gate)
	for i, gv := range g.Data {
		g.Data[i] = silu(gv)
	}

	y := tm.kernel.Forward(r, k, v, &tm.Decay, &tm.Bonus)

	// Scaling before the grouped norm keeps fp32 activations from
	// saturating as T grows.
	inv := 1 / tm.divisor
	for i := range y.Data {
		y.Data[i] *= inv
	}
	tm.Norm.Forward(y)

	for i := range y.Data {
		y.Data[i] *= g.Data[i]
	}

	out := tensor.NewSeq(x.B, x.T, tm.Output.R)
	tensor.LinearInto(out, y, &tm.Output)
	return out
}

// timeShift returns a copy of x where step t holds the row previously at
// t-1 and step 0 is zero. Sequences in the batch never leak into each
// other.
func timeShift(x *tensor.Seq) *tensor.Seq {
	out := tensor.NewSeq(x.B, x.T, x.C)
	for b := 0; b < x.B; b++ {
		for t := 1; t < x.T; t++ {
			copy(out.At(b, t), x.At(b, t-1))
		}
	}
	return out
}

// mixInto computes cur*mix + shifted*(1-mix) per channel.
func mixInto(cur, shifted *tensor.Seq, mix []float32) *tensor.Seq {
	out := tensor.NewSeq(cur.B, cur.T, cur.C)
	for b := 0; b < cur.B; b++ {
		for t := 0; t < cur.T; t++ {
			c := cur.At(b, t)
			s := shifted.At(b, t)
			o := out.At(b, t)
			for i := range o {
				o[i] = c[i]*mix[i] + s[i]*(1-mix[i])
			}
		}
	}
	return out
}

func silu(x float32) float32 {
	return x / (1 + float32(math.Exp(-float64(x))))
}

func sigmoid(x float32) float32 {
	return 1 / (1 + float32(math.Exp(-float64(x))))
}
