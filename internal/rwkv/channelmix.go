package rwkv

import (
	"math"

	"vrwkv/internal/tensor"
)

// ChannelMix is the position-wise feed-forward sub-block: time-shift
// mixing, a squared-ReLU hidden layer and a sigmoid-gated receptance.
type ChannelMix struct {
	MixK []float32
	MixR []float32

	Key        tensor.Mat // (dimFFN, nEmbd)
	Receptance tensor.Mat // (nEmbd, nEmbd)
	Value      tensor.Mat // (nEmbd, dimFFN)
}

// NewChannelMix builds a feed-forward block at the given depth.
func NewChannelMix(cfg Config, layer int) *ChannelMix {
	mixK, mixR := channelMixCurves(layer, cfg.NLayer, cfg.NEmbd)
	cm := &ChannelMix{
		MixK:       mixK,
		MixR:       mixR,
		Key:        tensor.NewMat(cfg.DimFFN, cfg.NEmbd),
		Receptance: tensor.NewMat(cfg.NEmbd, cfg.NEmbd),
		Value:      tensor.NewMat(cfg.NEmbd, cfg.DimFFN),
	}
	seed := int64(layer)*131 + 29
	tensor.FillUniform(&cm.Key, seed+1, float32(1.0/math.Sqrt(float64(cfg.NEmbd))))
	tensor.FillUniform(&cm.Receptance, seed+2, float32(1.0/math.Sqrt(float64(cfg.NEmbd))))
	tensor.FillUniform(&cm.Value, seed+3, float32(1.0/math.Sqrt(float64(cfg.DimFFN))))
	return cm
}

// Forward applies the block to x.
func (cm *ChannelMix) Forward(x *tensor.Seq) *tensor.Seq {
	shifted := timeShift(x)
	xk := mixInto(x, shifted, cm.MixK)
	xr := mixInto(x, shifted, cm.MixR)

	k := tensor.NewSeq(x.B, x.T, cm.Key.R)
	tensor.LinearInto(k, xk, &cm.Key)
	for i, kv := range k.Data {
		if kv < 0 {
			k.Data[i] = 0
		} else {
			k.Data[i] = kv * kv
		}
	}

	kv := tensor.NewSeq(x.B, x.T, cm.Value.R)
	tensor.LinearInto(kv, k, &cm.Value)

	r := tensor.NewSeq(x.B, x.T, cm.Receptance.R)
	tensor.LinearInto(r, xr, &cm.Receptance)
	for i := range kv.Data {
		kv.Data[i] *= sigmoid(r.Data[i])
	}
	return kv
}
