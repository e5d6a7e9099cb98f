package rwkv

import (
	"vrwkv/internal/tensor"
	"vrwkv/internal/wkv"
)

// Block is one residual trunk layer: pre-norm time mixing followed by
// pre-norm channel mixing. Layer 0 additionally normalises the raw
// embeddings, and can swap its time-mixing half for a second
// feed-forward when the trunk is configured with PreFFN.
type Block struct {
	Layer int

	Ln0 *LayerNorm // layer 0 only
	Ln1 *LayerNorm
	Ln2 *LayerNorm

	Att    *TimeMix
	FFNPre *ChannelMix // replaces Att at layer 0 when PreFFN
	FFN    *ChannelMix
}

// NewBlock builds a trunk layer at the given depth.
func NewBlock(cfg Config, kernel *wkv.Kernel, layer int) *Block {
	b := &Block{
		Layer: layer,
		Ln1:   NewLayerNorm(cfg.NEmbd),
		Ln2:   NewLayerNorm(cfg.NEmbd),
		FFN:   NewChannelMix(cfg, layer),
	}
	if layer == 0 {
		b.Ln0 = NewLayerNorm(cfg.NEmbd)
	}
	if layer == 0 && cfg.PreFFN {
		b.FFNPre = NewChannelMix(cfg, layer)
	} else {
		b.Att = NewTimeMix(cfg, kernel, layer)
	}
	return b
}

// Forward applies the layer. x is updated in place through the residual
// adds and returned; layer 0 replaces it with the ln0-normalised copy
// first.
func (b *Block) Forward(x *tensor.Seq) *tensor.Seq {
	if b.Ln0 != nil {
		x = b.Ln0.Forward(x)
	}
	if b.FFNPre != nil {
		addInto(x, b.FFNPre.Forward(b.Ln1.Forward(x)))
	} else {
		addInto(x, b.Att.Forward(b.Ln1.Forward(x)))
	}
	addInto(x, b.FFN.Forward(b.Ln2.Forward(x)))
	return x
}

func addInto(dst, src *tensor.Seq) {
	if !dst.SameShape(src) {
		panic("rwkv: residual shape mismatch")
	}
	for i, v := range src.Data {
		dst.Data[i] += v
	}
}
