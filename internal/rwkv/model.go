// Package rwkv implements the RWKV-5 recurrent trunk: token embedding,
// stacked pre-norm residual blocks built around the WKV kernel, and the
// output head. The trunk consumes embeddings rather than token ids so a
// caller can splice non-text rows into the input before the first block.
package rwkv

import (
	"fmt"
	"math"

	"vrwkv/internal/tensor"
	"vrwkv/internal/wkv"
)

// Config fixes the trunk geometry. Zero-valued derived fields are filled
// in by Validate: DimAtt defaults to NEmbd, DimFFN to 3.5·NEmbd rounded
// down to a multiple of 32, HeadSizeDivisor to 8.
type Config struct {
	VocabSize       int  `yaml:"vocab_size"`
	NEmbd           int  `yaml:"n_embd"`
	NLayer          int  `yaml:"n_layer"`
	DimAtt          int  `yaml:"dim_att"`
	DimFFN          int  `yaml:"dim_ffn"`
	HeadSize        int  `yaml:"head_size"`
	HeadSizeDivisor int  `yaml:"head_size_divisor"`
	CtxLen          int  `yaml:"ctx_len"`
	PreFFN          bool `yaml:"pre_ffn"`
}

// Validate fills defaults and rejects inconsistent geometry.
func (c *Config) Validate() error {
	if c.VocabSize <= 0 {
		return fmt.Errorf("rwkv: vocab_size must be positive, got %d", c.VocabSize)
	}
	if c.NEmbd <= 0 || c.NLayer <= 0 {
		return fmt.Errorf("rwkv: n_embd and n_layer must be positive, got %d/%d", c.NEmbd, c.NLayer)
	}
	if c.CtxLen <= 0 {
		return fmt.Errorf("rwkv: ctx_len must be positive, got %d", c.CtxLen)
	}
	if c.DimAtt == 0 {
		c.DimAtt = c.NEmbd
	}
	if c.DimFFN == 0 {
		c.DimFFN = int(float64(c.NEmbd)*3.5) / 32 * 32
		if c.DimFFN == 0 {
			c.DimFFN = c.NEmbd
		}
	}
	if c.HeadSize <= 0 {
		return fmt.Errorf("rwkv: head_size must be positive, got %d", c.HeadSize)
	}
	if c.DimAtt%c.HeadSize != 0 {
		return fmt.Errorf("rwkv: dim_att %d not divisible by head_size %d", c.DimAtt, c.HeadSize)
	}
	if c.HeadSizeDivisor == 0 {
		c.HeadSizeDivisor = 8
	}
	return nil
}

// Model is the full recurrent trunk.
type Model struct {
	Config Config

	Emb    tensor.Mat // (vocab, nEmbd)
	Blocks []*Block
	LnOut  *LayerNorm
	Head   tensor.Mat // (vocab, nEmbd)
}

// New validates cfg and builds an initialised trunk.
func New(cfg Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kernel := wkv.New(wkv.Config{
		Heads:    cfg.DimAtt / cfg.HeadSize,
		HeadSize: cfg.HeadSize,
	})

	m := &Model{
		Config: cfg,
		Emb:    tensor.NewMat(cfg.VocabSize, cfg.NEmbd),
		Blocks: make([]*Block, cfg.NLayer),
		LnOut:  NewLayerNorm(cfg.NEmbd),
		Head:   tensor.NewMat(cfg.VocabSize, cfg.NEmbd),
	}
	// Embeddings start tiny so ln0 dominates early training.
	tensor.FillUniform(&m.Emb, 1, 1e-4)
	tensor.FillUniform(&m.Head, 2, float32(1.0/math.Sqrt(float64(cfg.NEmbd))))
	for i := range m.Blocks {
		m.Blocks[i] = NewBlock(cfg, kernel, i)
	}
	return m, nil
}

// Embed looks up the embedding rows for a rectangular batch of token
// ids. Ragged rows or out-of-range ids panic; the caller is expected to
// have padded and validated.
func (m *Model) Embed(ids [][]int) *tensor.Seq {
	if len(ids) == 0 {
		panic("rwkv: empty batch")
	}
	T := len(ids[0])
	out := tensor.NewSeq(len(ids), T, m.Config.NEmbd)
	for b, row := range ids {
		if len(row) != T {
			panic("rwkv: ragged token batch")
		}
		for t, id := range row {
			copy(out.At(b, t), m.Emb.Row(id))
		}
	}
	return out
}

// LayerHook observes or rewrites the activation tensor in place between
// trunk layers. Image-region scan orders are implemented this way.
type LayerHook func(layer int, x *tensor.Seq)

// Hidden runs the residual stack over pre-assembled embeddings and
// returns the final-norm output. x is not modified. before and after
// run around every block and may be nil.
func (m *Model) Hidden(x *tensor.Seq, before, after LayerHook) *tensor.Seq {
	if x.C != m.Config.NEmbd {
		panic("rwkv: input width mismatch")
	}
	h := x.Clone()
	for i, blk := range m.Blocks {
		if before != nil {
			before(i, h)
		}
		h = blk.Forward(h)
		if after != nil {
			after(i, h)
		}
	}
	return m.LnOut.Forward(h)
}

// Logits projects final-norm hidden states to vocabulary scores.
func (m *Model) Logits(hidden *tensor.Seq) *tensor.Seq {
	out := tensor.NewSeq(hidden.B, hidden.T, m.Config.VocabSize)
	tensor.LinearInto(out, hidden, &m.Head)
	return out
}

// Forward is Hidden followed by Logits with no layer hooks.
func (m *Model) Forward(x *tensor.Seq) *tensor.Seq {
	return m.Logits(m.Hidden(x, nil, nil))
}

// Param is a named view of one trainable tensor. Data aliases the live
// model storage, so copying into it updates the model.
type Param struct {
	Shape []int
	Data  []float32
}

// Elems returns the element count implied by the shape.
func (p Param) Elems() int {
	n := 1
	for _, d := range p.Shape {
		n *= d
	}
	return n
}

// Parameters returns every trainable tensor keyed by its canonical name.
// The naming mirrors the reference checkpoints ("emb.weight",
// "blocks.3.att.time_decay", ...) so state can be restored by name.
func (m *Model) Parameters() map[string]Param {
	params := make(map[string]Param)
	add := func(name string, data []float32, shape ...int) {
		params[name] = Param{Shape: shape, Data: data}
	}

	cfg := m.Config
	add("emb.weight", m.Emb.Data, cfg.VocabSize, cfg.NEmbd)
	add("ln_out.weight", m.LnOut.Weight, cfg.NEmbd)
	add("ln_out.bias", m.LnOut.Bias, cfg.NEmbd)
	add("head.weight", m.Head.Data, cfg.VocabSize, cfg.NEmbd)

	for i, blk := range m.Blocks {
		p := fmt.Sprintf("blocks.%d.", i)
		if blk.Ln0 != nil {
			add(p+"ln0.weight", blk.Ln0.Weight, cfg.NEmbd)
			add(p+"ln0.bias", blk.Ln0.Bias, cfg.NEmbd)
		}
		add(p+"ln1.weight", blk.Ln1.Weight, cfg.NEmbd)
		add(p+"ln1.bias", blk.Ln1.Bias, cfg.NEmbd)
		add(p+"ln2.weight", blk.Ln2.Weight, cfg.NEmbd)
		add(p+"ln2.bias", blk.Ln2.Bias, cfg.NEmbd)

		if att := blk.Att; att != nil {
			heads := cfg.DimAtt / cfg.HeadSize
			add(p+"att.time_mix_k", att.MixK, cfg.NEmbd)
			add(p+"att.time_mix_v", att.MixV, cfg.NEmbd)
			add(p+"att.time_mix_r", att.MixR, cfg.NEmbd)
			add(p+"att.time_mix_g", att.MixG, cfg.NEmbd)
			add(p+"att.time_decay", att.Decay.Data, heads, cfg.HeadSize)
			add(p+"att.time_faaaa", att.Bonus.Data, heads, cfg.HeadSize)
			add(p+"att.receptance.weight", att.Receptance.Data, cfg.DimAtt, cfg.NEmbd)
			add(p+"att.key.weight", att.Key.Data, cfg.DimAtt, cfg.NEmbd)
			add(p+"att.value.weight", att.Value.Data, cfg.DimAtt, cfg.NEmbd)
			add(p+"att.gate.weight", att.Gate.Data, cfg.DimAtt, cfg.NEmbd)
			add(p+"att.output.weight", att.Output.Data, cfg.NEmbd, cfg.DimAtt)
			add(p+"att.ln_x.weight", att.Norm.Weight, cfg.DimAtt)
			add(p+"att.ln_x.bias", att.Norm.Bias, cfg.DimAtt)
		}
		addFFN := func(prefix string, ffn *ChannelMix) {
			add(prefix+"time_mix_k", ffn.MixK, cfg.NEmbd)
			add(prefix+"time_mix_r", ffn.MixR, cfg.NEmbd)
			add(prefix+"key.weight", ffn.Key.Data, cfg.DimFFN, cfg.NEmbd)
			add(prefix+"receptance.weight", ffn.Receptance.Data, cfg.NEmbd, cfg.NEmbd)
			add(prefix+"value.weight", ffn.Value.Data, cfg.NEmbd, cfg.DimFFN)
		}
		if blk.FFNPre != nil {
			addFFN(p+"ffnPre.", blk.FFNPre)
		}
		addFFN(p+"ffn.", blk.FFN)
	}
	return params
}
