package model

import (
	"context"
	"fmt"

	"vrwkv/internal/multimodal"
	"vrwkv/internal/tensor"
	"vrwkv/internal/vision"
)

// GenerateOptions bound a decoding run. Decoding is greedy: the highest
// logit wins every step.
type GenerateOptions struct {
	MaxNewTokens int
	StopToken    int
}

// Generate decodes a continuation for a single prompt, optionally
// grounded on one image referenced by an ImageToken placeholder in the
// prompt. The stop token, when produced, ends the run and is included
// in the returned slice. The window slides by the trunk's context
// length: when the sequence outgrows it, the oldest positions fall off
// and the image span shifts with them.
func (m *VisualRWKV) Generate(ctx context.Context, prompt []int, image *vision.Image, opts GenerateOptions) ([]int, error) {
	if opts.MaxNewTokens <= 0 {
		return nil, fmt.Errorf("model: max new tokens must be positive, got %d", opts.MaxNewTokens)
	}
	var images []vision.Image
	tokens := [][]int{prompt}
	if image != nil {
		images = []vision.Image{*image}
	} else {
		// The assembler still needs one feature row set per sample; a
		// zero image keeps the shape and gets zeroed anyway.
		images = []vision.Image{{Channels: 1, Height: 1, Width: 1, Pixels: []float32{0}}}
	}
	labels := [][]int{make([]int, len(prompt))}
	for i := range labels[0] {
		labels[0][i] = multimodal.IgnoreLabel
	}

	batch, err := m.assemble(ctx, tokens, labels, images, false)
	if err != nil {
		return nil, err
	}
	x := batch.Embeds
	span := batch.Span.Clamp(x.T)
	ctxLen := m.cfg.Model.CtxLen

	// Static scan orders splice once up front; the spliced rows then
	// ride along as the window slides.
	if err := m.strategy.Prepare(x, batch.Features, span); err != nil {
		return nil, err
	}

	var generated []int
	for step := 0; step < opts.MaxNewTokens; step++ {
		if err := ctx.Err(); err != nil {
			return generated, err
		}
		logits := m.forward(x, span.Clamp(x.T))
		next := argmax(logits.At(0, logits.T-1))
		generated = append(generated, next)
		if next == opts.StopToken {
			break
		}

		x = appendRow(x, m.trunk.Emb.Row(next))
		if x.T > ctxLen {
			drop := x.T - ctxLen
			x = tailWindow(x, ctxLen)
			span.Start -= drop
			span.End -= drop
			if span.Start < 0 {
				span.Start = 0
			}
			if span.End < 0 {
				span.End = 0
			}
		}
	}
	m.log.Debug("generation finished", "tokens", len(generated))
	return generated, nil
}

func argmax(row []float32) int {
	best := 0
	for i, v := range row {
		if v > row[best] {
			best = i
		}
	}
	return best
}

// appendRow returns x extended by one time step holding row.
func appendRow(x *tensor.Seq, row []float32) *tensor.Seq {
	out := tensor.NewSeq(1, x.T+1, x.C)
	copy(out.Data, x.Data)
	copy(out.At(0, x.T), row)
	return out
}

// tailWindow returns the trailing n steps of a single-sample sequence.
func tailWindow(x *tensor.Seq, n int) *tensor.Seq {
	out := tensor.NewSeq(1, n, x.C)
	copy(out.Data, x.Data[(x.T-n)*x.C:])
	return out
}
