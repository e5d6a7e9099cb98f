// Package vision abstracts the frozen image encoder and its adaptation
// into the trunk's embedding space: a backbone interface producing
// cls-first patch features, grid pooling over the patch tokens, and a
// linear projection to the model width.
package vision

import (
	"context"
	"fmt"

	"vrwkv/internal/tensor"
)

// Image is one preprocessed image as a CHW pixel tensor, already
// resized and normalised for the backbone.
type Image struct {
	Channels int
	Height   int
	Width    int
	Pixels   []float32
}

// Validate checks the pixel buffer against the declared shape.
func (im *Image) Validate() error {
	want := im.Channels * im.Height * im.Width
	if len(im.Pixels) != want {
		return fmt.Errorf("vision: image has %d pixels, shape implies %d", len(im.Pixels), want)
	}
	return nil
}

// Backbone encodes a batch of images into patch features. Encode
// returns a (B, 1+S·S, D) tensor whose first token per image is the
// class token followed by S·S grid patches in row-major order, where S
// is GridSide and D is FeatureDim. Backbones are typically frozen
// external models; implementations must be safe for concurrent use.
type Backbone interface {
	Encode(ctx context.Context, images []Image) (*tensor.Seq, error)
	FeatureDim() int
	GridSide() int
}

// Dummy is a deterministic stand-in backbone for development and tests.
// It derives each feature channel from cheap mixes of the pixel values,
// so identical images always encode identically and no weights are
// needed.
type Dummy struct {
	Dim  int
	Side int
}

var _ Backbone = (*Dummy)(nil)

func (d *Dummy) FeatureDim() int { return d.Dim }
func (d *Dummy) GridSide() int   { return d.Side }

func (d *Dummy) Encode(ctx context.Context, images []Image) (*tensor.Seq, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("vision: empty image batch")
	}
	tokens := 1 + d.Side*d.Side
	out := tensor.NewSeq(len(images), tokens, d.Dim)
	for b := range images {
		if err := images[b].Validate(); err != nil {
			return nil, err
		}
		px := images[b].Pixels
		for t := 0; t < tokens; t++ {
			row := out.At(b, t)
			// xorshift-style mix keyed by (token, channel, pixel sum).
			var sum float32
			for i := t; i < len(px); i += tokens {
				sum += px[i]
			}
			state := uint32(t)*2654435761 + 1
			for c := range row {
				state ^= state << 13
				state ^= state >> 17
				state ^= state << 5
				row[c] = sum*0.01 + (float32(state%2048)/1024-1)*0.1
			}
		}
	}
	return out, nil
}
